package identity

import (
	"impact-donations/pkg/httpapi"

	"go.uber.org/fx"
)

var Module = fx.Module("identity.module",
	fx.Provide(NewService),
)

var Routes = fx.Module("identity.routes",
	fx.Provide(httpapi.AsRoute(NewHandler)),
)

// Models lists the tables owned by this package.
func Models() []any {
	return []any{&Donor{}}
}
