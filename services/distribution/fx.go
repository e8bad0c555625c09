package distribution

import (
	"impact-donations/pkg/httpapi"

	"go.uber.org/fx"
)

var Module = fx.Module("distribution.module",
	fx.Provide(
		NewService,
		NewStickerSelector,
	),
)

var Routes = fx.Module("distribution.routes",
	fx.Provide(httpapi.AsRoute(NewHandler)),
)

func Models() []any {
	return []any{&Batch{}, &BatchMembership{}}
}
