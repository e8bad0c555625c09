package catalog

import (
	"impact-donations/pkg/httpapi"

	"go.uber.org/fx"
)

var Module = fx.Module("catalog.module",
	fx.Provide(NewService),
)

var Routes = fx.Module("catalog.routes",
	fx.Provide(httpapi.AsRoute(NewHandler)),
)

func Models() []any {
	return []any{&Campaign{}, &CampaignProduct{}}
}
