package payment

import (
	"impact-donations/pkg/httpapi"

	"go.uber.org/fx"
)

var Module = fx.Module("payment.module",
	fx.Provide(
		NewGateway,
		NewService,
	),
)

var Routes = fx.Module("payment.routes",
	fx.Provide(httpapi.AsRoute(NewHandler)),
)

func Models() []any {
	return []any{&Intent{}, &CheckoutSnapshot{}}
}
