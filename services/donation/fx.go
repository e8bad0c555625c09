package donation

import (
	"impact-donations/pkg/httpapi"
	"impact-donations/services/payment"

	"go.uber.org/fx"
)

var Module = fx.Module("donation.module",
	fx.Provide(
		NewService,
		func(s *Service) payment.Recorder { return s },
	),
)

var Routes = fx.Module("donation.routes",
	fx.Provide(httpapi.AsRoute(NewHandler)),
)

func Models() []any {
	return []any{&Donation{}, &FulfillmentItem{}, &Personalization{}, &ReceiptNotification{}}
}
