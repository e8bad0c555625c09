package task

import (
	"impact-donations/pkg/taskname"
	"impact-donations/services/payment"
	"impact-donations/services/receipt"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

var Module = fx.Module("task.service",
	fx.Provide(
		NewService,
		NewScheduler,
		func(s *payment.Service) IntentSweeper { return s },
		func(s *receipt.Service) ReceiptRequeuer { return s },
	),
	fx.Invoke(registerHandlers, StartScheduler),
)

func registerHandlers(mux *asynq.ServeMux, s *Service) {
	mux.HandleFunc(taskname.IntentSweep, s.HandleIntentSweep)
	mux.HandleFunc(taskname.ReceiptRequeue, s.HandleReceiptRequeue)
}

func Models() []any {
	return []any{&Task{}, &Job{}}
}
