package receipt

import (
	"impact-donations/pkg/httpapi"
	"impact-donations/pkg/task"
	"impact-donations/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

var Module = fx.Module("receipt.module",
	fx.Provide(
		NewMailer,
		NewArchive,
		NewService,
	),
)

// Worker registers the delivery handler and the dead-letter hook with the
// asynq server.
var Worker = fx.Module("receipt.worker",
	fx.Provide(
		fx.Annotate(
			func(s *Service) task.DeadLetterHook { return s },
			fx.ResultTags(`group:"asynq.deadletter"`),
		),
	),
	fx.Invoke(registerHandlers),
)

var Routes = fx.Module("receipt.routes",
	fx.Provide(httpapi.AsRoute(NewHandler)),
)

func registerHandlers(mux *asynq.ServeMux, s *Service) {
	mux.HandleFunc(taskname.ReceiptSend, s.HandleReceiptSend)
}
