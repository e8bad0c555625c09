package main

import (
	"log"

	"impact-donations/pkg/config"
	"impact-donations/pkg/db"
	"impact-donations/pkg/featureflags"
	"impact-donations/pkg/gen"
	"impact-donations/pkg/hashistack/secretmanager"
	"impact-donations/pkg/logger"
	"impact-donations/pkg/minio"
	"impact-donations/pkg/otelcol"
	"impact-donations/pkg/profiling"
	"impact-donations/pkg/redis"
	"impact-donations/pkg/sequence"
	"impact-donations/pkg/task"
	"impact-donations/services/catalog"
	"impact-donations/services/donation"
	"impact-donations/services/identity"
	"impact-donations/services/payment"
	"impact-donations/services/receipt"
	maintenance "impact-donations/services/task"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func main() {
	opts := []fx.Option{
		secretmanager.Module,
		config.Module,
		logger.Module,
		fx.Invoke(zap.ReplaceGlobals),
		otelcol.Module,
		profiling.Module,
		db.Module,
		redis.Module,
		gen.Module,
		sequence.Module,
		task.Client,
		task.Server,
		minio.Client,
		featureflags.Module,

		identity.Module,
		catalog.Module,
		payment.Module,
		donation.Module,
		receipt.Module,
		receipt.Worker,
		maintenance.Module,

		fx.Invoke(migrate),
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func migrate(cfg *config.Config, conn *gorm.DB) error {
	return db.Migrate(cfg, conn, maintenance.Models()...)
}
