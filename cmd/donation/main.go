package main

import (
	"log"

	"impact-donations/pkg/config"
	"impact-donations/pkg/db"
	"impact-donations/pkg/featureflags"
	"impact-donations/pkg/gen"
	"impact-donations/pkg/hashistack/secretmanager"
	"impact-donations/pkg/hashistack/servicediscover"
	"impact-donations/pkg/health"
	"impact-donations/pkg/httpapi"
	"impact-donations/pkg/logger"
	"impact-donations/pkg/minio"
	"impact-donations/pkg/otelcol"
	"impact-donations/pkg/profiling"
	"impact-donations/pkg/redis"
	"impact-donations/pkg/sequence"
	"impact-donations/pkg/server"
	"impact-donations/pkg/task"
	"impact-donations/services/catalog"
	"impact-donations/services/distribution"
	"impact-donations/services/donation"
	"impact-donations/services/identity"
	"impact-donations/services/payment"
	"impact-donations/services/receipt"

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
		minio.Client,
		featureflags.Module,
		health.Module,
		httpapi.Module,
		server.ProvideHTTPServer,
		servicediscover.Module,

		identity.Module,
		identity.Routes,
		catalog.Module,
		catalog.Routes,
		payment.Module,
		payment.Routes,
		donation.Module,
		donation.Routes,
		distribution.Module,
		distribution.Routes,
		receipt.Module,
		receipt.Routes,

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
	if cfg.AppEnv == "production" {
		return fxevent.NopLogger
	}
	return &fxevent.ZapLogger{Logger: logger}
})

func migrate(cfg *config.Config, conn *gorm.DB) error {
	var models []any
	models = append(models, identity.Models()...)
	models = append(models, catalog.Models()...)
	models = append(models, payment.Models()...)
	models = append(models, donation.Models()...)
	models = append(models, distribution.Models()...)
	return db.Migrate(cfg, conn, models...)
}
