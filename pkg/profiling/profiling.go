package profiling

import (
	"context"
	"runtime"

	"impact-donations/pkg/config"

	"github.com/grafana/pyroscope-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const contentionRate = 5

var Module = fx.Module("profiling", fx.Invoke(ProvideProfiling))

// ProvideProfiling pushes profiles to PYROSCOPE.ADDR for the life of the
// process. Mutex and block profiles are enabled alongside it.
func ProvideProfiling(lc fx.Lifecycle, c *config.Config) {
	if c.Pyroscope.Addr == "" {
		return
	}

	var profiler *pyroscope.Profiler
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			runtime.SetMutexProfileFraction(contentionRate)
			runtime.SetBlockProfileRate(contentionRate)

			p, err := pyroscope.Start(pyroscope.Config{
				ApplicationName: c.AppName,
				ServerAddress:   c.Pyroscope.Addr,
				ProfileTypes: []pyroscope.ProfileType{
					pyroscope.ProfileCPU,
					pyroscope.ProfileAllocObjects,
					pyroscope.ProfileAllocSpace,
					pyroscope.ProfileInuseSpace,
					pyroscope.ProfileGoroutines,
					pyroscope.ProfileMutexCount,
					pyroscope.ProfileMutexDuration,
					pyroscope.ProfileBlockDuration,
				},
				Tags: map[string]string{
					"service_name": c.AppName,
					"version":      c.AppVersion,
					"env":          c.AppEnv,
				},
			})
			if err != nil {
				zap.L().Error("failed to start pyroscope", zap.Error(err))
				return err
			}
			profiler = p
			zap.L().Info("pyroscope started", zap.String("app_name", c.AppName), zap.String("pyroscope_addr", c.Pyroscope.Addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if profiler == nil {
				return nil
			}
			zap.L().Info("stopping pyroscope")
			return profiler.Stop()
		},
	})
}
