package task

import (
	"context"
	"time"

	"impact-donations/pkg/config"

	"github.com/robfig/cron/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Scheduler fires maintenance tasks on their cron schedules. It only
// enqueues; the asynq worker does the work.
type Scheduler struct {
	service *Service
	cron    *cron.Cron
	timeout time.Duration
}

func NewScheduler(svc *Service, cfg *config.Config) *Scheduler {
	loc := time.UTC
	if cfg.Timezone != "" {
		if l, err := time.LoadLocation(cfg.Timezone); err == nil {
			loc = l
		}
	}
	logger := cronLogger{zap.L().Sugar()}
	return &Scheduler{
		service: svc,
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		timeout: 30 * time.Second,
	}
}

// Register adds a cron entry per task. Entries without a schedule are skipped.
func (s *Scheduler) Register(tasks []Task) error {
	for _, t := range tasks {
		if t.Schedule == "" {
			zap.L().Warn("[Scheduler] task has no schedule", zap.String("task", t.Name))
			continue
		}
		name := t.Name
		if _, err := s.cron.AddFunc(t.Schedule, func() { s.fire(name) }); err != nil {
			return err
		}
		zap.L().Info("[Scheduler] task scheduled", zap.String("task", name), zap.String("schedule", t.Schedule))
	}
	return nil
}

func (s *Scheduler) fire(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.service.Enqueue(ctx, name); err != nil {
		zap.L().Error("[Scheduler] failed to enqueue task", zap.String("task", name), zap.Error(err))
	}
}

// StartScheduler is invoked by fx when the worker starts.
func StartScheduler(lc fx.Lifecycle, svc *Service, s *Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			tasks, err := svc.EnsureTasks(ctx)
			if err != nil {
				return err
			}
			if err := s.Register(tasks); err != nil {
				return err
			}
			s.cron.Start()
			zap.L().Info("[Scheduler] started", zap.Int("entries", len(s.cron.Entries())))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			select {
			case <-s.cron.Stop().Done():
			case <-ctx.Done():
				zap.L().Warn("[Scheduler] stopped before running jobs finished")
			}
			return nil
		},
	})
}

type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debugw("[Scheduler] "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Errorw("[Scheduler] "+msg, append(keysAndValues, "error", err)...)
}
