package task

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"impact-donations/pkg/config"
	queue "impact-donations/pkg/task"
	"impact-donations/pkg/taskname"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const sweepLimit = 500

// IntentSweeper cancels checkout intents nobody paid for.
type IntentSweeper interface {
	ExpireAbandoned(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

// ReceiptRequeuer hands stuck receipt notifications back to the queue.
type ReceiptRequeuer interface {
	RequeueStale(ctx context.Context) (int, error)
}

type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	cfg      *config.Config
	enqueuer queue.Enqueuer
	intents  IntentSweeper
	receipts ReceiptRequeuer
	now      func() time.Time
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Node     *snowflake.Node
	Config   *config.Config
	Enqueuer queue.Enqueuer
	Intents  IntentSweeper
	Receipts ReceiptRequeuer
}

func NewService(p Params) *Service {
	return &Service{
		db:       p.DB,
		node:     p.Node,
		cfg:      p.Config,
		enqueuer: p.Enqueuer,
		intents:  p.Intents,
		receipts: p.Receipts,
		now:      time.Now,
	}
}

// Defaults are the maintenance tasks every deployment runs.
func (s *Service) Defaults() []Task {
	return []Task{
		{Name: taskname.IntentSweep, Description: "cancel abandoned checkout intents", Schedule: s.cfg.Sweeper.Schedule, IsActive: true},
		{Name: taskname.ReceiptRequeue, Description: "re-enqueue stale receipt notifications", Schedule: s.cfg.Receipt.RequeueSchedule, IsActive: true},
	}
}

// EnsureTasks inserts missing task rows. Existing rows keep their flags and
// schedules.
func (s *Service) EnsureTasks(ctx context.Context) ([]Task, error) {
	defaults := s.Defaults()
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&defaults).Error; err != nil {
		return nil, err
	}

	names := make([]string, 0, len(defaults))
	for _, t := range defaults {
		names = append(names, t.Name)
	}
	var tasks []Task
	if err := s.db.WithContext(ctx).Where("name IN ?", names).Order("name").Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

// Active reports whether a task may be enqueued. Lookup failures count as
// active so a database blip does not silently stop maintenance.
func (s *Service) Active(ctx context.Context, name string) bool {
	var t Task
	if err := s.db.WithContext(ctx).Where("name = ?", name).First(&t).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			zap.L().Warn("task lookup failed", zap.String("task", name), zap.Error(err))
		}
		return true
	}
	return t.IsActive
}

// Enqueue puts one run of a maintenance task on the low queue. The task id is
// derived from the minute, so several worker replicas firing the same cron
// entry enqueue it once.
func (s *Service) Enqueue(ctx context.Context, name string) error {
	if !s.Active(ctx, name) {
		zap.L().Info("task inactive, skipped", zap.String("task", name))
		return nil
	}

	slot := s.now().UTC().Truncate(time.Minute).Format("200601021504")
	t := asynq.NewTask(name, nil,
		asynq.TaskID(name+":"+slot),
		asynq.Queue("low"),
		asynq.MaxRetry(0),
	)
	if _, err := s.enqueuer.Enqueue(ctx, t); err != nil {
		if queue.IsDuplicate(err) {
			return nil
		}
		return err
	}
	zap.L().Info("enqueued maintenance task", zap.String("task", name), zap.String("slot", slot))
	return nil
}

func (s *Service) HandleIntentSweep(ctx context.Context, t *asynq.Task) error {
	return s.run(ctx, t.Type(), func(ctx context.Context) (int64, error) {
		cutoff := s.now().Add(-s.cfg.Sweeper.AbandonAfter)
		return s.intents.ExpireAbandoned(ctx, cutoff, sweepLimit)
	})
}

func (s *Service) HandleReceiptRequeue(ctx context.Context, t *asynq.Task) error {
	return s.run(ctx, t.Type(), func(ctx context.Context) (int64, error) {
		n, err := s.receipts.RequeueStale(ctx)
		return int64(n), err
	})
}

// run executes fn under a Job record.
func (s *Service) run(ctx context.Context, name string, fn func(context.Context) (int64, error)) error {
	started := s.now()
	job := Job{
		ID:        s.node.Generate().String(),
		TaskName:  name,
		Status:    JobStatusRunning,
		StartedAt: &started,
	}
	if err := s.db.WithContext(ctx).Create(&job).Error; err != nil {
		return err
	}

	zapLog := zap.L().With(zap.String("task", name), zap.String("job_id", job.ID))
	zapLog.Info("maintenance job started")

	affected, runErr := fn(ctx)

	completed := s.now()
	meta, _ := json.Marshal(map[string]int64{"duration_ms": completed.Sub(started).Milliseconds()})
	updates := map[string]any{
		"status":       JobStatusSuccess,
		"affected":     affected,
		"completed_at": completed,
		"metadata":     datatypes.JSON(meta),
	}
	if runErr != nil {
		updates["status"] = JobStatusFailed
		updates["error_msg"] = runErr.Error()
	}
	if err := s.db.WithContext(ctx).Model(&Job{}).Where("id = ?", job.ID).Updates(updates).Error; err != nil {
		zapLog.Error("failed to close job record", zap.Error(err))
	}

	if runErr != nil {
		zapLog.Error("maintenance job failed", zap.Int64("affected", affected), zap.Error(runErr))
		return runErr
	}
	zapLog.Info("maintenance job finished", zap.Int64("affected", affected))
	return nil
}
