package donation

import (
	"context"
	"encoding/json"

	"impact-donations/pkg/config"
	"impact-donations/pkg/task"
	"impact-donations/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// NewReceiptTask builds the delivery task for one outbox row. The task id is
// derived from the row, so enqueuing the same row twice is a no-op while the
// first task is still queued.
func NewReceiptTask(cfg *config.Config, notificationID string) (*asynq.Task, error) {
	payload, err := json.Marshal(ReceiptTaskPayload{NotificationID: notificationID})
	if err != nil {
		return nil, err
	}

	opts := []asynq.Option{
		asynq.TaskID(taskname.ReceiptSend + ":" + notificationID),
		asynq.MaxRetry(cfg.Receipt.MaxRetry),
	}
	if cfg.Receipt.Queue != "" {
		opts = append(opts, asynq.Queue(cfg.Receipt.Queue))
	}
	if cfg.Receipt.Timeout > 0 {
		opts = append(opts, asynq.Timeout(cfg.Receipt.Timeout))
	}
	return asynq.NewTask(taskname.ReceiptSend, payload, opts...), nil
}

// EnqueueReceipt hands an outbox row to the worker. A row that is already
// queued counts as success.
func EnqueueReceipt(ctx context.Context, cfg *config.Config, enqueuer task.Enqueuer, notificationID string) error {
	t, err := NewReceiptTask(cfg, notificationID)
	if err != nil {
		return err
	}
	if _, err := enqueuer.Enqueue(ctx, t); err != nil {
		if task.IsDuplicate(err) {
			zap.L().Debug("receipt task already queued", zap.String("notification_id", notificationID))
			return nil
		}
		return err
	}
	return nil
}
