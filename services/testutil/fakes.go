package testutil

import (
	"context"
	"strings"
	"sync"

	"impact-donations/pkg/rediskey"
	"impact-donations/pkg/sequence"

	"github.com/gosimple/slug"
	"github.com/hibiken/asynq"
)

// Sequence is an in-memory sequence.Generator with a fixed day.
type Sequence struct {
	mu  sync.Mutex
	n   map[string]int64
	Day string
	Err error
}

var _ sequence.Generator = (*Sequence)(nil)

func NewSequence() *Sequence {
	return &Sequence{n: make(map[string]int64), Day: "261015"}
}

func (s *Sequence) next(key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, s.Err
	}
	s.n[key]++
	return s.n[key], nil
}

func (s *Sequence) NextReceiptNumber(ctx context.Context) (string, error) {
	n, err := s.next(rediskey.ReceiptPrefix)
	if err != nil {
		return "", err
	}
	return sequence.Format(rediskey.ReceiptPrefix, "", s.Day, n), nil
}

func (s *Sequence) NextBatchCode(ctx context.Context, campaignCode string) (string, error) {
	label := strings.ToUpper(slug.Make(campaignCode))
	n, err := s.next(rediskey.BatchPrefix + label)
	if err != nil {
		return "", err
	}
	return sequence.Format(rediskey.BatchPrefix, label, s.Day, n), nil
}

// Enqueuer records tasks instead of sending them to redis.
type Enqueuer struct {
	mu    sync.Mutex
	tasks []*asynq.Task
	Err   error
}

func (e *Enqueuer) Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Err != nil {
		return nil, e.Err
	}
	e.tasks = append(e.tasks, task)
	return &asynq.TaskInfo{Type: task.Type(), Payload: task.Payload()}, nil
}

func (e *Enqueuer) Tasks() []*asynq.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*asynq.Task(nil), e.tasks...)
}
