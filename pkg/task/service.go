package task

import (
	"context"
	"errors"
	"fmt"

	"musicgen-controlplane/pkg/logger"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Enqueuer schedules work on the asynq broker. Services depend on this rather
// than on *asynq.Client so tests can record what was queued.
type Enqueuer interface {
	Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type enqueuer struct {
	client *asynq.Client
}

func NewEnqueuer(client *asynq.Client) Enqueuer {
	return &enqueuer{client: client}
}

// Enqueue wraps broker failures with the task type. asynq.ErrTaskIDConflict
// stays matchable with errors.Is so callers can treat it as already queued.
func (e *enqueuer) Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	info, err := e.client.EnqueueContext(ctx, task, opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", task.Type(), err)
	}

	logger.FromContext(ctx).Debug("[Asynq] task enqueued",
		zap.String("task_type", info.Type),
		zap.String("task_id", info.ID),
		zap.String("queue", info.Queue),
		zap.Time("process_at", info.NextProcessAt),
	)
	return info, nil
}
