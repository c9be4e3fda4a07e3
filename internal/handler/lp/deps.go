package lp

import (
	"context"
	"time"

	"github.com/webitel/im-pulse/internal/domain/model"
	"github.com/webitel/im-pulse/internal/domain/taskqueue"
)

// Dequeuer is the consumer side of the task queue.
type Dequeuer interface {
	Dequeue(ctx context.Context, names []string, timeout time.Duration) (*model.Task, error)
}

// Interface guard
var _ Dequeuer = (*taskqueue.Queue)(nil)
