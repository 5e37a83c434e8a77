package streammap

import (
	"context"
	"errors"
	"sync"

	"github.com/l7mp/deltaview/pkg/query"
)

// TaskFunc is the body of an async task.
type TaskFunc[V any] func(ctx context.Context) (V, error)

// Task is a one-shot sub-computation running its body on the worker pool of the executor. The
// body is started on the first poll, and the key is woken when the body returns. A task that fails
// produces no value and its error is reported by the executor. Closing the task cancels the
// context of the body.
type Task[V any] struct {
	f      TaskFunc[V]
	mu     sync.Mutex
	state  taskState
	value  V
	err    error
	cancel context.CancelFunc
}

type taskState int

const (
	taskPending taskState = iota
	taskRunning
	taskDone
	taskReported
)

// NewTask creates a task running f.
func NewTask[V any](f TaskFunc[V]) *Task[V] {
	return &Task[V]{f: f}
}

// Poll implements SubComputation.
func (t *Task[V]) Poll(ctx *query.Context, w *Waker) (V, bool) {
	var zero V

	t.mu.Lock()
	switch t.state {
	case taskPending:
		tctx, cancel := context.WithCancel(ctx)
		t.cancel = cancel
		t.state = taskRunning
		t.mu.Unlock()

		ctx.Go(func(context.Context) error {
			defer cancel()
			v, err := t.f(tctx)
			t.mu.Lock()
			t.value, t.err, t.state = v, err, taskDone
			t.mu.Unlock()
			w.Wake()
			if errors.Is(err, context.Canceled) && tctx.Err() != nil {
				// closed
				return nil
			}
			return err
		})
		return zero, false
	case taskDone:
		t.state = taskReported
		v, err := t.value, t.err
		t.mu.Unlock()
		return v, err == nil
	default:
		t.mu.Unlock()
		return zero, false
	}
}

// Err returns the error of a finished task.
func (t *Task[V]) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Close cancels a running task.
func (t *Task[V]) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
	}
}
