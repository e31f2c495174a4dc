// ABOUTME: Task handles for long-running run goroutines with cooperative cancellation
// ABOUTME: CancelAndWait bounds how long a canceller blocks before detaching the task

package task

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrCancelTimeout is returned by CancelAndWait when the task did not finish
// within the timeout. The goroutine keeps running detached.
var ErrCancelTimeout = errors.New("task did not stop before timeout")

// Func is the body of a task. It must return promptly once ctx is done.
type Func func(ctx context.Context) error

// Handle tracks one spawned task goroutine.
type Handle struct {
	ID     string
	Key    string
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Spawn starts fn on its own goroutine under a context derived from parent.
// key names the task in a Set (a run id, or a run id plus sub-run suffix).
func Spawn(parent context.Context, key string, fn Func) *Handle {
	ctx, cancel := context.WithCancel(parent)
	h := &Handle{
		ID:     uuid.New().String(),
		Key:    key,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(h.done)
		defer cancel()
		err := fn(ctx)
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
	}()
	return h
}

// Done returns a channel closed when the task body has returned.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Finished reports whether the task body has returned.
func (h *Handle) Finished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Err returns the task body's result once finished, nil before.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Cancel requests cancellation without waiting.
func (h *Handle) Cancel() {
	h.cancel()
}

// CancelAndWait cancels the task and waits up to timeout for it to finish.
// It returns the task's own error (often context.Canceled) when it stopped in
// time, ErrCancelTimeout when it did not, or ctx.Err() if the caller's
// context ended first.
func (h *Handle) CancelAndWait(ctx context.Context, timeout time.Duration) error {
	h.cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-h.done:
		return h.Err()
	case <-timer.C:
		return ErrCancelTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
