// Package executor funnels all host-state mutation onto the host's single
// logical thread. Any goroutine may enqueue work; only the host's tick loop
// consumes it, so host objects are never touched concurrently.
package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/hostbridge/hostbridge/internal/logger"
)

// ErrExecutorClosed rejects futures that were still queued when the
// executor shut down. The work itself is discarded; the host's own reload
// invalidated whatever state it would have touched.
var ErrExecutorClosed = fmt.Errorf("executor closed")

// Future is the single-resolution completion handle for a queued task.
type Future struct {
	done  chan struct{}
	once  sync.Once
	value any
	err   error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(value any, err error) {
	f.once.Do(func() {
		f.value = value
		f.err = err
		close(f.done)
	})
}

// Done is closed once the future resolves.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the task ran (or was rejected) or ctx expires.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type task struct {
	run    func() (any, error)
	future *Future
}

// Executor is an unbounded multi-producer FIFO drained by exactly one
// consumer. Tasks enqueued by the same goroutine run in enqueue order; a
// failing task rejects only its own future and never stalls the queue.
//
// There is no backpressure: a pathological producer can grow the queue
// without bound.
type Executor struct {
	mu     sync.Mutex
	queue  []*task
	closed bool
}

// New creates an empty executor.
func New() *Executor {
	return &Executor{}
}

// Enqueue submits an action with no return value.
func (e *Executor) Enqueue(fn func()) *Future {
	return e.EnqueueFunc(func() (any, error) {
		fn()
		return nil, nil
	})
}

// EnqueueFunc submits a function whose value (or error) resolves the
// returned future. Submitting to a closed executor resolves the future
// immediately with ErrExecutorClosed.
func (e *Executor) EnqueueFunc(fn func() (any, error)) *Future {
	t := &task{run: fn, future: newFuture()}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		t.future.resolve(nil, ErrExecutorClosed)
		return t.future
	}
	e.queue = append(e.queue, t)
	e.mu.Unlock()

	return t.future
}

// Len returns the number of currently queued tasks.
func (e *Executor) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Drain runs every task that was queued when the call started and returns
// how many ran. The host calls this once per tick from its single logical
// thread; tasks enqueued while draining wait for the next tick.
func (e *Executor) Drain() int {
	e.mu.Lock()
	batch := e.queue
	e.queue = nil
	e.mu.Unlock()

	for _, t := range batch {
		runTask(t)
	}
	return len(batch)
}

func runTask(t *task) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("host task panicked: %v", r)
			t.future.resolve(nil, fmt.Errorf("host task panicked: %v", r))
		}
	}()

	value, err := t.run()
	t.future.resolve(value, err)
}

// Close rejects every still-queued future with ErrExecutorClosed and makes
// further submissions fail the same way. Callers unblock; the queued work is
// intentionally discarded.
func (e *Executor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	batch := e.queue
	e.queue = nil
	e.mu.Unlock()

	for _, t := range batch {
		t.future.resolve(nil, ErrExecutorClosed)
	}
}
