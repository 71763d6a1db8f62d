package pool

import (
	"context"
	"runtime"
	"sync"
	"time"

	verrors "github.com/veilsend/veilsend/internal/errors"
	"github.com/veilsend/veilsend/pkg/metrics"
)

// Inline runs tasks synchronously on the submitter's goroutine. It is the
// fallback executor for hosts without useful parallelism, and keeps the
// same Submit/Wait contract as the worker pool so callers cannot tell the
// difference except in throughput.
type Inline struct {
	obs *metrics.PoolObserver

	mu     sync.Mutex
	closed bool
}

// NewInline creates an inline executor.
func NewInline(obs *metrics.PoolObserver) *Inline {
	return &Inline{obs: obs}
}

// Submit runs the task before returning. The returned future is already
// resolved.
func (e *Inline) Submit(task Task) (*Future, error) {
	if task.Run == nil {
		return nil, verrors.NewTaskError(task.ID, verrors.ErrInvalidState)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, verrors.ErrPoolClosed
	}
	e.mu.Unlock()

	f := newFuture()
	f.complete(e.run(task))
	return f, nil
}

func (e *Inline) run(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = verrors.NewTaskError(task.ID, verrors.ErrWorkerFault)
		}
	}()
	start := time.Now()
	if err := task.Run(context.Background()); err != nil {
		e.obs.OnTaskFailed(task.ID, err)
		return err
	}
	e.obs.OnTaskDone(time.Since(start))
	return nil
}

// Close marks the executor closed. There is never in-flight work to wait
// for.
func (e *Inline) Close(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// ParallelismAvailable reports whether the runtime can actually schedule
// workers concurrently.
func ParallelismAvailable() bool {
	return runtime.GOMAXPROCS(0) > 1
}

// NewExecutor probes the host and returns a worker pool when parallelism
// is available, the inline fallback otherwise.
func NewExecutor(cfg Config) Executor {
	if !ParallelismAvailable() {
		return NewInline(cfg.Observer)
	}
	return New(cfg)
}
