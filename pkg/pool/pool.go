// Package pool runs CPU-bound protocol work (chunk encryption, hashing, key
// derivation) on a fixed set of workers.
//
// Tasks are dispatched to the least-busy worker and run FIFO within each
// worker. A worker that fails several tasks in a row is replaced: it stops
// receiving work, finishes its in-flight task, its queued tasks move to the
// surviving workers, and a fresh worker takes its slot. Submitters never
// see the swap.
//
// Pools are owned explicitly: callers construct one, hand it around, and
// close it. There is no lazily-created global pool.
package pool

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/veilsend/veilsend/internal/constants"
	verrors "github.com/veilsend/veilsend/internal/errors"
	"github.com/veilsend/veilsend/pkg/metrics"
)

// Task is one unit of work. Run must respect ctx cancellation for long
// operations.
type Task struct {
	ID  string
	Run func(ctx context.Context) error
}

// Future resolves to the task's error once it has run.
type Future struct {
	ch chan error
}

func newFuture() *Future {
	return &Future{ch: make(chan error, 1)}
}

func (f *Future) complete(err error) {
	f.ch <- err
}

// Wait blocks until the task completes or ctx is done.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case err := <-f.ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Executor runs tasks. Both the worker pool and the inline fallback satisfy
// it, so callers need not care which one they were given.
type Executor interface {
	Submit(task Task) (*Future, error)
	Close(ctx context.Context) error
}

// Config configures a pool.
type Config struct {
	// Workers is the worker count. Defaults to half the logical CPUs,
	// floored at constants.MinWorkers.
	Workers int

	// QueueDepth is the per-worker inbox capacity. Defaults to 64.
	QueueDepth int

	// ErrorThreshold is the consecutive task failure count that retires
	// a worker. Defaults to constants.WorkerErrorThreshold.
	ErrorThreshold int

	// Observer receives pool events. Nil disables observation.
	Observer *metrics.PoolObserver
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU() / 2
		if c.Workers < constants.MinWorkers {
			c.Workers = constants.MinWorkers
		}
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 64
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = constants.WorkerErrorThreshold
	}
}

type job struct {
	task   Task
	future *Future
}

type worker struct {
	id      int
	inbox   chan *job
	pending atomic.Int64
}

// Pool is the worker-backed executor.
type Pool struct {
	cfg Config

	mu       sync.Mutex
	workers  []*worker
	nextID   int
	closed   bool
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	buffers  sync.Pool
}

// New creates and starts a pool.
func New(cfg Config) *Pool {
	cfg.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		buffers: sync.Pool{
			New: func() interface{} {
				b := make([]byte, 0, constants.DefaultChunkSize)
				return &b
			},
		},
	}

	p.mu.Lock()
	for i := 0; i < cfg.Workers; i++ {
		p.spawnLocked()
	}
	p.mu.Unlock()
	return p
}

// spawnLocked starts a fresh worker. Callers hold p.mu.
func (p *Pool) spawnLocked() {
	w := &worker{
		id:    p.nextID,
		inbox: make(chan *job, p.cfg.QueueDepth),
	}
	p.nextID++
	p.workers = append(p.workers, w)

	p.wg.Add(1)
	go p.runWorker(w)
}

// Submit enqueues a task on the least-busy worker. It fails fast with
// ErrCapacityExceeded when that worker's inbox is full, and with
// ErrPoolClosed after Close.
func (p *Pool) Submit(task Task) (*Future, error) {
	if task.Run == nil {
		return nil, verrors.NewTaskError(task.ID, verrors.ErrInvalidState)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, verrors.ErrPoolClosed
	}

	w := p.leastBusyLocked()
	f := newFuture()
	select {
	case w.inbox <- &job{task: task, future: f}:
		w.pending.Add(1)
		return f, nil
	default:
		return nil, verrors.ErrCapacityExceeded
	}
}

func (p *Pool) leastBusyLocked() *worker {
	best := p.workers[0]
	min := best.pending.Load()
	for _, w := range p.workers[1:] {
		if n := w.pending.Load(); n < min {
			best, min = w, n
		}
	}
	return best
}

func (p *Pool) runWorker(w *worker) {
	defer p.wg.Done()

	consecutive := 0
	for j := range w.inbox {
		if p.isClosed() {
			// Queued work is rejected at shutdown, not silently run.
			w.pending.Add(-1)
			j.future.complete(verrors.ErrPoolClosed)
			continue
		}

		start := time.Now()
		err := p.runJob(j)
		w.pending.Add(-1)
		j.future.complete(err)

		if err != nil {
			consecutive++
			p.cfg.Observer.OnTaskFailed(j.task.ID, err)
		} else {
			consecutive = 0
			p.cfg.Observer.OnTaskDone(time.Since(start))
		}

		if consecutive >= p.cfg.ErrorThreshold {
			p.retire(w, consecutive)
			return
		}
	}
}

// runJob executes one task, converting a panic into a worker fault instead
// of taking the process down.
func (p *Pool) runJob(j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = verrors.NewTaskError(j.task.ID, verrors.ErrWorkerFault)
		}
	}()
	return j.task.Run(p.ctx)
}

// retire swaps a failing worker for a fresh one and moves its queued tasks
// to the survivors. Called by the retiring worker itself after its last
// completed task, so there is no in-flight work to wait for.
func (p *Pool) retire(w *worker, consecutive int) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.drainRejected(w)
		return
	}

	for i, cur := range p.workers {
		if cur == w {
			p.workers = append(p.workers[:i], p.workers[i+1:]...)
			break
		}
	}
	p.spawnLocked()
	p.mu.Unlock()

	p.cfg.Observer.OnWorkerRestart(w.id, consecutive)

	// No new sends can target w now. Requeue what it still holds.
	for {
		select {
		case j := <-w.inbox:
			w.pending.Add(-1)
			p.resubmit(j)
		default:
			return
		}
	}
}

func (p *Pool) resubmit(j *job) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		j.future.complete(verrors.ErrPoolClosed)
		return
	}

	w := p.leastBusyLocked()
	select {
	case w.inbox <- j:
		w.pending.Add(1)
	default:
		// All inboxes saturated; the task fails rather than blocking the
		// swap.
		j.future.complete(verrors.ErrCapacityExceeded)
	}
}

// drainRejected rejects everything left in a dead worker's inbox.
func (p *Pool) drainRejected(w *worker) {
	for {
		select {
		case j := <-w.inbox:
			w.pending.Add(-1)
			j.future.complete(verrors.ErrPoolClosed)
		default:
			return
		}
	}
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Workers returns the current worker count.
func (p *Pool) Workers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Close shuts the pool down: no new submissions, in-flight tasks finish,
// queued tasks complete with ErrPoolClosed. Waits up to ctx (or the drain
// timeout, whichever is sooner) for workers to exit, then cancels any task
// still running.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	workers := make([]*worker, len(p.workers))
	copy(workers, p.workers)
	p.mu.Unlock()

	for _, w := range workers {
		close(w.inbox)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(constants.WorkerDrainTimeout)
	defer timer.Stop()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	// Force: cancel in-flight tasks and wait for the workers to notice.
	p.cancel()
	<-done
	return ctx.Err()
}

// GetBuffer returns a recycled buffer with at least n bytes of length.
func (p *Pool) GetBuffer(n int) []byte {
	bp := p.buffers.Get().(*[]byte)
	b := *bp
	if cap(b) < n {
		return make([]byte, n)
	}
	return b[:n]
}

// PutBuffer recycles a buffer obtained from GetBuffer.
func (p *Pool) PutBuffer(b []byte) {
	b = b[:0]
	p.buffers.Put(&b)
}
