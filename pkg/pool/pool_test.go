package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	verrors "github.com/veilsend/veilsend/internal/errors"
	"github.com/veilsend/veilsend/pkg/metrics"
)

func newTestPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	if cfg.Observer == nil {
		cfg.Observer = metrics.NewPoolObserver(metrics.NewCollector(nil), metrics.NullLogger())
	}
	p := New(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		p.Close(ctx)
	})
	return p
}

func TestSubmitAndWait(t *testing.T) {
	p := newTestPool(t, Config{Workers: 2})

	var ran atomic.Bool
	f, err := p.Submit(Task{ID: "t1", Run: func(context.Context) error {
		ran.Store(true)
		return nil
	}})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if err := f.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if !ran.Load() {
		t.Fatal("task did not run")
	}
}

func TestTaskErrorPropagates(t *testing.T) {
	p := newTestPool(t, Config{Workers: 2})

	sentinel := errors.New("boom")
	f, err := p.Submit(Task{ID: "t1", Run: func(context.Context) error {
		return sentinel
	}})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if err := f.Wait(context.Background()); !errors.Is(err, sentinel) {
		t.Fatalf("Wait() error = %v, want %v", err, sentinel)
	}
}

func TestPanicBecomesWorkerFault(t *testing.T) {
	p := newTestPool(t, Config{Workers: 2})

	f, err := p.Submit(Task{ID: "t1", Run: func(context.Context) error {
		panic("broken task")
	}})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if err := f.Wait(context.Background()); !errors.Is(err, verrors.ErrWorkerFault) {
		t.Fatalf("Wait() error = %v, want ErrWorkerFault", err)
	}

	// The pool keeps working after a fault.
	f, err = p.Submit(Task{ID: "t2", Run: func(context.Context) error { return nil }})
	if err != nil {
		t.Fatalf("Submit() after fault error = %v", err)
	}
	if err := f.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() after fault error = %v", err)
	}
}

func TestNilRunRejected(t *testing.T) {
	p := newTestPool(t, Config{Workers: 2})

	if _, err := p.Submit(Task{ID: "bad"}); !errors.Is(err, verrors.ErrInvalidState) {
		t.Fatalf("Submit(nil Run) error = %v, want ErrInvalidState", err)
	}
}

func TestWorkerReplacedAfterConsecutiveErrors(t *testing.T) {
	collector := metrics.NewCollector(nil)
	obs := metrics.NewPoolObserver(collector, metrics.NullLogger())
	p := newTestPool(t, Config{Workers: 1, Observer: obs})

	sentinel := errors.New("boom")
	for i := 0; i < 3; i++ {
		f, err := p.Submit(Task{ID: "fail", Run: func(context.Context) error {
			return sentinel
		}})
		if err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
		if err := f.Wait(context.Background()); !errors.Is(err, sentinel) {
			t.Fatalf("Wait() error = %v, want %v", err, sentinel)
		}
	}

	// The replacement slots in transparently.
	deadline := time.After(5 * time.Second)
	for collector.Snapshot().WorkerRestarts == 0 {
		select {
		case <-deadline:
			t.Fatal("worker was not replaced after consecutive failures")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if got := p.Workers(); got != 1 {
		t.Fatalf("Workers() = %d, want 1", got)
	}

	f, err := p.Submit(Task{ID: "ok", Run: func(context.Context) error { return nil }})
	if err != nil {
		t.Fatalf("Submit() after replacement error = %v", err)
	}
	if err := f.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() after replacement error = %v", err)
	}
}

func TestSuccessResetsErrorCount(t *testing.T) {
	collector := metrics.NewCollector(nil)
	obs := metrics.NewPoolObserver(collector, metrics.NullLogger())
	p := newTestPool(t, Config{Workers: 1, Observer: obs})

	sentinel := errors.New("boom")
	order := []bool{false, false, true, false, false, true}
	for _, ok := range order {
		run := func(context.Context) error { return sentinel }
		if ok {
			run = func(context.Context) error { return nil }
		}
		f, err := p.Submit(Task{ID: "t", Run: run})
		if err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
		f.Wait(context.Background())
	}

	if got := collector.Snapshot().WorkerRestarts; got != 0 {
		t.Fatalf("WorkerRestarts = %d, want 0", got)
	}
}

func TestManyTasksSurviveWorkerKill(t *testing.T) {
	collector := metrics.NewCollector(nil)
	obs := metrics.NewPoolObserver(collector, metrics.NullLogger())
	p := newTestPool(t, Config{Workers: 4, QueueDepth: 512, Observer: obs})

	const total = 1000
	var completed atomic.Int64
	var failures atomic.Int64
	sentinel := errors.New("boom")

	var wg sync.WaitGroup
	for i := 0; i < total; i++ {
		// A burst of failures mid-batch retires at least one worker.
		fail := i >= 400 && i < 412
		f, err := p.Submit(Task{ID: "t", Run: func(context.Context) error {
			if fail {
				return sentinel
			}
			return nil
		}})
		if err != nil {
			t.Fatalf("Submit(%d) error = %v", i, err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.Wait(context.Background()); err != nil {
				failures.Add(1)
			} else {
				completed.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := completed.Load() + failures.Load(); got != total {
		t.Fatalf("resolved %d tasks, want %d", got, total)
	}
	if completed.Load() < total-12 {
		t.Fatalf("completed = %d, want at least %d", completed.Load(), total-12)
	}
	if got := p.Workers(); got != 4 {
		t.Fatalf("Workers() = %d, want 4", got)
	}
}

func TestCapacityExceeded(t *testing.T) {
	p := newTestPool(t, Config{Workers: 1, QueueDepth: 1})

	release := make(chan struct{})
	blocker, err := p.Submit(Task{ID: "block", Run: func(context.Context) error {
		<-release
		return nil
	}})
	if err != nil {
		t.Fatalf("Submit(blocker) error = %v", err)
	}

	// Fill the single inbox slot, then overflow it.
	var queued *Future
	overflowed := false
	for i := 0; i < 3; i++ {
		f, err := p.Submit(Task{ID: "q", Run: func(context.Context) error { return nil }})
		if errors.Is(err, verrors.ErrCapacityExceeded) {
			overflowed = true
			break
		}
		if err != nil {
			t.Fatalf("Submit(%d) error = %v", i, err)
		}
		queued = f
	}
	if !overflowed {
		t.Fatal("Submit() never returned ErrCapacityExceeded")
	}

	close(release)
	if err := blocker.Wait(context.Background()); err != nil {
		t.Fatalf("blocker Wait() error = %v", err)
	}
	if queued != nil {
		if err := queued.Wait(context.Background()); err != nil {
			t.Fatalf("queued Wait() error = %v", err)
		}
	}
}

func TestCloseRejectsSubmit(t *testing.T) {
	p := New(Config{Workers: 2})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if _, err := p.Submit(Task{ID: "late", Run: func(context.Context) error { return nil }}); !errors.Is(err, verrors.ErrPoolClosed) {
		t.Fatalf("Submit() after Close error = %v, want ErrPoolClosed", err)
	}

	// Close is idempotent.
	if err := p.Close(ctx); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}

func TestCloseWaitsForInFlight(t *testing.T) {
	p := New(Config{Workers: 1})

	started := make(chan struct{})
	var finished atomic.Bool
	f, err := p.Submit(Task{ID: "slow", Run: func(context.Context) error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return nil
	}})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !finished.Load() {
		t.Fatal("Close() returned before in-flight task finished")
	}
	if err := f.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
}

func TestBufferRecycling(t *testing.T) {
	p := newTestPool(t, Config{Workers: 2})

	b := p.GetBuffer(1024)
	if len(b) != 1024 {
		t.Fatalf("GetBuffer(1024) len = %d", len(b))
	}
	p.PutBuffer(b)

	big := p.GetBuffer(8 << 20)
	if len(big) != 8<<20 {
		t.Fatalf("GetBuffer(8MiB) len = %d", len(big))
	}
	p.PutBuffer(big)
}

func TestInlineExecutor(t *testing.T) {
	e := NewInline(nil)

	var ran bool
	f, err := e.Submit(Task{ID: "t1", Run: func(context.Context) error {
		ran = true
		return nil
	}})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	// Inline resolves before Submit returns.
	if !ran {
		t.Fatal("task did not run synchronously")
	}
	if err := f.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	f, err = e.Submit(Task{ID: "t2", Run: func(context.Context) error {
		panic("broken")
	}})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if err := f.Wait(context.Background()); !errors.Is(err, verrors.ErrWorkerFault) {
		t.Fatalf("Wait() error = %v, want ErrWorkerFault", err)
	}

	if err := e.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := e.Submit(Task{ID: "late", Run: func(context.Context) error { return nil }}); !errors.Is(err, verrors.ErrPoolClosed) {
		t.Fatalf("Submit() after Close error = %v, want ErrPoolClosed", err)
	}
}

func TestNewExecutorProbe(t *testing.T) {
	e := NewExecutor(Config{Workers: 2})
	if e == nil {
		t.Fatal("NewExecutor() = nil")
	}
	defer e.Close(context.Background())

	f, err := e.Submit(Task{ID: "t", Run: func(context.Context) error { return nil }})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if err := f.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
}
