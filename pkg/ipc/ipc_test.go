package ipc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/veilsend/veilsend/internal/constants"
	verrors "github.com/veilsend/veilsend/internal/errors"
	"github.com/veilsend/veilsend/pkg/metrics"
)

// loopTransport delivers messages to its peer on a goroutine, like a real
// transport would.
type loopTransport struct {
	mu   sync.Mutex
	peer *loopTransport
	fn   func([]byte)
}

func newTransportPair() (*loopTransport, *loopTransport) {
	a := &loopTransport{}
	b := &loopTransport{}
	a.peer = b
	b.peer = a
	return a, b
}

func (t *loopTransport) Send(data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	go func() {
		t.peer.mu.Lock()
		fn := t.peer.fn
		t.peer.mu.Unlock()
		if fn != nil {
			fn(buf)
		}
	}()
	return nil
}

func (t *loopTransport) OnReceive(fn func([]byte)) {
	t.mu.Lock()
	t.fn = fn
	t.mu.Unlock()
}

func newRouterPair(t *testing.T) (*Router, *Router) {
	t.Helper()
	at, bt := Pipe()
	collector := metrics.NewCollector(nil)
	a := NewRouter(at, WithLogger(metrics.NullLogger()), WithCollector(collector))
	b := NewRouter(bt, WithLogger(metrics.NullLogger()), WithCollector(collector))
	t.Cleanup(func() {
		a.Close()
		b.Close()
		at.Close()
		bt.Close()
	})
	return a, b
}

func TestRequestResponse(t *testing.T) {
	a, b := newRouterPair(t)

	b.Handle("echo", func(ctx context.Context, payload []byte, progress func([]byte)) ([]byte, error) {
		return payload, nil
	})

	resp, err := a.Request(context.Background(), "echo", []byte("hello"))
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if string(resp) != "hello" {
		t.Fatalf("Request() = %q, want %q", resp, "hello")
	}
	if got := a.PendingCount(); got != 0 {
		t.Fatalf("PendingCount() = %d, want 0", got)
	}
}

func TestHandlerErrorPropagates(t *testing.T) {
	a, b := newRouterPair(t)

	b.Handle("fail", func(ctx context.Context, payload []byte, progress func([]byte)) ([]byte, error) {
		return nil, errors.New("disk on fire")
	})

	_, err := a.Request(context.Background(), "fail", nil)
	if err == nil || !contains(err.Error(), "disk on fire") {
		t.Fatalf("Request() error = %v, want handler error", err)
	}
}

func TestUnknownChannel(t *testing.T) {
	a, _ := newRouterPair(t)

	_, err := a.Request(context.Background(), "missing", nil)
	if err == nil || !contains(err.Error(), "unknown channel") {
		t.Fatalf("Request() error = %v, want unknown channel", err)
	}
}

func TestProgressEvents(t *testing.T) {
	a, b := newRouterPair(t)

	b.Handle("copy", func(ctx context.Context, payload []byte, progress func([]byte)) ([]byte, error) {
		progress([]byte("25"))
		progress([]byte("50"))
		progress([]byte("75"))
		return []byte("done"), nil
	})

	var mu sync.Mutex
	var seen []string
	resp, err := a.Request(context.Background(), "copy", nil, WithProgress(func(p []byte) {
		mu.Lock()
		seen = append(seen, string(p))
		mu.Unlock()
	}))
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if string(resp) != "done" {
		t.Fatalf("Request() = %q, want %q", resp, "done")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 {
		t.Fatalf("got %d progress events, want 3: %v", len(seen), seen)
	}
	for i, want := range []string{"25", "50", "75"} {
		if seen[i] != want {
			t.Fatalf("progress[%d] = %q, want %q", i, seen[i], want)
		}
	}
}

func TestRequestTimeout(t *testing.T) {
	a, b := newRouterPair(t)

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	b.Handle("slow", func(ctx context.Context, payload []byte, progress func([]byte)) ([]byte, error) {
		<-release
		return nil, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := a.Request(ctx, "slow", nil)
	if !errors.Is(err, verrors.ErrTimeout) {
		t.Fatalf("Request() error = %v, want ErrTimeout", err)
	}
	if got := a.PendingCount(); got != 0 {
		t.Fatalf("PendingCount() after timeout = %d, want 0", got)
	}
}

func TestCancelReachesHandler(t *testing.T) {
	a, b := newRouterPair(t)

	cancelled := make(chan struct{})
	b.Handle("slow", func(ctx context.Context, payload []byte, progress func([]byte)) ([]byte, error) {
		<-ctx.Done()
		close(cancelled)
		return nil, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := a.Request(ctx, "slow", nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Request() error = %v, want context.Canceled", err)
	}

	// The abandon notice cancels the remote handler.
	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("handler context was never cancelled")
	}
}

func TestPendingBound(t *testing.T) {
	at, _ := newTransportPair()
	collector := metrics.NewCollector(nil)
	a := NewRouter(at, WithLogger(metrics.NullLogger()), WithCollector(collector))
	t.Cleanup(func() { a.Close() })

	// No responder on the far side, so requests pile up until the bound.
	a.mu.Lock()
	for i := 0; i < constants.MaxPendingRequests; i++ {
		a.pending[fmt.Sprintf("stuck-%d", i)] = &pendingRequest{done: make(chan *Envelope, 1)}
	}
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := a.Request(ctx, "any", nil)
	if !errors.Is(err, verrors.ErrCapacityExceeded) {
		t.Fatalf("Request() error = %v, want ErrCapacityExceeded", err)
	}
	if got := collector.Snapshot().IPCRejected; got != 1 {
		t.Fatalf("IPCRejected = %d, want 1", got)
	}
}

func TestConcurrentRequestsCorrelate(t *testing.T) {
	a, b := newRouterPair(t)

	b.Handle("echo", func(ctx context.Context, payload []byte, progress func([]byte)) ([]byte, error) {
		return payload, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n byte) {
			defer wg.Done()
			resp, err := a.Request(context.Background(), "echo", []byte{n})
			if err != nil {
				t.Errorf("Request(%d) error = %v", n, err)
				return
			}
			if len(resp) != 1 || resp[0] != n {
				t.Errorf("Request(%d) = %v, want [%d]", n, resp, n)
			}
		}(byte(i))
	}
	wg.Wait()
}

func TestEnvelopeRoundTrip(t *testing.T) {
	in := &Envelope{ID: "abc", Channel: "transfer", Type: TypeRequest, Payload: []byte{1, 2, 3}}
	data, err := in.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	out, err := UnmarshalEnvelope(data)
	if err != nil {
		t.Fatalf("UnmarshalEnvelope() error = %v", err)
	}
	if out.ID != in.ID || out.Channel != in.Channel || out.Type != in.Type || string(out.Payload) != string(in.Payload) {
		t.Fatalf("round trip mismatch: %+v vs %+v", out, in)
	}
}

func TestEnvelopeRejectsMissingID(t *testing.T) {
	data, err := (&Envelope{Type: TypeRequest}).Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if _, err := UnmarshalEnvelope(data); err == nil {
		t.Fatal("UnmarshalEnvelope() accepted envelope without id")
	}
	if _, err := UnmarshalEnvelope([]byte{0xff, 0x00}); err == nil {
		t.Fatal("UnmarshalEnvelope() accepted garbage")
	}
}

func TestCloseFailsOutstanding(t *testing.T) {
	a, b := newRouterPair(t)

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	b.Handle("slow", func(ctx context.Context, payload []byte, progress func([]byte)) ([]byte, error) {
		<-release
		return nil, nil
	})

	errc := make(chan error, 1)
	go func() {
		_, err := a.Request(context.Background(), "slow", nil)
		errc <- err
	}()

	// Let the request register before closing.
	deadline := time.After(5 * time.Second)
	for a.PendingCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("request never registered")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	select {
	case err := <-errc:
		if err == nil {
			t.Fatal("Request() succeeded after Close")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Request() did not fail after Close")
	}
}

func contains(s, sub string) bool {
	return strings.Contains(s, sub)
}

func TestPipeTransportRequestAndOrder(t *testing.T) {
	hostEnd, coreEnd := Pipe()
	a := NewRouter(hostEnd, WithLogger(metrics.NullLogger()))
	b := NewRouter(coreEnd, WithLogger(metrics.NullLogger()))
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})

	b.Handle("copy", func(ctx context.Context, payload []byte, progress func([]byte)) ([]byte, error) {
		for i := 0; i < 20; i++ {
			progress([]byte(fmt.Sprintf("%d", i)))
		}
		return append([]byte("ok:"), payload...), nil
	})

	var mu sync.Mutex
	var seen []string
	resp, err := a.Request(context.Background(), "copy", []byte("pipe"), WithProgress(func(p []byte) {
		mu.Lock()
		seen = append(seen, string(p))
		mu.Unlock()
	}))
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if string(resp) != "ok:pipe" {
		t.Fatalf("Request() = %q, want %q", resp, "ok:pipe")
	}

	// The pipe delivers one message at a time per end, so the envelopes
	// arrive in the order the handler emitted them.
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 20 {
		t.Fatalf("got %d progress events, want 20", len(seen))
	}
	for i, got := range seen {
		if want := fmt.Sprintf("%d", i); got != want {
			t.Fatalf("progress[%d] = %q, want %q", i, got, want)
		}
	}
}

func TestPipeTransportSendAfterClose(t *testing.T) {
	hostEnd, coreEnd := Pipe()
	coreEnd.Close()
	if err := hostEnd.Send([]byte("late")); !errors.Is(err, verrors.ErrInvalidState) {
		t.Fatalf("Send() error = %v, want ErrInvalidState", err)
	}
	hostEnd.Close()
}

func TestRequestWithNoTimeout(t *testing.T) {
	a, b := newRouterPair(t)

	release := make(chan struct{})
	b.Handle("slow", func(ctx context.Context, payload []byte, progress func([]byte)) ([]byte, error) {
		select {
		case <-release:
			return []byte("done"), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	errc := make(chan error, 1)
	go func() {
		_, err := a.Request(context.Background(), "slow", nil, WithNoTimeout())
		errc <- err
	}()

	select {
	case err := <-errc:
		t.Fatalf("Request() returned early: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	close(release)

	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Request() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Request() did not complete after release")
	}
}
