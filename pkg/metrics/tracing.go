package metrics

import (
	"context"
	"sync"
	"time"
)

// Tracer abstracts span creation so OpenTelemetry can be plugged in behind
// the otel build tag without forcing the dependency on every consumer.
type Tracer interface {
	StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, SpanEnder)
}

// SpanEnder completes a span. Pass nil for success.
type SpanEnder func(err error)

// SpanKind identifies the span's role in a trace.
type SpanKind int

const (
	SpanKindInternal SpanKind = iota
	SpanKindServer
	SpanKindClient
)

// SpanOption configures span creation.
type SpanOption func(*spanConfig)

type spanConfig struct {
	kind       SpanKind
	attributes map[string]interface{}
}

// WithSpanKind sets the span kind.
func WithSpanKind(kind SpanKind) SpanOption {
	return func(c *spanConfig) { c.kind = kind }
}

// WithAttributes sets span attributes.
func WithAttributes(attrs map[string]interface{}) SpanOption {
	return func(c *spanConfig) { c.attributes = attrs }
}

// Span names for veilsend operations.
const (
	SpanHandshakeInitiate = "veilsend.handshake.initiate"
	SpanHandshakeRespond  = "veilsend.handshake.respond"
	SpanSealMessage       = "veilsend.seal"
	SpanOpenMessage       = "veilsend.open"
	SpanRatchetStep       = "veilsend.ratchet.step"
	SpanChunkSend         = "veilsend.transfer.chunk_send"
	SpanChunkReceive      = "veilsend.transfer.chunk_receive"
	SpanTransferResume    = "veilsend.transfer.resume"
	SpanPoolTask          = "veilsend.pool.task"
)

// NoOpTracer discards all spans. The default when tracing is unconfigured.
type NoOpTracer struct{}

func (NoOpTracer) StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, SpanEnder) {
	return ctx, func(error) {}
}

// RecordedSpan is one completed span captured by RecordingTracer.
type RecordedSpan struct {
	Name       string
	Start      time.Time
	Duration   time.Duration
	Kind       SpanKind
	Attributes map[string]interface{}
	Err        error
}

// RecordingTracer keeps completed spans in memory for tests and debugging.
type RecordingTracer struct {
	mu    sync.Mutex
	spans []RecordedSpan
}

// NewRecordingTracer creates an empty recording tracer.
func NewRecordingTracer() *RecordingTracer {
	return &RecordingTracer{}
}

func (t *RecordingTracer) StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, SpanEnder) {
	cfg := &spanConfig{attributes: make(map[string]interface{})}
	for _, opt := range opts {
		opt(cfg)
	}

	start := time.Now()
	return ctx, func(err error) {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.spans = append(t.spans, RecordedSpan{
			Name:       name,
			Start:      start,
			Duration:   time.Since(start),
			Kind:       cfg.kind,
			Attributes: cfg.attributes,
			Err:        err,
		})
	}
}

// Spans returns a copy of everything recorded so far.
func (t *RecordingTracer) Spans() []RecordedSpan {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]RecordedSpan, len(t.spans))
	copy(out, t.spans)
	return out
}

var (
	globalTracer   Tracer = NoOpTracer{}
	globalTracerMu sync.RWMutex
)

// SetTracer replaces the package-level tracer.
func SetTracer(t Tracer) {
	globalTracerMu.Lock()
	defer globalTracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the package-level tracer.
func GetTracer() Tracer {
	globalTracerMu.RLock()
	defer globalTracerMu.RUnlock()
	return globalTracer
}
