//go:build !otel

package metrics

import "context"

// OTelTracer is a stub when built without OpenTelemetry support.
type OTelTracer struct{}

// NewOTelTracer returns a no-op tracer when the otel tag is absent.
func NewOTelTracer(serviceName string) *OTelTracer {
	return &OTelTracer{}
}

func (t *OTelTracer) StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, SpanEnder) {
	return ctx, func(error) {}
}

// OTelEnabled reports whether OpenTelemetry support is compiled in.
func OTelEnabled() bool {
	return false
}
