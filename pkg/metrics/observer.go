package metrics

import (
	"context"
	"encoding/hex"
	"time"
)

// SessionObserver hooks session lifecycle events into the collector, tracer
// and logger. A nil observer is safe to call.
type SessionObserver struct {
	collector *Collector
	tracer    Tracer
	logger    *Logger
}

// SessionObserverConfig configures a session observer. Nil fields fall back
// to the package-level defaults.
type SessionObserverConfig struct {
	Collector *Collector
	Tracer    Tracer
	Logger    *Logger
	SessionID []byte
	Role      string
}

// NewSessionObserver creates an observer scoped to one session.
func NewSessionObserver(cfg SessionObserverConfig) *SessionObserver {
	if cfg.Collector == nil {
		cfg.Collector = Global()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = GetTracer()
	}
	if cfg.Logger == nil {
		cfg.Logger = GetLogger()
	}

	id := ""
	if len(cfg.SessionID) >= 8 {
		id = hex.EncodeToString(cfg.SessionID[:8])
	}

	return &SessionObserver{
		collector: cfg.Collector,
		tracer:    cfg.Tracer,
		logger: cfg.Logger.Named("session").With(Fields{
			"session_id": id,
			"role":       cfg.Role,
		}),
	}
}

// Logger returns the observer's scoped logger.
func (o *SessionObserver) Logger() *Logger {
	if o == nil {
		return NullLogger()
	}
	return o.logger
}

// OnHandshake returns a completion function for handshake timing.
func (o *SessionObserver) OnHandshake(ctx context.Context, initiating bool) (context.Context, func(error)) {
	if o == nil {
		return ctx, func(error) {}
	}

	name := SpanHandshakeRespond
	if initiating {
		name = SpanHandshakeInitiate
	}
	start := time.Now()
	ctx, end := o.tracer.StartSpan(ctx, name, WithSpanKind(SpanKindClient))

	return ctx, func(err error) {
		d := time.Since(start)
		o.collector.RecordHandshakeLatency(d)
		if err != nil {
			o.collector.SessionFailed()
			o.logger.Error("handshake failed", Fields{"error": err.Error(), "duration": d.String()})
		} else {
			o.collector.SessionStarted()
			o.logger.Info("session established", Fields{"duration": d.String()})
		}
		end(err)
	}
}

// OnClose records session teardown.
func (o *SessionObserver) OnClose() {
	if o == nil {
		return
	}
	o.collector.SessionEnded()
	o.logger.Info("session closed")
}

// OnChatSent records an outbound chat message.
func (o *SessionObserver) OnChatSent() {
	if o == nil {
		return
	}
	o.collector.RecordChatSent()
}

// OnChatReceived records an inbound chat message.
func (o *SessionObserver) OnChatReceived() {
	if o == nil {
		return
	}
	o.collector.RecordChatReceived()
}

// OnPQStep records a completed post-quantum ratchet step.
func (o *SessionObserver) OnPQStep(epoch uint32) {
	if o == nil {
		return
	}
	o.collector.RecordPQStep()
	o.logger.Debug("pq ratchet step", Fields{"epoch": epoch})
}

// OnDecryptFailure records an authentication failure on inbound traffic.
func (o *SessionObserver) OnDecryptFailure() {
	if o == nil {
		return
	}
	o.collector.RecordDecryptFailure()
	o.logger.Warn("authentication failed, payload discarded")
}

// OnDesync records a receive counter outside the retained key window.
func (o *SessionObserver) OnDesync() {
	if o == nil {
		return
	}
	o.collector.RecordDesync()
	o.logger.Warn("ratchet desync, message dropped")
}

// TransferObserver hooks transfer progress into the collector and logger.
type TransferObserver struct {
	collector *Collector
	logger    *Logger
}

// NewTransferObserver creates an observer scoped to one transfer.
func NewTransferObserver(collector *Collector, logger *Logger, transferID []byte) *TransferObserver {
	if collector == nil {
		collector = Global()
	}
	if logger == nil {
		logger = GetLogger()
	}
	id := ""
	if len(transferID) >= 8 {
		id = hex.EncodeToString(transferID[:8])
	}
	return &TransferObserver{
		collector: collector,
		logger:    logger.Named("transfer").With(Fields{"transfer_id": id}),
	}
}

// Logger returns the observer's scoped logger.
func (o *TransferObserver) Logger() *Logger {
	if o == nil {
		return NullLogger()
	}
	return o.logger
}

// OnChunkSent records one delivered chunk and its round-trip time.
func (o *TransferObserver) OnChunkSent(bytes int, rtt time.Duration) {
	if o == nil {
		return
	}
	o.collector.RecordChunkSent(bytes)
	o.collector.RecordChunkLatency(rtt)
}

// OnChunkReceived records one verified inbound chunk.
func (o *TransferObserver) OnChunkReceived(bytes int) {
	if o == nil {
		return
	}
	o.collector.RecordChunkReceived(bytes)
}

// OnRetry records a chunk retransmission.
func (o *TransferObserver) OnRetry(index uint64, attempt int) {
	if o == nil {
		return
	}
	o.collector.RecordChunkRetry()
	o.logger.Debug("chunk retry", Fields{"chunk": index, "attempt": attempt})
}

// OnStall records a stalled transfer.
func (o *TransferObserver) OnStall(index uint64) {
	if o == nil {
		return
	}
	o.collector.RecordTransferStalled()
	o.logger.Warn("transfer stalled", Fields{"chunk": index})
}

// OnComplete records a finished transfer.
func (o *TransferObserver) OnComplete(bytes uint64, elapsed time.Duration) {
	if o == nil {
		return
	}
	o.collector.RecordTransferCompleted()
	o.logger.Info("transfer complete", Fields{"bytes": bytes, "elapsed": elapsed.String()})
}

// OnFail records a failed transfer.
func (o *TransferObserver) OnFail(err error) {
	if o == nil {
		return
	}
	o.collector.RecordTransferFailed()
	o.logger.Error("transfer failed", Fields{"error": err.Error()})
}

// PoolObserver hooks worker pool events into the collector and logger.
type PoolObserver struct {
	collector *Collector
	logger    *Logger
}

// NewPoolObserver creates a pool observer.
func NewPoolObserver(collector *Collector, logger *Logger) *PoolObserver {
	if collector == nil {
		collector = Global()
	}
	if logger == nil {
		logger = GetLogger()
	}
	return &PoolObserver{
		collector: collector,
		logger:    logger.Named("pool"),
	}
}

// OnTaskDone records a completed task and its latency.
func (o *PoolObserver) OnTaskDone(d time.Duration) {
	if o == nil {
		return
	}
	o.collector.RecordTaskCompleted(d)
}

// OnTaskFailed records a failed task.
func (o *PoolObserver) OnTaskFailed(taskID string, err error) {
	if o == nil {
		return
	}
	o.collector.RecordTaskFailed()
	o.logger.Debug("task failed", Fields{"task_id": taskID, "error": err.Error()})
}

// OnWorkerRestart records a drain-and-swap worker replacement.
func (o *PoolObserver) OnWorkerRestart(workerID int, consecutiveErrors int) {
	if o == nil {
		return
	}
	o.collector.RecordWorkerRestart()
	o.logger.Warn("worker replaced", Fields{
		"worker_id":          workerID,
		"consecutive_errors": consecutiveErrors,
	})
}
