// Package metrics provides observability primitives for the veilsend
// transfer core: counters and histograms, structured logging, and pluggable
// tracing with optional OpenTelemetry support behind the otel build tag.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Labels are key-value pairs attached to a collector instance.
type Labels map[string]string

// Collector aggregates counters and latency distributions for sessions,
// transfers and the worker pool. All methods are safe for concurrent use.
type Collector struct {
	sessionsActive atomic.Uint64
	sessionsTotal  atomic.Uint64
	sessionsFailed atomic.Uint64

	chatSent     atomic.Uint64
	chatReceived atomic.Uint64

	chunksSent     atomic.Uint64
	chunksReceived atomic.Uint64
	chunksRetried  atomic.Uint64
	bytesSent      atomic.Uint64
	bytesReceived  atomic.Uint64
	transfersDone  atomic.Uint64
	transfersFail  atomic.Uint64
	stalls         atomic.Uint64

	pqSteps         atomic.Uint64
	decryptFailures atomic.Uint64
	desyncs         atomic.Uint64

	tasksCompleted atomic.Uint64
	tasksFailed    atomic.Uint64
	workerRestarts atomic.Uint64
	ipcTimeouts    atomic.Uint64
	ipcRejected    atomic.Uint64

	handshakeLatency *Histogram
	chunkLatency     *Histogram
	taskLatency      *Histogram

	createdAt time.Time
	labels    Labels
}

// Default histogram bounds.
var (
	// HandshakeLatencyBounds in milliseconds.
	HandshakeLatencyBounds = []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000}

	// ChunkLatencyBounds in milliseconds, per chunk round trip.
	ChunkLatencyBounds = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000}

	// TaskLatencyBounds in microseconds, per pool task.
	TaskLatencyBounds = []float64{10, 50, 100, 500, 1000, 5000, 10000, 100000, 1000000}
)

// NewCollector creates a collector with the given labels.
func NewCollector(labels Labels) *Collector {
	if labels == nil {
		labels = make(Labels)
	}
	return &Collector{
		handshakeLatency: NewHistogram(HandshakeLatencyBounds),
		chunkLatency:     NewHistogram(ChunkLatencyBounds),
		taskLatency:      NewHistogram(TaskLatencyBounds),
		createdAt:        time.Now(),
		labels:           labels,
	}
}

// Session counters.

func (c *Collector) SessionStarted() {
	c.sessionsActive.Add(1)
	c.sessionsTotal.Add(1)
}

func (c *Collector) SessionEnded() {
	for {
		cur := c.sessionsActive.Load()
		if cur == 0 {
			return
		}
		if c.sessionsActive.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

func (c *Collector) SessionFailed() { c.sessionsFailed.Add(1) }

func (c *Collector) RecordHandshakeLatency(d time.Duration) {
	c.handshakeLatency.Observe(float64(d.Milliseconds()))
}

// Chat counters.

func (c *Collector) RecordChatSent()     { c.chatSent.Add(1) }
func (c *Collector) RecordChatReceived() { c.chatReceived.Add(1) }

// Transfer counters.

func (c *Collector) RecordChunkSent(bytes int) {
	c.chunksSent.Add(1)
	c.bytesSent.Add(uint64(bytes))
}

func (c *Collector) RecordChunkReceived(bytes int) {
	c.chunksReceived.Add(1)
	c.bytesReceived.Add(uint64(bytes))
}

func (c *Collector) RecordChunkRetry() { c.chunksRetried.Add(1) }

func (c *Collector) RecordChunkLatency(d time.Duration) {
	c.chunkLatency.Observe(float64(d.Milliseconds()))
}

func (c *Collector) RecordTransferCompleted() { c.transfersDone.Add(1) }
func (c *Collector) RecordTransferFailed()    { c.transfersFail.Add(1) }
func (c *Collector) RecordTransferStalled()   { c.stalls.Add(1) }

// Security counters.

func (c *Collector) RecordPQStep()         { c.pqSteps.Add(1) }
func (c *Collector) RecordDecryptFailure() { c.decryptFailures.Add(1) }
func (c *Collector) RecordDesync()         { c.desyncs.Add(1) }

// Pool and IPC counters.

func (c *Collector) RecordTaskCompleted(d time.Duration) {
	c.tasksCompleted.Add(1)
	c.taskLatency.Observe(float64(d.Microseconds()))
}

func (c *Collector) RecordTaskFailed()    { c.tasksFailed.Add(1) }
func (c *Collector) RecordWorkerRestart() { c.workerRestarts.Add(1) }
func (c *Collector) RecordIPCTimeout()    { c.ipcTimeouts.Add(1) }
func (c *Collector) RecordIPCRejected()   { c.ipcRejected.Add(1) }

// Snapshot is a point-in-time view of every counter.
type Snapshot struct {
	Timestamp time.Time
	Uptime    time.Duration

	SessionsActive uint64
	SessionsTotal  uint64
	SessionsFailed uint64

	ChatSent     uint64
	ChatReceived uint64

	ChunksSent         uint64
	ChunksReceived     uint64
	ChunksRetried      uint64
	BytesSent          uint64
	BytesReceived      uint64
	TransfersCompleted uint64
	TransfersFailed    uint64
	TransfersStalled   uint64

	PQSteps         uint64
	DecryptFailures uint64
	Desyncs         uint64

	TasksCompleted uint64
	TasksFailed    uint64
	WorkerRestarts uint64
	IPCTimeouts    uint64
	IPCRejected    uint64

	HandshakeLatency HistogramSummary
	ChunkLatency     HistogramSummary
	TaskLatency      HistogramSummary

	Labels Labels
}

// Snapshot returns the current counter values.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		Timestamp:          time.Now(),
		Uptime:             time.Since(c.createdAt),
		SessionsActive:     c.sessionsActive.Load(),
		SessionsTotal:      c.sessionsTotal.Load(),
		SessionsFailed:     c.sessionsFailed.Load(),
		ChatSent:           c.chatSent.Load(),
		ChatReceived:       c.chatReceived.Load(),
		ChunksSent:         c.chunksSent.Load(),
		ChunksReceived:     c.chunksReceived.Load(),
		ChunksRetried:      c.chunksRetried.Load(),
		BytesSent:          c.bytesSent.Load(),
		BytesReceived:      c.bytesReceived.Load(),
		TransfersCompleted: c.transfersDone.Load(),
		TransfersFailed:    c.transfersFail.Load(),
		TransfersStalled:   c.stalls.Load(),
		PQSteps:            c.pqSteps.Load(),
		DecryptFailures:    c.decryptFailures.Load(),
		Desyncs:            c.desyncs.Load(),
		TasksCompleted:     c.tasksCompleted.Load(),
		TasksFailed:        c.tasksFailed.Load(),
		WorkerRestarts:     c.workerRestarts.Load(),
		IPCTimeouts:        c.ipcTimeouts.Load(),
		IPCRejected:        c.ipcRejected.Load(),
		HandshakeLatency:   c.handshakeLatency.Summary(),
		ChunkLatency:       c.chunkLatency.Summary(),
		TaskLatency:        c.taskLatency.Summary(),
		Labels:             c.labels,
	}
}

// Reset clears every counter. Intended for tests.
func (c *Collector) Reset() {
	c.sessionsActive.Store(0)
	c.sessionsTotal.Store(0)
	c.sessionsFailed.Store(0)
	c.chatSent.Store(0)
	c.chatReceived.Store(0)
	c.chunksSent.Store(0)
	c.chunksReceived.Store(0)
	c.chunksRetried.Store(0)
	c.bytesSent.Store(0)
	c.bytesReceived.Store(0)
	c.transfersDone.Store(0)
	c.transfersFail.Store(0)
	c.stalls.Store(0)
	c.pqSteps.Store(0)
	c.decryptFailures.Store(0)
	c.desyncs.Store(0)
	c.tasksCompleted.Store(0)
	c.tasksFailed.Store(0)
	c.workerRestarts.Store(0)
	c.ipcTimeouts.Store(0)
	c.ipcRejected.Store(0)
	c.handshakeLatency.Reset()
	c.chunkLatency.Reset()
	c.taskLatency.Reset()
	c.createdAt = time.Now()
}

var (
	globalCollector     *Collector
	globalCollectorOnce sync.Once
)

// Global returns the process-wide collector, creating it on first use.
func Global() *Collector {
	globalCollectorOnce.Do(func() {
		globalCollector = NewCollector(Labels{"instance": "default"})
	})
	return globalCollector
}
