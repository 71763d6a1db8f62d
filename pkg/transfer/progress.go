package transfer

import (
	"sync"
	"time"

	"github.com/veilsend/veilsend/internal/constants"
)

// Progress is a point-in-time snapshot of a transfer.
type Progress struct {
	BytesDone  uint64
	TotalBytes uint64
	Percent    float64
	Throughput float64 // bytes per second
	ETA        time.Duration
	Elapsed    time.Duration
}

// EventKind identifies a transfer lifecycle notification.
type EventKind uint8

const (
	EventProgress EventKind = iota + 1
	EventCompleted
	EventFailed
	EventCancelled
)

// Event is one notification pushed to a transfer's Notify callback: a
// progress update during the transfer, then exactly one terminal event.
type Event struct {
	Kind       EventKind
	TransferID [constants.SessionIDSize]byte
	Progress   Progress
	Err        error // set for EventFailed
}

// Tracker accumulates transferred bytes and derives throughput and eta.
type Tracker struct {
	mu      sync.Mutex
	total   uint64
	done    uint64
	started time.Time
	now     func() time.Time
}

// NewTracker creates a tracker for a transfer of total bytes.
func NewTracker(total uint64) *Tracker {
	t := &Tracker{total: total, now: time.Now}
	t.started = t.now()
	return t
}

// Add records n more transferred bytes.
func (t *Tracker) Add(n uint64) {
	t.mu.Lock()
	t.done += n
	t.mu.Unlock()
}

// SetDone overwrites the transferred byte count, for resume.
func (t *Tracker) SetDone(n uint64) {
	t.mu.Lock()
	t.done = n
	t.mu.Unlock()
}

// Snapshot returns the current progress.
func (t *Tracker) Snapshot() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := t.now().Sub(t.started)
	p := Progress{
		BytesDone:  t.done,
		TotalBytes: t.total,
		Elapsed:    elapsed,
	}
	if t.total > 0 {
		p.Percent = float64(t.done) / float64(t.total) * 100
	}
	if elapsed > 0 && t.done > 0 {
		p.Throughput = float64(t.done) / elapsed.Seconds()
		remaining := t.total - t.done
		p.ETA = time.Duration(float64(remaining) / p.Throughput * float64(time.Second))
	}
	return p
}
