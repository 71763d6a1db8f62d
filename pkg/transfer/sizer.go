package transfer

import (
	"sync"
	"time"

	"github.com/veilsend/veilsend/internal/constants"
)

// targetChunkLatency is the per-chunk round trip the sizer steers toward.
// Chunks completing much faster grow the size, much slower shrink it.
const targetChunkLatency = 500 * time.Millisecond

// Sizer picks the chunk size for new transfers from observed per-chunk
// latency. The size is fixed for the lifetime of a transfer once offered;
// samples fed back during a transfer shape the size the next one starts
// with.
type Sizer struct {
	mu   sync.Mutex
	size uint32
}

// NewSizer starts at the default chunk size.
func NewSizer() *Sizer {
	return &Sizer{size: constants.DefaultChunkSize}
}

// ChunkSize returns the size a new transfer should use.
func (s *Sizer) ChunkSize() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Observe feeds one chunk's send-to-ack latency back into the sizer.
func (s *Sizer) Observe(latency time.Duration) {
	if latency <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case latency < targetChunkLatency/2:
		s.size *= 2
	case latency > targetChunkLatency*2:
		s.size /= 2
	default:
		return
	}

	if s.size < constants.MinChunkSize {
		s.size = constants.MinChunkSize
	}
	if s.size > constants.MaxChunkSize {
		s.size = constants.MaxChunkSize
	}
}
