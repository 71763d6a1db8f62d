package transfer

import (
	"fmt"

	"github.com/veilsend/veilsend/internal/constants"
	verrors "github.com/veilsend/veilsend/internal/errors"
	"github.com/veilsend/veilsend/pkg/crypto"
)

// State is a transfer job lifecycle state.
type State uint8

const (
	StateInitializing State = iota
	StateTransferring
	StatePaused
	StateVerifying
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateTransferring:
		return "transferring"
	case StatePaused:
		return "paused"
	case StateVerifying:
		return "verifying"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

var validTransitions = map[State][]State{
	StateInitializing: {StateTransferring},
	StateTransferring: {StatePaused, StateVerifying},
	StatePaused:       {StateTransferring},
	StateVerifying:    {StateCompleted},
}

// Job is the persisted record of one transfer, shared by sender and
// receiver sides. The bitmap means chunks acked (sender) or chunks written
// (receiver).
type Job struct {
	ID        [constants.SessionIDSize]byte     `cbor:"id"`
	Name      string                            `cbor:"name"`
	Path      string                            `cbor:"path"`
	Size      uint64                            `cbor:"size"`
	ChunkSize uint32                            `cbor:"chunk_size"`
	FileHash  [constants.ContentHashSize]byte   `cbor:"file_hash"`
	State     State                             `cbor:"state"`
	Bitmap    Bitmap                            `cbor:"bitmap"`
}

// NewJob creates a job in Initializing with a fresh random id.
func NewJob(name, path string, size uint64, chunkSize uint32, fileHash [constants.ContentHashSize]byte) (*Job, error) {
	j := &Job{
		Name:      name,
		Path:      path,
		Size:      size,
		ChunkSize: chunkSize,
		FileHash:  fileHash,
		State:     StateInitializing,
		Bitmap:    NewBitmap(NumChunks(size, chunkSize)),
	}
	if err := crypto.SecureRandom(j.ID[:]); err != nil {
		return nil, err
	}
	return j, nil
}

// NumChunks returns the job's chunk count.
func (j *Job) NumChunks() uint64 {
	return NumChunks(j.Size, j.ChunkSize)
}

// Transition moves the job to next, enforcing the lifecycle table. Failed
// and Cancelled are reachable from any non-terminal state.
func (j *Job) Transition(next State) error {
	if j.State.Terminal() {
		return verrors.NewProtocolError(
			fmt.Sprintf("transfer %s -> %s", j.State, next), verrors.ErrInvalidTransition)
	}
	if next == StateFailed || next == StateCancelled {
		j.State = next
		return nil
	}
	for _, allowed := range validTransitions[j.State] {
		if next == allowed {
			j.State = next
			return nil
		}
	}
	return verrors.NewProtocolError(
		fmt.Sprintf("transfer %s -> %s", j.State, next), verrors.ErrInvalidTransition)
}
