// Package transfer moves files in resumable, individually verified chunks.
//
// A file is split at a fixed chunk size chosen when the transfer is
// offered. Each chunk carries a SHA3-256 content hash, checked before the
// receiver writes it; the AEAD layer underneath authenticates transport
// bytes, the content hash catches corruption introduced anywhere else in
// the pipeline. Receipt is tracked in a bitmap anchored at chunk zero, so
// a transfer can resume from any missing index after either side restarts.
package transfer

import (
	"io"
	"os"

	"github.com/veilsend/veilsend/internal/constants"
	verrors "github.com/veilsend/veilsend/internal/errors"
	"github.com/veilsend/veilsend/pkg/crypto"
)

// Bitmap tracks chunk receipt, one bit per chunk, chunk zero at bit zero.
type Bitmap []byte

// NewBitmap creates a bitmap sized for n chunks.
func NewBitmap(n uint64) Bitmap {
	return make(Bitmap, (n+7)/8)
}

// Set marks chunk i received.
func (b Bitmap) Set(i uint64) {
	b[i/8] |= 1 << (i % 8)
}

// IsSet reports whether chunk i was received.
func (b Bitmap) IsSet(i uint64) bool {
	if i/8 >= uint64(len(b)) {
		return false
	}
	return b[i/8]&(1<<(i%8)) != 0
}

// Count returns the number of received chunks at or above zero and below n.
func (b Bitmap) Count(n uint64) uint64 {
	var count uint64
	for i := uint64(0); i < n; i++ {
		if b.IsSet(i) {
			count++
		}
	}
	return count
}

// Missing returns all chunk indices below n not yet received.
func (b Bitmap) Missing(n uint64) []uint64 {
	missing := make([]uint64, 0)
	for i := uint64(0); i < n; i++ {
		if !b.IsSet(i) {
			missing = append(missing, i)
		}
	}
	return missing
}

// Clone returns an independent copy.
func (b Bitmap) Clone() Bitmap {
	c := make(Bitmap, len(b))
	copy(c, b)
	return c
}

// NumChunks returns how many chunks a file of size bytes splits into at
// chunkSize. Empty files are a single empty chunk so the transfer still
// carries the (empty) content and its hash.
func NumChunks(size uint64, chunkSize uint32) uint64 {
	if size == 0 {
		return 1
	}
	return (size + uint64(chunkSize) - 1) / uint64(chunkSize)
}

// Chunk is one read unit with its integrity hash.
type Chunk struct {
	Index uint64
	Data  []byte
	Hash  [constants.ContentHashSize]byte
}

// Chunker reads fixed-size chunks from a file by index.
type Chunker struct {
	r         io.ReaderAt
	closer    io.Closer
	size      uint64
	chunkSize uint32
	numChunks uint64
}

// NewChunker opens path for chunked reading. chunkSize must be within the
// adaptive sizer's bounds.
func NewChunker(path string, chunkSize uint32) (*Chunker, error) {
	if chunkSize < constants.MinChunkSize || chunkSize > constants.MaxChunkSize {
		return nil, verrors.NewProtocolError("chunker", verrors.ErrInvalidState)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	size := uint64(stat.Size())
	return &Chunker{
		r:         f,
		closer:    f,
		size:      size,
		chunkSize: chunkSize,
		numChunks: NumChunks(size, chunkSize),
	}, nil
}

// NewChunkerFromReaderAt wraps an existing reader of known size.
func NewChunkerFromReaderAt(r io.ReaderAt, size uint64, chunkSize uint32) (*Chunker, error) {
	if chunkSize < constants.MinChunkSize || chunkSize > constants.MaxChunkSize {
		return nil, verrors.NewProtocolError("chunker", verrors.ErrInvalidState)
	}
	return &Chunker{
		r:         r,
		size:      size,
		chunkSize: chunkSize,
		numChunks: NumChunks(size, chunkSize),
	}, nil
}

// Size returns the total file size in bytes.
func (c *Chunker) Size() uint64 { return c.size }

// ChunkSize returns the fixed chunk size.
func (c *Chunker) ChunkSize() uint32 { return c.chunkSize }

// NumChunks returns the total chunk count.
func (c *Chunker) NumChunks() uint64 { return c.numChunks }

// ReadChunk reads chunk index and computes its content hash. The final
// chunk may be shorter than the chunk size.
func (c *Chunker) ReadChunk(index uint64) (*Chunk, error) {
	if index >= c.numChunks {
		return nil, verrors.ErrChunkOutOfRange
	}

	offset := index * uint64(c.chunkSize)
	length := uint64(c.chunkSize)
	if offset+length > c.size {
		length = c.size - offset
	}

	buf := make([]byte, length)
	if length > 0 {
		if _, err := c.r.ReadAt(buf, int64(offset)); err != nil {
			return nil, err
		}
	}

	ch := &Chunk{Index: index, Data: buf}
	copy(ch.Hash[:], crypto.ContentHash(buf))
	return ch, nil
}

// FileHash hashes the whole file.
func (c *Chunker) FileHash() ([constants.ContentHashSize]byte, error) {
	var out [constants.ContentHashSize]byte
	h, err := hashReaderAt(c.r, c.size)
	if err != nil {
		return out, err
	}
	copy(out[:], h)
	return out, nil
}

// Close releases the underlying file when the chunker owns one.
func (c *Chunker) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

func hashReaderAt(r io.ReaderAt, size uint64) ([]byte, error) {
	data := make([]byte, size)
	if size > 0 {
		if _, err := r.ReadAt(data, 0); err != nil {
			return nil, err
		}
	}
	return crypto.ContentHash(data), nil
}

// ChunkWriter reassembles a file from chunks arriving in any order.
type ChunkWriter struct {
	file      *os.File
	size      uint64
	chunkSize uint32
	numChunks uint64
	received  Bitmap
}

// NewChunkWriter creates the destination file, preallocated to the final
// size so chunks can land at their offsets directly.
func NewChunkWriter(path string, size uint64, chunkSize uint32) (*ChunkWriter, error) {
	if chunkSize < constants.MinChunkSize || chunkSize > constants.MaxChunkSize {
		return nil, verrors.NewProtocolError("chunk writer", verrors.ErrInvalidState)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, err
	}

	n := NumChunks(size, chunkSize)
	return &ChunkWriter{
		file:      f,
		size:      size,
		chunkSize: chunkSize,
		numChunks: n,
		received:  NewBitmap(n),
	}, nil
}

// ResumeChunkWriter reopens a partially written file with an existing
// receipt bitmap.
func ResumeChunkWriter(path string, size uint64, chunkSize uint32, received Bitmap) (*ChunkWriter, error) {
	w, err := NewChunkWriter(path, size, chunkSize)
	if err != nil {
		return nil, err
	}
	if uint64(len(received)) != uint64(len(w.received)) {
		w.Close()
		return nil, verrors.NewProtocolError("chunk writer resume", verrors.ErrInvalidState)
	}
	copy(w.received, received)
	return w, nil
}

// WriteChunk verifies the chunk's content hash and writes it at its
// offset. A hash mismatch leaves the bitmap untouched so the chunk is
// re-requested.
func (w *ChunkWriter) WriteChunk(index uint64, data []byte, hash [constants.ContentHashSize]byte) error {
	if index >= w.numChunks {
		return verrors.ErrChunkOutOfRange
	}

	var got [constants.ContentHashSize]byte
	copy(got[:], crypto.ContentHash(data))
	if got != hash {
		return verrors.ErrContentHashMismatch
	}

	offset := int64(index) * int64(w.chunkSize)
	if len(data) > 0 {
		if _, err := w.file.WriteAt(data, offset); err != nil {
			return err
		}
	}
	w.received.Set(index)
	return nil
}

// Received returns a copy of the receipt bitmap.
func (w *ChunkWriter) Received() Bitmap { return w.received.Clone() }

// ReceivedCount returns how many chunks have landed.
func (w *ChunkWriter) ReceivedCount() uint64 { return w.received.Count(w.numChunks) }

// MissingChunks lists indices still outstanding.
func (w *ChunkWriter) MissingChunks() []uint64 { return w.received.Missing(w.numChunks) }

// IsComplete reports whether every chunk has been received.
func (w *ChunkWriter) IsComplete() bool { return w.ReceivedCount() == w.numChunks }

// VerifyFileHash hashes the assembled file and compares it to want.
func (w *ChunkWriter) VerifyFileHash(want [constants.ContentHashSize]byte) error {
	if err := w.file.Sync(); err != nil {
		return err
	}
	h, err := hashReaderAt(w.file, w.size)
	if err != nil {
		return err
	}
	var got [constants.ContentHashSize]byte
	copy(got[:], h)
	if got != want {
		return verrors.ErrContentHashMismatch
	}
	return nil
}

// Close closes the destination file.
func (w *ChunkWriter) Close() error {
	return w.file.Close()
}

// Path returns the destination path.
func (w *ChunkWriter) Path() string {
	return w.file.Name()
}
