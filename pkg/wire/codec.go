package wire

import (
	"bufio"
	"encoding/binary"
	"io"
	"sync"

	"github.com/veilsend/veilsend/internal/constants"
	verrors "github.com/veilsend/veilsend/internal/errors"
)

const frameHeaderSize = 5 // 1-byte type + 4-byte payload length

// Transport is a reliable ordered byte stream. net.Conn satisfies it; so
// does any pipe used in tests.
type Transport interface {
	io.Reader
	io.Writer
	Close() error
}

// Codec frames messages over a Transport. Reads and writes are each
// serialized by their own lock, so one reader goroutine and one writer
// goroutine can share a codec.
type Codec struct {
	rmu sync.Mutex
	wmu sync.Mutex
	r   *bufio.Reader
	w   io.Writer
	t   Transport
}

// NewCodec wraps a transport for framed reads and writes.
func NewCodec(t Transport) *Codec {
	return &Codec{
		r: bufio.NewReaderSize(t, 64*1024),
		w: t,
		t: t,
	}
}

// WriteFrame writes one framed message.
func (c *Codec) WriteFrame(t MessageType, payload []byte) error {
	if len(payload) > constants.MaxMessageSize {
		return verrors.ErrMessageTooLarge
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	header := make([]byte, frameHeaderSize)
	header[0] = byte(t)
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))

	if _, err := c.w.Write(header); err != nil {
		return verrors.NewProtocolError("write", verrors.ErrTransportFailure)
	}
	if _, err := c.w.Write(payload); err != nil {
		return verrors.NewProtocolError("write", verrors.ErrTransportFailure)
	}
	return nil
}

// ReadFrame reads one framed message. The length field is validated before
// any allocation, so a hostile peer cannot force a huge buffer.
func (c *Codec) ReadFrame() (MessageType, []byte, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(c.r, header); err != nil {
		if err == io.EOF {
			return 0, nil, io.EOF
		}
		return 0, nil, verrors.NewProtocolError("read", verrors.ErrTransportFailure)
	}

	t := MessageType(header[0])
	length := binary.BigEndian.Uint32(header[1:])
	if length > constants.MaxMessageSize {
		return 0, nil, verrors.ErrMessageTooLarge
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(c.r, payload); err != nil {
		return 0, nil, verrors.NewProtocolError("read", verrors.ErrTransportFailure)
	}
	return t, payload, nil
}

// Close closes the underlying transport.
func (c *Codec) Close() error {
	return c.t.Close()
}
