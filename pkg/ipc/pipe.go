package ipc

import (
	"sync"

	verrors "github.com/veilsend/veilsend/internal/errors"
)

// PipeTransport is one side of an in-memory transport pair. Messages are
// delivered in order by a dedicated goroutine per end.
type PipeTransport struct {
	mu     sync.Mutex
	fn     func([]byte)
	peer   *PipeTransport
	inbox  chan []byte
	closed chan struct{}
	once   sync.Once
}

// Pipe returns two connected in-memory transports, one per endpoint. It is
// how the host side and the core share a Router pair without a socket.
func Pipe() (*PipeTransport, *PipeTransport) {
	a := newPipeTransport()
	b := newPipeTransport()
	a.peer, b.peer = b, a
	go a.deliver()
	go b.deliver()
	return a, b
}

func newPipeTransport() *PipeTransport {
	return &PipeTransport{
		inbox:  make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

// Send queues data for the peer end.
func (p *PipeTransport) Send(data []byte) error {
	msg := append([]byte(nil), data...)
	select {
	case p.peer.inbox <- msg:
		return nil
	case <-p.peer.closed:
		return verrors.NewProtocolError("ipc pipe", verrors.ErrInvalidState)
	}
}

// OnReceive registers the delivery callback for this end.
func (p *PipeTransport) OnReceive(fn func(data []byte)) {
	p.mu.Lock()
	p.fn = fn
	p.mu.Unlock()
}

// Close stops delivery on this end. Sends from the peer fail afterwards.
func (p *PipeTransport) Close() {
	p.once.Do(func() { close(p.closed) })
}

func (p *PipeTransport) deliver() {
	for {
		select {
		case msg := <-p.inbox:
			p.mu.Lock()
			fn := p.fn
			p.mu.Unlock()
			if fn != nil {
				fn(msg)
			}
		case <-p.closed:
			return
		}
	}
}
