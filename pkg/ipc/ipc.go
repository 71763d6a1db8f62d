// Package ipc correlates requests, responses, progress events and
// cancellation over an opaque message transport.
//
// Every message travels in an Envelope carrying a UUID. A Router pairs
// responses and progress events with the outstanding request of the same
// id, so multiple operations can run concurrently over one transport.
// Timeouts are local: abandoning a request stops the caller waiting but
// does not guarantee the remote side stops working, beyond a best-effort
// cancel notice.
package ipc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/veilsend/veilsend/internal/constants"
	verrors "github.com/veilsend/veilsend/internal/errors"
	"github.com/veilsend/veilsend/pkg/metrics"
)

// Type discriminates envelope roles.
type Type uint8

const (
	TypeRequest Type = iota + 1
	TypeResponse
	TypeProgress
	TypeCancel
)

// Envelope is the unit of IPC traffic.
type Envelope struct {
	ID      string `cbor:"id"`
	Channel string `cbor:"channel,omitempty"`
	Type    Type   `cbor:"type"`
	Payload []byte `cbor:"payload,omitempty"`
	Error   string `cbor:"error,omitempty"`
}

// Marshal encodes the envelope.
func (e *Envelope) Marshal() ([]byte, error) {
	return cbor.Marshal(e)
}

// UnmarshalEnvelope decodes an envelope.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := cbor.Unmarshal(data, &e); err != nil {
		return nil, verrors.NewProtocolError("ipc decode", err)
	}
	if e.ID == "" {
		return nil, verrors.NewProtocolError("ipc decode", verrors.ErrInvalidState)
	}
	return &e, nil
}

// Transport carries opaque messages between the two IPC endpoints.
type Transport interface {
	Send(data []byte) error
	OnReceive(fn func(data []byte))
}

// Handler serves requests on one channel. progress may be called any number
// of times before the handler returns; the final payload (or error) becomes
// the response.
type Handler func(ctx context.Context, payload []byte, progress func([]byte)) ([]byte, error)

type pendingRequest struct {
	done       chan *Envelope
	onProgress func([]byte)
	noTimeout  bool
}

// Router multiplexes correlated operations over a Transport. Both endpoints
// run one; each can issue requests and serve channels.
type Router struct {
	tr        Transport
	log       *metrics.Logger
	collector *metrics.Collector

	mu       sync.Mutex
	pending  map[string]*pendingRequest
	handlers map[string]Handler
	active   map[string]context.CancelFunc
	closed   bool
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router's logger.
func WithLogger(log *metrics.Logger) Option {
	return func(r *Router) { r.log = log }
}

// WithCollector sets the metrics collector.
func WithCollector(c *metrics.Collector) Option {
	return func(r *Router) { r.collector = c }
}

// NewRouter creates a router and hooks it into the transport.
func NewRouter(tr Transport, opts ...Option) *Router {
	r := &Router{
		tr:       tr,
		pending:  make(map[string]*pendingRequest),
		handlers: make(map[string]Handler),
		active:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = metrics.NullLogger()
	}
	if r.collector == nil {
		r.collector = metrics.Global()
	}
	tr.OnReceive(r.receive)
	return r
}

// Handle registers the handler for a channel. Later registrations replace
// earlier ones.
func (r *Router) Handle(channel string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[channel] = h
}

// RequestOption configures a single request.
type RequestOption func(*pendingRequest)

// WithProgress delivers progress payloads for this request as they arrive.
// The callback runs on the transport's receive path and must not block.
func WithProgress(fn func([]byte)) RequestOption {
	return func(p *pendingRequest) { p.onProgress = fn }
}

// WithNoTimeout disables the default per-request timeout, for long-running
// operations whose liveness shows in progress envelopes. The caller's
// context still cancels the request.
func WithNoTimeout() RequestOption {
	return func(p *pendingRequest) { p.noTimeout = true }
}

// Request sends payload on channel and waits for the correlated response.
// Without a deadline on ctx the default per-request timeout applies unless
// WithNoTimeout is set. A
// local timeout abandons the request with ErrTimeout; the remote side may
// keep working. Requests beyond the outstanding bound fail immediately
// with ErrCapacityExceeded.
func (r *Router) Request(ctx context.Context, channel string, payload []byte, opts ...RequestOption) ([]byte, error) {
	p := &pendingRequest{done: make(chan *Envelope, 1)}
	for _, opt := range opts {
		opt(p)
	}

	if _, ok := ctx.Deadline(); !ok && !p.noTimeout {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, constants.DefaultTaskTimeout)
		defer cancel()
	}

	id := uuid.NewString()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, verrors.NewProtocolError("ipc request", verrors.ErrInvalidState)
	}
	if len(r.pending) >= constants.MaxPendingRequests {
		r.mu.Unlock()
		r.collector.RecordIPCRejected()
		return nil, verrors.ErrCapacityExceeded
	}
	r.pending[id] = p
	r.mu.Unlock()

	env := &Envelope{ID: id, Channel: channel, Type: TypeRequest, Payload: payload}
	if err := r.send(env); err != nil {
		r.removePending(id)
		return nil, err
	}

	select {
	case resp := <-p.done:
		if resp == nil {
			return nil, verrors.NewProtocolError("ipc request", verrors.ErrInvalidState)
		}
		if resp.Error != "" {
			return nil, verrors.NewProtocolError("ipc request", errors.New(resp.Error))
		}
		return resp.Payload, nil
	case <-ctx.Done():
		r.removePending(id)
		// Best effort; the remote side is not guaranteed to stop.
		r.send(&Envelope{ID: id, Type: TypeCancel})
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			r.collector.RecordIPCTimeout()
			return nil, verrors.ErrTimeout
		}
		return nil, ctx.Err()
	}
}

// Cancel asks the remote side to stop the identified inbound operation.
func (r *Router) Cancel(id string) error {
	return r.send(&Envelope{ID: id, Type: TypeCancel})
}

func (r *Router) send(env *Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return verrors.NewProtocolError("ipc encode", err)
	}
	return r.tr.Send(data)
}

func (r *Router) removePending(id string) *pendingRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.pending[id]
	delete(r.pending, id)
	return p
}

func (r *Router) receive(data []byte) {
	env, err := UnmarshalEnvelope(data)
	if err != nil {
		r.log.Warn("dropping malformed ipc message", metrics.Fields{"error": err.Error()})
		return
	}

	switch env.Type {
	case TypeRequest:
		r.handleRequest(env)
	case TypeResponse:
		if p := r.removePending(env.ID); p != nil {
			p.done <- env
		}
	case TypeProgress:
		r.mu.Lock()
		p := r.pending[env.ID]
		r.mu.Unlock()
		if p != nil && p.onProgress != nil {
			p.onProgress(env.Payload)
		}
	case TypeCancel:
		r.mu.Lock()
		cancel := r.active[env.ID]
		r.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	default:
		r.log.Warn("dropping ipc message with unknown type", metrics.Fields{"type": env.Type})
	}
}

func (r *Router) handleRequest(env *Envelope) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	h := r.handlers[env.Channel]
	if h == nil {
		r.mu.Unlock()
		r.send(&Envelope{ID: env.ID, Type: TypeResponse,
			Error: fmt.Sprintf("unknown channel %q", env.Channel)})
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.active[env.ID] = cancel
	r.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			r.mu.Lock()
			delete(r.active, env.ID)
			r.mu.Unlock()
		}()

		progress := func(payload []byte) {
			r.send(&Envelope{ID: env.ID, Type: TypeProgress, Payload: payload})
		}

		resp, err := h(ctx, env.Payload, progress)
		out := &Envelope{ID: env.ID, Type: TypeResponse, Payload: resp}
		if err != nil {
			out.Payload = nil
			out.Error = err.Error()
		}
		if err := r.send(out); err != nil {
			r.log.Warn("ipc response send failed", metrics.Fields{
				"id":    env.ID,
				"error": err.Error(),
			})
		}
	}()
}

// PendingCount returns the number of outstanding requests.
func (r *Router) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Close cancels all in-flight handlers and fails outstanding requests.
func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	for _, cancel := range r.active {
		cancel()
	}
	pending := r.pending
	r.pending = make(map[string]*pendingRequest)
	r.mu.Unlock()

	for _, p := range pending {
		p.done <- nil
	}
	return nil
}
