// Package session ties the handshake, ratchet and wire layers into one
// end-to-end encrypted peer link carrying chat and file-transfer traffic.
//
// A session is established by an initiator and a responder over any reliable
// ordered byte stream. Role for the ratchet chains is NOT who dialed: it is
// derived deterministically from the two static public keys, so both sides
// agree without negotiation. The cipher suite is fixed once during the
// handshake and never renegotiated.
package session

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"unicode"

	"github.com/veilsend/veilsend/internal/constants"
	verrors "github.com/veilsend/veilsend/internal/errors"
	"github.com/veilsend/veilsend/pkg/crypto"
	"github.com/veilsend/veilsend/pkg/hybrid"
	"github.com/veilsend/veilsend/pkg/metrics"
	"github.com/veilsend/veilsend/pkg/ratchet"
	"github.com/veilsend/veilsend/pkg/wire"
)

// Config holds what a session needs before the handshake runs.
type Config struct {
	// Identity is the local static hybrid key pair. Required.
	Identity *hybrid.KeyPair

	// Suites lists acceptable cipher suites in preference order. Defaults
	// to ChaCha20-Poly1305 then AES-256-GCM.
	Suites []constants.CipherSuite

	// Collector, Tracer and Logger feed the session observer. Nil fields
	// use the package-level defaults in metrics.
	Collector *metrics.Collector
	Tracer    metrics.Tracer
	Logger    *metrics.Logger
}

func (c *Config) applyDefaults() {
	if len(c.Suites) == 0 {
		c.Suites = []constants.CipherSuite{
			constants.CipherSuiteChaCha20Poly1305,
			constants.CipherSuiteAES256GCM,
		}
	}
}

// Validate checks the config before use.
func (c *Config) Validate() error {
	if c.Identity == nil {
		return verrors.NewProtocolError("config", verrors.ErrInvalidPrivateKey)
	}
	for _, s := range c.Suites {
		if !s.IsSupported() {
			return verrors.NewProtocolError("config", verrors.ErrUnsupportedCipherSuite)
		}
	}
	return nil
}

// Event is one decrypted inbound message surfaced to the caller. Ratchet
// steps are absorbed internally and never appear as events.
type Event struct {
	Kind    wire.MessageType
	Chat    string
	Typing  bool
	Chunk   *wire.ChunkData
	Ack     *wire.ChunkAck
	Control *wire.TransferControl
}

// Session is one established peer link. Sends are serialized internally;
// Next must be driven by a single reader goroutine.
type Session struct {
	id      [constants.SessionIDSize]byte
	role    hybrid.Role
	suite   constants.CipherSuite
	peer    *hybrid.PublicKey
	codec   *wire.Codec
	ratchet *ratchet.Ratchet
	obs     *metrics.SessionObserver

	sendMu sync.Mutex
	closed atomic.Bool
}

// Initiate opens a session over the transport by sending the first
// handshake flight and waiting for the response.
func Initiate(ctx context.Context, transport wire.Transport, cfg Config) (*Session, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var id [constants.SessionIDSize]byte
	if err := crypto.SecureRandom(id[:]); err != nil {
		return nil, err
	}

	obs := metrics.NewSessionObserver(metrics.SessionObserverConfig{
		Collector: cfg.Collector,
		Tracer:    cfg.Tracer,
		Logger:    cfg.Logger,
		SessionID: id[:],
		Role:      "dialer",
	})
	ctx, done := obs.OnHandshake(ctx, true)

	s, err := initiate(ctx, transport, cfg, id, obs)
	done(err)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func initiate(ctx context.Context, transport wire.Transport, cfg Config, id [constants.SessionIDSize]byte, obs *metrics.SessionObserver) (*Session, error) {
	codec := wire.NewCodec(transport)

	ratchetKEM, err := crypto.GenerateMLKEMKeyPair()
	if err != nil {
		return nil, err
	}

	init := &wire.HandshakeInit{
		Version:    constants.ProtocolVersion,
		SessionID:  id,
		PublicKey:  cfg.Identity.Public.Bytes(),
		RatchetKey: ratchetKEM.PublicKeyBytes(),
		Suites:     cfg.Suites,
	}
	if err := codec.WriteFrame(wire.TypeHandshakeInit, init.Marshal()); err != nil {
		return nil, verrors.NewProtocolError("handshake", err)
	}

	kind, payload, err := readFrame(ctx, codec)
	if err != nil {
		return nil, verrors.NewProtocolError("handshake", err)
	}
	if kind != wire.TypeHandshakeResponse {
		return nil, verrors.NewProtocolError("handshake", verrors.ErrHandshakeFailed)
	}

	resp, err := wire.UnmarshalHandshakeResponse(payload)
	if err != nil {
		return nil, verrors.NewProtocolError("handshake", err)
	}
	if resp.SessionID != id {
		return nil, verrors.NewProtocolError("handshake", verrors.ErrHandshakeFailed)
	}
	if !suiteOffered(cfg.Suites, resp.Suite) {
		return nil, verrors.NewProtocolError("handshake", verrors.ErrUnsupportedCipherSuite)
	}

	peer, err := hybrid.ParsePublicKey(resp.PublicKey)
	if err != nil {
		return nil, verrors.NewProtocolError("handshake", err)
	}
	role, err := hybrid.DeriveRole(cfg.Identity.Public, peer)
	if err != nil {
		return nil, err
	}

	ct, err := hybrid.ParseCiphertext(resp.Ciphertext)
	if err != nil {
		return nil, verrors.NewProtocolError("handshake", err)
	}
	root, err := hybrid.Decapsulate(cfg.Identity, ct)
	if err != nil {
		return nil, verrors.NewProtocolError("handshake", err)
	}

	peerKEM, err := crypto.ParseMLKEMPublicKey(resp.RatchetKey)
	if err != nil {
		crypto.Zeroize(root)
		return nil, verrors.NewProtocolError("handshake", err)
	}

	r, err := ratchet.New(ratchet.Config{
		RootKey:  root,
		Role:     role,
		Suite:    resp.Suite,
		LocalKEM: ratchetKEM,
		PeerKEM:  peerKEM,
	})
	if err != nil {
		crypto.Zeroize(root)
		return nil, err
	}

	return &Session{
		id:      id,
		role:    role,
		suite:   resp.Suite,
		peer:    peer,
		codec:   codec,
		ratchet: r,
		obs:     obs,
	}, nil
}

// Respond accepts a session over the transport by waiting for the first
// handshake flight and answering it.
func Respond(ctx context.Context, transport wire.Transport, cfg Config) (*Session, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	obs := metrics.NewSessionObserver(metrics.SessionObserverConfig{
		Collector: cfg.Collector,
		Tracer:    cfg.Tracer,
		Logger:    cfg.Logger,
		Role:      "listener",
	})
	ctx, done := obs.OnHandshake(ctx, false)

	s, err := respond(ctx, transport, cfg, obs)
	done(err)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func respond(ctx context.Context, transport wire.Transport, cfg Config, obs *metrics.SessionObserver) (*Session, error) {
	codec := wire.NewCodec(transport)

	kind, payload, err := readFrame(ctx, codec)
	if err != nil {
		return nil, verrors.NewProtocolError("handshake", err)
	}
	if kind != wire.TypeHandshakeInit {
		return nil, verrors.NewProtocolError("handshake", verrors.ErrHandshakeFailed)
	}

	init, err := wire.UnmarshalHandshakeInit(payload)
	if err != nil {
		return nil, verrors.NewProtocolError("handshake", err)
	}

	peer, err := hybrid.ParsePublicKey(init.PublicKey)
	if err != nil {
		return nil, verrors.NewProtocolError("handshake", err)
	}
	role, err := hybrid.DeriveRole(cfg.Identity.Public, peer)
	if err != nil {
		return nil, err
	}

	suite, ok := selectSuite(init.Suites, cfg.Suites)
	if !ok {
		return nil, verrors.NewProtocolError("handshake", verrors.ErrUnsupportedCipherSuite)
	}

	peerKEM, err := crypto.ParseMLKEMPublicKey(init.RatchetKey)
	if err != nil {
		return nil, verrors.NewProtocolError("handshake", err)
	}

	ct, root, err := hybrid.Encapsulate(peer)
	if err != nil {
		return nil, verrors.NewProtocolError("handshake", err)
	}

	ratchetKEM, err := crypto.GenerateMLKEMKeyPair()
	if err != nil {
		crypto.Zeroize(root)
		return nil, err
	}

	resp := &wire.HandshakeResponse{
		Version:    constants.ProtocolVersion,
		SessionID:  init.SessionID,
		PublicKey:  cfg.Identity.Public.Bytes(),
		Ciphertext: ct.Bytes(),
		RatchetKey: ratchetKEM.PublicKeyBytes(),
		Suite:      suite,
	}
	if err := codec.WriteFrame(wire.TypeHandshakeResponse, resp.Marshal()); err != nil {
		crypto.Zeroize(root)
		return nil, verrors.NewProtocolError("handshake", err)
	}

	r, err := ratchet.New(ratchet.Config{
		RootKey:  root,
		Role:     role,
		Suite:    suite,
		LocalKEM: ratchetKEM,
		PeerKEM:  peerKEM,
	})
	if err != nil {
		crypto.Zeroize(root)
		return nil, err
	}

	return &Session{
		id:      init.SessionID,
		role:    role,
		suite:   suite,
		peer:    peer,
		codec:   codec,
		ratchet: r,
		obs:     obs,
	}, nil
}

// suiteOffered reports whether the responder picked a suite we offered.
func suiteOffered(offered []constants.CipherSuite, s constants.CipherSuite) bool {
	for _, o := range offered {
		if o == s {
			return true
		}
	}
	return false
}

// selectSuite picks the first of the initiator's preferences the responder
// also accepts.
func selectSuite(initiator, responder []constants.CipherSuite) (constants.CipherSuite, bool) {
	for _, i := range initiator {
		for _, r := range responder {
			if i == r {
				return i, true
			}
		}
	}
	return 0, false
}

// readFrame reads one frame, honoring context cancellation. The transport
// read itself cannot be interrupted, so on cancellation the frame is
// abandoned and the caller is expected to close the transport.
func readFrame(ctx context.Context, codec *wire.Codec) (wire.MessageType, []byte, error) {
	type result struct {
		kind    wire.MessageType
		payload []byte
		err     error
	}
	ch := make(chan result, 1)
	go func() {
		kind, payload, err := codec.ReadFrame()
		ch <- result{kind, payload, err}
	}()

	select {
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	case res := <-ch:
		return res.kind, res.payload, res.err
	}
}

// ID returns the session identifier.
func (s *Session) ID() [constants.SessionIDSize]byte {
	return s.id
}

// Role returns the derived ratchet role.
func (s *Session) Role() hybrid.Role {
	return s.role
}

// Suite returns the cipher suite fixed at handshake time.
func (s *Session) Suite() constants.CipherSuite {
	return s.suite
}

// PeerKey returns the peer's static public key.
func (s *Session) PeerKey() *hybrid.PublicKey {
	return s.peer
}

// PeerFingerprint returns the peer's key fingerprint for out-of-band
// verification.
func (s *Session) PeerFingerprint() []byte {
	return s.peer.Fingerprint()
}

// Send seals and writes one inner message. Safe for concurrent use; a due
// PQ ratchet step is injected ahead of the payload so the step always
// arrives before traffic from the new epoch.
func (s *Session) Send(inner wire.Inner) error {
	if s.closed.Load() {
		return verrors.ErrRatchetClosed
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if s.ratchet.NeedsStep() {
		if err := s.sendStepLocked(); err != nil {
			return err
		}
	}
	return s.sealAndWriteLocked(inner.Marshal())
}

// sendStepLocked seals a PQ step under the current epoch, writes it, and
// only then commits the new epoch locally.
func (s *Session) sendStepLocked() error {
	step, err := s.ratchet.PrepareStep()
	if err != nil {
		return err
	}

	inner := &wire.RatchetStep{
		Epoch:         step.Epoch,
		Encapsulation: step.Encapsulation,
		NextPublicKey: step.NextPublicKey,
	}
	if err := s.sealAndWriteLocked(inner.Marshal()); err != nil {
		return err
	}
	if err := s.ratchet.CommitStep(); err != nil {
		return err
	}
	s.obs.OnPQStep(step.Epoch)
	return nil
}

func (s *Session) sealAndWriteLocked(plaintext []byte) error {
	msg, err := s.ratchet.Encrypt(plaintext, s.id[:])
	if err != nil {
		return err
	}

	sealed := &wire.Sealed{
		Epoch:      msg.Epoch,
		Counter:    msg.Counter,
		Ciphertext: msg.Ciphertext,
	}
	return s.codec.WriteFrame(wire.TypeSealed, sealed.Marshal())
}

// SendChat sends a chat message. Control characters other than newline and
// tab are stripped before transmission so a hostile peer's terminal cannot
// be driven by escape sequences either.
func (s *Session) SendChat(text string) error {
	if err := s.Send(&wire.ChatText{Text: SanitizeText(text)}); err != nil {
		return err
	}
	s.obs.OnChatSent()
	return nil
}

// SendTyping sends a typing indicator.
func (s *Session) SendTyping(active bool) error {
	return s.Send(&wire.TypingIndicator{Active: active})
}

// Next reads, decrypts and returns the next inbound event. Ratchet steps
// are applied silently; undecryptable or desynced messages are dropped with
// an error so the caller can decide whether to re-request. io.EOF surfaces
// unchanged when the peer hangs up.
func (s *Session) Next(ctx context.Context) (*Event, error) {
	for {
		if s.closed.Load() {
			return nil, verrors.ErrRatchetClosed
		}

		kind, payload, err := readFrame(ctx, s.codec)
		if err != nil {
			return nil, err
		}
		if kind != wire.TypeSealed {
			return nil, verrors.NewProtocolError("receive", verrors.ErrInvalidMessage)
		}

		sealed, err := wire.UnmarshalSealed(payload)
		if err != nil {
			return nil, err
		}

		plaintext, err := s.ratchet.Decrypt(&ratchet.Message{
			Epoch:      sealed.Epoch,
			Counter:    sealed.Counter,
			Ciphertext: sealed.Ciphertext,
		}, s.id[:])
		if err != nil {
			switch {
			case verrors.Is(err, verrors.ErrDecryptionFailed):
				s.obs.OnDecryptFailure()
			case verrors.Is(err, verrors.ErrRatchetDesync):
				s.obs.OnDesync()
			}
			return nil, err
		}

		innerKind, inner, err := wire.UnmarshalInner(plaintext)
		if err != nil {
			return nil, err
		}

		switch m := inner.(type) {
		case *wire.RatchetStep:
			step := &ratchet.StepMessage{
				Epoch:         m.Epoch,
				Encapsulation: m.Encapsulation,
				NextPublicKey: m.NextPublicKey,
			}
			if err := s.ratchet.ApplyStep(step); err != nil {
				s.obs.OnDesync()
				return nil, err
			}
			s.obs.OnPQStep(m.Epoch)
			continue

		case *wire.ChatText:
			s.obs.OnChatReceived()
			return &Event{Kind: innerKind, Chat: SanitizeText(m.Text)}, nil

		case *wire.TypingIndicator:
			return &Event{Kind: innerKind, Typing: m.Active}, nil

		case *wire.ChunkData:
			return &Event{Kind: innerKind, Chunk: m}, nil

		case *wire.ChunkAck:
			return &Event{Kind: innerKind, Ack: m}, nil

		case *wire.TransferControl:
			return &Event{Kind: innerKind, Control: m}, nil

		default:
			return nil, verrors.ErrInvalidMessage
		}
	}
}

// Close tears the session down and zeroizes key material. Idempotent.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.ratchet.Close()
	err := s.codec.Close()
	s.obs.OnClose()
	return err
}

// SanitizeText strips control characters from chat text, keeping newline
// and tab.
func SanitizeText(text string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, text)
}
