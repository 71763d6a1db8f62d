// Package ratchet implements forward-secure message encryption over a hybrid
// session secret.
//
// Two mechanisms compose. A symmetric-key ratchet advances a per-direction
// chain key one way for every message, so compromise of the current state
// never reveals earlier message keys. A sparse post-quantum ratchet mixes a
// fresh ML-KEM-1024 encapsulation into the root key every
// constants.PQRekeyMessageInterval messages or constants.PQRekeyTimeInterval,
// whichever comes first, restoring security after a state compromise
// (post-compromise security) at a fraction of the cost of a per-message PQ
// step.
//
// Out-of-order delivery is tolerated by retaining skipped message keys, up
// to constants.MaxSkippedKeys. A receive counter beyond that window is a
// desync: the message is dropped but the session survives.
package ratchet

import (
	"sync"
	"time"

	"github.com/veilsend/veilsend/internal/constants"
	verrors "github.com/veilsend/veilsend/internal/errors"
	"github.com/veilsend/veilsend/pkg/crypto"
	"github.com/veilsend/veilsend/pkg/hybrid"
)

// State is the ratchet lifecycle state.
type State int32

const (
	// StateEstablished means both chains are keyed and traffic can flow.
	StateEstablished State = iota

	// StateClosed means the ratchet has been zeroized. Terminal.
	StateClosed
)

// Message is one sealed payload with the coordinates needed to key its
// decryption.
type Message struct {
	Epoch      uint32
	Counter    uint64
	Ciphertext []byte
}

// StepMessage carries a post-quantum ratchet step to the peer: a fresh
// encapsulation against the peer's current ratchet key and the sender's next
// ratchet encapsulation key for the epoch after this one.
type StepMessage struct {
	Epoch         uint32
	Encapsulation []byte
	NextPublicKey []byte
}

type skippedKey struct {
	epoch   uint32
	counter uint64
}

// chain tracks one direction of traffic: its current key, the next counter,
// and the nonce seed and direction bit shared with the peer for this flow.
type chain struct {
	key     []byte
	counter uint64
	seed    []byte
	dir     crypto.Direction
}

// advance performs one symmetric ratchet step, returning the message key for
// the current counter position.
func (c *chain) advance() ([]byte, uint64, error) {
	if c.counter >= constants.MaxMessagesPerChain {
		return nil, 0, verrors.NewCryptoError("chain.advance", verrors.ErrNonceExhausted)
	}

	next, messageKey, err := crypto.AdvanceChain(c.key)
	if err != nil {
		return nil, 0, err
	}

	n := c.counter
	crypto.Zeroize(c.key)
	c.key = next
	c.counter++
	return messageKey, n, nil
}

// Ratchet is the full forward-secure state for one session direction pair.
// All methods are safe for concurrent use.
type Ratchet struct {
	mu sync.Mutex

	state State
	suite constants.CipherSuite
	role  hybrid.Role

	rootKey []byte
	epoch   uint32
	send    *chain
	recv    *chain

	// Previous-epoch receive chain, kept so in-flight messages sealed
	// before the peer applied a step still decrypt.
	prevRecv  *chain
	prevEpoch uint32

	skipped map[skippedKey][]byte

	// Sparse PQ ratchet material.
	localKEM      *crypto.MLKEMKeyPair
	peerKEM       *crypto.MLKEMPublicKey
	pendingSecret []byte
	pendingKEM    *crypto.MLKEMKeyPair
	lastStep      time.Time
	sinceStep     int
	now           func() time.Time
}

// Config carries the handshake outputs needed to key a ratchet.
type Config struct {
	// RootKey is the hybrid session secret. The ratchet takes ownership
	// and zeroizes it on Close.
	RootKey []byte

	// Role determines chain assignment and who drives PQ steps.
	Role hybrid.Role

	// Suite is the AEAD fixed at handshake time.
	Suite constants.CipherSuite

	// LocalKEM is this side's ratchet decapsulation key pair.
	LocalKEM *crypto.MLKEMKeyPair

	// PeerKEM is the peer's current ratchet encapsulation key.
	PeerKEM *crypto.MLKEMPublicKey
}

// New keys a ratchet from a freshly established session secret. Both peers
// must call it with the same root key and opposite roles.
func New(cfg Config) (*Ratchet, error) {
	if len(cfg.RootKey) != constants.HybridSharedSecretSize {
		return nil, verrors.NewCryptoError("ratchet.New", verrors.ErrInvalidKeySize)
	}
	if !cfg.Suite.IsSupported() {
		return nil, verrors.NewCryptoError("ratchet.New", verrors.ErrUnsupportedCipherSuite)
	}
	if cfg.LocalKEM == nil || cfg.PeerKEM == nil {
		return nil, verrors.NewCryptoError("ratchet.New", verrors.ErrInvalidPublicKey)
	}

	r := &Ratchet{
		state:    StateEstablished,
		suite:    cfg.Suite,
		role:     cfg.Role,
		rootKey:  cfg.RootKey,
		skipped:  make(map[skippedKey][]byte),
		localKEM: cfg.LocalKEM,
		peerKEM:  cfg.PeerKEM,
		now:      time.Now,
	}
	if err := r.keyChains(); err != nil {
		return nil, err
	}
	r.lastStep = r.now()
	return r, nil
}

// keyChains derives both directional chains from the current root key.
// Callers hold r.mu (or the ratchet is not yet shared).
func (r *Ratchet) keyChains() error {
	ic, rc, is, rs, err := crypto.DeriveChainKeys(r.rootKey)
	if err != nil {
		return err
	}

	// The initiator flow always carries the send direction bit, regardless
	// of which peer is sealing, so both sides derive identical nonces.
	initiator := &chain{key: ic, seed: is, dir: crypto.DirectionSend}
	responder := &chain{key: rc, seed: rs, dir: crypto.DirectionReceive}

	if r.role == hybrid.RoleInitiator {
		r.send, r.recv = initiator, responder
	} else {
		r.send, r.recv = responder, initiator
	}
	return nil
}

// Suite returns the cipher suite fixed at construction.
func (r *Ratchet) Suite() constants.CipherSuite {
	return r.suite
}

// Epoch returns the current PQ ratchet epoch.
func (r *Ratchet) Epoch() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.epoch
}

// State returns the current lifecycle state.
func (r *Ratchet) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Encrypt seals plaintext under the next send-chain message key. The
// returned Message carries the epoch and counter the receiver needs; aad is
// authenticated but not transmitted.
func (r *Ratchet) Encrypt(plaintext, aad []byte) (*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateEstablished {
		return nil, verrors.ErrRatchetClosed
	}

	messageKey, counter, err := r.send.advance()
	if err != nil {
		return nil, err
	}
	defer crypto.Zeroize(messageKey)

	cipher, err := crypto.NewChunkCipher(r.suite, messageKey)
	if err != nil {
		return nil, err
	}

	ct, err := cipher.Seal(counter, r.send.seed, r.send.dir, plaintext, aad)
	if err != nil {
		return nil, err
	}

	r.sinceStep++
	return &Message{Epoch: r.epoch, Counter: counter, Ciphertext: ct}, nil
}

// Decrypt opens a sealed message, tolerating reordering within the retained
// key window. A failed authentication returns ErrDecryptionFailed and leaves
// the ratchet state untouched, so the sender can be asked to resend.
func (r *Ratchet) Decrypt(msg *Message, aad []byte) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateEstablished {
		return nil, verrors.ErrRatchetClosed
	}
	if msg == nil {
		return nil, verrors.ErrInvalidMessage
	}

	switch msg.Epoch {
	case r.epoch:
		return r.decryptOnChain(r.recv, msg, aad)
	case r.prevEpoch:
		if r.prevRecv != nil {
			return r.decryptOnChain(r.prevRecv, msg, aad)
		}
	}
	// Unknown epoch. Either far in the past or a step we never applied.
	return nil, verrors.ErrRatchetDesync
}

func (r *Ratchet) decryptOnChain(c *chain, msg *Message, aad []byte) ([]byte, error) {
	sk := skippedKey{epoch: msg.Epoch, counter: msg.Counter}

	if msg.Counter >= c.counter {
		// Advance the chain to cover this counter, stashing every derived
		// key. Keys are consumed only after authentication succeeds, so a
		// forged message cannot burn a counter position.
		gap := msg.Counter - c.counter
		if gap >= constants.MaxSkippedKeys || len(r.skipped)+int(gap)+1 > constants.MaxSkippedKeys {
			return nil, verrors.ErrRatchetDesync
		}
		for c.counter <= msg.Counter {
			mk, n, err := c.advance()
			if err != nil {
				return nil, err
			}
			r.skipped[skippedKey{epoch: msg.Epoch, counter: n}] = mk
		}
	}

	messageKey, ok := r.skipped[sk]
	if !ok {
		// Behind the chain with no stashed key: already consumed.
		return nil, verrors.ErrKeyConsumed
	}

	cipher, err := crypto.NewChunkCipher(r.suite, messageKey)
	if err != nil {
		return nil, err
	}

	plaintext, err := cipher.Open(msg.Counter, c.seed, c.dir, msg.Ciphertext, aad)
	if err != nil {
		// The stashed key survives so the genuine message still decrypts.
		return nil, err
	}

	crypto.Zeroize(messageKey)
	delete(r.skipped, sk)
	return plaintext, nil
}

// NeedsStep reports whether this side should initiate a PQ ratchet step.
// Only the initiator role drives steps; with a single driver the two peers
// can never race conflicting epochs.
func (r *Ratchet) NeedsStep() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateEstablished || r.role != hybrid.RoleInitiator || r.pendingSecret != nil {
		return false
	}
	return r.sinceStep >= constants.PQRekeyMessageInterval ||
		r.now().Sub(r.lastStep) >= constants.PQRekeyTimeInterval
}

// PrepareStep builds the driving side of a PQ ratchet step without touching
// the chains: it encapsulates against the peer's ratchet key and returns the
// StepMessage, which the caller seals for the peer under the CURRENT epoch.
// CommitStep then applies the prepared step locally. Only one step may be
// pending at a time.
func (r *Ratchet) PrepareStep() (*StepMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateEstablished {
		return nil, verrors.ErrRatchetClosed
	}
	if r.role != hybrid.RoleInitiator {
		return nil, verrors.NewProtocolError("ratchet-step", verrors.ErrInvalidState)
	}
	if r.pendingSecret != nil {
		return nil, verrors.NewProtocolError("ratchet-step", verrors.ErrInvalidState)
	}

	ct, pqSecret, err := crypto.MLKEMEncapsulate(r.peerKEM)
	if err != nil {
		return nil, err
	}

	nextKEM, err := crypto.GenerateMLKEMKeyPair()
	if err != nil {
		crypto.Zeroize(pqSecret)
		return nil, err
	}

	r.pendingSecret = pqSecret
	r.pendingKEM = nextKEM

	return &StepMessage{
		Epoch:         r.epoch + 1,
		Encapsulation: ct,
		NextPublicKey: nextKEM.PublicKeyBytes(),
	}, nil
}

// CommitStep applies a step prepared by PrepareStep, entering the new epoch.
// Call it after the StepMessage has been sealed for the peer.
func (r *Ratchet) CommitStep() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateEstablished {
		return verrors.ErrRatchetClosed
	}
	if r.pendingSecret == nil {
		return verrors.NewProtocolError("ratchet-step", verrors.ErrInvalidState)
	}

	err := r.applyStepLocked(r.pendingSecret)
	crypto.Zeroize(r.pendingSecret)
	r.pendingSecret = nil
	if err != nil {
		r.pendingKEM = nil
		return err
	}

	r.localKEM.Zeroize()
	r.localKEM = r.pendingKEM
	r.pendingKEM = nil
	return nil
}

// InitiateStep prepares and immediately commits a PQ step. Valid when the
// step message can be delivered out of band or the old epoch needs no
// further sends.
func (r *Ratchet) InitiateStep() (*StepMessage, error) {
	step, err := r.PrepareStep()
	if err != nil {
		return nil, err
	}
	if err := r.CommitStep(); err != nil {
		return nil, err
	}
	return step, nil
}

// ApplyStep performs the receiving side of a PQ ratchet step.
func (r *Ratchet) ApplyStep(step *StepMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateEstablished {
		return verrors.ErrRatchetClosed
	}
	if step == nil {
		return verrors.ErrInvalidMessage
	}
	if step.Epoch != r.epoch+1 {
		return verrors.ErrRatchetDesync
	}

	pqSecret, err := crypto.MLKEMDecapsulate(r.localKEM.DecapsulationKey, step.Encapsulation)
	if err != nil {
		return err
	}
	defer crypto.Zeroize(pqSecret)

	nextPeer, err := crypto.ParseMLKEMPublicKey(step.NextPublicKey)
	if err != nil {
		return err
	}

	if err := r.applyStepLocked(pqSecret); err != nil {
		return err
	}
	r.peerKEM = nextPeer
	return nil
}

// applyStepLocked mixes a fresh PQ secret into the root key and rekeys both
// chains for the next epoch. The outgoing receive chain is retained for one
// epoch so in-flight traffic still decrypts. Callers hold r.mu.
func (r *Ratchet) applyStepLocked(pqSecret []byte) error {
	mixed, err := crypto.MixRootKey(r.rootKey, pqSecret)
	if err != nil {
		return err
	}

	crypto.Zeroize(r.rootKey)
	r.rootKey = mixed

	if r.prevRecv != nil {
		crypto.Zeroize(r.prevRecv.key)
	}
	r.prevRecv = r.recv
	r.prevEpoch = r.epoch

	oldSend := r.send
	if err := r.keyChains(); err != nil {
		return err
	}
	crypto.Zeroize(oldSend.key)

	// Skipped keys from epochs older than the retained one are gone for
	// good.
	for k, v := range r.skipped {
		if k.epoch != r.prevEpoch {
			crypto.Zeroize(v)
			delete(r.skipped, k)
		}
	}

	r.epoch++
	r.sinceStep = 0
	r.lastStep = r.now()
	return nil
}

// SkippedKeyCount returns the number of retained out-of-order message keys.
func (r *Ratchet) SkippedKeyCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.skipped)
}

// Close zeroizes all key material. Terminal; every subsequent operation
// returns ErrRatchetClosed.
func (r *Ratchet) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateClosed {
		return
	}
	r.state = StateClosed

	crypto.Zeroize(r.rootKey)
	if r.send != nil {
		crypto.Zeroize(r.send.key)
	}
	if r.recv != nil {
		crypto.Zeroize(r.recv.key)
	}
	if r.prevRecv != nil {
		crypto.Zeroize(r.prevRecv.key)
	}
	for k, v := range r.skipped {
		crypto.Zeroize(v)
		delete(r.skipped, k)
	}
	if r.localKEM != nil {
		r.localKEM.Zeroize()
	}
	if r.pendingSecret != nil {
		crypto.Zeroize(r.pendingSecret)
		r.pendingSecret = nil
	}
	if r.pendingKEM != nil {
		r.pendingKEM.Zeroize()
		r.pendingKEM = nil
	}
}
