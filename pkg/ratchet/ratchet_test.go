package ratchet

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/veilsend/veilsend/internal/constants"
	verrors "github.com/veilsend/veilsend/internal/errors"
	"github.com/veilsend/veilsend/pkg/crypto"
	"github.com/veilsend/veilsend/pkg/hybrid"
)

// newPair builds two ratchets keyed from the same root, one per role, with
// paired PQ ratchet keys.
func newPair(t *testing.T) (initiator, responder *Ratchet) {
	t.Helper()

	root := crypto.MustSecureRandomBytes(constants.HybridSharedSecretSize)

	iKEM, err := crypto.GenerateMLKEMKeyPair()
	if err != nil {
		t.Fatalf("GenerateMLKEMKeyPair() error = %v", err)
	}
	rKEM, err := crypto.GenerateMLKEMKeyPair()
	if err != nil {
		t.Fatalf("GenerateMLKEMKeyPair() error = %v", err)
	}

	initiator, err = New(Config{
		RootKey:  append([]byte(nil), root...),
		Role:     hybrid.RoleInitiator,
		Suite:    constants.CipherSuiteChaCha20Poly1305,
		LocalKEM: iKEM,
		PeerKEM:  rKEM.EncapsulationKey,
	})
	if err != nil {
		t.Fatalf("New(initiator) error = %v", err)
	}

	responder, err = New(Config{
		RootKey:  append([]byte(nil), root...),
		Role:     hybrid.RoleResponder,
		Suite:    constants.CipherSuiteChaCha20Poly1305,
		LocalKEM: rKEM,
		PeerKEM:  iKEM.EncapsulationKey,
	})
	if err != nil {
		t.Fatalf("New(responder) error = %v", err)
	}

	t.Cleanup(func() {
		initiator.Close()
		responder.Close()
	})
	return initiator, responder
}

func TestEncryptDecryptBothDirections(t *testing.T) {
	a, b := newPair(t)

	msg, err := a.Encrypt([]byte("hello from initiator"), nil)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	pt, err := b.Decrypt(msg, nil)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if string(pt) != "hello from initiator" {
		t.Errorf("plaintext = %q", pt)
	}

	msg, err = b.Encrypt([]byte("hello from responder"), nil)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	pt, err = a.Decrypt(msg, nil)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if string(pt) != "hello from responder" {
		t.Errorf("plaintext = %q", pt)
	}
}

func TestDistinctCiphertextsPerMessage(t *testing.T) {
	a, b := newPair(t)

	m1, err := a.Encrypt([]byte("same plaintext"), nil)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	m2, err := a.Encrypt([]byte("same plaintext"), nil)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if bytes.Equal(m1.Ciphertext, m2.Ciphertext) {
		t.Error("identical plaintexts produced identical ciphertexts")
	}
	if m2.Counter != m1.Counter+1 {
		t.Errorf("counters = %d, %d; want consecutive", m1.Counter, m2.Counter)
	}

	for _, m := range []*Message{m1, m2} {
		if _, err := b.Decrypt(m, nil); err != nil {
			t.Fatalf("Decrypt() error = %v", err)
		}
	}
}

func TestOutOfOrderDelivery(t *testing.T) {
	a, b := newPair(t)

	var msgs []*Message
	for i := 0; i < 5; i++ {
		m, err := a.Encrypt([]byte{byte(i)}, nil)
		if err != nil {
			t.Fatalf("Encrypt() error = %v", err)
		}
		msgs = append(msgs, m)
	}

	// Deliver in reverse.
	for i := 4; i >= 0; i-- {
		pt, err := b.Decrypt(msgs[i], nil)
		if err != nil {
			t.Fatalf("Decrypt(msg %d) error = %v", i, err)
		}
		if pt[0] != byte(i) {
			t.Errorf("plaintext = %d, want %d", pt[0], i)
		}
	}

	if n := b.SkippedKeyCount(); n != 0 {
		t.Errorf("skipped keys remaining = %d, want 0", n)
	}
}

func TestReplayReturnsKeyConsumed(t *testing.T) {
	a, b := newPair(t)

	m, err := a.Encrypt([]byte("once"), nil)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if _, err := b.Decrypt(m, nil); err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if _, err := b.Decrypt(m, nil); !verrors.Is(err, verrors.ErrKeyConsumed) {
		t.Errorf("error = %v, want ErrKeyConsumed", err)
	}
}

func TestTamperedMessageLeavesStateIntact(t *testing.T) {
	a, b := newPair(t)

	m, err := a.Encrypt([]byte("payload"), nil)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	forged := &Message{
		Epoch:      m.Epoch,
		Counter:    m.Counter,
		Ciphertext: append([]byte(nil), m.Ciphertext...),
	}
	forged.Ciphertext[len(forged.Ciphertext)-1] ^= 0x01

	if _, err := b.Decrypt(forged, nil); !verrors.Is(err, verrors.ErrDecryptionFailed) {
		t.Fatalf("error = %v, want ErrDecryptionFailed", err)
	}

	// The genuine message must still decrypt after the forgery.
	pt, err := b.Decrypt(m, nil)
	if err != nil {
		t.Fatalf("Decrypt() after forgery error = %v", err)
	}
	if string(pt) != "payload" {
		t.Errorf("plaintext = %q", pt)
	}
}

func TestDesyncBeyondSkipWindow(t *testing.T) {
	a, b := newPair(t)

	m, err := a.Encrypt([]byte("x"), nil)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	far := &Message{Epoch: m.Epoch, Counter: m.Counter + constants.MaxSkippedKeys + 10, Ciphertext: m.Ciphertext}
	if _, err := b.Decrypt(far, nil); !verrors.Is(err, verrors.ErrRatchetDesync) {
		t.Fatalf("error = %v, want ErrRatchetDesync", err)
	}

	// The session survives a desync.
	if _, err := b.Decrypt(m, nil); err != nil {
		t.Errorf("Decrypt() after desync error = %v", err)
	}
}

func TestPQStepAfterMessageInterval(t *testing.T) {
	a, b := newPair(t)

	payload := []byte("bulk message")
	for i := 0; i < constants.PQRekeyMessageInterval; i++ {
		m, err := a.Encrypt(payload, nil)
		if err != nil {
			t.Fatalf("Encrypt(%d) error = %v", i, err)
		}
		if _, err := b.Decrypt(m, nil); err != nil {
			t.Fatalf("Decrypt(%d) error = %v", i, err)
		}
	}

	if !a.NeedsStep() {
		t.Fatal("initiator should need a PQ step after the message interval")
	}
	if b.NeedsStep() {
		t.Error("responder must never drive PQ steps")
	}

	step, err := a.InitiateStep()
	if err != nil {
		t.Fatalf("InitiateStep() error = %v", err)
	}
	if step.Epoch != 1 {
		t.Errorf("step epoch = %d, want 1", step.Epoch)
	}
	if err := b.ApplyStep(step); err != nil {
		t.Fatalf("ApplyStep() error = %v", err)
	}

	if a.Epoch() != 1 || b.Epoch() != 1 {
		t.Errorf("epochs = %d, %d; want 1, 1", a.Epoch(), b.Epoch())
	}
	if a.NeedsStep() {
		t.Error("step counter did not reset")
	}

	// Traffic flows in the new epoch, both directions.
	m, err := a.Encrypt([]byte("post-step"), nil)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if m.Epoch != 1 {
		t.Errorf("message epoch = %d, want 1", m.Epoch)
	}
	if _, err := b.Decrypt(m, nil); err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	m, err = b.Encrypt([]byte("reply"), nil)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if _, err := a.Decrypt(m, nil); err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
}

func TestPQStepTimeInterval(t *testing.T) {
	a, _ := newPair(t)

	if a.NeedsStep() {
		t.Fatal("fresh ratchet should not need a step")
	}

	base := time.Now()
	a.now = func() time.Time { return base.Add(constants.PQRekeyTimeInterval + time.Second) }

	if !a.NeedsStep() {
		t.Error("expected time-based step after the rekey interval")
	}
}

func TestInFlightMessageAcrossStep(t *testing.T) {
	a, b := newPair(t)

	// Responder seals before applying the step; initiator must still
	// decrypt it from the retained previous-epoch chain.
	inFlight, err := b.Encrypt([]byte("sealed in epoch 0"), nil)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	step, err := a.InitiateStep()
	if err != nil {
		t.Fatalf("InitiateStep() error = %v", err)
	}
	if err := b.ApplyStep(step); err != nil {
		t.Fatalf("ApplyStep() error = %v", err)
	}

	pt, err := a.Decrypt(inFlight, nil)
	if err != nil {
		t.Fatalf("Decrypt() of pre-step message error = %v", err)
	}
	if string(pt) != "sealed in epoch 0" {
		t.Errorf("plaintext = %q", pt)
	}
}

func TestApplyStepWrongEpoch(t *testing.T) {
	a, b := newPair(t)

	step, err := a.InitiateStep()
	if err != nil {
		t.Fatalf("InitiateStep() error = %v", err)
	}

	stale := &StepMessage{Epoch: step.Epoch + 5, Encapsulation: step.Encapsulation, NextPublicKey: step.NextPublicKey}
	if err := b.ApplyStep(stale); !verrors.Is(err, verrors.ErrRatchetDesync) {
		t.Errorf("error = %v, want ErrRatchetDesync", err)
	}
}

func TestSuccessiveSteps(t *testing.T) {
	a, b := newPair(t)

	for epoch := 1; epoch <= 3; epoch++ {
		step, err := a.InitiateStep()
		if err != nil {
			t.Fatalf("InitiateStep(epoch %d) error = %v", epoch, err)
		}
		if err := b.ApplyStep(step); err != nil {
			t.Fatalf("ApplyStep(epoch %d) error = %v", epoch, err)
		}

		m, err := a.Encrypt([]byte(fmt.Sprintf("epoch %d", epoch)), nil)
		if err != nil {
			t.Fatalf("Encrypt() error = %v", err)
		}
		if _, err := b.Decrypt(m, nil); err != nil {
			t.Fatalf("Decrypt() error = %v", err)
		}
	}
}

func TestClosedRatchetRejectsEverything(t *testing.T) {
	a, b := newPair(t)

	m, err := a.Encrypt([]byte("x"), nil)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	b.Close()
	if _, err := b.Decrypt(m, nil); !verrors.Is(err, verrors.ErrRatchetClosed) {
		t.Errorf("Decrypt error = %v, want ErrRatchetClosed", err)
	}

	a.Close()
	if _, err := a.Encrypt([]byte("y"), nil); !verrors.Is(err, verrors.ErrRatchetClosed) {
		t.Errorf("Encrypt error = %v, want ErrRatchetClosed", err)
	}
	if _, err := a.InitiateStep(); !verrors.Is(err, verrors.ErrRatchetClosed) {
		t.Errorf("InitiateStep error = %v, want ErrRatchetClosed", err)
	}

	// Close is idempotent.
	a.Close()
}

func TestAADBinding(t *testing.T) {
	a, b := newPair(t)

	m, err := a.Encrypt([]byte("payload"), []byte("header-a"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if _, err := b.Decrypt(m, []byte("header-b")); !verrors.Is(err, verrors.ErrDecryptionFailed) {
		t.Fatalf("error = %v, want ErrDecryptionFailed", err)
	}
	if _, err := b.Decrypt(m, []byte("header-a")); err != nil {
		t.Fatalf("Decrypt() with correct aad error = %v", err)
	}
}
