package session

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/veilsend/veilsend/internal/constants"
	verrors "github.com/veilsend/veilsend/internal/errors"
	"github.com/veilsend/veilsend/pkg/hybrid"
	"github.com/veilsend/veilsend/pkg/metrics"
	"github.com/veilsend/veilsend/pkg/wire"
)

func newIdentity(t *testing.T) *hybrid.KeyPair {
	t.Helper()
	kp, err := hybrid.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	return kp
}

// establish runs a full handshake over an in-memory pipe and returns both
// sessions.
func establish(t *testing.T, dialerCfg, listenerCfg Config) (dialer, listener *Session) {
	t.Helper()

	dConn, lConn := net.Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	type result struct {
		s   *Session
		err error
	}
	ch := make(chan result, 1)
	go func() {
		s, err := Respond(ctx, lConn, listenerCfg)
		ch <- result{s, err}
	}()

	dialer, err := Initiate(ctx, dConn, dialerCfg)
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	res := <-ch
	if res.err != nil {
		t.Fatalf("Respond() error = %v", res.err)
	}
	listener = res.s

	t.Cleanup(func() {
		dialer.Close()
		listener.Close()
	})
	return dialer, listener
}

func quiet() Config {
	return Config{Logger: metrics.NullLogger()}
}

func TestHandshakeEstablishesMatchingSessions(t *testing.T) {
	dCfg, lCfg := quiet(), quiet()
	dCfg.Identity = newIdentity(t)
	lCfg.Identity = newIdentity(t)

	d, l := establish(t, dCfg, lCfg)

	if d.ID() != l.ID() {
		t.Error("session ids differ")
	}
	if d.Suite() != l.Suite() {
		t.Errorf("suites differ: %v vs %v", d.Suite(), l.Suite())
	}
	if d.Role() == l.Role() {
		t.Error("both sides derived the same role")
	}
	if !bytes.Equal(d.PeerFingerprint(), lCfg.Identity.Public.Fingerprint()) {
		t.Error("dialer sees wrong peer fingerprint")
	}
}

func TestSuiteNegotiationHonorsInitiatorPreference(t *testing.T) {
	dCfg, lCfg := quiet(), quiet()
	dCfg.Identity = newIdentity(t)
	lCfg.Identity = newIdentity(t)
	dCfg.Suites = []constants.CipherSuite{constants.CipherSuiteAES256GCM}

	d, l := establish(t, dCfg, lCfg)
	if d.Suite() != constants.CipherSuiteAES256GCM || l.Suite() != constants.CipherSuiteAES256GCM {
		t.Errorf("suites = %v, %v; want AES-256-GCM", d.Suite(), l.Suite())
	}
}

func TestChatBothDirections(t *testing.T) {
	dCfg, lCfg := quiet(), quiet()
	dCfg.Identity = newIdentity(t)
	lCfg.Identity = newIdentity(t)
	d, l := establish(t, dCfg, lCfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() { d.SendChat("hello there") }()
	ev, err := l.Next(ctx)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if ev.Kind != wire.TypeChatText || ev.Chat != "hello there" {
		t.Errorf("event = %+v", ev)
	}

	go func() { l.SendChat("general kenobi") }()
	ev, err = d.Next(ctx)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if ev.Chat != "general kenobi" {
		t.Errorf("chat = %q", ev.Chat)
	}
}

func TestTypingIndicator(t *testing.T) {
	dCfg, lCfg := quiet(), quiet()
	dCfg.Identity = newIdentity(t)
	lCfg.Identity = newIdentity(t)
	d, l := establish(t, dCfg, lCfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() { d.SendTyping(true) }()
	ev, err := l.Next(ctx)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if ev.Kind != wire.TypeTypingIndicator || !ev.Typing {
		t.Errorf("event = %+v", ev)
	}
}

func TestSanitizeText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello", "hello"},
		{"keeps newline and tab", "a\n\tb", "a\n\tb"},
		{"strips escape", "a\x1b[31mred", "a[31mred"},
		{"strips bell and null", "a\x00b\x07c", "abc"},
		{"strips carriage return", "a\r\nb", "a\nb"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeText(tt.in); got != tt.want {
				t.Errorf("SanitizeText(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestIdenticalIdentitiesRejectHandshake(t *testing.T) {
	shared := newIdentity(t)
	dCfg, lCfg := quiet(), quiet()
	dCfg.Identity = shared
	lCfg.Identity = shared

	dConn, lConn := net.Pipe()
	defer dConn.Close()
	defer lConn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dCh := make(chan error, 1)
	go func() {
		_, err := Initiate(ctx, dConn, dCfg)
		dCh <- err
	}()

	_, lErr := Respond(ctx, lConn, lCfg)
	if !verrors.Is(lErr, verrors.ErrIdenticalKeys) {
		t.Errorf("responder error = %v, want ErrIdenticalKeys", lErr)
	}

	// The responder never answers; the initiator sees the transport die.
	lConn.Close()
	if dErr := <-dCh; dErr == nil {
		t.Error("initiator unexpectedly succeeded")
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{}
	if err := cfg.Validate(); err == nil {
		t.Error("nil identity must be rejected")
	}

	cfg = Config{
		Identity: newIdentity(t),
		Suites:   []constants.CipherSuite{constants.CipherSuite(0x0BAD)},
	}
	if err := cfg.Validate(); !verrors.Is(err, verrors.ErrUnsupportedCipherSuite) {
		t.Errorf("error = %v, want ErrUnsupportedCipherSuite", err)
	}
}

func TestCloseIsIdempotentAndFinal(t *testing.T) {
	dCfg, lCfg := quiet(), quiet()
	dCfg.Identity = newIdentity(t)
	lCfg.Identity = newIdentity(t)
	d, _ := establish(t, dCfg, lCfg)

	if err := d.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if err := d.SendChat("too late"); !verrors.Is(err, verrors.ErrRatchetClosed) {
		t.Errorf("error = %v, want ErrRatchetClosed", err)
	}
}

func TestRegistryOneSessionPerPeer(t *testing.T) {
	dCfg, lCfg := quiet(), quiet()
	dCfg.Identity = newIdentity(t)
	lCfg.Identity = newIdentity(t)
	d, l := establish(t, dCfg, lCfg)

	reg := NewRegistry()
	reg.Add(d)
	reg.Add(d)
	if reg.Len() != 1 {
		t.Errorf("len after re-adding same session = %d, want 1", reg.Len())
	}

	// A session to a different peer coexists.
	reg.Add(l)
	if reg.Len() != 2 {
		t.Errorf("len = %d, want 2", reg.Len())
	}

	if got := reg.Get(d.PeerFingerprint()); got != d {
		t.Error("Get returned wrong session")
	}

	reg.Remove(d)
	if reg.Get(d.PeerFingerprint()) != nil {
		t.Error("session still present after Remove")
	}

	reg.CloseAll()
	if reg.Len() != 0 {
		t.Error("CloseAll left sessions behind")
	}
}

func TestRegistryReplacesPriorSession(t *testing.T) {
	dCfg, lCfg := quiet(), quiet()
	dCfg.Identity = newIdentity(t)
	lCfg.Identity = newIdentity(t)
	d1, _ := establish(t, dCfg, lCfg)
	d2, l2 := establish(t, dCfg, lCfg)

	reg := NewRegistry()
	reg.Add(d1)
	reg.Add(d2)

	if reg.Len() != 1 {
		t.Errorf("len = %d, want 1", reg.Len())
	}
	if got := reg.Get(d2.PeerFingerprint()); got != d2 {
		t.Error("new session did not replace the old one")
	}

	// The superseded session is torn down, not merely dropped.
	if err := d1.SendChat("stale"); !verrors.Is(err, verrors.ErrRatchetClosed) {
		t.Errorf("old session SendChat() error = %v, want ErrRatchetClosed", err)
	}
	go func() { l2.Next(context.Background()) }()
	if err := d2.SendChat("fresh"); err != nil {
		t.Errorf("new session SendChat() error = %v", err)
	}
}
