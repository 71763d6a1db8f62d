package identity

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fxamacker/cbor/v2"

	"github.com/veilsend/veilsend/internal/constants"
	verrors "github.com/veilsend/veilsend/internal/errors"
	"github.com/veilsend/veilsend/pkg/crypto"
)

// testArgonParams uses the floor values so tests stay fast.
func testArgonParams() crypto.ArgonParams {
	return crypto.DefaultArgonParams()
}

func TestSaveLoadRoundTrip(t *testing.T) {
	id, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer id.Zeroize()

	path := filepath.Join(t.TempDir(), "identity.vs")
	pass := []byte("correct horse battery staple")
	if err := Save(id, path, pass, testArgonParams()); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path, pass)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	defer loaded.Zeroize()

	if !bytes.Equal(loaded.KeyPair.Public.Bytes(), id.KeyPair.Public.Bytes()) {
		t.Fatal("loaded public key differs from saved")
	}
	if !bytes.Equal(loaded.Fingerprint(), id.Fingerprint()) {
		t.Fatal("loaded fingerprint differs from saved")
	}
}

func TestLoadWrongPassphrase(t *testing.T) {
	id, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer id.Zeroize()

	path := filepath.Join(t.TempDir(), "identity.vs")
	if err := Save(id, path, []byte("right"), testArgonParams()); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if _, err := Load(path, []byte("wrong")); !errors.Is(err, verrors.ErrDecryptionFailed) {
		t.Fatalf("Load(wrong passphrase) error = %v, want ErrDecryptionFailed", err)
	}
}

func TestSaveRejectsEmptyPassphrase(t *testing.T) {
	id, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer id.Zeroize()

	path := filepath.Join(t.TempDir(), "identity.vs")
	if err := Save(id, path, nil, testArgonParams()); err == nil {
		t.Fatal("Save() accepted empty passphrase")
	}
}

func TestReducedParamsSurfaceNotice(t *testing.T) {
	id, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer id.Zeroize()

	weak := crypto.ArgonParams{Time: 1, Memory: 8 * 1024, Threads: 1}
	path := filepath.Join(t.TempDir(), "identity.vs")
	pass := []byte("pass")

	// Save refuses below-floor parameters outright.
	if err := Save(id, path, pass, weak); err == nil {
		t.Fatal("Save() accepted below-floor Argon parameters")
	}

	// A file that was written with weak parameters elsewhere still opens
	// through the reduced path, with the downgrade surfaced.
	if err := saveWithParams(id, path, pass, weak); err != nil {
		t.Fatalf("saveWithParams() error = %v", err)
	}

	if _, err := Load(path, pass); err == nil {
		t.Fatal("Load() opened a below-floor file without a notice")
	}

	loaded, notice, err := LoadReduced(path, pass)
	if err != nil {
		t.Fatalf("LoadReduced() error = %v", err)
	}
	defer loaded.Zeroize()
	if notice == nil {
		t.Fatal("LoadReduced() notice = nil, want reduced-security notice")
	}
	if notice.Primitive != "argon2id" {
		t.Fatalf("notice.Primitive = %q, want argon2id", notice.Primitive)
	}
	if !bytes.Equal(loaded.Fingerprint(), id.Fingerprint()) {
		t.Fatal("reduced load produced a different identity")
	}
}

// saveWithParams writes an identity file with arbitrary Argon parameters,
// standing in for a file produced on a constrained platform.
func saveWithParams(id *Identity, path string, passphrase []byte, params crypto.ArgonParams) error {
	salt := make([]byte, constants.ArgonSaltSize)
	if err := crypto.SecureRandom(salt); err != nil {
		return err
	}
	key, _, err := crypto.DeriveKeyFromPasswordReduced(passphrase, salt, params)
	if err != nil {
		return err
	}
	defer crypto.Zeroize(key)

	x, m := id.KeyPair.PrivateBytes()
	payload, err := cbor.Marshal(&secretPayload{X25519: x, MLKEM: m})
	if err != nil {
		return err
	}

	cipher, err := crypto.NewChunkCipher(constants.CipherSuiteChaCha20Poly1305, key)
	if err != nil {
		return err
	}
	nonce := make([]byte, constants.AEADNonceSize)
	if err := crypto.SecureRandom(nonce); err != nil {
		return err
	}
	ct, err := cipher.SealWithNonce(nonce, payload, identityAAD())
	if err != nil {
		return err
	}

	data, err := cbor.Marshal(&fileEnvelope{
		Version:    fileVersion,
		CreatedAt:  id.CreatedAt,
		Argon:      params,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: ct,
	})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func TestFormatFingerprint(t *testing.T) {
	fp := []byte{0xab, 0x12, 0xcd, 0x34, 0xef}
	got := FormatFingerprint(fp)
	if got != "ab12 cd34 ef" {
		t.Fatalf("FormatFingerprint() = %q", got)
	}
	if strings.ContainsAny(got, "\n\t") {
		t.Fatal("fingerprint contains control characters")
	}
}

func TestDistinctIdentities(t *testing.T) {
	a, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Zeroize()
	b, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer b.Zeroize()

	if bytes.Equal(a.Fingerprint(), b.Fingerprint()) {
		t.Fatal("two fresh identities share a fingerprint")
	}
}
