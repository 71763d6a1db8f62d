// Package identity manages long-term hybrid keypairs and their encrypted
// at-rest storage.
//
// An identity file is a CBOR envelope: Argon2id parameters and salt in the
// clear, the private key material sealed under a key derived from the
// owner's passphrase. The cost parameters recorded in the file are checked
// against the security floors on load; files written on constrained
// platforms below the floor only open through the path that surfaces an
// explicit reduced-security notice.
package identity

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/veilsend/veilsend/internal/constants"
	verrors "github.com/veilsend/veilsend/internal/errors"
	"github.com/veilsend/veilsend/pkg/crypto"
	"github.com/veilsend/veilsend/pkg/hybrid"
)

const fileVersion = 1

// Identity is a long-term hybrid keypair.
type Identity struct {
	KeyPair   *hybrid.KeyPair
	CreatedAt time.Time
}

// New generates a fresh identity.
func New() (*Identity, error) {
	kp, err := hybrid.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return &Identity{KeyPair: kp, CreatedAt: time.Now().UTC()}, nil
}

// Fingerprint returns the identity's public key fingerprint.
func (id *Identity) Fingerprint() []byte {
	return id.KeyPair.Public.Fingerprint()
}

// DisplayFingerprint renders the fingerprint as grouped hex for manual
// comparison.
func (id *Identity) DisplayFingerprint() string {
	return FormatFingerprint(id.Fingerprint())
}

// FormatFingerprint groups a fingerprint into four-character hex blocks.
func FormatFingerprint(fp []byte) string {
	h := hex.EncodeToString(fp)
	var b strings.Builder
	for i := 0; i < len(h); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		end := i + 4
		if end > len(h) {
			end = len(h)
		}
		b.WriteString(h[i:end])
	}
	return b.String()
}

// Zeroize wipes the identity's private key material.
func (id *Identity) Zeroize() {
	if id.KeyPair != nil {
		id.KeyPair.Zeroize()
	}
}

// fileEnvelope is the on-disk identity format. The Argon parameters travel
// in the clear so loading can reproduce the derivation.
type fileEnvelope struct {
	Version    uint8              `cbor:"version"`
	CreatedAt  time.Time          `cbor:"created_at"`
	Argon      crypto.ArgonParams `cbor:"argon"`
	Salt       []byte             `cbor:"salt"`
	Nonce      []byte             `cbor:"nonce"`
	Ciphertext []byte             `cbor:"ciphertext"`
}

// secretPayload is the sealed portion of the envelope.
type secretPayload struct {
	X25519 []byte `cbor:"x25519"`
	MLKEM  []byte `cbor:"mlkem"`
}

// identityAAD binds the ciphertext to the file format version.
func identityAAD() []byte {
	return []byte{'v', 's', 'i', 'd', fileVersion}
}

// Save encrypts the identity under passphrase and writes it to path with
// owner-only permissions.
func Save(id *Identity, path string, passphrase []byte, params crypto.ArgonParams) error {
	if len(passphrase) == 0 {
		return verrors.NewCryptoError("identity save", verrors.ErrInvalidKeySize)
	}

	salt := make([]byte, constants.ArgonSaltSize)
	if err := crypto.SecureRandom(salt); err != nil {
		return err
	}
	key, err := crypto.DeriveKeyFromPassword(passphrase, salt, params)
	if err != nil {
		return err
	}
	defer crypto.Zeroize(key)

	x, m := id.KeyPair.PrivateBytes()
	payload, err := cbor.Marshal(&secretPayload{X25519: x, MLKEM: m})
	if err != nil {
		return fmt.Errorf("encoding identity payload: %w", err)
	}
	defer crypto.Zeroize(payload)

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

	env := &fileEnvelope{
		Version:    fileVersion,
		CreatedAt:  id.CreatedAt,
		Argon:      params,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: ct,
	}
	data, err := cbor.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding identity file: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Load opens an identity file. Files recorded with below-floor Argon
// parameters are refused here; LoadReduced is the explicit opt-in.
func Load(path string, passphrase []byte) (*Identity, error) {
	id, notice, err := load(path, passphrase)
	if err != nil {
		return nil, err
	}
	if notice != nil {
		return nil, notice
	}
	return id, nil
}

// LoadReduced opens an identity file, accepting below-floor Argon
// parameters and returning a non-nil notice when they were used.
func LoadReduced(path string, passphrase []byte) (*Identity, *verrors.ReducedSecurityNotice, error) {
	return load(path, passphrase)
}

func load(path string, passphrase []byte) (*Identity, *verrors.ReducedSecurityNotice, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}

	var env fileEnvelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return nil, nil, fmt.Errorf("decoding identity file: %w", err)
	}
	if env.Version != fileVersion {
		return nil, nil, verrors.NewProtocolError("identity load", verrors.ErrInvalidState)
	}

	key, notice, err := crypto.DeriveKeyFromPasswordReduced(passphrase, env.Salt, env.Argon)
	if err != nil {
		return nil, nil, err
	}
	defer crypto.Zeroize(key)

	cipher, err := crypto.NewChunkCipher(constants.CipherSuiteChaCha20Poly1305, key)
	if err != nil {
		return nil, nil, err
	}
	payload, err := cipher.OpenWithNonce(env.Nonce, env.Ciphertext, identityAAD())
	if err != nil {
		if errors.Is(err, verrors.ErrDecryptionFailed) {
			return nil, nil, verrors.NewCryptoError("identity load", verrors.ErrDecryptionFailed)
		}
		return nil, nil, err
	}
	defer crypto.Zeroize(payload)

	var secrets secretPayload
	if err := cbor.Unmarshal(payload, &secrets); err != nil {
		return nil, nil, fmt.Errorf("decoding identity payload: %w", err)
	}
	kp, err := hybrid.NewKeyPairFromSecrets(secrets.X25519, secrets.MLKEM)
	if err != nil {
		return nil, nil, err
	}
	crypto.Zeroize(secrets.X25519)
	crypto.Zeroize(secrets.MLKEM)

	return &Identity{KeyPair: kp, CreatedAt: env.CreatedAt}, notice, nil
}
