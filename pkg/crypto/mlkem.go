// mlkem.go wraps the ML-KEM-1024 key encapsulation mechanism.
//
// ML-KEM (NIST FIPS 203) bases its security on the Module Learning With
// Errors problem. ML-KEM-1024 provides NIST Category 5 security, equivalent
// to AES-256 against quantum adversaries.
package crypto

import (
	"github.com/cloudflare/circl/kem/mlkem/mlkem1024"

	"github.com/veilsend/veilsend/internal/constants"
	verrors "github.com/veilsend/veilsend/internal/errors"
)

// MLKEMPublicKey wraps an ML-KEM-1024 encapsulation key
type MLKEMPublicKey struct {
	key *mlkem1024.PublicKey
}

// MLKEMPrivateKey wraps an ML-KEM-1024 decapsulation key
type MLKEMPrivateKey struct {
	key *mlkem1024.PrivateKey
}

// MLKEMKeyPair represents an ML-KEM-1024 key pair for post-quantum key
// encapsulation.
type MLKEMKeyPair struct {
	// EncapsulationKey is the public key used by peers to encapsulate secrets
	EncapsulationKey *MLKEMPublicKey

	// DecapsulationKey is the private key used to decapsulate secrets
	DecapsulationKey *MLKEMPrivateKey
}

// GenerateMLKEMKeyPair generates a new ML-KEM-1024 key pair.
// Returns an error only if the system's CSPRNG fails.
func GenerateMLKEMKeyPair() (*MLKEMKeyPair, error) {
	pk, sk, err := mlkem1024.GenerateKeyPair(Reader)
	if err != nil {
		return nil, verrors.NewCryptoError("MLKEMKeyPair.Generate", err)
	}

	return &MLKEMKeyPair{
		EncapsulationKey: &MLKEMPublicKey{key: pk},
		DecapsulationKey: &MLKEMPrivateKey{key: sk},
	}, nil
}

// MLKEMEncapsulate performs key encapsulation against a peer's public key.
//
// Returns:
//   - ciphertext: the encapsulated ciphertext (1568 bytes)
//   - sharedSecret: the shared secret (32 bytes)
//   - error: non-nil if the key is invalid or the CSPRNG fails
func MLKEMEncapsulate(ek *MLKEMPublicKey) (ciphertext, sharedSecret []byte, err error) {
	if ek == nil || ek.key == nil {
		return nil, nil, verrors.ErrInvalidPublicKey
	}

	ct := make([]byte, mlkem1024.CiphertextSize)
	ss := make([]byte, mlkem1024.SharedKeySize)

	seed := make([]byte, mlkem1024.EncapsulationSeedSize)
	if err := SecureRandom(seed); err != nil {
		return nil, nil, verrors.NewCryptoError("MLKEMEncapsulate", err)
	}

	ek.key.EncapsulateTo(ct, ss, seed)

	return ct, ss, nil
}

// MLKEMDecapsulate recovers the shared secret from a ciphertext.
//
// Decapsulation uses the Fujisaki-Okamoto transform with implicit rejection:
// a malformed-but-well-sized ciphertext yields a random-looking secret rather
// than a distinguishable failure. Length validation happens here; semantic
// failure surfaces later as an authentication failure.
func MLKEMDecapsulate(dk *MLKEMPrivateKey, ciphertext []byte) ([]byte, error) {
	if dk == nil || dk.key == nil {
		return nil, verrors.ErrInvalidPrivateKey
	}

	if len(ciphertext) != constants.MLKEMCiphertextSize {
		return nil, verrors.ErrInvalidCiphertext
	}

	ss := make([]byte, mlkem1024.SharedKeySize)
	dk.key.DecapsulateTo(ss, ciphertext)

	return ss, nil
}

// Bytes returns the encoded bytes of the public key.
func (pk *MLKEMPublicKey) Bytes() []byte {
	if pk == nil || pk.key == nil {
		return nil
	}
	buf := make([]byte, mlkem1024.PublicKeySize)
	pk.key.Pack(buf)
	return buf
}

// PublicKeyBytes returns the encoded bytes of the encapsulation key.
func (kp *MLKEMKeyPair) PublicKeyBytes() []byte {
	return kp.EncapsulationKey.Bytes()
}

// PrivateKeyBytes returns the encoded bytes of the decapsulation key.
// Warning: this exposes the secret key material.
func (kp *MLKEMKeyPair) PrivateKeyBytes() []byte {
	if kp.DecapsulationKey == nil || kp.DecapsulationKey.key == nil {
		return nil
	}
	buf := make([]byte, mlkem1024.PrivateKeySize)
	kp.DecapsulationKey.key.Pack(buf)
	return buf
}

// Public returns the encapsulation key matching this decapsulation key.
func (sk *MLKEMPrivateKey) Public() *MLKEMPublicKey {
	if sk == nil || sk.key == nil {
		return nil
	}
	pk, ok := sk.key.Public().(*mlkem1024.PublicKey)
	if !ok {
		return nil
	}
	return &MLKEMPublicKey{key: pk}
}

// ParseMLKEMPublicKey parses an ML-KEM-1024 public key from its encoded form.
func ParseMLKEMPublicKey(data []byte) (*MLKEMPublicKey, error) {
	if len(data) != constants.MLKEMPublicKeySize {
		return nil, verrors.ErrInvalidPublicKey
	}

	pk := new(mlkem1024.PublicKey)
	if err := pk.Unpack(data); err != nil {
		return nil, verrors.NewCryptoError("ParseMLKEMPublicKey", err)
	}

	return &MLKEMPublicKey{key: pk}, nil
}

// ParseMLKEMPrivateKey parses an ML-KEM-1024 private key from its encoded form.
func ParseMLKEMPrivateKey(data []byte) (*MLKEMPrivateKey, error) {
	if len(data) != constants.MLKEMPrivateKeySize {
		return nil, verrors.ErrInvalidPrivateKey
	}

	sk := new(mlkem1024.PrivateKey)
	if err := sk.Unpack(data); err != nil {
		return nil, verrors.NewCryptoError("ParseMLKEMPrivateKey", err)
	}

	return &MLKEMPrivateKey{key: sk}, nil
}

// Zeroize drops references to the private key material.
// CIRCL does not expose direct zeroization of the unpacked key.
func (kp *MLKEMKeyPair) Zeroize() {
	kp.DecapsulationKey = nil
	kp.EncapsulationKey = nil
}
