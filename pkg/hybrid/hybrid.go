// Package hybrid implements the combined X25519 + ML-KEM-1024 key exchange.
//
// The construction KEM-combines both primitives: an X25519 ephemeral
// Diffie-Hellman and an ML-KEM-1024 encapsulation against the peer's static
// keys, with the two shared secrets bound together through SHAKE-256 along
// with a transcript hash of all public values. The session secret remains
// secure if EITHER primitive remains unbroken.
//
// Wire layout of a public key: X25519 public key (32 bytes) followed by the
// ML-KEM-1024 encapsulation key (1568 bytes). Ciphertext: X25519 ephemeral
// public key (32 bytes) followed by the ML-KEM ciphertext (1568 bytes).
package hybrid

import (
	"bytes"

	"github.com/veilsend/veilsend/internal/constants"
	verrors "github.com/veilsend/veilsend/internal/errors"
	"github.com/veilsend/veilsend/pkg/crypto"
)

// Role is the deterministic session role derived from static key comparison.
type Role int

const (
	// RoleInitiator owns the initiator send chain.
	RoleInitiator Role = iota

	// RoleResponder owns the responder send chain.
	RoleResponder
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

// PublicKey is the public half of a hybrid key pair.
type PublicKey struct {
	x25519 []byte
	mlkem  *crypto.MLKEMPublicKey
}

// KeyPair holds both halves of a hybrid key pair.
type KeyPair struct {
	Public *PublicKey

	x25519 *crypto.X25519KeyPair
	mlkem  *crypto.MLKEMKeyPair
}

// Ciphertext is the encapsulation output sent to the key pair owner.
type Ciphertext struct {
	ephemeralX25519 []byte
	mlkemCiphertext []byte
}

// GenerateKeyPair generates a fresh hybrid key pair.
func GenerateKeyPair() (*KeyPair, error) {
	xkp, err := crypto.GenerateX25519KeyPair()
	if err != nil {
		return nil, err
	}
	mkp, err := crypto.GenerateMLKEMKeyPair()
	if err != nil {
		xkp.Zeroize()
		return nil, err
	}

	return &KeyPair{
		Public: &PublicKey{
			x25519: xkp.PublicKeyBytes(),
			mlkem:  mkp.EncapsulationKey,
		},
		x25519: xkp,
		mlkem:  mkp,
	}, nil
}

// NewKeyPairFromSecrets reconstructs a key pair from stored private key
// material, as produced by PrivateBytes. Used when loading a persisted
// identity.
func NewKeyPairFromSecrets(x25519Private, mlkemPrivate []byte) (*KeyPair, error) {
	xkp, err := crypto.NewX25519KeyPairFromBytes(x25519Private)
	if err != nil {
		return nil, err
	}
	mdk, err := crypto.ParseMLKEMPrivateKey(mlkemPrivate)
	if err != nil {
		xkp.Zeroize()
		return nil, err
	}
	mkp := &crypto.MLKEMKeyPair{
		EncapsulationKey: mdk.Public(),
		DecapsulationKey: mdk,
	}

	return &KeyPair{
		Public: &PublicKey{
			x25519: xkp.PublicKeyBytes(),
			mlkem:  mkp.EncapsulationKey,
		},
		x25519: xkp,
		mlkem:  mkp,
	}, nil
}

// Bytes serializes the public key for the wire.
func (pk *PublicKey) Bytes() []byte {
	out := make([]byte, 0, constants.HybridPublicKeySize)
	out = append(out, pk.x25519...)
	out = append(out, pk.mlkem.Bytes()...)
	return out
}

// Fingerprint returns the 32-byte fingerprint of the public key, a
// domain-separated SHAKE-256 digest of its wire form. Fingerprints are what
// users compare out of band to authenticate a peer.
func (pk *PublicKey) Fingerprint() []byte {
	out, _ := crypto.DeriveKey(constants.DomainSeparatorFingerprint, pk.Bytes(), constants.KDFOutputSize)
	return out
}

// Equal reports whether two public keys are identical.
func (pk *PublicKey) Equal(other *PublicKey) bool {
	return bytes.Equal(pk.Bytes(), other.Bytes())
}

// ParsePublicKey deserializes a hybrid public key from the wire.
func ParsePublicKey(data []byte) (*PublicKey, error) {
	if len(data) != constants.HybridPublicKeySize {
		return nil, verrors.NewCryptoError("ParsePublicKey", verrors.ErrInvalidPublicKey)
	}

	xpub := make([]byte, constants.X25519PublicKeySize)
	copy(xpub, data[:constants.X25519PublicKeySize])

	// Validate the X25519 point eagerly so malformed keys fail at parse
	// time, not mid-handshake.
	if _, err := crypto.ParseX25519PublicKey(xpub); err != nil {
		return nil, err
	}

	mpub, err := crypto.ParseMLKEMPublicKey(data[constants.X25519PublicKeySize:])
	if err != nil {
		return nil, err
	}

	return &PublicKey{x25519: xpub, mlkem: mpub}, nil
}

// PrivateBytes returns the two private key components for persistence. The
// caller owns the returned slices and must zeroize them after use.
func (kp *KeyPair) PrivateBytes() (x25519Private, mlkemPrivate []byte) {
	return kp.x25519.PrivateKeyBytes(), kp.mlkem.PrivateKeyBytes()
}

// Zeroize destroys the private key material.
func (kp *KeyPair) Zeroize() {
	if kp.x25519 != nil {
		kp.x25519.Zeroize()
	}
	if kp.mlkem != nil {
		kp.mlkem.Zeroize()
	}
}

// Bytes serializes the ciphertext for the wire.
func (ct *Ciphertext) Bytes() []byte {
	out := make([]byte, 0, constants.HybridCiphertextSize)
	out = append(out, ct.ephemeralX25519...)
	out = append(out, ct.mlkemCiphertext...)
	return out
}

// ParseCiphertext deserializes a hybrid ciphertext from the wire.
func ParseCiphertext(data []byte) (*Ciphertext, error) {
	if len(data) != constants.HybridCiphertextSize {
		return nil, verrors.NewCryptoError("ParseCiphertext", verrors.ErrInvalidCiphertext)
	}

	eph := make([]byte, constants.X25519PublicKeySize)
	copy(eph, data[:constants.X25519PublicKeySize])
	mct := make([]byte, constants.MLKEMCiphertextSize)
	copy(mct, data[constants.X25519PublicKeySize:])

	return &Ciphertext{ephemeralX25519: eph, mlkemCiphertext: mct}, nil
}

// Encapsulate performs the sender side of the hybrid exchange against the
// peer's public key. It generates an ephemeral X25519 key, encapsulates
// against the peer's ML-KEM key, and derives the combined secret:
//
//	K = SHAKE-256(K_x25519 || K_mlkem || H(transcript), 256)
//
// The transcript binds the peer's public key and the full ciphertext, so a
// tampered handshake produces a different key that fails the first AEAD
// check rather than a usable session.
func Encapsulate(peerPublic *PublicKey) (*Ciphertext, []byte, error) {
	eph, err := crypto.GenerateX25519KeyPair()
	if err != nil {
		return nil, nil, err
	}
	defer eph.Zeroize()

	peerX, err := crypto.ParseX25519PublicKey(peerPublic.x25519)
	if err != nil {
		return nil, nil, err
	}

	xSecret, err := crypto.X25519(eph.PrivateKey, peerX)
	if err != nil {
		return nil, nil, err
	}
	defer crypto.Zeroize(xSecret)

	mct, mSecret, err := crypto.MLKEMEncapsulate(peerPublic.mlkem)
	if err != nil {
		return nil, nil, err
	}
	defer crypto.Zeroize(mSecret)

	ct := &Ciphertext{
		ephemeralX25519: eph.PublicKeyBytes(),
		mlkemCiphertext: mct,
	}

	transcript := crypto.TranscriptHash(peerPublic.Bytes(), ct.Bytes())
	shared, err := crypto.DeriveHybridSecret(xSecret, mSecret, transcript)
	if err != nil {
		return nil, nil, err
	}

	return ct, shared, nil
}

// Decapsulate performs the receiver side of the hybrid exchange, recovering
// the same combined secret from the ciphertext using the key pair's private
// halves.
func Decapsulate(kp *KeyPair, ct *Ciphertext) ([]byte, error) {
	ephPub, err := crypto.ParseX25519PublicKey(ct.ephemeralX25519)
	if err != nil {
		return nil, err
	}

	xSecret, err := crypto.X25519(kp.x25519.PrivateKey, ephPub)
	if err != nil {
		return nil, err
	}
	defer crypto.Zeroize(xSecret)

	mSecret, err := crypto.MLKEMDecapsulate(kp.mlkem.DecapsulationKey, ct.mlkemCiphertext)
	if err != nil {
		return nil, err
	}
	defer crypto.Zeroize(mSecret)

	transcript := crypto.TranscriptHash(kp.Public.Bytes(), ct.Bytes())
	return crypto.DeriveHybridSecret(xSecret, mSecret, transcript)
}

// DeriveRole determines the deterministic session role from the two static
// public keys. The peer with the lexicographically smaller serialized key is
// the initiator. Identical keys make role derivation impossible and reject
// the handshake.
func DeriveRole(local, peer *PublicKey) (Role, error) {
	cmp := bytes.Compare(local.Bytes(), peer.Bytes())
	switch {
	case cmp < 0:
		return RoleInitiator, nil
	case cmp > 0:
		return RoleResponder, nil
	default:
		return 0, verrors.NewProtocolError("handshake", verrors.ErrIdenticalKeys)
	}
}
