// aead.go implements authenticated encryption for chunk and chat payloads.
//
// Two cipher suites are supported, AES-256-GCM and ChaCha20-Poly1305. The
// suite is fixed once at handshake time and carried as a tag on the cipher;
// it is never re-resolved per call.
//
// Nonces are never random. Each 96-bit nonce is derived from an 8-byte
// big-endian message counter followed by the 4-byte direction seed, with the
// high bit of the first seed byte encoding the direction (0 = sender to
// receiver, 1 = receiver to sender). Uniqueness is structural: the counter
// is strictly monotonic per direction, so no two messages under the same key
// can ever share a nonce.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/veilsend/veilsend/internal/constants"
	verrors "github.com/veilsend/veilsend/internal/errors"
)

// Direction distinguishes the two flows of a session for nonce derivation.
type Direction byte

const (
	// DirectionSend marks traffic from this endpoint to the peer.
	DirectionSend Direction = 0x00

	// DirectionReceive marks traffic from the peer to this endpoint.
	DirectionReceive Direction = 0x80
)

// NonceFor derives the deterministic 96-bit nonce for a message counter,
// direction seed, and direction. The layout is:
//
//	nonce[0:8]  = big-endian counter
//	nonce[8]    = seed[0] XOR direction bit
//	nonce[9:12] = seed[1:4]
func NonceFor(counter uint64, seed []byte, dir Direction) ([]byte, error) {
	if len(seed) != constants.NonceSeedSize {
		return nil, verrors.NewCryptoError("NonceFor", verrors.ErrInvalidNonce)
	}

	nonce := make([]byte, constants.AEADNonceSize)
	binary.BigEndian.PutUint64(nonce[:8], counter)
	nonce[8] = seed[0] ^ byte(dir)
	copy(nonce[9:], seed[1:])
	return nonce, nil
}

// ChunkCipher is a suite-tagged AEAD bound to one message key. It is cheap
// to construct; the ratchet builds a fresh one per message key.
type ChunkCipher struct {
	aead  cipher.AEAD
	suite constants.CipherSuite
}

// NewChunkCipher constructs an AEAD for the given suite and 32-byte key.
func NewChunkCipher(suite constants.CipherSuite, key []byte) (*ChunkCipher, error) {
	if len(key) != constants.AEADKeySize {
		return nil, verrors.NewCryptoError("NewChunkCipher", verrors.ErrInvalidKeySize)
	}

	var aead cipher.AEAD
	var err error

	switch suite {
	case constants.CipherSuiteAES256GCM:
		var block cipher.Block
		block, err = aes.NewCipher(key)
		if err == nil {
			aead, err = cipher.NewGCM(block)
		}
	case constants.CipherSuiteChaCha20Poly1305:
		aead, err = chacha20poly1305.New(key)
	default:
		return nil, verrors.NewCryptoError("NewChunkCipher", verrors.ErrUnsupportedCipherSuite)
	}
	if err != nil {
		return nil, verrors.NewCryptoError("NewChunkCipher", err)
	}

	return &ChunkCipher{aead: aead, suite: suite}, nil
}

// Suite returns the cipher suite this cipher was constructed with.
func (c *ChunkCipher) Suite() constants.CipherSuite {
	return c.suite
}

// Overhead returns the ciphertext expansion in bytes.
func (c *ChunkCipher) Overhead() int {
	return c.aead.Overhead()
}

// Seal encrypts and authenticates plaintext with the nonce derived from
// counter, seed and direction. The associated data is authenticated but not
// encrypted.
func (c *ChunkCipher) Seal(counter uint64, seed []byte, dir Direction, plaintext, aad []byte) ([]byte, error) {
	nonce, err := NonceFor(counter, seed, dir)
	if err != nil {
		return nil, err
	}
	return c.aead.Seal(nil, nonce, plaintext, aad), nil
}

// Open authenticates and decrypts ciphertext. Any failure, wrong key, wrong
// nonce, modified ciphertext or modified associated data, returns
// ErrDecryptionFailed with no plaintext. Callers must treat the payload as
// undecryptable and discard it.
func (c *ChunkCipher) Open(counter uint64, seed []byte, dir Direction, ciphertext, aad []byte) ([]byte, error) {
	if len(ciphertext) < constants.AEADTagSize {
		return nil, verrors.NewCryptoError("Open", verrors.ErrCiphertextTooShort)
	}

	nonce, err := NonceFor(counter, seed, dir)
	if err != nil {
		return nil, err
	}

	plaintext, err := c.aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, verrors.NewCryptoError("Open", verrors.ErrDecryptionFailed)
	}
	return plaintext, nil
}

// SealWithNonce encrypts with an explicit pre-derived nonce. Used by the
// identity store, where the nonce is random and persisted alongside the
// ciphertext rather than counter-derived.
func (c *ChunkCipher) SealWithNonce(nonce, plaintext, aad []byte) ([]byte, error) {
	if len(nonce) != constants.AEADNonceSize {
		return nil, verrors.NewCryptoError("SealWithNonce", verrors.ErrInvalidNonce)
	}
	return c.aead.Seal(nil, nonce, plaintext, aad), nil
}

// OpenWithNonce decrypts with an explicit nonce. See SealWithNonce.
func (c *ChunkCipher) OpenWithNonce(nonce, ciphertext, aad []byte) ([]byte, error) {
	if len(nonce) != constants.AEADNonceSize {
		return nil, verrors.NewCryptoError("OpenWithNonce", verrors.ErrInvalidNonce)
	}
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, verrors.NewCryptoError("OpenWithNonce", verrors.ErrDecryptionFailed)
	}
	return plaintext, nil
}
