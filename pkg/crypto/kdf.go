// kdf.go implements key derivation using SHAKE-256 (FIPS 202).
//
// SHAKE-256 is an extendable-output function based on the Keccak sponge
// construction. Every derivation here is domain-separated and every input is
// length-prefixed with a 4-byte big-endian integer so concatenated inputs
// parse unambiguously.
//
// The same construction serves three roles:
//   - combining the hybrid shared secrets:
//     K = SHAKE-256(K_x25519 || K_mlkem || transcript, 256)
//   - the one-way chain advance of the symmetric-key ratchet
//   - deriving per-message keys and per-direction nonce seeds
package crypto

import (
	"encoding/binary"

	"golang.org/x/crypto/sha3"

	"github.com/veilsend/veilsend/internal/constants"
	verrors "github.com/veilsend/veilsend/internal/errors"
)

// DeriveKey derives output keying material using SHAKE-256 with domain
// separation.
//
// The derivation follows the construction:
//
//	output = SHAKE-256(
//	    len(domain) || domain ||
//	    len(input) || input,
//	    outputLen)
func DeriveKey(domain string, input []byte, outputLen int) ([]byte, error) {
	if outputLen <= 0 || outputLen > 1<<20 { // Max 1MB
		return nil, verrors.NewCryptoError("DeriveKey", verrors.ErrInvalidKeySize)
	}

	h := sha3.NewShake256()
	lenBuf := make([]byte, 4)

	domainBytes := []byte(domain)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(domainBytes)))
	h.Write(lenBuf)
	h.Write(domainBytes)

	binary.BigEndian.PutUint32(lenBuf, uint32(len(input)))
	h.Write(lenBuf)
	h.Write(input)

	output := make([]byte, outputLen)
	_, _ = h.Read(output) // SHAKE256.Read never fails

	return output, nil
}

// DeriveKeyMultiple derives output keying material from multiple inputs with
// domain separation. The input count and each input are length-prefixed.
func DeriveKeyMultiple(domain string, inputs [][]byte, outputLen int) ([]byte, error) {
	if outputLen <= 0 || outputLen > 1<<20 {
		return nil, verrors.NewCryptoError("DeriveKeyMultiple", verrors.ErrInvalidKeySize)
	}

	h := sha3.NewShake256()
	lenBuf := make([]byte, 4)

	domainBytes := []byte(domain)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(domainBytes)))
	h.Write(lenBuf)
	h.Write(domainBytes)

	binary.BigEndian.PutUint32(lenBuf, uint32(len(inputs)))
	h.Write(lenBuf)

	for _, input := range inputs {
		binary.BigEndian.PutUint32(lenBuf, uint32(len(input)))
		h.Write(lenBuf)
		h.Write(input)
	}

	output := make([]byte, outputLen)
	_, _ = h.Read(output)

	return output, nil
}

// TranscriptHash computes a SHA3-256 hash binding an ordered list of
// handshake components. Changing any component changes the hash, preventing
// transcript manipulation.
func TranscriptHash(components ...[]byte) []byte {
	h := sha3.New256()
	lenBuf := make([]byte, 4)

	binary.BigEndian.PutUint32(lenBuf, uint32(len(components)))
	h.Write(lenBuf)

	for _, component := range components {
		binary.BigEndian.PutUint32(lenBuf, uint32(len(component)))
		h.Write(lenBuf)
		h.Write(component)
	}

	return h.Sum(nil)
}

// ContentHash computes the SHA3-256 content hash of a chunk's plaintext.
// This integrity checkpoint is distinct from the AEAD tag: it survives
// re-encryption and anchors the whole-file manifest hash.
func ContentHash(data []byte) []byte {
	h := sha3.New256()
	h.Write(data)
	return h.Sum(nil)
}

// DeriveHybridSecret derives the final session secret for the hybrid
// exchange:
//
//	K = SHAKE-256(K_x25519 || K_mlkem || transcript_hash, 256)
//
// If EITHER X25519 OR ML-KEM remains secure, the output is computationally
// indistinguishable from random.
func DeriveHybridSecret(x25519Secret, mlkemSecret, transcriptHash []byte) ([]byte, error) {
	if len(x25519Secret) != constants.X25519SharedSecretSize {
		return nil, verrors.NewCryptoError("DeriveHybridSecret", verrors.ErrInvalidKeySize)
	}
	if len(mlkemSecret) != constants.MLKEMSharedSecretSize {
		return nil, verrors.NewCryptoError("DeriveHybridSecret", verrors.ErrInvalidKeySize)
	}
	if len(transcriptHash) != constants.TranscriptHashSize {
		return nil, verrors.NewCryptoError("DeriveHybridSecret", verrors.ErrInvalidKeySize)
	}

	return DeriveKeyMultiple(
		constants.DomainSeparatorHybrid,
		[][]byte{x25519Secret, mlkemSecret, transcriptHash},
		constants.HybridSharedSecretSize,
	)
}

// DeriveChainKeys derives the initial send and receive chain keys plus the
// per-direction nonce seeds from a root key. The initiator's send chain is
// the responder's receive chain and vice versa; the caller swaps by role.
func DeriveChainKeys(rootKey []byte) (initiatorChain, responderChain, initiatorSeed, responderSeed []byte, err error) {
	if len(rootKey) != constants.HybridSharedSecretSize {
		return nil, nil, nil, nil, verrors.NewCryptoError("DeriveChainKeys", verrors.ErrInvalidKeySize)
	}

	material, err := DeriveKey(
		constants.DomainSeparatorChains,
		rootKey,
		2*constants.AEADKeySize+2*constants.NonceSeedSize,
	)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	offset := 0
	initiatorChain = material[offset : offset+constants.AEADKeySize]
	offset += constants.AEADKeySize
	responderChain = material[offset : offset+constants.AEADKeySize]
	offset += constants.AEADKeySize
	initiatorSeed = material[offset : offset+constants.NonceSeedSize]
	offset += constants.NonceSeedSize
	responderSeed = material[offset : offset+constants.NonceSeedSize]

	return initiatorChain, responderChain, initiatorSeed, responderSeed, nil
}

// AdvanceChain performs the one-way symmetric-key ratchet step, returning the
// next chain key and the message key for the current position. The previous
// chain key must be discarded by the caller once this returns (forward
// secrecy).
func AdvanceChain(chainKey []byte) (nextChain, messageKey []byte, err error) {
	if len(chainKey) != constants.AEADKeySize {
		return nil, nil, verrors.NewCryptoError("AdvanceChain", verrors.ErrInvalidKeySize)
	}

	nextChain, err = DeriveKey(constants.DomainSeparatorChainAdvance, chainKey, constants.AEADKeySize)
	if err != nil {
		return nil, nil, err
	}
	messageKey, err = DeriveKey(constants.DomainSeparatorMessageKey, chainKey, constants.AEADKeySize)
	if err != nil {
		return nil, nil, err
	}

	return nextChain, messageKey, nil
}

// MixRootKey folds a fresh PQ-encapsulated secret into the root key:
//
//	root' = SHAKE-256(root || pqSecret, 256)
//
// Both chain keys are re-derived from root' by the ratchet after a mix.
func MixRootKey(rootKey, pqSecret []byte) ([]byte, error) {
	if len(rootKey) != constants.HybridSharedSecretSize {
		return nil, verrors.NewCryptoError("MixRootKey", verrors.ErrInvalidKeySize)
	}
	if len(pqSecret) != constants.MLKEMSharedSecretSize {
		return nil, verrors.NewCryptoError("MixRootKey", verrors.ErrInvalidKeySize)
	}

	return DeriveKeyMultiple(
		constants.DomainSeparatorRootMix,
		[][]byte{rootKey, pqSecret},
		constants.HybridSharedSecretSize,
	)
}
