// Package constants defines security parameters and protocol constants for the
// veilsend encrypted file-transfer core.
//
// Security Level: NIST Category 5 for the post-quantum component (ML-KEM-1024)
// combined with X25519 for classical defense in depth.
package constants

import "time"

// Protocol version and identification
const (
	// ProtocolVersion is the current version of the veilsend wire protocol
	ProtocolVersion uint16 = 0x0001

	// ProtocolName is used for domain separation in key derivation
	ProtocolName = "veilsend-v1"
)

// ML-KEM-1024 Parameters (NIST FIPS 203)
const (
	// MLKEMPublicKeySize is the size of ML-KEM-1024 encapsulation key in bytes
	MLKEMPublicKeySize = 1568

	// MLKEMPrivateKeySize is the size of ML-KEM-1024 decapsulation key in bytes
	MLKEMPrivateKeySize = 3168

	// MLKEMCiphertextSize is the size of ML-KEM-1024 ciphertext in bytes
	MLKEMCiphertextSize = 1568

	// MLKEMSharedSecretSize is the size of the shared secret from ML-KEM in bytes
	MLKEMSharedSecretSize = 32
)

// X25519 Parameters (RFC 7748)
const (
	// X25519PublicKeySize is the size of X25519 public key in bytes
	X25519PublicKeySize = 32

	// X25519PrivateKeySize is the size of X25519 private key in bytes
	X25519PrivateKeySize = 32

	// X25519SharedSecretSize is the size of the X25519 shared secret in bytes
	X25519SharedSecretSize = 32
)

// Symmetric Encryption Parameters
const (
	// AEADKeySize is the key size for both supported cipher suites in bytes
	AEADKeySize = 32

	// AEADNonceSize is the nonce size for both supported cipher suites (96 bits)
	AEADNonceSize = 12

	// AEADTagSize is the authentication tag size in bytes (128 bits)
	AEADTagSize = 16

	// NonceSeedSize is the size of the per-direction nonce seed in bytes
	NonceSeedSize = 4
)

// Key Derivation Parameters (SHAKE-256)
const (
	// KDFOutputSize is the default output size for key derivation in bytes
	KDFOutputSize = 32

	// TranscriptHashSize is the size of the handshake transcript hash in bytes
	TranscriptHashSize = 32

	// ContentHashSize is the size of per-chunk content hashes in bytes
	ContentHashSize = 32

	// DomainSeparatorHybrid is used when combining KEM and DH shared secrets
	DomainSeparatorHybrid = "veilsend-v1-hybrid-secret"

	// DomainSeparatorChains is used when deriving initial chain keys
	DomainSeparatorChains = "veilsend-v1-chains"

	// DomainSeparatorChainAdvance is used for the symmetric-key ratchet step
	DomainSeparatorChainAdvance = "veilsend-v1-chain-advance"

	// DomainSeparatorMessageKey is used when deriving per-message keys
	DomainSeparatorMessageKey = "veilsend-v1-message-key"

	// DomainSeparatorRootMix is used when mixing a PQ rekey secret into the root
	DomainSeparatorRootMix = "veilsend-v1-root-mix"

	// DomainSeparatorNonceSeed is used when deriving per-direction nonce seeds
	DomainSeparatorNonceSeed = "veilsend-v1-nonce-seed"

	// DomainSeparatorFingerprint is used when hashing identity public keys
	DomainSeparatorFingerprint = "veilsend-v1-fingerprint"
)

// Hybrid key exchange sizes (combined X25519 + ML-KEM components)
const (
	// HybridPublicKeySize is the combined size of X25519 + ML-KEM-1024 public keys
	HybridPublicKeySize = X25519PublicKeySize + MLKEMPublicKeySize

	// HybridCiphertextSize is the combined size of X25519 ephemeral public + ML-KEM ciphertext
	HybridCiphertextSize = X25519PublicKeySize + MLKEMCiphertextSize

	// HybridSharedSecretSize is the size of the final derived shared secret
	HybridSharedSecretSize = 32
)

// Ratchet parameters
const (
	// PQRekeyMessageInterval is K: a PQ ratchet step is initiated every K
	// messages on the sending chain
	PQRekeyMessageInterval = 500

	// PQRekeyTimeInterval is T: a PQ ratchet step is initiated after this much
	// time even if fewer than K messages were exchanged
	PQRekeyTimeInterval = 15 * time.Minute

	// MaxSkippedKeys bounds retained historical receive keys for reordering
	// tolerance; receive counters beyond this window are a desync
	MaxSkippedKeys = 1024

	// MaxMessagesPerChain caps messages under one chain key before nonce
	// exhaustion forces a rekey
	MaxMessagesPerChain = 1 << 28
)

// Session parameters
const (
	// SessionIDSize is the size of session identifiers in bytes
	SessionIDSize = 16
)

// Transfer parameters
const (
	// MinChunkSize is the smallest chunk the adaptive sizer will choose
	MinChunkSize = 64 * 1024

	// DefaultChunkSize is the initial chunk size before throughput is observed
	DefaultChunkSize = 256 * 1024

	// MaxChunkSize is the largest chunk the adaptive sizer will choose
	MaxChunkSize = 4 * 1024 * 1024

	// DefaultWindowSize is the default receiver-advertised in-flight chunk cap
	DefaultWindowSize = 32

	// MaxChunkRetries is the number of consecutive failures on one chunk
	// index before a connection-quality re-probe and TransferStalled
	MaxChunkRetries = 3

	// TransportRetryBase is the initial backoff after a transport failure
	TransportRetryBase = 250 * time.Millisecond

	// TransportRetryCap bounds the exponential transport backoff
	TransportRetryCap = 30 * time.Second

	// MaxTransportRetries bounds retry attempts before a transfer is Failed
	MaxTransportRetries = 8
)

// IPC parameters
const (
	// MaxPendingRequests bounds outstanding correlated requests; new requests
	// beyond this fail immediately with ErrCapacityExceeded
	MaxPendingRequests = 256

	// DefaultTaskTimeout is the per-request timeout when none is set
	DefaultTaskTimeout = 30 * time.Second
)

// Worker pool parameters
const (
	// MinWorkers is the floor on pool size regardless of hardware parallelism
	MinWorkers = 2

	// WorkerErrorThreshold is the consecutive error count that triggers
	// drain-and-swap replacement of a worker
	WorkerErrorThreshold = 3

	// WorkerDrainTimeout bounds the wait for in-flight work during replacement
	WorkerDrainTimeout = 10 * time.Second
)

// Wire message size limits
const (
	// MaxMessageSize is the maximum size of a single wire message
	MaxMessageSize = MaxChunkSize + 4096

	// MinSealedSize is the minimum size of a valid sealed payload
	MinSealedSize = AEADTagSize + 1
)

// CipherSuite identifies the AEAD construction fixed at handshake time.
// It is selected once per Session and carried as a tag on the Session,
// never re-resolved per call.
type CipherSuite uint16

const (
	// CipherSuiteAES256GCM uses AES-256-GCM for chunk and chat encryption
	CipherSuiteAES256GCM CipherSuite = 0x0001

	// CipherSuiteChaCha20Poly1305 uses ChaCha20-Poly1305 for chunk and chat encryption
	CipherSuiteChaCha20Poly1305 CipherSuite = 0x0002
)

// String returns a human-readable name for the cipher suite
func (cs CipherSuite) String() string {
	switch cs {
	case CipherSuiteAES256GCM:
		return "AES-256-GCM"
	case CipherSuiteChaCha20Poly1305:
		return "ChaCha20-Poly1305"
	default:
		return "Unknown"
	}
}

// IsSupported returns true if the cipher suite is supported
func (cs CipherSuite) IsSupported() bool {
	return cs == CipherSuiteAES256GCM || cs == CipherSuiteChaCha20Poly1305
}

// Argon2id floor parameters for identity-at-rest encryption. Any execution
// path that cannot meet these must surface a reduced-security notice rather
// than silently downgrading.
const (
	ArgonTimeFloor    = 3
	ArgonMemoryFloor  = 64 * 1024 // KiB
	ArgonThreadsFloor = 1
	ArgonSaltSize     = 16
)
