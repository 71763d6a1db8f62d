// Package veilsend provides post-quantum end-to-end encrypted file
// transfer and chat.
//
// veilsend combines ML-KEM-1024 (NIST FIPS 203) post-quantum cryptography
// with X25519 classical cryptography in a hybrid handshake, then keeps
// sessions fresh with a triple ratchet that folds periodic ML-KEM rekeys
// into the root key.
//
// # Quick Start
//
// For a complete encrypted session over any byte stream:
//
//	import "github.com/veilsend/veilsend/pkg/session"
//
//	// Dialer
//	sess, _ := session.Initiate(ctx, conn, session.Config{Identity: kp})
//	sess.SendChat("hello")
//
//	// Listener
//	sess, _ := session.Respond(ctx, conn, session.Config{Identity: kp})
//	event, _ := sess.Next(ctx)
//
// For resumable file transfer on top of a session:
//
//	import "github.com/veilsend/veilsend/pkg/transfer"
//
//	sender, _ := transfer.NewSender(transfer.SenderConfig{Link: sess}, path, name)
//	err := sender.Run(ctx)
//
// # Package Structure
//
// The library is organized into several packages:
//
//   - pkg/hybrid: Hybrid ML-KEM-1024 + X25519 key encapsulation
//   - pkg/crypto: Low-level primitives (ML-KEM, X25519, KDF, AEAD, Argon2id)
//   - pkg/ratchet: Triple ratchet with sparse post-quantum rekey
//   - pkg/session: Handshake, sealed framing and per-peer session state
//   - pkg/wire: Wire protocol message definitions and encoding
//   - pkg/transfer: Chunked, resumable, integrity-checked file transfer
//   - pkg/ipc: Correlated request/response/progress/cancel messaging
//   - pkg/pool: Worker pool for CPU-bound protocol work
//   - pkg/signal: Cross-goroutine completion signaling
//   - pkg/identity: Long-term keypairs and encrypted at-rest storage
//   - pkg/metrics: Structured logging, counters and tracing hooks
//   - internal/constants: Security parameters and protocol constants
//   - internal/errors: Custom error types for detailed error handling
//
// # Security Properties
//
// The protocol provides:
//
//   - Post-quantum security: ML-KEM-1024 (NIST Category 5, ~256-bit security)
//   - Classical security: X25519 ECDH (128-bit security)
//   - Hybrid guarantee: Secure if EITHER algorithm is secure
//   - Forward secrecy: Per-message chain keys, zeroized after use
//   - Post-compromise security: Periodic ML-KEM rekeys heal the session
//   - Authenticated encryption: AES-256-GCM or ChaCha20-Poly1305
//   - Integrity checkpoints: Per-chunk SHA3-256 content hashes
//
// # References
//
//   - NIST FIPS 203: Module-Lattice-Based Key-Encapsulation Mechanism Standard
//   - RFC 7748: Elliptic Curves for Security
//   - NIST FIPS 202: SHA-3 Standard (SHAKE-256)
//   - RFC 9106: Argon2 Memory-Hard Function for Password Hashing
package veilsend
