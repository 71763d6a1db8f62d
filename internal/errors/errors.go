// Package errors defines custom error types for the veilsend transfer core.
// These errors provide detailed information for debugging while maintaining
// security by not leaking sensitive information in error messages.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for key material and handshake operations
var (
	// ErrInvalidKeySize indicates that a key has an incorrect size
	ErrInvalidKeySize = errors.New("hybrid: invalid key size")

	// ErrInvalidPublicKey indicates that a public key is malformed
	ErrInvalidPublicKey = errors.New("hybrid: invalid public key")

	// ErrInvalidPrivateKey indicates that a private key is malformed
	ErrInvalidPrivateKey = errors.New("hybrid: invalid private key")

	// ErrInvalidCiphertext indicates that a KEM ciphertext is malformed
	ErrInvalidCiphertext = errors.New("hybrid: invalid ciphertext")

	// ErrHandshakeFailed indicates the handshake was rejected; no session is
	// created and the handshake is never silently retried with stale material
	ErrHandshakeFailed = errors.New("session: handshake failed")

	// ErrIdenticalKeys indicates both peers presented the same static public
	// key, which makes role derivation impossible
	ErrIdenticalKeys = errors.New("session: identical static public keys")
)

// Sentinel errors for ratchet and AEAD operations
var (
	// ErrRatchetDesync indicates the receive counter is beyond the retained
	// key window; the message is dropped but the session survives
	ErrRatchetDesync = errors.New("ratchet: receive counter outside retained window")

	// ErrRatchetClosed indicates the ratchet has been closed and zeroized
	ErrRatchetClosed = errors.New("ratchet: closed")

	// ErrKeyConsumed indicates a retained message key was already used
	ErrKeyConsumed = errors.New("ratchet: message key already consumed")

	// ErrDecryptionFailed indicates AEAD tag verification failed; the chunk
	// must be re-requested from the sender, never retried with the same bytes
	ErrDecryptionFailed = errors.New("cipher: decryption failed")

	// ErrInvalidNonce indicates the nonce size is incorrect
	ErrInvalidNonce = errors.New("cipher: invalid nonce size")

	// ErrCiphertextTooShort indicates ciphertext is too short to be valid
	ErrCiphertextTooShort = errors.New("cipher: ciphertext too short")

	// ErrNonceExhausted indicates the counter space is exhausted for the
	// current key; a rekey is required before further sends
	ErrNonceExhausted = errors.New("cipher: nonce space exhausted, rekey required")

	// ErrUnsupportedCipherSuite indicates an unsupported cipher suite tag
	ErrUnsupportedCipherSuite = errors.New("cipher: unsupported cipher suite")
)

// Sentinel errors for wire protocol operations
var (
	// ErrInvalidMessage indicates a wire message is malformed
	ErrInvalidMessage = errors.New("wire: invalid message")

	// ErrUnsupportedVersion indicates an unsupported protocol version
	ErrUnsupportedVersion = errors.New("wire: unsupported version")

	// ErrMessageTooLarge indicates a message exceeds the maximum size
	ErrMessageTooLarge = errors.New("wire: message too large")
)

// Sentinel errors for transfer operations
var (
	// ErrTransportFailure indicates the byte-stream transport failed; the
	// transfer pauses and retries with bounded exponential backoff
	ErrTransportFailure = errors.New("transfer: transport failure")

	// ErrTransferStalled indicates repeated failures on one chunk index
	// survived a connection-quality re-probe
	ErrTransferStalled = errors.New("transfer: stalled")

	// ErrChunkOutOfRange indicates a chunk index beyond the job's range
	ErrChunkOutOfRange = errors.New("transfer: chunk index out of range")

	// ErrContentHashMismatch indicates a chunk's content hash did not match
	ErrContentHashMismatch = errors.New("transfer: content hash mismatch")

	// ErrInvalidTransition indicates a disallowed job state transition
	ErrInvalidTransition = errors.New("transfer: invalid state transition")

	// ErrTransferClosed indicates the transfer engine has shut down
	ErrTransferClosed = errors.New("transfer: engine closed")
)

// Sentinel errors for IPC and worker pool operations
var (
	// ErrTimeout indicates a request was abandoned locally; the remote side
	// may still be computing (no cessation guarantee at this layer)
	ErrTimeout = errors.New("ipc: request timed out")

	// ErrCapacityExceeded indicates the pending-request table is full; the
	// caller must retry later
	ErrCapacityExceeded = errors.New("ipc: pending request capacity exceeded")

	// ErrWorkerFault indicates an internal worker failure; the pool restarts
	// the worker and requeues its tasks transparently
	ErrWorkerFault = errors.New("pool: worker fault")

	// ErrPoolClosed indicates the pool has been shut down
	ErrPoolClosed = errors.New("pool: closed")

	// ErrInvalidState indicates an operation in the wrong lifecycle state
	ErrInvalidState = errors.New("veilsend: invalid state")
)

// ReducedSecurityNotice reports that an execution path could not reproduce a
// primitive at full strength. It is surfaced explicitly, never logged and
// swallowed.
type ReducedSecurityNotice struct {
	Primitive string // e.g. "argon2id"
	Detail    string
}

func (n *ReducedSecurityNotice) Error() string {
	return fmt.Sprintf("reduced security: %s: %s", n.Primitive, n.Detail)
}

// CryptoError wraps a cryptographic error with operation context
type CryptoError struct {
	Op  string // Operation that failed
	Err error  // Underlying error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CryptoError) Unwrap() error {
	return e.Err
}

// NewCryptoError creates a new CryptoError
func NewCryptoError(op string, err error) *CryptoError {
	return &CryptoError{Op: op, Err: err}
}

// ProtocolError wraps a protocol error with phase context
type ProtocolError struct {
	Phase string // Protocol phase (e.g., "handshake", "transfer")
	Err   error  // Underlying error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol %s: %v", e.Phase, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// NewProtocolError creates a new ProtocolError
func NewProtocolError(phase string, err error) *ProtocolError {
	return &ProtocolError{Phase: phase, Err: err}
}

// TaskError wraps a worker task failure with its correlation id.
type TaskError struct {
	TaskID string
	Err    error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s: %v", e.TaskID, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// NewTaskError creates a new TaskError
func NewTaskError(taskID string, err error) *TaskError {
	return &TaskError{TaskID: taskID, Err: err}
}

// Is reports whether any error in err's chain matches target.
// This is a convenience wrapper around errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
// This is a convenience wrapper around errors.As.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
