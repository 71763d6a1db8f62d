// password.go derives encryption keys from passphrases using Argon2id
// (RFC 9106) for identity-at-rest protection.
package crypto

import (
	"golang.org/x/crypto/argon2"

	"github.com/veilsend/veilsend/internal/constants"
	verrors "github.com/veilsend/veilsend/internal/errors"
)

// ArgonParams holds the Argon2id cost parameters recorded alongside an
// encrypted identity so the same derivation can be reproduced on load.
type ArgonParams struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
}

// DefaultArgonParams returns the standard cost parameters for new identity
// files.
func DefaultArgonParams() ArgonParams {
	return ArgonParams{
		Time:    constants.ArgonTimeFloor,
		Memory:  constants.ArgonMemoryFloor,
		Threads: 4,
	}
}

// Validate checks the parameters against the security floors. Parameters
// below the floor are rejected; callers on constrained platforms must go
// through DeriveKeyFromPasswordReduced, which surfaces the downgrade instead
// of hiding it.
func (p ArgonParams) Validate() error {
	if p.Time < constants.ArgonTimeFloor {
		return verrors.NewCryptoError("ArgonParams.Validate", verrors.ErrInvalidKeySize)
	}
	if p.Memory < constants.ArgonMemoryFloor {
		return verrors.NewCryptoError("ArgonParams.Validate", verrors.ErrInvalidKeySize)
	}
	if p.Threads < constants.ArgonThreadsFloor {
		return verrors.NewCryptoError("ArgonParams.Validate", verrors.ErrInvalidKeySize)
	}
	return nil
}

// DeriveKeyFromPassword derives a 32-byte AEAD key from a passphrase and
// salt using Argon2id. The salt must be freshly random per identity file.
func DeriveKeyFromPassword(password, salt []byte, params ArgonParams) ([]byte, error) {
	if len(salt) < constants.ArgonSaltSize {
		return nil, verrors.NewCryptoError("DeriveKeyFromPassword", verrors.ErrInvalidKeySize)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	key := argon2.IDKey(password, salt, params.Time, params.Memory, params.Threads, constants.AEADKeySize)
	return key, nil
}

// DeriveKeyFromPasswordReduced derives a key with below-floor parameters and
// returns a ReducedSecurityNotice describing the downgrade. The caller is
// responsible for propagating the notice to the user; the derivation itself
// never silently degrades.
func DeriveKeyFromPasswordReduced(password, salt []byte, params ArgonParams) ([]byte, *verrors.ReducedSecurityNotice, error) {
	if len(salt) < constants.ArgonSaltSize {
		return nil, nil, verrors.NewCryptoError("DeriveKeyFromPasswordReduced", verrors.ErrInvalidKeySize)
	}
	if params.Time == 0 || params.Threads == 0 || params.Memory == 0 {
		return nil, nil, verrors.NewCryptoError("DeriveKeyFromPasswordReduced", verrors.ErrInvalidKeySize)
	}

	var notice *verrors.ReducedSecurityNotice
	if params.Validate() != nil {
		notice = &verrors.ReducedSecurityNotice{
			Primitive: "argon2id",
			Detail:    "key derivation cost below recommended floor",
		}
	}

	key := argon2.IDKey(password, salt, params.Time, params.Memory, params.Threads, constants.AEADKeySize)
	return key, notice, nil
}
