package util

import (
	"fmt"

	"golang.org/x/crypto/argon2"
)

// Argon2idParams configures passphrase stretching for the client keyring.
type Argon2idParams struct {
	Time        uint32 `json:"time"`
	MemoryKiB   uint32 `json:"memory"`
	Parallelism uint8  `json:"parallelism"`
}

// DefaultArgon2idParams follows the RFC 9106 second recommended profile.
func DefaultArgon2idParams() Argon2idParams {
	return Argon2idParams{
		Time:        3,
		MemoryKiB:   64 * 1024,
		Parallelism: 4,
	}
}

// DeriveArgon2idKey stretches passphrase into a 32-byte key.
func DeriveArgon2idKey(passphrase string, salt []byte, params Argon2idParams) ([]byte, error) {
	if len(salt) < 16 {
		return nil, fmt.Errorf("argon2id salt must be at least 16 bytes, got %d", len(salt))
	}
	if params.Time == 0 || params.MemoryKiB == 0 || params.Parallelism == 0 {
		return nil, fmt.Errorf("argon2id parameters must be non-zero")
	}
	return argon2.IDKey([]byte(passphrase), salt, params.Time, params.MemoryKiB, params.Parallelism, AESKeySize), nil
}
