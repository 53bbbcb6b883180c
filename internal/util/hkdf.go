package util

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDFKeyLength is the size of every key this package derives.
const HKDFKeyLength = 32

// DeriveKey expands secret into a purpose-bound 32-byte key (HKDF-SHA256).
func DeriveKey(secret, salt []byte, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, salt, []byte(info))
	k := make([]byte, HKDFKeyLength)
	if _, err := io.ReadFull(r, k); err != nil {
		return nil, fmt.Errorf("reading from HKDF: %w", err)
	}
	return k, nil
}
