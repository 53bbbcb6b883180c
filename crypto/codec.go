// Package crypto is the symmetric channel codec shared by hosts and clients.
//
// Payloads are sealed with XSalsa20-Poly1305 (NaCl secretbox) under a
// 32-byte per-session key. Every call to Seal draws a fresh 24-byte nonce
// from the system CSPRNG; with 192-bit nonces random generation is safe for
// the lifetime of a session key.
package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/jmcleod/hostlink/internal/util"
)

const (
	// KeySize is the length of a session key.
	KeySize = 32
	// NonceSize is the length of a secretbox nonce.
	NonceSize = 24
)

// ErrDecrypt is the only error Open returns. Wrong key, tampered ciphertext
// and malformed nonce are deliberately indistinguishable.
var ErrDecrypt = errors.New("decryption failed")

// Seal encrypts plaintext under key and returns the nonce and ciphertext.
func Seal(plaintext, key []byte) (nonce, ciphertext []byte, err error) {
	var k [KeySize]byte
	if len(key) != KeySize {
		return nil, nil, fmt.Errorf("invalid session key size: got %d, want %d", len(key), KeySize)
	}
	copy(k[:], key)
	defer util.WipeBytes(k[:])

	var n [NonceSize]byte
	if _, err := rand.Read(n[:]); err != nil {
		return nil, nil, fmt.Errorf("generating nonce: %w", err)
	}
	ciphertext = secretbox.Seal(nil, plaintext, &n, &k)
	return n[:], ciphertext, nil
}

// Open authenticates and decrypts ciphertext.
func Open(nonce, ciphertext, key []byte) ([]byte, error) {
	if len(key) != KeySize || len(nonce) != NonceSize || len(ciphertext) < secretbox.Overhead {
		return nil, ErrDecrypt
	}
	var k [KeySize]byte
	copy(k[:], key)
	defer util.WipeBytes(k[:])

	var n [NonceSize]byte
	copy(n[:], nonce)

	plaintext, ok := secretbox.Open(nil, ciphertext, &n, &k)
	if !ok {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}
