package util

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

type KeyPair struct {
	Private [32]byte
	Public  [32]byte
}

func GenerateX25519Keypair() (KeyPair, error) {
	var kp KeyPair
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return KeyPair{}, fmt.Errorf("generating X25519 private key: %w", err)
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, fmt.Errorf("computing X25519 public key: %w", err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// SharedSecret returns the raw X25519 output; callers must run it through a KDF.
func SharedSecret(priv, peerPub [32]byte) ([32]byte, error) {
	secret, err := curve25519.X25519(priv[:], peerPub[:])
	if err != nil {
		return [32]byte{}, fmt.Errorf("deriving shared secret: %w", err)
	}
	var res [32]byte
	copy(res[:], secret)
	WipeBytes(secret)
	return res, nil
}
