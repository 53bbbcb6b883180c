package crypto

import (
	"fmt"

	"github.com/jmcleod/hostlink/internal/util"
)

// KeyPair holds an X25519 public/private key pair.
type KeyPair = util.KeyPair

const sessionKeyInfo = "hostlink:session-key:v1"

// NewSessionKey returns a fresh random session key.
func NewSessionKey() ([]byte, error) {
	return util.RandomBytes(KeySize)
}

// GenerateKeyPair returns an ephemeral X25519 key pair.
func GenerateKeyPair() (KeyPair, error) {
	return util.GenerateX25519Keypair()
}

// DeriveSessionKey turns an X25519 agreement into a session key. transcript
// binds the key to the handshake that produced it (both sides must pass the
// same bytes); it is used as the HKDF salt.
//
// This is the hand-off point from the password-authenticated exchange: any
// handshake that ends with both sides holding a shared secret can feed it
// here and pass the result to session.Store.CreateSession.
func DeriveSessionKey(priv, peerPub [32]byte, transcript []byte) ([]byte, error) {
	shared, err := util.SharedSecret(priv, peerPub)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(shared[:])

	key, err := util.DeriveKey(shared[:], transcript, sessionKeyInfo)
	if err != nil {
		return nil, fmt.Errorf("deriving session key: %w", err)
	}
	return key, nil
}
