package hosts

import (
	"fmt"

	"github.com/awnumar/memguard"

	icrypto "github.com/jmcleod/hostlink/internal/crypto"
	"github.com/jmcleod/hostlink/internal/util"
)

const keyringCheckPlain = "hostlink-keyring"

// Keyring seals session keys at rest under a passphrase-derived key
// (Argon2id). The derived key lives in a memguard Enclave.
type Keyring struct {
	key *memguard.Enclave
}

// NewKeyring derives a keyring key from passphrase and salt.
func NewKeyring(passphrase string, salt []byte, params util.Argon2idParams) (*Keyring, error) {
	k, err := util.DeriveArgon2idKey(passphrase, salt, params)
	if err != nil {
		return nil, fmt.Errorf("deriving keyring key: %w", err)
	}
	return &Keyring{key: memguard.NewEnclave(k)}, nil
}

func (k *Keyring) with(fn func(key []byte) ([]byte, error)) ([]byte, error) {
	lb, err := k.key.Open()
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	defer lb.Destroy()
	return fn(lb.Bytes())
}

// Seal encrypts a session key for the host with the given id.
func (k *Keyring) Seal(hostID string, plaintext []byte) ([]byte, error) {
	return k.with(func(key []byte) ([]byte, error) {
		return util.EncryptAESWithAAD(plaintext, key, icrypto.AADHostSession(hostID))
	})
}

// Open decrypts a session key sealed for hostID.
func (k *Keyring) Open(hostID string, sealed []byte) ([]byte, error) {
	return k.with(func(key []byte) ([]byte, error) {
		return util.DecryptAESWithAAD(sealed, key, icrypto.AADHostSession(hostID))
	})
}

// checkValue produces the verifier stored alongside the salt.
func (k *Keyring) checkValue() ([]byte, error) {
	return k.with(func(key []byte) ([]byte, error) {
		return util.EncryptAESWithAAD([]byte(keyringCheckPlain), key, icrypto.AADKeyringCheck())
	})
}

// verify reports whether check was produced by this keyring.
func (k *Keyring) verify(check []byte) bool {
	plain, err := k.with(func(key []byte) ([]byte, error) {
		return util.DecryptAESWithAAD(check, key, icrypto.AADKeyringCheck())
	})
	return err == nil && string(plain) == keyringCheckPlain
}
