package storage

import (
	"fmt"

	"github.com/jmcleod/hostlink/internal/util"
)

const (
	envelopeVersion = 1
	schemeAESGCM    = "aes256gcm"
	gcmNonceSize    = 12
)

// Envelope is a record sealed with AES-256-GCM.
type Envelope struct {
	Ver        int    `json:"ver"`
	Scheme     string `json:"scheme"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// Clone returns a deep copy of e.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	return &Envelope{
		Ver:        e.Ver,
		Scheme:     e.Scheme,
		Nonce:      util.CopyBytes(e.Nonce),
		Ciphertext: util.CopyBytes(e.Ciphertext),
	}
}

// SealRecord encrypts plaintext under recordKey, binding it to aad. Callers
// use aad to tie a record to its identity so envelopes cannot be swapped
// between keys in the backend.
func SealRecord(recordKey, plaintext, aad []byte) (*Envelope, error) {
	sealed, err := util.EncryptAESWithAAD(plaintext, recordKey, aad)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Ver:        envelopeVersion,
		Scheme:     schemeAESGCM,
		Nonce:      sealed[:gcmNonceSize],
		Ciphertext: sealed[gcmNonceSize:],
	}, nil
}

// OpenRecord decrypts envelope with recordKey and aad.
func OpenRecord(recordKey []byte, envelope *Envelope, aad []byte) ([]byte, error) {
	if envelope == nil {
		return nil, fmt.Errorf("nil envelope")
	}
	if envelope.Ver != envelopeVersion {
		return nil, fmt.Errorf("unsupported envelope version: %d", envelope.Ver)
	}
	if envelope.Scheme != schemeAESGCM {
		return nil, fmt.Errorf("unsupported envelope scheme: %s", envelope.Scheme)
	}
	sealed := make([]byte, 0, len(envelope.Nonce)+len(envelope.Ciphertext))
	sealed = append(sealed, envelope.Nonce...)
	sealed = append(sealed, envelope.Ciphertext...)
	return util.DecryptAESWithAAD(sealed, recordKey, aad)
}
