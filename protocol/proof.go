package protocol

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmcleod/hostlink/crypto"
)

// ErrMalformedProof is returned when a proof decrypts but its payload is
// not exactly the expected shape.
var ErrMalformedProof = errors.New("malformed proof payload")

// ErrUnconfirmed is returned when a resume result does not carry a
// confirmation sealed under the session key for the proof that was sent.
var ErrUnconfirmed = errors.New("resume result not confirmed by host")

// Proof is the resumption proof as sent on the wire. Both fields are
// base64 in JSON.
type Proof struct {
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// ProofPayload is the plaintext sealed inside a Proof. Timestamp is epoch
// milliseconds. A nil Challenge is omitted from the wire form.
type ProofPayload struct {
	Timestamp int64   `json:"timestamp"`
	Challenge *string `json:"challenge,omitempty"`
}

// Time returns the payload timestamp.
func (p ProofPayload) Time() time.Time {
	return time.UnixMilli(p.Timestamp)
}

// SealProof seals payload under the session key.
func SealProof(key []byte, payload ProofPayload) (Proof, error) {
	plain, err := json.Marshal(payload)
	if err != nil {
		return Proof{}, fmt.Errorf("encoding proof payload: %w", err)
	}
	nonce, ct, err := crypto.Seal(plain, key)
	if err != nil {
		return Proof{}, err
	}
	return Proof{Nonce: nonce, Ciphertext: ct}, nil
}

// NewProof seals a proof that echoes challenge and is stamped with now.
func NewProof(key []byte, challenge string, now time.Time) (Proof, error) {
	return SealProof(key, ProofPayload{Timestamp: now.UnixMilli(), Challenge: &challenge})
}

// wireProofPayload makes timestamp mandatory when decoding.
type wireProofPayload struct {
	Timestamp *int64  `json:"timestamp"`
	Challenge *string `json:"challenge,omitempty"`
}

// OpenProof decrypts p with key. Decryption failures return
// crypto.ErrDecrypt; a payload with unknown fields, a missing timestamp or
// trailing data returns ErrMalformedProof.
func OpenProof(p Proof, key []byte) (ProofPayload, error) {
	plain, err := crypto.Open(p.Nonce, p.Ciphertext, key)
	if err != nil {
		return ProofPayload{}, err
	}
	var w wireProofPayload
	if err := decodeStrict(plain, &w); err != nil {
		return ProofPayload{}, fmt.Errorf("%w: %v", ErrMalformedProof, err)
	}
	if w.Timestamp == nil {
		return ProofPayload{}, fmt.Errorf("%w: missing timestamp", ErrMalformedProof)
	}
	return ProofPayload{Timestamp: *w.Timestamp, Challenge: w.Challenge}, nil
}

// NewConfirmation seals the nonce of the accepted proof back under the
// session key, showing the client that the answering host holds the key.
func NewConfirmation(key []byte, accepted Proof, now time.Time) (Proof, error) {
	echo := hex.EncodeToString(accepted.Nonce)
	return SealProof(key, ProofPayload{Timestamp: now.UnixMilli(), Challenge: &echo})
}

// VerifyConfirmation checks that c was sealed under key and echoes the nonce
// of sent. Any failure returns ErrUnconfirmed.
func VerifyConfirmation(key []byte, sent Proof, c *Proof) error {
	if c == nil {
		return fmt.Errorf("%w: missing confirmation", ErrUnconfirmed)
	}
	payload, err := OpenProof(*c, key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnconfirmed, err)
	}
	if payload.Challenge == nil || *payload.Challenge != hex.EncodeToString(sent.Nonce) {
		return fmt.Errorf("%w: nonce mismatch", ErrUnconfirmed)
	}
	return nil
}
