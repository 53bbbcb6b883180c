package protocol

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Version is embedded in every envelope.
const Version = 1

// Subprotocol is negotiated on every relay websocket.
const Subprotocol = "hostlink.relay.v1"

// Type identifies an envelope. Values are wire-stable.
type Type string

const (
	// TypeRegister binds a host link to its relay username (host -> relay).
	TypeRegister Type = "register"
	// TypeRegistered acknowledges a registration (relay -> host).
	TypeRegistered Type = "registered"
	// TypeConnect asks the relay to pair with a host by username (client -> relay).
	TypeConnect Type = "connect"
	// TypeConnected confirms pairing (relay -> client).
	TypeConnected Type = "connected"

	// TypeChallengeRequest asks the host for a fresh resume challenge (client -> host).
	TypeChallengeRequest Type = "challenge_request"
	// TypeChallenge carries the issued challenge (host -> client).
	TypeChallenge Type = "challenge"
	// TypeResume carries a resumption proof (client -> host).
	TypeResume Type = "resume"
	// TypeResumeResult reports the proof verdict (host -> client).
	TypeResumeResult Type = "resume_result"

	// TypePeerClosed tells a host that a paired client went away (relay -> host).
	TypePeerClosed Type = "peer_closed"
	// TypeError reports a failure; ReplyTo names the request it answers.
	TypeError Type = "error"
)

var allowedTypes = map[Type]struct{}{
	TypeRegister:         {},
	TypeRegistered:       {},
	TypeConnect:          {},
	TypeConnected:        {},
	TypeChallengeRequest: {},
	TypeChallenge:        {},
	TypeResume:           {},
	TypeResumeResult:     {},
	TypePeerClosed:       {},
	TypeError:            {},
}

// Forwarded reports whether the relay passes t between a client and its
// host rather than handling it itself.
func (t Type) Forwarded() bool {
	switch t {
	case TypeChallengeRequest, TypeChallenge, TypeResume, TypeResumeResult, TypeError:
		return true
	}
	return false
}

// Envelope is the canonical wire wrapper.
//
// Peer is stamped by the relay: on frames delivered to a host it names the
// client link the frame came from, and hosts echo it back so the relay can
// route the reply.
type Envelope struct {
	V       int             `json:"v"`
	Type    Type            `json:"type"`
	ID      string          `json:"id"`
	ReplyTo string          `json:"reply_to,omitempty"`
	Peer    string          `json:"peer,omitempty"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewID returns a ULID for an envelope.
func NewID(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now), rand.Reader).String()
}

// New builds an envelope of type t with payload marshalled as JSON. A nil
// payload leaves the field empty.
func New(t Type, payload any) (Envelope, error) {
	now := time.Now().UTC()
	env := Envelope{V: Version, Type: t, ID: NewID(now), TS: now}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("encoding %s payload: %w", t, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// Reply builds a response to e: it carries e's ID in ReplyTo and keeps Peer
// so the relay can route it back.
func (e Envelope) Reply(t Type, payload any) (Envelope, error) {
	out, err := New(t, payload)
	if err != nil {
		return Envelope{}, err
	}
	out.ReplyTo = e.ID
	out.Peer = e.Peer
	return out, nil
}

// ErrorReply builds an error envelope answering e.
func (e Envelope) ErrorReply(code, msg string) Envelope {
	out, _ := e.Reply(TypeError, ErrorPayload{Code: code, Message: msg})
	return out
}

// Validate performs structural validation.
func (e Envelope) Validate() error {
	if e.V != Version {
		return fmt.Errorf("invalid protocol version: got=%d want=%d", e.V, Version)
	}
	if e.Type == "" {
		return errors.New("missing type")
	}
	if _, ok := allowedTypes[e.Type]; !ok {
		return fmt.Errorf("unsupported type: %s", e.Type)
	}
	if e.ID == "" {
		return errors.New("missing id")
	}
	if e.TS.IsZero() {
		return errors.New("missing ts")
	}
	return nil
}

// Decode strictly unmarshals the payload into v. Unknown fields are
// rejected.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: missing payload", e.Type)
	}
	return decodeStrict(e.Payload, v)
}

// Marshal encodes e for the wire.
func Marshal(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes and validates a wire frame.
func Unmarshal(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decoding envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data after payload")
	}
	return nil
}
