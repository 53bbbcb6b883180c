package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/hostlink/crypto"
)

func TestEnvelope_RoundTrip(t *testing.T) {
	env, err := New(TypeConnect, ConnectPayload{Username: "alice-box"})
	require.NoError(t, err)
	require.NoError(t, env.Validate())
	assert.Len(t, env.ID, 26)

	data, err := Marshal(env)
	require.NoError(t, err)
	got, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, env.ID, got.ID)

	var p ConnectPayload
	require.NoError(t, got.Decode(&p))
	assert.Equal(t, "alice-box", p.Username)
}

func TestEnvelope_Reply(t *testing.T) {
	req, err := New(TypeChallengeRequest, ChallengeRequestPayload{SessionID: "s1"})
	require.NoError(t, err)
	req.Peer = "link-1"

	resp, err := req.Reply(TypeChallenge, ChallengePayload{SessionID: "s1", Found: true, Challenge: "abc"})
	require.NoError(t, err)
	assert.Equal(t, req.ID, resp.ReplyTo)
	assert.Equal(t, "link-1", resp.Peer)
	assert.NotEqual(t, req.ID, resp.ID)

	errEnv := req.ErrorReply(CodeBadPayload, "nope")
	assert.Equal(t, TypeError, errEnv.Type)
	assert.Equal(t, req.ID, errEnv.ReplyTo)
}

func TestEnvelope_Validate(t *testing.T) {
	good, err := New(TypeRegister, RegisterPayload{Username: "a"})
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Envelope)
	}{
		{"BadVersion", func(e *Envelope) { e.V = 2 }},
		{"MissingType", func(e *Envelope) { e.Type = "" }},
		{"UnknownType", func(e *Envelope) { e.Type = "teleport" }},
		{"MissingID", func(e *Envelope) { e.ID = "" }},
		{"MissingTS", func(e *Envelope) { e.TS = time.Time{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := good
			tt.mutate(&e)
			assert.Error(t, e.Validate())
		})
	}
}

func TestEnvelope_DecodeRejectsUnknownFields(t *testing.T) {
	env := Envelope{V: Version, Type: TypeConnect, ID: "x", TS: time.Now(), Payload: json.RawMessage(`{"username":"a","admin":true}`)}
	var p ConnectPayload
	assert.Error(t, env.Decode(&p))

	env.Payload = nil
	assert.Error(t, env.Decode(&p))
}

func TestTypeForwarded(t *testing.T) {
	assert.True(t, TypeResume.Forwarded())
	assert.True(t, TypeChallenge.Forwarded())
	assert.False(t, TypeConnect.Forwarded())
	assert.False(t, TypeRegister.Forwarded())
}

func TestProof_RoundTrip(t *testing.T) {
	key, err := crypto.NewSessionKey()
	require.NoError(t, err)
	now := time.UnixMilli(1_700_000_000_123)

	p, err := NewProof(key, "c0ffee", now)
	require.NoError(t, err)

	wire, err := json.Marshal(p)
	require.NoError(t, err)
	var back Proof
	require.NoError(t, json.Unmarshal(wire, &back))

	payload, err := OpenProof(back, key)
	require.NoError(t, err)
	require.NotNil(t, payload.Challenge)
	assert.Equal(t, "c0ffee", *payload.Challenge)
	assert.Equal(t, now.UnixMilli(), payload.Time().UnixMilli())
}

func TestProof_OmittedChallenge(t *testing.T) {
	key, err := crypto.NewSessionKey()
	require.NoError(t, err)

	p, err := SealProof(key, ProofPayload{Timestamp: 1})
	require.NoError(t, err)
	payload, err := OpenProof(p, key)
	require.NoError(t, err)
	assert.Nil(t, payload.Challenge)
}

func TestOpenProof_Failures(t *testing.T) {
	key, err := crypto.NewSessionKey()
	require.NoError(t, err)
	other, err := crypto.NewSessionKey()
	require.NoError(t, err)

	seal := func(t *testing.T, body string) Proof {
		t.Helper()
		nonce, ct, err := crypto.Seal([]byte(body), key)
		require.NoError(t, err)
		return Proof{Nonce: nonce, Ciphertext: ct}
	}

	t.Run("WrongKey", func(t *testing.T) {
		p, err := NewProof(key, "c", time.Now())
		require.NoError(t, err)
		_, err = OpenProof(p, other)
		assert.True(t, errors.Is(err, crypto.ErrDecrypt))
	})

	cases := map[string]string{
		"NotJSON":          `hello`,
		"UnknownField":     `{"timestamp":1,"challenge":"c","extra":1}`,
		"MissingTimestamp": `{"challenge":"c"}`,
		"WrongType":        `{"timestamp":"yesterday"}`,
		"TrailingData":     `{"timestamp":1}{"timestamp":2}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := OpenProof(seal(t, body), key)
			assert.True(t, errors.Is(err, ErrMalformedProof), "got %v", err)
		})
	}
}

func TestConfirmation(t *testing.T) {
	key, err := crypto.NewSessionKey()
	require.NoError(t, err)
	other, err := crypto.NewSessionKey()
	require.NoError(t, err)
	sent, err := NewProof(key, "c1", time.Now())
	require.NoError(t, err)
	unrelated, err := NewProof(key, "c2", time.Now())
	require.NoError(t, err)

	good, err := NewConfirmation(key, sent, time.Now())
	require.NoError(t, err)
	assert.NoError(t, VerifyConfirmation(key, sent, &good))

	wrongKey, err := NewConfirmation(other, sent, time.Now())
	require.NoError(t, err)
	forOther, err := NewConfirmation(key, unrelated, time.Now())
	require.NoError(t, err)

	tests := []struct {
		name string
		c    *Proof
	}{
		{"Missing", nil},
		{"WrongKey", &wrongKey},
		{"OtherProof", &forOther},
		{"EchoedProof", &sent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, VerifyConfirmation(key, sent, tt.c), ErrUnconfirmed)
		})
	}
}
