package host

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/hostlink/crypto"
	"github.com/jmcleod/hostlink/internal/logging"
	"github.com/jmcleod/hostlink/protocol"
	"github.com/jmcleod/hostlink/relay"
	"github.com/jmcleod/hostlink/session"
	"github.com/jmcleod/hostlink/storage/memory"
)

func newStore(t *testing.T) *session.Store {
	t.Helper()
	wk, err := crypto.NewSessionKey()
	require.NoError(t, err)
	s, err := session.New(memory.NewRepository(), wk,
		session.WithLogger(logging.Discard()),
		session.WithConfig(session.Config{SweepInterval: 0}),
	)
	require.NoError(t, err)
	require.NoError(t, s.Initialize(context.Background()))
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s
}

func inbound(t *testing.T, typ protocol.Type, payload any) protocol.Envelope {
	t.Helper()
	env, err := protocol.New(typ, payload)
	require.NoError(t, err)
	env.Peer = "link-1"
	return env
}

func decodeReply[T any](t *testing.T, env protocol.Envelope, want protocol.Type) T {
	t.Helper()
	require.Equal(t, want, env.Type)
	var p T
	require.NoError(t, env.Decode(&p))
	return p
}

func TestHandle_ChallengeAndResume(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	key, err := crypto.NewSessionKey()
	require.NoError(t, err)
	id, err := store.CreateSession(ctx, "alice", key)
	require.NoError(t, err)
	a := New(store, "ws://unused", "alice-box", WithLogger(logging.Discard()))

	req := inbound(t, protocol.TypeChallengeRequest, protocol.ChallengeRequestPayload{SessionID: id})
	reply, ok := a.Handle(ctx, req)
	require.True(t, ok)
	assert.Equal(t, req.ID, reply.ReplyTo)
	assert.Equal(t, "link-1", reply.Peer)
	ch := decodeReply[protocol.ChallengePayload](t, reply, protocol.TypeChallenge)
	require.True(t, ch.Found)

	proof, err := protocol.NewProof(key, ch.Challenge, time.Now())
	require.NoError(t, err)
	reply, ok = a.Handle(ctx, inbound(t, protocol.TypeResume, protocol.ResumePayload{SessionID: id, Proof: proof}))
	require.True(t, ok)
	res := decodeReply[protocol.ResumeResultPayload](t, reply, protocol.TypeResumeResult)
	assert.True(t, res.OK)
	assert.Equal(t, "alice", res.Username)
	require.NoError(t, protocol.VerifyConfirmation(key, proof, res.Confirmation))

	// Replay is rejected with a reason, not an error frame.
	reply, _ = a.Handle(ctx, inbound(t, protocol.TypeResume, protocol.ResumePayload{SessionID: id, Proof: proof}))
	res = decodeReply[protocol.ResumeResultPayload](t, reply, protocol.TypeResumeResult)
	assert.False(t, res.OK)
	assert.Equal(t, string(session.ReasonChallengeRequired), res.Reason)
	assert.Nil(t, res.Confirmation)
}

func TestHandle_ResumeLeavesStoredKeyIntact(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	key, err := crypto.NewSessionKey()
	require.NoError(t, err)
	id, err := store.CreateSession(ctx, "alice", key)
	require.NoError(t, err)
	a := New(store, "ws://unused", "alice-box", WithLogger(logging.Discard()))

	for range 2 {
		reply, _ := a.Handle(ctx, inbound(t, protocol.TypeChallengeRequest, protocol.ChallengeRequestPayload{SessionID: id}))
		ch := decodeReply[protocol.ChallengePayload](t, reply, protocol.TypeChallenge)
		proof, err := protocol.NewProof(key, ch.Challenge, time.Now())
		require.NoError(t, err)
		reply, _ = a.Handle(ctx, inbound(t, protocol.TypeResume, protocol.ResumePayload{SessionID: id, Proof: proof}))
		res := decodeReply[protocol.ResumeResultPayload](t, reply, protocol.TypeResumeResult)
		require.True(t, res.OK, res.Reason)
		require.NoError(t, protocol.VerifyConfirmation(key, proof, res.Confirmation))
	}

	stored, ok := store.GetSessionKey(ctx, id)
	require.True(t, ok)
	assert.Equal(t, key, stored)
}

func TestHandle_UnknownSession(t *testing.T) {
	ctx := context.Background()
	a := New(newStore(t), "ws://unused", "alice-box", WithLogger(logging.Discard()))

	reply, ok := a.Handle(ctx, inbound(t, protocol.TypeChallengeRequest, protocol.ChallengeRequestPayload{SessionID: "missing"}))
	require.True(t, ok)
	ch := decodeReply[protocol.ChallengePayload](t, reply, protocol.TypeChallenge)
	assert.False(t, ch.Found)
	assert.Empty(t, ch.Challenge)

	reply, _ = a.Handle(ctx, inbound(t, protocol.TypeResume, protocol.ResumePayload{SessionID: "missing"}))
	res := decodeReply[protocol.ResumeResultPayload](t, reply, protocol.TypeResumeResult)
	assert.Equal(t, string(session.ReasonExpired), res.Reason)
}

func TestHandle_BadAndIgnoredFrames(t *testing.T) {
	ctx := context.Background()
	a := New(newStore(t), "ws://unused", "alice-box", WithLogger(logging.Discard()))

	reply, ok := a.Handle(ctx, inbound(t, protocol.TypeResume, map[string]int{"bogus": 1}))
	require.True(t, ok)
	assert.Equal(t, protocol.CodeBadPayload, decodeReply[protocol.ErrorPayload](t, reply, protocol.TypeError).Code)

	reply, ok = a.Handle(ctx, inbound(t, protocol.TypeConnect, protocol.ConnectPayload{Username: "x"}))
	require.True(t, ok)
	assert.Equal(t, protocol.CodeUnsupported, decodeReply[protocol.ErrorPayload](t, reply, protocol.TypeError).Code)

	_, ok = a.Handle(ctx, inbound(t, protocol.TypePeerClosed, protocol.PeerClosedPayload{LinkID: "link-1"}))
	assert.False(t, ok)
	_, ok = a.Handle(ctx, inbound(t, protocol.TypeError, protocol.ErrorPayload{Code: "x"}))
	assert.False(t, ok)
}

func TestAgent_OverRelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := relay.NewServer(relay.Options{Logger: logging.Discard()})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	store := newStore(t)
	key, err := crypto.NewSessionKey()
	require.NoError(t, err)
	id, err := store.CreateSession(ctx, "alice", key)
	require.NoError(t, err)

	a := New(store, ts.URL, "alice-box", WithLogger(logging.Discard()))
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		return srv.Hub().Presence("alice-box") == relay.PresenceOnline
	}, 5*time.Second, 10*time.Millisecond)

	c, err := relay.Dial(ctx, relay.ClientURL(ts.URL), relay.DialOptions{Logger: logging.Discard()})
	require.NoError(t, err)
	defer c.Close()

	send := func(typ protocol.Type, payload any) protocol.Envelope {
		env, err := protocol.New(typ, payload)
		require.NoError(t, err)
		rctx, rcancel := context.WithTimeout(ctx, 5*time.Second)
		defer rcancel()
		reply, err := c.Request(rctx, env)
		require.NoError(t, err)
		return reply
	}

	send(protocol.TypeConnect, protocol.ConnectPayload{Username: "alice-box"})
	ch := decodeReply[protocol.ChallengePayload](t, send(protocol.TypeChallengeRequest, protocol.ChallengeRequestPayload{SessionID: id}), protocol.TypeChallenge)
	proof, err := protocol.NewProof(key, ch.Challenge, time.Now())
	require.NoError(t, err)
	res := decodeReply[protocol.ResumeResultPayload](t, send(protocol.TypeResume, protocol.ResumePayload{SessionID: id, Proof: proof}), protocol.TypeResumeResult)
	assert.True(t, res.OK)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not stop")
	}
}
