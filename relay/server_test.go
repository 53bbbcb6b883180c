package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/hostlink/internal/logging"
	"github.com/jmcleod/hostlink/internal/metrics"
	"github.com/jmcleod/hostlink/protocol"
)

type testRelay struct {
	srv *Server
	url string
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()
	srv := NewServer(Options{Logger: logging.Discard(), Metrics: metrics.New()})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testRelay{srv: srv, url: ts.URL}
}

func (r *testRelay) dial(t *testing.T, url string) *Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, url, DialOptions{Logger: logging.Discard()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func request(t *testing.T, c *Conn, typ protocol.Type, payload any) (protocol.Envelope, error) {
	t.Helper()
	env, err := protocol.New(typ, payload)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.Request(ctx, env)
}

func (r *testRelay) host(t *testing.T, name string) *Conn {
	t.Helper()
	c := r.dial(t, HostURL(r.url))
	reply, err := request(t, c, protocol.TypeRegister, protocol.RegisterPayload{Username: name})
	require.NoError(t, err)
	require.Equal(t, protocol.TypeRegistered, reply.Type)
	return c
}

func (r *testRelay) client(t *testing.T, name string) (*Conn, protocol.ConnectedPayload) {
	t.Helper()
	c := r.dial(t, ClientURL(r.url))
	reply, err := request(t, c, protocol.TypeConnect, protocol.ConnectPayload{Username: name})
	require.NoError(t, err)
	var p protocol.ConnectedPayload
	require.NoError(t, reply.Decode(&p))
	return c, p
}

func nextInbound(t *testing.T, c *Conn) protocol.Envelope {
	t.Helper()
	select {
	case env := <-c.Inbound():
		return env
	case <-time.After(5 * time.Second):
		t.Fatal("no inbound frame")
		return protocol.Envelope{}
	}
}

func remoteCode(t *testing.T, err error) string {
	t.Helper()
	var re *RemoteError
	require.True(t, errors.As(err, &re), "expected remote error, got %v", err)
	return re.Code
}

func TestRelay_UnknownUsername(t *testing.T) {
	r := newTestRelay(t)
	c := r.dial(t, ClientURL(r.url))
	_, err := request(t, c, protocol.TypeConnect, protocol.ConnectPayload{Username: "nobody"})
	assert.Equal(t, protocol.CodeUnknownUsername, remoteCode(t, err))
	assert.Equal(t, PresenceUnknown, r.srv.Hub().Presence("nobody"))
}

func TestRelay_PairAndForward(t *testing.T) {
	r := newTestRelay(t)
	host := r.host(t, "Alice-Box")
	assert.Equal(t, PresenceOnline, r.srv.Hub().Presence("alice-box"))

	client, connected := r.client(t, "ALICE-BOX")
	assert.Equal(t, "alice-box", connected.Username)
	require.NotEmpty(t, connected.LinkID)

	// The host answers the forwarded request; the reply is routed back by Peer.
	go func() {
		select {
		case env := <-host.Inbound():
			if env.Type != protocol.TypeChallengeRequest || env.Peer != connected.LinkID {
				return
			}
			reply, err := env.Reply(protocol.TypeChallenge, protocol.ChallengePayload{SessionID: "s1", Found: true, Challenge: "c1"})
			if err != nil {
				return
			}
			_ = host.Send(context.Background(), reply)
		case <-time.After(5 * time.Second):
		}
	}()

	reply, err := request(t, client, protocol.TypeChallengeRequest, protocol.ChallengeRequestPayload{SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeChallenge, reply.Type)
	assert.Empty(t, reply.Peer)
	var p protocol.ChallengePayload
	require.NoError(t, reply.Decode(&p))
	assert.Equal(t, "c1", p.Challenge)
}

func TestRelay_HostOfflineIsDistinctFromUnknown(t *testing.T) {
	r := newTestRelay(t)
	host := r.host(t, "alice-box")
	client, _ := r.client(t, "alice-box")

	require.NoError(t, host.Close())

	env := nextInbound(t, client)
	require.Equal(t, protocol.TypeError, env.Type)
	var p protocol.ErrorPayload
	require.NoError(t, env.Decode(&p))
	assert.Equal(t, protocol.CodeServerOffline, p.Code)

	assert.Eventually(t, func() bool {
		return r.srv.Hub().Presence("alice-box") == PresenceOffline
	}, 5*time.Second, 10*time.Millisecond)

	late := r.dial(t, ClientURL(r.url))
	_, err := request(t, late, protocol.TypeConnect, protocol.ConnectPayload{Username: "alice-box"})
	assert.Equal(t, protocol.CodeServerOffline, remoteCode(t, err))

	_, err = request(t, client, protocol.TypeChallengeRequest, protocol.ChallengeRequestPayload{SessionID: "s1"})
	assert.Equal(t, protocol.CodeServerOffline, remoteCode(t, err))

	// Re-registering brings the name back online.
	r.host(t, "alice-box")
	_, connected := r.client(t, "alice-box")
	assert.NotEmpty(t, connected.LinkID)
}

func TestRelay_UsernameTaken(t *testing.T) {
	r := newTestRelay(t)
	r.host(t, "alice-box")
	second := r.dial(t, HostURL(r.url))
	_, err := request(t, second, protocol.TypeRegister, protocol.RegisterPayload{Username: "alice-box"})
	assert.Equal(t, protocol.CodeUsernameTaken, remoteCode(t, err))
}

func TestRelay_ForwardBeforePairing(t *testing.T) {
	r := newTestRelay(t)
	c := r.dial(t, ClientURL(r.url))
	_, err := request(t, c, protocol.TypeResume, protocol.ResumePayload{SessionID: "s1"})
	assert.Equal(t, protocol.CodeNotPaired, remoteCode(t, err))

	h := r.dial(t, HostURL(r.url))
	_, err = request(t, h, protocol.TypeChallenge, protocol.ChallengePayload{})
	assert.Equal(t, protocol.CodeNotPaired, remoteCode(t, err))
}

func TestRelay_UnsupportedAndBadPayload(t *testing.T) {
	r := newTestRelay(t)
	c := r.dial(t, ClientURL(r.url))
	_, err := request(t, c, protocol.TypeRegister, protocol.RegisterPayload{Username: "x"})
	assert.Equal(t, protocol.CodeUnsupported, remoteCode(t, err))

	env, err := protocol.New(protocol.TypeConnect, map[string]string{"user": "x"})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = c.Request(ctx, env)
	assert.Equal(t, protocol.CodeBadPayload, remoteCode(t, err))
}

func TestRelay_PeerClosedNotifiesHost(t *testing.T) {
	r := newTestRelay(t)
	host := r.host(t, "alice-box")
	client, connected := r.client(t, "alice-box")

	require.NoError(t, client.Close())

	env := nextInbound(t, host)
	require.Equal(t, protocol.TypePeerClosed, env.Type)
	var p protocol.PeerClosedPayload
	require.NoError(t, env.Decode(&p))
	assert.Equal(t, connected.LinkID, p.LinkID)
}

func TestRelay_HostCannotReachForeignClient(t *testing.T) {
	r := newTestRelay(t)
	r.host(t, "alice-box")
	bob := r.host(t, "bob-box")
	client, connected := r.client(t, "alice-box")

	env, err := protocol.New(protocol.TypeChallenge, protocol.ChallengePayload{SessionID: "s"})
	require.NoError(t, err)
	env.Peer = connected.LinkID
	require.NoError(t, bob.Send(context.Background(), env))

	select {
	case got := <-client.Inbound():
		t.Fatalf("client received frame from a host it is not paired with: %s", got.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRelay_HealthAndOrigin(t *testing.T) {
	r := newTestRelay(t)
	r.host(t, "alice-box")

	resp, err := http.Get(r.url + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Status string `json:"status"`
		Hosts  int    `json:"hosts"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 1, body.Hosts)

	req, err := http.NewRequest(http.MethodGet, r.url+ClientPath, nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://evil.example")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp2.StatusCode)

	metricsResp, err := http.Get(r.url + "/metrics")
	require.NoError(t, err)
	metricsResp.Body.Close()
	assert.Equal(t, http.StatusOK, metricsResp.StatusCode)
}

func TestRelay_DialUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := Dial(ctx, "ws://127.0.0.1:1/v1/client", DialOptions{Logger: logging.Discard()})
	var de *DialError
	assert.True(t, errors.As(err, &de))
}

func TestOriginHelpers(t *testing.T) {
	assert.Equal(t, "localhost", originHostOnly("http://LocalHost:3000"))
	assert.Equal(t, "example.com", originHostOnly("example.com:443"))
	assert.Equal(t, []string{"a.example", "localhost"}, originPatterns([]string{"http://localhost", "https://a.example", "http://localhost:8080"}))
	assert.Equal(t, []string{"*"}, originPatterns([]string{"http://x", "*"}))
}
