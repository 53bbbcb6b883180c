package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/hostlink/hosts"
	"github.com/jmcleod/hostlink/internal/logging"
	"github.com/jmcleod/hostlink/protocol"
	"github.com/jmcleod/hostlink/relay"
)

type fakeLink struct {
	done   chan struct{}
	once   sync.Once
	closed atomic.Bool
	err    error
}

func newFakeLink() *fakeLink { return &fakeLink{done: make(chan struct{})} }

func (l *fakeLink) Done() <-chan struct{} { return l.done }
func (l *fakeLink) Err() error            { return l.err }
func (l *fakeLink) Close() error {
	l.closed.Store(true)
	l.once.Do(func() { close(l.done) })
	return nil
}

// drop simulates the far side going away.
func (l *fakeLink) drop(err error) {
	l.err = err
	l.once.Do(func() { close(l.done) })
}

type fakeResumer struct {
	mu    sync.Mutex
	calls []string
	fn    func(ctx context.Context, rec hosts.HostRecord) (Link, error)
}

func (f *fakeResumer) Resume(ctx context.Context, rec hosts.HostRecord) (Link, error) {
	f.mu.Lock()
	f.calls = append(f.calls, rec.RelayUsername)
	fn := f.fn
	f.mu.Unlock()
	return fn(ctx, rec)
}

func (f *fakeResumer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeResumer) set(fn func(ctx context.Context, rec hosts.HostRecord) (Link, error)) {
	f.mu.Lock()
	f.fn = fn
	f.mu.Unlock()
}

func succeed(links chan<- *fakeLink) func(context.Context, hosts.HostRecord) (Link, error) {
	return func(context.Context, hosts.HostRecord) (Link, error) {
		l := newFakeLink()
		if links != nil {
			links <- l
		}
		return l, nil
	}
}

func withSession(name, url string) hosts.HostRecord {
	return hosts.HostRecord{
		RelayUsername: name,
		RelayURL:      url,
		Session:       &hosts.SessionCredentials{SessionID: "sid-" + name, Key: make([]byte, 32)},
	}
}

func newResolver(t *testing.T, recs ...hosts.HostRecord) *hosts.Resolver {
	t.Helper()
	r := hosts.NewResolver(hosts.NewMemoryStore())
	for _, rec := range recs {
		_, err := r.Upsert(context.Background(), rec)
		require.NoError(t, err)
	}
	return r
}

func newMachine(t *testing.T, resolver HostResolver, resumer Resumer, opts ...Option) *Machine {
	t.Helper()
	m := New(resolver, resumer, append([]Option{WithLogger(logging.Discard())}, opts...)...)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func waitState(t *testing.T, m *Machine, want State) Snapshot {
	t.Helper()
	require.Eventually(t, func() bool { return m.Snapshot().State == want }, 5*time.Second, 5*time.Millisecond,
		"state never became %s (last %s)", want, m.Snapshot().State)
	return m.Snapshot()
}

func TestMachine_NoHostNeverTouchesNetwork(t *testing.T) {
	res := &fakeResumer{fn: succeed(nil)}
	m := newMachine(t, newResolver(t), res)

	require.NoError(t, m.Connect("ghost-box"))
	snap := m.Snapshot()
	assert.Equal(t, StateNoHost, snap.State)
	assert.Equal(t, "ghost-box", snap.Target)
	assert.Zero(t, res.count())
}

func TestMachine_NoSession(t *testing.T) {
	res := &fakeResumer{fn: succeed(nil)}
	m := newMachine(t, newResolver(t, hosts.HostRecord{RelayUsername: "alice-box", RelayURL: "wss://r"}), res)

	require.NoError(t, m.Connect("alice-box"))
	snap := m.Snapshot()
	assert.Equal(t, StateNoSession, snap.State)
	assert.Equal(t, "wss://r", snap.RelayURL)
	assert.Zero(t, res.count())
}

func TestMachine_SuccessfulResumeSequence(t *testing.T) {
	resolver := newResolver(t, withSession("alice-box", "wss://r"))
	want, ok, err := resolver.GetHostByRelayUsername("alice-box")
	require.NoError(t, err)
	require.True(t, ok)

	m := newMachine(t, resolver, &fakeResumer{fn: succeed(nil)})
	updates, unsubscribe := m.Subscribe()
	defer unsubscribe()

	require.NoError(t, m.Connect("Alice-Box"))

	var states []State
	var last Snapshot
	for last.State != StateConnected {
		select {
		case last = <-updates:
			states = append(states, last.State)
		case <-time.After(5 * time.Second):
			t.Fatalf("no connected state, saw %v", states)
		}
	}
	assert.Equal(t, []State{StateIdle, StateChecking, StateConnecting, StateConnected}, states)
	assert.Equal(t, want.ID, last.HostID)
	assert.Equal(t, "alice-box", last.Target)
	assert.Nil(t, last.Err)
}

func TestMachine_FailureRetryAndLogin(t *testing.T) {
	res := &fakeResumer{fn: func(context.Context, hosts.HostRecord) (Link, error) {
		return nil, &relay.RemoteError{Code: protocol.CodeServerOffline}
	}}
	m := newMachine(t, newResolver(t, withSession("alice-box", "wss://r")), res)

	require.NoError(t, m.Connect("alice-box"))
	snap := waitState(t, m, StateError)
	require.NotNil(t, snap.Err)
	assert.Equal(t, ReasonServerOffline, snap.Err.Reason)
	assert.Equal(t, "alice-box", snap.Err.Target)
	assert.Equal(t, "wss://r", snap.Err.RelayURL)

	// No silent retries.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, res.count())

	res.set(succeed(nil))
	require.NoError(t, m.Retry())
	waitState(t, m, StateConnected)
	assert.Equal(t, 2, res.count())

	assert.ErrorIs(t, m.Retry(), ErrInvalidTransition)
	assert.ErrorIs(t, m.GoToLogin(), ErrInvalidTransition)
}

func TestMachine_GoToLoginFromError(t *testing.T) {
	res := &fakeResumer{fn: func(context.Context, hosts.HostRecord) (Link, error) {
		return nil, &ConnectError{Reason: ReasonAuthFailed, Err: ErrSessionUnknown}
	}}
	m := newMachine(t, newResolver(t, withSession("alice-box", "wss://r")), res)
	require.NoError(t, m.Connect("alice-box"))
	snap := waitState(t, m, StateError)
	assert.Equal(t, ReasonAuthFailed, snap.Err.Reason)
	assert.ErrorIs(t, snap.Err, ErrSessionUnknown)

	require.NoError(t, m.GoToLogin())
	snap = m.Snapshot()
	assert.Equal(t, StateNoSession, snap.State)
	assert.Equal(t, "alice-box", snap.Target)
}

func TestMachine_Timeout(t *testing.T) {
	res := &fakeResumer{fn: func(ctx context.Context, _ hosts.HostRecord) (Link, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	m := newMachine(t, newResolver(t, withSession("alice-box", "wss://r")), res, WithResumeTimeout(30*time.Millisecond))
	require.NoError(t, m.Connect("alice-box"))
	snap := waitState(t, m, StateError)
	assert.Equal(t, ReasonRelayTimeout, snap.Err.Reason)
}

func TestMachine_LateResultForOldTargetIsDiscarded(t *testing.T) {
	gate := make(chan struct{})
	stale := make(chan *fakeLink, 1)
	res := &fakeResumer{fn: func(ctx context.Context, rec hosts.HostRecord) (Link, error) {
		if rec.RelayUsername == "a-box" {
			<-gate
			l := newFakeLink()
			stale <- l
			return l, nil
		}
		return newFakeLink(), nil
	}}
	resolver := newResolver(t, withSession("a-box", "wss://r"), withSession("b-box", "wss://r"))
	m := newMachine(t, resolver, res)

	require.NoError(t, m.Connect("a-box"))
	assert.Equal(t, StateConnecting, m.Snapshot().State)

	require.NoError(t, m.SelectHost("b-box"))
	snap := waitState(t, m, StateConnected)
	assert.Equal(t, "b-box", snap.Target)

	close(gate)
	late := <-stale
	require.Eventually(t, late.closed.Load, 5*time.Second, 5*time.Millisecond)
	after := m.Snapshot()
	assert.Equal(t, "b-box", after.Target)
	assert.Equal(t, snap.Seq, after.Seq)
}

func TestMachine_AlreadyConnectedAndSwitch(t *testing.T) {
	links := make(chan *fakeLink, 2)
	res := &fakeResumer{fn: succeed(links)}
	resolver := newResolver(t, withSession("a-box", "wss://r"), withSession("b-box", "wss://r"))
	m := newMachine(t, resolver, res)

	require.NoError(t, m.Connect("a-box"))
	first := waitState(t, m, StateConnected)
	linkA := <-links

	require.NoError(t, m.Connect("A-BOX"))
	assert.Equal(t, first.Seq, m.Snapshot().Seq)
	assert.Equal(t, 1, res.count())

	require.NoError(t, m.Connect("b-box"))
	snap := waitState(t, m, StateConnected)
	assert.Equal(t, "b-box", snap.Target)
	assert.True(t, linkA.closed.Load())
	assert.Equal(t, 2, res.count())
}

func TestMachine_IntentionalDisconnect(t *testing.T) {
	links := make(chan *fakeLink, 2)
	res := &fakeResumer{fn: succeed(links)}
	m := newMachine(t, newResolver(t, withSession("alice-box", "wss://r")), res)

	require.NoError(t, m.Connect("alice-box"))
	waitState(t, m, StateConnected)
	link := <-links

	require.NoError(t, m.Disconnect(true))
	snap := m.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.True(t, snap.Intentional)
	assert.True(t, link.closed.Load())

	require.NoError(t, m.Connect("alice-box"))
	assert.Equal(t, StateIdle, m.Snapshot().State)
	assert.Equal(t, 1, res.count())

	require.NoError(t, m.SelectHost("alice-box"))
	snap = waitState(t, m, StateConnected)
	assert.False(t, snap.Intentional)
}

func TestMachine_LinkLost(t *testing.T) {
	links := make(chan *fakeLink, 1)
	m := newMachine(t, newResolver(t, withSession("alice-box", "wss://r")), &fakeResumer{fn: succeed(links)})
	require.NoError(t, m.Connect("alice-box"))
	waitState(t, m, StateConnected)

	(<-links).drop(&relay.RemoteError{Code: protocol.CodeServerOffline})
	snap := waitState(t, m, StateError)
	assert.Equal(t, ReasonServerOffline, snap.Err.Reason)
}

func TestMachine_DuplicateHostIsAnError(t *testing.T) {
	store := hosts.NewMemoryStore(
		hosts.HostRecord{ID: "1", RelayUsername: "alice-box", RelayURL: "wss://a"},
		hosts.HostRecord{ID: "2", RelayUsername: "Alice-Box", RelayURL: "wss://b"},
	)
	resolver := hosts.NewResolver(store)
	require.NoError(t, resolver.Load(context.Background()))
	res := &fakeResumer{fn: succeed(nil)}
	m := newMachine(t, resolver, res)

	require.NoError(t, m.Connect("alice-box"))
	snap := m.Snapshot()
	assert.Equal(t, StateError, snap.State)
	assert.ErrorIs(t, snap.Err, hosts.ErrDuplicateHost)
	assert.Zero(t, res.count())
}

func TestMachine_Close(t *testing.T) {
	m := New(newResolver(t), &fakeResumer{fn: succeed(nil)}, WithLogger(logging.Discard()))
	updates, _ := m.Subscribe()
	<-updates
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, open := <-updates
	assert.False(t, open)
	assert.ErrorIs(t, m.Connect("x"), ErrClosed)
	assert.ErrorIs(t, m.Disconnect(false), ErrClosed)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Reason
	}{
		{&relay.RemoteError{Code: protocol.CodeUnknownUsername}, ReasonUnknownUsername},
		{&relay.RemoteError{Code: protocol.CodeServerOffline}, ReasonServerOffline},
		{&relay.RemoteError{Code: protocol.CodeInternal}, ReasonOther},
		{&relay.DialError{URL: "ws://x", Err: errors.New("refused")}, ReasonRelayUnreachable},
		{relay.ErrConnClosed, ReasonRelayUnreachable},
		{context.DeadlineExceeded, ReasonRelayTimeout},
		{&ConnectError{Reason: ReasonAuthFailed}, ReasonAuthFailed},
		{errors.New("boom"), ReasonOther},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classify(tt.err), "%v", tt.err)
	}
}
