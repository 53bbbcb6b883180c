// Package client drives the connection lifecycle on the client side:
// resolving a relay username to a stored host record and resuming the
// stored session through the relay.
//
// Machine is an actor. Every command and every attempt result is applied
// on one goroutine, so state never races. Attempts are tagged; a result
// for an attempt that is no longer current is discarded.
package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jmcleod/hostlink/hosts"
	"github.com/jmcleod/hostlink/internal/logging"
	"github.com/jmcleod/hostlink/internal/util"
)

const (
	// DefaultResumeTimeout bounds one resumption attempt.
	DefaultResumeTimeout = 15 * time.Second
	subscriberBuffer     = 16
)

var (
	// ErrClosed is returned by commands after Close.
	ErrClosed = errors.New("connection machine closed")
	// ErrInvalidTransition is returned when a command is not allowed in
	// the current state.
	ErrInvalidTransition = errors.New("transition not allowed in current state")
)

// HostResolver looks up stored host records.
type HostResolver interface {
	GetHostByRelayUsername(relayUsername string) (hosts.HostRecord, bool, error)
}

// Link is an established, resumed connection to a host.
type Link interface {
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Resumer performs one resumption attempt for rec.
type Resumer interface {
	Resume(ctx context.Context, rec hosts.HostRecord) (Link, error)
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the machine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.log = l
		}
	}
}

// WithResumeTimeout bounds each resumption attempt.
func WithResumeTimeout(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// Machine is the client connection lifecycle state machine.
type Machine struct {
	resolver HostResolver
	resumer  Resumer
	log      *slog.Logger
	timeout  time.Duration

	cmds      chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	baseCtx   context.Context
	cancelAll context.CancelFunc

	// Owned by the loop goroutine.
	snap          Snapshot
	attempt       uint64
	cancelAttempt context.CancelFunc
	link          Link
	subs          map[int]chan Snapshot
	nextSub       int

	mu      sync.RWMutex
	current Snapshot
}

// New starts a machine in StateIdle.
func New(resolver HostResolver, resumer Resumer, opts ...Option) *Machine {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Machine{
		resolver:  resolver,
		resumer:   resumer,
		log:       logging.NewLogger("info", "json"),
		timeout:   DefaultResumeTimeout,
		cmds:      make(chan func()),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		baseCtx:   ctx,
		cancelAll: cancel,
		subs:      make(map[int]chan Snapshot),
		snap:      Snapshot{State: StateIdle},
	}
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.With("component", "client")
	m.current = m.snap
	go m.loop()
	return m
}

func (m *Machine) loop() {
	defer close(m.done)
	for {
		select {
		case fn := <-m.cmds:
			fn()
		case <-m.quit:
			m.cancelInFlight()
			m.dropLink()
			for id, ch := range m.subs {
				close(ch)
				delete(m.subs, id)
			}
			return
		}
	}
}

// post runs fn on the loop goroutine.
func (m *Machine) post(fn func()) bool {
	select {
	case m.cmds <- fn:
		return true
	case <-m.quit:
		return false
	}
}

// call runs fn on the loop goroutine and returns its error.
func (m *Machine) call(fn func() error) error {
	errc := make(chan error, 1)
	if !m.post(func() { errc <- fn() }) {
		return ErrClosed
	}
	return <-errc
}

// Connect enters the lifecycle for target. It is ignored while a
// user-intentional disconnect is in effect.
func (m *Machine) Connect(target string) error {
	return m.call(func() error {
		m.connect(target, false)
		return nil
	})
}

// SelectHost is an explicit user choice of target: it clears an
// intentional disconnect and then behaves like Connect.
func (m *Machine) SelectHost(target string) error {
	return m.call(func() error {
		m.connect(target, true)
		return nil
	})
}

// Retry re-attempts resumption for the current target from StateError.
func (m *Machine) Retry() error {
	return m.call(func() error {
		if m.snap.State != StateError {
			return ErrInvalidTransition
		}
		m.connect(m.snap.Target, true)
		return nil
	})
}

// GoToLogin abandons resumption from StateError and moves to
// StateNoSession, where the caller hands off to full authentication.
func (m *Machine) GoToLogin() error {
	return m.call(func() error {
		if m.snap.State != StateError {
			return ErrInvalidTransition
		}
		m.set(Snapshot{State: StateNoSession, Target: m.snap.Target, RelayURL: m.snap.RelayURL})
		return nil
	})
}

// Disconnect drops any link or in-flight attempt and returns to
// StateIdle. An intentional disconnect suppresses automatic reconnects.
func (m *Machine) Disconnect(intentional bool) error {
	return m.call(func() error {
		m.cancelInFlight()
		m.dropLink()
		m.set(Snapshot{State: StateIdle, Intentional: intentional})
		return nil
	})
}

// Snapshot returns the current state without waiting on the loop.
func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Subscribe returns a channel receiving every transition, starting with
// the current snapshot. A slow subscriber loses older snapshots, never the
// latest. The channel closes on unsubscribe or Close.
func (m *Machine) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, subscriberBuffer)
	var id int
	if !m.post(func() {
		id = m.nextSub
		m.nextSub++
		m.subs[id] = ch
		ch <- m.snap
	}) {
		close(ch)
		return ch, func() {}
	}
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.post(func() {
				if c, ok := m.subs[id]; ok {
					close(c)
					delete(m.subs, id)
				}
			})
		})
	}
}

// Close stops the machine, cancelling any attempt and closing any link.
func (m *Machine) Close() error {
	m.closeOnce.Do(func() {
		close(m.quit)
		m.cancelAll()
	})
	<-m.done
	return nil
}

func (m *Machine) connect(target string, explicit bool) {
	target = util.NormalizeUsername(target)
	if explicit {
		m.snap.Intentional = false
	}
	if m.snap.Intentional {
		m.log.Debug("connect ignored after intentional disconnect", "target", target)
		return
	}

	switch m.snap.State {
	case StateConnected:
		if m.snap.Target == target {
			return
		}
		m.log.Info("switching host", "from", m.snap.Target, "to", target)
		m.dropLink()
	case StateChecking, StateConnecting:
		if m.snap.Target == target {
			return
		}
		m.cancelInFlight()
	}

	m.set(Snapshot{State: StateChecking, Target: target})
	rec, ok, err := m.resolver.GetHostByRelayUsername(target)
	switch {
	case err != nil:
		m.set(Snapshot{State: StateError, Target: target, Err: newConnectError(err, target, "")})
	case !ok:
		m.set(Snapshot{State: StateNoHost, Target: target})
	case !rec.HasSession():
		m.set(Snapshot{State: StateNoSession, Target: target, RelayURL: rec.RelayURL})
	default:
		m.set(Snapshot{State: StateConnecting, Target: target, RelayURL: rec.RelayURL})
		m.startAttempt(rec)
	}
}

func (m *Machine) startAttempt(rec hosts.HostRecord) {
	m.attempt++
	id := m.attempt
	ctx, cancel := context.WithTimeout(m.baseCtx, m.timeout)
	m.cancelAttempt = cancel
	target := m.snap.Target

	go func() {
		link, err := m.resumer.Resume(ctx, rec)
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = &ConnectError{Reason: ReasonRelayTimeout, Target: target, RelayURL: rec.RelayURL, Err: err}
		}
		if !m.post(func() { m.finishAttempt(id, rec, link, err) }) && link != nil {
			_ = link.Close()
		}
	}()
}

func (m *Machine) finishAttempt(id uint64, rec hosts.HostRecord, link Link, err error) {
	if id != m.attempt || m.snap.State != StateConnecting {
		m.log.Debug("discarding stale attempt result", "attempt", id, "current", m.attempt)
		if link != nil {
			_ = link.Close()
		}
		return
	}
	m.cancelInFlight()
	target := m.snap.Target
	if err != nil {
		ce := newConnectError(err, target, rec.RelayURL)
		m.log.Info("resume failed", "target", target, "reason", string(ce.Reason), "err", err)
		m.set(Snapshot{State: StateError, Target: target, RelayURL: rec.RelayURL, Err: ce})
		return
	}

	m.link = link
	m.set(Snapshot{State: StateConnected, Target: target, RelayURL: rec.RelayURL, HostID: rec.ID})
	m.log.Info("connected", "target", target, "host_id", rec.ID)
	go func() {
		select {
		case <-link.Done():
			m.post(func() { m.linkLost(link) })
		case <-m.quit:
		}
	}()
}

func (m *Machine) linkLost(link Link) {
	if m.link != link {
		return
	}
	m.link = nil
	err := link.Err()
	if err == nil {
		err = errors.New("link closed")
	}
	ce := newConnectError(err, m.snap.Target, m.snap.RelayURL)
	m.log.Info("link lost", "target", m.snap.Target, "reason", string(ce.Reason))
	m.set(Snapshot{State: StateError, Target: m.snap.Target, RelayURL: m.snap.RelayURL, Err: ce})
}

// cancelInFlight invalidates the current attempt.
func (m *Machine) cancelInFlight() {
	m.attempt++
	if m.cancelAttempt != nil {
		m.cancelAttempt()
		m.cancelAttempt = nil
	}
}

func (m *Machine) dropLink() {
	if m.link != nil {
		_ = m.link.Close()
		m.link = nil
	}
}

func (m *Machine) set(s Snapshot) {
	s.Seq = m.snap.Seq + 1
	m.snap = s
	m.mu.Lock()
	m.current = s
	m.mu.Unlock()
	for _, ch := range m.subs {
		publish(ch, s)
	}
}

// publish never blocks: when ch is full the oldest snapshot is dropped.
func publish(ch chan Snapshot, s Snapshot) {
	for {
		select {
		case ch <- s:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
