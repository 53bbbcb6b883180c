package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmcleod/hostlink/hosts"
	"github.com/jmcleod/hostlink/internal/logging"
	"github.com/jmcleod/hostlink/protocol"
	"github.com/jmcleod/hostlink/relay"
)

// ErrSessionUnknown is returned when the host no longer knows the stored
// session.
var ErrSessionUnknown = errors.New("host does not recognize the stored session")

// RelayResumer resumes sessions through a relay: connect by relay
// username, request a challenge, then submit a proof sealed with the stored
// session key.
type RelayResumer struct {
	DialOptions relay.DialOptions
	Now         func() time.Time
}

// NewRelayResumer returns a resumer that logs to logger.
func NewRelayResumer(logger *slog.Logger) *RelayResumer {
	if logger == nil {
		logger = logging.NewLogger("info", "json")
	}
	return &RelayResumer{DialOptions: relay.DialOptions{Logger: logger}, Now: time.Now}
}

// Resume implements Resumer. On success the relay link stays open and is
// returned as the Link.
func (r *RelayResumer) Resume(ctx context.Context, rec hosts.HostRecord) (Link, error) {
	if !rec.HasSession() {
		return nil, &ConnectError{Reason: ReasonAuthFailed, Err: ErrSessionUnknown}
	}
	now := r.Now
	if now == nil {
		now = time.Now
	}

	conn, err := relay.Dial(ctx, relay.ClientURL(rec.RelayURL), r.DialOptions)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &ConnectError{Reason: ReasonRelayTimeout, Err: err}
		}
		return nil, &ConnectError{Reason: ReasonRelayUnreachable, Err: err}
	}
	ok := false
	defer func() {
		if !ok {
			_ = conn.Close()
		}
	}()

	if _, err := request(ctx, conn, protocol.TypeConnect, protocol.ConnectPayload{Username: rec.RelayUsername}); err != nil {
		return nil, err
	}

	sessionID := rec.Session.SessionID
	reply, err := request(ctx, conn, protocol.TypeChallengeRequest, protocol.ChallengeRequestPayload{SessionID: sessionID})
	if err != nil {
		return nil, err
	}
	var ch protocol.ChallengePayload
	if err := reply.Decode(&ch); err != nil {
		return nil, fmt.Errorf("decoding challenge: %w", err)
	}
	if !ch.Found {
		return nil, &ConnectError{Reason: ReasonAuthFailed, Err: ErrSessionUnknown}
	}

	proof, err := protocol.NewProof(rec.Session.Key, ch.Challenge, now())
	if err != nil {
		return nil, err
	}
	reply, err = request(ctx, conn, protocol.TypeResume, protocol.ResumePayload{SessionID: sessionID, Proof: proof})
	if err != nil {
		return nil, err
	}
	var res protocol.ResumeResultPayload
	if err := reply.Decode(&res); err != nil {
		return nil, fmt.Errorf("decoding resume result: %w", err)
	}
	if !res.OK {
		return nil, &ConnectError{Reason: ReasonAuthFailed, Err: fmt.Errorf("resume rejected: %s", res.Reason)}
	}
	if err := protocol.VerifyConfirmation(rec.Session.Key, proof, res.Confirmation); err != nil {
		return nil, &ConnectError{Reason: ReasonAuthFailed, Err: err}
	}

	ok = true
	return newResumedLink(conn), nil
}

func request(ctx context.Context, conn *relay.Conn, t protocol.Type, payload any) (protocol.Envelope, error) {
	env, err := protocol.New(t, payload)
	if err != nil {
		return protocol.Envelope{}, err
	}
	return conn.Request(ctx, env)
}

// resumedLink watches the relay link after resumption. A server_offline
// notice from the relay ends the link just as a dropped socket does.
type resumedLink struct {
	conn *relay.Conn
	done chan struct{}

	mu  sync.Mutex
	err error
}

func newResumedLink(conn *relay.Conn) *resumedLink {
	l := &resumedLink{conn: conn, done: make(chan struct{})}
	go l.watch()
	return l
}

func (l *resumedLink) watch() {
	defer close(l.done)
	for {
		select {
		case <-l.conn.Done():
			l.setErr(l.conn.Err())
			return
		case env := <-l.conn.Inbound():
			if env.Type != protocol.TypeError {
				continue
			}
			var p protocol.ErrorPayload
			if err := env.Decode(&p); err != nil {
				continue
			}
			if p.Code == protocol.CodeServerOffline {
				l.setErr(&relay.RemoteError{Code: p.Code, Message: p.Message})
				_ = l.conn.Close()
				return
			}
		}
	}
}

func (l *resumedLink) setErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err == nil {
		l.err = err
	}
}

func (l *resumedLink) Done() <-chan struct{} { return l.done }

func (l *resumedLink) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *resumedLink) Close() error {
	err := l.conn.Close()
	<-l.done
	return err
}
