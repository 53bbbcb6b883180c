// Package host runs the server side of resumption: it keeps a link to the
// relay under the host's relay username and answers challenge and proof
// frames from paired clients using a session.Store.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jmcleod/hostlink/internal/logging"
	"github.com/jmcleod/hostlink/internal/util"
	"github.com/jmcleod/hostlink/protocol"
	"github.com/jmcleod/hostlink/relay"
	"github.com/jmcleod/hostlink/session"
)

const (
	defaultRegisterTimeout = 10 * time.Second
	defaultHandleTimeout   = 10 * time.Second
	minReconnectDelay      = time.Second
	maxReconnectDelay      = 30 * time.Second
)

// Agent links a session.Store to the relay.
type Agent struct {
	store    *session.Store
	relayURL string
	username string
	log      *slog.Logger
	dialOpts relay.DialOptions
}

// Option configures an Agent.
type Option func(*Agent)

// WithLogger sets the agent's logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.log = l
		}
	}
}

// WithDialOptions overrides how the relay is dialed.
func WithDialOptions(o relay.DialOptions) Option {
	return func(a *Agent) { a.dialOpts = o }
}

// New returns an agent that registers username at relayURL.
func New(store *session.Store, relayURL, username string, opts ...Option) *Agent {
	a := &Agent{
		store:    store,
		relayURL: relayURL,
		username: username,
		log:      logging.NewLogger("info", "json"),
	}
	for _, o := range opts {
		o(a)
	}
	a.log = a.log.With("component", "host-agent")
	if a.dialOpts.Logger == nil {
		a.dialOpts.Logger = a.log
	}
	return a
}

// Run keeps the agent registered until ctx is cancelled, reconnecting with
// exponential backoff whenever the link drops.
func (a *Agent) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = minReconnectDelay
	b.MaxInterval = maxReconnectDelay
	b.MaxElapsedTime = 0

	for {
		conn, err := a.Connect(ctx)
		if err == nil {
			b.Reset()
			err = a.Serve(ctx, conn)
			_ = conn.Close()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		delay := b.NextBackOff()
		a.log.WarnContext(ctx, "relay link lost", "err", err, "retry_in", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Connect dials the relay and registers the agent's username.
func (a *Agent) Connect(ctx context.Context) (*relay.Conn, error) {
	conn, err := relay.Dial(ctx, relay.HostURL(a.relayURL), a.dialOpts)
	if err != nil {
		return nil, err
	}
	env, err := protocol.New(protocol.TypeRegister, protocol.RegisterPayload{Username: a.username})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	rctx, cancel := context.WithTimeout(ctx, defaultRegisterTimeout)
	defer cancel()
	reply, err := conn.Request(rctx, env)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("registering %q: %w", a.username, err)
	}
	var p protocol.RegisteredPayload
	if err := reply.Decode(&p); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("registering %q: %w", a.username, err)
	}
	a.log.InfoContext(ctx, "registered with relay", "relay", a.relayURL, "username", p.Username)
	return conn, nil
}

// Serve answers frames on conn until it closes or ctx is cancelled. Each
// frame is handled on its own goroutine; the store serializes per session.
func (a *Agent) Serve(ctx context.Context, conn *relay.Conn) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-conn.Done():
			if err := conn.Err(); err != nil {
				return err
			}
			return relay.ErrConnClosed
		case env := <-conn.Inbound():
			wg.Add(1)
			go func() {
				defer wg.Done()
				hctx, cancel := context.WithTimeout(ctx, defaultHandleTimeout)
				defer cancel()
				reply, ok := a.Handle(hctx, env)
				if !ok {
					return
				}
				if err := conn.Send(hctx, reply); err != nil && !errors.Is(err, relay.ErrConnClosed) {
					a.log.WarnContext(hctx, "reply failed", "type", string(reply.Type), "err", err)
				}
			}()
		}
	}
}

// Handle computes the reply to one inbound frame. ok is false when the
// frame needs no reply.
func (a *Agent) Handle(ctx context.Context, env protocol.Envelope) (protocol.Envelope, bool) {
	switch env.Type {
	case protocol.TypeChallengeRequest:
		var p protocol.ChallengeRequestPayload
		if err := env.Decode(&p); err != nil {
			return env.ErrorReply(protocol.CodeBadPayload, err.Error()), true
		}
		challenge, found, err := a.store.GenerateResumeChallenge(ctx, p.SessionID)
		if err != nil {
			a.log.ErrorContext(ctx, "issuing challenge", "err", err)
			return env.ErrorReply(protocol.CodeInternal, "challenge unavailable"), true
		}
		return a.reply(env, protocol.TypeChallenge, protocol.ChallengePayload{
			SessionID: p.SessionID,
			Found:     found,
			Challenge: challenge,
		})

	case protocol.TypeResume:
		var p protocol.ResumePayload
		if err := env.Decode(&p); err != nil {
			return env.ErrorReply(protocol.CodeBadPayload, err.Error()), true
		}
		rec, err := a.store.ValidateProof(ctx, p.SessionID, p.Proof)
		if err != nil {
			reason, ok := session.ReasonOf(err)
			if !ok {
				a.log.ErrorContext(ctx, "validating proof", "err", err)
				return env.ErrorReply(protocol.CodeInternal, "validation unavailable"), true
			}
			return a.reply(env, protocol.TypeResumeResult, protocol.ResumeResultPayload{Reason: string(reason)})
		}
		confirmation, err := protocol.NewConfirmation(rec.Key, p.Proof, time.Now())
		util.WipeBytes(rec.Key)
		if err != nil {
			a.log.ErrorContext(ctx, "sealing resume confirmation", "err", err)
			return env.ErrorReply(protocol.CodeInternal, "confirmation unavailable"), true
		}
		return a.reply(env, protocol.TypeResumeResult, protocol.ResumeResultPayload{
			OK:           true,
			Username:     rec.Username,
			Confirmation: &confirmation,
		})

	case protocol.TypePeerClosed:
		a.log.DebugContext(ctx, "client link closed", "peer", env.Peer)
		return protocol.Envelope{}, false

	case protocol.TypeError:
		var p protocol.ErrorPayload
		_ = env.Decode(&p)
		a.log.WarnContext(ctx, "relay reported error", "code", p.Code, "message", p.Message)
		return protocol.Envelope{}, false

	default:
		if env.Peer == "" {
			return protocol.Envelope{}, false
		}
		return env.ErrorReply(protocol.CodeUnsupported, fmt.Sprintf("unsupported type: %s", env.Type)), true
	}
}

func (a *Agent) reply(env protocol.Envelope, t protocol.Type, payload any) (protocol.Envelope, bool) {
	out, err := env.Reply(t, payload)
	if err != nil {
		return env.ErrorReply(protocol.CodeInternal, err.Error()), true
	}
	return out, true
}
