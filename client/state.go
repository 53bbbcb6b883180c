package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmcleod/hostlink/protocol"
	"github.com/jmcleod/hostlink/relay"
)

// State is a connection lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateChecking   State = "checking"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateNoHost     State = "no_host"
	StateNoSession  State = "no_session"
	StateError      State = "error"
)

// Reason classifies a connection failure.
type Reason string

const (
	ReasonServerOffline    Reason = "server_offline"
	ReasonUnknownUsername  Reason = "unknown_username"
	ReasonRelayTimeout     Reason = "relay_timeout"
	ReasonRelayUnreachable Reason = "relay_unreachable"
	ReasonAuthFailed       Reason = "auth_failed"
	ReasonOther            Reason = "other"
)

// ConnectError is the failure carried by StateError. Target and RelayURL
// are enough to retry or to start a full login.
type ConnectError struct {
	Reason   Reason
	Target   string
	RelayURL string
	Err      error
}

func (e *ConnectError) Error() string {
	msg := fmt.Sprintf("connect %s: %s", e.Target, e.Reason)
	if e.RelayURL != "" {
		msg += " via " + e.RelayURL
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Snapshot is an immutable view of the machine.
type Snapshot struct {
	State    State
	Target   string
	HostID   string
	RelayURL string
	Err      *ConnectError
	// Intentional is set after a user-initiated disconnect; automatic
	// Connect calls are ignored until SelectHost clears it.
	Intentional bool
	// Seq increases with every transition.
	Seq uint64
}

// classify maps an attempt error to a Reason.
func classify(err error) Reason {
	var ce *ConnectError
	if errors.As(err, &ce) {
		return ce.Reason
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonRelayTimeout
	}
	var re *relay.RemoteError
	if errors.As(err, &re) {
		switch re.Code {
		case protocol.CodeServerOffline:
			return ReasonServerOffline
		case protocol.CodeUnknownUsername:
			return ReasonUnknownUsername
		}
		return ReasonOther
	}
	var de *relay.DialError
	if errors.As(err, &de) || errors.Is(err, relay.ErrConnClosed) {
		return ReasonRelayUnreachable
	}
	return ReasonOther
}

func newConnectError(err error, target, relayURL string) *ConnectError {
	var ce *ConnectError
	if errors.As(err, &ce) {
		out := *ce
		if out.Target == "" {
			out.Target = target
		}
		if out.RelayURL == "" {
			out.RelayURL = relayURL
		}
		return &out
	}
	return &ConnectError{Reason: classify(err), Target: target, RelayURL: relayURL, Err: err}
}
