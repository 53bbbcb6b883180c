package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/jmcleod/hostlink/protocol"
)

// badFrameError marks a frame that arrived intact but did not decode.
type badFrameError struct{ err error }

func (e *badFrameError) Error() string { return e.err.Error() }
func (e *badFrameError) Unwrap() error { return e.err }

func readEnvelope(ctx context.Context, conn *websocket.Conn) (protocol.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return protocol.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return protocol.Envelope{}, &badFrameError{fmt.Errorf("unsupported message type: %v", mt)}
	}
	env, err := protocol.Unmarshal(data)
	if err != nil {
		return protocol.Envelope{}, &badFrameError{err}
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env protocol.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	b, err := protocol.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadFrame
)

func classifyReadErr(err error) readErrKind {
	var bad *badFrameError
	if errors.As(err, &bad) {
		return readErrBadFrame
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = u.Host
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// originPatterns converts allowed origins into websocket.Accept host
// patterns so both checks agree.
func originPatterns(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		if strings.TrimSpace(a) == "*" {
			return []string{"*"}
		}
		if h := originHostOnly(a); h != "" {
			seen[h] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
