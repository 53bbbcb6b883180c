package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/jmcleod/hostlink/internal/logging"
	"github.com/jmcleod/hostlink/protocol"
)

// ErrConnClosed is returned by Conn operations after the link went away.
var ErrConnClosed = errors.New("relay connection closed")

// RemoteError is an error envelope received in reply to a request.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return "relay: " + e.Code
	}
	return fmt.Sprintf("relay: %s: %s", e.Code, e.Message)
}

// DialError wraps a failure to establish the websocket at all.
type DialError struct {
	URL string
	Err error
}

func (e *DialError) Error() string { return fmt.Sprintf("dial relay %s: %v", e.URL, e.Err) }
func (e *DialError) Unwrap() error { return e.Err }

// DialOptions tunes a Conn.
type DialOptions struct {
	Logger       *slog.Logger
	HTTPClient   *http.Client
	WriteTimeout time.Duration
	// InboundQueue bounds unsolicited frames waiting to be read.
	InboundQueue int
}

// Conn is one side of a relay link. Replies are matched to requests by
// ReplyTo; every other frame lands on Inbound.
type Conn struct {
	ws      *websocket.Conn
	log     *slog.Logger
	timeout time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan protocol.Envelope
	err     error

	inbound chan protocol.Envelope
	done    chan struct{}
	cancel  context.CancelFunc
}

// HostURL and ClientURL join a relay base URL with the role path.
func HostURL(base string) string   { return strings.TrimRight(base, "/") + HostPath }
func ClientURL(base string) string { return strings.TrimRight(base, "/") + ClientPath }

// Dial opens a link to rawURL, typically HostURL or ClientURL of a relay.
func Dial(ctx context.Context, rawURL string, opts DialOptions) (*Conn, error) {
	if opts.Logger == nil {
		opts.Logger = logging.NewLogger("info", "json")
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.InboundQueue <= 0 {
		opts.InboundQueue = 64
	}

	ws, _, err := websocket.Dial(ctx, rawURL, &websocket.DialOptions{
		HTTPClient:   opts.HTTPClient,
		Subprotocols: []string{protocol.Subprotocol},
	})
	if err != nil {
		return nil, &DialError{URL: rawURL, Err: err}
	}
	if sp := ws.Subprotocol(); sp != protocol.Subprotocol {
		_ = ws.Close(websocket.StatusProtocolError, "subprotocol required")
		return nil, &DialError{URL: rawURL, Err: fmt.Errorf("relay did not accept subprotocol %q", protocol.Subprotocol)}
	}
	ws.SetReadLimit(maxFrameBytes)

	readCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ws:      ws,
		log:     opts.Logger.With("component", "relay-conn"),
		timeout: opts.WriteTimeout,
		pending: make(map[string]chan protocol.Envelope),
		inbound: make(chan protocol.Envelope, opts.InboundQueue),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	go c.readLoop(readCtx)
	return c, nil
}

func (c *Conn) readLoop(ctx context.Context) {
	defer close(c.done)
	for {
		env, err := readEnvelope(ctx, c.ws)
		if err != nil {
			if classifyReadErr(err) == readErrBadFrame {
				c.log.Debug("frame.drop", "err", err)
				continue
			}
			c.fail(err)
			return
		}
		if env.ReplyTo != "" && c.deliver(env) {
			continue
		}
		select {
		case c.inbound <- env:
		case <-ctx.Done():
			c.fail(ctx.Err())
			return
		}
	}
}

func (c *Conn) deliver(env protocol.Envelope) bool {
	c.mu.Lock()
	ch, ok := c.pending[env.ReplyTo]
	if ok {
		delete(c.pending, env.ReplyTo)
	}
	c.mu.Unlock()
	if ok {
		ch <- env
	}
	return ok
}

func (c *Conn) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// Err returns why the link closed, or nil while it is open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Inbound delivers frames that are not replies to a pending request. It is
// never closed; select on Done as well.
func (c *Conn) Inbound() <-chan protocol.Envelope {
	return c.inbound
}

// Done is closed once the read loop exits.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Send writes env.
func (c *Conn) Send(ctx context.Context, env protocol.Envelope) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeEnvelope(ctx, c.ws, env, c.timeout)
}

// Request sends env and waits for the envelope whose ReplyTo is env.ID.
// An error reply is returned as *RemoteError.
func (c *Conn) Request(ctx context.Context, env protocol.Envelope) (protocol.Envelope, error) {
	ch := make(chan protocol.Envelope, 1)
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return protocol.Envelope{}, ErrConnClosed
	}
	c.pending[env.ID] = ch
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, env.ID)
		c.mu.Unlock()
	}

	if err := c.Send(ctx, env); err != nil {
		forget()
		return protocol.Envelope{}, err
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return protocol.Envelope{}, ErrConnClosed
		}
		if reply.Type == protocol.TypeError {
			var p protocol.ErrorPayload
			if err := reply.Decode(&p); err != nil {
				return protocol.Envelope{}, fmt.Errorf("decoding error reply: %w", err)
			}
			return reply, &RemoteError{Code: p.Code, Message: p.Message}
		}
		return reply, nil
	case <-ctx.Done():
		forget()
		return protocol.Envelope{}, ctx.Err()
	}
}

// Close shuts the link down.
func (c *Conn) Close() error {
	err := c.ws.Close(websocket.StatusNormalClosure, "bye")
	c.cancel()
	<-c.done
	return err
}
