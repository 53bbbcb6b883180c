package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jmcleod/hostlink/internal/logging"
	"github.com/jmcleod/hostlink/internal/metrics"
	"github.com/jmcleod/hostlink/internal/util"
	"github.com/jmcleod/hostlink/protocol"
)

const (
	// HostPath is where hosts attach.
	HostPath = "/v1/host"
	// ClientPath is where clients attach.
	ClientPath = "/v1/client"
)

// Server is the relay's HTTP surface.
type Server struct {
	opts           Options
	log            *slog.Logger
	metrics        *metrics.Metrics
	hub            *Hub
	originPatterns []string
}

// NewServer builds a relay server.
func NewServer(opts Options) *Server {
	opts = opts.withDefaults()
	return &Server{
		opts:           opts,
		log:            opts.Logger.With("component", "relay"),
		metrics:        opts.Metrics,
		hub:            newHub(opts.Logger, opts.Metrics),
		originPatterns: originPatterns(opts.AllowedOrigins),
	}
}

// Hub exposes registration state.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Router returns the relay's routes.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", s.metrics.Handler())
	r.Get(HostPath, func(w http.ResponseWriter, r *http.Request) { s.serveLink(w, r, roleHost) })
	r.Get(ClientPath, func(w http.ResponseWriter, r *http.Request) { s.serveLink(w, r, roleClient) })
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Status string `json:"status"`
		Stats
	}{Status: "ok", Stats: s.hub.Stats()})
}

func (s *Server) serveLink(w http.ResponseWriter, r *http.Request, rl role) {
	if err := checkOrigin(r, s.opts.AllowedOrigins); err != nil {
		s.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{protocol.Subprotocol},
		OriginPatterns: s.originPatterns,
	})
	if err != nil {
		s.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != protocol.Subprotocol {
		s.log.Info("ws.reject.subprotocol", "got", sp, "want", protocol.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	id, err := util.RandomHex(10)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "id")
		return
	}
	l := newLink(id, rl, s.opts.SendQueueSize)
	log := s.log.With("link", id, "role", string(rl))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			s.detach(l)
			l.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	if rl == roleClient {
		s.hub.addClient(l)
	}
	log.Debug("link.open", "remote", r.RemoteAddr)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-l.Done():
				return
			case env := <-l.send:
				if err := writeEnvelope(ctx, conn, env, s.opts.WriteTimeout); err != nil {
					log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		t := time.NewTicker(s.opts.HeartbeatEvery)
		defer t.Stop()
		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-l.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, s.opts.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()
				if err != nil {
					failures++
					log.Info("ws.ping.fail", "failures", failures, "err", err)
					if failures >= maxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		env, err := readEnvelope(ctx, conn)
		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadFrame:
				s.sendError(l, protocol.Envelope{}, protocol.CodeBadEnvelope, err.Error())
				continue readLoop
			default:
				log.Info("ws.read.fail", "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if rl == roleHost {
			s.onHostFrame(l, env)
		} else {
			s.onClientFrame(l, env)
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone
	select {
	case <-heartbeatDone:
	case <-time.After(closeGrace):
	}
	log.Debug("link.closed")
}

// detach removes l from the hub and tells its counterparts.
func (s *Server) detach(l *link) {
	switch l.role {
	case roleHost:
		for _, c := range s.hub.unregisterHost(l) {
			s.sendError(c, protocol.Envelope{}, protocol.CodeServerOffline, "host disconnected")
		}
		if name := l.Username(); name != "" {
			s.log.Info("host.offline", "username", name, "link", l.id)
		}
	case roleClient:
		s.hub.removeClient(l)
		if name := l.Username(); name != "" {
			if h, ok := s.hub.host(name); ok {
				env, err := protocol.New(protocol.TypePeerClosed, protocol.PeerClosedPayload{LinkID: l.id})
				if err == nil {
					env.Peer = l.id
					h.enqueue(env)
				}
			}
		}
	}
}

func (s *Server) onHostFrame(l *link, env protocol.Envelope) {
	switch {
	case env.Type == protocol.TypeRegister:
		var p protocol.RegisterPayload
		if err := env.Decode(&p); err != nil {
			s.sendError(l, env, protocol.CodeBadPayload, err.Error())
			return
		}
		name := util.NormalizeUsername(p.Username)
		if name == "" {
			s.sendError(l, env, protocol.CodeBadPayload, "missing username")
			return
		}
		if err := s.hub.registerHost(name, l); err != nil {
			s.log.Info("host.register.rejected", "username", name, "link", l.id)
			s.sendError(l, env, protocol.CodeUsernameTaken, err.Error())
			return
		}
		s.log.Info("host.online", "username", name, "link", l.id)
		reply, err := env.Reply(protocol.TypeRegistered, protocol.RegisteredPayload{Username: name})
		if err == nil {
			l.enqueue(reply)
		}

	case env.Type.Forwarded():
		if l.Username() == "" {
			s.sendError(l, env, protocol.CodeNotPaired, "register first")
			return
		}
		c, ok := s.hub.client(env.Peer)
		if !ok || c.Username() != l.Username() {
			s.log.Debug("frame.drop", "reason", "unknown peer", "peer", env.Peer, "type", string(env.Type))
			return
		}
		out := env
		out.Peer = ""
		if c.enqueue(out) {
			s.metrics.FrameForwarded("to_client")
		}

	default:
		s.sendError(l, env, protocol.CodeUnsupported, fmt.Sprintf("unsupported type: %s", env.Type))
	}
}

func (s *Server) onClientFrame(l *link, env protocol.Envelope) {
	switch {
	case env.Type == protocol.TypeConnect:
		var p protocol.ConnectPayload
		if err := env.Decode(&p); err != nil {
			s.sendError(l, env, protocol.CodeBadPayload, err.Error())
			return
		}
		name := util.NormalizeUsername(p.Username)
		switch presence := s.hub.pair(l, name); presence {
		case PresenceOnline:
			s.metrics.RelayConnect("ok")
			reply, err := env.Reply(protocol.TypeConnected, protocol.ConnectedPayload{Username: name, LinkID: l.id})
			if err == nil {
				l.enqueue(reply)
			}
		case PresenceOffline:
			s.metrics.RelayConnect(protocol.CodeServerOffline)
			s.sendError(l, env, protocol.CodeServerOffline, "host is not connected")
		default:
			s.metrics.RelayConnect(protocol.CodeUnknownUsername)
			s.sendError(l, env, protocol.CodeUnknownUsername, "no host registered under that name")
		}

	case env.Type.Forwarded():
		name := l.Username()
		if name == "" {
			s.sendError(l, env, protocol.CodeNotPaired, "connect first")
			return
		}
		h, ok := s.hub.host(name)
		if !ok {
			s.sendError(l, env, protocol.CodeServerOffline, "host is not connected")
			return
		}
		out := env
		out.Peer = l.id
		if h.enqueue(out) {
			s.metrics.FrameForwarded("to_host")
		}

	default:
		s.sendError(l, env, protocol.CodeUnsupported, fmt.Sprintf("unsupported type: %s", env.Type))
	}
}

func (s *Server) sendError(l *link, req protocol.Envelope, code, msg string) {
	env := req.ErrorReply(code, msg)
	env.Peer = ""
	_ = l.enqueue(env)
}

func checkOrigin(r *http.Request, allowed []string) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return nil
	}
	originHost := originHostOnly(origin)
	for _, a := range allowed {
		a = strings.TrimSpace(a)
		if a == "*" || a == origin {
			return nil
		}
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}
