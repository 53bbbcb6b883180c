package relay

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/jmcleod/hostlink/internal/metrics"
)

// Presence is what the relay knows about a username.
type Presence int

const (
	// PresenceUnknown: never registered since the relay started.
	PresenceUnknown Presence = iota
	// PresenceOffline: registered before, no host link now.
	PresenceOffline
	// PresenceOnline: a host link currently holds the name.
	PresenceOnline
)

func (p Presence) String() string {
	switch p {
	case PresenceOnline:
		return "online"
	case PresenceOffline:
		return "offline"
	default:
		return "unknown"
	}
}

var errUsernameTaken = errors.New("username already registered by a live host")

// Hub tracks host registrations and client links.
type Hub struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	hosts   map[string]*link
	known   map[string]struct{}
	clients map[string]*link
}

func newHub(log *slog.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		log:     log,
		metrics: m,
		hosts:   make(map[string]*link),
		known:   make(map[string]struct{}),
		clients: make(map[string]*link),
	}
}

// Presence reports what the hub knows about username.
func (h *Hub) Presence(username string) Presence {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.presenceLocked(username)
}

func (h *Hub) presenceLocked(username string) Presence {
	if _, ok := h.hosts[username]; ok {
		return PresenceOnline
	}
	if _, ok := h.known[username]; ok {
		return PresenceOffline
	}
	return PresenceUnknown
}

// registerHost binds username to l. A second live host for the same name is
// rejected; the name stays with whoever holds it.
func (h *Hub) registerHost(username string, l *link) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.hosts[username]; ok && cur != l {
		return errUsernameTaken
	}
	if prev := l.Username(); prev != "" && prev != username {
		delete(h.hosts, prev)
		h.metrics.HostUnregistered()
	}
	if _, ok := h.hosts[username]; !ok {
		h.metrics.HostRegistered()
	}
	h.hosts[username] = l
	h.known[username] = struct{}{}
	l.setUsername(username)
	return nil
}

// unregisterHost drops l's registration if it still holds it and returns
// the client links paired with that username.
func (h *Hub) unregisterHost(l *link) []*link {
	username := l.Username()
	if username == "" {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.hosts[username] != l {
		return nil
	}
	delete(h.hosts, username)
	h.metrics.HostUnregistered()

	var paired []*link
	for _, c := range h.clients {
		if c.Username() == username {
			paired = append(paired, c)
		}
	}
	return paired
}

// host returns the live link for username.
func (h *Hub) host(username string) (*link, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	l, ok := h.hosts[username]
	return l, ok
}

func (h *Hub) addClient(l *link) {
	h.mu.Lock()
	h.clients[l.id] = l
	h.mu.Unlock()
}

func (h *Hub) removeClient(l *link) {
	h.mu.Lock()
	delete(h.clients, l.id)
	h.mu.Unlock()
}

func (h *Hub) client(id string) (*link, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	l, ok := h.clients[id]
	return l, ok
}

// pair attaches client to username when a host is online; otherwise it
// returns the presence that explains why not.
func (h *Hub) pair(client *link, username string) Presence {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p := h.presenceLocked(username)
	if p == PresenceOnline {
		client.setUsername(username)
	}
	return p
}

// Stats is a point-in-time count of links.
type Stats struct {
	Hosts   int `json:"hosts"`
	Clients int `json:"clients"`
	Known   int `json:"known"`
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{Hosts: len(h.hosts), Clients: len(h.clients), Known: len(h.known)}
}
