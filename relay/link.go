package relay

import (
	"sync"

	"github.com/jmcleod/hostlink/protocol"
)

type role string

const (
	roleHost   role = "host"
	roleClient role = "client"
)

// link is one websocket attached to the relay.
//
// send is never closed; done signals the writer and heartbeat goroutines
// to stop so concurrent forwarders cannot panic on a closed channel.
type link struct {
	id   string
	role role
	send chan protocol.Envelope

	mu       sync.Mutex
	username string // registered name (host) or paired name (client)

	done      chan struct{}
	closeOnce sync.Once
}

func newLink(id string, r role, queue int) *link {
	return &link{
		id:   id,
		role: r,
		send: make(chan protocol.Envelope, queue),
		done: make(chan struct{}),
	}
}

func (l *link) Username() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.username
}

func (l *link) setUsername(name string) {
	l.mu.Lock()
	l.username = name
	l.mu.Unlock()
}

func (l *link) Done() <-chan struct{} {
	return l.done
}

// Close is idempotent.
func (l *link) Close() {
	l.closeOnce.Do(func() { close(l.done) })
}

// enqueue never blocks; a full queue drops the frame.
func (l *link) enqueue(env protocol.Envelope) bool {
	select {
	case <-l.done:
		return false
	case l.send <- env:
		return true
	default:
		return false
	}
}
