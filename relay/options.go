package relay

import (
	"log/slog"
	"time"

	"github.com/jmcleod/hostlink/internal/logging"
	"github.com/jmcleod/hostlink/internal/metrics"
)

const (
	defaultSendQueueSize = 256
	minSendQueueSize     = 32

	defaultWriteTimeout     = 5 * time.Second
	defaultHeartbeatEvery   = 25 * time.Second
	defaultHeartbeatTimeout = 5 * time.Second
	closeGrace              = time.Second

	maxPingFailures = 3
	maxFrameBytes   = 64 << 10
)

// Options tunes a relay Server. The zero value is usable.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// AllowedOrigins lists browser origins accepted on websocket upgrades.
	// Requests without an Origin header (native clients) are always
	// accepted.
	AllowedOrigins []string

	WriteTimeout     time.Duration
	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration
	SendQueueSize    int
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = logging.NewLogger("info", "json")
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.HeartbeatEvery <= 0 {
		o.HeartbeatEvery = defaultHeartbeatEvery
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = defaultSendQueueSize
	}
	if o.SendQueueSize < minSendQueueSize {
		o.SendQueueSize = minSendQueueSize
	}
	return o
}
