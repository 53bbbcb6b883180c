package session

import (
	"log/slog"
	"time"

	"github.com/jmcleod/hostlink/internal/metrics"
)

// Default policy values.
const (
	DefaultMaxLifetime        = 30 * 24 * time.Hour
	DefaultIdleTimeout        = 7 * 24 * time.Hour
	DefaultMaxSessionsPerUser = 5
	DefaultMaxProofAge        = 5 * time.Minute
	DefaultSweepInterval      = 5 * time.Minute
)

// Config is the session policy.
type Config struct {
	// MaxLifetime bounds a session's age from creation.
	MaxLifetime time.Duration `yaml:"max_lifetime"`
	// IdleTimeout bounds the time since the last successful resume.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// MaxSessionsPerUser caps live sessions per username; the least
	// recently used one is evicted on overflow.
	MaxSessionsPerUser int `yaml:"max_per_user"`
	// MaxProofAge is the allowed skew between a proof timestamp and now.
	MaxProofAge time.Duration `yaml:"max_proof_age"`
	// SweepInterval is how often expired sessions are purged. Zero
	// disables the background sweep; lazy expiry on read still applies.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DefaultConfig returns the standard policy.
func DefaultConfig() Config {
	return Config{
		MaxLifetime:        DefaultMaxLifetime,
		IdleTimeout:        DefaultIdleTimeout,
		MaxSessionsPerUser: DefaultMaxSessionsPerUser,
		MaxProofAge:        DefaultMaxProofAge,
		SweepInterval:      DefaultSweepInterval,
	}
}

// withDefaults fills zero fields. SweepInterval is left alone so callers
// can disable the sweep.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxLifetime <= 0 {
		c.MaxLifetime = d.MaxLifetime
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.MaxSessionsPerUser <= 0 {
		c.MaxSessionsPerUser = d.MaxSessionsPerUser
	}
	if c.MaxProofAge <= 0 {
		c.MaxProofAge = d.MaxProofAge
	}
	if c.SweepInterval < 0 {
		c.SweepInterval = 0
	}
	return c
}

// Option configures a Store.
type Option func(*Store)

// WithConfig sets the session policy.
func WithConfig(cfg Config) Option {
	return func(s *Store) {
		s.cfg = cfg.withDefaults()
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger. Audit events go to the same handler tagged
// component=audit.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records store activity in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}
