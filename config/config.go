// Package config loads hostlink configuration from a YAML file, then
// HOSTLINK_* environment variables. Command-line flags override both.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jmcleod/hostlink/session"
)

// Storage backends for the host session store.
const (
	StorageBBolt    = "bbolt"
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Config is the full hostlink configuration.
type Config struct {
	Log     LogConfig      `yaml:"log"`
	Relay   RelayConfig    `yaml:"relay"`
	Host    HostConfig     `yaml:"host"`
	Client  ClientConfig   `yaml:"client"`
	Session session.Config `yaml:"session"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RelayConfig configures the relay server.
type RelayConfig struct {
	Listen            string        `yaml:"listen"`
	AllowedOrigins    []string      `yaml:"allowed_origins"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	SendQueue         int           `yaml:"send_queue"`
}

// HostConfig configures the host agent and its admin listener.
type HostConfig struct {
	RelayURL        string `yaml:"relay_url"`
	RelayUsername   string `yaml:"relay_username"`
	DataDir         string `yaml:"data_dir"`
	Storage         string `yaml:"storage"`
	PostgresDSN     string `yaml:"postgres_dsn"`
	WrappingKeyFile string `yaml:"wrapping_key_file"`
	AdminListen     string `yaml:"admin_listen"`
	AdminToken      string `yaml:"admin_token"`
	AdminTokenFile  string `yaml:"admin_token_file"`
}

// ClientConfig configures the client credential store and resume timing.
type ClientConfig struct {
	DataDir       string        `yaml:"data_dir"`
	ResumeTimeout time.Duration `yaml:"resume_timeout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "json"},
		Relay: RelayConfig{
			Listen:            ":8080",
			HeartbeatInterval: 25 * time.Second,
			SendQueue:         256,
		},
		Host: HostConfig{
			RelayURL:    "ws://localhost:8080",
			DataDir:     "./data",
			Storage:     StorageBBolt,
			AdminListen: "127.0.0.1:8081",
		},
		Client: ClientConfig{
			DataDir:       "./client-data",
			ResumeTimeout: 15 * time.Second,
		},
		Session: session.DefaultConfig(),
	}
}

// Load reads path (when non-empty) over the defaults, then applies the
// environment. ${VAR} references in the file are expanded first.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		// #nosec G304 -- path comes from the operator's command line
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		data = []byte(expandEnvVars(string(data)))
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}
	applyEnv(cfg)
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var envRef = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})
}

func applyEnv(cfg *Config) {
	cfg.Log.Level = envString("HOSTLINK_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = envString("HOSTLINK_LOG_FORMAT", cfg.Log.Format)

	cfg.Relay.Listen = envString("HOSTLINK_RELAY_LISTEN", cfg.Relay.Listen)
	cfg.Relay.AllowedOrigins = envCSV("HOSTLINK_RELAY_ALLOWED_ORIGINS", cfg.Relay.AllowedOrigins)
	cfg.Relay.HeartbeatInterval = envDuration("HOSTLINK_RELAY_HEARTBEAT", cfg.Relay.HeartbeatInterval)
	cfg.Relay.SendQueue = envInt("HOSTLINK_RELAY_SEND_QUEUE", cfg.Relay.SendQueue)

	cfg.Host.RelayURL = envString("HOSTLINK_RELAY_URL", cfg.Host.RelayURL)
	cfg.Host.RelayUsername = envString("HOSTLINK_RELAY_USERNAME", cfg.Host.RelayUsername)
	cfg.Host.DataDir = envString("HOSTLINK_DATA_DIR", cfg.Host.DataDir)
	cfg.Host.Storage = envString("HOSTLINK_STORAGE", cfg.Host.Storage)
	cfg.Host.PostgresDSN = envString("HOSTLINK_POSTGRES_DSN", cfg.Host.PostgresDSN)
	cfg.Host.WrappingKeyFile = envString("HOSTLINK_WRAPPING_KEY_FILE", cfg.Host.WrappingKeyFile)
	cfg.Host.AdminListen = envString("HOSTLINK_ADMIN_LISTEN", cfg.Host.AdminListen)
	cfg.Host.AdminToken = envString("HOSTLINK_ADMIN_TOKEN", cfg.Host.AdminToken)
	cfg.Host.AdminTokenFile = envString("HOSTLINK_ADMIN_TOKEN_FILE", cfg.Host.AdminTokenFile)

	cfg.Client.DataDir = envString("HOSTLINK_CLIENT_DATA_DIR", cfg.Client.DataDir)
	cfg.Client.ResumeTimeout = envDuration("HOSTLINK_RESUME_TIMEOUT", cfg.Client.ResumeTimeout)

	cfg.Session.MaxLifetime = envDuration("HOSTLINK_SESSION_MAX_LIFETIME", cfg.Session.MaxLifetime)
	cfg.Session.IdleTimeout = envDuration("HOSTLINK_SESSION_IDLE_TIMEOUT", cfg.Session.IdleTimeout)
	cfg.Session.MaxSessionsPerUser = envInt("HOSTLINK_SESSION_MAX_PER_USER", cfg.Session.MaxSessionsPerUser)
}

func applyDefaults(cfg *Config) {
	if cfg.Host.Storage == "" {
		cfg.Host.Storage = StorageBBolt
	}
	if cfg.Host.WrappingKeyFile == "" && cfg.Host.DataDir != "" {
		cfg.Host.WrappingKeyFile = filepath.Join(cfg.Host.DataDir, "wrapping.key")
	}
	if cfg.Host.AdminTokenFile == "" && cfg.Host.DataDir != "" {
		cfg.Host.AdminTokenFile = filepath.Join(cfg.Host.DataDir, "admin.token")
	}
	if cfg.Client.ResumeTimeout <= 0 {
		cfg.Client.ResumeTimeout = 15 * time.Second
	}
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	var errs []string
	switch c.Host.Storage {
	case StorageBBolt, StorageMemory:
	case StoragePostgres:
		if c.Host.PostgresDSN == "" {
			errs = append(errs, "host.postgres_dsn is required when host.storage is postgres")
		}
	default:
		errs = append(errs, fmt.Sprintf("host.storage must be bbolt, postgres or memory, got %q", c.Host.Storage))
	}
	if c.Session.MaxLifetime < 0 || c.Session.IdleTimeout < 0 || c.Session.MaxProofAge < 0 {
		errs = append(errs, "session durations must not be negative")
	}
	if c.Session.MaxSessionsPerUser < 0 {
		errs = append(errs, "session.max_per_user must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// RequireHost checks the fields the host agent cannot run without.
func (c *Config) RequireHost() error {
	if c.Host.RelayURL == "" || c.Host.RelayUsername == "" {
		return errors.New("host.relay_url and host.relay_username are required")
	}
	return nil
}
