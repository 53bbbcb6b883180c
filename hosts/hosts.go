// Package hosts is the client's table of paired hosts and the resolver that
// maps a relay username to the host record used for routing.
package hosts

import (
	"context"
	"errors"
	"strings"

	"github.com/jmcleod/hostlink/internal/util"
)

var (
	// ErrDuplicateHost is returned when more than one record claims the same
	// relay username.
	ErrDuplicateHost = errors.New("duplicate host records for relay username")
	// ErrInvalidHost is returned for records missing a relay username or URL.
	ErrInvalidHost = errors.New("host record requires relay username and relay url")
	// ErrWrongPassphrase is returned when a keyring passphrase does not
	// match the one the store was sealed with.
	ErrWrongPassphrase = errors.New("keyring passphrase does not match")
	// ErrLocked is returned when a sealed session key is read without a keyring.
	ErrLocked = errors.New("credential store is locked")
)

// SessionCredentials mirror a session the host issued to this client.
type SessionCredentials struct {
	SessionID string `json:"session_id" yaml:"session_id"`
	Key       []byte `json:"key" yaml:"-"`
}

func (c *SessionCredentials) clone() *SessionCredentials {
	if c == nil {
		return nil
	}
	return &SessionCredentials{SessionID: c.SessionID, Key: util.CopyBytes(c.Key)}
}

// HostRecord describes a previously paired host.
type HostRecord struct {
	ID            string              `json:"id" yaml:"id"`
	RelayUsername string              `json:"relay_username" yaml:"relay_username"`
	RelayURL      string              `json:"relay_url" yaml:"relay_url"`
	SRPUsername   string              `json:"srp_username,omitempty" yaml:"srp_username,omitempty"`
	DisplayName   string              `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	Session       *SessionCredentials `json:"session,omitempty" yaml:"session,omitempty"`
}

// HasSession reports whether the record carries resumable credentials.
func (h HostRecord) HasSession() bool {
	return h.Session != nil && h.Session.SessionID != "" && len(h.Session.Key) > 0
}

// Label returns the display name, falling back to the relay username.
func (h HostRecord) Label() string {
	if h.DisplayName != "" {
		return h.DisplayName
	}
	return h.RelayUsername
}

// Clone returns a deep copy.
func (h HostRecord) Clone() HostRecord {
	h.Session = h.Session.clone()
	return h
}

func (h HostRecord) normalized() HostRecord {
	h.RelayUsername = util.NormalizeUsername(h.RelayUsername)
	h.RelayURL = strings.TrimSpace(h.RelayURL)
	h.DisplayName = strings.TrimSpace(h.DisplayName)
	return h
}

func (h HostRecord) validate() error {
	if h.RelayUsername == "" || h.RelayURL == "" {
		return ErrInvalidHost
	}
	return nil
}

// CredentialStore persists host records. Implementations return copies;
// callers own what they receive.
type CredentialStore interface {
	Load(ctx context.Context) ([]HostRecord, error)
	Put(ctx context.Context, rec HostRecord) error
	Delete(ctx context.Context, id string) error
}
