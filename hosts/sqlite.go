package hosts

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jmcleod/hostlink/internal/logging"
	"github.com/jmcleod/hostlink/internal/util"
)

const (
	metaSalt   = "keyring_salt"
	metaParams = "keyring_params"
	metaCheck  = "keyring_check"
	saltSize   = 16
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS hosts (
		id             TEXT PRIMARY KEY,
		relay_username TEXT NOT NULL,
		relay_url      TEXT NOT NULL,
		srp_username   TEXT NOT NULL DEFAULT '',
		display_name   TEXT NOT NULL DEFAULT '',
		session_id     TEXT NOT NULL DEFAULT '',
		session_key    BLOB,
		key_sealed     INTEGER NOT NULL DEFAULT 0,
		updated_at     TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_hosts_relay_username ON hosts(relay_username)`,
	`CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value BLOB NOT NULL
	)`,
}

const upsertHostSQL = `INSERT INTO hosts
	(id, relay_username, relay_url, srp_username, display_name, session_id, session_key, key_sealed, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		relay_username = excluded.relay_username,
		relay_url      = excluded.relay_url,
		srp_username   = excluded.srp_username,
		display_name   = excluded.display_name,
		session_id     = excluded.session_id,
		session_key    = excluded.session_key,
		key_sealed     = excluded.key_sealed,
		updated_at     = excluded.updated_at`

const selectHostsSQL = `SELECT id, relay_username, relay_url, srp_username, display_name, session_id, session_key, key_sealed
	FROM hosts ORDER BY id`

// SQLiteStore persists host records in a SQLite database. Session keys are
// sealed with a Keyring once one is enabled.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	keyring *Keyring
}

var _ CredentialStore = (*SQLiteStore)(nil)

// OpenSQLiteStore opens (or creates) the database at path. Use ":memory:"
// for a throwaway database.
func OpenSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if path == ":memory:" {
		// Each connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	return NewSQLiteStore(db, logger), nil
}

// NewSQLiteStore wraps an already opened database.
func NewSQLiteStore(db *sql.DB, logger *slog.Logger) *SQLiteStore {
	if logger == nil {
		logger = logging.Discard()
	}
	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "hosts"),
		now:    time.Now,
	}
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates the tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Sealed reports whether a keyring has ever been enabled for this database.
func (s *SQLiteStore) Sealed(ctx context.Context) (bool, error) {
	_, ok, err := s.meta(ctx, metaCheck)
	return ok, err
}

// EnableKeyring unlocks the store with passphrase. On first use it records a
// fresh salt and verifier and seals every plaintext session key already
// stored. Later calls verify the passphrase against the stored verifier.
func (s *SQLiteStore) EnableKeyring(ctx context.Context, passphrase string, params util.Argon2idParams) error {
	salt, ok, err := s.meta(ctx, metaSalt)
	if err != nil {
		return err
	}
	if ok {
		return s.unlock(ctx, passphrase, salt)
	}

	salt, err = util.RandomBytes(saltSize)
	if err != nil {
		return err
	}
	kr, err := NewKeyring(passphrase, salt, params)
	if err != nil {
		return err
	}
	check, err := kr.checkValue()
	if err != nil {
		return err
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal keyring params: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for k, v := range map[string][]byte{metaSalt: salt, metaParams: paramsJSON, metaCheck: check} {
		if _, err := tx.ExecContext(ctx, `INSERT INTO meta (key, value) VALUES (?, ?)`, k, v); err != nil {
			return fmt.Errorf("insert meta %s: %w", k, err)
		}
	}
	if err := sealPlaintextKeys(ctx, tx, kr); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.mu.Lock()
	s.keyring = kr
	s.mu.Unlock()
	s.logger.InfoContext(ctx, "keyring enabled")
	return nil
}

func (s *SQLiteStore) unlock(ctx context.Context, passphrase string, salt []byte) error {
	rawParams, _, err := s.meta(ctx, metaParams)
	if err != nil {
		return err
	}
	var params util.Argon2idParams
	if err := json.Unmarshal(rawParams, &params); err != nil {
		return fmt.Errorf("decode keyring params: %w", err)
	}
	check, _, err := s.meta(ctx, metaCheck)
	if err != nil {
		return err
	}
	kr, err := NewKeyring(passphrase, salt, params)
	if err != nil {
		return err
	}
	if !kr.verify(check) {
		return ErrWrongPassphrase
	}
	s.mu.Lock()
	s.keyring = kr
	s.mu.Unlock()
	return nil
}

func sealPlaintextKeys(ctx context.Context, tx *sql.Tx, kr *Keyring) error {
	rows, err := tx.QueryContext(ctx, `SELECT id, session_key FROM hosts WHERE key_sealed = 0 AND session_key IS NOT NULL`)
	if err != nil {
		return fmt.Errorf("select plaintext keys: %w", err)
	}
	type pending struct {
		id  string
		key []byte
	}
	var todo []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.key); err != nil {
			rows.Close()
			return fmt.Errorf("scan host key: %w", err)
		}
		todo = append(todo, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, p := range todo {
		sealed, err := kr.Seal(p.id, p.key)
		util.WipeBytes(p.key)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE hosts SET session_key = ?, key_sealed = 1 WHERE id = ?`, sealed, p.id); err != nil {
			return fmt.Errorf("seal host key %s: %w", p.id, err)
		}
	}
	return nil
}

func (s *SQLiteStore) meta(ctx context.Context, key string) ([]byte, bool, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read meta %s: %w", key, err)
	}
	return v, true, nil
}

func (s *SQLiteStore) currentKeyring() *Keyring {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keyring
}

// Load returns every stored record. Sealed session keys are opened with the
// keyring; while the store is locked they come back without key material.
func (s *SQLiteStore) Load(ctx context.Context) ([]HostRecord, error) {
	rows, err := s.db.QueryContext(ctx, selectHostsSQL)
	if err != nil {
		return nil, fmt.Errorf("load hosts: %w", err)
	}
	defer rows.Close()

	kr := s.currentKeyring()
	var out []HostRecord
	for rows.Next() {
		var (
			rec       HostRecord
			sessionID string
			key       []byte
			sealed    bool
		)
		if err := rows.Scan(&rec.ID, &rec.RelayUsername, &rec.RelayURL, &rec.SRPUsername,
			&rec.DisplayName, &sessionID, &key, &sealed); err != nil {
			return nil, fmt.Errorf("scan host: %w", err)
		}
		if sessionID != "" {
			creds := &SessionCredentials{SessionID: sessionID}
			switch {
			case !sealed:
				creds.Key = key
			case kr != nil:
				plain, err := kr.Open(rec.ID, key)
				if err != nil {
					return nil, fmt.Errorf("open session key for host %s: %w", rec.ID, err)
				}
				creds.Key = plain
			default:
				s.logger.DebugContext(ctx, "session key sealed, store locked", "host_id", rec.ID)
			}
			rec.Session = creds
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Put inserts or replaces a record. A relay username already claimed by a
// different id yields ErrDuplicateHost.
func (s *SQLiteStore) Put(ctx context.Context, rec HostRecord) error {
	var (
		sessionID string
		key       []byte
		sealed    bool
	)
	if rec.Session != nil {
		sessionID = rec.Session.SessionID
		key = rec.Session.Key
		if len(key) > 0 {
			if kr := s.currentKeyring(); kr != nil {
				var err error
				if key, err = kr.Seal(rec.ID, key); err != nil {
					return err
				}
				sealed = true
			} else if ok, err := s.Sealed(ctx); err != nil {
				return err
			} else if ok {
				return ErrLocked
			}
		}
	}

	s.logger.DebugContext(ctx, "sql", "op", "upsert", "table", "hosts", "id", rec.ID)
	_, err := s.db.ExecContext(ctx, upsertHostSQL,
		rec.ID, rec.RelayUsername, rec.RelayURL, rec.SRPUsername, rec.DisplayName,
		sessionID, key, sealed, s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateHost, rec.RelayUsername)
		}
		return fmt.Errorf("upsert host %s: %w", rec.ID, err)
	}
	return nil
}

// Delete removes a record; deleting a missing id is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM hosts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete host %s: %w", id, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
