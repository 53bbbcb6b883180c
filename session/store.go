package session

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/hostlink/crypto"
	"github.com/jmcleod/hostlink/internal/logging"
	"github.com/jmcleod/hostlink/internal/metrics"
	"github.com/jmcleod/hostlink/internal/util"
	"github.com/jmcleod/hostlink/storage"
)

const (
	keySize      = crypto.KeySize
	idBytes      = 32
	sweepTimeout = 30 * time.Second
)

// Record is a snapshot of a session. Key is a private copy; callers should
// wipe it when done.
type Record struct {
	ID               string
	Username         string
	Key              []byte
	CreatedAt        time.Time
	LastUsed         time.Time
	PendingChallenge string
}

// HasPendingChallenge reports whether a challenge awaits a proof.
func (r Record) HasPendingChallenge() bool {
	return r.PendingChallenge != ""
}

type entry struct {
	id        string
	username  string
	key       *memguard.Enclave
	createdAt time.Time
	lastUsed  time.Time
	challenge string
	seq       uint64
}

func (e *entry) expired(now time.Time, cfg Config) bool {
	return now.Sub(e.createdAt) >= cfg.MaxLifetime || now.Sub(e.lastUsed) >= cfg.IdleTimeout
}

func (e *entry) openKey() ([]byte, error) {
	lb, err := e.key.Open()
	if err != nil {
		return nil, fmt.Errorf("opening session key: %w", err)
	}
	defer lb.Destroy()
	return util.CopyBytes(lb.Bytes()), nil
}

func (e *entry) toRecord(key []byte) Record {
	return Record{
		ID:               e.id,
		Username:         e.username,
		Key:              util.CopyBytes(key),
		CreatedAt:        e.createdAt,
		LastUsed:         e.lastUsed,
		PendingChallenge: e.challenge,
	}
}

// lruLess orders entries least recently used first; insertion order breaks
// ties.
func lruLess(a, b *entry) int {
	if c := a.lastUsed.Compare(b.lastUsed); c != 0 {
		return c
	}
	return cmp.Compare(a.seq, b.seq)
}

type storeState int

const (
	stateNew storeState = iota
	stateReady
)

// Store owns every resumable session.
//
// Lock order is user lock, then session locks (sorted), then mu. Operations
// on a single session take only its session lock; anything that changes a
// user's set of sessions takes the user lock first. mu guards the maps and
// the mutable entry fields and is never held across storage I/O.
type Store struct {
	repo        storage.Repository
	wrappingKey *memguard.Enclave
	cfg         Config
	now         func() time.Time
	logger      *slog.Logger
	audit       *auditLogger
	metrics     *metrics.Metrics

	userLocks    *keyedMutex
	sessionLocks *keyedMutex
	lifecycle    sync.Mutex

	mu        sync.RWMutex
	state     storeState
	recordKey *memguard.Enclave
	sessions  map[string]*entry
	byUser    map[string]map[string]*entry
	seq       uint64
	stopCh    chan struct{}
	loopDone  chan struct{}
}

// New creates a Store backed by repo. wrappingKey (32 bytes) seals the
// record key at rest; it is never written to repo. The store is unusable
// until Initialize succeeds.
func New(repo storage.Repository, wrappingKey []byte, opts ...Option) (*Store, error) {
	if repo == nil {
		return nil, errors.New("session store requires a repository")
	}
	if len(wrappingKey) != util.AESKeySize {
		return nil, fmt.Errorf("wrapping key must be exactly %d bytes, got %d", util.AESKeySize, len(wrappingKey))
	}
	s := &Store{
		repo:         repo,
		wrappingKey:  memguard.NewEnclave(util.CopyBytes(wrappingKey)),
		cfg:          DefaultConfig(),
		now:          time.Now,
		logger:       slog.New(slog.NewJSONHandler(os.Stderr, nil)),
		userLocks:    newKeyedMutex(),
		sessionLocks: newKeyedMutex(),
		sessions:     make(map[string]*entry),
		byUser:       make(map[string]map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.audit = newAuditLogger(s.logger, s.now)
	return s, nil
}

// Config returns the active policy.
func (s *Store) Config() Config {
	return s.cfg
}

// Initialize loads durable state and starts the expiry sweep. Unreadable
// or expired records are purged from storage. Storage errors are returned
// and leave the store uninitialized. Calling Initialize on a ready store is
// a no-op.
func (s *Store) Initialize(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.RLock()
	ready := s.state == stateReady
	s.mu.RUnlock()
	if ready {
		return nil
	}

	wk, err := s.wrappingKey.Open()
	if err != nil {
		return fmt.Errorf("opening wrapping key: %w", err)
	}
	recordKey, err := loadOrCreateRecordKey(ctx, s.repo, wk.Bytes(), s.logger)
	wk.Destroy()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.recordKey = recordKey
	s.mu.Unlock()

	loaded, maxSeq, err := s.load(ctx)
	if err != nil {
		s.mu.Lock()
		s.recordKey = nil
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.sessions = make(map[string]*entry, len(loaded))
	s.byUser = make(map[string]map[string]*entry)
	for _, e := range loaded {
		s.insertLocked(e)
	}
	s.seq = maxSeq
	s.state = stateReady
	if s.cfg.SweepInterval > 0 {
		s.stopCh = make(chan struct{})
		s.loopDone = make(chan struct{})
		go s.cleanupLoop(s.stopCh, s.loopDone)
	}
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "session store initialized", "sessions", len(loaded))
	return nil
}

// load reads every session record, drops what is unreadable, expired or
// over the per-user cap, and rewrites the username index to match.
func (s *Store) load(ctx context.Context) ([]*entry, uint64, error) {
	ids, err := s.repo.List(ctx, namespace, sessionRecordType)
	if err != nil {
		return nil, 0, fmt.Errorf("listing sessions: %w", err)
	}

	now := s.now()
	var (
		stale  []string
		maxSeq uint64
		users  = make(map[string][]*entry)
	)
	for _, id := range ids {
		env, err := s.repo.Get(ctx, namespace, sessionRecordType, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, 0, fmt.Errorf("loading session %s: %w", logging.ShortID(id), err)
		}
		ps, err := s.openSession(id, env)
		if err != nil {
			s.logger.WarnContext(ctx, "discarding unreadable session record", "session_id", logging.ShortID(id), "err", err)
			stale = append(stale, id)
			continue
		}
		e := &entry{
			id:        ps.ID,
			username:  ps.Username,
			key:       memguard.NewEnclave(ps.Key),
			createdAt: ps.CreatedAt,
			lastUsed:  ps.LastUsed,
			challenge: ps.Challenge,
			seq:       ps.Seq,
		}
		maxSeq = max(maxSeq, e.seq)
		if e.expired(now, s.cfg) {
			stale = append(stale, id)
			continue
		}
		users[e.username] = append(users[e.username], e)
	}

	var loaded []*entry
	for username, entries := range users {
		slices.SortFunc(entries, lruLess)
		if over := len(entries) - s.cfg.MaxSessionsPerUser; over > 0 {
			for _, e := range entries[:over] {
				stale = append(stale, e.id)
			}
			entries = entries[over:]
			users[username] = entries
		}
		loaded = append(loaded, entries...)
	}

	indexIDs, err := s.repo.List(ctx, namespace, userRecordType)
	if err != nil {
		return nil, 0, fmt.Errorf("listing session index: %w", err)
	}
	current := make(map[string][]string, len(indexIDs))
	for _, rid := range indexIDs {
		env, err := s.repo.Get(ctx, namespace, userRecordType, rid)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, 0, fmt.Errorf("loading session index: %w", err)
		}
		if err != nil {
			continue
		}
		if pu, err := s.openUser(rid, env); err == nil {
			current[rid] = pu.Sessions
		} else {
			current[rid] = nil
		}
	}

	err = s.repo.Batch(ctx, namespace, func(tx storage.BatchTx) error {
		for _, id := range stale {
			if err := storage.IgnoreNotFound(tx.Delete(sessionRecordType, id)); err != nil {
				return err
			}
		}
		for username, entries := range users {
			want := sortedIDs(entries)
			rid := userRecordID(username)
			have, ok := current[rid]
			delete(current, rid)
			if ok && slices.Equal(have, want) {
				continue
			}
			if err := s.putUserIndex(tx, username, want); err != nil {
				return err
			}
		}
		for rid := range current {
			if err := storage.IgnoreNotFound(tx.Delete(userRecordType, rid)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("reconciling sessions: %w", err)
	}
	if len(stale) > 0 {
		s.logger.InfoContext(ctx, "purged stale sessions on load", "count", len(stale))
	}
	return loaded, maxSeq, nil
}

// Shutdown stops the sweep and drops in-memory state. Every mutation is
// already durable, so nothing is flushed. The store may be initialized
// again afterwards.
func (s *Store) Shutdown(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if s.state != stateReady {
		s.mu.Unlock()
		return nil
	}
	s.state = stateNew
	stop, done := s.stopCh, s.loopDone
	s.stopCh, s.loopDone = nil, nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	s.sessions = make(map[string]*entry)
	s.byUser = make(map[string]map[string]*entry)
	s.recordKey = nil
	s.mu.Unlock()
	return nil
}

func (s *Store) ready() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != stateReady {
		return ErrNotInitialized
	}
	return nil
}

// Ready reports whether the store has loaded and is serving.
func (s *Store) Ready() bool {
	return s.ready() == nil
}

// CreateSession stores a new session for username and returns its id. If
// the user is then over the cap, their least recently used sessions are
// evicted in the same storage transaction.
func (s *Store) CreateSession(ctx context.Context, username string, key []byte) (string, error) {
	if username == "" {
		return "", ErrInvalidUsername
	}
	if len(key) != keySize {
		return "", ErrInvalidKey
	}
	if err := s.ready(); err != nil {
		return "", err
	}

	unlockUser := s.userLocks.Lock(username)
	defer unlockUser()

	id, err := s.newID()
	if err != nil {
		return "", err
	}
	existing := s.userSessionIDs(username)
	unlockSessions := s.sessionLocks.LockAll(append(existing, id))
	defer unlockSessions()

	now := s.now()
	var live, victims []*entry
	s.mu.RLock()
	for _, e := range s.byUser[username] {
		if e.expired(now, s.cfg) {
			victims = append(victims, e)
		} else {
			live = append(live, e)
		}
	}
	s.mu.RUnlock()

	expiredCount := len(victims)
	slices.SortFunc(live, lruLess)
	if over := len(live) + 1 - s.cfg.MaxSessionsPerUser; over > 0 {
		victims = append(victims, live[:over]...)
		live = live[over:]
	}

	e := &entry{
		id:        id,
		username:  username,
		key:       memguard.NewEnclave(util.CopyBytes(key)),
		createdAt: now,
		lastUsed:  now,
		seq:       s.nextSeq(),
	}
	env, err := s.sealSession(e, key)
	if err != nil {
		return "", fmt.Errorf("sealing session: %w", err)
	}
	remaining := append(sortedIDs(live), id)
	slices.Sort(remaining)

	err = s.repo.Batch(ctx, namespace, func(tx storage.BatchTx) error {
		if err := tx.Put(sessionRecordType, id, env); err != nil {
			return err
		}
		for _, v := range victims {
			if err := storage.IgnoreNotFound(tx.Delete(sessionRecordType, v.id)); err != nil {
				return err
			}
		}
		return s.putUserIndex(tx, username, remaining)
	})
	if err != nil {
		return "", fmt.Errorf("persisting session: %w", err)
	}

	s.mu.Lock()
	for _, v := range victims {
		s.dropLocked(v.id)
	}
	s.insertLocked(e)
	s.mu.Unlock()

	s.metrics.SessionCreated()
	s.audit.log(ctx, AuditSessionCreated, id, username)
	for i, v := range victims {
		if i < expiredCount {
			s.metrics.SessionsRemoved("expired", 1)
			s.audit.log(ctx, AuditSessionExpired, v.id, username)
			continue
		}
		s.metrics.SessionsEvicted(1)
		s.audit.log(ctx, AuditSessionEvicted, v.id, username)
	}
	return id, nil
}

// GetSession returns the session if it exists and has not expired. An
// expired session is removed as a side effect.
func (s *Store) GetSession(ctx context.Context, id string) (Record, bool) {
	if s.ready() != nil {
		return Record{}, false
	}
	unlock := s.sessionLocks.Lock(id)
	e, ok := s.lookup(id)
	if !ok {
		unlock()
		return Record{}, false
	}
	if e.expired(s.now(), s.cfg) {
		unlock()
		s.expire(ctx, id)
		return Record{}, false
	}
	key, err := e.openKey()
	if err != nil {
		unlock()
		s.logger.ErrorContext(ctx, "reading session key", "session_id", logging.ShortID(id), "err", err)
		return Record{}, false
	}
	defer util.WipeBytes(key)
	rec := e.toRecord(key)
	unlock()
	return rec, true
}

// GetSessionKey returns a copy of the session key for a live session.
func (s *Store) GetSessionKey(ctx context.Context, id string) ([]byte, bool) {
	rec, ok := s.GetSession(ctx, id)
	if !ok {
		return nil, false
	}
	return rec.Key, true
}

// DeleteSession removes a session. Deleting an absent session is not an
// error.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if err := s.ready(); err != nil {
		return err
	}
	e, ok := s.lookup(id)
	if !ok {
		return nil
	}
	unlockUser := s.userLocks.Lock(e.username)
	defer unlockUser()
	unlockSession := s.sessionLocks.Lock(id)
	defer unlockSession()

	if _, ok := s.lookup(id); !ok {
		return nil
	}
	if err := s.commitRemoval(ctx, e.username, []string{id}); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	s.metrics.SessionsRemoved("deleted", 1)
	s.audit.log(ctx, AuditSessionDeleted, id, e.username)
	return nil
}

// InvalidateUserSessions removes every session belonging to username and
// returns how many live sessions were removed. Expired leftovers are
// purged too but not counted.
func (s *Store) InvalidateUserSessions(ctx context.Context, username string) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	unlockUser := s.userLocks.Lock(username)
	defer unlockUser()

	ids := s.userSessionIDs(username)
	if len(ids) == 0 {
		return 0, nil
	}
	unlockSessions := s.sessionLocks.LockAll(ids)
	defer unlockSessions()

	live := s.liveCount(username)
	if err := s.commitRemoval(ctx, username, ids); err != nil {
		return 0, fmt.Errorf("invalidating sessions: %w", err)
	}
	s.metrics.SessionsRemoved("invalidated", len(ids))
	s.audit.log(ctx, AuditSessionsInvalidated, "", username, slog.Int("count", live))
	return live, nil
}

// GetSessionCount returns the number of live sessions for username.
func (s *Store) GetSessionCount(username string) int {
	if s.ready() != nil {
		return 0
	}
	return s.liveCount(username)
}

// Sweep removes every expired session and returns how many were removed.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	now := s.now()
	expired := make(map[string][]string)
	s.mu.RLock()
	for _, e := range s.sessions {
		if e.expired(now, s.cfg) {
			expired[e.username] = append(expired[e.username], e.id)
		}
	}
	s.mu.RUnlock()

	removed := 0
	var errs []error
	for username, ids := range expired {
		n, err := s.removeExpired(ctx, username, ids)
		removed += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return removed, errors.Join(errs...)
}

func (s *Store) cleanupLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
			n, err := s.Sweep(ctx)
			cancel()
			if err != nil {
				s.logger.Warn("session sweep failed", "err", err)
			} else if n > 0 {
				s.logger.Debug("session sweep", "removed", n)
			}
		}
	}
}

// expire removes one session if it is still present and expired. Failures
// are logged; the session stays invisible either way.
func (s *Store) expire(ctx context.Context, id string) {
	e, ok := s.lookup(id)
	if !ok {
		return
	}
	if _, err := s.removeExpired(ctx, e.username, []string{id}); err != nil {
		s.logger.WarnContext(ctx, "removing expired session", "session_id", logging.ShortID(id), "err", err)
	}
}

func (s *Store) removeExpired(ctx context.Context, username string, ids []string) (int, error) {
	unlockUser := s.userLocks.Lock(username)
	defer unlockUser()
	unlockSessions := s.sessionLocks.LockAll(ids)
	defer unlockSessions()

	now := s.now()
	var confirmed []string
	s.mu.RLock()
	for _, id := range ids {
		if e, ok := s.sessions[id]; ok && e.username == username && e.expired(now, s.cfg) {
			confirmed = append(confirmed, id)
		}
	}
	s.mu.RUnlock()
	if len(confirmed) == 0 {
		return 0, nil
	}
	if err := s.commitRemoval(ctx, username, confirmed); err != nil {
		return 0, err
	}
	s.metrics.SessionsRemoved("expired", len(confirmed))
	for _, id := range confirmed {
		s.audit.log(ctx, AuditSessionExpired, id, username)
	}
	return len(confirmed), nil
}

// commitRemoval durably removes ids and rewrites the user's index, then
// drops them from memory. The caller holds the user lock and the session
// locks for ids.
func (s *Store) commitRemoval(ctx context.Context, username string, ids []string) error {
	gone := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		gone[id] = struct{}{}
	}
	var remaining []string
	for _, id := range s.userSessionIDs(username) {
		if _, ok := gone[id]; !ok {
			remaining = append(remaining, id)
		}
	}

	err := s.repo.Batch(ctx, namespace, func(tx storage.BatchTx) error {
		for _, id := range ids {
			if err := storage.IgnoreNotFound(tx.Delete(sessionRecordType, id)); err != nil {
				return err
			}
		}
		return s.putUserIndex(tx, username, remaining)
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	for _, id := range ids {
		s.dropLocked(id)
	}
	s.mu.Unlock()
	return nil
}

// persistEntry writes e's current fields. The caller holds e's session lock.
func (s *Store) persistEntry(ctx context.Context, e *entry, key []byte) error {
	env, err := s.sealSession(e, key)
	if err != nil {
		return err
	}
	return s.repo.Put(ctx, namespace, sessionRecordType, e.id, env)
}

func (s *Store) lookup(id string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[id]
	return e, ok
}

func (s *Store) liveCount(username string) int {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.byUser[username] {
		if !e.expired(now, s.cfg) {
			n++
		}
	}
	return n
}

// userSessionIDs returns the ids of every session (live or not) for username.
func (s *Store) userSessionIDs(username string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.byUser[username]))
	for id := range s.byUser[username] {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (s *Store) insertLocked(e *entry) {
	s.sessions[e.id] = e
	m, ok := s.byUser[e.username]
	if !ok {
		m = make(map[string]*entry)
		s.byUser[e.username] = m
	}
	m[e.id] = e
}

func (s *Store) dropLocked(id string) {
	e, ok := s.sessions[id]
	if !ok {
		return
	}
	delete(s.sessions, id)
	if m := s.byUser[e.username]; m != nil {
		delete(m, id)
		if len(m) == 0 {
			delete(s.byUser, e.username)
		}
	}
}

func (s *Store) nextSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

func (s *Store) newID() (string, error) {
	for {
		id, err := util.RandomHex(idBytes)
		if err != nil {
			return "", fmt.Errorf("generating session id: %w", err)
		}
		if _, taken := s.lookup(id); !taken {
			return id, nil
		}
	}
}

func sortedIDs(entries []*entry) []string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	slices.Sort(ids)
	return ids
}
