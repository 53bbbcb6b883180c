package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/awnumar/memguard"

	icrypto "github.com/jmcleod/hostlink/internal/crypto"
	"github.com/jmcleod/hostlink/internal/util"
	"github.com/jmcleod/hostlink/storage"
)

const (
	namespace         = "__sessions"
	sessionRecordType = "SESSION"
	userRecordType    = "USER"
	recordKeyType     = "SESSION_KEY"
	recordKeyID       = "current"
)

// persistedSession is the sealed on-disk form of a session.
type persistedSession struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Key       []byte    `json:"key"`
	CreatedAt time.Time `json:"created_at"`
	LastUsed  time.Time `json:"last_used"`
	Challenge string    `json:"challenge,omitempty"`
	Seq       uint64    `json:"seq"`
}

// persistedUser is the username index: the ids of a user's sessions.
type persistedUser struct {
	Username string   `json:"username"`
	Sessions []string `json:"sessions"`
}

func userRecordID(username string) string {
	return util.HexEncode([]byte(username))
}

// withRecordKey runs fn with the plaintext record key, wiping it afterwards.
func (s *Store) withRecordKey(fn func(key []byte) error) error {
	s.mu.RLock()
	rk := s.recordKey
	s.mu.RUnlock()
	if rk == nil {
		return ErrNotInitialized
	}
	lb, err := rk.Open()
	if err != nil {
		return fmt.Errorf("opening record key: %w", err)
	}
	defer lb.Destroy()
	return fn(lb.Bytes())
}

func (s *Store) sealSession(e *entry, key []byte) (*storage.Envelope, error) {
	ps := persistedSession{
		ID:        e.id,
		Username:  e.username,
		Key:       key,
		CreatedAt: e.createdAt,
		LastUsed:  e.lastUsed,
		Challenge: e.challenge,
		Seq:       e.seq,
	}
	data, err := json.Marshal(ps)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(data)

	var env *storage.Envelope
	err = s.withRecordKey(func(rk []byte) error {
		var sealErr error
		env, sealErr = storage.SealRecord(rk, data, icrypto.AADSession(namespace, e.id))
		return sealErr
	})
	return env, err
}

func (s *Store) openSession(id string, env *storage.Envelope) (persistedSession, error) {
	var ps persistedSession
	err := s.withRecordKey(func(rk []byte) error {
		data, err := storage.OpenRecord(rk, env, icrypto.AADSession(namespace, id))
		if err != nil {
			return err
		}
		defer util.WipeBytes(data)
		return json.Unmarshal(data, &ps)
	})
	if err != nil {
		return persistedSession{}, err
	}
	if ps.ID != id || ps.Username == "" || len(ps.Key) != keySize {
		util.WipeBytes(ps.Key)
		return persistedSession{}, errors.New("session record fields do not match its key")
	}
	return ps, nil
}

func (s *Store) sealUser(username string, ids []string) (*storage.Envelope, error) {
	data, err := json.Marshal(persistedUser{Username: username, Sessions: ids})
	if err != nil {
		return nil, err
	}
	var env *storage.Envelope
	err = s.withRecordKey(func(rk []byte) error {
		var sealErr error
		env, sealErr = storage.SealRecord(rk, data, icrypto.AADUserIndex(namespace, userRecordID(username)))
		return sealErr
	})
	return env, err
}

func (s *Store) openUser(recordID string, env *storage.Envelope) (persistedUser, error) {
	var pu persistedUser
	err := s.withRecordKey(func(rk []byte) error {
		data, err := storage.OpenRecord(rk, env, icrypto.AADUserIndex(namespace, recordID))
		if err != nil {
			return err
		}
		return json.Unmarshal(data, &pu)
	})
	return pu, err
}

// putUserIndex stages the user's index, or its removal when ids is empty.
func (s *Store) putUserIndex(tx storage.BatchTx, username string, ids []string) error {
	if len(ids) == 0 {
		return storage.IgnoreNotFound(tx.Delete(userRecordType, userRecordID(username)))
	}
	env, err := s.sealUser(username, ids)
	if err != nil {
		return err
	}
	return tx.Put(userRecordType, userRecordID(username), env)
}

// loadOrCreateRecordKey returns the key sealing session records. It is
// stored in the repository wrapped by a key derived from the operator's
// wrapping key. If the stored key cannot be unwrapped (the wrapping key
// changed) a new record key replaces it and existing records become
// unreadable; Initialize then discards them.
func loadOrCreateRecordKey(ctx context.Context, repo storage.Repository, wrappingKey []byte, logger *slog.Logger) (*memguard.Enclave, error) {
	kek, err := icrypto.DeriveRecordWrapKey(wrappingKey, namespace)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(kek)
	aad := icrypto.AADRecordKey(namespace)

	env, err := repo.Get(ctx, namespace, recordKeyType, recordKeyID)
	switch {
	case err == nil:
		key, openErr := storage.OpenRecord(kek, env, aad)
		if openErr == nil && len(key) == util.AESKeySize {
			return memguard.NewEnclave(key), nil
		}
		util.WipeBytes(key)
		logger.WarnContext(ctx, "session record key could not be unwrapped; existing sessions will be discarded")
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("loading session record key: %w", err)
	}

	key, err := util.RandomBytes(util.AESKeySize)
	if err != nil {
		return nil, err
	}
	sealed, err := storage.SealRecord(kek, key, aad)
	if err != nil {
		util.WipeBytes(key)
		return nil, err
	}
	if err := repo.Put(ctx, namespace, recordKeyType, recordKeyID, sealed); err != nil {
		util.WipeBytes(key)
		return nil, fmt.Errorf("storing session record key: %w", err)
	}
	return memguard.NewEnclave(key), nil
}
