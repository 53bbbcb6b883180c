package hosts

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jmcleod/hostlink/internal/util"
	"github.com/jmcleod/hostlink/internal/uuid"
)

// Resolver is an in-memory index over a CredentialStore. Lookups never touch
// the network or the store; writes go to the store first and then the index.
type Resolver struct {
	store CredentialStore

	mu      sync.RWMutex
	byID    map[string]HostRecord
	byRelay map[string][]string
}

// NewResolver returns an empty resolver over store. Call Load to populate it.
func NewResolver(store CredentialStore) *Resolver {
	return &Resolver{
		store:   store,
		byID:    make(map[string]HostRecord),
		byRelay: make(map[string][]string),
	}
}

// Load replaces the index with the store's contents.
func (r *Resolver) Load(ctx context.Context) error {
	recs, err := r.store.Load(ctx)
	if err != nil {
		return err
	}
	byID := make(map[string]HostRecord, len(recs))
	byRelay := make(map[string][]string, len(recs))
	for _, rec := range recs {
		byID[rec.ID] = rec
		name := util.NormalizeUsername(rec.RelayUsername)
		byRelay[name] = append(byRelay[name], rec.ID)
	}
	for _, ids := range byRelay {
		sort.Strings(ids)
	}

	r.mu.Lock()
	r.byID = byID
	r.byRelay = byRelay
	r.mu.Unlock()
	return nil
}

// GetHostByRelayUsername resolves a relay username, compared after
// normalization. More than one matching record is ErrDuplicateHost rather
// than an arbitrary pick.
func (r *Resolver) GetHostByRelayUsername(relayUsername string) (HostRecord, bool, error) {
	name := util.NormalizeUsername(relayUsername)
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byRelay[name]
	switch len(ids) {
	case 0:
		return HostRecord{}, false, nil
	case 1:
		return r.byID[ids[0]].Clone(), true, nil
	default:
		return HostRecord{}, false, fmt.Errorf("%w: %q matches %d records", ErrDuplicateHost, name, len(ids))
	}
}

// GetHostByID returns the record with the given id.
func (r *Resolver) GetHostByID(id string) (HostRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byID[id]
	if !ok {
		return HostRecord{}, false
	}
	return rec.Clone(), true
}

// List returns every record ordered by relay username.
func (r *Resolver) List() []HostRecord {
	r.mu.RLock()
	out := make([]HostRecord, 0, len(r.byID))
	for _, rec := range r.byID {
		out = append(out, rec.Clone())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].RelayUsername != out[j].RelayUsername {
			return out[i].RelayUsername < out[j].RelayUsername
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Upsert stores rec, assigning an id when it has none. The relay username is
// normalized before storing and may not collide with another record.
func (r *Resolver) Upsert(ctx context.Context, rec HostRecord) (HostRecord, error) {
	rec = rec.normalized()
	if err := rec.validate(); err != nil {
		return HostRecord{}, err
	}
	if rec.ID == "" {
		rec.ID = uuid.New()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.byRelay[rec.RelayUsername] {
		if id != rec.ID {
			return HostRecord{}, fmt.Errorf("%w: %q", ErrDuplicateHost, rec.RelayUsername)
		}
	}
	if err := r.store.Put(ctx, rec); err != nil {
		return HostRecord{}, err
	}
	if prev, ok := r.byID[rec.ID]; ok {
		r.unindexLocked(prev)
	}
	r.byID[rec.ID] = rec.Clone()
	r.byRelay[rec.RelayUsername] = append(r.byRelay[rec.RelayUsername], rec.ID)
	return rec.Clone(), nil
}

// SetSession replaces the resumable credentials on an existing record; nil
// clears them.
func (r *Resolver) SetSession(ctx context.Context, id string, creds *SessionCredentials) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("host %s: not found", id)
	}
	rec = rec.Clone()
	rec.Session = creds.clone()
	if err := r.store.Put(ctx, rec); err != nil {
		return err
	}
	r.byID[id] = rec
	return nil
}

// Remove deletes a record; removing an unknown id is a no-op.
func (r *Resolver) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.store.Delete(ctx, id); err != nil {
		return err
	}
	if prev, ok := r.byID[id]; ok {
		r.unindexLocked(prev)
		delete(r.byID, id)
	}
	return nil
}

func (r *Resolver) unindexLocked(rec HostRecord) {
	name := util.NormalizeUsername(rec.RelayUsername)
	ids := r.byRelay[name]
	for i, id := range ids {
		if id == rec.ID {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(r.byRelay, name)
		return
	}
	r.byRelay[name] = ids
}
