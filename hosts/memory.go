package hosts

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps host records in memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]HostRecord
}

var _ CredentialStore = (*MemoryStore)(nil)

// NewMemoryStore returns a store seeded with recs. Seeds are stored as
// given, duplicates included, so resolver behaviour over legacy data can
// be exercised.
func NewMemoryStore(recs ...HostRecord) *MemoryStore {
	m := &MemoryStore{records: make(map[string]HostRecord, len(recs))}
	for _, r := range recs {
		m.records[r.ID] = r.Clone()
	}
	return m
}

func (m *MemoryStore) Load(_ context.Context) ([]HostRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]HostRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) Put(_ context.Context, rec HostRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = rec.Clone()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}
