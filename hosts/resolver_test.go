package hosts

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolver_LookupIsNormalized(t *testing.T) {
	ctx := context.Background()
	r := NewResolver(NewMemoryStore())
	rec, err := r.Upsert(ctx, HostRecord{RelayUsername: "  Alice-Box ", RelayURL: "wss://relay.example"})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "alice-box", rec.RelayUsername)

	got, ok, err := r.GetHostByRelayUsername("ALICE-BOX")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec.ID, got.ID)

	_, ok, err = r.GetHostByRelayUsername("bob-box")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResolver_RejectsInvalid(t *testing.T) {
	r := NewResolver(NewMemoryStore())
	_, err := r.Upsert(context.Background(), HostRecord{RelayUsername: "x"})
	assert.ErrorIs(t, err, ErrInvalidHost)
	_, err = r.Upsert(context.Background(), HostRecord{RelayURL: "wss://r"})
	assert.ErrorIs(t, err, ErrInvalidHost)
}

func TestResolver_DuplicateOnUpsert(t *testing.T) {
	ctx := context.Background()
	r := NewResolver(NewMemoryStore())
	first, err := r.Upsert(ctx, HostRecord{RelayUsername: "alice-box", RelayURL: "wss://a"})
	require.NoError(t, err)

	_, err = r.Upsert(ctx, HostRecord{RelayUsername: "Alice-Box", RelayURL: "wss://b"})
	assert.ErrorIs(t, err, ErrDuplicateHost)

	// Updating the same record is fine.
	first.RelayURL = "wss://c"
	_, err = r.Upsert(ctx, first)
	require.NoError(t, err)
	got, ok, err := r.GetHostByRelayUsername("alice-box")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "wss://c", got.RelayURL)
}

func TestResolver_DuplicateInStoreFailsLoudly(t *testing.T) {
	store := NewMemoryStore(
		HostRecord{ID: "1", RelayUsername: "alice-box", RelayURL: "wss://a"},
		HostRecord{ID: "2", RelayUsername: "ALICE-BOX", RelayURL: "wss://b"},
	)
	r := NewResolver(store)
	require.NoError(t, r.Load(context.Background()))

	_, ok, err := r.GetHostByRelayUsername("alice-box")
	assert.False(t, ok)
	assert.True(t, errors.Is(err, ErrDuplicateHost))

	// Removing one of them resolves the ambiguity.
	require.NoError(t, r.Remove(context.Background(), "2"))
	got, ok, err := r.GetHostByRelayUsername("alice-box")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1", got.ID)
}

func TestResolver_RenameReindexes(t *testing.T) {
	ctx := context.Background()
	r := NewResolver(NewMemoryStore())
	rec, err := r.Upsert(ctx, HostRecord{RelayUsername: "old-name", RelayURL: "wss://a"})
	require.NoError(t, err)

	rec.RelayUsername = "new-name"
	_, err = r.Upsert(ctx, rec)
	require.NoError(t, err)

	_, ok, err := r.GetHostByRelayUsername("old-name")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = r.GetHostByRelayUsername("new-name")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, r.List(), 1)
}

func TestResolver_SetSessionAndCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	r := NewResolver(store)
	rec, err := r.Upsert(ctx, HostRecord{RelayUsername: "alice-box", RelayURL: "wss://a"})
	require.NoError(t, err)
	assert.False(t, rec.HasSession())

	key := []byte("0123456789abcdef0123456789abcdef")
	require.NoError(t, r.SetSession(ctx, rec.ID, &SessionCredentials{SessionID: "sid", Key: key}))
	key[0] = 'X'

	got, ok := r.GetHostByID(rec.ID)
	require.True(t, ok)
	require.True(t, got.HasSession())
	assert.Equal(t, byte('0'), got.Session.Key[0])

	got.Session.Key[1] = 'Y'
	again, _ := r.GetHostByID(rec.ID)
	assert.Equal(t, byte('1'), again.Session.Key[1])

	// A reload from the store sees the same credentials.
	fresh := NewResolver(store)
	require.NoError(t, fresh.Load(ctx))
	loaded, ok := fresh.GetHostByID(rec.ID)
	require.True(t, ok)
	assert.Equal(t, "sid", loaded.Session.SessionID)

	require.NoError(t, r.SetSession(ctx, rec.ID, nil))
	cleared, _ := r.GetHostByID(rec.ID)
	assert.False(t, cleared.HasSession())

	assert.Error(t, r.SetSession(ctx, "missing", nil))
}

type failingStore struct {
	*MemoryStore
	err error
}

func (f *failingStore) Put(context.Context, HostRecord) error { return f.err }

func TestResolver_StoreFailureLeavesIndexUntouched(t *testing.T) {
	boom := errors.New("disk full")
	r := NewResolver(&failingStore{MemoryStore: NewMemoryStore(), err: boom})
	_, err := r.Upsert(context.Background(), HostRecord{RelayUsername: "alice-box", RelayURL: "wss://a"})
	assert.ErrorIs(t, err, boom)
	_, ok, err := r.GetHostByRelayUsername("alice-box")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHostRecordLabel(t *testing.T) {
	assert.Equal(t, "alice-box", HostRecord{RelayUsername: "alice-box"}.Label())
	assert.Equal(t, "Alice's box", HostRecord{RelayUsername: "alice-box", DisplayName: "Alice's box"}.Label())
}
