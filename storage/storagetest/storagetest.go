// Package storagetest holds the behaviour every storage.Repository backend
// must share. Backend packages call Run from their own tests.
package storagetest

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/jmcleod/hostlink/storage"
)

func envelope(body string) *storage.Envelope {
	return &storage.Envelope{Ver: 1, Scheme: "aes256gcm", Nonce: make([]byte, 12), Ciphertext: []byte(body)}
}

// Run exercises repo. It expects an empty repository.
func Run(t *testing.T, repo storage.Repository) {
	t.Helper()
	ctx := context.Background()
	const ns = "__sessions"

	t.Run("PutGet", func(t *testing.T) {
		if err := repo.Put(ctx, ns, "SESSION", "s1", envelope("one")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		got, err := repo.Get(ctx, ns, "SESSION", "s1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Ver != 1 || got.Scheme != "aes256gcm" || !bytes.Equal(got.Ciphertext, []byte("one")) {
			t.Errorf("Get returned wrong envelope: %+v", got)
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		if err := repo.Put(ctx, ns, "SESSION", "s1", envelope("uno")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		got, err := repo.Get(ctx, ns, "SESSION", "s1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(got.Ciphertext) != "uno" {
			t.Errorf("expected overwritten ciphertext, got %q", got.Ciphertext)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		if _, err := repo.Get(ctx, ns, "SESSION", "missing"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if _, err := repo.Get(ctx, "no-such-namespace", "SESSION", "s1"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound for unknown namespace, got %v", err)
		}
	})

	t.Run("ListByType", func(t *testing.T) {
		_ = repo.Put(ctx, ns, "SESSION", "s2", envelope("two"))
		_ = repo.Put(ctx, ns, "USER", "616c696365", envelope("idx"))
		_ = repo.Put(ctx, "other", "SESSION", "s9", envelope("elsewhere"))

		ids, err := repo.List(ctx, ns, "SESSION")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		sort.Strings(ids)
		if len(ids) != 2 || ids[0] != "s1" || ids[1] != "s2" {
			t.Errorf("expected [s1 s2], got %v", ids)
		}

		ids, err = repo.List(ctx, "no-such-namespace", "SESSION")
		if err != nil {
			t.Errorf("expected no error listing unknown namespace, got %v", err)
		}
		if len(ids) != 0 {
			t.Errorf("expected no ids, got %v", ids)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := repo.Delete(ctx, ns, "SESSION", "s2"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := repo.Get(ctx, ns, "SESSION", "s2"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
		if err := repo.Delete(ctx, ns, "SESSION", "s2"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound deleting twice, got %v", err)
		}
	})

	t.Run("BatchCommits", func(t *testing.T) {
		err := repo.Batch(ctx, ns, func(tx storage.BatchTx) error {
			if err := tx.Put("SESSION", "s3", envelope("three")); err != nil {
				return err
			}
			return tx.Delete("SESSION", "s1")
		})
		if err != nil {
			t.Fatalf("Batch failed: %v", err)
		}
		if _, err := repo.Get(ctx, ns, "SESSION", "s3"); err != nil {
			t.Errorf("expected s3 after batch, got %v", err)
		}
		if _, err := repo.Get(ctx, ns, "SESSION", "s1"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected s1 deleted by batch, got %v", err)
		}
	})

	t.Run("BatchRollsBack", func(t *testing.T) {
		boom := errors.New("boom")
		err := repo.Batch(ctx, ns, func(tx storage.BatchTx) error {
			if err := tx.Put("SESSION", "s4", envelope("four")); err != nil {
				return err
			}
			if err := tx.Delete("SESSION", "s3"); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected batch error to propagate, got %v", err)
		}
		if _, err := repo.Get(ctx, ns, "SESSION", "s4"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected s4 rolled back, got %v", err)
		}
		if _, err := repo.Get(ctx, ns, "SESSION", "s3"); err != nil {
			t.Errorf("expected s3 restored, got %v", err)
		}
	})

	t.Run("BatchDeleteMissing", func(t *testing.T) {
		err := repo.Batch(ctx, ns, func(tx storage.BatchTx) error {
			return storage.IgnoreNotFound(tx.Delete("SESSION", "never-existed"))
		})
		if err != nil {
			t.Errorf("expected ignorable ErrNotFound inside batch, got %v", err)
		}
	})
}
