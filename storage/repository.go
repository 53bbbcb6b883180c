// Package storage is the persistence layer behind the session store and
// other hostlink state. Records are opaque sealed envelopes grouped by
// namespace and record type; backends never see plaintext.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// BatchTx stages writes that commit atomically when the Batch callback
// returns nil. The namespace is fixed for the batch.
type BatchTx interface {
	Put(recordType, recordID string, envelope *Envelope) error
	Delete(recordType, recordID string) error
}

// Repository defines the operations every storage backend provides.
type Repository interface {
	Put(ctx context.Context, namespace, recordType, recordID string, envelope *Envelope) error
	Get(ctx context.Context, namespace, recordType, recordID string) (*Envelope, error)
	Delete(ctx context.Context, namespace, recordType, recordID string) error
	List(ctx context.Context, namespace, recordType string) ([]string, error)
	// Batch runs fn inside a transaction. If fn returns an error nothing it
	// staged is visible afterwards.
	Batch(ctx context.Context, namespace string, fn func(tx BatchTx) error) error
}

// IgnoreNotFound maps ErrNotFound to nil. Deletes in hostlink are idempotent.
func IgnoreNotFound(err error) error {
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}
