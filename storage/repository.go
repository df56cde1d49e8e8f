// Package storage provides the keyed record store used by the CA engine.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrCASFailed is returned when a compare-and-swap version check fails.
	ErrCASFailed = errors.New("CAS version mismatch")
)

// BatchTx is a view of the store inside an atomic transaction. Reads see
// writes made earlier in the same transaction.
type BatchTx interface {
	Get(recordType, recordID string) (*Record, error)
	Put(recordType, recordID string, rec *Record) error
	PutCAS(recordType, recordID string, expectedVersion uint64, rec *Record) error
	Delete(recordType, recordID string) error
}

// Repository stores opaque records keyed by (recordType, recordID).
//
// PutCAS with expectedVersion 0 creates the record and fails with
// ErrCASFailed if it already exists; any other value must match the stored
// Version. Batch applies every write made by fn atomically, or none of them
// if fn returns an error.
type Repository interface {
	Put(ctx context.Context, recordType, recordID string, rec *Record) error
	Get(ctx context.Context, recordType, recordID string) (*Record, error)
	// List returns the IDs of every record of recordType in ascending order.
	List(ctx context.Context, recordType string) ([]string, error)
	// ListPrefix is List restricted to IDs that start with prefix.
	ListPrefix(ctx context.Context, recordType, prefix string) ([]string, error)
	Delete(ctx context.Context, recordType, recordID string) error
	PutCAS(ctx context.Context, recordType, recordID string, expectedVersion uint64, rec *Record) error
	Batch(ctx context.Context, fn func(tx BatchTx) error) error
}
