// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jmcleod/ironca/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Suitable for testing, demos, and single-process use cases.
type Repository struct {
	mu   sync.RWMutex
	data map[string]map[string]*storage.Record
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{data: make(map[string]map[string]*storage.Record)}
}

func (r *Repository) Put(ctx context.Context, recordType, recordID string, rec *storage.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putLocked(recordType, recordID, rec)
}

func (r *Repository) putLocked(recordType, recordID string, rec *storage.Record) error {
	if _, ok := r.data[recordType]; !ok {
		r.data[recordType] = make(map[string]*storage.Record)
	}
	r.data[recordType][recordID] = rec.Clone()
	return nil
}

func (r *Repository) Get(ctx context.Context, recordType, recordID string) (*storage.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.getLocked(recordType, recordID)
}

func (r *Repository) getLocked(recordType, recordID string) (*storage.Record, error) {
	rec, ok := r.data[recordType][recordID]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	return rec.Clone(), nil
}

func (r *Repository) List(ctx context.Context, recordType string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.data[recordType]))
	for id := range r.data[recordType] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *Repository) ListPrefix(ctx context.Context, recordType, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := []string{}
	for id := range r.data[recordType] {
		if strings.HasPrefix(id, prefix) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *Repository) Delete(ctx context.Context, recordType, recordID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteLocked(recordType, recordID)
}

func (r *Repository) deleteLocked(recordType, recordID string) error {
	if _, ok := r.data[recordType][recordID]; !ok {
		return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	delete(r.data[recordType], recordID)
	return nil
}

func (r *Repository) PutCAS(ctx context.Context, recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putCASLocked(recordType, recordID, expectedVersion, rec)
}

func (r *Repository) putCASLocked(recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	existing, ok := r.data[recordType][recordID]
	switch {
	case !ok && expectedVersion != 0:
		return storage.ErrCASFailed
	case ok && (expectedVersion == 0 || existing.Version != expectedVersion):
		return storage.ErrCASFailed
	}
	return r.putLocked(recordType, recordID, rec)
}

// Batch executes fn within a batch transaction. On error, all writes are rolled back.
func (r *Repository) Batch(ctx context.Context, fn func(tx storage.BatchTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	tx := &memoryBatchTx{repo: r, undo: make(map[batchKey]*storage.Record)}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

type batchKey struct{ recordType, recordID string }

// memoryBatchTx keeps the first-seen value of every record it writes, so
// rollback touches only those records. A nil value means the record did
// not exist.
type memoryBatchTx struct {
	repo *Repository
	undo map[batchKey]*storage.Record
}

func (tx *memoryBatchTx) remember(recordType, recordID string) {
	k := batchKey{recordType, recordID}
	if _, ok := tx.undo[k]; ok {
		return
	}
	tx.undo[k] = tx.repo.data[recordType][recordID]
}

func (tx *memoryBatchTx) rollback() {
	for k, rec := range tx.undo {
		if rec == nil {
			delete(tx.repo.data[k.recordType], k.recordID)
			continue
		}
		tx.repo.data[k.recordType][k.recordID] = rec
	}
}

func (tx *memoryBatchTx) Get(recordType, recordID string) (*storage.Record, error) {
	return tx.repo.getLocked(recordType, recordID)
}

func (tx *memoryBatchTx) Put(recordType, recordID string, rec *storage.Record) error {
	tx.remember(recordType, recordID)
	return tx.repo.putLocked(recordType, recordID, rec)
}

func (tx *memoryBatchTx) PutCAS(recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	tx.remember(recordType, recordID)
	return tx.repo.putCASLocked(recordType, recordID, expectedVersion, rec)
}

func (tx *memoryBatchTx) Delete(recordType, recordID string) error {
	tx.remember(recordType, recordID)
	return tx.repo.deleteLocked(recordType, recordID)
}
