// Package storagetest holds the behaviour every storage.Repository backend
// must share. Backends call Run from their own tests.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"

	"github.com/jmcleod/ironca/storage"
)

// Run exercises repo. It expects an empty store.
func Run(t *testing.T, repo storage.Repository) {
	t.Helper()
	ctx := context.Background()
	rec := &storage.Record{Ver: 1, Data: []byte(`{"n":1}`), Version: 1}

	t.Run("PutGet", func(t *testing.T) {
		if err := repo.Put(ctx, "ca", "c1", rec); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		got, err := repo.Get(ctx, "ca", "c1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Ver != rec.Ver || string(got.Data) != string(rec.Data) || got.Version != rec.Version {
			t.Errorf("Get returned %+v, want %+v", got, rec)
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		if _, err := repo.Get(ctx, "ca", "missing"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if _, err := repo.Get(ctx, "no-such-type", "c1"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound for unknown type, got %v", err)
		}
	})

	t.Run("ListSorted", func(t *testing.T) {
		for _, id := range []string{"c3", "c2"} {
			if err := repo.Put(ctx, "ca", id, rec); err != nil {
				t.Fatalf("Put %s failed: %v", id, err)
			}
		}
		if err := repo.Put(ctx, "cert", "x1", rec); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		ids, err := repo.List(ctx, "ca")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if !slices.Equal(ids, []string{"c1", "c2", "c3"}) {
			t.Errorf("List returned %v", ids)
		}
		ids, err = repo.List(ctx, "empty")
		if err != nil || len(ids) != 0 {
			t.Errorf("List of unknown type returned %v, %v", ids, err)
		}
	})

	t.Run("ListPrefix", func(t *testing.T) {
		for _, id := range []string{"ca-1/002", "ca-1/001", "ca-10/001", "ca-2/001", "ca_1/001"} {
			if err := repo.Put(ctx, "idx", id, rec); err != nil {
				t.Fatalf("Put %s failed: %v", id, err)
			}
		}
		ids, err := repo.ListPrefix(ctx, "idx", "ca-1/")
		if err != nil {
			t.Fatalf("ListPrefix failed: %v", err)
		}
		if !slices.Equal(ids, []string{"ca-1/001", "ca-1/002"}) {
			t.Errorf("ListPrefix returned %v", ids)
		}
		ids, err = repo.ListPrefix(ctx, "idx", "ca_")
		if err != nil || !slices.Equal(ids, []string{"ca_1/001"}) {
			t.Errorf("ListPrefix with a LIKE metacharacter returned %v, %v", ids, err)
		}
		ids, err = repo.ListPrefix(ctx, "empty", "x")
		if err != nil || len(ids) != 0 {
			t.Errorf("ListPrefix of unknown type returned %v, %v", ids, err)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := repo.Delete(ctx, "ca", "c3"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := repo.Get(ctx, "ca", "c3"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("record should be gone, got %v", err)
		}
		if err := repo.Delete(ctx, "ca", "c3"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("second Delete should be ErrNotFound, got %v", err)
		}
	})

	t.Run("PutCAS", func(t *testing.T) {
		v1 := &storage.Record{Ver: 1, Data: []byte(`1`), Version: 1}
		v2 := &storage.Record{Ver: 1, Data: []byte(`2`), Version: 2}

		if err := repo.PutCAS(ctx, "crl", "k", 0, v1); err != nil {
			t.Fatalf("PutCAS create failed: %v", err)
		}
		if err := repo.PutCAS(ctx, "crl", "k", 0, v1); !errors.Is(err, storage.ErrCASFailed) {
			t.Errorf("duplicate create should fail, got %v", err)
		}
		if err := repo.PutCAS(ctx, "crl", "other", 1, v1); !errors.Is(err, storage.ErrCASFailed) {
			t.Errorf("update of missing record should fail, got %v", err)
		}
		if err := repo.PutCAS(ctx, "crl", "k", 1, v2); err != nil {
			t.Fatalf("PutCAS update failed: %v", err)
		}
		if err := repo.PutCAS(ctx, "crl", "k", 1, v1); !errors.Is(err, storage.ErrCASFailed) {
			t.Errorf("stale update should fail, got %v", err)
		}
		got, err := repo.Get(ctx, "crl", "k")
		if err != nil || string(got.Data) != "2" {
			t.Errorf("Get after CAS returned %+v, %v", got, err)
		}
	})

	t.Run("BatchCommit", func(t *testing.T) {
		err := repo.Batch(ctx, func(tx storage.BatchTx) error {
			if err := tx.Put("batch", "a", rec); err != nil {
				return err
			}
			if err := tx.PutCAS("batch", "b", 0, rec); err != nil {
				return err
			}
			got, err := tx.Get("batch", "a")
			if err != nil {
				return fmt.Errorf("read-your-writes: %w", err)
			}
			if got.Version != rec.Version {
				return fmt.Errorf("unexpected version %d", got.Version)
			}
			return tx.Delete("ca", "c2")
		})
		if err != nil {
			t.Fatalf("Batch failed: %v", err)
		}
		ids, _ := repo.List(ctx, "batch")
		if !slices.Equal(ids, []string{"a", "b"}) {
			t.Errorf("batch records = %v", ids)
		}
		if _, err := repo.Get(ctx, "ca", "c2"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("batch delete not applied: %v", err)
		}
	})

	t.Run("BatchRollback", func(t *testing.T) {
		boom := errors.New("simulated error")
		err := repo.Batch(ctx, func(tx storage.BatchTx) error {
			if err := tx.Put("batch", "c", rec); err != nil {
				return err
			}
			if err := tx.Put("batch", "a", &storage.Record{Ver: 1, Data: []byte(`{}`), Version: 9}); err != nil {
				return err
			}
			if err := tx.Delete("batch", "b"); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected simulated error, got %v", err)
		}
		if _, err := repo.Get(ctx, "batch", "c"); !errors.Is(err, storage.ErrNotFound) {
			t.Error("record c should not exist after rollback")
		}
		got, err := repo.Get(ctx, "batch", "a")
		if err != nil || got.Version != rec.Version {
			t.Errorf("record a should be unchanged, got %+v, %v", got, err)
		}
		if _, err := repo.Get(ctx, "batch", "b"); err != nil {
			t.Errorf("record b should survive rollback: %v", err)
		}
	})

	t.Run("BatchCASConflict", func(t *testing.T) {
		err := repo.Batch(ctx, func(tx storage.BatchTx) error {
			if err := tx.Put("batch", "d", rec); err != nil {
				return err
			}
			return tx.PutCAS("batch", "a", 0, rec)
		})
		if !errors.Is(err, storage.ErrCASFailed) {
			t.Fatalf("expected ErrCASFailed, got %v", err)
		}
		if _, err := repo.Get(ctx, "batch", "d"); !errors.Is(err, storage.ErrNotFound) {
			t.Error("record d should not exist after failed batch")
		}
	})
}
