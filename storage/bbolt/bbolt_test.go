package bbolt

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmcleod/ironca/storage"
	"github.com/jmcleod/ironca/storage/storagetest"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ironca-test.db")
	s, err := NewRepositoryFromFile(path, nil)
	if err != nil {
		t.Fatalf("could not open db: %v", err)
	}
	return s, path
}

func TestBBoltStorage(t *testing.T) {
	s, _ := newTestStore(t)
	defer s.Close()
	storagetest.Run(t, s)
}

func TestBBoltStoragePersists(t *testing.T) {
	ctx := context.Background()
	s, path := newTestStore(t)
	if err := s.Put(ctx, "ca", "c1", &storage.Record{Ver: 1, Data: []byte(`{"cn":"Root"}`), Version: 4}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := NewRepositoryFromFile(path, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.Get(ctx, "ca", "c1")
	if err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	if got.Version != 4 || string(got.Data) != `{"cn":"Root"}` {
		t.Errorf("unexpected record after reopen: %+v", got)
	}
}
