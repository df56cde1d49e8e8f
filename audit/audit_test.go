package audit_test

import (
	"context"
	"errors"
	"testing"

	"github.com/jmcleod/ironca/audit"
	"github.com/jmcleod/ironca/storage"
	"github.com/jmcleod/ironca/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_ChainsEntries(t *testing.T) {
	ctx := t.Context()
	rec := audit.NewRecorder(memory.NewRepository(), nil)

	rec.Record(ctx, audit.Entry{Action: audit.ActionCACreated, Resource: "ca", ResourceID: "ca-1", Outcome: audit.OutcomeSuccess})
	rec.Record(ctx, audit.Entry{Action: audit.ActionCertIssued, Resource: "certificate", ResourceID: "cert-1", Outcome: audit.OutcomeSuccess,
		Detail: map[string]any{"ca_id": "ca-1"}})
	rec.Record(ctx, audit.Entry{Action: audit.ActionCARevoked, Resource: "ca", ResourceID: "ca-1", Outcome: audit.OutcomeFailure, Error: "boom"})

	entries, err := rec.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "00000000000000000001", entries[0].ID)
	assert.Equal(t, audit.GenesisHash, entries[0].PrevHash)
	assert.Equal(t, entries[0].Hash(), entries[1].PrevHash)
	assert.Equal(t, entries[1].Hash(), entries[2].PrevHash)
	assert.Equal(t, "ca-1", entries[1].Detail["ca_id"])

	result := audit.Verify(entries)
	assert.True(t, result.Valid, "%+v", result.Checks)

	onlyCA, err := rec.List(ctx, "ca-1")
	require.NoError(t, err)
	assert.Len(t, onlyCA, 2)
}

func TestRecorder_SurvivesCancelledContext(t *testing.T) {
	repo := memory.NewRepository()
	rec := audit.NewRecorder(repo, nil)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	rec.Record(ctx, audit.Entry{Action: audit.ActionCADeleted, ResourceID: "ca-1", Outcome: audit.OutcomeAttempt})

	entries, err := rec.List(t.Context(), "")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

// failingRepo rejects every batch.
type failingRepo struct{ storage.Repository }

func (failingRepo) Batch(context.Context, func(storage.BatchTx) error) error {
	return errors.New("disk full")
}

func TestRecorder_SwallowsWriteFailures(t *testing.T) {
	rec := audit.NewRecorder(failingRepo{memory.NewRepository()}, nil)
	assert.NotPanics(t, func() {
		rec.Record(t.Context(), audit.Entry{Action: audit.ActionCertRevoked, ResourceID: "x"})
	})
}

func TestVerify_DetectsTampering(t *testing.T) {
	ctx := t.Context()
	rec := audit.NewRecorder(memory.NewRepository(), nil)
	for _, id := range []string{"a", "b", "c"} {
		rec.Record(ctx, audit.Entry{Action: audit.ActionCertIssued, ResourceID: id, Outcome: audit.OutcomeSuccess})
	}
	entries, err := rec.List(ctx, "")
	require.NoError(t, err)

	entries[1].ResourceID = "evil"
	result := audit.Verify(entries)
	assert.False(t, result.Valid)

	var failed []string
	for _, c := range result.Checks {
		if c.Status == audit.CheckFail {
			failed = append(failed, c.Name)
		}
	}
	assert.Equal(t, []string{"chain_continuity"}, failed)
}

func TestVerify_MissingEntry(t *testing.T) {
	ctx := t.Context()
	rec := audit.NewRecorder(memory.NewRepository(), nil)
	for _, id := range []string{"a", "b", "c"} {
		rec.Record(ctx, audit.Entry{Action: audit.ActionCertIssued, ResourceID: id})
	}
	entries, err := rec.List(ctx, "")
	require.NoError(t, err)

	result := audit.Verify([]audit.Entry{entries[0], entries[2]})
	assert.False(t, result.Valid)

	result = audit.Verify(entries[1:])
	assert.False(t, result.Valid)
}

func TestVerify_Empty(t *testing.T) {
	result := audit.Verify(nil)
	assert.True(t, result.Valid)
	assert.Equal(t, "empty_chain", result.Checks[0].Name)
}
