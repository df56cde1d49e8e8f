package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironca/audit"
	"github.com/jmcleod/ironca/storage/memory"
)

func TestExportAudit_VerifiesOffline(t *testing.T) {
	repo := memory.NewRepository()
	rec := audit.NewRecorder(repo, nil)
	for _, e := range []audit.Entry{
		{Action: audit.ActionCACreated, Resource: "ca", ResourceID: "ca-1", Outcome: audit.OutcomeSuccess},
		{Action: audit.ActionCertIssued, Resource: "certificate", ResourceID: "cert-1", Outcome: audit.OutcomeSuccess},
		{Action: audit.ActionCertIssued, Resource: "certificate", ResourceID: "cert-2", Outcome: audit.OutcomeSuccess},
	} {
		rec.Record(t.Context(), e)
	}

	var out bytes.Buffer
	n, err := exportAudit(t.Context(), repo, "", &out)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	result, err := verifyExport(out.Bytes())
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, 3, result.EntryCount)
}

func TestExportAudit_FiltersByResource(t *testing.T) {
	repo := memory.NewRepository()
	rec := audit.NewRecorder(repo, nil)
	rec.Record(t.Context(), audit.Entry{Action: audit.ActionCACreated, Resource: "ca", ResourceID: "ca-1", Outcome: audit.OutcomeSuccess})
	rec.Record(t.Context(), audit.Entry{Action: audit.ActionCertIssued, Resource: "certificate", ResourceID: "cert-1", Outcome: audit.OutcomeSuccess})

	var out bytes.Buffer
	n, err := exportAudit(t.Context(), repo, "cert-1", &out)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, out.String(), `"cert-1"`)
	assert.NotContains(t, out.String(), `"ca-1"`)
}
