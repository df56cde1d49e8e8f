package cmd

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironca/audit"
	"github.com/jmcleod/ironca/storage/memory"
)

// buildExport records n entries through a Recorder and exports them.
func buildExport(t *testing.T, n int) audit.Export {
	t.Helper()
	rec := audit.NewRecorder(memory.NewRepository(), nil)
	for range n {
		rec.Record(t.Context(), audit.Entry{
			Action:     audit.ActionCertIssued,
			Resource:   "certificate",
			ResourceID: "cert-1",
			Outcome:    audit.OutcomeSuccess,
		})
	}
	entries, err := rec.List(t.Context(), "")
	require.NoError(t, err)
	require.Len(t, entries, n)
	return audit.Export{Entries: entries}
}

func marshal(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestVerifyExport_ValidChain(t *testing.T) {
	result, err := verifyExport(marshal(t, buildExport(t, 5)))
	require.NoError(t, err)

	assert.True(t, result.Valid)
	assert.Equal(t, 5, result.EntryCount)
	for _, c := range result.Checks {
		assert.NotEqual(t, audit.CheckFail, c.Status, "check %s should not fail", c.Name)
	}
}

func TestVerifyExport_EmptyChain(t *testing.T) {
	result, err := verifyExport([]byte(`{"entries":[]}`))
	require.NoError(t, err)
	assert.True(t, result.Valid)
	require.Len(t, result.Checks, 1)
	assert.Equal(t, "empty_chain", result.Checks[0].Name)
}

func TestVerifyExport_TamperedEntry(t *testing.T) {
	export := buildExport(t, 4)
	export.Entries[1].ResourceID = "cert-forged"

	result, err := verifyExport(marshal(t, export))
	require.NoError(t, err)
	assert.False(t, result.Valid)

	var out bytes.Buffer
	printHumanResult(&out, verifyReport{File: "export.json", VerifyResult: result})
	assert.Contains(t, out.String(), "[FAIL] chain_continuity")
	assert.Contains(t, out.String(), "Result: INVALID (1 error(s), 0 warning(s))")
}

func TestVerifyExport_DeletedEntry(t *testing.T) {
	export := buildExport(t, 4)
	export.Entries = append(export.Entries[:2], export.Entries[3:]...)

	result, err := verifyExport(marshal(t, export))
	require.NoError(t, err)
	assert.False(t, result.Valid)
}

func TestVerifyExport_InvalidJSON(t *testing.T) {
	_, err := verifyExport([]byte("{not json"))
	assert.Error(t, err)
}

func TestPrintHumanResult_Valid(t *testing.T) {
	result, err := verifyExport(marshal(t, buildExport(t, 2)))
	require.NoError(t, err)

	var out bytes.Buffer
	printHumanResult(&out, verifyReport{File: "ok.json", VerifyResult: result})
	assert.Contains(t, out.String(), "Audit chain verification: ok.json")
	assert.Contains(t, out.String(), "[PASS] genesis_anchor")
	assert.Contains(t, out.String(), "Result: VALID")
}
