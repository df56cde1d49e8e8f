package lifecycle_test

import (
	"sync"
	"testing"

	"github.com/jmcleod/ironca/audit"
	"github.com/jmcleod/ironca/custody"
	"github.com/jmcleod/ironca/lifecycle"
	"github.com/jmcleod/ironca/pki"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateCRL_Empty(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	ca := f.createCA(t, "Empty CA")

	_, err := f.engine.LatestCRL(ctx, ca.ID)
	requireCode(t, err, pki.ErrNotFound, pki.CodeCRLNotFound)

	crl, err := f.engine.GenerateCRL(ctx, ca.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, crl.Number)
	assert.Equal(t, 0, crl.RevokedCount)
	assert.True(t, crl.Signed)
	assert.Equal(t, lifecycle.DefaultPolicy().CRLValidity, crl.NextUpdate.Sub(crl.ThisUpdate))
	assert.Contains(t, crl.PEM, "-----BEGIN X509 CRL-----")

	rl, err := pki.ParseCRL([]byte(crl.PEM))
	require.NoError(t, err)
	assert.Empty(t, rl.RevokedCertificateEntries)
	assert.EqualValues(t, 1, rl.Number.Int64())
	require.NoError(t, rl.CheckSignatureFrom(parseCert(t, ca.Certificate)))

	info, err := pki.DecodeCRL(crl.DER)
	require.NoError(t, err)
	assert.True(t, crl.ThisUpdate.Equal(info.ThisUpdate))
}

func TestGenerateCRL_MonotonicNumbers(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	ca := f.createCA(t, "Numbered CA")

	for want := int64(1); want <= 3; want++ {
		crl, err := f.engine.GenerateCRL(ctx, ca.ID)
		require.NoError(t, err)
		assert.Equal(t, want, crl.Number)
	}

	cert := f.issue(t, ca.ID, "numbered.example.com")
	res, err := f.engine.RevokeCertificate(ctx, cert.ID, lifecycle.RevokeRequest{Reason: pki.ReasonAffiliationChanged})
	require.NoError(t, err)
	assert.EqualValues(t, 4, res.CRL.Number)

	latest, err := f.engine.LatestCRL(ctx, ca.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 4, latest.Number)
	assert.Equal(t, 1, latest.RevokedCount)

	// Each CA numbers its own CRLs.
	other := f.createCA(t, "Other CA")
	crl, err := f.engine.GenerateCRL(ctx, other.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, crl.Number)
}

func TestGenerateCRL_ConcurrentCallsNeverRepeatNumbers(t *testing.T) {
	f := newFixture(t)
	ca := f.createCA(t, "Busy CA")

	const n = 8
	numbers := make(chan int64, n)
	var wg sync.WaitGroup
	for range n {
		wg.Go(func() {
			crl, err := f.engine.GenerateCRL(t.Context(), ca.ID)
			if assert.NoError(t, err) {
				numbers <- crl.Number
			}
		})
	}
	wg.Wait()
	close(numbers)

	seen := map[int64]bool{}
	for num := range numbers {
		assert.False(t, seen[num], "CRL number %d issued twice", num)
		seen[num] = true
	}
	assert.Len(t, seen, n)
	for i := int64(1); i <= n; i++ {
		assert.True(t, seen[i], "missing CRL number %d", i)
	}
}

func TestGenerateCRL_UnsignedWhenKeyStaysInCustody(t *testing.T) {
	f := newFixture(t, withCustody(func(l *custody.Local) custody.Client {
		return &countingCustody{Client: l}
	}))
	ctx := t.Context()
	ca := f.createCA(t, "Sealed CA")

	crl, err := f.engine.GenerateCRL(ctx, ca.ID)
	require.NoError(t, err)
	assert.False(t, crl.Signed)
	assert.Empty(t, crl.PEM)
	assert.Empty(t, crl.DER)
	assert.EqualValues(t, 1, crl.Number)

	latest, err := f.engine.LatestCRL(ctx, ca.ID)
	require.NoError(t, err)
	assert.False(t, latest.Signed)
}

func TestGenerateCRL_ExportedKeyIsAudited(t *testing.T) {
	f := newFixtureWithLocal(t, []custody.LocalOption{custody.WithExportableKeys(true)},
		withCustody(func(l *custody.Local) custody.Client {
			return &countingCustody{Client: l}
		}))
	ctx := t.Context()
	ca := f.createCA(t, "Exporting CA")

	crl, err := f.engine.GenerateCRL(ctx, ca.ID)
	require.NoError(t, err)
	require.True(t, crl.Signed)
	rl, err := pki.ParseCRL(crl.DER)
	require.NoError(t, err)
	require.NoError(t, rl.CheckSignatureFrom(parseCert(t, ca.Certificate)))

	entries, err := f.records.List(ctx, ca.ID)
	require.NoError(t, err)
	var actions []audit.Action
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []audit.Action{
		audit.ActionCACreated,
		audit.ActionPrivateKeyAccessed,
		audit.ActionCRLGenerated,
	}, actions)
}

func TestGenerateCRL_UnknownCA(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.GenerateCRL(t.Context(), "nope")
	requireCode(t, err, pki.ErrNotFound, pki.CodeCANotFound)
}
