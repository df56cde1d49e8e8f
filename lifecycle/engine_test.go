package lifecycle_test

import (
	"context"
	"crypto/x509"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmcleod/ironca/audit"
	"github.com/jmcleod/ironca/custody"
	"github.com/jmcleod/ironca/lifecycle"
	"github.com/jmcleod/ironca/pki"
	"github.com/jmcleod/ironca/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clock is a settable time source shared by the engine and the custodian.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

const day = 24 * time.Hour

// countingCustody counts mutating custody calls and hides the wrapped
// custodian's SignerSource.
type countingCustody struct {
	custody.Client
	created   atomic.Int32
	certified atomic.Int32
	destroyed atomic.Int32
}

func (c *countingCustody) CreateKeyPair(ctx context.Context, alg pki.KeyAlgorithm, tags map[string]string) (custody.KeyPair, error) {
	c.created.Add(1)
	return c.Client.CreateKeyPair(ctx, alg, tags)
}

func (c *countingCustody) Certify(ctx context.Context, req custody.CertifyRequest) (custody.Certified, error) {
	c.certified.Add(1)
	return c.Client.Certify(ctx, req)
}

func (c *countingCustody) DestroyKey(ctx context.Context, keyID string) error {
	c.destroyed.Add(1)
	return c.Client.DestroyKey(ctx, keyID)
}

type fixture struct {
	engine  *lifecycle.Engine
	clock   *clock
	local   *custody.Local
	records *audit.Recorder
}

type fixtureOption func(*lifecycle.Config, *fixture)

func withPolicy(p lifecycle.Policy) fixtureOption {
	return func(c *lifecycle.Config, _ *fixture) { c.Policy = p }
}

func withCustody(wrap func(*custody.Local) custody.Client) fixtureOption {
	return func(c *lifecycle.Config, f *fixture) { c.Custody = wrap(f.local) }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	return newFixtureWithLocal(t, nil, opts...)
}

func newFixtureWithLocal(t *testing.T, localOpts []custody.LocalOption, opts ...fixtureOption) *fixture {
	t.Helper()
	clk := newClock()
	store := memory.NewRepository()
	f := &fixture{
		clock:   clk,
		local:   custody.NewLocal(custody.NewSoftwareKeyStore(), append(localOpts, custody.WithClock(clk.Now))...),
		records: audit.NewRecorder(store, nil),
	}
	cfg := lifecycle.Config{
		Store:   store,
		Custody: f.local,
		Audit:   f.records,
		Clock:   clk.Now,
	}
	for _, opt := range opts {
		opt(&cfg, f)
	}
	e, err := lifecycle.New(cfg)
	require.NoError(t, err)
	f.engine = e
	return f
}

func (f *fixture) createCA(t *testing.T, cn string) *lifecycle.CA {
	t.Helper()
	ca, err := f.engine.CreateCA(t.Context(), lifecycle.CreateCARequest{
		Subject:       pki.DistinguishedName{CommonName: cn, Organization: "Iron", Country: "US"},
		KeyAlgorithm:  pki.KeyECDSAP256,
		ValidityYears: 1,
	})
	require.NoError(t, err)
	return ca
}

func (f *fixture) issue(t *testing.T, caID, host string) *lifecycle.Certificate {
	t.Helper()
	cert, err := f.engine.IssueCertificate(t.Context(), lifecycle.IssueRequest{
		CAID:         caID,
		Type:         pki.TypeServer,
		Subject:      pki.DistinguishedName{CommonName: host},
		SANs:         pki.SubjectAltName{DNS: []string{host}},
		ValidityDays: 90,
		KeyAlgorithm: pki.KeyECDSAP256,
	})
	require.NoError(t, err)
	return cert
}

func parseCert(t *testing.T, pemData string) *x509.Certificate {
	t.Helper()
	c, err := pki.ParseCertificate([]byte(pemData))
	require.NoError(t, err)
	return c
}

func requireCode(t *testing.T, err error, sentinel error, code string) {
	t.Helper()
	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, code, pki.CodeOf(err), "error: %v", err)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := lifecycle.New(lifecycle.Config{Custody: custody.NewLocal(custody.NewSoftwareKeyStore())})
	assert.Error(t, err)
	_, err = lifecycle.New(lifecycle.Config{Store: memory.NewRepository()})
	assert.Error(t, err)

	e, err := lifecycle.New(lifecycle.Config{
		Store:   memory.NewRepository(),
		Custody: custody.NewLocal(custody.NewSoftwareKeyStore()),
	})
	require.NoError(t, err)
	assert.Equal(t, lifecycle.DefaultPolicy().KeyReuseMaxAge, e.Policy().KeyReuseMaxAge)
}

func TestCreateCA_SelfSignedRoot(t *testing.T) {
	f := newFixture(t)
	ca, err := f.engine.CreateCA(t.Context(), lifecycle.CreateCARequest{
		Subject:       pki.DistinguishedName{CommonName: "Test CA", Organization: "Test Org", Country: "US"},
		KeyAlgorithm:  pki.KeyRSA2048,
		ValidityYears: 10,
	})
	require.NoError(t, err)

	assert.Contains(t, ca.Certificate, "-----BEGIN CERTIFICATE-----")
	assert.Equal(t, lifecycle.StatusActive, ca.Status)
	assert.Equal(t, pki.KeyRSA2048, ca.KeyAlgorithm)
	assert.NotEmpty(t, ca.SerialNumber)
	assert.NotEmpty(t, ca.PrivateKeyID)
	assert.NotEmpty(t, ca.SubjectKeyID)
	assert.True(t, f.clock.Now().Equal(ca.NotBefore))
	assert.True(t, f.clock.Now().Add(10*365*day).Equal(ca.NotAfter))

	cert := parseCert(t, ca.Certificate)
	assert.Equal(t, "Test CA", cert.Subject.CommonName)
	assert.Equal(t, "Test CA", cert.Issuer.CommonName)
	assert.True(t, cert.IsCA)
	assert.Equal(t, x509.KeyUsageCertSign|x509.KeyUsageCRLSign|x509.KeyUsageDigitalSignature, cert.KeyUsage)
	require.NoError(t, cert.CheckSignatureFrom(cert))

	got, err := f.engine.GetCA(t.Context(), ca.ID)
	require.NoError(t, err)
	assert.Equal(t, ca.SerialNumber, got.SerialNumber)

	all, err := f.engine.ListCAs(t.Context())
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestCreateCA_ValidatesBeforeCustody(t *testing.T) {
	var counter *countingCustody
	f := newFixture(t, withCustody(func(l *custody.Local) custody.Client {
		counter = &countingCustody{Client: l}
		return counter
	}))

	tests := []struct {
		name string
		req  lifecycle.CreateCARequest
		code string
	}{
		{"missing CN", lifecycle.CreateCARequest{Subject: pki.DistinguishedName{Organization: "x"}, ValidityYears: 1}, pki.CodeInvalidDN},
		{"bad country", lifecycle.CreateCARequest{Subject: pki.DistinguishedName{CommonName: "x", Country: "USA"}, ValidityYears: 1}, pki.CodeInvalidDN},
		{"decomposed unicode", lifecycle.CreateCARequest{Subject: pki.DistinguishedName{CommonName: "Cafe\u0301 CA"}, ValidityYears: 1}, pki.CodeInvalidDN},
		{"zero years", lifecycle.CreateCARequest{Subject: pki.DistinguishedName{CommonName: "x"}}, pki.CodeInvalidValidity},
		{"bad algorithm", lifecycle.CreateCARequest{Subject: pki.DistinguishedName{CommonName: "x"}, ValidityYears: 1, KeyAlgorithm: "DSA-1024"}, pki.CodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.CreateCA(t.Context(), tt.req)
			requireCode(t, err, pki.ErrValidation, tt.code)
		})
	}
	assert.Zero(t, counter.created.Load())
}

// failingCertify fails every certify call after creating keys.
type failingCertify struct {
	*custody.Local
	lastKey string
}

func (f *failingCertify) CreateKeyPair(ctx context.Context, alg pki.KeyAlgorithm, tags map[string]string) (custody.KeyPair, error) {
	kp, err := f.Local.CreateKeyPair(ctx, alg, tags)
	f.lastKey = kp.PrivateKeyID
	return kp, err
}

func (f *failingCertify) Certify(context.Context, custody.CertifyRequest) (custody.Certified, error) {
	return custody.Certified{}, &custody.StatusError{StatusCode: 503}
}

func TestCreateCA_CertifyFailureDestroysKey(t *testing.T) {
	var fc *failingCertify
	f := newFixture(t, withCustody(func(l *custody.Local) custody.Client {
		fc = &failingCertify{Local: l}
		return fc
	}))

	_, err := f.engine.CreateCA(t.Context(), lifecycle.CreateCARequest{
		Subject:       pki.DistinguishedName{CommonName: "Doomed CA"},
		KeyAlgorithm:  pki.KeyECDSAP256,
		ValidityYears: 1,
	})
	requireCode(t, err, pki.ErrCustody, pki.CodeCustodyPartial)
	assert.True(t, custody.IsMutated(err))

	require.NotEmpty(t, fc.lastKey)
	_, err = f.local.Signer(t.Context(), fc.lastKey)
	assert.ErrorIs(t, err, custody.ErrKeyNotFound)

	all, err := f.engine.ListCAs(t.Context())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestRevokeCA_Cascade(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	ca := f.createCA(t, "Cascade CA")

	a := f.issue(t, ca.ID, "a.example.com")
	b := f.issue(t, ca.ID, "b.example.com")
	m := f.issue(t, ca.ID, "m.example.com")
	_, err := f.engine.RevokeCertificate(ctx, m.ID, lifecycle.RevokeRequest{Reason: pki.ReasonKeyCompromise})
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	res, err := f.engine.RevokeCA(ctx, ca.ID, pki.ReasonCessationOfOperation, "retired")
	require.NoError(t, err)
	assert.Equal(t, 2, res.CascadeRevoked)
	assert.Equal(t, lifecycle.StatusRevoked, res.CA.Status)
	assert.Equal(t, pki.ReasonCessationOfOperation, res.CA.Revocation.Reason)
	assert.Equal(t, "retired", res.CA.Revocation.Details)

	for _, id := range []string{a.ID, b.ID} {
		c, err := f.engine.GetCertificate(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, lifecycle.StatusRevoked, c.Status)
		assert.Equal(t, pki.ReasonCACompromise, c.Revocation.Reason)
		assert.True(t, f.clock.Now().Equal(c.Revocation.Date))
	}
	kept, err := f.engine.GetCertificate(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, pki.ReasonKeyCompromise, kept.Revocation.Reason)

	// Second CRL: the first was published by the certificate revocation.
	require.True(t, res.CRL.Signed)
	assert.EqualValues(t, 2, res.CRL.Number)
	assert.Equal(t, 3, res.CRL.RevokedCount)
	rl, err := pki.ParseCRL([]byte(res.CRL.PEM))
	require.NoError(t, err)
	assert.Len(t, rl.RevokedCertificateEntries, 3)
	require.NoError(t, rl.CheckSignatureFrom(parseCert(t, ca.Certificate)))

	_, err = f.engine.RevokeCA(ctx, ca.ID, pki.ReasonUnspecified, "")
	requireCode(t, err, pki.ErrStateConflict, pki.CodeCAAlreadyRevoked)
}

func TestRevokeCA_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.RevokeCA(t.Context(), "missing", pki.ReasonUnspecified, "")
	requireCode(t, err, pki.ErrNotFound, pki.CodeCANotFound)
}

func TestDeleteCA_Guards(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	ca := f.createCA(t, "Guarded CA")

	err := f.engine.DeleteCA(ctx, ca.ID, true)
	requireCode(t, err, pki.ErrStateConflict, pki.CodeCANotDeletable)

	// A child that outlives the CA keeps it from being deleted.
	child, err := f.engine.IssueCertificate(ctx, lifecycle.IssueRequest{
		CAID:         ca.ID,
		Type:         pki.TypeClient,
		Subject:      pki.DistinguishedName{CommonName: "long-lived"},
		ValidityDays: 700,
		KeyAlgorithm: pki.KeyECDSAP256,
	})
	require.NoError(t, err)
	f.issue(t, ca.ID, "short.example.com")

	f.clock.Advance(400 * day)
	got, err := f.engine.GetCA(ctx, ca.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusExpired, got.StatusAt(f.clock.Now()))

	err = f.engine.DeleteCA(ctx, ca.ID, true)
	requireCode(t, err, pki.ErrStateConflict, pki.CodeCAHasActiveCertificates)
	assert.Contains(t, err.Error(), "has 1 active certificate")

	_, err = f.engine.RevokeCertificate(ctx, child.ID, lifecycle.RevokeRequest{Reason: pki.ReasonCessationOfOperation})
	require.NoError(t, err)

	require.NoError(t, f.engine.DeleteCA(ctx, ca.ID, true))

	_, err = f.engine.GetCA(ctx, ca.ID)
	requireCode(t, err, pki.ErrNotFound, pki.CodeCANotFound)
	_, err = f.engine.LatestCRL(ctx, ca.ID)
	requireCode(t, err, pki.ErrNotFound, pki.CodeCANotFound)
	_, err = f.local.Signer(ctx, ca.PrivateKeyID)
	assert.ErrorIs(t, err, custody.ErrKeyNotFound)

	// Issued certificates outlive their CA.
	_, err = f.engine.GetCertificate(ctx, child.ID)
	assert.NoError(t, err)
}

func TestDeleteCA_ExpiredWithoutRevoke(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	ca := f.createCA(t, "Old CA")

	f.clock.Advance(366 * day)
	require.NoError(t, f.engine.DeleteCA(ctx, ca.ID, false))

	// The key was kept.
	_, err := f.local.Signer(ctx, ca.PrivateKeyID)
	assert.NoError(t, err)
}

func TestDeleteCA_ToleratesRevokedKey(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	ca := f.createCA(t, "Revoked key CA")
	_, err := f.engine.RevokeCA(ctx, ca.ID, pki.ReasonKeyCompromise, "")
	require.NoError(t, err)
	require.NoError(t, f.local.RevokeKey(ctx, ca.PrivateKeyID, "keyCompromise"))

	require.NoError(t, f.engine.DeleteCA(ctx, ca.ID, true))
}

func TestDeleteCA_AuditsAttemptFirst(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	ca := f.createCA(t, "Audited CA")
	_, err := f.engine.RevokeCA(ctx, ca.ID, pki.ReasonSuperseded, "")
	require.NoError(t, err)
	require.NoError(t, f.engine.DeleteCA(ctx, ca.ID, true))

	entries, err := f.records.List(ctx, ca.ID)
	require.NoError(t, err)
	var got []string
	for _, e := range entries {
		got = append(got, string(e.Action)+":"+string(e.Outcome))
	}
	assert.Equal(t, []string{
		"ca_created:success",
		"ca_revoked:success",
		"ca_deleted:attempt",
		"ca_deleted:success",
	}, got)
	assert.True(t, audit.Verify(entries).Valid)
}

func TestEngine_AuditsFailures(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	ca := f.createCA(t, "Audit CA")
	_, err := f.engine.IssueCertificate(ctx, lifecycle.IssueRequest{
		CAID:         ca.ID,
		Type:         pki.TypeServer,
		Subject:      pki.DistinguishedName{CommonName: "no-sans"},
		ValidityDays: 30,
	})
	require.Error(t, err)

	entries, err := f.records.List(ctx, "")
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, audit.ActionCertIssued, last.Action)
	assert.Equal(t, audit.OutcomeFailure, last.Outcome)
	assert.Contains(t, last.Error, "DNS name or IP address")
	assert.Equal(t, ca.ID, last.Detail["ca_id"])
}
