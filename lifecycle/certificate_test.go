package lifecycle_test

import (
	"crypto"
	"crypto/x509"
	"testing"
	"time"

	"github.com/jmcleod/ironca/custody"
	"github.com/jmcleod/ironca/lifecycle"
	"github.com/jmcleod/ironca/pki"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samePublicKey(a, b crypto.PublicKey) bool {
	k, ok := a.(interface{ Equal(crypto.PublicKey) bool })
	return ok && k.Equal(b)
}

func TestIssueCertificate_ServerProfile(t *testing.T) {
	policy := lifecycle.DefaultPolicy()
	policy.CRLBaseURL = "https://pki.example.com/"
	f := newFixture(t, withPolicy(policy))
	ctx := t.Context()
	ca := f.createCA(t, "Issuing CA")

	cert, err := f.engine.IssueCertificate(ctx, lifecycle.IssueRequest{
		CAID:         ca.ID,
		Type:         pki.TypeServer,
		Subject:      pki.DistinguishedName{CommonName: "example.com", Organization: "Example"},
		SANs:         pki.SubjectAltName{DNS: []string{"example.com", "*.example.com"}, IP: []string{"192.168.1.1"}},
		ValidityDays: 365,
	})
	require.NoError(t, err)

	assert.Equal(t, ca.ID, cert.CAID)
	assert.Equal(t, lifecycle.StatusActive, cert.Status)
	assert.Equal(t, pki.KeyRSA2048, cert.KeyAlgorithm)
	assert.Empty(t, cert.RenewedFromID)
	assert.NotEmpty(t, cert.PrivateKeyID)
	assert.Equal(t, []string{"example.com", "*.example.com"}, cert.SANs.DNS)
	assert.Equal(t, []string{"192.168.1.1"}, cert.SANs.IP)

	caCert := parseCert(t, ca.Certificate)
	leaf := parseCert(t, cert.Certificate)
	assert.Equal(t, "Issuing CA", leaf.Issuer.CommonName)
	assert.False(t, leaf.IsCA)
	assert.Equal(t, []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}, leaf.ExtKeyUsage)
	assert.Equal(t, x509.KeyUsageDigitalSignature|x509.KeyUsageKeyEncipherment, leaf.KeyUsage)
	assert.Equal(t, caCert.SubjectKeyId, leaf.AuthorityKeyId)
	assert.NotEmpty(t, leaf.SubjectKeyId)
	assert.Equal(t, []string{"https://pki.example.com/crl/" + ca.ID + ".crl"}, leaf.CRLDistributionPoints)

	roots := x509.NewCertPool()
	roots.AddCert(caCert)
	_, err = leaf.Verify(x509.VerifyOptions{
		Roots:       roots,
		DNSName:     "www.example.com",
		CurrentTime: f.clock.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	listed, err := f.engine.ListCertificates(ctx, ca.ID)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, cert.ID, listed[0].ID)
}

func TestIssueCertificate_TypeProfiles(t *testing.T) {
	f := newFixture(t)
	ca := f.createCA(t, "Profile CA")

	tests := []struct {
		certType pki.CertificateType
		sans     pki.SubjectAltName
		eku      x509.ExtKeyUsage
	}{
		{pki.TypeClient, pki.SubjectAltName{}, x509.ExtKeyUsageClientAuth},
		{pki.TypeCodeSigning, pki.SubjectAltName{}, x509.ExtKeyUsageCodeSigning},
		{pki.TypeEmail, pki.SubjectAltName{Email: []string{"alice@example.com"}}, x509.ExtKeyUsageEmailProtection},
	}
	for _, tt := range tests {
		t.Run(string(tt.certType), func(t *testing.T) {
			cert, err := f.engine.IssueCertificate(t.Context(), lifecycle.IssueRequest{
				CAID:         ca.ID,
				Type:         tt.certType,
				Subject:      pki.DistinguishedName{CommonName: "subject"},
				SANs:         tt.sans,
				ValidityDays: 30,
				KeyAlgorithm: pki.KeyECDSAP256,
			})
			require.NoError(t, err)
			leaf := parseCert(t, cert.Certificate)
			assert.Equal(t, []x509.ExtKeyUsage{tt.eku}, leaf.ExtKeyUsage)
			assert.Empty(t, leaf.CRLDistributionPoints)
		})
	}
}

func TestIssueCertificate_ValidatesBeforeCustody(t *testing.T) {
	var counter *countingCustody
	f := newFixture(t, withCustody(func(l *custody.Local) custody.Client {
		counter = &countingCustody{Client: l}
		return counter
	}))
	ca := f.createCA(t, "Strict CA")
	created := counter.created.Load()

	tests := []struct {
		name string
		req  lifecycle.IssueRequest
		code string
	}{
		{"bad domain", lifecycle.IssueRequest{Type: pki.TypeServer, Subject: pki.DistinguishedName{CommonName: "x"},
			SANs: pki.SubjectAltName{DNS: []string{"bad..example.com"}}, ValidityDays: 30}, pki.CodeInvalidSAN},
		{"bad ip", lifecycle.IssueRequest{Type: pki.TypeServer, Subject: pki.DistinguishedName{CommonName: "x"},
			SANs: pki.SubjectAltName{IP: []string{"192.168.01.1"}}, ValidityDays: 30}, pki.CodeInvalidSAN},
		{"too long", lifecycle.IssueRequest{Type: pki.TypeServer, Subject: pki.DistinguishedName{CommonName: "x"},
			SANs: pki.SubjectAltName{DNS: []string{"x.example.com"}}, ValidityDays: 826}, pki.CodeInvalidValidity},
		{"email without address", lifecycle.IssueRequest{Type: pki.TypeEmail, Subject: pki.DistinguishedName{CommonName: "x"},
			ValidityDays: 30}, pki.CodeInvalidSAN},
		{"unknown type", lifecycle.IssueRequest{Type: "ca", Subject: pki.DistinguishedName{CommonName: "x"},
			ValidityDays: 30}, pki.CodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.CAID = ca.ID
			_, err := f.engine.IssueCertificate(t.Context(), tt.req)
			requireCode(t, err, pki.ErrValidation, tt.code)
		})
	}
	assert.Equal(t, created, counter.created.Load())
}

func TestIssueCertificate_RequiresUsableCA(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	_, err := f.engine.IssueCertificate(ctx, lifecycle.IssueRequest{
		CAID: "missing", Type: pki.TypeClient, Subject: pki.DistinguishedName{CommonName: "x"}, ValidityDays: 1,
	})
	requireCode(t, err, pki.ErrNotFound, pki.CodeCANotFound)

	revoked := f.createCA(t, "Revoked CA")
	_, err = f.engine.RevokeCA(ctx, revoked.ID, pki.ReasonUnspecified, "")
	require.NoError(t, err)
	_, err = f.engine.IssueCertificate(ctx, lifecycle.IssueRequest{
		CAID: revoked.ID, Type: pki.TypeClient, Subject: pki.DistinguishedName{CommonName: "x"}, ValidityDays: 1,
	})
	requireCode(t, err, pki.ErrStateConflict, pki.CodeCANotActive)

	expired := f.createCA(t, "Expired CA")
	f.clock.Advance(366 * day)
	_, err = f.engine.IssueCertificate(ctx, lifecycle.IssueRequest{
		CAID: expired.ID, Type: pki.TypeClient, Subject: pki.DistinguishedName{CommonName: "x"}, ValidityDays: 1,
	})
	requireCode(t, err, pki.ErrStateConflict, pki.CodeCAExpired)
}

func TestSignCSR(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	ca := f.createCA(t, "CSR CA")

	ks := custody.NewSoftwareKeyStore()
	keyID, err := ks.GenerateKey(pki.KeyECDSAP256)
	require.NoError(t, err)
	signer, err := ks.Signer(keyID)
	require.NoError(t, err)
	csr, err := pki.EncodeCSR(pki.CSRParams{
		Subject:    pki.DistinguishedName{CommonName: "api.example.com"},
		Signer:     signer,
		Extensions: []pki.Extension{pki.SubjectAltName{DNS: []string{"api.example.com"}}},
	})
	require.NoError(t, err)

	cert, err := f.engine.SignCSR(ctx, lifecycle.SignCSRRequest{
		CAID: ca.ID, CSR: csr.PEM, Type: pki.TypeServer, ValidityDays: 90,
	})
	require.NoError(t, err)
	assert.Empty(t, cert.PrivateKeyID)
	assert.Equal(t, pki.KeyECDSAP256, cert.KeyAlgorithm)
	assert.Equal(t, []string{"api.example.com"}, cert.SANs.DNS)

	leaf := parseCert(t, cert.Certificate)
	assert.True(t, samePublicKey(signer.Public(), leaf.PublicKey))
	require.NoError(t, leaf.CheckSignatureFrom(parseCert(t, ca.Certificate)))

	// The requester holds the key, so it cannot be reused by custody.
	_, err = f.engine.RenewCertificate(ctx, lifecycle.RenewRequest{CertificateID: cert.ID})
	requireCode(t, err, pki.ErrValidation, pki.CodeInvalidRequest)

	// SAN rules still apply to requests.
	bare, err := pki.EncodeCSR(pki.CSRParams{Subject: pki.DistinguishedName{CommonName: "bare"}, Signer: signer})
	require.NoError(t, err)
	_, err = f.engine.SignCSR(ctx, lifecycle.SignCSRRequest{CAID: ca.ID, CSR: bare.PEM, Type: pki.TypeServer, ValidityDays: 30})
	requireCode(t, err, pki.ErrValidation, pki.CodeInvalidSAN)

	_, err = f.engine.SignCSR(ctx, lifecycle.SignCSRRequest{CAID: ca.ID, CSR: []byte("junk"), Type: pki.TypeClient, ValidityDays: 30})
	assert.ErrorIs(t, err, pki.ErrEncoding)
}

func TestRevokeCertificate_EffectiveDate(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	ca := f.createCA(t, "Dates CA")
	cert := f.issue(t, ca.ID, "dates.example.com")
	f.clock.Advance(10 * day)

	before := cert.NotBefore.Add(-time.Second)
	_, err := f.engine.RevokeCertificate(ctx, cert.ID, lifecycle.RevokeRequest{Reason: pki.ReasonKeyCompromise, EffectiveDate: &before})
	requireCode(t, err, pki.ErrStateConflict, pki.CodeInvalidEffectiveDate)

	future := f.clock.Now().Add(time.Minute)
	_, err = f.engine.RevokeCertificate(ctx, cert.ID, lifecycle.RevokeRequest{Reason: pki.ReasonKeyCompromise, EffectiveDate: &future})
	requireCode(t, err, pki.ErrStateConflict, pki.CodeInvalidEffectiveDate)

	effective := cert.NotBefore.Add(3 * day)
	res, err := f.engine.RevokeCertificate(ctx, cert.ID, lifecycle.RevokeRequest{
		Reason:        pki.ReasonKeyCompromise,
		Details:       "laptop stolen",
		EffectiveDate: &effective,
	})
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusRevoked, res.Certificate.Status)
	assert.True(t, effective.Equal(res.Certificate.Revocation.Date))
	assert.Equal(t, "laptop stolen", res.Certificate.Revocation.Details)

	require.NotNil(t, res.CRL)
	assert.EqualValues(t, 1, res.CRL.Number)
	rl, err := pki.ParseCRL(res.CRL.DER)
	require.NoError(t, err)
	require.Len(t, rl.RevokedCertificateEntries, 1)
	assert.Equal(t, cert.SerialNumber, pki.FormatSerial(rl.RevokedCertificateEntries[0].SerialNumber))
	assert.True(t, effective.Equal(rl.RevokedCertificateEntries[0].RevocationTime))

	_, err = f.engine.RevokeCertificate(ctx, cert.ID, lifecycle.RevokeRequest{Reason: pki.ReasonUnspecified})
	requireCode(t, err, pki.ErrStateConflict, pki.CodeCertAlreadyRevoked)

	_, err = f.engine.RevokeCertificate(ctx, "missing", lifecycle.RevokeRequest{})
	requireCode(t, err, pki.ErrNotFound, pki.CodeCertNotFound)
}

func TestRenewCertificate_ReusesFreshKey(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	ca := f.createCA(t, "Renewal CA")
	orig := f.issue(t, ca.ID, "renew.example.com")
	f.clock.Advance(30 * day)

	res, err := f.engine.RenewCertificate(ctx, lifecycle.RenewRequest{CertificateID: orig.ID, RevokeOriginal: true})
	require.NoError(t, err)

	renewed := res.Certificate
	assert.Equal(t, orig.ID, renewed.RenewedFromID)
	assert.Equal(t, orig.PrivateKeyID, renewed.PrivateKeyID)
	assert.Equal(t, orig.Subject, renewed.Subject)
	assert.Equal(t, orig.SANs, renewed.SANs)
	assert.Equal(t, orig.NotAfter.Sub(orig.NotBefore), renewed.NotAfter.Sub(renewed.NotBefore))
	assert.NotEqual(t, orig.SerialNumber, renewed.SerialNumber)
	assert.True(t, samePublicKey(parseCert(t, orig.Certificate).PublicKey, parseCert(t, renewed.Certificate).PublicKey))

	assert.Equal(t, lifecycle.StatusRevoked, res.Original.Status)
	assert.Equal(t, pki.ReasonSuperseded, res.Original.Revocation.Reason)
	require.NotNil(t, res.CRL)
	assert.Equal(t, 1, res.CRL.RevokedCount)

	chain, err := f.engine.RenewalChain(ctx, renewed.ID)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, renewed.ID, chain[0].ID)
	assert.Equal(t, orig.ID, chain[1].ID)

	_, err = f.engine.RenewCertificate(ctx, lifecycle.RenewRequest{CertificateID: orig.ID, GenerateNewKey: true})
	requireCode(t, err, pki.ErrStateConflict, pki.CodeCertAlreadyRevoked)
}

func TestRenewCertificate_KeyReuseAge(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	ca := f.createCA(t, "Aging CA")
	orig, err := f.engine.IssueCertificate(ctx, lifecycle.IssueRequest{
		CAID:         ca.ID,
		Type:         pki.TypeServer,
		Subject:      pki.DistinguishedName{CommonName: "old.example.com"},
		SANs:         pki.SubjectAltName{DNS: []string{"old.example.com"}},
		ValidityDays: 200,
		KeyAlgorithm: pki.KeyECDSAP256,
	})
	require.NoError(t, err)

	f.clock.Advance(90 * day)
	_, err = f.engine.RenewCertificate(ctx, lifecycle.RenewRequest{CertificateID: orig.ID})
	requireCode(t, err, pki.ErrStateConflict, pki.CodeKeyReuseExpired)

	override := pki.SubjectAltName{DNS: []string{"new.example.com"}}
	res, err := f.engine.RenewCertificate(ctx, lifecycle.RenewRequest{
		CertificateID:  orig.ID,
		GenerateNewKey: true,
		SANs:           &override,
		ValidityDays:   30,
	})
	require.NoError(t, err)
	assert.NotEqual(t, orig.PrivateKeyID, res.Certificate.PrivateKeyID)
	assert.Equal(t, []string{"new.example.com"}, res.Certificate.SANs.DNS)
	assert.Equal(t, 30*day, res.Certificate.NotAfter.Sub(res.Certificate.NotBefore))
	assert.Nil(t, res.CRL)

	// The original stays active when it is not revoked.
	got, err := f.engine.GetCertificate(ctx, orig.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusActive, got.Status)
}

func TestDeleteCertificate(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	ca := f.createCA(t, "Delete CA")

	active := f.issue(t, ca.ID, "active.example.com")
	err := f.engine.DeleteCertificate(ctx, active.ID, true)
	requireCode(t, err, pki.ErrStateConflict, pki.CodeCertNotDeletable)

	revoked := f.issue(t, ca.ID, "revoked.example.com")
	_, err = f.engine.RevokeCertificate(ctx, revoked.ID, lifecycle.RevokeRequest{Reason: pki.ReasonCessationOfOperation})
	require.NoError(t, err)
	require.NoError(t, f.engine.DeleteCertificate(ctx, revoked.ID, true))
	_, err = f.engine.GetCertificate(ctx, revoked.ID)
	requireCode(t, err, pki.ErrNotFound, pki.CodeCertNotFound)
	_, err = f.local.Signer(ctx, revoked.PrivateKeyID)
	assert.ErrorIs(t, err, custody.ErrKeyNotFound)

	// Expired, but within the grace period.
	f.clock.Advance(90*day + time.Hour)
	err = f.engine.DeleteCertificate(ctx, active.ID, false)
	requireCode(t, err, pki.ErrStateConflict, pki.CodeCertNotDeletable)

	f.clock.Advance(91 * day)
	require.NoError(t, f.engine.DeleteCertificate(ctx, active.ID, false))
	_, err = f.local.Signer(ctx, active.PrivateKeyID)
	assert.NoError(t, err)

	listed, err := f.engine.ListCertificates(ctx, ca.ID)
	require.NoError(t, err)
	assert.Empty(t, listed)
}

func TestDeleteCertificate_KeepsSharedKey(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	ca := f.createCA(t, "Shared CA")
	orig := f.issue(t, ca.ID, "shared.example.com")

	res, err := f.engine.RenewCertificate(ctx, lifecycle.RenewRequest{CertificateID: orig.ID, RevokeOriginal: true})
	require.NoError(t, err)
	require.NoError(t, f.engine.DeleteCertificate(ctx, orig.ID, true))

	_, err = f.local.Signer(ctx, res.Certificate.PrivateKeyID)
	assert.NoError(t, err)

	chain, err := f.engine.RenewalChain(ctx, res.Certificate.ID)
	require.NoError(t, err)
	assert.Len(t, chain, 1)
}
