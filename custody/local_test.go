package custody_test

import (
	"crypto/x509"
	"encoding/hex"
	"testing"
	"time"

	"github.com/jmcleod/ironca/custody"
	"github.com/jmcleod/ironca/pki"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLocal(t *testing.T, opts ...custody.LocalOption) *custody.Local {
	t.Helper()
	return custody.NewLocal(custody.NewSoftwareKeyStore(), opts...)
}

func decodeCertified(t *testing.T, c custody.Certified) *x509.Certificate {
	t.Helper()
	raw, err := hex.DecodeString(c.CertificateData)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(raw)
	require.NoError(t, err)
	return cert
}

func TestLocal_SelfSignedAndIssued(t *testing.T) {
	ctx := t.Context()
	l := newLocal(t)

	caKeys, err := l.CreateKeyPair(ctx, pki.KeyECDSAP256, map[string]string{"role": "ca"})
	require.NoError(t, err)
	assert.NotEqual(t, caKeys.PrivateKeyID, caKeys.PublicKeyID)

	pathLen := 0
	caCert, err := l.Certify(ctx, custody.CertifyRequest{
		PublicKeyID: caKeys.PublicKeyID,
		Subject:     pki.DistinguishedName{CommonName: "Local CA", Country: "US"},
		DaysValid:   3650,
		Extensions: pki.ExtensionList{
			pki.BasicConstraints{IsCA: true, PathLenConstraint: &pathLen},
			pki.KeyUsage{KeyCertSign: true, CRLSign: true},
			pki.SubjectKeyIdentifier{},
		},
	})
	require.NoError(t, err)
	ca := decodeCertified(t, caCert)
	assert.True(t, ca.IsCA)
	assert.Equal(t, "Local CA", ca.Subject.CommonName)
	require.NoError(t, ca.CheckSignatureFrom(ca))

	leafKeys, err := l.CreateKeyPair(ctx, pki.KeyRSA2048, nil)
	require.NoError(t, err)
	leafCert, err := l.Certify(ctx, custody.CertifyRequest{
		PublicKeyID:         leafKeys.PublicKeyID,
		IssuerPrivateKeyID:  caKeys.PrivateKeyID,
		IssuerCertificateID: caCert.CertificateID,
		Subject:             pki.DistinguishedName{CommonName: "leaf.example.com"},
		DaysValid:           30,
		Extensions: pki.ExtensionList{
			pki.SubjectAltName{DNS: []string{"leaf.example.com"}},
			pki.AuthorityKeyIdentifier{},
		},
	})
	require.NoError(t, err)
	leaf := decodeCertified(t, leafCert)
	assert.Equal(t, "Local CA", leaf.Issuer.CommonName)
	assert.Equal(t, ca.SubjectKeyId, leaf.AuthorityKeyId)
	assert.Equal(t, 30*24*time.Hour, leaf.NotAfter.Sub(leaf.NotBefore))
	require.NoError(t, leaf.CheckSignatureFrom(ca))

	pemCert, err := l.GetCertificate(ctx, leafCert.CertificateID)
	require.NoError(t, err)
	assert.Contains(t, pemCert, "-----BEGIN CERTIFICATE-----")

	pub, err := l.GetPublicKey(ctx, leafKeys.PublicKeyID)
	require.NoError(t, err)
	assert.Contains(t, pub, "-----BEGIN PUBLIC KEY-----")
}

func TestLocal_CertifyFromCSR(t *testing.T) {
	ctx := t.Context()
	l := newLocal(t)

	caKeys, err := l.CreateKeyPair(ctx, pki.KeyECDSAP256, nil)
	require.NoError(t, err)
	caCert, err := l.Certify(ctx, custody.CertifyRequest{
		PublicKeyID: caKeys.PublicKeyID,
		Subject:     pki.DistinguishedName{CommonName: "CSR CA"},
		DaysValid:   365,
	})
	require.NoError(t, err)

	ks := custody.NewSoftwareKeyStore()
	id, err := ks.GenerateKey(pki.KeyECDSAP256)
	require.NoError(t, err)
	signer, err := ks.Signer(id)
	require.NoError(t, err)
	csr, err := pki.EncodeCSR(pki.CSRParams{Subject: pki.DistinguishedName{CommonName: "from-csr"}, Signer: signer})
	require.NoError(t, err)

	out, err := l.Certify(ctx, custody.CertifyRequest{
		CSR:                 csr.PEM,
		IssuerPrivateKeyID:  caKeys.PrivateKeyID,
		IssuerCertificateID: caCert.CertificateID,
		DaysValid:           10,
	})
	require.NoError(t, err)
	cert := decodeCertified(t, out)
	assert.Equal(t, "from-csr", cert.Subject.CommonName)
	assert.Equal(t, "CSR CA", cert.Issuer.CommonName)

	// A CSR cannot be self-signed by the custodian.
	_, err = l.Certify(ctx, custody.CertifyRequest{CSR: csr.PEM, DaysValid: 10})
	assert.ErrorIs(t, err, pki.ErrValidation)
}

func TestLocal_RevokeAndDestroy(t *testing.T) {
	ctx := t.Context()
	l := newLocal(t)

	kp, err := l.CreateKeyPair(ctx, pki.KeyECDSAP256, nil)
	require.NoError(t, err)

	require.NoError(t, l.RevokeKey(ctx, kp.PrivateKeyID, "keyCompromise"))
	revoked, reason := l.Revoked(kp.PublicKeyID)
	assert.True(t, revoked)
	assert.Equal(t, "keyCompromise", reason)

	err = l.RevokeKey(ctx, kp.PrivateKeyID, "superseded")
	assert.ErrorIs(t, err, custody.ErrKeyAlreadyRevoked)

	_, err = l.Signer(ctx, kp.PrivateKeyID)
	assert.ErrorIs(t, err, custody.ErrKeyRevoked)

	_, err = l.Certify(ctx, custody.CertifyRequest{
		PublicKeyID: kp.PublicKeyID,
		Subject:     pki.DistinguishedName{CommonName: "revoked"},
		DaysValid:   1,
	})
	assert.ErrorIs(t, err, custody.ErrKeyRevoked)

	require.NoError(t, l.DestroyKey(ctx, kp.PrivateKeyID))
	_, err = l.GetPublicKey(ctx, kp.PublicKeyID)
	assert.ErrorIs(t, err, custody.ErrKeyNotFound)
	assert.ErrorIs(t, l.DestroyKey(ctx, kp.PrivateKeyID), custody.ErrKeyNotFound)
}

func TestLocal_PrivateKeyExport(t *testing.T) {
	ctx := t.Context()

	l := newLocal(t)
	kp, err := l.CreateKeyPair(ctx, pki.KeyRSA2048, nil)
	require.NoError(t, err)
	_, err = l.GetPrivateKey(ctx, kp.PrivateKeyID)
	assert.ErrorIs(t, err, custody.ErrKeyNotExportable)

	l = newLocal(t, custody.WithExportableKeys(true))
	kp, err = l.CreateKeyPair(ctx, pki.KeyRSA2048, nil)
	require.NoError(t, err)
	pemKey, err := l.GetPrivateKey(ctx, kp.PrivateKeyID)
	require.NoError(t, err)
	raw, err := pki.DecodePEM([]byte(pemKey), pki.LabelPrivateKey)
	require.NoError(t, err)
	_, err = x509.ParsePKCS8PrivateKey(raw)
	require.NoError(t, err)
}

func TestLocal_Errors(t *testing.T) {
	ctx := t.Context()
	l := newLocal(t)

	_, err := l.CreateKeyPair(ctx, "DSA-1024", nil)
	assert.ErrorIs(t, err, custody.ErrUnsupportedAlgorithm)
	assert.True(t, custody.IsPermanent(err))

	kp, err := l.CreateKeyPair(ctx, pki.KeyECDSAP256, nil)
	require.NoError(t, err)

	_, err = l.Certify(ctx, custody.CertifyRequest{PublicKeyID: kp.PublicKeyID, Subject: pki.DistinguishedName{CommonName: "x"}})
	assert.ErrorIs(t, err, pki.ErrValidation)

	_, err = l.Certify(ctx, custody.CertifyRequest{
		PublicKeyID:         kp.PublicKeyID,
		IssuerPrivateKeyID:  kp.PrivateKeyID,
		IssuerCertificateID: "missing",
		Subject:             pki.DistinguishedName{CommonName: "x"},
		DaysValid:           1,
	})
	assert.ErrorIs(t, err, custody.ErrCertificateNotFound)

	_, err = l.GetCertificate(ctx, "missing")
	assert.ErrorIs(t, err, custody.ErrCertificateNotFound)
}
