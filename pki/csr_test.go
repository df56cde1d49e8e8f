package pki_test

import (
	"testing"

	"github.com/jmcleod/ironca/pki"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeCSR_Basic(t *testing.T) {
	subject := pki.DistinguishedName{CommonName: "client-1", Organization: "Test Org", Country: "US"}
	enc, err := pki.EncodeCSR(pki.CSRParams{Subject: subject, Signer: testRSAKey})
	require.NoError(t, err)
	assert.Contains(t, string(enc.PEM), "-----BEGIN CERTIFICATE REQUEST-----")

	ok, err := pki.VerifyCSR(enc.PEM)
	require.NoError(t, err)
	assert.True(t, ok)

	info, err := pki.DecodeCSR(enc.DER)
	require.NoError(t, err)
	assert.Equal(t, subject, info.Subject)
	assert.Equal(t, pki.KeyRSA2048, info.KeyAlgorithm)
	assert.Empty(t, info.Extensions)
}

func TestEncodeCSR_WithExtensions(t *testing.T) {
	key := newECKey(t)
	enc, err := pki.EncodeCSR(pki.CSRParams{
		Subject: pki.DistinguishedName{CommonName: "www.example.com"},
		Signer:  key,
		Extensions: []pki.Extension{
			pki.BasicConstraints{},
			pki.KeyUsage{DigitalSignature: true, KeyEncipherment: true},
			pki.ExtendedKeyUsage{Purposes: []pki.Purpose{pki.PurposeServerAuth, pki.PurposeClientAuth}},
			pki.SubjectAltName{DNS: []string{"www.example.com"}, IP: []string{"10.0.0.1"}},
		},
	})
	require.NoError(t, err)

	ok, err := pki.VerifyCSR(enc.PEM)
	require.NoError(t, err)
	assert.True(t, ok)

	info, err := pki.DecodeCSR(enc.PEM)
	require.NoError(t, err)
	require.Len(t, info.Extensions, 4)
	assert.Equal(t, "basicConstraints", info.Extensions[0].Name)
	assert.True(t, info.Extensions[1].Critical)
	assert.Equal(t, []string{"www.example.com"}, info.SANs.DNS)
	assert.Equal(t, []string{"10.0.0.1"}, info.SANs.IP)
	assert.Equal(t, pki.KeyECDSAP256, info.KeyAlgorithm)
}

func TestEncodeCSR_RejectsIssuerAssignedExtensions(t *testing.T) {
	for _, ext := range []pki.Extension{
		pki.SubjectKeyIdentifier{},
		pki.AuthorityKeyIdentifier{},
		pki.CRLDistributionPoints{URIs: []string{"http://crl.example.com/a.crl"}},
	} {
		_, err := pki.EncodeCSR(pki.CSRParams{
			Subject:    pki.DistinguishedName{CommonName: "x"},
			Signer:     testRSAKey,
			Extensions: []pki.Extension{ext},
		})
		assert.ErrorIs(t, err, pki.ErrValidation, "%s", ext.Kind())
	}
}

func TestVerifyCSR_TamperedSignature(t *testing.T) {
	enc, err := pki.EncodeCSR(pki.CSRParams{Subject: pki.DistinguishedName{CommonName: "tamper"}, Signer: testRSAKey})
	require.NoError(t, err)

	tampered := append([]byte(nil), enc.DER...)
	tampered[len(tampered)-1] ^= 0xff
	ok, err := pki.VerifyCSR(tampered)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = pki.VerifyCSR([]byte("garbage"))
	assert.ErrorIs(t, err, pki.ErrEncoding)
}

func TestEncodeCSR_Errors(t *testing.T) {
	_, err := pki.EncodeCSR(pki.CSRParams{Subject: pki.DistinguishedName{CommonName: "x"}})
	assert.ErrorIs(t, err, pki.ErrValidation)

	_, err = pki.EncodeCSR(pki.CSRParams{Subject: pki.DistinguishedName{Country: "US"}, Signer: testRSAKey})
	assert.Equal(t, pki.CodeInvalidDN, pki.CodeOf(err))
}
