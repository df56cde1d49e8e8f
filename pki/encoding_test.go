package pki_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/jmcleod/ironca/internal/der"
	"github.com/jmcleod/ironca/pki"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvertFormat_Certificate(t *testing.T) {
	enc, _ := selfSignedCA(t, testRSAKey)

	derOut, err := pki.ConvertFormat(enc.PEM, pki.FormatPEM, pki.FormatDER)
	require.NoError(t, err)
	assert.Equal(t, enc.DER, derOut)

	pemOut, err := pki.ConvertFormat(enc.DER, pki.FormatDER, pki.FormatPEM)
	require.NoError(t, err)
	assert.Equal(t, enc.PEM, pemOut)

	for _, line := range strings.Split(strings.TrimSpace(string(pemOut)), "\n") {
		assert.LessOrEqual(t, len(line), 64)
	}
}

func TestConvertFormat_SniffsLabel(t *testing.T) {
	csr, err := pki.EncodeCSR(pki.CSRParams{Subject: pki.DistinguishedName{CommonName: "x"}, Signer: testRSAKey})
	require.NoError(t, err)
	out, err := pki.ConvertFormat(csr.DER, pki.FormatDER, pki.FormatPEM)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(out), "-----BEGIN CERTIFICATE REQUEST-----"))

	crl, err := pki.EncodeCRL(pki.CRLParams{Issuer: pki.DistinguishedName{CommonName: "x"}, Signer: testRSAKey, Number: 1})
	require.NoError(t, err)
	out, err = pki.ConvertFormat(crl.DER, pki.FormatDER, pki.FormatPEM)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(out), "-----BEGIN X509 CRL-----"))

	_, err = pki.ConvertFormat([]byte{0x30, 0x00}, pki.FormatDER, pki.FormatPEM)
	assert.ErrorIs(t, err, pki.ErrEncoding)
}

func TestConvertFormat_Errors(t *testing.T) {
	_, err := pki.ConvertFormat([]byte("nope"), pki.FormatPEM, pki.FormatDER)
	assert.ErrorIs(t, err, pki.ErrEncoding)

	_, err = pki.ConvertFormat(nil, pki.FormatDER, pki.FormatPEM)
	assert.ErrorIs(t, err, pki.ErrEncoding)

	_, err = pki.ConvertFormat([]byte{1}, "p12", pki.FormatPEM)
	assert.ErrorIs(t, err, pki.ErrValidation)
}

func TestParseFormat(t *testing.T) {
	f, err := pki.ParseFormat(" PEM ")
	require.NoError(t, err)
	assert.Equal(t, pki.FormatPEM, f)
	_, err = pki.ParseFormat("jks")
	assert.Error(t, err)
}

func TestDecodePEM_Label(t *testing.T) {
	enc, _ := selfSignedCA(t, testRSAKey)
	_, err := pki.DecodePEM(enc.PEM, pki.LabelCRL)
	assert.ErrorIs(t, err, pki.ErrEncoding)
	raw, err := pki.DecodePEM(enc.PEM, "")
	require.NoError(t, err)
	assert.Equal(t, enc.DER, raw)
}

func TestKeyUsageEncoding(t *testing.T) {
	exts, err := pki.MarshalExtensions([]pki.Extension{pki.KeyUsage{DigitalSignature: true, KeyEncipherment: true}}, nil, nil)
	require.NoError(t, err)
	require.Len(t, exts, 1)
	assert.True(t, exts[0].Critical)
	assert.Equal(t, []byte{0x03, 0x02, 0x05, 0xa0}, exts[0].Value)

	// decipherOnly is bit 8 and spills into a second octet.
	exts, err = pki.MarshalExtensions([]pki.Extension{pki.KeyUsage{DecipherOnly: true}}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x03, 0x03, 0x07, 0x00, 0x80}, exts[0].Value)
}

func TestCRLDistributionPointsEncoding(t *testing.T) {
	uri := "http://crl.example.com/ca/test.crl"
	exts, err := pki.MarshalExtensions([]pki.Extension{pki.CRLDistributionPoints{URIs: []string{uri}}}, nil, nil)
	require.NoError(t, err)

	want, err := der.Marshal(der.Sequence(der.Sequence(der.Explicit(0, der.ContextConstructed(0, der.ContextPrimitive(6, []byte(uri)))))))
	require.NoError(t, err)
	assert.Equal(t, want, exts[0].Value)
	assert.False(t, exts[0].Critical)
	assert.Equal(t, "2.5.29.31", exts[0].Id.String())
}

func TestKeyIdentifierRequiresKey(t *testing.T) {
	_, err := pki.MarshalExtensions([]pki.Extension{pki.AuthorityKeyIdentifier{}}, nil, nil)
	assert.ErrorIs(t, err, pki.ErrValidation)

	exts, err := pki.MarshalExtensions([]pki.Extension{pki.AuthorityKeyIdentifier{KeyID: []byte{1, 2, 3}}}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x30, 0x05, 0x80, 0x03, 1, 2, 3}, exts[0].Value)
}

func TestSubjectAltNameRequiresEntries(t *testing.T) {
	_, err := pki.MarshalExtensions([]pki.Extension{pki.SubjectAltName{}}, nil, nil)
	assert.Equal(t, pki.CodeInvalidSAN, pki.CodeOf(err))
}

func TestExtensionListJSON(t *testing.T) {
	one := 1
	in := pki.ExtensionList{
		pki.BasicConstraints{IsCA: true, PathLenConstraint: &one},
		pki.KeyUsage{KeyCertSign: true, CRLSign: true},
		pki.ExtendedKeyUsage{Purposes: []pki.Purpose{pki.PurposeOCSPSigning}},
		pki.SubjectAltName{DNS: []string{"example.com"}},
		pki.SubjectKeyIdentifier{},
		pki.AuthorityKeyIdentifier{KeyID: []byte{9}},
		pki.CRLDistributionPoints{URIs: []string{"http://crl.example.com/x.crl"}},
	}
	raw, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"kind":"basicConstraints"`)

	var out pki.ExtensionList
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, in, out)

	assert.Error(t, json.Unmarshal([]byte(`[{"kind":"nameConstraints","value":{}}]`), &out))
}
