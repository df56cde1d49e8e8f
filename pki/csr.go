package pki

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
)

// CSRParams describes a PKCS#10 request. Only BasicConstraints, KeyUsage,
// ExtendedKeyUsage and SubjectAltName may be requested; key identifiers and
// distribution points are assigned by the issuer.
//
// Requests carrying extensions are encoded correctly here but are not
// accepted by every downstream consumer. Requests without extensions are
// the portable form.
type CSRParams struct {
	Subject            DistinguishedName
	Signer             crypto.Signer
	SignatureAlgorithm SignatureAlgorithm
	Extensions         []Extension
}

// EncodedCSR is the output of EncodeCSR.
type EncodedCSR struct {
	PEM     []byte
	DER     []byte
	Subject DistinguishedName
}

// CSRInfo is the data recovered from a decoded request.
type CSRInfo struct {
	Subject            DistinguishedName `json:"subject"`
	KeyAlgorithm       KeyAlgorithm      `json:"key_algorithm"`
	SignatureAlgorithm string            `json:"signature_algorithm"`
	Extensions         []ExtensionInfo   `json:"extensions"`
	SANs               SubjectAltName    `json:"sans"`

	PublicKey crypto.PublicKey         `json:"-"`
	Request   *x509.CertificateRequest `json:"-"`
}

// EncodeCSR builds and self-signs a certification request.
func EncodeCSR(p CSRParams) (*EncodedCSR, error) {
	if p.Signer == nil {
		return nil, validationErrorf(CodeInvalidRequest, "a signing key is required")
	}
	if err := ValidateDN(p.Subject).Err(); err != nil {
		return nil, err
	}
	for _, ext := range p.Extensions {
		switch ext.(type) {
		case BasicConstraints, KeyUsage, ExtendedKeyUsage, SubjectAltName:
		default:
			return nil, validationErrorf(CodeInvalidRequest, "extension %s cannot be requested in a CSR", ext.Kind())
		}
	}
	_, alg, err := resolveSignatureAlgorithm(p.SignatureAlgorithm, p.Signer.Public())
	if err != nil {
		return nil, err
	}
	subjectDER, err := p.Subject.MarshalDER()
	if err != nil {
		return nil, err
	}
	exts, err := MarshalExtensions(p.Extensions, p.Signer.Public(), nil)
	if err != nil {
		return nil, err
	}

	template := &x509.CertificateRequest{
		RawSubject:         subjectDER,
		SignatureAlgorithm: alg.x509,
		ExtraExtensions:    exts,
	}
	raw, err := x509.CreateCertificateRequest(rand.Reader, template, p.Signer)
	if err != nil {
		return nil, encodingError(err, "signing certificate request")
	}
	return &EncodedCSR{
		PEM:     EncodePEM(LabelCertificateRequest, raw),
		DER:     raw,
		Subject: p.Subject,
	}, nil
}

// ParseCSR accepts PEM or DER and returns the parsed request.
func ParseCSR(data []byte) (*x509.CertificateRequest, error) {
	raw, err := toDER(data, LabelCertificateRequest)
	if err != nil {
		return nil, err
	}
	req, err := x509.ParseCertificateRequest(raw)
	if err != nil {
		return nil, decodingError(err, "parsing certificate request")
	}
	return req, nil
}

// DecodeCSR parses a PEM or DER request.
func DecodeCSR(data []byte) (*CSRInfo, error) {
	req, err := ParseCSR(data)
	if err != nil {
		return nil, err
	}
	exts := make([]ExtensionInfo, 0, len(req.Extensions))
	for _, e := range req.Extensions {
		exts = append(exts, ExtensionInfo{OID: e.Id.String(), Name: ExtensionName(e.Id), Critical: e.Critical})
	}
	san := SubjectAltName{DNS: req.DNSNames, Email: req.EmailAddresses}
	for _, ip := range req.IPAddresses {
		san.IP = append(san.IP, ip.String())
	}
	for _, u := range req.URIs {
		san.URI = append(san.URI, u.String())
	}
	return &CSRInfo{
		Subject:            FromPKIX(req.Subject),
		KeyAlgorithm:       InferKeyAlgorithm(req.PublicKey),
		SignatureAlgorithm: req.SignatureAlgorithm.String(),
		Extensions:         exts,
		SANs:               san,
		PublicKey:          req.PublicKey,
		Request:            req,
	}, nil
}

// VerifyCSR reports whether the request's self-signature is valid. Malformed
// input is an error; a bad signature is simply false.
func VerifyCSR(data []byte) (bool, error) {
	req, err := ParseCSR(data)
	if err != nil {
		return false, err
	}
	return req.CheckSignature() == nil, nil
}
