package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// KeyAlgorithm names a key type and size supported by the custodian.
type KeyAlgorithm string

const (
	KeyRSA2048   KeyAlgorithm = "RSA-2048"
	KeyRSA4096   KeyAlgorithm = "RSA-4096"
	KeyECDSAP256 KeyAlgorithm = "ECDSA-P256"
)

// Valid reports whether a is a known key algorithm.
func (a KeyAlgorithm) Valid() bool {
	switch a {
	case KeyRSA2048, KeyRSA4096, KeyECDSAP256:
		return true
	}
	return false
}

// SignatureAlgorithm names a signature scheme.
type SignatureAlgorithm string

const (
	SHA256WithRSA   SignatureAlgorithm = "SHA256withRSA"
	SHA384WithRSA   SignatureAlgorithm = "SHA384withRSA"
	SHA512WithRSA   SignatureAlgorithm = "SHA512withRSA"
	SHA256WithECDSA SignatureAlgorithm = "SHA256withECDSA"
	SHA384WithECDSA SignatureAlgorithm = "SHA384withECDSA"
	SHA512WithECDSA SignatureAlgorithm = "SHA512withECDSA"
)

type sigAlgInfo struct {
	x509 x509.SignatureAlgorithm
	oid  asn1.ObjectIdentifier
	hash crypto.Hash
	rsa  bool
}

var sigAlgs = map[SignatureAlgorithm]sigAlgInfo{
	SHA256WithRSA:   {x509.SHA256WithRSA, asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}, crypto.SHA256, true},
	SHA384WithRSA:   {x509.SHA384WithRSA, asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 12}, crypto.SHA384, true},
	SHA512WithRSA:   {x509.SHA512WithRSA, asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 13}, crypto.SHA512, true},
	SHA256WithECDSA: {x509.ECDSAWithSHA256, asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}, crypto.SHA256, false},
	SHA384WithECDSA: {x509.ECDSAWithSHA384, asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 3}, crypto.SHA384, false},
	SHA512WithECDSA: {x509.ECDSAWithSHA512, asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 4}, crypto.SHA512, false},
}

// DefaultSignatureAlgorithm picks SHA-256 with the signature scheme
// matching the key family.
func DefaultSignatureAlgorithm(pub crypto.PublicKey) SignatureAlgorithm {
	if _, ok := pub.(*ecdsa.PublicKey); ok {
		return SHA256WithECDSA
	}
	return SHA256WithRSA
}

// resolveSignatureAlgorithm applies the default and checks that alg can be
// produced by a key of the signer's family.
func resolveSignatureAlgorithm(alg SignatureAlgorithm, pub crypto.PublicKey) (SignatureAlgorithm, sigAlgInfo, error) {
	if alg == "" {
		alg = DefaultSignatureAlgorithm(pub)
	}
	info, ok := sigAlgs[alg]
	if !ok {
		return "", sigAlgInfo{}, validationErrorf(CodeInvalidRequest, "unsupported signature algorithm %q", alg)
	}
	switch pub.(type) {
	case *rsa.PublicKey:
		if !info.rsa {
			return "", sigAlgInfo{}, validationErrorf(CodeInvalidRequest, "signature algorithm %s needs an ECDSA key", alg)
		}
	case *ecdsa.PublicKey:
		if info.rsa {
			return "", sigAlgInfo{}, validationErrorf(CodeInvalidRequest, "signature algorithm %s needs an RSA key", alg)
		}
	default:
		return "", sigAlgInfo{}, validationErrorf(CodeInvalidRequest, "unsupported signing key type %T", pub)
	}
	return alg, info, nil
}

// CertificateParams describes a certificate to encode and sign.
type CertificateParams struct {
	Subject DistinguishedName
	// Issuer defaults to Subject (self-signed).
	Issuer *DistinguishedName
	// PublicKey is the subject key. It defaults to Signer.Public().
	PublicKey crypto.PublicKey
	// Signer is the issuer's private key. Required.
	Signer crypto.Signer
	// SerialNumber defaults to a random positive 159-bit integer.
	SerialNumber       *big.Int
	NotBefore          time.Time
	NotAfter           time.Time
	SignatureAlgorithm SignatureAlgorithm
	Extensions         []Extension
}

// EncodedCertificate is the output of EncodeCertificate.
type EncodedCertificate struct {
	PEM          []byte
	DER          []byte
	SerialNumber string
	Subject      DistinguishedName
	Issuer       DistinguishedName
	NotBefore    time.Time
	NotAfter     time.Time
}

// DefaultCertificateValidity is used when NotAfter is not given.
const DefaultCertificateValidity = 365 * 24 * time.Hour

const serialBits = 159

// NewSerialNumber returns a random positive serial number that fits in the
// 20 octets RFC 5280 allows.
func NewSerialNumber() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), serialBits)
	for {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return nil, fmt.Errorf("generating serial number: %w", err)
		}
		if n.Sign() > 0 {
			return n, nil
		}
	}
}

// FormatSerial renders a serial number as upper-case hex.
func FormatSerial(n *big.Int) string {
	return strings.ToUpper(n.Text(16))
}

// EncodeCertificate builds, signs and serialises a v3 certificate. Every
// extension in p.Extensions is written exactly once; nothing else is added.
func EncodeCertificate(p CertificateParams) (*EncodedCertificate, error) {
	if p.Signer == nil {
		return nil, validationErrorf(CodeInvalidRequest, "a signing key is required")
	}
	if err := ValidateDN(p.Subject).Err(); err != nil {
		return nil, err
	}
	issuer := p.Subject
	if p.Issuer != nil {
		issuer = *p.Issuer
	}
	pub := p.PublicKey
	if pub == nil {
		pub = p.Signer.Public()
	}
	_, alg, err := resolveSignatureAlgorithm(p.SignatureAlgorithm, p.Signer.Public())
	if err != nil {
		return nil, err
	}

	serial := p.SerialNumber
	if serial == nil {
		if serial, err = NewSerialNumber(); err != nil {
			return nil, Wrap(KindInternal, CodeInternal, err, "encoding certificate")
		}
	} else if serial.Sign() <= 0 {
		return nil, validationErrorf(CodeInvalidRequest, "serial number must be positive")
	}

	notBefore := p.NotBefore
	if notBefore.IsZero() {
		notBefore = time.Now()
	}
	notBefore = notBefore.UTC().Truncate(time.Second)
	notAfter := p.NotAfter
	if notAfter.IsZero() {
		notAfter = notBefore.Add(DefaultCertificateValidity)
	}
	notAfter = notAfter.UTC().Truncate(time.Second)
	if !notAfter.After(notBefore) {
		return nil, validationErrorf(CodeInvalidValidity, "notAfter must be after notBefore")
	}

	subjectDER, err := p.Subject.MarshalDER()
	if err != nil {
		return nil, err
	}
	issuerDER, err := issuer.MarshalDER()
	if err != nil {
		return nil, err
	}
	exts, err := MarshalExtensions(p.Extensions, pub, p.Signer.Public())
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber:       serial,
		RawSubject:         subjectDER,
		NotBefore:          notBefore,
		NotAfter:           notAfter,
		SignatureAlgorithm: alg.x509,
		ExtraExtensions:    exts,
	}
	parent := &x509.Certificate{
		RawSubject: issuerDER,
		PublicKey:  p.Signer.Public(),
	}
	raw, err := x509.CreateCertificate(rand.Reader, template, parent, pub, p.Signer)
	if err != nil {
		return nil, encodingError(err, "signing certificate")
	}

	return &EncodedCertificate{
		PEM:          EncodePEM(LabelCertificate, raw),
		DER:          raw,
		SerialNumber: FormatSerial(serial),
		Subject:      p.Subject,
		Issuer:       issuer,
		NotBefore:    notBefore,
		NotAfter:     notAfter,
	}, nil
}

// ExtensionInfo describes one extension of a decoded certificate.
type ExtensionInfo struct {
	OID      string `json:"oid"`
	Name     string `json:"name"`
	Critical bool   `json:"critical"`
}

// CertificateInfo is the data model recovered from an encoded certificate.
type CertificateInfo struct {
	SerialNumber       string            `json:"serial_number"`
	Subject            DistinguishedName `json:"subject"`
	Issuer             DistinguishedName `json:"issuer"`
	NotBefore          time.Time         `json:"not_before"`
	NotAfter           time.Time         `json:"not_after"`
	Extensions         []ExtensionInfo   `json:"extensions"`
	KeyAlgorithm       KeyAlgorithm      `json:"key_algorithm"`
	SignatureAlgorithm string            `json:"signature_algorithm"`
	IsCA               bool              `json:"is_ca"`
	SANs               SubjectAltName    `json:"sans"`
	SubjectKeyID       []byte            `json:"subject_key_id,omitempty"`

	Certificate *x509.Certificate `json:"-"`
}

// ParseCertificate accepts PEM or DER and returns the parsed certificate.
func ParseCertificate(data []byte) (*x509.Certificate, error) {
	raw, err := toDER(data, LabelCertificate)
	if err != nil {
		return nil, err
	}
	c, err := x509.ParseCertificate(raw)
	if err != nil {
		return nil, decodingError(err, "parsing certificate")
	}
	return c, nil
}

// DecodeCertificate parses a PEM or DER certificate into CertificateInfo.
func DecodeCertificate(data []byte) (*CertificateInfo, error) {
	c, err := ParseCertificate(data)
	if err != nil {
		return nil, err
	}
	exts := make([]ExtensionInfo, 0, len(c.Extensions))
	for _, e := range c.Extensions {
		exts = append(exts, ExtensionInfo{OID: e.Id.String(), Name: ExtensionName(e.Id), Critical: e.Critical})
	}
	return &CertificateInfo{
		SerialNumber:       FormatSerial(c.SerialNumber),
		Subject:            FromPKIX(c.Subject),
		Issuer:             FromPKIX(c.Issuer),
		NotBefore:          c.NotBefore.UTC(),
		NotAfter:           c.NotAfter.UTC(),
		Extensions:         exts,
		KeyAlgorithm:       InferKeyAlgorithm(c.PublicKey),
		SignatureAlgorithm: c.SignatureAlgorithm.String(),
		IsCA:               c.BasicConstraintsValid && c.IsCA,
		SANs:               ExtractSANs(c),
		SubjectKeyID:       c.SubjectKeyId,
		Certificate:        c,
	}, nil
}

// InferKeyAlgorithm guesses the key algorithm from the public key: RSA keys
// of 4096 bits or more are RSA-4096, other RSA keys RSA-2048, and anything
// else ECDSA-P256.
func InferKeyAlgorithm(pub crypto.PublicKey) KeyAlgorithm {
	if k, ok := pub.(*rsa.PublicKey); ok {
		if k.N.BitLen() >= 4096 {
			return KeyRSA4096
		}
		return KeyRSA2048
	}
	return KeyECDSAP256
}

// ExtractSANs returns the subject alternative names carried by c.
func ExtractSANs(c *x509.Certificate) SubjectAltName {
	var san SubjectAltName
	if len(c.DNSNames) > 0 {
		san.DNS = append([]string(nil), c.DNSNames...)
	}
	for _, ip := range c.IPAddresses {
		san.IP = append(san.IP, ip.String())
	}
	if len(c.EmailAddresses) > 0 {
		san.Email = append([]string(nil), c.EmailAddresses...)
	}
	for _, u := range c.URIs {
		san.URI = append(san.URI, u.String())
	}
	return san
}
