package pki

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"strings"
	"time"
	"unicode"

	"github.com/jmcleod/ironca/internal/der"
	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// DefaultCRLValidity is the gap between thisUpdate and nextUpdate when
// NextUpdate is not given.
const DefaultCRLValidity = 7 * 24 * time.Hour

// crlVersion2 is the encoded value of the v2 version field.
const crlVersion2 = 1

// RevocationEntry is one revoked certificate listed in a CRL.
type RevocationEntry struct {
	// SerialNumber is hex; separators and case are ignored.
	SerialNumber   string     `json:"serial_number"`
	RevocationDate time.Time  `json:"revocation_date"`
	Reason         ReasonCode `json:"reason"`
}

// CRLParams describes a CRL to encode and sign.
type CRLParams struct {
	Issuer             DistinguishedName
	Signer             crypto.Signer
	SignatureAlgorithm SignatureAlgorithm
	// ThisUpdate defaults to now, NextUpdate to ThisUpdate + 7 days.
	ThisUpdate time.Time
	NextUpdate time.Time
	// Number is the CRL sequence number; it must be positive.
	Number  int64
	Revoked []RevocationEntry
	// AuthorityKeyID defaults to the key identifier of the signer.
	AuthorityKeyID []byte
}

// EncodedCRL is the output of EncodeCRL.
type EncodedCRL struct {
	PEM          []byte
	DER          []byte
	Number       int64
	RevokedCount int
	ThisUpdate   time.Time
	NextUpdate   time.Time
}

// EncodeCRL builds the TBSCertList, signs its digest with p.Signer and
// serialises the result. The revokedCertificates field is omitted when
// there are no entries.
func EncodeCRL(p CRLParams) (*EncodedCRL, error) {
	if p.Signer == nil {
		return nil, validationErrorf(CodeInvalidRequest, "a signing key is required")
	}
	if p.Number <= 0 {
		return nil, validationErrorf(CodeInvalidRequest, "CRL number must be positive, got %d", p.Number)
	}
	_, alg, err := resolveSignatureAlgorithm(p.SignatureAlgorithm, p.Signer.Public())
	if err != nil {
		return nil, err
	}

	thisUpdate := p.ThisUpdate
	if thisUpdate.IsZero() {
		thisUpdate = time.Now()
	}
	thisUpdate = thisUpdate.UTC().Truncate(time.Second)
	nextUpdate := p.NextUpdate
	if nextUpdate.IsZero() {
		nextUpdate = thisUpdate.Add(DefaultCRLValidity)
	}
	nextUpdate = nextUpdate.UTC().Truncate(time.Second)
	if !nextUpdate.After(thisUpdate) {
		return nil, validationErrorf(CodeInvalidValidity, "nextUpdate must be after thisUpdate")
	}

	issuerDER, err := p.Issuer.MarshalDER()
	if err != nil {
		return nil, err
	}
	algID := algorithmIdentifier(alg)

	fields := []der.Node{
		der.Int(crlVersion2),
		algID,
		der.Raw(issuerDER),
		der.Time(thisUpdate),
		der.Time(nextUpdate),
	}
	if len(p.Revoked) > 0 {
		entries := make([]der.Node, 0, len(p.Revoked))
		for _, r := range p.Revoked {
			serial, err := ParseSerial(r.SerialNumber)
			if err != nil {
				return nil, err
			}
			// TODO: attach ReasonCodeExtension as a crlEntryExtension once
			// relying parties have been checked against it.
			entries = append(entries, der.Sequence(der.Integer(serial), der.Time(r.RevocationDate)))
		}
		fields = append(fields, der.Sequence(entries...))
	}

	exts, err := crlExtensions(p)
	if err != nil {
		return nil, err
	}
	fields = append(fields, der.Explicit(0, der.Sequence(exts...)))

	tbs, err := der.Marshal(der.Sequence(fields...))
	if err != nil {
		return nil, encodingError(err, "encoding TBSCertList")
	}

	h := alg.hash.New()
	h.Write(tbs)
	sig, err := p.Signer.Sign(rand.Reader, h.Sum(nil), alg.hash)
	if err != nil {
		return nil, encodingError(err, "signing CRL")
	}

	raw, err := der.Marshal(der.Sequence(der.Raw(tbs), algID, der.Bytes(sig)))
	if err != nil {
		return nil, encodingError(err, "encoding CRL")
	}
	return &EncodedCRL{
		PEM:          EncodePEM(LabelCRL, raw),
		DER:          raw,
		Number:       p.Number,
		RevokedCount: len(p.Revoked),
		ThisUpdate:   thisUpdate,
		NextUpdate:   nextUpdate,
	}, nil
}

// algorithmIdentifier encodes the AlgorithmIdentifier for a signature
// scheme. RSA schemes carry explicit NULL parameters; ECDSA schemes carry
// none (RFC 5758).
func algorithmIdentifier(alg sigAlgInfo) der.Node {
	if alg.rsa {
		return der.Sequence(der.OID(alg.oid), der.Null())
	}
	return der.Sequence(der.OID(alg.oid))
}

func crlExtensions(p CRLParams) ([]der.Node, error) {
	number, err := der.Marshal(der.Int(p.Number))
	if err != nil {
		return nil, encodingError(err, "encoding CRL number")
	}
	aki, err := marshalExtension(AuthorityKeyIdentifier{KeyID: p.AuthorityKeyID}, extensionKeys{issuer: p.Signer.Public()})
	if err != nil {
		return nil, err
	}
	return []der.Node{
		extensionNode(pkix.Extension{Id: OIDCRLNumber, Value: number}),
		extensionNode(aki),
	}, nil
}

func extensionNode(e pkix.Extension) der.Node {
	if e.Critical {
		return der.Sequence(der.OID(e.Id), der.Boolean(true), der.OctetString(e.Value))
	}
	return der.Sequence(der.OID(e.Id), der.OctetString(e.Value))
}

// ReasonCodeExtension builds the reasonCode CRL entry extension
// (OID 2.5.29.21).
func ReasonCodeExtension(r ReasonCode) (pkix.Extension, error) {
	if !r.Valid() {
		return pkix.Extension{}, validationErrorf(CodeInvalidRequest, "invalid revocation reason %d", int(r))
	}
	value, err := der.Marshal(der.Enumerated(int64(r)))
	if err != nil {
		return pkix.Extension{}, encodingError(err, "encoding reason code")
	}
	return pkix.Extension{Id: OIDCRLReasonCode, Value: value}, nil
}

// CRLInfo is what DecodeCRL recovers from an encoded CRL. Only the envelope
// and the update times are read: Issuer and Revoked are always empty and
// Number is always zero. Use ParseCRL for a full parse.
type CRLInfo struct {
	SignatureAlgorithm string            `json:"signature_algorithm"`
	ThisUpdate         time.Time         `json:"this_update"`
	NextUpdate         time.Time         `json:"next_update,omitempty"`
	Issuer             DistinguishedName `json:"issuer"`
	Revoked            []RevocationEntry `json:"revoked"`
	Number             int64             `json:"number"`
}

// Expired reports whether now is past NextUpdate.
func (c *CRLInfo) Expired(now time.Time) bool {
	return IsCRLExpired(c.NextUpdate, now)
}

// DecodeCRL checks the CertificateList shape of a PEM or DER CRL.
func DecodeCRL(data []byte) (*CRLInfo, error) {
	raw, err := toDER(data, LabelCRL)
	if err != nil {
		return nil, err
	}
	info, err := parseCRLEnvelope(raw)
	if err != nil {
		return nil, decodingError(err, "parsing CRL")
	}
	return info, nil
}

func parseCRLEnvelope(raw []byte) (*CRLInfo, error) {
	var (
		input = cryptobyte.String(raw)
		crl   cryptobyte.String
		tbs   cryptobyte.String
		alg   cryptobyte.String
		sig   asn1.BitString
	)
	if !input.ReadASN1(&crl, cryptobyte_asn1.SEQUENCE) || !input.Empty() {
		return nil, fmt.Errorf("malformed CertificateList")
	}
	if !crl.ReadASN1(&tbs, cryptobyte_asn1.SEQUENCE) ||
		!crl.ReadASN1(&alg, cryptobyte_asn1.SEQUENCE) ||
		!crl.ReadASN1BitString(&sig) ||
		!crl.Empty() {
		return nil, fmt.Errorf("malformed CertificateList")
	}
	var oid asn1.ObjectIdentifier
	if !alg.ReadASN1ObjectIdentifier(&oid) {
		return nil, fmt.Errorf("malformed signature algorithm")
	}

	info := &CRLInfo{SignatureAlgorithm: signatureAlgorithmName(oid), Revoked: []RevocationEntry{}}
	if !tbs.SkipOptionalASN1(cryptobyte_asn1.INTEGER) ||
		!tbs.SkipASN1(cryptobyte_asn1.SEQUENCE) ||
		!tbs.SkipASN1(cryptobyte_asn1.SEQUENCE) {
		return nil, fmt.Errorf("malformed TBSCertList")
	}
	if !readTime(&tbs, &info.ThisUpdate) {
		return nil, fmt.Errorf("malformed thisUpdate")
	}
	if tbs.PeekASN1Tag(cryptobyte_asn1.UTCTime) || tbs.PeekASN1Tag(cryptobyte_asn1.GeneralizedTime) {
		if !readTime(&tbs, &info.NextUpdate) {
			return nil, fmt.Errorf("malformed nextUpdate")
		}
	}
	return info, nil
}

func readTime(s *cryptobyte.String, out *time.Time) bool {
	if s.PeekASN1Tag(cryptobyte_asn1.UTCTime) {
		return s.ReadASN1UTCTime(out)
	}
	return s.ReadASN1GeneralizedTime(out)
}

func signatureAlgorithmName(oid asn1.ObjectIdentifier) string {
	for name, info := range sigAlgs {
		if info.oid.Equal(oid) {
			return string(name)
		}
	}
	return oid.String()
}

// ParseCRL fully parses a PEM or DER CRL, including its entries.
func ParseCRL(data []byte) (*x509.RevocationList, error) {
	raw, err := toDER(data, LabelCRL)
	if err != nil {
		return nil, err
	}
	rl, err := x509.ParseRevocationList(raw)
	if err != nil {
		return nil, decodingError(err, "parsing CRL")
	}
	return rl, nil
}

// IsCRLExpired reports whether now is past nextUpdate.
func IsCRLExpired(nextUpdate, now time.Time) bool {
	return now.After(nextUpdate)
}

// NormalizeSerial upper-cases a hex serial and strips ':' separators,
// whitespace and leading zeros.
func NormalizeSerial(s string) string {
	var sb strings.Builder
	for _, r := range s {
		if r == ':' || unicode.IsSpace(r) {
			continue
		}
		sb.WriteRune(unicode.ToUpper(r))
	}
	out := strings.TrimLeft(sb.String(), "0")
	if out == "" && sb.Len() > 0 {
		return "0"
	}
	return out
}

// ParseSerial parses a hex serial number in any of the forms NormalizeSerial
// accepts.
func ParseSerial(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(NormalizeSerial(s), 16)
	if !ok || n.Sign() <= 0 {
		return nil, validationErrorf(CodeInvalidRequest, "invalid serial number %q", s)
	}
	return n, nil
}

// IsCertificateRevoked reports whether serial appears in entries.
func IsCertificateRevoked(entries []RevocationEntry, serial string) bool {
	want := NormalizeSerial(serial)
	for _, e := range entries {
		if NormalizeSerial(e.SerialNumber) == want {
			return true
		}
	}
	return false
}
