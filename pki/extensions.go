package pki

import (
	"crypto"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"

	"github.com/jmcleod/ironca/internal/der"
	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// ExtensionKind names a supported v3 extension.
type ExtensionKind string

const (
	KindBasicConstraints       ExtensionKind = "basicConstraints"
	KindKeyUsage               ExtensionKind = "keyUsage"
	KindExtendedKeyUsage       ExtensionKind = "extendedKeyUsage"
	KindSubjectAltName         ExtensionKind = "subjectAltName"
	KindSubjectKeyIdentifier   ExtensionKind = "subjectKeyIdentifier"
	KindAuthorityKeyIdentifier ExtensionKind = "authorityKeyIdentifier"
	KindCRLDistributionPoints  ExtensionKind = "crlDistributionPoints"
)

var (
	OIDBasicConstraints       = asn1.ObjectIdentifier{2, 5, 29, 19}
	OIDKeyUsage               = asn1.ObjectIdentifier{2, 5, 29, 15}
	OIDExtendedKeyUsage       = asn1.ObjectIdentifier{2, 5, 29, 37}
	OIDSubjectAltName         = asn1.ObjectIdentifier{2, 5, 29, 17}
	OIDSubjectKeyIdentifier   = asn1.ObjectIdentifier{2, 5, 29, 14}
	OIDAuthorityKeyIdentifier = asn1.ObjectIdentifier{2, 5, 29, 35}
	OIDCRLDistributionPoints  = asn1.ObjectIdentifier{2, 5, 29, 31}
	OIDCRLNumber              = asn1.ObjectIdentifier{2, 5, 29, 20}
	OIDCRLReasonCode          = asn1.ObjectIdentifier{2, 5, 29, 21}
)

var extensionNames = map[string]string{
	OIDBasicConstraints.String():       string(KindBasicConstraints),
	OIDKeyUsage.String():               string(KindKeyUsage),
	OIDExtendedKeyUsage.String():       string(KindExtendedKeyUsage),
	OIDSubjectAltName.String():         string(KindSubjectAltName),
	OIDSubjectKeyIdentifier.String():   string(KindSubjectKeyIdentifier),
	OIDAuthorityKeyIdentifier.String(): string(KindAuthorityKeyIdentifier),
	OIDCRLDistributionPoints.String():  string(KindCRLDistributionPoints),
	OIDCRLNumber.String():              "cRLNumber",
	OIDCRLReasonCode.String():          "reasonCode",
}

// ExtensionName returns the short name for a known extension OID, or
// "unknown".
func ExtensionName(oid asn1.ObjectIdentifier) string {
	if n, ok := extensionNames[oid.String()]; ok {
		return n
	}
	return "unknown"
}

// Extension is one of the concrete extension types in this package:
// BasicConstraints, KeyUsage, ExtendedKeyUsage, SubjectAltName,
// SubjectKeyIdentifier, AuthorityKeyIdentifier or CRLDistributionPoints.
type Extension interface {
	Kind() ExtensionKind
	extension()
}

// BasicConstraints marks a certificate as a CA and optionally limits the
// depth of the chain beneath it.
type BasicConstraints struct {
	IsCA              bool `json:"is_ca"`
	PathLenConstraint *int `json:"path_len_constraint,omitempty"`
}

// KeyUsage holds the nine RFC 5280 key usage bits.
type KeyUsage struct {
	DigitalSignature  bool `json:"digital_signature,omitempty"`
	ContentCommitment bool `json:"content_commitment,omitempty"`
	KeyEncipherment   bool `json:"key_encipherment,omitempty"`
	DataEncipherment  bool `json:"data_encipherment,omitempty"`
	KeyAgreement      bool `json:"key_agreement,omitempty"`
	KeyCertSign       bool `json:"key_cert_sign,omitempty"`
	CRLSign           bool `json:"crl_sign,omitempty"`
	EncipherOnly      bool `json:"encipher_only,omitempty"`
	DecipherOnly      bool `json:"decipher_only,omitempty"`
}

func (k KeyUsage) bits() []bool {
	return []bool{
		k.DigitalSignature, k.ContentCommitment, k.KeyEncipherment,
		k.DataEncipherment, k.KeyAgreement, k.KeyCertSign,
		k.CRLSign, k.EncipherOnly, k.DecipherOnly,
	}
}

// Purpose is a named extended key usage.
type Purpose string

const (
	PurposeServerAuth      Purpose = "serverAuth"
	PurposeClientAuth      Purpose = "clientAuth"
	PurposeCodeSigning     Purpose = "codeSigning"
	PurposeEmailProtection Purpose = "emailProtection"
	PurposeTimeStamping    Purpose = "timeStamping"
	PurposeOCSPSigning     Purpose = "OCSPSigning"
)

var purposeOIDs = map[Purpose]asn1.ObjectIdentifier{
	PurposeServerAuth:      {1, 3, 6, 1, 5, 5, 7, 3, 1},
	PurposeClientAuth:      {1, 3, 6, 1, 5, 5, 7, 3, 2},
	PurposeCodeSigning:     {1, 3, 6, 1, 5, 5, 7, 3, 3},
	PurposeEmailProtection: {1, 3, 6, 1, 5, 5, 7, 3, 4},
	PurposeTimeStamping:    {1, 3, 6, 1, 5, 5, 7, 3, 8},
	PurposeOCSPSigning:     {1, 3, 6, 1, 5, 5, 7, 3, 9},
}

// OID returns the object identifier for p.
func (p Purpose) OID() (asn1.ObjectIdentifier, bool) {
	oid, ok := purposeOIDs[p]
	return oid, ok
}

// ExtendedKeyUsage lists the purposes a certificate may be used for.
type ExtendedKeyUsage struct {
	Purposes []Purpose `json:"purposes"`
}

// SubjectAltName carries identities beyond the subject CN.
type SubjectAltName struct {
	DNS   []string `json:"dns,omitempty"`
	IP    []string `json:"ip,omitempty"`
	Email []string `json:"email,omitempty"`
	URI   []string `json:"uri,omitempty"`
}

// IsEmpty reports whether no identity is set.
func (s SubjectAltName) IsEmpty() bool {
	return len(s.DNS)+len(s.IP)+len(s.Email)+len(s.URI) == 0
}

// SubjectKeyIdentifier requests the SKI extension. An empty KeyID is
// computed from the subject public key.
type SubjectKeyIdentifier struct {
	KeyID []byte `json:"key_id,omitempty"`
}

// AuthorityKeyIdentifier requests the AKI extension. An empty KeyID is
// computed from the issuer public key.
type AuthorityKeyIdentifier struct {
	KeyID []byte `json:"key_id,omitempty"`
}

// CRLDistributionPoints lists the URLs relying parties fetch CRLs from.
type CRLDistributionPoints struct {
	URIs []string `json:"uris"`
}

func (BasicConstraints) Kind() ExtensionKind       { return KindBasicConstraints }
func (KeyUsage) Kind() ExtensionKind               { return KindKeyUsage }
func (ExtendedKeyUsage) Kind() ExtensionKind       { return KindExtendedKeyUsage }
func (SubjectAltName) Kind() ExtensionKind         { return KindSubjectAltName }
func (SubjectKeyIdentifier) Kind() ExtensionKind   { return KindSubjectKeyIdentifier }
func (AuthorityKeyIdentifier) Kind() ExtensionKind { return KindAuthorityKeyIdentifier }
func (CRLDistributionPoints) Kind() ExtensionKind  { return KindCRLDistributionPoints }

func (BasicConstraints) extension()       {}
func (KeyUsage) extension()               {}
func (ExtendedKeyUsage) extension()       {}
func (SubjectAltName) extension()         {}
func (SubjectKeyIdentifier) extension()   {}
func (AuthorityKeyIdentifier) extension() {}
func (CRLDistributionPoints) extension()  {}

// extensionKeys supplies the public keys needed to derive key identifiers.
type extensionKeys struct {
	subject crypto.PublicKey
	issuer  crypto.PublicKey
}

// MarshalExtensions encodes exts in order. Each kind may appear at most
// once.
func MarshalExtensions(exts []Extension, subjectKey, issuerKey crypto.PublicKey) ([]pkix.Extension, error) {
	keys := extensionKeys{subject: subjectKey, issuer: issuerKey}
	seen := make(map[ExtensionKind]bool, len(exts))
	out := make([]pkix.Extension, 0, len(exts))
	for _, ext := range exts {
		if ext == nil {
			continue
		}
		if seen[ext.Kind()] {
			return nil, validationErrorf(CodeInvalidRequest, "extension %s requested more than once", ext.Kind())
		}
		seen[ext.Kind()] = true
		pe, err := marshalExtension(ext, keys)
		if err != nil {
			return nil, err
		}
		out = append(out, pe)
	}
	return out, nil
}

func marshalExtension(ext Extension, keys extensionKeys) (pkix.Extension, error) {
	var (
		oid      asn1.ObjectIdentifier
		critical bool
		node     der.Node
		err      error
	)
	switch e := ext.(type) {
	case BasicConstraints:
		oid, critical, node = OIDBasicConstraints, true, basicConstraintsNode(e)
	case KeyUsage:
		oid, critical, node = OIDKeyUsage, true, keyUsageNode(e)
	case ExtendedKeyUsage:
		oid = OIDExtendedKeyUsage
		node, err = extKeyUsageNode(e)
	case SubjectAltName:
		oid = OIDSubjectAltName
		node, err = subjectAltNameNode(e)
	case SubjectKeyIdentifier:
		oid = OIDSubjectKeyIdentifier
		var id []byte
		if id, err = keyIDOrDerive(e.KeyID, keys.subject, "subject"); err == nil {
			node = der.OctetString(id)
		}
	case AuthorityKeyIdentifier:
		oid = OIDAuthorityKeyIdentifier
		var id []byte
		if id, err = keyIDOrDerive(e.KeyID, keys.issuer, "issuer"); err == nil {
			node = der.Sequence(der.ContextPrimitive(0, id))
		}
	case CRLDistributionPoints:
		oid = OIDCRLDistributionPoints
		node, err = crlDistributionPointsNode(e)
	default:
		return pkix.Extension{}, validationErrorf(CodeInvalidRequest, "unsupported extension %T", ext)
	}
	if err != nil {
		return pkix.Extension{}, err
	}
	value, merr := der.Marshal(node)
	if merr != nil {
		return pkix.Extension{}, encodingError(merr, "encoding %s extension", ext.Kind())
	}
	return pkix.Extension{Id: oid, Critical: critical, Value: value}, nil
}

func basicConstraintsNode(bc BasicConstraints) der.Node {
	var fields []der.Node
	if bc.IsCA {
		fields = append(fields, der.Boolean(true))
	}
	if bc.PathLenConstraint != nil {
		fields = append(fields, der.Int(int64(*bc.PathLenConstraint)))
	}
	return der.Sequence(fields...)
}

func keyUsageNode(ku KeyUsage) der.Node {
	bits := ku.bits()
	length := 0
	for i, set := range bits {
		if set {
			length = i + 1
		}
	}
	buf := make([]byte, (length+7)/8)
	for i := 0; i < length; i++ {
		if bits[i] {
			buf[i/8] |= 0x80 >> (i % 8)
		}
	}
	return der.BitString(buf, length)
}

func extKeyUsageNode(eku ExtendedKeyUsage) (der.Node, error) {
	if len(eku.Purposes) == 0 {
		return nil, validationErrorf(CodeInvalidRequest, "extended key usage requires at least one purpose")
	}
	oids := make([]der.Node, 0, len(eku.Purposes))
	for _, p := range eku.Purposes {
		oid, ok := p.OID()
		if !ok {
			return nil, validationErrorf(CodeInvalidRequest, "unknown extended key usage %q", p)
		}
		oids = append(oids, der.OID(oid))
	}
	return der.Sequence(oids...), nil
}

// GeneralName tags (RFC 5280 section 4.2.1.6).
const (
	tagRFC822Name = 1
	tagDNSName    = 2
	tagURI        = 6
	tagIPAddress  = 7
)

func subjectAltNameNode(san SubjectAltName) (der.Node, error) {
	if san.IsEmpty() {
		return nil, validationErrorf(CodeInvalidSAN, "subject alternative name must contain at least one entry")
	}
	var names []der.Node
	for _, d := range san.DNS {
		if !isASCII(d) {
			return nil, validationErrorf(CodeInvalidSAN, "DNS name %q is not ASCII", d)
		}
		names = append(names, der.ContextPrimitive(tagDNSName, []byte(d)))
	}
	for _, s := range san.IP {
		ip := net.ParseIP(s)
		if ip == nil {
			return nil, validationErrorf(CodeInvalidSAN, "%q is not an IP address", s)
		}
		if v4 := ip.To4(); v4 != nil && !strings.Contains(s, ":") {
			ip = v4
		}
		names = append(names, der.ContextPrimitive(tagIPAddress, ip))
	}
	for _, e := range san.Email {
		if !isASCII(e) {
			return nil, validationErrorf(CodeInvalidSAN, "email %q is not ASCII", e)
		}
		names = append(names, der.ContextPrimitive(tagRFC822Name, []byte(e)))
	}
	for _, u := range san.URI {
		if _, err := url.Parse(u); err != nil || !isASCII(u) {
			return nil, validationErrorf(CodeInvalidSAN, "%q is not a valid URI", u)
		}
		names = append(names, der.ContextPrimitive(tagURI, []byte(u)))
	}
	return der.Sequence(names...), nil
}

func crlDistributionPointsNode(cdp CRLDistributionPoints) (der.Node, error) {
	if len(cdp.URIs) == 0 {
		return nil, validationErrorf(CodeInvalidRequest, "CRL distribution points require at least one URI")
	}
	points := make([]der.Node, 0, len(cdp.URIs))
	for _, u := range cdp.URIs {
		if !isASCII(u) {
			return nil, validationErrorf(CodeInvalidRequest, "distribution point %q is not ASCII", u)
		}
		// DistributionPoint{ distributionPoint [0] { fullName [0] { uniformResourceIdentifier [6] } } }
		points = append(points, der.Sequence(
			der.Explicit(0, der.ContextConstructed(0, der.ContextPrimitive(tagURI, []byte(u)))),
		))
	}
	return der.Sequence(points...), nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 0x7f {
			return false
		}
	}
	return true
}

func keyIDOrDerive(id []byte, pub crypto.PublicKey, which string) ([]byte, error) {
	if len(id) > 0 {
		return id, nil
	}
	if pub == nil {
		return nil, validationErrorf(CodeInvalidRequest, "%s key identifier requires the %s public key", which, which)
	}
	return KeyIdentifier(pub)
}

// KeyIdentifier returns the RFC 5280 method 1 key identifier: the SHA-1
// hash of the subjectPublicKey BIT STRING.
func KeyIdentifier(pub crypto.PublicKey) ([]byte, error) {
	spki, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, encodingError(err, "marshaling public key")
	}
	var (
		input = cryptobyte.String(spki)
		inner cryptobyte.String
		bits  asn1.BitString
	)
	if !input.ReadASN1(&inner, cryptobyte_asn1.SEQUENCE) ||
		!inner.SkipASN1(cryptobyte_asn1.SEQUENCE) ||
		!inner.ReadASN1BitString(&bits) {
		return nil, encodingError(fmt.Errorf("malformed SubjectPublicKeyInfo"), "reading public key")
	}
	sum := sha1.Sum(bits.Bytes)
	return sum[:], nil
}

// ExtensionsFromCertificate recovers the typed extensions from a parsed
// certificate, in the order they appear in the encoding. Extensions this
// package does not model are skipped.
func ExtensionsFromCertificate(c *x509.Certificate) []Extension {
	var out []Extension
	for _, e := range c.Extensions {
		switch {
		case e.Id.Equal(OIDBasicConstraints):
			bc := BasicConstraints{IsCA: c.IsCA}
			if c.MaxPathLen > 0 || c.MaxPathLenZero {
				n := c.MaxPathLen
				bc.PathLenConstraint = &n
			}
			out = append(out, bc)
		case e.Id.Equal(OIDKeyUsage):
			out = append(out, keyUsageFromX509(c.KeyUsage))
		case e.Id.Equal(OIDExtendedKeyUsage):
			out = append(out, ExtendedKeyUsage{Purposes: purposesFromX509(c.ExtKeyUsage)})
		case e.Id.Equal(OIDSubjectAltName):
			out = append(out, ExtractSANs(c))
		case e.Id.Equal(OIDSubjectKeyIdentifier):
			out = append(out, SubjectKeyIdentifier{KeyID: slices.Clone(c.SubjectKeyId)})
		case e.Id.Equal(OIDAuthorityKeyIdentifier):
			out = append(out, AuthorityKeyIdentifier{KeyID: slices.Clone(c.AuthorityKeyId)})
		case e.Id.Equal(OIDCRLDistributionPoints):
			out = append(out, CRLDistributionPoints{URIs: slices.Clone(c.CRLDistributionPoints)})
		}
	}
	return out
}

func keyUsageFromX509(ku x509.KeyUsage) KeyUsage {
	return KeyUsage{
		DigitalSignature:  ku&x509.KeyUsageDigitalSignature != 0,
		ContentCommitment: ku&x509.KeyUsageContentCommitment != 0,
		KeyEncipherment:   ku&x509.KeyUsageKeyEncipherment != 0,
		DataEncipherment:  ku&x509.KeyUsageDataEncipherment != 0,
		KeyAgreement:      ku&x509.KeyUsageKeyAgreement != 0,
		KeyCertSign:       ku&x509.KeyUsageCertSign != 0,
		CRLSign:           ku&x509.KeyUsageCRLSign != 0,
		EncipherOnly:      ku&x509.KeyUsageEncipherOnly != 0,
		DecipherOnly:      ku&x509.KeyUsageDecipherOnly != 0,
	}
}

func purposesFromX509(ekus []x509.ExtKeyUsage) []Purpose {
	m := map[x509.ExtKeyUsage]Purpose{
		x509.ExtKeyUsageServerAuth:      PurposeServerAuth,
		x509.ExtKeyUsageClientAuth:      PurposeClientAuth,
		x509.ExtKeyUsageCodeSigning:     PurposeCodeSigning,
		x509.ExtKeyUsageEmailProtection: PurposeEmailProtection,
		x509.ExtKeyUsageTimeStamping:    PurposeTimeStamping,
		x509.ExtKeyUsageOCSPSigning:     PurposeOCSPSigning,
	}
	out := make([]Purpose, 0, len(ekus))
	for _, u := range ekus {
		if p, ok := m[u]; ok {
			out = append(out, p)
		}
	}
	return out
}

// ExtensionList is a JSON-serialisable list of extensions. Each element is
// written as {"kind": ..., "value": ...}.
type ExtensionList []Extension

type extensionEnvelope struct {
	Kind  ExtensionKind   `json:"kind"`
	Value json.RawMessage `json:"value"`
}

func (l ExtensionList) MarshalJSON() ([]byte, error) {
	out := make([]extensionEnvelope, 0, len(l))
	for _, ext := range l {
		raw, err := json.Marshal(ext)
		if err != nil {
			return nil, err
		}
		out = append(out, extensionEnvelope{Kind: ext.Kind(), Value: raw})
	}
	return json.Marshal(out)
}

func (l *ExtensionList) UnmarshalJSON(data []byte) error {
	var envs []extensionEnvelope
	if err := json.Unmarshal(data, &envs); err != nil {
		return err
	}
	out := make(ExtensionList, 0, len(envs))
	for _, env := range envs {
		ext, err := decodeExtensionValue(env.Kind, env.Value)
		if err != nil {
			return err
		}
		out = append(out, ext)
	}
	*l = out
	return nil
}

func decodeExtensionValue(kind ExtensionKind, raw json.RawMessage) (Extension, error) {
	unmarshal := func(v any) error {
		if len(raw) == 0 {
			return nil
		}
		return json.Unmarshal(raw, v)
	}
	switch kind {
	case KindBasicConstraints:
		var v BasicConstraints
		err := unmarshal(&v)
		return v, err
	case KindKeyUsage:
		var v KeyUsage
		err := unmarshal(&v)
		return v, err
	case KindExtendedKeyUsage:
		var v ExtendedKeyUsage
		err := unmarshal(&v)
		return v, err
	case KindSubjectAltName:
		var v SubjectAltName
		err := unmarshal(&v)
		return v, err
	case KindSubjectKeyIdentifier:
		var v SubjectKeyIdentifier
		err := unmarshal(&v)
		return v, err
	case KindAuthorityKeyIdentifier:
		var v AuthorityKeyIdentifier
		err := unmarshal(&v)
		return v, err
	case KindCRLDistributionPoints:
		var v CRLDistributionPoints
		err := unmarshal(&v)
		return v, err
	}
	return nil, fmt.Errorf("unknown extension kind %q", kind)
}
