package pki

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"strings"

	"github.com/jmcleod/ironca/internal/der"
)

// DistinguishedName holds the recognised RDN attributes. An empty field is
// an absent attribute.
type DistinguishedName struct {
	CommonName         string `json:"cn,omitempty"`
	Organization       string `json:"o,omitempty"`
	OrganizationalUnit string `json:"ou,omitempty"`
	Country            string `json:"c,omitempty"`
	State              string `json:"st,omitempty"`
	Locality           string `json:"l,omitempty"`
}

var (
	oidCommonName         = asn1.ObjectIdentifier{2, 5, 4, 3}
	oidCountry            = asn1.ObjectIdentifier{2, 5, 4, 6}
	oidLocality           = asn1.ObjectIdentifier{2, 5, 4, 7}
	oidState              = asn1.ObjectIdentifier{2, 5, 4, 8}
	oidOrganization       = asn1.ObjectIdentifier{2, 5, 4, 10}
	oidOrganizationalUnit = asn1.ObjectIdentifier{2, 5, 4, 11}
)

type dnAttr struct {
	key string
	get func(*DistinguishedName) *string
}

// dnStringOrder is the fixed order used by FormatDN.
var dnStringOrder = []dnAttr{
	{"CN", func(d *DistinguishedName) *string { return &d.CommonName }},
	{"O", func(d *DistinguishedName) *string { return &d.Organization }},
	{"OU", func(d *DistinguishedName) *string { return &d.OrganizationalUnit }},
	{"C", func(d *DistinguishedName) *string { return &d.Country }},
	{"ST", func(d *DistinguishedName) *string { return &d.State }},
	{"L", func(d *DistinguishedName) *string { return &d.Locality }},
}

// FormatDN renders dn as comma separated Key=Value pairs in the order
// CN, O, OU, C, ST, L. Absent attributes are skipped.
func FormatDN(dn DistinguishedName) string {
	parts := make([]string, 0, len(dnStringOrder))
	for _, a := range dnStringOrder {
		if v := *a.get(&dn); v != "" {
			parts = append(parts, a.key+"="+escapeDNValue(v))
		}
	}
	return strings.Join(parts, ",")
}

// String implements fmt.Stringer using FormatDN.
func (dn DistinguishedName) String() string {
	return FormatDN(dn)
}

func escapeDNValue(v string) string {
	var sb strings.Builder
	n := len(v)
	for i := 0; i < n; i++ {
		c := v[i]
		switch {
		case c == ',' || c == '+' || c == '"' || c == '\\':
			sb.WriteByte('\\')
		case i == 0 && (c == '#' || isDNSpace(c)):
			sb.WriteByte('\\')
		case i == n-1 && isDNSpace(c):
			sb.WriteByte('\\')
		}
		sb.WriteByte(c)
	}
	return sb.String()
}

// ParseDN is the inverse of FormatDN. It never fails: unknown keys are
// ignored and malformed components are skipped, yielding a best-effort
// partial name.
func ParseDN(s string) DistinguishedName {
	var dn DistinguishedName
	for _, comp := range splitUnescaped(s, ',') {
		key, value, ok := splitKeyValue(comp)
		if !ok {
			continue
		}
		for _, a := range dnStringOrder {
			if strings.EqualFold(a.key, key) {
				*a.get(&dn) = value
				break
			}
		}
	}
	return dn
}

type dnRune struct {
	c       byte
	escaped bool
}

// splitUnescaped splits s on sep where sep is not preceded by a backslash,
// keeping escape marks so values can be unescaped afterwards.
func splitUnescaped(s string, sep byte) [][]dnRune {
	var out [][]dnRune
	var cur []dnRune
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\\' && i+1 < len(s) {
			i++
			cur = append(cur, dnRune{c: s[i], escaped: true})
			continue
		}
		if c == sep {
			out = append(out, cur)
			cur = nil
			continue
		}
		cur = append(cur, dnRune{c: c})
	}
	return append(out, cur)
}

func splitKeyValue(comp []dnRune) (string, string, bool) {
	eq := -1
	for i, r := range comp {
		if r.c == '=' && !r.escaped {
			eq = i
			break
		}
	}
	if eq <= 0 {
		return "", "", false
	}
	key := make([]byte, 0, eq)
	for _, r := range comp[:eq] {
		key = append(key, r.c)
	}

	val := comp[eq+1:]
	for len(val) > 0 && !val[0].escaped && isDNSpace(val[0].c) {
		val = val[1:]
	}
	for len(val) > 0 && !val[len(val)-1].escaped && isDNSpace(val[len(val)-1].c) {
		val = val[:len(val)-1]
	}
	out := make([]byte, len(val))
	for i, r := range val {
		out[i] = r.c
	}
	return strings.TrimSpace(string(key)), string(out), true
}

func isDNSpace(c byte) bool {
	return c == ' ' || c == '\t'
}

// Equal reports whether every attribute of dn matches other exactly.
func (dn DistinguishedName) Equal(other DistinguishedName) bool {
	return dn == other
}

// IsZero reports whether no attribute is set.
func (dn DistinguishedName) IsZero() bool {
	return dn == DistinguishedName{}
}

// ToPKIX converts dn to a pkix.Name.
func (dn DistinguishedName) ToPKIX() pkix.Name {
	var n pkix.Name
	n.CommonName = dn.CommonName
	if dn.Organization != "" {
		n.Organization = []string{dn.Organization}
	}
	if dn.OrganizationalUnit != "" {
		n.OrganizationalUnit = []string{dn.OrganizationalUnit}
	}
	if dn.Country != "" {
		n.Country = []string{dn.Country}
	}
	if dn.State != "" {
		n.Province = []string{dn.State}
	}
	if dn.Locality != "" {
		n.Locality = []string{dn.Locality}
	}
	return n
}

// FromPKIX converts a parsed pkix.Name, keeping the first value of each
// recognised attribute.
func FromPKIX(n pkix.Name) DistinguishedName {
	first := func(v []string) string {
		if len(v) == 0 {
			return ""
		}
		return v[0]
	}
	return DistinguishedName{
		CommonName:         n.CommonName,
		Organization:       first(n.Organization),
		OrganizationalUnit: first(n.OrganizationalUnit),
		Country:            first(n.Country),
		State:              first(n.Province),
		Locality:           first(n.Locality),
	}
}

// derNode returns the RDNSequence for dn, one single-valued RDN per
// attribute in the order C, ST, L, O, OU, CN. Country is a
// PrintableString, everything else UTF8String.
func (dn DistinguishedName) derNode() der.Node {
	var rdns []der.Node
	add := func(oid asn1.ObjectIdentifier, value der.Node) {
		rdns = append(rdns, der.Set(der.Sequence(der.OID(oid), value)))
	}
	if dn.Country != "" {
		add(oidCountry, der.PrintableString(dn.Country))
	}
	if dn.State != "" {
		add(oidState, der.UTF8String(dn.State))
	}
	if dn.Locality != "" {
		add(oidLocality, der.UTF8String(dn.Locality))
	}
	if dn.Organization != "" {
		add(oidOrganization, der.UTF8String(dn.Organization))
	}
	if dn.OrganizationalUnit != "" {
		add(oidOrganizationalUnit, der.UTF8String(dn.OrganizationalUnit))
	}
	if dn.CommonName != "" {
		add(oidCommonName, der.UTF8String(dn.CommonName))
	}
	return der.Sequence(rdns...)
}

// MarshalDER returns the DER encoding of dn as an X.501 Name.
func (dn DistinguishedName) MarshalDER() ([]byte, error) {
	out, err := der.Marshal(dn.derNode())
	if err != nil {
		return nil, encodingError(err, "encoding distinguished name")
	}
	return out, nil
}
