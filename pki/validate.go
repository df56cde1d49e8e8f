package pki

import (
	"errors"
	"fmt"
	"net/mail"
	"net/netip"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// CertificateType selects the issuance profile for a leaf certificate.
type CertificateType string

const (
	TypeServer      CertificateType = "server"
	TypeClient      CertificateType = "client"
	TypeCodeSigning CertificateType = "code_signing"
	TypeEmail       CertificateType = "email"
)

// Valid reports whether t is one of the known certificate types.
func (t CertificateType) Valid() bool {
	switch t {
	case TypeServer, TypeClient, TypeCodeSigning, TypeEmail:
		return true
	}
	return false
}

// Default maximum validity per certificate type, in days.
const (
	DefaultMaxServerDays      = 825
	DefaultMaxClientDays      = 730
	DefaultMaxCodeSigningDays = 1095
	DefaultMaxEmailDays       = 730
)

// ValidityPolicy bounds the validity period of each certificate type.
type ValidityPolicy struct {
	Server      int `json:"server" mapstructure:"server"`
	Client      int `json:"client" mapstructure:"client"`
	CodeSigning int `json:"code_signing" mapstructure:"code_signing"`
	Email       int `json:"email" mapstructure:"email"`
}

// DefaultValidityPolicy returns the built-in per-type maximums.
func DefaultValidityPolicy() ValidityPolicy {
	return ValidityPolicy{
		Server:      DefaultMaxServerDays,
		Client:      DefaultMaxClientDays,
		CodeSigning: DefaultMaxCodeSigningDays,
		Email:       DefaultMaxEmailDays,
	}
}

// MaxDays returns the maximum validity in days for t. Unset entries fall
// back to the defaults.
func (p ValidityPolicy) MaxDays(t CertificateType) int {
	d := DefaultValidityPolicy()
	pick := func(v, def int) int {
		if v > 0 {
			return v
		}
		return def
	}
	switch t {
	case TypeServer:
		return pick(p.Server, d.Server)
	case TypeClient:
		return pick(p.Client, d.Client)
	case TypeCodeSigning:
		return pick(p.CodeSigning, d.CodeSigning)
	case TypeEmail:
		return pick(p.Email, d.Email)
	}
	return 0
}

// ValidationResult aggregates every problem found rather than stopping at
// the first one.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
	code   string
}

func (r *ValidationResult) add(format string, args ...any) {
	r.Valid = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Err returns nil for a valid result, or a validation Error listing every
// problem.
func (r ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	return validationErrorf(r.code, "%s", strings.Join(r.Errors, "; "))
}

// ValidateDN checks that CN is present and that C (when present) is exactly
// two ASCII letters.
func ValidateDN(dn DistinguishedName) ValidationResult {
	res := ValidationResult{Valid: true, code: CodeInvalidDN}
	if strings.TrimSpace(dn.CommonName) == "" {
		res.add("common name (CN) is required")
	}
	if dn.Country != "" && !isTwoLetters(dn.Country) {
		res.add("country (C) must be exactly two letters, got %q", dn.Country)
	}
	return res
}

// ValidateDNEncoding rejects values that are not in Unicode normalization
// form C. DN equality is byte-exact, so CA creation and issuance apply it
// on top of ValidateDN to keep one spelling per name.
func ValidateDNEncoding(dn DistinguishedName) ValidationResult {
	res := ValidationResult{Valid: true, code: CodeInvalidDN}
	for _, a := range dnStringOrder {
		if v := *a.get(&dn); v != "" && !norm.NFC.IsNormalString(v) {
			res.add("%s value is not in Unicode normalization form C", a.key)
		}
	}
	return res
}

func isTwoLetters(s string) bool {
	if len(s) != 2 {
		return false
	}
	for i := 0; i < 2; i++ {
		c := s[i]
		if !(c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z') {
			return false
		}
	}
	return true
}

const (
	maxDomainLength = 253
	maxLabelLength  = 63
)

// ValidateDomainName checks FQDN syntax. A single leading "*." wildcard
// label is allowed; "*" anywhere else is rejected.
func ValidateDomainName(name string) error {
	if name == "" {
		return errors.New("domain name is empty")
	}
	if len(name) > maxDomainLength {
		return fmt.Errorf("domain name %q exceeds %d characters", name, maxDomainLength)
	}
	labels := strings.Split(name, ".")
	if len(labels) < 2 {
		return fmt.Errorf("domain name %q is not fully qualified", name)
	}
	for i, label := range labels {
		if label == "*" && i == 0 {
			continue
		}
		if strings.Contains(label, "*") {
			return fmt.Errorf("domain name %q has a wildcard outside the leftmost label", name)
		}
		if err := validateLabel(label); err != nil {
			return fmt.Errorf("domain name %q: %w", name, err)
		}
	}
	if labels[0] == "*" && len(labels) < 3 {
		return fmt.Errorf("wildcard domain %q must cover at least two labels", name)
	}
	if isAllDigits(labels[len(labels)-1]) {
		return fmt.Errorf("domain name %q has a numeric top-level label", name)
	}
	return nil
}

func validateLabel(label string) error {
	if label == "" {
		return errors.New("empty label")
	}
	if len(label) > maxLabelLength {
		return fmt.Errorf("label %q exceeds %d characters", label, maxLabelLength)
	}
	for i := 0; i < len(label); i++ {
		c := label[i]
		alnum := c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
		if !alnum && c != '-' {
			return fmt.Errorf("label %q contains invalid character %q", label, c)
		}
		if c == '-' && (i == 0 || i == len(label)-1) {
			return fmt.Errorf("label %q must start and end with a letter or digit", label)
		}
	}
	return nil
}

func isAllDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}

// ValidateIPv4 accepts only dotted-quad addresses with octets 0-255 and no
// leading zeros.
func ValidateIPv4(s string) error {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return fmt.Errorf("%q is not a dotted-quad IPv4 address", s)
	}
	for _, p := range parts {
		if p == "" || len(p) > 3 || !isAllDigits(p) {
			return fmt.Errorf("%q has an invalid octet %q", s, p)
		}
		if len(p) > 1 && p[0] == '0' {
			return fmt.Errorf("%q has an octet with a leading zero", s)
		}
		if v, _ := strconv.Atoi(p); v > 255 {
			return fmt.Errorf("%q has an octet greater than 255", s)
		}
	}
	return nil
}

// ValidateIPv6 accepts RFC 4291 text forms, without zone identifiers.
func ValidateIPv6(s string) error {
	if !strings.Contains(s, ":") {
		return fmt.Errorf("%q is not an IPv6 address", s)
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return fmt.Errorf("%q is not an IPv6 address: %w", s, err)
	}
	if !addr.Is6() || addr.Zone() != "" {
		return fmt.Errorf("%q is not a plain IPv6 address", s)
	}
	return nil
}

// ValidateIPAddress accepts either an IPv4 or an IPv6 address.
func ValidateIPAddress(s string) error {
	if strings.Contains(s, ":") {
		return ValidateIPv6(s)
	}
	return ValidateIPv4(s)
}

// ValidateEmail checks that s is a bare RFC 5322 address (no display name).
func ValidateEmail(s string) error {
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s || addr.Name != "" {
		return fmt.Errorf("%q is not a valid email address", s)
	}
	return nil
}

// ValidateURI checks that s is an absolute URI.
func ValidateURI(s string) error {
	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" {
		return fmt.Errorf("%q is not an absolute URI", s)
	}
	return nil
}

// ValidateServerSANs validates every DNS name and IP address, reporting all
// failures.
func ValidateServerSANs(dns, ips []string) ValidationResult {
	res := ValidationResult{Valid: true, code: CodeInvalidSAN}
	for _, d := range dns {
		if err := ValidateDomainName(d); err != nil {
			res.add("%v", err)
		}
	}
	for _, ip := range ips {
		if err := ValidateIPAddress(ip); err != nil {
			res.add("%v", err)
		}
	}
	return res
}

// ValidateSANs validates every entry of san regardless of certificate type.
func ValidateSANs(san SubjectAltName) ValidationResult {
	res := ValidateServerSANs(san.DNS, san.IP)
	for _, e := range san.Email {
		if err := ValidateEmail(e); err != nil {
			res.add("%v", err)
		}
	}
	for _, u := range san.URI {
		if err := ValidateURI(u); err != nil {
			res.add("%v", err)
		}
	}
	return res
}

// ValidateCertificateValidity requires 1 <= days <= maxDays.
func ValidateCertificateValidity(days, maxDays int) error {
	if days < 1 {
		return validationErrorf(CodeInvalidValidity, "validity must be at least 1 day, got %d", days)
	}
	if days > maxDays {
		return validationErrorf(CodeInvalidValidity, "validity of %d days exceeds the maximum of %d days", days, maxDays)
	}
	return nil
}

// ValidateIssuance runs the checks for a leaf certificate of type t: the
// subject DN, SANs appropriate to the type, and the validity period.
func ValidateIssuance(t CertificateType, subject DistinguishedName, san SubjectAltName, days int, policy ValidityPolicy) error {
	if !t.Valid() {
		return validationErrorf(CodeInvalidRequest, "unknown certificate type %q", t)
	}
	if err := ValidateDN(subject).Err(); err != nil {
		return err
	}
	if err := ValidateDNEncoding(subject).Err(); err != nil {
		return err
	}
	res := ValidateSANs(san)
	switch t {
	case TypeServer:
		if len(san.DNS) == 0 && len(san.IP) == 0 {
			res.add("server certificates require at least one DNS name or IP address")
		}
	case TypeEmail:
		if len(san.Email) == 0 {
			res.add("email certificates require at least one email address")
		}
	}
	if err := res.Err(); err != nil {
		return err
	}
	return ValidateCertificateValidity(days, policy.MaxDays(t))
}
