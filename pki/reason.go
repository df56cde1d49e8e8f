package pki

import (
	"fmt"
	"strings"
)

// ReasonCode is an RFC 5280 CRLReason.
type ReasonCode int

const (
	ReasonUnspecified          ReasonCode = 0
	ReasonKeyCompromise        ReasonCode = 1
	ReasonCACompromise         ReasonCode = 2
	ReasonAffiliationChanged   ReasonCode = 3
	ReasonSuperseded           ReasonCode = 4
	ReasonCessationOfOperation ReasonCode = 5
	ReasonCertificateHold      ReasonCode = 6
	ReasonRemoveFromCRL        ReasonCode = 8
	ReasonPrivilegeWithdrawn   ReasonCode = 9
	ReasonAACompromise         ReasonCode = 10
)

var reasonNames = map[ReasonCode]string{
	ReasonUnspecified:          "unspecified",
	ReasonKeyCompromise:        "keyCompromise",
	ReasonCACompromise:         "caCompromise",
	ReasonAffiliationChanged:   "affiliationChanged",
	ReasonSuperseded:           "superseded",
	ReasonCessationOfOperation: "cessationOfOperation",
	ReasonCertificateHold:      "certificateHold",
	ReasonRemoveFromCRL:        "removeFromCRL",
	ReasonPrivilegeWithdrawn:   "privilegeWithdrawn",
	ReasonAACompromise:         "aACompromise",
}

func (r ReasonCode) String() string {
	if n, ok := reasonNames[r]; ok {
		return n
	}
	return fmt.Sprintf("ReasonCode(%d)", int(r))
}

// Valid reports whether r is a defined reason. Value 7 is unassigned.
func (r ReasonCode) Valid() bool {
	_, ok := reasonNames[r]
	return ok
}

// ParseReason maps an RFC 5280 reason name (case-insensitive) to its code.
// An empty string is ReasonUnspecified.
func ParseReason(s string) (ReasonCode, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ReasonUnspecified, nil
	}
	for code, name := range reasonNames {
		if strings.EqualFold(name, s) {
			return code, nil
		}
	}
	return 0, validationErrorf(CodeInvalidRequest, "unknown revocation reason %q", s)
}

func (r ReasonCode) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("invalid revocation reason %d", int(r))
	}
	return []byte(r.String()), nil
}

func (r *ReasonCode) UnmarshalText(text []byte) error {
	code, err := ParseReason(string(text))
	if err != nil {
		return err
	}
	*r = code
	return nil
}
