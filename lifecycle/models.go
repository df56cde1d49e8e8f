package lifecycle

import (
	"time"

	"github.com/jmcleod/ironca/pki"
)

// Status is the lifecycle status of a CA or certificate. Only active and
// revoked are stored; expired is computed against the clock.
type Status string

const (
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
	StatusExpired Status = "expired"
)

// Record types in storage.
const (
	caRecordType   = "CA"
	certRecordType = "CERT"
	crlRecordType  = "CRL"
)

// Revocation records when and why an entity was revoked.
type Revocation struct {
	Date    time.Time      `json:"date"`
	Reason  pki.ReasonCode `json:"reason"`
	Details string         `json:"details,omitempty"`
}

// CA is a certificate authority.
type CA struct {
	ID            string                `json:"id"`
	Subject       pki.DistinguishedName `json:"subject"`
	SerialNumber  string                `json:"serial_number"`
	KeyAlgorithm  pki.KeyAlgorithm      `json:"key_algorithm"`
	NotBefore     time.Time             `json:"not_before"`
	NotAfter      time.Time             `json:"not_after"`
	Status        Status                `json:"status"`
	Revocation    *Revocation           `json:"revocation,omitempty"`
	SubjectKeyID  []byte                `json:"subject_key_id,omitempty"`
	Certificate   string                `json:"certificate"`
	PrivateKeyID  string                `json:"private_key_id"`
	PublicKeyID   string                `json:"public_key_id"`
	CertificateID string                `json:"certificate_id"`
	CreatedAt     time.Time             `json:"created_at"`
}

// StatusAt returns the effective status of the CA at now.
func (c *CA) StatusAt(now time.Time) Status {
	return effectiveStatus(c.Status, c.NotAfter, now)
}

// Certificate is an end-entity certificate issued by a CA.
type Certificate struct {
	ID            string                `json:"id"`
	CAID          string                `json:"ca_id"`
	Type          pki.CertificateType   `json:"type"`
	Subject       pki.DistinguishedName `json:"subject"`
	SANs          pki.SubjectAltName    `json:"sans"`
	SerialNumber  string                `json:"serial_number"`
	KeyAlgorithm  pki.KeyAlgorithm      `json:"key_algorithm"`
	NotBefore     time.Time             `json:"not_before"`
	NotAfter      time.Time             `json:"not_after"`
	Status        Status                `json:"status"`
	Revocation    *Revocation           `json:"revocation,omitempty"`
	RenewedFromID string                `json:"renewed_from_id,omitempty"`
	Certificate   string                `json:"certificate"`
	// PrivateKeyID and PublicKeyID are empty for certificates issued from
	// a CSR; the requester holds that key.
	PrivateKeyID  string    `json:"private_key_id,omitempty"`
	PublicKeyID   string    `json:"public_key_id,omitempty"`
	CertificateID string    `json:"certificate_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// StatusAt returns the effective status of the certificate at now.
func (c *Certificate) StatusAt(now time.Time) Status {
	return effectiveStatus(c.Status, c.NotAfter, now)
}

func effectiveStatus(stored Status, notAfter, now time.Time) Status {
	if stored == StatusRevoked {
		return StatusRevoked
	}
	if now.After(notAfter) {
		return StatusExpired
	}
	return StatusActive
}

// CRL is a published revocation list. PEM and DER are empty when Signed
// is false: the CA key could not be used for signing.
type CRL struct {
	ID           string    `json:"id"`
	CAID         string    `json:"ca_id"`
	Number       int64     `json:"crl_number"`
	ThisUpdate   time.Time `json:"this_update"`
	NextUpdate   time.Time `json:"next_update"`
	RevokedCount int       `json:"revoked_count"`
	Signed       bool      `json:"signed"`
	PEM          string    `json:"pem,omitempty"`
	DER          []byte    `json:"der,omitempty"`
}
