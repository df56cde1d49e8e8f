package api

import (
	"time"

	"github.com/jmcleod/ironca/audit"
	"github.com/jmcleod/ironca/lifecycle"
	"github.com/jmcleod/ironca/pki"
)

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// CreateCARequest is the body of POST /cas.
type CreateCARequest struct {
	Subject       pki.DistinguishedName `json:"subject"`
	KeyAlgorithm  pki.KeyAlgorithm      `json:"key_algorithm,omitempty"`
	ValidityYears int                   `json:"validity_years"`
	PathLen       *int                  `json:"path_len,omitempty"`
}

// RevokeCARequest is the body of POST /cas/{caID}/revoke.
type RevokeCARequest struct {
	Reason  pki.ReasonCode `json:"reason"`
	Details string         `json:"details,omitempty"`
}

// IssueCertificateRequest is the body of POST /cas/{caID}/certificates.
type IssueCertificateRequest struct {
	Type         pki.CertificateType   `json:"type"`
	Subject      pki.DistinguishedName `json:"subject"`
	SANs         pki.SubjectAltName    `json:"sans"`
	ValidityDays int                   `json:"validity_days"`
	KeyAlgorithm pki.KeyAlgorithm      `json:"key_algorithm,omitempty"`
}

// SignCSRRequest is the body of POST /cas/{caID}/csr. CSR is PEM text.
type SignCSRRequest struct {
	CSR          string              `json:"csr"`
	Type         pki.CertificateType `json:"type"`
	ValidityDays int                 `json:"validity_days"`
}

// RevokeCertificateRequest is the body of POST /certificates/{certID}/revoke.
// An empty body revokes with reason unspecified.
type RevokeCertificateRequest struct {
	Reason        pki.ReasonCode `json:"reason"`
	Details       string         `json:"details,omitempty"`
	EffectiveDate *time.Time     `json:"effective_date,omitempty"`
}

// RenewCertificateRequest is the body of POST /certificates/{certID}/renew.
type RenewCertificateRequest struct {
	GenerateNewKey bool                   `json:"generate_new_key"`
	RevokeOriginal bool                   `json:"revoke_original"`
	Subject        *pki.DistinguishedName `json:"subject,omitempty"`
	SANs           *pki.SubjectAltName    `json:"sans,omitempty"`
	ValidityDays   int                    `json:"validity_days,omitempty"`
}

// RevocationResponse describes a revocation.
type RevocationResponse struct {
	Date    time.Time      `json:"date"`
	Reason  pki.ReasonCode `json:"reason"`
	Details string         `json:"details,omitempty"`
}

// CAResponse is a CA as served by the API. Status is computed at request
// time, so a CA past notAfter reports "expired".
type CAResponse struct {
	ID           string                `json:"id"`
	Subject      pki.DistinguishedName `json:"subject"`
	SubjectDN    string                `json:"subject_dn"`
	SerialNumber string                `json:"serial_number"`
	KeyAlgorithm pki.KeyAlgorithm      `json:"key_algorithm"`
	NotBefore    time.Time             `json:"not_before"`
	NotAfter     time.Time             `json:"not_after"`
	Status       lifecycle.Status      `json:"status"`
	Revocation   *RevocationResponse   `json:"revocation,omitempty"`
	Certificate  string                `json:"certificate"`
	CreatedAt    time.Time             `json:"created_at"`
}

// ListCAsResponse is the body of GET /cas.
type ListCAsResponse struct {
	CAs []CAResponse `json:"cas"`
	PaginationMeta
}

// CertificateResponse is a certificate as served by the API.
type CertificateResponse struct {
	ID            string                `json:"id"`
	CAID          string                `json:"ca_id"`
	Type          pki.CertificateType   `json:"type"`
	Subject       pki.DistinguishedName `json:"subject"`
	SubjectDN     string                `json:"subject_dn"`
	SANs          pki.SubjectAltName    `json:"sans"`
	SerialNumber  string                `json:"serial_number"`
	KeyAlgorithm  pki.KeyAlgorithm      `json:"key_algorithm"`
	NotBefore     time.Time             `json:"not_before"`
	NotAfter      time.Time             `json:"not_after"`
	Status        lifecycle.Status      `json:"status"`
	Revocation    *RevocationResponse   `json:"revocation,omitempty"`
	RenewedFromID string                `json:"renewed_from_id,omitempty"`
	Certificate   string                `json:"certificate"`
	// CustodialKey is false for certificates issued from a CSR.
	CustodialKey bool      `json:"custodial_key"`
	CreatedAt    time.Time `json:"created_at"`
}

// ListCertificatesResponse is the body of GET /cas/{caID}/certificates.
type ListCertificatesResponse struct {
	Certificates []CertificateResponse `json:"certificates"`
	PaginationMeta
}

// CRLResponse describes a CRL. PEM is empty for an unsigned CRL.
type CRLResponse struct {
	CAID         string    `json:"ca_id"`
	Number       int64     `json:"crl_number"`
	ThisUpdate   time.Time `json:"this_update"`
	NextUpdate   time.Time `json:"next_update"`
	RevokedCount int       `json:"revoked_count"`
	Signed       bool      `json:"signed"`
	PEM          string    `json:"pem,omitempty"`
}

// RevokeCAResponse is the body returned by POST /cas/{caID}/revoke.
type RevokeCAResponse struct {
	CA             CAResponse  `json:"ca"`
	CascadeRevoked int         `json:"cascade_revoked"`
	CRL            CRLResponse `json:"crl"`
}

// RevokeCertificateResponse is the body returned by certificate revocation.
type RevokeCertificateResponse struct {
	Certificate CertificateResponse `json:"certificate"`
	CRL         *CRLResponse        `json:"crl,omitempty"`
}

// RenewCertificateResponse is the body returned by renewal.
type RenewCertificateResponse struct {
	Certificate CertificateResponse `json:"certificate"`
	Original    CertificateResponse `json:"original"`
	CRL         *CRLResponse        `json:"crl,omitempty"`
}

// RenewalChainResponse lists a certificate and its predecessors, newest
// first.
type RenewalChainResponse struct {
	Certificates []CertificateResponse `json:"certificates"`
}

// ConvertRequest is the body of POST /tools/convert. Data is PEM text when
// From is "pem" and base64 DER when From is "der"; the response follows the
// same convention for To.
type ConvertRequest struct {
	Data string     `json:"data"`
	From pki.Format `json:"from"`
	To   pki.Format `json:"to"`
}

// ConvertResponse is the body returned by POST /tools/convert.
type ConvertResponse struct {
	Data   string     `json:"data"`
	Format pki.Format `json:"format"`
}

// VerifyCSRRequest is the body of POST /tools/csr/verify.
type VerifyCSRRequest struct {
	CSR string `json:"csr"`
}

// VerifyCSRResponse reports whether the CSR's self-signature holds and,
// if it parses, what it asks for.
type VerifyCSRResponse struct {
	Valid        bool                   `json:"valid"`
	Subject      *pki.DistinguishedName `json:"subject,omitempty"`
	KeyAlgorithm pki.KeyAlgorithm       `json:"key_algorithm,omitempty"`
	SANs         *pki.SubjectAltName    `json:"sans,omitempty"`
}

// ListAuditLogsResponse is the body of GET /audit.
type ListAuditLogsResponse struct {
	Entries []audit.Entry `json:"entries"`
	PaginationMeta
}

func revocationResponse(r *lifecycle.Revocation) *RevocationResponse {
	if r == nil {
		return nil
	}
	return &RevocationResponse{Date: r.Date, Reason: r.Reason, Details: r.Details}
}

func caResponse(ca *lifecycle.CA, now time.Time) CAResponse {
	return CAResponse{
		ID:           ca.ID,
		Subject:      ca.Subject,
		SubjectDN:    ca.Subject.String(),
		SerialNumber: ca.SerialNumber,
		KeyAlgorithm: ca.KeyAlgorithm,
		NotBefore:    ca.NotBefore,
		NotAfter:     ca.NotAfter,
		Status:       ca.StatusAt(now),
		Revocation:   revocationResponse(ca.Revocation),
		Certificate:  ca.Certificate,
		CreatedAt:    ca.CreatedAt,
	}
}

func certificateResponse(c *lifecycle.Certificate, now time.Time) CertificateResponse {
	return CertificateResponse{
		ID:            c.ID,
		CAID:          c.CAID,
		Type:          c.Type,
		Subject:       c.Subject,
		SubjectDN:     c.Subject.String(),
		SANs:          c.SANs,
		SerialNumber:  c.SerialNumber,
		KeyAlgorithm:  c.KeyAlgorithm,
		NotBefore:     c.NotBefore,
		NotAfter:      c.NotAfter,
		Status:        c.StatusAt(now),
		Revocation:    revocationResponse(c.Revocation),
		RenewedFromID: c.RenewedFromID,
		Certificate:   c.Certificate,
		CustodialKey:  c.PrivateKeyID != "",
		CreatedAt:     c.CreatedAt,
	}
}

func crlResponse(crl *lifecycle.CRL) *CRLResponse {
	if crl == nil {
		return nil
	}
	return &CRLResponse{
		CAID:         crl.CAID,
		Number:       crl.Number,
		ThisUpdate:   crl.ThisUpdate,
		NextUpdate:   crl.NextUpdate,
		RevokedCount: crl.RevokedCount,
		Signed:       crl.Signed,
		PEM:          crl.PEM,
	}
}
