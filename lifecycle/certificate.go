package lifecycle

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jmcleod/ironca/audit"
	"github.com/jmcleod/ironca/custody"
	"github.com/jmcleod/ironca/internal/uuid"
	"github.com/jmcleod/ironca/pki"
	"github.com/jmcleod/ironca/storage"
)

// IssueRequest describes a leaf certificate to issue on a fresh custodial
// key.
type IssueRequest struct {
	CAID         string                `json:"ca_id"`
	Type         pki.CertificateType   `json:"type"`
	Subject      pki.DistinguishedName `json:"subject"`
	SANs         pki.SubjectAltName    `json:"sans"`
	ValidityDays int                   `json:"validity_days"`
	// KeyAlgorithm defaults to RSA-2048.
	KeyAlgorithm pki.KeyAlgorithm `json:"key_algorithm,omitempty"`
}

// SignCSRRequest asks a CA to certify the key in a PKCS#10 request. The
// subject and SANs are taken from the request.
type SignCSRRequest struct {
	CAID         string              `json:"ca_id"`
	CSR          []byte              `json:"csr"`
	Type         pki.CertificateType `json:"type"`
	ValidityDays int                 `json:"validity_days"`
}

// RevokeRequest describes a certificate revocation. EffectiveDate, when
// set, backdates the revocation; it must lie between the certificate's
// notBefore and now.
type RevokeRequest struct {
	Reason        pki.ReasonCode `json:"reason"`
	Details       string         `json:"details,omitempty"`
	EffectiveDate *time.Time     `json:"effective_date,omitempty"`
}

// RevokeCertificateResult reports a revoked certificate and the CRL that
// now lists it.
type RevokeCertificateResult struct {
	Certificate *Certificate `json:"certificate"`
	CRL         *CRL         `json:"crl,omitempty"`
}

// RenewRequest describes a renewal. Subject, SANs and ValidityDays
// override the values copied from the original when set.
type RenewRequest struct {
	CertificateID  string                 `json:"certificate_id"`
	GenerateNewKey bool                   `json:"generate_new_key"`
	RevokeOriginal bool                   `json:"revoke_original"`
	Subject        *pki.DistinguishedName `json:"subject,omitempty"`
	SANs           *pki.SubjectAltName    `json:"sans,omitempty"`
	ValidityDays   int                    `json:"validity_days,omitempty"`
}

// RenewResult reports a renewal.
type RenewResult struct {
	Certificate *Certificate `json:"certificate"`
	Original    *Certificate `json:"original"`
	CRL         *CRL         `json:"crl,omitempty"`
}

// mintParams is what minting a leaf certificate needs once the request has
// been validated.
type mintParams struct {
	id           string
	certType     pki.CertificateType
	subject      pki.DistinguishedName
	sans         pki.SubjectAltName
	days         int
	keyAlgorithm pki.KeyAlgorithm
	// keys reuses an existing custodial key pair instead of creating one.
	keys *custody.KeyPair
	csr  []byte
}

// IssueCertificate issues a leaf certificate from an active CA on a new
// custodial key pair.
func (e *Engine) IssueCertificate(ctx context.Context, req IssueRequest) (*Certificate, error) {
	id := uuid.New()
	cert, err := e.issueCertificate(ctx, id, req)
	detail := map[string]any{"ca_id": req.CAID, "type": string(req.Type), "subject": req.Subject.String()}
	if cert != nil {
		detail["serial_number"] = cert.SerialNumber
	}
	e.recordResult(ctx, audit.ActionCertIssued, "certificate", id, err, detail)
	return cert, err
}

func (e *Engine) issueCertificate(ctx context.Context, id string, req IssueRequest) (*Certificate, error) {
	if err := pki.ValidateIssuance(req.Type, req.Subject, req.SANs, req.ValidityDays, e.policy.Validity); err != nil {
		return nil, err
	}
	alg := req.KeyAlgorithm
	if alg == "" {
		alg = pki.KeyRSA2048
	}
	if !alg.Valid() {
		return nil, pki.Errorf(pki.KindValidation, pki.CodeInvalidRequest, "unsupported key algorithm %q", alg)
	}

	release := e.locks.lock(req.CAID)
	defer release()

	ca, err := e.issuer(ctx, req.CAID)
	if err != nil {
		return nil, err
	}
	return e.mintAndStore(ctx, ca, mintParams{
		id:           id,
		certType:     req.Type,
		subject:      req.Subject,
		sans:         req.SANs,
		days:         req.ValidityDays,
		keyAlgorithm: alg,
	})
}

// SignCSR issues a leaf certificate for the key in a CSR. The requester
// keeps the private key, so the certificate has no custodial key IDs.
func (e *Engine) SignCSR(ctx context.Context, req SignCSRRequest) (*Certificate, error) {
	id := uuid.New()
	cert, err := e.signCSR(ctx, id, req)
	detail := map[string]any{"ca_id": req.CAID, "type": string(req.Type)}
	if cert != nil {
		detail["serial_number"] = cert.SerialNumber
		detail["subject"] = cert.Subject.String()
	}
	e.recordResult(ctx, audit.ActionCSRSigned, "certificate", id, err, detail)
	return cert, err
}

func (e *Engine) signCSR(ctx context.Context, id string, req SignCSRRequest) (*Certificate, error) {
	ok, err := pki.VerifyCSR(req.CSR)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, pki.Errorf(pki.KindValidation, pki.CodeInvalidRequest, "CSR signature does not verify")
	}
	info, err := pki.DecodeCSR(req.CSR)
	if err != nil {
		return nil, err
	}
	if err := pki.ValidateIssuance(req.Type, info.Subject, info.SANs, req.ValidityDays, e.policy.Validity); err != nil {
		return nil, err
	}

	release := e.locks.lock(req.CAID)
	defer release()

	ca, err := e.issuer(ctx, req.CAID)
	if err != nil {
		return nil, err
	}
	return e.mintAndStore(ctx, ca, mintParams{
		id:           id,
		certType:     req.Type,
		subject:      info.Subject,
		sans:         info.SANs,
		days:         req.ValidityDays,
		keyAlgorithm: info.KeyAlgorithm,
		csr:          req.CSR,
	})
}

// issuer loads a CA and checks that it may issue. Callers hold the CA lock.
func (e *Engine) issuer(ctx context.Context, caID string) (*CA, error) {
	cur, err := e.loadCA(ctx, caID)
	if err != nil {
		return nil, err
	}
	switch cur.v.StatusAt(e.now()) {
	case StatusRevoked:
		return nil, pki.Errorf(pki.KindStateConflict, pki.CodeCANotActive, "CA %q is revoked", caID)
	case StatusExpired:
		return nil, pki.Errorf(pki.KindStateConflict, pki.CodeCAExpired,
			"CA %q expired on %s", caID, cur.v.NotAfter.Format(time.RFC3339))
	}
	return cur.v, nil
}

// leafExtensions returns the extension profile for a certificate type.
func (e *Engine) leafExtensions(ca *CA, t pki.CertificateType, sans pki.SubjectAltName) pki.ExtensionList {
	exts := pki.ExtensionList{pki.BasicConstraints{IsCA: false}}
	switch t {
	case pki.TypeServer:
		exts = append(exts,
			pki.KeyUsage{DigitalSignature: true, KeyEncipherment: true},
			pki.ExtendedKeyUsage{Purposes: []pki.Purpose{pki.PurposeServerAuth}})
	case pki.TypeClient:
		exts = append(exts,
			pki.KeyUsage{DigitalSignature: true},
			pki.ExtendedKeyUsage{Purposes: []pki.Purpose{pki.PurposeClientAuth}})
	case pki.TypeCodeSigning:
		exts = append(exts,
			pki.KeyUsage{DigitalSignature: true},
			pki.ExtendedKeyUsage{Purposes: []pki.Purpose{pki.PurposeCodeSigning}})
	case pki.TypeEmail:
		exts = append(exts,
			pki.KeyUsage{DigitalSignature: true, KeyEncipherment: true},
			pki.ExtendedKeyUsage{Purposes: []pki.Purpose{pki.PurposeEmailProtection}})
	}
	if !sans.IsEmpty() {
		exts = append(exts, sans)
	}
	exts = append(exts, pki.SubjectKeyIdentifier{}, pki.AuthorityKeyIdentifier{KeyID: ca.SubjectKeyID})
	if base := strings.TrimRight(e.policy.CRLBaseURL, "/"); base != "" {
		exts = append(exts, pki.CRLDistributionPoints{URIs: []string{base + "/crl/" + ca.ID + ".crl"}})
	}
	return exts
}

// mint has the custodian certify a leaf under ca. A key pair created here
// is destroyed again if certification fails. Callers hold the CA lock.
func (e *Engine) mint(ctx context.Context, ca *CA, p mintParams) (*Certificate, bool, error) {
	tags := map[string]string{"ironca.ca_id": ca.ID, "ironca.certificate_id": p.id, "ironca.type": string(p.certType)}

	var (
		keys  custody.KeyPair
		fresh bool
	)
	switch {
	case p.csr != nil:
	case p.keys != nil:
		keys = *p.keys
	default:
		var err error
		keys, err = e.custody.CreateKeyPair(ctx, p.keyAlgorithm, tags)
		if err != nil {
			return nil, false, e.custodyError(ctx, err, "createKeyPair")
		}
		fresh = true
	}

	certified, err := e.custody.Certify(ctx, custody.CertifyRequest{
		CSR:                 p.csr,
		PublicKeyID:         keys.PublicKeyID,
		IssuerPrivateKeyID:  ca.PrivateKeyID,
		IssuerCertificateID: ca.CertificateID,
		Subject:             p.subject,
		DaysValid:           p.days,
		Extensions:          e.leafExtensions(ca, p.certType, p.sans),
		Tags:                tags,
	})
	if err != nil {
		if fresh {
			e.discardKey(ctx, keys.PrivateKeyID)
			err = mutatedError("certify", err)
		}
		return nil, fresh, e.custodyError(ctx, err, "certify")
	}
	info, certPEM, err := decodeCertified(certified)
	if err != nil {
		return nil, fresh, err
	}

	return &Certificate{
		ID:            p.id,
		CAID:          ca.ID,
		Type:          p.certType,
		Subject:       info.Subject,
		SANs:          info.SANs,
		SerialNumber:  info.SerialNumber,
		KeyAlgorithm:  info.KeyAlgorithm,
		NotBefore:     info.NotBefore,
		NotAfter:      info.NotAfter,
		Status:        StatusActive,
		Certificate:   certPEM,
		PrivateKeyID:  keys.PrivateKeyID,
		PublicKeyID:   keys.PublicKeyID,
		CertificateID: certified.CertificateID,
		CreatedAt:     e.now(),
	}, fresh, nil
}

func (e *Engine) mintAndStore(ctx context.Context, ca *CA, p mintParams) (*Certificate, error) {
	cert, fresh, err := e.mint(ctx, ca, p)
	if err != nil {
		return nil, err
	}
	err = e.store.Batch(ctx, func(tx storage.BatchTx) error {
		return storeNewCertificate(tx, cert)
	})
	if err != nil {
		if fresh {
			e.discardKey(ctx, cert.PrivateKeyID)
		}
		return nil, internalError(err, "storing certificate %q", cert.ID)
	}
	add(ctx, e.metrics.certsIssued, 1)
	return cert, nil
}

func storeNewCertificate(tx storage.BatchTx, cert *Certificate) error {
	if err := put(tx, certRecordType, cert.ID, cert, 0); err != nil {
		return err
	}
	return put(tx, caCertIndexType, indexKey(cert.CAID, cert.ID), struct{}{}, 0)
}

// certificatesOf loads every certificate issued by caID.
func (e *Engine) certificatesOf(ctx context.Context, caID string) ([]versioned[Certificate], error) {
	ids, err := e.idsUnder(ctx, caCertIndexType, caID)
	if err != nil {
		return nil, err
	}
	out := make([]versioned[Certificate], 0, len(ids))
	for _, id := range ids {
		c, err := e.loadCert(ctx, id)
		if errors.Is(err, pki.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// lockCertificate loads a certificate, takes its CA's lock and reloads it
// under the lock.
func (e *Engine) lockCertificate(ctx context.Context, id string) (versioned[Certificate], func(), error) {
	c, err := e.loadCert(ctx, id)
	if err != nil {
		return versioned[Certificate]{}, nil, err
	}
	release := e.locks.lock(c.v.CAID)
	c, err = e.loadCert(ctx, id)
	if err != nil {
		release()
		return versioned[Certificate]{}, nil, err
	}
	return c, release, nil
}

// withUpdated returns certs with the entry for updated replaced.
func withUpdated(certs []versioned[Certificate], updated ...versioned[Certificate]) []versioned[Certificate] {
	out := make([]versioned[Certificate], 0, len(certs)+len(updated))
	replaced := make(map[string]bool, len(updated))
	for _, u := range updated {
		replaced[u.v.ID] = true
	}
	for _, c := range certs {
		if !replaced[c.v.ID] {
			out = append(out, c)
		}
	}
	return append(out, updated...)
}

// reissueCRL builds the CA's next CRL as it will look once updated is
// stored. It returns nil when the CA no longer exists.
func (e *Engine) reissueCRL(ctx context.Context, caID string, updated ...versioned[Certificate]) (*CRL, error) {
	ca, err := e.loadCA(ctx, caID)
	if errors.Is(err, pki.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	certs, err := e.certificatesOf(ctx, caID)
	if err != nil {
		return nil, err
	}
	return e.buildCRL(ctx, ca.v, withUpdated(certs, updated...))
}

// RevokeCertificate revokes a certificate and publishes a new CRL for its
// CA in the same batch.
func (e *Engine) RevokeCertificate(ctx context.Context, id string, req RevokeRequest) (*RevokeCertificateResult, error) {
	res, err := e.revokeCertificate(ctx, id, req)
	detail := map[string]any{"reason": req.Reason.String(), "details": req.Details}
	if res != nil {
		detail["ca_id"] = res.Certificate.CAID
		detail["serial_number"] = res.Certificate.SerialNumber
		detail["revocation_date"] = res.Certificate.Revocation.Date
		if res.CRL != nil {
			detail["crl_number"] = res.CRL.Number
		}
	}
	e.recordResult(ctx, audit.ActionCertRevoked, "certificate", id, err, detail)
	return res, err
}

func (e *Engine) revokeCertificate(ctx context.Context, id string, req RevokeRequest) (*RevokeCertificateResult, error) {
	if !req.Reason.Valid() {
		return nil, pki.Errorf(pki.KindValidation, pki.CodeInvalidRequest, "invalid revocation reason %d", int(req.Reason))
	}
	cur, release, err := e.lockCertificate(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	cert := cur.v
	if cert.Status == StatusRevoked {
		return nil, pki.Errorf(pki.KindStateConflict, pki.CodeCertAlreadyRevoked, "certificate %q is already revoked", id)
	}
	now := e.now()
	date := now
	if req.EffectiveDate != nil {
		date = req.EffectiveDate.UTC()
		if date.Before(cert.NotBefore) {
			return nil, pki.Errorf(pki.KindStateConflict, pki.CodeInvalidEffectiveDate,
				"effective date %s is before the certificate was valid (%s)", date.Format(time.RFC3339), cert.NotBefore.Format(time.RFC3339))
		}
		if date.After(now) {
			return nil, pki.Errorf(pki.KindStateConflict, pki.CodeInvalidEffectiveDate,
				"effective date %s is in the future", date.Format(time.RFC3339))
		}
	}
	cert.Status = StatusRevoked
	cert.Revocation = &Revocation{Date: date, Reason: req.Reason, Details: req.Details}

	crl, err := e.reissueCRL(ctx, cert.CAID, cur)
	if err != nil {
		return nil, err
	}
	err = e.store.Batch(ctx, func(tx storage.BatchTx) error {
		if err := put(tx, certRecordType, id, cert, cur.version); err != nil {
			return err
		}
		if crl == nil {
			return nil
		}
		return put(tx, crlRecordType, crl.ID, crl, 0)
	})
	if err != nil {
		return nil, internalError(err, "storing revocation of certificate %q", id)
	}
	add(ctx, e.metrics.certsRevoked, 1)
	if crl != nil {
		e.crlIssued(ctx, crl)
	}
	return &RevokeCertificateResult{Certificate: cert, CRL: crl}, nil
}

// RenewCertificate issues a successor for a certificate, linked to it by
// RenewedFromID. Reusing the original key is only allowed while the
// original is younger than the policy's key reuse age.
func (e *Engine) RenewCertificate(ctx context.Context, req RenewRequest) (*RenewResult, error) {
	id := uuid.New()
	res, err := e.renewCertificate(ctx, id, req)
	detail := map[string]any{
		"renewed_from_id": req.CertificateID,
		"new_key":         req.GenerateNewKey,
		"revoke_original": req.RevokeOriginal,
	}
	if res != nil {
		detail["ca_id"] = res.Certificate.CAID
		detail["serial_number"] = res.Certificate.SerialNumber
	}
	e.recordResult(ctx, audit.ActionCertRenewed, "certificate", id, err, detail)
	return res, err
}

func (e *Engine) renewCertificate(ctx context.Context, id string, req RenewRequest) (*RenewResult, error) {
	cur, release, err := e.lockCertificate(ctx, req.CertificateID)
	if err != nil {
		return nil, err
	}
	defer release()

	orig := cur.v
	if orig.Status == StatusRevoked {
		return nil, pki.Errorf(pki.KindStateConflict, pki.CodeCertAlreadyRevoked,
			"certificate %q is revoked and cannot be renewed", orig.ID)
	}
	now := e.now()
	var keys *custody.KeyPair
	if !req.GenerateNewKey {
		if orig.PrivateKeyID == "" {
			return nil, pki.Errorf(pki.KindValidation, pki.CodeInvalidRequest,
				"certificate %q was issued from a CSR; its key is not in custody", orig.ID)
		}
		if age := now.Sub(orig.NotBefore); age >= e.policy.KeyReuseMaxAge {
			return nil, pki.Errorf(pki.KindStateConflict, pki.CodeKeyReuseExpired,
				"certificate %q is %d days old; keys may only be reused for %d days",
				orig.ID, int(age/day), int(e.policy.KeyReuseMaxAge/day))
		}
		keys = &custody.KeyPair{PrivateKeyID: orig.PrivateKeyID, PublicKeyID: orig.PublicKeyID}
	}

	subject := orig.Subject
	if req.Subject != nil {
		subject = *req.Subject
	}
	sans := orig.SANs
	if req.SANs != nil {
		sans = *req.SANs
	}
	days := req.ValidityDays
	if days == 0 {
		days = max(int(orig.NotAfter.Sub(orig.NotBefore)/day), 1)
	}
	if err := pki.ValidateIssuance(orig.Type, subject, sans, days, e.policy.Validity); err != nil {
		return nil, err
	}

	ca, err := e.issuer(ctx, orig.CAID)
	if err != nil {
		return nil, err
	}
	alg := orig.KeyAlgorithm
	if !alg.Valid() {
		alg = pki.KeyRSA2048
	}
	renewed, fresh, err := e.mint(ctx, ca, mintParams{
		id:           id,
		certType:     orig.Type,
		subject:      subject,
		sans:         sans,
		days:         days,
		keyAlgorithm: alg,
		keys:         keys,
	})
	if err != nil {
		return nil, err
	}
	renewed.RenewedFromID = orig.ID

	var crl *CRL
	if req.RevokeOriginal {
		orig.Status = StatusRevoked
		orig.Revocation = &Revocation{Date: now, Reason: pki.ReasonSuperseded, Details: "renewed as " + id}
		crl, err = e.reissueCRL(ctx, ca.ID, cur)
		if err != nil {
			if fresh {
				e.discardKey(ctx, renewed.PrivateKeyID)
			}
			return nil, err
		}
	}

	err = e.store.Batch(ctx, func(tx storage.BatchTx) error {
		if err := storeNewCertificate(tx, renewed); err != nil {
			return err
		}
		if !req.RevokeOriginal {
			return nil
		}
		if err := put(tx, certRecordType, orig.ID, orig, cur.version); err != nil {
			return err
		}
		if crl == nil {
			return nil
		}
		return put(tx, crlRecordType, crl.ID, crl, 0)
	})
	if err != nil {
		if fresh {
			e.discardKey(ctx, renewed.PrivateKeyID)
		}
		return nil, internalError(err, "storing renewal of certificate %q", orig.ID)
	}

	add(ctx, e.metrics.certsIssued, 1)
	if req.RevokeOriginal {
		add(ctx, e.metrics.certsRevoked, 1)
		if crl != nil {
			e.crlIssued(ctx, crl)
		}
	}
	return &RenewResult{Certificate: renewed, Original: orig, CRL: crl}, nil
}

// DeleteCertificate removes a certificate that is revoked or has been
// expired for longer than the policy's delete grace period. A failure to
// destroy the custodial key is logged and does not stop the delete.
func (e *Engine) DeleteCertificate(ctx context.Context, id string, destroyKey bool) error {
	keyDestroyed, err := e.deleteCertificate(ctx, id, destroyKey)
	e.recordResult(ctx, audit.ActionCertDeleted, "certificate", id, err,
		map[string]any{"destroy_key": destroyKey, "key_destroyed": keyDestroyed})
	return err
}

func (e *Engine) deleteCertificate(ctx context.Context, id string, destroyKey bool) (bool, error) {
	cur, release, err := e.lockCertificate(ctx, id)
	if err != nil {
		return false, err
	}
	defer release()

	cert := cur.v
	now := e.now()
	if cert.Status != StatusRevoked && now.Sub(cert.NotAfter) <= e.policy.DeleteGrace {
		return false, pki.Errorf(pki.KindStateConflict, pki.CodeCertNotDeletable,
			"certificate %q must be revoked or expired for more than %d days before it can be deleted",
			id, int(e.policy.DeleteGrace/day))
	}

	keyDestroyed := false
	if destroyKey && cert.PrivateKeyID != "" {
		keyDestroyed = e.destroyCertificateKey(ctx, cert)
	}

	err = e.store.Batch(ctx, func(tx storage.BatchTx) error {
		if err := tx.Delete(certRecordType, id); err != nil {
			return err
		}
		err := tx.Delete(caCertIndexType, indexKey(cert.CAID, id))
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return keyDestroyed, internalError(err, "deleting certificate %q", id)
	}
	return keyDestroyed, nil
}

// destroyCertificateKey destroys the certificate's custodial key unless a
// renewal still uses it. Failures are logged.
func (e *Engine) destroyCertificateKey(ctx context.Context, cert *Certificate) bool {
	siblings, err := e.certificatesOf(ctx, cert.CAID)
	if err != nil {
		e.logger.Warn("not destroying key: cannot check for shared use",
			"certificate_id", cert.ID, "private_key_id", cert.PrivateKeyID, "error", err)
		return false
	}
	for _, s := range siblings {
		if s.v.ID != cert.ID && s.v.PrivateKeyID == cert.PrivateKeyID {
			e.logger.Info("not destroying key still used by another certificate",
				"certificate_id", cert.ID, "private_key_id", cert.PrivateKeyID, "used_by", s.v.ID)
			return false
		}
	}
	if err := e.custody.DestroyKey(ctx, cert.PrivateKeyID); err != nil && !errors.Is(err, custody.ErrKeyNotFound) {
		add(ctx, e.metrics.custodyFailures, 1)
		e.logger.Warn("failed to destroy certificate key",
			"certificate_id", cert.ID, "private_key_id", cert.PrivateKeyID, "error", err)
		return false
	}
	return true
}

// GetCertificate returns a certificate by ID.
func (e *Engine) GetCertificate(ctx context.Context, id string) (*Certificate, error) {
	c, err := e.loadCert(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.v, nil
}

// ListCertificates returns every certificate issued by the CA, ordered by
// ID.
func (e *Engine) ListCertificates(ctx context.Context, caID string) ([]*Certificate, error) {
	if _, err := e.loadCA(ctx, caID); err != nil {
		return nil, err
	}
	certs, err := e.certificatesOf(ctx, caID)
	if err != nil {
		return nil, err
	}
	out := make([]*Certificate, len(certs))
	for i, c := range certs {
		out[i] = c.v
	}
	return out, nil
}

// RenewalChain returns the certificate followed by each certificate it was
// renewed from, newest first. The chain ends at the first certificate
// that was not a renewal or whose predecessor has been deleted.
func (e *Engine) RenewalChain(ctx context.Context, id string) ([]*Certificate, error) {
	c, err := e.loadCert(ctx, id)
	if err != nil {
		return nil, err
	}
	chain := []*Certificate{c.v}
	seen := map[string]bool{id: true}
	for next := c.v.RenewedFromID; next != "" && !seen[next]; {
		prev, err := e.loadCert(ctx, next)
		if errors.Is(err, pki.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		chain = append(chain, prev.v)
		seen[next] = true
		next = prev.v.RenewedFromID
	}
	return chain, nil
}
