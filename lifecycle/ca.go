package lifecycle

import (
	"context"
	"errors"

	"github.com/jmcleod/ironca/audit"
	"github.com/jmcleod/ironca/custody"
	"github.com/jmcleod/ironca/internal/uuid"
	"github.com/jmcleod/ironca/pki"
	"github.com/jmcleod/ironca/storage"
)

// CreateCARequest describes a new self-signed CA.
type CreateCARequest struct {
	Subject pki.DistinguishedName `json:"subject"`
	// KeyAlgorithm defaults to RSA-2048.
	KeyAlgorithm  pki.KeyAlgorithm `json:"key_algorithm,omitempty"`
	ValidityYears int              `json:"validity_years"`
	// PathLen, when set, limits the depth of any chain beneath the CA.
	PathLen *int `json:"path_len,omitempty"`
}

// RevokeCAResult reports the effects of a CA revocation.
type RevokeCAResult struct {
	CA *CA `json:"ca"`
	// CascadeRevoked counts the certificates revoked along with the CA.
	CascadeRevoked int  `json:"cascade_revoked"`
	CRL            *CRL `json:"crl"`
}

const daysPerYear = 365

// CreateCA creates a key pair in custody and has the custodian self-sign
// a CA certificate for it.
func (e *Engine) CreateCA(ctx context.Context, req CreateCARequest) (*CA, error) {
	id := uuid.New()
	ca, err := e.createCA(ctx, id, req)
	detail := map[string]any{
		"subject":        req.Subject.String(),
		"key_algorithm":  string(req.KeyAlgorithm),
		"validity_years": req.ValidityYears,
	}
	if ca != nil {
		detail["serial_number"] = ca.SerialNumber
		detail["key_algorithm"] = string(ca.KeyAlgorithm)
	}
	e.recordResult(ctx, audit.ActionCACreated, "ca", id, err, detail)
	if err == nil {
		add(ctx, e.metrics.casCreated, 1)
	}
	return ca, err
}

func (e *Engine) createCA(ctx context.Context, id string, req CreateCARequest) (*CA, error) {
	if err := pki.ValidateDN(req.Subject).Err(); err != nil {
		return nil, err
	}
	if err := pki.ValidateDNEncoding(req.Subject).Err(); err != nil {
		return nil, err
	}
	if req.ValidityYears < 1 {
		return nil, pki.Errorf(pki.KindValidation, pki.CodeInvalidValidity,
			"CA validity must be at least 1 year, got %d", req.ValidityYears)
	}
	if req.PathLen != nil && *req.PathLen < 0 {
		return nil, pki.Errorf(pki.KindValidation, pki.CodeInvalidRequest, "path length must not be negative")
	}
	alg := req.KeyAlgorithm
	if alg == "" {
		alg = pki.KeyRSA2048
	}
	if !alg.Valid() {
		return nil, pki.Errorf(pki.KindValidation, pki.CodeInvalidRequest, "unsupported key algorithm %q", alg)
	}

	tags := map[string]string{"ironca.ca_id": id, "ironca.role": "ca"}
	keys, err := e.custody.CreateKeyPair(ctx, alg, tags)
	if err != nil {
		return nil, e.custodyError(ctx, err, "createKeyPair")
	}

	certified, err := e.custody.Certify(ctx, custody.CertifyRequest{
		PublicKeyID: keys.PublicKeyID,
		Subject:     req.Subject,
		DaysValid:   req.ValidityYears * daysPerYear,
		Extensions: pki.ExtensionList{
			pki.BasicConstraints{IsCA: true, PathLenConstraint: req.PathLen},
			pki.KeyUsage{KeyCertSign: true, CRLSign: true, DigitalSignature: true},
			pki.SubjectKeyIdentifier{},
		},
		Tags: tags,
	})
	if err != nil {
		e.discardKey(ctx, keys.PrivateKeyID)
		return nil, e.custodyError(ctx, mutatedError("certify", err), "certify")
	}
	info, certPEM, err := decodeCertified(certified)
	if err != nil {
		return nil, err
	}

	ca := &CA{
		ID:            id,
		Subject:       info.Subject,
		SerialNumber:  info.SerialNumber,
		KeyAlgorithm:  info.KeyAlgorithm,
		NotBefore:     info.NotBefore,
		NotAfter:      info.NotAfter,
		Status:        StatusActive,
		SubjectKeyID:  info.SubjectKeyID,
		Certificate:   certPEM,
		PrivateKeyID:  keys.PrivateKeyID,
		PublicKeyID:   keys.PublicKeyID,
		CertificateID: certified.CertificateID,
		CreatedAt:     e.now(),
	}
	err = e.store.Batch(ctx, func(tx storage.BatchTx) error {
		return put(tx, caRecordType, id, ca, 0)
	})
	if err != nil {
		return nil, internalError(err, "storing CA %q", id)
	}
	return ca, nil
}

// discardKey destroys a key that was created for an operation that then
// failed. Failures are logged; the key is left for an operator.
func (e *Engine) discardKey(ctx context.Context, privateKeyID string) {
	if err := e.custody.DestroyKey(context.WithoutCancel(ctx), privateKeyID); err != nil {
		add(ctx, e.metrics.custodyFailures, 1)
		e.logger.Error("failed to destroy orphaned key",
			"private_key_id", privateKeyID, "error", err)
	}
}

// GetCA returns a CA by ID.
func (e *Engine) GetCA(ctx context.Context, id string) (*CA, error) {
	ca, err := e.loadCA(ctx, id)
	if err != nil {
		return nil, err
	}
	return ca.v, nil
}

// ListCAs returns every CA ordered by ID.
func (e *Engine) ListCAs(ctx context.Context) ([]*CA, error) {
	ids, err := e.store.List(ctx, caRecordType)
	if err != nil {
		return nil, internalError(err, "listing CAs")
	}
	out := make([]*CA, 0, len(ids))
	for _, id := range ids {
		ca, err := e.loadCA(ctx, id)
		if errors.Is(err, pki.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, ca.v)
	}
	return out, nil
}

// RevokeCA revokes the CA and, with reason caCompromise, every certificate
// it issued that is still active. Certificates that were already revoked
// keep their original reason. A new CRL covering all revoked certificates
// is issued, and the whole change is stored atomically.
func (e *Engine) RevokeCA(ctx context.Context, caID string, reason pki.ReasonCode, details string) (*RevokeCAResult, error) {
	release := e.locks.lock(caID)
	defer release()

	res, err := e.revokeCA(ctx, caID, reason, details)
	detail := map[string]any{"reason": reason.String(), "details": details}
	if res != nil {
		detail["cascade_revoked"] = res.CascadeRevoked
		detail["crl_number"] = res.CRL.Number
	}
	e.recordResult(ctx, audit.ActionCARevoked, "ca", caID, err, detail)
	return res, err
}

func (e *Engine) revokeCA(ctx context.Context, caID string, reason pki.ReasonCode, details string) (*RevokeCAResult, error) {
	if !reason.Valid() {
		return nil, pki.Errorf(pki.KindValidation, pki.CodeInvalidRequest, "invalid revocation reason %d", int(reason))
	}
	cur, err := e.loadCA(ctx, caID)
	if err != nil {
		return nil, err
	}
	ca := cur.v
	if ca.Status == StatusRevoked {
		return nil, pki.Errorf(pki.KindStateConflict, pki.CodeCAAlreadyRevoked, "CA %q is already revoked", caID)
	}

	certs, err := e.certificatesOf(ctx, caID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	ca.Status = StatusRevoked
	ca.Revocation = &Revocation{Date: now, Reason: reason, Details: details}

	var cascaded []versioned[Certificate]
	for _, c := range certs {
		if c.v.Status != StatusActive {
			continue
		}
		c.v.Status = StatusRevoked
		c.v.Revocation = &Revocation{
			Date:    now,
			Reason:  pki.ReasonCACompromise,
			Details: "issuing CA " + caID + " revoked",
		}
		cascaded = append(cascaded, c)
	}

	crl, err := e.buildCRL(ctx, ca, certs)
	if err != nil {
		return nil, err
	}

	err = e.store.Batch(ctx, func(tx storage.BatchTx) error {
		if err := put(tx, caRecordType, caID, ca, cur.version); err != nil {
			return err
		}
		for _, c := range cascaded {
			if err := put(tx, certRecordType, c.v.ID, c.v, c.version); err != nil {
				return err
			}
		}
		return put(tx, crlRecordType, crl.ID, crl, 0)
	})
	if err != nil {
		return nil, internalError(err, "storing revocation of CA %q", caID)
	}

	add(ctx, e.metrics.casRevoked, 1)
	add(ctx, e.metrics.certsRevoked, int64(len(cascaded)))
	e.crlIssued(ctx, crl)
	e.logger.Info("CA revoked",
		"ca_id", caID, "reason", reason.String(), "cascade_revoked", len(cascaded), "crl_number", crl.Number)

	return &RevokeCAResult{CA: ca, CascadeRevoked: len(cascaded), CRL: crl}, nil
}

// DeleteCA removes a revoked or expired CA together with its CRLs. It is
// refused while any certificate of the CA is still active. With destroyKey
// the CA key is revoked and then destroyed in custody first.
//
// Certificates the CA issued are kept.
func (e *Engine) DeleteCA(ctx context.Context, caID string, destroyKey bool) error {
	release := e.locks.lock(caID)
	defer release()

	removed, err := e.deleteCA(ctx, caID, destroyKey)
	e.recordResult(ctx, audit.ActionCADeleted, "ca", caID, err,
		map[string]any{"destroy_key": destroyKey, "crls_deleted": removed})
	return err
}

func (e *Engine) deleteCA(ctx context.Context, caID string, destroyKey bool) (int, error) {
	cur, err := e.loadCA(ctx, caID)
	if err != nil {
		return 0, err
	}
	ca := cur.v
	now := e.now()
	if ca.StatusAt(now) == StatusActive {
		return 0, pki.Errorf(pki.KindStateConflict, pki.CodeCANotDeletable,
			"CA %q is active until %s; revoke it first", caID, ca.NotAfter.Format("2006-01-02"))
	}

	certs, err := e.certificatesOf(ctx, caID)
	if err != nil {
		return 0, err
	}
	active := 0
	for _, c := range certs {
		if c.v.StatusAt(now) == StatusActive {
			active++
		}
	}
	if active > 0 {
		return 0, pki.Errorf(pki.KindStateConflict, pki.CodeCAHasActiveCertificates,
			"CA %q has %d active certificate(s)", caID, active)
	}

	e.record(ctx, audit.ActionCADeleted, "ca", caID, audit.OutcomeAttempt, nil,
		map[string]any{"destroy_key": destroyKey, "private_key_id": ca.PrivateKeyID})

	if destroyKey {
		err := e.custody.RevokeKey(ctx, ca.PrivateKeyID, pki.ReasonCessationOfOperation.String())
		if err != nil && !errors.Is(err, custody.ErrKeyAlreadyRevoked) {
			return 0, e.custodyError(ctx, err, "revokeKey")
		}
		err = e.custody.DestroyKey(ctx, ca.PrivateKeyID)
		if err != nil && !errors.Is(err, custody.ErrKeyNotFound) {
			return 0, e.custodyError(ctx, err, "destroyKey")
		}
	}

	crlIDs, err := e.idsUnder(ctx, crlRecordType, caID)
	if err != nil {
		return 0, err
	}
	err = e.store.Batch(ctx, func(tx storage.BatchTx) error {
		if err := deleteCRLs(tx, caID, crlIDs); err != nil {
			return err
		}
		return tx.Delete(caRecordType, caID)
	})
	if err != nil {
		return 0, internalError(err, "deleting CA %q", caID)
	}
	e.logger.Info("CA deleted", "ca_id", caID, "key_destroyed", destroyKey, "crls_deleted", len(crlIDs))
	return len(crlIDs), nil
}
