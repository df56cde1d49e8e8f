package lifecycle

import (
	"context"
	"errors"
	"strconv"

	"github.com/jmcleod/ironca/audit"
	"github.com/jmcleod/ironca/pki"
	"github.com/jmcleod/ironca/storage"
)

// GenerateCRL issues a fresh CRL for the CA covering every revoked
// certificate it has issued. Its number is one past the highest CRL
// number stored for the CA.
func (e *Engine) GenerateCRL(ctx context.Context, caID string) (*CRL, error) {
	release := e.locks.lock(caID)
	defer release()

	crl, err := e.generateCRL(ctx, caID)
	detail := map[string]any{}
	if crl != nil {
		detail["crl_number"] = crl.Number
		detail["revoked_count"] = crl.RevokedCount
		detail["signed"] = crl.Signed
	}
	e.recordResult(ctx, audit.ActionCRLGenerated, "ca", caID, err, detail)
	return crl, err
}

func (e *Engine) generateCRL(ctx context.Context, caID string) (*CRL, error) {
	ca, err := e.loadCA(ctx, caID)
	if err != nil {
		return nil, err
	}
	certs, err := e.certificatesOf(ctx, caID)
	if err != nil {
		return nil, err
	}
	crl, err := e.buildCRL(ctx, ca.v, certs)
	if err != nil {
		return nil, err
	}
	err = e.store.Batch(ctx, func(tx storage.BatchTx) error {
		return put(tx, crlRecordType, crl.ID, crl, 0)
	})
	if err != nil {
		return nil, internalError(err, "storing CRL %d for CA %q", crl.Number, caID)
	}
	e.crlIssued(ctx, crl)
	return crl, nil
}

// LatestCRL returns the highest-numbered CRL of the CA.
func (e *Engine) LatestCRL(ctx context.Context, caID string) (*CRL, error) {
	if _, err := e.loadCA(ctx, caID); err != nil {
		return nil, err
	}
	ids, err := e.idsUnder(ctx, crlRecordType, caID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, pki.Errorf(pki.KindNotFound, pki.CodeCRLNotFound, "CA %q has not published a CRL", caID)
	}
	crl, err := load[CRL](ctx, e.store, crlRecordType, indexKey(caID, ids[len(ids)-1]), pki.CodeCRLNotFound, "CRL")
	if err != nil {
		return nil, err
	}
	return crl.v, nil
}

// nextCRLNumber returns one past the highest stored CRL number. Callers
// hold the CA lock.
func (e *Engine) nextCRLNumber(ctx context.Context, caID string) (int64, error) {
	ids, err := e.idsUnder(ctx, crlRecordType, caID)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 1, nil
	}
	last, err := strconv.ParseInt(ids[len(ids)-1], 10, 64)
	if err != nil {
		return 0, internalError(err, "malformed CRL key %q", ids[len(ids)-1])
	}
	return last + 1, nil
}

// buildCRL encodes the next CRL of ca from the revoked entries in certs.
// When the CA key cannot sign, the CRL is returned unsigned.
func (e *Engine) buildCRL(ctx context.Context, ca *CA, certs []versioned[Certificate]) (*CRL, error) {
	number, err := e.nextCRLNumber(ctx, ca.ID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	crl := &CRL{
		ID:         crlKey(ca.ID, number),
		CAID:       ca.ID,
		Number:     number,
		ThisUpdate: now,
		NextUpdate: now.Add(e.policy.CRLValidity),
	}

	var entries []pki.RevocationEntry
	for _, c := range certs {
		if c.v.Status != StatusRevoked || c.v.Revocation == nil {
			continue
		}
		entries = append(entries, pki.RevocationEntry{
			SerialNumber:   c.v.SerialNumber,
			RevocationDate: c.v.Revocation.Date,
			Reason:         c.v.Revocation.Reason,
		})
	}
	crl.RevokedCount = len(entries)

	signer, err := e.crlSigner(ctx, ca)
	if err != nil {
		return nil, err
	}
	if signer == nil {
		e.logger.Warn("CA key cannot sign; storing unsigned CRL",
			"ca_id", ca.ID, "crl_number", number)
		return crl, nil
	}

	enc, err := pki.EncodeCRL(pki.CRLParams{
		Issuer:         ca.Subject,
		Signer:         signer,
		ThisUpdate:     crl.ThisUpdate,
		NextUpdate:     crl.NextUpdate,
		Number:         number,
		Revoked:        entries,
		AuthorityKeyID: ca.SubjectKeyID,
	})
	if err != nil {
		return nil, err
	}
	crl.PEM = string(enc.PEM)
	crl.DER = enc.DER
	crl.Signed = true
	return crl, nil
}

func (e *Engine) crlIssued(ctx context.Context, crl *CRL) {
	add(ctx, e.metrics.crlsGenerated, 1)
	if e.metrics.crlRevokedCounts != nil {
		e.metrics.crlRevokedCounts.Record(ctx, int64(crl.RevokedCount))
	}
}

// deleteCRLs removes the CRLs with the given key suffixes inside tx.
func deleteCRLs(tx storage.BatchTx, caID string, ids []string) error {
	for _, id := range ids {
		if err := tx.Delete(crlRecordType, indexKey(caID, id)); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
	}
	return nil
}
