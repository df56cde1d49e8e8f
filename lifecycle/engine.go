// Package lifecycle drives CAs and the certificates they issue through
// creation, revocation, renewal and deletion. It validates every request,
// delegates key material to a custody.Client, builds documents with the
// pki encoders and persists the resulting state in a storage.Repository.
//
// Work against one CA is serialised by a per-CA lock held for the whole
// operation, and every multi-record change (a cascade revocation together
// with its CRL, a deletion with its CRLs) is applied in a single batch.
package lifecycle

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmcleod/ironca/audit"
	"github.com/jmcleod/ironca/custody"
	"github.com/jmcleod/ironca/pki"
	"github.com/jmcleod/ironca/storage"
)

// Engine is the CA lifecycle state machine. It holds no entity state of
// its own and is safe for concurrent use.
type Engine struct {
	store   storage.Repository
	custody custody.Client
	signers custody.SignerSource
	audit   audit.Sink
	logger  *slog.Logger
	metrics *metrics
	policy  Policy
	now     func() time.Time
	locks   *keyedMutex
}

// New builds an Engine from cfg.
func New(cfg Config) (*Engine, error) {
	cfg, err := cfg.validate()
	if err != nil {
		return nil, err
	}
	e := &Engine{
		store:   cfg.Store,
		custody: cfg.Custody,
		audit:   cfg.Audit,
		logger:  cfg.Logger,
		metrics: newMetrics(cfg.Meter),
		policy:  cfg.Policy,
		now:     func() time.Time { return cfg.Clock().UTC() },
		locks:   newKeyedMutex(),
	}
	if s, ok := cfg.Custody.(custody.SignerSource); ok {
		e.signers = s
	}
	return e, nil
}

// Policy returns the policy the engine enforces.
func (e *Engine) Policy() Policy { return e.policy }

// Storage layout. Certificates and CRLs are indexed per CA under
// "<ca id>/<suffix>" keys so a CA's records can be found without decoding
// every record.
const caCertIndexType = "CA_CERT"

func indexKey(caID, suffix string) string { return caID + "/" + suffix }

func crlKey(caID string, number int64) string {
	return indexKey(caID, fmt.Sprintf("%020d", number))
}

// idsUnder returns the suffixes of every recordType key under caID.
func (e *Engine) idsUnder(ctx context.Context, recordType, caID string) ([]string, error) {
	prefix := indexKey(caID, "")
	ids, err := e.store.ListPrefix(ctx, recordType, prefix)
	if err != nil {
		return nil, internalError(err, "listing %s records", recordType)
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, strings.TrimPrefix(id, prefix))
	}
	return out, nil
}

// versioned pairs a decoded record with its stored version.
type versioned[T any] struct {
	v       *T
	version uint64
}

func load[T any](ctx context.Context, store storage.Repository, recordType, id, notFoundCode, what string) (versioned[T], error) {
	rec, err := store.Get(ctx, recordType, id)
	if errors.Is(err, storage.ErrNotFound) {
		return versioned[T]{}, pki.Errorf(pki.KindNotFound, notFoundCode, "%s %q not found", what, id)
	}
	if err != nil {
		return versioned[T]{}, internalError(err, "loading %s %q", what, id)
	}
	v := new(T)
	if err := storage.Decode(rec, v); err != nil {
		return versioned[T]{}, internalError(err, "decoding %s %q", what, id)
	}
	return versioned[T]{v: v, version: rec.Version}, nil
}

func (e *Engine) loadCA(ctx context.Context, id string) (versioned[CA], error) {
	return load[CA](ctx, e.store, caRecordType, id, pki.CodeCANotFound, "CA")
}

func (e *Engine) loadCert(ctx context.Context, id string) (versioned[Certificate], error) {
	return load[Certificate](ctx, e.store, certRecordType, id, pki.CodeCertNotFound, "certificate")
}

// put writes v over the record read at version (0 creates it).
func put(tx storage.BatchTx, recordType, id string, v any, version uint64) error {
	rec, err := storage.Encode(v, version+1)
	if err != nil {
		return err
	}
	if err := tx.PutCAS(recordType, id, version, rec); err != nil {
		return fmt.Errorf("writing %s %q: %w", recordType, id, err)
	}
	return nil
}

func internalError(err error, format string, args ...any) error {
	return pki.Wrap(pki.KindInternal, pki.CodeInternal, err, format, args...)
}

// custodyError wraps a failed custody call. Validation and encoding errors
// raised by the custodian keep their own kind.
func (e *Engine) custodyError(ctx context.Context, err error, op string) error {
	var pe *pki.Error
	if errors.As(err, &pe) && (pe.Kind == pki.KindValidation || pe.Kind == pki.KindEncoding) {
		return err
	}
	add(ctx, e.metrics.custodyFailures, 1)
	code := pki.CodeCustodyUnavailable
	if custody.IsMutated(err) {
		code = pki.CodeCustodyPartial
	}
	return pki.Wrap(pki.KindCustody, code, err, "custody %s failed", op)
}

// mutatedError marks err as having possibly changed custodial state even
// when the failing call itself was read-only.
func mutatedError(op string, err error) error {
	var ce *custody.Error
	if errors.As(err, &ce) && ce.Mutated {
		return err
	}
	return &custody.Error{Op: op, Mutated: true, Err: err}
}

// decodeCertified parses the hex DER returned by a certify call.
func decodeCertified(c custody.Certified) (*pki.CertificateInfo, string, error) {
	raw, err := hex.DecodeString(c.CertificateData)
	if err != nil {
		return nil, "", pki.Wrap(pki.KindEncoding, pki.CodeDecodeFailed, err, "custodian returned malformed certificate data")
	}
	info, err := pki.DecodeCertificate(raw)
	if err != nil {
		return nil, "", err
	}
	return info, string(pki.EncodePEM(pki.LabelCertificate, raw)), nil
}

// record appends an audit entry. Sinks never fail the caller.
func (e *Engine) record(ctx context.Context, action audit.Action, resource, id string, outcome audit.Outcome, err error, detail map[string]any) {
	entry := audit.Entry{
		Action:     action,
		Resource:   resource,
		ResourceID: id,
		Outcome:    outcome,
		Detail:     detail,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	e.audit.Record(ctx, entry)
}

func (e *Engine) recordResult(ctx context.Context, action audit.Action, resource, id string, err error, detail map[string]any) {
	outcome := audit.OutcomeSuccess
	if err != nil {
		outcome = audit.OutcomeFailure
	}
	e.record(ctx, action, resource, id, outcome, err, detail)
}

// crlSigner returns a signer for the CA's private key. It prefers a
// custodian that signs in place and falls back to exporting the key. A nil
// signer with a nil error means the key is not usable for CRL signing.
func (e *Engine) crlSigner(ctx context.Context, ca *CA) (crypto.Signer, error) {
	if e.signers != nil {
		s, err := e.signers.Signer(ctx, ca.PrivateKeyID)
		switch {
		case err == nil:
			return s, nil
		case errors.Is(err, custody.ErrKeyRevoked), errors.Is(err, custody.ErrKeyNotExportable):
			return nil, nil
		case !errors.Is(err, custody.ErrNoSigner):
			return nil, e.custodyError(ctx, err, "signer")
		}
	}

	keyPEM, err := e.custody.GetPrivateKey(ctx, ca.PrivateKeyID)
	switch {
	case errors.Is(err, custody.ErrKeyNotExportable), errors.Is(err, custody.ErrKeyRevoked):
		return nil, nil
	case err != nil:
		return nil, e.custodyError(ctx, err, "getPrivateKey")
	}
	e.record(ctx, audit.ActionPrivateKeyAccessed, "ca", ca.ID, audit.OutcomeSuccess, nil,
		map[string]any{"private_key_id": ca.PrivateKeyID, "purpose": "crl_signing"})

	der, err := pki.DecodePEM([]byte(keyPEM), pki.LabelPrivateKey)
	if err != nil {
		return nil, err
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, pki.Wrap(pki.KindEncoding, pki.CodeDecodeFailed, err, "parsing CA private key")
	}
	s, ok := key.(crypto.Signer)
	if !ok {
		return nil, pki.Errorf(pki.KindEncoding, pki.CodeDecodeFailed, "CA private key of type %T cannot sign", key)
	}
	return s, nil
}
