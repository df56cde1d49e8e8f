package custody

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/jmcleod/ironca/internal/uuid"
	"github.com/jmcleod/ironca/pki"
	"github.com/jmcleod/ironca/storage"
)

type localKey struct {
	handle   string // KeyStore ID; changes across restarts
	publicID string
	tags     map[string]string
	revoked  bool
	reason   string
}

// Local is an in-process custodian over a KeyStore. It signs certificates
// with pki.EncodeCertificate and also implements SignerSource.
//
// With a repository, key state and issued certificates are written to
// storage and Load restores them in a new process. Key IDs handed to
// callers are stable; the KeyStore IDs behind them are not.
type Local struct {
	keys       KeyStore
	exportable bool
	now        func() time.Time
	store      storage.Repository
	sealer     *KeySealer

	mu      sync.RWMutex
	private map[string]*localKey // private key ID -> state
	public  map[string]string    // public key ID -> private key ID
	certs   map[string][]byte    // certificate ID -> DER, read through from store
}

var (
	_ Client       = (*Local)(nil)
	_ SignerSource = (*Local)(nil)
)

// LocalOption configures a Local custodian.
type LocalOption func(*Local)

// WithExportableKeys allows GetPrivateKey to release key material.
func WithExportableKeys(ok bool) LocalOption {
	return func(l *Local) { l.exportable = ok }
}

// WithClock overrides the clock used for certificate validity.
func WithClock(now func() time.Time) LocalOption {
	return func(l *Local) { l.now = now }
}

// WithRepository persists key state and certificates in repo.
func WithRepository(repo storage.Repository) LocalOption {
	return func(l *Local) { l.store = repo }
}

// WithKeySealer encrypts persisted key references. Without it software
// keys are stored as plain PKCS#8 PEM.
func WithKeySealer(s *KeySealer) LocalOption {
	return func(l *Local) { l.sealer = s }
}

// NewLocal returns a custodian backed by keys.
func NewLocal(keys KeyStore, opts ...LocalOption) *Local {
	l := &Local{
		keys:    keys,
		now:     time.Now,
		private: make(map[string]*localKey),
		public:  make(map[string]string),
		certs:   make(map[string][]byte),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Local) CreateKeyPair(ctx context.Context, alg pki.KeyAlgorithm, tags map[string]string) (KeyPair, error) {
	if err := ctx.Err(); err != nil {
		return KeyPair{}, err
	}
	if !alg.Valid() {
		return KeyPair{}, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}
	handle, err := l.keys.GenerateKey(alg)
	if err != nil {
		return KeyPair{}, err
	}
	privID := "key-" + uuid.New()
	k := &localKey{handle: handle, publicID: "pub-" + uuid.New(), tags: maps.Clone(tags)}
	if err := l.persistKey(ctx, privID, k); err != nil {
		l.keys.Delete(handle)
		return KeyPair{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.private[privID] = k
	l.public[k.publicID] = privID
	return KeyPair{PrivateKeyID: privID, PublicKeyID: k.publicID}, nil
}

// resolve maps a public or private key ID to its private key state.
// Callers hold l.mu.
func (l *Local) resolve(keyID string) (string, *localKey, error) {
	if privID, ok := l.public[keyID]; ok {
		keyID = privID
	}
	k, ok := l.private[keyID]
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	return keyID, k, nil
}

func (l *Local) signer(keyID string) (crypto.Signer, error) {
	l.mu.RLock()
	privID, k, err := l.resolve(keyID)
	l.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	if k.revoked {
		return nil, fmt.Errorf("%w: %s", ErrKeyRevoked, privID)
	}
	return l.keys.Signer(k.handle)
}

func (l *Local) Certify(ctx context.Context, req CertifyRequest) (Certified, error) {
	if err := ctx.Err(); err != nil {
		return Certified{}, err
	}
	if req.DaysValid <= 0 {
		return Certified{}, pki.Errorf(pki.KindValidation, pki.CodeInvalidValidity, "days valid must be positive, got %d", req.DaysValid)
	}

	var (
		subjectKey crypto.PublicKey
		subject    = req.Subject
	)
	switch {
	case len(req.CSR) > 0:
		csr, err := pki.ParseCSR(req.CSR)
		if err != nil {
			return Certified{}, err
		}
		if err := csr.CheckSignature(); err != nil {
			return Certified{}, pki.Wrap(pki.KindValidation, pki.CodeInvalidRequest, err, "CSR signature does not verify")
		}
		subjectKey = csr.PublicKey
		if subject.IsZero() {
			subject = pki.FromPKIX(csr.Subject)
		}
	case req.PublicKeyID != "":
		s, err := l.signer(req.PublicKeyID)
		if err != nil {
			return Certified{}, err
		}
		subjectKey = s.Public()
	default:
		return Certified{}, pki.Errorf(pki.KindValidation, pki.CodeInvalidRequest, "a CSR or public key ID is required")
	}

	params := pki.CertificateParams{
		Subject:    subject,
		PublicKey:  subjectKey,
		Extensions: req.Extensions,
	}
	if req.IssuerPrivateKeyID == "" {
		if req.PublicKeyID == "" {
			return Certified{}, pki.Errorf(pki.KindValidation, pki.CodeInvalidRequest, "self-signed certification needs a custodial key")
		}
		s, err := l.signer(req.PublicKeyID)
		if err != nil {
			return Certified{}, err
		}
		params.Signer = s
	} else {
		s, err := l.signer(req.IssuerPrivateKeyID)
		if err != nil {
			return Certified{}, err
		}
		issuerCert, err := l.certificate(ctx, req.IssuerCertificateID)
		if err != nil {
			return Certified{}, err
		}
		issuer := pki.FromPKIX(issuerCert.Subject)
		params.Signer = s
		params.Issuer = &issuer
	}

	notBefore := l.now()
	params.NotBefore = notBefore
	params.NotAfter = notBefore.Add(time.Duration(req.DaysValid) * 24 * time.Hour)

	enc, err := pki.EncodeCertificate(params)
	if err != nil {
		return Certified{}, err
	}

	id := uuid.New()
	if l.store != nil {
		rec, err := storage.Encode(certRecord{DER: enc.DER}, 1)
		if err != nil {
			return Certified{}, err
		}
		if err := l.store.Put(ctx, recordTypeCert, id, rec); err != nil {
			return Certified{}, fmt.Errorf("persisting certificate %s: %w", id, err)
		}
	}
	l.mu.Lock()
	l.certs[id] = enc.DER
	l.mu.Unlock()
	return Certified{CertificateID: id, CertificateData: hex.EncodeToString(enc.DER)}, nil
}

// certificateDER looks in memory first and then in the repository.
func (l *Local) certificateDER(ctx context.Context, id string) ([]byte, error) {
	l.mu.RLock()
	raw, ok := l.certs[id]
	l.mu.RUnlock()
	if ok {
		return raw, nil
	}
	if l.store == nil {
		return nil, fmt.Errorf("%w: %q", ErrCertificateNotFound, id)
	}
	rec, err := l.store.Get(ctx, recordTypeCert, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %q", ErrCertificateNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("reading certificate %s: %w", id, err)
	}
	var cr certRecord
	if err := storage.Decode(rec, &cr); err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.certs[id] = cr.DER
	l.mu.Unlock()
	return cr.DER, nil
}

func (l *Local) certificate(ctx context.Context, id string) (*x509.Certificate, error) {
	raw, err := l.certificateDER(ctx, id)
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(raw)
}

func (l *Local) GetCertificate(ctx context.Context, certificateID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	raw, err := l.certificateDER(ctx, certificateID)
	if err != nil {
		return "", err
	}
	return string(pki.EncodePEM(pki.LabelCertificate, raw)), nil
}

// GetPublicKey accepts either half's ID. Revoked keys still have a
// readable public key.
func (l *Local) GetPublicKey(ctx context.Context, keyID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	l.mu.RLock()
	_, k, err := l.resolve(keyID)
	l.mu.RUnlock()
	if err != nil {
		return "", err
	}
	s, err := l.keys.Signer(k.handle)
	if err != nil {
		return "", err
	}
	der, err := x509.MarshalPKIXPublicKey(s.Public())
	if err != nil {
		return "", fmt.Errorf("marshaling public key %s: %w", keyID, err)
	}
	return string(pki.EncodePEM(pki.LabelPublicKey, der)), nil
}

func (l *Local) GetPrivateKey(ctx context.Context, keyID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !l.exportable {
		return "", fmt.Errorf("%w: %s", ErrKeyNotExportable, keyID)
	}
	l.mu.RLock()
	_, k, err := l.resolve(keyID)
	l.mu.RUnlock()
	if err != nil {
		return "", err
	}
	return l.keys.ExportPEM(k.handle)
}

func (l *Local) RevokeKey(ctx context.Context, keyID, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	privID, k, err := l.resolve(keyID)
	if err != nil {
		return err
	}
	if k.revoked {
		return fmt.Errorf("%w: %s", ErrKeyAlreadyRevoked, privID)
	}
	if err := l.updateKey(ctx, privID, func(r *keyRecord) {
		r.Revoked = true
		r.Reason = reason
	}); err != nil {
		return err
	}
	k.revoked = true
	k.reason = reason
	return nil
}

func (l *Local) DestroyKey(ctx context.Context, keyID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	privID, k, err := l.resolve(keyID)
	if err == nil && l.store != nil {
		if err = l.store.Delete(ctx, recordTypeKey, privID); errors.Is(err, storage.ErrNotFound) {
			err = nil
		} else if err != nil {
			err = fmt.Errorf("deleting key record %s: %w", privID, err)
		}
	}
	if err == nil {
		delete(l.private, privID)
		delete(l.public, k.publicID)
	}
	l.mu.Unlock()
	if err != nil {
		return err
	}
	return l.keys.Delete(k.handle)
}

// Signer returns a signer for an unrevoked key.
func (l *Local) Signer(ctx context.Context, privateKeyID string) (crypto.Signer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.signer(privateKeyID)
}

// Revoked reports whether the key exists and is revoked, with the reason
// it was revoked for.
func (l *Local) Revoked(keyID string) (bool, string) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, k, err := l.resolve(keyID)
	if err != nil {
		return false, ""
	}
	return k.revoked, k.reason
}
