//go:build pkcs11

package custody

import (
	"crypto"
	"crypto/elliptic"
	"fmt"
	"strings"
	"sync"

	"github.com/ThalesIgnite/crypto11"

	"github.com/jmcleod/ironca/internal/uuid"
	"github.com/jmcleod/ironca/pki"
)

// PKCS11Config holds the configuration for connecting to a PKCS#11 token.
type PKCS11Config struct {
	// ModulePath is the PKCS#11 shared library
	// (e.g., /usr/lib/softhsm/libsofthsm2.so).
	ModulePath string
	TokenLabel string
	PIN        string
	// SlotNumber, when set, overrides TokenLabel for slot selection.
	SlotNumber *int
}

// PKCS11KeyStore keeps keys in a PKCS#11 HSM. Keys are found by the label
// they were generated with; key IDs are "pkcs11-<label>". Private keys are
// never exportable.
type PKCS11KeyStore struct {
	ctx *crypto11.Context
	mu  sync.Mutex
}

var _ KeyStore = (*PKCS11KeyStore)(nil)

// NewPKCS11KeyStore connects to the configured token. The caller must call
// Close when finished.
func NewPKCS11KeyStore(cfg PKCS11Config) (*PKCS11KeyStore, error) {
	config := &crypto11.Config{
		Path:       cfg.ModulePath,
		TokenLabel: cfg.TokenLabel,
		Pin:        cfg.PIN,
	}
	if cfg.SlotNumber != nil {
		config.SlotNumber = cfg.SlotNumber
	}

	ctx, err := crypto11.Configure(config)
	if err != nil {
		return nil, fmt.Errorf("configuring PKCS#11: %w", err)
	}
	return &PKCS11KeyStore{ctx: ctx}, nil
}

// Close releases the PKCS#11 context.
func (p *PKCS11KeyStore) Close() error {
	if p.ctx != nil {
		return p.ctx.Close()
	}
	return nil
}

// GenerateKey creates a key pair in the HSM under a fresh label.
func (p *PKCS11KeyStore) GenerateKey(alg pki.KeyAlgorithm) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	label := "ironca-" + uuid.New()
	id := []byte(label)

	var err error
	switch alg {
	case pki.KeyRSA2048:
		_, err = p.ctx.GenerateRSAKeyPairWithLabel(id, id, 2048)
	case pki.KeyRSA4096:
		_, err = p.ctx.GenerateRSAKeyPairWithLabel(id, id, 4096)
	case pki.KeyECDSAP256:
		_, err = p.ctx.GenerateECDSAKeyPairWithLabel(id, id, elliptic.P256())
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}
	if err != nil {
		return "", fmt.Errorf("generating %s key in HSM: %w", alg, err)
	}
	return "pkcs11-" + label, nil
}

func (p *PKCS11KeyStore) find(keyID string) (crypto11.Signer, error) {
	signer, err := p.ctx.FindKeyPair(nil, []byte(labelFromKeyID(keyID)))
	if err != nil {
		return nil, fmt.Errorf("finding key %s in HSM: %w", keyID, err)
	}
	if signer == nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	return signer, nil
}

// Signer returns a crypto.Signer backed by the HSM.
func (p *PKCS11KeyStore) Signer(keyID string) (crypto.Signer, error) {
	return p.find(keyID)
}

// ExportPEM always fails with ErrKeyNotExportable for existing keys.
func (p *PKCS11KeyStore) ExportPEM(keyID string) (string, error) {
	if _, err := p.find(keyID); err != nil {
		return "", err
	}
	return "", fmt.Errorf("%w: %s is held by the HSM", ErrKeyNotExportable, keyID)
}

// Reference returns "PKCS11:<label>". The key material never leaves the
// HSM; the label is enough to find it again.
func (p *PKCS11KeyStore) Reference(keyID string) (string, error) {
	if _, err := p.find(keyID); err != nil {
		return "", err
	}
	return PKCS11Prefix + labelFromKeyID(keyID), nil
}

// ImportPEM resolves a "PKCS11:<label>" reference. Software PEM cannot be
// imported into the HSM.
func (p *PKCS11KeyStore) ImportPEM(ref string) (string, error) {
	label, ok := strings.CutPrefix(ref, PKCS11Prefix)
	if !ok {
		return "", fmt.Errorf("%w: cannot import software PEM keys into PKCS#11 store", ErrKeyNotExportable)
	}
	id := "pkcs11-" + label
	if _, err := p.find(id); err != nil {
		return "", err
	}
	return id, nil
}

// Delete destroys the key pair in the HSM.
func (p *PKCS11KeyStore) Delete(keyID string) error {
	signer, err := p.ctx.FindKeyPair(nil, []byte(labelFromKeyID(keyID)))
	if err != nil {
		return fmt.Errorf("finding key %s for deletion: %w", keyID, err)
	}
	if signer == nil {
		return nil
	}
	return signer.Delete()
}

func labelFromKeyID(keyID string) string {
	return strings.TrimPrefix(keyID, "pkcs11-")
}
