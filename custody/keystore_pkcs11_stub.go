//go:build !pkcs11

package custody

import (
	"crypto"
	"errors"

	"github.com/jmcleod/ironca/pki"
)

var errNoPKCS11 = errors.New("PKCS#11 support not compiled; rebuild with: go build -tags pkcs11")

// PKCS11Config holds the configuration for connecting to a PKCS#11 token.
type PKCS11Config struct {
	ModulePath string
	TokenLabel string
	PIN        string
	SlotNumber *int
}

// PKCS11KeyStore lets callers compile without cgo. Every method fails.
type PKCS11KeyStore struct{}

var _ KeyStore = (*PKCS11KeyStore)(nil)

// NewPKCS11KeyStore fails when built without the pkcs11 tag.
func NewPKCS11KeyStore(PKCS11Config) (*PKCS11KeyStore, error) {
	return nil, errNoPKCS11
}

func (p *PKCS11KeyStore) Close() error { return nil }

func (p *PKCS11KeyStore) GenerateKey(pki.KeyAlgorithm) (string, error) { return "", errNoPKCS11 }

func (p *PKCS11KeyStore) Signer(string) (crypto.Signer, error) { return nil, errNoPKCS11 }

func (p *PKCS11KeyStore) ExportPEM(string) (string, error) { return "", errNoPKCS11 }

func (p *PKCS11KeyStore) Reference(string) (string, error) { return "", errNoPKCS11 }

func (p *PKCS11KeyStore) ImportPEM(string) (string, error) { return "", errNoPKCS11 }

func (p *PKCS11KeyStore) Delete(string) error { return errNoPKCS11 }
