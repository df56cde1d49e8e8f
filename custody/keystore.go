package custody

import (
	"crypto"

	"github.com/jmcleod/ironca/pki"
)

// KeyStore abstracts where Local keeps private keys, so that software keys
// and HSM-backed keys can be custodied the same way.
//
// A key ID uniquely identifies a key within its store; the format is
// implementation-defined.
type KeyStore interface {
	// GenerateKey creates a new signing key. For HSM backends the private
	// key never leaves the hardware.
	GenerateKey(alg pki.KeyAlgorithm) (keyID string, err error)

	// Signer returns a crypto.Signer for the key. For HSM backends signing
	// is delegated to the device.
	Signer(keyID string) (crypto.Signer, error)

	// ExportPEM returns the private key as PKCS#8 PEM, or
	// ErrKeyNotExportable when the store does not release key material.
	ExportPEM(keyID string) (string, error)

	// Reference returns a string from which ImportPEM can recover the key
	// in a later process: the PKCS#8 PEM for software keys, a
	// "PKCS11:<label>" pointer for HSM keys. It is what Local persists.
	Reference(keyID string) (string, error)

	// ImportPEM loads a key from a Reference string and returns its new ID.
	ImportPEM(ref string) (keyID string, err error)

	// Delete destroys the key. Deleting an unknown key is not an error.
	Delete(keyID string) error
}

// PKCS11Prefix marks a Reference that points at an HSM key by label.
const PKCS11Prefix = "PKCS11:"
