// Package custody is the boundary between the CA engine and the service
// that holds private keys. The engine never generates or stores key
// material itself: it asks a Client to create key pairs, certify public
// keys, and revoke or destroy keys.
//
// Three Client implementations are provided: Local, which custodies keys
// in a KeyStore inside the process; HTTPClient, which talks to a remote
// custodian; and Retrying, which wraps either with bounded linear retries.
package custody

import (
	"context"
	"crypto"

	"github.com/jmcleod/ironca/pki"
)

// KeyPair identifies the two halves of a custodial key pair.
type KeyPair struct {
	PrivateKeyID string `json:"private_key_id"`
	PublicKeyID  string `json:"public_key_id"`
}

// CertifyRequest asks the custodian to issue a certificate.
//
// The subject key is taken from CSR when present, otherwise from
// PublicKeyID. When IssuerPrivateKeyID is empty the certificate is
// self-signed with the private half of PublicKeyID, and CSR must be empty.
type CertifyRequest struct {
	CSR                 []byte                `json:"csr,omitempty"`
	PublicKeyID         string                `json:"public_key_id,omitempty"`
	IssuerPrivateKeyID  string                `json:"issuer_private_key_id,omitempty"`
	IssuerCertificateID string                `json:"issuer_certificate_id,omitempty"`
	Subject             pki.DistinguishedName `json:"subject"`
	DaysValid           int                   `json:"days_valid"`
	Extensions          pki.ExtensionList     `json:"extensions,omitempty"`
	Tags                map[string]string     `json:"tags,omitempty"`
}

// Certified is the result of a certify call. CertificateData is the
// hex-encoded DER certificate.
type Certified struct {
	CertificateID   string `json:"certificate_id"`
	CertificateData string `json:"certificate_data"`
}

// Client is the custodial key store protocol.
//
// Revoking or destroying a private key implicitly revokes or destroys its
// public half; callers must not repeat the call for the public key.
type Client interface {
	CreateKeyPair(ctx context.Context, alg pki.KeyAlgorithm, tags map[string]string) (KeyPair, error)
	Certify(ctx context.Context, req CertifyRequest) (Certified, error)
	// GetCertificate returns the certificate as PEM.
	GetCertificate(ctx context.Context, certificateID string) (string, error)
	// GetPublicKey returns the public key as PKIX PEM.
	GetPublicKey(ctx context.Context, keyID string) (string, error)
	// GetPrivateKey exports the private key as PKCS#8 PEM. Custodians
	// that never release key material return ErrKeyNotExportable.
	GetPrivateKey(ctx context.Context, keyID string) (string, error)
	RevokeKey(ctx context.Context, keyID, reason string) error
	DestroyKey(ctx context.Context, keyID string) error
}

// SignerSource is implemented by custodians that can sign on behalf of a
// key without exporting it. The engine prefers it over GetPrivateKey when
// signing CRLs.
type SignerSource interface {
	Signer(ctx context.Context, privateKeyID string) (crypto.Signer, error)
}
