package custody

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/ironca/pki"
)

// SoftwareKeyStore holds private keys in process memory. Each key is kept
// as PKCS#8 DER inside a memguard Enclave, so it is encrypted while at
// rest in memory and only decrypted for the duration of a signer lookup.
type SoftwareKeyStore struct {
	mu   sync.Mutex
	keys map[string]*memguard.Enclave
	rand io.Reader
	seq  int
}

var _ KeyStore = (*SoftwareKeyStore)(nil)

// NewSoftwareKeyStore returns an empty SoftwareKeyStore.
func NewSoftwareKeyStore() *SoftwareKeyStore {
	return &SoftwareKeyStore{
		keys: make(map[string]*memguard.Enclave),
		rand: rand.Reader,
	}
}

func (s *SoftwareKeyStore) nextID() string {
	s.seq++
	return fmt.Sprintf("sw-%d", s.seq)
}

// GenerateKey creates an RSA-2048, RSA-4096 or ECDSA P-256 key.
func (s *SoftwareKeyStore) GenerateKey(alg pki.KeyAlgorithm) (string, error) {
	var (
		priv crypto.Signer
		err  error
	)
	switch alg {
	case pki.KeyRSA2048:
		priv, err = rsa.GenerateKey(s.rand, 2048)
	case pki.KeyRSA4096:
		priv, err = rsa.GenerateKey(s.rand, 4096)
	case pki.KeyECDSAP256:
		priv, err = ecdsa.GenerateKey(elliptic.P256(), s.rand)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}
	if err != nil {
		return "", fmt.Errorf("generating %s key: %w", alg, err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", fmt.Errorf("marshaling %s key: %w", alg, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID()
	// NewEnclave wipes der.
	s.keys[id] = memguard.NewEnclave(der)
	return id, nil
}

func (s *SoftwareKeyStore) open(keyID string) (*memguard.LockedBuffer, error) {
	s.mu.Lock()
	enclave, ok := s.keys[keyID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	buf, err := enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("opening key %s: %w", keyID, err)
	}
	return buf, nil
}

// Signer returns the parsed private key.
func (s *SoftwareKeyStore) Signer(keyID string) (crypto.Signer, error) {
	buf, err := s.open(keyID)
	if err != nil {
		return nil, err
	}
	defer buf.Destroy()

	key, err := x509.ParsePKCS8PrivateKey(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("parsing key %s: %w", keyID, err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("key %s cannot sign", keyID)
	}
	return signer, nil
}

// ExportPEM encodes the private key as PKCS#8 "PRIVATE KEY" PEM.
func (s *SoftwareKeyStore) ExportPEM(keyID string) (string, error) {
	buf, err := s.open(keyID)
	if err != nil {
		return "", err
	}
	defer buf.Destroy()
	return string(pki.EncodePEM(pki.LabelPrivateKey, buf.Bytes())), nil
}

// Reference returns the PKCS#8 PEM, the only form a software key can take
// outside this process.
func (s *SoftwareKeyStore) Reference(keyID string) (string, error) {
	return s.ExportPEM(keyID)
}

// ImportPEM seals a PKCS#8 (or PKCS#1/SEC 1) private key PEM into a new
// enclave.
func (s *SoftwareKeyStore) ImportPEM(ref string) (string, error) {
	if strings.HasPrefix(ref, PKCS11Prefix) {
		return "", fmt.Errorf("%w: %s reference cannot be loaded into a software store", ErrKeyNotFound, ref)
	}
	block, _ := pem.Decode([]byte(ref))
	if block == nil {
		return "", errors.New("importing key: no PEM block found")
	}
	defer memguard.WipeBytes(block.Bytes)

	var key any
	var err error
	switch block.Type {
	case pki.LabelPrivateKey:
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	default:
		return "", fmt.Errorf("importing key: unsupported PEM type %q", block.Type)
	}
	if err != nil {
		return "", fmt.Errorf("importing key: %w", err)
	}
	switch key.(type) {
	case *rsa.PrivateKey, *ecdsa.PrivateKey:
	default:
		return "", fmt.Errorf("%w: %T", ErrUnsupportedAlgorithm, key)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", fmt.Errorf("importing key: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID()
	s.keys[id] = memguard.NewEnclave(der)
	return id, nil
}

// Delete forgets the key.
func (s *SoftwareKeyStore) Delete(keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, keyID)
	return nil
}
