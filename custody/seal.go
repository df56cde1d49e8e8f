package custody

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"

	"github.com/jmcleod/ironca/storage"
)

const (
	recordTypeCustodyMeta = "custody_meta"
	sealerRecordID        = "sealer"

	sealerKeyLen  = 32
	sealerSaltLen = 16
)

// sealerCheck is sealed when the salt is created; opening it verifies the
// passphrase.
var sealerCheck = []byte("ironca-custody")

// ErrWrongPassphrase is returned by OpenKeySealer when the passphrase does
// not open the keys already in storage.
var ErrWrongPassphrase = errors.New("custody passphrase does not match stored keys")

// SealerParams are the argon2id cost parameters recorded next to the salt.
type SealerParams struct {
	Time        uint32 `json:"time"`
	MemoryKiB   uint32 `json:"memory"`
	Parallelism uint8  `json:"parallelism"`
}

// DefaultSealerParams returns the argon2id cost used for new stores.
func DefaultSealerParams() SealerParams {
	return SealerParams{Time: 1, MemoryKiB: 64 * 1024, Parallelism: 4}
}

type sealerRecord struct {
	Params SealerParams `json:"params"`
	Salt   []byte       `json:"salt"`
	Check  []byte       `json:"check"`
}

// KeySealer encrypts key references with AES-256-GCM under a key derived
// from the custody passphrase.
type KeySealer struct {
	aead cipher.AEAD
}

// NewKeySealer derives the sealing key from passphrase and salt.
func NewKeySealer(passphrase string, salt []byte, params SealerParams) (*KeySealer, error) {
	if passphrase == "" {
		return nil, errors.New("custody passphrase is empty")
	}
	key := argon2.IDKey([]byte(passphrase), salt, params.Time, params.MemoryKiB, params.Parallelism, sealerKeyLen)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return &KeySealer{aead: aead}, nil
}

// Seal returns nonce||ciphertext. aad binds the ciphertext to the record
// it is stored under.
func (s *KeySealer) Seal(plain, aad []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plain, aad), nil
}

// Open reverses Seal.
func (s *KeySealer) Open(sealed, aad []byte) ([]byte, error) {
	n := s.aead.NonceSize()
	if len(sealed) < n {
		return nil, errors.New("sealed key shorter than nonce")
	}
	plain, err := s.aead.Open(nil, sealed[:n], sealed[n:], aad)
	if err != nil {
		return nil, fmt.Errorf("opening sealed key: %w", err)
	}
	return plain, nil
}

// OpenKeySealer returns the sealer for repo. The first call stores a salt
// and a check value; later calls fail with ErrWrongPassphrase if the
// passphrase differs.
func OpenKeySealer(ctx context.Context, repo storage.Repository, passphrase string, params SealerParams) (*KeySealer, error) {
	rec, err := repo.Get(ctx, recordTypeCustodyMeta, sealerRecordID)
	switch {
	case err == nil:
		var meta sealerRecord
		if err := storage.Decode(rec, &meta); err != nil {
			return nil, err
		}
		s, err := NewKeySealer(passphrase, meta.Salt, meta.Params)
		if err != nil {
			return nil, err
		}
		if _, err := s.Open(meta.Check, []byte(sealerRecordID)); err != nil {
			return nil, ErrWrongPassphrase
		}
		return s, nil
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("reading custody sealer: %w", err)
	}

	salt := make([]byte, sealerSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	s, err := NewKeySealer(passphrase, salt, params)
	if err != nil {
		return nil, err
	}
	check, err := s.Seal(sealerCheck, []byte(sealerRecordID))
	if err != nil {
		return nil, err
	}
	rec, err = storage.Encode(sealerRecord{Params: params, Salt: salt, Check: check}, 1)
	if err != nil {
		return nil, err
	}
	if err := repo.PutCAS(ctx, recordTypeCustodyMeta, sealerRecordID, 0, rec); err != nil {
		if errors.Is(err, storage.ErrCASFailed) {
			// Another process stored its salt first.
			return OpenKeySealer(ctx, repo, passphrase, params)
		}
		return nil, fmt.Errorf("storing custody sealer: %w", err)
	}
	return s, nil
}
