package custody

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jmcleod/ironca/pki"
)

var (
	// ErrKeyNotFound is returned when the referenced key does not exist.
	ErrKeyNotFound = errors.New("key not found")

	// ErrKeyNotExportable is returned by GetPrivateKey when the custodian
	// does not allow private key material to leave it.
	ErrKeyNotExportable = errors.New("private key is not exportable")

	// ErrKeyAlreadyRevoked is returned by RevokeKey for a revoked key.
	ErrKeyAlreadyRevoked = errors.New("key already revoked")

	// ErrKeyRevoked is returned when a revoked key is asked to sign.
	ErrKeyRevoked = errors.New("key is revoked")

	// ErrCertificateNotFound is returned when the referenced certificate
	// does not exist.
	ErrCertificateNotFound = errors.New("certificate not found")

	// ErrUnsupportedAlgorithm is returned for unknown key algorithms.
	ErrUnsupportedAlgorithm = errors.New("unsupported key algorithm")

	// ErrNoSigner is returned by Retrying.Signer when the wrapped client
	// cannot sign in place.
	ErrNoSigner = errors.New("custodian cannot sign in place")
)

// StatusError is a non-2xx response from a remote custodian.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("custodian returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("custodian returned %d: %s", e.StatusCode, e.Message)
}

// Error records which custodial operation failed. Mutated is false when
// key material was certainly not touched and true when it may have been,
// in which case an operator has to reconcile the custodian's state.
type Error struct {
	Op      string
	Mutated bool
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("custody %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsMutated reports whether err says key material may have changed.
func IsMutated(err error) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Mutated
}

// IsPermanent reports whether err must not be retried: 4xx responses,
// the sentinel errors of this package, and request-shape errors from the
// encoders.
func IsPermanent(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 400 && se.StatusCode < 500
	}
	for _, target := range []error{
		ErrKeyNotFound,
		ErrKeyNotExportable,
		ErrKeyAlreadyRevoked,
		ErrKeyRevoked,
		ErrCertificateNotFound,
		ErrUnsupportedAlgorithm,
		ErrNoSigner,
		pki.ErrValidation,
		pki.ErrEncoding,
		context.Canceled,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
