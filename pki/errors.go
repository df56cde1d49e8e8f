package pki

import (
	"errors"
	"fmt"
)

// Kind classifies an Error. Each kind has a matching sentinel so callers can
// use errors.Is(err, pki.ErrValidation) and friends.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindStateConflict
	KindNotFound
	KindCustody
	KindEncoding
)

var (
	// ErrValidation is matched by errors raised for bad DNs, SANs, domains,
	// addresses or validity periods. Always raised before any side effect.
	ErrValidation = errors.New("validation failed")

	// ErrStateConflict is matched by errors raised when an operation is not
	// permitted in the entity's current lifecycle state.
	ErrStateConflict = errors.New("state conflict")

	// ErrNotFound is matched when a CA, certificate or CRL does not exist.
	ErrNotFound = errors.New("not found")

	// ErrCustody is matched when the key custody service failed.
	ErrCustody = errors.New("key custody failure")

	// ErrEncoding is matched when PEM or DER input is malformed, or when a
	// structure cannot be encoded.
	ErrEncoding = errors.New("encoding failure")

	// ErrInternal is matched by unexpected failures (storage and the like).
	ErrInternal = errors.New("internal error")
)

// Stable error codes surfaced to API callers.
const (
	CodeInvalidDN               = "INVALID_DN"
	CodeInvalidSAN              = "INVALID_SAN"
	CodeInvalidValidity         = "INVALID_VALIDITY"
	CodeInvalidRequest          = "INVALID_REQUEST"
	CodeCANotFound              = "CA_NOT_FOUND"
	CodeCertNotFound            = "CERT_NOT_FOUND"
	CodeCRLNotFound             = "CRL_NOT_FOUND"
	CodeCAAlreadyRevoked        = "CA_ALREADY_REVOKED"
	CodeCANotActive             = "CA_NOT_ACTIVE"
	CodeCAExpired               = "CA_EXPIRED"
	CodeCANotDeletable          = "CA_NOT_DELETABLE"
	CodeCAHasActiveCertificates = "CA_HAS_ACTIVE_CERTIFICATES"
	CodeCertAlreadyRevoked      = "CERT_ALREADY_REVOKED"
	CodeCertNotDeletable        = "CERT_NOT_DELETABLE"
	CodeKeyReuseExpired         = "KEY_REUSE_EXPIRED"
	CodeInvalidEffectiveDate    = "INVALID_EFFECTIVE_DATE"
	CodeCustodyUnavailable      = "CUSTODY_UNAVAILABLE"
	CodeCustodyPartial          = "CUSTODY_PARTIAL"
	CodeDecodeFailed            = "DECODE_FAILED"
	CodeEncodeFailed            = "ENCODE_FAILED"
	CodeInternal                = "INTERNAL"
)

// Error is the error type returned across the CA engine. Code is stable and
// safe to expose; Message is human readable.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

func (k Kind) sentinel() error {
	switch k {
	case KindValidation:
		return ErrValidation
	case KindStateConflict:
		return ErrStateConflict
	case KindNotFound:
		return ErrNotFound
	case KindCustody:
		return ErrCustody
	case KindEncoding:
		return ErrEncoding
	default:
		return ErrInternal
	}
}

// Errorf builds an Error of the given kind and code.
func Errorf(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error that wraps err.
func Wrap(kind Kind, code string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf returns the stable code carried by err, or CodeInternal.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// KindOf returns the kind carried by err, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func validationErrorf(code, format string, args ...any) *Error {
	return Errorf(KindValidation, code, format, args...)
}

func encodingError(err error, format string, args ...any) *Error {
	return Wrap(KindEncoding, CodeEncodeFailed, err, format, args...)
}

func decodingError(err error, format string, args ...any) *Error {
	return Wrap(KindEncoding, CodeDecodeFailed, err, format, args...)
}
