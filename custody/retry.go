package custody

import (
	"context"
	"crypto"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/jmcleod/ironca/pki"
)

// RetryConfig bounds how a Retrying client retries.
type RetryConfig struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	// BaseDelay is multiplied by the attempt number between tries.
	BaseDelay time.Duration
	// Timeout is the deadline applied to each attempt.
	Timeout time.Duration
}

// DefaultRetryConfig returns 3 attempts, a 500ms base delay and a 10s
// per-attempt timeout.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{Attempts: 3, BaseDelay: 500 * time.Millisecond, Timeout: 10 * time.Second}
}

func (c RetryConfig) withDefaults() RetryConfig {
	d := DefaultRetryConfig()
	if c.Attempts <= 0 {
		c.Attempts = d.Attempts
	}
	if c.BaseDelay < 0 {
		c.BaseDelay = 0
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	return c
}

// linearBackOff waits n*base before the n-th retry.
type linearBackOff struct {
	base time.Duration
	n    int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return time.Duration(b.n) * b.base
}

func (b *linearBackOff) Reset() { b.n = 0 }

// Retrying wraps a Client, retrying transient failures. Permanent errors
// (see IsPermanent) are returned after the first attempt. Every error it
// returns is a *Error.
type Retrying struct {
	next   Client
	cfg    RetryConfig
	logger *slog.Logger
}

var (
	_ Client       = (*Retrying)(nil)
	_ SignerSource = (*Retrying)(nil)
)

// NewRetrying wraps next. A nil logger uses slog.Default().
func NewRetrying(next Client, cfg RetryConfig, logger *slog.Logger) *Retrying {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrying{next: next, cfg: cfg.withDefaults(), logger: logger}
}

func retry[T any](ctx context.Context, r *Retrying, op string, mutates bool, fn func(context.Context) (T, error)) (T, error) {
	attempt := 0
	res, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		actx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
		v, err := fn(actx)
		if err == nil {
			return v, nil
		}
		if IsPermanent(err) || ctx.Err() != nil {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(&linearBackOff{base: r.cfg.BaseDelay}),
		backoff.WithMaxTries(uint(r.cfg.Attempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			r.logger.Warn("custody call failed, retrying",
				"op", op, "attempt", attempt, "wait", wait, "error", err)
		}),
	)
	if err != nil {
		return res, &Error{Op: op, Mutated: mutates, Err: err}
	}
	return res, nil
}

func (r *Retrying) CreateKeyPair(ctx context.Context, alg pki.KeyAlgorithm, tags map[string]string) (KeyPair, error) {
	return retry(ctx, r, "createKeyPair", false, func(ctx context.Context) (KeyPair, error) {
		return r.next.CreateKeyPair(ctx, alg, tags)
	})
}

func (r *Retrying) Certify(ctx context.Context, req CertifyRequest) (Certified, error) {
	return retry(ctx, r, "certify", false, func(ctx context.Context) (Certified, error) {
		return r.next.Certify(ctx, req)
	})
}

func (r *Retrying) GetCertificate(ctx context.Context, certificateID string) (string, error) {
	return retry(ctx, r, "getCertificate", false, func(ctx context.Context) (string, error) {
		return r.next.GetCertificate(ctx, certificateID)
	})
}

func (r *Retrying) GetPublicKey(ctx context.Context, keyID string) (string, error) {
	return retry(ctx, r, "getPublicKey", false, func(ctx context.Context) (string, error) {
		return r.next.GetPublicKey(ctx, keyID)
	})
}

func (r *Retrying) GetPrivateKey(ctx context.Context, keyID string) (string, error) {
	return retry(ctx, r, "getPrivateKey", false, func(ctx context.Context) (string, error) {
		return r.next.GetPrivateKey(ctx, keyID)
	})
}

func (r *Retrying) RevokeKey(ctx context.Context, keyID, reason string) error {
	_, err := retry(ctx, r, "revokeKey", true, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.next.RevokeKey(ctx, keyID, reason)
	})
	return err
}

func (r *Retrying) DestroyKey(ctx context.Context, keyID string) error {
	_, err := retry(ctx, r, "destroyKey", true, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.next.DestroyKey(ctx, keyID)
	})
	return err
}

// Signer forwards to the wrapped client when it is a SignerSource and
// returns ErrNoSigner otherwise.
func (r *Retrying) Signer(ctx context.Context, privateKeyID string) (crypto.Signer, error) {
	src, ok := r.next.(SignerSource)
	if !ok {
		return nil, &Error{Op: "signer", Err: ErrNoSigner}
	}
	return retry(ctx, r, "signer", false, func(ctx context.Context) (crypto.Signer, error) {
		return src.Signer(ctx, privateKeyID)
	})
}
