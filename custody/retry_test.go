package custody_test

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmcleod/ironca/custody"
	"github.com/jmcleod/ironca/pki"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyClient returns err from CreateKeyPair and DestroyKey until it has
// been called more than failures times. With block set, CreateKeyPair
// waits for its context instead.
type flakyClient struct {
	custody.Client
	failures int32
	err      error
	calls    atomic.Int32
	block    bool
}

func (f *flakyClient) CreateKeyPair(ctx context.Context, alg pki.KeyAlgorithm, tags map[string]string) (custody.KeyPair, error) {
	n := f.calls.Add(1)
	if f.block {
		<-ctx.Done()
		return custody.KeyPair{}, ctx.Err()
	}
	if n <= f.failures {
		return custody.KeyPair{}, f.err
	}
	return custody.KeyPair{PrivateKeyID: "priv", PublicKeyID: "pub"}, nil
}

func (f *flakyClient) DestroyKey(ctx context.Context, keyID string) error {
	n := f.calls.Add(1)
	if n <= f.failures {
		return f.err
	}
	return nil
}

func fastRetry() custody.RetryConfig {
	return custody.RetryConfig{Attempts: 3, BaseDelay: time.Millisecond, Timeout: time.Second}
}

func TestRetrying_RecoversFromTransientFailures(t *testing.T) {
	f := &flakyClient{failures: 2, err: &custody.StatusError{StatusCode: http.StatusServiceUnavailable}}
	r := custody.NewRetrying(f, fastRetry(), nil)

	kp, err := r.CreateKeyPair(t.Context(), pki.KeyECDSAP256, nil)
	require.NoError(t, err)
	assert.Equal(t, "priv", kp.PrivateKeyID)
	assert.Equal(t, int32(3), f.calls.Load())
}

func TestRetrying_GivesUpAfterAttempts(t *testing.T) {
	f := &flakyClient{failures: 10, err: errors.New("connection reset")}
	r := custody.NewRetrying(f, fastRetry(), nil)

	_, err := r.CreateKeyPair(t.Context(), pki.KeyECDSAP256, nil)
	require.Error(t, err)
	assert.Equal(t, int32(3), f.calls.Load())

	var ce *custody.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "createKeyPair", ce.Op)
	assert.False(t, ce.Mutated)
	assert.False(t, custody.IsMutated(err))
}

func TestRetrying_DoesNotRetryClientErrors(t *testing.T) {
	f := &flakyClient{failures: 10, err: &custody.StatusError{StatusCode: http.StatusBadRequest, Message: "bad algorithm"}}
	r := custody.NewRetrying(f, fastRetry(), nil)

	_, err := r.CreateKeyPair(t.Context(), pki.KeyECDSAP256, nil)
	var se *custody.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestRetrying_DoesNotRetrySentinels(t *testing.T) {
	f := &flakyClient{failures: 10, err: custody.ErrKeyNotFound}
	r := custody.NewRetrying(f, fastRetry(), nil)

	err := r.DestroyKey(t.Context(), "gone")
	assert.ErrorIs(t, err, custody.ErrKeyNotFound)
	assert.True(t, custody.IsMutated(err))
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestRetrying_PerAttemptTimeout(t *testing.T) {
	f := &flakyClient{block: true}
	r := custody.NewRetrying(f, custody.RetryConfig{Attempts: 2, BaseDelay: time.Millisecond, Timeout: 20 * time.Millisecond}, nil)

	start := time.Now()
	_, err := r.CreateKeyPair(t.Context(), pki.KeyECDSAP256, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(2), f.calls.Load())
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRetrying_Signer(t *testing.T) {
	r := custody.NewRetrying(&flakyClient{}, fastRetry(), nil)
	_, err := r.Signer(t.Context(), "priv")
	assert.ErrorIs(t, err, custody.ErrNoSigner)

	l := newLocal(t)
	kp, err := l.CreateKeyPair(t.Context(), pki.KeyECDSAP256, nil)
	require.NoError(t, err)
	r = custody.NewRetrying(l, fastRetry(), nil)
	s, err := r.Signer(t.Context(), kp.PrivateKeyID)
	require.NoError(t, err)
	assert.NotNil(t, s.Public())
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, custody.IsPermanent(&custody.StatusError{StatusCode: 404}))
	assert.True(t, custody.IsPermanent(&custody.StatusError{StatusCode: 409}))
	assert.False(t, custody.IsPermanent(&custody.StatusError{StatusCode: 500}))
	assert.False(t, custody.IsPermanent(&custody.StatusError{StatusCode: 503}))
	assert.True(t, custody.IsPermanent(custody.ErrKeyAlreadyRevoked))
	assert.True(t, custody.IsPermanent(pki.Errorf(pki.KindValidation, pki.CodeInvalidDN, "bad")))
	assert.False(t, custody.IsPermanent(errors.New("timeout")))
}
