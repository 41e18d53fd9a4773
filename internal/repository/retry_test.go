package repository

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zanzrukiav/SearchServices/internal/models"
)

func TestIsTransient_NilError(t *testing.T) {
	assert.False(t, IsTransient(nil))
}

func TestIsTransient_ServerError(t *testing.T) {
	err := &RemoteError{Status: 500, Code: "internal_error", Message: "server error"}
	assert.True(t, IsTransient(err))
}

func TestIsTransient_TooManyRequests(t *testing.T) {
	err := &RemoteError{Status: http.StatusTooManyRequests, Code: "rate_limited", Message: "too many"}
	assert.True(t, IsTransient(err))
}

func TestIsTransient_ClientError(t *testing.T) {
	err := &RemoteError{Status: 400, Code: "bad_request", Message: "bad"}
	assert.False(t, IsTransient(err))
}

func TestIsTransient_NotFound(t *testing.T) {
	assert.False(t, IsTransient(ErrNotFound))
}

func TestIsTransient_ContextErrors(t *testing.T) {
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(context.DeadlineExceeded))
}

func TestIsTransient_NetworkError(t *testing.T) {
	assert.True(t, IsTransient(errors.New("connection refused")))
}

func TestRetryClient_Backoff(t *testing.T) {
	rc := NewRetryClient(nil, &RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		JitterFraction: 0.0,
	})

	assert.Equal(t, 100*time.Millisecond, rc.backoff(0))
	assert.Equal(t, 200*time.Millisecond, rc.backoff(1))
	assert.Equal(t, 400*time.Millisecond, rc.backoff(2))
}

func TestRetryClient_BackoffCapped(t *testing.T) {
	rc := NewRetryClient(nil, &RetryConfig{
		MaxRetries:     10,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     5 * time.Second,
		JitterFraction: 0.0,
	})

	assert.Equal(t, 5*time.Second, rc.backoff(5))
}

func TestBackoff_JitterBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := Backoff(time.Second, time.Minute, 0.5, 0)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, 1500*time.Millisecond)
	}
}

// flaky fails the first n calls of GetTransactions with err.
type flaky struct {
	RepositoryClient
	n     int
	err   error
	calls int
}

func (f *flaky) GetTransactions(ctx context.Context, sinceID int64, maxResults int) ([]models.Transaction, error) {
	f.calls++
	if f.calls <= f.n {
		return nil, f.err
	}
	return []models.Transaction{{ID: sinceID + 1}}, nil
}

func fastRetry() *RetryConfig {
	return &RetryConfig{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func TestRetryClient_RetriesTransient(t *testing.T) {
	inner := &flaky{n: 2, err: &RemoteError{Status: 503}}
	rc := NewRetryClient(inner, fastRetry())

	txns, err := rc.GetTransactions(context.Background(), 4, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(5), txns[0].ID)
	assert.Equal(t, 3, inner.calls)
}

func TestRetryClient_NoRetryOnPermanent(t *testing.T) {
	inner := &flaky{n: 5, err: &RemoteError{Status: 403}}
	rc := NewRetryClient(inner, fastRetry())

	_, err := rc.GetTransactions(context.Background(), 0, 10)
	require.Error(t, err)
	assert.Equal(t, 1, inner.calls)
}

func TestRetryClient_GivesUp(t *testing.T) {
	inner := &flaky{n: 10, err: errors.New("connection reset")}
	rc := NewRetryClient(inner, fastRetry())

	_, err := rc.GetTransactions(context.Background(), 0, 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 retries")
	assert.Equal(t, 4, inner.calls)
}

func TestRetryClient_Cancelled(t *testing.T) {
	inner := &flaky{n: 10, err: errors.New("connection reset")}
	rc := NewRetryClient(inner, &RetryConfig{MaxRetries: 3, InitialBackoff: time.Hour, MaxBackoff: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := rc.GetTransactions(ctx, 0, 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry cancelled")
	assert.Equal(t, 1, inner.calls)
}
