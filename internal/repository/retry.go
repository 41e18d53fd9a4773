package repository

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/zanzrukiav/SearchServices/internal/models"
)

// RetryConfig configures retry behavior for transient errors.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	JitterFraction float64 // 0.0 to 1.0
}

// DefaultRetryConfig returns sensible retry defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		JitterFraction: 0.25,
	}
}

// Backoff computes the delay before retry number attempt (zero based):
// initial * 2^attempt, capped at max, with +/- jitter.
func Backoff(initial, max time.Duration, jitterFraction float64, attempt int) time.Duration {
	base := float64(initial) * math.Pow(2, float64(attempt))
	if base > float64(max) {
		base = float64(max)
	}
	jitter := base * jitterFraction * (rand.Float64()*2 - 1)
	d := time.Duration(base + jitter)
	if d < 0 {
		d = 0
	}
	return d
}

// RetryClient wraps a RepositoryClient with automatic retry on transient errors.
type RetryClient struct {
	inner  RepositoryClient
	config *RetryConfig
}

var _ RepositoryClient = (*RetryClient)(nil)

// NewRetryClient creates a RetryClient that wraps the given RepositoryClient.
func NewRetryClient(inner RepositoryClient, cfg *RetryConfig) *RetryClient {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}
	return &RetryClient{inner: inner, config: cfg}
}

// IsTransient returns true for errors that are worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) {
		return false
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Status >= 500 || re.Status == http.StatusTooManyRequests
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true // network errors are transient
}

func (rc *RetryClient) backoff(attempt int) time.Duration {
	return Backoff(rc.config.InitialBackoff, rc.config.MaxBackoff, rc.config.JitterFraction, attempt)
}

// sleep waits for the given duration or until the context is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retry executes fn with retry logic. Only retries transient errors.
func (rc *RetryClient) retry(ctx context.Context, operation string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= rc.config.MaxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) {
			return lastErr
		}
		if attempt < rc.config.MaxRetries {
			if err := sleep(ctx, rc.backoff(attempt)); err != nil {
				return fmt.Errorf("%s: %w (retry cancelled)", operation, lastErr)
			}
		}
	}
	return fmt.Errorf("%s: %w (after %d retries)", operation, lastErr, rc.config.MaxRetries)
}

func (rc *RetryClient) GetTransactions(ctx context.Context, sinceID int64, maxResults int) (txns []models.Transaction, err error) {
	err = rc.retry(ctx, "get transactions", func() error {
		txns, err = rc.inner.GetTransactions(ctx, sinceID, maxResults)
		return err
	})
	return
}

func (rc *RetryClient) GetAclChangeSets(ctx context.Context, sinceID int64, maxResults int) (sets []models.AclChangeSet, err error) {
	err = rc.retry(ctx, "get acl change sets", func() error {
		sets, err = rc.inner.GetAclChangeSets(ctx, sinceID, maxResults)
		return err
	})
	return
}

func (rc *RetryClient) GetNodes(ctx context.Context, txnID int64) (nodes []models.Node, err error) {
	err = rc.retry(ctx, "get nodes", func() error {
		nodes, err = rc.inner.GetNodes(ctx, txnID)
		return err
	})
	return
}

func (rc *RetryClient) GetNodeMetadata(ctx context.Context, dbID int64) (md *models.NodeMetadata, err error) {
	err = rc.retry(ctx, "get node metadata", func() error {
		md, err = rc.inner.GetNodeMetadata(ctx, dbID)
		return err
	})
	return
}

func (rc *RetryClient) GetNodePaths(ctx context.Context, dbIDs []int64) (paths []models.NodePaths, err error) {
	err = rc.retry(ctx, "get node paths", func() error {
		paths, err = rc.inner.GetNodePaths(ctx, dbIDs)
		return err
	})
	return
}

func (rc *RetryClient) GetUncleanContentDocs(ctx context.Context, offset, limit int) (nodes []models.Node, err error) {
	err = rc.retry(ctx, "get unclean content", func() error {
		nodes, err = rc.inner.GetUncleanContentDocs(ctx, offset, limit)
		return err
	})
	return
}

func (rc *RetryClient) GetContent(ctx context.Context, dbID int64) (content *models.Content, err error) {
	err = rc.retry(ctx, "get content", func() error {
		content, err = rc.inner.GetContent(ctx, dbID)
		return err
	})
	return
}

func (rc *RetryClient) GetAcls(ctx context.Context, changeSetID int64) (acls []models.Acl, err error) {
	err = rc.retry(ctx, "get acls", func() error {
		acls, err = rc.inner.GetAcls(ctx, changeSetID)
		return err
	})
	return
}

func (rc *RetryClient) GetModelsDiff(ctx context.Context, known []models.ModelChecksum) (diffs []models.ModelDiff, err error) {
	err = rc.retry(ctx, "get models diff", func() error {
		diffs, err = rc.inner.GetModelsDiff(ctx, known)
		return err
	})
	return
}

func (rc *RetryClient) GetModel(ctx context.Context, name string) (m *models.Model, err error) {
	err = rc.retry(ctx, "get model", func() error {
		m, err = rc.inner.GetModel(ctx, name)
		return err
	})
	return
}
