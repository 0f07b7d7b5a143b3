package layers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/developer-mesh/context-engine/pkg/models"
)

// MutateFunc computes a patch from the current fields. current is empty when
// the record does not exist yet.
type MutateFunc func(current models.Fields) (models.Fields, error)

// RetryConfig bounds UpdateWithRetry
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryConfig returns the retry budget used by the engine
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     5,
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     200 * time.Millisecond,
	}
}

// UpdateWithRetry re-reads and re-applies mutate while writes lose the
// version race. Only version conflicts are retried. When the budget is spent
// the last *models.VersionConflictError is returned wrapped.
func UpdateWithRetry(ctx context.Context, m *Manager, requester models.PrivacyScope, ownerID string, mutate MutateFunc, config RetryConfig) (*models.LayerRecord, error) {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = config.InitialInterval
	b.MaxInterval = config.MaxInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(config.MaxAttempts-1)), ctx)

	var (
		result   *models.LayerRecord
		attempts int
	)
	err := backoff.Retry(func() error {
		attempts++
		current := models.Fields{}
		var version int64

		rec, err := m.Read(ctx, requester, ownerID)
		switch {
		case err == nil:
			current = rec.Fields.Clone()
			version = rec.Version
		case !errors.Is(err, models.ErrNotFound):
			return backoff.Permanent(err)
		}

		patch, err := mutate(current)
		if err != nil {
			return backoff.Permanent(err)
		}

		result, err = m.Write(ctx, requester, ownerID, patch, version)
		if err != nil && !errors.Is(err, models.ErrVersionConflict) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)

	if err != nil {
		if errors.Is(err, models.ErrVersionConflict) {
			return nil, fmt.Errorf("update %s/%s gave up after %d attempts: %w", m.Kind(), ownerID, attempts, err)
		}
		return nil, err
	}
	return result, nil
}
