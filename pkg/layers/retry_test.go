package layers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/context-engine/pkg/models"
	"github.com/developer-mesh/context-engine/pkg/privacy"
	"github.com/developer-mesh/context-engine/pkg/storage"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{MaxAttempts: attempts, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}
}

func TestUpdateWithRetry_ConcurrentIncrements(t *testing.T) {
	env := setupTestLayers(t)
	m := env.manager(t, models.LayerIndividual)
	ctx := context.Background()
	u := individual("u-1")

	increment := func(current models.Fields) (models.Fields, error) {
		n, _ := current["coverageTarget"].Int64()
		return models.Fields{"coverageTarget": models.Int(n + 1)}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := UpdateWithRetry(ctx, m, u, "u-1", increment, fastRetry(50))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rec, err := m.Read(ctx, u, "u-1")
	require.NoError(t, err)
	n, _ := rec.Fields["coverageTarget"].Int64()
	assert.Equal(t, int64(10), n)
	assert.Equal(t, int64(10), rec.Version)
}

// conflictingStore loses every write race
type conflictingStore struct {
	storage.VersionedStore
	puts int
}

func (s *conflictingStore) Put(ctx context.Context, rec storage.Record, expectedVersion int64) (*storage.Record, error) {
	s.puts++
	return nil, &models.VersionConflictError{Key: rec.Key.String(), Expected: expectedVersion, Actual: expectedVersion + 1}
}

func TestUpdateWithRetry_BudgetExhausted(t *testing.T) {
	store := &conflictingStore{VersionedStore: storage.NewMemoryStore()}
	m, err := NewManager(models.LayerIndividual, Options{Store: store, Guard: privacy.NewGuard(nil, nil)})
	require.NoError(t, err)

	_, err = UpdateWithRetry(context.Background(), m, individual("u-1"), "u-1", func(models.Fields) (models.Fields, error) {
		return models.Fields{"indent": models.String("tab")}, nil
	}, fastRetry(3))

	var conflict *models.VersionConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, 3, store.puts)
}

func TestUpdateWithRetry_PrivacyViolationNotRetried(t *testing.T) {
	env := setupTestLayers(t)
	m := env.manager(t, models.LayerIndividual)
	calls := 0

	_, err := UpdateWithRetry(context.Background(), m, individual("mallory"), "u-1", func(models.Fields) (models.Fields, error) {
		calls++
		return models.Fields{"indent": models.String("tab")}, nil
	}, fastRetry(5))

	assert.ErrorIs(t, err, models.ErrPrivacyViolation)
	assert.Equal(t, 1, calls)
}
