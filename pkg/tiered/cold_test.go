package tiered

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/context-engine/pkg/models"
)

func coldBackends(t *testing.T) map[string]ColdStore {
	redisStore, _ := setupRedisCold(t)
	sqliteStore, err := OpenSQLiteColdStore(filepath.Join(t.TempDir(), "cold.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqliteStore.Close() })
	return map[string]ColdStore{"redis": redisStore, "sqlite": sqliteStore}
}

func TestColdStore_Contract(t *testing.T) {
	for name, store := range coldBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Millisecond)
			scope := models.Scope(models.OwnerIndividual, "alice")

			missing, err := store.Get(ctx, "nope")
			require.NoError(t, err)
			assert.Nil(t, missing)

			for i, key := range []string{"old", "mid", "new"} {
				require.NoError(t, store.Put(ctx, &Entry{
					Key:            key,
					Payload:        []byte(key),
					Embedding:      []float32{1, 0},
					Scope:          scope,
					CreatedAt:      now,
					LastAccessedAt: now.Add(time.Duration(i) * time.Minute),
					ExpiresAt:      now.Add(time.Hour),
					AccessCount:    i,
				}))
			}

			got, err := store.Get(ctx, "mid")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, "mid", string(got.Payload))
			assert.Equal(t, TierCold, got.Tier)
			assert.Equal(t, 1, got.AccessCount)
			assert.Equal(t, scope, got.Scope)

			recent, err := store.Recent(ctx, 2)
			require.NoError(t, err)
			require.Len(t, recent, 2)
			assert.Equal(t, "new", recent[0].Key)
			assert.Equal(t, "mid", recent[1].Key)

			n, err := store.Len(ctx)
			require.NoError(t, err)
			assert.Equal(t, 3, n)

			// "old" is idle before the cutoff
			swept, err := store.Sweep(ctx, now, now.Add(30*time.Second))
			require.NoError(t, err)
			assert.Equal(t, 1, swept)

			// everything is expired an hour later
			swept, err = store.Sweep(ctx, now.Add(time.Hour), now)
			require.NoError(t, err)
			assert.Equal(t, 2, swept)

			n, err = store.Len(ctx)
			require.NoError(t, err)
			assert.Equal(t, 0, n)

			require.NoError(t, store.Delete(ctx, "never-existed"))
		})
	}
}

func TestCodec_CompressesLargeEntries(t *testing.T) {
	entry := &Entry{
		Key:       "k",
		Payload:   bytes.Repeat([]byte("pattern "), 512),
		Scope:     models.PublicScope(),
		ExpiresAt: time.Now().Add(time.Hour).UTC(),
	}
	data, err := encodeEntry(entry)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, gzipMagic))

	decoded, err := decodeEntry(data)
	require.NoError(t, err)
	assert.Equal(t, entry.Payload, decoded.Payload)

	_, err = decodeEntry([]byte(`{"key":""}`))
	assert.ErrorIs(t, err, models.ErrCorruptEntry)
	_, err = decodeEntry(append([]byte{}, gzipMagic...))
	assert.ErrorIs(t, err, models.ErrCorruptEntry)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, cosineSimilarity([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.InDelta(t, 0.96, cosineSimilarity([]float32{1, 0}, unitVector(0.96)), 1e-6)
	assert.Equal(t, 0.0, cosineSimilarity([]float32{0, 0}, []float32{1, 0}))
	assert.Equal(t, 0.0, cosineSimilarity([]float32{1}, []float32{1, 0}))
}
