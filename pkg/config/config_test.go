package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetDefaults(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	assert.Equal(t, ":8080", v.GetString("api.listen_address"))
	assert.Equal(t, time.Hour, v.GetDuration("cache.tier_ttl.hot"))
	assert.Equal(t, 6*time.Hour, v.GetDuration("cache.tier_ttl.warm"))
	assert.Equal(t, 24*time.Hour, v.GetDuration("cache.tier_ttl.cold"))
	assert.Equal(t, 0.95, v.GetFloat64("cache.similarity_threshold"))
	assert.Equal(t, 5, v.GetInt("cache.promotion_access_count"))
	assert.Equal(t, 0.5, v.GetFloat64("cache.demotion_idle_fraction"))
	assert.Equal(t, 200, v.GetInt("resolver.resolution_timeout_ms"))
	assert.Equal(t, "memory", v.GetString("storage.backend"))
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv(EnvPrefix+"_CONFIG_FILE", "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "warm", cfg.Cache.InitialTier)
	assert.Equal(t, "none", cfg.Cache.Cold.Backend)
	assert.Equal(t, 200*time.Millisecond, cfg.Resolver.ResolutionTimeout())
	assert.Equal(t, 1024, cfg.Resolver.ResultCacheSize)
	assert.Equal(t, 768, cfg.Retrieval.Embedder.Dimension)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.Tracing.Enabled)
	assert.Equal(t, "localhost:4317", cfg.Tracing.Endpoint)
	assert.Equal(t, 1.0, cfg.Tracing.SampleRatio)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
cache:
  tier_ttl:
    hot: 10m
  similarity_threshold: 0.9
  cold:
    backend: redis
    redis:
      address: ${TEST_CTX_REDIS:-localhost:6379}
storage:
  backend: sqlite
  sqlite:
    path: ${TEST_CTX_DATA_DIR}/layers.db
`), 0o600))

	t.Setenv("TEST_CTX_DATA_DIR", "/var/lib/ctx")
	t.Setenv(EnvPrefix+"_CACHE_PROMOTION_ACCESS_COUNT", "3")
	t.Setenv(EnvPrefix+"_API_LISTEN_ADDRESS", ":9090")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, cfg.Cache.TierTTL.Hot)
	assert.Equal(t, 6*time.Hour, cfg.Cache.TierTTL.Warm)
	assert.Equal(t, 0.9, cfg.Cache.SimilarityThreshold)
	assert.Equal(t, "localhost:6379", cfg.Cache.Cold.Redis.Address)
	assert.Equal(t, "/var/lib/ctx/layers.db", cfg.Storage.SQLite.Path)
	assert.Equal(t, 3, cfg.Cache.PromotionAccessCount)
	assert.Equal(t, ":9090", cfg.API.ListenAddress)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoad_MissingEnvFileIgnored(t *testing.T) {
	t.Setenv(EnvPrefix+"_CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := Load("")
	assert.NoError(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"threshold above one", func(c *Config) { c.Cache.SimilarityThreshold = 1.5 }},
		{"zero hot ttl", func(c *Config) { c.Cache.TierTTL.Hot = 0 }},
		{"unknown tier", func(c *Config) { c.Cache.InitialTier = "lukewarm" }},
		{"unknown cold backend", func(c *Config) { c.Cache.Cold.Backend = "memcached" }},
		{"redis without address", func(c *Config) { c.Cache.Cold.Backend = "redis" }},
		{"sqlite cold without path", func(c *Config) { c.Cache.Cold.Backend = "sqlite" }},
		{"cold initial tier without cold", func(c *Config) { c.Cache.InitialTier = "cold" }},
		{"postgres without dsn", func(c *Config) { c.Storage.Backend = "postgres" }},
		{"pgvector without dsn", func(c *Config) {
			c.Retrieval.Backend = "pgvector"
			c.Retrieval.Embedder.URL = "http://embedder"
		}},
		{"retrieval without embedder", func(c *Config) { c.Retrieval.Backend = "memory" }},
		{"zero promotion count", func(c *Config) { c.Cache.PromotionAccessCount = 0 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"tracing without endpoint", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Endpoint = ""
		}},
		{"sample ratio above one", func(c *Config) { c.Tracing.SampleRatio = 1.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			require.NoError(t, cfg.Validate())
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TEST_CTX_SET", "value")

	assert.Equal(t, "value", expandEnvVars("${TEST_CTX_SET}"))
	assert.Equal(t, "fallback", expandEnvVars("${TEST_CTX_UNSET:-fallback}"))
	assert.Equal(t, "a-value-b", expandEnvVars("a-${TEST_CTX_SET:-x}-b"))
	assert.Equal(t, "", expandEnvVars("${TEST_CTX_UNSET}"))
	assert.Equal(t, "${unterminated", expandEnvVars("${unterminated"))
}
