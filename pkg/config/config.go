// Package config loads the engine configuration from defaults, an optional
// YAML file and CTXENGINE_ environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/developer-mesh/context-engine/pkg/observability"
)

// EnvPrefix is the prefix of environment variable overrides
const EnvPrefix = "CTXENGINE"

// APIConfig defines the HTTP server configuration
type APIConfig struct {
	ListenAddress string        `mapstructure:"listen_address" validate:"required"`
	JWTSecret     string        `mapstructure:"jwt_secret"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout" validate:"gt=0"`
	// RateLimit is requests per second per client; 0 disables limiting
	RateLimit float64 `mapstructure:"rate_limit" validate:"gte=0"`
	RateBurst int     `mapstructure:"rate_burst" validate:"gte=0"`
}

// TierTTLConfig holds the lifetime of an entry in each cache tier
type TierTTLConfig struct {
	Hot  time.Duration `mapstructure:"hot" validate:"gt=0"`
	Warm time.Duration `mapstructure:"warm" validate:"gt=0"`
	Cold time.Duration `mapstructure:"cold" validate:"gt=0"`
}

// RedisConfig locates the Redis cold tier
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"min=0"`
	Prefix   string `mapstructure:"prefix"`
}

// SQLiteConfig locates an embedded database file
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// ColdConfig selects the durable cache tier
type ColdConfig struct {
	Backend string        `mapstructure:"backend" validate:"oneof=none redis sqlite"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
	Redis   RedisConfig   `mapstructure:"redis"`
	SQLite  SQLiteConfig  `mapstructure:"sqlite"`
}

// CacheConfig is the tiered retrieval cache policy
type CacheConfig struct {
	TierTTL              TierTTLConfig `mapstructure:"tier_ttl"`
	SimilarityThreshold  float64       `mapstructure:"similarity_threshold" validate:"gt=0,lte=1"`
	PromotionAccessCount int           `mapstructure:"promotion_access_count" validate:"min=1"`
	DemotionIdleFraction float64       `mapstructure:"demotion_idle_fraction" validate:"gt=0,lte=1"`
	CandidateLimit       int           `mapstructure:"candidate_limit" validate:"min=1"`
	SweepInterval        time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`
	InitialTier          string        `mapstructure:"initial_tier" validate:"oneof=hot warm cold"`
	PromotionQueueSize   int           `mapstructure:"promotion_queue_size" validate:"min=1"`
	Cold                 ColdConfig    `mapstructure:"cold"`
}

// ResolverConfig configures context resolution
type ResolverConfig struct {
	ResolutionTimeoutMS int           `mapstructure:"resolution_timeout_ms" validate:"min=1"`
	ResultCacheSize     int           `mapstructure:"result_cache_size" validate:"min=-1"`
	ResultCacheTTL      time.Duration `mapstructure:"result_cache_ttl" validate:"gt=0"`
}

// ResolutionTimeout returns the per-layer budget as a duration
func (c ResolverConfig) ResolutionTimeout() time.Duration {
	return time.Duration(c.ResolutionTimeoutMS) * time.Millisecond
}

// PostgresConfig holds the database connection settings
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"min=1"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// StorageConfig selects where layer records, history and memberships live
type StorageConfig struct {
	Backend  string         `mapstructure:"backend" validate:"oneof=memory postgres sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
}

// EmbedderConfig locates the embedding provider
type EmbedderConfig struct {
	URL       string `mapstructure:"url"`
	Model     string `mapstructure:"model"`
	APIKey    string `mapstructure:"api_key"`
	Dimension int    `mapstructure:"dimension" validate:"min=1"`
}

// RetrievalConfig configures the semantic store behind the cache
type RetrievalConfig struct {
	Backend  string         `mapstructure:"backend" validate:"oneof=none memory pgvector"`
	StoreQPS float64        `mapstructure:"store_qps" validate:"gt=0"`
	TopK     int            `mapstructure:"top_k" validate:"min=1"`
	Timeout  time.Duration  `mapstructure:"timeout" validate:"gt=0"`
	Embedder EmbedderConfig `mapstructure:"embedder"`
}

// Config holds the complete engine configuration
type Config struct {
	Environment        string                      `mapstructure:"environment" validate:"oneof=dev development test staging prod production"`
	API                APIConfig                   `mapstructure:"api"`
	Cache              CacheConfig                 `mapstructure:"cache"`
	Resolver           ResolverConfig              `mapstructure:"resolver"`
	Storage            StorageConfig               `mapstructure:"storage"`
	Retrieval          RetrievalConfig             `mapstructure:"retrieval"`
	Logging            observability.LoggingConfig `mapstructure:"logging"`
	Tracing            observability.TracingConfig `mapstructure:"tracing"`
	SystemDefaultsFile string                      `mapstructure:"system_defaults_file"`
}

// Load reads configuration from path, or from $CTXENGINE_CONFIG_FILE when path
// is empty. A missing file is only an error when path was given explicitly.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	explicit := path != ""
	if !explicit {
		path = os.Getenv(EnvPrefix + "_CONFIG_FILE")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.AllowEmptyEnv(true)

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			if explicit || !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		} else {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	processEnvExpansion(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Default returns the configuration with every default applied
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var config Config
	// defaults always decode
	_ = v.Unmarshal(&config)
	return &config
}

var validate = validator.New()

// Validate checks field constraints and backend-specific requirements
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	var problems []string
	if c.Cache.Cold.Backend == "redis" && c.Cache.Cold.Redis.Address == "" {
		problems = append(problems, "cache.cold.redis.address is required for the redis cold tier")
	}
	if c.Cache.Cold.Backend == "sqlite" && c.Cache.Cold.SQLite.Path == "" {
		problems = append(problems, "cache.cold.sqlite.path is required for the sqlite cold tier")
	}
	if c.Cache.Cold.Backend == "none" && c.Cache.InitialTier == "cold" {
		problems = append(problems, "cache.initial_tier cannot be cold without a cold backend")
	}
	if c.Storage.Backend == "postgres" && c.Storage.Postgres.DSN == "" {
		problems = append(problems, "storage.postgres.dsn is required for the postgres backend")
	}
	if c.Storage.Backend == "sqlite" && c.Storage.SQLite.Path == "" {
		problems = append(problems, "storage.sqlite.path is required for the sqlite backend")
	}
	if c.Retrieval.Backend == "pgvector" && c.Storage.Postgres.DSN == "" {
		problems = append(problems, "storage.postgres.dsn is required for the pgvector retrieval backend")
	}
	if c.Retrieval.Backend != "none" && c.Retrieval.Embedder.URL == "" {
		problems = append(problems, "retrieval.embedder.url is required when retrieval is enabled")
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		problems = append(problems, "tracing.endpoint is required when tracing is enabled")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return c.Environment == "prod" || c.Environment == "production"
}

// processEnvExpansion expands ${VAR} and ${VAR:-default} in string values
func processEnvExpansion(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		value, ok := v.Get(key).(string)
		if !ok || !strings.Contains(value, "${") {
			continue
		}
		if expanded := expandEnvVars(value); expanded != value {
			v.Set(key, expanded)
		}
	}
}

func expandEnvVars(value string) string {
	result := value
	for {
		start := strings.Index(result, "${")
		if start == -1 {
			break
		}
		offset := strings.Index(result[start:], "}")
		if offset == -1 {
			break
		}
		end := start + offset

		varRef := result[start+2 : end]
		envVar, defaultVal, _ := strings.Cut(varRef, ":-")
		envVal := os.Getenv(envVar)
		if envVal == "" {
			envVal = defaultVal
		}
		result = result[:start] + envVal + result[end+1:]
	}
	return result
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "dev")

	v.SetDefault("api.listen_address", ":8080")
	v.SetDefault("api.jwt_secret", "")
	v.SetDefault("api.read_timeout", 30*time.Second)
	v.SetDefault("api.write_timeout", 30*time.Second)
	v.SetDefault("api.idle_timeout", 90*time.Second)
	v.SetDefault("api.rate_limit", 100.0)
	v.SetDefault("api.rate_burst", 200)

	v.SetDefault("cache.tier_ttl.hot", time.Hour)
	v.SetDefault("cache.tier_ttl.warm", 6*time.Hour)
	v.SetDefault("cache.tier_ttl.cold", 24*time.Hour)
	v.SetDefault("cache.similarity_threshold", 0.95)
	v.SetDefault("cache.promotion_access_count", 5)
	v.SetDefault("cache.demotion_idle_fraction", 0.5)
	v.SetDefault("cache.candidate_limit", 200)
	v.SetDefault("cache.sweep_interval", time.Minute)
	v.SetDefault("cache.initial_tier", "warm")
	v.SetDefault("cache.promotion_queue_size", 1024)
	v.SetDefault("cache.cold.backend", "none")
	v.SetDefault("cache.cold.timeout", 200*time.Millisecond)
	v.SetDefault("cache.cold.redis.address", "")
	v.SetDefault("cache.cold.redis.password", "")
	v.SetDefault("cache.cold.redis.db", 0)
	v.SetDefault("cache.cold.redis.prefix", "ctxengine:cold:")
	v.SetDefault("cache.cold.sqlite.path", "")

	v.SetDefault("resolver.resolution_timeout_ms", 200)
	v.SetDefault("resolver.result_cache_size", 1024)
	v.SetDefault("resolver.result_cache_ttl", 30*time.Second)

	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.max_open_conns", 25)
	v.SetDefault("storage.postgres.max_idle_conns", 5)
	v.SetDefault("storage.postgres.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("storage.sqlite.path", "")

	v.SetDefault("retrieval.backend", "none")
	v.SetDefault("retrieval.store_qps", 50)
	v.SetDefault("retrieval.top_k", 5)
	v.SetDefault("retrieval.timeout", 200*time.Millisecond)
	v.SetDefault("retrieval.embedder.url", "")
	v.SetDefault("retrieval.embedder.model", "")
	v.SetDefault("retrieval.embedder.api_key", "")
	v.SetDefault("retrieval.embedder.dimension", 768)

	v.SetDefault("system_defaults_file", "")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "context-engine")
	v.SetDefault("tracing.environment", "")
	v.SetDefault("tracing.endpoint", "localhost:4317")
	v.SetDefault("tracing.sample_ratio", 1.0)
}
