// Package config loads and validates the recall service configuration
// from file and environment through viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration tree.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Embedding   EmbeddingConfig   `mapstructure:"embedding"`
	Dedup       DedupConfig       `mapstructure:"dedup"`
	Providers   ProvidersConfig   `mapstructure:"providers"`
	Store       StoreConfig       `mapstructure:"store"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	ListenAddress string        `mapstructure:"listen_address"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// EmbeddingConfig configures the embedding pipeline and its model chain.
type EmbeddingConfig struct {
	Dimension int `mapstructure:"dimension"`

	CacheMaxEntries int           `mapstructure:"cache_max_entries"`
	CacheTTL        time.Duration `mapstructure:"cache_ttl"`
	// RedisAddress enables the shared second cache tier when set
	RedisAddress string `mapstructure:"redis_address"`

	OpenAI  OpenAIConfig  `mapstructure:"openai"`
	Bedrock BedrockConfig `mapstructure:"bedrock"`
	// PseudoFallback keeps writes flowing when every real model is down
	PseudoFallback bool `mapstructure:"pseudo_fallback"`
}

// OpenAIConfig configures the OpenAI embedding model.
type OpenAIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url"`
}

// BedrockConfig configures the Bedrock Titan embedding model.
type BedrockConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Region  string `mapstructure:"region"`
	Model   string `mapstructure:"model"`
}

// DedupConfig configures the duplicate detection pipeline.
type DedupConfig struct {
	Mode                string  `mapstructure:"mode"`
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`
	StrictThreshold     float64 `mapstructure:"strict_threshold"`
	ExactMatchOnly      bool    `mapstructure:"exact_match_only"`
	VectorProbeLimit    int     `mapstructure:"vector_probe_limit"`
	// RulesFile points at the JSON rules document; empty runs without rules
	RulesFile string `mapstructure:"rules_file"`
}

// ProvidersConfig configures the backend set.
type ProvidersConfig struct {
	// FailThreshold is the consecutive health failures that degrade a provider
	FailThreshold int `mapstructure:"fail_threshold"`

	Postgres PostgresConfig `mapstructure:"postgres"`
	Local    LocalConfig    `mapstructure:"local"`
}

// PostgresConfig configures the primary provider.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Name            string        `mapstructure:"name"`
	MaxConns        int           `mapstructure:"max_conns"`
	MinConns        int           `mapstructure:"min_conns"`
	AcquireTimeout  time.Duration `mapstructure:"acquire_timeout"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// LocalConfig configures the embedded secondary provider.
type LocalConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Name    string `mapstructure:"name"`
	Path    string `mapstructure:"path"`
}

// StoreConfig configures coordinator behavior.
type StoreConfig struct {
	MaxContentBytes int `mapstructure:"max_content_bytes"`
	// WriteFailover is fail_closed or fail_open
	WriteFailover   string        `mapstructure:"write_failover"`
	QueryDeadline   time.Duration `mapstructure:"query_deadline"`
	StoreDeadline   time.Duration `mapstructure:"store_deadline"`
	AdminDeadline   time.Duration `mapstructure:"admin_deadline"`
	MirrorQueueSize int           `mapstructure:"mirror_queue_size"`
	GraphEnabled    bool          `mapstructure:"graph_enabled"`
}

// MaintenanceConfig configures background upkeep.
type MaintenanceConfig struct {
	Enabled bool `mapstructure:"enabled"`

	DecayRate     float64       `mapstructure:"decay_rate"`
	DecayFloor    float64       `mapstructure:"decay_floor"`
	DecayInterval time.Duration `mapstructure:"decay_interval"`

	FlushInterval      time.Duration `mapstructure:"flush_interval"`
	ReconcileTolerance int64         `mapstructure:"reconcile_tolerance"`
	BackfillBatch      int           `mapstructure:"backfill_batch"`
}

// Load reads configuration from the given file (optional) plus RECALL_*
// environment variables, applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RECALL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_address", ":8580")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	v.SetDefault("logging.level", "info")

	v.SetDefault("embedding.dimension", 1536)
	v.SetDefault("embedding.cache_max_entries", 10000)
	v.SetDefault("embedding.cache_ttl", "1h")
	v.SetDefault("embedding.pseudo_fallback", true)
	v.SetDefault("embedding.openai.model", "text-embedding-3-small")
	v.SetDefault("embedding.bedrock.region", "us-east-1")
	v.SetDefault("embedding.bedrock.model", "amazon.titan-embed-text-v2:0")

	v.SetDefault("dedup.mode", "log_only")
	v.SetDefault("dedup.similarity_threshold", 0.95)
	v.SetDefault("dedup.strict_threshold", 0.90)
	v.SetDefault("dedup.vector_probe_limit", 5)

	v.SetDefault("providers.fail_threshold", 3)
	// Registered empty so the RECALL_PROVIDERS_POSTGRES_DSN env var is
	// visible to Unmarshal; viper only overlays env onto known keys
	v.SetDefault("providers.postgres.dsn", "")
	v.SetDefault("providers.postgres.name", "postgres")
	v.SetDefault("providers.postgres.max_conns", 20)
	v.SetDefault("providers.local.enabled", true)
	v.SetDefault("providers.local.name", "local")

	v.SetDefault("store.max_content_bytes", 1<<20)
	v.SetDefault("store.write_failover", "fail_closed")
	v.SetDefault("store.query_deadline", "2s")
	v.SetDefault("store.store_deadline", "5s")
	v.SetDefault("store.admin_deadline", "10s")
	v.SetDefault("store.mirror_queue_size", 1024)
	v.SetDefault("store.graph_enabled", false)

	v.SetDefault("maintenance.enabled", true)
	v.SetDefault("maintenance.decay_rate", 0.01)
	v.SetDefault("maintenance.decay_floor", 0.1)
	v.SetDefault("maintenance.decay_interval", "24h")
	v.SetDefault("maintenance.flush_interval", "30s")
	v.SetDefault("maintenance.reconcile_tolerance", 16)
	v.SetDefault("maintenance.backfill_batch", 1000)
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding.dimension must be positive, got %d", c.Embedding.Dimension)
	}
	if c.Providers.Postgres.DSN == "" {
		return fmt.Errorf("providers.postgres.dsn is required")
	}
	switch c.Store.WriteFailover {
	case "fail_closed", "fail_open":
	default:
		return fmt.Errorf("store.write_failover must be fail_closed or fail_open, got %q", c.Store.WriteFailover)
	}
	switch c.Dedup.Mode {
	case "off", "log_only", "active", "strict":
	default:
		return fmt.Errorf("dedup.mode must be one of off, log_only, active, strict, got %q", c.Dedup.Mode)
	}
	if c.Dedup.SimilarityThreshold <= 0 || c.Dedup.SimilarityThreshold > 1 {
		return fmt.Errorf("dedup.similarity_threshold must be in (0,1], got %v", c.Dedup.SimilarityThreshold)
	}
	if c.Dedup.StrictThreshold <= 0 || c.Dedup.StrictThreshold > 1 {
		return fmt.Errorf("dedup.strict_threshold must be in (0,1], got %v", c.Dedup.StrictThreshold)
	}
	if c.Maintenance.DecayRate < 0 || c.Maintenance.DecayRate >= 1 {
		return fmt.Errorf("maintenance.decay_rate must be in [0,1), got %v", c.Maintenance.DecayRate)
	}
	if c.Maintenance.DecayFloor < 0 || c.Maintenance.DecayFloor > 1 {
		return fmt.Errorf("maintenance.decay_floor must be in [0,1], got %v", c.Maintenance.DecayFloor)
	}
	if !c.Embedding.OpenAI.Enabled && !c.Embedding.Bedrock.Enabled && !c.Embedding.PseudoFallback {
		return fmt.Errorf("at least one embedding model must be enabled")
	}
	return nil
}
