// Package config provides configuration management for knograph.
// Settings are loaded from environment variables with the KNOGRAPH_ prefix,
// optionally layered over a YAML file, with sensible defaults for every
// option. Environment variables win over the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration settings for the derivation service.
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Engine    EngineConfig    `yaml:"engine"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// StorageConfig contains graph store and queue configuration.
type StorageConfig struct {
	// Backend selects the storage engine: postgres or sqlite.
	Backend string `yaml:"backend"`

	// PostgresDSN is the connection string for the postgres backend.
	PostgresDSN string `yaml:"postgres_dsn"`

	// DataPath is the data directory for the sqlite backend.
	DataPath string `yaml:"data_path"`
}

// EmbeddingConfig contains embedding gateway configuration.
type EmbeddingConfig struct {
	// Provider selects the gateway client: openai or ollama.
	Provider string `yaml:"provider"`

	// Dimensions is the expected vector length; gateway responses of any
	// other length are rejected.
	Dimensions int `yaml:"dimensions"`

	OpenAIAPIKey  string `yaml:"openai_api_key"`
	OpenAIModel   string `yaml:"openai_model"`
	OpenAIBaseURL string `yaml:"openai_base_url"`

	OllamaURL   string `yaml:"ollama_url"`
	OllamaModel string `yaml:"ollama_model"`

	// RequestsPerSecond and Burst bound gateway spend.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// EngineConfig contains derivation engine tunables.
type EngineConfig struct {
	// MinSimilarity is the cosine threshold for semantic relationship
	// detection.
	MinSimilarity float64 `yaml:"min_similarity"`

	// MaxRelationshipsPerEntity caps outgoing tracked edges per entity.
	MaxRelationshipsPerEntity int `yaml:"max_relationships_per_entity"`

	// TopK is the number of semantic candidates kept per memory.
	TopK int `yaml:"top_k"`

	// BatchSize is the memory page size per inference pass.
	BatchSize int `yaml:"batch_size"`

	// PatternThreshold is the per-group summary count a pattern rule must
	// exceed to fire.
	PatternThreshold int `yaml:"pattern_threshold"`

	// EvidenceSampleSize bounds FOUND_IN edges per pattern upsert.
	EvidenceSampleSize int `yaml:"evidence_sample_size"`

	// PatternWindow is the lookback over summary creation times per
	// aggregation pass. Zero scans unbounded history.
	PatternWindow time.Duration `yaml:"pattern_window"`

	// Workers is the number of concurrent coordinator workers.
	Workers int `yaml:"workers"`

	// LeaseBatchSize is the queue lease size per poll.
	LeaseBatchSize int `yaml:"lease_batch_size"`

	// VisibilityTimeout is the queue lease duration.
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`

	// MaxAttempts is the delivery count after which an item is
	// dead-lettered.
	MaxAttempts int `yaml:"max_attempts"`
}

// SchedulerConfig contains cron schedules for the periodic runs.
type SchedulerConfig struct {
	// IngestPoll is the cron spec for coordinator polling.
	IngestPoll string `yaml:"ingest_poll"`

	// InferenceRun is the cron spec for relationship inference passes.
	InferenceRun string `yaml:"inference_run"`

	// PatternRun is the cron spec for pattern aggregation passes.
	PatternRun string `yaml:"pattern_run"`
}

// Load builds a Config from defaults, an optional YAML file, and
// environment variables, in that order of precedence (lowest first).
// An empty path skips the file layer.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("config: postgres backend requires a DSN")
		}
	case "sqlite":
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}

	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("config: embedding dimensions must be positive, got %d", c.Embedding.Dimensions)
	}

	if c.Engine.MinSimilarity < -1 || c.Engine.MinSimilarity > 1 {
		return fmt.Errorf("config: min similarity must be in [-1, 1], got %v", c.Engine.MinSimilarity)
	}

	if c.Engine.MaxRelationshipsPerEntity < 1 {
		return fmt.Errorf("config: max relationships per entity must be >= 1, got %d", c.Engine.MaxRelationshipsPerEntity)
	}

	return nil
}

// defaults returns the baseline configuration.
func defaults() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend:  "sqlite",
			DataPath: "./data",
		},
		Embedding: EmbeddingConfig{
			Provider:          "ollama",
			Dimensions:        768,
			OpenAIModel:       "text-embedding-3-large",
			OllamaURL:         "http://localhost:11434",
			OllamaModel:       "nomic-embed-text",
			RequestsPerSecond: 5,
			Burst:             10,
		},
		Engine: EngineConfig{
			MinSimilarity:             0.70,
			MaxRelationshipsPerEntity: 25,
			TopK:                      5,
			BatchSize:                 10,
			PatternThreshold:          3,
			EvidenceSampleSize:        5,
			PatternWindow:             24 * time.Hour,
			Workers:                   2,
			LeaseBatchSize:            20,
			VisibilityTimeout:         10 * time.Minute,
			MaxAttempts:               3,
		},
		Scheduler: SchedulerConfig{
			IngestPoll:   "@every 30s",
			InferenceRun: "@every 5m",
			PatternRun:   "@every 30m",
		},
	}
}

// applyEnv overlays KNOGRAPH_-prefixed environment variables.
func applyEnv(cfg *Config) {
	cfg.Storage.Backend = getEnv("KNOGRAPH_STORAGE_BACKEND", cfg.Storage.Backend)
	cfg.Storage.PostgresDSN = getEnv("KNOGRAPH_POSTGRES_DSN", cfg.Storage.PostgresDSN)
	cfg.Storage.DataPath = getEnv("KNOGRAPH_DATA_PATH", cfg.Storage.DataPath)

	cfg.Embedding.Provider = getEnv("KNOGRAPH_EMBEDDING_PROVIDER", cfg.Embedding.Provider)
	cfg.Embedding.Dimensions = getEnvInt("KNOGRAPH_EMBEDDING_DIMENSIONS", cfg.Embedding.Dimensions)
	cfg.Embedding.OpenAIAPIKey = getEnv("KNOGRAPH_OPENAI_API_KEY", cfg.Embedding.OpenAIAPIKey)
	cfg.Embedding.OpenAIModel = getEnv("KNOGRAPH_OPENAI_MODEL", cfg.Embedding.OpenAIModel)
	cfg.Embedding.OpenAIBaseURL = getEnv("KNOGRAPH_OPENAI_BASE_URL", cfg.Embedding.OpenAIBaseURL)
	cfg.Embedding.OllamaURL = getEnv("KNOGRAPH_OLLAMA_URL", cfg.Embedding.OllamaURL)
	cfg.Embedding.OllamaModel = getEnv("KNOGRAPH_OLLAMA_MODEL", cfg.Embedding.OllamaModel)
	cfg.Embedding.RequestsPerSecond = getEnvFloat("KNOGRAPH_EMBEDDING_RPS", cfg.Embedding.RequestsPerSecond)
	cfg.Embedding.Burst = getEnvInt("KNOGRAPH_EMBEDDING_BURST", cfg.Embedding.Burst)

	cfg.Engine.MinSimilarity = getEnvFloat("KNOGRAPH_MIN_SIMILARITY", cfg.Engine.MinSimilarity)
	cfg.Engine.MaxRelationshipsPerEntity = getEnvInt("KNOGRAPH_MAX_RELATIONSHIPS_PER_ENTITY", cfg.Engine.MaxRelationshipsPerEntity)
	cfg.Engine.TopK = getEnvInt("KNOGRAPH_TOP_K", cfg.Engine.TopK)
	cfg.Engine.BatchSize = getEnvInt("KNOGRAPH_BATCH_SIZE", cfg.Engine.BatchSize)
	cfg.Engine.PatternThreshold = getEnvInt("KNOGRAPH_PATTERN_THRESHOLD", cfg.Engine.PatternThreshold)
	cfg.Engine.EvidenceSampleSize = getEnvInt("KNOGRAPH_EVIDENCE_SAMPLE_SIZE", cfg.Engine.EvidenceSampleSize)
	cfg.Engine.PatternWindow = getEnvDuration("KNOGRAPH_PATTERN_WINDOW", cfg.Engine.PatternWindow)
	cfg.Engine.Workers = getEnvInt("KNOGRAPH_WORKERS", cfg.Engine.Workers)
	cfg.Engine.LeaseBatchSize = getEnvInt("KNOGRAPH_LEASE_BATCH_SIZE", cfg.Engine.LeaseBatchSize)
	cfg.Engine.VisibilityTimeout = getEnvDuration("KNOGRAPH_VISIBILITY_TIMEOUT", cfg.Engine.VisibilityTimeout)
	cfg.Engine.MaxAttempts = getEnvInt("KNOGRAPH_MAX_ATTEMPTS", cfg.Engine.MaxAttempts)

	cfg.Scheduler.IngestPoll = getEnv("KNOGRAPH_SCHEDULE_INGEST", cfg.Scheduler.IngestPoll)
	cfg.Scheduler.InferenceRun = getEnv("KNOGRAPH_SCHEDULE_INFERENCE", cfg.Scheduler.InferenceRun)
	cfg.Scheduler.PatternRun = getEnv("KNOGRAPH_SCHEDULE_PATTERNS", cfg.Scheduler.PatternRun)
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default
// value. Unparseable values fall back to the default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a default
// value. Unparseable values fall back to the default.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable or returns a
// default value. Unparseable values fall back to the default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
