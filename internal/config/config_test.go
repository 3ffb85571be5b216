package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Equal(t, "./data", cfg.Storage.DataPath)
	assert.Equal(t, "ollama", cfg.Embedding.Provider)
	assert.Equal(t, 768, cfg.Embedding.Dimensions)
	assert.Equal(t, 0.70, cfg.Engine.MinSimilarity)
	assert.Equal(t, 25, cfg.Engine.MaxRelationshipsPerEntity)
	assert.Equal(t, 3, cfg.Engine.PatternThreshold)
	assert.Equal(t, 24*time.Hour, cfg.Engine.PatternWindow)
	assert.Equal(t, 10*time.Minute, cfg.Engine.VisibilityTimeout)
	assert.Equal(t, "@every 30s", cfg.Scheduler.IngestPoll)
}

func TestLoad_YAMLFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
storage:
  backend: sqlite
  data_path: /var/lib/knograph
embedding:
  dimensions: 1536
engine:
  min_similarity: 0.85
  workers: 8
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/knograph", cfg.Storage.DataPath)
	assert.Equal(t, 1536, cfg.Embedding.Dimensions)
	assert.Equal(t, 0.85, cfg.Engine.MinSimilarity)
	assert.Equal(t, 8, cfg.Engine.Workers)
	// Untouched fields keep defaults.
	assert.Equal(t, "ollama", cfg.Embedding.Provider)
	assert.Equal(t, 5, cfg.Engine.TopK)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  top_k: 3\n"), 0o600))

	t.Setenv("KNOGRAPH_TOP_K", "9")
	t.Setenv("KNOGRAPH_STORAGE_BACKEND", "postgres")
	t.Setenv("KNOGRAPH_POSTGRES_DSN", "postgres://localhost/knograph")
	t.Setenv("KNOGRAPH_VISIBILITY_TIMEOUT", "90s")
	t.Setenv("KNOGRAPH_PATTERN_WINDOW", "72h")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9, cfg.Engine.TopK)
	assert.Equal(t, "postgres", cfg.Storage.Backend)
	assert.Equal(t, "postgres://localhost/knograph", cfg.Storage.PostgresDSN)
	assert.Equal(t, 90*time.Second, cfg.Engine.VisibilityTimeout)
	assert.Equal(t, 72*time.Hour, cfg.Engine.PatternWindow)
}

func TestLoad_UnparseableEnvFallsBack(t *testing.T) {
	t.Setenv("KNOGRAPH_EMBEDDING_DIMENSIONS", "lots")
	t.Setenv("KNOGRAPH_MIN_SIMILARITY", "most")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 768, cfg.Embedding.Dimensions)
	assert.Equal(t, 0.70, cfg.Engine.MinSimilarity)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "defaults pass",
			mutate:  func(c *Config) {},
			wantErr: "",
		},
		{
			name:    "postgres requires dsn",
			mutate:  func(c *Config) { c.Storage.Backend = "postgres" },
			wantErr: "requires a DSN",
		},
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.Storage.Backend = "mysql" },
			wantErr: "unknown storage backend",
		},
		{
			name:    "non-positive dimensions",
			mutate:  func(c *Config) { c.Embedding.Dimensions = 0 },
			wantErr: "dimensions must be positive",
		},
		{
			name:    "similarity out of range",
			mutate:  func(c *Config) { c.Engine.MinSimilarity = 1.5 },
			wantErr: "min similarity",
		},
		{
			name:    "fan-out cap below one",
			mutate:  func(c *Config) { c.Engine.MaxRelationshipsPerEntity = 0 },
			wantErr: "max relationships",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
