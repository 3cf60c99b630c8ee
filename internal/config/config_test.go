package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/ragdoc/internal/core/domain"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ragdoc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, StoreMemory, cfg.Store.Backend)
	assert.Equal(t, domain.EmbeddingProviderHashing, cfg.Embedding.Provider)
	assert.Equal(t, 256, cfg.Embedding.Dimensions)
	assert.Equal(t, domain.MetricCosine, cfg.Index.Metric)
	assert.Equal(t, 10000, cfg.Index.ExactThreshold)
	assert.InDelta(t, 0.9, cfg.Index.RecallTarget, 1e-9)
	assert.Equal(t, 512, cfg.Chunking.MaxChunkSize)
	assert.Equal(t, 64, cfg.Chunking.Overlap)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, Default(), cfg)
}

func TestLoad_EmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, StoreMemory, cfg.Store.Backend)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
store:
  backend: postgres
  database_url: postgres://localhost/ragdoc
index:
  metric: dot
  min_score: 0.25
chunking:
  max_chunk_size: 200
  overlap: 20
ingest:
  embed_timeout: 5s
worker:
  concurrency: 8
  stale_after: 1h
log:
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, StorePostgres, cfg.Store.Backend)
	assert.Equal(t, "postgres://localhost/ragdoc", cfg.Store.DatabaseURL)
	assert.Equal(t, domain.MetricDotProduct, cfg.Index.Metric)
	assert.InDelta(t, 0.25, cfg.Index.MinScore, 1e-9)
	assert.Equal(t, 200, cfg.Chunking.MaxChunkSize)
	assert.Equal(t, 20, cfg.Chunking.Overlap)
	assert.Equal(t, 5*time.Second, cfg.Ingest.EmbedTimeout)
	assert.Equal(t, 8, cfg.Worker.Concurrency)
	assert.Equal(t, time.Hour, cfg.Worker.StaleAfter)
	assert.Equal(t, "json", cfg.Log.Format)

	// untouched sections keep their defaults
	assert.Equal(t, 100, cfg.Retrieval.MaxK)
	assert.Equal(t, 64, cfg.Index.Lists)
	require.NoError(t, cfg.Validate())
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeFile(t, "store: [unterminated"))
	assert.Error(t, err)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, `
chunking:
  max_chunk_size: 200
  overlap: 20
`)
	t.Setenv("RAGDOC_CHUNK_SIZE", "300")
	t.Setenv("RAGDOC_CHUNK_OVERLAP", "30")
	t.Setenv("RAGDOC_MIN_SCORE", "0.5")
	t.Setenv("RAGDOC_EMBED_DIM", "64")
	t.Setenv("RAGDOC_EMBED_TIMEOUT", "2s")
	t.Setenv("RAGDOC_WORKER_CONCURRENCY", "4")
	t.Setenv("SCHEDULER_ENABLED", "no")
	t.Setenv("RAGDOC_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 300, cfg.Chunking.MaxChunkSize)
	assert.Equal(t, 30, cfg.Chunking.Overlap)
	assert.InDelta(t, 0.5, cfg.Index.MinScore, 1e-9)
	assert.Equal(t, 64, cfg.Embedding.Dimensions)
	assert.Equal(t, 2*time.Second, cfg.Embedding.Timeout)
	assert.Equal(t, 2*time.Second, cfg.Ingest.EmbedTimeout)
	assert.Equal(t, 4, cfg.Worker.Concurrency)
	assert.False(t, cfg.Worker.SchedulerEnabled)

	level, err := cfg.Log.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestLoad_DatabaseURLSelectsPostgres(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://db/ragdoc")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, StorePostgres, cfg.Store.Backend)
}

func TestLoad_ExplicitStoreWins(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://db/ragdoc")
	t.Setenv("RAGDOC_STORE", "memory")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, StoreMemory, cfg.Store.Backend)
}

func TestLoad_BadEnvValues(t *testing.T) {
	t.Setenv("RAGDOC_CHUNK_SIZE", "lots")
	t.Setenv("RAGDOC_EMBED_TIMEOUT", "soon")

	_, err := Load("")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
	assert.Contains(t, err.Error(), "RAGDOC_CHUNK_SIZE")
	assert.Contains(t, err.Error(), "RAGDOC_EMBED_TIMEOUT")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown store", func(c *Config) { c.Store.Backend = "sqlite" }},
		{"postgres without url", func(c *Config) { c.Store.Backend = StorePostgres }},
		{"openai without key", func(c *Config) { c.Embedding.Provider = domain.EmbeddingProviderOpenAI }},
		{"overlap too large", func(c *Config) { c.Chunking.Overlap = c.Chunking.MaxChunkSize }},
		{"unknown metric", func(c *Config) { c.Index.Metric = "manhattan" }},
		{"scan lists above lists", func(c *Config) { c.Index.ScanLists = c.Index.Lists + 1 }},
		{"negative concurrency", func(c *Config) { c.Worker.Concurrency = -1 }},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), domain.ErrInvalidConfig)
		})
	}
}

func TestIndexConfig(t *testing.T) {
	cfg := Default()
	cfg.Index.MinScore = 0.3

	idx := cfg.IndexConfig("hashing-v1-256", 256)

	require.NoError(t, idx.Validate())
	assert.Equal(t, "hashing-v1-256", idx.ModelVersion)
	assert.Equal(t, 256, idx.Dimension)
	assert.InDelta(t, 0.3, idx.MinScore, 1e-9)
	assert.Equal(t, cfg.Chunking, cfg.ChunkConfig())
}

func TestSave_RoundTripsWithoutSecrets(t *testing.T) {
	cfg := Default()
	cfg.Embedding.Provider = domain.EmbeddingProviderOpenAI
	cfg.Embedding.APIKey = "sk-secret"
	cfg.Worker.Concurrency = 6

	path := filepath.Join(t.TempDir(), "out.yaml")
	require.NoError(t, cfg.Save(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "sk-secret")

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 6, loaded.Worker.Concurrency)
	assert.Equal(t, domain.EmbeddingProviderOpenAI, loaded.Embedding.Provider)
	assert.Equal(t, "sk-secret", cfg.Embedding.APIKey)
}
