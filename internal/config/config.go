package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/custodia-labs/ragdoc/internal/core/domain"
)

// StoreBackend selects where documents and chunks are persisted
type StoreBackend string

const (
	StoreMemory   StoreBackend = "memory"
	StorePostgres StoreBackend = "postgres"
)

// Config is the full runtime configuration of ragdoc
type Config struct {
	Store     StoreConfig              `yaml:"store"`
	Redis     RedisConfig              `yaml:"redis"`
	Embedding domain.EmbeddingSettings `yaml:"embedding"`
	Index     IndexConfig              `yaml:"index"`
	Chunking  domain.ChunkConfig       `yaml:"chunking"`
	Ingest    IngestConfig             `yaml:"ingest"`
	Worker    WorkerConfig             `yaml:"worker"`
	Retrieval RetrievalConfig          `yaml:"retrieval"`
	Log       LogConfig                `yaml:"log"`
}

type StoreConfig struct {
	Backend         StoreBackend  `yaml:"backend"`
	DatabaseURL     string        `yaml:"database_url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RedisConfig is optional. When URL is empty the task queue and locks fall
// back to postgres, or to in-process implementations with the memory store.
type RedisConfig struct {
	URL          string `yaml:"url"`
	ConsumerName string `yaml:"consumer_name"`
}

// IndexConfig holds the tunable part of domain.IndexConfig.
// Dimension and model version come from the embedder.
type IndexConfig struct {
	Metric         domain.Metric `yaml:"metric"`
	MinScore       float64       `yaml:"min_score"`
	ExactThreshold int           `yaml:"exact_threshold"`
	Lists          int           `yaml:"lists"`
	ScanLists      int           `yaml:"scan_lists"`
	RecallTarget   float64       `yaml:"recall_target"`
}

type IngestConfig struct {
	BatchSize    int           `yaml:"batch_size"`
	EmbedTimeout time.Duration `yaml:"embed_timeout"`
	LockTTL      time.Duration `yaml:"lock_ttl"`
}

type WorkerConfig struct {
	Concurrency           int           `yaml:"concurrency"`
	DequeueTimeout        int           `yaml:"dequeue_timeout"` // seconds
	SchedulerEnabled      bool          `yaml:"scheduler_enabled"`
	SchedulerLockRequired bool          `yaml:"scheduler_lock_required"`
	SchedulerInterval     time.Duration `yaml:"scheduler_interval"`
	ReapInterval          time.Duration `yaml:"reap_interval"`
	StaleAfter            time.Duration `yaml:"stale_after"`
}

type RetrievalConfig struct {
	MaxK int `yaml:"max_k"`
}

type LogConfig struct {
	Format string `yaml:"format"` // text or json
	Level  string `yaml:"level"`
}

// Default returns a configuration that runs entirely in memory
func Default() *Config {
	idx := domain.DefaultIndexConfig("", 0)
	return &Config{
		Store: StoreConfig{
			Backend:         StoreMemory,
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
		},
		Redis:     RedisConfig{ConsumerName: "ragdoc"},
		Embedding: domain.DefaultEmbeddingSettings(),
		Index: IndexConfig{
			Metric:         idx.Metric,
			MinScore:       idx.MinScore,
			ExactThreshold: idx.ExactThreshold,
			Lists:          idx.Lists,
			ScanLists:      idx.ScanLists,
			RecallTarget:   idx.RecallTarget,
		},
		Chunking: domain.DefaultChunkConfig(),
		Ingest: IngestConfig{
			BatchSize:    32,
			EmbedTimeout: 30 * time.Second,
			LockTTL:      2 * time.Minute,
		},
		Worker: WorkerConfig{
			Concurrency:           2,
			DequeueTimeout:        5,
			SchedulerEnabled:      true,
			SchedulerLockRequired: true,
			SchedulerInterval:     time.Minute,
			ReapInterval:          10 * time.Minute,
			StaleAfter:            15 * time.Minute,
		},
		Retrieval: RetrievalConfig{MaxK: 100},
		Log:       LogConfig{Format: "text", Level: "info"},
	}
}

// Load builds the configuration from defaults, an optional YAML file and the
// environment, in that order. A .env file in the working directory is loaded
// first when present. An empty path or a missing file is not an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	// resolved from DATABASE_URL below unless the file or RAGDOC_STORE sets it
	cfg.Store.Backend = ""
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	return cfg, nil
}

// applyDefaults fills zero values left by a partial YAML file
func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = StoreMemory
		if cfg.Store.DatabaseURL != "" {
			cfg.Store.Backend = StorePostgres
		}
	}
	if cfg.Redis.ConsumerName == "" {
		cfg.Redis.ConsumerName = def.Redis.ConsumerName
	}
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = def.Embedding.Provider
	}
	if cfg.Embedding.Provider == domain.EmbeddingProviderHashing && cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = def.Embedding.Dimensions
	}
	if cfg.Index.Metric == "" {
		cfg.Index.Metric = def.Index.Metric
	}
	if cfg.Index.Lists == 0 {
		cfg.Index.Lists = def.Index.Lists
	}
	if cfg.Index.ScanLists == 0 {
		cfg.Index.ScanLists = min(def.Index.ScanLists, cfg.Index.Lists)
	}
	if cfg.Index.RecallTarget == 0 {
		cfg.Index.RecallTarget = def.Index.RecallTarget
	}
	if cfg.Chunking.MaxChunkSize == 0 {
		cfg.Chunking.MaxChunkSize = def.Chunking.MaxChunkSize
	}
	if cfg.Ingest.BatchSize == 0 {
		cfg.Ingest.BatchSize = def.Ingest.BatchSize
	}
	if cfg.Ingest.EmbedTimeout == 0 {
		cfg.Ingest.EmbedTimeout = def.Ingest.EmbedTimeout
	}
	if cfg.Ingest.LockTTL == 0 {
		cfg.Ingest.LockTTL = def.Ingest.LockTTL
	}
	if cfg.Worker.Concurrency == 0 {
		cfg.Worker.Concurrency = def.Worker.Concurrency
	}
	if cfg.Worker.DequeueTimeout == 0 {
		cfg.Worker.DequeueTimeout = def.Worker.DequeueTimeout
	}
	if cfg.Worker.SchedulerInterval == 0 {
		cfg.Worker.SchedulerInterval = def.Worker.SchedulerInterval
	}
	if cfg.Worker.ReapInterval == 0 {
		cfg.Worker.ReapInterval = def.Worker.ReapInterval
	}
	if cfg.Worker.StaleAfter == 0 {
		cfg.Worker.StaleAfter = def.Worker.StaleAfter
	}
	if cfg.Retrieval.MaxK == 0 {
		cfg.Retrieval.MaxK = def.Retrieval.MaxK
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = def.Log.Format
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
}

func (c *Config) applyEnv() error {
	var errs []error
	c.Store.DatabaseURL = getEnv("DATABASE_URL", c.Store.DatabaseURL)
	c.Store.Backend = StoreBackend(getEnv("RAGDOC_STORE", string(c.Store.Backend)))
	c.Store.MaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", c.Store.MaxOpenConns, &errs)
	c.Store.MaxIdleConns = getEnvInt("DB_MAX_IDLE_CONNS", c.Store.MaxIdleConns, &errs)
	c.Redis.URL = getEnv("REDIS_URL", c.Redis.URL)
	c.Redis.ConsumerName = getEnv("RAGDOC_CONSUMER_NAME", c.Redis.ConsumerName)

	c.Embedding.Provider = domain.EmbeddingProvider(getEnv("RAGDOC_EMBEDDER", string(c.Embedding.Provider)))
	c.Embedding.APIKey = getEnv("OPENAI_API_KEY", c.Embedding.APIKey)
	c.Embedding.BaseURL = getEnv("OPENAI_BASE_URL", c.Embedding.BaseURL)
	c.Embedding.Model = getEnv("RAGDOC_EMBED_MODEL", c.Embedding.Model)
	c.Embedding.Dimensions = getEnvInt("RAGDOC_EMBED_DIM", c.Embedding.Dimensions, &errs)
	c.Embedding.RequestsPerSecond = getEnvFloat("RAGDOC_EMBED_RPS", c.Embedding.RequestsPerSecond, &errs)
	c.Embedding.Timeout = getEnvDuration("RAGDOC_EMBED_TIMEOUT", c.Embedding.Timeout, &errs)
	c.Ingest.EmbedTimeout = getEnvDuration("RAGDOC_EMBED_TIMEOUT", c.Ingest.EmbedTimeout, &errs)

	c.Index.Metric = domain.Metric(getEnv("RAGDOC_METRIC", string(c.Index.Metric)))
	c.Index.MinScore = getEnvFloat("RAGDOC_MIN_SCORE", c.Index.MinScore, &errs)
	c.Chunking.MaxChunkSize = getEnvInt("RAGDOC_CHUNK_SIZE", c.Chunking.MaxChunkSize, &errs)
	c.Chunking.Overlap = getEnvInt("RAGDOC_CHUNK_OVERLAP", c.Chunking.Overlap, &errs)

	c.Worker.Concurrency = getEnvInt("RAGDOC_WORKER_CONCURRENCY", c.Worker.Concurrency, &errs)
	c.Worker.SchedulerEnabled = getEnvBool("SCHEDULER_ENABLED", c.Worker.SchedulerEnabled)
	c.Worker.SchedulerLockRequired = getEnvBool("SCHEDULER_LOCK_REQUIRED", c.Worker.SchedulerLockRequired)
	c.Worker.StaleAfter = getEnvDuration("RAGDOC_STALE_AFTER", c.Worker.StaleAfter, &errs)

	c.Log.Format = getEnv("RAGDOC_LOG_FORMAT", c.Log.Format)
	c.Log.Level = getEnv("RAGDOC_LOG_LEVEL", c.Log.Level)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", domain.ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Validate checks the configuration. Errors wrap domain.ErrInvalidConfig.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case StoreMemory:
	case StorePostgres:
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("%w: DATABASE_URL is required for the postgres store", domain.ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown store backend %q", domain.ErrInvalidConfig, c.Store.Backend)
	}
	if err := c.Embedding.Validate(); err != nil {
		return err
	}
	if err := c.Chunking.Validate(); err != nil {
		return err
	}
	// model and dimension are checked once the embedder exists
	if err := c.IndexConfig("placeholder", 1).Validate(); err != nil {
		return err
	}
	if c.Ingest.BatchSize < 0 || c.Worker.Concurrency < 0 || c.Retrieval.MaxK < 0 {
		return fmt.Errorf("%w: batch size, concurrency and max k must not be negative", domain.ErrInvalidConfig)
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// IndexConfig builds the index configuration for an embedding model
func (c *Config) IndexConfig(model string, dimension int) domain.IndexConfig {
	return domain.IndexConfig{
		Metric:         c.Index.Metric,
		Dimension:      dimension,
		ModelVersion:   model,
		MinScore:       c.Index.MinScore,
		ExactThreshold: c.Index.ExactThreshold,
		Lists:          c.Index.Lists,
		ScanLists:      c.Index.ScanLists,
		RecallTarget:   c.Index.RecallTarget,
	}
}

// ChunkConfig returns the chunking parameters
func (c *Config) ChunkConfig() domain.ChunkConfig {
	return c.Chunking
}

// SlogLevel parses the configured level name
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("%w: log level %q", domain.ErrInvalidConfig, l.Level)
	}
	return level, nil
}

// Save writes the configuration as YAML. Secrets are omitted.
func (c *Config) Save(path string) error {
	out := *c
	out.Embedding.APIKey = ""
	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int, errs *[]error) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return n
}

func getEnvFloat(key string, defaultValue float64, errs *[]error) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return f
}

func getEnvBool(key string, defaultValue bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration, errs *[]error) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return d
}
