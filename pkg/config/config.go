// Package config holds runtime configuration for the classification
// service. Defaults are production-safe; every field can be overridden
// through INTENTD_* environment variables, and an optional YAML file
// layers on top of the defaults before env overrides apply.
package config

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// LLMProvider selects the large-model fallback backend.
type LLMProvider string

const (
	ProviderNone      LLMProvider = "none"
	ProviderOllama    LLMProvider = "ollama"
	ProviderOpenAI    LLMProvider = "openai"
	ProviderAnthropic LLMProvider = "anthropic"
	ProviderCustom    LLMProvider = "custom"
)

// EmbedderProvider selects the embedding backend.
type EmbedderProvider string

const (
	EmbedderLocal  EmbedderProvider = "local"
	EmbedderOllama EmbedderProvider = "ollama"
	EmbedderNone   EmbedderProvider = "none"
)

// StoreDriver selects the persistence backend.
type StoreDriver string

const (
	StoreSQLite   StoreDriver = "sqlite"
	StorePostgres StoreDriver = "postgres"
	StoreNone     StoreDriver = "none"
)

// Config is the full runtime configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`

	// Embedding backend
	Embedder           EmbedderProvider `yaml:"embedder"`
	EmbeddingModelPath string           `yaml:"embedding_model_path"`
	AutoDownloadModel  bool             `yaml:"auto_download_model"`
	OnnxLibraryPath    string           `yaml:"onnx_library_path"`
	OllamaBaseURL      string           `yaml:"ollama_base_url"`
	OllamaEmbedModel   string           `yaml:"ollama_embed_model"`

	// LLM fallback
	LLMProvider       LLMProvider `yaml:"llm_provider"`
	LLMModel          string      `yaml:"llm_model"`
	LLMBaseURL        string      `yaml:"llm_base_url"`
	LLMAPIKey         string      `yaml:"-"`
	LLMCallsPerMinute int         `yaml:"llm_calls_per_minute"`
	LLMBurst          int         `yaml:"llm_burst"`

	// Result cache
	RedisAddr       string        `yaml:"redis_addr"`
	RedisPassword   string        `yaml:"-"`
	RedisDB         int           `yaml:"redis_db"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	MemoryCacheSize int           `yaml:"memory_cache_size"`

	// Persistence
	Store       StoreDriver `yaml:"store"`
	SQLitePath  string      `yaml:"sqlite_path"`
	PostgresDSN string      `yaml:"-"`

	// Seed files; empty means built-in defaults
	TaxonomyPath string `yaml:"taxonomy_path"`
	PatternsPath string `yaml:"patterns_path"`
	// CentroidPath persists the similarity index across restarts
	CentroidPath string `yaml:"centroid_path"`

	// Disambiguation
	SessionTTL time.Duration `yaml:"session_ttl"`

	// Online learning
	BufferThreshold        int     `yaml:"buffer_threshold"`
	BufferCapacity         int     `yaml:"buffer_capacity"`
	RetrainSchedule        string  `yaml:"retrain_schedule"`
	MinValidationScore     float64 `yaml:"min_validation_score"`
	MaxConsecutiveFailures int     `yaml:"max_consecutive_failures"`
	KeepVersions           int     `yaml:"keep_versions"`

	// Routing bands
	THigh             float64 `yaml:"t_high"`
	TMid              float64 `yaml:"t_mid"`
	PatternConfidence float64 `yaml:"pattern_confidence"`
	SimilarityAccept  float64 `yaml:"similarity_accept"`
	SimilarityMin     float64 `yaml:"similarity_min"`
	Confirmed         float64 `yaml:"confirmed"`
}

// NewDefaultConfig returns the production configuration with
// environment overrides applied.
func NewDefaultConfig() *Config {
	cfg := &Config{
		ListenAddr: ":8080",

		Embedder:           EmbedderLocal,
		EmbeddingModelPath: "./models/all-MiniLM-L6-v2",
		AutoDownloadModel:  true,
		OllamaBaseURL:      "http://localhost:11434",
		OllamaEmbedModel:   "nomic-embed-text",

		LLMProvider:       ProviderAnthropic,
		LLMModel:          "claude-3-5-haiku-latest",
		LLMCallsPerMinute: 30,
		LLMBurst:          5,

		RedisAddr:       "localhost:6379",
		CacheTTL:        5 * time.Minute,
		MemoryCacheSize: 1000,

		Store:      StoreSQLite,
		SQLitePath: "./data/intentd.db",

		SessionTTL: 2 * time.Minute,

		BufferThreshold:        50,
		BufferCapacity:         200,
		MinValidationScore:     0.70,
		MaxConsecutiveFailures: 3,
		KeepVersions:           5,

		THigh:             0.80,
		TMid:              0.50,
		PatternConfidence: 0.95,
		SimilarityAccept:  0.70,
		SimilarityMin:     0.45,
		Confirmed:         0.80,
	}
	cfg.applyEnv()
	return cfg
}

// NewLocalConfig targets a laptop setup: Ollama for both embeddings
// and the LLM fallback, memory cache, SQLite store.
func NewLocalConfig() *Config {
	cfg := NewDefaultConfig()
	cfg.Embedder = EmbedderOllama
	cfg.LLMProvider = ProviderOllama
	cfg.LLMBaseURL = "http://localhost:11434/v1"
	cfg.LLMModel = "llama3.2"
	cfg.RedisAddr = ""
	return cfg
}

// NewOfflineConfig disables every external dependency: no LLM, no
// Redis, no database. The pipeline still terminates via patterns and
// the keyword fallback.
func NewOfflineConfig() *Config {
	cfg := NewDefaultConfig()
	cfg.Embedder = EmbedderNone
	cfg.LLMProvider = ProviderNone
	cfg.RedisAddr = ""
	cfg.Store = StoreNone
	return cfg
}

// LoadFile layers a YAML file over the receiver. Unknown keys are
// rejected so typos fail loudly at startup.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	// Env wins over the file, same as over defaults.
	c.applyEnv()
	return nil
}

// Validate catches configurations the service cannot start with.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if c.THigh <= c.TMid {
		return fmt.Errorf("t_high (%.2f) must exceed t_mid (%.2f)", c.THigh, c.TMid)
	}
	if c.SimilarityAccept <= c.SimilarityMin {
		return fmt.Errorf("similarity_accept (%.2f) must exceed similarity_min (%.2f)",
			c.SimilarityAccept, c.SimilarityMin)
	}
	if c.LLMProvider != ProviderNone && c.LLMProvider != ProviderOllama && c.LLMAPIKey == "" &&
		(c.LLMProvider == ProviderAnthropic || c.LLMProvider == ProviderOpenAI) {
		log.Printf("[config] no API key for %s provider, llm fallback will be disabled", c.LLMProvider)
	}
	return nil
}

// applyEnv reads INTENTD_* overrides.
func (c *Config) applyEnv() {
	c.ListenAddr = GetEnv("INTENTD_LISTEN_ADDR", c.ListenAddr)

	c.Embedder = EmbedderProvider(GetEnv("INTENTD_EMBEDDER", string(c.Embedder)))
	c.EmbeddingModelPath = GetEnv("INTENTD_EMBEDDING_MODEL_PATH", c.EmbeddingModelPath)
	c.AutoDownloadModel = GetEnvBool("INTENTD_AUTO_DOWNLOAD_MODEL", c.AutoDownloadModel)
	c.OnnxLibraryPath = GetEnv("INTENTD_ONNX_LIBRARY_PATH", c.OnnxLibraryPath)
	c.OllamaBaseURL = GetEnv("INTENTD_OLLAMA_BASE_URL", c.OllamaBaseURL)
	c.OllamaEmbedModel = GetEnv("INTENTD_OLLAMA_EMBED_MODEL", c.OllamaEmbedModel)

	c.LLMProvider = LLMProvider(GetEnv("INTENTD_LLM_PROVIDER", string(c.LLMProvider)))
	c.LLMModel = GetEnv("INTENTD_LLM_MODEL", c.LLMModel)
	c.LLMBaseURL = GetEnv("INTENTD_LLM_BASE_URL", c.LLMBaseURL)
	c.LLMAPIKey = GetEnv("INTENTD_LLM_API_KEY", c.LLMAPIKey)
	c.LLMCallsPerMinute = clampInt(GetEnvInt("INTENTD_LLM_CALLS_PER_MINUTE", c.LLMCallsPerMinute), 1, 6000)
	c.LLMBurst = clampInt(GetEnvInt("INTENTD_LLM_BURST", c.LLMBurst), 1, 100)

	c.RedisAddr = GetEnv("INTENTD_REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = GetEnv("INTENTD_REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = GetEnvInt("INTENTD_REDIS_DB", c.RedisDB)
	c.CacheTTL = GetEnvDuration("INTENTD_CACHE_TTL", c.CacheTTL)
	c.MemoryCacheSize = clampInt(GetEnvInt("INTENTD_MEMORY_CACHE_SIZE", c.MemoryCacheSize), 10, 1_000_000)

	c.Store = StoreDriver(GetEnv("INTENTD_STORE", string(c.Store)))
	c.SQLitePath = GetEnv("INTENTD_SQLITE_PATH", c.SQLitePath)
	c.PostgresDSN = GetEnv("INTENTD_POSTGRES_DSN", c.PostgresDSN)

	c.TaxonomyPath = GetEnv("INTENTD_TAXONOMY_PATH", c.TaxonomyPath)
	c.PatternsPath = GetEnv("INTENTD_PATTERNS_PATH", c.PatternsPath)
	c.CentroidPath = GetEnv("INTENTD_CENTROID_PATH", c.CentroidPath)

	c.SessionTTL = GetEnvDuration("INTENTD_SESSION_TTL", c.SessionTTL)

	c.BufferThreshold = clampInt(GetEnvInt("INTENTD_BUFFER_THRESHOLD", c.BufferThreshold), 1, 100_000)
	c.BufferCapacity = clampInt(GetEnvInt("INTENTD_BUFFER_CAPACITY", c.BufferCapacity), 1, 1_000_000)
	c.RetrainSchedule = GetEnv("INTENTD_RETRAIN_SCHEDULE", c.RetrainSchedule)
	c.MinValidationScore = GetEnvFloat("INTENTD_MIN_VALIDATION_SCORE", c.MinValidationScore)
	c.MaxConsecutiveFailures = clampInt(GetEnvInt("INTENTD_MAX_CONSECUTIVE_FAILURES", c.MaxConsecutiveFailures), 1, 100)
	c.KeepVersions = clampInt(GetEnvInt("INTENTD_KEEP_VERSIONS", c.KeepVersions), 1, 1000)

	c.THigh = GetEnvFloat("INTENTD_T_HIGH", c.THigh)
	c.TMid = GetEnvFloat("INTENTD_T_MID", c.TMid)
	c.PatternConfidence = GetEnvFloat("INTENTD_PATTERN_CONFIDENCE", c.PatternConfidence)
	c.SimilarityAccept = GetEnvFloat("INTENTD_SIMILARITY_ACCEPT", c.SimilarityAccept)
	c.SimilarityMin = GetEnvFloat("INTENTD_SIMILARITY_MIN", c.SimilarityMin)
	c.Confirmed = GetEnvFloat("INTENTD_CONFIRMED", c.Confirmed)
}

// GetEnv returns the env var or the fallback when unset or empty.
func GetEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// GetEnvInt parses an integer env var, returning the fallback on
// absence or parse failure.
func GetEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid integer for %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

// GetEnvFloat parses a float env var, returning the fallback on
// absence or parse failure.
func GetEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("[config] invalid float for %s=%q, using %g", key, v, fallback)
		return fallback
	}
	return f
}

// GetEnvBool parses a boolean env var, returning the fallback on
// absence or parse failure.
func GetEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("[config] invalid boolean for %s=%q, using %v", key, v, fallback)
		return fallback
	}
	return b
}

// GetEnvDuration parses a duration env var ("30s", "5m"), returning
// the fallback on absence or parse failure.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("[config] invalid duration for %s=%q, using %s", key, v, fallback)
		return fallback
	}
	return d
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
