package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config contains the complete configuration of the engine.
//
// Values come from DefaultConfig, optionally overlaid by a JSON file and then
// by environment variables (a .env file is loaded first when present).
//
// Example:
//
//	cfg := core.DefaultConfig()
//	cfg.LLM = core.LLMConfig{Provider: "venice", APIKey: "..."}
//	cfg.Embedder = core.EmbedderConfig{Provider: "voyage", APIKey: "...", Dimensions: 1024}
//	cfg.Storage.Provider = "sqlite"
type Config struct {
	// LLM is the primary text-analysis provider.
	LLM LLMConfig `json:"llm" envPrefix:"LLM_"`

	// FallbackLLM is used for the single fallback call. An empty provider
	// selects the built-in keyword extractor.
	FallbackLLM LLMConfig `json:"fallback_llm" envPrefix:"FALLBACK_LLM_"`

	Embedder  EmbedderConfig  `json:"embedder" envPrefix:"EMBEDDING_"`
	Storage   StorageConfig   `json:"storage"`
	Segmenter SegmenterConfig `json:"segmenter" envPrefix:"SEGMENTER_"`
	Detector  DetectorConfig  `json:"detector" envPrefix:"DETECTOR_"`
	Merger    MergerConfig    `json:"merger" envPrefix:"MERGER_"`
	Retry     RetryConfig     `json:"retry" envPrefix:"RETRY_"`
	Pipeline  PipelineConfig  `json:"pipeline" envPrefix:"PIPELINE_"`
	Metrics   MetricsConfig   `json:"metrics" envPrefix:"METRICS_"`
	Log       LogConfig       `json:"log" envPrefix:"LOG_"`
}

// LLMConfig configures a text-analysis provider.
//
// Supported providers: openai, venice, anthropic.
type LLMConfig struct {
	Provider string `json:"provider" env:"PROVIDER"`
	APIKey   string `json:"api_key" env:"API_KEY"`
	Model    string `json:"model,omitempty" env:"MODEL"`
	BaseURL  string `json:"base_url,omitempty" env:"BASE_URL"`

	// RequestsPerSecond limits calls to the provider (0 disables).
	RequestsPerSecond float64 `json:"requests_per_second,omitempty" env:"REQUESTS_PER_SECOND"`
}

// EmbedderConfig configures the embedding provider.
//
// Supported providers: voyage, openai, hash.
type EmbedderConfig struct {
	Provider   string `json:"provider" env:"PROVIDER"`
	APIKey     string `json:"api_key" env:"API_KEY"`
	Model      string `json:"model,omitempty" env:"MODEL"`
	BaseURL    string `json:"base_url,omitempty" env:"BASE_URL"`
	Dimensions int    `json:"dimensions" env:"DIMENSIONS"`
	BatchSize  int    `json:"batch_size,omitempty" env:"BATCH_SIZE"`

	// CacheEntries enables an in-process text->vector cache.
	CacheEntries      int64   `json:"cache_entries,omitempty" env:"CACHE_ENTRIES"`
	RequestsPerSecond float64 `json:"requests_per_second,omitempty" env:"REQUESTS_PER_SECOND"`
}

// StorageConfig selects and configures the store.
//
// Supported providers: memory, sqlite, postgres, oceanbase.
type StorageConfig struct {
	Provider    string `json:"provider" env:"DATABASE_PROVIDER"`
	TablePrefix string `json:"table_prefix,omitempty" env:"DATABASE_TABLE_PREFIX"`

	SQLite    SQLiteConfig    `json:"sqlite" envPrefix:"SQLITE_"`
	Postgres  PostgresConfig  `json:"postgres" envPrefix:"POSTGRES_"`
	OceanBase OceanBaseConfig `json:"oceanbase" envPrefix:"OCEANBASE_"`
}

type SQLiteConfig struct {
	Path string `json:"path" env:"PATH"`

	// Driver is "sqlite3" (cgo) or "sqlite" (pure Go).
	Driver string `json:"driver,omitempty" env:"DRIVER"`
}

type PostgresConfig struct {
	Host     string `json:"host" env:"HOST"`
	Port     int    `json:"port" env:"PORT"`
	User     string `json:"user" env:"USER"`
	Password string `json:"password" env:"PASSWORD"`
	DBName   string `json:"db_name" env:"DATABASE"`
	SSLMode  string `json:"ssl_mode" env:"SSLMODE"`
}

type OceanBaseConfig struct {
	Host        string `json:"host" env:"HOST"`
	Port        int    `json:"port" env:"PORT"`
	User        string `json:"user" env:"USER"`
	Password    string `json:"password" env:"PASSWORD"`
	DBName      string `json:"db_name" env:"DATABASE"`
	JSONVectors bool   `json:"json_vectors,omitempty" env:"JSON_VECTORS"`
}

type SegmenterConfig struct {
	MaxTurnsPerBatch int     `json:"max_turns_per_batch" env:"MAX_TURNS_PER_BATCH"`
	TokenLimit       int     `json:"token_limit" env:"TOKEN_LIMIT"`
	SafetyMargin     float64 `json:"safety_margin" env:"SAFETY_MARGIN"`
}

type DetectorConfig struct {
	LowActivityTimeout    Duration `json:"low_activity_timeout" env:"LOW_ACTIVITY_TIMEOUT"`
	NormalActivityTimeout Duration `json:"normal_activity_timeout" env:"NORMAL_ACTIVITY_TIMEOUT"`
	HighActivityTimeout   Duration `json:"high_activity_timeout" env:"HIGH_ACTIVITY_TIMEOUT"`
	SessionCap            Duration `json:"session_cap" env:"SESSION_CAP"`
	LowActivityBelow      int      `json:"low_activity_below" env:"LOW_ACTIVITY_BELOW"`
	HighActivityAbove     int      `json:"high_activity_above" env:"HIGH_ACTIVITY_ABOVE"`
}

type MergerConfig struct {
	// Strategy is "reembed" or "centroid".
	Strategy         string  `json:"strategy" env:"STRATEGY"`
	DefaultThreshold float64 `json:"default_threshold" env:"DEFAULT_THRESHOLD"`

	// Thresholds overrides per top-level category, e.g. {"gustos": 0.82}.
	Thresholds map[string]float64 `json:"thresholds,omitempty" env:"THRESHOLDS"`
	Confidence float64            `json:"confidence" env:"CONFIDENCE"`
}

type RetryConfig struct {
	MaxRetries        int      `json:"max_retries" env:"MAX_RETRIES"`
	BaseDelay         Duration `json:"base_delay" env:"BASE_DELAY"`
	MaxDelay          Duration `json:"max_delay" env:"MAX_DELAY"`
	BackoffMultiplier float64  `json:"backoff_multiplier" env:"BACKOFF_MULTIPLIER"`

	// TransientOnly retries only timeouts, rate limits and server errors.
	TransientOnly bool `json:"transient_only,omitempty" env:"TRANSIENT_ONLY"`
}

type PipelineConfig struct {
	InterBatchDelay Duration `json:"inter_batch_delay" env:"INTER_BATCH_DELAY"`
	UserLabel       string   `json:"user_label,omitempty" env:"USER_LABEL"`
	PersonaLabel    string   `json:"persona_label,omitempty" env:"PERSONA_LABEL"`

	// NodeID is the snowflake node of this process (0-1023).
	NodeID int64 `json:"node_id" env:"NODE_ID"`

	WatchInterval Duration `json:"watch_interval" env:"WATCH_INTERVAL"`
	MaxConcurrent int64    `json:"max_concurrent" env:"MAX_CONCURRENT"`
}

type MetricsConfig struct {
	Capacity int `json:"capacity" env:"CAPACITY"`
}

type LogConfig struct {
	Level  string `json:"level" env:"LEVEL"`
	Format string `json:"format" env:"FORMAT"`
}

// Duration is a time.Duration read from "30m" style strings in JSON and
// environment variables. JSON numbers are taken as nanoseconds.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return d.UnmarshalText([]byte(s))
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("duration must be a string or an integer: %w", err)
	}
	*d = Duration(n)
	return nil
}

// DefaultConfig returns a configuration that runs fully offline: in-memory
// store, hash embedder with 1024 dimensions and no analysis provider.
func DefaultConfig() *Config {
	return &Config{
		Embedder: EmbedderConfig{
			Provider:   "hash",
			Dimensions: 1024,
			BatchSize:  10,
		},
		Storage: StorageConfig{
			Provider:    "memory",
			TablePrefix: "mc_",
			SQLite:      SQLiteConfig{Path: "./memconsolidate.db", Driver: "sqlite3"},
			Postgres:    PostgresConfig{Host: "localhost", Port: 5432, User: "postgres", DBName: "memconsolidate", SSLMode: "disable"},
			OceanBase:   OceanBaseConfig{Host: "127.0.0.1", Port: 2881, User: "root@sys", DBName: "memconsolidate"},
		},
		Segmenter: SegmenterConfig{
			MaxTurnsPerBatch: 80,
			TokenLimit:       32768,
			SafetyMargin:     0.8,
		},
		Detector: DetectorConfig{
			LowActivityTimeout:    Duration(15 * time.Minute),
			NormalActivityTimeout: Duration(30 * time.Minute),
			HighActivityTimeout:   Duration(45 * time.Minute),
			SessionCap:            Duration(120 * time.Minute),
			LowActivityBelow:      5,
			HighActivityAbove:     20,
		},
		Merger: MergerConfig{
			Strategy:         "reembed",
			DefaultThreshold: 0.80,
			Confidence:       0.8,
		},
		Retry: RetryConfig{
			MaxRetries:        3,
			BaseDelay:         Duration(2 * time.Second),
			MaxDelay:          Duration(15 * time.Second),
			BackoffMultiplier: 2,
		},
		Pipeline: PipelineConfig{
			InterBatchDelay: Duration(time.Second),
			NodeID:          1,
			WatchInterval:   Duration(time.Minute),
			MaxConcurrent:   4,
		},
		Metrics: MetricsConfig{Capacity: 100},
		Log:     LogConfig{Level: "info", Format: "json"},
	}
}

// LoadConfigFromEnv loads DefaultConfig overlaid with environment variables.
// A .env file found by FindEnvFile is loaded first; variables already set in
// the environment win.
func LoadConfigFromEnv() (*Config, error) {
	if envPath, found := FindEnvFile(); found {
		_ = godotenv.Load(envPath)
	}
	cfg := DefaultConfig()
	if err := env.Parse(cfg); err != nil {
		return nil, NewConsolidationError("LoadConfigFromEnv", err)
	}
	return cfg, nil
}

// LoadConfigFromEnvFile loads configuration from a specific .env file.
func LoadConfigFromEnvFile(envPath string) (*Config, error) {
	if err := godotenv.Load(envPath); err != nil {
		return nil, NewConsolidationError("LoadConfigFromEnvFile", err)
	}
	return LoadConfigFromEnv()
}

// LoadConfigFromJSON loads DefaultConfig overlaid with a JSON file and then
// with environment variables.
func LoadConfigFromJSON(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewConsolidationError("LoadConfigFromJSON", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, NewConsolidationError("LoadConfigFromJSON", err)
	}
	if err := env.Parse(cfg); err != nil {
		return nil, NewConsolidationError("LoadConfigFromJSON", err)
	}
	return cfg, nil
}

var (
	llmProviders      = map[string]bool{"openai": true, "venice": true, "anthropic": true}
	embedderProviders = map[string]bool{"openai": true, "voyage": true, "hash": true}
	storeProviders    = map[string]bool{"memory": true, "sqlite": true, "postgres": true, "oceanbase": true}
)

// Validate checks that providers are known, credentials are present and
// numeric settings are in range. An empty LLM provider is allowed: the client
// can still evaluate conversations and manage categories, but Run fails.
func (c *Config) Validate() error {
	wrap := func(base error, format string, args ...interface{}) error {
		return NewConsolidationError("Validate", fmt.Errorf("%w: %s", base, fmt.Sprintf(format, args...)))
	}

	for name, l := range map[string]LLMConfig{"llm": c.LLM, "fallback_llm": c.FallbackLLM} {
		if l.Provider == "" {
			continue
		}
		if !llmProviders[l.Provider] {
			return wrap(ErrProviderNotSupported, "%s provider %q", name, l.Provider)
		}
		if l.APIKey == "" {
			return wrap(ErrMissingCredentials, "%s api key", name)
		}
	}

	if !embedderProviders[c.Embedder.Provider] {
		return wrap(ErrProviderNotSupported, "embedder provider %q", c.Embedder.Provider)
	}
	if c.Embedder.Provider != "hash" && c.Embedder.APIKey == "" {
		return wrap(ErrMissingCredentials, "embedder api key")
	}
	if c.Embedder.Dimensions <= 0 {
		return wrap(ErrInvalidConfig, "embedder dimensions must be positive")
	}

	if !storeProviders[c.Storage.Provider] {
		return wrap(ErrStoreNotSupported, "%q", c.Storage.Provider)
	}

	if c.Segmenter.SafetyMargin < 0 || c.Segmenter.SafetyMargin > 1 {
		return wrap(ErrInvalidConfig, "safety margin must be in (0, 1]")
	}
	if c.Merger.Strategy != "" && c.Merger.Strategy != "reembed" && c.Merger.Strategy != "centroid" {
		return wrap(ErrInvalidConfig, "merge strategy %q", c.Merger.Strategy)
	}
	for name, v := range c.Merger.Thresholds {
		if v <= 0 || v > 1 {
			return wrap(ErrInvalidConfig, "threshold of %q must be in (0, 1]", name)
		}
	}
	if c.Retry.MaxRetries < 0 {
		return wrap(ErrInvalidConfig, "max retries must not be negative")
	}
	if c.Pipeline.NodeID < 0 || c.Pipeline.NodeID > 1023 {
		return wrap(ErrInvalidConfig, "node id must be in 0..1023")
	}
	return nil
}

// FindEnvFile searches for .env or .env.example files.
//
// The search:
//  1. Checks the current directory
//  2. Searches up to 5 directory levels up
//  3. Returns the first .env or .env.example file found
func FindEnvFile() (string, bool) {
	if _, err := os.Stat(".env"); err == nil {
		return ".env", true
	}
	if _, err := os.Stat(".env.example"); err == nil {
		return ".env.example", true
	}

	dir, _ := os.Getwd()
	for i := 0; i < 5; i++ {
		envPath := filepath.Join(dir, ".env")
		envExamplePath := filepath.Join(dir, ".env.example")

		if _, err := os.Stat(envPath); err == nil {
			return envPath, true
		}
		if _, err := os.Stat(envExamplePath); err == nil {
			return envExamplePath, true
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", false
}
