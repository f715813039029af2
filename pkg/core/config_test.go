package core_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/memconsolidate-go/pkg/core"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := core.DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "memory", cfg.Storage.Provider)
	assert.Equal(t, "hash", cfg.Embedder.Provider)
	assert.Equal(t, 1024, cfg.Embedder.Dimensions)
	assert.Equal(t, 80, cfg.Segmenter.MaxTurnsPerBatch)
	assert.Equal(t, 32768, cfg.Segmenter.TokenLimit)
	assert.Equal(t, 0.8, cfg.Segmenter.SafetyMargin)
	assert.Equal(t, 15*time.Minute, cfg.Detector.LowActivityTimeout.D())
	assert.Equal(t, 30*time.Minute, cfg.Detector.NormalActivityTimeout.D())
	assert.Equal(t, 45*time.Minute, cfg.Detector.HighActivityTimeout.D())
	assert.Equal(t, 120*time.Minute, cfg.Detector.SessionCap.D())
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, time.Second, cfg.Pipeline.InterBatchDelay.D())
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("DATABASE_PROVIDER", "sqlite")
	t.Setenv("SQLITE_PATH", "./test.db")
	t.Setenv("SQLITE_DRIVER", "sqlite")
	t.Setenv("LLM_PROVIDER", "venice")
	t.Setenv("LLM_API_KEY", "test-key")
	t.Setenv("FALLBACK_LLM_PROVIDER", "anthropic")
	t.Setenv("FALLBACK_LLM_API_KEY", "other-key")
	t.Setenv("EMBEDDING_PROVIDER", "voyage")
	t.Setenv("EMBEDDING_API_KEY", "test-key")
	t.Setenv("DETECTOR_HIGH_ACTIVITY_TIMEOUT", "50m")
	t.Setenv("MERGER_STRATEGY", "centroid")
	t.Setenv("MERGER_THRESHOLDS", "gustos:0.7,emociones:0.9")
	t.Setenv("RETRY_BASE_DELAY", "500ms")

	cfg, err := core.LoadConfigFromEnv()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "sqlite", cfg.Storage.Provider)
	assert.Equal(t, "./test.db", cfg.Storage.SQLite.Path)
	assert.Equal(t, "sqlite", cfg.Storage.SQLite.Driver)
	assert.Equal(t, "venice", cfg.LLM.Provider)
	assert.Equal(t, "anthropic", cfg.FallbackLLM.Provider)
	assert.Equal(t, "other-key", cfg.FallbackLLM.APIKey)
	assert.Equal(t, "voyage", cfg.Embedder.Provider)
	assert.Equal(t, 50*time.Minute, cfg.Detector.HighActivityTimeout.D())
	assert.Equal(t, 30*time.Minute, cfg.Detector.NormalActivityTimeout.D())
	assert.Equal(t, "centroid", cfg.Merger.Strategy)
	assert.Equal(t, map[string]float64{"gustos": 0.7, "emociones": 0.9}, cfg.Merger.Thresholds)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.BaseDelay.D())
}

func TestLoadConfigFromJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{
		"llm": {"provider": "openai", "api_key": "k"},
		"detector": {"session_cap": "90m", "low_activity_below": 3},
		"pipeline": {"inter_batch_delay": 0, "node_id": 7}
	}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := core.LoadConfigFromJSON(path)
	require.NoError(t, err)

	assert.Equal(t, "openai", cfg.LLM.Provider)
	assert.Equal(t, 90*time.Minute, cfg.Detector.SessionCap.D())
	assert.Equal(t, 3, cfg.Detector.LowActivityBelow)
	assert.Equal(t, 20, cfg.Detector.HighActivityAbove)
	assert.Equal(t, time.Duration(0), cfg.Pipeline.InterBatchDelay.D())
	assert.Equal(t, int64(7), cfg.Pipeline.NodeID)
	assert.Equal(t, "hash", cfg.Embedder.Provider)
}

func TestLoadConfigFromJSONMissingFile(t *testing.T) {
	_, err := core.LoadConfigFromJSON(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*core.Config)
		want   error
	}{
		{
			name:   "unknown llm provider",
			mutate: func(c *core.Config) { c.LLM = core.LLMConfig{Provider: "qwen", APIKey: "k"} },
			want:   core.ErrProviderNotSupported,
		},
		{
			name:   "llm without key",
			mutate: func(c *core.Config) { c.LLM = core.LLMConfig{Provider: "openai"} },
			want:   core.ErrMissingCredentials,
		},
		{
			name:   "fallback without key",
			mutate: func(c *core.Config) { c.FallbackLLM = core.LLMConfig{Provider: "anthropic"} },
			want:   core.ErrMissingCredentials,
		},
		{
			name:   "remote embedder without key",
			mutate: func(c *core.Config) { c.Embedder.Provider = "voyage" },
			want:   core.ErrMissingCredentials,
		},
		{
			name:   "zero dimensions",
			mutate: func(c *core.Config) { c.Embedder.Dimensions = 0 },
			want:   core.ErrInvalidConfig,
		},
		{
			name:   "unknown store",
			mutate: func(c *core.Config) { c.Storage.Provider = "redis" },
			want:   core.ErrStoreNotSupported,
		},
		{
			name:   "safety margin above one",
			mutate: func(c *core.Config) { c.Segmenter.SafetyMargin = 1.5 },
			want:   core.ErrInvalidConfig,
		},
		{
			name:   "unknown merge strategy",
			mutate: func(c *core.Config) { c.Merger.Strategy = "append" },
			want:   core.ErrInvalidConfig,
		},
		{
			name:   "threshold out of range",
			mutate: func(c *core.Config) { c.Merger.Thresholds = map[string]float64{"gustos": 1.2} },
			want:   core.ErrInvalidConfig,
		},
		{
			name:   "node id out of range",
			mutate: func(c *core.Config) { c.Pipeline.NodeID = 2048 },
			want:   core.ErrInvalidConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := core.DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)

			var ce *core.ConsolidationError
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, "Validate", ce.Op)
		})
	}
}

func TestDurationUnmarshal(t *testing.T) {
	var d core.Duration
	require.NoError(t, d.UnmarshalJSON([]byte(`"1m30s"`)))
	assert.Equal(t, 90*time.Second, d.D())

	require.NoError(t, d.UnmarshalJSON([]byte(`1000`)))
	assert.Equal(t, time.Microsecond, d.D())

	assert.Error(t, d.UnmarshalJSON([]byte(`"soon"`)))
	assert.Error(t, d.UnmarshalJSON([]byte(`true`)))

	text, err := core.Duration(2 * time.Minute).MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "2m0s", string(text))
}
