// Package venice provides the Venice AI analysis client.
//
// Venice exposes an OpenAI-compatible API, so the client reuses the go-openai
// SDK with a different base URL.
package venice

import (
	"errors"

	llmopenai "github.com/oceanbase/memconsolidate-go/pkg/llm/openai"
	openai "github.com/sashabaranov/go-openai"
)

const (
	// DefaultBaseURL is the Venice API endpoint.
	DefaultBaseURL = "https://api.venice.ai/api/v1"

	// DefaultModel is used when Config.Model is empty.
	DefaultModel = "llama-3.3-70b"
)

// Config is the configuration for the Venice client.
// APIKey: Venice API key (required)
// Model: model name, defaults to DefaultModel
// BaseURL: API base URL, defaults to DefaultBaseURL
type Config struct {
	APIKey  string
	Model   string
	BaseURL string
}

// NewClient creates a Venice client. The returned client implements llm.Provider.
func NewClient(cfg *Config) (*llmopenai.Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("API key is required")
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	} else {
		config.BaseURL = DefaultBaseURL
	}

	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	return llmopenai.NewFromConfig(config, model), nil
}
