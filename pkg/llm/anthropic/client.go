// Package anthropic implements llm.Provider with the Anthropic Messages API.
//
// It is typically configured as the fallback analyzer: when the primary
// provider's response cannot be parsed, the extractor retries once here.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/oceanbase/memconsolidate-go/pkg/llm"
)

// DefaultModel is used when Config.Model is empty.
const DefaultModel = "claude-3-5-haiku-latest"

// Client is an Anthropic analysis client.
// System messages are sent in the dedicated system field, as the Messages API requires.
type Client struct {
	client *anthropic.Client
	model  string
}

// Config is the configuration for the Anthropic client.
// APIKey: Anthropic API key (required)
// Model: model name, defaults to DefaultModel
// BaseURL: API base URL, defaults to the SDK default
type Config struct {
	APIKey  string
	Model   string
	BaseURL string
}

// NewClient creates a new Anthropic client.
func NewClient(cfg *Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("API key is required")
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}

	return &Client{
		client: &client,
		model:  model,
	}, nil
}

// Generate sends a single user prompt.
func (c *Client) Generate(ctx context.Context, prompt string, opts ...llm.GenerateOption) (string, error) {
	return c.GenerateWithMessages(ctx, []llm.Message{{Role: llm.RoleUser, Content: prompt}}, opts...)
}

// GenerateWithMessages separates system messages and sends the rest as the conversation.
func (c *Client) GenerateWithMessages(ctx context.Context, messages []llm.Message, opts ...llm.GenerateOption) (string, error) {
	options := llm.ApplyGenerateOptions(opts)

	var (
		system []anthropic.TextBlockParam
		params []anthropic.MessageParam
	)
	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleSystem:
			system = append(system, anthropic.TextBlockParam{Text: msg.Content})
		case llm.RoleAssistant:
			params = append(params, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			params = append(params, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	if len(params) == 0 {
		return "", errors.New("llm generation failed: no user message")
	}

	req := anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   int64(options.MaxTokens),
		Messages:    params,
		System:      system,
		Temperature: anthropic.Float(options.Temperature),
	}
	if len(options.Stop) > 0 {
		req.StopSequences = options.Stop
	}

	resp, err := c.client.Messages.New(ctx, req)
	if err != nil {
		return "", fmt.Errorf("anthropic API error: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return "", errors.New("llm generation failed: no text content returned")
	}
	return text.String(), nil
}

// Close is a no-op.
func (c *Client) Close() error {
	return nil
}
