// Package llm defines the text-analysis client used to extract memories from
// conversation batches.
//
// Implementations live in the subpackages (openai, venice, anthropic). All of
// them accept a system+user message pair and return free text.
package llm

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Provider is a text-analysis client.
type Provider interface {
	// Generate sends a single user prompt.
	Generate(ctx context.Context, prompt string, opts ...GenerateOption) (string, error)

	// GenerateWithMessages sends a message list (system, user, assistant roles).
	GenerateWithMessages(ctx context.Context, messages []Message, opts ...GenerateOption) (string, error)

	// Close releases resources held by the provider.
	Close() error
}

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a single message in a request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SystemUser builds the two-message request used for analysis calls.
func SystemUser(system, user string) []Message {
	return []Message{
		{Role: RoleSystem, Content: system},
		{Role: RoleUser, Content: user},
	}
}

// GenerateOptions contains options for text generation.
type GenerateOptions struct {
	// Temperature controls randomness (0.0-2.0).
	Temperature float64

	// MaxTokens limits the response length.
	MaxTokens int

	// TopP controls nucleus sampling (0.0-1.0).
	TopP float64

	// Stop contains stop sequences.
	Stop []string

	// JSON asks the provider for a JSON object response where supported.
	JSON bool
}

// GenerateOption configures a generation call.
type GenerateOption func(*GenerateOptions)

// WithTemperature sets the temperature.
func WithTemperature(temp float64) GenerateOption {
	return func(opts *GenerateOptions) {
		opts.Temperature = temp
	}
}

// WithMaxTokens sets the maximum number of tokens in the response.
func WithMaxTokens(max int) GenerateOption {
	return func(opts *GenerateOptions) {
		opts.MaxTokens = max
	}
}

// WithTopP sets the top-p parameter.
func WithTopP(topP float64) GenerateOption {
	return func(opts *GenerateOptions) {
		opts.TopP = topP
	}
}

// WithStop sets stop sequences.
func WithStop(stop ...string) GenerateOption {
	return func(opts *GenerateOptions) {
		opts.Stop = stop
	}
}

// WithJSONResponse requests a JSON object response. Providers without a
// structured output mode ignore it.
func WithJSONResponse() GenerateOption {
	return func(opts *GenerateOptions) {
		opts.JSON = true
	}
}

// ApplyGenerateOptions applies opts over the defaults Temperature=0.7,
// MaxTokens=1000, TopP=1.0.
func ApplyGenerateOptions(opts []GenerateOption) *GenerateOptions {
	options := &GenerateOptions{
		Temperature: 0.7,
		MaxTokens:   1000,
		TopP:        1.0,
	}
	for _, opt := range opts {
		opt(options)
	}
	return options
}

// RateLimited wraps a Provider so every call waits on a token bucket.
type RateLimited struct {
	Provider
	limiter *rate.Limiter
}

// NewRateLimited limits p to rps calls per second with the given burst.
// A non-positive rps returns p unchanged.
func NewRateLimited(p Provider, rps float64, burst int) Provider {
	if rps <= 0 {
		return p
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimited{Provider: p, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Generate waits for the limiter then delegates.
func (r *RateLimited) Generate(ctx context.Context, prompt string, opts ...GenerateOption) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit: %w", err)
	}
	return r.Provider.Generate(ctx, prompt, opts...)
}

// GenerateWithMessages waits for the limiter then delegates.
func (r *RateLimited) GenerateWithMessages(ctx context.Context, messages []Message, opts ...GenerateOption) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit: %w", err)
	}
	return r.Provider.GenerateWithMessages(ctx, messages, opts...)
}
