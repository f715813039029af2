// Package voyage provides the Voyage AI embedder.
//
// Voyage converts text into vector embeddings for similarity search. This
// package implements the embedder.Provider interface over the REST API.
package voyage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// DefaultBaseURL is the Voyage API endpoint.
	DefaultBaseURL = "https://api.voyageai.com/v1"

	// DefaultModel is used when Config.Model is empty.
	DefaultModel = "voyage-3-large"

	// DefaultDimensions is the output dimension of DefaultModel.
	DefaultDimensions = 1024
)

// Client implements embedder.Provider using the Voyage embeddings endpoint.
type Client struct {
	client     *http.Client
	apiKey     string
	model      string
	baseURL    string
	inputType  string
	dimensions int
}

// Config contains configuration for creating a Voyage client.
type Config struct {
	// APIKey is the Voyage API key (required).
	APIKey string

	// Model is the model name (default: "voyage-3-large").
	Model string

	// BaseURL is the API base URL (default: Voyage official address).
	BaseURL string

	// InputType is "document" (default) or "query".
	InputType string

	// Dimensions is the vector dimension (default: 1024).
	Dimensions int

	// HTTPClient is a custom HTTP client (uses a 30s timeout client if nil).
	HTTPClient *http.Client
}

// NewClient creates a new Voyage client.
func NewClient(cfg *Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("API key is required")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}

	inputType := cfg.InputType
	if inputType == "" {
		inputType = "document"
	}

	dimensions := cfg.Dimensions
	if dimensions == 0 {
		dimensions = DefaultDimensions
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{
			Timeout: 30 * time.Second,
		}
	}

	return &Client{
		client:     client,
		apiKey:     cfg.APIKey,
		model:      model,
		baseURL:    baseURL,
		inputType:  inputType,
		dimensions: dimensions,
	}, nil
}

// StatusError is returned for non-200 responses. The status code lets the
// retry policy tell transient failures (429, 5xx) from permanent ones.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API request failed with status %d: %s", e.StatusCode, e.Body)
}

// HTTPStatusCode exposes the status code.
func (e *StatusError) HTTPStatusCode() int {
	return e.StatusCode
}

type embeddingRequest struct {
	Input           []string `json:"input"`
	Model           string   `json:"model"`
	InputType       string   `json:"input_type,omitempty"`
	OutputDimension int      `json:"output_dimension,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embed converts a single text into a vector.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch converts texts into vectors in a single request.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	jsonData, err := json.Marshal(embeddingRequest{
		Input:           texts,
		Model:           c.model,
		InputType:       c.inputType,
		OutputDimension: c.dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/embeddings", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var response embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if len(response.Data) != len(texts) {
		return nil, fmt.Errorf("embedding generation failed: unexpected number of results (got %d, expected %d)", len(response.Data), len(texts))
	}

	embeddings := make([][]float64, len(texts))
	for _, d := range response.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("embedding generation failed: index %d out of range", d.Index)
		}
		embeddings[d.Index] = d.Embedding
	}
	return embeddings, nil
}

// Dimensions returns the configured vector length.
func (c *Client) Dimensions() int {
	return c.dimensions
}

// Close is a no-op; the HTTP client needs no explicit closing.
func (c *Client) Close() error {
	return nil
}
