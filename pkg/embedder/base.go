// Package embedder turns memory text into fixed-length vectors.
//
// Provider is implemented by the API clients in the subpackages. Service wraps
// a Provider with batch chunking, vector validation, caching, rate limiting
// and call telemetry, and is what the rest of the engine uses.
package embedder

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDimensionMismatch is returned when vectors have different or unexpected lengths.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrInvalidVector is returned for vectors containing NaN or infinite values.
	ErrInvalidVector = errors.New("invalid embedding vector")
)

// Provider is an embedding API client.
type Provider interface {
	// Embed converts a text string into a vector.
	Embed(ctx context.Context, text string) ([]float64, error)

	// EmbedBatch converts texts into vectors, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float64, error)

	// Dimensions returns the vector length produced by this provider.
	Dimensions() int

	// Close releases resources held by the provider.
	Close() error
}

// CallObserver receives one record per provider call.
type CallObserver interface {
	RecordAPICall(api string, success bool, latency time.Duration)
}
