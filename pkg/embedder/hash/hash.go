// Package hash provides a deterministic local embedder.
//
// Vectors are derived from an FNV hash of the text, so identical texts always
// produce identical unit vectors and different texts are nearly orthogonal.
// It needs no network access and is used for tests, examples and offline runs.
package hash

import (
	"context"
	"hash/fnv"
	"math"
)

// Embedder generates hash-based unit vectors.
type Embedder struct {
	dimensions int
}

// New creates an embedder producing vectors of the given length (default 1024).
func New(dimensions int) *Embedder {
	if dimensions <= 0 {
		dimensions = 1024
	}
	return &Embedder{dimensions: dimensions}
}

// Embed creates a deterministic embedding from text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float64, e.dimensions)
	var norm float64
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		v := float64(int64(seed)) / float64(math.MaxInt64)
		vec[i] = v
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec, nil
}

// EmbedBatch embeds each text.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Dimensions returns the vector length.
func (e *Embedder) Dimensions() int {
	return e.dimensions
}

// Close is a no-op.
func (e *Embedder) Close() error {
	return nil
}
