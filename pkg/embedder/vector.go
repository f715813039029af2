package embedder

import (
	"fmt"
	"math"
)

// Validate checks that vec has exactly dims elements and only finite values.
func Validate(vec []float64, dims int) error {
	if len(vec) != dims {
		return fmt.Errorf("%w: got %d, expected %d", ErrDimensionMismatch, len(vec), dims)
	}
	for i, v := range vec {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite value at index %d", ErrInvalidVector, i)
		}
	}
	return nil
}

// CosineSimilarity returns dot(a,b) / (|a|*|b|), or 0 when either norm is zero.
func CosineSimilarity(a, b []float64) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0, nil
	}

	sim := dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
	// Clamp rounding drift.
	if sim > 1 {
		sim = 1
	} else if sim < -1 {
		sim = -1
	}
	return sim, nil
}

// Normalize returns vec scaled to unit length. A zero vector is returned unchanged.
func Normalize(vec []float64) []float64 {
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	out := make([]float64, len(vec))
	if norm == 0 {
		copy(out, vec)
		return out
	}
	norm = math.Sqrt(norm)
	for i, v := range vec {
		out[i] = v / norm
	}
	return out
}

// WeightedAverage returns the normalized weighted mean of vecs. All vectors
// must have the same length and weights must align with vecs.
func WeightedAverage(vecs [][]float64, weights []float64) ([]float64, error) {
	if len(vecs) == 0 {
		return nil, nil
	}
	if len(weights) != len(vecs) {
		return nil, fmt.Errorf("WeightedAverage: %d vectors, %d weights", len(vecs), len(weights))
	}
	dims := len(vecs[0])
	sum := make([]float64, dims)
	var total float64
	for i, v := range vecs {
		if len(v) != dims {
			return nil, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(v), dims)
		}
		for j, x := range v {
			sum[j] += x * weights[i]
		}
		total += weights[i]
	}
	if total == 0 {
		return Normalize(sum), nil
	}
	for j := range sum {
		sum[j] /= total
	}
	return Normalize(sum), nil
}

// AverageEmbeddings returns the normalized unweighted mean of vecs.
func AverageEmbeddings(vecs ...[]float64) ([]float64, error) {
	weights := make([]float64, len(vecs))
	for i := range weights {
		weights[i] = 1
	}
	return WeightedAverage(vecs, weights)
}
