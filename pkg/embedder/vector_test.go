package embedder_test

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/memconsolidate-go/pkg/embedder"
)

func TestValidate(t *testing.T) {
	assert.NoError(t, embedder.Validate([]float64{0.1, 0.2, 0.3}, 3))

	err := embedder.Validate([]float64{0.1, 0.2}, 3)
	assert.True(t, errors.Is(err, embedder.ErrDimensionMismatch))

	err = embedder.Validate([]float64{0.1, math.NaN(), 0.3}, 3)
	assert.True(t, errors.Is(err, embedder.ErrInvalidVector))

	err = embedder.Validate([]float64{math.Inf(1), 0, 0}, 3)
	assert.True(t, errors.Is(err, embedder.ErrInvalidVector))
}

func TestCosineSimilarity(t *testing.T) {
	a := []float64{1, 2, 3}
	b := []float64{-2, 0.5, 4}

	self, err := embedder.CosineSimilarity(a, a)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, self, 1e-9)

	ab, err := embedder.CosineSimilarity(a, b)
	require.NoError(t, err)
	ba, err := embedder.CosineSimilarity(b, a)
	require.NoError(t, err)
	assert.Equal(t, ab, ba)

	orth, err := embedder.CosineSimilarity([]float64{1, 0}, []float64{0, 1})
	require.NoError(t, err)
	assert.Equal(t, 0.0, orth)

	opp, err := embedder.CosineSimilarity([]float64{1, 0}, []float64{-1, 0})
	require.NoError(t, err)
	assert.Equal(t, -1.0, opp)
}

func TestCosineSimilarityZeroNorm(t *testing.T) {
	sim, err := embedder.CosineSimilarity([]float64{0, 0, 0}, []float64{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, 0.0, sim)
}

func TestCosineSimilarityMismatch(t *testing.T) {
	_, err := embedder.CosineSimilarity([]float64{1, 2}, []float64{1, 2, 3})
	assert.True(t, errors.Is(err, embedder.ErrDimensionMismatch))
}

func TestNormalize(t *testing.T) {
	n := embedder.Normalize([]float64{3, 4})
	assert.InDelta(t, 0.6, n[0], 1e-12)
	assert.InDelta(t, 0.8, n[1], 1e-12)

	zero := []float64{0, 0}
	assert.Equal(t, zero, embedder.Normalize(zero))
}

func TestAverageEmbeddings(t *testing.T) {
	avg, err := embedder.AverageEmbeddings([]float64{1, 0}, []float64{0, 1})
	require.NoError(t, err)
	assert.InDelta(t, math.Sqrt2/2, avg[0], 1e-12)
	assert.InDelta(t, math.Sqrt2/2, avg[1], 1e-12)

	_, err = embedder.AverageEmbeddings([]float64{1, 0}, []float64{1})
	assert.True(t, errors.Is(err, embedder.ErrDimensionMismatch))

	none, err := embedder.AverageEmbeddings()
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestWeightedAverage(t *testing.T) {
	avg, err := embedder.WeightedAverage([][]float64{{1, 0}, {0, 1}}, []float64{3, 1})
	require.NoError(t, err)
	assert.Greater(t, avg[0], avg[1])

	_, err = embedder.WeightedAverage([][]float64{{1, 0}}, []float64{1, 2})
	assert.Error(t, err)
}
