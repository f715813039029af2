package embedder_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/memconsolidate-go/pkg/embedder"
	"github.com/oceanbase/memconsolidate-go/pkg/embedder/hash"
)

// countingProvider wraps the hash embedder and records batch sizes.
type countingProvider struct {
	*hash.Embedder
	mu      sync.Mutex
	calls   int
	batches []int
	err     error
	dims    int
}

func newCounting(dims int) *countingProvider {
	return &countingProvider{Embedder: hash.New(dims), dims: dims}
}

func (p *countingProvider) Embed(ctx context.Context, text string) ([]float64, error) {
	p.mu.Lock()
	p.calls++
	err := p.err
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return p.Embedder.Embed(ctx, text)
}

func (p *countingProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	p.mu.Lock()
	p.calls++
	p.batches = append(p.batches, len(texts))
	err := p.err
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return p.Embedder.EmbedBatch(ctx, texts)
}

type observer struct {
	mu    sync.Mutex
	calls []bool
	api   string
}

func (o *observer) RecordAPICall(api string, success bool, latency time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.api = api
	o.calls = append(o.calls, success)
}

func TestNewServiceRequiresProvider(t *testing.T) {
	_, err := embedder.NewService(nil, embedder.ServiceConfig{})
	assert.Error(t, err)
}

func TestServiceDimensionsFromProvider(t *testing.T) {
	svc, err := embedder.NewService(hash.New(32), embedder.ServiceConfig{})
	require.NoError(t, err)
	assert.Equal(t, 32, svc.Dimensions())
}

func TestServiceEmbedValidatesAndObserves(t *testing.T) {
	obs := &observer{}
	svc, err := embedder.NewService(hash.New(16), embedder.ServiceConfig{Observer: obs})
	require.NoError(t, err)

	vec, err := svc.Embed(context.Background(), "me gusta el jazz")
	require.NoError(t, err)
	assert.Len(t, vec, 16)
	assert.NoError(t, svc.Validate(vec))
	assert.Equal(t, []bool{true}, obs.calls)
	assert.Equal(t, "embedding", obs.api)
}

func TestServiceEmbedDimensionMismatch(t *testing.T) {
	obs := &observer{}
	svc, err := embedder.NewService(hash.New(8), embedder.ServiceConfig{Dimensions: 16, Observer: obs})
	require.NoError(t, err)

	_, err = svc.Embed(context.Background(), "texto")
	assert.True(t, errors.Is(err, embedder.ErrDimensionMismatch))
	assert.Equal(t, []bool{false}, obs.calls)
}

func TestServiceEmbedBatchChunks(t *testing.T) {
	p := newCounting(8)
	svc, err := embedder.NewService(p, embedder.ServiceConfig{BatchSize: 10})
	require.NoError(t, err)

	texts := make([]string, 25)
	for i := range texts {
		texts[i] = string(rune('a' + i))
	}
	vecs, err := svc.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vecs, 25)
	assert.Equal(t, []int{10, 10, 5}, p.batches)

	for i, text := range texts {
		want, err := hash.New(8).Embed(context.Background(), text)
		require.NoError(t, err)
		assert.Equal(t, want, vecs[i], "order of %q", text)
	}
}

func TestServiceEmbedBatchError(t *testing.T) {
	p := newCounting(8)
	p.err = errors.New("unavailable")
	svc, err := embedder.NewService(p, embedder.ServiceConfig{})
	require.NoError(t, err)

	_, err = svc.EmbedBatch(context.Background(), []string{"a", "b"})
	assert.Error(t, err)
}

func TestServiceCache(t *testing.T) {
	p := newCounting(8)
	svc, err := embedder.NewService(p, embedder.ServiceConfig{CacheEntries: 100})
	require.NoError(t, err)
	defer svc.Close()

	ctx := context.Background()
	first, err := svc.Embed(ctx, "hola")
	require.NoError(t, err)
	second, err := svc.Embed(ctx, "hola")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, p.calls)

	// cached entries are not sent again
	_, err = svc.EmbedBatch(ctx, []string{"hola", "adiós"})
	require.NoError(t, err)
	assert.Equal(t, []int{1}, p.batches)
}

func TestServiceRateLimitHonoursContext(t *testing.T) {
	svc, err := embedder.NewService(hash.New(8), embedder.ServiceConfig{RequestsPerSecond: 0.001})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = svc.Embed(ctx, "first")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = svc.Embed(ctx, "second")
	assert.Error(t, err)
}
