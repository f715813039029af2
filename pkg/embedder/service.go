package embedder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultBatchSize is the maximum number of texts sent in one provider call.
const DefaultBatchSize = 10

// ServiceConfig configures a Service.
type ServiceConfig struct {
	// Dimensions overrides the provider's dimension (0 uses Provider.Dimensions).
	Dimensions int

	// BatchSize bounds texts per provider call (default 10).
	BatchSize int

	// CacheEntries enables an in-process text->vector cache of that many entries.
	CacheEntries int64

	// RequestsPerSecond limits provider calls (0 disables).
	RequestsPerSecond float64

	// Burst is the limiter burst (default 1).
	Burst int

	// APIName labels provider calls in telemetry (default "embedding").
	APIName string

	Observer CallObserver
	Logger   *zap.Logger
}

// Service wraps a Provider with chunking, validation, caching and rate limiting.
type Service struct {
	provider  Provider
	dims      int
	batchSize int
	apiName   string
	cache     *ristretto.Cache
	limiter   *rate.Limiter
	observer  CallObserver
	logger    *zap.Logger
}

// NewService creates a Service around provider.
func NewService(provider Provider, cfg ServiceConfig) (*Service, error) {
	if provider == nil {
		return nil, errors.New("embedder: provider is required")
	}
	s := &Service{
		provider:  provider,
		dims:      cfg.Dimensions,
		batchSize: cfg.BatchSize,
		apiName:   cfg.APIName,
		observer:  cfg.Observer,
		logger:    cfg.Logger,
	}
	if s.dims <= 0 {
		s.dims = provider.Dimensions()
	}
	if s.dims <= 0 {
		return nil, errors.New("embedder: dimensions must be positive")
	}
	if s.batchSize <= 0 {
		s.batchSize = DefaultBatchSize
	}
	if s.apiName == "" {
		s.apiName = "embedding"
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	if cfg.CacheEntries > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: cfg.CacheEntries * 10,
			MaxCost:     cfg.CacheEntries,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("embedder: cache: %w", err)
		}
		s.cache = cache
	}
	return s, nil
}

// Dimensions returns the configured vector length.
func (s *Service) Dimensions() int {
	return s.dims
}

// Validate checks a vector against the configured dimension.
func (s *Service) Validate(vec []float64) error {
	return Validate(vec, s.dims)
}

// CosineSimilarity compares two vectors.
func (s *Service) CosineSimilarity(a, b []float64) (float64, error) {
	return CosineSimilarity(a, b)
}

func (s *Service) cached(text string) ([]float64, bool) {
	if s.cache == nil {
		return nil, false
	}
	v, ok := s.cache.Get(text)
	if !ok {
		return nil, false
	}
	vec, ok := v.([]float64)
	if !ok {
		return nil, false
	}
	return append([]float64(nil), vec...), true
}

func (s *Service) store(text string, vec []float64) {
	if s.cache != nil {
		s.cache.Set(text, append([]float64(nil), vec...), 1)
		s.cache.Wait()
	}
}

func (s *Service) observe(start time.Time, err error) {
	if s.observer != nil {
		s.observer.RecordAPICall(s.apiName, err == nil, time.Since(start))
	}
}

func (s *Service) wait(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	return nil
}

// Embed embeds a single text and validates the result.
func (s *Service) Embed(ctx context.Context, text string) ([]float64, error) {
	if vec, ok := s.cached(text); ok {
		return vec, nil
	}
	if err := s.wait(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	vec, err := s.provider.Embed(ctx, text)
	if err == nil {
		err = s.Validate(vec)
	}
	s.observe(start, err)
	if err != nil {
		return nil, fmt.Errorf("Embed: %w", err)
	}

	s.store(text, vec)
	return vec, nil
}

// EmbedBatch embeds texts in chunks of BatchSize. The result is in input order.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	var (
		pending    []string
		pendingIdx []int
	)
	for i, t := range texts {
		if vec, ok := s.cached(t); ok {
			out[i] = vec
			continue
		}
		pending = append(pending, t)
		pendingIdx = append(pendingIdx, i)
	}

	for start := 0; start < len(pending); start += s.batchSize {
		end := start + s.batchSize
		if end > len(pending) {
			end = len(pending)
		}
		chunk := pending[start:end]

		if err := s.wait(ctx); err != nil {
			return nil, err
		}
		callStart := time.Now()
		vecs, err := s.provider.EmbedBatch(ctx, chunk)
		if err == nil && len(vecs) != len(chunk) {
			err = fmt.Errorf("provider returned %d vectors for %d texts", len(vecs), len(chunk))
		}
		if err == nil {
			for _, v := range vecs {
				if err = s.Validate(v); err != nil {
					break
				}
			}
		}
		s.observe(callStart, err)
		if err != nil {
			return nil, fmt.Errorf("EmbedBatch: chunk %d-%d: %w", start, end, err)
		}

		for j, v := range vecs {
			out[pendingIdx[start+j]] = v
			s.store(chunk[j], v)
		}
		s.logger.Debug("embedded chunk", zap.Int("size", len(chunk)), zap.Duration("latency", time.Since(callStart)))
	}
	return out, nil
}

// Close closes the cache and the provider.
func (s *Service) Close() error {
	if s.cache != nil {
		s.cache.Close()
	}
	return s.provider.Close()
}

var _ Provider = (*Service)(nil)
