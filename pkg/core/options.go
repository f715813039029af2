package core

import (
	"time"

	"github.com/oceanbase/memconsolidate-go/pkg/embedder"
	"github.com/oceanbase/memconsolidate-go/pkg/llm"
	"github.com/oceanbase/memconsolidate-go/pkg/storage"
	"go.uber.org/zap"
)

// ClientOption overrides a component that NewClient would otherwise build
// from the configuration.
type ClientOption func(*clientOptions)

type clientOptions struct {
	store    storage.Store
	llm      llm.Provider
	fallback llm.Provider
	embedder embedder.Provider
	logger   *zap.Logger
	clock    func() time.Time
}

// WithStore uses store instead of the configured storage provider. The client
// takes ownership and closes it.
//
// Example:
//
//	client, _ := core.NewClient(cfg, core.WithStore(memstore.New()))
func WithStore(store storage.Store) ClientOption {
	return func(o *clientOptions) {
		o.store = store
	}
}

// WithLLM uses p as the primary analysis provider.
func WithLLM(p llm.Provider) ClientOption {
	return func(o *clientOptions) {
		o.llm = p
	}
}

// WithFallbackLLM uses p for the fallback analysis call.
func WithFallbackLLM(p llm.Provider) ClientOption {
	return func(o *clientOptions) {
		o.fallback = p
	}
}

// WithEmbedder uses p as the embedding provider.
func WithEmbedder(p embedder.Provider) ClientOption {
	return func(o *clientOptions) {
		o.embedder = p
	}
}

// WithLogger uses l instead of a logger built from the Log section.
func WithLogger(l *zap.Logger) ClientOption {
	return func(o *clientOptions) {
		o.logger = l
	}
}

// WithClock injects the time source of the detector and merger.
func WithClock(now func() time.Time) ClientOption {
	return func(o *clientOptions) {
		o.clock = now
	}
}
