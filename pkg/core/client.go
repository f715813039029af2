package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/oceanbase/memconsolidate-go/pkg/detector"
	"github.com/oceanbase/memconsolidate-go/pkg/embedder"
	"github.com/oceanbase/memconsolidate-go/pkg/embedder/hash"
	embopenai "github.com/oceanbase/memconsolidate-go/pkg/embedder/openai"
	"github.com/oceanbase/memconsolidate-go/pkg/embedder/voyage"
	"github.com/oceanbase/memconsolidate-go/pkg/intelligence"
	"github.com/oceanbase/memconsolidate-go/pkg/llm"
	"github.com/oceanbase/memconsolidate-go/pkg/llm/anthropic"
	llmopenai "github.com/oceanbase/memconsolidate-go/pkg/llm/openai"
	"github.com/oceanbase/memconsolidate-go/pkg/llm/venice"
	"github.com/oceanbase/memconsolidate-go/pkg/logger"
	"github.com/oceanbase/memconsolidate-go/pkg/metrics"
	"github.com/oceanbase/memconsolidate-go/pkg/pipeline"
	"github.com/oceanbase/memconsolidate-go/pkg/retry"
	"github.com/oceanbase/memconsolidate-go/pkg/segment"
	"github.com/oceanbase/memconsolidate-go/pkg/storage"
	"github.com/oceanbase/memconsolidate-go/pkg/storage/memstore"
	"github.com/oceanbase/memconsolidate-go/pkg/storage/oceanbase"
	"github.com/oceanbase/memconsolidate-go/pkg/storage/postgres"
	"github.com/oceanbase/memconsolidate-go/pkg/storage/sqlite"
	"go.uber.org/zap"
)

// Client is the entry point of the engine. It owns the store and the
// providers built from a Config and exposes the consolidation operations.
//
// Client is safe for concurrent use. Runs for the same user/persona pair are
// serialized; runs for different pairs proceed in parallel.
//
// Example:
//
//	cfg, _ := core.LoadConfigFromEnv()
//	client, err := core.NewClient(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
//	if client.ShouldEnd(ctx, "user-1", "persona-1") {
//		res, err := client.Run(ctx, "user-1", "persona-1")
//		...
//	}
type Client struct {
	cfg *Config

	store     storage.Store
	analysis  llm.Provider
	fallback  llm.Provider
	embedding embedder.Provider
	embedSvc  *embedder.Service

	detector  *detector.Detector
	extractor *intelligence.Extractor
	merger    *intelligence.Merger
	pipeline  *pipeline.Pipeline
	recorder  *metrics.Recorder

	snowflakeNode *snowflake.Node
	now           func() time.Time
	logger        *zap.Logger
}

// NewClient validates cfg and builds every component. Options replace the
// components that would otherwise be built from cfg.
//
// When neither cfg.LLM nor WithLLM provides an analysis provider the client
// still evaluates conversations and manages categories, but Run returns an
// error.
func NewClient(cfg *Config, opts ...ClientOption) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &clientOptions{}
	for _, opt := range opts {
		opt(o)
	}

	log := o.logger
	if log == nil {
		l, err := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
		if err != nil {
			return nil, NewConsolidationError("NewClient", fmt.Errorf("%w: log level: %v", ErrInvalidConfig, err))
		}
		log = l
	}
	now := o.clock
	if now == nil {
		now = time.Now
	}

	c := &Client{
		cfg:      cfg,
		now:      now,
		logger:   log,
		recorder: metrics.NewRecorder(cfg.Metrics.Capacity),
	}
	c.recorder.SetClock(now)

	if err := c.init(o); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) init(o *clientOptions) error {
	cfg := c.cfg
	var err error

	c.store = o.store
	if c.store == nil {
		if c.store, err = initStorage(cfg.Storage, cfg.Embedder.Dimensions); err != nil {
			return err
		}
	}

	c.analysis = o.llm
	if c.analysis == nil && cfg.LLM.Provider != "" {
		if c.analysis, err = initLLM(cfg.LLM); err != nil {
			return err
		}
	}
	c.fallback = o.fallback
	if c.fallback == nil && cfg.FallbackLLM.Provider != "" {
		if c.fallback, err = initLLM(cfg.FallbackLLM); err != nil {
			return err
		}
	}

	c.embedding = o.embedder
	if c.embedding == nil {
		if c.embedding, err = initEmbedder(cfg.Embedder); err != nil {
			return err
		}
	}
	c.embedSvc, err = embedder.NewService(c.embedding, embedder.ServiceConfig{
		Dimensions:        cfg.Embedder.Dimensions,
		BatchSize:         cfg.Embedder.BatchSize,
		CacheEntries:      cfg.Embedder.CacheEntries,
		RequestsPerSecond: cfg.Embedder.RequestsPerSecond,
		APIName:           "embedding",
		Observer:          c.recorder,
		Logger:            c.logger,
	})
	if err != nil {
		return NewConsolidationError("NewClient", err)
	}

	c.snowflakeNode, err = snowflake.NewNode(cfg.Pipeline.NodeID)
	if err != nil {
		return NewConsolidationError("NewClient", err)
	}

	tree, err := c.loadTree(context.Background())
	if err != nil {
		return err
	}

	c.detector = detector.New(c.store, c.detectorConfig(),
		detector.WithClock(c.now),
		detector.WithLogger(c.logger.Named("detector")),
		detector.WithObserver(c.recorder))

	c.merger, err = intelligence.NewMerger(c.store, tree, c.embedSvc,
		intelligence.IDFunc(func() int64 { return c.snowflakeNode.Generate().Int64() }),
		c.mergerConfig(),
		intelligence.WithMergerClock(c.now),
		intelligence.WithMergerLogger(c.logger.Named("merger")),
		intelligence.WithEmbedInvoker(c.invoker("embedding")),
		intelligence.WithCategoryStore(c.store))
	if err != nil {
		return NewConsolidationError("NewClient", err)
	}

	if c.analysis == nil {
		c.logger.Info("no analysis provider configured, runs are disabled")
		return nil
	}

	labels := c.labels()
	var fb intelligence.Fallback = intelligence.NewHeuristicFallback(labels)
	if c.fallback != nil {
		fb = intelligence.NewLLMFallback(c.fallback, tree)
	}
	c.extractor, err = intelligence.NewExtractor(c.analysis,
		intelligence.WithFallback(fb),
		intelligence.WithInvoker(c.invoker("analysis")),
		intelligence.WithCallObserver(c.recorder, "analysis"),
		intelligence.WithCategoryTree(tree),
		intelligence.WithExtractorLogger(c.logger.Named("extractor")))
	if err != nil {
		return NewConsolidationError("NewClient", err)
	}

	seg := segment.New(segment.Config{
		MaxTurnsPerBatch: cfg.Segmenter.MaxTurnsPerBatch,
		TokenLimit:       cfg.Segmenter.TokenLimit,
		SafetyMargin:     cfg.Segmenter.SafetyMargin,
	})
	c.pipeline, err = pipeline.New(c.store, seg, c.extractor, c.merger,
		pipeline.Config{InterBatchDelay: cfg.Pipeline.InterBatchDelay.D(), Labels: labels},
		pipeline.WithRecorder(c.recorder),
		pipeline.WithLogger(c.logger.Named("pipeline")))
	if err != nil {
		return NewConsolidationError("NewClient", err)
	}
	return nil
}

// loadTree reads the category tree and seeds the default taxonomy into an
// empty store.
func (c *Client) loadTree(ctx context.Context) (*storage.CategoryTree, error) {
	tree, err := storage.LoadCategoryTree(ctx, c.store)
	if err != nil {
		return nil, NewConsolidationError("NewClient", err)
	}
	if tree.Len() > 0 {
		return tree, nil
	}
	tree, err = storage.SeedTaxonomy(ctx, c.store, storage.DefaultTaxonomy())
	if err != nil {
		return nil, NewConsolidationError("NewClient", err)
	}
	c.logger.Info("seeded default taxonomy", zap.Int("categories", tree.Len()))
	return tree, nil
}

func (c *Client) labels() segment.Labels {
	labels := segment.DefaultLabels
	if c.cfg.Pipeline.UserLabel != "" {
		labels.User = c.cfg.Pipeline.UserLabel
	}
	if c.cfg.Pipeline.PersonaLabel != "" {
		labels.Persona = c.cfg.Pipeline.PersonaLabel
	}
	return labels
}

func (c *Client) detectorConfig() detector.Config {
	d := c.cfg.Detector
	cfg := detector.DefaultConfig()
	cfg.LowActivityTimeout = d.LowActivityTimeout.D()
	cfg.NormalActivityTimeout = d.NormalActivityTimeout.D()
	cfg.HighActivityTimeout = d.HighActivityTimeout.D()
	cfg.SessionCap = d.SessionCap.D()
	cfg.LowActivityBelow = d.LowActivityBelow
	cfg.HighActivityAbove = d.HighActivityAbove
	return cfg
}

func (c *Client) mergerConfig() intelligence.MergerConfig {
	m := c.cfg.Merger
	cfg := intelligence.DefaultMergerConfig()
	if m.Strategy != "" {
		cfg.Strategy = intelligence.Strategy(m.Strategy)
	}
	if m.DefaultThreshold > 0 {
		cfg.Thresholds.Default = m.DefaultThreshold
	}
	for root, v := range m.Thresholds {
		cfg.Thresholds = cfg.Thresholds.With(root, v)
	}
	if m.Confidence > 0 {
		cfg.Confidence = m.Confidence
	}
	return cfg
}

// invoker builds the retry invoker for one kind of external call.
func (c *Client) invoker(name string) *retry.Invoker {
	r := c.cfg.Retry
	cfg := retry.AIConfig()
	cfg.MaxRetries = r.MaxRetries
	if r.BaseDelay > 0 {
		cfg.BaseDelay = r.BaseDelay.D()
	}
	if r.MaxDelay > 0 {
		cfg.MaxDelay = r.MaxDelay.D()
	}
	if r.BackoffMultiplier > 0 {
		cfg.BackoffMultiplier = r.BackoffMultiplier
	}
	if r.TransientOnly {
		cfg.Retryable = retry.IsTransient
	}
	return retry.NewInvoker(cfg, retry.WithLogger(c.logger.Named("retry").With(zap.String("call", name))))
}

// Run consolidates the whole history of a pair.
func (c *Client) Run(ctx context.Context, userID, personaID string) (*pipeline.RunResult, error) {
	if c.pipeline == nil {
		return nil, NewConsolidationError("Run", intelligence.ErrNoProvider)
	}
	res, err := c.pipeline.Run(ctx, userID, personaID)
	return res, NewConsolidationError("Run", err)
}

// RunIfEnded runs the pipeline only when the pair's conversation has ended.
// It returns a nil result when the conversation is still active.
func (c *Client) RunIfEnded(ctx context.Context, userID, personaID string) (*pipeline.RunResult, detector.Decision, error) {
	d := c.detector.Evaluate(ctx, userID, personaID)
	if !d.Ended {
		return nil, d, nil
	}
	res, err := c.Run(ctx, userID, personaID)
	return res, d, err
}

// Consolidate folds near-duplicate memories of a pair into single records.
func (c *Client) Consolidate(ctx context.Context, userID, personaID string) (*pipeline.ConsolidateResult, error) {
	if c.pipeline == nil {
		return nil, NewConsolidationError("Consolidate", intelligence.ErrNoProvider)
	}
	res, err := c.pipeline.Consolidate(ctx, userID, personaID)
	return res, NewConsolidationError("Consolidate", err)
}

// CheckEnd evaluates whether a pair's conversation has ended.
func (c *Client) CheckEnd(ctx context.Context, userID, personaID string) detector.Decision {
	return c.detector.Evaluate(ctx, userID, personaID)
}

// ShouldEnd reports whether a pair's conversation has ended.
func (c *Client) ShouldEnd(ctx context.Context, userID, personaID string) bool {
	return c.detector.ShouldEnd(ctx, userID, personaID)
}

// NewWatcher creates a watcher that runs the pipeline for tracked pairs once
// their conversations end.
func (c *Client) NewWatcher() (*pipeline.Watcher, error) {
	if c.pipeline == nil {
		return nil, NewConsolidationError("NewWatcher", intelligence.ErrNoProvider)
	}
	w, err := pipeline.NewWatcher(c.pipeline, c.detector, pipeline.WatcherConfig{
		Interval:      c.cfg.Pipeline.WatchInterval.D(),
		MaxConcurrent: c.cfg.Pipeline.MaxConcurrent,
	}, c.logger.Named("watcher"))
	return w, NewConsolidationError("NewWatcher", err)
}

// AddMessage appends a message to a pair's history, stamped with the
// client's clock.
func (c *Client) AddMessage(ctx context.Context, userID, personaID, content string, fromUser bool) (*storage.Message, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(personaID) == "" {
		return nil, NewConsolidationError("AddMessage", errors.New("user and persona ids are required"))
	}
	msg := &storage.Message{
		ID:         uuid.NewString(),
		UserID:     userID,
		PersonaID:  personaID,
		Content:    content,
		IsFromUser: fromUser,
		CreatedAt:  c.now().UTC(),
	}
	if err := c.store.AddMessage(ctx, msg); err != nil {
		return nil, NewConsolidationError("AddMessage", err)
	}
	return msg, nil
}

// Memories returns every memory of a pair, active or not.
func (c *Client) Memories(ctx context.Context, userID, personaID string) ([]*storage.MemoryRecord, error) {
	mems, err := c.store.ListMemories(ctx, userID, personaID)
	return mems, NewConsolidationError("Memories", err)
}

// Categories returns the category tree currently used for merging.
func (c *Client) Categories() *storage.CategoryTree {
	return c.merger.Tree()
}

// SeedCategories creates the default taxonomy entries that are missing and
// reloads the tree used by the extractor and merger.
func (c *Client) SeedCategories(ctx context.Context) (*storage.CategoryTree, error) {
	tree, err := storage.SeedTaxonomy(ctx, c.store, storage.DefaultTaxonomy())
	if err != nil {
		return nil, NewConsolidationError("SeedCategories", err)
	}
	if err := c.merger.Refresh(ctx); err != nil {
		return nil, NewConsolidationError("SeedCategories", err)
	}
	if c.extractor != nil {
		c.extractor.SetCategoryTree(tree)
	}
	return tree, nil
}

// Metrics returns the in-process telemetry recorder.
func (c *Client) Metrics() *metrics.Recorder {
	return c.recorder
}

// Store returns the underlying store.
func (c *Client) Store() storage.Store {
	return c.store
}

// Close releases the store and providers. It returns the first error.
func (c *Client) Close() error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	if c.store != nil {
		keep(c.store.Close())
	}
	if c.analysis != nil {
		keep(c.analysis.Close())
	}
	if c.fallback != nil {
		keep(c.fallback.Close())
	}
	if c.embedSvc != nil {
		keep(c.embedSvc.Close())
	} else if c.embedding != nil {
		keep(c.embedding.Close())
	}
	_ = c.logger.Sync()
	return NewConsolidationError("Close", first)
}

func initStorage(cfg StorageConfig, dims int) (storage.Store, error) {
	var (
		store storage.Store
		err   error
	)
	switch cfg.Provider {
	case "memory", "":
		return memstore.New(), nil
	case "sqlite":
		store, err = sqlite.NewStore(&sqlite.Config{
			DBPath:             cfg.SQLite.Path,
			Driver:             cfg.SQLite.Driver,
			TablePrefix:        cfg.TablePrefix,
			EmbeddingModelDims: dims,
		})
	case "postgres":
		store, err = postgres.NewStore(&postgres.Config{
			Host:               cfg.Postgres.Host,
			Port:               cfg.Postgres.Port,
			User:               cfg.Postgres.User,
			Password:           cfg.Postgres.Password,
			DBName:             cfg.Postgres.DBName,
			SSLMode:            cfg.Postgres.SSLMode,
			TablePrefix:        cfg.TablePrefix,
			EmbeddingModelDims: dims,
		})
	case "oceanbase":
		store, err = oceanbase.NewStore(&oceanbase.Config{
			Host:               cfg.OceanBase.Host,
			Port:               cfg.OceanBase.Port,
			User:               cfg.OceanBase.User,
			Password:           cfg.OceanBase.Password,
			DBName:             cfg.OceanBase.DBName,
			TablePrefix:        cfg.TablePrefix,
			EmbeddingModelDims: dims,
			JSONVectors:        cfg.OceanBase.JSONVectors,
		})
	default:
		return nil, NewConsolidationError("initStorage", fmt.Errorf("%w: %s", ErrStoreNotSupported, cfg.Provider))
	}
	if err != nil {
		return nil, NewConsolidationError("initStorage", err)
	}
	return store, nil
}

func initLLM(cfg LLMConfig) (llm.Provider, error) {
	var (
		p   llm.Provider
		err error
	)
	switch cfg.Provider {
	case "openai":
		p, err = llmopenai.NewClient(&llmopenai.Config{
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
		})
	case "venice":
		p, err = venice.NewClient(&venice.Config{
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
		})
	case "anthropic":
		p, err = anthropic.NewClient(&anthropic.Config{
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
		})
	default:
		return nil, NewConsolidationError("initLLM", fmt.Errorf("%w: %s", ErrProviderNotSupported, cfg.Provider))
	}
	if err != nil {
		return nil, NewConsolidationError("initLLM", err)
	}
	return llm.NewRateLimited(p, cfg.RequestsPerSecond, 1), nil
}

func initEmbedder(cfg EmbedderConfig) (embedder.Provider, error) {
	switch cfg.Provider {
	case "hash":
		return hash.New(cfg.Dimensions), nil
	case "openai":
		p, err := embopenai.NewClient(&embopenai.Config{
			APIKey:     cfg.APIKey,
			Model:      cfg.Model,
			BaseURL:    cfg.BaseURL,
			Dimensions: cfg.Dimensions,
		})
		if err != nil {
			return nil, NewConsolidationError("initEmbedder", err)
		}
		return p, nil
	case "voyage":
		p, err := voyage.NewClient(&voyage.Config{
			APIKey:     cfg.APIKey,
			Model:      cfg.Model,
			BaseURL:    cfg.BaseURL,
			Dimensions: cfg.Dimensions,
		})
		if err != nil {
			return nil, NewConsolidationError("initEmbedder", err)
		}
		return p, nil
	default:
		return nil, NewConsolidationError("initEmbedder", fmt.Errorf("%w: %s", ErrProviderNotSupported, cfg.Provider))
	}
}
