package intelligence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oceanbase/memconsolidate-go/pkg/embedder"
	"github.com/oceanbase/memconsolidate-go/pkg/retry"
	"github.com/oceanbase/memconsolidate-go/pkg/storage"
	"go.uber.org/zap"
)

// DefaultConfidence is assigned to memories created from a batch.
const DefaultConfidence = 0.8

// Action is what the merger did with a candidate.
type Action string

const (
	ActionInserted Action = "inserted"
	ActionMerged   Action = "merged"
	ActionSkipped  Action = "skipped"
)

// Strategy selects how the embedding of a merged memory is computed.
type Strategy string

const (
	// StrategyReembed embeds the merged text again.
	StrategyReembed Strategy = "reembed"
	// StrategyCentroid averages and normalizes the two vectors.
	StrategyCentroid Strategy = "centroid"
)

// IDGenerator issues memory ids.
type IDGenerator interface {
	NextID() int64
}

// IDFunc adapts a function to IDGenerator.
type IDFunc func() int64

// NextID calls f.
func (f IDFunc) NextID() int64 { return f() }

// Embedder is the subset of an embedding service used for merging.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	Dimensions() int
}

// MergerConfig configures a Merger.
type MergerConfig struct {
	Strategy   Strategy
	Thresholds Thresholds
	Confidence float64
}

// DefaultMergerConfig returns the re-embed strategy with the default thresholds.
func DefaultMergerConfig() MergerConfig {
	return MergerConfig{
		Strategy:   StrategyReembed,
		Thresholds: DefaultThresholds(),
		Confidence: DefaultConfidence,
	}
}

// MergeInput is one candidate to fold into a pair's memories.
type MergeInput struct {
	UserID    string
	PersonaID string
	Bucket    Bucket
	Candidate Candidate
}

// MergeOutcome reports what happened to a candidate.
type MergeOutcome struct {
	Action     Action
	Memory     *storage.MemoryRecord
	Category   string
	Similarity float64
	Threshold  float64

	// Reason is set for skipped candidates.
	Reason error

	// APICalls counts the embedding attempts made while merging.
	APICalls int
}

// Merger stores candidates, merging each into the most similar existing
// memory of the same category when the similarity reaches the category's
// threshold.
type Merger struct {
	store      storage.MemoryStore
	categories storage.CategoryStore
	embed      Embedder
	ids        IDGenerator
	cfg        MergerConfig
	invoker    *retry.Invoker
	now        func() time.Time
	logger     *zap.Logger

	mu   sync.RWMutex
	tree *storage.CategoryTree
}

// MergerOption configures a Merger.
type MergerOption func(*Merger)

// WithMergerClock injects the time source.
func WithMergerClock(now func() time.Time) MergerOption {
	return func(m *Merger) { m.now = now }
}

// WithMergerLogger sets the logger.
func WithMergerLogger(l *zap.Logger) MergerOption {
	return func(m *Merger) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithEmbedInvoker sets the retry invoker used for embedding calls.
func WithEmbedInvoker(inv *retry.Invoker) MergerOption {
	return func(m *Merger) { m.invoker = inv }
}

// WithCategoryStore lets the merger reload the category tree when a category
// does not resolve.
func WithCategoryStore(cs storage.CategoryStore) MergerOption {
	return func(m *Merger) { m.categories = cs }
}

// NewMerger creates a Merger.
func NewMerger(store storage.MemoryStore, tree *storage.CategoryTree, embed Embedder, ids IDGenerator, cfg MergerConfig, opts ...MergerOption) (*Merger, error) {
	if store == nil {
		return nil, errors.New("intelligence: memory store is required")
	}
	if embed == nil {
		return nil, errors.New("intelligence: embedder is required")
	}
	if ids == nil {
		return nil, errors.New("intelligence: id generator is required")
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyReembed
	}
	if cfg.Thresholds.ByCategory == nil {
		def := DefaultThresholds()
		if cfg.Thresholds.Default > 0 {
			def.Default = cfg.Thresholds.Default
		}
		cfg.Thresholds = def
	}
	if cfg.Confidence <= 0 || cfg.Confidence > 1 {
		cfg.Confidence = DefaultConfidence
	}
	if tree == nil {
		tree = storage.NewCategoryTree(nil)
	}
	m := &Merger{
		store:  store,
		embed:  embed,
		ids:    ids,
		cfg:    cfg,
		tree:   tree,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.invoker == nil {
		m.invoker = retry.NewInvoker(retry.AIConfig(), retry.WithLogger(m.logger))
	}
	return m, nil
}

// Tree returns the current category tree.
func (m *Merger) Tree() *storage.CategoryTree {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree
}

// Refresh reloads the category tree from the category store.
func (m *Merger) Refresh(ctx context.Context) error {
	if m.categories == nil {
		return nil
	}
	tree, err := storage.LoadCategoryTree(ctx, m.categories)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.tree = tree
	m.mu.Unlock()
	return nil
}

func (m *Merger) resolve(ctx context.Context, path string) (*storage.Category, *storage.CategoryTree, bool) {
	tree := m.Tree()
	if c, ok := tree.Resolve(path); ok {
		return c, tree, true
	}
	if m.categories == nil {
		return nil, tree, false
	}
	if err := m.Refresh(ctx); err != nil {
		m.logger.Warn("category refresh failed", zap.Error(err))
		return nil, tree, false
	}
	tree = m.Tree()
	c, ok := tree.Resolve(path)
	return c, tree, ok
}

// ThresholdFor returns the merge threshold of a category id.
func (m *Merger) ThresholdFor(categoryID int64) float64 {
	tree := m.Tree()
	c, ok := tree.Get(categoryID)
	if !ok {
		return m.cfg.Thresholds.For("")
	}
	return m.cfg.Thresholds.For(tree.Root(c).Name)
}

// Embed embeds text through the retry invoker and validates the result.
func (m *Merger) Embed(ctx context.Context, text string) ([]float64, error) {
	vec, _, err := m.EmbedCounted(ctx, text)
	return vec, err
}

// EmbedCounted is Embed that also reports the number of provider attempts.
// Invalid vectors are not retried.
func (m *Merger) EmbedCounted(ctx context.Context, text string) ([]float64, int, error) {
	dims := m.embed.Dimensions()
	res := retry.Do(ctx, m.invoker, "embedding", func(ctx context.Context) ([]float64, error) {
		vec, err := m.embed.Embed(ctx, text)
		if err == nil {
			err = embedder.Validate(vec, dims)
		}
		if isInvalidVector(err) {
			return nil, retry.Permanent(err)
		}
		return vec, err
	})
	if !res.Success {
		return nil, res.Attempts, res.Err
	}
	return res.Data, res.Attempts, nil
}

func isInvalidVector(err error) bool {
	return errors.Is(err, embedder.ErrDimensionMismatch) || errors.Is(err, embedder.ErrInvalidVector)
}

func (m *Merger) skip(in MergeInput, category string, reason error) *MergeOutcome {
	m.logger.Info("candidate skipped",
		zap.String("user_id", in.UserID),
		zap.String("persona_id", in.PersonaID),
		zap.String("category", category),
		zap.Error(reason))
	return &MergeOutcome{Action: ActionSkipped, Category: category, Reason: reason}
}

// Merge stores one candidate. Unresolvable categories and invalid vectors skip
// the candidate with a nil error; store and embedding failures are returned.
func (m *Merger) Merge(ctx context.Context, in MergeInput) (*MergeOutcome, error) {
	cand := in.Candidate
	cat, tree, ok := m.resolve(ctx, cand.Category)
	if !ok {
		return m.skip(in, cand.Category, fmt.Errorf("%w: %q", ErrCategoryNotFound, cand.Category)), nil
	}
	path := tree.Path(cat)
	threshold := m.cfg.Thresholds.For(tree.Root(cat).Name)
	apiCalls := 0

	vec := cand.Embedding
	if len(vec) == 0 {
		var (
			err   error
			calls int
		)
		vec, calls, err = m.EmbedCounted(ctx, cand.Content)
		apiCalls += calls
		if err != nil {
			if isInvalidVector(err) {
				out := m.skip(in, path, err)
				out.APICalls = apiCalls
				return out, nil
			}
			return nil, fmt.Errorf("embed candidate: %w", err)
		}
	} else if err := embedder.Validate(vec, m.embed.Dimensions()); err != nil {
		return m.skip(in, path, err), nil
	}

	existing, err := m.store.ListActiveMemories(ctx, in.UserID, in.PersonaID, cat.ID)
	if err != nil {
		return nil, err
	}

	var (
		best    *storage.MemoryRecord
		bestSim = -1.0
	)
	for _, mem := range existing {
		if len(mem.Embedding) != len(vec) {
			continue
		}
		sim, err := embedder.CosineSimilarity(vec, mem.Embedding)
		if err != nil {
			continue
		}
		if sim > bestSim {
			best, bestSim = mem, sim
		}
	}

	now := m.now()
	if best != nil && bestSim >= threshold {
		merged, calls, err := m.mergeInto(ctx, best, cand, vec, now)
		apiCalls += calls
		if err != nil {
			return nil, err
		}
		m.logger.Debug("memory merged",
			zap.Int64("memory_id", merged.ID),
			zap.String("category", path),
			zap.Float64("similarity", bestSim),
			zap.Float64("threshold", threshold))
		return &MergeOutcome{Action: ActionMerged, Memory: merged, Category: path, Similarity: bestSim, Threshold: threshold, APICalls: apiCalls}, nil
	}

	rec := &storage.MemoryRecord{
		ID:          m.ids.NextID(),
		UserID:      in.UserID,
		PersonaID:   in.PersonaID,
		CategoryID:  cat.ID,
		Content:     cand.Content,
		Embedding:   vec,
		Owner:       in.Bucket.Owner(),
		Source:      storage.SourceBatch,
		Confidence:  m.cfg.Confidence,
		Tags:        cleanTags(cand.Tags),
		CreatedAt:   now,
		LastUpdated: now,
		Active:      true,
	}
	if err := m.store.CreateMemory(ctx, rec); err != nil {
		return nil, err
	}
	sim := bestSim
	if best == nil {
		sim = 0
	}
	return &MergeOutcome{Action: ActionInserted, Memory: rec, Category: path, Similarity: sim, Threshold: threshold, APICalls: apiCalls}, nil
}

func (m *Merger) mergeInto(ctx context.Context, existing *storage.MemoryRecord, cand Candidate, vec []float64, now time.Time) (*storage.MemoryRecord, int, error) {
	merged := existing.Clone()
	merged.Content = existing.Content + " and " + cand.Content
	merged.Tags = cleanTags(cand.Tags)
	merged.LastUpdated = now

	calls := 0
	switch m.cfg.Strategy {
	case StrategyCentroid:
		merged.Embedding = centroid(existing.Embedding, vec)
	default:
		emb, n, err := m.EmbedCounted(ctx, merged.Content)
		calls = n
		if err != nil {
			if ctx.Err() != nil {
				return nil, calls, ctx.Err()
			}
			m.logger.Warn("re-embedding merged memory failed, using centroid",
				zap.Int64("memory_id", merged.ID),
				zap.Error(err))
			emb = centroid(existing.Embedding, vec)
		}
		merged.Embedding = emb
	}

	if err := m.store.UpdateMemory(ctx, merged); err != nil {
		return nil, calls, err
	}
	return merged, calls, nil
}

func centroid(a, b []float64) []float64 {
	avg, err := embedder.AverageEmbeddings(a, b)
	if err != nil {
		return append([]float64(nil), b...)
	}
	return avg
}
