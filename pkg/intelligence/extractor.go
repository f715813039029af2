package intelligence

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oceanbase/memconsolidate-go/pkg/llm"
	"github.com/oceanbase/memconsolidate-go/pkg/retry"
	"github.com/oceanbase/memconsolidate-go/pkg/segment"
	"github.com/oceanbase/memconsolidate-go/pkg/storage"
	"go.uber.org/zap"
)

// Defaults for the primary analysis call.
const (
	DefaultTemperature = 0.3
	DefaultMaxTokens   = 2000
)

// CallObserver receives one record per analysis call.
type CallObserver interface {
	RecordAPICall(api string, success bool, latency time.Duration)
}

// Extractor asks a text-analysis provider for memory candidates.
//
// The primary call goes through the retry invoker. When it fails, or its
// response cannot be parsed, exactly one fallback attempt is made. If the
// fallback fails too, Extract returns an empty Extraction and no error.
type Extractor struct {
	provider    llm.Provider
	fallback    Fallback
	invoker     *retry.Invoker
	observer    CallObserver
	apiName     string
	temperature float64
	maxTokens   int
	logger      *zap.Logger

	mu   sync.RWMutex
	tree *storage.CategoryTree
}

// ExtractorOption configures an Extractor.
type ExtractorOption func(*Extractor)

// WithFallback sets the fallback used after a failed primary call.
func WithFallback(f Fallback) ExtractorOption {
	return func(e *Extractor) { e.fallback = f }
}

// WithInvoker sets the retry invoker of the primary call.
func WithInvoker(inv *retry.Invoker) ExtractorOption {
	return func(e *Extractor) { e.invoker = inv }
}

// WithCallObserver reports every primary call under apiName.
func WithCallObserver(o CallObserver, apiName string) ExtractorOption {
	return func(e *Extractor) {
		e.observer = o
		if apiName != "" {
			e.apiName = apiName
		}
	}
}

// WithCategoryTree sets the taxonomy listed in prompts.
func WithCategoryTree(t *storage.CategoryTree) ExtractorOption {
	return func(e *Extractor) { e.tree = t }
}

// WithGeneration overrides temperature and max tokens of the primary call.
func WithGeneration(temperature float64, maxTokens int) ExtractorOption {
	return func(e *Extractor) {
		if temperature >= 0 {
			e.temperature = temperature
		}
		if maxTokens > 0 {
			e.maxTokens = maxTokens
		}
	}
}

// WithExtractorLogger sets the logger.
func WithExtractorLogger(l *zap.Logger) ExtractorOption {
	return func(e *Extractor) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewExtractor creates an Extractor. Without WithFallback the built-in
// heuristic fallback is used.
func NewExtractor(provider llm.Provider, opts ...ExtractorOption) (*Extractor, error) {
	if provider == nil {
		return nil, ErrNoProvider
	}
	e := &Extractor{
		provider:    provider,
		apiName:     "analysis",
		temperature: DefaultTemperature,
		maxTokens:   DefaultMaxTokens,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.invoker == nil {
		e.invoker = retry.NewInvoker(retry.AIConfig(), retry.WithLogger(e.logger))
	}
	if e.fallback == nil {
		e.fallback = NewHeuristicFallback(segment.DefaultLabels)
	}
	return e, nil
}

// SetCategoryTree replaces the taxonomy listed in prompts.
func (e *Extractor) SetCategoryTree(t *storage.CategoryTree) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tree = t
}

func (e *Extractor) taxonomy() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return taxonomyListing(e.tree)
}

// Extract analyses a rendered conversation batch. The only error it returns is
// the context's.
func (e *Extractor) Extract(ctx context.Context, conversation string) (*Extraction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	taxonomy := e.taxonomy()
	messages := llm.SystemUser(analysisSystemPrompt, analysisPrompt(taxonomy, conversation))

	res := retry.Do(ctx, e.invoker, e.apiName, func(ctx context.Context) (string, error) {
		start := time.Now()
		out, err := e.provider.GenerateWithMessages(ctx, messages,
			llm.WithTemperature(e.temperature),
			llm.WithMaxTokens(e.maxTokens),
			llm.WithJSONResponse())
		if e.observer != nil {
			e.observer.RecordAPICall(e.apiName, err == nil, time.Since(start))
		}
		return out, err
	})

	primaryErr := res.Err
	if res.Success {
		ext, err := ParseExtraction(res.Data)
		if err == nil {
			ext.APICalls = res.Attempts
			return ext, nil
		}
		primaryErr = err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.logger.Warn("primary analysis failed, using fallback",
		zap.Int("attempts", res.Attempts),
		zap.Error(primaryErr))

	ext, err := e.fallback.Extract(ctx, conversation)
	calls := res.Attempts
	if _, ok := e.fallback.(*LLMFallback); ok {
		calls++
	}
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		e.logger.Error("fallback analysis failed", zap.Error(err))
		return &Extraction{APICalls: calls, Fallback: true}, nil
	}
	ext.APICalls = calls
	ext.Fallback = true
	return ext, nil
}

// LLMFallback makes one call with the simpler fallback prompt, typically on a
// different provider than the primary.
type LLMFallback struct {
	provider llm.Provider
	tree     *storage.CategoryTree
}

// NewLLMFallback creates an LLMFallback. tree may be nil.
func NewLLMFallback(provider llm.Provider, tree *storage.CategoryTree) *LLMFallback {
	return &LLMFallback{provider: provider, tree: tree}
}

// Extract makes a single, unretried call.
func (f *LLMFallback) Extract(ctx context.Context, conversation string) (*Extraction, error) {
	if f.provider == nil {
		return nil, ErrNoProvider
	}
	prompt := fallbackPrompt(taxonomyListing(f.tree), conversation)
	resp, err := f.provider.Generate(ctx, prompt,
		llm.WithTemperature(DefaultTemperature),
		llm.WithMaxTokens(DefaultMaxTokens))
	if err != nil {
		return nil, err
	}
	return ParseExtraction(resp)
}

type extractionPayload struct {
	User            []Candidate `json:"user"`
	UserMemories    []Candidate `json:"user_memories"`
	Persona         []Candidate `json:"persona"`
	PersonaMemories []Candidate `json:"persona_memories"`
	AvatarMemories  []Candidate `json:"avatar_memories"`
	Shared          []Candidate `json:"shared"`
	SharedMemories  []Candidate `json:"shared_memories"`
}

// ParseExtraction decodes an analysis response. Code fences and any text
// around the outermost JSON object are ignored.
func ParseExtraction(response string) (*Extraction, error) {
	obj, ok := outermostObject(removeCodeBlocks(response))
	if !ok {
		return nil, fmt.Errorf("%w: no JSON object found", ErrParse)
	}
	var p extractionPayload
	if err := json.Unmarshal([]byte(obj), &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return &Extraction{
		User:    cleanCandidates(append(p.User, p.UserMemories...)),
		Persona: cleanCandidates(append(append(p.Persona, p.PersonaMemories...), p.AvatarMemories...)),
		Shared:  cleanCandidates(append(p.Shared, p.SharedMemories...)),
	}, nil
}

// removeCodeBlocks strips ```json and ``` markers.
func removeCodeBlocks(response string) string {
	response = strings.ReplaceAll(response, "```json", "")
	response = strings.ReplaceAll(response, "```", "")
	return strings.TrimSpace(response)
}

func outermostObject(s string) (string, bool) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}
