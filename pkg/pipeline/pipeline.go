// Package pipeline runs memory consolidation for a user/persona pair.
//
// A run loads the pair's history, splits it into batches and processes them
// one at a time: extract candidates, embed each candidate, merge it into the
// stored memories. Runs for the same pair are serialized; runs for different
// pairs may proceed concurrently.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oceanbase/memconsolidate-go/pkg/embedder"
	"github.com/oceanbase/memconsolidate-go/pkg/intelligence"
	"github.com/oceanbase/memconsolidate-go/pkg/metrics"
	"github.com/oceanbase/memconsolidate-go/pkg/retry"
	"github.com/oceanbase/memconsolidate-go/pkg/segment"
	"github.com/oceanbase/memconsolidate-go/pkg/storage"
	"go.uber.org/zap"
)

// DefaultInterBatchDelay is the pause between two batches of a run.
const DefaultInterBatchDelay = time.Second

// Config controls a Pipeline.
type Config struct {
	// InterBatchDelay is waited between batches. Negative disables the pause.
	InterBatchDelay time.Duration

	// Labels name the speakers in rendered batches.
	Labels segment.Labels
}

// DefaultConfig returns a one second inter-batch delay and the default labels.
func DefaultConfig() Config {
	return Config{
		InterBatchDelay: DefaultInterBatchDelay,
		Labels:          segment.DefaultLabels,
	}
}

// Extractor produces candidates from a rendered batch.
type Extractor interface {
	Extract(ctx context.Context, conversation string) (*intelligence.Extraction, error)
}

// Merger folds candidates into stored memories.
type Merger interface {
	EmbedCounted(ctx context.Context, text string) ([]float64, int, error)
	Merge(ctx context.Context, in intelligence.MergeInput) (*intelligence.MergeOutcome, error)
	ThresholdFor(categoryID int64) float64
}

// Recorder receives run and batch telemetry.
type Recorder interface {
	RecordRun(rec metrics.RunRecord)
	RecordBatch(rec metrics.BatchRecord)
}

// BatchResult describes one processed batch.
type BatchResult struct {
	BatchIndex        int           `json:"batch_index"`
	TotalBatches      int           `json:"total_batches"`
	Messages          int           `json:"messages"`
	MemoriesExtracted int           `json:"memories_extracted"`
	MemoriesCreated   int           `json:"memories_created"`
	MemoriesMerged    int           `json:"memories_merged"`
	MemoriesSkipped   int           `json:"memories_skipped"`
	Success           bool          `json:"success"`
	Error             string        `json:"error,omitempty"`
	ProcessingTime    time.Duration `json:"processing_time"`
	APICalls          int           `json:"api_calls"`
	UsedFallback      bool          `json:"used_fallback"`
}

// RunResult aggregates a whole run.
type RunResult struct {
	RunID                  string        `json:"run_id"`
	UserID                 string        `json:"user_id"`
	PersonaID              string        `json:"persona_id"`
	Messages               int           `json:"messages"`
	TotalBatches           int           `json:"total_batches"`
	SuccessfulBatches      int           `json:"successful_batches"`
	TotalMemoriesExtracted int           `json:"total_memories_extracted"`
	MemoriesCreated        int           `json:"memories_created"`
	MemoriesMerged         int           `json:"memories_merged"`
	MemoriesSkipped        int           `json:"memories_skipped"`
	TotalAPICalls          int           `json:"total_api_calls"`
	AverageBatchTime       time.Duration `json:"average_batch_time"`
	TotalTime              time.Duration `json:"total_time"`
	Batches                []BatchResult `json:"batches"`
	Errors                 []string      `json:"errors,omitempty"`
	Success                bool          `json:"success"`

	// Anomaly is set when candidates were extracted but the pair has no
	// batch-sourced memory afterwards.
	Anomaly bool `json:"anomaly"`
}

// Pipeline orchestrates consolidation runs.
type Pipeline struct {
	store     storage.Store
	segmenter *segment.Segmenter
	extractor Extractor
	merger    Merger
	recorder  Recorder
	locks     *Locks
	cfg       Config
	sleep     retry.Sleeper
	logger    *zap.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithRecorder reports runs and batches.
func WithRecorder(r Recorder) Option {
	return func(p *Pipeline) { p.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithSleeper replaces the inter-batch wait, mainly for tests.
func WithSleeper(s retry.Sleeper) Option {
	return func(p *Pipeline) { p.sleep = s }
}

// WithLocks shares a lock set between pipelines.
func WithLocks(l *Locks) Option {
	return func(p *Pipeline) { p.locks = l }
}

// New creates a Pipeline. A nil segmenter uses the default configuration.
func New(store storage.Store, seg *segment.Segmenter, ext Extractor, merger Merger, cfg Config, opts ...Option) (*Pipeline, error) {
	if store == nil {
		return nil, errors.New("pipeline: store is required")
	}
	if ext == nil {
		return nil, errors.New("pipeline: extractor is required")
	}
	if merger == nil {
		return nil, errors.New("pipeline: merger is required")
	}
	if seg == nil {
		seg = segment.New(segment.DefaultConfig())
	}
	if cfg.InterBatchDelay == 0 {
		cfg.InterBatchDelay = DefaultInterBatchDelay
	}
	if cfg.Labels.User == "" {
		cfg.Labels.User = segment.DefaultLabels.User
	}
	if cfg.Labels.Persona == "" {
		cfg.Labels.Persona = segment.DefaultLabels.Persona
	}
	p := &Pipeline{
		store:     store,
		segmenter: seg,
		extractor: ext,
		merger:    merger,
		locks:     NewLocks(),
		cfg:       cfg,
		sleep:     retry.SleepContext,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// PairKey identifies a user/persona pair in locks and schedules.
func PairKey(userID, personaID string) string {
	return userID + "\x00" + personaID
}

// Busy reports whether a run for the pair is in progress.
func (p *Pipeline) Busy(userID, personaID string) bool {
	return p.locks.Held(PairKey(userID, personaID))
}

// Run consolidates the pair's conversation. It waits for any run of the same
// pair to finish first. On cancellation the partial result is returned along
// with the context error.
func (p *Pipeline) Run(ctx context.Context, userID, personaID string) (*RunResult, error) {
	unlock, err := p.locks.Lock(ctx, PairKey(userID, personaID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	start := time.Now()
	res := &RunResult{
		RunID:     uuid.NewString(),
		UserID:    userID,
		PersonaID: personaID,
		Batches:   []BatchResult{},
	}
	log := p.logger.With(
		zap.String("run_id", res.RunID),
		zap.String("user_id", userID),
		zap.String("persona_id", personaID))

	msgs, err := p.store.ListMessages(ctx, userID, personaID)
	if err != nil {
		return nil, fmt.Errorf("ListMessages: %w", err)
	}
	res.Messages = len(msgs)
	if len(msgs) == 0 {
		res.Success = true
		res.TotalTime = time.Since(start)
		log.Info("no messages to consolidate")
		return res, nil
	}

	batches := p.segmenter.Split(msgs)
	res.TotalBatches = len(batches)
	log.Info("consolidation started",
		zap.Int("messages", len(msgs)),
		zap.Int("batches", len(batches)))

	var runErr error
	for i, b := range batches {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		br := p.processBatch(ctx, userID, personaID, b, len(batches), log)
		res.add(br)
		if p.recorder != nil {
			p.recorder.RecordBatch(metrics.BatchRecord{
				RunID:             res.RunID,
				BatchIndex:        br.BatchIndex,
				MemoriesExtracted: br.MemoriesExtracted,
				APICalls:          br.APICalls,
				ProcessingTime:    br.ProcessingTime,
				Success:           br.Success,
			})
		}
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		if i < len(batches)-1 && p.cfg.InterBatchDelay > 0 {
			if err := p.sleep(ctx, p.cfg.InterBatchDelay); err != nil {
				runErr = err
				break
			}
		}
	}

	if runErr == nil && res.TotalMemoriesExtracted > 0 {
		n, err := p.store.CountMemoriesBySource(ctx, userID, personaID, storage.SourceBatch)
		if err != nil {
			log.Warn("anomaly check failed", zap.Error(err))
		} else if n == 0 {
			res.Anomaly = true
			log.Warn("candidates were extracted but no batch memories are stored",
				zap.Int("candidates", res.TotalMemoriesExtracted))
		}
	}
	if runErr != nil {
		res.Errors = append(res.Errors, runErr.Error())
	}

	res.finish(time.Since(start))
	if p.recorder != nil {
		p.recorder.RecordRun(metrics.RunRecord{
			RunID:             res.RunID,
			UserID:            userID,
			PersonaID:         personaID,
			Messages:          res.Messages,
			TotalBatches:      res.TotalBatches,
			SuccessfulBatches: res.SuccessfulBatches,
			MemoriesExtracted: res.TotalMemoriesExtracted,
			APICalls:          res.TotalAPICalls,
			TotalTime:         res.TotalTime,
			AverageBatchTime:  res.AverageBatchTime,
			Success:           res.Success,
			Errors:            res.Errors,
		})
	}
	log.Info("consolidation finished",
		zap.Bool("success", res.Success),
		zap.Int("successful_batches", res.SuccessfulBatches),
		zap.Int("created", res.MemoriesCreated),
		zap.Int("merged", res.MemoriesMerged),
		zap.Int("skipped", res.MemoriesSkipped),
		zap.Duration("total_time", res.TotalTime))
	return res, runErr
}

func (p *Pipeline) processBatch(ctx context.Context, userID, personaID string, b segment.Batch, total int, log *zap.Logger) BatchResult {
	start := time.Now()
	br := BatchResult{
		BatchIndex:   b.Index,
		TotalBatches: total,
		Messages:     len(b.Messages),
	}
	log = log.With(zap.Int("batch", b.Index+1), zap.Int("total_batches", total))

	ext, err := p.extractor.Extract(ctx, segment.Render(b, p.cfg.Labels))
	if err != nil {
		br.Error = err.Error()
		br.ProcessingTime = time.Since(start)
		log.Error("batch extraction failed", zap.Error(err))
		return br
	}
	br.APICalls = ext.APICalls
	br.UsedFallback = ext.Fallback
	br.MemoriesExtracted = ext.Total()

	var factErrs []string
	for _, bc := range ext.All() {
		if ctx.Err() != nil {
			factErrs = append(factErrs, ctx.Err().Error())
			break
		}
		cand := bc.Candidate
		if len(cand.Embedding) == 0 {
			vec, calls, err := p.merger.EmbedCounted(ctx, cand.Content)
			br.APICalls += calls
			if err != nil {
				if errors.Is(err, embedder.ErrDimensionMismatch) || errors.Is(err, embedder.ErrInvalidVector) {
					br.MemoriesSkipped++
					log.Warn("candidate dropped", zap.String("category", cand.Category), zap.Error(err))
					continue
				}
				factErrs = append(factErrs, fmt.Sprintf("embed %q: %v", cand.Category, err))
				log.Error("candidate embedding failed", zap.String("category", cand.Category), zap.Error(err))
				continue
			}
			cand.Embedding = vec
		}

		out, err := p.merger.Merge(ctx, intelligence.MergeInput{
			UserID:    userID,
			PersonaID: personaID,
			Bucket:    bc.Bucket,
			Candidate: *cand,
		})
		if out != nil {
			br.APICalls += out.APICalls
		}
		if err != nil {
			factErrs = append(factErrs, fmt.Sprintf("merge %q: %v", cand.Category, err))
			log.Error("candidate merge failed", zap.String("category", cand.Category), zap.Error(err))
			continue
		}
		switch out.Action {
		case intelligence.ActionInserted:
			br.MemoriesCreated++
		case intelligence.ActionMerged:
			br.MemoriesMerged++
		default:
			br.MemoriesSkipped++
		}
	}

	br.Success = len(factErrs) == 0
	if !br.Success {
		br.Error = strings.Join(factErrs, "; ")
	}
	br.ProcessingTime = time.Since(start)
	log.Info("batch processed",
		zap.Bool("success", br.Success),
		zap.Int("candidates", br.MemoriesExtracted),
		zap.Int("created", br.MemoriesCreated),
		zap.Int("merged", br.MemoriesMerged),
		zap.Duration("processing_time", br.ProcessingTime))
	return br
}

func (r *RunResult) add(b BatchResult) {
	r.Batches = append(r.Batches, b)
	if b.Success {
		r.SuccessfulBatches++
	} else {
		r.Errors = append(r.Errors, fmt.Sprintf("batch %d/%d: %s", b.BatchIndex+1, b.TotalBatches, b.Error))
	}
	r.TotalMemoriesExtracted += b.MemoriesExtracted
	r.MemoriesCreated += b.MemoriesCreated
	r.MemoriesMerged += b.MemoriesMerged
	r.MemoriesSkipped += b.MemoriesSkipped
	r.TotalAPICalls += b.APICalls
}

func (r *RunResult) finish(total time.Duration) {
	r.TotalTime = total
	if len(r.Batches) > 0 {
		var sum time.Duration
		for _, b := range r.Batches {
			sum += b.ProcessingTime
		}
		r.AverageBatchTime = sum / time.Duration(len(r.Batches))
	}
	r.Success = len(r.Errors) == 0
}
