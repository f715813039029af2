package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/oceanbase/memconsolidate-go/pkg/logger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Defaults for a Watcher.
const (
	DefaultWatchInterval = time.Minute
	DefaultMaxConcurrent = 4
)

// EndDetector decides whether a pair's conversation is over.
type EndDetector interface {
	ShouldEnd(ctx context.Context, userID, personaID string) bool
}

// WatcherConfig controls a Watcher.
type WatcherConfig struct {
	Interval      time.Duration
	MaxConcurrent int64
}

type pair struct {
	userID, personaID string
}

// Watcher periodically evaluates tracked pairs and runs the pipeline for
// conversations that have ended. A pair is not run again until a message
// newer than its last run arrives.
type Watcher struct {
	pipeline *Pipeline
	detector EndDetector
	cfg      WatcherConfig
	sem      *semaphore.Weighted
	logger   *zap.Logger

	mu      sync.Mutex
	pairs   map[pair]time.Time
	cancel  context.CancelFunc
	done    chan struct{}
	pending sync.WaitGroup

	// OnResult, when set, receives every completed run.
	OnResult func(*RunResult, error)
}

// NewWatcher creates a Watcher.
func NewWatcher(p *Pipeline, d EndDetector, cfg WatcherConfig, l *zap.Logger) (*Watcher, error) {
	if p == nil || d == nil {
		return nil, errors.New("pipeline: watcher needs a pipeline and a detector")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultWatchInterval
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	return &Watcher{
		pipeline: p,
		detector: d,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		logger:   logger.OrNop(l),
		pairs:    make(map[pair]time.Time),
	}, nil
}

// Track registers a pair for evaluation.
func (w *Watcher) Track(userID, personaID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	k := pair{userID, personaID}
	if _, ok := w.pairs[k]; !ok {
		w.pairs[k] = time.Time{}
	}
}

// Untrack stops evaluating a pair.
func (w *Watcher) Untrack(userID, personaID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.pairs, pair{userID, personaID})
}

// Tracked returns the number of tracked pairs.
func (w *Watcher) Tracked() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pairs)
}

// Start runs Tick every interval until Stop is called or ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.cancel != nil {
		w.mu.Unlock()
		return errors.New("pipeline: watcher already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	done := w.done
	w.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(w.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.Tick(ctx); err != nil && ctx.Err() == nil {
					w.logger.Error("watch tick failed", zap.Error(err))
				}
			}
		}
	}()
	return nil
}

// Stop ends the ticker loop and waits for running and asynchronous runs.
func (w *Watcher) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	w.pending.Wait()
}

// Tick evaluates every tracked pair once and runs the pipeline for ended
// conversations, at most MaxConcurrent at a time.
func (w *Watcher) Tick(ctx context.Context) error {
	w.mu.Lock()
	snapshot := make(map[pair]time.Time, len(w.pairs))
	for k, v := range w.pairs {
		snapshot[k] = v
	}
	w.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for k, lastRun := range snapshot {
		latest, err := w.pipeline.store.LatestMessage(ctx, k.userID, k.personaID)
		if err != nil {
			w.logger.Warn("latest message lookup failed",
				zap.String("user_id", k.userID),
				zap.String("persona_id", k.personaID),
				zap.Error(err))
			continue
		}
		if latest == nil || !latest.CreatedAt.After(lastRun) {
			continue
		}
		if w.pipeline.Busy(k.userID, k.personaID) || !w.detector.ShouldEnd(ctx, k.userID, k.personaID) {
			continue
		}

		seen := latest.CreatedAt
		if err := w.sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer w.sem.Release(1)
			res, err := w.pipeline.Run(gctx, k.userID, k.personaID)
			w.report(res, err)
			if err != nil {
				w.logger.Error("scheduled run failed",
					zap.String("user_id", k.userID),
					zap.String("persona_id", k.personaID),
					zap.Error(err))
				return nil
			}
			w.markRun(k, seen)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (w *Watcher) markRun(k pair, seen time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.pairs[k]; ok {
		w.pairs[k] = seen
	}
}

func (w *Watcher) report(res *RunResult, err error) {
	if w.OnResult != nil {
		w.OnResult(res, err)
	}
}

// TriggerAsync runs the pipeline for a pair in the background, detached from
// ctx cancellation. Stop waits for it.
func (w *Watcher) TriggerAsync(ctx context.Context, userID, personaID string) {
	runCtx := context.WithoutCancel(ctx)
	w.pending.Add(1)
	go func() {
		defer w.pending.Done()
		res, err := w.pipeline.Run(runCtx, userID, personaID)
		w.report(res, err)
		if err != nil {
			w.logger.Error("triggered run failed",
				zap.String("user_id", userID),
				zap.String("persona_id", personaID),
				zap.Error(err))
		}
	}()
}
