// Package retry runs external calls with exponential backoff.
//
// Every analysis and embedding call made by the engine goes through Do. The
// retry predicate is part of the configuration: by default every error is
// retried, and IsTransient is available for callers that only want to retry
// timeouts, rate limits and server errors.
package retry

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"
)

// Predicate reports whether an error should be retried.
type Predicate func(error) bool

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Config controls the retry loop.
type Config struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int `json:"max_retries"`

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration `json:"base_delay"`

	// MaxDelay caps every delay.
	MaxDelay time.Duration `json:"max_delay"`

	// BackoffMultiplier scales the delay after each retry.
	BackoffMultiplier float64 `json:"backoff_multiplier"`

	// Retryable decides whether an error is retried. Nil retries everything.
	Retryable Predicate `json:"-"`
}

// DefaultConfig returns {3 retries, 1s base, 10s max, x2}.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        3,
		BaseDelay:         time.Second,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2,
		Retryable:         RetryAll,
	}
}

// AIConfig returns the preset for AI API calls: {3 retries, 2s base, 15s max, x2}.
func AIConfig() Config {
	return Config{
		MaxRetries:        3,
		BaseDelay:         2 * time.Second,
		MaxDelay:          15 * time.Second,
		BackoffMultiplier: 2,
		Retryable:         RetryAll,
	}
}

// Delay returns the wait before retry number attempt (1-based):
// min(BaseDelay * BackoffMultiplier^(attempt-1), MaxDelay).
func (c Config) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := c.BackoffMultiplier
	if mult <= 0 {
		mult = 2
	}
	d := float64(c.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if c.MaxDelay > 0 && d > float64(c.MaxDelay) {
		return c.MaxDelay
	}
	return time.Duration(d)
}

// MaxAttempts returns MaxRetries+1.
func (c Config) MaxAttempts() int {
	if c.MaxRetries < 0 {
		return 1
	}
	return c.MaxRetries + 1
}

// Result describes the outcome of a retried operation.
type Result[T any] struct {
	Success   bool
	Data      T
	Err       error
	Attempts  int
	TotalTime time.Duration
}

// Invoker executes operations with a fixed configuration.
type Invoker struct {
	config Config
	sleep  Sleeper
	logger *zap.Logger
}

// Option configures an Invoker.
type Option func(*Invoker)

// WithSleeper replaces the wait function, mainly for tests.
func WithSleeper(s Sleeper) Option {
	return func(i *Invoker) {
		i.sleep = s
	}
}

// WithLogger logs every failed attempt.
func WithLogger(l *zap.Logger) Option {
	return func(i *Invoker) {
		i.logger = l
	}
}

// NewInvoker creates an Invoker.
func NewInvoker(cfg Config, opts ...Option) *Invoker {
	inv := &Invoker{
		config: cfg,
		sleep:  SleepContext,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(inv)
	}
	if inv.config.Retryable == nil {
		inv.config.Retryable = RetryAll
	}
	return inv
}

// Config returns the invoker's configuration.
func (i *Invoker) Config() Config {
	return i.config
}

// SleepContext waits for d, returning early with ctx.Err() on cancellation.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs op until it succeeds, the error is Permanent or rejected by the
// predicate, the attempts are exhausted, or ctx is cancelled. It never panics on a nil invoker.
func Do[T any](ctx context.Context, inv *Invoker, name string, op func(ctx context.Context) (T, error)) Result[T] {
	if inv == nil {
		inv = NewInvoker(DefaultConfig())
	}
	cfg := inv.config
	start := time.Now()
	res := Result[T]{}

	for attempt := 1; attempt <= cfg.MaxAttempts(); attempt++ {
		res.Attempts = attempt
		if err := ctx.Err(); err != nil {
			res.Err = err
			break
		}

		data, err := op(ctx)
		if err == nil {
			res.Success = true
			res.Data = data
			res.Err = nil
			break
		}
		err, permanent := isPermanent(err)
		res.Err = err

		if permanent || ctx.Err() != nil || !cfg.Retryable(err) || attempt == cfg.MaxAttempts() {
			inv.logger.Warn("operation failed",
				zap.String("operation", name),
				zap.Int("attempt", attempt),
				zap.Error(err))
			break
		}

		delay := cfg.Delay(attempt)
		inv.logger.Info("retrying operation",
			zap.String("operation", name),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		if serr := inv.sleep(ctx, delay); serr != nil {
			res.Err = serr
			break
		}
	}

	res.TotalTime = time.Since(start)
	return res
}

// DoWithConfig runs op with a one-off configuration.
func DoWithConfig[T any](ctx context.Context, cfg Config, name string, op func(ctx context.Context) (T, error)) Result[T] {
	return Do(ctx, NewInvoker(cfg), name, op)
}
