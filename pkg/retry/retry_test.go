package retry_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/memconsolidate-go/pkg/retry"
)

// recordSleeper records requested delays without waiting.
type recordSleeper struct {
	delays []time.Duration
}

func (r *recordSleeper) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func TestPresets(t *testing.T) {
	def := retry.DefaultConfig()
	assert.Equal(t, 3, def.MaxRetries)
	assert.Equal(t, time.Second, def.BaseDelay)
	assert.Equal(t, 10*time.Second, def.MaxDelay)
	assert.Equal(t, 2.0, def.BackoffMultiplier)

	ai := retry.AIConfig()
	assert.Equal(t, 3, ai.MaxRetries)
	assert.Equal(t, 2*time.Second, ai.BaseDelay)
	assert.Equal(t, 15*time.Second, ai.MaxDelay)
}

func TestDelaySchedule(t *testing.T) {
	cfg := retry.DefaultConfig()
	assert.Equal(t, time.Second, cfg.Delay(1))
	assert.Equal(t, 2*time.Second, cfg.Delay(2))
	assert.Equal(t, 4*time.Second, cfg.Delay(3))
	assert.Equal(t, 8*time.Second, cfg.Delay(4))
	assert.Equal(t, 10*time.Second, cfg.Delay(5))
	assert.Equal(t, time.Second, cfg.Delay(0))
}

func TestDoSucceedsAfterFailures(t *testing.T) {
	sl := &recordSleeper{}
	inv := retry.NewInvoker(retry.AIConfig(), retry.WithSleeper(sl.sleep))

	calls := 0
	res := retry.Do(context.Background(), inv, "op", func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("boom")
		}
		return "ok", nil
	})

	assert.True(t, res.Success)
	assert.Equal(t, "ok", res.Data)
	assert.NoError(t, res.Err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, sl.delays)
}

func TestDoExhaustsAttempts(t *testing.T) {
	sl := &recordSleeper{}
	inv := retry.NewInvoker(retry.AIConfig(), retry.WithSleeper(sl.sleep))
	boom := errors.New("boom")

	calls := 0
	res := retry.Do(context.Background(), inv, "op", func(ctx context.Context) (int, error) {
		calls++
		return 0, boom
	})

	assert.False(t, res.Success)
	assert.Equal(t, boom, res.Err)
	assert.Equal(t, 4, res.Attempts)
	assert.Equal(t, 4, calls)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}, sl.delays)
}

func TestDoZeroRetries(t *testing.T) {
	cfg := retry.DefaultConfig()
	cfg.MaxRetries = 0
	calls := 0
	res := retry.Do(context.Background(), retry.NewInvoker(cfg), "op", func(ctx context.Context) (int, error) {
		calls++
		return 0, errors.New("boom")
	})
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, calls)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	sl := &recordSleeper{}
	cfg := retry.DefaultConfig()
	cfg.Retryable = retry.Never
	inv := retry.NewInvoker(cfg, retry.WithSleeper(sl.sleep))

	res := retry.Do(context.Background(), inv, "op", func(ctx context.Context) (int, error) {
		return 0, errors.New("bad request")
	})
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Attempts)
	assert.Empty(t, sl.delays)
}

func TestDoStopsOnPermanent(t *testing.T) {
	sl := &recordSleeper{}
	inv := retry.NewInvoker(retry.AIConfig(), retry.WithSleeper(sl.sleep))
	errBad := errors.New("wrong length")

	res := retry.Do(context.Background(), inv, "op", func(ctx context.Context) (int, error) {
		return 0, fmt.Errorf("embed: %w", retry.Permanent(errBad))
	})
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Attempts)
	assert.Empty(t, sl.delays)
	assert.ErrorIs(t, res.Err, errBad)
	assert.Nil(t, retry.Permanent(nil))
}

func TestDoStopsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	inv := retry.NewInvoker(retry.DefaultConfig(), retry.WithSleeper(func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	calls := 0
	res := retry.Do(ctx, inv, "op", func(ctx context.Context) (int, error) {
		calls++
		return 0, errors.New("boom")
	})
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDoNilInvoker(t *testing.T) {
	res := retry.Do(context.Background(), nil, "op", func(ctx context.Context) (int, error) {
		return 7, nil
	})
	assert.True(t, res.Success)
	assert.Equal(t, 7, res.Data)
}

func TestSleepContext(t *testing.T) {
	require.NoError(t, retry.SleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, retry.SleepContext(ctx, time.Hour), context.Canceled)
}

type statusErr int

func (s statusErr) Error() string       { return fmt.Sprintf("status %d", int(s)) }
func (s statusErr) HTTPStatusCode() int { return int(s) }

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"openai 429", &openai.APIError{HTTPStatusCode: http.StatusTooManyRequests}, true},
		{"openai 400", &openai.APIError{HTTPStatusCode: http.StatusBadRequest}, false},
		{"openai request 503", &openai.RequestError{HTTPStatusCode: http.StatusServiceUnavailable}, true},
		{"status coder 502", fmt.Errorf("wrapped: %w", statusErr(502)), true},
		{"status coder 401", statusErr(401), false},
		{"timeout text", errors.New("read: connection timed out"), true},
		{"plain", errors.New("invalid json"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, retry.IsTransient(tt.err))
		})
	}
}

func TestAny(t *testing.T) {
	p := retry.Any(retry.Never, retry.IsTransient)
	assert.True(t, p(context.DeadlineExceeded))
	assert.False(t, p(errors.New("invalid")))
}
