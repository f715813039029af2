// Package detector decides whether a conversation between a user and a persona
// is over and can be consolidated.
//
// The decision is a pure function of the stored message and session state at
// evaluation time. A later message implicitly re-opens the conversation for the
// next evaluation.
package detector

import (
	"context"
	"time"

	"github.com/oceanbase/memconsolidate-go/pkg/storage"
	"go.uber.org/zap"
)

// ActivityLevel classifies recent message frequency.
type ActivityLevel string

const (
	ActivityLow    ActivityLevel = "low"
	ActivityNormal ActivityLevel = "normal"
	ActivityHigh   ActivityLevel = "high"
)

// Reason explains an evaluation outcome.
type Reason string

const (
	ReasonActive        Reason = "active"
	ReasonInactivity    Reason = "inactivity"
	ReasonSessionCap    Reason = "session_cap"
	ReasonPersonaSwitch Reason = "persona_switch"
	ReasonNoSession     Reason = "no_session"
	// ReasonLookupFailed is reported when a store lookup failed; the conversation is treated as active.
	ReasonLookupFailed Reason = "lookup_failed"
)

// Config holds the detection thresholds.
type Config struct {
	LowActivityTimeout    time.Duration `json:"low_activity_timeout"`
	NormalActivityTimeout time.Duration `json:"normal_activity_timeout"`
	HighActivityTimeout   time.Duration `json:"high_activity_timeout"`

	// SessionCap ends any conversation this long after its first message.
	SessionCap time.Duration `json:"session_cap"`

	// LowActivityBelow: fewer messages than this in ActivityWindow is low activity.
	LowActivityBelow int `json:"low_activity_below"`

	// HighActivityAbove: more messages than this in ActivityWindow is high activity.
	HighActivityAbove int `json:"high_activity_above"`

	ActivityWindow time.Duration `json:"activity_window"`
}

// DefaultConfig returns timeouts of 15/30/45 minutes, a 120 minute session cap
// and activity thresholds of <5 and >20 messages per hour.
func DefaultConfig() Config {
	return Config{
		LowActivityTimeout:    15 * time.Minute,
		NormalActivityTimeout: 30 * time.Minute,
		HighActivityTimeout:   45 * time.Minute,
		SessionCap:            120 * time.Minute,
		LowActivityBelow:      5,
		HighActivityAbove:     20,
		ActivityWindow:        time.Hour,
	}
}

// ActivitySnapshot is the derived activity state of a pair.
type ActivitySnapshot struct {
	MessageCountLastHour int           `json:"message_count_last_hour"`
	LastMessageAt        time.Time     `json:"last_message_at"`
	SessionStartAt       time.Time     `json:"session_start_at"`
	ActivityLevel        ActivityLevel `json:"activity_level"`
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Ended    bool             `json:"ended"`
	Reason   Reason           `json:"reason"`
	Timeout  time.Duration    `json:"timeout"`
	Snapshot ActivitySnapshot `json:"snapshot"`
}

// Store is the subset of storage the detector reads.
type Store interface {
	storage.MessageSource
	storage.SessionStore
}

// Observer receives one record per evaluation.
type Observer interface {
	RecordDetection(ended bool, reason string, latency time.Duration)
}

// Detector evaluates whether conversations have ended.
type Detector struct {
	store    Store
	cfg      Config
	now      func() time.Time
	logger   *zap.Logger
	observer Observer
}

// Option configures a Detector.
type Option func(*Detector)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Detector) { d.logger = l }
}

// WithObserver reports every evaluation.
func WithObserver(o Observer) Option {
	return func(d *Detector) { d.observer = o }
}

// New creates a Detector. Zero fields of cfg take their default values.
func New(store Store, cfg Config, opts ...Option) *Detector {
	def := DefaultConfig()
	if cfg.LowActivityTimeout <= 0 {
		cfg.LowActivityTimeout = def.LowActivityTimeout
	}
	if cfg.NormalActivityTimeout <= 0 {
		cfg.NormalActivityTimeout = def.NormalActivityTimeout
	}
	if cfg.HighActivityTimeout <= 0 {
		cfg.HighActivityTimeout = def.HighActivityTimeout
	}
	if cfg.SessionCap <= 0 {
		cfg.SessionCap = def.SessionCap
	}
	if cfg.LowActivityBelow <= 0 {
		cfg.LowActivityBelow = def.LowActivityBelow
	}
	if cfg.HighActivityAbove <= 0 {
		cfg.HighActivityAbove = def.HighActivityAbove
	}
	if cfg.ActivityWindow <= 0 {
		cfg.ActivityWindow = def.ActivityWindow
	}

	d := &Detector{
		store:  store,
		cfg:    cfg,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Level classifies a message count from the activity window.
func (d *Detector) Level(count int) ActivityLevel {
	switch {
	case count < d.cfg.LowActivityBelow:
		return ActivityLow
	case count > d.cfg.HighActivityAbove:
		return ActivityHigh
	default:
		return ActivityNormal
	}
}

// Timeout returns the inactivity timeout of a level.
func (d *Detector) Timeout(level ActivityLevel) time.Duration {
	switch level {
	case ActivityLow:
		return d.cfg.LowActivityTimeout
	case ActivityHigh:
		return d.cfg.HighActivityTimeout
	default:
		return d.cfg.NormalActivityTimeout
	}
}

// ShouldEnd reports whether the conversation of the pair has ended. Lookup
// failures are logged and reported as not ended.
func (d *Detector) ShouldEnd(ctx context.Context, userID, personaID string) bool {
	return d.Evaluate(ctx, userID, personaID).Ended
}

// Snapshot computes the activity state of the pair.
func (d *Detector) Snapshot(ctx context.Context, userID, personaID string) (ActivitySnapshot, error) {
	now := d.now()
	var snap ActivitySnapshot

	count, err := d.store.CountMessagesSince(ctx, userID, personaID, now.Add(-d.cfg.ActivityWindow))
	if err != nil {
		return snap, err
	}
	snap.MessageCountLastHour = count
	snap.ActivityLevel = d.Level(count)

	last, err := d.store.LatestMessage(ctx, userID, personaID)
	if err != nil {
		return snap, err
	}
	if last != nil {
		snap.LastMessageAt = last.CreatedAt
	}

	first, err := d.store.FirstMessageSince(ctx, userID, personaID, time.Time{})
	if err != nil {
		return snap, err
	}
	if first != nil {
		snap.SessionStartAt = first.CreatedAt
	}
	return snap, nil
}

// Evaluate runs every rule in order and returns the first one that ends the
// conversation, or ReasonActive.
func (d *Detector) Evaluate(ctx context.Context, userID, personaID string) Decision {
	start := time.Now()
	decision := d.evaluate(ctx, userID, personaID)

	if d.observer != nil {
		d.observer.RecordDetection(decision.Ended, string(decision.Reason), time.Since(start))
	}
	d.logger.Debug("conversation end evaluated",
		zap.String("user_id", userID),
		zap.String("persona_id", personaID),
		zap.Bool("ended", decision.Ended),
		zap.String("reason", string(decision.Reason)),
		zap.String("activity_level", string(decision.Snapshot.ActivityLevel)),
		zap.Duration("latency", time.Since(start)))
	return decision
}

func (d *Detector) failOpen(userID, personaID, check string, snap ActivitySnapshot, err error) Decision {
	d.logger.Error("conversation end check failed",
		zap.String("user_id", userID),
		zap.String("persona_id", personaID),
		zap.String("check", check),
		zap.Error(err))
	return Decision{Ended: false, Reason: ReasonLookupFailed, Snapshot: snap}
}

func (d *Detector) evaluate(ctx context.Context, userID, personaID string) Decision {
	now := d.now()

	snap, err := d.Snapshot(ctx, userID, personaID)
	if err != nil {
		return d.failOpen(userID, personaID, "activity", snap, err)
	}
	timeout := d.Timeout(snap.ActivityLevel)
	decision := Decision{Reason: ReasonActive, Timeout: timeout, Snapshot: snap}

	if !snap.LastMessageAt.IsZero() && now.Sub(snap.LastMessageAt) >= timeout {
		decision.Ended, decision.Reason = true, ReasonInactivity
		return decision
	}

	if !snap.SessionStartAt.IsZero() && now.Sub(snap.SessionStartAt) >= d.cfg.SessionCap {
		decision.Ended, decision.Reason = true, ReasonSessionCap
		return decision
	}

	if !snap.LastMessageAt.IsZero() {
		other, err := d.store.LatestMessageExcluding(ctx, userID, personaID)
		if err != nil {
			return d.failOpen(userID, personaID, "persona_switch", snap, err)
		}
		if other != nil && other.CreatedAt.After(snap.LastMessageAt) {
			decision.Ended, decision.Reason = true, ReasonPersonaSwitch
			return decision
		}
	}

	sess, err := d.store.ActiveSession(ctx, userID, now)
	if err != nil {
		return d.failOpen(userID, personaID, "session", snap, err)
	}
	if sess == nil {
		decision.Ended, decision.Reason = true, ReasonNoSession
		return decision
	}

	return decision
}
