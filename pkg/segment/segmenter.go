// Package segment splits a conversation into token-bounded batches.
package segment

import (
	"strings"

	"github.com/oceanbase/memconsolidate-go/pkg/storage"
)

// Defaults for Config.
const (
	DefaultMaxTurnsPerBatch = 80
	DefaultTokenLimit       = 32768
	DefaultSafetyMargin     = 0.8
)

// Config bounds the size of each batch.
type Config struct {
	// MaxTurnsPerBatch is the maximum number of messages in a batch.
	MaxTurnsPerBatch int `json:"max_turns_per_batch"`

	// TokenLimit is the context size of the analysis model.
	TokenLimit int `json:"token_limit"`

	// SafetyMargin is the usable fraction of TokenLimit, in (0, 1].
	SafetyMargin float64 `json:"safety_margin"`
}

// DefaultConfig returns {80 turns, 32768 tokens, 0.8 margin}.
func DefaultConfig() Config {
	return Config{
		MaxTurnsPerBatch: DefaultMaxTurnsPerBatch,
		TokenLimit:       DefaultTokenLimit,
		SafetyMargin:     DefaultSafetyMargin,
	}
}

// Batch is a contiguous slice of the conversation.
type Batch struct {
	Index           int
	Messages        []*storage.Message
	EstimatedTokens float64
}

// Segmenter partitions messages into batches.
type Segmenter struct {
	cfg Config
}

// New creates a Segmenter. Non-positive values and a margin outside (0, 1]
// are replaced by the defaults.
func New(cfg Config) *Segmenter {
	if cfg.MaxTurnsPerBatch <= 0 {
		cfg.MaxTurnsPerBatch = DefaultMaxTurnsPerBatch
	}
	if cfg.TokenLimit <= 0 {
		cfg.TokenLimit = DefaultTokenLimit
	}
	if cfg.SafetyMargin <= 0 || cfg.SafetyMargin > 1 {
		cfg.SafetyMargin = DefaultSafetyMargin
	}
	return &Segmenter{cfg: cfg}
}

// Config returns the effective configuration.
func (s *Segmenter) Config() Config {
	return s.cfg
}

// Budget is the token budget of a batch: TokenLimit * SafetyMargin.
func (s *Segmenter) Budget() float64 {
	return float64(s.cfg.TokenLimit) * s.cfg.SafetyMargin
}

// EstimateTokens approximates the token count of text as len/4.
func EstimateTokens(text string) float64 {
	return float64(len(text)) / 4
}

// Split walks msgs in order and closes the current batch when the next message
// would exceed the budget or the batch already holds MaxTurnsPerBatch messages.
// A message larger than the budget becomes a batch of its own.
func (s *Segmenter) Split(msgs []*storage.Message) []Batch {
	if len(msgs) == 0 {
		return nil
	}
	budget := s.Budget()

	var (
		batches []Batch
		current Batch
	)
	flush := func() {
		if len(current.Messages) == 0 {
			return
		}
		current.Index = len(batches)
		batches = append(batches, current)
		current = Batch{}
	}

	for _, m := range msgs {
		tokens := EstimateTokens(m.Content)
		if len(current.Messages) > 0 &&
			(current.EstimatedTokens+tokens > budget || len(current.Messages) >= s.cfg.MaxTurnsPerBatch) {
			flush()
		}
		current.Messages = append(current.Messages, m)
		current.EstimatedTokens += tokens
	}
	flush()
	return batches
}

// Labels names the two speakers when rendering a batch.
type Labels struct {
	User    string
	Persona string
}

// DefaultLabels renders "User:" and "Persona:" prefixes.
var DefaultLabels = Labels{User: "User", Persona: "Persona"}

// Render formats the batch as "Speaker: content" lines separated by blank lines.
func Render(b Batch, labels Labels) string {
	if labels.User == "" {
		labels.User = DefaultLabels.User
	}
	if labels.Persona == "" {
		labels.Persona = DefaultLabels.Persona
	}
	lines := make([]string, len(b.Messages))
	for i, m := range b.Messages {
		speaker := labels.Persona
		if m.IsFromUser {
			speaker = labels.User
		}
		lines[i] = speaker + ": " + m.Content
	}
	return strings.Join(lines, "\n\n")
}
