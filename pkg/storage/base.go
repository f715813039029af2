// Package storage provides the domain records and store interfaces used by the
// consolidation engine.
//
// The types live here, rather than in the core package, so that every engine
// component can depend on them without importing the client that wires them
// together.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by stores when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Owner identifies whose fact a memory describes.
type Owner string

const (
	// OwnerUser marks a fact about the user. Shared facts are stored with this owner.
	OwnerUser Owner = "user"

	// OwnerPersona marks a fact about the AI persona.
	OwnerPersona Owner = "persona"
)

// Source identifies how a memory was produced.
type Source string

const (
	// SourceInteractive marks memories written on the live chat path.
	SourceInteractive Source = "interactive"

	// SourceBatch marks memories written by a consolidation run.
	SourceBatch Source = "batch"
)

// MemoryRecord is a durable fact inferred about the user or persona.
type MemoryRecord struct {
	// ID is the unique identifier of the memory.
	ID int64 `json:"id"`

	// UserID identifies the user the memory belongs to.
	UserID string `json:"user_id"`

	// PersonaID identifies the persona the conversation was held with.
	PersonaID string `json:"persona_id"`

	// CategoryID references a pre-existing Category.
	CategoryID int64 `json:"category_id"`

	// Content is the text of the fact.
	Content string `json:"content"`

	// Embedding is the vector of Content. Its length is fixed per embedding model.
	Embedding []float64 `json:"embedding,omitempty"`

	// Owner is whose fact this is.
	Owner Owner `json:"owner"`

	// Source is how the memory was produced.
	Source Source `json:"source"`

	// Confidence is in the range 0..1.
	Confidence float64 `json:"confidence"`

	// Tags are free-form labels. A merge replaces them.
	Tags []string `json:"tags,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	LastUpdated time.Time `json:"last_updated"`

	// Active is false for memories folded into another one by cluster consolidation.
	Active bool `json:"active"`
}

// Clone returns a deep copy of the record.
func (m *MemoryRecord) Clone() *MemoryRecord {
	if m == nil {
		return nil
	}
	c := *m
	if m.Embedding != nil {
		c.Embedding = append([]float64(nil), m.Embedding...)
	}
	if m.Tags != nil {
		c.Tags = append([]string(nil), m.Tags...)
	}
	return &c
}

// Category is a node of the category taxonomy.
type Category struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	ParentID *int64 `json:"parent_id,omitempty"`
}

// Message is a single chat turn between a user and a persona.
type Message struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	PersonaID  string    `json:"persona_id"`
	Content    string    `json:"content"`
	IsFromUser bool      `json:"is_from_user"`
	CreatedAt  time.Time `json:"created_at"`
}

// Session is a chat session record. A session is active while ExpiresAt is in the future.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	PersonaID string    `json:"persona_id"`
	StartedAt time.Time `json:"started_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// MessageSource reads conversation history.
//
// Every method returning a single *Message returns (nil, nil) when there is no match.
type MessageSource interface {
	// ListMessages returns all messages of a user/persona pair in chronological order.
	ListMessages(ctx context.Context, userID, personaID string) ([]*Message, error)

	// CountMessagesSince counts messages of the pair created at or after since.
	CountMessagesSince(ctx context.Context, userID, personaID string, since time.Time) (int, error)

	// LatestMessage returns the most recent message of the pair.
	LatestMessage(ctx context.Context, userID, personaID string) (*Message, error)

	// FirstMessageSince returns the oldest message of the pair created at or after since.
	FirstMessageSince(ctx context.Context, userID, personaID string, since time.Time) (*Message, error)

	// LatestMessageExcluding returns the most recent message, written by either
	// side, of the user's conversations with any persona other than personaID.
	LatestMessageExcluding(ctx context.Context, userID, personaID string) (*Message, error)

	// AddMessage appends a message to the history.
	AddMessage(ctx context.Context, msg *Message) error
}

// SessionStore answers whether a user currently has a live session.
type SessionStore interface {
	// ActiveSession returns a session of the user that has not expired at now.
	ActiveSession(ctx context.Context, userID string, now time.Time) (*Session, error)

	// UpsertSession creates or replaces a session by ID.
	UpsertSession(ctx context.Context, s *Session) error
}

// CategoryStore holds the category taxonomy.
type CategoryStore interface {
	ListCategories(ctx context.Context) ([]*Category, error)

	// CreateCategory inserts c and sets c.ID.
	CreateCategory(ctx context.Context, c *Category) error
}

// MemoryStore persists memory records.
type MemoryStore interface {
	// CreateMemory inserts m. m.ID must already be set.
	CreateMemory(ctx context.Context, m *MemoryRecord) error

	// UpdateMemory replaces the mutable fields of an existing memory.
	UpdateMemory(ctx context.Context, m *MemoryRecord) error

	// ListActiveMemories returns active memories of a pair within one category.
	ListActiveMemories(ctx context.Context, userID, personaID string, categoryID int64) ([]*MemoryRecord, error)

	// ListMemories returns every memory of a pair, active or not.
	ListMemories(ctx context.Context, userID, personaID string) ([]*MemoryRecord, error)

	// CountMemoriesBySource counts memories of a pair with the given source.
	CountMemoriesBySource(ctx context.Context, userID, personaID string, source Source) (int, error)
}

// Store is the full persistence surface of the engine.
type Store interface {
	MessageSource
	SessionStore
	CategoryStore
	MemoryStore

	// Close releases any resources held by the store.
	Close() error
}
