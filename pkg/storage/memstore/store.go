// Package memstore provides an in-memory implementation of storage.Store.
//
// It is used by tests, examples and single-process deployments that do not need
// persistence across restarts.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oceanbase/memconsolidate-go/pkg/storage"
)

// Store keeps all records in maps guarded by a RWMutex. Records are copied on
// the way in and on the way out.
type Store struct {
	mu             sync.RWMutex
	messages       []*storage.Message
	sessions       map[string]*storage.Session
	categories     map[int64]*storage.Category
	nextCategoryID int64
	memories       map[int64]*storage.MemoryRecord
}

// New creates an empty store.
func New() *Store {
	return &Store{
		sessions:   make(map[string]*storage.Session),
		categories: make(map[int64]*storage.Category),
		memories:   make(map[int64]*storage.MemoryRecord),
	}
}

func copyMessage(m *storage.Message) *storage.Message {
	c := *m
	return &c
}

// AddMessage appends a message, keeping the slice ordered by CreatedAt.
func (s *Store) AddMessage(ctx context.Context, msg *storage.Message) error {
	if msg == nil {
		return fmt.Errorf("AddMessage: nil message")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, copyMessage(msg))
	sort.SliceStable(s.messages, func(i, j int) bool {
		return s.messages[i].CreatedAt.Before(s.messages[j].CreatedAt)
	})
	return nil
}

func (s *Store) filter(match func(*storage.Message) bool) []*storage.Message {
	var out []*storage.Message
	for _, m := range s.messages {
		if match(m) {
			out = append(out, m)
		}
	}
	return out
}

func pair(userID, personaID string) func(*storage.Message) bool {
	return func(m *storage.Message) bool {
		return m.UserID == userID && m.PersonaID == personaID
	}
}

// ListMessages returns the pair's messages in chronological order.
func (s *Store) ListMessages(ctx context.Context, userID, personaID string) ([]*storage.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.filter(pair(userID, personaID))
	out := make([]*storage.Message, len(msgs))
	for i, m := range msgs {
		out[i] = copyMessage(m)
	}
	return out, nil
}

// CountMessagesSince counts the pair's messages created at or after since.
func (s *Store) CountMessagesSince(ctx context.Context, userID, personaID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	match := pair(userID, personaID)
	return len(s.filter(func(m *storage.Message) bool {
		return match(m) && !m.CreatedAt.Before(since)
	})), nil
}

// LatestMessage returns the pair's newest message.
func (s *Store) LatestMessage(ctx context.Context, userID, personaID string) (*storage.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.filter(pair(userID, personaID))
	if len(msgs) == 0 {
		return nil, nil
	}
	return copyMessage(msgs[len(msgs)-1]), nil
}

// FirstMessageSince returns the pair's oldest message at or after since.
func (s *Store) FirstMessageSince(ctx context.Context, userID, personaID string, since time.Time) (*storage.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	match := pair(userID, personaID)
	msgs := s.filter(func(m *storage.Message) bool {
		return match(m) && !m.CreatedAt.Before(since)
	})
	if len(msgs) == 0 {
		return nil, nil
	}
	return copyMessage(msgs[0]), nil
}

// LatestMessageExcluding returns the newest message of the user's conversations
// with any other persona.
func (s *Store) LatestMessageExcluding(ctx context.Context, userID, personaID string) (*storage.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.filter(func(m *storage.Message) bool {
		return m.UserID == userID && m.PersonaID != personaID
	})
	if len(msgs) == 0 {
		return nil, nil
	}
	return copyMessage(msgs[len(msgs)-1]), nil
}

// ActiveSession returns a session of the user that has not expired at now.
func (s *Store) ActiveSession(ctx context.Context, userID string, now time.Time) (*storage.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *storage.Session
	for _, sess := range s.sessions {
		if sess.UserID != userID || !sess.ExpiresAt.After(now) {
			continue
		}
		if best == nil || sess.ExpiresAt.After(best.ExpiresAt) {
			best = sess
		}
	}
	if best == nil {
		return nil, nil
	}
	c := *best
	return &c, nil
}

// UpsertSession stores s by ID.
func (s *Store) UpsertSession(ctx context.Context, sess *storage.Session) error {
	if sess == nil || sess.ID == "" {
		return fmt.Errorf("UpsertSession: session id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *sess
	s.sessions[sess.ID] = &c
	return nil
}

// ListCategories returns all categories ordered by id.
func (s *Store) ListCategories(ctx context.Context) ([]*storage.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*storage.Category, 0, len(s.categories))
	for _, c := range s.categories {
		cc := *c
		out = append(out, &cc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CreateCategory assigns the next id to c and stores it.
func (s *Store) CreateCategory(ctx context.Context, c *storage.Category) error {
	if c == nil || c.Name == "" {
		return fmt.Errorf("CreateCategory: name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ParentID != nil {
		if _, ok := s.categories[*c.ParentID]; !ok {
			return fmt.Errorf("CreateCategory: parent %d: %w", *c.ParentID, storage.ErrNotFound)
		}
	}
	s.nextCategoryID++
	c.ID = s.nextCategoryID
	cc := *c
	s.categories[c.ID] = &cc
	return nil
}

// CreateMemory stores a copy of m.
func (s *Store) CreateMemory(ctx context.Context, m *storage.MemoryRecord) error {
	if m == nil {
		return fmt.Errorf("CreateMemory: nil memory")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.memories[m.ID]; exists {
		return fmt.Errorf("CreateMemory: memory %d already exists", m.ID)
	}
	s.memories[m.ID] = m.Clone()
	return nil
}

// UpdateMemory replaces the stored memory with the same id.
func (s *Store) UpdateMemory(ctx context.Context, m *storage.MemoryRecord) error {
	if m == nil {
		return fmt.Errorf("UpdateMemory: nil memory")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.memories[m.ID]; !exists {
		return fmt.Errorf("UpdateMemory: memory %d: %w", m.ID, storage.ErrNotFound)
	}
	s.memories[m.ID] = m.Clone()
	return nil
}

func (s *Store) listMemories(match func(*storage.MemoryRecord) bool) []*storage.MemoryRecord {
	var out []*storage.MemoryRecord
	for _, m := range s.memories {
		if match(m) {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ListActiveMemories returns active memories of the pair within a category.
func (s *Store) ListActiveMemories(ctx context.Context, userID, personaID string, categoryID int64) ([]*storage.MemoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listMemories(func(m *storage.MemoryRecord) bool {
		return m.Active && m.UserID == userID && m.PersonaID == personaID && m.CategoryID == categoryID
	}), nil
}

// ListMemories returns every memory of the pair.
func (s *Store) ListMemories(ctx context.Context, userID, personaID string) ([]*storage.MemoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listMemories(func(m *storage.MemoryRecord) bool {
		return m.UserID == userID && m.PersonaID == personaID
	}), nil
}

// CountMemoriesBySource counts the pair's memories with the given source.
func (s *Store) CountMemoriesBySource(ctx context.Context, userID, personaID string, source storage.Source) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, m := range s.memories {
		if m.UserID == userID && m.PersonaID == personaID && m.Source == source {
			n++
		}
	}
	return n, nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

var _ storage.Store = (*Store)(nil)
