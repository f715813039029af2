// Package storetest holds behaviour tests shared by every storage.Store
// implementation.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/memconsolidate-go/pkg/storage"
)

// Factory returns an empty store. The store is closed by the caller's cleanup.
type Factory func(t *testing.T) storage.Store

var base = time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC)

// Run executes the shared suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("Messages", func(t *testing.T) { testMessages(t, newStore(t)) })
	t.Run("Sessions", func(t *testing.T) { testSessions(t, newStore(t)) })
	t.Run("Categories", func(t *testing.T) { testCategories(t, newStore(t)) })
	t.Run("Memories", func(t *testing.T) { testMemories(t, newStore(t)) })
}

func add(t *testing.T, s storage.Store, id, user, persona string, fromUser bool, at time.Time) {
	t.Helper()
	require.NoError(t, s.AddMessage(context.Background(), &storage.Message{
		ID:         id,
		UserID:     user,
		PersonaID:  persona,
		Content:    "message " + id,
		IsFromUser: fromUser,
		CreatedAt:  at,
	}))
}

func ids(msgs []*storage.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func testMessages(t *testing.T, s storage.Store) {
	ctx := context.Background()
	// inserted out of order
	add(t, s, "m2", "u1", "p1", false, base.Add(2*time.Minute))
	add(t, s, "m1", "u1", "p1", true, base.Add(time.Minute))
	add(t, s, "m3", "u1", "p1", true, base.Add(3*time.Minute))
	add(t, s, "x1", "u1", "p2", true, base.Add(4*time.Minute))
	add(t, s, "x2", "u1", "p2", false, base.Add(5*time.Minute))
	add(t, s, "y1", "u2", "p1", true, base.Add(6*time.Minute))

	msgs, err := s.ListMessages(ctx, "u1", "p1")
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(msgs))
	assert.True(t, msgs[0].IsFromUser)
	assert.False(t, msgs[1].IsFromUser)
	assert.True(t, msgs[0].CreatedAt.Equal(base.Add(time.Minute)))
	assert.Equal(t, "message m1", msgs[0].Content)

	n, err := s.CountMessagesSince(ctx, "u1", "p1", base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	latest, err := s.LatestMessage(ctx, "u1", "p1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "m3", latest.ID)

	first, err := s.FirstMessageSince(ctx, "u1", "p1", base.Add(90*time.Second))
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "m2", first.ID)

	other, err := s.LatestMessageExcluding(ctx, "u1", "p1")
	require.NoError(t, err)
	require.NotNil(t, other)
	assert.Equal(t, "x2", other.ID, "persona replies count as well")

	none, err := s.LatestMessage(ctx, "nobody", "p1")
	require.NoError(t, err)
	assert.Nil(t, none)

	none, err = s.LatestMessageExcluding(ctx, "u2", "p1")
	require.NoError(t, err)
	assert.Nil(t, none)

	empty, err := s.ListMessages(ctx, "nobody", "p1")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testSessions(t *testing.T, s storage.Store) {
	ctx := context.Background()

	sess, err := s.ActiveSession(ctx, "u1", base)
	require.NoError(t, err)
	assert.Nil(t, sess)

	require.NoError(t, s.UpsertSession(ctx, &storage.Session{
		ID: "s1", UserID: "u1", PersonaID: "p1",
		StartedAt: base.Add(-time.Hour), ExpiresAt: base.Add(-time.Minute),
	}))
	sess, err = s.ActiveSession(ctx, "u1", base)
	require.NoError(t, err)
	assert.Nil(t, sess, "expired session is not active")

	require.NoError(t, s.UpsertSession(ctx, &storage.Session{
		ID: "s1", UserID: "u1", PersonaID: "p1",
		StartedAt: base.Add(-time.Hour), ExpiresAt: base.Add(time.Hour),
	}))
	sess, err = s.ActiveSession(ctx, "u1", base)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "s1", sess.ID)
	assert.Equal(t, "p1", sess.PersonaID)
	assert.True(t, sess.ExpiresAt.Equal(base.Add(time.Hour)))

	other, err := s.ActiveSession(ctx, "u2", base)
	require.NoError(t, err)
	assert.Nil(t, other)
}

func testCategories(t *testing.T, s storage.Store) {
	ctx := context.Background()

	tree, err := storage.SeedTaxonomy(ctx, s, storage.DefaultTaxonomy())
	require.NoError(t, err)
	seeded := tree.Len()
	assert.Greater(t, seeded, 8)

	musica, ok := tree.Resolve("gustos.musica")
	require.True(t, ok)
	require.NotNil(t, musica.ParentID)
	assert.Equal(t, "gustos", tree.Root(musica).Name)
	assert.Equal(t, "gustos.musica", tree.Path(musica))

	// seeding twice adds nothing
	tree, err = storage.SeedTaxonomy(ctx, s, storage.DefaultTaxonomy())
	require.NoError(t, err)
	assert.Equal(t, seeded, tree.Len())

	cats, err := s.ListCategories(ctx)
	require.NoError(t, err)
	assert.Len(t, cats, seeded)
	for i := 1; i < len(cats); i++ {
		assert.Less(t, cats[i-1].ID, cats[i].ID)
	}

	// deeper levels
	parent := musica.ID
	jazz := &storage.Category{Name: "jazz", ParentID: &parent}
	require.NoError(t, s.CreateCategory(ctx, jazz))
	assert.NotZero(t, jazz.ID)

	tree, err = storage.LoadCategoryTree(ctx, s)
	require.NoError(t, err)
	got, ok := tree.Resolve("gustos.musica.jazz")
	require.True(t, ok)
	assert.Equal(t, jazz.ID, got.ID)
	assert.Equal(t, "gustos", tree.Root(got).Name)
}

// Embedding values are exact in float32 so vector columns round-trip them.
func memory(id int64, cat int64, source storage.Source, active bool, at time.Time) *storage.MemoryRecord {
	return &storage.MemoryRecord{
		ID:          id,
		UserID:      "u1",
		PersonaID:   "p1",
		CategoryID:  cat,
		Content:     "memory",
		Embedding:   []float64{0.5, 0.25, 0.125},
		Owner:       storage.OwnerUser,
		Source:      source,
		Confidence:  0.8,
		Tags:        []string{"a", "b"},
		CreatedAt:   at,
		LastUpdated: at,
		Active:      active,
	}
}

func testMemories(t *testing.T, s storage.Store) {
	ctx := context.Background()
	tree, err := storage.SeedTaxonomy(ctx, s, storage.DefaultTaxonomy())
	require.NoError(t, err)
	musica, _ := tree.Resolve("gustos.musica")
	comida, _ := tree.Resolve("gustos.comida")

	require.NoError(t, s.CreateMemory(ctx, memory(1001, musica.ID, storage.SourceBatch, true, base.Add(time.Minute))))
	require.NoError(t, s.CreateMemory(ctx, memory(1000, musica.ID, storage.SourceBatch, true, base)))
	require.NoError(t, s.CreateMemory(ctx, memory(1002, musica.ID, storage.SourceInteractive, false, base)))
	require.NoError(t, s.CreateMemory(ctx, memory(1003, comida.ID, storage.SourceInteractive, true, base)))

	active, err := s.ListActiveMemories(ctx, "u1", "p1", musica.ID)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, int64(1000), active[0].ID)
	assert.Equal(t, int64(1001), active[1].ID)
	assert.Equal(t, []float64{0.5, 0.25, 0.125}, active[0].Embedding)
	assert.Equal(t, []string{"a", "b"}, active[0].Tags)
	assert.Equal(t, storage.OwnerUser, active[0].Owner)
	assert.Equal(t, storage.SourceBatch, active[0].Source)
	assert.InDelta(t, 0.8, active[0].Confidence, 1e-9)
	assert.True(t, active[0].CreatedAt.Equal(base))

	all, err := s.ListMemories(ctx, "u1", "p1")
	require.NoError(t, err)
	assert.Len(t, all, 4)

	n, err := s.CountMemoriesBySource(ctx, "u1", "p1", storage.SourceBatch)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = s.CountMemoriesBySource(ctx, "u2", "p1", storage.SourceBatch)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	upd := active[0]
	upd.Content = "memory and more"
	upd.Embedding = []float64{0.125, 0.25, 0.5}
	upd.Tags = []string{"c"}
	upd.LastUpdated = base.Add(time.Hour)
	upd.Active = false
	require.NoError(t, s.UpdateMemory(ctx, upd))
	// an update that changes nothing still finds the row
	require.NoError(t, s.UpdateMemory(ctx, upd))

	active, err = s.ListActiveMemories(ctx, "u1", "p1", musica.ID)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, int64(1001), active[0].ID)

	all, err = s.ListMemories(ctx, "u1", "p1")
	require.NoError(t, err)
	var found *storage.MemoryRecord
	for _, m := range all {
		if m.ID == 1000 {
			found = m
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, "memory and more", found.Content)
	assert.Equal(t, []float64{0.125, 0.25, 0.5}, found.Embedding)
	assert.Equal(t, []string{"c"}, found.Tags)
	assert.False(t, found.Active)
	assert.True(t, found.LastUpdated.Equal(base.Add(time.Hour)))

	err = s.UpdateMemory(ctx, memory(9999, musica.ID, storage.SourceBatch, true, base))
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}
