package memstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/memconsolidate-go/pkg/storage"
	"github.com/oceanbase/memconsolidate-go/pkg/storage/memstore"
	"github.com/oceanbase/memconsolidate-go/pkg/storage/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storage.Store {
		return memstore.New()
	})
}

func TestReturnedRecordsAreCopies(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	rec := &storage.MemoryRecord{ID: 1, UserID: "u", PersonaID: "p", CategoryID: 1, Content: "a", Embedding: []float64{1}, Active: true}
	require.NoError(t, s.CreateMemory(ctx, rec))

	rec.Embedding[0] = 9
	got, err := s.ListActiveMemories(ctx, "u", "p", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []float64{1}, got[0].Embedding)

	got[0].Content = "changed"
	again, err := s.ListMemories(ctx, "u", "p")
	require.NoError(t, err)
	assert.Equal(t, "a", again[0].Content)
}

func TestCreateMemoryDuplicateID(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	require.NoError(t, s.CreateMemory(ctx, &storage.MemoryRecord{ID: 1}))
	assert.Error(t, s.CreateMemory(ctx, &storage.MemoryRecord{ID: 1}))
}

func TestCreateCategoryUnknownParent(t *testing.T) {
	parent := int64(42)
	err := memstore.New().CreateCategory(context.Background(), &storage.Category{Name: "x", ParentID: &parent})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
