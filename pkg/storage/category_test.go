package storage_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/memconsolidate-go/pkg/storage"
	"github.com/oceanbase/memconsolidate-go/pkg/storage/memstore"
)

func ptr(v int64) *int64 { return &v }

func sampleTree() *storage.CategoryTree {
	return storage.NewCategoryTree([]*storage.Category{
		{ID: 1, Name: "gustos"},
		{ID: 2, Name: "musica", ParentID: ptr(1)},
		{ID: 3, Name: "comida", ParentID: ptr(1)},
		{ID: 4, Name: "emociones"},
		{ID: 5, Name: "otros", ParentID: ptr(1)},
		{ID: 6, Name: "otros"},
		{ID: 7, Name: "rock", ParentID: ptr(2)},
		{ID: 8, Name: "huerfana", ParentID: ptr(99)},
		{ID: 9, Name: "fantasias", ParentID: ptr(4)},
		{ID: 10, Name: "fantasias", ParentID: ptr(1)},
	})
}

func TestCategoryTreeResolve(t *testing.T) {
	tree := sampleTree()

	tests := []struct {
		name string
		path string
		id   int64
		ok   bool
	}{
		{"dotted", "gustos.musica", 2, true},
		{"case and spaces", " Gustos . MUSICA ", 2, true},
		{"three levels", "gustos.musica.rock", 7, true},
		{"flat root", "emociones", 4, true},
		{"flat unique leaf", "comida", 3, true},
		{"flat prefers root", "otros", 6, true},
		{"wrong parent falls back to unique leaf", "emociones.comida", 3, true},
		{"ambiguous leaf", "fantasias", 0, false},
		{"ambiguous after failed walk", "relaciones.fantasias", 0, false},
		{"unknown", "deportes", 0, false},
		{"empty", "", 0, false},
		{"empty segment", "gustos..musica", 0, false},
		{"orphan is a root", "huerfana", 8, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, ok := tree.Resolve(tt.path)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				require.NotNil(t, c)
				assert.Equal(t, tt.id, c.ID)
			}
		})
	}
}

func TestCategoryTreeRootAndPath(t *testing.T) {
	tree := sampleTree()

	rock, ok := tree.Get(7)
	require.True(t, ok)
	assert.Equal(t, int64(1), tree.Root(rock).ID)
	assert.Equal(t, "gustos.musica.rock", tree.Path(rock))

	emo, _ := tree.Get(4)
	assert.Equal(t, emo, tree.Root(emo))
	assert.Equal(t, "emociones", tree.Path(emo))

	orphan, _ := tree.Get(8)
	assert.Equal(t, orphan, tree.Root(orphan))

	assert.Equal(t, 10, tree.Len())
	paths := tree.Paths()
	assert.Len(t, paths, 10)
	assert.IsNonDecreasing(t, paths)
	assert.Contains(t, paths, "gustos.musica.rock")
}

func TestResolveOnNilTree(t *testing.T) {
	var tree *storage.CategoryTree
	_, ok := tree.Resolve("gustos")
	assert.False(t, ok)
}

func TestSeedTaxonomy(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()

	tree, err := storage.SeedTaxonomy(ctx, store, storage.DefaultTaxonomy())
	require.NoError(t, err)

	want := 0
	for _, n := range storage.DefaultTaxonomy() {
		want += 1 + len(n.Children)
	}
	assert.Equal(t, want, tree.Len())

	for _, path := range []string{"gustos.musica", "sexualidad.fantasias", "relaciones.nicknames", "historia_personal.miedos", "emociones", "anecdotas"} {
		c, ok := tree.Resolve(path)
		require.True(t, ok, path)
		assert.Equal(t, path, tree.Path(c))
	}

	again, err := storage.SeedTaxonomy(ctx, store, storage.DefaultTaxonomy())
	require.NoError(t, err)
	assert.Equal(t, want, again.Len())

	extended, err := storage.SeedTaxonomy(ctx, store, []storage.TaxonomyNode{
		{Name: "gustos", Children: []storage.TaxonomyNode{{Name: "musica", Children: []storage.TaxonomyNode{{Name: "jazz"}}}}},
	})
	require.NoError(t, err)
	assert.Equal(t, want+1, extended.Len())
	jazz, ok := extended.Resolve("gustos.musica.jazz")
	require.True(t, ok)
	assert.Equal(t, "gustos", extended.Root(jazz).Name)
}
