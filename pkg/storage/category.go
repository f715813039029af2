package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// CategoryTree indexes categories by id and parent so they can be looked up by
// dotted path ("gustos.musica") at any depth.
type CategoryTree struct {
	byID     map[int64]*Category
	children map[int64][]*Category
	roots    []*Category
}

// NewCategoryTree builds a tree. Categories whose parent is unknown are treated as roots.
func NewCategoryTree(categories []*Category) *CategoryTree {
	t := &CategoryTree{
		byID:     make(map[int64]*Category, len(categories)),
		children: make(map[int64][]*Category),
	}
	for _, c := range categories {
		if c != nil {
			t.byID[c.ID] = c
		}
	}
	for _, c := range categories {
		if c == nil {
			continue
		}
		if c.ParentID != nil {
			if _, ok := t.byID[*c.ParentID]; ok {
				t.children[*c.ParentID] = append(t.children[*c.ParentID], c)
				continue
			}
		}
		t.roots = append(t.roots, c)
	}
	return t
}

// LoadCategoryTree reads all categories from the store into a tree.
func LoadCategoryTree(ctx context.Context, store CategoryStore) (*CategoryTree, error) {
	cats, err := store.ListCategories(ctx)
	if err != nil {
		return nil, fmt.Errorf("LoadCategoryTree: %w", err)
	}
	return NewCategoryTree(cats), nil
}

// Len returns the number of categories in the tree.
func (t *CategoryTree) Len() int {
	return len(t.byID)
}

// Get returns the category with the given id.
func (t *CategoryTree) Get(id int64) (*Category, bool) {
	c, ok := t.byID[id]
	return c, ok
}

func normalizeSegment(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Resolve finds a category by dotted path or flat name.
//
// A multi-segment path is walked from the roots. When the walk fails, the last
// segment is tried as a flat name, which must be unique in the tree.
func (t *CategoryTree) Resolve(path string) (*Category, bool) {
	if t == nil || strings.TrimSpace(path) == "" {
		return nil, false
	}
	segments := strings.Split(path, ".")
	for i, s := range segments {
		segments[i] = normalizeSegment(s)
		if segments[i] == "" {
			return nil, false
		}
	}

	if len(segments) == 1 {
		return t.findByName(segments[0])
	}

	level := t.roots
	var current *Category
	for _, seg := range segments {
		current = nil
		for _, c := range level {
			if normalizeSegment(c.Name) == seg {
				current = c
				break
			}
		}
		if current == nil {
			break
		}
		level = t.children[current.ID]
	}
	if current != nil {
		return current, true
	}
	return t.findByName(segments[len(segments)-1])
}

// findByName prefers a root with the given name, otherwise a unique match anywhere.
func (t *CategoryTree) findByName(name string) (*Category, bool) {
	for _, c := range t.roots {
		if normalizeSegment(c.Name) == name {
			return c, true
		}
	}
	var found *Category
	for _, c := range t.byID {
		if normalizeSegment(c.Name) != name {
			continue
		}
		if found != nil {
			return nil, false
		}
		found = c
	}
	return found, found != nil
}

// Root returns the top-level ancestor of c (c itself for a root).
func (t *CategoryTree) Root(c *Category) *Category {
	seen := map[int64]bool{}
	for c != nil && c.ParentID != nil && !seen[c.ID] {
		seen[c.ID] = true
		parent, ok := t.byID[*c.ParentID]
		if !ok {
			break
		}
		c = parent
	}
	return c
}

// Path returns the dotted path of c.
func (t *CategoryTree) Path(c *Category) string {
	var parts []string
	seen := map[int64]bool{}
	for c != nil && !seen[c.ID] {
		seen[c.ID] = true
		parts = append([]string{c.Name}, parts...)
		if c.ParentID == nil {
			break
		}
		c = t.byID[*c.ParentID]
	}
	return strings.Join(parts, ".")
}

// Paths returns the dotted path of every category, sorted.
func (t *CategoryTree) Paths() []string {
	paths := make([]string, 0, len(t.byID))
	for _, c := range t.byID {
		paths = append(paths, t.Path(c))
	}
	sort.Strings(paths)
	return paths
}

// TaxonomyNode describes one node of a taxonomy to seed.
type TaxonomyNode struct {
	Name     string
	Children []TaxonomyNode
}

// DefaultTaxonomy returns the built-in category taxonomy.
func DefaultTaxonomy() []TaxonomyNode {
	leaves := func(names ...string) []TaxonomyNode {
		nodes := make([]TaxonomyNode, len(names))
		for i, n := range names {
			nodes[i] = TaxonomyNode{Name: n}
		}
		return nodes
	}
	return []TaxonomyNode{
		{Name: "gustos", Children: leaves("musica", "comida", "deportes", "cine_series", "literatura",
			"videojuegos", "moda", "actividades", "otros_gustos")},
		{Name: "sexualidad", Children: leaves("zona_placer", "estilo_favorito", "lenguaje_erotico",
			"fantasias", "fetiches", "rituales_sexuales", "tabues")},
		{Name: "relaciones", Children: leaves("nicknames", "dinamicas_afectivas", "roles_relacionales")},
		{Name: "historia_personal", Children: leaves("traumas", "miedos", "afiliaciones", "valores",
			"historia_familiar", "logros_personales", "lineas_de_tiempo")},
		{Name: "emociones"},
		{Name: "cualidades"},
		{Name: "anecdotas"},
		{Name: "otros"},
	}
}

// SeedTaxonomy creates every node of the taxonomy that is not already present
// and returns the resulting tree.
func SeedTaxonomy(ctx context.Context, store CategoryStore, nodes []TaxonomyNode) (*CategoryTree, error) {
	tree, err := LoadCategoryTree(ctx, store)
	if err != nil {
		return nil, err
	}
	var seed func(parent *Category, prefix string, nodes []TaxonomyNode) error
	seed = func(parent *Category, prefix string, nodes []TaxonomyNode) error {
		for _, n := range nodes {
			path := n.Name
			if prefix != "" {
				path = prefix + "." + n.Name
			}
			c, ok := tree.Resolve(path)
			if !ok || (parent != nil && (c.ParentID == nil || *c.ParentID != parent.ID)) ||
				(parent == nil && c.ParentID != nil) {
				c = &Category{Name: n.Name}
				if parent != nil {
					pid := parent.ID
					c.ParentID = &pid
				}
				if err := store.CreateCategory(ctx, c); err != nil {
					return fmt.Errorf("SeedTaxonomy: %w", err)
				}
				tree, err = LoadCategoryTree(ctx, store)
				if err != nil {
					return err
				}
			}
			if err := seed(c, path, n.Children); err != nil {
				return err
			}
		}
		return nil
	}
	if err := seed(nil, "", nodes); err != nil {
		return nil, err
	}
	return tree, nil
}
