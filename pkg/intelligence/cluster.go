package intelligence

import (
	"sort"

	"github.com/oceanbase/memconsolidate-go/pkg/embedder"
	"github.com/oceanbase/memconsolidate-go/pkg/storage"
)

// Cluster is a group of similar memories within one category. Members are
// ordered oldest first.
type Cluster struct {
	CategoryID int64
	Members    []*storage.MemoryRecord
	Centroid   []float64
}

// Clusterer groups memories by greedy centroid assignment.
type Clusterer struct {
	// MinMembers drops smaller clusters from the result (default 1).
	MinMembers int
}

// Consolidate groups memories by category, then assigns each memory, oldest
// first, to the cluster whose centroid is most similar if that similarity is
// at least threshold. Memories without an embedding form their own cluster.
func (c Clusterer) Consolidate(memories []*storage.MemoryRecord, threshold float64) []Cluster {
	byCategory := map[int64][]*storage.MemoryRecord{}
	var categories []int64
	for _, m := range memories {
		if m == nil {
			continue
		}
		if _, ok := byCategory[m.CategoryID]; !ok {
			categories = append(categories, m.CategoryID)
		}
		byCategory[m.CategoryID] = append(byCategory[m.CategoryID], m)
	}
	sort.Slice(categories, func(i, j int) bool { return categories[i] < categories[j] })

	minMembers := c.MinMembers
	if minMembers < 1 {
		minMembers = 1
	}
	var out []Cluster
	for _, catID := range categories {
		for _, cl := range clusterCategory(catID, byCategory[catID], threshold) {
			if len(cl.Members) >= minMembers {
				out = append(out, cl)
			}
		}
	}
	return out
}

func clusterCategory(catID int64, mems []*storage.MemoryRecord, threshold float64) []Cluster {
	sorted := append([]*storage.MemoryRecord(nil), mems...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	var clusters []Cluster
	for _, m := range sorted {
		best, bestSim := -1, -1.0
		if len(m.Embedding) > 0 {
			for i, cl := range clusters {
				if len(cl.Centroid) != len(m.Embedding) {
					continue
				}
				sim, err := embedder.CosineSimilarity(cl.Centroid, m.Embedding)
				if err != nil {
					continue
				}
				if sim > bestSim {
					best, bestSim = i, sim
				}
			}
		}
		if best >= 0 && bestSim >= threshold {
			cl := &clusters[best]
			n := float64(len(cl.Members))
			if c, err := embedder.WeightedAverage([][]float64{cl.Centroid, m.Embedding}, []float64{n, 1}); err == nil {
				cl.Centroid = c
			}
			cl.Members = append(cl.Members, m)
			continue
		}
		var centroid []float64
		if len(m.Embedding) > 0 {
			centroid = embedder.Normalize(m.Embedding)
		}
		clusters = append(clusters, Cluster{CategoryID: catID, Members: []*storage.MemoryRecord{m}, Centroid: centroid})
	}
	return clusters
}
