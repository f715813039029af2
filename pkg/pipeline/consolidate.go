package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oceanbase/memconsolidate-go/pkg/embedder"
	"github.com/oceanbase/memconsolidate-go/pkg/intelligence"
	"github.com/oceanbase/memconsolidate-go/pkg/storage"
	"go.uber.org/zap"
)

// ConsolidateResult describes one clustering pass.
type ConsolidateResult struct {
	Clusters    int `json:"clusters"`
	Folded      int `json:"folded"`
	Deactivated int `json:"deactivated"`
}

// Consolidate folds clusters of near-duplicate active memories of the pair.
// Each cluster with more than one member is merged into its oldest member;
// the other members are deactivated, never deleted.
func (p *Pipeline) Consolidate(ctx context.Context, userID, personaID string) (*ConsolidateResult, error) {
	unlock, err := p.locks.Lock(ctx, PairKey(userID, personaID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	all, err := p.store.ListMemories(ctx, userID, personaID)
	if err != nil {
		return nil, fmt.Errorf("ListMemories: %w", err)
	}
	byCategory := map[int64][]*storage.MemoryRecord{}
	for _, m := range all {
		if m.Active {
			byCategory[m.CategoryID] = append(byCategory[m.CategoryID], m)
		}
	}

	res := &ConsolidateResult{}
	clusterer := intelligence.Clusterer{MinMembers: 2}
	now := time.Now()
	for catID, mems := range byCategory {
		threshold := p.merger.ThresholdFor(catID)
		for _, cl := range clusterer.Consolidate(mems, threshold) {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			res.Clusters++
			if err := p.foldCluster(ctx, cl, now); err != nil {
				return res, err
			}
			res.Folded++
			res.Deactivated += len(cl.Members) - 1
			p.logger.Debug("cluster folded",
				zap.String("user_id", userID),
				zap.String("persona_id", personaID),
				zap.Int64("category_id", catID),
				zap.Int64("memory_id", cl.Members[0].ID),
				zap.Int("members", len(cl.Members)))
		}
	}
	p.logger.Info("memories consolidated",
		zap.String("user_id", userID),
		zap.String("persona_id", personaID),
		zap.Int("clusters", res.Clusters),
		zap.Int("deactivated", res.Deactivated))
	return res, nil
}

func (p *Pipeline) foldCluster(ctx context.Context, cl intelligence.Cluster, now time.Time) error {
	keep := cl.Members[0].Clone()
	contents := make([]string, 0, len(cl.Members))
	tags := append([]string(nil), keep.Tags...)
	for _, m := range cl.Members {
		contents = append(contents, m.Content)
		tags = append(tags, m.Tags...)
	}
	keep.Content = strings.Join(contents, " and ")
	keep.Tags = dedupe(tags)
	if len(cl.Centroid) > 0 {
		keep.Embedding = embedder.Normalize(cl.Centroid)
	}
	keep.LastUpdated = now
	if err := p.store.UpdateMemory(ctx, keep); err != nil {
		return fmt.Errorf("UpdateMemory: %w", err)
	}
	for _, m := range cl.Members[1:] {
		off := m.Clone()
		off.Active = false
		off.LastUpdated = now
		if err := p.store.UpdateMemory(ctx, off); err != nil {
			return fmt.Errorf("UpdateMemory: %w", err)
		}
	}
	return nil
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
