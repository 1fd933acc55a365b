// Package neighbors implements collaborative augmentation: candidate
// sessions sourced from a visitor's nearest-neighbor visitors.
package neighbors

import (
	"sort"

	"github.com/camlane/agendas/internal/score"
	"github.com/camlane/agendas/internal/store"
)

// Neighbor is a similar visitor, ranked 1..K by categorical similarity.
type Neighbor struct {
	VisitorID  string
	Similarity float64
	Rank       int
}

// Augmenter finds similar visitors and folds in sessions they are
// associated with.
type Augmenter struct {
	weights score.Weights
	k       int
}

// NewAugmenter creates an Augmenter keeping up to k neighbors.
func NewAugmenter(weights score.Weights, k int) *Augmenter {
	if k < 0 {
		k = 0
	}
	return &Augmenter{weights: weights, k: k}
}

// SimilarVisitors returns up to K visitors most similar to the target by
// the categorical-match function alone (no content component), excluding
// the target itself. Equal similarities break deterministically by
// visitor id.
func (a *Augmenter) SimilarVisitors(target store.Visitor, pool []store.Visitor) []Neighbor {
	if a.k == 0 {
		return nil
	}

	candidates := make([]Neighbor, 0, len(pool))
	for _, v := range pool {
		if v.ID == target.ID {
			continue
		}
		sim := a.weights.Agreement(target.Attrs, score.AttrView(v.Attrs))
		if sim <= 0 {
			continue
		}
		candidates = append(candidates, Neighbor{VisitorID: v.ID, Similarity: sim})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Similarity != candidates[j].Similarity {
			return candidates[i].Similarity > candidates[j].Similarity
		}
		return candidates[i].VisitorID < candidates[j].VisitorID
	})

	if len(candidates) > a.k {
		candidates = candidates[:a.k]
	}
	for i := range candidates {
		candidates[i].Rank = i + 1
	}
	return candidates
}

// Augment folds neighbor-sourced candidates into a visitor's direct score
// map. neighborEdges returns the sessions a neighbor is associated with
// (high-scoring edges or historical attendance) and their scores. A
// neighbor's contribution is discounted by its rank, closer neighbors
// retaining more; an augmented score never overrides a higher direct score
// for the same session.
func (a *Augmenter) Augment(direct map[string]float64, neighbors []Neighbor, neighborEdges func(visitorID string) map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(direct))
	for id, sc := range direct {
		out[id] = sc
	}

	for _, n := range neighbors {
		discount := 1 - float64(n.Rank)/float64(a.k+1)
		if discount <= 0 {
			continue
		}
		for sessionID, sc := range neighborEdges(n.VisitorID) {
			candidate := sc * n.Similarity * discount
			if candidate > out[sessionID] {
				out[sessionID] = candidate
			}
		}
	}
	return out
}
