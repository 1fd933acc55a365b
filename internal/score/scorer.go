// Package score computes visitor-session match scores from weighted
// categorical attributes blended with content-embedding similarity.
package score

import (
	"math"
	"sort"

	"github.com/camlane/agendas/internal/config"
	"github.com/camlane/agendas/internal/store"
)

// Weights maps attribute name to its non-negative similarity weight.
// Attributes absent from the table contribute nothing.
type Weights map[string]float64

// Agreement computes the weighted categorical-match component between a
// visitor's attributes and a candidate's (possibly multi-valued) attribute
// view. Missing or "NA" values contribute 0 and their weight is excluded
// from the normalizer; if every weighted attribute is missing the component
// is 0, never an error.
func (w Weights) Agreement(visitor map[string]string, candidate map[string][]string) float64 {
	var matched, evaluated float64
	for attr, weight := range w {
		if weight <= 0 {
			continue
		}
		value := config.NormalizeAttr(visitor[attr])
		if value == "" {
			continue
		}
		values, ok := candidate[attr]
		if !ok || len(values) == 0 {
			continue
		}
		evaluated += weight
		for _, cv := range values {
			if config.NormalizeAttr(cv) == value {
				matched += weight
				break
			}
		}
	}
	if evaluated == 0 {
		return 0
	}
	return matched / evaluated
}

// AttrView lifts a single-valued attribute map into the multi-valued shape
// Agreement expects. Used for visitor-visitor comparison.
func AttrView(attrs map[string]string) map[string][]string {
	view := make(map[string][]string, len(attrs))
	for k, v := range attrs {
		if config.NormalizeAttr(v) == "" {
			continue
		}
		view[k] = []string{v}
	}
	return view
}

// SessionView builds a session's categorical attribute view: its stream
// labels under "stream" and its theatre under "theatre". Registration data
// carries matching interest attributes under the same names.
func SessionView(sess store.Session) map[string][]string {
	view := make(map[string][]string, 2)
	if len(sess.Streams) > 0 {
		view["stream"] = sess.Streams
	}
	if sess.Theatre != "" {
		view["theatre"] = []string{sess.Theatre}
	}
	return view
}

// Scorer blends the categorical component with content similarity.
type Scorer struct {
	weights Weights
	blend   float64 // fraction taken from content similarity, in [0,1]
}

// NewScorer creates a Scorer. blend is clamped to [0,1].
func NewScorer(weights Weights, blend float64) *Scorer {
	if blend < 0 {
		blend = 0
	} else if blend > 1 {
		blend = 1
	}
	return &Scorer{weights: weights, blend: blend}
}

// Weights returns the scorer's weight table.
func (s *Scorer) Weights() Weights {
	return s.weights
}

// Score computes the final visitor-session similarity in [0,1]. A session
// without a content vector falls back to the categorical component alone.
func (s *Scorer) Score(visitor store.Visitor, sess store.Session, visitorVec, sessionVec []float64) float64 {
	categorical := s.weights.Agreement(visitor.Attrs, SessionView(sess))

	if len(sessionVec) == 0 || len(visitorVec) == 0 || s.blend == 0 {
		return clamp01(categorical)
	}

	content := NormalizeCosine(CosineSimilarity(visitorVec, sessionVec))
	return clamp01((1-s.blend)*categorical + s.blend*content)
}

// CosineSimilarity returns the cosine of the angle between two vectors,
// 0 when dimensions differ or either vector is zero.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// NormalizeCosine maps a cosine in [-1,1] into [0,1].
func NormalizeCosine(score float64) float64 {
	if score < -1 {
		score = -1
	} else if score > 1 {
		score = 1
	}
	return (score + 1) / 2
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Scored is a candidate session with its provisional score.
type Scored struct {
	SessionID string
	Score     float64
}

// SortScored orders candidates by score descending with a deterministic
// session-id tie-break.
func SortScored(candidates []Scored) {
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].SessionID < candidates[j].SessionID
	})
}
