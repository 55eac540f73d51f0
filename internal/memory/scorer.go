package memory

import (
	"math"
	"sort"
	"time"
)

// Default scorer parameters.
const (
	DefaultSimilarityWeight = 0.6
	DefaultRecencyWeight    = 0.3
	DefaultErrorWeight      = 0.1
	DefaultHalfLifeDays     = 30.0
	DefaultErrorBoost       = 1.2
)

// Scorer fuses raw vector similarity with recency decay and an error-context
// boost. The output is ordinal, not probabilistic: weights need not sum to 1.
type Scorer struct {
	SimilarityWeight float64
	RecencyWeight    float64
	ErrorWeight      float64
	HalfLifeDays     float64
	ErrorBoost       float64
}

// NewScorer builds a scorer, filling zero values with the documented defaults.
func NewScorer(simW, recW, errW, halfLife, boost float64) Scorer {
	s := Scorer{
		SimilarityWeight: simW,
		RecencyWeight:    recW,
		ErrorWeight:      errW,
		HalfLifeDays:     halfLife,
		ErrorBoost:       boost,
	}
	if s.SimilarityWeight == 0 && s.RecencyWeight == 0 && s.ErrorWeight == 0 {
		s.SimilarityWeight = DefaultSimilarityWeight
		s.RecencyWeight = DefaultRecencyWeight
		s.ErrorWeight = DefaultErrorWeight
	}
	if s.HalfLifeDays <= 0 {
		s.HalfLifeDays = DefaultHalfLifeDays
	}
	if s.ErrorBoost <= 0 {
		s.ErrorBoost = DefaultErrorBoost
	}
	return s
}

// ScoredMemory is a retrieval result annotated with its component scores.
type ScoredMemory struct {
	Memory     *Memory `json:"memory"`
	Similarity float64 `json:"similarity"`
	Recency    float64 `json:"recency"`
	ErrorBoost float64 `json:"error_boost"`
	Composite  float64 `json:"composite"`
}

// clamp01 bounds a component to [0,1] before weighting.
func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Score computes the component and composite scores for one memory at
// retrieval time now.
func (s Scorer) Score(m *Memory, similarity float64, now time.Time) ScoredMemory {
	ageDays := now.Sub(m.Timestamp).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	recency := math.Exp(-ageDays / s.HalfLifeDays)

	// The boost multiplier is normalized onto [0,1] before weighting: a
	// boosted memory contributes 1.0, an unboosted one 1/boost.
	errComponent := 1.0 / s.ErrorBoost
	if m.ErrorContext != nil {
		errComponent = 1.0
	}

	sim := clamp01(similarity)
	rec := clamp01(recency)
	errC := clamp01(errComponent)

	return ScoredMemory{
		Memory:     m,
		Similarity: sim,
		Recency:    rec,
		ErrorBoost: errC,
		Composite:  s.SimilarityWeight*sim + s.RecencyWeight*rec + s.ErrorWeight*errC,
	}
}

// Rank scores all matches and returns the stably-sorted top n. Ties break by
// timestamp descending, then by UUID lexicographic order.
func (s Scorer) Rank(matches []Match, n int, now time.Time) ([]ScoredMemory, error) {
	scored := make([]ScoredMemory, 0, len(matches))
	for _, match := range matches {
		m, err := DecodeMemory(match.Record)
		if err != nil {
			return nil, err
		}
		scored = append(scored, s.Score(m, match.Similarity, now))
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Composite != scored[j].Composite {
			return scored[i].Composite > scored[j].Composite
		}
		ti, tj := scored[i].Memory.Timestamp, scored[j].Memory.Timestamp
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return scored[i].Memory.ID < scored[j].Memory.ID
	})

	if n > 0 && len(scored) > n {
		scored = scored[:n]
	}
	return scored, nil
}
