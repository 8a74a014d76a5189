package engine

import (
	"math"
	"sort"
	"time"

	"github.com/tincomking/openclaw-tinmem/internal/config"
	"github.com/tincomking/openclaw-tinmem/pkg/types"
)

// Scorer combines vector similarity, lexical score, rerank score, recency
// boost, importance boost, and time-decay penalty into a single ranked
// order. Scoring is pure arithmetic; the scorer never suspends.
type Scorer struct {
	cfg config.ScoringConfig
}

// NewScorer creates a scorer with the given weights and parameters.
func NewScorer(cfg config.ScoringConfig) *Scorer {
	return &Scorer{cfg: cfg}
}

const msPerDay = float64(24 * time.Hour / time.Millisecond)

// Score fills in the final score of every candidate and sorts them by
// descending score, ties broken by descending importance then ascending id.
//
// BM25 scores are rescaled by the maximum observed score; rerank scores
// are min-max rescaled across the batch. When no candidate carries a
// rerank score the rerank weight is dropped and the vector/lexical weights
// keep their previous sum (0.5/0.5 when both were zero).
func (s *Scorer) Score(candidates []types.ScoredMemory, now time.Time) []types.ScoredMemory {
	if len(candidates) == 0 {
		return candidates
	}

	wv, wb, wr := s.cfg.VectorWeight, s.cfg.BM25Weight, s.cfg.RerankerWeight

	// BM25 max-normalisation.
	maxBM25 := 0.0
	for _, c := range candidates {
		if c.BM25Score > maxBM25 {
			maxBM25 = c.BM25Score
		}
	}

	// Rerank min-max normalisation.
	var minRR, maxRR float64
	haveRerank := false
	for _, c := range candidates {
		if c.RerankScore == nil {
			continue
		}
		if !haveRerank {
			minRR, maxRR = *c.RerankScore, *c.RerankScore
			haveRerank = true
			continue
		}
		minRR = math.Min(minRR, *c.RerankScore)
		maxRR = math.Max(maxRR, *c.RerankScore)
	}

	if !haveRerank {
		wr = 0
		if wv+wb == 0 {
			wv, wb = 0.5, 0.5
		}
	}

	nowMs := now.UnixMilli()
	for i := range candidates {
		c := &candidates[i]

		bm25 := 0.0
		if maxBM25 > 0 {
			bm25 = c.BM25Score / maxBM25
		}

		rr := 0.0
		if c.RerankScore != nil {
			if maxRR > minRR {
				rr = (*c.RerankScore - minRR) / (maxRR - minRR)
			} else {
				// All batch scores equal: pass the raw score through.
				rr = *c.RerankScore
			}
		}

		base := wv*c.VectorScore + wb*bm25 + wr*rr
		boost := s.recencyBoost(c, nowMs) + c.Importance*s.cfg.ImportanceWeight
		penalty := s.timePenalty(c.CreatedAt, nowMs)

		c.Score = clamp01((base + boost) * (1 - penalty))
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Importance != b.Importance {
			return a.Importance > b.Importance
		}
		return a.ID < b.ID
	})
	return candidates
}

// recencyBoost decays linearly from recencyBoostFactor at age zero to zero
// at recencyBoostDays. The reference timestamp is lastAccessedAt, falling
// back to updatedAt for never-accessed memories.
func (s *Scorer) recencyBoost(c *types.ScoredMemory, nowMs int64) float64 {
	if s.cfg.RecencyBoostDays <= 0 {
		return 0
	}
	ref := c.LastAccessedAt
	if ref == 0 {
		ref = c.UpdatedAt
	}
	days := float64(nowMs-ref) / msPerDay
	if days < 0 {
		days = 0
	}
	if days >= s.cfg.RecencyBoostDays {
		return 0
	}
	return s.cfg.RecencyBoostFactor * (1 - days/s.cfg.RecencyBoostDays)
}

// timePenalty stays zero until timePenaltyDays, then approaches
// timePenaltyFactor exponentially with a 90-day constant. Multiplying the
// additive base by (1 - penalty) lets old memories decay smoothly without
// ever going negative.
func (s *Scorer) timePenalty(createdAt, nowMs int64) float64 {
	if s.cfg.TimePenaltyDays <= 0 || s.cfg.TimePenaltyFactor <= 0 {
		return 0
	}
	days := float64(nowMs-createdAt) / msPerDay
	if days <= s.cfg.TimePenaltyDays {
		return 0
	}
	p := s.cfg.TimePenaltyFactor * (1 - math.Exp(-(days-s.cfg.TimePenaltyDays)/90))
	return math.Min(s.cfg.TimePenaltyFactor, p)
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
