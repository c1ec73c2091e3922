package search

import "sort"

// RerankPolicy applies bounded boosts/penalties to fused candidates.
// A policy never adds or removes candidates — it only
// adjusts scores and, through them, the final order.
type RerankPolicy interface {
	Name() string
	// Adjust returns the score delta for one candidate plus the factors
	// that produced it. Deltas are clamped to [-MaxBoost, MaxBoost] by the
	// engine regardless of what the policy returns.
	Adjust(c Candidate) (float64, []Factor)
}

// MaxBoost bounds any single policy's per-candidate adjustment.
const MaxBoost = 0.5

// StaticBoostPolicy boosts or penalizes specific docs by id. It is the
// simplest member of the open policy catalog; richer policies (recency
// decay, thread affinity) satisfy the same interface.
type StaticBoostPolicy struct {
	PolicyName string
	Boosts     map[int64]float64
}

func (p *StaticBoostPolicy) Name() string {
	if p.PolicyName == "" {
		return "static_boost"
	}
	return p.PolicyName
}

func (p *StaticBoostPolicy) Adjust(c Candidate) (float64, []Factor) {
	delta, ok := p.Boosts[c.DocID]
	if !ok {
		return 0, nil
	}
	return delta, []Factor{{Code: "static_boost", Key: "doc", Contribution: delta}}
}

// Rerank applies the policy to every candidate in place and re-sorts by
// adjusted relevance (fused-or-stage score plus rerank delta), ties broken
// by doc_id ascending. The candidate set itself is never changed.
func Rerank(candidates []Candidate, policy RerankPolicy) []Candidate {
	if policy == nil {
		return candidates
	}
	for i := range candidates {
		delta, factors := policy.Adjust(candidates[i])
		delta = clampBoost(delta)
		candidates[i].RerankApplied = true
		candidates[i].RerankScore = delta
		candidates[i].RerankFactors = factors
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := adjustedScore(candidates[i]), adjustedScore(candidates[j])
		if a != b {
			return a > b
		}
		return candidates[i].DocID < candidates[j].DocID
	})
	return candidates
}

func adjustedScore(c Candidate) float64 {
	base := c.FusedScore
	if base == 0 {
		base = c.LexicalScore
	}
	if base == 0 {
		base = c.SemanticScore
	}
	return base + c.RerankScore
}

func clampBoost(delta float64) float64 {
	if delta > MaxBoost {
		return MaxBoost
	}
	if delta < -MaxBoost {
		return -MaxBoost
	}
	return delta
}
