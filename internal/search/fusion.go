package search

import "sort"

// Candidate is a deduplicated per-doc merge record.
type Candidate struct {
	DocID         int64
	LexicalRank   int // 0 = absent
	SemanticRank  int
	LexicalScore  float64
	SemanticScore float64
	Source        string // "lexical" or "semantic": whichever introduced it first
	FusedScore    float64

	RerankApplied bool
	RerankScore   float64
	RerankFactors []Factor

	Redacted bool // set by scope enforcement, zeroes every reported score
}

func bestRank(c Candidate) int {
	best := 1 << 30
	if c.LexicalRank > 0 && c.LexicalRank < best {
		best = c.LexicalRank
	}
	if c.SemanticRank > 0 && c.SemanticRank < best {
		best = c.SemanticRank
	}
	return best
}

// Merge combines lexical and semantic ranked hit lists into a deduplicated
// candidate list ordered by the 6-key comparator below, then
// truncates to combinedLimit. Returns the merged list and how many
// duplicate docs were collapsed (present in both stages).
func Merge(lexical, semantic []Hit, combinedLimit int) ([]Candidate, int) {
	byDoc := make(map[int64]*Candidate)
	var order []int64

	for _, h := range lexical {
		byDoc[h.DocID] = &Candidate{DocID: h.DocID, LexicalRank: h.Rank, LexicalScore: h.Score, Source: "lexical"}
		order = append(order, h.DocID)
	}

	duplicatesRemoved := 0
	for _, h := range semantic {
		if c, ok := byDoc[h.DocID]; ok {
			c.SemanticRank = h.Rank
			c.SemanticScore = h.Score
			duplicatesRemoved++
			continue
		}
		byDoc[h.DocID] = &Candidate{DocID: h.DocID, SemanticRank: h.Rank, SemanticScore: h.Score, Source: "semantic"}
		order = append(order, h.DocID)
	}

	candidates := make([]Candidate, 0, len(order))
	for _, id := range order {
		candidates = append(candidates, *byDoc[id])
	}

	// RRF fusion (k=60) wherever both stages contributed.
	for i := range candidates {
		candidates[i].FusedScore = rrfScore(candidates[i])
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return compareCandidates(candidates[i], candidates[j]) < 0
	})

	if combinedLimit > 0 && len(candidates) > combinedLimit {
		candidates = candidates[:combinedLimit]
	}
	return candidates, duplicatesRemoved
}

const rrfK = 60

func rrfScore(c Candidate) float64 {
	var score float64
	if c.LexicalRank > 0 {
		score += 1.0 / float64(rrfK+c.LexicalRank)
	}
	if c.SemanticRank > 0 {
		score += 1.0 / float64(rrfK+c.SemanticRank)
	}
	return score
}

// compareCandidates is the strict 6-key comparator:
// best_rank asc, lexical_rank asc, semantic_rank asc,
// lexical_score desc, semantic_score desc, doc_id asc. Missing ranks sort
// as +infinity (already encoded as 0 -> treated as "absent, worst").
func compareCandidates(a, b Candidate) int {
	if d := cmpInt(rankOrInf(bestRank(a)), rankOrInf(bestRank(b))); d != 0 {
		return d
	}
	if d := cmpInt(rankOrInf(a.LexicalRank), rankOrInf(b.LexicalRank)); d != 0 {
		return d
	}
	if d := cmpInt(rankOrInf(a.SemanticRank), rankOrInf(b.SemanticRank)); d != 0 {
		return d
	}
	if d := cmpFloatDesc(a.LexicalScore, b.LexicalScore); d != 0 {
		return d
	}
	if d := cmpFloatDesc(a.SemanticScore, b.SemanticScore); d != 0 {
		return d
	}
	return cmpInt64(a.DocID, b.DocID)
}

func rankOrInf(r int) int {
	if r <= 0 {
		return 1 << 30
	}
	return r
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpFloatDesc(a, b float64) int {
	switch {
	case a > b:
		return -1
	case a < b:
		return 1
	default:
		return 0
	}
}
