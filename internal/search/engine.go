package search

import (
	"context"
	"sort"

	"github.com/agent-mail/agentmail/internal/clock"
)

// RankMode is the requested ordering.
type RankMode string

const (
	RankRelevance RankMode = "relevance"
	RankRecency   RankMode = "recency"
	RankScore     RankMode = "score"
)

// Query bundles the full search input contract.
type Query struct {
	Text      string
	Facets    Facets
	Mode      Mode
	Rank      RankMode
	Verbosity Verbosity
	Limit     int
	Cursor    string
	Scope     ScopeChecker
}

// Result is the full response: the page of hits, their explanations, and
// the next cursor (empty when exhausted).
type Result struct {
	Hits       []Candidate
	Explain    Report
	NextCursor string
	Denied     int
	Redacted   int
}

// Engine orchestrates the full pipeline for message search: classify,
// budget, retrieve, fuse, rerank, enforce scope, page, explain.
type Engine struct {
	lexical  *LexicalMessageStage
	semantic *SemanticStage
	rerank   RerankPolicy // optional
	clock    clock.Clock
}

func NewEngine(lexical *LexicalMessageStage, semantic *SemanticStage, rerank RerankPolicy, c clock.Clock) *Engine {
	if c == nil {
		c = clock.System{}
	}
	return &Engine{lexical: lexical, semantic: semantic, rerank: rerank, clock: c}
}

// Search runs classification, budgeting, both stages, fusion, rerank,
// ranking, scope enforcement, paging, and explanation composition.
func (e *Engine) Search(ctx context.Context, q Query) (Result, error) {
	started := e.clock.Now()
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	class := Classify(q.Text)
	budget := ComputeBudget(limit, q.Mode, class)

	var cursor *Cursor
	if q.Cursor != "" {
		c, err := DecodeCursor(q.Cursor)
		if err != nil {
			return Result{}, err
		}
		cursor = &c
	}

	var timings PhaseTimings
	lexStart := e.clock.Now()
	lexHits, lexMethod, err := e.lexical.Run(ctx, q.Text, q.Facets, budget.LexicalLimit)
	if err != nil {
		return Result{}, err
	}
	timings.LexicalMicros = e.clock.Now().Sub(lexStart).Microseconds()

	var semHits []Hit
	if e.semantic != nil && budget.SemanticLimit > 0 {
		semStart := e.clock.Now()
		semHits, err = e.semantic.Run(ctx, q.Text, budget.SemanticLimit)
		if err != nil {
			return Result{}, err
		}
		timings.SemanticMicros = e.clock.Now().Sub(semStart).Microseconds()
	}

	fuseStart := e.clock.Now()
	merged, _ := Merge(lexHits, semHits, budget.CombinedCap)
	timings.FusionMicros = e.clock.Now().Sub(fuseStart).Microseconds()

	rerankStart := e.clock.Now()
	merged = Rerank(merged, e.rerank)
	timings.RerankMicros = e.clock.Now().Sub(rerankStart).Microseconds()

	merged, err = e.applyRankMode(ctx, merged, q.Rank)
	if err != nil {
		return Result{}, err
	}

	var enforcement ScopeEnforcement
	if q.Scope != nil {
		enforcement = Enforce(merged, q.Scope)
	} else {
		enforcement = ScopeEnforcement{Allowed: merged}
	}

	ordered := enforcement.Allowed
	if cursor != nil {
		ordered = afterCursor(ordered, *cursor)
	}
	page := ordered
	if len(page) > limit {
		page = page[:limit]
	}

	topFactors := 3
	var hitExplanations []HitExplanation
	for _, c := range page {
		hitExplanations = append(hitExplanations, ComposeExplanation(c, q.Verbosity, topFactors))
	}
	report := NewReport(q.Mode, q.Verbosity, len(merged), hitExplanations)
	report.Decision = budget.Decision
	report.Hits = setLexicalMethodReason(report.Hits, lexMethod)

	var nextCursor string
	if len(page) == limit && len(ordered) > limit {
		last := page[len(page)-1]
		nextCursor = Cursor{Score: effectiveScore(last), DocID: last.DocID}.Encode()
	}

	timings.TotalMicros = e.clock.Now().Sub(started).Microseconds()
	report.Timings = timings

	return Result{
		Hits: page, Explain: report, NextCursor: nextCursor,
		Denied: enforcement.Denied, Redacted: enforcement.Redacted,
	}, nil
}

// effectiveScore is the value a cursor encodes: the score that determined
// the doc's position in the final ordering.
func effectiveScore(c Candidate) float64 {
	if c.Redacted {
		return 0
	}
	return adjustedScore(c)
}

// afterCursor drops every doc at or before the cursor position, so the
// continuation resumes exactly where the previous page stopped. The
// pipeline is deterministic, so the cursor's exact (score bits, doc_id)
// pair reappears in the recomputed list; resuming after that element is
// correct under any rank mode. The score-threshold scan is only a
// fallback for a cursor whose doc has vanished between pages.
func afterCursor(ordered []Candidate, cur Cursor) []Candidate {
	for i, c := range ordered {
		if c.DocID == cur.DocID && effectiveScore(c) == cur.Score {
			return ordered[i+1:]
		}
	}
	for i, c := range ordered {
		s := effectiveScore(c)
		if s < cur.Score || (s == cur.Score && c.DocID > cur.DocID) {
			return ordered[i:]
		}
	}
	return nil
}

// applyRankMode reorders the merged list for the requested mode.
// Relevance sorts by the fused/rerank-adjusted score descending, which
// can diverge from Merge's best_rank order once both stages contribute;
// Score keeps each stage's native order (the merge order); Recency
// resolves created_ts for every candidate and sorts newest first.
func (e *Engine) applyRankMode(ctx context.Context, candidates []Candidate, mode RankMode) ([]Candidate, error) {
	if len(candidates) == 0 {
		return candidates, nil
	}
	switch mode {
	case RankScore:
		return candidates, nil
	case RankRecency:
		ids := make([]int64, len(candidates))
		for i, c := range candidates {
			ids[i] = c.DocID
		}
		ts, err := e.lexical.CreatedTsFor(ctx, ids)
		if err != nil {
			return nil, err
		}
		sort.SliceStable(candidates, func(i, j int) bool {
			ti, tj := ts[candidates[i].DocID], ts[candidates[j].DocID]
			if ti != tj {
				return ti > tj
			}
			return candidates[i].DocID > candidates[j].DocID
		})
		return candidates, nil
	default: // Relevance
		sort.SliceStable(candidates, func(i, j int) bool {
			si, sj := adjustedScore(candidates[i]), adjustedScore(candidates[j])
			if si != sj {
				return si > sj
			}
			return candidates[i].DocID < candidates[j].DocID
		})
		return candidates, nil
	}
}

func setLexicalMethodReason(hits []HitExplanation, method string) []HitExplanation {
	for i := range hits {
		for j := range hits[i].Stages {
			if hits[i].Stages[j].Stage == StageLexical &&
				hits[i].Stages[j].ReasonCode != reasonNotExecuted &&
				hits[i].Stages[j].ReasonCode != reasonScopeRedacted {
				hits[i].Stages[j].ReasonCode = method
			}
		}
	}
	return hits
}
