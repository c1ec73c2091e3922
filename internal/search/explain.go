package search

import "sort"

// Verbosity controls how much factor detail an explain report includes.
type Verbosity string

const (
	VerbosityMinimal  Verbosity = "minimal"
	VerbosityStandard Verbosity = "standard"
	VerbosityDetailed Verbosity = "detailed"
)

// StageName is one of the canonical, always-ordered pipeline stages.
type StageName string

const (
	StageLexical  StageName = "lexical"
	StageSemantic StageName = "semantic"
	StageFusion   StageName = "fusion"
	StageRerank   StageName = "rerank"
)

var canonicalStageOrder = []StageName{StageLexical, StageSemantic, StageFusion, StageRerank}

const reasonNotExecuted = "stage_not_executed"

// Factor is a single contributing factor to a stage's score.
type Factor struct {
	Code         string
	Key          string
	Contribution float64
	Detail       string
}

// StageExplanation documents one stage's contribution to a hit's score.
type StageExplanation struct {
	Stage                StageName
	ReasonCode           string
	Summary              string
	Score                float64
	Weight               float64
	WeightedContribution float64
	Factors              []Factor
	TruncatedFactors     int
	Redacted             bool
}

// notExecuted returns the placeholder explanation for a stage that did not
// run, so every report carries all four stages in canonical order.
func notExecuted(stage StageName) StageExplanation {
	return StageExplanation{Stage: stage, ReasonCode: reasonNotExecuted, Summary: "stage did not execute"}
}

// HitExplanation is the full per-hit explain payload: one entry per
// canonical stage, always in order.
type HitExplanation struct {
	DocID      int64
	Stages     []StageExplanation
	FinalScore float64
}

const reasonScopeRedacted = "scope_redacted"

// ComposeExplanation assembles the canonical stage-ordered explanation for
// one candidate, applying verbosity-controlled factor truncation.
// final_score is the sum of weighted stage scores, 0
// for redacted hits.
func ComposeExplanation(c Candidate, verbosity Verbosity, topFactors int) HitExplanation {
	redacted := c.Redacted
	stages := make(map[StageName]StageExplanation)

	if c.LexicalRank > 0 {
		stages[StageLexical] = StageExplanation{
			Stage: StageLexical, ReasonCode: "lexical_match", Summary: "matched lexical stage",
			Score: c.LexicalScore, Weight: 1, WeightedContribution: c.LexicalScore,
			Factors: []Factor{{Code: "lexical_rank", Key: "rank", Contribution: c.LexicalScore}},
		}
	}
	if c.SemanticRank > 0 {
		stages[StageSemantic] = StageExplanation{
			Stage: StageSemantic, ReasonCode: "semantic_match", Summary: "matched semantic stage",
			Score: c.SemanticScore, Weight: 1, WeightedContribution: c.SemanticScore,
			Factors: []Factor{{Code: "semantic_rank", Key: "rank", Contribution: c.SemanticScore}},
		}
	}
	if c.LexicalRank > 0 && c.SemanticRank > 0 {
		stages[StageFusion] = StageExplanation{
			Stage: StageFusion, ReasonCode: "rrf_fusion", Summary: "reciprocal rank fusion applied",
			Score: c.FusedScore, Weight: 1, WeightedContribution: c.FusedScore,
			Factors: []Factor{{Code: "rrf_k", Key: "k", Contribution: c.FusedScore, Detail: "k=60"}},
		}
	}
	if c.RerankApplied {
		stages[StageRerank] = StageExplanation{
			Stage: StageRerank, ReasonCode: "rerank_adjustment", Summary: "rerank policy applied",
			Score: c.RerankScore, Weight: 1, WeightedContribution: c.RerankScore,
			Factors: c.RerankFactors,
		}
	}

	out := HitExplanation{DocID: c.DocID}
	var final float64
	for _, name := range canonicalStageOrder {
		se, ok := stages[name]
		if !ok {
			se = notExecuted(name)
		}
		se.Redacted = redacted
		if redacted {
			se.ReasonCode = reasonScopeRedacted
			se.Score = 0
			se.WeightedContribution = 0
			se.Factors = nil
		} else {
			final += se.WeightedContribution
			se.Factors, se.TruncatedFactors = applyVerbosity(se.Factors, verbosity, topFactors)
		}
		out.Stages = append(out.Stages, se)
	}
	if redacted {
		out.FinalScore = 0
	} else {
		out.FinalScore = final
	}
	return out
}

// applyVerbosity sorts factors by absolute contribution descending, then
// code, then key, and truncates per the requested verbosity.
func applyVerbosity(factors []Factor, v Verbosity, topN int) ([]Factor, int) {
	sort.SliceStable(factors, func(i, j int) bool {
		ai, aj := abs(factors[i].Contribution), abs(factors[j].Contribution)
		if ai != aj {
			return ai > aj
		}
		if factors[i].Code != factors[j].Code {
			return factors[i].Code < factors[j].Code
		}
		return factors[i].Key < factors[j].Key
	})

	switch v {
	case VerbosityMinimal:
		return nil, len(factors)
	case VerbosityStandard:
		if topN <= 0 {
			topN = 3
		}
		if len(factors) > topN {
			truncated := len(factors) - topN
			stripped := make([]Factor, topN)
			for i := 0; i < topN; i++ {
				stripped[i] = Factor{Code: factors[i].Code, Key: factors[i].Key, Contribution: factors[i].Contribution}
			}
			return stripped, truncated
		}
		stripped := make([]Factor, len(factors))
		for i, f := range factors {
			stripped[i] = Factor{Code: f.Code, Key: f.Key, Contribution: f.Contribution}
		}
		return stripped, 0
	default: // Detailed
		return factors, 0
	}
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// PhaseTimings records per-phase wall-clock durations in microseconds.
type PhaseTimings struct {
	LexicalMicros  int64
	SemanticMicros int64
	FusionMicros   int64
	RerankMicros   int64
	TotalMicros    int64
}

// Report is the query-level wrapper around per-hit explanations:
// mode used, candidates evaluated, per-phase timings,
// taxonomy version, canonical stage order, verbosity, and the budget
// controller's decision payload.
type Report struct {
	Mode                Mode
	CandidatesEvaluated int
	Timings             PhaseTimings
	TaxonomyVersion     string
	StageOrder          []StageName
	Verbosity           Verbosity
	Decision            Decision
	Hits                []HitExplanation
}

const TaxonomyVersion = "1"

func NewReport(mode Mode, verbosity Verbosity, candidatesEvaluated int, hits []HitExplanation) Report {
	return Report{
		Mode: mode, CandidatesEvaluated: candidatesEvaluated, TaxonomyVersion: TaxonomyVersion,
		StageOrder: canonicalStageOrder, Verbosity: verbosity, Hits: hits,
	}
}
