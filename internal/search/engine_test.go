package search

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/agent-mail/agentmail/internal/clock"
	"github.com/agent-mail/agentmail/internal/storage"
)

func newSearchDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "mail.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)
	_, err = storage.NewMigrator(db).ApplyAll(context.Background())
	require.NoError(t, err)
	return db
}

func seedMessages(t *testing.T, db *sql.DB) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO projects(slug, human_key, created_at) VALUES ('tmp-p', '/tmp/p', 0)`)
	require.NoError(t, err)
	_, err = db.Exec(`
		INSERT INTO agents(project_id, name, name_lc, inception_ts, last_active_ts)
		VALUES (1, 'BlueLake', 'bluelake', 0, 0)`)
	require.NoError(t, err)

	rows := []struct {
		subject, body, importance string
		created                   int64
	}{
		{"Disk pressure warning", "the archive root is filling up", "high", 1000},
		{"Deploy rollout plan", "rolling out the new schema migration", "normal", 2000},
		{"Disk monitor fixed", "pressure sampling now covers the db directory", "normal", 3000},
		{"Lunch", "pizza at noon", "low", 4000},
	}
	for _, r := range rows {
		_, err = db.Exec(`
			INSERT INTO messages(project_id, sender_id, thread_id, subject, body_md, importance, ack_required, created_ts, attachments)
			VALUES (1, 1, '', ?, ?, ?, 0, ?, '[]')`, r.subject, r.body, r.importance, r.created)
		require.NoError(t, err)
	}
}

func newTestEngine(db *sql.DB, backend VectorBackend, rerank RerankPolicy) *Engine {
	return NewEngine(NewLexicalMessageStage(db), NewSemanticStage(backend), rerank,
		clock.Fixed{T: time.Unix(1_700_000_000, 0)})
}

func TestSearchFTSMatch(t *testing.T) {
	db := newSearchDB(t)
	seedMessages(t, db)
	e := newTestEngine(db, nil, nil)

	res, err := e.Search(context.Background(), Query{Text: "disk pressure", Mode: ModeAuto, Limit: 10})
	require.NoError(t, err)
	require.NotEmpty(t, res.Hits)
	for _, h := range res.Hits {
		assert.Contains(t, []int64{1, 3}, h.DocID)
	}
	require.NotEmpty(t, res.Explain.Hits)
	assert.Equal(t, "fts_match", res.Explain.Hits[0].Stages[0].ReasonCode)
}

// Empty query with no facets enumerates recent messages with explain
// method "empty"; adding a facet flips it to "filter_only".
func TestSearchEmptyQueryEnumeration(t *testing.T) {
	db := newSearchDB(t)
	seedMessages(t, db)
	e := newTestEngine(db, nil, nil)
	ctx := context.Background()

	res, err := e.Search(ctx, Query{Text: "", Mode: ModeAuto, Limit: 10})
	require.NoError(t, err)
	require.Len(t, res.Hits, 4)
	// Newest first.
	assert.Equal(t, int64(4), res.Hits[0].DocID)
	assert.Equal(t, "empty", res.Explain.Hits[0].Stages[0].ReasonCode)

	high := Facets{Importances: []string{"high"}}
	res, err = e.Search(ctx, Query{Text: "", Facets: high, Mode: ModeAuto, Limit: 10})
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, int64(1), res.Hits[0].DocID)
	assert.Equal(t, "filter_only", res.Explain.Hits[0].Stages[0].ReasonCode)
}

func TestSearchDeterministicSnapshots(t *testing.T) {
	db := newSearchDB(t)
	seedMessages(t, db)
	e := newTestEngine(db, nil, nil)
	ctx := context.Background()

	q := Query{Text: "disk", Mode: ModeAuto, Limit: 10, Verbosity: VerbosityStandard}
	first, err := e.Search(ctx, q)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := e.Search(ctx, q)
		require.NoError(t, err)
		require.Len(t, again.Hits, len(first.Hits))
		for j := range first.Hits {
			assert.Equal(t, first.Hits[j].DocID, again.Hits[j].DocID)
			assert.InDelta(t, first.Hits[j].FusedScore, again.Hits[j].FusedScore, 0.001)
		}
	}
}

func TestSearchHybridWithSemanticBackend(t *testing.T) {
	db := newSearchDB(t)
	seedMessages(t, db)

	// A toy embedding that maps every query to [1, 0]: enough to exercise
	// the semantic stage and RRF fusion deterministically.
	index := NewFlatIndex(func(string) ([]float64, bool) { return []float64{1, 0}, true })
	index.Upsert(1, []float64{1, 0})
	index.Upsert(2, []float64{0, 1})
	index.Upsert(3, []float64{0.9, 0.1})

	e := newTestEngine(db, index, nil)
	res, err := e.Search(context.Background(), Query{Text: "disk pressure", Mode: ModeHybrid, Limit: 10})
	require.NoError(t, err)
	require.NotEmpty(t, res.Hits)

	// Doc 1 appears in both stages, so it carries a fused score and its
	// explain includes the fusion stage.
	var doc1 *Candidate
	for i := range res.Hits {
		if res.Hits[i].DocID == 1 {
			doc1 = &res.Hits[i]
		}
	}
	require.NotNil(t, doc1)
	assert.Positive(t, doc1.LexicalRank)
	assert.Positive(t, doc1.SemanticRank)
	assert.InDelta(t, 1.0/float64(60+doc1.LexicalRank)+1.0/float64(60+doc1.SemanticRank), doc1.FusedScore, 1e-12)
}

func TestSearchScopeDenyAndRedact(t *testing.T) {
	db := newSearchDB(t)
	seedMessages(t, db)
	e := newTestEngine(db, nil, nil)

	res, err := e.Search(context.Background(), Query{
		Text: "", Mode: ModeAuto, Limit: 10,
		Scope: func(docID int64) ScopePolicy {
			switch docID {
			case 4:
				return ScopeDeny
			case 3:
				return ScopeRedact
			default:
				return ScopeAllow
			}
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Denied)
	assert.Equal(t, 1, res.Redacted)
	require.Len(t, res.Hits, 3)

	for _, he := range res.Explain.Hits {
		if he.DocID == 3 {
			assert.Zero(t, he.FinalScore)
			for _, st := range he.Stages {
				assert.True(t, st.Redacted)
				assert.Equal(t, reasonScopeRedacted, st.ReasonCode)
			}
		}
	}
}

func TestSearchCursorContinuation(t *testing.T) {
	db := newSearchDB(t)
	seedMessages(t, db)
	e := newTestEngine(db, nil, nil)
	ctx := context.Background()

	page1, err := e.Search(ctx, Query{Text: "", Mode: ModeAuto, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page1.Hits, 2)
	require.NotEmpty(t, page1.NextCursor)

	page2, err := e.Search(ctx, Query{Text: "", Mode: ModeAuto, Limit: 2, Cursor: page1.NextCursor})
	require.NoError(t, err)
	require.NotEmpty(t, page2.Hits)

	seen := map[int64]bool{}
	for _, h := range append(page1.Hits, page2.Hits...) {
		assert.False(t, seen[h.DocID], "doc %d appeared on both pages", h.DocID)
		seen[h.DocID] = true
	}

	// A malformed cursor is rejected outright.
	_, err = e.Search(ctx, Query{Text: "", Cursor: "bogus"})
	require.Error(t, err)
}

// Relevance must order by fused score, not Merge's best_rank order: a doc
// ranked in both stages can out-score a doc that leads a single stage.
func TestRelevanceOrdersByFusedScore(t *testing.T) {
	t.Parallel()

	lexical := []Hit{{DocID: 1, Rank: 1}, {DocID: 2, Rank: 2}}
	semantic := []Hit{{DocID: 2, Score: 0.9, Rank: 2}}
	merged, _ := Merge(lexical, semantic, 10)
	// Merge's comparator puts the best_rank=1 doc first...
	require.Equal(t, int64(1), merged[0].DocID)
	// ...but doc 2's fused score (1/62 + 1/62) beats doc 1's (1/61).
	require.Greater(t, merged[1].FusedScore, merged[0].FusedScore)

	e := NewEngine(NewLexicalMessageStage(nil), NewSemanticStage(nil), nil, clock.Fixed{T: time.Unix(1_700_000_000, 0)})
	out, err := e.applyRankMode(context.Background(), merged, RankRelevance)
	require.NoError(t, err)
	assert.Equal(t, int64(2), out[0].DocID)
	assert.Equal(t, int64(1), out[1].DocID)

	// Score mode keeps the merge order untouched.
	merged2, _ := Merge(lexical, semantic, 10)
	out, err = e.applyRankMode(context.Background(), merged2, RankScore)
	require.NoError(t, err)
	assert.Equal(t, int64(1), out[0].DocID)
}

// A continuation resumes after the cursor's exact doc even when the final
// ordering is not score-descending, so no document is silently dropped.
func TestAfterCursorResumesAfterExactDoc(t *testing.T) {
	t.Parallel()

	ordered := []Candidate{
		{DocID: 2, FusedScore: 0.5},
		{DocID: 1, FusedScore: 0.6},
	}
	rest := afterCursor(ordered, Cursor{Score: 0.5, DocID: 2})
	require.Len(t, rest, 1)
	assert.Equal(t, int64(1), rest[0].DocID)

	// A cursor whose doc vanished falls back to the score threshold scan.
	rest = afterCursor([]Candidate{{DocID: 9, FusedScore: 0.4}}, Cursor{Score: 0.5, DocID: 2})
	require.Len(t, rest, 1)
	assert.Equal(t, int64(9), rest[0].DocID)
}

func TestSearchRecencyRank(t *testing.T) {
	db := newSearchDB(t)
	seedMessages(t, db)
	e := newTestEngine(db, nil, nil)

	res, err := e.Search(context.Background(), Query{Text: "disk", Mode: ModeAuto, Rank: RankRecency, Limit: 10})
	require.NoError(t, err)
	require.Len(t, res.Hits, 2)
	// Doc 3 (created_ts 3000) precedes doc 1 (created_ts 1000).
	assert.Equal(t, int64(3), res.Hits[0].DocID)
	assert.Equal(t, int64(1), res.Hits[1].DocID)
}

func TestFlatIndexTopK(t *testing.T) {
	t.Parallel()

	index := NewFlatIndex(nil)
	index.Upsert(1, []float64{1, 0})
	index.Upsert(2, []float64{0, 1})
	index.Upsert(3, []float64{0.7, 0.7})

	hits, err := index.TopK(context.Background(), []float64{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, int64(1), hits[0].DocID)
	assert.Equal(t, int64(3), hits[1].DocID)
	assert.Equal(t, 1, hits[0].Rank)
	assert.Equal(t, 2, hits[1].Rank)
}
