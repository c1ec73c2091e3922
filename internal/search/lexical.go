package search

import (
	"context"
	"database/sql"
	"regexp"
	"strings"

	"github.com/agent-mail/agentmail/internal/apperr"
)

// Hit is a single ranked result from a retrieval stage.
type Hit struct {
	DocID int64
	Score float64
	Rank  int // 1-based
}

var ftsReservedOps = regexp.MustCompile(`(?i)\b(AND|OR|NOT|NEAR)\b`)
var nonTokenChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// SanitizeFTSQuery strips non-alphanumeric characters (except - and _),
// removes FTS5 reserved operators, and wraps remaining tokens in double
// quotes.
func SanitizeFTSQuery(raw string) string {
	cleaned := ftsReservedOps.ReplaceAllString(raw, " ")
	fields := strings.Fields(cleaned)
	var quoted []string
	for _, f := range fields {
		f = nonTokenChars.ReplaceAllString(f, "")
		if f == "" {
			continue
		}
		quoted = append(quoted, `"`+f+`"`)
	}
	return strings.Join(quoted, " ")
}

// LexicalMessageStage runs FTS5 MATCH against fts_messages, falling back
// to LIKE scanning, and to a stable recent-message enumeration when the
// query is empty.
type LexicalMessageStage struct {
	db *sql.DB
}

func NewLexicalMessageStage(db *sql.DB) *LexicalMessageStage {
	return &LexicalMessageStage{db: db}
}

type Facets struct {
	Importances []string
	AckRequired *bool
	ThreadID    string
	CreatedFrom int64
	CreatedTo   int64
}

func (s *LexicalMessageStage) whereFacets(f Facets) (string, []any) {
	var clauses []string
	var args []any
	if len(f.Importances) > 0 {
		placeholders := make([]string, len(f.Importances))
		for i, imp := range f.Importances {
			placeholders[i] = "?"
			args = append(args, imp)
		}
		clauses = append(clauses, "m.importance IN ("+strings.Join(placeholders, ",")+")")
	}
	if f.AckRequired != nil {
		clauses = append(clauses, "m.ack_required = ?")
		args = append(args, boolToInt(*f.AckRequired))
	}
	if f.ThreadID != "" {
		clauses = append(clauses, "m.thread_id = ?")
		args = append(args, f.ThreadID)
	}
	if f.CreatedFrom > 0 {
		clauses = append(clauses, "m.created_ts >= ?")
		args = append(args, f.CreatedFrom)
	}
	if f.CreatedTo > 0 {
		clauses = append(clauses, "m.created_ts <= ?")
		args = append(args, f.CreatedTo)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " AND " + strings.Join(clauses, " AND "), args
}

// Run returns up to limit ranked hits and the retrieval method used, for
// the explain report ("fts_match", "like_fallback", "filter_only", "empty").
func (s *LexicalMessageStage) Run(ctx context.Context, rawQuery string, f Facets, limit int) ([]Hit, string, error) {
	where, whereArgs := s.whereFacets(f)

	if strings.TrimSpace(rawQuery) == "" {
		method := "filter_only"
		if where == "" {
			method = "empty"
		}
		rows, err := s.db.QueryContext(ctx, `
			SELECT m.id FROM messages m WHERE 1=1`+where+`
			ORDER BY m.created_ts DESC, m.id DESC LIMIT ?`, append(whereArgs, limit)...)
		if err != nil {
			return nil, method, apperr.DatabaseFailure("lexical filter_only", err)
		}
		defer rows.Close()
		hits, err := scanRankedIDs(rows)
		return hits, method, err
	}

	sanitized := SanitizeFTSQuery(rawQuery)
	if sanitized != "" {
		rows, err := s.db.QueryContext(ctx, `
			SELECT fts_messages.rowid, bm25(fts_messages) FROM fts_messages
			JOIN messages m ON m.id = fts_messages.rowid
			WHERE fts_messages MATCH ?`+where+`
			ORDER BY bm25(fts_messages) LIMIT ?`, append(append([]any{sanitized}, whereArgs...), limit)...)
		if err != nil {
			return nil, "fts_match", apperr.DatabaseFailure("lexical fts_match", err)
		}
		defer rows.Close()
		hits, err := scanRankedScored(rows)
		return hits, "fts_match", err
	}

	like := "%" + rawQuery + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id FROM messages m WHERE (m.subject LIKE ? OR m.body_md LIKE ?)`+where+`
		ORDER BY m.created_ts DESC, m.id DESC LIMIT ?`,
		append(append([]any{like, like}, whereArgs...), limit)...)
	if err != nil {
		return nil, "like_fallback", apperr.DatabaseFailure("lexical like_fallback", err)
	}
	defer rows.Close()
	hits, err := scanRankedIDs(rows)
	return hits, "like_fallback", err
}

// CreatedTsFor resolves created_ts for a set of message ids, used by the
// Recency rank mode.
func (s *LexicalMessageStage) CreatedTsFor(ctx context.Context, ids []int64) (map[int64]int64, error) {
	out := make(map[int64]int64, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_ts FROM messages WHERE id IN (`+strings.Join(placeholders, ",")+`)`, args...)
	if err != nil {
		return nil, apperr.DatabaseFailure("created_ts_for", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, ts int64
		if err := rows.Scan(&id, &ts); err != nil {
			return nil, apperr.DatabaseFailure("created_ts_for scan", err)
		}
		out[id] = ts
	}
	return out, rows.Err()
}

func scanRankedIDs(rows *sql.Rows) ([]Hit, error) {
	var hits []Hit
	rank := 1
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, apperr.DatabaseFailure("scan_ranked_ids", err)
		}
		hits = append(hits, Hit{DocID: id, Rank: rank})
		rank++
	}
	return hits, rows.Err()
}

// bm25Similarity converts FTS5's bm25 (lower is better; best matches are
// the most negative) into a similarity-like score where higher is better.
// The mapping is strictly decreasing over the whole input range and
// continuous at zero: negative inputs map to (1, +inf), non-negative
// inputs to (0, 1].
func bm25Similarity(bm25 float64) float64 {
	if bm25 < 0 {
		return 1.0 - bm25
	}
	return 1.0 / (1.0 + bm25)
}

func scanRankedScored(rows *sql.Rows) ([]Hit, error) {
	var hits []Hit
	rank := 1
	for rows.Next() {
		var id int64
		var bm25 float64
		if err := rows.Scan(&id, &bm25); err != nil {
			return nil, apperr.DatabaseFailure("scan_ranked_scored", err)
		}
		hits = append(hits, Hit{DocID: id, Score: bm25Similarity(bm25), Rank: rank})
		rank++
	}
	return hits, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
