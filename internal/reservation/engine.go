package reservation

import (
	"context"
	"database/sql"
	"log/slog"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/agent-mail/agentmail/internal/apperr"
	"github.com/agent-mail/agentmail/internal/clock"
)

// Engine implements the request-grant algorithm, release/renew, and the
// staleness-gated forced release over the file_reservations table.
type Engine struct {
	db     *sql.DB
	clock  clock.Clock
	logger *slog.Logger
}

func NewEngine(db *sql.DB, c clock.Clock, logger *slog.Logger) *Engine {
	return &Engine{db: db, clock: c, logger: logger}
}

// Holder is a stable-ordered conflict descriptor.
type Holder struct {
	AgentID     int64
	AgentName   string
	PathPattern string
	Exclusive   bool
	ExpiresTs   int64
}

// Conflict reports that a requested pattern could not be granted.
type Conflict struct {
	Path    string
	Holders []Holder
}

// RequestInput is one request-grant call.
type RequestInput struct {
	ProjectID    int64
	AgentID      int64
	AgentName    string
	PathPatterns []string
	TTLSeconds   int64
	Exclusive    bool
	Reason       string
}

// RequestResult is the (granted, conflicts) pair the algorithm returns.
type RequestResult struct {
	Granted   []string
	Conflicts []Conflict
}

// suspiciousPattern flags patterns that are logged but never rejected.
func suspiciousPattern(p string) (bool, string) {
	switch p {
	case "*", "**", "**/*", ".":
		return true, "bare_wildcard_or_dot"
	}
	if strings.HasPrefix(p, "/") && !strings.HasPrefix(p, "//") {
		return true, "absolute_path"
	}
	if len(p) <= 2 && strings.ContainsAny(p, "*?") {
		return true, "short_wildcard"
	}
	return false, ""
}

// normalizePath validates and relativizes a requested pattern (step 1).
func normalizePath(projectRootHint, p string) (string, error) {
	if strings.Contains(p, "..") {
		return "", apperr.Validation("path_pattern", "pattern %q escapes the project root via ..", p)
	}
	if strings.HasPrefix(p, "/") && !strings.HasPrefix(p, "//") {
		p = strings.TrimPrefix(p, "/")
	}
	if p == "" {
		return "", apperr.Validation("path_pattern", "empty pattern")
	}
	return p, nil
}

// Request runs the full grant algorithm inside one transaction so no
// interleaved request can create a phantom conflict.
func (e *Engine) Request(ctx context.Context, in RequestInput) (RequestResult, error) {
	if len(in.PathPatterns) == 0 {
		return RequestResult{}, apperr.Validation("path_patterns", "at least one pattern is required")
	}
	ttl := in.TTLSeconds
	if ttl < 0 {
		ttl = 0
	}
	if ttl > 0 && ttl < 60 {
		e.logger.Warn("reservation requested with TTL below 60s", "ttl_seconds", ttl, "agent", in.AgentName)
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return RequestResult{}, apperr.DatabaseFailure("reservation_request begin", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := e.clock.Now().UnixMicro()
	idx, err := loadActiveIndex(ctx, tx, in.ProjectID, now)
	if err != nil {
		return RequestResult{}, err
	}

	var result RequestResult
	grantedInRequest := map[string]bool{}

	for _, raw := range in.PathPatterns {
		pattern, err := normalizePath("", raw)
		if err != nil {
			return RequestResult{}, err
		}
		if sus, reason := suspiciousPattern(pattern); sus {
			e.logger.Warn("suspicious reservation pattern", "pattern", pattern, "reason", reason, "agent", in.AgentName)
		}

		candidates := idx.Candidates(pattern)
		var conflicting []Holder
		for _, c := range candidates {
			if c.AgentID == in.AgentID {
				continue
			}
			if !in.Exclusive && !c.Exclusive {
				continue // non-exclusive requests only conflict with exclusive holders
			}
			if !Overlap(pattern, c.PathPattern) {
				continue
			}
			conflicting = append(conflicting, Holder{
				AgentID: c.AgentID, AgentName: c.AgentName, PathPattern: c.PathPattern,
				Exclusive: c.Exclusive, ExpiresTs: c.ExpiresTs,
			})
		}

		if len(conflicting) == 0 {
			overlapsGranted := false
			for g := range grantedInRequest {
				if Overlap(pattern, g) {
					overlapsGranted = true
					break
				}
			}
			if overlapsGranted {
				continue // self-deduplication: silently drop
			}

			expiresTs := now + ttl*1_000_000
			res, err := tx.ExecContext(ctx, `
				INSERT INTO file_reservations(project_id, agent_id, path_pattern, exclusive, reason, note, created_ts, expires_ts)
				VALUES (?, ?, ?, ?, ?, '', ?, ?)`,
				in.ProjectID, in.AgentID, pattern, boolToInt(in.Exclusive), in.Reason, now, expiresTs)
			if err != nil {
				return RequestResult{}, apperr.DatabaseFailure("reservation insert", err)
			}
			resID, _ := res.LastInsertId()
			idx.Add(Entry{ReservationID: resID, AgentID: in.AgentID, AgentName: in.AgentName,
				PathPattern: pattern, Exclusive: in.Exclusive, ExpiresTs: expiresTs})
			grantedInRequest[pattern] = true
			result.Granted = append(result.Granted, pattern)
		} else {
			sort.Slice(conflicting, func(i, j int) bool {
				a, b := conflicting[i], conflicting[j]
				if a.AgentID != b.AgentID {
					return a.AgentID < b.AgentID
				}
				if a.PathPattern != b.PathPattern {
					return a.PathPattern < b.PathPattern
				}
				if a.Exclusive != b.Exclusive {
					return !a.Exclusive
				}
				return a.ExpiresTs < b.ExpiresTs
			})
			result.Conflicts = append(result.Conflicts, Conflict{Path: pattern, Holders: conflicting})
		}
	}

	if err := tx.Commit(); err != nil {
		return RequestResult{}, apperr.DatabaseFailure("reservation_request commit", err)
	}
	return result, nil
}

func loadActiveIndex(ctx context.Context, tx *sql.Tx, projectID, now int64) (*Index, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT r.id, r.agent_id, a.name, r.path_pattern, r.exclusive, r.expires_ts
		FROM file_reservations r
		JOIN agents a ON a.id = r.agent_id
		WHERE r.project_id = ? AND r.released_ts IS NULL AND r.expires_ts > ?`, projectID, now)
	if err != nil {
		return nil, apperr.DatabaseFailure("load_active_reservations", err)
	}
	defer rows.Close()

	idx := NewIndex()
	for rows.Next() {
		var e Entry
		var exclusive int
		if err := rows.Scan(&e.ReservationID, &e.AgentID, &e.AgentName, &e.PathPattern, &exclusive, &e.ExpiresTs); err != nil {
			return nil, apperr.DatabaseFailure("load_active_reservations scan", err)
		}
		e.Exclusive = exclusive != 0
		idx.Add(e)
	}
	return idx, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ReleaseInput restricts which reservations to release.
type ReleaseInput struct {
	ProjectID      int64
	AgentID        int64
	PathPatterns   []string // optional
	ReservationIDs []int64  // optional
}

// Release is idempotent: releasing an already-released or nonexistent row
// is a no-op.
func (e *Engine) Release(ctx context.Context, in ReleaseInput) (int64, error) {
	now := e.clock.Now().UnixMicro()
	query := `UPDATE file_reservations SET released_ts = ? WHERE project_id = ? AND agent_id = ? AND released_ts IS NULL`
	args := []any{now, in.ProjectID, in.AgentID}

	if len(in.ReservationIDs) > 0 {
		placeholders := make([]string, len(in.ReservationIDs))
		for i, id := range in.ReservationIDs {
			placeholders[i] = "?"
			args = append(args, id)
		}
		query += ` AND id IN (` + strings.Join(placeholders, ",") + `)`
	} else if len(in.PathPatterns) > 0 {
		placeholders := make([]string, len(in.PathPatterns))
		for i, p := range in.PathPatterns {
			placeholders[i] = "?"
			args = append(args, p)
		}
		query += ` AND path_pattern IN (` + strings.Join(placeholders, ",") + `)`
	}

	res, err := e.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, apperr.DatabaseFailure("reservation_release", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperr.DatabaseFailure("reservation_release rows_affected", err)
	}
	return n, nil
}

// RenewResult is one before/after expiry pair.
type RenewResult struct {
	ReservationID int64
	BeforeExpires int64
	AfterExpires  int64
}

// Renew extends expires_ts to max(now, old_expires_ts) + extend_seconds,
// clamping extend_seconds up to at least 60.
func (e *Engine) Renew(ctx context.Context, projectID, agentID int64, reservationIDs []int64, extendSeconds int64) ([]RenewResult, error) {
	if extendSeconds < 60 {
		extendSeconds = 60
	}
	now := e.clock.Now().UnixMicro()

	query := `SELECT id, expires_ts FROM file_reservations
		WHERE project_id = ? AND agent_id = ? AND released_ts IS NULL`
	args := []any{projectID, agentID}
	if len(reservationIDs) > 0 {
		placeholders := make([]string, len(reservationIDs))
		for i, id := range reservationIDs {
			placeholders[i] = "?"
			args = append(args, id)
		}
		query += ` AND id IN (` + strings.Join(placeholders, ",") + `)`
	}

	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.DatabaseFailure("reservation_renew select", err)
	}
	type row struct {
		id, expires int64
	}
	var targets []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.expires); err != nil {
			rows.Close()
			return nil, apperr.DatabaseFailure("reservation_renew scan", err)
		}
		targets = append(targets, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var results []RenewResult
	for _, t := range targets {
		base := t.expires
		if now > base {
			base = now
		}
		after := base + extendSeconds*1_000_000
		if _, err := e.db.ExecContext(ctx, `UPDATE file_reservations SET expires_ts = ? WHERE id = ?`, after, t.id); err != nil {
			return nil, apperr.DatabaseFailure("reservation_renew update", err)
		}
		results = append(results, RenewResult{ReservationID: t.id, BeforeExpires: t.expires, AfterExpires: after})
	}
	return results, nil
}

// StalenessSignals reports the three inactivity signals behind a forced
// release.
type StalenessSignals struct {
	AgentInactive bool
	MailInactive  bool
	GitInactive   bool
}

func (s StalenessSignals) AllStale() bool {
	return s.AgentInactive && s.MailInactive && s.GitInactive
}

func (s StalenessSignals) Reasons() []string {
	var out []string
	if !s.AgentInactive {
		out = append(out, "agent_recently_active")
	}
	if !s.MailInactive {
		out = append(out, "mail_recently_active")
	}
	if !s.GitInactive {
		out = append(out, "git_recently_active")
	}
	return out
}

// GitActivityChecker reports whether an agent authored an archive commit
// within the last window; the signal falls back to "stale" when history
// is unavailable (no archive/Git integration wired in this build — see
// DESIGN.md).
type GitActivityChecker interface {
	HasRecentCommit(ctx context.Context, projectID, agentID int64, sinceTs int64) (bool, error)
}

// ForceReleaseInput is a request to release a reservation owned by another
// agent.
type ForceReleaseInput struct {
	ProjectID            int64
	ReservationID        int64
	InactivitySeconds    int64
	ActivityGraceSeconds int64
	Notify               bool
}

// ForceRelease implements the staleness protocol.
func (e *Engine) ForceRelease(ctx context.Context, in ForceReleaseInput, git GitActivityChecker) (StalenessSignals, error) {
	now := e.clock.Now().UnixMicro()

	var agentID, expiresTs int64
	var releasedTs sql.NullInt64
	err := e.db.QueryRowContext(ctx, `
		SELECT agent_id, expires_ts, released_ts FROM file_reservations WHERE id = ? AND project_id = ?`,
		in.ReservationID, in.ProjectID).Scan(&agentID, &expiresTs, &releasedTs)
	if err == sql.ErrNoRows {
		return StalenessSignals{}, apperr.NotFound("reservation %d not found", in.ReservationID)
	}
	if err != nil {
		return StalenessSignals{}, apperr.DatabaseFailure("force_release lookup", err)
	}
	if releasedTs.Valid {
		return StalenessSignals{}, nil // already released: treat as success, nothing to do
	}

	alreadyExpired := expiresTs <= now

	var lastActiveTs int64
	if err := e.db.QueryRowContext(ctx, `SELECT last_active_ts FROM agents WHERE id = ?`, agentID).Scan(&lastActiveTs); err != nil {
		return StalenessSignals{}, apperr.DatabaseFailure("force_release agent lookup", err)
	}
	signals := StalenessSignals{
		AgentInactive: now-lastActiveTs > in.InactivitySeconds*1_000_000,
	}

	graceWindowStart := now - in.ActivityGraceSeconds*1_000_000
	var mailCount int
	err = e.db.QueryRowContext(ctx, `
		SELECT
			(SELECT count(*) FROM messages m WHERE m.project_id = ? AND m.sender_id = ? AND m.created_ts > ?) +
			(SELECT count(*) FROM message_recipients r JOIN messages m ON m.id = r.message_id
				WHERE m.project_id = ? AND r.agent_id = ? AND m.created_ts > ?)`,
		in.ProjectID, agentID, graceWindowStart, in.ProjectID, agentID, graceWindowStart).Scan(&mailCount)
	if err != nil && err != sql.ErrNoRows {
		return StalenessSignals{}, apperr.DatabaseFailure("force_release mail check", err)
	}
	signals.MailInactive = mailCount == 0

	if git != nil {
		hasRecent, err := git.HasRecentCommit(ctx, in.ProjectID, agentID, graceWindowStart)
		if err != nil {
			signals.GitInactive = true // history unavailable falls back to stale
		} else {
			signals.GitInactive = !hasRecent
		}
	} else {
		signals.GitInactive = true
	}

	if !(signals.AllStale() || alreadyExpired) {
		return signals, apperr.ReservationActiveErr(signals.Reasons())
	}

	if _, err := e.db.ExecContext(ctx, `UPDATE file_reservations SET released_ts = ? WHERE id = ?`, now, in.ReservationID); err != nil {
		return signals, apperr.DatabaseFailure("force_release update", err)
	}

	return signals, nil
}

// TruncateUTF8 truncates body to at most maxBytes, backing off to the last
// valid UTF-8 boundary, used to bound forced-release notification bodies.
func TruncateUTF8(body string, maxBytes int) string {
	if len(body) <= maxBytes {
		return body
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(body[cut]) {
		cut--
	}
	return body[:cut]
}
