package reservation

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/agent-mail/agentmail/internal/apperr"
	"github.com/agent-mail/agentmail/internal/clock"
	"github.com/agent-mail/agentmail/internal/storage"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "mail.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)
	_, err = db.Exec("PRAGMA foreign_keys=ON")
	require.NoError(t, err)
	_, err = storage.NewMigrator(db).ApplyAll(context.Background())
	require.NoError(t, err)
	return db
}

func insertAgent(t *testing.T, db *sql.DB, projectID int64, name string, lastActive int64) int64 {
	t.Helper()
	res, err := db.Exec(`
		INSERT INTO agents(project_id, name, name_lc, inception_ts, last_active_ts)
		VALUES (?, ?, lower(?), ?, ?)`, projectID, name, name, lastActive, lastActive)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

func insertProject(t *testing.T, db *sql.DB) int64 {
	t.Helper()
	res, err := db.Exec(`INSERT INTO projects(slug, human_key, created_at) VALUES ('tmp-p', '/tmp/p', 0)`)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

func newEngine(db *sql.DB, c clock.Clock) *Engine {
	return NewEngine(db, c, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRequestGrantAndConflict(t *testing.T) {
	db := newTestDB(t)
	c := clock.NewMutable(time.Unix(1_700_000_000, 0))
	e := newEngine(db, c)
	ctx := context.Background()

	projectID := insertProject(t, db)
	now := c.Now().UnixMicro()
	agentA := insertAgent(t, db, projectID, "BlueLake", now)
	agentB := insertAgent(t, db, projectID, "RedFox", now)

	// A reserves src/*.rs exclusive.
	resA, err := e.Request(ctx, RequestInput{
		ProjectID: projectID, AgentID: agentA, AgentName: "BlueLake",
		PathPatterns: []string{"src/*.rs"}, TTLSeconds: 3600, Exclusive: true,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"src/*.rs"}, resA.Granted)
	assert.Empty(t, resA.Conflicts)

	// B requesting src/main.rs exclusive conflicts with A's glob.
	resB, err := e.Request(ctx, RequestInput{
		ProjectID: projectID, AgentID: agentB, AgentName: "RedFox",
		PathPatterns: []string{"src/main.rs"}, TTLSeconds: 3600, Exclusive: true,
	})
	require.NoError(t, err)
	assert.Empty(t, resB.Granted)
	require.Len(t, resB.Conflicts, 1)
	assert.Equal(t, "src/main.rs", resB.Conflicts[0].Path)
	require.Len(t, resB.Conflicts[0].Holders, 1)
	assert.Equal(t, "BlueLake", resB.Conflicts[0].Holders[0].AgentName)
	assert.Equal(t, "src/*.rs", resB.Conflicts[0].Holders[0].PathPattern)

	// A releases; B can now take the glob; A then conflicts the other way.
	released, err := e.Release(ctx, ReleaseInput{ProjectID: projectID, AgentID: agentA})
	require.NoError(t, err)
	assert.Equal(t, int64(1), released)

	resB2, err := e.Request(ctx, RequestInput{
		ProjectID: projectID, AgentID: agentB, AgentName: "RedFox",
		PathPatterns: []string{"src/*.rs"}, TTLSeconds: 3600, Exclusive: true,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"src/*.rs"}, resB2.Granted)

	resA2, err := e.Request(ctx, RequestInput{
		ProjectID: projectID, AgentID: agentA, AgentName: "BlueLake",
		PathPatterns: []string{"src/main.rs"}, TTLSeconds: 3600, Exclusive: true,
	})
	require.NoError(t, err)
	assert.Empty(t, resA2.Granted)
	require.Len(t, resA2.Conflicts, 1)
	assert.Equal(t, "RedFox", resA2.Conflicts[0].Holders[0].AgentName)
	assert.Equal(t, "src/*.rs", resA2.Conflicts[0].Holders[0].PathPattern)
}

func TestRequestSharedOnlyConflictsExclusive(t *testing.T) {
	db := newTestDB(t)
	c := clock.NewMutable(time.Unix(1_700_000_000, 0))
	e := newEngine(db, c)
	ctx := context.Background()

	projectID := insertProject(t, db)
	now := c.Now().UnixMicro()
	agentA := insertAgent(t, db, projectID, "BlueLake", now)
	agentB := insertAgent(t, db, projectID, "RedFox", now)

	_, err := e.Request(ctx, RequestInput{
		ProjectID: projectID, AgentID: agentA, AgentName: "BlueLake",
		PathPatterns: []string{"docs/**"}, TTLSeconds: 3600, Exclusive: false,
	})
	require.NoError(t, err)

	// A non-exclusive request only conflicts with exclusive holders.
	res, err := e.Request(ctx, RequestInput{
		ProjectID: projectID, AgentID: agentB, AgentName: "RedFox",
		PathPatterns: []string{"docs/guide.md"}, TTLSeconds: 3600, Exclusive: false,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"docs/guide.md"}, res.Granted)
	assert.Empty(t, res.Conflicts)

	// An exclusive request sees the shared holder as a conflict.
	res2, err := e.Request(ctx, RequestInput{
		ProjectID: projectID, AgentID: agentB, AgentName: "RedFox",
		PathPatterns: []string{"docs/other.md"}, TTLSeconds: 3600, Exclusive: true,
	})
	require.NoError(t, err)
	assert.Empty(t, res2.Granted)
	require.Len(t, res2.Conflicts, 1)
}

func TestRequestSelfDeduplication(t *testing.T) {
	db := newTestDB(t)
	c := clock.NewMutable(time.Unix(1_700_000_000, 0))
	e := newEngine(db, c)
	ctx := context.Background()

	projectID := insertProject(t, db)
	agentA := insertAgent(t, db, projectID, "BlueLake", c.Now().UnixMicro())

	// The second pattern overlaps the first just-granted one and is dropped
	// silently rather than reported as a conflict.
	res, err := e.Request(ctx, RequestInput{
		ProjectID: projectID, AgentID: agentA, AgentName: "BlueLake",
		PathPatterns: []string{"src/*.go", "src/main.go"}, TTLSeconds: 3600, Exclusive: true,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"src/*.go"}, res.Granted)
	assert.Empty(t, res.Conflicts)
}

func TestRequestTTLClamp(t *testing.T) {
	db := newTestDB(t)
	c := clock.NewMutable(time.Unix(1_700_000_000, 0))
	e := newEngine(db, c)
	ctx := context.Background()

	projectID := insertProject(t, db)
	agentA := insertAgent(t, db, projectID, "BlueLake", c.Now().UnixMicro())

	// Negative TTL is accepted and clamped to 0: granted but already expired.
	res, err := e.Request(ctx, RequestInput{
		ProjectID: projectID, AgentID: agentA, AgentName: "BlueLake",
		PathPatterns: []string{"src/a.go"}, TTLSeconds: -5, Exclusive: true,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"src/a.go"}, res.Granted)

	var expires int64
	require.NoError(t, db.QueryRow(
		`SELECT expires_ts FROM file_reservations WHERE path_pattern = 'src/a.go'`).Scan(&expires))
	assert.Equal(t, c.Now().UnixMicro(), expires)

	// Another agent can reserve the same path immediately: the expired row
	// is not active.
	agentB := insertAgent(t, db, projectID, "RedFox", c.Now().UnixMicro())
	res2, err := e.Request(ctx, RequestInput{
		ProjectID: projectID, AgentID: agentB, AgentName: "RedFox",
		PathPatterns: []string{"src/a.go"}, TTLSeconds: 3600, Exclusive: true,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"src/a.go"}, res2.Granted)
}

func TestRequestRejectsEscapingPaths(t *testing.T) {
	db := newTestDB(t)
	c := clock.NewMutable(time.Unix(1_700_000_000, 0))
	e := newEngine(db, c)

	projectID := insertProject(t, db)
	agentA := insertAgent(t, db, projectID, "BlueLake", c.Now().UnixMicro())

	_, err := e.Request(context.Background(), RequestInput{
		ProjectID: projectID, AgentID: agentA, AgentName: "BlueLake",
		PathPatterns: []string{"../outside.go"}, TTLSeconds: 3600, Exclusive: true,
	})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestReleaseIdempotent(t *testing.T) {
	db := newTestDB(t)
	c := clock.NewMutable(time.Unix(1_700_000_000, 0))
	e := newEngine(db, c)
	ctx := context.Background()

	projectID := insertProject(t, db)
	agentA := insertAgent(t, db, projectID, "BlueLake", c.Now().UnixMicro())

	_, err := e.Request(ctx, RequestInput{
		ProjectID: projectID, AgentID: agentA, AgentName: "BlueLake",
		PathPatterns: []string{"src/a.go"}, TTLSeconds: 3600, Exclusive: true,
	})
	require.NoError(t, err)

	released, err := e.Release(ctx, ReleaseInput{ProjectID: projectID, AgentID: agentA})
	require.NoError(t, err)
	assert.Equal(t, int64(1), released)

	// Releasing again is a no-op.
	released, err = e.Release(ctx, ReleaseInput{ProjectID: projectID, AgentID: agentA})
	require.NoError(t, err)
	assert.Equal(t, int64(0), released)
}

func TestRenewExtendsFromLaterOfNowAndExpiry(t *testing.T) {
	db := newTestDB(t)
	c := clock.NewMutable(time.Unix(1_700_000_000, 0))
	e := newEngine(db, c)
	ctx := context.Background()

	projectID := insertProject(t, db)
	agentA := insertAgent(t, db, projectID, "BlueLake", c.Now().UnixMicro())

	_, err := e.Request(ctx, RequestInput{
		ProjectID: projectID, AgentID: agentA, AgentName: "BlueLake",
		PathPatterns: []string{"src/a.go"}, TTLSeconds: 600, Exclusive: true,
	})
	require.NoError(t, err)

	results, err := e.Renew(ctx, projectID, agentA, nil, 300)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, results[0].BeforeExpires+300*1_000_000, results[0].AfterExpires)

	// extend_seconds below 60 is clamped up to 60.
	results, err = e.Renew(ctx, projectID, agentA, nil, 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, results[0].BeforeExpires+60*1_000_000, results[0].AfterExpires)

	// Once expiry has passed, renewal extends from now instead.
	c.Advance(2 * time.Hour)
	results, err = e.Renew(ctx, projectID, agentA, nil, 120)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, c.Now().UnixMicro()+120*1_000_000, results[0].AfterExpires)
}

func TestForceReleaseRequiresStaleness(t *testing.T) {
	db := newTestDB(t)
	start := time.Unix(1_700_000_000, 0)
	c := clock.NewMutable(start)
	e := newEngine(db, c)
	ctx := context.Background()

	projectID := insertProject(t, db)
	now := c.Now().UnixMicro()
	holder := insertAgent(t, db, projectID, "BlueLake", now-10*1_000_000) // active 10s ago

	res, err := e.Request(ctx, RequestInput{
		ProjectID: projectID, AgentID: holder, AgentName: "BlueLake",
		PathPatterns: []string{"src/a.go"}, TTLSeconds: 7200, Exclusive: true,
	})
	require.NoError(t, err)
	require.Len(t, res.Granted, 1)

	var reservationID int64
	require.NoError(t, db.QueryRow(`SELECT id FROM file_reservations WHERE path_pattern = 'src/a.go'`).Scan(&reservationID))

	in := ForceReleaseInput{
		ProjectID: projectID, ReservationID: reservationID,
		InactivitySeconds: 1800, ActivityGraceSeconds: 900,
	}

	signals, err := e.ForceRelease(ctx, in, nil)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindReservationActive))
	ae, ok := apperr.As(err)
	require.True(t, ok)
	assert.Contains(t, ae.Payload.([]string), "agent_recently_active")
	assert.False(t, signals.AgentInactive)

	// Push the holder's last activity an hour into the past; with no mail
	// and no git history every signal is stale and the release succeeds.
	_, err = db.Exec(`UPDATE agents SET last_active_ts = ? WHERE id = ?`, now-3600*1_000_000, holder)
	require.NoError(t, err)

	signals, err = e.ForceRelease(ctx, in, nil)
	require.NoError(t, err)
	assert.True(t, signals.AllStale())

	var releasedTs sql.NullInt64
	require.NoError(t, db.QueryRow(`SELECT released_ts FROM file_reservations WHERE id = ?`, reservationID).Scan(&releasedTs))
	assert.True(t, releasedTs.Valid)
}

func TestForceReleaseOfExpiredReservation(t *testing.T) {
	db := newTestDB(t)
	c := clock.NewMutable(time.Unix(1_700_000_000, 0))
	e := newEngine(db, c)
	ctx := context.Background()

	projectID := insertProject(t, db)
	now := c.Now().UnixMicro()
	holder := insertAgent(t, db, projectID, "BlueLake", now) // freshly active

	res, err := e.Request(ctx, RequestInput{
		ProjectID: projectID, AgentID: holder, AgentName: "BlueLake",
		PathPatterns: []string{"src/a.go"}, TTLSeconds: 60, Exclusive: true,
	})
	require.NoError(t, err)
	require.Len(t, res.Granted, 1)

	var reservationID int64
	require.NoError(t, db.QueryRow(`SELECT id FROM file_reservations WHERE path_pattern = 'src/a.go'`).Scan(&reservationID))

	// The holder is still active, but the reservation itself has expired.
	c.Advance(5 * time.Minute)
	_, err = db.Exec(`UPDATE agents SET last_active_ts = ? WHERE id = ?`, c.Now().UnixMicro(), holder)
	require.NoError(t, err)

	_, err = e.ForceRelease(ctx, ForceReleaseInput{
		ProjectID: projectID, ReservationID: reservationID,
		InactivitySeconds: 1800, ActivityGraceSeconds: 900,
	}, nil)
	require.NoError(t, err)
}

func TestTruncateUTF8(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "abc", TruncateUTF8("abc", 10))
	assert.Equal(t, "ab", TruncateUTF8("abcd", 2))
	// Never cuts inside a multi-byte rune.
	s := "aé" // 'é' is two bytes
	assert.Equal(t, "a", TruncateUTF8(s, 2))
	assert.Equal(t, "aé", TruncateUTF8(s, 3))
}
