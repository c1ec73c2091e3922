package storage

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-mail/agentmail/internal/apperr"
	"github.com/agent-mail/agentmail/internal/clock"
)

func newStore(t *testing.T) (*Store, *sql.DB, *clock.Mutable) {
	t.Helper()
	db := migratedDB(t)
	c := clock.NewMutable(time.Unix(1_700_000_000, 0))
	return NewStore(db, c, nil), db, c
}

func TestEnsureProjectIdempotent(t *testing.T) {
	s, _, _ := newStore(t)
	ctx := context.Background()

	p1, err := s.EnsureProject(ctx, "/tmp/p", "tmp-p")
	require.NoError(t, err)
	p2, err := s.EnsureProject(ctx, "/tmp/p", "tmp-p")
	require.NoError(t, err)
	assert.Equal(t, p1.ID, p2.ID)

	// Reuse of a slug by a different human_key is forbidden.
	_, err = s.EnsureProject(ctx, "/other/path", "tmp-p")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindDuplicate))
}

func TestValidateAgentName(t *testing.T) {
	t.Parallel()

	assert.NoError(t, ValidateAgentName("BlueLake"))
	assert.NoError(t, ValidateAgentName("RedFox"))
	for _, bad := range []string{"bluelake", "Blue", "blue-lake", "Blue Lake", "BLUELAKE", "X1Y2"} {
		assert.Error(t, ValidateAgentName(bad), "name %q", bad)
	}
}

func TestRegisterAgentDuplicate(t *testing.T) {
	s, _, _ := newStore(t)
	ctx := context.Background()

	p, err := s.EnsureProject(ctx, "/tmp/p", "tmp-p")
	require.NoError(t, err)
	_, err = s.RegisterAgent(ctx, p.ID, "BlueLake", "", "", "")
	require.NoError(t, err)

	// Re-registering the same name hits the unique constraint.
	_, err = s.RegisterAgent(ctx, p.ID, "BlueLake", "", "", "")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindDuplicate))

	// The all-caps variant fails name validation before reaching the DB.
	_, err = s.RegisterAgent(ctx, p.ID, "BLUELAKE", "", "", "")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

// Send-and-ack round trip through the trigger-maintained inbox stats.
func TestSendAndAckRoundTrip(t *testing.T) {
	s, db, _ := newStore(t)
	ctx := context.Background()

	p, err := s.EnsureProject(ctx, "/tmp/p", "tmp-p")
	require.NoError(t, err)
	blue, err := s.RegisterAgent(ctx, p.ID, "BlueLake", "", "", "")
	require.NoError(t, err)
	red, err := s.RegisterAgent(ctx, p.ID, "RedFox", "", "", "")
	require.NoError(t, err)

	msg, err := s.CreateMessage(ctx, CreateMessageInput{
		ProjectID: p.ID, SenderID: blue.ID,
		Recipients: []MessageRecipientInput{{AgentID: red.ID, Kind: RecipientTo}},
		Subject:    "Test", BodyMD: "hello", AckRequired: true,
	})
	require.NoError(t, err)

	stats, err := s.InboxStatsFor(ctx, red.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalCount)
	assert.Equal(t, int64(1), stats.UnreadCount)
	assert.Equal(t, int64(1), stats.AckPendingCount)

	require.NoError(t, s.SetRead(ctx, msg.ID, red.ID))
	stats, err = s.InboxStatsFor(ctx, red.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalCount)
	assert.Equal(t, int64(0), stats.UnreadCount)
	assert.Equal(t, int64(1), stats.AckPendingCount)

	require.NoError(t, s.SetAck(ctx, msg.ID, red.ID))
	stats, err = s.InboxStatsFor(ctx, red.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalCount)
	assert.Equal(t, int64(0), stats.UnreadCount)
	assert.Equal(t, int64(0), stats.AckPendingCount)

	// Reapplying read/ack never double-decrements (idempotent transition).
	require.NoError(t, s.SetRead(ctx, msg.ID, red.ID))
	require.NoError(t, s.SetAck(ctx, msg.ID, red.ID))
	stats, err = s.InboxStatsFor(ctx, red.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.UnreadCount)
	assert.Equal(t, int64(0), stats.AckPendingCount)

	// Exactly one FTS entry per message.
	var n int
	require.NoError(t, db.QueryRow(
		`SELECT count(*) FROM fts_messages WHERE rowid = ?`, msg.ID).Scan(&n))
	assert.Equal(t, 1, n)
}

// The materialized counters always reconcile with source-of-truth
// aggregates, across a mixed workload.
func TestInboxStatsReconcile(t *testing.T) {
	s, db, _ := newStore(t)
	ctx := context.Background()

	p, err := s.EnsureProject(ctx, "/tmp/p", "tmp-p")
	require.NoError(t, err)
	blue, err := s.RegisterAgent(ctx, p.ID, "BlueLake", "", "", "")
	require.NoError(t, err)
	red, err := s.RegisterAgent(ctx, p.ID, "RedFox", "", "", "")
	require.NoError(t, err)
	gold, err := s.RegisterAgent(ctx, p.ID, "GoldHawk", "", "", "")
	require.NoError(t, err)

	var msgIDs []int64
	for i := 0; i < 5; i++ {
		msg, err := s.CreateMessage(ctx, CreateMessageInput{
			ProjectID: p.ID, SenderID: blue.ID,
			Recipients: []MessageRecipientInput{
				{AgentID: red.ID, Kind: RecipientTo},
				{AgentID: gold.ID, Kind: RecipientCC},
			},
			Subject: "s", BodyMD: "b", AckRequired: i%2 == 0,
		})
		require.NoError(t, err)
		msgIDs = append(msgIDs, msg.ID)
	}
	require.NoError(t, s.SetRead(ctx, msgIDs[0], red.ID))
	require.NoError(t, s.SetRead(ctx, msgIDs[1], red.ID))
	require.NoError(t, s.SetAck(ctx, msgIDs[0], red.ID))

	for _, agentID := range []int64{red.ID, gold.ID} {
		var total, unread, ackPending int64
		require.NoError(t, db.QueryRow(`
			SELECT count(*),
				sum(CASE WHEN r.read_ts IS NULL THEN 1 ELSE 0 END),
				sum(CASE WHEN m.ack_required = 1 AND r.ack_ts IS NULL THEN 1 ELSE 0 END)
			FROM message_recipients r JOIN messages m ON m.id = r.message_id
			WHERE r.agent_id = ?`, agentID).Scan(&total, &unread, &ackPending))

		stats, err := s.InboxStatsFor(ctx, agentID)
		require.NoError(t, err)
		assert.Equal(t, total, stats.TotalCount)
		assert.Equal(t, unread, stats.UnreadCount)
		assert.Equal(t, ackPending, stats.AckPendingCount)
	}
}

// Acking a message that never required an ack must not drive
// ack_pending_count negative: the decrement is conditional on
// ack_required, mirroring the increment.
func TestAckOfNonAckRequiredMessage(t *testing.T) {
	s, _, _ := newStore(t)
	ctx := context.Background()

	p, err := s.EnsureProject(ctx, "/tmp/p", "tmp-p")
	require.NoError(t, err)
	blue, err := s.RegisterAgent(ctx, p.ID, "BlueLake", "", "", "")
	require.NoError(t, err)
	red, err := s.RegisterAgent(ctx, p.ID, "RedFox", "", "", "")
	require.NoError(t, err)

	msg, err := s.CreateMessage(ctx, CreateMessageInput{
		ProjectID: p.ID, SenderID: blue.ID,
		Recipients: []MessageRecipientInput{{AgentID: red.ID, Kind: RecipientTo}},
		Subject:    "fyi", BodyMD: "no ack needed", AckRequired: false,
	})
	require.NoError(t, err)

	stats, err := s.InboxStatsFor(ctx, red.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.AckPendingCount)

	require.NoError(t, s.SetAck(ctx, msg.ID, red.ID))
	stats, err = s.InboxStatsFor(ctx, red.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.AckPendingCount)
	assert.Equal(t, int64(1), stats.TotalCount)
}

func TestCreateMessageRequiresRecipients(t *testing.T) {
	s, _, _ := newStore(t)
	_, err := s.CreateMessage(context.Background(), CreateMessageInput{ProjectID: 1, SenderID: 1})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestInboxAndThreadPaging(t *testing.T) {
	s, _, c := newStore(t)
	ctx := context.Background()

	p, err := s.EnsureProject(ctx, "/tmp/p", "tmp-p")
	require.NoError(t, err)
	blue, err := s.RegisterAgent(ctx, p.ID, "BlueLake", "", "", "")
	require.NoError(t, err)
	red, err := s.RegisterAgent(ctx, p.ID, "RedFox", "", "", "")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		c.Advance(time.Second)
		_, err := s.CreateMessage(ctx, CreateMessageInput{
			ProjectID: p.ID, SenderID: blue.ID,
			Recipients: []MessageRecipientInput{{AgentID: red.ID, Kind: RecipientTo}},
			ThreadID:   "thread-1", Subject: "s", BodyMD: "b",
		})
		require.NoError(t, err)
	}

	page, kinds, err := s.InboxPage(ctx, red.ID, nil, 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	require.Len(t, kinds, 3)
	assert.True(t, page[0].CreatedTs > page[2].CreatedTs)

	next, _, err := s.InboxPage(ctx, red.ID, &MessageCursor{
		AfterCreatedTs: page[2].CreatedTs, AfterID: page[2].ID,
	}, 3)
	require.NoError(t, err)
	require.Len(t, next, 2)
	assert.Less(t, next[0].CreatedTs, page[2].CreatedTs)

	thread, err := s.ThreadPage(ctx, p.ID, "thread-1", nil, 10)
	require.NoError(t, err)
	require.Len(t, thread, 5)
	assert.Less(t, thread[0].CreatedTs, thread[4].CreatedTs) // oldest first
}

func TestAckPendingPageFilters(t *testing.T) {
	s, _, c := newStore(t)
	ctx := context.Background()

	p, err := s.EnsureProject(ctx, "/tmp/p", "tmp-p")
	require.NoError(t, err)
	blue, err := s.RegisterAgent(ctx, p.ID, "BlueLake", "", "", "")
	require.NoError(t, err)
	red, err := s.RegisterAgent(ctx, p.ID, "RedFox", "", "", "")
	require.NoError(t, err)

	for _, imp := range []Importance{ImportanceLow, ImportanceHigh, ImportanceUrgent} {
		c.Advance(time.Second)
		_, err := s.CreateMessage(ctx, CreateMessageInput{
			ProjectID: p.ID, SenderID: blue.ID,
			Recipients: []MessageRecipientInput{{AgentID: red.ID, Kind: RecipientTo}},
			Subject:    "s", BodyMD: "b", Importance: imp, AckRequired: true,
		})
		require.NoError(t, err)
	}

	all, err := s.AckPendingPage(ctx, red.ID, "", 0, 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	high, err := s.AckPendingPage(ctx, red.ID, ImportanceHigh, 0, 10)
	require.NoError(t, err)
	require.Len(t, high, 2)
	for _, m := range high {
		assert.Contains(t, []Importance{ImportanceHigh, ImportanceUrgent}, m.Importance)
	}
}

func TestIdentityCacheInvalidation(t *testing.T) {
	s, _, c := newStore(t)
	ctx := context.Background()

	p, err := s.EnsureProject(ctx, "/tmp/p", "tmp-p")
	require.NoError(t, err)
	blue, err := s.RegisterAgent(ctx, p.ID, "BlueLake", "", "", "")
	require.NoError(t, err)

	cached, err := s.AgentByName(ctx, p.ID, "bluelake")
	require.NoError(t, err)
	assert.Equal(t, blue.ID, cached.ID)

	c.Advance(time.Minute)
	require.NoError(t, s.TouchAgentActivity(ctx, blue.ID))

	// The cache was invalidated on write; the reload sees the new row.
	fresh, err := s.AgentByName(ctx, p.ID, "BlueLake")
	require.NoError(t, err)
	assert.Equal(t, c.Now().UnixMicro(), fresh.LastActiveTs)
}

func TestAgentByNameNotFound(t *testing.T) {
	s, _, _ := newStore(t)
	_, err := s.AgentByName(context.Background(), 1, "NoSuchAgent")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}
