package storage

import (
	"context"
	"database/sql"
	"regexp"
	"strings"
	"sync"

	"github.com/agent-mail/agentmail/internal/apperr"
	"github.com/agent-mail/agentmail/internal/clock"
)

// Store is the authoritative repository layer over the SQLite schema.
// The DB row is always the source of truth; archive writes are
// dispatched through the WBQ after commit by mailbox.Service, never
// awaited by the caller. Store itself enqueues nothing.
type Store struct {
	db    *sql.DB
	clock clock.Clock
	wbq   *WBQ

	identityMu    sync.RWMutex
	identityCache map[identityKey]Agent // (project_id, agent_name) hot-row read-cache
}

type identityKey struct {
	projectID int64
	nameLC    string
}

func NewStore(db *sql.DB, c clock.Clock, wbq *WBQ) *Store {
	return &Store{db: db, clock: c, wbq: wbq, identityCache: make(map[identityKey]Agent)}
}

// EnsureProject creates the project if absent, or returns the existing row
// by human_key (an absolute directory path).
func (s *Store) EnsureProject(ctx context.Context, humanKey, slug string) (Project, error) {
	var p Project
	err := s.db.QueryRowContext(ctx,
		`SELECT id, slug, human_key, created_at FROM projects WHERE human_key = ?`, humanKey,
	).Scan(&p.ID, &p.Slug, &p.HumanKey, &p.CreatedAt)
	if err == nil {
		return p, nil
	}
	if err != sql.ErrNoRows {
		return Project{}, apperr.DatabaseFailure("ensure_project lookup", err)
	}

	now := s.clock.Now().UnixMicro()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO projects(slug, human_key, created_at) VALUES (?, ?, ?)`, slug, humanKey, now)
	if err != nil {
		if isUniqueConstraint(err) {
			return Project{}, apperr.Duplicate("slug %q is already in use by a different project human_key", slug)
		}
		return Project{}, apperr.DatabaseFailure("ensure_project insert", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Project{}, apperr.DatabaseFailure("ensure_project last_insert_id", err)
	}
	return Project{ID: id, Slug: slug, HumanKey: humanKey, CreatedAt: now}, nil
}

var agentNamePattern = regexp.MustCompile(`^[A-Z][a-z]+[A-Z][a-z]+$`)

// ValidateAgentName enforces the adjective+noun naming convention
// (e.g. "BlueLake"): two capitalized words concatenated with no separator.
func ValidateAgentName(name string) error {
	if !agentNamePattern.MatchString(name) {
		return apperr.Validation("name", "agent name %q must be an adjective+noun pair like BlueLake", name)
	}
	return nil
}

// RegisterAgent creates a new agent identity, case-insensitively unique
// within a project.
func (s *Store) RegisterAgent(ctx context.Context, projectID int64, name, program, model, taskDescription string) (Agent, error) {
	if err := ValidateAgentName(name); err != nil {
		return Agent{}, err
	}
	nameLC := strings.ToLower(name)
	now := s.clock.Now().UnixMicro()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO agents(project_id, name, name_lc, program, model, task_description,
			inception_ts, last_active_ts, attachments_policy, contact_policy)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'auto', '')`,
		projectID, name, nameLC, program, model, taskDescription, now, now)
	if err != nil {
		if isUniqueConstraint(err) {
			return Agent{}, apperr.Duplicate("agent %q already registered in this project", name)
		}
		return Agent{}, apperr.DatabaseFailure("register_agent insert", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Agent{}, apperr.DatabaseFailure("register_agent last_insert_id", err)
	}

	agent := Agent{
		ID: id, ProjectID: projectID, Name: name, Program: program, Model: model,
		TaskDescription: taskDescription, InceptionTs: now, LastActiveTs: now,
		AttachmentsPolicy: AttachmentsAuto,
	}
	s.putIdentityCache(projectID, nameLC, agent)
	return agent, nil
}

func (s *Store) putIdentityCache(projectID int64, nameLC string, agent Agent) {
	s.identityMu.Lock()
	s.identityCache[identityKey{projectID, nameLC}] = agent
	s.identityMu.Unlock()
}

func (s *Store) invalidateIdentityCache(projectID int64, nameLC string) {
	s.identityMu.Lock()
	delete(s.identityCache, identityKey{projectID, nameLC})
	s.identityMu.Unlock()
}

// AgentByName resolves an agent within a project, consulting the
// identity read-cache first; the cache is invalidated on every write to
// the row and immediately repopulated with the fresh row.
func (s *Store) AgentByName(ctx context.Context, projectID int64, name string) (Agent, error) {
	nameLC := strings.ToLower(name)
	s.identityMu.RLock()
	if a, ok := s.identityCache[identityKey{projectID, nameLC}]; ok {
		s.identityMu.RUnlock()
		return a, nil
	}
	s.identityMu.RUnlock()

	var a Agent
	var policy string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, program, model, task_description,
			inception_ts, last_active_ts, attachments_policy, contact_policy
		FROM agents WHERE project_id = ? AND name_lc = ?`, projectID, nameLC,
	).Scan(&a.ID, &a.ProjectID, &a.Name, &a.Program, &a.Model, &a.TaskDescription,
		&a.InceptionTs, &a.LastActiveTs, &policy, &a.ContactPolicy)
	if err == sql.ErrNoRows {
		return Agent{}, apperr.NotFound("agent %q not found in this project", name)
	}
	if err != nil {
		return Agent{}, apperr.DatabaseFailure("agent_by_name lookup", err)
	}
	a.AttachmentsPolicy = AttachmentsPolicy(policy)
	s.putIdentityCache(projectID, nameLC, a)
	return a, nil
}

// AgentByID resolves an agent by primary key, bypassing the name cache
// (used when the caller already holds an id, e.g. a reservation's
// agent_id column).
func (s *Store) AgentByID(ctx context.Context, agentID int64) (Agent, error) {
	var a Agent
	var policy string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, program, model, task_description,
			inception_ts, last_active_ts, attachments_policy, contact_policy
		FROM agents WHERE id = ?`, agentID,
	).Scan(&a.ID, &a.ProjectID, &a.Name, &a.Program, &a.Model, &a.TaskDescription,
		&a.InceptionTs, &a.LastActiveTs, &policy, &a.ContactPolicy)
	if err == sql.ErrNoRows {
		return Agent{}, apperr.NotFound("agent id %d not found", agentID)
	}
	if err != nil {
		return Agent{}, apperr.DatabaseFailure("agent_by_id lookup", err)
	}
	a.AttachmentsPolicy = AttachmentsPolicy(policy)
	return a, nil
}

// ReservationOwner returns the agent_id currently holding a reservation,
// looked up before a forced release so the caller can notify them.
func (s *Store) ReservationOwner(ctx context.Context, reservationID int64) (int64, error) {
	var agentID int64
	err := s.db.QueryRowContext(ctx, `SELECT agent_id FROM file_reservations WHERE id = ?`, reservationID).Scan(&agentID)
	if err == sql.ErrNoRows {
		return 0, apperr.NotFound("reservation %d not found", reservationID)
	}
	if err != nil {
		return 0, apperr.DatabaseFailure("reservation_owner lookup", err)
	}
	return agentID, nil
}

// TouchAgentActivity bumps last_active_ts to now, used on every message
// send and receive.
func (s *Store) TouchAgentActivity(ctx context.Context, agentID int64) error {
	now := s.clock.Now().UnixMicro()
	_, err := s.db.ExecContext(ctx, `UPDATE agents SET last_active_ts = ? WHERE id = ?`, now, agentID)
	if err != nil {
		return apperr.DatabaseFailure("touch_agent_activity", err)
	}
	var projectID int64
	var nameLC string
	if err := s.db.QueryRowContext(ctx, `SELECT project_id, name_lc FROM agents WHERE id = ?`, agentID).Scan(&projectID, &nameLC); err == nil {
		s.invalidateIdentityCache(projectID, nameLC)
		if fresh, err := s.AgentByID(ctx, agentID); err == nil {
			s.putIdentityCache(projectID, nameLC, fresh)
		}
	}
	return nil
}

// CreateMessageInput bundles the create-message contract.
type CreateMessageInput struct {
	ProjectID   int64
	SenderID    int64
	Recipients  []MessageRecipientInput
	ThreadID    string
	Subject     string
	BodyMD      string
	Importance  Importance
	AckRequired bool
	Attachments string
}

type MessageRecipientInput struct {
	AgentID int64
	Kind    RecipientKind
}

// CreateMessage inserts the message and its recipients in one transaction;
// FTS and inbox-stats triggers run atomically with the base write.
// Archive mirroring is the caller's responsibility to
// enqueue after this returns, since the archive body text depends on
// resolved agent names the caller already has in hand.
func (s *Store) CreateMessage(ctx context.Context, in CreateMessageInput) (Message, error) {
	if len(in.Recipients) == 0 {
		return Message{}, apperr.Validation("recipients", "at least one recipient is required")
	}
	if in.Importance == "" {
		in.Importance = ImportanceNormal
	}
	if in.Attachments == "" {
		in.Attachments = "[]"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, apperr.DatabaseFailure("create_message begin", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := s.clock.Now().UnixMicro()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages(project_id, sender_id, thread_id, subject, body_md, importance,
			ack_required, created_ts, attachments)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ProjectID, in.SenderID, in.ThreadID, in.Subject, in.BodyMD, string(in.Importance),
		boolToInt(in.AckRequired), now, in.Attachments)
	if err != nil {
		return Message{}, apperr.DatabaseFailure("create_message insert", err)
	}
	msgID, err := res.LastInsertId()
	if err != nil {
		return Message{}, apperr.DatabaseFailure("create_message last_insert_id", err)
	}

	for _, r := range in.Recipients {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO message_recipients(message_id, agent_id, kind) VALUES (?, ?, ?)`,
			msgID, r.AgentID, string(r.Kind)); err != nil {
			return Message{}, apperr.DatabaseFailure("create_message recipient insert", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Message{}, apperr.DatabaseFailure("create_message commit", err)
	}

	return Message{
		ID: msgID, ProjectID: in.ProjectID, SenderID: in.SenderID, ThreadID: in.ThreadID,
		Subject: in.Subject, BodyMD: in.BodyMD, Importance: in.Importance,
		AckRequired: in.AckRequired, CreatedTs: now, Attachments: in.Attachments,
	}, nil
}

// SetRead performs the idempotent null -> timestamp transition.
// Reapplying is a no-op; the inbox-stats trigger guards on
// OLD/NEW so unread_count only decrements once.
func (s *Store) SetRead(ctx context.Context, messageID, agentID int64) error {
	now := s.clock.Now().UnixMicro()
	_, err := s.db.ExecContext(ctx, `
		UPDATE message_recipients SET read_ts = ?
		WHERE message_id = ? AND agent_id = ? AND read_ts IS NULL`, now, messageID, agentID)
	if err != nil {
		return apperr.DatabaseFailure("set_read", err)
	}
	return nil
}

// SetAck mirrors SetRead for the ack_ts transition.
func (s *Store) SetAck(ctx context.Context, messageID, agentID int64) error {
	now := s.clock.Now().UnixMicro()
	_, err := s.db.ExecContext(ctx, `
		UPDATE message_recipients SET ack_ts = ?
		WHERE message_id = ? AND agent_id = ? AND ack_ts IS NULL`, now, messageID, agentID)
	if err != nil {
		return apperr.DatabaseFailure("set_ack", err)
	}
	return nil
}

// InboxStatsFor returns the materialized per-agent counters.
func (s *Store) InboxStatsFor(ctx context.Context, agentID int64) (InboxStats, error) {
	var st InboxStats
	st.AgentID = agentID
	err := s.db.QueryRowContext(ctx, `
		SELECT total_count, unread_count, ack_pending_count, last_message_ts
		FROM inbox_stats WHERE agent_id = ?`, agentID,
	).Scan(&st.TotalCount, &st.UnreadCount, &st.AckPendingCount, &st.LastMessageTs)
	if err == sql.ErrNoRows {
		return InboxStats{AgentID: agentID}, nil
	}
	if err != nil {
		return InboxStats{}, apperr.DatabaseFailure("inbox_stats_for", err)
	}
	return st, nil
}

// MessageCursor is an opaque, strictly-increasing pagination token over
// (created_ts, id), mirroring the search engine's cursor discipline.
type MessageCursor struct {
	AfterCreatedTs int64
	AfterID        int64
}

// InboxPage lists messages addressed to an agent, newest first, paginated
// by stable cursor.
func (s *Store) InboxPage(ctx context.Context, agentID int64, cur *MessageCursor, limit int) ([]Message, []RecipientKind, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	query := `
		SELECT m.id, m.project_id, m.sender_id, m.thread_id, m.subject, m.body_md,
			m.importance, m.ack_required, m.created_ts, m.attachments, r.kind
		FROM messages m
		JOIN message_recipients r ON r.message_id = m.id
		WHERE r.agent_id = ?`
	args := []any{agentID}
	if cur != nil {
		query += ` AND (m.created_ts < ? OR (m.created_ts = ? AND m.id < ?))`
		args = append(args, cur.AfterCreatedTs, cur.AfterCreatedTs, cur.AfterID)
	}
	query += ` ORDER BY m.created_ts DESC, m.id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, apperr.DatabaseFailure("inbox_page", err)
	}
	defer rows.Close()

	var msgs []Message
	var kinds []RecipientKind
	for rows.Next() {
		var m Message
		var importance, kind string
		var ackRequired int
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.SenderID, &m.ThreadID, &m.Subject, &m.BodyMD,
			&importance, &ackRequired, &m.CreatedTs, &m.Attachments, &kind); err != nil {
			return nil, nil, apperr.DatabaseFailure("inbox_page scan", err)
		}
		m.Importance = Importance(importance)
		m.AckRequired = ackRequired != 0
		msgs = append(msgs, m)
		kinds = append(kinds, RecipientKind(kind))
	}
	return msgs, kinds, rows.Err()
}

// ThreadPage lists a thread's messages oldest first, paginated by stable
// cursor over (created_ts, id) ascending.
func (s *Store) ThreadPage(ctx context.Context, projectID int64, threadID string, cur *MessageCursor, limit int) ([]Message, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	query := `
		SELECT id, project_id, sender_id, thread_id, subject, body_md,
			importance, ack_required, created_ts, attachments
		FROM messages
		WHERE project_id = ? AND thread_id = ?`
	args := []any{projectID, threadID}
	if cur != nil {
		query += ` AND (created_ts > ? OR (created_ts = ? AND id > ?))`
		args = append(args, cur.AfterCreatedTs, cur.AfterCreatedTs, cur.AfterID)
	}
	query += ` ORDER BY created_ts ASC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.DatabaseFailure("thread_page", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var importance string
		var ackRequired int
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.SenderID, &m.ThreadID, &m.Subject, &m.BodyMD,
			&importance, &ackRequired, &m.CreatedTs, &m.Attachments); err != nil {
			return nil, apperr.DatabaseFailure("thread_page scan", err)
		}
		m.Importance = Importance(importance)
		m.AckRequired = ackRequired != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

// AckPendingPage lists messages addressed to an agent with ack_required
// and no ack_ts yet, optionally filtered by minimum importance and age.
func (s *Store) AckPendingPage(ctx context.Context, agentID int64, minImportance Importance, olderThanTs int64, limit int) ([]Message, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	query := `
		SELECT m.id, m.project_id, m.sender_id, m.thread_id, m.subject, m.body_md,
			m.importance, m.ack_required, m.created_ts, m.attachments
		FROM messages m
		JOIN message_recipients r ON r.message_id = m.id
		WHERE r.agent_id = ? AND m.ack_required = 1 AND r.ack_ts IS NULL`
	args := []any{agentID}
	if minImportance != "" {
		query += ` AND ` + importanceRankCase("m.importance") + ` >= ` + importanceRankCase("?")
		args = append(args, string(minImportance))
	}
	if olderThanTs > 0 {
		query += ` AND m.created_ts <= ?`
		args = append(args, olderThanTs)
	}
	query += ` ORDER BY m.created_ts ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.DatabaseFailure("ack_pending_page", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var importance string
		var ackRequired int
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.SenderID, &m.ThreadID, &m.Subject, &m.BodyMD,
			&importance, &ackRequired, &m.CreatedTs, &m.Attachments); err != nil {
			return nil, apperr.DatabaseFailure("ack_pending_page scan", err)
		}
		m.Importance = Importance(importance)
		m.AckRequired = ackRequired != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

// importanceRankCase maps the importance text enum to an ordinal so it can
// be compared with >=; expr is either a column reference or a "?" placeholder.
func importanceRankCase(expr string) string {
	return `(CASE ` + expr + ` WHEN 'low' THEN 0 WHEN 'normal' THEN 1 WHEN 'high' THEN 2 WHEN 'urgent' THEN 3 ELSE 1 END)`
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueConstraint(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
