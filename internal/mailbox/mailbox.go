// Package mailbox is the operations layer: the one place that ties the
// storage core, the archive writer, the reservation engine, and the
// search engine together behind the shape every mutating call follows —
// validate, mutate inside a DB transaction, enqueue an idempotent archive
// write, return. Individual subsystem packages (storage, reservation,
// search) stay decoupled from each other; Service is their composition
// root.
package mailbox

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/agent-mail/agentmail/internal/apperr"
	"github.com/agent-mail/agentmail/internal/clock"
	"github.com/agent-mail/agentmail/internal/reservation"
	"github.com/agent-mail/agentmail/internal/search"
	"github.com/agent-mail/agentmail/internal/storage"
	"github.com/agent-mail/agentmail/internal/storage/archive"
)

// Service is the composition root: every external caller (MCP tools, the
// CLI, tests) goes through it rather than touching Store/Reserve/Search
// directly, so the archive-mirroring and activity-touching side effects
// happen exactly once per operation.
type Service struct {
	Store   *storage.Store
	Archive *archive.Archive
	WBQ     *storage.WBQ
	Reserve *reservation.Engine
	Search  *search.Engine
	Disk    DiskGuard
	Clock   clock.Clock
	log     *slog.Logger
}

// DiskGuard reports whether the disk pressure band has reached Fatal, at
// which point every new mutating DB operation is refused.
type DiskGuard interface {
	FatalBlocksMutations() bool
}

func New(store *storage.Store, arc *archive.Archive, wbq *storage.WBQ, reserve *reservation.Engine, searchEngine *search.Engine, disk DiskGuard, c clock.Clock, logger *slog.Logger) *Service {
	return &Service{Store: store, Archive: arc, WBQ: wbq, Reserve: reserve, Search: searchEngine, Disk: disk, Clock: c, log: logger}
}

// guardMutation refuses new mutating work once disk pressure is Fatal.
func (s *Service) guardMutation() error {
	if s.Disk != nil && s.Disk.FatalBlocksMutations() {
		return apperr.DiskPressureFatal("")
	}
	return nil
}

// EnsureProject resolves (or creates) the project for an absolute working
// directory path.
func (s *Service) EnsureProject(ctx context.Context, humanKey string) (storage.Project, error) {
	if humanKey == "" {
		return storage.Project{}, apperr.Validation("human_key", "project path must not be empty")
	}
	if err := s.guardMutation(); err != nil {
		return storage.Project{}, err
	}
	slug := DeriveSlug(humanKey)
	return s.Store.EnsureProject(ctx, humanKey, slug)
}

// RegisterAgent creates or refreshes an agent identity inside a project,
// then mirrors the profile to the archive.
func (s *Service) RegisterAgent(ctx context.Context, project storage.Project, name, program, model, taskDescription string) (storage.Agent, error) {
	if err := s.guardMutation(); err != nil {
		return storage.Agent{}, err
	}
	agent, err := s.Store.RegisterAgent(ctx, project.ID, name, program, model, taskDescription)
	if err != nil {
		return storage.Agent{}, err
	}
	s.enqueueAgentProfile(project.Slug, agent)
	return agent, nil
}

func (s *Service) enqueueAgentProfile(slug string, agent storage.Agent) {
	path := s.Archive.AgentProfilePath(slug, agent.Name)
	profile := archive.AgentProfile{
		Name: agent.Name, Program: agent.Program, Model: agent.Model,
		TaskDescription: agent.TaskDescription, RegisteredTs: agent.InceptionTs, LastActiveTs: agent.LastActiveTs,
	}
	s.WBQ.Enqueue(&storage.ArchiveOp{
		DestinationKey: path,
		Apply:          func(context.Context) error { return archive.WriteAgentProfile(path, profile) },
	})
}

// SendMessageInput is the create-message contract.
type SendMessageInput struct {
	Project     storage.Project
	Sender      storage.Agent
	Recipients  []RecipientInput
	ThreadID    string
	Subject     string
	BodyMD      string
	Importance  storage.Importance
	AckRequired bool
	Attachments string
}

// RecipientInput names a recipient by resolved agent row, since the caller
// (MCP tool / test) is the one that resolved the name to an Agent.
type RecipientInput struct {
	Agent storage.Agent
	Kind  storage.RecipientKind
}

// SendMessage performs the full create-message contract: one
// DB transaction for the message + recipient rows (FTS and inbox-stats
// triggers fire atomically with it), then archive mirroring and sender
// activity are dispatched after commit.
func (s *Service) SendMessage(ctx context.Context, in SendMessageInput) (storage.Message, error) {
	if err := s.guardMutation(); err != nil {
		return storage.Message{}, err
	}
	recipients := make([]storage.MessageRecipientInput, len(in.Recipients))
	names := make([]string, len(in.Recipients))
	for i, r := range in.Recipients {
		recipients[i] = storage.MessageRecipientInput{AgentID: r.Agent.ID, Kind: r.Kind}
		names[i] = r.Agent.Name
	}

	msg, err := s.Store.CreateMessage(ctx, storage.CreateMessageInput{
		ProjectID: in.Project.ID, SenderID: in.Sender.ID, Recipients: recipients,
		ThreadID: in.ThreadID, Subject: in.Subject, BodyMD: in.BodyMD,
		Importance: in.Importance, AckRequired: in.AckRequired, Attachments: in.Attachments,
	})
	if err != nil {
		return storage.Message{}, err
	}

	if err := s.Store.TouchAgentActivity(ctx, in.Sender.ID); err != nil {
		return storage.Message{}, err
	}

	s.enqueueMessageArchive(in.Project.Slug, msg, in.Sender.Name, names)
	return msg, nil
}

func (s *Service) enqueueMessageArchive(slug string, msg storage.Message, sender string, recipients []string) {
	messageKey := fmt.Sprintf("%d", msg.ID)
	mdPath, jsonPath := s.Archive.MessagePaths(slug, messageKey)
	headers := archive.MessageHeaders{
		ID: msg.ID, Sender: sender, Recipients: recipients, Subject: msg.Subject,
		Importance: string(msg.Importance), AckRequired: msg.AckRequired, CreatedTs: msg.CreatedTs,
	}
	// opID is not stored on the op, so drain-time log lines do not carry
	// it; it appears only in the enqueue debug line below.
	opID := uuid.NewString()
	s.WBQ.Enqueue(&storage.ArchiveOp{
		DestinationKey: mdPath,
		Apply: func(context.Context) error {
			return archive.WriteMessage(mdPath, jsonPath, msg.BodyMD, headers)
		},
	})
	s.log.Debug("enqueued message archive op", "op_id", opID, "path", mdPath)
}

// SetRead marks a recipient's read_ts (idempotent null -> timestamp).
func (s *Service) SetRead(ctx context.Context, messageID, agentID int64) error {
	if err := s.guardMutation(); err != nil {
		return err
	}
	if err := s.Store.SetRead(ctx, messageID, agentID); err != nil {
		return err
	}
	return s.Store.TouchAgentActivity(ctx, agentID)
}

// SetAck marks a recipient's ack_ts (idempotent null -> timestamp).
func (s *Service) SetAck(ctx context.Context, messageID, agentID int64) error {
	if err := s.guardMutation(); err != nil {
		return err
	}
	if err := s.Store.SetAck(ctx, messageID, agentID); err != nil {
		return err
	}
	return s.Store.TouchAgentActivity(ctx, agentID)
}

// RequestReservations runs the request-grant algorithm and mirrors every
// granted reservation to the archive.
func (s *Service) RequestReservations(ctx context.Context, project storage.Project, agent storage.Agent, in reservation.RequestInput) (reservation.RequestResult, error) {
	if err := s.guardMutation(); err != nil {
		return reservation.RequestResult{}, err
	}
	in.ProjectID = project.ID
	in.AgentID = agent.ID
	in.AgentName = agent.Name

	result, err := s.Reserve.Request(ctx, in)
	if err != nil {
		return reservation.RequestResult{}, err
	}
	if err := s.Store.TouchAgentActivity(ctx, agent.ID); err != nil {
		return reservation.RequestResult{}, err
	}

	now := s.Clock.Now().UnixMicro()
	ttlMicros := in.TTLSeconds * 1_000_000
	for _, pattern := range result.Granted {
		s.enqueueReservationArchive(project.Slug, agent.Name, pattern, in.Exclusive, in.Reason, now, now+ttlMicros)
	}
	return result, nil
}

func (s *Service) enqueueReservationArchive(slug, agentName, pattern string, exclusive bool, reason string, createdTs, expiresTs int64) {
	path := s.Archive.ReservationPath(slug, pattern)
	artifact := archive.ReservationArtifact{
		PathPattern: pattern, AgentName: agentName, Exclusive: exclusive,
		Reason: reason, CreatedTs: createdTs, ExpiresTs: expiresTs,
	}
	s.WBQ.Enqueue(&storage.ArchiveOp{
		DestinationKey: path,
		Apply:          func(context.Context) error { return archive.WriteReservation(path, artifact) },
	})
}

// ReleaseReservations releases matching active reservations for an agent.
func (s *Service) ReleaseReservations(ctx context.Context, project storage.Project, agent storage.Agent, in reservation.ReleaseInput) (int64, error) {
	if err := s.guardMutation(); err != nil {
		return 0, err
	}
	in.ProjectID = project.ID
	in.AgentID = agent.ID
	return s.Reserve.Release(ctx, in)
}

// RenewReservations extends expiry for selected active reservations.
func (s *Service) RenewReservations(ctx context.Context, project storage.Project, agent storage.Agent, reservationIDs []int64, extendSeconds int64) ([]reservation.RenewResult, error) {
	if err := s.guardMutation(); err != nil {
		return nil, err
	}
	return s.Reserve.Renew(ctx, project.ID, agent.ID, reservationIDs, extendSeconds)
}

// ForceReleaseInput bundles a forced-release request against another
// agent's reservation.
type ForceReleaseInput struct {
	Project              storage.Project
	Requester            storage.Agent
	ReservationID        int64
	InactivitySeconds    int64
	ActivityGraceSeconds int64
	Notify               bool
}

// ForceRelease implements the staleness protocol end to end, including the
// optional notification message to the previous holder.
func (s *Service) ForceRelease(ctx context.Context, in ForceReleaseInput, git reservation.GitActivityChecker) (reservation.StalenessSignals, error) {
	if err := s.guardMutation(); err != nil {
		return reservation.StalenessSignals{}, err
	}
	var prevAgentID int64
	if in.Notify {
		var err error
		prevAgentID, err = s.reservationOwner(ctx, in.ReservationID)
		if err != nil {
			return reservation.StalenessSignals{}, err
		}
	}

	signals, err := s.Reserve.ForceRelease(ctx, reservation.ForceReleaseInput{
		ProjectID: in.Project.ID, ReservationID: in.ReservationID,
		InactivitySeconds: in.InactivitySeconds, ActivityGraceSeconds: in.ActivityGraceSeconds, Notify: in.Notify,
	}, git)
	if err != nil {
		return signals, err
	}

	if in.Notify && prevAgentID != 0 {
		if err := s.notifyForceRelease(ctx, in.Project, in.Requester, prevAgentID, in.ReservationID, signals); err != nil {
			return signals, err
		}
	}
	return signals, nil
}

func (s *Service) reservationOwner(ctx context.Context, reservationID int64) (int64, error) {
	agent, err := s.Store.ReservationOwner(ctx, reservationID)
	if err != nil {
		return 0, err
	}
	return agent, nil
}

const forceReleaseNotifyMaxBytes = 4096

func (s *Service) notifyForceRelease(ctx context.Context, project storage.Project, requester storage.Agent, holderID, reservationID int64, signals reservation.StalenessSignals) error {
	holder, err := s.Store.AgentByID(ctx, holderID)
	if err != nil {
		return err
	}
	body := fmt.Sprintf(
		"Your reservation #%d was force-released by %s.\n\nEvidence:\n- agent_inactive: %t\n- mail_inactive: %t\n- git_inactive: %t\n",
		reservationID, requester.Name, signals.AgentInactive, signals.MailInactive, signals.GitInactive,
	)
	body = reservation.TruncateUTF8(body, forceReleaseNotifyMaxBytes)

	_, err = s.SendMessage(ctx, SendMessageInput{
		Project: project, Sender: requester,
		Recipients:  []RecipientInput{{Agent: holder, Kind: storage.RecipientTo}},
		Subject:     "Reservation force-released",
		BodyMD:      body,
		Importance:  storage.ImportanceHigh,
		AckRequired: false,
	})
	return err
}

// Inbox lists messages addressed to an agent, newest first.
func (s *Service) Inbox(ctx context.Context, agent storage.Agent, cur *storage.MessageCursor, limit int) ([]storage.Message, []storage.RecipientKind, error) {
	return s.Store.InboxPage(ctx, agent.ID, cur, limit)
}

// Thread lists a thread's messages oldest first.
func (s *Service) Thread(ctx context.Context, project storage.Project, threadID string, cur *storage.MessageCursor, limit int) ([]storage.Message, error) {
	return s.Store.ThreadPage(ctx, project.ID, threadID, cur, limit)
}

// AckPending lists messages awaiting acknowledgement from an agent.
func (s *Service) AckPending(ctx context.Context, agent storage.Agent, minImportance storage.Importance, olderThanTs int64, limit int) ([]storage.Message, error) {
	return s.Store.AckPendingPage(ctx, agent.ID, minImportance, olderThanTs, limit)
}

// InboxStats returns the materialized per-agent counters.
func (s *Service) InboxStats(ctx context.Context, agent storage.Agent) (storage.InboxStats, error) {
	return s.Store.InboxStatsFor(ctx, agent.ID)
}

// SearchQuery runs the hybrid search pipeline through the attached engine.
func (s *Service) SearchQuery(ctx context.Context, q search.Query) (search.Result, error) {
	return s.Search.Search(ctx, q)
}
