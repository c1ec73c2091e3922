// Package mail implements the messaging tools: mail_send, mail_inbox,
// mail_thread, mail_ack_pending, mail_set_read, mail_set_ack.
package mail

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agent-mail/agentmail/internal/mailbox"
	"github.com/agent-mail/agentmail/internal/mcp"
	"github.com/agent-mail/agentmail/internal/storage"
	"github.com/agent-mail/agentmail/internal/toolerr"
)

// resolve maps (project_path, agent_name) to their identity rows; every
// mail tool starts by validating inputs and resolving project + actor
// identity.
func resolve(ctx context.Context, svc *mailbox.Service, projectPath, agentName string) (storage.Project, storage.Agent, error) {
	project, err := svc.EnsureProject(ctx, projectPath)
	if err != nil {
		return storage.Project{}, storage.Agent{}, err
	}
	agent, err := svc.Store.AgentByName(ctx, project.ID, agentName)
	if err != nil {
		return storage.Project{}, storage.Agent{}, err
	}
	return project, agent, nil
}

func messageSummary(m storage.Message) map[string]any {
	return map[string]any{
		"id":           m.ID,
		"sender_id":    m.SenderID,
		"thread_id":    m.ThreadID,
		"subject":      m.Subject,
		"importance":   string(m.Importance),
		"ack_required": m.AckRequired,
		"created_ts":   m.CreatedTs,
	}
}

// --- mail_send ---

type sendParams struct {
	ProjectPath string   `json:"project_path"`
	Sender      string   `json:"sender"`
	To          []string `json:"to"`
	CC          []string `json:"cc,omitempty"`
	BCC         []string `json:"bcc,omitempty"`
	Subject     string   `json:"subject"`
	BodyMD      string   `json:"body_md"`
	Importance  string   `json:"importance,omitempty"`
	AckRequired bool     `json:"ack_required,omitempty"`
	ThreadID    string   `json:"thread_id,omitempty"`
}

type Send struct {
	svc *mailbox.Service
}

func NewSend(svc *mailbox.Service) *Send { return &Send{svc: svc} }

func (t *Send) Name() string { return "mail_send" }
func (t *Send) Description() string {
	return "Send a message to one or more agents in a project. Messages are immutable once sent; corrections are new messages."
}
func (t *Send) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "project_path": {"type": "string", "description": "Absolute project path"},
    "sender": {"type": "string", "description": "Sending agent's name"},
    "to": {"type": "array", "items": {"type": "string"}, "description": "Primary recipient agent names"},
    "cc": {"type": "array", "items": {"type": "string"}},
    "bcc": {"type": "array", "items": {"type": "string"}},
    "subject": {"type": "string"},
    "body_md": {"type": "string", "description": "Markdown message body"},
    "importance": {"type": "string", "enum": ["low", "normal", "high", "urgent"]},
    "ack_required": {"type": "boolean", "description": "Recipients must explicitly acknowledge"},
    "thread_id": {"type": "string", "description": "Free-form thread identifier"}
  },
  "required": ["project_path", "sender", "to", "subject", "body_md"]
}`)
}

func (t *Send) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	var p sendParams
	if err := json.Unmarshal(params, &p); err != nil {
		return mcp.ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if len(p.To) == 0 {
		return mcp.ErrorResult("at least one 'to' recipient is required"), nil
	}

	project, sender, err := resolve(ctx, t.svc, p.ProjectPath, p.Sender)
	if err != nil {
		return toolerr.Result(err), nil
	}

	var recipients []mailbox.RecipientInput
	for kind, names := range map[storage.RecipientKind][]string{
		storage.RecipientTo: p.To, storage.RecipientCC: p.CC, storage.RecipientBCC: p.BCC,
	} {
		for _, name := range names {
			agent, err := t.svc.Store.AgentByName(ctx, project.ID, name)
			if err != nil {
				return toolerr.Result(err), nil
			}
			recipients = append(recipients, mailbox.RecipientInput{Agent: agent, Kind: kind})
		}
	}

	msg, err := t.svc.SendMessage(ctx, mailbox.SendMessageInput{
		Project: project, Sender: sender, Recipients: recipients,
		ThreadID: p.ThreadID, Subject: p.Subject, BodyMD: p.BodyMD,
		Importance: storage.Importance(p.Importance), AckRequired: p.AckRequired,
	})
	if err != nil {
		return toolerr.Result(err), nil
	}
	return mcp.JSONResult(messageSummary(msg))
}

// --- mail_inbox ---

type inboxParams struct {
	ProjectPath string `json:"project_path"`
	Agent       string `json:"agent"`
	Limit       int    `json:"limit,omitempty"`
}

type Inbox struct {
	svc *mailbox.Service
}

func NewInbox(svc *mailbox.Service) *Inbox { return &Inbox{svc: svc} }

func (t *Inbox) Name() string { return "mail_inbox" }
func (t *Inbox) Description() string {
	return "List an agent's inbox, newest first, with the materialized unread/ack-pending counters."
}
func (t *Inbox) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "project_path": {"type": "string"},
    "agent": {"type": "string"},
    "limit": {"type": "integer", "default": 50}
  },
  "required": ["project_path", "agent"]
}`)
}

func (t *Inbox) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	var p inboxParams
	if err := json.Unmarshal(params, &p); err != nil {
		return mcp.ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}

	_, agent, err := resolve(ctx, t.svc, p.ProjectPath, p.Agent)
	if err != nil {
		return toolerr.Result(err), nil
	}
	msgs, kinds, err := t.svc.Inbox(ctx, agent, nil, p.Limit)
	if err != nil {
		return toolerr.Result(err), nil
	}
	stats, err := t.svc.InboxStats(ctx, agent)
	if err != nil {
		return toolerr.Result(err), nil
	}

	items := make([]map[string]any, len(msgs))
	for i, m := range msgs {
		items[i] = messageSummary(m)
		items[i]["kind"] = string(kinds[i])
	}
	return mcp.JSONResult(map[string]any{
		"messages": items,
		"stats": map[string]any{
			"total_count":       stats.TotalCount,
			"unread_count":      stats.UnreadCount,
			"ack_pending_count": stats.AckPendingCount,
		},
	})
}

// --- mail_thread ---

type threadParams struct {
	ProjectPath string `json:"project_path"`
	ThreadID    string `json:"thread_id"`
	Limit       int    `json:"limit,omitempty"`
}

type Thread struct {
	svc *mailbox.Service
}

func NewThread(svc *mailbox.Service) *Thread { return &Thread{svc: svc} }

func (t *Thread) Name() string { return "mail_thread" }
func (t *Thread) Description() string {
	return "List a thread's messages oldest first."
}
func (t *Thread) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "project_path": {"type": "string"},
    "thread_id": {"type": "string"},
    "limit": {"type": "integer", "default": 50}
  },
  "required": ["project_path", "thread_id"]
}`)
}

func (t *Thread) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	var p threadParams
	if err := json.Unmarshal(params, &p); err != nil {
		return mcp.ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if p.ThreadID == "" {
		return mcp.ErrorResult("thread_id is required"), nil
	}

	project, err := t.svc.EnsureProject(ctx, p.ProjectPath)
	if err != nil {
		return toolerr.Result(err), nil
	}
	msgs, err := t.svc.Thread(ctx, project, p.ThreadID, nil, p.Limit)
	if err != nil {
		return toolerr.Result(err), nil
	}
	items := make([]map[string]any, len(msgs))
	for i, m := range msgs {
		items[i] = messageSummary(m)
		items[i]["body_md"] = m.BodyMD
	}
	return mcp.JSONResult(map[string]any{"messages": items})
}

// --- mail_ack_pending ---

type ackPendingParams struct {
	ProjectPath   string `json:"project_path"`
	Agent         string `json:"agent"`
	MinImportance string `json:"min_importance,omitempty"`
	OlderThanTs   int64  `json:"older_than_ts,omitempty"`
	Limit         int    `json:"limit,omitempty"`
}

type AckPending struct {
	svc *mailbox.Service
}

func NewAckPending(svc *mailbox.Service) *AckPending { return &AckPending{svc: svc} }

func (t *AckPending) Name() string { return "mail_ack_pending" }
func (t *AckPending) Description() string {
	return "List messages still awaiting this agent's acknowledgement, optionally filtered by minimum importance and age."
}
func (t *AckPending) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "project_path": {"type": "string"},
    "agent": {"type": "string"},
    "min_importance": {"type": "string", "enum": ["low", "normal", "high", "urgent"]},
    "older_than_ts": {"type": "integer", "description": "Only messages created at or before this microsecond timestamp"},
    "limit": {"type": "integer", "default": 50}
  },
  "required": ["project_path", "agent"]
}`)
}

func (t *AckPending) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	var p ackPendingParams
	if err := json.Unmarshal(params, &p); err != nil {
		return mcp.ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}

	_, agent, err := resolve(ctx, t.svc, p.ProjectPath, p.Agent)
	if err != nil {
		return toolerr.Result(err), nil
	}
	msgs, err := t.svc.AckPending(ctx, agent, storage.Importance(p.MinImportance), p.OlderThanTs, p.Limit)
	if err != nil {
		return toolerr.Result(err), nil
	}
	items := make([]map[string]any, len(msgs))
	for i, m := range msgs {
		items[i] = messageSummary(m)
	}
	return mcp.JSONResult(map[string]any{"messages": items})
}

// --- mail_set_read / mail_set_ack ---

type markParams struct {
	ProjectPath string `json:"project_path"`
	Agent       string `json:"agent"`
	MessageID   int64  `json:"message_id"`
}

var markSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "project_path": {"type": "string"},
    "agent": {"type": "string"},
    "message_id": {"type": "integer"}
  },
  "required": ["project_path", "agent", "message_id"]
}`)

type SetRead struct {
	svc *mailbox.Service
}

func NewSetRead(svc *mailbox.Service) *SetRead { return &SetRead{svc: svc} }

func (t *SetRead) Name() string { return "mail_set_read" }
func (t *SetRead) Description() string {
	return "Mark a message as read by this agent. Idempotent: re-marking never changes the recorded timestamp."
}
func (t *SetRead) InputSchema() json.RawMessage { return markSchema }

func (t *SetRead) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	var p markParams
	if err := json.Unmarshal(params, &p); err != nil {
		return mcp.ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	_, agent, err := resolve(ctx, t.svc, p.ProjectPath, p.Agent)
	if err != nil {
		return toolerr.Result(err), nil
	}
	if err := t.svc.SetRead(ctx, p.MessageID, agent.ID); err != nil {
		return toolerr.Result(err), nil
	}
	return mcp.JSONResult(map[string]any{"message_id": p.MessageID, "read": true})
}

type SetAck struct {
	svc *mailbox.Service
}

func NewSetAck(svc *mailbox.Service) *SetAck { return &SetAck{svc: svc} }

func (t *SetAck) Name() string { return "mail_set_ack" }
func (t *SetAck) Description() string {
	return "Acknowledge a message. Idempotent: re-acknowledging never changes the recorded timestamp."
}
func (t *SetAck) InputSchema() json.RawMessage { return markSchema }

func (t *SetAck) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	var p markParams
	if err := json.Unmarshal(params, &p); err != nil {
		return mcp.ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	_, agent, err := resolve(ctx, t.svc, p.ProjectPath, p.Agent)
	if err != nil {
		return toolerr.Result(err), nil
	}
	if err := t.svc.SetAck(ctx, p.MessageID, agent.ID); err != nil {
		return toolerr.Result(err), nil
	}
	return mcp.JSONResult(map[string]any{"message_id": p.MessageID, "acked": true})
}
