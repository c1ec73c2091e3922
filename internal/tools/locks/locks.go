// Package locks implements the file-reservation tools:
// reservation_request, reservation_release, reservation_renew,
// reservation_force_release.
package locks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agent-mail/agentmail/internal/mailbox"
	"github.com/agent-mail/agentmail/internal/mcp"
	"github.com/agent-mail/agentmail/internal/reservation"
	"github.com/agent-mail/agentmail/internal/storage"
	"github.com/agent-mail/agentmail/internal/toolerr"
)

// Thresholds carries the staleness knobs from config.
type Thresholds struct {
	InactivitySeconds    int64
	ActivityGraceSeconds int64
}

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

// --- reservation_request ---

type requestParams struct {
	ProjectPath string   `json:"project_path"`
	Agent       string   `json:"agent"`
	Paths       []string `json:"paths"`
	TTLSeconds  int64    `json:"ttl_seconds,omitempty"`
	Exclusive   bool     `json:"exclusive,omitempty"`
	Reason      string   `json:"reason,omitempty"`
}

type Request struct {
	svc *mailbox.Service
}

func NewRequest(svc *mailbox.Service) *Request { return &Request{svc: svc} }

func (t *Request) Name() string { return "reservation_request" }
func (t *Request) Description() string {
	return "Reserve project-relative path patterns (globs allowed) so other agents know not to edit them. Returns granted patterns and any conflicts with current holders."
}
func (t *Request) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "project_path": {"type": "string"},
    "agent": {"type": "string"},
    "paths": {"type": "array", "items": {"type": "string"}, "description": "Project-relative path patterns (e.g. 'src/*.go')"},
    "ttl_seconds": {"type": "integer", "default": 3600},
    "exclusive": {"type": "boolean", "default": true},
    "reason": {"type": "string", "description": "Why these files are being reserved"}
  },
  "required": ["project_path", "agent", "paths"]
}`)
}

func (t *Request) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	p := requestParams{Exclusive: true}
	if err := json.Unmarshal(params, &p); err != nil {
		return mcp.ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if p.TTLSeconds == 0 {
		p.TTLSeconds = 3600
	}

	project, agent, err := resolve(ctx, t.svc, p.ProjectPath, p.Agent)
	if err != nil {
		return toolerr.Result(err), nil
	}

	result, err := t.svc.RequestReservations(ctx, project, agent, reservation.RequestInput{
		PathPatterns: p.Paths, TTLSeconds: p.TTLSeconds, Exclusive: p.Exclusive, Reason: p.Reason,
	})
	if err != nil {
		return toolerr.Result(err), nil
	}

	conflicts := make([]map[string]any, len(result.Conflicts))
	for i, c := range result.Conflicts {
		holders := make([]map[string]any, len(c.Holders))
		for j, h := range c.Holders {
			holders[j] = map[string]any{
				"agent":        h.AgentName,
				"path_pattern": h.PathPattern,
				"exclusive":    h.Exclusive,
				"expires_ts":   h.ExpiresTs,
			}
		}
		conflicts[i] = map[string]any{"path": c.Path, "holders": holders}
	}
	return mcp.JSONResult(map[string]any{
		"granted":   result.Granted,
		"conflicts": conflicts,
	})
}

// --- reservation_release ---

type releaseParams struct {
	ProjectPath    string   `json:"project_path"`
	Agent          string   `json:"agent"`
	Paths          []string `json:"paths,omitempty"`
	ReservationIDs []int64  `json:"reservation_ids,omitempty"`
}

type Release struct {
	svc *mailbox.Service
}

func NewRelease(svc *mailbox.Service) *Release { return &Release{svc: svc} }

func (t *Release) Name() string { return "reservation_release" }
func (t *Release) Description() string {
	return "Release this agent's active reservations. With no paths or ids, releases all of them. Idempotent."
}
func (t *Release) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "project_path": {"type": "string"},
    "agent": {"type": "string"},
    "paths": {"type": "array", "items": {"type": "string"}},
    "reservation_ids": {"type": "array", "items": {"type": "integer"}}
  },
  "required": ["project_path", "agent"]
}`)
}

func (t *Release) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	var p releaseParams
	if err := json.Unmarshal(params, &p); err != nil {
		return mcp.ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}

	project, agent, err := resolve(ctx, t.svc, p.ProjectPath, p.Agent)
	if err != nil {
		return toolerr.Result(err), nil
	}
	released, err := t.svc.ReleaseReservations(ctx, project, agent, reservation.ReleaseInput{
		PathPatterns: p.Paths, ReservationIDs: p.ReservationIDs,
	})
	if err != nil {
		return toolerr.Result(err), nil
	}
	return mcp.JSONResult(map[string]any{"released": released})
}

// --- reservation_renew ---

type renewParams struct {
	ProjectPath    string  `json:"project_path"`
	Agent          string  `json:"agent"`
	ReservationIDs []int64 `json:"reservation_ids,omitempty"`
	ExtendSeconds  int64   `json:"extend_seconds,omitempty"`
}

type Renew struct {
	svc *mailbox.Service
}

func NewRenew(svc *mailbox.Service) *Renew { return &Renew{svc: svc} }

func (t *Renew) Name() string { return "reservation_renew" }
func (t *Renew) Description() string {
	return "Extend the expiry of this agent's active reservations. extend_seconds is clamped up to at least 60."
}
func (t *Renew) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "project_path": {"type": "string"},
    "agent": {"type": "string"},
    "reservation_ids": {"type": "array", "items": {"type": "integer"}, "description": "Empty means every active reservation"},
    "extend_seconds": {"type": "integer", "default": 600}
  },
  "required": ["project_path", "agent"]
}`)
}

func (t *Renew) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	var p renewParams
	if err := json.Unmarshal(params, &p); err != nil {
		return mcp.ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if p.ExtendSeconds == 0 {
		p.ExtendSeconds = 600
	}

	project, agent, err := resolve(ctx, t.svc, p.ProjectPath, p.Agent)
	if err != nil {
		return toolerr.Result(err), nil
	}
	results, err := t.svc.RenewReservations(ctx, project, agent, p.ReservationIDs, p.ExtendSeconds)
	if err != nil {
		return toolerr.Result(err), nil
	}
	renewed := make([]map[string]any, len(results))
	for i, r := range results {
		renewed[i] = map[string]any{
			"reservation_id": r.ReservationID,
			"before_expires": r.BeforeExpires,
			"after_expires":  r.AfterExpires,
		}
	}
	return mcp.JSONResult(map[string]any{"renewed": renewed})
}

// --- reservation_force_release ---

type forceReleaseParams struct {
	ProjectPath   string `json:"project_path"`
	Agent         string `json:"agent"`
	ReservationID int64  `json:"reservation_id"`
	Notify        bool   `json:"notify,omitempty"`
}

type ForceRelease struct {
	svc        *mailbox.Service
	thresholds Thresholds
	git        reservation.GitActivityChecker
}

func NewForceRelease(svc *mailbox.Service, thresholds Thresholds, git reservation.GitActivityChecker) *ForceRelease {
	return &ForceRelease{svc: svc, thresholds: thresholds, git: git}
}

func (t *ForceRelease) Name() string { return "reservation_force_release" }
func (t *ForceRelease) Description() string {
	return "Release a reservation held by another agent, allowed only when that agent is stale on every inactivity signal or the reservation has already expired. Optionally notifies the previous holder with the collected evidence."
}
func (t *ForceRelease) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "project_path": {"type": "string"},
    "agent": {"type": "string", "description": "The requesting agent"},
    "reservation_id": {"type": "integer"},
    "notify": {"type": "boolean", "description": "Send the previous holder a summary message", "default": true}
  },
  "required": ["project_path", "agent", "reservation_id"]
}`)
}

func (t *ForceRelease) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	p := forceReleaseParams{Notify: true}
	if err := json.Unmarshal(params, &p); err != nil {
		return mcp.ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}

	project, requester, err := resolve(ctx, t.svc, p.ProjectPath, p.Agent)
	if err != nil {
		return toolerr.Result(err), nil
	}
	signals, err := t.svc.ForceRelease(ctx, mailbox.ForceReleaseInput{
		Project: project, Requester: requester, ReservationID: p.ReservationID,
		InactivitySeconds:    t.thresholds.InactivitySeconds,
		ActivityGraceSeconds: t.thresholds.ActivityGraceSeconds,
		Notify:               p.Notify,
	}, t.git)
	if err != nil {
		return toolerr.Result(err), nil
	}
	return mcp.JSONResult(map[string]any{
		"released": true,
		"signals": map[string]bool{
			"agent_inactive": signals.AgentInactive,
			"mail_inactive":  signals.MailInactive,
			"git_inactive":   signals.GitInactive,
		},
	})
}
