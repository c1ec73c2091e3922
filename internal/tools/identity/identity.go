// Package identity implements the project and agent identity tools:
// ensure_project and register_agent.
package identity

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agent-mail/agentmail/internal/mailbox"
	"github.com/agent-mail/agentmail/internal/mcp"
	"github.com/agent-mail/agentmail/internal/toolerr"
)

// --- ensure_project ---

type ensureProjectParams struct {
	HumanKey string `json:"human_key"`
}

type EnsureProject struct {
	svc *mailbox.Service
}

func NewEnsureProject(svc *mailbox.Service) *EnsureProject {
	return &EnsureProject{svc: svc}
}

func (t *EnsureProject) Name() string { return "ensure_project" }
func (t *EnsureProject) Description() string {
	return "Resolve (or create on first reference) the project for an absolute working directory path. Two agents whose working directories resolve to the same absolute path belong to the same project."
}
func (t *EnsureProject) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "human_key": {
      "type": "string",
      "description": "Absolute directory path identifying the project workspace"
    }
  },
  "required": ["human_key"]
}`)
}

func (t *EnsureProject) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	var p ensureProjectParams
	if err := json.Unmarshal(params, &p); err != nil {
		return mcp.ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}

	project, err := t.svc.EnsureProject(ctx, p.HumanKey)
	if err != nil {
		return toolerr.Result(err), nil
	}
	return mcp.JSONResult(map[string]any{
		"id":        project.ID,
		"slug":      project.Slug,
		"human_key": project.HumanKey,
	})
}

// --- register_agent ---

type registerAgentParams struct {
	ProjectPath     string `json:"project_path"`
	Name            string `json:"name"`
	Program         string `json:"program,omitempty"`
	Model           string `json:"model,omitempty"`
	TaskDescription string `json:"task_description,omitempty"`
}

type RegisterAgent struct {
	svc *mailbox.Service
}

func NewRegisterAgent(svc *mailbox.Service) *RegisterAgent {
	return &RegisterAgent{svc: svc}
}

func (t *RegisterAgent) Name() string { return "register_agent" }
func (t *RegisterAgent) Description() string {
	return "Register an agent identity inside a project. Names are adjective+noun pairs (e.g. 'BlueLake'), unique within a project case-insensitively."
}
func (t *RegisterAgent) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "project_path": {"type": "string", "description": "Absolute project path (human_key)"},
    "name": {"type": "string", "description": "Agent name, adjective+noun (e.g. 'BlueLake')"},
    "program": {"type": "string", "description": "The coding tool this agent runs under"},
    "model": {"type": "string", "description": "Model identifier, if any"},
    "task_description": {"type": "string", "description": "What this agent is working on"}
  },
  "required": ["project_path", "name"]
}`)
}

func (t *RegisterAgent) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	var p registerAgentParams
	if err := json.Unmarshal(params, &p); err != nil {
		return mcp.ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}

	project, err := t.svc.EnsureProject(ctx, p.ProjectPath)
	if err != nil {
		return toolerr.Result(err), nil
	}
	agent, err := t.svc.RegisterAgent(ctx, project, p.Name, p.Program, p.Model, p.TaskDescription)
	if err != nil {
		return toolerr.Result(err), nil
	}
	return mcp.JSONResult(map[string]any{
		"id":             agent.ID,
		"name":           agent.Name,
		"project_id":     agent.ProjectID,
		"inception_ts":   agent.InceptionTs,
		"last_active_ts": agent.LastActiveTs,
	})
}
