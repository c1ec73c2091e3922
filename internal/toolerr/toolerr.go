// Package toolerr converts apperr taxonomy errors into MCP tool results
// with stable machine codes, so callers can distinguish expected outcomes
// (validation, not-found, still-active) from bugs.
package toolerr

import (
	"encoding/json"
	"fmt"

	"github.com/agent-mail/agentmail/internal/apperr"
	"github.com/agent-mail/agentmail/internal/mcp"
)

// Result renders err as a structured tool error. Taxonomy errors carry
// their machine code and any kind-specific payload (e.g. stale_reasons);
// anything else is reported as an internal failure.
func Result(err error) *mcp.ToolsCallResult {
	e, ok := apperr.As(err)
	if !ok {
		return mcp.ErrorResult(fmt.Sprintf("internal: %v", err))
	}
	body := map[string]any{
		"code":    e.Code(),
		"message": e.Message,
	}
	if e.Field != "" {
		body["field"] = e.Field
	}
	if e.Payload != nil {
		body["payload"] = e.Payload
	}
	b, merr := json.MarshalIndent(body, "", "  ")
	if merr != nil {
		return mcp.ErrorResult(e.Error())
	}
	return &mcp.ToolsCallResult{
		Content: []mcp.ContentBlock{mcp.TextContent(string(b))},
		IsError: true,
	}
}
