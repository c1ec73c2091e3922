// Package query implements the search tool: mail_search, the MCP surface
// of the hybrid retrieval pipeline.
package query

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agent-mail/agentmail/internal/mailbox"
	"github.com/agent-mail/agentmail/internal/mcp"
	"github.com/agent-mail/agentmail/internal/search"
	"github.com/agent-mail/agentmail/internal/toolerr"
)

type searchParams struct {
	Query       string   `json:"query,omitempty"`
	Importances []string `json:"importances,omitempty"`
	AckRequired *bool    `json:"ack_required,omitempty"`
	ThreadID    string   `json:"thread_id,omitempty"`
	CreatedFrom int64    `json:"created_from,omitempty"`
	CreatedTo   int64    `json:"created_to,omitempty"`
	Mode        string   `json:"mode,omitempty"`
	Rank        string   `json:"rank,omitempty"`
	Verbosity   string   `json:"verbosity,omitempty"`
	Limit       int      `json:"limit,omitempty"`
	Cursor      string   `json:"cursor,omitempty"`
}

// Search runs the staged retrieval pipeline: lexical FTS5, optional
// semantic retrieval, RRF fusion, optional rerank, with an explain report.
type Search struct {
	svc *mailbox.Service
}

func NewSearch(svc *mailbox.Service) *Search { return &Search{svc: svc} }

func (t *Search) Name() string { return "mail_search" }
func (t *Search) Description() string {
	return "Search messages with hybrid lexical/semantic retrieval. Supports facet filters (importance, ack_required, thread, time range), ranking modes, cursor paging, and an explainability report."
}
func (t *Search) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "query": {"type": "string", "description": "Free text; empty enumerates recent messages under the filters"},
    "importances": {"type": "array", "items": {"type": "string", "enum": ["low", "normal", "high", "urgent"]}},
    "ack_required": {"type": "boolean"},
    "thread_id": {"type": "string"},
    "created_from": {"type": "integer", "description": "Microsecond timestamp lower bound"},
    "created_to": {"type": "integer", "description": "Microsecond timestamp upper bound"},
    "mode": {"type": "string", "enum": ["hybrid", "auto", "lexical_fallback"], "default": "auto"},
    "rank": {"type": "string", "enum": ["relevance", "recency", "score"], "default": "relevance"},
    "verbosity": {"type": "string", "enum": ["minimal", "standard", "detailed"], "default": "standard"},
    "limit": {"type": "integer", "default": 20},
    "cursor": {"type": "string", "description": "Opaque continuation cursor from a previous page"}
  }
}`)
}

func (t *Search) Execute(ctx context.Context, params json.RawMessage) (*mcp.ToolsCallResult, error) {
	var p searchParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return mcp.ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
		}
	}
	mode := search.Mode(p.Mode)
	if mode == "" {
		mode = search.ModeAuto
	}
	verbosity := search.Verbosity(p.Verbosity)
	if verbosity == "" {
		verbosity = search.VerbosityStandard
	}

	result, err := t.svc.SearchQuery(ctx, search.Query{
		Text: p.Query,
		Facets: search.Facets{
			Importances: p.Importances, AckRequired: p.AckRequired,
			ThreadID: p.ThreadID, CreatedFrom: p.CreatedFrom, CreatedTo: p.CreatedTo,
		},
		Mode: mode, Rank: search.RankMode(p.Rank), Verbosity: verbosity,
		Limit: p.Limit, Cursor: p.Cursor,
	})
	if err != nil {
		return toolerr.Result(err), nil
	}

	hits := make([]map[string]any, len(result.Hits))
	for i, h := range result.Hits {
		hits[i] = map[string]any{
			"doc_id":         h.DocID,
			"lexical_rank":   h.LexicalRank,
			"semantic_rank":  h.SemanticRank,
			"lexical_score":  h.LexicalScore,
			"semantic_score": h.SemanticScore,
			"fused_score":    h.FusedScore,
			"source":         h.Source,
			"redacted":       h.Redacted,
		}
	}
	return mcp.JSONResult(map[string]any{
		"hits":        hits,
		"next_cursor": result.NextCursor,
		"denied":      result.Denied,
		"redacted":    result.Redacted,
		"explain":     result.Explain,
	})
}
