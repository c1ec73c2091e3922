package mail

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/agent-mail/agentmail/internal/clock"
	"github.com/agent-mail/agentmail/internal/mailbox"
	"github.com/agent-mail/agentmail/internal/mcp"
	"github.com/agent-mail/agentmail/internal/reservation"
	"github.com/agent-mail/agentmail/internal/search"
	"github.com/agent-mail/agentmail/internal/storage"
	"github.com/agent-mail/agentmail/internal/storage/archive"
)

func newService(t *testing.T) *mailbox.Service {
	t.Helper()
	dir := t.TempDir()
	db, err := sql.Open("sqlite", filepath.Join(dir, "mail.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)
	_, err = storage.NewMigrator(db).ApplyAll(context.Background())
	require.NoError(t, err)

	c := clock.NewMutable(time.Unix(1_700_000_000, 0))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	wbq := storage.NewWBQ(logger, c, nil, 1000, 3)
	store := storage.NewStore(db, c, wbq)
	engine := search.NewEngine(search.NewLexicalMessageStage(db), search.NewSemanticStage(nil), nil, c)
	return mailbox.New(store, archive.New(filepath.Join(dir, "archive")), wbq,
		reservation.NewEngine(db, c, logger), engine, nil, c, logger)
}

func execTool(t *testing.T, tool interface {
	Execute(context.Context, json.RawMessage) (*mcp.ToolsCallResult, error)
}, params string) map[string]any {
	t.Helper()
	res, err := tool.Execute(context.Background(), json.RawMessage(params))
	require.NoError(t, err)
	require.False(t, res.IsError, "tool error: %s", res.Content[0].Text)
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.Content[0].Text), &out))
	return out
}

func TestSendInboxReadAckFlow(t *testing.T) {
	svc := newService(t)

	p, err := svc.EnsureProject(context.Background(), "/tmp/p")
	require.NoError(t, err)
	for _, name := range []string{"BlueLake", "RedFox"} {
		_, err = svc.RegisterAgent(context.Background(), p, name, "", "", "")
		require.NoError(t, err)
	}

	out := execTool(t, NewSend(svc), `{
		"project_path": "/tmp/p", "sender": "BlueLake", "to": ["RedFox"],
		"subject": "Test", "body_md": "hello", "ack_required": true
	}`)
	assert.Equal(t, float64(1), out["id"])

	out = execTool(t, NewInbox(svc), `{"project_path": "/tmp/p", "agent": "RedFox"}`)
	stats := out["stats"].(map[string]any)
	assert.Equal(t, float64(1), stats["total_count"])
	assert.Equal(t, float64(1), stats["unread_count"])
	assert.Equal(t, float64(1), stats["ack_pending_count"])

	execTool(t, NewSetRead(svc), `{"project_path": "/tmp/p", "agent": "RedFox", "message_id": 1}`)
	execTool(t, NewSetAck(svc), `{"project_path": "/tmp/p", "agent": "RedFox", "message_id": 1}`)

	out = execTool(t, NewInbox(svc), `{"project_path": "/tmp/p", "agent": "RedFox"}`)
	stats = out["stats"].(map[string]any)
	assert.Equal(t, float64(0), stats["unread_count"])
	assert.Equal(t, float64(0), stats["ack_pending_count"])
}

func TestSendUnknownRecipientIsToolError(t *testing.T) {
	svc := newService(t)
	p, err := svc.EnsureProject(context.Background(), "/tmp/p")
	require.NoError(t, err)
	_, err = svc.RegisterAgent(context.Background(), p, "BlueLake", "", "", "")
	require.NoError(t, err)

	res, err := NewSend(svc).Execute(context.Background(), json.RawMessage(`{
		"project_path": "/tmp/p", "sender": "BlueLake", "to": ["NoSuchFox"],
		"subject": "s", "body_md": "b"
	}`))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content[0].Text, "not_found")
}
