package archive

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteIdempotent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "file.json")

	require.NoError(t, WriteIdempotent(path, []byte("hello")))
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	// A repeated identical write leaves the file untouched and is a no-op.
	info1, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, WriteIdempotent(path, []byte("hello")))
	info2, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, info1.ModTime(), info2.ModTime())

	// Changed content replaces atomically.
	require.NoError(t, WriteIdempotent(path, []byte("world")))
	got, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "world", string(got))

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestArchiveLayout(t *testing.T) {
	t.Parallel()

	a := New("/var/agentmail")
	md, js := a.MessagePaths("tmp-p", "42")
	assert.Equal(t, "/var/agentmail/projects/tmp-p/messages/42.md", md)
	assert.Equal(t, "/var/agentmail/projects/tmp-p/messages/42.json", js)
	assert.Equal(t, "/var/agentmail/projects/tmp-p/agents/BlueLake/profile.json",
		a.AgentProfilePath("tmp-p", "BlueLake"))
	assert.Equal(t, "/var/agentmail/projects/tmp-p/aliases.json", a.AliasesPath("tmp-p"))

	// Reservation artifacts are content-addressed by the pattern's SHA-1,
	// so the same pattern always lands on the same file.
	p1 := a.ReservationPath("tmp-p", "src/*.go")
	p2 := a.ReservationPath("tmp-p", "src/*.go")
	p3 := a.ReservationPath("tmp-p", "docs/**")
	assert.Equal(t, p1, p2)
	assert.NotEqual(t, p1, p3)
	assert.Contains(t, p1, "/file_reservations/")
}

func TestWriteMessageAndProfile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a := New(dir)
	md, js := a.MessagePaths("tmp-p", "1")

	headers := MessageHeaders{ID: 1, Sender: "BlueLake", Recipients: []string{"RedFox"}, Subject: "hi", Importance: "normal", CreatedTs: 123}
	require.NoError(t, WriteMessage(md, js, "hello **world**", headers))

	body, err := os.ReadFile(md)
	require.NoError(t, err)
	assert.Equal(t, "hello **world**", string(body))

	sidecar, err := os.ReadFile(js)
	require.NoError(t, err)
	assert.Contains(t, string(sidecar), `"sender": "BlueLake"`)

	// Re-running the same op leaves both files byte-identical.
	require.NoError(t, WriteMessage(md, js, "hello **world**", headers))
	again, err := os.ReadFile(js)
	require.NoError(t, err)
	assert.Equal(t, sidecar, again)

	profilePath := a.AgentProfilePath("tmp-p", "BlueLake")
	require.NoError(t, WriteAgentProfile(profilePath, AgentProfile{Name: "BlueLake", RegisteredTs: 1}))
	prof, err := os.ReadFile(profilePath)
	require.NoError(t, err)
	assert.Contains(t, string(prof), `"name": "BlueLake"`)

	resPath := a.ReservationPath("tmp-p", "src/*.go")
	require.NoError(t, WriteReservation(resPath, ReservationArtifact{
		PathPattern: "src/*.go", AgentName: "BlueLake", Exclusive: true, CreatedTs: 1, ExpiresTs: 2,
	}))
	res, err := os.ReadFile(resPath)
	require.NoError(t, err)
	assert.Contains(t, string(res), `"path_pattern": "src/*.go"`)

	aliasPath := a.AliasesPath("tmp-p")
	require.NoError(t, WriteAliases(aliasPath, Aliases{FormerSlugs: []string{"old-slug"}}))
	aliases, err := os.ReadFile(aliasPath)
	require.NoError(t, err)
	assert.JSONEq(t, `{"former_slugs": ["old-slug"]}`, string(aliases))
}
