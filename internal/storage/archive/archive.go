// Package archive writes the content-addressed, never-authoritative
// on-disk mirror of project state. Every write goes through
// WriteIdempotent so re-draining a WBQ op after a crash leaves the
// directory byte-identical.
package archive

import (
	"crypto/sha1" //nolint:gosec // content addressing, not a security boundary
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Archive is rooted at <storage_root>/projects/<slug>/.
type Archive struct {
	storageRoot string
}

func New(storageRoot string) *Archive {
	return &Archive{storageRoot: storageRoot}
}

func (a *Archive) projectDir(slug string) string {
	return filepath.Join(a.storageRoot, "projects", slug)
}

func (a *Archive) MessagePaths(slug, messageKey string) (mdPath, jsonPath string) {
	dir := filepath.Join(a.projectDir(slug), "messages")
	return filepath.Join(dir, messageKey+".md"), filepath.Join(dir, messageKey+".json")
}

func (a *Archive) AgentProfilePath(slug, agentName string) string {
	return filepath.Join(a.projectDir(slug), "agents", agentName, "profile.json")
}

func (a *Archive) ReservationPath(slug, pathPattern string) string {
	sum := sha1.Sum([]byte(pathPattern)) //nolint:gosec
	return filepath.Join(a.projectDir(slug), "file_reservations", hex.EncodeToString(sum[:])+".json")
}

func (a *Archive) AliasesPath(slug string) string {
	return filepath.Join(a.projectDir(slug), "aliases.json")
}

// WriteIdempotent writes data to path via a temp-file-then-rename so a
// crash mid-write never leaves a partial file, and writing identical bytes
// twice leaves the directory byte-identical.
func WriteIdempotent(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("archive mkdir: %w", err)
	}

	existing, err := os.ReadFile(path)
	if err == nil && string(existing) == string(data) {
		return nil // already byte-identical, nothing to do
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("archive temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("archive temp write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("archive temp sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("archive temp close: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("archive rename: %w", err)
	}
	return nil
}

// MessageHeaders is the JSON sidecar written alongside a message body.
type MessageHeaders struct {
	ID          int64    `json:"id"`
	ThreadID    *int64   `json:"thread_id,omitempty"`
	Sender      string   `json:"sender"`
	Recipients  []string `json:"recipients"`
	Subject     string   `json:"subject"`
	Importance  string   `json:"importance"`
	AckRequired bool     `json:"ack_required"`
	CreatedTs   int64    `json:"created_ts"`
}

func WriteMessage(mdPath, jsonPath, bodyMD string, headers MessageHeaders) error {
	if err := WriteIdempotent(mdPath, []byte(bodyMD)); err != nil {
		return err
	}
	hj, err := json.MarshalIndent(headers, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal message headers: %w", err)
	}
	return WriteIdempotent(jsonPath, hj)
}

// AgentProfile is the archive mirror of an agents row.
type AgentProfile struct {
	Name            string `json:"name"`
	Program         string `json:"program,omitempty"`
	Model           string `json:"model,omitempty"`
	TaskDescription string `json:"task_description,omitempty"`
	RegisteredTs    int64  `json:"registered_ts"`
	LastActiveTs    int64  `json:"last_active_ts"`
}

func WriteAgentProfile(path string, profile AgentProfile) error {
	b, err := json.MarshalIndent(profile, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal agent profile: %w", err)
	}
	return WriteIdempotent(path, b)
}

// ReservationArtifact is the archive mirror of a granted reservation.
type ReservationArtifact struct {
	PathPattern string `json:"path_pattern"`
	AgentName   string `json:"agent_name"`
	Exclusive   bool   `json:"exclusive"`
	Reason      string `json:"reason,omitempty"`
	CreatedTs   int64  `json:"created_ts"`
	ExpiresTs   int64  `json:"expires_ts"`
}

func WriteReservation(path string, artifact ReservationArtifact) error {
	b, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal reservation artifact: %w", err)
	}
	return WriteIdempotent(path, b)
}

// Aliases is the former-slugs sidecar written on project adoption.
type Aliases struct {
	FormerSlugs []string `json:"former_slugs"`
}

func WriteAliases(path string, aliases Aliases) error {
	b, err := json.MarshalIndent(aliases, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal aliases: %w", err)
	}
	return WriteIdempotent(path, b)
}
