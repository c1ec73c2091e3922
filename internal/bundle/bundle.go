// Package bundle implements the share-bundle manifest, SRI fingerprints,
// and Ed25519 self-consistency signing for share bundles. The SRI and
// signing code is built from scratch on the standard library: no
// third-party SRI or manifest-signing library appears anywhere in the
// example pack, and Ed25519+SHA-256 are textbook stdlib primitives with no
// ecosystem replacement worth adopting here (see DESIGN.md). The one
// third-party import is github.com/google/uuid, for bundle ids.
package bundle

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BundleType is full or incremental.
type BundleType string

const (
	BundleFull        BundleType = "full"
	BundleIncremental BundleType = "incremental"
)

// DatabaseRef describes the bundled SQLite file.
type DatabaseRef struct {
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
	SHA256    string `json:"sha256"`
}

// Manifest is the bundle's manifest.json.
type Manifest struct {
	BundleID      string            `json:"bundle_id"`
	SchemaVersion int               `json:"schema_version"`
	BundleType    BundleType        `json:"bundle_type"`
	Database      DatabaseRef       `json:"database"`
	Viewer        map[string]string `json:"viewer"` // SRI map: filename -> "sha256-<base64>"
}

// SRI computes a Subresource-Integrity-style fingerprint over file bytes:
// "sha256-<base64(hash)>".
func SRI(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256-" + base64.StdEncoding.EncodeToString(sum[:])
}

// BuildManifest computes the database's SRI fields and assembles viewer
// SRI entries from the given file contents map.
func BuildManifest(bundleType BundleType, dbPath string, dbBytes []byte, viewerFiles map[string][]byte) Manifest {
	sum := sha256.Sum256(dbBytes)
	viewer := make(map[string]string, len(viewerFiles))
	for name, data := range viewerFiles {
		viewer[name] = SRI(data)
	}
	return Manifest{
		BundleID:      uuid.NewString(),
		SchemaVersion: 1,
		BundleType:    bundleType,
		Database: DatabaseRef{
			Path:      dbPath,
			SizeBytes: int64(len(dbBytes)),
			SHA256:    base64.StdEncoding.EncodeToString(sum[:]),
		},
		Viewer: viewer,
	}
}

// VerifyIntegrity recomputes every SRI entry and the database checksum,
// comparing byte-for-byte.
func VerifyIntegrity(m Manifest, dbBytes []byte, viewerFiles map[string][]byte) error {
	sum := sha256.Sum256(dbBytes)
	got := base64.StdEncoding.EncodeToString(sum[:])
	if got != m.Database.SHA256 {
		return fmt.Errorf("database checksum mismatch: want %s got %s", m.Database.SHA256, got)
	}
	for name, want := range m.Viewer {
		data, ok := viewerFiles[name]
		if !ok {
			return fmt.Errorf("viewer file %q missing from bundle", name)
		}
		if got := SRI(data); got != want {
			return fmt.Errorf("viewer file %q SRI mismatch: want %s got %s", name, want, got)
		}
	}
	return nil
}

// Signature is the optional manifest.sig.json.
type Signature struct {
	Algorithm string `json:"algorithm"`
	Signature string `json:"signature"`  // base64
	PublicKey string `json:"public_key"` // base64, embedded for self-consistency verification
	SignedAt  string `json:"signed_at"`  // RFC-3339
}

// Sign produces an Ed25519 signature over the manifest's canonical JSON
// bytes then Verify(manifest, pub(k))
// succeeds").
func Sign(manifest Manifest, priv ed25519.PrivateKey, now time.Time) (Signature, error) {
	payload, err := json.Marshal(manifest)
	if err != nil {
		return Signature{}, fmt.Errorf("marshal manifest: %w", err)
	}
	sig := ed25519.Sign(priv, payload)
	pub := priv.Public().(ed25519.PublicKey)
	return Signature{
		Algorithm: "ed25519",
		Signature: base64.StdEncoding.EncodeToString(sig),
		PublicKey: base64.StdEncoding.EncodeToString(pub),
		SignedAt:  now.UTC().Format(time.RFC3339),
	}, nil
}

// KeySource distinguishes caller-supplied verification keys from the
// signature's own embedded key.
type KeySource string

const (
	KeySourceExplicit KeySource = "explicit"
	KeySourceEmbedded KeySource = "embedded"
)

// Verify checks sig against manifest using either an explicitly supplied
// public key, or (source=embedded) the key carried inside sig itself —
// which only proves self-consistency, not provenance.
func Verify(manifest Manifest, sig Signature, explicitPub ed25519.PublicKey, source KeySource) (bool, error) {
	payload, err := json.Marshal(manifest)
	if err != nil {
		return false, fmt.Errorf("marshal manifest: %w", err)
	}
	sigBytes, err := base64.StdEncoding.DecodeString(sig.Signature)
	if err != nil {
		return false, fmt.Errorf("decode signature: %w", err)
	}

	var pub ed25519.PublicKey
	switch source {
	case KeySourceExplicit:
		if len(explicitPub) == 0 {
			return false, fmt.Errorf("explicit public key required")
		}
		pub = explicitPub
	default:
		pubBytes, err := base64.StdEncoding.DecodeString(sig.PublicKey)
		if err != nil {
			return false, fmt.Errorf("decode embedded public key: %w", err)
		}
		pub = ed25519.PublicKey(pubBytes)
	}

	return ed25519.Verify(pub, payload, sigBytes), nil
}

// GenerateKey is a thin wrapper kept for symmetry with Sign/Verify call
// sites and tests.
func GenerateKey() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(nil)
}
