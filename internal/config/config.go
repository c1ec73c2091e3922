// Package config loads Agent Mail's configuration. The source of truth
// is environment variables, enumerated below; an optional TOML file
// layers defaults underneath them for the operator-tunable numeric knobs.
// Precedence is defaults -> file -> environment, environment always wins.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config holds everything read at startup. It is constructed once by Load
// and passed explicitly through constructors (see internal/appctx) rather
// than stashed in a package-level global.
type Config struct {
	Database    DatabaseConfig    `toml:"database"`
	Storage     StorageConfig     `toml:"storage"`
	Agent       AgentConfig       `toml:"agent"`
	HTTP        HTTPConfig        `toml:"http"`
	Environment string            `toml:"app_environment"`
	Worktrees   WorktreesConfig   `toml:"worktrees"`
	Reservation ReservationConfig `toml:"reservation"`
	DiskSpace   DiskSpaceConfig   `toml:"disk_space"`
	Log         LogConfig         `toml:"log"`
	LLM         LLMConfig         `toml:"llm"`
}

type DatabaseConfig struct {
	// URL is the sqlite:///<abs_path> connection string (DATABASE_URL).
	URL string `toml:"url"`
}

type StorageConfig struct {
	// Root is the absolute archive root (STORAGE_ROOT).
	Root string `toml:"root"`
}

type AgentConfig struct {
	// Name is the identity used by guard checks (AGENT_NAME).
	Name string `toml:"name"`
}

type HTTPConfig struct {
	Host string `toml:"host"`
	Port string `toml:"port"`
	Path string `toml:"path"`
}

type WorktreesConfig struct {
	Enabled bool `toml:"enabled"`
}

// ReservationConfig holds the forced-release staleness thresholds.
type ReservationConfig struct {
	InactivitySeconds    int `toml:"inactivity_seconds"`
	ActivityGraceSeconds int `toml:"activity_grace_seconds"`
}

// DiskSpaceConfig holds the disk pressure-band thresholds.
type DiskSpaceConfig struct {
	WarningMB  int  `toml:"warning_mb"`
	CriticalMB int  `toml:"critical_mb"`
	FatalMB    int  `toml:"fatal_mb"`
	Monitor    bool `toml:"monitor_enabled"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

// LLMConfig gates real LLM calls behind a stub flag for hermetic tests.
type LLMConfig struct {
	Stub bool `toml:"stub"`
}

// Load builds a Config from defaults, an optional TOML file, and then
// environment variables (which always win). configPath, if non-empty,
// overrides the AGENT_MAIL_CONFIG search.
func Load(configPath string) (*Config, error) {
	cfg := defaults()

	if err := cfg.loadFile(configPath); err != nil {
		return nil, err
	}

	cfg.applyEnv()
	bridgeLLMKeys()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Database:  DatabaseConfig{URL: "sqlite:///./agentmail.sqlite3"},
		Storage:   StorageConfig{Root: "./agentmail-archive"},
		HTTP:      HTTPConfig{Host: "127.0.0.1", Port: "8765", Path: "/mcp"},
		Worktrees: WorktreesConfig{Enabled: false},
		Reservation: ReservationConfig{
			InactivitySeconds:    1800,
			ActivityGraceSeconds: 900,
		},
		DiskSpace: DiskSpaceConfig{
			WarningMB:  2048,
			CriticalMB: 512,
			FatalMB:    64,
			Monitor:    true,
		},
		Log: LogConfig{Level: "info"},
	}
}

func (c *Config) loadFile(explicit string) error {
	path := resolveConfigPath(explicit)
	if path == "" {
		return nil
	}
	if _, err := toml.DecodeFile(path, c); err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}
	return nil
}

func resolveConfigPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if p := os.Getenv("AGENT_MAIL_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("agentmail.toml"); err == nil {
		return "agentmail.toml"
	}
	return ""
}

func (c *Config) applyEnv() {
	envOverride("DATABASE_URL", &c.Database.URL)
	envOverride("STORAGE_ROOT", &c.Storage.Root)
	envOverride("AGENT_NAME", &c.Agent.Name)
	envOverride("HTTP_HOST", &c.HTTP.Host)
	envOverride("HTTP_PORT", &c.HTTP.Port)
	envOverride("HTTP_PATH", &c.HTTP.Path)
	envOverride("APP_ENVIRONMENT", &c.Environment)
	envOverride("MCP_AGENT_MAIL_LOG_LEVEL", &c.Log.Level)

	if v := os.Getenv("WORKTREES_ENABLED"); v != "" {
		c.Worktrees.Enabled = truthy(v)
	}
	envInt("FILE_RESERVATION_INACTIVITY_SECONDS", &c.Reservation.InactivitySeconds)
	envInt("FILE_RESERVATION_ACTIVITY_GRACE_SECONDS", &c.Reservation.ActivityGraceSeconds)
	envInt("DISK_SPACE_WARNING_MB", &c.DiskSpace.WarningMB)
	envInt("DISK_SPACE_CRITICAL_MB", &c.DiskSpace.CriticalMB)
	envInt("DISK_SPACE_FATAL_MB", &c.DiskSpace.FatalMB)
	if v := os.Getenv("DISK_SPACE_MONITOR_ENABLED"); v != "" {
		c.DiskSpace.Monitor = truthy(v)
	}
	if v := os.Getenv("MCP_AGENT_MAIL_LLM_STUB"); v != "" {
		c.LLM.Stub = truthy(v)
	}
}

// llmKeySynonyms bridges provider-key synonyms to canonical keys.
// Bridging never overwrites an already-set canonical key.
var llmKeySynonyms = map[string]string{
	"GROK_API_KEY":   "XAI_API_KEY",
	"GEMINI_API_KEY": "GOOGLE_API_KEY",
}

func bridgeLLMKeys() {
	for synonym, canonical := range llmKeySynonyms {
		if os.Getenv(canonical) != "" {
			continue
		}
		if v := os.Getenv(synonym); v != "" {
			os.Setenv(canonical, v)
		}
	}
}

// Validate checks invariants that must hold before startup proceeds.
func (c *Config) Validate() error {
	if c.Storage.Root == "" {
		return fmt.Errorf("storage root must not be empty: set STORAGE_ROOT")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database url must not be empty: set DATABASE_URL")
	}
	if !strings.HasPrefix(c.Database.URL, "sqlite://") {
		return fmt.Errorf("database url must use the sqlite:// scheme, got %q", c.Database.URL)
	}
	if c.DiskSpace.WarningMB <= c.DiskSpace.CriticalMB || c.DiskSpace.CriticalMB <= c.DiskSpace.FatalMB {
		return fmt.Errorf("disk space thresholds must satisfy warning > critical > fatal")
	}
	return nil
}

// DatabasePath extracts the filesystem path from the sqlite:/// DSN.
func (c *Config) DatabasePath() string {
	return strings.TrimPrefix(c.Database.URL, "sqlite://")
}

func envOverride(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err == nil {
		*dst = n
	}
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
