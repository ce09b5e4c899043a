// Package config loads and persists the application configuration.
//
// The configuration lives in a single TOML file. Admin operations that
// change key material write the file back through Manager.Save, so the
// on-disk form stays the source of truth across restarts.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/chatmux/chatmux/internal/auth"
)

// AuthConfig holds key material and lockout policy.
type AuthConfig struct {
	TokenKeys            []auth.TokenKey         `toml:"token_keys"`
	WhitelistKeys        map[string]auth.UserKey `toml:"whitelist_keys"`
	RotationGraceSeconds int                     `toml:"rotation_grace_seconds"`
	MaxFailedAttempts    int                     `toml:"max_failed_attempts"`
	FailureWindowSeconds int                     `toml:"failure_window_seconds"`
	LockoutSeconds       int                     `toml:"lockout_seconds"`
	AdminUserIDs         []string                `toml:"admin_user_ids"`
}

// Settings converts the serialized form into auth.Manager settings.
func (c AuthConfig) Settings() auth.Settings {
	return auth.Settings{
		TokenKeys:         append([]auth.TokenKey(nil), c.TokenKeys...),
		WhitelistKeys:     c.WhitelistKeys,
		RotationGrace:     time.Duration(c.RotationGraceSeconds) * time.Second,
		MaxFailedAttempts: c.MaxFailedAttempts,
		FailureWindow:     time.Duration(c.FailureWindowSeconds) * time.Second,
		Lockout:           time.Duration(c.LockoutSeconds) * time.Second,
	}
}

// CommandPolicy constrains what text may be sent to a session.
type CommandPolicy struct {
	MaxLength        int      `toml:"max_length"`
	BlockedPatterns  []string `toml:"blocked_patterns"`
	AllowedPatterns  []string `toml:"allowed_patterns"`
	RequireAllowlist bool     `toml:"require_allowlist"`
}

// TmuxConfig sizes the managed sessions and captures.
type TmuxConfig struct {
	Binary       string `toml:"binary"`
	Width        int    `toml:"width"`
	Height       int    `toml:"height"`
	CaptureLines int    `toml:"capture_lines"`
}

// WebConfig configures the chat transport listener.
type WebConfig struct {
	ListenAddr   string  `toml:"listen_addr"`
	Token        string  `toml:"token"`
	RatePerSec   float64 `toml:"rate_per_sec"`
	RateBurst    int     `toml:"rate_burst"`
	ReadTimeout  int     `toml:"read_timeout_seconds"`
	WriteTimeout int     `toml:"write_timeout_seconds"`
}

// LoggingConfig mirrors logging.Config in serialized form.
type LoggingConfig struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// Config is the full application configuration.
type Config struct {
	DataDir       string        `toml:"data_dir"`
	RulesPath     string        `toml:"rules_path"`
	Auth          AuthConfig    `toml:"auth"`
	CommandPolicy CommandPolicy `toml:"command_policy"`
	Tmux          TmuxConfig    `toml:"tmux"`
	Web           WebConfig     `toml:"web"`
	Logging       LoggingConfig `toml:"logging"`
}

// Default returns the configuration used when no file exists yet.
func Default() Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".chatmux")
	return Config{
		DataDir:   dataDir,
		RulesPath: filepath.Join(dataDir, "rules.toml"),
		Auth: AuthConfig{
			MaxFailedAttempts:    5,
			FailureWindowSeconds: 300,
			LockoutSeconds:       900,
			WhitelistKeys:        map[string]auth.UserKey{},
		},
		CommandPolicy: CommandPolicy{
			MaxLength: 2000,
		},
		Tmux: TmuxConfig{
			Binary:       "tmux",
			Width:        80,
			Height:       24,
			CaptureLines: 2000,
		},
		Web: WebConfig{
			ListenAddr:   "127.0.0.1:8090",
			RatePerSec:   5,
			RateBurst:    10,
			ReadTimeout:  60,
			WriteTimeout: 10,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 30,
			Compress:   true,
		},
	}
}

// RegistryPath is where tab records are persisted.
func (c Config) RegistryPath() string { return filepath.Join(c.DataDir, "tabs.json") }

// StatePath is where per-user state is persisted.
func (c Config) StatePath() string { return filepath.Join(c.DataDir, "state.json") }

// AuditPath is the dispatch audit database.
func (c Config) AuditPath() string { return filepath.Join(c.DataDir, "audit.db") }

// LogDir is where rotated log files go.
func (c Config) LogDir() string { return filepath.Join(c.DataDir, "logs") }

// Validate checks the parts that would otherwise fail at first use.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must be set")
	}
	if c.CommandPolicy.MaxLength <= 0 {
		return fmt.Errorf("command_policy.max_length must be positive")
	}
	for _, p := range c.CommandPolicy.BlockedPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("command_policy.blocked_patterns %q: %w", p, err)
		}
	}
	for _, p := range c.CommandPolicy.AllowedPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("command_policy.allowed_patterns %q: %w", p, err)
		}
	}
	if c.Web.ListenAddr == "" {
		return fmt.Errorf("web.listen_addr must be set")
	}
	return nil
}

// Manager ties a Config to its file so admin changes can be written back.
type Manager struct {
	path   string
	Config Config
}

// NewManager creates a manager for the given path without touching disk.
func NewManager(path string) *Manager {
	return &Manager{path: path, Config: Default()}
}

// Load reads the configuration file. A missing file keeps the defaults.
func (m *Manager) Load() error {
	cfg := Default()
	meta, err := toml.DecodeFile(m.path, &cfg)
	if err != nil {
		if os.IsNotExist(err) {
			m.Config = cfg
			return nil
		}
		return fmt.Errorf("parse %s: %w", m.path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("parse %s: unknown key %s", m.path, undecoded[0])
	}
	if cfg.Auth.WhitelistKeys == nil {
		cfg.Auth.WhitelistKeys = map[string]auth.UserKey{}
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate %s: %w", m.path, err)
	}
	m.Config = cfg
	return nil
}

// Save writes the configuration atomically.
func (m *Manager) Save() error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(m.path), ".config-*.toml")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	enc := toml.NewEncoder(tmp)
	if err := enc.Encode(m.Config); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("encode config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Rename(tmp.Name(), m.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

// ApplyAuthSnapshot copies mutated key material back into the config so a
// following Save persists it.
func (m *Manager) ApplyAuthSnapshot(s auth.Settings) {
	m.Config.Auth.TokenKeys = append([]auth.TokenKey(nil), s.TokenKeys...)
	keys := make(map[string]auth.UserKey, len(s.WhitelistKeys))
	for id, key := range s.WhitelistKeys {
		keys[id] = key
	}
	m.Config.Auth.WhitelistKeys = keys
}
