// Package config loads the deployment configuration from
// <home>/config.yaml, applies environment overrides, and exposes the
// immutable SecurityPolicy the rest of the host consults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"valet/internal/telemetry"
)

// SecurityPolicy is fixed for the lifetime of the process.
type SecurityPolicy struct {
	// Mode is "permissive" or "restricted". Restricted mode builds the agent
	// environment from an allow-list and refuses unsandboxed execution.
	Mode string `yaml:"mode"`
	// SandboxEnabled wraps task execution in the isolation tool when true.
	SandboxEnabled bool `yaml:"sandbox_enabled"`
	// AdminTaskDBWrite lets admin-owned tasks mount the task database
	// read-write instead of read-only.
	AdminTaskDBWrite bool `yaml:"admin_task_db_write"`
}

// Permissive reports whether the deployment runs in permissive mode.
func (p SecurityPolicy) Permissive() bool { return p.Mode != "restricted" }

// ChatConfig configures the long-poll chat surface.
type ChatConfig struct {
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
	// BotName is the mention the chat adapter answers to.
	BotName string `yaml:"bot_name"`
	// Channels lists the channel ids the adapter polls.
	Channels []string `yaml:"channels"`
	// PollWaitSeconds is the server-side long-poll hold time.
	PollWaitSeconds int `yaml:"poll_wait_seconds"`
}

// EmailConfig configures IMAP polling and SMTP delivery.
type EmailConfig struct {
	Enabled  bool   `yaml:"enabled"`
	IMAPAddr string `yaml:"imap_addr"` // host:port, implicit TLS
	SMTPAddr string `yaml:"smtp_addr"` // host:port
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Mailbox  string `yaml:"mailbox"`
	From     string `yaml:"from"`
	// OwnerUserID is the user tasks created from inbound mail belong to.
	OwnerUserID string `yaml:"owner_user_id"`
}

// ChecklistConfig configures the markdown checklist adapter.
type ChecklistConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	// Watch triggers an immediate poll on file writes between scheduled polls.
	Watch bool `yaml:"watch"`
	// PollIntervalSeconds is the scheduled poll cadence.
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	// OwnerUserID is the user checklist tasks belong to.
	OwnerUserID string `yaml:"owner_user_id"`
}

// ScheduleConfig declares one cron-driven task source.
type ScheduleConfig struct {
	Key     string `yaml:"key"`
	Cron    string `yaml:"cron"`
	Prompt  string `yaml:"prompt"`
	UserID  string `yaml:"user_id"`
	Channel string `yaml:"channel"`
}

// TriageConfig configures the external relevance-triage call.
type TriageConfig struct {
	Enabled bool     `yaml:"enabled"`
	Command []string `yaml:"command"`
	// TimeoutSeconds bounds the subprocess; expiry falls back to recency.
	TimeoutSeconds int `yaml:"timeout_seconds"`
	// SkipThreshold returns the full history unchanged when it is short.
	SkipThreshold int `yaml:"skip_threshold"`
	// AlwaysIncludeRecent is the verbatim recent window size.
	AlwaysIncludeRecent int `yaml:"always_include_recent"`
	// Lookback caps how many recent entries are even considered.
	Lookback int `yaml:"lookback"`
}

// AgentConfig configures the reasoning-agent subprocess.
type AgentConfig struct {
	Command        []string `yaml:"command"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	// PassthroughEnv names ambient variables forwarded in restricted mode.
	PassthroughEnv []string `yaml:"passthrough_env"`
}

// TelegramConfig configures the push-notification surface.
type TelegramConfig struct {
	Token string `yaml:"token"`
	// DefaultChatID receives pushes for users without an override.
	DefaultChatID int64 `yaml:"default_chat_id"`
}

// DeliveryConfig configures progress reporting and notification fan-out.
type DeliveryConfig struct {
	MinProgressIntervalSeconds int            `yaml:"min_progress_interval_seconds"`
	MaxProgressMessages        int            `yaml:"max_progress_messages"`
	Telegram                   TelegramConfig `yaml:"telegram"`
	// DefaultEmail receives email notifications for users without an override.
	DefaultEmail string `yaml:"default_email"`
	// DefaultLogChannel receives per-user run logs when no override exists.
	DefaultLogChannel string `yaml:"default_log_channel"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	Quiet    bool   `yaml:"quiet"`

	WorkerCount         int `yaml:"worker_count"`
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	MaxAttempts         int `yaml:"max_attempts"`
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`
	RetentionDays       int `yaml:"retention_days"`

	// SharedRoot is the storage root visible to sandboxed tasks, holding
	// Users/<id> and Channels/<id> subtrees.
	SharedRoot string `yaml:"shared_root"`
	// DBPath overrides the default task database location.
	DBPath string `yaml:"db_path"`

	Security  SecurityPolicy   `yaml:"security"`
	Chat      ChatConfig       `yaml:"chat"`
	Email     EmailConfig      `yaml:"email"`
	Checklist ChecklistConfig  `yaml:"checklist"`
	Schedules []ScheduleConfig `yaml:"schedules"`
	Triage    TriageConfig     `yaml:"triage"`
	Agent     AgentConfig      `yaml:"agent"`
	Delivery  DeliveryConfig   `yaml:"delivery"`

	// Admins lists user ids whose tasks run with admin privileges.
	Admins []string `yaml:"admins"`

	// Settings holds named deployment values skill env overlays may
	// reference by field name. Boolean entries double as guards.
	Settings map[string]any `yaml:"settings"`

	OTel telemetry.OTelConfig `yaml:"otel"`

	// Skills is populated from <home>/skills/*.yaml, not from config.yaml.
	Skills []Skill `yaml:"-"`
}

// IsAdmin reports whether the given user id is in the admin list.
func (c Config) IsAdmin(userID string) bool {
	for _, a := range c.Admins {
		if a == userID {
			return true
		}
	}
	return false
}

// TaskDBPath returns the resolved task database location.
func (c Config) TaskDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.HomeDir, "valet.db")
}

// SettingString returns a string-valued setting, or "" when absent.
func (c Config) SettingString(field string) string {
	if v, ok := c.Settings[field]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// SettingBool returns a bool-valued setting, defaulting to false.
func (c Config) SettingBool(field string) bool {
	if v, ok := c.Settings[field]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return false
}

// HomeDir resolves the host home directory, honoring VALET_HOME.
func HomeDir() string {
	if override := os.Getenv("VALET_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".valet")
}

// Load reads config.yaml from the host home directory, applying .env and
// environment overrides, and loads skill manifests.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory, used by tests.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create valet home: %w", err)
	}

	// Best-effort .env: absence is the common case.
	_ = godotenv.Load(filepath.Join(cfg.HomeDir, ".env"))

	data, err := os.ReadFile(filepath.Join(cfg.HomeDir, "config.yaml"))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)

	skills, err := LoadSkills(filepath.Join(cfg.HomeDir, "skills"))
	if err != nil {
		return cfg, err
	}
	cfg.Skills = skills

	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		LogLevel:            "info",
		WorkerCount:         2,
		PollIntervalSeconds: 2,
		MaxAttempts:         3,
		DrainTimeoutSeconds: 10,
		RetentionDays:       90,
		Security: SecurityPolicy{
			Mode:           "permissive",
			SandboxEnabled: true,
		},
		Chat: ChatConfig{
			PollWaitSeconds: 30,
		},
		Email: EmailConfig{
			Mailbox: "INBOX",
		},
		Triage: TriageConfig{
			Enabled:             true,
			TimeoutSeconds:      30,
			SkipThreshold:       5,
			AlwaysIncludeRecent: 3,
			Lookback:            50,
		},
		Agent: AgentConfig{
			TimeoutSeconds: int((10 * time.Minute).Seconds()),
			PassthroughEnv: []string{"HOME", "USER", "LANG", "TZ", "TERM"},
		},
		Delivery: DeliveryConfig{
			MinProgressIntervalSeconds: 5,
			MaxProgressMessages:        10,
		},
	}
}

func normalize(cfg *Config) {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 2
	}
	if cfg.PollIntervalSeconds <= 0 {
		cfg.PollIntervalSeconds = 2
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.SharedRoot == "" {
		cfg.SharedRoot = filepath.Join(cfg.HomeDir, "shared")
	}
	if cfg.Checklist.Enabled && cfg.Checklist.Path == "" {
		cfg.Checklist.Path = filepath.Join(cfg.HomeDir, "tasks.md")
	}
	if cfg.Checklist.PollIntervalSeconds <= 0 {
		cfg.Checklist.PollIntervalSeconds = 30
	}
	if cfg.Email.Mailbox == "" {
		cfg.Email.Mailbox = "INBOX"
	}
	if cfg.Triage.SkipThreshold <= 0 {
		cfg.Triage.SkipThreshold = 5
	}
	if cfg.Triage.AlwaysIncludeRecent <= 0 {
		cfg.Triage.AlwaysIncludeRecent = 3
	}
	if cfg.Triage.Lookback <= 0 {
		cfg.Triage.Lookback = 50
	}
	if cfg.Delivery.MinProgressIntervalSeconds <= 0 {
		cfg.Delivery.MinProgressIntervalSeconds = 5
	}
	if cfg.Delivery.MaxProgressMessages <= 0 {
		cfg.Delivery.MaxProgressMessages = 10
	}
	mode := strings.ToLower(strings.TrimSpace(cfg.Security.Mode))
	if mode != "restricted" {
		mode = "permissive"
	}
	cfg.Security.Mode = mode
}

func validate(cfg Config) error {
	if len(cfg.Agent.Command) == 0 {
		return fmt.Errorf("config: agent.command must be set")
	}
	if cfg.Chat.Enabled && cfg.Chat.BaseURL == "" {
		return fmt.Errorf("config: chat.base_url required when chat is enabled")
	}
	if cfg.Email.Enabled && (cfg.Email.IMAPAddr == "" || cfg.Email.Username == "") {
		return fmt.Errorf("config: email.imap_addr and email.username required when email is enabled")
	}
	for _, s := range cfg.Schedules {
		if s.Key == "" || s.Cron == "" || s.Prompt == "" {
			return fmt.Errorf("config: schedule entries need key, cron, and prompt")
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("VALET_WORKER_COUNT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.WorkerCount = v
		}
	}
	if raw := os.Getenv("VALET_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("VALET_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("VALET_SHARED_ROOT"); raw != "" {
		cfg.SharedRoot = raw
	}
	if raw := os.Getenv("VALET_SECURITY_MODE"); raw != "" {
		cfg.Security.Mode = raw
	}
	if raw := os.Getenv("VALET_CHAT_TOKEN"); raw != "" {
		cfg.Chat.Token = raw
	}
	if raw := os.Getenv("VALET_EMAIL_PASSWORD"); raw != "" {
		cfg.Email.Password = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Delivery.Telegram.Token = raw
	}
}
