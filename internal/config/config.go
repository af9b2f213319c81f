package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/stellarlinkco/clawgate/internal/approval"
	"github.com/stellarlinkco/clawgate/internal/classify"
	"github.com/stellarlinkco/clawgate/internal/gate"
	"github.com/stellarlinkco/clawgate/internal/sandbox"
)

const (
	DefaultModel             = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens         = 8192
	DefaultMaxToolIterations = 20
	DefaultMode              = "auto"
	DefaultShellTimeout      = 120
	DefaultHTTPTimeout       = 30
	DefaultMaxOutput         = 30000
	DefaultApprovalTimeout   = 0
	DefaultMemoryLimit       = 5
	DefaultDriftSweep        = "@every 1m"
	DefaultVerifySchedule    = "@every 10m"
	DefaultServiceName       = "clawgate"

	ProviderAnthropic = "anthropic"
	ProviderScript    = "script"

	ApprovalTerminal = "terminal"
	ApprovalTelegram = "telegram"
	ApprovalPolicy   = "policy"
	ApprovalWebUI    = "webui"
)

type Config struct {
	Agent     AgentConfig         `json:"agent"`
	Provider  ProviderConfig      `json:"provider"`
	Approval  ApprovalConfig      `json:"approval"`
	Sandbox   sandbox.Config      `json:"sandbox"`
	Overrides []classify.Override `json:"overrides,omitempty"`
	// Profile is an optional YAML file whose mode, sandbox and overrides
	// replace the ones above.
	Profile   string          `json:"profile,omitempty"`
	Tools     ToolsConfig     `json:"tools"`
	Log       LogConfig       `json:"log"`
	Memory    MemoryConfig    `json:"memory"`
	Cron      CronConfig      `json:"cron"`
	Telemetry TelemetryConfig `json:"telemetry"`
}

type AgentConfig struct {
	Workspace         string `json:"workspace"`
	Model             string `json:"model"`
	MaxTokens         int    `json:"maxTokens"`
	MaxToolIterations int    `json:"maxToolIterations"`
	SystemPrompt      string `json:"systemPrompt,omitempty"`
	Mode              string `json:"mode"`
	// SkillsDir holds <name>/SKILL.md files; default <workspace>/skills.
	SkillsDir string `json:"skillsDir,omitempty"`
}

type ProviderConfig struct {
	Type       string `json:"type,omitempty"` // "anthropic" (default) or "script"
	APIKey     string `json:"apiKey"`
	BaseURL    string `json:"baseUrl,omitempty"`
	MaxRetries int    `json:"maxRetries,omitempty"`
	// Script is the YAML file replayed by the script provider.
	Script string `json:"script,omitempty"`
}

type ApprovalConfig struct {
	Channel        string                  `json:"channel"` // terminal, telegram, webui or policy
	TimeoutSeconds int                     `json:"timeoutSeconds,omitempty"`
	Telegram       approval.TelegramConfig `json:"telegram"`
	WebUI          WebUIConfig             `json:"webui"`
}

type WebUIConfig struct {
	// Addr is the listen address; default 127.0.0.1:18790.
	Addr string `json:"addr,omitempty"`
}

type ToolsConfig struct {
	ShellTimeout int      `json:"shellTimeout"`
	HTTPTimeout  int      `json:"httpTimeout"`
	MaxOutput    int      `json:"maxOutput"`
	Disabled     []string `json:"disabled,omitempty"`
}

type LogConfig struct {
	Dir string `json:"dir,omitempty"`
	// Index mirrors every session log into SQLite when set.
	Index string `json:"index,omitempty"`
}

type MemoryConfig struct {
	Enabled bool   `json:"enabled"`
	DBPath  string `json:"dbPath,omitempty"`
	Limit   int    `json:"limit,omitempty"`
	// Import is a MEMORY.md file loaded into the store at session start.
	Import string `json:"import,omitempty"`
}

type CronConfig struct {
	Enabled    bool   `json:"enabled"`
	DriftSweep string `json:"driftSweep,omitempty"`
	Verify     string `json:"verify,omitempty"`
}

type TelemetryConfig struct {
	Enabled     bool              `json:"enabled"`
	Endpoint    string            `json:"endpoint,omitempty"`
	Insecure    bool              `json:"insecure,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	ServiceName string            `json:"serviceName,omitempty"`
	SampleRate  float64           `json:"sampleRate,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Workspace:         filepath.Join(ConfigDir(), "workspace"),
			Model:             DefaultModel,
			MaxTokens:         DefaultMaxTokens,
			MaxToolIterations: DefaultMaxToolIterations,
			Mode:              DefaultMode,
		},
		Approval: ApprovalConfig{Channel: ApprovalTerminal},
		Tools: ToolsConfig{
			ShellTimeout: DefaultShellTimeout,
			HTTPTimeout:  DefaultHTTPTimeout,
			MaxOutput:    DefaultMaxOutput,
		},
		Memory: MemoryConfig{Limit: DefaultMemoryLimit},
		Cron: CronConfig{
			DriftSweep: DefaultDriftSweep,
			Verify:     DefaultVerifySchedule,
		},
		Telemetry: TelemetryConfig{ServiceName: DefaultServiceName, SampleRate: 1},
	}
}

// ConfigDir is $CLAWGATE_HOME, or ~/.clawgate.
func ConfigDir() string {
	if dir := os.Getenv("CLAWGATE_HOME"); dir != "" {
		return dir
	}
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".clawgate")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// LoadConfig reads the default config file.
func LoadConfig() (*Config, error) {
	return Load(ConfigPath())
}

// Load reads path (a missing file means defaults), applies environment
// overrides and the YAML profile, then fills remaining blanks.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)

	if cfg.Profile != "" {
		p, err := LoadProfile(expandHome(cfg.Profile))
		if err != nil {
			return nil, err
		}
		p.apply(cfg)
	}

	defaults := DefaultConfig()
	if cfg.Agent.Workspace == "" {
		cfg.Agent.Workspace = defaults.Agent.Workspace
	}
	cfg.Agent.Workspace = expandHome(cfg.Agent.Workspace)
	if cfg.Agent.Model == "" {
		cfg.Agent.Model = DefaultModel
	}
	if cfg.Agent.MaxTokens <= 0 {
		cfg.Agent.MaxTokens = DefaultMaxTokens
	}
	if cfg.Agent.MaxToolIterations <= 0 {
		cfg.Agent.MaxToolIterations = DefaultMaxToolIterations
	}
	if cfg.Agent.Mode == "" {
		cfg.Agent.Mode = DefaultMode
	}
	if cfg.Approval.Channel == "" {
		cfg.Approval.Channel = ApprovalTerminal
	}
	if cfg.Memory.Limit <= 0 {
		cfg.Memory.Limit = DefaultMemoryLimit
	}
	if cfg.Cron.DriftSweep == "" {
		cfg.Cron.DriftSweep = DefaultDriftSweep
	}
	if cfg.Cron.Verify == "" {
		cfg.Cron.Verify = DefaultVerifySchedule
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if key := os.Getenv("CLAWGATE_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if url := os.Getenv("CLAWGATE_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if url := os.Getenv("ANTHROPIC_BASE_URL"); url != "" && cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = url
	}
	if model := os.Getenv("CLAWGATE_MODEL"); model != "" {
		cfg.Agent.Model = model
	}
	if mode := os.Getenv("CLAWGATE_MODE"); mode != "" {
		cfg.Agent.Mode = mode
	}
	if ws := os.Getenv("CLAWGATE_WORKSPACE"); ws != "" {
		cfg.Agent.Workspace = ws
	}
	if profile := os.Getenv("CLAWGATE_PROFILE"); profile != "" {
		cfg.Profile = profile
	}
	if ch := os.Getenv("CLAWGATE_APPROVAL"); ch != "" {
		cfg.Approval.Channel = ch
	}
	if token := os.Getenv("CLAWGATE_TELEGRAM_TOKEN"); token != "" {
		cfg.Approval.Telegram.Token = token
	}
	if chat := os.Getenv("CLAWGATE_TELEGRAM_CHAT_ID"); chat != "" {
		if id, err := strconv.ParseInt(chat, 10, 64); err == nil {
			cfg.Approval.Telegram.ChatID = id
		}
	}
	if enabled := os.Getenv("CLAWGATE_MEMORY_ENABLED"); enabled != "" {
		if parsed, err := strconv.ParseBool(enabled); err == nil {
			cfg.Memory.Enabled = parsed
		}
	}
	if dbPath := os.Getenv("CLAWGATE_MEMORY_DB_PATH"); dbPath != "" {
		cfg.Memory.DBPath = dbPath
	}
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		cfg.Telemetry.Enabled = true
		cfg.Telemetry.Endpoint = endpoint
	}
}

// Validate rejects values the session could not start with.
func (c *Config) Validate() error {
	if _, err := gate.ParseMode(c.Agent.Mode); err != nil {
		return fmt.Errorf("config: agent.mode: %w", err)
	}
	switch c.Provider.Type {
	case "", ProviderAnthropic:
	case ProviderScript:
		if c.Provider.Script == "" {
			return fmt.Errorf("config: provider.script is required for the script provider")
		}
	default:
		return fmt.Errorf("config: unknown provider type %q", c.Provider.Type)
	}
	switch c.Approval.Channel {
	case ApprovalTerminal, ApprovalPolicy, ApprovalWebUI:
	case ApprovalTelegram:
		if c.Approval.Telegram.Token == "" || c.Approval.Telegram.ChatID == 0 {
			return fmt.Errorf("config: telegram approvals need approval.telegram.token and chatId")
		}
	default:
		return fmt.Errorf("config: unknown approval channel %q", c.Approval.Channel)
	}
	if c.Approval.TimeoutSeconds < 0 {
		return fmt.Errorf("config: approval.timeoutSeconds must not be negative")
	}
	return nil
}

// Mode is the parsed initial approval mode.
func (c *Config) Mode() gate.Mode {
	m, _ := gate.ParseMode(c.Agent.Mode)
	return m
}

// SandboxConfig is the sandbox profile with the workspace as the default root.
func (c *Config) SandboxConfig() sandbox.Config {
	sc := c.Sandbox
	if len(sc.Roots) == 0 {
		sc.Roots = []string{c.Agent.Workspace}
	}
	return sc
}

func (c *Config) ApprovalTimeout() time.Duration {
	return time.Duration(c.Approval.TimeoutSeconds) * time.Second
}

func (c *Config) LogDir() string {
	if c.Log.Dir != "" {
		return expandHome(c.Log.Dir)
	}
	return filepath.Join(ConfigDir(), "sessions")
}

func (c *Config) SkillsDir() string {
	if c.Agent.SkillsDir != "" {
		return expandHome(c.Agent.SkillsDir)
	}
	return filepath.Join(c.Agent.Workspace, "skills")
}

func (c *Config) MemoryDBPath() string {
	if c.Memory.DBPath != "" {
		return expandHome(c.Memory.DBPath)
	}
	return filepath.Join(ConfigDir(), "memory.db")
}

// SaveConfig writes cfg to the default path with owner-only permissions,
// since it may hold API keys.
func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0o600)
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home := os.Getenv("HOME")
		if home == "" {
			home, _ = os.UserHomeDir()
		}
		return filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	return p
}
