// Package config loads the settings shared by the supervisor and worker
// scheduler binaries: CLI flags, a YAML file, and environment variable
// overrides, in that order of increasing precedence.
package config

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/basket/orchestrator/internal/otel"
	"gopkg.in/yaml.v3"
)

// ModelDef describes one reasoning-service model tier option.
type ModelDef struct {
	ID   string
	Desc string
}

// BuiltinModels maps provider IDs to their known model tiers. Used by the
// doctor checks and the TUI model selector; the reasoning-service
// abstraction (internal/brain) treats ModelTier as an opaque string.
var BuiltinModels = map[string][]ModelDef{
	"google": {
		{"gemini-3-pro-preview", "Most capable, advanced reasoning"},
		{"gemini-3-flash-preview", "Balanced speed and intelligence"},
		{"gemini-2.5-flash", "Fast, cost-effective"},
	},
	"anthropic": {
		{"claude-opus-4-6", "Most capable"},
		{"claude-sonnet-4-5-20250929", "Balanced performance"},
		{"claude-haiku-4-5-20251001", "Fast, cost-effective"},
	},
	"openai": {
		{"o3", "Advanced reasoning"},
		{"gpt-4o-mini", "Fast, cost-effective"},
	},
}

// ProviderConfig holds per-provider reasoning-service settings.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// ReasoningConfig selects and configures the reasoning-service provider
// used by the decomposition driver, agent sessions, and notification
// dispatcher (all via internal/brain).
type ReasoningConfig struct {
	// Provider names the active provider: "google", "anthropic", "openai".
	Provider string `yaml:"provider"`
	// DefaultModelTier is used when a task or decomposition result does
	// not request a specific tier.
	DefaultModelTier string                    `yaml:"default_model_tier"`
	Providers        map[string]ProviderConfig `yaml:"providers"`
}

// APIKey returns the reasoning-service API key for provider, preferring
// the well-known environment variable over the YAML file.
func (r ReasoningConfig) APIKey(provider string) string {
	envMap := map[string]string{
		"google":    "GEMINI_API_KEY",
		"anthropic": "ANTHROPIC_API_KEY",
		"openai":    "OPENAI_API_KEY",
	}
	if envVar, ok := envMap[provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if r.Providers != nil {
		if p, ok := r.Providers[provider]; ok {
			return p.APIKey
		}
	}
	return ""
}

// TelegramConfig configures the chat relay channel adapter.
type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

// Config is the fully resolved configuration shared by both binaries.
type Config struct {
	HomeDir string `yaml:"-"`

	// StorePath is the shared SQLite store file path (env: ORCH_STORE_PATH).
	StorePath string `yaml:"store_path"`
	// WorkspacesDir is the parent of each worker's workspace directory.
	WorkspacesDir string `yaml:"workspaces_dir"`
	// LogDir receives system.jsonl and per-worker log files.
	LogDir string `yaml:"log_dir"`
	// PidDir receives per-worker pid files.
	PidDir string `yaml:"pid_dir"`
	// SkillDir is scanned for the skill manifest and watched for changes.
	SkillDir string `yaml:"skill_dir"`
	// PolicyPath points at the YAML file gating HTTP domains, filesystem
	// paths, and task capability ids (env: ORCH_POLICY_PATH). A missing file
	// resolves to policy.Default(), which denies every capability.
	PolicyPath string `yaml:"policy_path"`

	LogLevel string `yaml:"log_level"`

	Reasoning ReasoningConfig `yaml:"reasoning"`
	Telegram  TelegramConfig  `yaml:"telegram"`

	// MaxAgentsPerWorker bounds concurrently spawned agent sessions per
	// worker scheduler (default 5).
	MaxAgentsPerWorker int `yaml:"max_agents_per_worker"`
	// AgentTimeoutMS bounds a single agent session (default 600000).
	AgentTimeoutMS int64 `yaml:"agent_timeout_ms"`
	// PollIntervalMS is the worker scheduler's scan cadence (default 2000).
	PollIntervalMS int64 `yaml:"poll_interval_ms"`
	// SupervisorScanIntervalMS is the supervisor's scan cadence (default 3s).
	SupervisorScanIntervalMS int64 `yaml:"supervisor_scan_interval_ms"`
	// BudgetCapUSD caps a worker's accumulated cost; 0 means unbounded.
	BudgetCapUSD float64 `yaml:"budget_cap_usd"`
	// MaxTaskDepth bounds the task tree depth, root included (default 3).
	MaxTaskDepth int `yaml:"max_task_depth"`
	// ConsecutiveErrorLimit moves a worker scheduler to the error state
	// after this many consecutive agent-session failures (default 3).
	ConsecutiveErrorLimit int `yaml:"consecutive_error_limit"`
	// WorkerStaleAfterSeconds is the supervisor's child-reconciliation
	// staleness threshold (default ~30s).
	WorkerStaleAfterSeconds int `yaml:"worker_stale_after_seconds"`
	// SkillSyncIntervalSeconds is the supervisor's capability/skill
	// manifest sync cadence (default ~60s).
	SkillSyncIntervalSeconds int `yaml:"skill_sync_interval_seconds"`

	// UseTmux spawns workers inside a named tmux session instead of a
	// bare detached process, when tmux is available.
	UseTmux bool `yaml:"use_tmux"`

	// Loop bounds a single agent session's reasoning turns, distinct from
	// BudgetCapUSD which bounds the worker's whole accumulated spend.
	Loop LoopConfig `yaml:"loop"`

	// Otel configures the tracing/metrics provider wrapping the scheduler
	// and supervisor scan loops. Disabled by default; the ambient logging
	// stack (internal/telemetry) is what's always on.
	Otel otel.Config `yaml:"otel"`

	NeedsGenesis bool `yaml:"-"`
}

// LoopConfig bounds one agent session's bounded reasoning loop: how many
// turns it may take, how many tokens it may spend, how long it may run
// before the scheduler reclaims the task, and how often its progress is
// checkpointed so a worker restart can resume mid-session instead of
// re-running the whole task from scratch.
type LoopConfig struct {
	// Enabled gates whether an agent session runs the bounded multi-step
	// loop at all; when false the scheduler issues a single Brain.Respond
	// call per task attempt instead.
	Enabled            bool   `yaml:"enabled"`
	MaxSteps           int    `yaml:"max_steps"`
	MaxTokens          int    `yaml:"max_tokens"`
	MaxDuration        string `yaml:"max_duration"`
	CheckpointInterval int    `yaml:"checkpoint_interval"`
	TerminationKeyword string `yaml:"termination_keyword"`
}

// CLIArgs holds the flags shared by cmd/worker and cmd/supervisor.
// Supervisor ignores Prompt/ChatID; worker requires Name, and Prompt only
// on first run of a given worker name.
type CLIArgs struct {
	Name    string
	Prompt  string
	ChatID  string
	Doctor  bool
	Backup  string
}

// ParseCLIArgs parses the flags shared across both binaries from args
// (normally os.Args[1:]).
func ParseCLIArgs(fs *flag.FlagSet, args []string) (CLIArgs, error) {
	var a CLIArgs
	fs.StringVar(&a.Name, "name", "", "worker name")
	fs.StringVar(&a.Prompt, "prompt", "", "root task prompt (first run only)")
	fs.StringVar(&a.ChatID, "chat-id", "", "chat channel handle to notify")
	fs.BoolVar(&a.Doctor, "doctor", false, "run environment diagnostics and exit")
	fs.StringVar(&a.Backup, "backup", "", "write a consistent store snapshot to this path and exit")
	err := fs.Parse(args)
	return a, err
}

// APIKey returns the value for the named API key, checking env overrides
// first, for non-reasoning integrations (currently only telegram reads
// this path directly via TELEGRAM_TOKEN in applyEnvOverrides).
func (c Config) APIKey(name string) string {
	return os.Getenv(strings.ToUpper(name) + "_API_KEY")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active configuration, logged
// once at startup so operators can correlate behavior changes with
// config changes across worker/supervisor restarts.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "store=%s|poll=%d|agents=%d|timeout=%d|budget=%.2f|depth=%d|tier=%s",
		c.StorePath, c.PollIntervalMS, c.MaxAgentsPerWorker, c.AgentTimeoutMS,
		c.BudgetCapUSD, c.MaxTaskDepth, c.Reasoning.DefaultModelTier)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig(homeDir string) Config {
	return Config{
		HomeDir:                  homeDir,
		StorePath:                filepath.Join(homeDir, "store.db"),
		WorkspacesDir:            filepath.Join(homeDir, "workspaces"),
		LogDir:                   filepath.Join(homeDir, "logs"),
		PidDir:                   filepath.Join(homeDir, "pids"),
		SkillDir:                 filepath.Join(homeDir, "skills"),
		PolicyPath:               filepath.Join(homeDir, "policy.yaml"),
		LogLevel:                 "info",
		MaxAgentsPerWorker:       5,
		AgentTimeoutMS:           int64((10 * time.Minute).Milliseconds()),
		PollIntervalMS:           2000,
		SupervisorScanIntervalMS: 3000,
		BudgetCapUSD:             0,
		MaxTaskDepth:             3,
		ConsecutiveErrorLimit:    3,
		WorkerStaleAfterSeconds:  30,
		SkillSyncIntervalSeconds: 60,
		Reasoning: ReasoningConfig{
			Provider:         "anthropic",
			DefaultModelTier: "claude-sonnet-4-5-20250929",
		},
	}
}

// HomeDir resolves the orchestrator's home directory (ORCH_HOME, default
// ~/.orchestrator).
func HomeDir() string {
	if override := os.Getenv("ORCH_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".orchestrator")
}

// Load resolves Config from config.yaml (if present) and environment
// variable overrides, creating HomeDir and its subdirectories if missing.
func Load() (Config, error) {
	homeDir := HomeDir()
	cfg := defaultConfig(homeDir)

	for _, dir := range []string{cfg.HomeDir, cfg.WorkspacesDir, cfg.LogDir, cfg.PidDir, cfg.SkillDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return cfg, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
		cfg.HomeDir = homeDir
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.PollIntervalMS <= 0 {
		cfg.PollIntervalMS = 2000
	}
	if cfg.SupervisorScanIntervalMS <= 0 {
		cfg.SupervisorScanIntervalMS = 3000
	}
	if cfg.MaxAgentsPerWorker <= 0 {
		cfg.MaxAgentsPerWorker = 5
	}
	if cfg.AgentTimeoutMS <= 0 {
		cfg.AgentTimeoutMS = int64((10 * time.Minute).Milliseconds())
	}
	if cfg.MaxTaskDepth <= 0 {
		cfg.MaxTaskDepth = 3
	}
	if cfg.ConsecutiveErrorLimit <= 0 {
		cfg.ConsecutiveErrorLimit = 3
	}
	if cfg.WorkerStaleAfterSeconds <= 0 {
		cfg.WorkerStaleAfterSeconds = 30
	}
	if cfg.SkillSyncIntervalSeconds <= 0 {
		cfg.SkillSyncIntervalSeconds = 60
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Reasoning.Provider == "" {
		cfg.Reasoning.Provider = "anthropic"
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("ORCH_STORE_PATH"); raw != "" {
		cfg.StorePath = raw
	}
	if raw := os.Getenv("ORCH_WORKSPACES_DIR"); raw != "" {
		cfg.WorkspacesDir = raw
	}
	if raw := os.Getenv("ORCH_LOG_DIR"); raw != "" {
		cfg.LogDir = raw
	}
	if raw := os.Getenv("ORCH_PID_DIR"); raw != "" {
		cfg.PidDir = raw
	}
	if raw := os.Getenv("ORCH_SKILL_DIR"); raw != "" {
		cfg.SkillDir = raw
	}
	if raw := os.Getenv("ORCH_POLICY_PATH"); raw != "" {
		cfg.PolicyPath = raw
	}
	if raw := os.Getenv("ORCH_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("ORCH_DEFAULT_MODEL_TIER"); raw != "" {
		cfg.Reasoning.DefaultModelTier = raw
	}
	if raw := os.Getenv("ORCH_REASONING_PROVIDER"); raw != "" {
		cfg.Reasoning.Provider = raw
	}
	if raw := os.Getenv("ORCH_MAX_AGENTS_PER_WORKER"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxAgentsPerWorker = v
		}
	}
	if raw := os.Getenv("ORCH_AGENT_TIMEOUT_MS"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.AgentTimeoutMS = v
		}
	}
	if raw := os.Getenv("ORCH_POLL_INTERVAL_MS"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.PollIntervalMS = v
		}
	}
	if raw := os.Getenv("ORCH_BUDGET_CAP_USD"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			cfg.BudgetCapUSD = v
		}
	}
	if raw := os.Getenv("ORCH_MAX_TASK_DEPTH"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxTaskDepth = v
		}
	}
	if raw := os.Getenv("GEMINI_API_KEY"); raw != "" && cfg.Reasoning.Providers == nil {
		cfg.Reasoning.Providers = map[string]ProviderConfig{"google": {APIKey: raw}}
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Telegram.Token = raw
	}
	if raw := os.Getenv("ORCH_ALLOWED_CHAT_IDS"); raw != "" {
		cfg.Telegram.AllowedIDs = parseInt64List(raw)
	}
}

func parseInt64List(raw string) []int64 {
	var out []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if v, err := strconv.ParseInt(part, 10, 64); err == nil {
			out = append(out, v)
		}
	}
	return out
}
