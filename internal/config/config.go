// Package config loads runtime configuration: built-in defaults, then a
// TOML file, then environment variables (env wins).
package config

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	LLM      LLMConfig      `toml:"llm"`
	Runtime  RuntimeConfig  `toml:"runtime"`
	Context  ContextConfig  `toml:"context"`
	Retry    RetryConfig    `toml:"retry"`
	Subagent SubagentConfig `toml:"subagent"`
	Store    StoreConfig    `toml:"store"`
	Observer ObserverConfig `toml:"observer"`
}

type LLMConfig struct {
	Provider      string `toml:"provider"`
	Model         string `toml:"model"`
	APIKey        string `toml:"api_key"`
	BaseURL       string `toml:"base_url"`
	ThinkingLevel string `toml:"thinking_level"`
}

type RuntimeConfig struct {
	WorkspaceDir        string `toml:"workspace_dir"`
	MaxConcurrent       int    `toml:"max_concurrent"`
	LaneWarnWait        int    `toml:"lane_warn_wait_ms"`
	EnableOrchestration bool   `toml:"enable_orchestration"`
}

type ContextConfig struct {
	Mode                 string `toml:"mode"`
	MaxChars             int    `toml:"max_chars"`
	MaxTokens            int    `toml:"max_tokens"`
	CompactTriggerChars  int    `toml:"compact_trigger_chars"`
	CompactTriggerTokens int    `toml:"compact_trigger_tokens"`
	KeepLastMessages     int    `toml:"keep_last_messages"`
	CompactKeepTail      int    `toml:"compact_keep_tail"`
}

type RetryConfig struct {
	MaxRetries  int     `toml:"max_retries"`
	BaseSeconds float64 `toml:"base_seconds"`
}

type SubagentConfig struct {
	MaxDepth           int  `toml:"max_depth"`
	MaxWorkers         int  `toml:"max_workers"`
	RunTimeoutSeconds  int  `toml:"run_timeout_seconds"`
	AnnounceCompletion bool `toml:"announce_completion"`
	EventBuffer        int  `toml:"event_buffer"`
}

type StoreConfig struct {
	Backend     string `toml:"backend"` // "jsonl", "sqlite", "postgres"
	SessionsDir string `toml:"sessions_dir"`
	SQLitePath  string `toml:"sqlite_path"`
	PostgresURL string `toml:"postgres_url"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		LLM:     LLMConfig{Provider: "openai"},
		Runtime: RuntimeConfig{WorkspaceDir: ".", MaxConcurrent: 4, LaneWarnWait: 1200, EnableOrchestration: true},
		Context: ContextConfig{
			Mode:                 "chars",
			MaxChars:             24_000,
			MaxTokens:            24_000,
			CompactTriggerChars:  36_000,
			CompactTriggerTokens: 36_000,
			KeepLastMessages:     30,
			CompactKeepTail:      16,
		},
		Retry:    RetryConfig{MaxRetries: 2, BaseSeconds: 1.0},
		Subagent: SubagentConfig{MaxDepth: 2, MaxWorkers: 2, EventBuffer: 256},
		Store:    StoreConfig{Backend: "jsonl", SessionsDir: "sessions"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "agentspine.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	envStr("AGENT_PROVIDER", &cfg.LLM.Provider)
	envStr("AGENT_MODEL", &cfg.LLM.Model)
	envStr("AGENT_THINKING_LEVEL", &cfg.LLM.ThinkingLevel)
	envStr("AGENT_WORKSPACE_DIR", &cfg.Runtime.WorkspaceDir)
	envInt("AGENT_MAX_CONCURRENT", &cfg.Runtime.MaxConcurrent)
	envInt("AGENT_LANE_WARN_WAIT_MS", &cfg.Runtime.LaneWarnWait)
	envBool("AGENT_ENABLE_ORCHESTRATION", &cfg.Runtime.EnableOrchestration)

	envStr("AGENT_CONTEXT_MODE", &cfg.Context.Mode)
	envInt("AGENT_MAX_CHARS", &cfg.Context.MaxChars)
	envInt("AGENT_MAX_TOKENS", &cfg.Context.MaxTokens)
	envInt("AGENT_COMPACT_TRIGGER_CHARS", &cfg.Context.CompactTriggerChars)
	envInt("AGENT_COMPACT_TRIGGER_TOKENS", &cfg.Context.CompactTriggerTokens)
	envInt("AGENT_KEEP_LAST_MESSAGES", &cfg.Context.KeepLastMessages)
	envInt("AGENT_COMPACT_KEEP_TAIL", &cfg.Context.CompactKeepTail)

	envInt("AGENT_MAX_RETRIES", &cfg.Retry.MaxRetries)
	envFloat("AGENT_RETRY_BASE_SECONDS", &cfg.Retry.BaseSeconds)

	envInt("AGENT_SUBAGENT_MAX_DEPTH", &cfg.Subagent.MaxDepth)
	envInt("AGENT_SUBAGENT_MAX_WORKERS", &cfg.Subagent.MaxWorkers)
	envInt("AGENT_SUBAGENT_RUN_TIMEOUT_SECONDS", &cfg.Subagent.RunTimeoutSeconds)
	envBool("AGENT_SUBAGENT_ANNOUNCE_COMPLETION", &cfg.Subagent.AnnounceCompletion)
	envInt("AGENT_SUBAGENT_EVENT_BUFFER", &cfg.Subagent.EventBuffer)

	envStr("AGENT_STORE_BACKEND", &cfg.Store.Backend)
	envStr("AGENT_SESSIONS_DIR", &cfg.Store.SessionsDir)
	envStr("AGENT_SQLITE_PATH", &cfg.Store.SQLitePath)
	envStr("AGENT_POSTGRES_URL", &cfg.Store.PostgresURL)

	envBool("AGENT_OBSERVER_ENABLED", &cfg.Observer.Enabled)

	clampContext(&cfg.Context)

	// API keys and base URLs follow provider conventions. The
	// provider-specific model env fills in only when nothing more
	// specific set a model already.
	switch cfg.LLM.Provider {
	case "anthropic":
		envStr("ANTHROPIC_API_KEY", &cfg.LLM.APIKey)
		envStr("ANTHROPIC_BASE_URL", &cfg.LLM.BaseURL)
		if cfg.LLM.Model == "" {
			envStr("ANTHROPIC_MODEL", &cfg.LLM.Model)
		}
	default:
		envStr("OPENAI_API_KEY", &cfg.LLM.APIKey)
		envStr("OPENAI_BASE_URL", &cfg.LLM.BaseURL)
		if cfg.LLM.Model == "" {
			envStr("OPENAI_MODEL", &cfg.LLM.Model)
		}
	}

	return cfg
}

// clampContext floors file- and env-sourced context values so a typo
// cannot starve the loop of context. Code constructing a context config
// directly is not clamped; these floors apply only at the load boundary.
func clampContext(c *ContextConfig) {
	d := Default().Context
	if c.MaxChars < 1000 {
		c.MaxChars = d.MaxChars
	}
	if c.MaxTokens < 500 {
		c.MaxTokens = d.MaxTokens
	}
	if c.CompactTriggerChars < c.MaxChars {
		c.CompactTriggerChars = max(c.MaxChars, d.CompactTriggerChars)
	}
	if c.CompactTriggerTokens < c.MaxTokens {
		c.CompactTriggerTokens = max(c.MaxTokens, d.CompactTriggerTokens)
	}
	if c.KeepLastMessages < 5 {
		c.KeepLastMessages = d.KeepLastMessages
	}
	if c.CompactKeepTail < 4 {
		c.CompactKeepTail = d.CompactKeepTail
	}
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	switch os.Getenv(key) {
	case "true", "1", "yes":
		*dst = true
	case "false", "0", "no":
		*dst = false
	}
}
