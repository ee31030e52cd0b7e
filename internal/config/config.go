// Package config loads and validates the gateway configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for the gateway.
type Config struct {
	// MaxIterations caps tool-loop turns per user message.
	MaxIterations int `yaml:"maxIterations"`

	// MaxHistoryTurns is the history trim target; 0 = unlimited.
	MaxHistoryTurns int `yaml:"maxHistoryTurns"`

	// MaxConcurrentSessions bounds sessions processed at once.
	MaxConcurrentSessions int `yaml:"maxConcurrentSessions"`

	// SessionTimeoutMinutes controls idle session eviction.
	SessionTimeoutMinutes int `yaml:"sessionTimeoutMinutes"`

	// GracefulShutdownSeconds is the drain window on shutdown.
	GracefulShutdownSeconds int `yaml:"gracefulShutdownSeconds"`

	// SessionTokenBudget short-circuits sessions past this combined token
	// count; 0 = unlimited.
	SessionTokenBudget int64 `yaml:"sessionTokenBudget"`

	// SessionRateLimitPerMinute throttles senders; 0 = disabled.
	SessionRateLimitPerMinute int `yaml:"sessionRateLimitPerMinute"`

	SystemPrompt string `yaml:"systemPrompt"`

	LLM        LLMConfig        `yaml:"llm"`
	Tooling    ToolingConfig    `yaml:"tooling"`
	Memory     MemoryConfig     `yaml:"memory"`
	Delegation DelegationConfig `yaml:"delegation"`
	Storage    StorageConfig    `yaml:"storage"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// LLMConfig tunes the provider and the resilience layer.
type LLMConfig struct {
	Provider                      string  `yaml:"provider"`
	Model                         string  `yaml:"model"`
	APIKey                        string  `yaml:"apiKey"`
	BaseURL                       string  `yaml:"baseUrl"`
	TimeoutSeconds                int     `yaml:"timeoutSeconds"`
	RetryCount                    int     `yaml:"retryCount"`
	CircuitBreakerThreshold       int     `yaml:"circuitBreakerThreshold"`
	CircuitBreakerCooldownSeconds int     `yaml:"circuitBreakerCooldownSeconds"`
	Temperature                   float64 `yaml:"temperature"`
	MaxTokens                     int     `yaml:"maxTokens"`
}

// ToolingConfig tunes tool dispatch policy.
type ToolingConfig struct {
	ParallelToolExecution bool     `yaml:"parallelToolExecution"`
	RequireToolApproval   bool     `yaml:"requireToolApproval"`
	ApprovalRequiredTools []string `yaml:"approvalRequiredTools"`
	ToolTimeoutSeconds    int      `yaml:"toolTimeoutSeconds"`
}

// MemoryConfig tunes history compaction and note recall.
type MemoryConfig struct {
	EnableCompaction     bool `yaml:"enableCompaction"`
	CompactionThreshold  int  `yaml:"compactionThreshold"`
	CompactionKeepRecent int  `yaml:"compactionKeepRecent"`
	EnableRecall         bool `yaml:"enableRecall"`
	RecallMaxNotes       int  `yaml:"recallMaxNotes"`
}

// DelegationConfig enables child agents.
type DelegationConfig struct {
	Enabled  bool                       `yaml:"enabled"`
	MaxDepth int                        `yaml:"maxDepth"`
	Profiles map[string]DelegateProfile `yaml:"profiles"`
}

// DelegateProfile scopes one child agent persona.
type DelegateProfile struct {
	SystemPrompt    string   `yaml:"systemPrompt"`
	AllowedTools    []string `yaml:"allowedTools"`
	MaxHistoryTurns int      `yaml:"maxHistoryTurns"`
	MaxIterations   int      `yaml:"maxIterations"`
}

// StorageConfig locates the persistence layer.
type StorageConfig struct {
	// BaseDir holds the sessions/, notes/, and branches/ subdirectories.
	BaseDir string `yaml:"baseDir"`

	// NoteIndexPath is the sqlite note index location; empty disables
	// full-text search.
	NoteIndexPath string `yaml:"noteIndexPath"`
}

// LoggingConfig tunes structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig exposes the Prometheus endpoint.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listenAddr"`
}

// Load reads, expands, and validates the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = 10
	}
	if cfg.MaxHistoryTurns == 0 {
		cfg.MaxHistoryTurns = 50
	}
	if cfg.MaxConcurrentSessions == 0 {
		cfg.MaxConcurrentSessions = 32
	}
	if cfg.SessionTimeoutMinutes == 0 {
		cfg.SessionTimeoutMinutes = 30
	}
	if cfg.GracefulShutdownSeconds == 0 {
		cfg.GracefulShutdownSeconds = 15
	}

	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "anthropic"
	}
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = apiKeyFromEnv(cfg.LLM.Provider)
	}
	if cfg.LLM.TimeoutSeconds == 0 {
		cfg.LLM.TimeoutSeconds = 60
	}
	if cfg.LLM.RetryCount == 0 {
		cfg.LLM.RetryCount = 2
	}
	if cfg.LLM.CircuitBreakerThreshold == 0 {
		cfg.LLM.CircuitBreakerThreshold = 5
	}
	if cfg.LLM.CircuitBreakerCooldownSeconds == 0 {
		cfg.LLM.CircuitBreakerCooldownSeconds = 30
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 4096
	}

	if cfg.Tooling.ToolTimeoutSeconds == 0 {
		cfg.Tooling.ToolTimeoutSeconds = 60
	}

	if cfg.Memory.CompactionThreshold == 0 {
		cfg.Memory.CompactionThreshold = 60
	}
	if cfg.Memory.CompactionKeepRecent == 0 {
		cfg.Memory.CompactionKeepRecent = 20
	}
	if cfg.Memory.RecallMaxNotes == 0 {
		cfg.Memory.RecallMaxNotes = 5
	}

	if cfg.Delegation.MaxDepth == 0 {
		cfg.Delegation.MaxDepth = 2
	}

	if cfg.Storage.BaseDir == "" {
		cfg.Storage.BaseDir = "data"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = ":9090"
	}
}

func apiKeyFromEnv(provider string) string {
	switch provider {
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	default:
		return os.Getenv("ANTHROPIC_API_KEY")
	}
}

// Validate rejects configurations the gateway cannot run with.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("config: unknown llm provider %q", c.LLM.Provider)
	}
	if c.MaxIterations < 1 {
		return fmt.Errorf("config: maxIterations must be at least 1")
	}
	if c.MaxConcurrentSessions < 1 {
		return fmt.Errorf("config: maxConcurrentSessions must be at least 1")
	}
	if c.LLM.RetryCount < 0 {
		return fmt.Errorf("config: llm.retryCount must not be negative")
	}
	if c.LLM.CircuitBreakerThreshold < 1 {
		return fmt.Errorf("config: llm.circuitBreakerThreshold must be at least 1")
	}
	if c.SessionTokenBudget < 0 {
		return fmt.Errorf("config: sessionTokenBudget must not be negative")
	}
	if c.SessionRateLimitPerMinute < 0 {
		return fmt.Errorf("config: sessionRateLimitPerMinute must not be negative")
	}
	if c.Memory.EnableCompaction && c.Memory.CompactionKeepRecent >= c.Memory.CompactionThreshold {
		return fmt.Errorf("config: memory.compactionKeepRecent must be below memory.compactionThreshold")
	}
	if c.Delegation.Enabled && len(c.Delegation.Profiles) == 0 {
		return fmt.Errorf("config: delegation.enabled requires at least one profile")
	}
	for name, profile := range c.Delegation.Profiles {
		if profile.MaxIterations < 0 || profile.MaxHistoryTurns < 0 {
			return fmt.Errorf("config: delegation profile %q has negative limits", name)
		}
	}
	return nil
}

// Duration helpers for the second/minute-denominated options.

func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutMinutes) * time.Minute
}

func (c *Config) GracefulShutdown() time.Duration {
	return time.Duration(c.GracefulShutdownSeconds) * time.Second
}

func (c *LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c *LLMConfig) CircuitBreakerCooldown() time.Duration {
	return time.Duration(c.CircuitBreakerCooldownSeconds) * time.Second
}

func (c *ToolingConfig) ToolTimeout() time.Duration {
	return time.Duration(c.ToolTimeoutSeconds) * time.Second
}
