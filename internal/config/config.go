package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration for CodePilot.
// It is loaded from ~/.codepilot/config.yaml and can be overridden by
// environment variables.
type Config struct {
	LLM       LLMConfig       `mapstructure:"llm" yaml:"llm"`
	Arbiter   ArbiterConfig   `mapstructure:"arbiter" yaml:"arbiter"`
	Approval  ApprovalConfig  `mapstructure:"approval" yaml:"approval"`
	Memory    MemoryConfig    `mapstructure:"memory" yaml:"memory"`
	Agent     AgentConfig     `mapstructure:"agent" yaml:"agent"`
	Workspace WorkspaceConfig `mapstructure:"workspace" yaml:"workspace"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

// LLMConfig contains configuration for Language Model providers.
type LLMConfig struct {
	// DefaultProvider specifies which provider to try first (e.g., "ollama", "openai", "anthropic")
	DefaultProvider string `mapstructure:"default_provider" yaml:"default_provider"`
	// FallbackOrder lists providers to try, in order, when the default fails.
	// Providers configured but not listed here are never consulted.
	FallbackOrder []string `mapstructure:"fallback_order" yaml:"fallback_order"`
	// Providers maps provider names to their specific configuration
	Providers map[string]ProviderConfig `mapstructure:"providers" yaml:"providers"`
}

// ProviderConfig contains configuration for a specific LLM provider.
type ProviderConfig struct {
	// Endpoint is the API endpoint URL (primarily used for local providers like Ollama)
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	// APIKey is the authentication key for the provider
	APIKey string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	// Model is the specific model to use with this provider
	Model string `mapstructure:"model" yaml:"model,omitempty"`
	// MaxTokens is the default response limit
	MaxTokens int `mapstructure:"max_tokens" yaml:"max_tokens,omitempty"`
	// Temperature is the default sampling temperature
	Temperature float64 `mapstructure:"temperature" yaml:"temperature,omitempty"`
	// TimeoutSec is the per-request timeout in seconds
	TimeoutSec int `mapstructure:"timeout_sec" yaml:"timeout_sec,omitempty"`
}

// ArbiterConfig controls provider health tracking and retry behavior.
type ArbiterConfig struct {
	// MaxRetries is the number of retry attempts per provider for transient failures
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`
	// InitialBackoff is the starting delay for exponential backoff (e.g., "500ms")
	InitialBackoff time.Duration `mapstructure:"initial_backoff" yaml:"initial_backoff"`
	// MaxBackoff caps the backoff delay between retries
	MaxBackoff time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
	// Cooldown is how long a provider sits out after its failure threshold is crossed
	Cooldown time.Duration `mapstructure:"cooldown" yaml:"cooldown"`
	// FailureWindow is the sliding window over which failures are counted
	FailureWindow time.Duration `mapstructure:"failure_window" yaml:"failure_window"`
	// FailureThreshold is the failure count within the window that triggers cooldown
	FailureThreshold int `mapstructure:"failure_threshold" yaml:"failure_threshold"`
}

// ApprovalConfig controls the tool approval flow.
type ApprovalConfig struct {
	// Timeout is how long an interactive approval prompt waits before
	// the request is treated as denied
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// AutoApproveMedium auto-approves medium-risk operations instead of prompting
	AutoApproveMedium bool `mapstructure:"auto_approve_medium" yaml:"auto_approve_medium"`
	// LearnedRuleThreshold is the confidence required before a learned rule
	// may decide without prompting (0.0-1.0)
	LearnedRuleThreshold float64 `mapstructure:"learned_rule_threshold" yaml:"learned_rule_threshold"`
	// LearnedRuleMinSamples is the minimum number of recorded decisions
	// before a learned rule is eligible at all
	LearnedRuleMinSamples int `mapstructure:"learned_rule_min_samples" yaml:"learned_rule_min_samples"`
}

// MemoryConfig controls the dual-layer memory system.
type MemoryConfig struct {
	// DBPath is the path to the SQLite durable memory database
	DBPath string `mapstructure:"db_path" yaml:"db_path"`
	// SessionCapacity bounds the in-memory session store record count
	SessionCapacity int `mapstructure:"session_capacity" yaml:"session_capacity"`
	// PromotionThreshold is the importance score at or above which session
	// records are mirrored to durable storage (0.0-1.0)
	PromotionThreshold float64 `mapstructure:"promotion_threshold" yaml:"promotion_threshold"`
	// RetentionDays is how long durable records are kept before pruning
	RetentionDays int `mapstructure:"retention_days" yaml:"retention_days"`
	// ContextTopK is how many durable records are merged into reasoning context
	ContextTopK int `mapstructure:"context_top_k" yaml:"context_top_k"`
	// ContextBudget is the rough character budget for assembled context
	ContextBudget int `mapstructure:"context_budget" yaml:"context_budget"`
}

// AgentConfig contains configuration for the orchestration loop.
type AgentConfig struct {
	// MaxReasoningDepth bounds how many times a single turn may re-enter
	// reasoning after integrating tool results
	MaxReasoningDepth int `mapstructure:"max_reasoning_depth" yaml:"max_reasoning_depth"`
	// SystemPrompt overrides the built-in system prompt when non-empty
	SystemPrompt string `mapstructure:"system_prompt" yaml:"system_prompt,omitempty"`
}

// WorkspaceConfig controls the built-in workspace tools.
type WorkspaceConfig struct {
	// Root confines file and git operations to this directory.
	// Empty means the current working directory.
	Root string `mapstructure:"root" yaml:"root,omitempty"`
	// ExecTimeout bounds shell command execution
	ExecTimeout time.Duration `mapstructure:"exec_timeout" yaml:"exec_timeout"`
}

// LoggingConfig contains configuration for application logging.
type LoggingConfig struct {
	// Level is the log level ("debug", "info", "warn", "error")
	Level string `mapstructure:"level" yaml:"level"`
	// File is the path to the log file
	File string `mapstructure:"file" yaml:"file"`
}

// Default returns a Config with sensible default values.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".codepilot")

	return &Config{
		LLM: LLMConfig{
			DefaultProvider: "ollama",
			FallbackOrder:   []string{"ollama", "openai", "anthropic"},
			Providers: map[string]ProviderConfig{
				"ollama": {
					Endpoint: "http://127.0.0.1:11434",
					Model:    "llama3.2",
				},
				"openai": {
					APIKey: "",
					Model:  "gpt-4o-mini",
				},
				"anthropic": {
					APIKey: "",
					Model:  "claude-3-5-sonnet-20241022",
				},
			},
		},
		Arbiter: ArbiterConfig{
			MaxRetries:       2,
			InitialBackoff:   500 * time.Millisecond,
			MaxBackoff:       10 * time.Second,
			Cooldown:         30 * time.Second,
			FailureWindow:    time.Minute,
			FailureThreshold: 3,
		},
		Approval: ApprovalConfig{
			Timeout:               60 * time.Second,
			AutoApproveMedium:     false,
			LearnedRuleThreshold:  0.8,
			LearnedRuleMinSamples: 3,
		},
		Memory: MemoryConfig{
			DBPath:             filepath.Join(dataDir, "memory.db"),
			SessionCapacity:    256,
			PromotionThreshold: 0.6,
			RetentionDays:      90,
			ContextTopK:        5,
			ContextBudget:      8000,
		},
		Agent: AgentConfig{
			MaxReasoningDepth: 5,
		},
		Workspace: WorkspaceConfig{
			Root:        "",
			ExecTimeout: 2 * time.Minute,
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  filepath.Join(dataDir, "logs", "codepilot.log"),
		},
	}
}

// Load reads configuration from the default location (~/.codepilot/config.yaml)
// and merges with environment variables. If no config file exists, it creates
// one with default values.
func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	configPath := filepath.Join(homeDir, ".codepilot", "config.yaml")
	return LoadFromPath(configPath)
}

// LoadFromPath reads configuration from a specific file path and merges with
// environment variables. If the file doesn't exist, it creates one with
// default values.
func LoadFromPath(path string) (*Config, error) {
	path = expandPath(path)

	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		if err := writeConfigFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Enable environment variable overrides
	// Example: CODEPILOT_LLM_PROVIDERS_OPENAI_API_KEY
	v.SetEnvPrefix("CODEPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Memory.DBPath = expandPath(cfg.Memory.DBPath)
	cfg.Logging.File = expandPath(cfg.Logging.File)
	cfg.Workspace.Root = expandPath(cfg.Workspace.Root)

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults fills in zero values left by sparse config files.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Arbiter.MaxRetries == 0 {
		c.Arbiter.MaxRetries = defaults.Arbiter.MaxRetries
	}
	if c.Arbiter.InitialBackoff == 0 {
		c.Arbiter.InitialBackoff = defaults.Arbiter.InitialBackoff
	}
	if c.Arbiter.MaxBackoff == 0 {
		c.Arbiter.MaxBackoff = defaults.Arbiter.MaxBackoff
	}
	if c.Arbiter.Cooldown == 0 {
		c.Arbiter.Cooldown = defaults.Arbiter.Cooldown
	}
	if c.Arbiter.FailureWindow == 0 {
		c.Arbiter.FailureWindow = defaults.Arbiter.FailureWindow
	}
	if c.Arbiter.FailureThreshold == 0 {
		c.Arbiter.FailureThreshold = defaults.Arbiter.FailureThreshold
	}
	if c.Approval.Timeout == 0 {
		c.Approval.Timeout = defaults.Approval.Timeout
	}
	if c.Approval.LearnedRuleThreshold == 0 {
		c.Approval.LearnedRuleThreshold = defaults.Approval.LearnedRuleThreshold
	}
	if c.Approval.LearnedRuleMinSamples == 0 {
		c.Approval.LearnedRuleMinSamples = defaults.Approval.LearnedRuleMinSamples
	}
	if c.Memory.SessionCapacity == 0 {
		c.Memory.SessionCapacity = defaults.Memory.SessionCapacity
	}
	if c.Memory.PromotionThreshold == 0 {
		c.Memory.PromotionThreshold = defaults.Memory.PromotionThreshold
	}
	if c.Memory.RetentionDays == 0 {
		c.Memory.RetentionDays = defaults.Memory.RetentionDays
	}
	if c.Memory.ContextTopK == 0 {
		c.Memory.ContextTopK = defaults.Memory.ContextTopK
	}
	if c.Memory.ContextBudget == 0 {
		c.Memory.ContextBudget = defaults.Memory.ContextBudget
	}
	if c.Agent.MaxReasoningDepth == 0 {
		c.Agent.MaxReasoningDepth = defaults.Agent.MaxReasoningDepth
	}
	if c.Workspace.ExecTimeout == 0 {
		c.Workspace.ExecTimeout = defaults.Workspace.ExecTimeout
	}
}

// Save writes the current configuration to the default config file location.
func (c *Config) Save() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	configPath := filepath.Join(homeDir, ".codepilot", "config.yaml")
	return c.SaveToPath(configPath)
}

// SaveToPath writes the current configuration to a specific file path.
func (c *Config) SaveToPath(path string) error {
	path = expandPath(path)

	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return writeConfigFile(path, c)
}

// GetDataDir returns the CodePilot data directory path (~/.codepilot).
func (c *Config) GetDataDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".codepilot")
}

// EnsureDirectories creates all directories needed at runtime: the data
// directory, the logs directory, and the memory database directory.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.GetDataDir(),
		filepath.Dir(c.Logging.File),
		filepath.Dir(c.Memory.DBPath),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// Validate checks the configuration for common errors and inconsistencies.
func (c *Config) Validate() error {
	if c.LLM.DefaultProvider == "" {
		return fmt.Errorf("llm.default_provider cannot be empty")
	}

	if _, exists := c.LLM.Providers[c.LLM.DefaultProvider]; !exists {
		return fmt.Errorf("default provider '%s' not found in providers map", c.LLM.DefaultProvider)
	}

	for _, name := range c.LLM.FallbackOrder {
		if _, exists := c.LLM.Providers[name]; !exists {
			return fmt.Errorf("fallback provider '%s' not found in providers map", name)
		}
	}

	if c.Memory.PromotionThreshold < 0 || c.Memory.PromotionThreshold > 1 {
		return fmt.Errorf("memory.promotion_threshold must be between 0 and 1")
	}

	if c.Approval.LearnedRuleThreshold < 0 || c.Approval.LearnedRuleThreshold > 1 {
		return fmt.Errorf("approval.learned_rule_threshold must be between 0 and 1")
	}

	if c.Approval.Timeout <= 0 {
		return fmt.Errorf("approval.timeout must be positive")
	}

	if c.Agent.MaxReasoningDepth < 1 {
		return fmt.Errorf("agent.max_reasoning_depth must be at least 1")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}

	return nil
}

// writeConfigFile writes a Config struct to a YAML file.
// Uses gopkg.in/yaml.v3 directly to ensure proper tag-based serialization.
func writeConfigFile(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// expandPath expands ~ to the user's home directory in a path string.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[1:])
	}
	return path
}
