package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "ollama", cfg.LLM.DefaultProvider)
	assert.Equal(t, 0.6, cfg.Memory.PromotionThreshold)
	assert.False(t, cfg.Approval.AutoApproveMedium, "medium-risk auto-approve should be off by default")
	assert.Equal(t, 60*time.Second, cfg.Approval.Timeout)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.NotEmpty(t, cfg.LLM.Providers)

	ollamaProvider, exists := cfg.LLM.Providers["ollama"]
	require.True(t, exists, "ollama provider should exist")
	assert.Equal(t, "http://127.0.0.1:11434", ollamaProvider.Endpoint)
}

func TestLoadFromPath(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, ".codepilot", "config.yaml")

	// Loading a missing file creates it with defaults
	cfg, err := LoadFromPath(configPath)
	require.NoError(t, err)

	_, err = os.Stat(configPath)
	assert.NoError(t, err, "config file should have been created")
	assert.Equal(t, "ollama", cfg.LLM.DefaultProvider)

	cfg2, err := LoadFromPath(configPath)
	require.NoError(t, err)
	assert.Equal(t, cfg.LLM.DefaultProvider, cfg2.LLM.DefaultProvider, "values should survive reload")
}

func TestSaveToPath(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, ".codepilot", "config.yaml")

	cfg := Default()
	cfg.LLM.DefaultProvider = "openai"
	cfg.Approval.AutoApproveMedium = true

	require.NoError(t, cfg.SaveToPath(configPath))

	loaded, err := LoadFromPath(configPath)
	require.NoError(t, err)
	assert.Equal(t, "openai", loaded.LLM.DefaultProvider)
	assert.True(t, loaded.Approval.AutoApproveMedium)
}

func TestEnsureDirectories(t *testing.T) {
	tempDir := t.TempDir()

	cfg := &Config{
		Memory: MemoryConfig{
			DBPath: filepath.Join(tempDir, ".codepilot", "data", "memory.db"),
		},
		Logging: LoggingConfig{
			File: filepath.Join(tempDir, ".codepilot", "logs", "codepilot.log"),
		},
	}

	require.NoError(t, cfg.EnsureDirectories())

	for _, dir := range []string{
		filepath.Join(tempDir, ".codepilot", "data"),
		filepath.Join(tempDir, ".codepilot", "logs"),
	} {
		assert.DirExists(t, dir)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "empty default provider",
			mutate: func(c *Config) {
				c.LLM.DefaultProvider = ""
			},
			wantErr: true,
		},
		{
			name: "default provider not in map",
			mutate: func(c *Config) {
				c.LLM.DefaultProvider = "nonexistent"
			},
			wantErr: true,
		},
		{
			name: "fallback provider not in map",
			mutate: func(c *Config) {
				c.LLM.FallbackOrder = []string{"ollama", "missing"}
			},
			wantErr: true,
		},
		{
			name: "promotion threshold out of range",
			mutate: func(c *Config) {
				c.Memory.PromotionThreshold = 1.5
			},
			wantErr: true,
		},
		{
			name: "learned rule threshold out of range",
			mutate: func(c *Config) {
				c.Approval.LearnedRuleThreshold = -0.1
			},
			wantErr: true,
		},
		{
			name: "zero approval timeout",
			mutate: func(c *Config) {
				c.Approval.Timeout = 0
			},
			wantErr: true,
		},
		{
			name: "zero reasoning depth",
			mutate: func(c *Config) {
				c.Agent.MaxReasoningDepth = 0
			},
			wantErr: true,
		},
		{
			name: "invalid log level",
			mutate: func(c *Config) {
				c.Logging.Level = "invalid"
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestExpandPath(t *testing.T) {
	homeDir, _ := os.UserHomeDir()

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "path with tilde",
			input:    "~/.codepilot/config.yaml",
			expected: filepath.Join(homeDir, ".codepilot", "config.yaml"),
		},
		{
			name:     "absolute path",
			input:    "/usr/local/bin/codepilot",
			expected: "/usr/local/bin/codepilot",
		},
		{
			name:     "relative path",
			input:    "./config.yaml",
			expected: "./config.yaml",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, expandPath(tt.input))
		})
	}
}

func TestConfigSerialization(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.yaml")

	original := Default()
	original.LLM.DefaultProvider = "anthropic"
	original.LLM.Providers["anthropic"] = ProviderConfig{
		APIKey: "test-key-123",
		Model:  "claude-3-opus-20240229",
	}
	original.Arbiter.Cooldown = 45 * time.Second
	original.Memory.SessionCapacity = 64
	original.Approval.LearnedRuleThreshold = 0.9
	original.Logging.Level = "debug"

	require.NoError(t, original.SaveToPath(configPath))

	loaded, err := LoadFromPath(configPath)
	require.NoError(t, err)

	assert.Equal(t, "anthropic", loaded.LLM.DefaultProvider)
	assert.Equal(t, "test-key-123", loaded.LLM.Providers["anthropic"].APIKey)
	assert.Equal(t, 45*time.Second, loaded.Arbiter.Cooldown)
	assert.Equal(t, 64, loaded.Memory.SessionCapacity)
	assert.Equal(t, 0.9, loaded.Approval.LearnedRuleThreshold)
	assert.Equal(t, "debug", loaded.Logging.Level)
}
