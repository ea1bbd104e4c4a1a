// Package config loads the bot's YAML configuration, applies environment
// overrides, and validates the result. Credentials are env-first so the YAML
// file can be committed without secrets.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all moltbot configuration.
type Config struct {
	Moltbook MoltbookConfig `yaml:"moltbook"`
	Gemini   GeminiConfig   `yaml:"gemini"`
	Storage  StorageConfig  `yaml:"storage"`
	Queue    QueueConfig    `yaml:"queue"`
	Limits   LimitsConfig   `yaml:"limits"`
	Tasks    TasksConfig    `yaml:"tasks"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// MoltbookConfig configures the forum API client.
type MoltbookConfig struct {
	BaseURL    string `yaml:"base_url"`
	APIKey     string `yaml:"api_key"`
	Submolt    string `yaml:"submolt"`
	MaxRetries int    `yaml:"max_retries"`
}

// GeminiConfig configures the language model.
type GeminiConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// StorageConfig locates the persistent files.
type StorageConfig struct {
	StatePath   string `yaml:"state_path"`
	ArchivePath string `yaml:"archive_path"`
	SkillsDir   string `yaml:"skills_dir"`
}

// QueueConfig configures the outbound comment queue.
type QueueConfig struct {
	MaxDaily      int           `yaml:"max_daily"`
	DrainInterval time.Duration `yaml:"drain_interval"`
}

// LimitsConfig holds the self-imposed politeness limits.
type LimitsConfig struct {
	PostCooldown    time.Duration `yaml:"post_cooldown"`
	MaxDailyFollows int           `yaml:"max_daily_follows"`
	FollowThreshold int           `yaml:"follow_threshold"`
}

// TaskInterval is one task's jitter window.
type TaskInterval struct {
	Min time.Duration `yaml:"min"`
	Max time.Duration `yaml:"max"`
}

// TasksConfig holds the per-task scheduling windows.
type TasksConfig struct {
	Feed      TaskInterval `yaml:"feed"`
	Replies   TaskInterval `yaml:"replies"`
	Post      TaskInterval `yaml:"post"`
	Follows   TaskInterval `yaml:"follows"`
	Skills    TaskInterval `yaml:"skills"`
	Heartbeat TaskInterval `yaml:"heartbeat"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Verbose bool   `yaml:"verbose"`
	File    string `yaml:"file"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Moltbook: MoltbookConfig{
			BaseURL:    "https://www.moltbook.com/api/v1",
			Submolt:    "general",
			MaxRetries: 3,
		},
		Gemini: GeminiConfig{
			Model: "gemini-2.5-flash",
		},
		Storage: StorageConfig{
			StatePath:   ".moltbot/state.json",
			ArchivePath: ".moltbot/actions.db",
			SkillsDir:   ".moltbot/skills",
		},
		Queue: QueueConfig{
			MaxDaily:      45,
			DrainInterval: 90 * time.Second,
		},
		Limits: LimitsConfig{
			PostCooldown:    30 * time.Minute,
			MaxDailyFollows: 5,
			FollowThreshold: 5,
		},
		Tasks: TasksConfig{
			Feed:      TaskInterval{Min: 8 * time.Minute, Max: 14 * time.Minute},
			Replies:   TaskInterval{Min: 6 * time.Minute, Max: 12 * time.Minute},
			Post:      TaskInterval{Min: 40 * time.Minute, Max: 80 * time.Minute},
			Follows:   TaskInterval{Min: 2 * time.Hour, Max: 4 * time.Hour},
			Skills:    TaskInterval{Min: 6 * time.Hour, Max: 10 * time.Hour},
			Heartbeat: TaskInterval{Min: 5 * time.Minute, Max: 5 * time.Minute},
		},
		Logging: LoggingConfig{},
	}
}

// Load reads the config file at path, layered over the defaults, then applies
// environment overrides. A missing file is not an error; a malformed one is.
func Load(path string) (*Config, error) {
	cfg, err := LoadLocal(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.validateCredentials(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadLocal loads and validates the config without requiring API credentials.
// Read-only subcommands that only touch local files use this.
func LoadLocal(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Defaults plus env is a valid setup.
		case err != nil:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides layers environment variables over the file. Env always
// wins so deployments can rotate credentials without touching the file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("MOLTBOOK_API_KEY"); v != "" {
		c.Moltbook.APIKey = v
	}
	if v := os.Getenv("MOLTBOOK_BASE_URL"); v != "" {
		c.Moltbook.BaseURL = v
	}
	if v := os.Getenv("MOLTBOT_SUBMOLT"); v != "" {
		c.Moltbook.Submolt = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.Gemini.APIKey = v
	}
	if v := os.Getenv("GEMINI_MODEL"); v != "" {
		c.Gemini.Model = v
	}
	if v := os.Getenv("MOLTBOT_STATE_PATH"); v != "" {
		c.Storage.StatePath = v
	}
	if v := os.Getenv("MOLTBOT_MAX_DAILY_COMMENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Queue.MaxDaily = n
		}
	}
	if v := os.Getenv("MOLTBOT_VERBOSE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Logging.Verbose = b
		}
	}
}

// validateCredentials rejects configurations missing the API keys the bot
// needs to talk to the outside world.
func (c *Config) validateCredentials() error {
	if c.Moltbook.APIKey == "" {
		return fmt.Errorf("config: moltbook api key missing (set MOLTBOOK_API_KEY or moltbook.api_key)")
	}
	if c.Gemini.APIKey == "" {
		return fmt.Errorf("config: gemini api key missing (set GEMINI_API_KEY or gemini.api_key)")
	}
	return nil
}

// Validate rejects structurally broken configurations. Credential checks are
// separate so local-only commands can load without keys.
func (c *Config) Validate() error {
	if c.Queue.MaxDaily <= 0 {
		return fmt.Errorf("config: queue.max_daily must be positive, got %d", c.Queue.MaxDaily)
	}
	if c.Queue.DrainInterval <= 0 {
		return fmt.Errorf("config: queue.drain_interval must be positive")
	}
	for name, iv := range map[string]TaskInterval{
		"feed":      c.Tasks.Feed,
		"replies":   c.Tasks.Replies,
		"post":      c.Tasks.Post,
		"follows":   c.Tasks.Follows,
		"skills":    c.Tasks.Skills,
		"heartbeat": c.Tasks.Heartbeat,
	} {
		if iv.Min <= 0 || iv.Max < iv.Min {
			return fmt.Errorf("config: tasks.%s interval [%v, %v] is invalid", name, iv.Min, iv.Max)
		}
	}
	return nil
}
