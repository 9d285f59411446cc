// Package config handles configuration loading for the orchestrator. It
// supports XDG config paths, project-level overrides, and environment
// variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/ampherd/ampherd/internal/logging"
)

// Config holds all configuration for the orchestrator.
type Config struct {
	Agent AgentConfig    `mapstructure:"agent"`
	Git   GitConfig      `mapstructure:"git"`
	Store StoreConfig    `mapstructure:"store"`
	Log   logging.Config `mapstructure:"log"`
	Bus   BusConfig      `mapstructure:"bus"`
	Batch BatchConfig    `mapstructure:"batch"`
	Merge MergeConfig    `mapstructure:"merge"`
}

// AgentConfig holds agent CLI settings.
type AgentConfig struct {
	// Bin is the agent executable. AMP_BIN overrides.
	Bin string `mapstructure:"bin"`
	// Args is a shell-quoted string of extra arguments. AMP_ARGS overrides.
	Args string `mapstructure:"args"`
	// JSONL enables the agent's JSON-logs flag. AMP_ENABLE_JSONL overrides.
	JSONL bool `mapstructure:"jsonl"`
	// AuthCmd is run once per process to obtain a token. AMP_AUTH_CMD overrides.
	AuthCmd string `mapstructure:"auth_cmd"`
	// Token is the agent auth token. AMP_TOKEN overrides. Never logged.
	Token string `mapstructure:"token"`
	// TimeoutMin bounds one iteration's wall time in minutes.
	TimeoutMin int `mapstructure:"timeout_min"`
}

// GitConfig holds git subprocess settings.
type GitConfig struct {
	// Path overrides the git binary. GIT_PATH overrides.
	Path string `mapstructure:"path"`
	// TimeoutSec bounds one git call's wall time in seconds.
	TimeoutSec int `mapstructure:"timeout_sec"`
}

// StoreConfig holds persistence settings.
type StoreConfig struct {
	// Path is the SQLite database file. AMPHERD_DB_PATH overrides.
	Path string `mapstructure:"path"`
	// RetentionDays bounds stream-event age; older rows are pruned at open.
	RetentionDays int `mapstructure:"retention_days"`
}

// BusConfig holds event bus settings.
type BusConfig struct {
	// QueueSize bounds each subscriber queue; full queues block publishers.
	QueueSize int `mapstructure:"queue_size"`
}

// BatchConfig holds batch scheduler settings.
type BatchConfig struct {
	// DefaultConcurrency applies when a plan omits concurrency.
	DefaultConcurrency int `mapstructure:"default_concurrency"`
}

// MergeConfig holds merge engine settings.
type MergeConfig struct {
	// LockRetryMax bounds index.lock contention retries.
	LockRetryMax int `mapstructure:"lock_retry_max"`
}

// Load loads configuration with the following precedence, highest first:
// environment variables, project config (.ampherd.yaml in the current
// directory or a parent), user config ($XDG_CONFIG_HOME/ampherd/config.yaml),
// built-in defaults.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	bindEnv(v)

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Agent.Token = os.ExpandEnv(cfg.Agent.Token)
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	bindEnv(v)

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Agent.Token = os.ExpandEnv(cfg.Agent.Token)
	return cfg, nil
}

// bindEnv maps the documented environment variables onto config keys.
func bindEnv(v *viper.Viper) {
	v.BindEnv("agent.bin", "AMP_BIN")
	v.BindEnv("agent.args", "AMP_ARGS")
	v.BindEnv("agent.jsonl", "AMP_ENABLE_JSONL")
	v.BindEnv("agent.auth_cmd", "AMP_AUTH_CMD")
	v.BindEnv("agent.token", "AMP_TOKEN")
	v.BindEnv("git.path", "GIT_PATH")
	v.BindEnv("store.path", "AMPHERD_DB_PATH")
}

// setDefaults configures built-in default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("agent.bin", "amp")
	v.SetDefault("agent.args", "")
	v.SetDefault("agent.jsonl", false)
	v.SetDefault("agent.auth_cmd", "")
	v.SetDefault("agent.token", "")
	v.SetDefault("agent.timeout_min", 30)

	v.SetDefault("git.path", "")
	v.SetDefault("git.timeout_sec", 30)

	v.SetDefault("store.path", defaultStorePath())
	v.SetDefault("store.retention_days", 30)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.path", "stderr")

	v.SetDefault("bus.queue_size", 1024)
	v.SetDefault("batch.default_concurrency", 2)
	v.SetDefault("merge.lock_retry_max", 5)
}

// Redacted returns a copy safe for echoing: secret values are masked.
func (c *Config) Redacted() Config {
	out := *c
	out.Agent.Token = logging.Redact(c.Agent.Token)
	return out
}

// GetUserConfigPath returns the path of the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// DataDir returns the directory holding the database and NDJSON run logs.
func DataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "ampherd")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".ampherd")
	}
	return filepath.Join(home, ".local", "share", "ampherd")
}

func defaultStorePath() string {
	return filepath.Join(DataDir(), "ampherd.db")
}

// getUserConfigDir returns the XDG config directory for the orchestrator.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "ampherd")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "ampherd")
	}
	return filepath.Join(home, ".config", "ampherd")
}

// findProjectConfig searches for .ampherd.yaml in the current directory and
// parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".ampherd.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// Default returns a Config with built-in default values.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Bin:        "amp",
			TimeoutMin: 30,
		},
		Git: GitConfig{
			TimeoutSec: 30,
		},
		Store: StoreConfig{
			Path:          defaultStorePath(),
			RetentionDays: 30,
		},
		Log: logging.Config{
			Level:  "info",
			Format: "console",
			Path:   "stderr",
		},
		Bus:   BusConfig{QueueSize: 1024},
		Batch: BatchConfig{DefaultConcurrency: 2},
		Merge: MergeConfig{LockRetryMax: 5},
	}
}
