// Package config provides centralized configuration management using Viper.
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

// Default values applied when no config file or environment override exists.
const (
	DefaultAgentBinary       = "claude"
	DefaultKillGraceSeconds  = 5
	DefaultCreateConcurrency = 4
	DefaultCommitPrefix      = "checkpoint: "
	DefaultWorktreeDirName   = ".drover-worktrees"
)

// Project holds per-repository settings.
type Project struct {
	// Path is the absolute path to the repository root.
	Path string `mapstructure:"path" yaml:"path"`
	// MainBranch overrides main-branch detection when set.
	MainBranch string `mapstructure:"main_branch" yaml:"main_branch,omitempty"`
	// Scripts maps script names to shell command lines runnable in a session.
	Scripts map[string]string `mapstructure:"scripts" yaml:"scripts,omitempty"`
	// DefaultPermissionMode seeds new sessions: "approve" or "ignore".
	DefaultPermissionMode string `mapstructure:"default_permission_mode" yaml:"default_permission_mode,omitempty"`
	// CommitMode seeds new sessions: "checkpoint", "structured", or "disabled".
	CommitMode string `mapstructure:"commit_mode" yaml:"commit_mode,omitempty"`
	// FinalizeCommands run in the worktree after a session's final squash
	// commit, e.g. changelog generation. A failing command aborts the
	// finalize.
	FinalizeCommands []string `mapstructure:"finalize_commands" yaml:"finalize_commands,omitempty"`
}

// Config holds all configuration values for drover.
type Config struct {
	// AgentBinary is the agent CLI executable name or path.
	AgentBinary string `mapstructure:"agent_binary" yaml:"agent_binary"`
	// AgentModel is passed to the agent CLI when set.
	AgentModel string `mapstructure:"agent_model" yaml:"agent_model,omitempty"`
	// KillGraceSeconds is how long process-tree termination waits between
	// the polite phase and the forced phase.
	KillGraceSeconds int `mapstructure:"kill_grace_seconds" yaml:"kill_grace_seconds"`
	// CreateConcurrency bounds how many session creation jobs run at once.
	CreateConcurrency int `mapstructure:"create_concurrency" yaml:"create_concurrency"`
	// CommitPrefix is prepended to checkpoint commit messages.
	CommitPrefix string `mapstructure:"commit_prefix" yaml:"commit_prefix"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
	// DataDir holds the sqlite database and other persistent state.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
	// Projects maps project names to their settings.
	Projects map[string]Project `mapstructure:"projects" yaml:"projects,omitempty"`
}

// KillGrace returns the configured grace period as a duration.
func (c *Config) KillGrace() time.Duration {
	if c.KillGraceSeconds <= 0 {
		return DefaultKillGraceSeconds * time.Second
	}
	return time.Duration(c.KillGraceSeconds) * time.Second
}

// DatabasePath returns the sqlite database location under DataDir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "drover.db")
}

// Load loads configuration with precedence:
// ENV vars > project config > global config > defaults
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigName("drover")

	home, _ := os.UserHomeDir()

	v.SetDefault("agent_binary", DefaultAgentBinary)
	v.SetDefault("agent_model", "")
	v.SetDefault("kill_grace_seconds", DefaultKillGraceSeconds)
	v.SetDefault("create_concurrency", DefaultCreateConcurrency)
	v.SetDefault("commit_prefix", DefaultCommitPrefix)
	v.SetDefault("log_level", "info")
	v.SetDefault("data_dir", filepath.Join(home, ".drover"))

	v.SetEnvPrefix("DROVER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for _, key := range []string{
		"agent_binary", "agent_model", "kill_grace_seconds",
		"create_concurrency", "commit_prefix", "log_level", "data_dir",
	} {
		env := "DROVER_" + strings.ToUpper(key)
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("binding %s env: %w", key, err)
		}
	}

	globalPath := GlobalPath()
	if fileExists(globalPath) {
		v.SetConfigFile(globalPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading global config: %w", err)
		}
	}

	projectPath := ProjectPath()
	if fileExists(projectPath) {
		v.SetConfigFile(projectPath)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks config values for consistency.
func (c *Config) Validate() error {
	if c.CreateConcurrency < 1 {
		return fmt.Errorf("create_concurrency must be at least 1, got %d", c.CreateConcurrency)
	}
	if c.KillGraceSeconds < 0 {
		return fmt.Errorf("kill_grace_seconds must not be negative, got %d", c.KillGraceSeconds)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	for name, p := range c.Projects {
		if p.Path == "" {
			return fmt.Errorf("project %q has no path", name)
		}
		switch p.CommitMode {
		case "", "checkpoint", "structured", "disabled":
		default:
			return fmt.Errorf("project %q has unknown commit_mode %q", name, p.CommitMode)
		}
		switch p.DefaultPermissionMode {
		case "", "approve", "ignore":
		default:
			return fmt.Errorf("project %q has unknown default_permission_mode %q", name, p.DefaultPermissionMode)
		}
	}
	return nil
}

// ProjectByPath finds the project whose path contains the given directory.
// Returns the project name, the project, and whether it was found.
func (c *Config) ProjectByPath(dir string) (string, Project, bool) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}
	for name, p := range c.Projects {
		if p.Path == abs || strings.HasPrefix(abs, p.Path+string(filepath.Separator)) {
			return name, p, true
		}
	}
	return "", Project{}, false
}

// Exists returns true if any config file exists (global or project).
func Exists() bool {
	return fileExists(GlobalPath()) || fileExists(ProjectPath())
}

// GlobalPath returns the global config path, ~/.drover/drover.yml.
func GlobalPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".drover", "drover.yml")
}

// ProjectPath returns the project-local config path, ./drover.yml.
func ProjectPath() string {
	return "drover.yml"
}

// WriteGlobal writes the config to the global location.
func WriteGlobal(cfg *Config) error {
	path := GlobalPath()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
