package config

import (
	"path/filepath"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		AgentBinary:       "claude",
		KillGraceSeconds:  5,
		CreateConcurrency: 4,
		CommitPrefix:      "checkpoint: ",
		LogLevel:          "info",
		DataDir:           "/tmp/drover-test",
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults are valid", func(c *Config) {}, false},
		{"zero concurrency", func(c *Config) { c.CreateConcurrency = 0 }, true},
		{"negative grace", func(c *Config) { c.KillGraceSeconds = -1 }, true},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, true},
		{"project without path", func(c *Config) {
			c.Projects = map[string]Project{"app": {}}
		}, true},
		{"project with bad commit mode", func(c *Config) {
			c.Projects = map[string]Project{"app": {Path: "/repo", CommitMode: "yolo"}}
		}, true},
		{"project with valid commit mode", func(c *Config) {
			c.Projects = map[string]Project{"app": {Path: "/repo", CommitMode: "structured"}}
		}, false},
		{"project with empty commit mode", func(c *Config) {
			c.Projects = map[string]Project{"app": {Path: "/repo"}}
		}, false},
		{"project with bad permission mode", func(c *Config) {
			c.Projects = map[string]Project{"app": {Path: "/repo", DefaultPermissionMode: "plan"}}
		}, true},
		{"project with ignore permission mode", func(c *Config) {
			c.Projects = map[string]Project{"app": {Path: "/repo", DefaultPermissionMode: "ignore"}}
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestKillGrace(t *testing.T) {
	cfg := validConfig()
	if cfg.KillGrace() != 5*time.Second {
		t.Errorf("got %v", cfg.KillGrace())
	}

	cfg.KillGraceSeconds = 0
	if cfg.KillGrace() != DefaultKillGraceSeconds*time.Second {
		t.Errorf("zero should fall back to default, got %v", cfg.KillGrace())
	}
}

func TestDatabasePath(t *testing.T) {
	cfg := validConfig()
	want := filepath.Join("/tmp/drover-test", "drover.db")
	if got := cfg.DatabasePath(); got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestProjectByPath(t *testing.T) {
	cfg := validConfig()
	cfg.Projects = map[string]Project{
		"app": {Path: "/home/dev/app"},
	}

	name, _, ok := cfg.ProjectByPath("/home/dev/app")
	if !ok || name != "app" {
		t.Errorf("exact match failed: %s %v", name, ok)
	}

	name, _, ok = cfg.ProjectByPath("/home/dev/app/internal/pkg")
	if !ok || name != "app" {
		t.Errorf("subdirectory match failed: %s %v", name, ok)
	}

	if _, _, ok := cfg.ProjectByPath("/home/dev/apple"); ok {
		t.Error("sibling directory with shared prefix must not match")
	}

	if _, _, ok := cfg.ProjectByPath("/elsewhere"); ok {
		t.Error("unrelated directory must not match")
	}
}
