package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "indiebizos.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
storage:
  driver: sqlite
  path: /tmp/tasks.db
engine:
  queue_size: 64
  delegation_timeout: 45s
supervisor:
  agent: overseer
  poll_interval: 30
channels:
  interactive:
    enabled: true
    addr: ":9000"
  telegram:
    enabled: true
    token: "123:abc"
    scope: research
    long_poll: true
projects:
  - id: research
    name: Research Team
    autostart: true
    agents:
      - name: lead
        description: coordinates the team
      - name: analyst
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.Path != "/tmp/tasks.db" {
		t.Errorf("storage: %+v", cfg.Storage)
	}
	if cfg.Engine.QueueSize != 64 {
		t.Errorf("queue_size = %d", cfg.Engine.QueueSize)
	}
	if cfg.Engine.DelegationTimeout.Std() != 45*time.Second {
		t.Errorf("delegation_timeout = %v", cfg.Engine.DelegationTimeout.Std())
	}
	// Bare integers are seconds.
	if cfg.Supervisor.PollInterval.Std() != 30*time.Second {
		t.Errorf("poll_interval = %v", cfg.Supervisor.PollInterval.Std())
	}
	if cfg.Supervisor.Agent != "overseer" {
		t.Errorf("supervisor agent = %q", cfg.Supervisor.Agent)
	}
	if len(cfg.Projects) != 1 || len(cfg.Projects[0].Agents) != 2 {
		t.Fatalf("projects: %+v", cfg.Projects)
	}
	if !cfg.Projects[0].Autostart || cfg.Projects[0].Agents[0].Description == "" {
		t.Errorf("project fields: %+v", cfg.Projects[0])
	}
}

func TestLoadKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `
projects:
  - id: solo
    agents:
      - name: only
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Storage.Driver != "memory" {
		t.Errorf("default driver = %q", cfg.Storage.Driver)
	}
	if cfg.Engine.QueueSize != 256 {
		t.Errorf("default queue size = %d", cfg.Engine.QueueSize)
	}
	if cfg.Supervisor.Agent != "supervisor" {
		t.Errorf("default supervisor agent = %q", cfg.Supervisor.Agent)
	}
	if !cfg.Channels.Interactive.Enabled {
		t.Error("interactive channel should default to enabled")
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{
			"reserved scope",
			"projects:\n  - id: supervisor\n    agents:\n      - name: a\n",
			"reserved",
		},
		{
			"duplicate scope",
			"projects:\n  - id: p\n    agents:\n      - name: a\n  - id: p\n    agents:\n      - name: b\n",
			"duplicate scope",
		},
		{
			"duplicate agent",
			"projects:\n  - id: p\n    agents:\n      - name: a\n      - name: a\n",
			"duplicate agent",
		},
		{
			"project without agents",
			"projects:\n  - id: p\n",
			"at least one agent",
		},
		{
			"sqlite without path",
			"storage:\n  driver: sqlite\n",
			"requires a path",
		},
		{
			"unknown driver",
			"storage:\n  driver: postgres\n",
			"unknown driver",
		},
		{
			"telegram without token",
			"channels:\n  telegram:\n    enabled: true\n",
			"without a token",
		},
		{
			"telegram unknown scope",
			"channels:\n  telegram:\n    enabled: true\n    token: t\n    long_poll: true\n    scope: ghost\n",
			"not a configured project",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("want error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestDurationRejectsGarbage(t *testing.T) {
	_, err := Load(writeConfig(t, "engine:\n  delegation_timeout: soon\n"))
	if err == nil {
		t.Fatal("bad duration should fail")
	}
}
