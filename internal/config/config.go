// Package config loads and validates the engine configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a yaml-friendly time.Duration: accepts "30s" style strings
// or a bare integer number of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var secs int
	if err := value.Decode(&secs); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration value: %w", err)
	}
	td, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(td)
	return nil
}

// Std returns the underlying time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// StorageConfig selects the task store backend.
type StorageConfig struct {
	Driver string `yaml:"driver"` // "memory" or "sqlite"
	Path   string `yaml:"path"`   // sqlite file path
}

// EngineConfig tunes the engine core.
type EngineConfig struct {
	QueueSize         int      `yaml:"queue_size"`
	DelegationTimeout Duration `yaml:"delegation_timeout"` // 0 disables expiry
}

// SupervisorConfig configures the cross-project coordinator.
type SupervisorConfig struct {
	Agent        string   `yaml:"agent"`
	PollInterval Duration `yaml:"poll_interval"` // 0 selects blocking waits
}

// InteractiveConfig configures the websocket channel.
type InteractiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// TelegramConfig configures the Telegram channel.
type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Token    string `yaml:"token"`
	Scope    string `yaml:"scope"` // project inbound messages are routed to
	LongPoll bool   `yaml:"long_poll"`
}

// SlackConfig configures the Slack channel (outbound only).
type SlackConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
}

// ChannelsConfig groups the requester channels.
type ChannelsConfig struct {
	Interactive InteractiveConfig `yaml:"interactive"`
	Telegram    TelegramConfig    `yaml:"telegram"`
	Slack       SlackConfig       `yaml:"slack"`
}

// AgentConfig describes one agent in a project.
type AgentConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// ProjectConfig describes one project scope and its agents.
type ProjectConfig struct {
	ID        string        `yaml:"id"`
	Name      string        `yaml:"name"`
	Autostart bool          `yaml:"autostart"`
	Agents    []AgentConfig `yaml:"agents"`
}

// Config is the full configuration file.
type Config struct {
	Storage    StorageConfig    `yaml:"storage"`
	Engine     EngineConfig     `yaml:"engine"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Projects   []ProjectConfig  `yaml:"projects"`
}

// reservedScope is the scope id projects may not claim.
const reservedScope = "supervisor"

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{Driver: "memory"},
		Engine: EngineConfig{
			QueueSize:         256,
			DelegationTimeout: Duration(5 * time.Minute),
		},
		Supervisor: SupervisorConfig{Agent: "supervisor"},
		Channels: ChannelsConfig{
			Interactive: InteractiveConfig{Enabled: true, Addr: ":8420"},
		},
	}
}

// Load reads, parses and validates the config file. Missing fields keep
// their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// applyEnv overrides secrets from the environment so tokens can stay out
// of the config file.
func (c *Config) applyEnv() {
	if v := os.Getenv("INDIEBIZOS_TELEGRAM_TOKEN"); v != "" {
		c.Channels.Telegram.Token = v
	}
	if v := os.Getenv("INDIEBIZOS_SLACK_TOKEN"); v != "" {
		c.Channels.Slack.Token = v
	}
}

// Validate checks invariants that would otherwise surface as runtime
// failures deep in the engine.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory":
	case "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage: sqlite driver requires a path")
		}
	default:
		return fmt.Errorf("storage: unknown driver %q", c.Storage.Driver)
	}

	if c.Channels.Telegram.Enabled {
		if c.Channels.Telegram.Token == "" {
			return fmt.Errorf("channels.telegram: enabled without a token")
		}
		if c.Channels.Telegram.LongPoll && c.Channels.Telegram.Scope == "" {
			return fmt.Errorf("channels.telegram: long_poll requires a scope")
		}
	}
	if c.Channels.Slack.Enabled && c.Channels.Slack.Token == "" {
		return fmt.Errorf("channels.slack: enabled without a token")
	}

	seen := make(map[string]bool, len(c.Projects))
	for i, p := range c.Projects {
		if p.ID == "" {
			return fmt.Errorf("projects[%d]: id is required", i)
		}
		if p.ID == reservedScope {
			return fmt.Errorf("projects[%d]: scope id %q is reserved", i, reservedScope)
		}
		if seen[p.ID] {
			return fmt.Errorf("projects[%d]: duplicate scope id %q", i, p.ID)
		}
		seen[p.ID] = true
		if len(p.Agents) == 0 {
			return fmt.Errorf("project %s: at least one agent is required", p.ID)
		}
		names := make(map[string]bool, len(p.Agents))
		for j, a := range p.Agents {
			if a.Name == "" {
				return fmt.Errorf("project %s: agents[%d] has no name", p.ID, j)
			}
			if names[a.Name] {
				return fmt.Errorf("project %s: duplicate agent %q", p.ID, a.Name)
			}
			names[a.Name] = true
		}
	}

	if c.Channels.Telegram.Enabled && c.Channels.Telegram.LongPoll && !seen[c.Channels.Telegram.Scope] {
		return fmt.Errorf("channels.telegram: scope %q is not a configured project", c.Channels.Telegram.Scope)
	}
	return nil
}
