// Package config loads the per-project foreman configuration from
// .foreman/config.yaml. Values here are project defaults; workflows and
// workspaces can override the PR cycle settings at a finer scope.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a foreman project.
type Config struct {
	Version int `yaml:"version"`

	// Daemon settings.
	PreferredPort int `yaml:"preferred_port,omitempty"` // 0 = pick a free port

	// Scheduling defaults, overridable per workflow.
	MaxParallelTasks int     `yaml:"max_parallel_tasks,omitempty"`
	MaxRetries       int     `yaml:"max_retries,omitempty"`
	MaxTurns         int     `yaml:"max_turns,omitempty"`
	MaxBudgetUSD     float64 `yaml:"max_budget_usd,omitempty"`

	// External agent invocation.
	Agent Agent `yaml:"agent"`

	// PR cycle defaults.
	PRCycle PRCycle `yaml:"pr_cycle"`
}

// Agent describes how to spawn the external coding agent.
type Agent struct {
	Cmd        string   `yaml:"cmd"`                   // e.g. "claude"
	Args       []string `yaml:"args,omitempty"`        // extra args before the prompt
	Model      string   `yaml:"model,omitempty"`       // model name passed through
	Permission string   `yaml:"permission,omitempty"`  // permission mode flag value
	TimeoutSec int      `yaml:"timeout_sec,omitempty"` // 0 = default 1800
}

// PRCycle holds the post-completion pull request lifecycle settings.
type PRCycle struct {
	Mode              string `yaml:"mode,omitempty"`           // off, hitl, auto, dry_run
	MergeStrategy     string `yaml:"merge_strategy,omitempty"` // squash, merge, rebase
	ReviewGate        *bool  `yaml:"review_gate,omitempty"`    // nil = enabled
	CIPollIntervalSec int    `yaml:"ci_poll_interval_sec,omitempty"`
	CITimeoutSec      int    `yaml:"ci_timeout_sec,omitempty"`
}

// DefaultTimeout returns the effective per-process timeout in seconds.
func (a Agent) DefaultTimeout() int {
	if a.TimeoutSec > 0 {
		return a.TimeoutSec
	}
	return 1800
}

// ReviewGateEnabled reports whether a negative review blocks merging.
func (p PRCycle) ReviewGateEnabled() bool {
	return p.ReviewGate == nil || *p.ReviewGate
}

// Dir is the project metadata directory name.
const Dir = ".foreman"

// Path returns a path inside the project's .foreman directory.
func Path(root string, parts ...string) string {
	return filepath.Join(append([]string{root, Dir}, parts...)...)
}

// Load reads and validates the config file at the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the config to the given path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// Default returns a starter config.
func Default() *Config {
	cfg := &Config{
		Version: 1,
		Agent:   Agent{Cmd: "claude"},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.MaxParallelTasks < 1 {
		c.MaxParallelTasks = 2
	}
	if c.MaxRetries < 1 {
		c.MaxRetries = 2
	}
	if c.MaxTurns < 1 {
		c.MaxTurns = 50
	}
	if c.PRCycle.Mode == "" {
		c.PRCycle.Mode = "off"
	}
	if c.PRCycle.MergeStrategy == "" {
		c.PRCycle.MergeStrategy = "squash"
	}
	if c.PRCycle.CIPollIntervalSec < 1 {
		c.PRCycle.CIPollIntervalSec = 30
	}
	if c.PRCycle.CITimeoutSec < 1 {
		c.PRCycle.CITimeoutSec = 1800
	}
}

func (c *Config) validate() error {
	if c.Agent.Cmd == "" {
		return fmt.Errorf("agent.cmd is required")
	}
	switch c.PRCycle.Mode {
	case "off", "hitl", "auto", "dry_run":
	default:
		return fmt.Errorf("pr_cycle.mode must be off, hitl, auto, or dry_run, got %q", c.PRCycle.Mode)
	}
	switch c.PRCycle.MergeStrategy {
	case "squash", "merge", "rebase":
	default:
		return fmt.Errorf("pr_cycle.merge_strategy must be squash, merge, or rebase, got %q", c.PRCycle.MergeStrategy)
	}
	return nil
}
