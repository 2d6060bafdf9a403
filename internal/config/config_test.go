package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, "version: 1\nagent:\n  cmd: claude\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.MaxParallelTasks != 2 {
		t.Errorf("max_parallel_tasks default: %d", cfg.MaxParallelTasks)
	}
	if cfg.MaxRetries != 2 {
		t.Errorf("max_retries default: %d", cfg.MaxRetries)
	}
	if cfg.PRCycle.Mode != "off" {
		t.Errorf("pr_cycle.mode default: %q", cfg.PRCycle.Mode)
	}
	if cfg.PRCycle.MergeStrategy != "squash" {
		t.Errorf("merge_strategy default: %q", cfg.PRCycle.MergeStrategy)
	}
	if cfg.PRCycle.CIPollIntervalSec != 30 || cfg.PRCycle.CITimeoutSec != 1800 {
		t.Errorf("ci timing defaults: %d/%d", cfg.PRCycle.CIPollIntervalSec, cfg.PRCycle.CITimeoutSec)
	}
	if !cfg.PRCycle.ReviewGateEnabled() {
		t.Error("review gate should default to enabled")
	}
	if cfg.Agent.DefaultTimeout() != 1800 {
		t.Errorf("agent timeout default: %d", cfg.Agent.DefaultTimeout())
	}
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeConfig(t, `version: 1
preferred_port: 7777
max_parallel_tasks: 4
agent:
  cmd: claude
  args: ["-p"]
  model: opus
  timeout_sec: 60
pr_cycle:
  mode: auto
  merge_strategy: rebase
  review_gate: false
  ci_poll_interval_sec: 5
  ci_timeout_sec: 120
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PreferredPort != 7777 || cfg.MaxParallelTasks != 4 {
		t.Errorf("scalars: %+v", cfg)
	}
	if cfg.Agent.Model != "opus" || cfg.Agent.DefaultTimeout() != 60 {
		t.Errorf("agent: %+v", cfg.Agent)
	}
	if cfg.PRCycle.Mode != "auto" || cfg.PRCycle.MergeStrategy != "rebase" {
		t.Errorf("pr_cycle: %+v", cfg.PRCycle)
	}
	if cfg.PRCycle.ReviewGateEnabled() {
		t.Error("review_gate: false not honored")
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantErr string
	}{
		{"missing agent cmd", "version: 1\n", "agent.cmd"},
		{"bad mode", "agent:\n  cmd: claude\npr_cycle:\n  mode: yolo\n", "pr_cycle.mode"},
		{"bad strategy", "agent:\n  cmd: claude\npr_cycle:\n  merge_strategy: cherry\n", "merge_strategy"},
		{"bad yaml", "agent: [unclosed\n", "parse config"},
	}
	for _, tc := range cases {
		path := writeConfig(t, tc.content)
		_, err := Load(path)
		if err == nil {
			t.Errorf("%s: accepted", tc.name)
			continue
		}
		if !strings.Contains(err.Error(), tc.wantErr) {
			t.Errorf("%s: error %v does not mention %q", tc.name, err, tc.wantErr)
		}
	}
}

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := Default()
	cfg.PreferredPort = 4242
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.PreferredPort != 4242 {
		t.Errorf("preferred_port %d after round trip", got.PreferredPort)
	}
	if got.Agent.Cmd != "claude" {
		t.Errorf("agent.cmd %q after round trip", got.Agent.Cmd)
	}
}

func TestPath(t *testing.T) {
	got := Path("/repo", "worktrees", "wf_1")
	if got != filepath.Join("/repo", Dir, "worktrees", "wf_1") {
		t.Errorf("Path = %q", got)
	}
}
