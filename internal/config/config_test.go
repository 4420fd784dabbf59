package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
store:
  path: /tmp/panicfixd.db
budgets:
  reproducer_ms: 600000
  fixer_ms: 900000
git:
  repo_slug: sqlite/sqlite
ipc_port: 4848
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxParallelPanics != 2 {
		t.Errorf("max_parallel_panics = %d, want default 2", cfg.MaxParallelPanics)
	}
	if cfg.AgentCLI != "claude" {
		t.Errorf("agent_cli = %q, want default claude", cfg.AgentCLI)
	}
	if cfg.Git.DefaultBase != "main" {
		t.Errorf("default_base = %q, want main", cfg.Git.DefaultBase)
	}
}

func TestLoadRejectsMissingStorePath(t *testing.T) {
	path := writeConfig(t, `
git:
  repo_slug: sqlite/sqlite
ipc_port: 4848
budgets:
  reproducer_ms: 1000
  fixer_ms: 1000
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for missing store.path")
	}
}

func TestLoadRejectsBadIPCPort(t *testing.T) {
	path := writeConfig(t, `
store:
  path: /tmp/x.db
git:
  repo_slug: sqlite/sqlite
ipc_port: 70000
budgets:
  reproducer_ms: 1000
  fixer_ms: 1000
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for out-of-range ipc_port")
	}
}

func TestLoadRejectsOversizedBudget(t *testing.T) {
	path := writeConfig(t, `
store:
  path: /tmp/x.db
git:
  repo_slug: sqlite/sqlite
ipc_port: 4848
budgets:
  reproducer_ms: 3600001000
  fixer_ms: 1000
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for oversized reproducer budget")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
