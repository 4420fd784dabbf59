// Package config loads the orchestrator's single YAML configuration file
// at startup (spec.md §6). Every option is read once; nothing here
// hot-reloads except the prompt file directory watch (see PromptWatcher).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is every external knob the orchestrator exposes (spec.md §6).
type Config struct {
	Store struct {
		Path      string `yaml:"path"`
		AuthToken string `yaml:"auth_token"`
	} `yaml:"store"`

	BaseRepoPath string `yaml:"base_repo_path"`

	MaxParallelPanics int `yaml:"max_parallel_panics"`

	Budgets struct {
		ReproducerMs int `yaml:"reproducer_ms"`
		FixerMs      int `yaml:"fixer_ms"`
		// PlannerMs/ImplementerMs are parsed but not read by any handler or
		// validated: the fixer runs as one agent phase under FixerMs.
		PlannerMs     int `yaml:"planner_ms"`
		ImplementerMs int `yaml:"implementer_ms"`
	} `yaml:"budgets"`

	Git struct {
		HostToken   string   `yaml:"host_token"`
		RepoSlug    string   `yaml:"repo_slug"`
		PRReviewer  string   `yaml:"pr_reviewer"`
		PRLabels    []string `yaml:"pr_labels"`
		DefaultBase string   `yaml:"default_base"`
	} `yaml:"git"`

	IPCPort int `yaml:"ipc_port"`

	DryRun bool `yaml:"dry_run"`

	// PromptDir holds the reproducer/fixer prompt files; watched for
	// changes (not hot-reloaded config, just a live prompt swap).
	PromptDir string `yaml:"prompt_dir"`

	AgentCLI string `yaml:"agent_cli"`

	LogLevel string `yaml:"log_level"`
}

// Load reads and parses the YAML file at path, then validates it.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path) //nolint:gosec // path is an operator-supplied startup argument.
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.MaxParallelPanics == 0 {
		cfg.MaxParallelPanics = 2
	}
	if cfg.AgentCLI == "" {
		cfg.AgentCLI = "claude"
	}
	if cfg.Git.DefaultBase == "" {
		cfg.Git.DefaultBase = "main"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

// Validate checks invariants the loader doesn't already enforce via
// defaults (spec.md §6, §8: "simulator budget rejects values ≤0 and >3600
// seconds" is applied to the reproducer and fixer budgets here; IPC port
// must be a valid TCP port).
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.MaxParallelPanics < 1 {
		return fmt.Errorf("max_parallel_panics must be >= 1, got %d", c.MaxParallelPanics)
	}
	if c.IPCPort < 1 || c.IPCPort > 65535 {
		return fmt.Errorf("ipc_port must be in [1, 65535], got %d", c.IPCPort)
	}
	for name, ms := range map[string]int{
		"budgets.reproducer_ms": c.Budgets.ReproducerMs,
		"budgets.fixer_ms":      c.Budgets.FixerMs,
	} {
		if ms <= 0 || ms > int((3600 * time.Second).Milliseconds()) {
			return fmt.Errorf("%s must be in (0, 3600000], got %d", name, ms)
		}
	}
	if c.Git.RepoSlug == "" {
		return fmt.Errorf("git.repo_slug is required")
	}
	return nil
}
