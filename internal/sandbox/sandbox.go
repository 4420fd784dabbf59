// Package sandbox wraps sandbox-cli operations for isolated, copy-on-write
// session lifecycle management (spec.md §4.1). Every panic_location owns
// exactly one session for the life of its work-item.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Result is the outcome of a Run call. ExitCode is always populated for a
// command that spawned successfully; a non-zero code is not an error.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Ops abstracts sandbox-cli so handlers and the agent runner can be tested
// against a fake.
type Ops interface {
	Run(ctx context.Context, session, command string, opts RunOptions) (Result, error)
	Delete(ctx context.Context, session string) error
	Exists(ctx context.Context, session string) (bool, error)
}

// RunOptions customizes a single Run invocation.
type RunOptions struct {
	Timeout time.Duration // zero means no timeout beyond ctx's own deadline
	Cwd     string        // overrides the executor's default cwd for this call
}

// CLI implements Ops using the real sandbox-cli binary.
type CLI struct {
	// BaseRepoPath is bound as the default --cwd for sessions that don't
	// override it (spec.md §4.1: "a construction helper binds a base
	// repository path as default cwd").
	BaseRepoPath string
}

// New returns a CLI executor with baseRepoPath as its default session cwd.
func New(baseRepoPath string) *CLI {
	return &CLI{BaseRepoPath: baseRepoPath}
}

// Run executes command as a single shell line inside session, creating the
// session implicitly if it does not already exist. Quoting of command is
// the caller's responsibility (spec.md §4.1). Only spawn failures are
// returned as errors; a non-zero exit is reported in Result.ExitCode.
func (c *CLI) Run(ctx context.Context, session, command string, opts RunOptions) (Result, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cwd := c.BaseRepoPath
	if opts.Cwd != "" {
		cwd = opts.Cwd
	}

	args := []string{"run", "--session", session}
	if cwd != "" {
		args = append(args, "--cwd", cwd)
	}
	args = append(args, command)

	cmd := exec.CommandContext(ctx, "sandbox-cli", args...) //nolint:gosec // command is caller-quoted per the sandbox-cli contract.
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: 0}, nil
	case errors.As(err, &exitErr):
		return Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitErr.ExitCode()}, nil
	default:
		return Result{}, fmt.Errorf("sandbox-cli run: %w: %s", err, stderr.String())
	}
}

// Delete removes session. It is idempotent: a not-found session is not an
// error (spec.md §7: "ENOENT on session deletion is ignored").
func (c *CLI) Delete(ctx context.Context, session string) error {
	cmd := exec.CommandContext(ctx, "sandbox-cli", "delete", "--session", session)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && isNotFound(stderr.String()) {
			return nil
		}
		return fmt.Errorf("sandbox-cli delete: %w: %s", err, stderr.String())
	}
	return nil
}

// Exists reports whether session is currently present.
func (c *CLI) Exists(ctx context.Context, session string) (bool, error) {
	cmd := exec.CommandContext(ctx, "sandbox-cli", "exists", "--session", session)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return false, nil
	}
	return false, fmt.Errorf("sandbox-cli exists: %w: %s", err, stderr.String())
}

func isNotFound(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "not found") || strings.Contains(s, "no such session")
}

// SessionName derives the sandbox session handle for a panic_location:
// "/" and ":" become "-", prefixed with "fix-panic-" (spec.md §3).
func SessionName(panicLocation string) string {
	return "fix-panic-" + sanitize(panicLocation)
}

// BranchName derives the git branch name for a panic_location the same way,
// prefixed "fix/panic-" (spec.md §3).
func BranchName(panicLocation string) string {
	return "fix/panic-" + sanitize(panicLocation)
}

func sanitize(panicLocation string) string {
	r := strings.NewReplacer("/", "-", ":", "-")
	return r.Replace(panicLocation)
}

// SessionPath resolves a session's checkout root on the host filesystem,
// under sandbox-cli's well-known sessions directory inside baseRepoPath.
// The Context Document (spec.md §4.3) is read and written directly against
// this path rather than through Run, since it is plain file I/O, not a
// command to execute inside the session.
func SessionPath(baseRepoPath, session string) string {
	return filepath.Join(baseRepoPath, ".sandbox-sessions", session)
}
