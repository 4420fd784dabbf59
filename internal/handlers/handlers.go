// Package handlers implements the five State Handlers of spec.md §4.6:
// preflight, repo_setup, reproducing, fixing, and shipping. Each is pure
// with respect to the store — the orchestrator persists the transition the
// handler returns.
package handlers

import (
	"context"
	"log/slog"
	"time"

	"github.com/caic-xyz/panicfixd/internal/agentrunner"
	"github.com/caic-xyz/panicfixd/internal/config"
	"github.com/caic-xyz/panicfixd/internal/ctxdoc"
	"github.com/caic-xyz/panicfixd/internal/dto"
	"github.com/caic-xyz/panicfixd/internal/gitpr"
	"github.com/caic-xyz/panicfixd/internal/sandbox"
)

// WorkflowContext is the immutable snapshot a handler receives: the
// work-item, its derived session/branch names, configuration, and the
// collaborators it needs to act (spec.md §4.6).
type WorkflowContext struct {
	Item        dto.PanicWorkItem
	Session     string
	Branch      string
	ContextPath string // path to panic_context.json inside the sandbox checkout
	Config      *config.Config
	Sandbox     sandbox.Ops
	AgentRunner *agentrunner.Runner
	GitPR       *gitpr.Boundary
	Logger      *slog.Logger
}

// Result is what a handler returns: either an error (move to
// needs_human_review) or the next live status, optionally carrying the
// parsed context document; the orchestrator does not persist ContextData
// (spec.md §4.6).
type Result struct {
	NextStatus  dto.Status
	BranchName  string // set only when leaving repo_setup
	PRUrl       string // set only when shipping succeeds
	ContextData map[string]any
	Err         *dto.WorkflowError
}

// errorResult builds a Result carrying a WorkflowError for phase.
func errorResult(phase, message string) Result {
	return Result{Err: &dto.WorkflowError{Phase: phase, Error: message, Timestamp: time.Now()}}
}

// truncate caps s at n characters for embedding in error messages (spec.md
// §7: "long stderr is truncated to ~200 characters in error fields").
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Handler is the signature every phase handler implements.
type Handler func(ctx context.Context, wc WorkflowContext) Result

// Table maps each live status to the handler that advances it. pr_open and
// needs_human_review have no entry — they are terminal (spec.md §4.6.6).
var Table = map[dto.Status]Handler{
	dto.StatusPending:     Preflight,
	dto.StatusRepoSetup:   RepoSetup,
	dto.StatusReproducing: Reproducing,
	dto.StatusFixing:      Fixing,
	dto.StatusShipping:    Shipping,
}
