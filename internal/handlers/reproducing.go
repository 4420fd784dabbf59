package handlers

import (
	"context"
	"strconv"
	"strings"

	"github.com/caic-xyz/panicfixd/internal/agentrunner"
	"github.com/caic-xyz/panicfixd/internal/dto"
	"github.com/caic-xyz/panicfixd/internal/sandbox"
)

// reproducerPromptFile is the fixed prompt file name inside PromptDir for
// the reproducing phase (spec.md §4.6.3).
const reproducerPromptFile = "reproducer.md"

// Reproducing installs tool bindings, runs the reproducer agent (which
// looks for a failing seed), and commits its work (spec.md §4.6.3). Timeouts and
// any failure route to needs_human_review.
func Reproducing(ctx context.Context, wc WorkflowContext) Result {
	setup, err := wc.Sandbox.Run(ctx, wc.Session, "make deps", sandbox.RunOptions{})
	if err != nil || setup.ExitCode != 0 {
		return errorResult("reproducing", "Tool binding setup failed: "+truncate(errOrStderr(err, setup.Stderr), 200))
	}

	res, err := wc.AgentRunner.Run(ctx, agentrunner.Options{
		Session:       wc.Session,
		PanicLocation: wc.Item.PanicLocation,
		PromptPath:    wc.Config.PromptDir + "/" + reproducerPromptFile,
		AgentCLI:      wc.Config.AgentCLI,
		BudgetMs:      int64(wc.Config.Budgets.ReproducerMs),
		IPCPort:       wc.Config.IPCPort,
	})
	if err != nil {
		return errorResult("reproducing", "Agent runner failed: "+truncate(err.Error(), 200))
	}
	if res.TimedOut {
		return errorResult("reproducing", "Agent timed out after "+msToString(res.ElapsedMs))
	}
	if !res.Success {
		return errorResult("reproducing", "Agent nonzero exit ("+strconv.Itoa(res.ExitCode)+"): "+truncate(res.Stderr, 200))
	}

	commit, err := wc.Sandbox.Run(ctx, wc.Session,
		"git add -A && git commit -m "+shQuote("reproducer: "+wc.Item.PanicLocation),
		sandbox.RunOptions{})
	if err != nil {
		return errorResult("reproducing", "Commit failed: "+truncate(err.Error(), 200))
	}
	if commit.ExitCode != 0 && !isNothingToCommit(commit.Stdout, commit.Stderr) {
		return errorResult("reproducing", "Commit failed: "+truncate(commit.Stderr, 200))
	}
	if commit.ExitCode != 0 {
		wc.Logger.Warn("nothing to commit after reproducer agent, treating as success",
			"panic_location", wc.Item.PanicLocation)
	}

	return Result{NextStatus: dto.StatusFixing}
}

// isNothingToCommit reports whether a nonzero git commit exit was because
// there was nothing staged, which spec.md §4.6.3 downgrades to a warning.
func isNothingToCommit(stdout, stderr string) bool {
	combined := strings.ToLower(stdout + stderr)
	return strings.Contains(combined, "nothing to commit")
}

func msToString(ms int64) string {
	return strconv.FormatInt(ms, 10) + "ms"
}
