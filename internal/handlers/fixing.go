package handlers

import (
	"context"
	"strconv"

	"github.com/caic-xyz/panicfixd/internal/agentrunner"
	"github.com/caic-xyz/panicfixd/internal/dto"
	"github.com/caic-xyz/panicfixd/internal/sandbox"
)

const fixerPromptFile = "fixer.md"

// Fixing spawns the fixer agent, runs lint-fix/formatting as a non-fatal
// step, and commits the result (spec.md §4.6.4).
func Fixing(ctx context.Context, wc WorkflowContext) Result {
	res, err := wc.AgentRunner.Run(ctx, agentrunner.Options{
		Session:       wc.Session,
		PanicLocation: wc.Item.PanicLocation,
		PromptPath:    wc.Config.PromptDir + "/" + fixerPromptFile,
		AgentCLI:      wc.Config.AgentCLI,
		BudgetMs:      int64(wc.Config.Budgets.FixerMs),
		IPCPort:       wc.Config.IPCPort,
	})
	if err != nil {
		return errorResult("fixing", "Agent runner failed: "+truncate(err.Error(), 200))
	}
	if res.TimedOut {
		return errorResult("fixing", "Agent timed out after "+msToString(res.ElapsedMs))
	}
	if !res.Success {
		return errorResult("fixing", "Agent nonzero exit ("+strconv.Itoa(res.ExitCode)+"): "+truncate(res.Stderr, 200))
	}

	if lint, err := wc.Sandbox.Run(ctx, wc.Session, "make lint-fix", sandbox.RunOptions{}); err != nil || lint.ExitCode != 0 {
		wc.Logger.Warn("lint-fix failed, continuing", "panic_location", wc.Item.PanicLocation, "stderr", lint.Stderr)
	}
	if fmtRes, err := wc.Sandbox.Run(ctx, wc.Session, "make fmt", sandbox.RunOptions{}); err != nil || fmtRes.ExitCode != 0 {
		wc.Logger.Warn("formatter failed, continuing", "panic_location", wc.Item.PanicLocation, "stderr", fmtRes.Stderr)
	}

	commit, err := wc.Sandbox.Run(ctx, wc.Session,
		"git add -A && git commit -m "+shQuote("fix: "+wc.Item.PanicLocation),
		sandbox.RunOptions{})
	if err != nil {
		return errorResult("fixing", "Commit failed: "+truncate(err.Error(), 200))
	}
	if commit.ExitCode != 0 && !isNothingToCommit(commit.Stdout, commit.Stderr) {
		return errorResult("fixing", "Commit failed: "+truncate(commit.Stderr, 200))
	}
	if commit.ExitCode != 0 {
		wc.Logger.Warn("nothing to commit after fixer agent, treating as success",
			"panic_location", wc.Item.PanicLocation)
	}

	return Result{NextStatus: dto.StatusShipping}
}
