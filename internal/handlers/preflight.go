package handlers

import (
	"context"

	"github.com/caic-xyz/panicfixd/internal/dto"
	"github.com/caic-xyz/panicfixd/internal/sandbox"
)

// Preflight runs the project's build then test commands in the session
// (spec.md §4.6.1). Either failing moves the item straight to
// needs_human_review without ever reaching repo_setup.
func Preflight(ctx context.Context, wc WorkflowContext) Result {
	build, err := wc.Sandbox.Run(ctx, wc.Session, "make", sandbox.RunOptions{})
	if err != nil {
		return errorResult("preflight", "Build failed: "+truncate(err.Error(), 200))
	}
	if build.ExitCode != 0 {
		return errorResult("preflight", "Build failed: "+truncate(build.Stderr, 200))
	}

	test, err := wc.Sandbox.Run(ctx, wc.Session, "make test", sandbox.RunOptions{})
	if err != nil {
		return errorResult("preflight", "Tests failed: "+truncate(err.Error(), 200))
	}
	if test.ExitCode != 0 {
		return errorResult("preflight", "Tests failed: "+truncate(test.Stderr, 200))
	}

	return Result{NextStatus: dto.StatusRepoSetup}
}
