package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/caic-xyz/panicfixd/internal/ctxdoc"
	"github.com/caic-xyz/panicfixd/internal/dto"
	"github.com/caic-xyz/panicfixd/internal/sandbox"
)

// RepoSetup creates the feature branch, writes the auto-generated
// reproduction test file, seeds the context document, and commits the
// result (spec.md §4.6.2). Any failing step moves the item to
// needs_human_review; it never reaches reproducing.
func RepoSetup(ctx context.Context, wc WorkflowContext) Result {
	checkout, err := wc.Sandbox.Run(ctx, wc.Session, "git checkout -b "+shQuote(wc.Branch), sandbox.RunOptions{})
	if err != nil || checkout.ExitCode != 0 {
		return errorResult("repo_setup", "Branch creation failed: "+truncate(errOrStderr(err, checkout.Stderr), 200))
	}

	testFile := testFilePath(wc.Item.PanicLocation)
	writeTest, err := wc.Sandbox.Run(ctx, wc.Session,
		fmt.Sprintf("mkdir -p %s && printf '%%s' %s > %s",
			shQuote(dirOf(testFile)), shQuote(wc.Item.SQLStatements), shQuote(testFile)),
		sandbox.RunOptions{})
	if err != nil || writeTest.ExitCode != 0 {
		return errorResult("repo_setup", "Writing test file failed: "+truncate(errOrStderr(err, writeTest.Stderr), 200))
	}

	initial := map[string]any{
		"panic_location": wc.Item.PanicLocation,
		"panic_message":  wc.Item.PanicMessage,
		"tcl_test_file":  testFile,
	}
	if err := ctxdoc.Write(wc.ContextPath, initial); err != nil {
		return errorResult("repo_setup", "Writing context document failed: "+truncate(err.Error(), 200))
	}

	commit, err := wc.Sandbox.Run(ctx, wc.Session,
		fmt.Sprintf("git add -A && git commit -m %s", shQuote("setup: "+wc.Item.PanicLocation)),
		sandbox.RunOptions{})
	if err != nil || commit.ExitCode != 0 {
		return errorResult("repo_setup", "Commit failed: "+truncate(errOrStderr(err, commit.Stderr), 200))
	}

	return Result{NextStatus: dto.StatusReproducing, BranchName: wc.Branch}
}

// testFilePath derives the reproduction test file's path from a
// panic_location such as "src/vdbe.c:1234".
func testFilePath(panicLocation string) string {
	return "tests/" + sandbox.SessionName(panicLocation) + ".test"
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func errOrStderr(err error, stderr string) string {
	if err != nil {
		return err.Error()
	}
	return stderr
}
