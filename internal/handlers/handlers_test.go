package handlers

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/caic-xyz/panicfixd/internal/agentrunner"
	"github.com/caic-xyz/panicfixd/internal/config"
	"github.com/caic-xyz/panicfixd/internal/ctxdoc"
	"github.com/caic-xyz/panicfixd/internal/dto"
	"github.com/caic-xyz/panicfixd/internal/gitpr"
	"github.com/caic-xyz/panicfixd/internal/sandbox"
)

type scriptedSandbox struct {
	byPrefix map[string]sandbox.Result
	calls    []string
}

func (s *scriptedSandbox) Run(ctx context.Context, session, command string, opts sandbox.RunOptions) (sandbox.Result, error) {
	s.calls = append(s.calls, command)
	for prefix, res := range s.byPrefix {
		if strings.HasPrefix(command, prefix) {
			return res, nil
		}
	}
	return sandbox.Result{ExitCode: 0}, nil
}

func (s *scriptedSandbox) Delete(ctx context.Context, session string) error { return nil }
func (s *scriptedSandbox) Exists(ctx context.Context, session string) (bool, error) {
	return true, nil
}

type noTimeoutTimer struct{}

func (noTimeoutTimer) StartTracking(string)          {}
func (noTimeoutTimer) StopTracking(string)           {}
func (noTimeoutTimer) ElapsedMs(string) int64        { return 500 }
func (noTimeoutTimer) HasTimedOut(string, int64) bool { return false }

func newWC(t *testing.T, sb *scriptedSandbox) WorkflowContext {
	t.Helper()
	promptDir := t.TempDir()
	for _, f := range []string{"reproducer.md", "fixer.md"} {
		if err := os.WriteFile(filepath.Join(promptDir, f), []byte("prompt"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	cfg := &config.Config{PromptDir: promptDir, AgentCLI: "claude"}
	cfg.Budgets.ReproducerMs = 60000
	cfg.Budgets.FixerMs = 60000
	cfg.Git.DefaultBase = "main"

	return WorkflowContext{
		Item:        dto.PanicWorkItem{PanicLocation: "src/vdbe.c:1234", PanicMessage: "assertion failed"},
		Session:     "fix-panic-src-vdbe.c-1234",
		Branch:      "fix/panic-src-vdbe.c-1234",
		ContextPath: filepath.Join(t.TempDir(), ctxdoc.Filename),
		Config:      cfg,
		Sandbox:     sb,
		AgentRunner: agentrunner.New(sb, noTimeoutTimer{}),
		GitPR:       gitpr.New(sb, true),
		Logger:      slog.New(slog.NewTextHandler(os.Stderr, nil)),
	}
}

func TestPreflightSuccess(t *testing.T) {
	sb := &scriptedSandbox{byPrefix: map[string]sandbox.Result{}}
	res := Preflight(context.Background(), newWC(t, sb))
	if res.Err != nil || res.NextStatus != dto.StatusRepoSetup {
		t.Errorf("got %+v", res)
	}
}

func TestPreflightBuildFailure(t *testing.T) {
	sb := &scriptedSandbox{byPrefix: map[string]sandbox.Result{
		"make": {ExitCode: 1, Stderr: "compile error"},
	}}
	res := Preflight(context.Background(), newWC(t, sb))
	if res.Err == nil || res.Err.Phase != "preflight" {
		t.Errorf("got %+v", res)
	}
	if !strings.Contains(res.Err.Error, "Build failed") {
		t.Errorf("err = %q", res.Err.Error)
	}
}

func TestRepoSetupSuccess(t *testing.T) {
	wc := newWC(t, &scriptedSandbox{})
	sb := wc.Sandbox.(*scriptedSandbox)
	res := RepoSetup(context.Background(), wc)
	if res.Err != nil || res.NextStatus != dto.StatusReproducing {
		t.Fatalf("got %+v", res)
	}
	if res.BranchName != wc.Branch {
		t.Errorf("branch = %q", res.BranchName)
	}
	data, err := ctxdoc.Read(wc.ContextPath)
	if err != nil {
		t.Fatalf("ctxdoc.Read: %v", err)
	}
	if errs := ctxdoc.Validate(data, ctxdoc.PhaseRepoSetup); len(errs) != 0 {
		t.Errorf("context document invalid: %v", errs)
	}
	found := false
	for _, c := range sb.calls {
		if strings.HasPrefix(c, "git checkout -b") {
			found = true
		}
	}
	if !found {
		t.Error("expected a git checkout -b call")
	}
}

func TestReproducingDowngradesNothingToCommit(t *testing.T) {
	sb := &scriptedSandbox{byPrefix: map[string]sandbox.Result{
		"git add -A": {ExitCode: 1, Stderr: "nothing to commit, working tree clean"},
	}}
	res := Reproducing(context.Background(), newWC(t, sb))
	if res.Err != nil {
		t.Fatalf("expected nothing-to-commit to be downgraded, got %+v", res.Err)
	}
	if res.NextStatus != dto.StatusFixing {
		t.Errorf("next status = %q", res.NextStatus)
	}
}

func TestReproducingCommitFailureIsFatal(t *testing.T) {
	sb := &scriptedSandbox{byPrefix: map[string]sandbox.Result{
		"git add -A": {ExitCode: 1, Stderr: "fatal: index lock"},
	}}
	res := Reproducing(context.Background(), newWC(t, sb))
	if res.Err == nil {
		t.Fatal("expected a fatal commit error")
	}
}

func TestShippingMissingFieldGoesToNeedsHumanReview(t *testing.T) {
	wc := newWC(t, &scriptedSandbox{})
	if err := ctxdoc.Write(wc.ContextPath, map[string]any{
		"panic_location": wc.Item.PanicLocation,
		"panic_message":  wc.Item.PanicMessage,
		"tcl_test_file":  "tests/x.test",
	}); err != nil {
		t.Fatal(err)
	}
	res := Shipping(context.Background(), wc)
	if res.Err == nil {
		t.Fatal("expected error for incomplete context document")
	}
	if res.Err.Phase != "shipping" {
		t.Errorf("phase = %q", res.Err.Phase)
	}
}

func TestShippingHappyPathDryRun(t *testing.T) {
	sb := &scriptedSandbox{byPrefix: map[string]sandbox.Result{
		"git merge-base": {ExitCode: 0, Stdout: "abc123\n"},
	}}
	wc := newWC(t, sb)
	if err := ctxdoc.Write(wc.ContextPath, map[string]any{
		"panic_location":       wc.Item.PanicLocation,
		"panic_message":        wc.Item.PanicMessage,
		"tcl_test_file":        "tests/x.test",
		"failing_seed":         float64(42),
		"why_simulator_missed": "no coverage for this path",
		"simulator_changes":    "added a generator path",
		"bug_description":      "off by one",
		"fix_description":      "fixed the bound check",
	}); err != nil {
		t.Fatal(err)
	}

	res := Shipping(context.Background(), wc)
	if res.Err != nil {
		t.Fatalf("unexpected error: %+v", res.Err)
	}
	if res.NextStatus != dto.StatusPROpen {
		t.Errorf("next status = %q", res.NextStatus)
	}
	if !strings.HasPrefix(res.PRUrl, "dry-run://"+wc.Branch+"/") {
		t.Errorf("pr url = %q", res.PRUrl)
	}
}
