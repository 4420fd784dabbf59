// Command panicfixd is the orchestrator binary (spec.md §6): no
// subcommands, it loads configuration, starts the IPC timer server and the
// workflow admission loop, and traps SIGINT/SIGTERM for a cooperative
// shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/caic-xyz/panicfixd/internal/agentrunner"
	"github.com/caic-xyz/panicfixd/internal/config"
	"github.com/caic-xyz/panicfixd/internal/ctxdoc"
	"github.com/caic-xyz/panicfixd/internal/dto"
	"github.com/caic-xyz/panicfixd/internal/gitpr"
	"github.com/caic-xyz/panicfixd/internal/handlers"
	"github.com/caic-xyz/panicfixd/internal/logging"
	"github.com/caic-xyz/panicfixd/internal/orchestrator"
	"github.com/caic-xyz/panicfixd/internal/sandbox"
	"github.com/caic-xyz/panicfixd/internal/store"
	"github.com/caic-xyz/panicfixd/internal/timer"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "panicfixd.yaml", "path to the orchestrator's configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "panicfixd: load config: %v\n", err)
		return 1
	}
	if err := logging.Setup(cfg.LogLevel, nil); err != nil {
		fmt.Fprintf(os.Stderr, "panicfixd: configure logging: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// workCtx drives in-flight sandbox/agent work and the IPC server. It is
	// deliberately not the signal-bound ctx: shutdown is cooperative (spec.md §4.7, §5
	// "Shutdown") and no in-flight agent is killed on the first signal. Only
	// a second, impatient signal cancels workCtx to force an immediate exit.
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()

	st, err := store.Open(ctx, cfg.Store.Path, dto.LogLevel(cfg.LogLevel))
	if err != nil {
		slog.Error("open store failed", "err", err)
		return 1
	}
	defer func() { _ = st.Close() }()

	var promptWatcher *config.PromptWatcher
	if cfg.PromptDir != "" {
		promptWatcher, err = config.WatchPromptDir(cfg.PromptDir, func(path string) {
			slog.Info("prompt file changed", "path", path)
		})
		if err != nil {
			slog.Error("watch prompt directory failed", "dir", cfg.PromptDir, "err", err)
			return 1
		}
		defer func() { _ = promptWatcher.Close() }()
	}

	sb := sandbox.New(cfg.BaseRepoPath)
	tracker := timer.NewTracker()
	ipcServer := timer.NewServer(tracker, cfg.IPCPort)
	runner := agentrunner.New(sb, tracker)
	gp := gitpr.New(sb, cfg.DryRun)

	buildContext := func(item dto.PanicWorkItem) handlers.WorkflowContext {
		session := sandbox.SessionName(item.PanicLocation)
		branch := item.BranchName
		if branch == "" {
			branch = sandbox.BranchName(item.PanicLocation)
		}
		return handlers.WorkflowContext{
			Item:        item,
			Session:     session,
			Branch:      branch,
			ContextPath: filepath.Join(sandbox.SessionPath(cfg.BaseRepoPath, session), ctxdoc.Filename),
			Config:      cfg,
			Sandbox:     sb,
			AgentRunner: runner,
			GitPR:       gp,
		}
	}

	orch := orchestrator.New(st, sb, cfg, buildContext, handlers.Table, slog.Default())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := ipcServer.ListenAndServe(workCtx); err != nil {
			slog.Error("ipc timer server stopped with error", "err", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		orch.Run(workCtx)
	}()

	<-ctx.Done()
	slog.Info("shutdown signal received, draining in-flight work")
	orch.RequestShutdown()

	// A second signal forces an immediate exit by canceling workCtx, which
	// kills in-flight sandbox/agent subprocesses and the IPC server
	// (spec.md §4.7 "Shutdown"). The first NotifyContext stops relaying
	// signals once ctx is done, so re-arm a second, one-shot trap here to
	// catch an impatient operator.
	forceCtx, forceStop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer forceStop()

	drained := make(chan struct{})
	go func() {
		orch.WaitForInFlight()
		close(drained)
	}()

	select {
	case <-drained:
	case <-forceCtx.Done():
		slog.Warn("second shutdown signal received, forcing exit without waiting for in-flight work")
		orch.RequestShutdown()
	}

	// Stop the IPC server now that nothing will call it again: either
	// in-flight work drained cleanly, or the force path is about to tear
	// down whatever is still running.
	cancelWork()
	wg.Wait()
	return 0
}
