// Package agentrunner spawns a coding agent inside a sandbox session and
// enforces its wall-clock budget net of simulator pauses (spec.md §4.5).
package agentrunner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caic-xyz/panicfixd/internal/sandbox"
)

// pollInterval is how often the runner checks the timer for a timeout.
var pollInterval = time.Second

// killGrace is how long the timeout watcher keeps waiting for the run to
// return after canceling it. It sends no signal of its own.
var killGrace = 5 * time.Second

// maxBufferedOutput caps the in-memory streamed-event buffer tracked
// alongside stdout; oldest lines are dropped at line boundaries once
// exceeded (spec.md §4.5 step 3).
const maxBufferedOutput = 1 << 20

// Timer is the subset of the IPC Timer's local API the runner needs.
type Timer interface {
	StartTracking(loc string)
	StopTracking(loc string)
	ElapsedMs(loc string) int64
	HasTimedOut(loc string, budgetMs int64) bool
}

// Event is a single parsed line from the agent's stream-json stdout.
type Event struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// StreamFunc receives parsed stream events as they arrive.
type StreamFunc func(Event)

// Options configures a single agent run.
type Options struct {
	Session       string
	PanicLocation string
	PromptPath    string
	AgentCLI      string // e.g. "claude"
	BudgetMs      int64
	IPCPort       int
	Stream        StreamFunc
}

// Result is the outcome of a run (spec.md §4.5).
type Result struct {
	Success   bool
	TimedOut  bool
	ExitCode  int
	Stdout    string
	Stderr    string
	ElapsedMs int64
	// StreamTail holds the most recent ~1 MB of parsed stream-json lines,
	// oldest content dropped at line boundaries (spec.md §4.5 step 3).
	// Populated only when Options.Stream was set.
	StreamTail string
}

// Runner spawns agents through a sandbox.Ops and tracks their budget via a
// Timer.
type Runner struct {
	Sandbox sandbox.Ops
	Timer   Timer
}

// New returns a Runner driving commands through sb and budgets through t.
func New(sb sandbox.Ops, t Timer) *Runner {
	return &Runner{Sandbox: sb, Timer: t}
}

// Run executes one agent turn per spec.md §4.5. It reads the prompt file,
// escapes it for shell embedding, spawns the agent via the sandbox
// executor's Run (which itself shells out to sandbox-cli), and polls the
// timer for timeout while sandbox-cli runs to completion.
//
// Because sandbox.Ops.Run blocks until the command finishes, timeout
// enforcement is layered via ctx: a poll goroutine watches the timer and
// cancels ctx once the budget is exhausted. With sandbox.CLI that kills the
// sandbox-cli process outright (exec.CommandContext's default); there is no
// separate SIGTERM stage and no later escalation.
func (r *Runner) Run(ctx context.Context, opts Options) (Result, error) {
	promptBytes, err := os.ReadFile(opts.PromptPath) //nolint:gosec // prompt path is orchestrator-controlled, not user input.
	if err != nil {
		return Result{}, fmt.Errorf("read prompt file %s: %w", opts.PromptPath, err)
	}

	r.Timer.StartTracking(opts.PanicLocation)
	defer r.Timer.StopTracking(opts.PanicLocation)

	escaped := ShellEscape(string(promptBytes))
	// PANIC_LOCATION and IPC_PORT are the only bridge between in-session
	// helpers (the simulator, lint tooling) and the orchestrator (spec.md
	// §6); they ride along as a shell-level env prefix since the sandbox
	// executor runs a single shell line.
	command := fmt.Sprintf("PANIC_LOCATION=%s IPC_PORT=%d %s --dangerously-skip-permissions --output-format stream-json --prompt %s",
		ShellEscape(opts.PanicLocation), opts.IPCPort, opts.AgentCLI, escaped)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	timedOut := make(chan struct{})
	done := make(chan struct{})
	go r.watchTimeout(opts.PanicLocation, opts.BudgetMs, cancel, timedOut, done)
	defer close(done)

	res, runErr := r.Sandbox.Run(runCtx, opts.Session, command, sandbox.RunOptions{})

	select {
	case <-timedOut:
		return r.finish(opts, res, true, runErr)
	default:
		return r.finish(opts, res, false, runErr)
	}
}

func (r *Runner) finish(opts Options, res sandbox.Result, timedOut bool, runErr error) (Result, error) {
	elapsed := r.Timer.ElapsedMs(opts.PanicLocation)
	if runErr != nil {
		return Result{
			Success: false, TimedOut: timedOut, ExitCode: 1,
			Stderr: runErr.Error(), ElapsedMs: elapsed,
		}, nil
	}
	var tail string
	if opts.Stream != nil {
		tail = streamEvents(res.Stdout, opts.Stream)
	}
	return Result{
		Success:    res.ExitCode == 0 && !timedOut,
		TimedOut:   timedOut,
		ExitCode:   res.ExitCode,
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		ElapsedMs:  elapsed,
		StreamTail: tail,
	}, nil
}

// watchTimeout polls the timer at pollInterval; on timeout it closes
// timedOut and calls cancel, whose context cancellation reaches the sandbox
// command (sandbox.CLI kills sandbox-cli on a canceled context). It then
// waits up to killGrace for the run to finish and returns either way;
// nothing further is sent to the process from here.
func (r *Runner) watchTimeout(loc string, budgetMs int64, cancel context.CancelFunc, timedOut, done chan struct{}) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if r.Timer.HasTimedOut(loc, budgetMs) {
				slog.Warn("agent exceeded budget, terminating", "panic_location", loc, "budget_ms", budgetMs)
				close(timedOut)
				cancel()
				select {
				case <-done:
				case <-time.After(killGrace):
				}
				return
			}
		}
	}
}

// streamEvents parses stdout line-by-line as JSON events, ignoring
// unparsable lines, feeding each to fn. A ring buffer caps retained raw
// content at maxBufferedOutput, dropping oldest lines at line boundaries
// (spec.md §4.5 step 3) — fn itself sees every event; the cap bounds only
// what this function retains internally for diagnostics.
func streamEvents(stdout string, fn StreamFunc) string {
	var buffered bytes.Buffer
	scanner := bufio.NewScanner(strings.NewReader(stdout))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		fn(ev)

		buffered.Write(line)
		buffered.WriteByte('\n')
		for buffered.Len() > maxBufferedOutput {
			if _, err := buffered.ReadString('\n'); err != nil {
				buffered.Reset()
				break
			}
		}
	}
	return buffered.String()
}

// ShellEscape wraps s in single quotes, escaping embedded single quotes as
// '\'' (spec.md §8: "it's" → 'it'\''s'; "" → '').
func ShellEscape(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
