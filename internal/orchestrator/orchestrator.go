// Package orchestrator implements the Workflow Orchestrator (spec.md §4.7,
// §5): a poll loop that admits pending work-items up to a parallelism cap,
// drives each through its state-handler chain, and persists every
// transition.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/caic-xyz/panicfixd/internal/config"
	"github.com/caic-xyz/panicfixd/internal/dto"
	"github.com/caic-xyz/panicfixd/internal/handlers"
	"github.com/caic-xyz/panicfixd/internal/sandbox"
	"github.com/caic-xyz/panicfixd/internal/store"
	"github.com/maruel/ksid"
)

// idlePoll is how long the loop sleeps when no pending items were found
// (spec.md §4.7 step 3).
var idlePoll = 5 * time.Second

// saturatedPoll is how long the loop sleeps when already at capacity
// (spec.md §4.7 step 1).
var saturatedPoll = time.Second

// Store is the subset of the durable store the orchestrator drives.
type Store interface {
	GetPending(ctx context.Context, limit int) ([]dto.PanicWorkItem, error)
	UpdateStatus(ctx context.Context, loc string, status dto.Status, update dto.StatusUpdate) error
	MarkNeedsHumanReview(ctx context.Context, loc string, werr dto.WorkflowError) error
	InsertLog(ctx context.Context, rec dto.LogRecord) error
}

var _ Store = (*store.Store)(nil)

// ContextBuilder produces a WorkflowContext for a freshly-admitted item.
// Supplied by the caller (typically cmd/panicfixd/main.go) so the
// orchestrator itself stays ignorant of sandbox/agent wiring details.
type ContextBuilder func(item dto.PanicWorkItem) handlers.WorkflowContext

// Orchestrator drives the per-item state machine described in spec.md
// §4.7.
type Orchestrator struct {
	Store       Store
	Sandbox     sandbox.Ops
	Config      *config.Config
	BuildContext ContextBuilder
	Handlers    map[dto.Status]handlers.Handler
	Logger      *slog.Logger

	mu        sync.Mutex
	inFlight  map[string]struct{}
	shutdown  bool
	shutdownN int
	wg        sync.WaitGroup
}

// New returns an Orchestrator ready to Run. handlerTable defaults to
// handlers.Table when nil (tests substitute fakes).
func New(st Store, sb sandbox.Ops, cfg *config.Config, build ContextBuilder, handlerTable map[dto.Status]handlers.Handler, logger *slog.Logger) *Orchestrator {
	if handlerTable == nil {
		handlerTable = handlers.Table
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		Store: st, Sandbox: sb, Config: cfg, BuildContext: build,
		Handlers: handlerTable, Logger: logger,
		inFlight: make(map[string]struct{}),
	}
}

// Run is the main admission loop (spec.md §4.7). It returns when shutdown
// has been requested and every in-flight item has completed.
func (o *Orchestrator) Run(ctx context.Context) {
	for {
		if o.isShutdown() {
			o.wg.Wait()
			return
		}

		inFlight := o.inFlightCount()
		if inFlight >= o.Config.MaxParallelPanics {
			time.Sleep(saturatedPoll)
			continue
		}

		items, err := o.Store.GetPending(ctx, o.Config.MaxParallelPanics-inFlight)
		if err != nil {
			o.Logger.Error("get_pending failed", "err", err)
			time.Sleep(idlePoll)
			continue
		}
		if len(items) == 0 {
			time.Sleep(idlePoll)
			continue
		}

		for _, item := range items {
			if o.isShutdown() {
				break
			}
			o.admit(ctx, item)
		}
	}
}

// admit starts item's state machine, unless its panic_location is already
// in flight. GetPending can re-return a still-pending item (its status row
// is not updated until its first handler completes), so this check is what
// keeps each panic_location to exactly one session for the life of the item
// (spec.md §5, §8.6) when max_parallel_panics > 1.
func (o *Orchestrator) admit(ctx context.Context, item dto.PanicWorkItem) {
	o.mu.Lock()
	if _, ok := o.inFlight[item.PanicLocation]; ok {
		o.mu.Unlock()
		return
	}
	o.inFlight[item.PanicLocation] = struct{}{}
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.release(item.PanicLocation)
		o.runItem(ctx, item)
	}()
}

func (o *Orchestrator) release(loc string) {
	o.mu.Lock()
	delete(o.inFlight, loc)
	o.mu.Unlock()
}

func (o *Orchestrator) inFlightCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.inFlight)
}

func (o *Orchestrator) isShutdown() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.shutdown
}

// runItem drives one work-item's state machine from its current status to
// a terminal one (spec.md §4.7 "the per-item task").
func (o *Orchestrator) runItem(ctx context.Context, item dto.PanicWorkItem) {
	runID := ksid.New().String()
	log := o.Logger.With("panic_location", item.PanicLocation, "run_id", runID)
	wc := o.BuildContext(item)
	wc.Logger = log

	status := item.Status
	for {
		handler, ok := o.Handlers[status]
		if !ok {
			o.fail(ctx, item.PanicLocation, status, "no handler for status", log)
			return
		}

		result := o.invoke(ctx, handler, wc, log)

		if result.Err != nil {
			if err := o.Store.MarkNeedsHumanReview(ctx, item.PanicLocation, *result.Err); err != nil {
				log.Error("failed to persist needs_human_review", "err", err)
			}
			log.Warn("workflow failed, sandbox session retained for inspection",
				"phase", result.Err.Phase, "error", result.Err.Error, "session", wc.Session)
			return
		}

		update := dto.StatusUpdate{}
		if result.BranchName != "" {
			update.BranchName = &result.BranchName
		}
		if result.PRUrl != "" {
			update.PRUrl = &result.PRUrl
		}
		if err := o.Store.UpdateStatus(ctx, item.PanicLocation, result.NextStatus, update); err != nil {
			log.Error("failed to persist status transition", "to", result.NextStatus, "err", err)
			return
		}
		log.Info("state transition", "from", status, "to", result.NextStatus)

		status = result.NextStatus
		wc.Item.Status = status
		if result.BranchName != "" {
			wc.Branch = result.BranchName
		}

		if status.Terminal() {
			o.onTerminal(ctx, item.PanicLocation, status, wc, log)
			return
		}
	}
}

// invoke calls handler, converting a panic into a needs_human_review
// result instead of letting it escape (spec.md §4.7 step 2: "invoke the
// handler inside a catch-all").
func (o *Orchestrator) invoke(ctx context.Context, handler handlers.Handler, wc handlers.WorkflowContext, log *slog.Logger) (result handlers.Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("handler panicked", "recover", r)
			result = handlers.Result{Err: &dto.WorkflowError{
				Phase: string(wc.Item.Status), Error: "unexpected exception in handler",
			}}
		}
	}()
	return handler(ctx, wc)
}

func (o *Orchestrator) fail(ctx context.Context, loc string, phase dto.Status, msg string, log *slog.Logger) {
	if err := o.Store.MarkNeedsHumanReview(ctx, loc, dto.WorkflowError{Phase: string(phase), Error: msg}); err != nil {
		log.Error("failed to persist needs_human_review", "err", err)
	}
}

// onTerminal releases the sandbox session on success (unless dry-run) and
// is a no-op for needs_human_review, whose session is always retained
// (spec.md §4.7 step 4, §5).
func (o *Orchestrator) onTerminal(ctx context.Context, loc string, status dto.Status, wc handlers.WorkflowContext, log *slog.Logger) {
	if status != dto.StatusPROpen {
		return
	}
	if o.Config.DryRun {
		log.Info("dry-run: retaining sandbox session", "session", wc.Session)
		return
	}
	if err := o.Sandbox.Delete(ctx, wc.Session); err != nil {
		log.Warn("failed to delete sandbox session after success", "session", wc.Session, "err", err)
	}
}

// RequestShutdown stops the admission loop from picking up new work. It is
// idempotent; a second call only logs a forced-shutdown warning. Run and
// WaitForInFlight still wait for in-flight items; a forced exit comes from
// the caller canceling the context passed to Run (spec.md §4.7 "Shutdown").
func (o *Orchestrator) RequestShutdown() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.shutdownN++
	if o.shutdownN == 1 {
		o.shutdown = true
		o.Logger.Info("shutdown requested", "in_flight", len(o.inFlight))
		return
	}
	o.Logger.Warn("forced shutdown requested", "in_flight", len(o.inFlight))
}

// WaitForInFlight blocks until no items remain in flight.
func (o *Orchestrator) WaitForInFlight() {
	for o.inFlightCount() > 0 {
		time.Sleep(50 * time.Millisecond)
	}
}
