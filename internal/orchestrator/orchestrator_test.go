package orchestrator

import (
	"context"
	"log/slog"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/caic-xyz/panicfixd/internal/config"
	"github.com/caic-xyz/panicfixd/internal/dto"
	"github.com/caic-xyz/panicfixd/internal/handlers"
	"github.com/caic-xyz/panicfixd/internal/sandbox"
)

type fakeStore struct {
	mu       sync.Mutex
	pending  []dto.PanicWorkItem
	updates  []dto.Status
	reviewed []dto.WorkflowError
}

func (f *fakeStore) GetPending(ctx context.Context, limit int) ([]dto.PanicWorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit > len(f.pending) {
		limit = len(f.pending)
	}
	out := f.pending[:limit]
	return out, nil
}

func (f *fakeStore) UpdateStatus(ctx context.Context, loc string, status dto.Status, update dto.StatusUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, status)
	return nil
}

func (f *fakeStore) MarkNeedsHumanReview(ctx context.Context, loc string, werr dto.WorkflowError) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reviewed = append(f.reviewed, werr)
	return nil
}

func (f *fakeStore) InsertLog(ctx context.Context, rec dto.LogRecord) error { return nil }

type fakeSandbox struct{}

func (fakeSandbox) Run(ctx context.Context, session, command string, opts sandbox.RunOptions) (sandbox.Result, error) {
	return sandbox.Result{ExitCode: 0}, nil
}
func (fakeSandbox) Delete(ctx context.Context, session string) error { return nil }
func (fakeSandbox) Exists(ctx context.Context, session string) (bool, error) { return true, nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestOrchestrator(st *fakeStore, handlerTable map[dto.Status]handlers.Handler, maxParallel int) *Orchestrator {
	cfg := &config.Config{MaxParallelPanics: maxParallel}
	build := func(item dto.PanicWorkItem) handlers.WorkflowContext {
		return handlers.WorkflowContext{Item: item, Session: "s-" + item.PanicLocation, Branch: "b-" + item.PanicLocation}
	}
	return New(st, fakeSandbox{}, cfg, build, handlerTable, testLogger())
}

// TestConcurrencyCapNeverExceeded drives more pending items than the
// parallelism cap and asserts at most MaxParallelPanics ever ran at once
// (scenario S5).
func TestConcurrencyCapNeverExceeded(t *testing.T) {
	const cap = 2
	var mu sync.Mutex
	active, maxActive := 0, 0
	release := make(chan struct{})

	blockingHandler := func(ctx context.Context, wc handlers.WorkflowContext) handlers.Result {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()
		<-release
		mu.Lock()
		active--
		mu.Unlock()
		return handlers.Result{NextStatus: dto.StatusNeedsHumanReview, Err: &dto.WorkflowError{Phase: "x", Error: "stop"}}
	}

	items := make([]dto.PanicWorkItem, 5)
	for i := range items {
		items[i] = dto.PanicWorkItem{PanicLocation: string(rune('a' + i)), Status: dto.StatusPending}
	}
	st := &fakeStore{pending: items}
	o := newTestOrchestrator(st, map[dto.Status]handlers.Handler{dto.StatusPending: blockingHandler}, cap)

	ctx, cancel := context.WithCancel(context.Background())
	go o.Run(ctx)

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		a := active
		mu.Unlock()
		if a == cap {
			break
		}
		select {
		case <-deadline:
			t.Fatal("never reached expected concurrency")
		case <-time.After(5 * time.Millisecond):
		}
	}

	close(release)
	o.RequestShutdown()
	o.WaitForInFlight()
	cancel()

	mu.Lock()
	defer mu.Unlock()
	if maxActive > cap {
		t.Errorf("max concurrent handlers = %d, want <= %d", maxActive, cap)
	}
}

// TestAdmitDeduplicatesInFlightPanicLocation verifies that a panic_location
// whose status row is still "pending" (because its first handler has not
// yet persisted a transition) is not admitted a second time while its first
// run is in flight, even when the store keeps re-returning it from
// GetPending (scenario: max_parallel_panics > 1, one slow item, one fast
// admission poll).
func TestAdmitDeduplicatesInFlightPanicLocation(t *testing.T) {
	var mu sync.Mutex
	starts := 0
	release := make(chan struct{})

	slowHandler := func(ctx context.Context, wc handlers.WorkflowContext) handlers.Result {
		mu.Lock()
		starts++
		mu.Unlock()
		<-release
		return handlers.Result{NextStatus: dto.StatusNeedsHumanReview, Err: &dto.WorkflowError{Phase: "x", Error: "stop"}}
	}

	st := &fakeStore{pending: []dto.PanicWorkItem{{PanicLocation: "loc:dup", Status: dto.StatusPending}}}
	o := newTestOrchestrator(st, map[dto.Status]handlers.Handler{dto.StatusPending: slowHandler}, 2)

	ctx, cancel := context.WithCancel(context.Background())
	go o.Run(ctx)

	time.Sleep(100 * time.Millisecond)
	close(release)
	o.RequestShutdown()
	o.WaitForInFlight()
	cancel()

	mu.Lock()
	defer mu.Unlock()
	if starts != 1 {
		t.Errorf("handler started %d times for one in-flight panic_location, want 1", starts)
	}
}

// TestHandlerPanicBecomesNeedsHumanReview verifies the catch-all converts a
// handler panic into a persisted needs_human_review instead of crashing the
// orchestrator.
func TestHandlerPanicBecomesNeedsHumanReview(t *testing.T) {
	panicHandler := func(ctx context.Context, wc handlers.WorkflowContext) handlers.Result {
		panic("boom")
	}
	st := &fakeStore{pending: []dto.PanicWorkItem{{PanicLocation: "loc:1", Status: dto.StatusPending}}}
	o := newTestOrchestrator(st, map[dto.Status]handlers.Handler{dto.StatusPending: panicHandler}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	deadline := time.After(2 * time.Second)
	for {
		st.mu.Lock()
		n := len(st.reviewed)
		st.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("expected panic to be converted to needs_human_review")
		case <-time.After(5 * time.Millisecond):
		}
	}
	o.RequestShutdown()
	o.WaitForInFlight()
}

// TestShutdownStopsAdmittingNewWork verifies that after RequestShutdown, Run
// returns without picking up further pending items.
func TestShutdownStopsAdmittingNewWork(t *testing.T) {
	terminalHandler := func(ctx context.Context, wc handlers.WorkflowContext) handlers.Result {
		return handlers.Result{NextStatus: dto.StatusPROpen}
	}
	st := &fakeStore{pending: []dto.PanicWorkItem{{PanicLocation: "loc:1", Status: dto.StatusPending}}}
	o := newTestOrchestrator(st, map[dto.Status]handlers.Handler{dto.StatusPending: terminalHandler}, 1)

	o.RequestShutdown()

	done := make(chan struct{})
	go func() {
		o.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return promptly after shutdown was requested before it started")
	}
}

// TestRequestShutdownIsIdempotent verifies a second call does not panic and
// logs a forced-shutdown path instead.
func TestRequestShutdownIsIdempotent(t *testing.T) {
	st := &fakeStore{}
	o := newTestOrchestrator(st, handlers.Table, 1)
	o.RequestShutdown()
	o.RequestShutdown()
	if o.shutdownN != 2 {
		t.Errorf("shutdownN = %d, want 2", o.shutdownN)
	}
}
