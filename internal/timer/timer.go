// Package timer implements the IPC Timer Server described in spec.md §4.4:
// a per-panic-location wall-clock tracker that the Agent Runner consults to
// exclude simulator runtime from its budget, paused and resumed by HTTP
// calls the simulator makes from inside the sandbox.
package timer

import (
	"sync"
	"time"
)

// tracker is the in-memory TimerState from spec.md §3.
type tracker struct {
	startedAt     time.Time
	pausedAt      *time.Time // nil when running
	totalPausedMs int64
}

func (t *tracker) elapsedMs(now time.Time) int64 {
	elapsed := now.Sub(t.startedAt).Milliseconds() - t.totalPausedMs
	if t.pausedAt != nil {
		elapsed -= now.Sub(*t.pausedAt).Milliseconds()
	}
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// Tracker is the mutex-protected map of per-panic-location timers shared
// between the HTTP endpoints and the Agent Runner's local calls (spec.md
// §5: "a mutex protects the per-panic_location timer entries; all
// endpoints and local calls acquire it").
type Tracker struct {
	mu       sync.Mutex
	trackers map[string]*tracker
	now      func() time.Time // overridable for tests
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{trackers: make(map[string]*tracker), now: time.Now}
}

// StartTracking creates a timer for loc, started at the current time.
// Only the Agent Runner calls this (spec.md §4.4: "Timer entries are
// created only by the agent runner").
func (t *Tracker) StartTracking(loc string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.trackers[loc] = &tracker{startedAt: t.now()}
}

// StopTracking destroys the timer for loc. Only the Agent Runner calls
// this.
func (t *Tracker) StopTracking(loc string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.trackers, loc)
}

// ElapsedMs returns the elapsed time for loc net of any paused intervals,
// per the formula in spec.md §3. Unknown locations report 0.
func (t *Tracker) ElapsedMs(loc string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	tr, ok := t.trackers[loc]
	if !ok {
		return 0
	}
	return tr.elapsedMs(t.now())
}

// IsPaused reports whether loc's timer is currently paused.
func (t *Tracker) IsPaused(loc string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	tr, ok := t.trackers[loc]
	return ok && tr.pausedAt != nil
}

// HasTimedOut reports whether loc's elapsed time has reached budgetMs.
func (t *Tracker) HasTimedOut(loc string, budgetMs int64) bool {
	return t.ElapsedMs(loc) >= budgetMs
}

// started records a simulator-start event for loc. It is a no-op (but
// still 200, per the HTTP contract) if no timer exists or it is already
// paused — idempotent under repeated delivery (spec.md §4.4, §8).
func (t *Tracker) started(loc string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tr, ok := t.trackers[loc]
	if !ok || tr.pausedAt != nil {
		return
	}
	now := t.now()
	tr.pausedAt = &now
}

// finished records a simulator-finish event for loc. It is a no-op if no
// timer exists or it is not currently paused. total_paused_ms never
// underflows: it only ever accumulates a single started→finished span.
func (t *Tracker) finished(loc string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tr, ok := t.trackers[loc]
	if !ok || tr.pausedAt == nil {
		return
	}
	tr.totalPausedMs += t.now().Sub(*tr.pausedAt).Milliseconds()
	tr.pausedAt = nil
}

// trackerSnapshot is the shape `/debug/trackers` reports for each live
// timer.
type trackerSnapshot struct {
	ElapsedMs     int64 `json:"elapsedMs"`
	TotalPausedMs int64 `json:"totalPausedMs"`
	IsPaused      bool  `json:"isPaused"`
}

// snapshot returns the current state of every live timer, keyed by
// panic_location.
func (t *Tracker) snapshot() map[string]trackerSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	out := make(map[string]trackerSnapshot, len(t.trackers))
	for loc, tr := range t.trackers {
		out[loc] = trackerSnapshot{
			ElapsedMs:     tr.elapsedMs(now),
			TotalPausedMs: tr.totalPausedMs,
			IsPaused:      tr.pausedAt != nil,
		}
	}
	return out
}

// count returns the number of live timers.
func (t *Tracker) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.trackers)
}
