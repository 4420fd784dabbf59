package timer

import (
	"testing"
	"time"
)

func newTestTracker(start time.Time) (*Tracker, *time.Time) {
	cur := start
	tr := NewTracker()
	tr.now = func() time.Time { return cur }
	return tr, &cur
}

func TestElapsedMsAccumulatesWhileRunning(t *testing.T) {
	tr, cur := newTestTracker(time.Unix(0, 0))
	tr.StartTracking("loc:1")
	*cur = cur.Add(5 * time.Second)
	if got := tr.ElapsedMs("loc:1"); got != 5000 {
		t.Errorf("got %d, want 5000", got)
	}
}

func TestPauseExcludesSimulatorTime(t *testing.T) {
	// Scenario S4: agent runs 2s, simulator runs 10s (paused), agent runs
	// another 2s. Budget-relevant elapsed time should be ~4s, not ~14s.
	tr, cur := newTestTracker(time.Unix(0, 0))
	tr.StartTracking("loc:1")
	*cur = cur.Add(2 * time.Second)

	tr.started("loc:1")
	*cur = cur.Add(10 * time.Second)
	tr.finished("loc:1")

	*cur = cur.Add(2 * time.Second)

	if got := tr.ElapsedMs("loc:1"); got != 4000 {
		t.Errorf("got %d, want 4000", got)
	}
}

func TestDoubleStartedIsIdempotent(t *testing.T) {
	tr, cur := newTestTracker(time.Unix(0, 0))
	tr.StartTracking("loc:1")
	tr.started("loc:1")
	firstPause := cur
	_ = firstPause
	*cur = cur.Add(3 * time.Second)
	tr.started("loc:1") // repeated "started" delivery must not reset the pause point
	*cur = cur.Add(2 * time.Second)
	tr.finished("loc:1")

	if got := tr.ElapsedMs("loc:1"); got != 0 {
		t.Errorf("got %d, want 0 (all 5s were paused)", got)
	}
}

func TestDoubleFinishedIsIdempotent(t *testing.T) {
	tr, cur := newTestTracker(time.Unix(0, 0))
	tr.StartTracking("loc:1")
	tr.started("loc:1")
	*cur = cur.Add(3 * time.Second)
	tr.finished("loc:1")
	tr.finished("loc:1") // repeated "finished" must not double-count the paused span

	if tr.ElapsedMs("loc:1") != 0 {
		t.Fatalf("elapsed should be 0 immediately after finishing")
	}
	*cur = cur.Add(1 * time.Second)
	if got := tr.ElapsedMs("loc:1"); got != 1000 {
		t.Errorf("got %d, want 1000", got)
	}
}

func TestFinishedWithoutStartedIsNoop(t *testing.T) {
	tr, cur := newTestTracker(time.Unix(0, 0))
	tr.StartTracking("loc:1")
	*cur = cur.Add(1 * time.Second)
	tr.finished("loc:1")
	if got := tr.ElapsedMs("loc:1"); got != 1000 {
		t.Errorf("got %d, want 1000 (no paused span recorded)", got)
	}
}

func TestUnknownLocationReportsZero(t *testing.T) {
	tr := NewTracker()
	if got := tr.ElapsedMs("missing"); got != 0 {
		t.Errorf("got %d, want 0", got)
	}
	if tr.IsPaused("missing") {
		t.Error("unknown location should not be paused")
	}
	if !tr.HasTimedOut("missing", 0) {
		t.Error("0 >= 0 budget should report timed out even for unknown location")
	}
}

func TestStopTrackingRemovesEntry(t *testing.T) {
	tr := NewTracker()
	tr.StartTracking("loc:1")
	tr.StopTracking("loc:1")
	if tr.count() != 0 {
		t.Errorf("expected tracker to be removed")
	}
}

func TestHasTimedOut(t *testing.T) {
	tr, cur := newTestTracker(time.Unix(0, 0))
	tr.StartTracking("loc:1")
	*cur = cur.Add(9 * time.Second)
	if tr.HasTimedOut("loc:1", 10000) {
		t.Error("should not have timed out yet")
	}
	*cur = cur.Add(2 * time.Second)
	if !tr.HasTimedOut("loc:1", 10000) {
		t.Error("should have timed out")
	}
}

func TestParseSimPath(t *testing.T) {
	cases := []struct {
		in         string
		wantLoc    string
		wantAction string
		wantOK     bool
	}{
		{"/sim/src%2Fvdbe.c%3A1234/started", "src/vdbe.c:1234", "started", true},
		{"/sim/simple-loc/finished", "simple-loc", "finished", true},
		{"/sim/loc", "", "", false},
		{"/health", "", "", false},
		{"/sim//started", "", "", false},
	}
	for _, c := range cases {
		loc, action, ok := parseSimPath(c.in)
		if ok != c.wantOK || loc != c.wantLoc || action != c.wantAction {
			t.Errorf("parseSimPath(%q) = (%q, %q, %v), want (%q, %q, %v)",
				c.in, loc, action, ok, c.wantLoc, c.wantAction, c.wantOK)
		}
	}
}

func TestSnapshotReportsLiveTimers(t *testing.T) {
	tr, cur := newTestTracker(time.Unix(0, 0))
	tr.StartTracking("loc:1")
	*cur = cur.Add(3 * time.Second)
	snap := tr.snapshot()
	entry, ok := snap["loc:1"]
	if !ok {
		t.Fatal("expected loc:1 in snapshot")
	}
	if entry.ElapsedMs != 3000 || entry.IsPaused {
		t.Errorf("got %+v", entry)
	}
}
