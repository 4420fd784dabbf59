// Package dto holds the data types shared across the store, the state
// handlers, and the orchestrator: the durable PanicWorkItem, its log
// records, and the structured errors handlers report back.
package dto

import "time"

// Status is one of the states a PanicWorkItem can occupy. See the state
// diagram in spec.md §4.6.6: there are no back-edges, and PrOpen /
// NeedsHumanReview are terminal.
type Status string

// The full set of statuses, in state-diagram order.
const (
	StatusPending          Status = "pending"
	StatusRepoSetup        Status = "repo_setup"
	StatusReproducing      Status = "reproducing"
	StatusFixing           Status = "fixing"
	StatusShipping         Status = "shipping"
	StatusPROpen           Status = "pr_open"
	StatusNeedsHumanReview Status = "needs_human_review"
)

// Terminal reports whether s is a terminal status that the orchestrator
// must never reprocess.
func (s Status) Terminal() bool {
	return s == StatusPROpen || s == StatusNeedsHumanReview
}

// next enumerates the single live edge leaving each non-terminal status.
// Handlers may always redirect to StatusNeedsHumanReview instead.
var next = map[Status]Status{
	StatusPending:     StatusRepoSetup,
	StatusRepoSetup:   StatusReproducing,
	StatusReproducing: StatusFixing,
	StatusFixing:      StatusShipping,
	StatusShipping:    StatusPROpen,
}

// ValidTransition reports whether moving from `from` to `to` is an edge of
// the state diagram in spec.md §4.6.6.
func ValidTransition(from, to Status) bool {
	if to == StatusNeedsHumanReview {
		return !from.Terminal()
	}
	return next[from] == to
}

// WorkflowError is the structured record attached to a work-item when a
// handler fails, per spec.md §7.
type WorkflowError struct {
	Phase     string    `json:"phase"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// PanicWorkItem is the durable record described in spec.md §3, keyed by
// PanicLocation (e.g. "src/vdbe.c:1234").
type PanicWorkItem struct {
	PanicLocation  string         `json:"panic_location"`
	Status         Status         `json:"status"`
	PanicMessage   string         `json:"panic_message"`
	SQLStatements  string         `json:"sql_statements"`
	BranchName     string         `json:"branch_name,omitempty"`
	PRUrl          string         `json:"pr_url,omitempty"`
	RetryCount     int            `json:"retry_count"`
	WorkflowError  *WorkflowError `json:"workflow_error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// LogLevel is one of the four severities a LogRecord can carry.
type LogLevel string

// The supported log levels, ordered from least to most severe.
const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// levelRank orders levels for the store's configurable minimum-level filter.
var levelRank = map[LogLevel]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// Enabled reports whether a record at level lvl should be kept given a
// configured minimum level min.
func Enabled(lvl, min LogLevel) bool {
	return levelRank[lvl] >= levelRank[min]
}

// LogRecord is the append-only log entry described in spec.md §3.
// PanicLocation is empty for system-level records ("system" in the spec
// text means "no associated work-item", represented here as "").
type LogRecord struct {
	ID            int64          `json:"id,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Level         LogLevel       `json:"level"`
	PanicLocation string         `json:"panic_location,omitempty"`
	Phase         string         `json:"phase"`
	Message       string         `json:"message"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	RunID         string         `json:"run_id,omitempty"`
}

// StatusUpdate captures the optional fields update_status may set alongside
// a new status transition (spec.md §4.2).
type StatusUpdate struct {
	BranchName    *string
	PRUrl         *string
	WorkflowError *WorkflowError
}
