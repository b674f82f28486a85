package engine

import (
	"errors"
	"time"

	"msgblast/internal/excel"
)

// State is the run lifecycle. Exactly one run may be active; every terminal
// state returns to Idle before the next run can start.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopRequested
	StateCompleted
	StateStopped
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopRequested:
		return "stop_requested"
	case StateCompleted:
		return "completed"
	case StateStopped:
		return "stopped"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

var (
	// ErrBusy rejects a second run while one is active.
	ErrBusy = errors.New("message processing already in progress")
	// ErrChannelNotReady rejects a run before the channel authenticated.
	ErrChannelNotReady = errors.New("messaging channel is not ready")
)

// Settings is the per-run send policy, snapshotted when the run starts.
// Mid-run config edits apply to the next run only.
type Settings struct {
	DelayBetweenMessages time.Duration
	MaxRetries           int
	RetryDelay           time.Duration
	CountryCode          string
}

// Outcome is the per-row result. Append-only: produced once per row per run
// and never mutated.
type Outcome struct {
	Success   bool
	Recipient string
	Error     string
	Attempts  int
	Timestamp time.Time
}

// MessageStatus is the per-message progress payload.
type MessageStatus struct {
	Recipient  string
	Status     string // sent | failed | retrying
	Kind       string
	Error      string
	Attempt    int
	MaxRetries int
}

// Notifier is the sink for run progress. The engine calls it synchronously
// from the run goroutine; implementations must be fast and non-blocking.
type Notifier interface {
	RunStarted(total int)
	Progress(current, total, percent int)
	RowStatus(position int, status, errMsg string)
	MessageStatus(ms MessageStatus)
	RunCompleted(total, success, failed int)
	RunStopped(processed, total, success, failed int)
	RunError(err error)
}

// StatusRecorder receives per-row outcomes for write-back. FlushNow is called
// on every terminal path.
type StatusRecorder interface {
	Record(position int, status, errMsg string)
	FlushNow()
}

// LoadedJob is a job source opened for one run.
type LoadedJob struct {
	Source   string
	Rows     []excel.Row
	Recorder StatusRecorder
	Close    func() error
}

// Loader opens the job table and its write-back recorder. The production
// loader wraps the excel ingestor; tests substitute fakes.
type Loader func(path string) (*LoadedJob, error)

// RunSummary is the record of the most recent run.
type RunSummary struct {
	State      State     `json:"state"`
	Source     string    `json:"source"`
	Total      int       `json:"total"`
	Processed  int       `json:"processed"`
	Success    int       `json:"success"`
	Failed     int       `json:"failed"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Error      string    `json:"error,omitempty"`
}

// Snapshot is the externally visible engine state.
type Snapshot struct {
	State   State       `json:"-"`
	StateS  string      `json:"state"`
	Running bool        `json:"running"`
	Last    *RunSummary `json:"last_run,omitempty"`
}
