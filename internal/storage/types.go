// Package storage keeps the run history: one record per dispatch run plus the
// per-recipient outcomes, queryable after the fact.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrDisabled is returned by query methods when history is turned off.
var ErrDisabled = errors.New("run history storage is disabled")

// RunRecord is one dispatch run.
type RunRecord struct {
	ID         int64      `json:"id"`
	Source     string     `json:"source"`
	Total      int        `json:"total"`
	Success    int        `json:"success"`
	Failed     int        `json:"failed"`
	State      string     `json:"state"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// OutcomeRecord is one recipient's final result within a run.
type OutcomeRecord struct {
	RunID     int64     `json:"run_id"`
	Position  int       `json:"row"`
	Recipient string    `json:"recipient"`
	Kind      string    `json:"type"`
	Success   bool      `json:"success"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Store persists run history. Implementations must be safe for concurrent
// use; the engine writes from the run goroutine while the HTTP surface reads.
type Store interface {
	CreateRun(ctx context.Context, source string, total int) (int64, error)
	FinishRun(ctx context.Context, id int64, state string, success, failed int, runErr string) error
	AppendOutcome(ctx context.Context, o OutcomeRecord) error
	RecentRuns(ctx context.Context, limit int) ([]RunRecord, error)
	RunOutcomes(ctx context.Context, runID int64) ([]OutcomeRecord, error)
	Close() error
}

type nopStore struct{}

// Nop returns a Store that records nothing. Used when history is disabled.
func Nop() Store { return nopStore{} }

func (nopStore) CreateRun(context.Context, string, int) (int64, error)            { return 0, nil }
func (nopStore) FinishRun(context.Context, int64, string, int, int, string) error { return nil }
func (nopStore) AppendOutcome(context.Context, OutcomeRecord) error               { return nil }
func (nopStore) RecentRuns(context.Context, int) ([]RunRecord, error)             { return nil, ErrDisabled }
func (nopStore) RunOutcomes(context.Context, int64) ([]OutcomeRecord, error)      { return nil, ErrDisabled }
func (nopStore) Close() error                                                     { return nil }
