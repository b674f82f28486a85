package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"msgblast/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{
		Driver:      "sqlite",
		Path:        filepath.Join(t.TempDir(), "history.db"),
		BusyTimeout: time.Second,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestSQLiteRunLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	id, err := st.CreateRun(ctx, "jobs.xlsx", 3)
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if id == 0 {
		t.Fatal("run id = 0")
	}

	for i, ok := range []bool{true, true, false} {
		err := st.AppendOutcome(ctx, OutcomeRecord{
			RunID: id, Position: i + 2, Recipient: "919876543210",
			Kind: "message", Success: ok, Attempts: 1,
		})
		if err != nil {
			t.Fatalf("AppendOutcome: %v", err)
		}
	}

	if err := st.FinishRun(ctx, id, "completed", 2, 1, ""); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	runs, err := st.RecentRuns(ctx, 10)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("runs = %d", len(runs))
	}
	r := runs[0]
	if r.State != "completed" || r.Success != 2 || r.Failed != 1 || r.Total != 3 {
		t.Fatalf("unexpected run record: %+v", r)
	}
	if r.FinishedAt == nil {
		t.Fatal("FinishedAt not set")
	}

	outs, err := st.RunOutcomes(ctx, id)
	if err != nil {
		t.Fatalf("RunOutcomes: %v", err)
	}
	if len(outs) != 3 {
		t.Fatalf("outcomes = %d", len(outs))
	}
	if outs[0].Position != 2 || outs[2].Success {
		t.Fatalf("unexpected outcomes: %+v", outs)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestNopStore(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "none"}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if id, err := st.CreateRun(context.Background(), "x", 1); err != nil || id != 0 {
		t.Fatalf("CreateRun = %d, %v", id, err)
	}
	if _, err := st.RecentRuns(context.Background(), 5); err != ErrDisabled {
		t.Fatalf("RecentRuns err = %v, want ErrDisabled", err)
	}
}
