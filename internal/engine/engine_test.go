package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"msgblast/internal/channel"
	"msgblast/internal/excel"
	"msgblast/pkg/logx"
)

// fakeAdapter scripts per-recipient failures: failures[recipient] is the
// number of attempts that fail before one succeeds.
type fakeAdapter struct {
	mu       sync.Mutex
	ready    bool
	failures map[string]int
	attempts map[string]int
	sent     []string
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{ready: true, failures: map[string]int{}, attempts: map[string]int{}}
}

func (a *fakeAdapter) Start(context.Context) error { return nil }
func (a *fakeAdapter) Stop(context.Context) error  { return nil }
func (a *fakeAdapter) Ready() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ready
}

func (a *fakeAdapter) SendText(_ context.Context, recipient, _ string) error {
	return a.send(recipient)
}

func (a *fakeAdapter) SendAttachment(_ context.Context, recipient, _, _ string, _ channel.Kind) error {
	return a.send(recipient)
}

func (a *fakeAdapter) send(recipient string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.attempts[recipient]++
	if a.attempts[recipient] <= a.failures[recipient] {
		return errors.New("simulated send failure")
	}
	a.sent = append(a.sent, recipient)
	return nil
}

func (a *fakeAdapter) attemptCount(recipient string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attempts[recipient]
}

type fakeRecorder struct {
	mu      sync.Mutex
	records map[int]string
	flushes int
}

func newFakeRecorder() *fakeRecorder { return &fakeRecorder{records: map[int]string{}} }

func (r *fakeRecorder) Record(position int, status, errMsg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if errMsg != "" {
		status = "Failed: " + errMsg
	}
	r.records[position] = status
}

func (r *fakeRecorder) FlushNow() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushes++
}

func (r *fakeRecorder) status(position int) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.records[position]
}

// collectNotifier records every callback and signals terminal events.
type collectNotifier struct {
	mu       sync.Mutex
	started  int
	progress []int
	rows     []string
	messages []MessageStatus
	done     chan string // "completed" | "stopped" | "error"

	completed struct{ total, success, failed int }
	stopped   struct{ processed, total, success, failed int }
	runErr    error
}

func newCollectNotifier() *collectNotifier {
	return &collectNotifier{done: make(chan string, 1)}
}

func (n *collectNotifier) RunStarted(total int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.started = total
}

func (n *collectNotifier) Progress(current, total, percent int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.progress = append(n.progress, current)
}

func (n *collectNotifier) RowStatus(position int, status, errMsg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rows = append(n.rows, status)
}

func (n *collectNotifier) MessageStatus(ms MessageStatus) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, ms)
}

func (n *collectNotifier) RunCompleted(total, success, failed int) {
	n.mu.Lock()
	n.completed.total, n.completed.success, n.completed.failed = total, success, failed
	n.mu.Unlock()
	n.done <- "completed"
}

func (n *collectNotifier) RunStopped(processed, total, success, failed int) {
	n.mu.Lock()
	n.stopped.processed, n.stopped.total = processed, total
	n.stopped.success, n.stopped.failed = success, failed
	n.mu.Unlock()
	n.done <- "stopped"
}

func (n *collectNotifier) RunError(err error) {
	n.mu.Lock()
	n.runErr = err
	n.mu.Unlock()
	n.done <- "error"
}

func (n *collectNotifier) wait(t *testing.T) string {
	t.Helper()
	select {
	case s := <-n.done:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("run did not reach a terminal state")
		return ""
	}
}

func textRow(position int, number string) excel.Row {
	return excel.Row{
		Position: position, Number: number, Kind: channel.KindMessage,
		RawType: "message", Content: "hello",
	}
}

func staticLoader(rows []excel.Row, rec StatusRecorder) Loader {
	return func(path string) (*LoadedJob, error) {
		return &LoadedJob{Source: path, Rows: rows, Recorder: rec}, nil
	}
}

func fastSettings() Settings {
	return Settings{
		DelayBetweenMessages: time.Millisecond,
		MaxRetries:           3,
		RetryDelay:           time.Millisecond,
		CountryCode:          "91",
	}
}

func TestRunCompletes(t *testing.T) {
	t.Parallel()
	adapter := newFakeAdapter()
	rec := newFakeRecorder()
	notifier := newCollectNotifier()
	rows := []excel.Row{textRow(2, "919876543210"), textRow(3, "919876543211")}

	e := New(adapter, staticLoader(rows, rec), notifier, nil, fastSettings(), logx.Nop())
	e.Start(context.Background())
	if err := e.StartRun("jobs.xlsx"); err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	if got := notifier.wait(t); got != "completed" {
		t.Fatalf("terminal = %q", got)
	}
	if notifier.completed.total != 2 || notifier.completed.success != 2 || notifier.completed.failed != 0 {
		t.Fatalf("completed = %+v", notifier.completed)
	}
	if rec.status(2) != excel.StatusSent || rec.status(3) != excel.StatusSent {
		t.Fatalf("records = %v", rec.records)
	}
	if rec.flushes == 0 {
		t.Fatal("FlushNow not called on completion")
	}

	snap := e.Snapshot()
	if snap.State != StateIdle || snap.Last == nil || snap.Last.State != StateCompleted {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestRetryThenSuccessAttemptAccounting(t *testing.T) {
	t.Parallel()
	adapter := newFakeAdapter()
	adapter.failures["919876543210"] = 3 // all retries consumed, last attempt succeeds
	rec := newFakeRecorder()
	notifier := newCollectNotifier()
	rows := []excel.Row{textRow(2, "919876543210")}

	e := New(adapter, staticLoader(rows, rec), notifier, nil, fastSettings(), logx.Nop())
	e.Start(context.Background())
	if err := e.StartRun("jobs.xlsx"); err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if got := notifier.wait(t); got != "completed" {
		t.Fatalf("terminal = %q", got)
	}

	if got := adapter.attemptCount("919876543210"); got != 4 {
		t.Fatalf("attempts = %d, want maxRetries+1", got)
	}
	if notifier.completed.success != 1 || notifier.completed.failed != 0 {
		t.Fatalf("completed = %+v", notifier.completed)
	}

	// Three retrying notifications precede the final sent.
	var retrying int
	notifier.mu.Lock()
	for _, ms := range notifier.messages {
		if ms.Status == "retrying" {
			retrying++
			if ms.MaxRetries != 3 {
				notifier.mu.Unlock()
				t.Fatalf("MaxRetries = %d", ms.MaxRetries)
			}
		}
	}
	notifier.mu.Unlock()
	if retrying != 3 {
		t.Fatalf("retrying events = %d", retrying)
	}
}

func TestRetryExhaustionFailsRow(t *testing.T) {
	t.Parallel()
	adapter := newFakeAdapter()
	adapter.failures["919876543210"] = 10 // never succeeds
	rec := newFakeRecorder()
	notifier := newCollectNotifier()
	rows := []excel.Row{textRow(2, "919876543210"), textRow(3, "919876543211")}

	e := New(adapter, staticLoader(rows, rec), notifier, nil, fastSettings(), logx.Nop())
	e.Start(context.Background())
	if err := e.StartRun("jobs.xlsx"); err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if got := notifier.wait(t); got != "completed" {
		t.Fatalf("terminal = %q", got)
	}

	if got := adapter.attemptCount("919876543210"); got != 4 {
		t.Fatalf("attempts = %d, want exactly maxRetries+1", got)
	}
	if notifier.completed.success != 1 || notifier.completed.failed != 1 {
		t.Fatalf("completed = %+v", notifier.completed)
	}
	if got := rec.status(2); got != "Failed: simulated send failure" {
		t.Fatalf("record = %q", got)
	}
	// The failed row never blocks the following one.
	if rec.status(3) != excel.StatusSent {
		t.Fatalf("row 3 = %q", rec.status(3))
	}
}

func TestInvalidRecipientFailsWithoutRetry(t *testing.T) {
	t.Parallel()
	adapter := newFakeAdapter()
	rec := newFakeRecorder()
	notifier := newCollectNotifier()
	rows := []excel.Row{textRow(2, "12")}

	e := New(adapter, staticLoader(rows, rec), notifier, nil, fastSettings(), logx.Nop())
	e.Start(context.Background())
	if err := e.StartRun("jobs.xlsx"); err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if got := notifier.wait(t); got != "completed" {
		t.Fatalf("terminal = %q", got)
	}

	if got := adapter.attemptCount("12"); got != 0 {
		t.Fatalf("send attempted %d times for invalid recipient", got)
	}
	if notifier.completed.failed != 1 {
		t.Fatalf("completed = %+v", notifier.completed)
	}
}

func TestBusyRejection(t *testing.T) {
	t.Parallel()
	adapter := newFakeAdapter()
	rec := newFakeRecorder()
	notifier := newCollectNotifier()

	release := make(chan struct{})
	var once sync.Once
	rows := []excel.Row{textRow(2, "919876543210")}
	loader := func(path string) (*LoadedJob, error) {
		once.Do(func() { <-release })
		return &LoadedJob{Source: path, Rows: rows, Recorder: rec}, nil
	}

	e := New(adapter, loader, notifier, nil, fastSettings(), logx.Nop())
	e.Start(context.Background())
	if err := e.StartRun("jobs.xlsx"); err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	if err := e.StartRun("jobs.xlsx"); !errors.Is(err, ErrBusy) {
		t.Fatalf("second StartRun err = %v, want ErrBusy", err)
	}

	close(release)
	if got := notifier.wait(t); got != "completed" {
		t.Fatalf("terminal = %q", got)
	}
	// The rejected start must not have disturbed the active run.
	if notifier.completed.success != 1 {
		t.Fatalf("completed = %+v", notifier.completed)
	}
}

func TestChannelNotReadyRejection(t *testing.T) {
	t.Parallel()
	adapter := newFakeAdapter()
	adapter.ready = false
	e := New(adapter, staticLoader(nil, newFakeRecorder()), newCollectNotifier(), nil, fastSettings(), logx.Nop())

	if err := e.StartRun("jobs.xlsx"); !errors.Is(err, ErrChannelNotReady) {
		t.Fatalf("err = %v, want ErrChannelNotReady", err)
	}
	if st := e.Snapshot(); st.State != StateIdle {
		t.Fatalf("state = %v after rejection", st.State)
	}
}

func TestStopAtRowBoundary(t *testing.T) {
	t.Parallel()
	adapter := newFakeAdapter()
	rec := newFakeRecorder()
	notifier := newCollectNotifier()

	var rows []excel.Row
	for i := 0; i < 50; i++ {
		rows = append(rows, textRow(i+2, "919876543210"))
	}

	st := fastSettings()
	st.DelayBetweenMessages = 20 * time.Millisecond
	e := New(adapter, staticLoader(rows, rec), notifier, nil, st, logx.Nop())
	e.Start(context.Background())
	if err := e.StartRun("jobs.xlsx"); err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	// Let a few rows through, then stop.
	time.Sleep(50 * time.Millisecond)
	e.RequestStop()

	if got := notifier.wait(t); got != "stopped" {
		t.Fatalf("terminal = %q", got)
	}
	processed := notifier.stopped.processed
	if processed == 0 || processed == len(rows) {
		t.Fatalf("processed = %d, want a partial count", processed)
	}
	// Every processed row ran to completion; none beyond it started.
	if notifier.stopped.success != processed {
		t.Fatalf("success = %d, processed = %d", notifier.stopped.success, processed)
	}
	if got := adapter.attemptCount("919876543210"); got != processed {
		t.Fatalf("sends = %d, processed = %d", got, processed)
	}

	// The engine is reusable after a stop.
	if err := e.StartRun("jobs2.xlsx"); err != nil {
		t.Fatalf("restart after stop: %v", err)
	}
	e.RequestStop()
	notifier.wait(t)
}

func TestLoaderErrorEndsRunErrored(t *testing.T) {
	t.Parallel()
	notifier := newCollectNotifier()
	loader := func(string) (*LoadedJob, error) { return nil, errors.New("excel file not found: jobs.xlsx") }

	e := New(newFakeAdapter(), loader, notifier, nil, fastSettings(), logx.Nop())
	e.Start(context.Background())
	if err := e.StartRun("jobs.xlsx"); err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if got := notifier.wait(t); got != "error" {
		t.Fatalf("terminal = %q", got)
	}
	if notifier.runErr == nil {
		t.Fatal("RunError not delivered")
	}
	snap := e.Snapshot()
	if snap.State != StateIdle || snap.Last == nil || snap.Last.State != StateErrored {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestRequestStopWhenIdleIsNoop(t *testing.T) {
	t.Parallel()
	e := New(newFakeAdapter(), staticLoader(nil, newFakeRecorder()), newCollectNotifier(), nil, fastSettings(), logx.Nop())
	e.RequestStop()
	if st := e.Snapshot(); st.State != StateIdle {
		t.Fatalf("state = %v", st.State)
	}
}
