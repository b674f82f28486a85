// Package engine owns the dispatch run: the single-run state machine, the
// per-row send/retry procedure, pacing between sends, and the cooperative
// stop contract.
package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"msgblast/internal/channel"
	"msgblast/internal/excel"
	"msgblast/internal/storage"
	"msgblast/pkg/logx"
)

type Engine struct {
	adapter  channel.Adapter
	load     Loader
	notifier Notifier
	store    storage.Store
	log      logx.Logger

	mu       sync.Mutex
	state    State
	stop     bool
	settings Settings
	last     *RunSummary

	// baseCtx parents every run so process shutdown cancels in-run waits.
	baseCtx context.Context

	// active run bookkeeping, guarded by mu.
	activeRecorder StatusRecorder

	runWG sync.WaitGroup
}

func New(adapter channel.Adapter, load Loader, notifier Notifier, store storage.Store, st Settings, log logx.Logger) *Engine {
	if store == nil {
		store = storage.Nop()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		adapter:  adapter,
		load:     load,
		notifier: notifier,
		store:    store,
		settings: st,
		log:      log,
		state:    StateIdle,
		baseCtx:  context.Background(),
	}
}

// Start installs the base context for runs. It does not start a run.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	e.baseCtx = ctx
	e.mu.Unlock()
}

// Stop requests a stop and waits for the active run (if any) to reach its
// terminal state, bounded by ctx.
func (e *Engine) Stop(ctx context.Context) {
	e.RequestStop()
	done := make(chan struct{})
	go func() {
		e.runWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		e.log.Warn("engine stop timed out; run still draining")
	}
}

// Apply replaces the settings used by the next run. The active run keeps its
// snapshot.
func (e *Engine) Apply(st Settings) {
	e.mu.Lock()
	e.settings = st
	e.mu.Unlock()
}

func (e *Engine) Settings() Settings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settings
}

func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == StateRunning || e.state == StateStopRequested
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	var last *RunSummary
	if e.last != nil {
		cp := *e.last
		last = &cp
	}
	return Snapshot{
		State:   e.state,
		StateS:  e.state.String(),
		Running: e.state == StateRunning || e.state == StateStopRequested,
		Last:    last,
	}
}

// StartRun transitions Idle -> Running and launches the run goroutine.
// Preconditions are checked synchronously: a busy engine and a channel that
// is not ready are both rejected without any state change.
func (e *Engine) StartRun(path string) error {
	e.mu.Lock()
	if e.state != StateIdle {
		e.mu.Unlock()
		return ErrBusy
	}
	if !e.adapter.Ready() {
		e.mu.Unlock()
		return ErrChannelNotReady
	}
	e.state = StateRunning
	e.stop = false
	st := e.settings
	ctx := e.baseCtx
	e.mu.Unlock()

	e.runWG.Add(1)
	go e.run(ctx, path, st)
	return nil
}

// RequestStop marks the run for a stop at the next row boundary. It never
// interrupts an in-flight send or its pending retries. No-op when idle.
func (e *Engine) RequestStop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateRunning {
		e.state = StateStopRequested
		e.stop = true
		e.log.Info("stop requested")
	}
}

func (e *Engine) stopRequested() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stop
}

// FlushStatus forces the active run's write-back buffer to disk. Safe to call
// any time; used at process shutdown.
func (e *Engine) FlushStatus() {
	e.mu.Lock()
	rec := e.activeRecorder
	e.mu.Unlock()
	if rec != nil {
		rec.FlushNow()
	}
}

func (e *Engine) run(ctx context.Context, path string, st Settings) {
	defer e.runWG.Done()
	defer func() {
		// Anything escaping the per-row envelope is a fatal run error.
		if r := recover(); r != nil {
			err := fmt.Errorf("panic in dispatch run: %v", r)
			e.log.Error("dispatch run panicked", logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
			e.finish(RunSummary{State: StateErrored, Source: path, Error: err.Error()}, 0)
			e.notifier.RunError(err)
		}
	}()

	started := time.Now()

	job, err := e.load(path)
	if err != nil {
		e.log.Error("job load failed", logx.String("path", path), logx.Err(err))
		e.notifier.RunError(err)
		e.finish(RunSummary{
			State: StateErrored, Source: path, StartedAt: started,
			FinishedAt: time.Now(), Error: err.Error(),
		}, 0)
		return
	}
	defer func() {
		if job.Close != nil {
			_ = job.Close()
		}
	}()

	e.mu.Lock()
	e.activeRecorder = job.Recorder
	e.mu.Unlock()

	total := len(job.Rows)
	e.log.Info("run started", logx.String("source", path), logx.Int("total", total),
		logx.Duration("delay", st.DelayBetweenMessages), logx.Int("max_retries", st.MaxRetries))
	e.notifier.RunStarted(total)

	runID, herr := e.store.CreateRun(ctx, path, total)
	if herr != nil {
		e.log.Warn("run history unavailable", logx.Err(herr))
	}

	limiter := rate.NewLimiter(rate.Every(st.DelayBetweenMessages), 1)
	// Consume the initial token so the first send goes out immediately and
	// pacing applies between sends.
	_ = limiter.Allow()

	var (
		success, failed int
		processed       int
		stopped         bool
	)

	for i, row := range job.Rows {
		current := i + 1
		e.notifier.Progress(current, total, percent(current, total))

		outcome := e.processRow(ctx, row, st, job.Recorder)
		if outcome.Success {
			success++
		} else {
			failed++
		}
		processed = current
		e.appendHistory(ctx, runID, row, outcome)

		if current < total {
			// Inter-send delay, then the stop check at the row boundary.
			if err := limiter.Wait(ctx); err != nil {
				stopped = true
				break
			}
		}
		if e.stopRequested() {
			stopped = true
			break
		}
		if ctx.Err() != nil {
			stopped = true
			break
		}
	}

	job.Recorder.FlushNow()
	finished := time.Now()

	if stopped {
		e.log.Info("run stopped by request", logx.Int("processed", processed),
			logx.Int("total", total), logx.Int("success", success), logx.Int("failed", failed))
		e.finishRunHistory(runID, StateStopped, success, failed, "")
		e.finish(RunSummary{
			State: StateStopped, Source: path, Total: total, Processed: processed,
			Success: success, Failed: failed, StartedAt: started, FinishedAt: finished,
		}, processed)
		e.notifier.RunStopped(processed, total, success, failed)
		return
	}

	e.log.Info("run complete", logx.Int("total", total),
		logx.Int("success", success), logx.Int("failed", failed))
	e.finishRunHistory(runID, StateCompleted, success, failed, "")
	e.finish(RunSummary{
		State: StateCompleted, Source: path, Total: total, Processed: processed,
		Success: success, Failed: failed, StartedAt: started, FinishedAt: finished,
	}, processed)
	e.notifier.RunCompleted(total, success, failed)
}

// processRow drives one row through normalize -> send -> bounded retry and
// finalizes its outcome (write-back plus progress events). Row failures are
// terminal for the row only, never for the run.
func (e *Engine) processRow(ctx context.Context, row excel.Row, st Settings, rec StatusRecorder) Outcome {
	e.notifier.RowStatus(row.Position, "processing", "")

	recipient, err := channel.Normalize(row.Number, st.CountryCode)
	if err != nil {
		// Not transient: a malformed recipient never succeeds on retry.
		return e.finalizeRow(row, rec, Outcome{
			Recipient: row.Number, Error: err.Error(), Attempts: 0, Timestamp: time.Now(),
		})
	}
	if row.Kind == "" {
		return e.finalizeRow(row, rec, Outcome{
			Recipient: recipient,
			Error:     fmt.Sprintf("unsupported message type: %s", row.RawType),
			Timestamp: time.Now(),
		})
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= st.MaxRetries; attempt++ {
		attempts = attempt + 1
		lastErr = e.send(ctx, row, recipient)
		if lastErr == nil {
			break
		}
		if attempt == st.MaxRetries {
			break
		}
		e.log.Debug("send retry scheduled", logx.Int("row", row.Position),
			logx.String("to", recipient), logx.Int("attempt", attempt+1),
			logx.Int("max_retries", st.MaxRetries), logx.Err(lastErr))
		e.notifier.MessageStatus(MessageStatus{
			Recipient: recipient, Status: "retrying", Kind: string(row.Kind),
			Error: lastErr.Error(), Attempt: attempt + 1, MaxRetries: st.MaxRetries,
		})
		if err := sleep(ctx, st.RetryDelay); err != nil {
			lastErr = err
			break
		}
	}

	return e.finalizeRow(row, rec, Outcome{
		Success:   lastErr == nil,
		Recipient: recipient,
		Error:     errString(lastErr),
		Attempts:  attempts,
		Timestamp: time.Now(),
	})
}

func (e *Engine) send(ctx context.Context, row excel.Row, recipient string) error {
	switch row.Kind {
	case channel.KindMessage:
		return e.adapter.SendText(ctx, recipient, row.Content)
	case channel.KindDocument, channel.KindMedia:
		return e.adapter.SendAttachment(ctx, recipient, row.AttachmentRef, row.Content, row.Kind)
	default:
		return fmt.Errorf("unsupported message type: %s", row.RawType)
	}
}

func (e *Engine) finalizeRow(row excel.Row, rec StatusRecorder, o Outcome) Outcome {
	if o.Success {
		rec.Record(row.Position, excel.StatusSent, "")
		e.notifier.RowStatus(row.Position, "sent", "")
		e.notifier.MessageStatus(MessageStatus{
			Recipient: o.Recipient, Status: "sent", Kind: string(row.Kind),
		})
		e.log.Info("message sent", logx.Int("row", row.Position),
			logx.String("to", o.Recipient), logx.Int("attempts", o.Attempts))
		return o
	}

	rec.Record(row.Position, "failed", o.Error)
	e.notifier.RowStatus(row.Position, "failed", o.Error)
	e.notifier.MessageStatus(MessageStatus{
		Recipient: o.Recipient, Status: "failed", Kind: string(row.Kind), Error: o.Error,
	})
	e.log.Warn("message failed", logx.Int("row", row.Position),
		logx.String("to", o.Recipient), logx.Int("attempts", o.Attempts),
		logx.String("err", o.Error))
	return o
}

func (e *Engine) appendHistory(ctx context.Context, runID int64, row excel.Row, o Outcome) {
	if runID == 0 {
		return
	}
	err := e.store.AppendOutcome(ctx, storage.OutcomeRecord{
		RunID: runID, Position: row.Position, Recipient: o.Recipient,
		Kind: string(row.Kind), Success: o.Success, Attempts: o.Attempts,
		Error: o.Error, At: o.Timestamp,
	})
	if err != nil {
		e.log.Debug("outcome history write failed", logx.Err(err))
	}
}

func (e *Engine) finishRunHistory(runID int64, state State, success, failed int, runErr string) {
	if runID == 0 {
		return
	}
	// Best-effort and decoupled from the (possibly cancelled) run context.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.store.FinishRun(ctx, runID, state.String(), success, failed, runErr); err != nil {
		e.log.Debug("run history write failed", logx.Err(err))
	}
}

// finish records the terminal summary and returns the machine to Idle so the
// next run can start.
func (e *Engine) finish(summary RunSummary, processed int) {
	summary.Processed = processed
	if summary.FinishedAt.IsZero() {
		summary.FinishedAt = time.Now()
	}
	e.mu.Lock()
	e.state = StateIdle
	e.stop = false
	e.activeRecorder = nil
	e.last = &summary
	e.mu.Unlock()
}

func percent(current, total int) int {
	if total <= 0 {
		return 0
	}
	return int(float64(current)/float64(total)*100 + 0.5)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
