package excel

import (
	"sync"
	"time"

	"msgblast/pkg/logx"
)

// StatusWriter is the sole writer of the Status column. Cell updates land in
// the in-memory workbook immediately; durable saves are batched: a save is
// forced when the pending counter reaches the threshold, or after a debounce
// interval measured from the first unflushed update.
//
// A failed save is logged and the buffer stays dirty, so the next flush
// (counter, timer, or FlushNow) retries with the accumulated state.
type StatusWriter struct {
	wb  *Workbook
	log logx.Logger

	threshold int
	debounce  time.Duration

	mu      sync.Mutex
	pending int
	timer   *time.Timer
}

func NewStatusWriter(wb *Workbook, threshold int, debounce time.Duration, log logx.Logger) *StatusWriter {
	if threshold <= 0 {
		threshold = 10
	}
	if debounce <= 0 {
		debounce = time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &StatusWriter{wb: wb, log: log, threshold: threshold, debounce: debounce}
}

// Record updates the status cell for a worksheet row and defers the durable
// write. A non-empty errMsg renders the cell as "Failed: <reason>".
func (s *StatusWriter) Record(position int, status, errMsg string) {
	text := status
	if errMsg != "" {
		text = "Failed: " + errMsg
	}
	if err := s.wb.SetStatus(position, text); err != nil {
		s.log.Error("status cell update failed", logx.Int("row", position), logx.Err(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending++
	if s.pending >= s.threshold {
		s.flushLocked()
		return
	}
	if s.timer == nil {
		s.timer = time.AfterFunc(s.debounce, s.debounceFlush)
	}
}

func (s *StatusWriter) debounceFlush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timer = nil
	if s.pending > 0 {
		s.flushLocked()
	}
}

// FlushNow forces an immediate durable save. Call it at the end of every run
// and at process shutdown so no update is lost.
func (s *StatusWriter) FlushNow() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending > 0 {
		s.flushLocked()
	}
}

// Pending reports the number of unflushed updates.
func (s *StatusWriter) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

func (s *StatusWriter) flushLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if err := s.wb.Save(); err != nil {
		// Keep the buffer dirty; the run continues and a later flush retries.
		s.log.Error("workbook save failed", logx.String("path", s.wb.Path()),
			logx.Int("pending", s.pending), logx.Err(err))
		return
	}
	s.log.Debug("workbook saved", logx.Int("pending", s.pending))
	s.pending = 0
}
