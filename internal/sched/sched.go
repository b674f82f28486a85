// Package sched triggers unattended dispatch runs on a cron schedule.
package sched

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"msgblast/internal/engine"
	"msgblast/pkg/logx"
)

// Settings is the scheduler's desired state, derived from config.
type Settings struct {
	Enabled  bool
	Spec     string // standard 5-field cron spec, descriptors allowed
	Table    string // xlsx path dispatched on each tick
	Timezone string // IANA name; empty means local time
}

// Runner starts a dispatch run. Satisfied by *engine.Engine.
type Runner interface {
	StartRun(path string) error
}

type Scheduler struct {
	runner Runner
	log    logx.Logger
	parser cron.Parser

	mu      sync.Mutex
	c       *cron.Cron
	current Settings
}

func New(runner Runner, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		runner: runner,
		log:    log,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Apply reconciles the running cron with the desired settings. Safe to call
// on every config change; a no-op when nothing relevant changed.
func (s *Scheduler) Apply(st Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st == s.current && s.appliedLocked(st) {
		return nil
	}

	s.stopLocked()
	s.current = st
	if !st.Enabled {
		s.log.Debug("schedule disabled")
		return nil
	}
	if strings.TrimSpace(st.Spec) == "" || strings.TrimSpace(st.Table) == "" {
		return errors.New("schedule requires both a cron spec and a table path")
	}

	loc := time.Local
	if st.Timezone != "" {
		l, err := time.LoadLocation(st.Timezone)
		if err != nil {
			return fmt.Errorf("schedule.timezone: %w", err)
		}
		loc = l
	}

	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	if _, err := c.AddFunc(st.Spec, s.tick); err != nil {
		return fmt.Errorf("schedule.spec: %w", err)
	}
	c.Start()
	s.c = c
	s.log.Info("schedule armed", logx.String("spec", st.Spec),
		logx.String("table", st.Table), logx.String("tz", loc.String()))
	return nil
}

func (s *Scheduler) appliedLocked(st Settings) bool {
	return st.Enabled == (s.c != nil)
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	table := s.current.Table
	s.mu.Unlock()

	err := s.runner.StartRun(table)
	switch {
	case err == nil:
		s.log.Info("scheduled run started", logx.String("table", table))
	case errors.Is(err, engine.ErrBusy):
		// An active run wins; this tick is skipped, not queued.
		s.log.Warn("scheduled run skipped, dispatch busy", logx.String("table", table))
	default:
		s.log.Error("scheduled run failed to start", logx.String("table", table), logx.Err(err))
	}
}

// Stop halts the cron and waits for a running trigger callback to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Scheduler) stopLocked() {
	if s.c != nil {
		ctx := s.c.Stop()
		<-ctx.Done()
		s.c = nil
	}
}
