/*
scheduler.go - Automated due-date sweep scheduler

PURPOSE:
  Periodically runs the due-soon/overdue sweep so reminders and overdue
  notices are queued without an operator pressing a button.

DESIGN:
  - cron schedule with seconds field, evaluated in UTC
  - Runs once immediately on start
  - Overlapping runs are skipped, not queued
  - Every run is recorded in the metrics recorder

CONFIGURATION:
  - Spec:    cron expression (default: top of every hour)
  - Enabled: whether the scheduler is active (default: true)

USAGE:
  scheduler := NewSweepScheduler(manager, recorder, "0 0 * * * *")
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerSweep endpoint (manual sweep)
  - rental/lifecycle.go: Manager.Sweep
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/warp/rental-engine/logger"
	"github.com/warp/rental-engine/rental"
)

// Sweeper runs one sweep.
type Sweeper interface {
	Sweep(ctx context.Context) (rental.SweepResult, error)
}

// SweepObserver records sweep outcomes.
type SweepObserver interface {
	ObserveSweep(dueSoon, overdue int, at time.Time)
}

// SweepScheduler runs the sweep on a cron schedule.
type SweepScheduler struct {
	Sweeper  Sweeper
	Observer SweepObserver
	Spec     string
	Enabled  bool
	Timeout  time.Duration

	cron    *cron.Cron
	entryID cron.EntryID
	mu      sync.Mutex
	running sync.Mutex
}

// NewSweepScheduler creates a new scheduler. observer may be nil.
func NewSweepScheduler(sweeper Sweeper, observer SweepObserver, spec string) *SweepScheduler {
	return &SweepScheduler{
		Sweeper:  sweeper,
		Observer: observer,
		Spec:     spec,
		Enabled:  true,
		Timeout:  time.Minute,
	}
}

// Start begins the scheduler.
func (s *SweepScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		logger.Info("sweep scheduler disabled, not starting")
		return nil
	}
	if s.cron != nil {
		return nil
	}

	c := cron.New(cron.WithLocation(time.UTC), cron.WithSeconds())
	id, err := c.AddFunc(s.Spec, s.RunNow)
	if err != nil {
		return fmt.Errorf("schedule sweep %q: %w", s.Spec, err)
	}
	s.cron = c
	s.entryID = id
	c.Start()

	// Run immediately on start
	go s.RunNow()

	logger.Info("sweep scheduler started", "spec", s.Spec, "next_run", s.NextRunTime())
	return nil
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (s *SweepScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.running.Lock()
	s.running.Unlock()
	s.cron = nil
	logger.Info("sweep scheduler stopped")
}

// RunNow triggers an immediate sweep (for testing/admin). A call made while
// another sweep is running returns without sweeping.
func (s *SweepScheduler) RunNow() {
	if !s.running.TryLock() {
		logger.Warn("sweep already running, skipping")
		return
	}
	defer s.running.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.Timeout)
	defer cancel()

	res, err := s.Sweeper.Sweep(ctx)
	if err != nil {
		logger.Error("scheduled sweep failed", "error", err)
		return
	}
	if s.Observer != nil {
		s.Observer.ObserveSweep(res.DueSoon, res.Overdue, time.Now())
	}
}

// NextRunTime returns when the next scheduled sweep will occur, or the zero
// time when the scheduler is not running.
func (s *SweepScheduler) NextRunTime() time.Time {
	if s.cron == nil {
		return time.Time{}
	}
	return s.cron.Entry(s.entryID).Next
}
