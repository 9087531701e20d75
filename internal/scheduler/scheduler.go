// Package scheduler runs the periodic safety-net sync. Reconnect edges drive
// most passes; the schedule catches actions left behind when an edge was
// missed or a pass failed while the device stayed online.
package scheduler

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Trigger starts a sync pass. It returns false when the request collapsed
// into a pass that was already running.
type Trigger interface {
	ForceSync() bool
}

// Reachability reports whether the backend is currently reachable.
type Reachability interface {
	Online() bool
}

// Stats counts scheduled ticks.
type Stats struct {
	Runs      int64     `json:"runs"`
	Skipped   int64     `json:"skipped"`   // device was offline
	Collapsed int64     `json:"collapsed"` // a pass was already in flight
	LastRunAt time.Time `json:"lastRunAt,omitempty"`
	NextRunAt time.Time `json:"nextRunAt,omitempty"`
}

// Scheduler fires ForceSync on a cron schedule while the device is online.
type Scheduler struct {
	cron   *cron.Cron
	target Trigger
	net    Reachability
	logger *slog.Logger

	mu      sync.Mutex
	spec    string
	entry   cron.EntryID
	stats   Stats
	running bool
}

// NewScheduler creates a scheduler for a standard 5-field cron spec.
// An empty spec disables scheduled syncs until SetSpec is called.
func NewScheduler(spec string, target Trigger, net Reachability, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		cron:   cron.New(),
		target: target,
		net:    net,
		logger: logger.With("component", "scheduler"),
	}
	if err := s.SetSpec(spec); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins firing on schedule.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.cron.Start()
	s.logger.Info("scheduler started", "spec", s.spec)
}

// Stop halts the schedule and waits for a running tick to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// SetSpec replaces the schedule. It is safe to call while running.
func (s *Scheduler) SetSpec(spec string) error {
	var sched cron.Schedule
	if spec != "" {
		var err error
		sched, err = cron.ParseStandard(spec)
		if err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", spec, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entry != 0 {
		s.cron.Remove(s.entry)
		s.entry = 0
	}
	s.spec = spec
	if sched == nil {
		s.logger.Info("scheduled sync disabled")
		return nil
	}
	s.entry = s.cron.Schedule(sched, cron.FuncJob(func() { s.RunNow() }))
	s.logger.Debug("sync schedule set", "spec", spec)
	return nil
}

// Spec returns the active cron spec.
func (s *Scheduler) Spec() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spec
}

// RunNow performs one scheduled tick immediately. It reports whether a new
// pass was started.
func (s *Scheduler) RunNow() bool {
	now := time.Now()

	if s.net != nil && !s.net.Online() {
		s.mu.Lock()
		s.stats.Skipped++
		s.mu.Unlock()
		s.logger.Debug("scheduled sync skipped, offline")
		return false
	}

	started := s.target.ForceSync()

	s.mu.Lock()
	s.stats.Runs++
	s.stats.LastRunAt = now
	if !started {
		s.stats.Collapsed++
	}
	s.mu.Unlock()

	s.logger.Debug("scheduled sync", "started", started)
	return started
}

// Stats returns a copy of the tick counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	if s.entry != 0 {
		st.NextRunAt = s.cron.Entry(s.entry).Next
	}
	return st
}
