// Package schedule starts incremental re-exports of platforms on cron
// schedules.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Entry re-exports one platform on a cron schedule
type Entry struct {
	Platform string
	Cron     string
}

// Validate checks if the entry is valid
func (e Entry) Validate() error {
	if e.Platform == "" {
		return fmt.Errorf("platform is required")
	}
	if e.Cron == "" {
		return fmt.Errorf("cron expression is required")
	}
	if _, err := ParseCron(e.Cron); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a five-field cron expression or a descriptor like @daily
func ParseCron(expr string) (cron.Schedule, error) {
	return parser.Parse(expr)
}

// RunFunc starts the scheduled export of one platform
type RunFunc func(ctx context.Context, e Entry) error

// Scheduler triggers entries when their schedule comes due. An entry is not
// triggered again while its previous trigger is still being handled.
type Scheduler struct {
	entries   map[string]Entry
	schedules map[string]cron.Schedule
	lastRun   map[string]time.Time
	running   map[string]bool
	now       func() time.Time
	interval  time.Duration
	logger    *slog.Logger
	mu        sync.RWMutex
	wg        sync.WaitGroup
}

// NewScheduler creates a scheduler. Schedules count from the moment of
// creation, so nothing fires for times that passed before startup.
func NewScheduler(entries []Entry) (*Scheduler, error) {
	s := &Scheduler{
		entries:   make(map[string]Entry),
		schedules: make(map[string]cron.Schedule),
		lastRun:   make(map[string]time.Time),
		running:   make(map[string]bool),
		now:       time.Now,
		interval:  time.Minute,
		logger:    slog.Default(),
	}

	start := s.now()
	for i, e := range entries {
		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("schedule %d: %w", i, err)
		}
		if _, dup := s.entries[e.Platform]; dup {
			return nil, fmt.Errorf("schedule %d: platform %s scheduled twice", i, e.Platform)
		}
		sched, _ := ParseCron(e.Cron)
		s.entries[e.Platform] = e
		s.schedules[e.Platform] = sched
		s.lastRun[e.Platform] = start
	}

	return s, nil
}

// SetClock overrides the time source and restarts every schedule from it
func (s *Scheduler) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	start := now()
	for name := range s.lastRun {
		s.lastRun[name] = start
	}
}

// SetLogger sets the logger
func (s *Scheduler) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// NextRun returns the next scheduled trigger of a platform
func (s *Scheduler) NextRun(platform string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sched, ok := s.schedules[platform]
	if !ok {
		return time.Time{}
	}
	return sched.Next(s.lastRun[platform])
}

// ShouldRun reports whether a platform's schedule is due
func (s *Scheduler) ShouldRun(platform string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dueLocked(platform, s.now())
}

func (s *Scheduler) dueLocked(platform string, now time.Time) bool {
	sched, ok := s.schedules[platform]
	if !ok || s.running[platform] {
		return false
	}
	return !now.Before(sched.Next(s.lastRun[platform]))
}

// Platforms returns the scheduled platform ids, sorted
func (s *Scheduler) Platforms() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tick triggers every due entry and returns the platforms triggered
func (s *Scheduler) Tick(ctx context.Context, run RunFunc) []string {
	s.mu.Lock()
	now := s.now()
	var due []Entry
	for name, e := range s.entries {
		if s.dueLocked(name, now) {
			s.running[name] = true
			s.lastRun[name] = now
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].Platform < due[j].Platform })
	triggered := make([]string, 0, len(due))
	for _, e := range due {
		triggered = append(triggered, e.Platform)
		s.wg.Add(1)
		go func(e Entry) {
			defer s.wg.Done()
			if err := run(ctx, e); err != nil {
				s.logger.Warn("scheduled export failed to start", "platform", e.Platform, "error", err)
			} else {
				s.logger.Info("scheduled export started", "platform", e.Platform)
			}
			s.mu.Lock()
			s.running[e.Platform] = false
			s.mu.Unlock()
		}(e)
	}
	return triggered
}

// Start checks schedules every interval until ctx is done, then waits for
// in-flight triggers
func (s *Scheduler) Start(ctx context.Context, run RunFunc) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case <-ticker.C:
			s.Tick(ctx, run)
		}
	}
}

// Wait blocks until in-flight triggers have returned
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
