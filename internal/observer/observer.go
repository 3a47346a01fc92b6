// Package observer watches registry events to collect run metrics and spot
// runs that stopped making progress.
package observer

import (
	"sync"
	"time"

	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/domain"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/registry"
)

// Observer monitors run execution and collects metrics
type Observer struct {
	stuckThreshold time.Duration
	now            func() time.Time

	completions  []completion
	lastActivity map[string]time.Time
	mu           sync.RWMutex
}

var _ registry.Observer = (*Observer)(nil)

type completion struct {
	RunID       string
	PlatformID  string
	Status      domain.RunStatus
	Duration    time.Duration
	ExportSize  int64
	CompletedAt time.Time
}

// Metrics holds aggregated metrics
type Metrics struct {
	TotalCompleted int           `json:"totalCompleted"`
	TotalFailed    int           `json:"totalFailed"`
	TotalStopped   int           `json:"totalStopped"`
	TotalBytes     int64         `json:"totalBytes"`
	AvgDuration    time.Duration `json:"avgDuration"`
}

// New creates a new Observer. A run with no registry activity for
// stuckThreshold counts as stuck.
func New(stuckThreshold time.Duration) *Observer {
	return &Observer{
		stuckThreshold: stuckThreshold,
		now:            time.Now,
		lastActivity:   make(map[string]time.Time),
	}
}

// SetClock overrides the time source
func (o *Observer) SetClock(now func() time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now = now
}

// OnRunEvent implements registry.Observer
func (o *Observer) OnRunEvent(ev registry.Event) {
	if ev.Run == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	switch {
	case ev.Type == registry.EventDeleted:
		delete(o.lastActivity, ev.Run.ID)
	case ev.Type == registry.EventStatus && ev.Run.Status.IsTerminal():
		delete(o.lastActivity, ev.Run.ID)
		o.completions = append(o.completions, completion{
			RunID:       ev.Run.ID,
			PlatformID:  ev.Run.PlatformID,
			Status:      ev.Run.Status,
			Duration:    ev.Run.Duration(),
			ExportSize:  ev.Run.ExportSize,
			CompletedAt: o.now(),
		})
	default:
		o.lastActivity[ev.Run.ID] = o.now()
	}
}

// IsStuck returns true if a running run has shown no activity for longer
// than the threshold. Runs waiting for the user to sign in are not stuck.
func (o *Observer) IsStuck(run *domain.Run) bool {
	if run.Status != domain.RunRunning || !run.IsConnected {
		return false
	}
	o.mu.RLock()
	defer o.mu.RUnlock()

	last, ok := o.lastActivity[run.ID]
	if !ok {
		last = run.StartDate
	}
	return o.now().Sub(last) > o.stuckThreshold
}

// Stuck filters runs down to the stuck ones
func (o *Observer) Stuck(runs []*domain.Run) []*domain.Run {
	var out []*domain.Run
	for _, r := range runs {
		if o.IsStuck(r) {
			out = append(out, r)
		}
	}
	return out
}

// RecordCompletion records a finished run
func (o *Observer) RecordCompletion(runID string, status domain.RunStatus, duration time.Duration, exportSize int64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.completions = append(o.completions, completion{
		RunID:       runID,
		Status:      status,
		Duration:    duration,
		ExportSize:  exportSize,
		CompletedAt: o.now(),
	})
}

// GetMetrics returns aggregated metrics. AvgDuration covers successful runs.
func (o *Observer) GetMetrics() Metrics {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var metrics Metrics
	var totalDuration time.Duration

	for _, c := range o.completions {
		switch c.Status {
		case domain.RunSuccess:
			metrics.TotalCompleted++
			metrics.TotalBytes += c.ExportSize
			totalDuration += c.Duration
		case domain.RunError:
			metrics.TotalFailed++
		case domain.RunStopped:
			metrics.TotalStopped++
		}
	}

	if metrics.TotalCompleted > 0 {
		metrics.AvgDuration = totalDuration / time.Duration(metrics.TotalCompleted)
	}

	return metrics
}

// GetRecentCompletions returns ids of runs finished within the last duration
func (o *Observer) GetRecentCompletions(since time.Duration) []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	cutoff := o.now().Add(-since)
	var result []string

	for _, c := range o.completions {
		if c.CompletedAt.After(cutoff) {
			result = append(result, c.RunID)
		}
	}

	return result
}
