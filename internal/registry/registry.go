// Package registry holds the in-memory set of runs and forwards every
// mutation to registered observers.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/domain"
)

// EventType names a registry mutation
type EventType string

const (
	EventCreated EventType = "run_created"
	EventStatus  EventType = "run_status"
	EventUpdated EventType = "run_updated"
	EventDeleted EventType = "run_deleted"
)

// Event describes one mutation. Run is a snapshot taken after the change.
type Event struct {
	Type  EventType
	Run   *domain.Run
	From  domain.RunStatus
	Patch domain.RunPatch
}

// Observer receives registry events. It is called outside the registry lock
// and may call back into the registry.
type Observer interface {
	OnRunEvent(Event)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(Event)

func (f ObserverFunc) OnRunEvent(e Event) { f(e) }

// Filter selects runs in List. Empty fields match everything.
type Filter struct {
	Statuses    []domain.RunStatus
	PlatformID  string
	Company     string
	ProductName string
}

// Match reports whether run satisfies the filter
func (f Filter) Match(run *domain.Run) bool {
	if f.PlatformID != "" && run.PlatformID != f.PlatformID {
		return false
	}
	if f.Company != "" && run.Company != f.Company {
		return false
	}
	if f.ProductName != "" && run.ProductName != f.ProductName {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if run.Status == s {
			return true
		}
	}
	return false
}

// Registry is the in-memory run table
type Registry struct {
	runs      map[string]*domain.Run
	order     []string
	observers []*subscription
	now       func() time.Time
	mu        sync.RWMutex
}

// New creates an empty Registry
func New() *Registry {
	return &Registry{
		runs: make(map[string]*domain.Run),
		now:  time.Now,
	}
}

// SetClock overrides the time source used for default dates
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

type subscription struct {
	o Observer
}

// Subscribe registers an observer for all future mutations. The returned
// func unregisters it.
func (r *Registry) Subscribe(o Observer) (unsubscribe func()) {
	sub := &subscription{o: o}
	r.mu.Lock()
	r.observers = append(r.observers, sub)
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			// copy so snapshots held by in-flight notifications stay intact
			kept := make([]*subscription, 0, len(r.observers))
			for _, s := range r.observers {
				if s != sub {
					kept = append(kept, s)
				}
			}
			r.observers = kept
		})
	}
}

// Create appends run in pending state and returns its id
func (r *Registry) Create(run *domain.Run) (string, error) {
	if run.ID == "" {
		return "", fmt.Errorf("run id is required")
	}

	r.mu.Lock()
	if _, exists := r.runs[run.ID]; exists {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: %s", domain.ErrDuplicateID, run.ID)
	}
	stored := run.Clone()
	stored.Status = domain.RunPending
	stored.EndDate = nil
	if stored.StartDate.IsZero() {
		stored.StartDate = r.now()
	}
	if stored.Logs == nil {
		stored.Logs = []string{}
	}
	r.runs[stored.ID] = stored
	r.order = append(r.order, stored.ID)
	ev := Event{Type: EventCreated, Run: stored.Clone()}
	observers := r.observers
	r.mu.Unlock()

	notify(observers, ev)
	return stored.ID, nil
}

// Transition moves a run to status. Only terminal statuses may carry an end
// date; terminal transitions without one are stamped with the current time.
// running -> running is accepted as a no-op.
func (r *Registry) Transition(id string, status domain.RunStatus, endDate *time.Time) error {
	r.mu.Lock()
	run, ok := r.runs[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrUnknownRun, id)
	}
	if endDate != nil && !status.IsTerminal() {
		r.mu.Unlock()
		return fmt.Errorf("%w: end date not allowed for %s", domain.ErrInvalidTransition, status)
	}
	from := run.Status
	if !domain.CanTransition(from, status) {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, status)
	}
	if from == status {
		r.mu.Unlock()
		return nil
	}

	run.Status = status
	if status.IsTerminal() {
		end := r.now()
		if endDate != nil {
			end = *endDate
		}
		run.EndDate = &end
	}
	ev := Event{Type: EventStatus, Run: run.Clone(), From: from}
	observers := r.observers
	r.mu.Unlock()

	notify(observers, ev)
	return nil
}

// UpdateField applies a partial update. Last writer wins.
func (r *Registry) UpdateField(id string, patch domain.RunPatch) error {
	r.mu.Lock()
	run, ok := r.runs[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrUnknownRun, id)
	}
	if patch.IsEmpty() {
		r.mu.Unlock()
		return nil
	}
	patch.Apply(run)
	ev := Event{Type: EventUpdated, Run: run.Clone(), Patch: patch}
	observers := r.observers
	r.mu.Unlock()

	notify(observers, ev)
	return nil
}

// AppendLog is shorthand for UpdateField with a log patch
func (r *Registry) AppendLog(id string, lines ...string) error {
	return r.UpdateField(id, domain.LogPatch(lines...))
}

// Get returns a snapshot of a run
func (r *Registry) Get(id string) (*domain.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownRun, id)
	}
	return run.Clone(), nil
}

// List returns snapshots of matching runs in creation order
func (r *Registry) List(f Filter) []*domain.Run {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*domain.Run
	for _, id := range r.order {
		run := r.runs[id]
		if f.Match(run) {
			result = append(result, run.Clone())
		}
	}
	return result
}

// Active returns pending and running runs
func (r *Registry) Active() []*domain.Run {
	return r.List(Filter{Statuses: []domain.RunStatus{domain.RunPending, domain.RunRunning}})
}

// StopAll moves every running run to stopped and returns their ids
func (r *Registry) StopAll() []string {
	r.mu.Lock()
	var (
		ids    []string
		events []Event
	)
	now := r.now()
	for _, id := range r.order {
		run := r.runs[id]
		if run.Status != domain.RunRunning {
			continue
		}
		end := now
		run.Status = domain.RunStopped
		run.EndDate = &end
		ids = append(ids, id)
		events = append(events, Event{Type: EventStatus, Run: run.Clone(), From: domain.RunRunning})
	}
	observers := r.observers
	r.mu.Unlock()

	for _, ev := range events {
		notify(observers, ev)
	}
	return ids
}

// Delete removes a run
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	run, ok := r.runs[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrUnknownRun, id)
	}
	delete(r.runs, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	ev := Event{Type: EventDeleted, Run: run.Clone()}
	observers := r.observers
	r.mu.Unlock()

	notify(observers, ev)
	return nil
}

// Counts returns the number of runs per status
func (r *Registry) Counts() map[domain.RunStatus]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[domain.RunStatus]int)
	for _, run := range r.runs {
		counts[run.Status]++
	}
	return counts
}

func notify(observers []*subscription, ev Event) {
	for _, s := range observers {
		s.o.OnRunEvent(ev)
	}
}
