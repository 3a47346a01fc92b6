// Package driver defines the contract between the orchestrator and the
// per-platform extraction procedures.
package driver

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/credentials"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/domain"
)

// Invocation identifies one call of a driver within a run
type Invocation struct {
	RunID       string
	PlatformID  string
	DriverName  string
	Company     string
	ProductName string
	IsUpdated   bool
	// Attempt counts invocations within the run, starting at 1
	Attempt int
}

// Key returns the export file key of the invocation's platform account
func (inv Invocation) Key() domain.ExportKey {
	return domain.ExportKey{Company: inv.Company, Name: inv.ProductName, PlatformID: inv.PlatformID}
}

// Host is the execution context a driver runs in. Every method is scoped to
// the invocation's run.
type Host interface {
	// Log appends a line to the run's logs
	Log(msg string)
	// Error appends an error line to the run's logs without failing the run
	Error(msg string)
	// Exists reports whether rec is already in the export file
	Exists(rec domain.Record) (bool, error)
	// Submit appends rec to the export file
	Submit(rec domain.Record) error
	// Navigate loads url in the run's browsing surface
	Navigate(url string) error
	// Credentials returns the captured bundle for m, waiting for it to be
	// captured if needed. The bundle is consumed.
	Credentials(ctx context.Context, m *credentials.Matcher) (domain.CredentialBundle, error)
	// Secret asks the user for a secret such as a backup password. attempt
	// starts at 0 and lastErr carries the previous rejection.
	Secret(ctx context.Context, attempt int, lastErr error) (string, error)
	// Exported records a finished on-disk export at path
	Exported(path string) error
}

// Driver extracts data for one platform
type Driver interface {
	Run(ctx context.Context, inv Invocation, host Host) (domain.Outcome, error)
}

// Func adapts a function to Driver
type Func func(ctx context.Context, inv Invocation, host Host) (domain.Outcome, error)

func (f Func) Run(ctx context.Context, inv Invocation, host Host) (domain.Outcome, error) {
	return f(ctx, inv, host)
}

type regKey struct {
	company string
	key     string
}

// Registry maps (company, driver key) to a Driver
type Registry struct {
	drivers map[regKey]Driver
	mu      sync.RWMutex
}

// NewRegistry creates an empty Registry
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[regKey]Driver)}
}

// Register binds d to (company, key), replacing any previous binding
func (r *Registry) Register(company, key string, d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[regKey{company, key}] = d
}

// Lookup returns the driver bound to (company, key)
func (r *Registry) Lookup(company, key string) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[regKey{company, key}]
	if !ok {
		return nil, fmt.Errorf("%w for %s/%s", domain.ErrNoDriver, company, key)
	}
	return d, nil
}

// Keys lists registered bindings as "company/key", sorted
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.drivers))
	for k := range r.drivers {
		keys = append(keys, k.company+"/"+k.key)
	}
	sort.Strings(keys)
	return keys
}

// DefaultStopAfter is the number of consecutive already-exported records
// after which incremental collection stops
const DefaultStopAfter = 3

// Streak tracks consecutive already-exported records
type Streak struct {
	threshold int
	count     int
}

// NewStreak returns a Streak stopping after threshold consecutive hits.
// A threshold <= 0 uses DefaultStopAfter.
func NewStreak(threshold int) *Streak {
	if threshold <= 0 {
		threshold = DefaultStopAfter
	}
	return &Streak{threshold: threshold}
}

// Observe records whether the latest record already existed and reports
// whether collection should stop
func (s *Streak) Observe(exists bool) bool {
	if !exists {
		s.count = 0
		return false
	}
	s.count++
	return s.count >= s.threshold
}

// Count returns the current run of consecutive hits
func (s *Streak) Count() int {
	return s.count
}
