// Package credentials captures platform auth material from observed requests
// and hands it to drivers through short-lived bundle files.
package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/domain"
)

type waiter struct {
	company string
	product string
	matcher *Matcher
	ch      chan domain.CredentialBundle
}

// Capture fans observed requests out to single-shot waiters
type Capture struct {
	root    string
	waiters map[int]*waiter
	nextID  int
	logger  *slog.Logger
	mu      sync.Mutex
}

// NewCapture creates a Capture that persists bundles under root
func NewCapture(root string) *Capture {
	return &Capture{
		root:    root,
		waiters: make(map[int]*waiter),
		logger:  slog.Default(),
	}
}

// SetLogger sets the logger
func (c *Capture) SetLogger(logger *slog.Logger) {
	c.logger = logger
}

// Path returns where the bundle for company/product is persisted
func (c *Capture) Path(company, product string, m *Matcher) string {
	return BundlePath(c.root, company, product, m.Name)
}

// BundlePath returns <root>/<company>/<product>/<name>.json
func BundlePath(root, company, product, name string) string {
	return filepath.Join(root, company, product, name+".json")
}

// Await registers a single-shot observer. The channel receives the first
// bundle carried by a matching request and is never written again. If no such
// request occurs it never receives; callers apply their own timeout. The
// returned func de-registers the observer.
func (c *Capture) Await(company, product string, m *Matcher) (<-chan domain.CredentialBundle, func()) {
	ch := make(chan domain.CredentialBundle, 1)

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.waiters[id] = &waiter{company: company, product: product, matcher: m, ch: ch}
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		delete(c.waiters, id)
		c.mu.Unlock()
	}
	return ch, cancel
}

// Pending returns the number of registered observers
func (c *Capture) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// Observe offers a request to every registered observer
func (c *Capture) Observe(ev RequestEvent) {
	type hit struct {
		w      *waiter
		bundle domain.CredentialBundle
	}

	c.mu.Lock()
	var hits []hit
	for id, w := range c.waiters {
		if b, ok := w.matcher.Bundle(ev); ok {
			hits = append(hits, hit{w: w, bundle: b})
			delete(c.waiters, id)
		}
	}
	c.mu.Unlock()

	for _, h := range hits {
		path := c.Path(h.w.company, h.w.product, h.w.matcher)
		if err := Save(path, h.bundle); err != nil {
			c.logger.Error("persisting credentials", "path", path, "error", err)
		} else {
			c.logger.Info("captured credentials", "company", h.w.company, "product", h.w.product, "bundle", h.w.matcher.Name)
		}
		h.w.ch <- h.bundle
	}
}

// Save writes a bundle atomically with owner-only permissions
func Save(path string, b domain.CredentialBundle) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Read loads a persisted bundle without consuming it
func Read(path string) (domain.CredentialBundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var b domain.CredentialBundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decoding credential bundle: %w", err)
	}
	return b, nil
}

// Consume reads a persisted bundle and removes it
func Consume(path string) (domain.CredentialBundle, error) {
	b, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return b, nil
}

// WaitOptions bounds the poll fallback used by WaitForFile
type WaitOptions struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultWaitOptions starts at the 0.5s poll cadence and backs off to 5s
func DefaultWaitOptions() WaitOptions {
	return WaitOptions{InitialInterval: 500 * time.Millisecond, MaxInterval: 5 * time.Second}
}

// WaitForFile suspends until a readable bundle exists at path or ctx is done.
// Directory events wake it immediately; a capped exponential poll covers
// filesystems where watching is unavailable.
func WaitForFile(ctx context.Context, path string, opts WaitOptions) (domain.CredentialBundle, error) {
	if b, err := Read(path); err == nil {
		return b, nil
	}

	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err == nil {
		if watcher, err := fsnotify.NewWatcher(); err == nil {
			defer watcher.Close()
			if err := watcher.Add(filepath.Dir(path)); err == nil {
				events = watcher.Events
				errs = watcher.Errors
			}
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.InitialInterval
	bo.MaxInterval = opts.MaxInterval
	bo.MaxElapsedTime = 0
	bo.Reset()

	timer := time.NewTimer(bo.NextBackOff())
	defer timer.Stop()

	want := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != want {
				continue
			}
		case _, ok := <-errs:
			if !ok {
				errs = nil
			}
			continue
		case <-timer.C:
			timer.Reset(bo.NextBackOff())
		}

		if b, err := Read(path); err == nil {
			return b, nil
		}
	}
}
