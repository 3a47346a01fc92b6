// Package drivertest provides an in-memory driver.Host for driver tests.
package drivertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/credentials"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/domain"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/driver"
)

// Host records everything a driver does. Existing decides what Exists
// reports; Bundles supplies credentials by matcher name.
type Host struct {
	Existing  func(domain.Record) bool
	Bundles   map[string]domain.CredentialBundle
	Logs      []string
	Errors    []string
	Submitted []domain.Record
	Navigated []string
	// Secrets are handed out in order; running out cancels the prompt
	Secrets []string
	Prompts []error
	Exports []string
	mu      sync.Mutex
}

var _ driver.Host = (*Host)(nil)

// New returns a Host where nothing exists yet
func New() *Host {
	return &Host{Bundles: make(map[string]domain.CredentialBundle)}
}

func (h *Host) Log(msg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Logs = append(h.Logs, msg)
}

func (h *Host) Error(msg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Errors = append(h.Errors, msg)
}

func (h *Host) Exists(rec domain.Record) (bool, error) {
	if h.Existing == nil {
		return false, nil
	}
	return h.Existing(rec), nil
}

func (h *Host) Submit(rec domain.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Submitted = append(h.Submitted, rec)
	return nil
}

func (h *Host) Navigate(url string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Navigated = append(h.Navigated, url)
	return nil
}

func (h *Host) Credentials(ctx context.Context, m *credentials.Matcher) (domain.CredentialBundle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.Bundles[m.Name]
	if !ok {
		return nil, fmt.Errorf("%w: no %s bundle", domain.ErrAuthRequired, m.Name)
	}
	return b, nil
}

func (h *Host) Secret(ctx context.Context, attempt int, lastErr error) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Prompts = append(h.Prompts, lastErr)
	if len(h.Secrets) == 0 {
		return "", domain.ErrCancelled
	}
	s := h.Secrets[0]
	h.Secrets = h.Secrets[1:]
	return s, nil
}

func (h *Host) Exported(path string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Exports = append(h.Exports, path)
	return nil
}
