package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/credentials"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/domain"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/driver"
)

// runHost is the execution context handed to a run's driver
type runHost struct {
	o *Orchestrator
	e *entry
}

var _ driver.Host = (*runHost)(nil)

func (h *runHost) Log(msg string) {
	h.o.registry.AppendLog(h.e.id, msg)
}

func (h *runHost) Error(msg string) {
	h.o.registry.AppendLog(h.e.id, "Error: "+msg)
}

func (h *runHost) Exists(rec domain.Record) (bool, error) {
	return h.o.ledger.Exists(h.e.key, rec)
}

func (h *runHost) Submit(rec domain.Record) error {
	if h.o.done(h.e) {
		return fmt.Errorf("%w: run %s has finished", domain.ErrCancelled, h.e.id)
	}
	return h.o.ledger.Append(h.e.key, h.e.id, rec)
}

func (h *runHost) Navigate(url string) error {
	h.o.mu.Lock()
	surface := h.e.surface
	h.o.mu.Unlock()
	if surface == nil {
		return fmt.Errorf("run %s has no browsing surface", h.e.id)
	}
	if err := surface.Load(url); err != nil {
		return fmt.Errorf("loading %s: %w", url, err)
	}
	h.o.registry.UpdateField(h.e.id, domain.RunPatch{URL: domain.Ptr(url)})
	return nil
}

// Credentials consumes a cached bundle or waits for the surface to issue a
// request carrying one. Timing out yields ErrAuthRequired.
func (h *runHost) Credentials(ctx context.Context, m *credentials.Matcher) (domain.CredentialBundle, error) {
	if h.o.capture == nil {
		return nil, fmt.Errorf("%w: credential capture unavailable", domain.ErrAuthRequired)
	}
	path := h.o.capture.Path(h.e.key.Company, h.e.key.Name, m)
	if b, err := credentials.Consume(path); err == nil && len(b) > 0 {
		return b, nil
	}

	_, stop := h.o.capture.Await(h.e.key.Company, h.e.key.Name, m)
	defer stop()

	h.Log("Waiting for credentials")
	wctx, cancel := context.WithTimeout(ctx, h.o.cfg.CredentialTimeout)
	defer cancel()
	b, err := credentials.WaitForFile(wctx, path, h.o.cfg.CredentialWait)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: no %s captured", domain.ErrAuthRequired, m.Name)
		}
		return nil, err
	}
	if _, err := credentials.Consume(path); err != nil {
		h.o.logger.Warn("removing consumed credentials", "run_id", h.e.id, "error", err)
	}
	return b, nil
}

func (h *runHost) Secret(ctx context.Context, attempt int, lastErr error) (string, error) {
	return h.o.awaitSecret(ctx, h.e, attempt, lastErr)
}

func (h *runHost) Exported(path string) error {
	h.o.mu.Lock()
	h.e.exportPath = path
	h.o.mu.Unlock()
	return nil
}
