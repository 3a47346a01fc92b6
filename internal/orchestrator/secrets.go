package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/domain"
)

type secretReply struct {
	secret string
	err    error
}

type secretPrompt struct {
	attempt int
	invalid bool
	reply   chan secretReply
}

// SecretRequest describes an outstanding secret prompt
type SecretRequest struct {
	RunID   string `json:"runId"`
	Attempt int    `json:"attempt"`
	// Invalid is set when the previous secret was rejected
	Invalid bool `json:"invalid"`
}

func (o *Orchestrator) awaitSecret(ctx context.Context, e *entry, attempt int, lastErr error) (string, error) {
	p := &secretPrompt{
		attempt: attempt,
		invalid: errors.Is(lastErr, domain.ErrInvalidSecret),
		reply:   make(chan secretReply, 1),
	}

	o.mu.Lock()
	if e.phase == phaseDone {
		o.mu.Unlock()
		return "", domain.ErrCancelled
	}
	e.prompt = p
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		if e.prompt == p {
			e.prompt = nil
		}
		o.mu.Unlock()
	}()

	if p.invalid {
		o.registry.AppendLog(e.id, "Password incorrect, enter it again")
	} else {
		o.registry.AppendLog(e.id, "Password required")
	}

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %v", domain.ErrCancelled, ctx.Err())
	case r := <-p.reply:
		return r.secret, r.err
	}
}

func (o *Orchestrator) answer(id string, r secretReply) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownRun, id)
	}
	if e.prompt == nil {
		return fmt.Errorf("run %s is not waiting for a secret", id)
	}
	e.prompt.reply <- r
	e.prompt = nil
	return nil
}

// ProvideSecret answers a run's outstanding secret prompt
func (o *Orchestrator) ProvideSecret(id, secret string) error {
	return o.answer(id, secretReply{secret: secret})
}

// CancelSecret aborts a run's outstanding secret prompt
func (o *Orchestrator) CancelSecret(id string) error {
	return o.answer(id, secretReply{err: domain.ErrCancelled})
}

// PendingSecret returns the run's outstanding secret prompt, if any
func (o *Orchestrator) PendingSecret(id string) (SecretRequest, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.entries[id]
	if !ok || e.prompt == nil {
		return SecretRequest{}, false
	}
	return SecretRequest{RunID: id, Attempt: e.prompt.attempt, Invalid: e.prompt.invalid}, true
}

// PendingSecrets lists every outstanding secret prompt
func (o *Orchestrator) PendingSecrets() []SecretRequest {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []SecretRequest
	for id, e := range o.entries {
		if e.prompt != nil {
			out = append(out, SecretRequest{RunID: id, Attempt: e.prompt.attempt, Invalid: e.prompt.invalid})
		}
	}
	return out
}
