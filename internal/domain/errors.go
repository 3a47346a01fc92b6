package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrDuplicateID         = errors.New("duplicate run id")
	ErrUnknownRun          = errors.New("unknown run")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrDriverFault         = errors.New("driver fault")
	ErrAuthRequired        = errors.New("authentication required")
	ErrSubprocessFailure   = errors.New("subprocess failure")
	ErrInvalidSecret       = errors.New("invalid secret")
	ErrCancelled           = errors.New("cancelled")
	ErrDependencyInstall   = errors.New("dependency install failure")
	ErrRunConflict         = errors.New("an active run already exists for this platform")
	ErrNoDriver            = errors.New("no driver registered")
	ErrUnknownPlatform     = errors.New("unknown platform")
	ErrInterpreterNotFound = errors.New("interpreter not found")
)

// SubprocessError reports a worker that exited non-zero
type SubprocessError struct {
	ExitCode   int
	StderrTail []string
}

func (e *SubprocessError) Error() string {
	msg := fmt.Sprintf("process exited with code %d", e.ExitCode)
	if len(e.StderrTail) > 0 {
		msg += "\n" + strings.Join(e.StderrTail, "\n")
	}
	return msg
}

func (e *SubprocessError) Unwrap() error {
	return ErrSubprocessFailure
}

// InstallError collects per-package dependency install failures
type InstallError struct {
	Failed map[string]error
}

func (e *InstallError) Error() string {
	names := make([]string, 0, len(e.Failed))
	for name := range e.Failed {
		names = append(names, name)
	}
	sort.Strings(names)
	return fmt.Sprintf("failed to install %d package(s): %s", len(names), strings.Join(names, ", "))
}

func (e *InstallError) Unwrap() error {
	return ErrDependencyInstall
}
