// Package notify tells the user about finished runs and runs waiting on them.
package notify

import (
	"context"
	"errors"
)

// Severity grades a notification
type Severity int

const (
	SeverityInfo Severity = iota
	SeveritySuccess
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeveritySuccess:
		return "success"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "info"
	}
}

// Field is a labelled detail shown under the message where the channel
// supports it
type Field struct {
	Name  string
	Value string
}

// Notification is one message about a run
type Notification struct {
	Title    string
	Message  string
	Severity Severity
	RunID    string
	// Platform is "<company> <product>"
	Platform string
	Fields   []Field
}

// Notifier delivers notifications to one channel
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// MultiNotifier fans a notification out to several channels
type MultiNotifier struct {
	notifiers []Notifier
}

func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send delivers to every channel, joining their errors
func (m *MultiNotifier) Send(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NoopNotifier does nothing
type NoopNotifier struct{}

func (NoopNotifier) Send(context.Context, Notification) error { return nil }
