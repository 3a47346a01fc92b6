package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/domain"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/registry"
)

// RunNotifier turns registry events into notifications: finished and failed
// runs, and runs waiting for the user to sign in. Sending happens on a
// background goroutine.
type RunNotifier struct {
	notifier Notifier
	logger   *slog.Logger
	queue    chan Notification
	done     chan struct{}
}

var _ registry.Observer = (*RunNotifier)(nil)

// sendTimeout bounds one delivery including retries
const sendTimeout = 30 * time.Second

// NewRunNotifier starts a RunNotifier delivering through n
func NewRunNotifier(n Notifier) *RunNotifier {
	r := &RunNotifier{
		notifier: n,
		logger:   slog.Default(),
		queue:    make(chan Notification, 32),
		done:     make(chan struct{}),
	}
	go r.loop()
	return r
}

// SetLogger sets the logger
func (r *RunNotifier) SetLogger(logger *slog.Logger) {
	r.logger = logger
}

// Stop delivers queued notifications and stops the sender
func (r *RunNotifier) Stop() {
	close(r.queue)
	<-r.done
}

func (r *RunNotifier) loop() {
	defer close(r.done)
	for n := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		err := r.notifier.Send(ctx, n)
		cancel()
		if err != nil {
			r.logger.Warn("notification failed", "run_id", n.RunID, "error", err)
		}
	}
}

// OnRunEvent implements registry.Observer
func (r *RunNotifier) OnRunEvent(ev registry.Event) {
	n, ok := ForEvent(ev)
	if !ok {
		return
	}
	select {
	case r.queue <- n:
	default:
		r.logger.Warn("notification dropped, queue full", "run_id", n.RunID)
	}
}

// ForEvent builds the notification for a registry event, if it warrants one
func ForEvent(ev registry.Event) (Notification, bool) {
	run := ev.Run
	if run == nil {
		return Notification{}, false
	}
	platform := strings.TrimSpace(run.Company + " " + run.ProductName)
	base := Notification{RunID: run.ID, Platform: platform}

	switch ev.Type {
	case registry.EventStatus:
		switch run.Status {
		case domain.RunSuccess:
			took := run.Duration().Round(time.Second)
			base.Title = "Export complete"
			base.Severity = SeveritySuccess
			base.Message = fmt.Sprintf("%s exported in %s", platform, took)
			base.Fields = []Field{{Name: "Duration", Value: took.String()}}
			if run.ExportSize > 0 {
				size := humanize.Bytes(uint64(run.ExportSize))
				base.Message += fmt.Sprintf(" (%s)", size)
				base.Fields = append(base.Fields, Field{Name: "Size", Value: size})
			}
			if run.IsUpdated {
				base.Fields = append(base.Fields, Field{Name: "Mode", Value: "update"})
			}
			return base, true
		case domain.RunError:
			base.Title = "Export failed"
			base.Severity = SeverityError
			base.Message = platform
			if last := run.LastLog(); last != "" {
				base.Message += ": " + strings.TrimPrefix(last, "Error: ")
			}
			return base, true
		}
	case registry.EventUpdated:
		if ev.Patch.IsConnected != nil && !*ev.Patch.IsConnected {
			base.Title = "Sign in required"
			base.Severity = SeverityWarning
			base.Message = "Sign in to " + platform + " to continue the export"
			return base, true
		}
	}
	return Notification{}, false
}
