package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/domain"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/driver"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/registry"
)

func TestSlackNotifier_Send(t *testing.T) {
	var got slackMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	notifier := NewSlackNotifier(server.URL)
	err := notifier.Send(context.Background(), Notification{
		Title:    "Export complete",
		Message:  "X Corp bookmarks exported in 3s",
		Severity: SeveritySuccess,
		RunID:    "r1",
		Platform: "X Corp bookmarks",
		Fields:   []Field{{Name: "Size", Value: "2 MB"}},
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if got.Text != "Export complete" {
		t.Errorf("Text = %q", got.Text)
	}
	if len(got.Attachments) != 1 {
		t.Fatalf("Attachments = %+v", got.Attachments)
	}
	att := got.Attachments[0]
	if att.Title != "X Corp bookmarks" || att.Color != "good" || att.Footer != "Surfer · run r1" {
		t.Errorf("Attachment = %+v", att)
	}
	if len(att.Fields) != 1 || att.Fields[0].Title != "Size" || !att.Fields[0].Short {
		t.Errorf("Fields = %+v", att.Fields)
	}
}

func TestSlackNotifier_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	notifier := newSlackNotifier(server.URL, driver.ClientConfig{
		RateLimit:      1000,
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	})
	if err := notifier.Send(context.Background(), Notification{Title: "x"}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestSlackNotifier_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	err := NewSlackNotifier(server.URL).Send(context.Background(), Notification{Title: "x"})
	var statusErr *driver.StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusForbidden {
		t.Errorf("err = %v, want 403 status error", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
	if err := NewSlackNotifier("").Send(context.Background(), Notification{Title: "x"}); err != nil {
		t.Errorf("disabled notifier returned %v", err)
	}
}

func TestSlackColor(t *testing.T) {
	tests := []struct {
		severity Severity
		want     string
	}{
		{SeveritySuccess, "good"},
		{SeverityWarning, "warning"},
		{SeverityError, "danger"},
		{SeverityInfo, "#439FE0"},
	}

	for _, tt := range tests {
		got := slackColor(tt.severity)
		if got != tt.want {
			t.Errorf("slackColor(%v) = %s, want %s", tt.severity, got, tt.want)
		}
	}
}

func TestAppleScript(t *testing.T) {
	got := appleScript(Notification{Title: `Say "hi"`, Message: `C:\data`})
	want := `display notification "C:\\data" with title "Say \"hi\""`
	if got != want {
		t.Errorf("appleScript = %s, want %s", got, want)
	}

	got = appleScript(Notification{Title: "Done", Message: "ok", Platform: "Notion notion"})
	if !strings.HasSuffix(got, ` subtitle "Notion notion"`) {
		t.Errorf("appleScript = %s, want a subtitle", got)
	}
}

func TestDesktopNotifier_Invocation(t *testing.T) {
	n := Notification{Title: "Export failed", Message: "boom", Severity: SeverityError}

	linux := &DesktopNotifier{enabled: true, goos: "linux"}
	name, args := linux.invocation(n)
	if name != "notify-send" {
		t.Fatalf("name = %q", name)
	}
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "--icon dialog-error") || !strings.Contains(joined, "--urgency critical") {
		t.Errorf("args = %v", args)
	}
	if args[len(args)-2] != "Export failed" || args[len(args)-1] != "boom" {
		t.Errorf("title and message should come last: %v", args)
	}

	windows := &DesktopNotifier{enabled: true, goos: "windows"}
	if name, _ := windows.invocation(n); name != "" {
		t.Errorf("windows name = %q, want none", name)
	}
	if err := windows.Send(context.Background(), n); err != nil {
		t.Errorf("unsupported system returned %v", err)
	}
}

func TestMultiNotifier(t *testing.T) {
	rec := &recorder{}
	failing := &recorder{err: errors.New("offline")}
	multi := NewMultiNotifier(rec, failing, rec)

	err := multi.Send(context.Background(), Notification{Title: "Test"})
	if err == nil || !strings.Contains(err.Error(), "offline") {
		t.Errorf("err = %v, want the failing channel's error", err)
	}
	if len(rec.all()) != 2 {
		t.Errorf("Expected 2 calls, got %d", len(rec.all()))
	}
}

func TestForEvent(t *testing.T) {
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Second)
	run := &domain.Run{
		ID: "r1", Company: "X Corp", ProductName: "bookmarks",
		StartDate: start, EndDate: &end, ExportSize: 1500000,
		Logs: []string{"Run started", "Error: boom"},
	}

	tests := []struct {
		name      string
		ev        registry.Event
		wantOK    bool
		wantTitle string
		wantMsg   string
		// nil skips the check
		wantFields []Field
	}{
		{
			name:      "success",
			ev:        registry.Event{Type: registry.EventStatus, Run: withStatus(run, domain.RunSuccess)},
			wantOK:    true,
			wantTitle: "Export complete",
			wantMsg:   "X Corp bookmarks exported in 1m30s (1.5 MB)",
			wantFields: []Field{
				{Name: "Duration", Value: "1m30s"},
				{Name: "Size", Value: "1.5 MB"},
			},
		},
		{
			name:      "error",
			ev:        registry.Event{Type: registry.EventStatus, Run: withStatus(run, domain.RunError)},
			wantOK:    true,
			wantTitle: "Export failed",
			wantMsg:   "X Corp bookmarks: boom",
		},
		{
			name:   "stopped is silent",
			ev:     registry.Event{Type: registry.EventStatus, Run: withStatus(run, domain.RunStopped)},
			wantOK: false,
		},
		{
			name:      "sign in",
			ev:        registry.Event{Type: registry.EventUpdated, Run: run, Patch: domain.RunPatch{IsConnected: domain.Ptr(false)}},
			wantOK:    true,
			wantTitle: "Sign in required",
			wantMsg:   "Sign in to X Corp bookmarks to continue the export",
		},
		{
			name:   "log line",
			ev:     registry.Event{Type: registry.EventUpdated, Run: run, Patch: domain.LogPatch("x")},
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, ok := ForEvent(tt.ev)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if n.Title != tt.wantTitle || n.Message != tt.wantMsg {
				t.Errorf("got %q / %q, want %q / %q", n.Title, n.Message, tt.wantTitle, tt.wantMsg)
			}
			if n.RunID != "r1" {
				t.Errorf("RunID = %q", n.RunID)
			}
			if tt.wantFields != nil && !reflect.DeepEqual(n.Fields, tt.wantFields) {
				t.Errorf("Fields = %+v, want %+v", n.Fields, tt.wantFields)
			}
		})
	}
}

func TestRunNotifier_DeliversFromRegistry(t *testing.T) {
	rec := &recorder{}
	rn := NewRunNotifier(rec)

	reg := registry.New()
	reg.Subscribe(rn)
	id, _ := reg.Create(&domain.Run{ID: "r1", PlatformID: "notion-001", Company: "Notion", ProductName: "notion"})
	reg.Transition(id, domain.RunRunning, nil)
	reg.Transition(id, domain.RunError, nil)

	rn.Stop()

	got := rec.all()
	if len(got) != 1 {
		t.Fatalf("got %d notifications, want 1", len(got))
	}
	if got[0].Severity != SeverityError || !strings.HasPrefix(got[0].Message, "Notion notion") {
		t.Errorf("notification = %+v", got[0])
	}
}

func withStatus(run *domain.Run, s domain.RunStatus) *domain.Run {
	c := run.Clone()
	c.Status = s
	return c
}

type recorder struct {
	mu    sync.Mutex
	calls []Notification
	err   error
}

func (r *recorder) Send(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, n)
	return r.err
}

func (r *recorder) all() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.calls...)
}
