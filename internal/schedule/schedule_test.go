package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestParseCron(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"0 3 * * *", false},    // 3 AM daily
		{"0 12 * * 1-5", false}, // noon weekdays
		{"*/5 * * * *", false},  // every 5 minutes
		{"@weekly", false},
		{"invalid", true},
		{"0 0 3 * * *", true}, // seconds field not accepted
	}

	for _, tt := range tests {
		_, err := ParseCron(tt.expr)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseCron(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
		}
	}
}

func TestEntry_Validate(t *testing.T) {
	e := Entry{Platform: "bookmarks-001", Cron: "0 3 * * *"}
	if err := e.Validate(); err != nil {
		t.Errorf("valid entry should not error: %v", err)
	}

	e.Platform = ""
	if err := e.Validate(); err == nil {
		t.Error("empty platform should error")
	}

	e = Entry{Platform: "bookmarks-001", Cron: "never"}
	if err := e.Validate(); err == nil {
		t.Error("bad cron should error")
	}
}

func TestNewScheduler_RejectsDuplicates(t *testing.T) {
	_, err := NewScheduler([]Entry{
		{Platform: "a", Cron: "@daily"},
		{Platform: "a", Cron: "@hourly"},
	})
	if err == nil {
		t.Error("duplicate platform should error")
	}
}

func TestScheduler_NextRun(t *testing.T) {
	sched, err := NewScheduler([]Entry{{Platform: "bookmarks-001", Cron: "0 3 * * *"}})
	if err != nil {
		t.Fatal(err)
	}

	next := sched.NextRun("bookmarks-001")
	if next.IsZero() {
		t.Fatal("NextRun should return a time")
	}
	if !next.After(time.Now()) {
		t.Error("NextRun should be in the future")
	}
	if !sched.NextRun("unknown").IsZero() {
		t.Error("unknown platform should have no next run")
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestScheduler_TickTriggersDueEntriesOnce(t *testing.T) {
	sched, err := NewScheduler([]Entry{
		{Platform: "bookmarks-001", Cron: "*/5 * * * *"},
		{Platform: "notion-001", Cron: "@daily"},
	})
	if err != nil {
		t.Fatal(err)
	}
	clock := &fakeClock{now: time.Date(2024, 5, 1, 10, 2, 0, 0, time.Local)}
	sched.SetClock(clock.Now)

	var mu sync.Mutex
	var started []string
	run := func(_ context.Context, e Entry) error {
		mu.Lock()
		started = append(started, e.Platform)
		mu.Unlock()
		return nil
	}

	if got := sched.Tick(context.Background(), run); len(got) != 0 {
		t.Errorf("nothing due yet, triggered %v", got)
	}

	clock.Advance(6 * time.Minute)
	got := sched.Tick(context.Background(), run)
	if len(got) != 1 || got[0] != "bookmarks-001" {
		t.Errorf("triggered %v, want [bookmarks-001]", got)
	}
	sched.Wait()

	// the schedule restarts from the trigger time
	if got := sched.Tick(context.Background(), run); len(got) != 0 {
		t.Errorf("retriggered immediately: %v", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(started) != 1 {
		t.Errorf("run called %d times, want 1", len(started))
	}
}

func TestScheduler_SkipsWhileRunning(t *testing.T) {
	sched, err := NewScheduler([]Entry{{Platform: "bookmarks-001", Cron: "* * * * *"}})
	if err != nil {
		t.Fatal(err)
	}
	clock := &fakeClock{now: time.Date(2024, 5, 1, 10, 2, 0, 0, time.Local)}
	sched.SetClock(clock.Now)

	release := make(chan struct{})
	run := func(_ context.Context, e Entry) error {
		<-release
		return errors.New("conflict")
	}

	clock.Advance(2 * time.Minute)
	if got := sched.Tick(context.Background(), run); len(got) != 1 {
		t.Fatalf("triggered %v, want one", got)
	}
	clock.Advance(2 * time.Minute)
	if sched.ShouldRun("bookmarks-001") {
		t.Error("should not run while previous trigger is in flight")
	}

	close(release)
	sched.Wait()
	if !sched.ShouldRun("bookmarks-001") {
		t.Error("should run once the previous trigger returned")
	}
}
