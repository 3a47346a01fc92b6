package orchestrator

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/credentials"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/domain"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/driver"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/drivers/worker"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/drivers/xcorp"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/ledger"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/registry"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/supervisor"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type harness struct {
	o        *Orchestrator
	reg      *registry.Registry
	drivers  *driver.Registry
	ledger   *ledger.Ledger
	capture  *credentials.Capture
	surfaces *NopSurfaces
	root     string
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	root := t.TempDir()
	h := &harness{
		reg:      registry.New(),
		drivers:  driver.NewRegistry(),
		ledger:   ledger.New(filepath.Join(root, "exported_data")),
		capture:  credentials.NewCapture(filepath.Join(root, "exported_data")),
		surfaces: NewNopSurfaces(),
		root:     root,
	}
	if cfg.MinSpacing == 0 {
		cfg.MinSpacing = -1
	}
	if cfg.Debounce == 0 {
		cfg.Debounce = 20 * time.Millisecond
	}
	h.o = New(cfg, Deps{
		Registry: h.reg,
		Drivers:  h.drivers,
		Ledger:   h.ledger,
		Capture:  h.capture,
		Surfaces: h.surfaces,
	})
	t.Cleanup(func() {
		h.o.StopAll()
		h.o.Wait()
	})
	return h
}

func (h *harness) status(t *testing.T, id string) domain.RunStatus {
	t.Helper()
	run, err := h.reg.Get(id)
	require.NoError(t, err)
	return run.Status
}

func (h *harness) waitStatus(t *testing.T, id string, want domain.RunStatus) *domain.Run {
	t.Helper()
	require.Eventually(t, func() bool {
		r, err := h.reg.Get(id)
		return err == nil && r.Status == want
	}, waitFor, tick, "run never reached %s", want)
	run, _ := h.reg.Get(id)
	return run
}

// countingDriver returns outcomes in order, repeating the last one
type countingDriver struct {
	calls    int32
	outcomes []domain.Outcome
}

func (d *countingDriver) Run(ctx context.Context, inv driver.Invocation, host driver.Host) (domain.Outcome, error) {
	n := int(atomic.AddInt32(&d.calls, 1))
	if n > len(d.outcomes) {
		n = len(d.outcomes)
	}
	return d.outcomes[n-1], nil
}

func (d *countingDriver) Calls() int {
	return int(atomic.LoadInt32(&d.calls))
}

func tweet(id, text string) map[string]any {
	return map[string]any{
		"entryId": "tweet-" + id,
		"content": map[string]any{"itemContent": map[string]any{"tweet_results": map[string]any{"result": map[string]any{
			"legacy": map[string]any{"full_text": text, "created_at": "Wed Oct 10 20:19:2" + id + " +0000 2018"},
		}}}},
	}
}

func TestScenario_BookmarksStopAfterThreeExisting(t *testing.T) {
	var pages int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&pages, 1)
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"bookmark_timeline_v2": map[string]any{"timeline": map[string]any{
			"instructions": []any{map[string]any{"entries": []any{
				tweet("1", "first"), tweet("2", "second"), tweet("3", "third"), tweet("4", "fourth"),
				map[string]any{"entryId": "cursor-bottom-1", "content": map[string]any{"value": "next"}},
			}}},
		}}}})
	}))
	defer srv.Close()

	h := newHarness(t, Config{})
	h.drivers.Register(xcorp.Company, xcorp.Key, xcorp.New(xcorp.Config{
		BaseURL: srv.URL,
		Client:  driver.ClientConfig{RateLimit: 1000, RateBurst: 10},
	}))

	key := domain.ExportKey{Company: "X Corp", Name: "bookmarks", PlatformID: "bookmarks-1"}
	require.NoError(t, h.ledger.Append(key, "earlier-run",
		domain.Record{"id": "tweet-1", "text": "first", "timestamp": "2018-10-10T20:19:21.000Z"},
		domain.Record{"id": "tweet-2", "text": "second", "timestamp": "2018-10-10T20:19:22.000Z"},
		domain.Record{"id": "tweet-3", "text": "third", "timestamp": "2018-10-10T20:19:23.000Z"},
	))
	require.NoError(t, credentials.Save(h.capture.Path("X Corp", "bookmarks", credentials.XBookmarks()), domain.CredentialBundle{
		credentials.KeyBookmarksAPIID: "q1",
		credentials.KeyAuthorization:  "Bearer t",
		credentials.KeyCookie:         "ct0=c",
		credentials.KeyCSRFToken:      "c",
	}))

	run, err := h.o.StartRun("bookmarks-1", "X Corp", "bookmarks", true)
	require.NoError(t, err)

	done := h.waitStatus(t, run.ID, domain.RunSuccess)
	h.o.Wait()

	count, err := h.ledger.Count(key)
	require.NoError(t, err)
	assert.Equal(t, 3, count, "no new records appended")
	assert.Equal(t, int32(1), atomic.LoadInt32(&pages), "pagination stopped on the first page")
	assert.Equal(t, h.ledger.Dir(key), done.ExportPath)
	assert.NotZero(t, done.ExportSize)
	assert.NotNil(t, done.EndDate)
}

func TestConnectWebsite_SignedInReinvokesOnce(t *testing.T) {
	h := newHarness(t, Config{})
	d := &countingDriver{outcomes: []domain.Outcome{domain.ConnectWebsite, domain.Records()}}
	h.drivers.Register("LinkedIn", "profile", d)

	run, err := h.o.StartRun("linkedin-001", "LinkedIn", "profile", false)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		r, _ := h.reg.Get(run.ID)
		return d.Calls() == 1 && r.LastLog() == "Sign in required"
	}, waitFor, tick)
	r, _ := h.reg.Get(run.ID)
	assert.Equal(t, domain.RunRunning, r.Status)
	assert.False(t, r.IsConnected)
	assert.True(t, h.o.AwaitingSignIn(run.ID))

	h.o.Navigated(run.ID, "https://www.linkedin.com/login")
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, d.Calls(), "navigation is ignored while waiting for sign-in")

	require.NoError(t, h.o.SignedIn(run.ID))
	require.Eventually(t, func() bool { return d.Calls() == 2 }, waitFor, tick)
	time.Sleep(60 * time.Millisecond)
	h.o.Wait()
	assert.Equal(t, 2, d.Calls(), "exactly one re-invocation")

	r, _ = h.reg.Get(run.ID)
	assert.True(t, r.IsConnected)
	assert.Equal(t, domain.RunRunning, r.Status)
	assert.False(t, h.o.AwaitingSignIn(run.ID))

	require.NoError(t, h.o.SignedIn(run.ID), "sign-in while not waiting is a no-op")
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 2, d.Calls())
}

func TestNavigated_DebounceCollapsesBurst(t *testing.T) {
	h := newHarness(t, Config{Debounce: 40 * time.Millisecond})
	d := &countingDriver{outcomes: []domain.Outcome{domain.Records()}}
	h.drivers.Register("Google", "gmail", d)

	run, err := h.o.StartRun("gmail-001", "Google", "gmail", false)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return d.Calls() == 1 }, waitFor, tick)
	h.o.Wait()

	h.o.Navigated(run.ID, "https://mail.google.com/a")
	h.o.Navigated(run.ID, "https://mail.google.com/b")
	h.o.Navigated(run.ID, "about:blank")

	require.Eventually(t, func() bool { return d.Calls() == 2 }, waitFor, tick)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, d.Calls())

	r, _ := h.reg.Get(run.ID)
	assert.Equal(t, "about:blank", r.URL)
}

func TestNavigated_MinimumSpacing(t *testing.T) {
	h := newHarness(t, Config{Debounce: 10 * time.Millisecond, MinSpacing: 3 * time.Second})
	var clock atomic.Int64
	clock.Store(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	h.o.SetClock(func() time.Time { return time.Unix(0, clock.Load()) })

	d := &countingDriver{outcomes: []domain.Outcome{domain.Records()}}
	h.drivers.Register("Google", "gmail", d)
	run, err := h.o.StartRun("gmail-001", "Google", "gmail", false)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return d.Calls() == 1 }, waitFor, tick)
	h.o.Wait()

	h.o.Navigated(run.ID, "https://mail.google.com/1")
	require.Eventually(t, func() bool { return d.Calls() == 2 }, waitFor, tick)
	h.o.Wait()

	clock.Add(int64(time.Second))
	h.o.Navigated(run.ID, "https://mail.google.com/2")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, d.Calls(), "event within spacing is dropped")

	clock.Add(int64(3 * time.Second))
	h.o.Navigated(run.ID, "https://mail.google.com/3")
	require.Eventually(t, func() bool { return d.Calls() == 3 }, waitFor, tick)
}

// blockingDriver holds each invocation until released and records overlap
type blockingDriver struct {
	release  chan struct{}
	calls    int32
	inflight int32
	overlap  int32
	outcome  domain.Outcome
}

func (d *blockingDriver) Run(ctx context.Context, inv driver.Invocation, host driver.Host) (domain.Outcome, error) {
	atomic.AddInt32(&d.calls, 1)
	if atomic.AddInt32(&d.inflight, 1) > 1 {
		atomic.StoreInt32(&d.overlap, 1)
	}
	defer atomic.AddInt32(&d.inflight, -1)
	<-d.release
	return d.outcome, nil
}

func TestReentryDeferredUntilInvocationReturns(t *testing.T) {
	h := newHarness(t, Config{Debounce: 5 * time.Millisecond})
	d := &blockingDriver{release: make(chan struct{}), outcome: domain.Records()}
	h.drivers.Register("Notion", "notion", d)

	run, err := h.o.StartRun("notion-001", "Notion", "notion", false)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&d.calls) == 1 }, waitFor, tick)

	h.o.Navigated(run.ID, "https://www.notion.so/a")
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&d.calls), "no overlapping invocation")

	d.release <- struct{}{}
	require.Eventually(t, func() bool { return atomic.LoadInt32(&d.calls) == 2 }, waitFor, tick)
	d.release <- struct{}{}
	h.o.Wait()
	assert.Zero(t, atomic.LoadInt32(&d.overlap))
}

func TestStopDiscardsLateResult(t *testing.T) {
	h := newHarness(t, Config{})
	d := &blockingDriver{
		release: make(chan struct{}),
		outcome: domain.FinalRecords(domain.Record{"text": "late", "timestamp": "2024-01-01T00:00:00Z"}),
	}
	h.drivers.Register("X Corp", "bookmarks", d)

	run, err := h.o.StartRun("bookmarks-1", "X Corp", "bookmarks", false)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&d.calls) == 1 }, waitFor, tick)

	require.NoError(t, h.o.StopRun(run.ID))
	assert.Equal(t, domain.RunStopped, h.status(t, run.ID))

	close(d.release)
	h.o.Wait()

	assert.Equal(t, domain.RunStopped, h.status(t, run.ID))
	count, err := h.ledger.Count(domain.ExportKey{Company: "X Corp", Name: "bookmarks", PlatformID: "bookmarks-1"})
	require.NoError(t, err)
	assert.Zero(t, count)

	assert.ErrorIs(t, h.o.StopRun(run.ID), domain.ErrInvalidTransition)
	assert.ErrorIs(t, h.o.StopRun("nope"), domain.ErrUnknownRun)
}

func TestDriverFaultsStayIsolated(t *testing.T) {
	h := newHarness(t, Config{})
	h.drivers.Register("A", "panics", driver.Func(func(context.Context, driver.Invocation, driver.Host) (domain.Outcome, error) {
		panic("selector exploded")
	}))
	h.drivers.Register("B", "unknown", driver.Func(func(context.Context, driver.Invocation, driver.Host) (domain.Outcome, error) {
		return domain.Outcome{}, nil
	}))
	h.drivers.Register("C", "fails", driver.Func(func(context.Context, driver.Invocation, driver.Host) (domain.Outcome, error) {
		return domain.Outcome{}, errors.New("element not found")
	}))
	h.drivers.Register("D", "fine", driver.Func(func(_ context.Context, _ driver.Invocation, host driver.Host) (domain.Outcome, error) {
		host.Log("all good")
		return domain.UpdateComplete, nil
	}))

	a, err := h.o.StartRun("a-1", "A", "panics", false)
	require.NoError(t, err)
	b, err := h.o.StartRun("b-1", "B", "unknown", false)
	require.NoError(t, err)
	c, err := h.o.StartRun("c-1", "C", "fails", false)
	require.NoError(t, err)
	d, err := h.o.StartRun("d-1", "D", "fine", false)
	require.NoError(t, err)

	ra := h.waitStatus(t, a.ID, domain.RunError)
	assert.Contains(t, strings.Join(ra.Logs, "\n"), "selector exploded")
	rb := h.waitStatus(t, b.ID, domain.RunError)
	assert.Contains(t, strings.Join(rb.Logs, "\n"), domain.ErrDriverFault.Error())
	rc := h.waitStatus(t, c.ID, domain.RunError)
	assert.Equal(t, "Error: element not found", rc.LastLog())
	rd := h.waitStatus(t, d.ID, domain.RunSuccess)
	assert.Contains(t, rd.Logs, "all good")
}

func TestNothingStopsQuietly(t *testing.T) {
	h := newHarness(t, Config{})
	h.drivers.Register("Google", "gmail", &countingDriver{outcomes: []domain.Outcome{domain.Nothing}})

	run, err := h.o.StartRun("gmail-001", "Google", "gmail", false)
	require.NoError(t, err)
	r := h.waitStatus(t, run.ID, domain.RunStopped)
	assert.Equal(t, "Nothing to export", r.LastLog())
}

func TestStartRun_RejectsConcurrentRunForSameAccount(t *testing.T) {
	h := newHarness(t, Config{})
	d := &blockingDriver{release: make(chan struct{}), outcome: domain.UpdateComplete}
	h.drivers.Register("Notion", "notion", d)

	first, err := h.o.StartRun("notion-001", "Notion", "notion", false)
	require.NoError(t, err)

	_, err = h.o.StartRun("notion-001", "Notion", "notion", true)
	assert.ErrorIs(t, err, domain.ErrRunConflict)

	_, err = h.o.StartRun("notion-002", "Notion", "notion", false)
	require.NoError(t, err, "another account of the same platform is fine")

	require.NoError(t, h.o.StopRun(first.ID))
	_, err = h.o.StartRun("notion-001", "Notion", "notion", false)
	require.NoError(t, err, "allowed again once the first run ended")
	close(d.release)

	_, err = h.o.StartRun("x-1", "Nobody", "nothing", false)
	assert.ErrorIs(t, err, domain.ErrNoDriver)
}

func TestMaxParallelQueuesRuns(t *testing.T) {
	h := newHarness(t, Config{MaxParallel: 1})
	d := &blockingDriver{release: make(chan struct{}), outcome: domain.UpdateComplete}
	h.drivers.Register("Notion", "notion", d)

	first, err := h.o.StartRun("notion-001", "Notion", "notion", false)
	require.NoError(t, err)
	second, err := h.o.StartRun("notion-002", "Notion", "notion", false)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&d.calls) == 1 }, waitFor, tick)
	assert.Equal(t, domain.RunRunning, h.status(t, first.ID))
	assert.Equal(t, domain.RunPending, h.status(t, second.ID))

	d.release <- struct{}{}
	h.waitStatus(t, first.ID, domain.RunSuccess)
	h.waitStatus(t, second.ID, domain.RunRunning)
	d.release <- struct{}{}
	h.waitStatus(t, second.ID, domain.RunSuccess)
}

type failingRunner struct{}

func (failingRunner) RunWorker(_ context.Context, _, _ string, _ []string, sink supervisor.LineSink) error {
	sink(supervisor.Line{Stream: supervisor.Stdout, Text: "reading backup"})
	return &domain.SubprocessError{ExitCode: 1, StderrTail: []string{"Traceback (most recent call last):", "KeyError: 'chat'"}}
}

func TestScenario_WorkerExitCodeOneFailsRun(t *testing.T) {
	h := newHarness(t, Config{})
	h.drivers.Register("Apple", "imessage", worker.New(worker.Config{Script: "imessage_mac.py"}, failingRunner{}))

	run, err := h.o.StartRun("imessage-001", "Apple", "imessage", false)
	require.NoError(t, err)

	r := h.waitStatus(t, run.ID, domain.RunError)
	assert.Contains(t, r.Logs, "reading backup")
	assert.Contains(t, r.Logs, "KeyError: 'chat'")
	assert.Contains(t, r.Logs, "Error: process exited with code 1")
}

func TestDownloadCompletion(t *testing.T) {
	h := newHarness(t, Config{})
	h.drivers.Register("Notion", "notion", &countingDriver{outcomes: []domain.Outcome{domain.Downloading}})

	run, err := h.o.StartRun("notion-001", "Notion", "notion", false)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		r, _ := h.reg.Get(run.ID)
		return strings.HasPrefix(r.LastLog(), "Export requested")
	}, waitFor, tick)

	archive := filepath.Join(h.root, "Export.zip")
	f, err := os.Create(archive)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, _ := zw.Create("Home/Todo.md")
	w.Write([]byte("- [ ] ship"))
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	require.NoError(t, h.o.CompleteDownload(run.ID, archive))
	r := h.waitStatus(t, run.ID, domain.RunSuccess)
	key := domain.ExportKey{Company: "Notion", Name: "notion", PlatformID: "notion-001"}
	assert.Equal(t, filepath.Join(h.ledger.Dir(key), "extracted"), r.ExportPath)
	assert.Positive(t, r.ExportSize)

	assert.ErrorIs(t, h.o.CompleteDownload(run.ID, archive), domain.ErrInvalidTransition)
}

func TestSecretPrompt(t *testing.T) {
	h := newHarness(t, Config{})
	var got []string
	var mu sync.Mutex
	h.drivers.Register("Apple", "imessage", driver.Func(func(ctx context.Context, _ driver.Invocation, host driver.Host) (domain.Outcome, error) {
		var lastErr error
		for attempt := 0; ; attempt++ {
			s, err := host.Secret(ctx, attempt, lastErr)
			if err != nil {
				return domain.Nothing, nil
			}
			mu.Lock()
			got = append(got, s)
			mu.Unlock()
			if s == "correct" {
				return domain.UpdateComplete, nil
			}
			lastErr = domain.ErrInvalidSecret
		}
	}))

	run, err := h.o.StartRun("imessage-001", "Apple", "imessage", false)
	require.NoError(t, err)

	require.Eventually(t, func() bool { _, ok := h.o.PendingSecret(run.ID); return ok }, waitFor, tick)
	require.NoError(t, h.o.ProvideSecret(run.ID, "wrong"))

	require.Eventually(t, func() bool {
		req, ok := h.o.PendingSecret(run.ID)
		return ok && req.Invalid && req.Attempt == 1
	}, waitFor, tick)
	assert.Len(t, h.o.PendingSecrets(), 1)
	require.NoError(t, h.o.ProvideSecret(run.ID, "correct"))

	h.waitStatus(t, run.ID, domain.RunSuccess)
	assert.Equal(t, []string{"wrong", "correct"}, got)
	assert.Error(t, h.o.ProvideSecret(run.ID, "again"))
}

func TestSecretPrompt_Cancel(t *testing.T) {
	h := newHarness(t, Config{})
	h.drivers.Register("Apple", "imessage", driver.Func(func(ctx context.Context, _ driver.Invocation, host driver.Host) (domain.Outcome, error) {
		if _, err := host.Secret(ctx, 0, nil); errors.Is(err, domain.ErrCancelled) {
			return domain.Nothing, nil
		}
		return domain.UpdateComplete, nil
	}))

	run, err := h.o.StartRun("imessage-001", "Apple", "imessage", false)
	require.NoError(t, err)
	require.Eventually(t, func() bool { _, ok := h.o.PendingSecret(run.ID); return ok }, waitFor, tick)
	require.NoError(t, h.o.CancelSecret(run.ID))
	h.waitStatus(t, run.ID, domain.RunStopped)
}

func TestCompleteDownload_ProcessesInBackground(t *testing.T) {
	h := newHarness(t, Config{})
	h.drivers.Register("Notion", "notion", &countingDriver{outcomes: []domain.Outcome{domain.Downloading}})
	sibling := &countingDriver{outcomes: []domain.Outcome{domain.Records()}}
	h.drivers.Register("X Corp", "bookmarks", sibling)

	started := make(chan struct{})
	h.o.processDownload = func(ctx context.Context, _, _ string, _ domain.ExportKey, _ string, _ time.Time) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	}

	run, err := h.o.StartRun("notion-001", "Notion", "notion", false)
	require.NoError(t, err)
	other, err := h.o.StartRun("bookmarks-001", "X Corp", "bookmarks", false)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		r, _ := h.reg.Get(run.ID)
		return strings.HasPrefix(r.LastLog(), "Export requested")
	}, waitFor, tick)
	require.Eventually(t, func() bool { return sibling.Calls() == 1 }, waitFor, tick)

	require.NoError(t, h.o.CompleteDownload(run.ID, filepath.Join(h.root, "Export.zip")))
	<-started
	assert.Equal(t, domain.RunRunning, h.status(t, run.ID))
	assert.ErrorIs(t, h.o.CompleteDownload(run.ID, "again.zip"), domain.ErrInvalidTransition)

	// other runs keep reacting to navigation while the archive is processed
	h.o.Navigated(other.ID, "https://x.com/i/bookmarks")
	require.Eventually(t, func() bool { return sibling.Calls() == 2 }, waitFor, tick)

	require.NoError(t, h.o.StopRun(run.ID))
	r := h.waitStatus(t, run.ID, domain.RunStopped)
	assert.Empty(t, r.ExportPath)
	assert.NotContains(t, r.Logs, "Error: processing download: context canceled")
}

func TestCompleteDownload_ProcessingFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.drivers.Register("Notion", "notion", &countingDriver{outcomes: []domain.Outcome{domain.Downloading}})
	h.o.processDownload = func(context.Context, string, string, domain.ExportKey, string, time.Time) (string, error) {
		return "", errors.New("zip: not a valid zip file")
	}

	run, err := h.o.StartRun("notion-001", "Notion", "notion", false)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		r, _ := h.reg.Get(run.ID)
		return strings.HasPrefix(r.LastLog(), "Export requested")
	}, waitFor, tick)

	require.NoError(t, h.o.CompleteDownload(run.ID, "broken.zip"))
	r := h.waitStatus(t, run.ID, domain.RunError)
	assert.Contains(t, r.Logs, "Error: processing download: zip: not a valid zip file")
}

type recordingKiller struct {
	mu     sync.Mutex
	killed []string
}

func (k *recordingKiller) Kill(runID string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.killed = append(k.killed, runID)
	return true
}

func (k *recordingKiller) Killed() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]string(nil), k.killed...)
}

func TestStopRun_KillsWorkers(t *testing.T) {
	h := newHarness(t, Config{})
	workers := &recordingKiller{}
	h.o.workers = workers
	h.drivers.Register("Apple", "imessage", driver.Func(func(ctx context.Context, _ driver.Invocation, _ driver.Host) (domain.Outcome, error) {
		<-ctx.Done()
		return domain.Outcome{}, ctx.Err()
	}))

	run, err := h.o.StartRun("imessage-001", "Apple", "imessage", false)
	require.NoError(t, err)
	h.waitStatus(t, run.ID, domain.RunRunning)

	require.NoError(t, h.o.StopRun(run.ID))
	h.waitStatus(t, run.ID, domain.RunStopped)
	assert.Equal(t, []string{run.ID}, workers.Killed())
}

func TestCredentials_WaitsForCapturedRequest(t *testing.T) {
	h := newHarness(t, Config{CredentialTimeout: 2 * time.Second})
	m := &credentials.Matcher{Name: "exampleCredentials", Patterns: []string{"*://api.example.com/*"}, Required: []string{"authorization"}}

	bundles := make(chan domain.CredentialBundle, 1)
	h.drivers.Register("Example", "api", driver.Func(func(ctx context.Context, _ driver.Invocation, host driver.Host) (domain.Outcome, error) {
		b, err := host.Credentials(ctx, m)
		if err != nil {
			return domain.ConnectWebsite, nil
		}
		bundles <- b
		return domain.UpdateComplete, nil
	}))

	run, err := h.o.StartRun("example-1", "Example", "api", false)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.capture.Pending() == 1 }, waitFor, tick)

	h.capture.Observe(credentials.RequestEvent{
		URL:     "https://api.example.com/v1/me",
		Headers: map[string]string{"Authorization": "Bearer abc"},
	})

	h.waitStatus(t, run.ID, domain.RunSuccess)
	assert.Equal(t, domain.CredentialBundle{"authorization": "Bearer abc"}, <-bundles)
	_, err = os.Stat(h.capture.Path("Example", "api", m))
	assert.True(t, os.IsNotExist(err), "bundle is consumed")
}

func TestCredentials_TimeoutAsksForSignIn(t *testing.T) {
	h := newHarness(t, Config{CredentialTimeout: 30 * time.Millisecond})
	h.drivers.Register(xcorp.Company, xcorp.Key, xcorp.New(xcorp.Config{}))

	run, err := h.o.StartRun("bookmarks-1", "X Corp", "bookmarks", true)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		r, _ := h.reg.Get(run.ID)
		return r.LastLog() == "Sign in required"
	}, waitFor, tick)
	assert.Equal(t, domain.RunRunning, h.status(t, run.ID))
	assert.Contains(t, h.surfaces.Loaded(run.ID), "https://x.com/i/bookmarks/all")
}

func TestStopAllAndDelete(t *testing.T) {
	h := newHarness(t, Config{MaxParallel: 1})
	d := &blockingDriver{release: make(chan struct{}), outcome: domain.UpdateComplete}
	h.drivers.Register("Notion", "notion", d)

	a, err := h.o.StartRun("notion-001", "Notion", "notion", false)
	require.NoError(t, err)
	b, err := h.o.StartRun("notion-002", "Notion", "notion", false)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&d.calls) == 1 }, waitFor, tick)

	ids := h.o.StopAll()
	assert.ElementsMatch(t, []string{a.ID, b.ID}, ids)
	assert.Equal(t, domain.RunStopped, h.status(t, a.ID))
	assert.Equal(t, domain.RunStopped, h.status(t, b.ID))
	close(d.release)
	h.o.Wait()

	require.NoError(t, h.o.DeleteRun(a.ID))
	_, err = h.reg.Get(a.ID)
	assert.ErrorIs(t, err, domain.ErrUnknownRun)
}

func TestSetForeground(t *testing.T) {
	h := newHarness(t, Config{})
	h.drivers.Register("Google", "gmail", &countingDriver{outcomes: []domain.Outcome{domain.ConnectWebsite}})

	run, err := h.o.StartRun("gmail-001", "Google", "gmail", false)
	require.NoError(t, err)
	require.NoError(t, h.o.SetForeground(run.ID))
	assert.Equal(t, run.ID, h.o.Foreground())

	require.NoError(t, h.o.StopRun(run.ID))
	assert.Empty(t, h.o.Foreground())
	assert.Error(t, h.o.SetForeground(run.ID))
}
