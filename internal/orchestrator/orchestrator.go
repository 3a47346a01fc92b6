// Package orchestrator schedules export runs, drives each through its
// platform driver and applies the outcome protocol.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/credentials"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/domain"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/driver"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/export"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/ledger"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/registry"
)

// Config holds orchestrator settings
type Config struct {
	// MaxParallel bounds concurrently running runs (0 = unlimited)
	MaxParallel int
	// Debounce collapses bursts of navigation events (default: 1s)
	Debounce time.Duration
	// MinSpacing drops navigation events closer than this to the previous
	// accepted one (default: 3s, negative disables)
	MinSpacing time.Duration
	// CredentialTimeout bounds a driver's wait for captured credentials
	// before it is told to ask for sign-in (default: 30s)
	CredentialTimeout time.Duration
	CredentialWait    credentials.WaitOptions
}

func (c *Config) applyDefaults() {
	if c.Debounce <= 0 {
		c.Debounce = time.Second
	}
	if c.MinSpacing == 0 {
		c.MinSpacing = 3 * time.Second
	}
	if c.CredentialTimeout <= 0 {
		c.CredentialTimeout = 30 * time.Second
	}
	if c.CredentialWait.InitialInterval <= 0 {
		c.CredentialWait = credentials.DefaultWaitOptions()
	}
}

// Platform describes how runs for one platform are driven
type Platform struct {
	DriverKey string
	StartURL  string
}

// Resolver maps a run request to its platform description
type Resolver interface {
	Resolve(platformID, company, productName string) (Platform, error)
}

// ResolverFunc adapts a function to Resolver
type ResolverFunc func(platformID, company, productName string) (Platform, error)

func (f ResolverFunc) Resolve(platformID, company, productName string) (Platform, error) {
	return f(platformID, company, productName)
}

// ProductResolver uses the product name as driver key and opens surfaces
// blank
var ProductResolver = ResolverFunc(func(_, _, productName string) (Platform, error) {
	return Platform{DriverKey: productName}, nil
})

// Deps are the collaborators an Orchestrator drives
type Deps struct {
	Registry *registry.Registry
	Drivers  *driver.Registry
	Ledger   *ledger.Ledger
	Capture  *credentials.Capture
	// Surfaces defaults to NopSurfaces
	Surfaces SurfaceFactory
	// Resolver defaults to ProductResolver
	Resolver Resolver
	// Workers, when set, has a run's worker processes killed as it ends
	Workers WorkerKiller
}

// WorkerKiller kills the worker processes spawned for a run
type WorkerKiller interface {
	Kill(runID string) bool
}

type phase int

const (
	phaseQueued phase = iota
	phaseIdle
	phaseInvoking
	phaseAwaitSignIn
	phaseAwaitDownload
	phaseProcessing
	phaseDone
)

// entry is the orchestrator-owned state of one active run
type entry struct {
	id       string
	key      domain.ExportKey
	inv      driver.Invocation
	drv      driver.Driver
	startURL string
	ctx      context.Context
	cancel   context.CancelFunc

	phase      phase
	attempt    int
	reentry    bool
	lastNav    time.Time
	timer      *time.Timer
	surface    Surface
	exportPath string
	prompt     *secretPrompt
}

// Orchestrator schedules runs onto browsing-surface slots and supervises
// their driver invocations
type Orchestrator struct {
	cfg      Config
	registry *registry.Registry
	drivers  *driver.Registry
	ledger   *ledger.Ledger
	capture  *credentials.Capture
	surfaces SurfaceFactory
	resolver Resolver
	workers  WorkerKiller
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string

	// processDownload turns a finished download into the export folder
	processDownload func(ctx context.Context, path, dir string, key domain.ExportKey, runID string, now time.Time) (string, error)

	mu         sync.Mutex
	entries    map[string]*entry
	queue      []string
	foreground string
	wg         sync.WaitGroup
}

// New creates an Orchestrator
func New(cfg Config, deps Deps) *Orchestrator {
	cfg.applyDefaults()
	if deps.Surfaces == nil {
		deps.Surfaces = NewNopSurfaces()
	}
	if deps.Resolver == nil {
		deps.Resolver = ProductResolver
	}
	return &Orchestrator{
		cfg:      cfg,
		registry: deps.Registry,
		drivers:  deps.Drivers,
		ledger:   deps.Ledger,
		capture:  deps.Capture,
		surfaces: deps.Surfaces,
		resolver: deps.Resolver,
		workers:  deps.Workers,
		logger:   slog.Default(),
		now:      time.Now,
		newID:    uuid.NewString,
		entries:  make(map[string]*entry),

		processDownload: export.ProcessDownload,
	}
}

// SetLogger sets the logger
func (o *Orchestrator) SetLogger(logger *slog.Logger) {
	o.logger = logger
}

// SetClock overrides the time source used for navigation spacing
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}

// Registry returns the run registry
func (o *Orchestrator) Registry() *registry.Registry {
	return o.registry
}

// StartRun creates a run and schedules it. A second run for a platform
// account that already has an active run is rejected with ErrRunConflict.
func (o *Orchestrator) StartRun(platformID, company, productName string, isUpdated bool) (*domain.Run, error) {
	p, err := o.resolver.Resolve(platformID, company, productName)
	if err != nil {
		return nil, err
	}
	d, err := o.drivers.Lookup(company, p.DriverKey)
	if err != nil {
		return nil, err
	}

	key := domain.ExportKey{Company: company, Name: productName, PlatformID: platformID}
	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{
		id:  o.newID(),
		key: key,
		inv: driver.Invocation{
			PlatformID:  platformID,
			DriverName:  p.DriverKey,
			Company:     company,
			ProductName: productName,
			IsUpdated:   isUpdated,
		},
		drv:      d,
		startURL: p.StartURL,
		ctx:      ctx,
		cancel:   cancel,
	}
	e.inv.RunID = e.id

	o.mu.Lock()
	for _, other := range o.entries {
		if other.key == key && other.phase != phaseDone {
			o.mu.Unlock()
			cancel()
			return nil, fmt.Errorf("%w: %s already has run %s", domain.ErrRunConflict, key, other.id)
		}
	}
	o.entries[e.id] = e
	o.queue = append(o.queue, e.id)
	o.mu.Unlock()

	_, err = o.registry.Create(&domain.Run{
		ID:          e.id,
		PlatformID:  platformID,
		Company:     company,
		ProductName: productName,
		IsUpdated:   isUpdated,
		StartDate:   o.now(),
	})
	if err != nil {
		o.mu.Lock()
		delete(o.entries, e.id)
		o.mu.Unlock()
		cancel()
		return nil, err
	}

	o.logger.Info("run created", "run_id", e.id, "platform", platformID, "company", company, "product", productName)
	o.schedule()
	return o.registry.Get(e.id)
}

func (o *Orchestrator) runningLocked() int {
	n := 0
	for _, e := range o.entries {
		if e.phase != phaseQueued && e.phase != phaseDone {
			n++
		}
	}
	return n
}

// schedule claims queued runs in creation order while slots are free
func (o *Orchestrator) schedule() {
	o.mu.Lock()
	var claimed []*entry
	for len(o.queue) > 0 && (o.cfg.MaxParallel <= 0 || o.runningLocked() < o.cfg.MaxParallel) {
		id := o.queue[0]
		o.queue = o.queue[1:]
		e, ok := o.entries[id]
		if !ok || e.phase != phaseQueued {
			continue
		}
		e.phase = phaseIdle
		claimed = append(claimed, e)
	}
	o.mu.Unlock()

	for _, e := range claimed {
		o.claim(e)
	}
}

func (o *Orchestrator) claim(e *entry) {
	if err := o.registry.Transition(e.id, domain.RunRunning, nil); err != nil {
		o.logger.Warn("claiming run", "run_id", e.id, "error", err)
		o.terminate(e, domain.RunStopped, domain.RunPatch{})
		return
	}

	surface, err := o.surfaces.Open(e.id, e.startURL)
	if err != nil {
		o.fail(e, fmt.Errorf("opening browsing surface: %w", err))
		return
	}
	o.mu.Lock()
	if e.phase == phaseDone {
		o.mu.Unlock()
		surface.Close()
		return
	}
	e.surface = surface
	o.mu.Unlock()

	o.registry.AppendLog(e.id, "Run started")
	o.invoke(e.id)
}

// invoke starts a driver invocation unless one is outstanding, in which
// case the re-entry is deferred until it returns
func (o *Orchestrator) invoke(id string) {
	o.mu.Lock()
	e, ok := o.entries[id]
	if !ok {
		o.mu.Unlock()
		return
	}
	switch e.phase {
	case phaseInvoking:
		e.reentry = true
		o.mu.Unlock()
		return
	case phaseIdle:
	default:
		o.mu.Unlock()
		return
	}
	e.phase = phaseInvoking
	e.reentry = false
	e.attempt++
	inv := e.inv
	inv.Attempt = e.attempt
	o.wg.Add(1)
	o.mu.Unlock()

	go o.execute(e, inv)
}

func (o *Orchestrator) execute(e *entry, inv driver.Invocation) {
	defer o.wg.Done()

	o.logger.Debug("invoking driver", "run_id", e.id, "driver", inv.DriverName, "attempt", inv.Attempt)
	out, err := call(e.ctx, e.drv, inv, &runHost{o: o, e: e})
	o.complete(e, out, err)
}

func call(ctx context.Context, d driver.Driver, inv driver.Invocation, host driver.Host) (out domain.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", domain.ErrDriverFault, r)
		}
	}()
	return d.Run(ctx, inv, host)
}

func (o *Orchestrator) done(e *entry) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return e.phase == phaseDone
}

// complete applies one invocation's outcome
func (o *Orchestrator) complete(e *entry, out domain.Outcome, err error) {
	if o.done(e) {
		o.logger.Debug("discarding result of finished run", "run_id", e.id, "outcome", out.Kind, "error", err)
		return
	}
	if err != nil {
		o.fail(e, err)
		return
	}

	switch out.Kind {
	case domain.OutcomeConnectWebsite:
		if !o.park(e, phaseAwaitSignIn) {
			return
		}
		o.registry.UpdateField(e.id, domain.RunPatch{
			IsConnected: domain.Ptr(false),
			AppendLogs:  []string{"Sign in required"},
		})
	case domain.OutcomeDownloading:
		if o.park(e, phaseAwaitDownload) {
			o.registry.AppendLog(e.id, "Export requested, waiting for download")
		}
	case domain.OutcomeUpdateComplete:
		o.succeed(e)
	case domain.OutcomeNothing:
		o.terminate(e, domain.RunStopped, domain.LogPatch("Nothing to export"))
	case domain.OutcomeRecords:
		if len(out.Records) > 0 {
			if err := o.ledger.Append(e.key, e.id, out.Records...); err != nil {
				o.fail(e, fmt.Errorf("saving records: %w", err))
				return
			}
			o.registry.AppendLog(e.id, fmt.Sprintf("Saved %d records", len(out.Records)))
		}
		if out.Final {
			o.succeed(e)
			return
		}
		o.idle(e)
	default:
		o.fail(e, fmt.Errorf("%w: unrecognized outcome %s", domain.ErrDriverFault, out.Kind))
	}
}

// park moves an invoking run into a wait state, dropping any deferred
// re-entry
func (o *Orchestrator) park(e *entry, p phase) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if e.phase == phaseDone {
		return false
	}
	e.phase = p
	e.reentry = false
	if e.timer != nil {
		e.timer.Stop()
	}
	return true
}

// idle returns a run to idle and runs a deferred re-entry if one arrived
// during the invocation
func (o *Orchestrator) idle(e *entry) {
	o.mu.Lock()
	if e.phase == phaseDone {
		o.mu.Unlock()
		return
	}
	e.phase = phaseIdle
	again := e.reentry
	e.reentry = false
	o.mu.Unlock()

	if again {
		o.invoke(e.id)
	}
}

func (o *Orchestrator) succeed(e *entry) {
	o.mu.Lock()
	path := e.exportPath
	o.mu.Unlock()
	if path == "" {
		path = o.ledger.Dir(e.key)
	}

	size, err := export.FolderSize(path)
	if err != nil {
		o.logger.Warn("measuring export", "run_id", e.id, "path", path, "error", err)
	}
	o.terminate(e, domain.RunSuccess, domain.RunPatch{
		ExportPath: domain.Ptr(path),
		ExportSize: domain.Ptr(size),
		AppendLogs: []string{"Export complete"},
	})
}

func (o *Orchestrator) fail(e *entry, err error) {
	lines := strings.Split(strings.TrimRight("Error: "+err.Error(), "\n"), "\n")
	if o.terminate(e, domain.RunError, domain.LogPatch(lines...)) {
		o.logger.Error("run failed", "run_id", e.id, "platform", e.key.PlatformID, "error", err)
	}
}

// terminate ends a run exactly once: the slot is released, patch is applied
// and the registry transitions to status
func (o *Orchestrator) terminate(e *entry, status domain.RunStatus, patch domain.RunPatch) bool {
	o.mu.Lock()
	if e.phase == phaseDone {
		o.mu.Unlock()
		return false
	}
	e.phase = phaseDone
	if e.timer != nil {
		e.timer.Stop()
	}
	e.cancel()
	surface := e.surface
	e.surface = nil
	if o.foreground == e.id {
		o.foreground = ""
	}
	delete(o.entries, e.id)
	o.mu.Unlock()

	if surface != nil {
		if err := surface.Close(); err != nil {
			o.logger.Warn("closing browsing surface", "run_id", e.id, "error", err)
		}
	}
	if o.workers != nil && o.workers.Kill(e.id) {
		o.logger.Info("killed worker processes", "run_id", e.id)
	}
	o.ledger.Forget(e.key)
	if !patch.IsEmpty() {
		o.registry.UpdateField(e.id, patch)
	}
	if err := o.registry.Transition(e.id, status, nil); err != nil && !errors.Is(err, domain.ErrUnknownRun) {
		o.logger.Debug("terminal transition", "run_id", e.id, "status", status, "error", err)
	}
	o.logger.Info("run finished", "run_id", e.id, "status", status)

	o.schedule()
	return true
}

func (o *Orchestrator) active(id string) (*entry, error) {
	o.mu.Lock()
	e, ok := o.entries[id]
	o.mu.Unlock()
	if ok {
		return e, nil
	}
	if _, err := o.registry.Get(id); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: run %s is not active", domain.ErrInvalidTransition, id)
}

// StopRun stops a run immediately. An outstanding invocation is cancelled
// and its result discarded.
func (o *Orchestrator) StopRun(id string) error {
	e, err := o.active(id)
	if err != nil {
		return err
	}
	if !o.terminate(e, domain.RunStopped, domain.LogPatch("Run stopped")) {
		return fmt.Errorf("%w: run %s is not active", domain.ErrInvalidTransition, id)
	}
	return nil
}

// StopAll stops every active run and returns their ids
func (o *Orchestrator) StopAll() []string {
	o.mu.Lock()
	entries := make([]*entry, 0, len(o.entries))
	for _, e := range o.entries {
		entries = append(entries, e)
	}
	o.queue = nil
	o.mu.Unlock()

	var ids []string
	for _, e := range entries {
		if o.terminate(e, domain.RunStopped, domain.LogPatch("Run stopped")) {
			ids = append(ids, e.id)
		}
	}
	ids = append(ids, o.registry.StopAll()...)
	return ids
}

// DeleteRun stops the run if needed and removes it from the registry
func (o *Orchestrator) DeleteRun(id string) error {
	o.mu.Lock()
	e, ok := o.entries[id]
	o.mu.Unlock()
	if ok {
		o.terminate(e, domain.RunStopped, domain.RunPatch{})
	}
	return o.registry.Delete(id)
}

// SignedIn acknowledges that the user authenticated in a run's surface and
// re-invokes its driver once. It is a no-op unless the run waits for sign-in.
func (o *Orchestrator) SignedIn(id string) error {
	e, err := o.active(id)
	if err != nil {
		return err
	}

	o.mu.Lock()
	if e.phase != phaseAwaitSignIn {
		o.mu.Unlock()
		o.logger.Debug("sign-in ignored, run is not waiting for it", "run_id", id)
		return nil
	}
	e.phase = phaseIdle
	o.mu.Unlock()

	o.registry.UpdateField(id, domain.RunPatch{
		IsConnected: domain.Ptr(true),
		AppendLogs:  []string{"Signed in"},
	})
	o.invoke(id)
	return nil
}

// AwaitingSignIn reports whether the run is parked until the user signs in
func (o *Orchestrator) AwaitingSignIn(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.entries[id]
	return ok && e.phase == phaseAwaitSignIn
}

// Navigated reports that a run's surface finished loading url. Accepted
// events re-arm the debounce timer; when it fires the driver is re-invoked.
func (o *Orchestrator) Navigated(id, url string) {
	if url != "" {
		o.registry.UpdateField(id, domain.RunPatch{URL: domain.Ptr(url)})
	}
	if strings.Contains(url, "about:blank") {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.entries[id]
	if !ok || (e.phase != phaseIdle && e.phase != phaseInvoking) {
		return
	}

	now := o.now()
	if o.cfg.MinSpacing > 0 && !e.lastNav.IsZero() && now.Sub(e.lastNav) < o.cfg.MinSpacing {
		return
	}
	e.lastNav = now
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(o.cfg.Debounce, func() { o.invoke(id) })
}

// CompleteDownload finishes a run waiting for an asynchronous download.
// Archives are extracted into the run's export folder in the background;
// the run turns successful once processing is done.
func (o *Orchestrator) CompleteDownload(id, path string) error {
	e, err := o.active(id)
	if err != nil {
		return err
	}

	o.mu.Lock()
	if e.phase != phaseAwaitDownload {
		o.mu.Unlock()
		return fmt.Errorf("%w: run %s is not waiting for a download", domain.ErrInvalidTransition, id)
	}
	e.phase = phaseProcessing
	o.wg.Add(1)
	o.mu.Unlock()

	o.registry.AppendLog(id, "Download complete, processing")
	go o.process(e, path)
	return nil
}

func (o *Orchestrator) process(e *entry, path string) {
	defer o.wg.Done()

	dir, err := o.processDownload(e.ctx, path, o.ledger.Dir(e.key), e.key, e.id, o.now())
	if o.done(e) {
		o.logger.Debug("discarding processed download of finished run", "run_id", e.id, "error", err)
		return
	}
	if err != nil {
		o.fail(e, fmt.Errorf("processing download: %w", err))
		return
	}

	o.mu.Lock()
	e.exportPath = dir
	o.mu.Unlock()
	o.succeed(e)
}

// SetForeground brings a run's surface to the front. Only one run is
// foregrounded at a time.
func (o *Orchestrator) SetForeground(id string) error {
	if _, err := o.active(id); err != nil {
		return err
	}
	o.mu.Lock()
	o.foreground = id
	o.mu.Unlock()

	if f, ok := o.surfaces.(Foregrounder); ok {
		return f.Foreground(id)
	}
	return nil
}

// Foreground returns the foregrounded run id, if any
func (o *Orchestrator) Foreground() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.foreground
}

// Wait blocks until no driver invocation is outstanding
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}
