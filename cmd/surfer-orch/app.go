package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/catalog"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/config"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/credentials"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/domain"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/driver"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/drivers/localbackup"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/drivers/notion"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/drivers/worker"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/drivers/xcorp"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/ledger"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/logging"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/notify"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/observer"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/orchestrator"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/registry"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/runstore"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/supervisor"
)

// stuckThreshold is how long a connected running run may stay silent
const stuckThreshold = 10 * time.Minute

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWithLocalFallback(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, out io.Writer) *slog.Logger {
	return logging.New(logging.Config{
		Level:  logging.ParseLevel(cfg.Logging.Level),
		Format: cfg.Logging.Format,
		Output: out,
	})
}

func loadCatalog(cfg *config.Config) (*catalog.Catalog, error) {
	if cfg.General.Catalog == "" {
		return catalog.Builtin(), nil
	}
	return catalog.Load(cfg.General.Catalog)
}

// app is the wired engine shared by the serve and export commands
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	catalog *catalog.Catalog

	registry   *registry.Registry
	ledger     *ledger.Ledger
	capture    *credentials.Capture
	supervisor *supervisor.Supervisor
	drivers    *driver.Registry
	orch       *orchestrator.Orchestrator
	observer   *observer.Observer

	store    *runstore.Store
	recorder *runstore.Recorder
	notifier *notify.RunNotifier
}

// newApp wires the engine. surfaces may be nil for headless use; the
// capture is created before it so a surface bridge can feed it.
func newApp(cfg *config.Config, logger *slog.Logger, surfaces func(*credentials.Capture) orchestrator.SurfaceFactory) (*app, error) {
	cat, err := loadCatalog(cfg)
	if err != nil {
		return nil, fmt.Errorf("loading catalog: %w", err)
	}
	if err := os.MkdirAll(cfg.General.DataDir, 0755); err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		catalog:  cat,
		registry: registry.New(),
		ledger:   ledger.New(cfg.General.DataDir),
		capture:  credentials.NewCapture(cfg.CredentialsDir()),
		supervisor: supervisor.New(supervisor.Config{
			AssetsDir:   cfg.General.AssetsDir,
			Interpreter: cfg.Python.Interpreter,
			StderrTail:  cfg.Python.StderrTail,
		}),
		drivers:  driver.NewRegistry(),
		observer: observer.New(stuckThreshold),
	}
	a.ledger.SetLogger(logger)
	a.capture.SetLogger(logger)
	a.supervisor.SetLogger(logger)
	cat.ApplyIdentities(a.ledger)
	a.bindDrivers()

	var factory orchestrator.SurfaceFactory
	if surfaces != nil {
		factory = surfaces(a.capture)
	}
	a.orch = orchestrator.New(orchestrator.Config{
		MaxParallel:       cfg.Orchestrator.MaxParallelRuns,
		Debounce:          cfg.Orchestrator.Debounce.Std(),
		MinSpacing:        cfg.Orchestrator.MinSpacing.Std(),
		CredentialTimeout: cfg.Orchestrator.CredentialTimeout.Std(),
	}, orchestrator.Deps{
		Registry: a.registry,
		Drivers:  a.drivers,
		Ledger:   a.ledger,
		Capture:  a.capture,
		Surfaces: factory,
		Resolver: cat,
		Workers:  a.supervisor,
	})
	a.orch.SetLogger(logger)
	a.registry.Subscribe(a.observer)

	if err := a.openStore(); err != nil {
		a.close()
		return nil, err
	}
	a.notifier = notify.NewRunNotifier(a.notifiers())
	a.notifier.SetLogger(logger)
	a.registry.Subscribe(a.notifier)

	return a, nil
}

func (a *app) openStore() error {
	path := a.cfg.General.DatabasePath
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	store, err := runstore.New(path)
	if err != nil {
		return fmt.Errorf("opening run history: %w", err)
	}
	if n, err := store.MarkInterrupted(); err != nil {
		a.logger.Warn("marking interrupted runs", "error", err)
	} else if n > 0 {
		a.logger.Info("marked runs interrupted by the last shutdown", "count", n)
	}
	a.store = store
	a.recorder = runstore.NewRecorder(store)
	a.recorder.SetLogger(a.logger)
	a.registry.Subscribe(a.recorder)
	return nil
}

func (a *app) notifiers() notify.Notifier {
	var ns []notify.Notifier
	if a.cfg.Notifications.Desktop {
		ns = append(ns, notify.NewDesktopNotifier(true))
	}
	if a.cfg.Notifications.SlackWebhook != "" {
		ns = append(ns, notify.NewSlackNotifier(a.cfg.Notifications.SlackWebhook))
	}
	if len(ns) == 0 {
		return notify.NoopNotifier{}
	}
	return notify.NewMultiNotifier(ns...)
}

// bindDrivers registers a driver for every catalog platform
func (a *app) bindDrivers() {
	for _, p := range a.catalog.List() {
		d, err := a.driverFor(p)
		if err != nil {
			a.logger.Warn("platform has no driver", "platform", p.ID, "error", err)
			continue
		}
		a.drivers.Register(p.Company, p.Driver, d)
	}
}

func (a *app) driverFor(p catalog.Platform) (driver.Driver, error) {
	switch p.Kind {
	case catalog.KindBackup:
		cfg := localbackup.Config{
			Script:    a.asset(p.Script),
			BackupDir: config.ExpandPath(p.BackupDir),
			DataDir:   a.cfg.General.DataDir,
			Sentinels: supervisor.DefaultSentinels(),
		}
		if p.Requirements != "" {
			cfg.Requirements = a.asset(p.Requirements)
		}
		return localbackup.New(cfg, a.supervisor), nil
	case catalog.KindWorker:
		return worker.New(worker.Config{
			Script:  a.asset(p.Script),
			Args:    p.Args,
			DataDir: a.cfg.General.DataDir,
		}, a.supervisor), nil
	}

	switch p.Driver {
	case xcorp.Key:
		return xcorp.New(xcorp.Config{StopAfter: p.StopAfter}), nil
	case notion.Key:
		return notion.New(notion.Config{}), nil
	}
	return nil, fmt.Errorf("%w for %s", domain.ErrNoDriver, p.Driver)
}

// asset resolves a worker file shipped under the assets folder
func (a *app) asset(name string) string {
	name = config.ExpandPath(name)
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(a.cfg.General.AssetsDir, "scripts", name)
}

// start begins a run for a catalog platform
func (a *app) start(platformID string, isUpdated bool) (*domain.Run, error) {
	p, err := a.catalog.Get(platformID)
	if err != nil {
		return nil, err
	}
	return a.orch.StartRun(p.ID, p.Company, p.Name, isUpdated)
}

// close stops all runs and flushes the observers
func (a *app) close() {
	if a.orch != nil {
		a.orch.StopAll()
		a.orch.Wait()
	}
	if a.notifier != nil {
		a.notifier.Stop()
	}
	if a.recorder != nil {
		a.recorder.Stop()
	}
	if a.store != nil {
		a.store.Close()
	}
}
