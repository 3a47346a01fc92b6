package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/config"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/credentials"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/domain"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/orchestrator"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/registry"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/schedule"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/tui"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/web/api"
)

var (
	servePort int
	serveTUI  bool
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine with the local API",
		Long: `Runs the export engine and the local API. The desktop surface host
connects to /api/surface; other tools read exported data through /api/get
and /api/export. Configured schedules re-export platforms automatically.`,
		RunE: runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "API port (overrides config)")
	serveCmd.Flags().BoolVar(&serveTUI, "tui", false, "show the run dashboard")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// the dashboard owns the terminal; logs go to a file instead
	var logOut io.Writer = os.Stderr
	if serveTUI {
		f, err := os.OpenFile(filepath.Join(filepath.Dir(cfg.General.DatabasePath), "surfer.log"),
			os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		defer f.Close()
		logOut = f
	}
	logger := newLogger(cfg, logOut)

	var bridge *api.SurfaceBridge
	a, err := newApp(cfg, logger, func(c *credentials.Capture) orchestrator.SurfaceFactory {
		bridge = api.NewSurfaceBridge(c)
		return bridge
	})
	if err != nil {
		return err
	}
	defer a.close()
	bridge.SetOrchestrator(a.orch)

	sched, err := newScheduler(cfg.Schedules)
	if err != nil {
		return err
	}
	sched.SetLogger(logger)

	port := servePort
	if port == 0 {
		port = cfg.Web.Port
	}
	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, port)

	deps := api.Deps{
		Orchestrator: a.orch,
		Catalog:      a.catalog,
		Observer:     a.observer,
		Bridge:       bridge,
		Drivers:      a.drivers,
	}
	if a.store != nil {
		deps.History = a.store
	}
	server := api.NewServer(deps, addr)
	server.SetLogger(logger)
	a.registry.Subscribe(server.Hub())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})
	g.Go(func() error {
		sched.Start(gctx, func(ctx context.Context, e schedule.Entry) error {
			_, err := a.start(e.Platform, true)
			return err
		})
		return nil
	})
	g.Go(func() error {
		watchStuck(gctx, a)
		return nil
	})
	if serveTUI {
		g.Go(func() error {
			defer cancel()
			model := tui.NewModel(tui.ModelConfig{
				Controller:  &controller{a: a},
				Platforms:   a.catalog.List(),
				MaxParallel: cfg.Orchestrator.MaxParallelRuns,
				Companies:   a.catalog.Companies(),
			})
			_, err := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(gctx)).Run()
			if errors.Is(err, tea.ErrProgramKilled) {
				return nil
			}
			return err
		})
	} else {
		fmt.Printf("Surfer API listening at http://%s\n", addr)
	}

	err = g.Wait()
	logger.Info("shutting down", "stopped_runs", len(a.orch.StopAll()))
	return err
}

func newScheduler(entries []config.ScheduleConfig) (*schedule.Scheduler, error) {
	out := make([]schedule.Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, schedule.Entry{Platform: e.Platform, Cron: e.Cron})
	}
	return schedule.NewScheduler(out)
}

// watchStuck logs connected runs that have gone quiet
func watchStuck(ctx context.Context, a *app) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	warned := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, run := range a.observer.Stuck(a.registry.Active()) {
				if warned[run.ID] {
					continue
				}
				warned[run.ID] = true
				a.logger.Warn("run looks stuck", "run_id", run.ID, "platform", run.PlatformID,
					"last_log", run.LastLog(), "running_for", run.Duration().Round(time.Second))
			}
		}
	}
}

// controller adapts the app to the dashboard
type controller struct {
	a *app
}

var _ tui.Controller = (*controller)(nil)

func (c *controller) Runs() []*domain.Run {
	return c.a.registry.List(registry.Filter{})
}

func (c *controller) PendingSecrets() []orchestrator.SecretRequest {
	return c.a.orch.PendingSecrets()
}

func (c *controller) StartRun(platformID string) error {
	_, err := c.a.start(platformID, false)
	return err
}

func (c *controller) StopRun(id string) error               { return c.a.orch.StopRun(id) }
func (c *controller) SetForeground(id string) error         { return c.a.orch.SetForeground(id) }
func (c *controller) ProvideSecret(id, secret string) error { return c.a.orch.ProvideSecret(id, secret) }
func (c *controller) CancelSecret(id string) error          { return c.a.orch.CancelSecret(id) }
