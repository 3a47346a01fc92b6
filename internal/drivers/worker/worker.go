// Package worker runs a bundled script as a driver, streaming its output
// into the run's logs.
package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/domain"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/driver"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/supervisor"
)

// Runner is the subset of the supervisor the driver needs
type Runner interface {
	RunWorker(ctx context.Context, runID, script string, args []string, sink supervisor.LineSink) error
}

// Config configures a script driver. Args may use {company}, {name},
// {runID} and {dataDir}.
type Config struct {
	Script  string
	Args    []string
	DataDir string
}

// Driver is a script-backed driver
type Driver struct {
	cfg    Config
	runner Runner
}

// New creates a script driver
func New(cfg Config, runner Runner) *Driver {
	return &Driver{cfg: cfg, runner: runner}
}

// Run spawns the script, forwarding stdout lines as logs and stderr lines as
// errors. The last stdout line names the export folder, or is an outcome
// signal such as NOTHING or CONNECT_WEBSITE.
func (d *Driver) Run(ctx context.Context, inv driver.Invocation, host driver.Host) (domain.Outcome, error) {
	r := strings.NewReplacer(
		"{company}", inv.Company,
		"{name}", inv.ProductName,
		"{runID}", inv.RunID,
		"{dataDir}", d.cfg.DataDir,
	)
	args := make([]string, len(d.cfg.Args))
	for i, a := range d.cfg.Args {
		args[i] = r.Replace(a)
	}

	var last string
	sink := func(l supervisor.Line) {
		if l.Stream == supervisor.Stderr {
			host.Error(l.Text)
			return
		}
		if t := strings.TrimSpace(l.Text); t != "" {
			last = t
			host.Log(t)
		}
	}

	if err := d.runner.RunWorker(ctx, inv.RunID, d.cfg.Script, args, sink); err != nil {
		return domain.Outcome{}, err
	}
	if last == "" {
		return domain.Outcome{}, fmt.Errorf("%w: %s printed no export folder", domain.ErrDriverFault, d.cfg.Script)
	}
	switch kind := domain.ParseOutcomeKind(last); kind {
	case domain.OutcomeUnknown, domain.OutcomeRecords:
	default:
		return domain.Outcome{Kind: kind}, nil
	}
	if err := host.Exported(last); err != nil {
		return domain.Outcome{}, err
	}
	return domain.UpdateComplete, nil
}
