// Package localbackup exports data from an encrypted local device backup
// by running a decryption worker under the supervisor's secret loop.
package localbackup

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/domain"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/driver"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/supervisor"
)

// Runner is the subset of the supervisor the driver needs
type Runner interface {
	RunInteractive(ctx context.Context, runID, script string, args []string, prompt supervisor.SecretPrompt, sentinels supervisor.Sentinels) (string, error)
	InstallRequirements(ctx context.Context, path string) (supervisor.InstallReport, error)
}

// Config configures the backup driver
type Config struct {
	// Script is the decryption worker
	Script string
	// BackupDir is the folder holding the device backup
	BackupDir string
	// DataDir is where the worker writes its export
	DataDir string
	// Requirements is an optional pip requirements file installed first
	Requirements string
	Sentinels    supervisor.Sentinels
}

// Driver runs the encrypted backup export
type Driver struct {
	cfg    Config
	runner Runner
}

// New creates the backup driver
func New(cfg Config, runner Runner) *Driver {
	return &Driver{cfg: cfg, runner: runner}
}

// Run installs the worker's requirements, then loops on the backup password
// until the worker accepts it or the user cancels. The export folder is the
// last line of the worker output.
func (d *Driver) Run(ctx context.Context, inv driver.Invocation, host driver.Host) (domain.Outcome, error) {
	if d.cfg.BackupDir == "" {
		host.Error("No backup folder configured")
		return domain.Nothing, nil
	}

	if d.cfg.Requirements != "" {
		report, err := d.runner.InstallRequirements(ctx, d.cfg.Requirements)
		for _, name := range report.Installed {
			host.Log("Installed " + name)
		}
		if err != nil {
			// missing packages surface as a worker failure below
			host.Error(err.Error())
		}
	}

	host.Log("Got folder, now exporting (this may take a few minutes)")
	args := []string{d.cfg.BackupDir, inv.Company, inv.ProductName, supervisor.SecretPlaceholder, d.cfg.DataDir, inv.RunID}
	prompt := func(ctx context.Context, attempt int, lastErr error) (string, error) {
		if errors.Is(lastErr, domain.ErrInvalidSecret) {
			host.Error("The entered password is incorrect. Please try again.")
		}
		return host.Secret(ctx, attempt, lastErr)
	}

	output, err := d.runner.RunInteractive(ctx, inv.RunID, d.cfg.Script, args, prompt, d.cfg.Sentinels)
	if err != nil {
		if errors.Is(err, domain.ErrCancelled) {
			host.Log("Password entry cancelled")
			return domain.Nothing, nil
		}
		return domain.Outcome{}, err
	}

	dir := lastLine(output)
	if dir == "" {
		return domain.Outcome{}, fmt.Errorf("%w: worker reported no export folder", domain.ErrDriverFault)
	}
	if err := host.Exported(dir); err != nil {
		return domain.Outcome{}, err
	}
	host.Log("Export complete")
	return domain.UpdateComplete, nil
}

func lastLine(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}
