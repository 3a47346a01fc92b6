package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/credentials"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/domain"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/orchestrator"
)

var (
	exportUpdate  bool
	exportTimeout time.Duration
)

func init() {
	exportCmd := &cobra.Command{
		Use:   "export PLATFORM",
		Short: "Export one platform without a browsing surface",
		Long: `Runs one platform's driver in the terminal. API drivers use credentials
captured by an earlier surface session; backup drivers ask for the backup
password here.`,
		Args: cobra.ExactArgs(1),
		RunE: runExport,
	}
	exportCmd.Flags().BoolVar(&exportUpdate, "update", false, "incremental re-export of a platform exported before")
	exportCmd.Flags().DurationVar(&exportTimeout, "timeout", time.Hour, "give up after this long")
	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, os.Stderr)

	a, err := newApp(cfg, logger, func(*credentials.Capture) orchestrator.SurfaceFactory {
		return orchestrator.NewNopSurfaces()
	})
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, exportTimeout)
	defer cancel()

	run, err := a.start(args[0], exportUpdate)
	if err != nil {
		return err
	}
	fmt.Printf("Exporting %s/%s (run %s)\n", run.Company, run.ProductName, run.ID)

	final, err := followRun(ctx, a.orch, run.ID)
	if err != nil {
		a.orch.StopRun(run.ID)
		return err
	}

	switch final.Status {
	case domain.RunSuccess:
		fmt.Printf("Export complete: %s (%s, took %s)\n", final.ExportPath,
			humanize.Bytes(uint64(final.ExportSize)), final.Duration().Round(time.Second))
		return nil
	case domain.RunStopped:
		fmt.Println(final.LastLog())
		return nil
	default:
		return fmt.Errorf("export failed: %s", final.LastLog())
	}
}

// followRun prints the run's logs until it finishes, asking for secrets on the
// terminal when the driver needs one
func followRun(ctx context.Context, orch *orchestrator.Orchestrator, id string) (*domain.Run, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	printed := 0

	for {
		run, err := orch.Registry().Get(id)
		if err != nil {
			return nil, err
		}
		for ; printed < len(run.Logs); printed++ {
			fmt.Println("  " + run.Logs[printed])
		}
		if run.Status.IsTerminal() {
			return run, nil
		}
		if orch.AwaitingSignIn(id) {
			return nil, fmt.Errorf("%s needs a signed-in browsing surface; run `surfer-orch serve` and sign in from the desktop app", run.Company)
		}

		if req, ok := orch.PendingSecret(id); ok {
			secret, err := promptSecret(req)
			switch {
			case errors.Is(err, promptui.ErrInterrupt), errors.Is(err, promptui.ErrEOF):
				orch.CancelSecret(id)
			case err != nil:
				return nil, err
			default:
				orch.ProvideSecret(id, secret)
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func promptSecret(req orchestrator.SecretRequest) (string, error) {
	label := "Backup password"
	if req.Invalid {
		label = "Password incorrect, try again"
	}
	prompt := promptui.Prompt{
		Label: label,
		Mask:  '*',
		Validate: func(s string) error {
			if s == "" {
				return errors.New("password cannot be empty")
			}
			return nil
		},
	}
	return prompt.Run()
}

func secretRequestFor(attempt int, lastErr error) orchestrator.SecretRequest {
	return orchestrator.SecretRequest{Attempt: attempt, Invalid: errors.Is(lastErr, domain.ErrInvalidSecret)}
}
