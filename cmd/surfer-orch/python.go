package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/google/uuid"
	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/domain"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/supervisor"
)

func init() {
	pythonCmd := &cobra.Command{
		Use:   "python",
		Short: "Manage the worker interpreter",
	}

	findCmd := &cobra.Command{
		Use:   "find",
		Short: "Show which interpreter workers run with",
		RunE: func(cmd *cobra.Command, args []string) error {
			sup, err := newSupervisor()
			if err != nil {
				return err
			}
			path, err := sup.FindInterpreter()
			if err != nil {
				return err
			}
			fmt.Println(path)
			return nil
		},
	}

	installCmd := &cobra.Command{
		Use:   "install REQUIREMENTS",
		Short: "Install a worker requirements file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sup, err := newSupervisor()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			report, err := sup.InstallRequirements(ctx, args[0])
			for _, name := range report.Installed {
				fmt.Println("installed", name)
			}
			for _, name := range report.Skipped {
				fmt.Println("already present", name)
			}
			for _, name := range report.Failed {
				fmt.Println("failed", name)
			}
			return err
		},
	}

	moduleCmd := &cobra.Command{
		Use:   "module MODULE [ARGS...]",
		Short: "Run an interpreter module and print its output",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sup, err := newSupervisor()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			out, err := sup.RunModule(ctx, uuid.NewString(), args[0], args[1:])
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	}

	interactiveCmd := &cobra.Command{
		Use:   "interactive SCRIPT [ARGS...]",
		Short: "Run a password-protected worker, prompting for the password",
		Long: `Runs SCRIPT, asking for a password until the worker accepts it. The
password replaces ` + supervisor.SecretPlaceholder + ` in ARGS, or is appended.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sup, err := newSupervisor()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			out, err := sup.RunInteractive(ctx, uuid.NewString(), args[0], args[1:], terminalPrompt, supervisor.DefaultSentinels())
			if errors.Is(err, domain.ErrCancelled) {
				fmt.Println("cancelled")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	}

	pythonCmd.AddCommand(findCmd, installCmd, moduleCmd, interactiveCmd)
	rootCmd.AddCommand(pythonCmd)
}

func newSupervisor() (*supervisor.Supervisor, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	sup := supervisor.New(supervisor.Config{
		AssetsDir:   cfg.General.AssetsDir,
		Interpreter: cfg.Python.Interpreter,
		StderrTail:  cfg.Python.StderrTail,
	})
	sup.SetLogger(newLogger(cfg, os.Stderr))
	return sup, nil
}

// terminalPrompt is a supervisor.SecretPrompt reading from the terminal
func terminalPrompt(ctx context.Context, attempt int, lastErr error) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	secret, err := promptSecret(secretRequestFor(attempt, lastErr))
	if errors.Is(err, promptui.ErrInterrupt) || errors.Is(err, promptui.ErrEOF) {
		return "", domain.ErrCancelled
	}
	return secret, err
}
