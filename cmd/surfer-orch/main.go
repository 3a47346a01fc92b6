package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	rootCmd    = &cobra.Command{
		Use:   "surfer-orch",
		Short: "Surfer - personal data export orchestrator",
		Long: `Surfer exports your personal data from online platforms and local
device backups into a local folder. It runs platform drivers, keeps every
export deduplicated across runs, and serves a local API for the desktop
surface host and for other tools that read the exported data.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
