package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/domain"
	"github.com/CEREBRUS-MAXIMUS/surfer-orchestrator/internal/runstore"
)

var (
	runsPlatform string
	runsStatus   string
	runsLimit    int
)

func init() {
	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "List past runs",
		RunE:  runRuns,
	}
	runsCmd.Flags().StringVar(&runsPlatform, "platform", "", "filter by platform id")
	runsCmd.Flags().StringVar(&runsStatus, "status", "", "filter by status")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "maximum runs to show")

	logsCmd := &cobra.Command{
		Use:   "logs RUN_ID",
		Short: "Show a past run's logs",
		Args:  cobra.ExactArgs(1),
		RunE:  runLogs,
	}

	platformsCmd := &cobra.Command{
		Use:   "platforms",
		Short: "List exportable platforms",
		RunE:  runPlatforms,
	}

	rootCmd.AddCommand(runsCmd, logsCmd, platformsCmd)
}

func openStore() (*runstore.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return runstore.New(cfg.General.DatabasePath)
}

func runRuns(cmd *cobra.Command, args []string) error {
	status, ok := domain.ParseRunStatus(runsStatus)
	if runsStatus != "" && !ok {
		return fmt.Errorf("unknown status %q", runsStatus)
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.ListRuns(runstore.ListOptions{
		PlatformID: runsPlatform,
		Status:     status,
		Limit:      runsLimit,
	})
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs yet")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPLATFORM\tSTATUS\tSTARTED\tDURATION\tSIZE")
	for _, r := range runs {
		size := "-"
		if r.ExportSize > 0 {
			size = humanize.Bytes(uint64(r.ExportSize))
		}
		duration := "-"
		if r.EndDate != nil {
			duration = r.Duration().Round(time.Second).String()
		}
		fmt.Fprintf(w, "%s\t%s/%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Company, r.ProductName, r.Status, humanize.Time(r.StartDate), duration, size)
	}
	w.Flush()

	return nil
}

func runLogs(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	run, err := store.GetRun(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("%s/%s %s (%s)\n", run.Company, run.ProductName, run.Status, run.StartDate.Format(time.RFC3339))
	if run.ExportPath != "" {
		fmt.Printf("Export: %s\n", run.ExportPath)
	}
	for _, line := range run.Logs {
		fmt.Println("  " + line)
	}
	return nil
}

func runPlatforms(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cat, err := loadCatalog(cfg)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCOMPANY\tNAME\tKIND\tDESCRIPTION")
	for _, p := range cat.List() {
		kind := string(p.Kind)
		if kind == "" {
			kind = "api"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.ID, p.Company, p.Name, kind, p.Description)
	}
	w.Flush()

	return nil
}
