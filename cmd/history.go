package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/samogod/tunelaunch/pkg/database"
	"github.com/samogod/tunelaunch/pkg/orchestrator"
)

var (
	historyStatus string
	historyAll    bool
)

var historyCmd = &cobra.Command{
	Use:   "history [experiment]",
	Short: "Query the run history database",
	Long:  `Query recorded runs for experiments starting with the given name, or for all experiments`,
	Args:  cobra.MaximumNArgs(1),
	Run:   runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historyStatus, "status", "", "filter by status (succeeded, failed, skipped)")
	historyCmd.Flags().BoolVar(&historyAll, "all", false, "query all experiments")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) {
	enableVerbose()

	if !historyAll && len(args) == 0 {
		color.Red("Error: either provide an experiment or use --all flag")
		cmd.Help()
		os.Exit(1)
	}

	if historyAll && len(args) > 0 {
		color.Red("Error: cannot use both experiment and --all flag together")
		cmd.Help()
		os.Exit(1)
	}

	orch, err := orchestrator.NewOrchestrator(configFile)
	if err != nil {
		color.Red("Failed to initialize orchestrator: %v", err)
		os.Exit(1)
	}
	defer orch.Close()

	db := orch.GetDB()
	if err := orch.DBError(); err != nil {
		color.Red("Error: Database is not available: %v", err)
		os.Exit(1)
	}
	if db == nil || !db.IsEnabled() {
		color.Red("Error: Database is not enabled. Please enable it in tunelaunch.yaml")
		os.Exit(1)
	}

	status := strings.ToUpper(historyStatus)

	var records []database.RunRecord
	if historyAll {
		records, err = db.QueryAllRuns(status)
	} else {
		records, err = db.QueryRuns(args[0], status)
	}
	if err != nil {
		color.Red("Failed to query database: %v", err)
		os.Exit(1)
	}

	if len(records) == 0 {
		if historyAll {
			color.Yellow("[INF] No runs recorded.")
		} else {
			color.Yellow("[INF] Experiment %s not found in database.", args[0])
		}
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, color.CyanString("EXPERIMENT\tRUN\tSEED\tSTATUS\tEXIT\tATTEMPTS\tSTARTED\tDURATION"))
	fmt.Fprintln(w, strings.Repeat("-", 120))

	for _, r := range records {
		seed := "-"
		if r.Seed.Valid {
			seed = strconv.FormatInt(r.Seed.Int64, 10)
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			r.Experiment,
			r.RunName,
			seed,
			statusColor(r.Status)(r.Status),
			r.ExitCode,
			r.Attempts,
			r.StartedAt.Format("2006-01-02 15:04:05"),
			r.FinishedAt.Sub(r.StartedAt).Round(time.Second),
		)
	}
	w.Flush()

	color.Green("\nTotal records: %d", len(records))
}
