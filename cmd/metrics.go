package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/samogod/tunelaunch/pkg/metrics"
)

var metricsJSON bool

var metricsCmd = &cobra.Command{
	Use:   "metrics <log-file>...",
	Short: "Summarize evaluation scores from run logs",
	Long:  `Parse the overall evaluation lines of one or more run logs and aggregate the final scores across them`,
	Args:  cobra.MinimumNArgs(1),
	Run:   runMetrics,
}

func init() {
	metricsCmd.Flags().BoolVarP(&metricsJSON, "json", "j", false, "write scores in JSONL(ines) format")
	rootCmd.AddCommand(metricsCmd)
}

type LogScores struct {
	LogFile string                  `json:"log_file"`
	Epochs  int                     `json:"epochs"`
	Final   *metrics.EpochScore     `json:"final,omitempty"`
	Best    map[string]float64      `json:"best,omitempty"`
	Stats   map[string]metrics.Stat `json:"aggregate,omitempty"`
}

func runMetrics(cmd *cobra.Command, args []string) {
	enableVerbose()

	var summaries []*metrics.Summary
	failed := false

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	if !metricsJSON {
		fmt.Fprintln(w, color.CyanString("LOG\tEPOCH\tTOTAL\tSCORES"))
	}

	for _, path := range args {
		summary, err := metrics.ParseFile(path)
		if err != nil {
			color.Red("Failed to parse %s: %v", path, err)
			failed = true
			continue
		}
		summaries = append(summaries, summary)

		if metricsJSON {
			printJSON(LogScores{LogFile: path, Epochs: len(summary.Epochs), Final: summary.Final, Best: summary.Best})
			continue
		}

		if summary.Final == nil {
			fmt.Fprintf(w, "%s\t-\t-\t%s\n", path, color.YellowString("no evaluation results"))
			continue
		}
		fmt.Fprintf(w, "%s\t%d\t%g\t%s\n", path, summary.Final.Epoch, summary.Final.Total, formatScores(summary.Final.Scores))
	}
	if !metricsJSON {
		w.Flush()
	}

	if len(summaries) > 1 {
		stats := metrics.Aggregate(summaries)
		if metricsJSON {
			printJSON(LogScores{LogFile: "*", Epochs: len(summaries), Stats: stats})
		} else if len(stats) > 0 {
			fmt.Println()
			displayAggregate(stats)
		}
	}

	if failed {
		os.Exit(1)
	}
}

func formatScores(scores map[string]float64) string {
	names := make([]string, 0, len(scores))
	for k := range scores {
		names = append(names, k)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(scores))
	for _, k := range names {
		parts = append(parts, fmt.Sprintf("%s=%.4f", k, scores[k]))
	}
	return strings.Join(parts, " ")
}

func printJSON(v interface{}) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		color.Red("Failed to marshal JSON: %v", err)
		return
	}
	fmt.Println(string(jsonBytes))
}
