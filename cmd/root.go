package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/samogod/tunelaunch/pkg/command"
	"github.com/samogod/tunelaunch/pkg/config"
	"github.com/samogod/tunelaunch/pkg/database"
	"github.com/samogod/tunelaunch/pkg/elastic"
	"github.com/samogod/tunelaunch/pkg/launch"
	"github.com/samogod/tunelaunch/pkg/metrics"
	"github.com/samogod/tunelaunch/pkg/orchestrator"
	"github.com/samogod/tunelaunch/pkg/runconfig"
	"github.com/samogod/tunelaunch/pkg/runner"
)

var (
	configFile   string
	modelConfig  string
	multiSeed    bool
	seedList     string
	devices      int
	dryRun       bool
	abortOnError bool
	retries      int
	timeout      time.Duration
	allowMissing bool
	batchPolicy  string
	jsonFormat   bool
	silent       bool
	verbose      bool
)

var Verbose bool

var rootCmd = &cobra.Command{
	Use:   "tunelaunch [flags] <config-file> [<pattern-id>]",
	Short: "fine-tuning experiment launcher",
	Long:  `merges model and task configs, derives launch parameters and runs distributed fine-tuning, once per seed`,
	Args:  cobra.RangeArgs(1, 2),
	Run:   runLaunch,
}

// longFlags are the flags documented with a single dash. pflag would read
// -config as the -c shorthand followed by "onfig".
var longFlags = map[string]string{
	"model-config":   "--model-config",
	"config":         "--config",
	"multi-seed":     "--multi-seed",
	"seeds":          "--seeds",
	"devices":        "--devices",
	"batch-policy":   "--batch-policy",
	"allow-missing":  "--allow-missing",
	"dry-run":        "--dry-run",
	"abort-on-error": "--abort-on-error",
	"retries":        "--retries",
	"timeout":        "--timeout",
	"json":           "--json",
	"silent":         "--silent",
	"verbose":        "--verbose",
	"status":         "--status",
	"all":            "--all",
}

// rewriteArgs turns single-dash long flags into their double-dash form and
// reports whether the banner should be suppressed.
func rewriteArgs(args []string) ([]string, bool) {
	out := make([]string, len(args))
	quiet := false
	for i, arg := range args {
		out[i] = arg
		if arg == "--" {
			copy(out[i:], args[i:])
			break
		}
		if strings.HasPrefix(arg, "-") && !strings.HasPrefix(arg, "--") {
			name, value, hasValue := strings.Cut(arg[1:], "=")
			if long, ok := longFlags[name]; ok {
				out[i] = long
				if hasValue {
					out[i] += "=" + value
				}
			}
		}
		switch name, _, _ := strings.Cut(out[i], "="); name {
		case "--silent", "--json", "-j":
			quiet = true
		}
	}
	return out, quiet
}

func Execute() {
	args, quiet := rewriteArgs(os.Args)
	os.Args = args

	if !quiet {
		printBanner()
	}

	if err := rootCmd.Execute(); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func DebugLog(format string, args ...interface{}) {
	if Verbose {
		fmt.Fprintf(os.Stderr, "[DBG] "+format+"\n", args...)
	}
}

func setDebugLogFunctions() {
	config.DebugLog = DebugLog
	runconfig.DebugLog = DebugLog
	launch.DebugLog = DebugLog
	command.DebugLog = DebugLog
	runner.DebugLog = DebugLog
	orchestrator.DebugLog = DebugLog
	database.DebugLog = DebugLog
	elastic.DebugLog = DebugLog
}

func init() {
	rootCmd.SetHelpTemplate(`Usage:
  {{.UseLine}}{{if .HasAvailableSubCommands}}
  {{.CommandPath}} [command]{{end}}

{{if .HasAvailableSubCommands}}Commands:{{range .Commands}}{{if (or .IsAvailableCommand (eq .Name "help"))}}
  {{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}

{{end}}Flags:
INPUT:
   <config-file>             task config (shell KEY=value or YAML)
   <pattern-id>              optional pattern identifier passed as --pattern-id
   -m, -model-config string  base model config merged before the task config

SEEDS:
   -multi-seed               run once per configured seed (default: 1234,5678,8942)
   -seeds string             comma-separated seed list, implies -multi-seed

LAUNCH:
   -devices int              devices per node (default: NUM_GPUS or settings)
   -batch-policy string      uneven batch handling: truncate or reject
   -allow-missing            pass missing config values as empty flags
   -dry-run                  print the assembled commands without running them

RUNS:
   -abort-on-error           skip remaining seeds after a failed run
   -retries int              retries per failed run
   -timeout duration         per-run timeout (e.g. 6h, 0 = none)

OUTPUT:
   -j, -json                 write run results in JSONL(ines) format
   -silent                   silent mode - no banner, no training output on the console

CONFIGURATION:
   -c, -config string        settings file path (default: tunelaunch.yaml)

OPTIMIZATION:
   -v, -verbose              enable verbose/debug output
{{if .HasAvailableSubCommands}}
Use "{{.CommandPath}} [command] --help" for more information about a command.{{end}}
`)

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "settings file path (default: tunelaunch.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose/debug output")

	rootCmd.Flags().StringVarP(&modelConfig, "model-config", "m", "", "base model config merged before the task config")
	rootCmd.Flags().BoolVar(&multiSeed, "multi-seed", false, "run once per configured seed")
	rootCmd.Flags().StringVar(&seedList, "seeds", "", "comma-separated seed list, implies --multi-seed")
	rootCmd.Flags().IntVar(&devices, "devices", 0, "devices per node (default: NUM_GPUS or settings)")
	rootCmd.Flags().StringVar(&batchPolicy, "batch-policy", "", "uneven batch handling: truncate or reject")
	rootCmd.Flags().BoolVar(&allowMissing, "allow-missing", false, "pass missing config values as empty flags")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the assembled commands without running them")
	rootCmd.Flags().BoolVar(&abortOnError, "abort-on-error", false, "skip remaining seeds after a failed run")
	rootCmd.Flags().IntVar(&retries, "retries", 0, "retries per failed run")
	rootCmd.Flags().DurationVar(&timeout, "timeout", 0, "per-run timeout (e.g. 6h, 0 = none)")
	rootCmd.Flags().BoolVarP(&jsonFormat, "json", "j", false, "write run results in JSONL(ines) format")
	rootCmd.Flags().BoolVar(&silent, "silent", false, "silent mode - no banner, no training output on the console")

	rootCmd.AddCommand(versionCmd)
}

func enableVerbose() {
	Verbose = verbose
	if verbose {
		setDebugLogFunctions()
	}
}

func runLaunch(cmd *cobra.Command, args []string) {
	enableVerbose()

	seeds, err := parseSeeds(seedList)
	if err != nil {
		color.Red("Error: %v", err)
		cmd.Help()
		os.Exit(1)
	}

	if devices < 0 || retries < 0 || timeout < 0 {
		color.Red("Error: -devices, -retries and -timeout must not be negative")
		os.Exit(1)
	}

	orch, err := orchestrator.NewOrchestrator(configFile)
	if err != nil {
		color.Red("Failed to initialize orchestrator: %v", err)
		os.Exit(1)
	}
	options := orchestrator.LaunchOptions{
		ModelConfig:  modelConfig,
		TaskConfig:   args[0],
		MultiSeed:    multiSeed,
		Seeds:        seeds,
		Devices:      devices,
		BatchPolicy:  batchPolicy,
		Retries:      retries,
		Timeout:      timeout,
		AbortOnError: abortOnError,
		AllowMissing: allowMissing,
		DryRun:       dryRun,
	}
	if len(args) > 1 {
		options.PatternID = args[1]
	}
	if !silent {
		// keep stdout for JSON lines
		if jsonFormat {
			options.Console = os.Stderr
		} else {
			options.Console = os.Stdout
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := orch.Launch(ctx, options)
	if err != nil {
		color.Red("Launch failed: %v", err)
		orch.Close()
		os.Exit(1)
	}

	if jsonFormat {
		err = writeJSONResults(result)
	} else {
		displayTXTResults(result)
	}
	if err != nil {
		color.Red("Output error: %v", err)
		orch.Close()
		os.Exit(1)
	}

	orch.Close()
	if result.Success {
		os.Exit(0)
	}
	os.Exit(1)
}

func parseSeeds(list string) ([]int, error) {
	if strings.TrimSpace(list) == "" {
		return nil, nil
	}

	var seeds []int
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		seed, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid seed %q", part)
		}
		seeds = append(seeds, seed)
	}
	return seeds, nil
}

func printBanner() {
	banner := color.CyanString(`
 _                _                        _
| |_ _  _ _ _  __| |__ _ _  _ _ _  __| |_
|  _| || | ' \/ -_) / _` + "`" + ` | || | ' \/ _| ' \
 \__|\_,_|_||_\___|_\__,_|\_,_|_||_\__|_||_|  @samogod
`)
	info := color.HiBlackString("distributed fine-tuning launcher for benchmark tasks")
	fmt.Println(banner)
	fmt.Println(info)
	fmt.Println()
}

type RunOutput struct {
	Experiment string             `json:"experiment"`
	Run        string             `json:"run"`
	Seed       *int               `json:"seed,omitempty"`
	Status     string             `json:"status"`
	ExitCode   int                `json:"exit_code"`
	Attempts   int                `json:"attempts"`
	Error      string             `json:"error,omitempty"`
	Duration   string             `json:"duration,omitempty"`
	LogFile    string             `json:"log_file"`
	Port       int                `json:"port"`
	Command    string             `json:"command"`
	Scores     map[string]float64 `json:"scores,omitempty"`
}

func runOutputs(result *orchestrator.LaunchResult) []RunOutput {
	var out []RunOutput

	if result.DryRun {
		for _, c := range result.Commands {
			out = append(out, commandOutput(result.ExperimentID, c, "PLANNED"))
		}
		return out
	}

	for _, r := range result.Runs {
		o := commandOutput(result.ExperimentID, r.Command, r.Status())
		o.ExitCode = r.ExitCode
		o.Attempts = r.Attempts
		if r.Err != nil {
			o.Error = r.Err.Error()
		}
		if !r.Skipped {
			o.Duration = r.Duration.Round(time.Second).String()
		}
		if r.Metrics != nil && r.Metrics.Final != nil {
			o.Scores = r.Metrics.Final.Scores
		}
		out = append(out, o)
	}
	return out
}

func commandOutput(experiment string, c *command.Command, status string) RunOutput {
	o := RunOutput{
		Experiment: experiment,
		Run:        c.ExperimentName,
		Status:     status,
		LogFile:    c.LogFile,
		Port:       c.Port,
		Command:    c.String(),
	}
	if c.HasSeed {
		seed := c.Seed
		o.Seed = &seed
	}
	return o
}

func writeJSONResults(result *orchestrator.LaunchResult) error {
	for _, o := range runOutputs(result) {
		jsonBytes, err := json.Marshal(o)
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(jsonBytes))
	}
	return nil
}

func displayTXTResults(result *orchestrator.LaunchResult) {
	if result.DryRun {
		for _, c := range result.Commands {
			if !silent {
				color.Cyan("[INF] %s (log: %s)", c.ExperimentName, c.LogFile)
			}
			fmt.Println(c.String())
		}
		return
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, color.CyanString("RUN\tSTATUS\tEXIT\tATTEMPTS\tDURATION\tLOG"))
	fmt.Fprintln(w, strings.Repeat("-", 100))
	for _, o := range runOutputs(result) {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
			o.Run,
			statusColor(o.Status)(o.Status),
			o.ExitCode,
			o.Attempts,
			o.Duration,
			o.LogFile,
		)
	}
	w.Flush()

	if len(result.Aggregate) > 0 {
		fmt.Println()
		displayAggregate(result.Aggregate)
	}

	for _, err := range result.Errors {
		color.Yellow("[WARN] %v", err)
	}

	if silent {
		return
	}

	fmt.Println()
	succeeded := 0
	for i := range result.Runs {
		if result.Runs[i].Success() {
			succeeded++
		}
	}
	summary := fmt.Sprintf("[INF] %s: %d/%d run(s) succeeded in %v",
		result.ExperimentID, succeeded, len(result.Runs), result.Duration.Round(time.Second))
	if result.Success {
		color.Green("%s", summary)
	} else {
		color.Red("%s", summary)
	}
	if result.SummaryFile != "" {
		color.HiBlack("[INF] Run summary written to %s", result.SummaryFile)
	}
}

func displayAggregate(stats map[string]metrics.Stat) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, color.CyanString("METRIC\tMEAN\tSTD\tMIN\tMAX\tRUNS"))
	for _, name := range metrics.Names(stats) {
		s := stats[name]
		fmt.Fprintf(w, "%s\t%.4f\t%.4f\t%.4f\t%.4f\t%d\n", name, s.Mean, s.Std, s.Min, s.Max, s.Count)
	}
	w.Flush()
}

func statusColor(status string) func(string, ...interface{}) string {
	switch status {
	case "FAILED":
		return color.RedString
	case "SKIPPED", "PLANNED":
		return color.YellowString
	default:
		return color.GreenString
	}
}
