package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/samogod/tunelaunch/pkg/command"
	"github.com/samogod/tunelaunch/pkg/metrics"
)

var DebugLog func(string, ...interface{})

var ErrSkipped = errors.New("run skipped")

type Policy struct {
	AbortOnError bool
	Retries      int
	// zero disables the per-run deadline
	Timeout time.Duration
}

type Result struct {
	Command   *command.Command
	ExitCode  int
	Err       error
	Attempts  int
	Skipped   bool
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Metrics   *metrics.Summary
}

func (r *Result) Success() bool {
	return !r.Skipped && r.Err == nil && r.ExitCode == 0
}

func (r *Result) Status() string {
	switch {
	case r.Skipped:
		return "SKIPPED"
	case r.Success():
		return "SUCCEEDED"
	default:
		return "FAILED"
	}
}

type Runner struct {
	Executor Executor
	Policy   Policy
	Logger   *logrus.Logger
	// Console receives a copy of every run's output; nil keeps output in
	// the log files only.
	Console io.Writer
}

func New(executor Executor, policy Policy, logger *logrus.Logger) *Runner {
	if executor == nil {
		executor = NewExecExecutor()
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Runner{
		Executor: executor,
		Policy:   policy,
		Logger:   logger,
	}
}

// RunSeries runs commands one after another and returns one result per
// command in the same order. Under AbortOnError, or once ctx is done, the
// remaining commands are reported as skipped.
func (r *Runner) RunSeries(ctx context.Context, commands []*command.Command) []Result {
	results := make([]Result, 0, len(commands))
	stop := false

	for i, cmd := range commands {
		if stop || ctx.Err() != nil {
			err := ErrSkipped
			if ctx.Err() != nil {
				err = fmt.Errorf("%w: %v", ErrSkipped, ctx.Err())
			}
			results = append(results, Result{Command: cmd, ExitCode: -1, Err: err, Skipped: true})
			continue
		}

		r.Logger.Infof("Starting run %d/%d: %s", i+1, len(commands), cmd.ExperimentName)
		result := r.Run(ctx, cmd)
		results = append(results, result)

		if result.Success() {
			r.Logger.Infof("Run %s finished in %v", cmd.ExperimentName, result.Duration.Round(time.Second))
			continue
		}

		if result.Err != nil {
			r.Logger.Errorf("Run %s failed: %v", cmd.ExperimentName, result.Err)
		} else {
			r.Logger.Errorf("Run %s exited with code %d (log: %s)", cmd.ExperimentName, result.ExitCode, cmd.LogFile)
		}

		if r.Policy.AbortOnError {
			r.Logger.Warnf("Aborting remaining %d run(s)", len(commands)-i-1)
			stop = true
		}
	}

	return results
}

// Run executes cmd, retrying up to Policy.Retries times on failure.
// The log file is truncated before the first attempt; retries append.
func (r *Runner) Run(ctx context.Context, cmd *command.Command) (result Result) {
	result = Result{Command: cmd, ExitCode: -1, StartTime: time.Now()}
	defer func() {
		result.EndTime = time.Now()
		result.Duration = result.EndTime.Sub(result.StartTime)
	}()

	if cmd.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cmd.LogFile), 0755); err != nil {
			result.Err = fmt.Errorf("failed to create log directory: %w", err)
			return result
		}
	}

	for attempt := 1; attempt <= r.Policy.Retries+1; attempt++ {
		result.Attempts = attempt
		if attempt > 1 {
			r.Logger.Warnf("Retrying %s (attempt %d/%d)", cmd.ExperimentName, attempt, r.Policy.Retries+1)
		}

		result.ExitCode, result.Err = r.attempt(ctx, cmd, attempt)
		if result.Err == nil && result.ExitCode == 0 {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}

	if cmd.LogFile != "" {
		summary, err := metrics.ParseFile(cmd.LogFile)
		if err != nil {
			if DebugLog != nil {
				DebugLog("no metrics for %s: %v", cmd.ExperimentName, err)
			}
		} else {
			result.Metrics = summary
		}
	}

	return result
}

func (r *Runner) attempt(ctx context.Context, cmd *command.Command, attempt int) (int, error) {
	if r.Policy.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Policy.Timeout)
		defer cancel()
	}

	out, closeOut, err := r.output(cmd, attempt)
	if err != nil {
		return -1, err
	}
	defer closeOut()

	if DebugLog != nil {
		DebugLog("executing: %s", cmd.String())
	}

	return r.Executor.Execute(ctx, cmd, out)
}

func (r *Runner) output(cmd *command.Command, attempt int) (io.Writer, func(), error) {
	var writers []io.Writer
	closeFn := func() {}

	if cmd.LogFile != "" {
		flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
		if attempt > 1 {
			flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
		}
		f, err := os.OpenFile(cmd.LogFile, flags, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		if attempt > 1 {
			fmt.Fprintf(f, "\n==== attempt %d ====\n", attempt)
		}
		writers = append(writers, f)
		closeFn = func() { f.Close() }
	}

	if r.Console != nil {
		writers = append(writers, r.Console)
	}
	if len(writers) == 0 {
		return io.Discard, closeFn, nil
	}
	return io.MultiWriter(writers...), closeFn, nil
}

// Succeeded reports whether every result succeeded.
func Succeeded(results []Result) bool {
	for i := range results {
		if !results[i].Success() {
			return false
		}
	}
	return len(results) > 0
}
