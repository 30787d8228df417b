package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samogod/tunelaunch/pkg/command"
)

type fakeExecutor struct {
	// exit codes returned per call; the last one repeats
	codes  []int
	output string
	calls  []string
}

func (f *fakeExecutor) Execute(ctx context.Context, cmd *command.Command, out io.Writer) (int, error) {
	f.calls = append(f.calls, cmd.ExperimentName)
	fmt.Fprintf(out, "%s\n", f.output)
	idx := len(f.calls) - 1
	if idx >= len(f.codes) {
		idx = len(f.codes) - 1
	}
	return f.codes[idx], nil
}

func testCommands(dir string, names ...string) []*command.Command {
	cmds := make([]*command.Command, 0, len(names))
	for _, name := range names {
		cmds = append(cmds, &command.Command{
			Program:        "python",
			ExperimentName: name,
			LogFile:        filepath.Join(dir, "logs", "log-"+name+".txt"),
		})
	}
	return cmds
}

func TestRunWritesLogAndMetrics(t *testing.T) {
	dir := t.TempDir()
	fake := &fakeExecutor{codes: []int{0}, output: " >> |epoch: 4| overall: total = 10 accuracy = 90.0000"}
	console := &bytes.Buffer{}

	r := New(fake, Policy{}, nil)
	r.Console = console
	cmd := testCommands(dir, "copa")[0]

	result := r.Run(context.Background(), cmd)
	require.True(t, result.Success())
	assert.Equal(t, "SUCCEEDED", result.Status())
	assert.Equal(t, 1, result.Attempts)
	assert.False(t, result.EndTime.Before(result.StartTime))

	data, err := os.ReadFile(cmd.LogFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "overall: total = 10")
	assert.Contains(t, console.String(), "overall: total = 10")

	require.NotNil(t, result.Metrics)
	require.NotNil(t, result.Metrics.Final)
	assert.Equal(t, 90.0, result.Metrics.Final.Scores["accuracy"])
}

func TestRunSeriesContinuesAfterFailure(t *testing.T) {
	fake := &fakeExecutor{codes: []int{0, 3, 0}}
	r := New(fake, Policy{}, nil)

	results := r.RunSeries(context.Background(), testCommands(t.TempDir(), "a", "b", "c"))
	require.Len(t, results, 3)
	assert.Equal(t, []string{"a", "b", "c"}, fake.calls)
	assert.True(t, results[0].Success())
	assert.False(t, results[1].Success())
	assert.Equal(t, 3, results[1].ExitCode)
	assert.NoError(t, results[1].Err)
	assert.True(t, results[2].Success())
	assert.False(t, Succeeded(results))
}

func TestRunSeriesAbortOnError(t *testing.T) {
	fake := &fakeExecutor{codes: []int{1}}
	r := New(fake, Policy{AbortOnError: true}, nil)

	results := r.RunSeries(context.Background(), testCommands(t.TempDir(), "a", "b", "c"))
	require.Len(t, results, 3)
	assert.Equal(t, []string{"a"}, fake.calls)
	assert.Equal(t, "FAILED", results[0].Status())
	for _, res := range results[1:] {
		assert.True(t, res.Skipped)
		assert.ErrorIs(t, res.Err, ErrSkipped)
		assert.Equal(t, "SKIPPED", res.Status())
	}
}

func TestRunSeriesCancelledContext(t *testing.T) {
	fake := &fakeExecutor{codes: []int{0}}
	r := New(fake, Policy{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := r.RunSeries(ctx, testCommands(t.TempDir(), "a", "b"))
	assert.Empty(t, fake.calls)
	for _, res := range results {
		assert.True(t, res.Skipped)
		assert.True(t, errors.Is(res.Err, ErrSkipped))
	}
}

func TestRunRetries(t *testing.T) {
	dir := t.TempDir()
	fake := &fakeExecutor{codes: []int{2, 2, 0}, output: "attempt output"}
	r := New(fake, Policy{Retries: 3}, nil)

	cmd := testCommands(dir, "rte")[0]
	result := r.Run(context.Background(), cmd)
	assert.True(t, result.Success())
	assert.Equal(t, 3, result.Attempts)

	data, err := os.ReadFile(cmd.LogFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "==== attempt 3 ====")
}

func TestRunRetriesExhausted(t *testing.T) {
	fake := &fakeExecutor{codes: []int{5}}
	r := New(fake, Policy{Retries: 1}, nil)

	result := r.Run(context.Background(), testCommands(t.TempDir(), "wic")[0])
	assert.False(t, result.Success())
	assert.Equal(t, 2, result.Attempts)
	assert.Equal(t, 5, result.ExitCode)
}

func TestSucceededEmpty(t *testing.T) {
	assert.False(t, Succeeded(nil))
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestExecExecutorExitCodes(t *testing.T) {
	requireShell(t)

	e := NewExecExecutor()
	out := &bytes.Buffer{}
	code, err := e.Execute(context.Background(), &command.Command{
		Program: "sh",
		Args:    []string{"-c", "echo to-stdout; echo to-stderr 1>&2; exit 7"},
	}, out)
	require.NoError(t, err)
	assert.Equal(t, 7, code)
	assert.Contains(t, out.String(), "to-stdout")
	assert.Contains(t, out.String(), "to-stderr")

	code, err = e.Execute(context.Background(), &command.Command{Program: "sh", Args: []string{"-c", "true"}}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestExecExecutorMissingProgram(t *testing.T) {
	_, err := NewExecExecutor().Execute(context.Background(), &command.Command{Program: "tunelaunch-no-such-binary"}, io.Discard)
	assert.Error(t, err)
}

func TestExecExecutorTimeout(t *testing.T) {
	requireShell(t)

	e := &ExecExecutor{GracePeriod: time.Second}
	r := New(e, Policy{Timeout: 200 * time.Millisecond}, nil)
	cmd := &command.Command{
		Program:        "sh",
		Args:           []string{"-c", "sleep 5"},
		ExperimentName: "slow",
		LogFile:        filepath.Join(t.TempDir(), "log-slow.txt"),
	}

	start := time.Now()
	result := r.Run(context.Background(), cmd)
	assert.False(t, result.Success())
	assert.ErrorIs(t, result.Err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 4*time.Second)
}
