package cmd

import (
	"errors"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samogod/tunelaunch/pkg/command"
	"github.com/samogod/tunelaunch/pkg/metrics"
	"github.com/samogod/tunelaunch/pkg/orchestrator"
	"github.com/samogod/tunelaunch/pkg/runner"
)

func TestParseSeeds(t *testing.T) {
	tests := []struct {
		in      string
		want    []int
		wantErr bool
	}{
		{in: "", want: nil},
		{in: "1234", want: []int{1234}},
		{in: "1, 2,3,", want: []int{1, 2, 3}},
		{in: "1,x", wantErr: true},
	}

	for _, tt := range tests {
		got, err := parseSeeds(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func resetRootFlags(t *testing.T) {
	t.Cleanup(func() {
		reset := func(f *pflag.Flag) {
			f.Value.Set(f.DefValue)
			f.Changed = false
		}
		rootCmd.Flags().VisitAll(reset)
		rootCmd.PersistentFlags().VisitAll(reset)
	})
}

func TestRewriteArgsCoversDocumentedFlags(t *testing.T) {
	resetRootFlags(t)

	args, quiet := rewriteArgs([]string{"tunelaunch",
		"-config", "x.yaml",
		"-model-config", "m.sh",
		"-multi-seed",
		"-seeds=1,2",
		"-devices", "4",
		"-batch-policy", "reject",
		"-allow-missing",
		"-dry-run",
		"-abort-on-error",
		"-retries", "2",
		"-timeout", "1h",
		"-verbose",
		"task.sh",
	})
	assert.False(t, quiet)
	assert.Equal(t, "--config", args[1])
	assert.Equal(t, "--seeds=1,2", args[6])

	require.NoError(t, rootCmd.ParseFlags(args[1:]))
	assert.Equal(t, "x.yaml", configFile)
	assert.Equal(t, "m.sh", modelConfig)
	assert.True(t, multiSeed)
	assert.Equal(t, "1,2", seedList)
	assert.Equal(t, 4, devices)
	assert.Equal(t, "reject", batchPolicy)
	assert.True(t, allowMissing)
	assert.True(t, dryRun)
	assert.True(t, abortOnError)
	assert.Equal(t, 2, retries)
	assert.Equal(t, time.Hour, timeout)
	assert.True(t, verbose)
	assert.Equal(t, []string{"task.sh"}, rootCmd.Flags().Args())

	for name, long := range longFlags {
		f := rootCmd.Flags().Lookup(long[2:])
		if f == nil {
			f = historyCmd.Flags().Lookup(long[2:])
		}
		assert.NotNil(t, f, name)
	}
}

func TestRewriteArgsQuietFlags(t *testing.T) {
	tests := []struct {
		args  []string
		want  []string
		quiet bool
	}{
		{args: []string{"tunelaunch", "-silent", "a.sh"}, want: []string{"tunelaunch", "--silent", "a.sh"}, quiet: true},
		{args: []string{"tunelaunch", "-json", "a.sh"}, want: []string{"tunelaunch", "--json", "a.sh"}, quiet: true},
		{args: []string{"tunelaunch", "-j", "a.sh"}, want: []string{"tunelaunch", "-j", "a.sh"}, quiet: true},
		{args: []string{"tunelaunch", "-m", "m.sh", "a.sh"}, want: []string{"tunelaunch", "-m", "m.sh", "a.sh"}},
		{args: []string{"tunelaunch", "a.sh", "--", "-config"}, want: []string{"tunelaunch", "a.sh", "--", "-config"}},
	}

	for _, tt := range tests {
		got, quiet := rewriteArgs(tt.args)
		assert.Equal(t, tt.want, got)
		assert.Equal(t, tt.quiet, quiet, tt.args)
	}
}

func TestRunOutputs(t *testing.T) {
	cmd := &command.Command{
		Program:        "python",
		Args:           []string{"-m", "torch.distributed.launch"},
		ExperimentName: "copa_01-02-03-04/1234",
		Seed:           1234,
		HasSeed:        true,
		LogFile:        "logs/log-copa_01-02-03-04-1234.txt",
		Port:           12345,
	}
	result := &orchestrator.LaunchResult{
		ExperimentID: "copa_01-02-03-04",
		Commands:     []*command.Command{cmd, cmd},
		Runs: []runner.Result{
			{
				Command:  cmd,
				Attempts: 1,
				Duration: 90 * time.Second,
				Metrics: &metrics.Summary{
					Final: &metrics.EpochScore{Epoch: 3, Scores: map[string]float64{"accuracy": 81}},
				},
			},
			{Command: cmd, ExitCode: -1, Err: runner.ErrSkipped, Skipped: true},
		},
	}

	out := runOutputs(result)
	require.Len(t, out, 2)

	assert.Equal(t, "SUCCEEDED", out[0].Status)
	assert.Equal(t, "1m30s", out[0].Duration)
	require.NotNil(t, out[0].Seed)
	assert.Equal(t, 1234, *out[0].Seed)
	assert.Equal(t, 81.0, out[0].Scores["accuracy"])
	assert.Equal(t, "python -m torch.distributed.launch", out[0].Command)

	assert.Equal(t, "SKIPPED", out[1].Status)
	assert.Empty(t, out[1].Duration)
	assert.True(t, errors.Is(result.Runs[1].Err, runner.ErrSkipped))
	assert.Equal(t, runner.ErrSkipped.Error(), out[1].Error)

	result.DryRun = true
	planned := runOutputs(result)
	require.Len(t, planned, 2)
	assert.Equal(t, "PLANNED", planned[0].Status)
	assert.Equal(t, 12345, planned[0].Port)
}

func TestFormatScores(t *testing.T) {
	assert.Equal(t, "accuracy=81.0000 f1=0.5000", formatScores(map[string]float64{"f1": 0.5, "accuracy": 81}))
	assert.Empty(t, formatScores(nil))
}
