package metrics

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleLog = `using world size: 4 and model-parallel size: 1
 > |epoch: 0| metrics for dev: total 100.0 accuracy = 61.0000 % elapsed time (sec): 1.234
 >> |epoch: 0| overall: total = 100 accuracy = 61.0000
 iteration      100/    1000 | elapsed time per iteration (ms): 350.2 | learning rate 1.000E-05 |
 >> |epoch: 1| overall: total = 100 accuracy = 74.5000 f1-macro = 70.2500
 >> |epoch: 2| overall: total = 100.0 accuracy = 72.0000 f1-macro = 71.0000
`

func TestParseLine(t *testing.T) {
	score, ok := ParseLine(" >> |epoch: 3| overall: total = 277 accuracy = 80.1444 f1-macro = 75.0000")
	require.True(t, ok)
	assert.Equal(t, 3, score.Epoch)
	assert.Equal(t, 277.0, score.Total)
	assert.Equal(t, map[string]float64{"accuracy": 80.1444, "f1-macro": 75.0}, score.Scores)

	score, ok = ParseLine(" >> |epoch: -1| overall: total = 50 em = 12.5")
	require.True(t, ok)
	assert.Equal(t, -1, score.Epoch)

	_, ok = ParseLine(" > |epoch: 0| metrics for dev: total 100.0 accuracy = 61.0000 %")
	assert.False(t, ok)
}

func TestParse(t *testing.T) {
	summary, err := Parse(strings.NewReader(sampleLog))
	require.NoError(t, err)

	require.Len(t, summary.Epochs, 3)
	require.NotNil(t, summary.Final)
	assert.Equal(t, 2, summary.Final.Epoch)
	assert.Equal(t, 72.0, summary.Final.Scores["accuracy"])
	assert.Equal(t, 74.5, summary.Best["accuracy"])
	assert.Equal(t, 71.0, summary.Best["f1-macro"])
	assert.False(t, summary.Empty())
}

func TestParseNoScores(t *testing.T) {
	summary, err := Parse(strings.NewReader("Traceback (most recent call last):\nRuntimeError: CUDA out of memory\n"))
	require.NoError(t, err)
	assert.True(t, summary.Empty())
	assert.Nil(t, summary.Final)
}

func TestParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.txt")
	require.NoError(t, os.WriteFile(path, []byte(sampleLog), 0644))

	summary, err := ParseFile(path)
	require.NoError(t, err)
	assert.Len(t, summary.Epochs, 3)

	_, err = ParseFile(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}

func TestAggregate(t *testing.T) {
	runs := []*Summary{
		{Epochs: []EpochScore{{}}, Final: &EpochScore{Scores: map[string]float64{"accuracy": 70, "f1": 60}}},
		{Epochs: []EpochScore{{}}, Final: &EpochScore{Scores: map[string]float64{"accuracy": 80}}},
		{},
		nil,
		{Epochs: []EpochScore{{}}, Final: &EpochScore{Scores: map[string]float64{"accuracy": 90}}},
	}

	stats := Aggregate(runs)
	require.Contains(t, stats, "accuracy")

	acc := stats["accuracy"]
	assert.Equal(t, 3, acc.Count)
	assert.InDelta(t, 80.0, acc.Mean, 1e-9)
	assert.InDelta(t, math.Sqrt(200.0/3.0), acc.Std, 1e-9)
	assert.Equal(t, 70.0, acc.Min)
	assert.Equal(t, 90.0, acc.Max)

	assert.Equal(t, Stat{Mean: 60, Min: 60, Max: 60, Count: 1}, stats["f1"])
	assert.Equal(t, []string{"accuracy", "f1"}, Names(stats))
}
