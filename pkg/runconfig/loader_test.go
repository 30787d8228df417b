package runconfig

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

const modelConfig = `# shared model settings
MODEL_TYPE="blocklm-large"
MODEL_ARGS="--block-lm \
            --num-layers 24 \
            --load-pretrained ${CHECKPOINT_PATH}/blocklm-large-blank"
export LR_SINGLE=1e-5
`

const taskConfig = `EXPERIMENT_NAME=${MODEL_TYPE}-copa
TASK_NAME=COPA
DATA_PATH="${DATA_ROOT}/COPA"
MAX_SEQ_LEN=256
LR_SINGLE=1e-5
EPOCH_SINGLE=50
BATCH_SIZE=16
`

func TestLoadShellSources(t *testing.T) {
	dir := t.TempDir()
	model := writeConfig(t, dir, "model.sh", modelConfig)
	task := writeConfig(t, dir, "task.sh", taskConfig)

	loader := NewLoader(map[string]string{
		"DATA_ROOT":       "/data/superglue",
		"CHECKPOINT_PATH": "/ckpt",
	})
	rc, err := loader.Load(model, task)
	require.NoError(t, err)

	assert.Equal(t, "COPA", rc.TaskName)
	assert.Equal(t, "/data/superglue/COPA", rc.DataPath)
	assert.Equal(t, "blocklm-large-copa", rc.ExperimentName)
	assert.Equal(t, "256", rc.SeqLength)
	assert.Equal(t, "16", rc.BatchSize)
	assert.Equal(t, "50", rc.Epochs)
	assert.Equal(t, "1e-5", rc.LearningRate)
	assert.Contains(t, rc.ModelArgs, "--num-layers 24")
	assert.Contains(t, rc.ModelArgs, "/ckpt/blocklm-large-blank")
	assert.Equal(t, []string{model, task}, rc.Sources)
	assert.NoError(t, rc.Validate())
}

func TestLoadLaterSourceWins(t *testing.T) {
	dir := t.TempDir()
	first := writeConfig(t, dir, "a.sh", "BATCH_SIZE=32\nMAX_SEQ_LEN=512\n")
	second := writeConfig(t, dir, "b.sh", "BATCH_SIZE=8\n")

	rc, err := NewLoader(nil).Load(first, second)
	require.NoError(t, err)
	assert.Equal(t, "8", rc.BatchSize)
	assert.Equal(t, "512", rc.SeqLength)
}

func TestLoadYAMLSource(t *testing.T) {
	dir := t.TempDir()
	model := writeConfig(t, dir, "model.sh", "MODEL_TYPE=blocklm-base\nBATCH_SIZE=64\n")
	task := writeConfig(t, dir, "task.yaml", `
task_name: RTE
data_path: ${DATA_ROOT}/RTE
max_seq_len: 256
batch_size: 16
epoch_single: 50
lr_single: 1e-5
pattern_id:
train_args:
  - --lr-decay-style linear
  - --warmup 0.1
experiment_name: ${MODEL_TYPE}-rte
`)

	rc, err := NewLoader(map[string]string{"DATA_ROOT": "/d"}).Load(model, task)
	require.NoError(t, err)

	assert.Equal(t, "RTE", rc.TaskName)
	assert.Equal(t, "/d/RTE", rc.DataPath)
	assert.Equal(t, "16", rc.BatchSize)
	assert.Equal(t, "1e-5", rc.LearningRate)
	assert.Equal(t, "", rc.PatternID)
	assert.Equal(t, "--lr-decay-style linear --warmup 0.1", rc.TrainArgs)
	assert.Equal(t, "blocklm-base-rte", rc.ExperimentName)
}

func TestLoadYAMLRejectsNestedMapping(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "task.yml", "train:\n  lr: 1\n")
	_, err := NewLoader(nil).Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nested mappings")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := NewLoader(nil).Load(filepath.Join(t.TempDir(), "nope.sh"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestValidateReportsEveryMissingField(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "task.sh", "TASK_NAME=CB\nBATCH_SIZE=abc\n")
	rc, err := NewLoader(nil).Load(path)
	require.NoError(t, err)

	err = rc.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingField))
	for _, key := range []string{KeyDataPath, KeySeqLength, KeyEpochs, KeyLearningRate} {
		assert.Contains(t, err.Error(), key)
	}
	assert.Contains(t, err.Error(), "BATCH_SIZE must be an integer")
	assert.Equal(t, []string{KeyDataPath, KeySeqLength, KeyEpochs, KeyLearningRate}, rc.Missing())
}

func TestWithSeedCopies(t *testing.T) {
	rc := fromParams(map[string]string{KeyTaskName: "WSC"})
	seeded := rc.WithSeed(5678)

	assert.Equal(t, 5678, seeded.Seed)
	assert.Equal(t, "5678", seeded.Params[KeySeed])
	assert.Equal(t, 0, rc.Seed)
	assert.NotContains(t, rc.Params, KeySeed)
	assert.True(t, seeded.HasSeed)
	assert.False(t, rc.HasSeed)
}

func TestSeedMustBeInteger(t *testing.T) {
	assert.True(t, fromParams(map[string]string{KeySeed: "1234"}).HasSeed)
	assert.False(t, fromParams(map[string]string{KeySeed: "abc"}).HasSeed)
	assert.False(t, fromParams(map[string]string{}).HasSeed)
}

func TestLoadAfterValueWithTrailingBackslash(t *testing.T) {
	dir := t.TempDir()
	model := writeConfig(t, dir, "model.yaml", "win_dir: 'C:\\data\\'\n")
	task := writeConfig(t, dir, "task.sh", taskConfig)

	rc, err := NewLoader(map[string]string{"DATA_ROOT": "/data"}).Load(model, task)
	require.NoError(t, err)

	assert.Equal(t, `C:\data\`, rc.Params["WIN_DIR"])
	assert.Equal(t, "COPA", rc.TaskName)
	assert.Equal(t, "/data/COPA", rc.DataPath)
	assert.Equal(t, "16", rc.BatchSize)
}

func TestTotalBatchSize(t *testing.T) {
	size, ok, err := (&RunConfig{BatchSize: " 32 "}).TotalBatchSize()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 32, size)

	_, ok, err = (&RunConfig{}).TotalBatchSize()
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = (&RunConfig{BatchSize: "x"}).TotalBatchSize()
	assert.Error(t, err)
}
