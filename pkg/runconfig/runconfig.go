// Package runconfig merges model and task configuration files into the
// parameters of a single fine-tuning run.
package runconfig

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var DebugLog func(string, ...interface{})

var ErrMissingField = errors.New("missing required field")

// parameter names shared by shell-style and YAML sources
const (
	KeyTaskName       = "TASK_NAME"
	KeyDataPath       = "DATA_PATH"
	KeySavePath       = "SAVE_PATH"
	KeySeqLength      = "MAX_SEQ_LEN"
	KeyBatchSize      = "BATCH_SIZE"
	KeyEpochs         = "EPOCH_SINGLE"
	KeyLearningRate   = "LR_SINGLE"
	KeyPatternID      = "PATTERN_ID"
	KeyExperimentName = "EXPERIMENT_NAME"
	KeyModelArgs      = "MODEL_ARGS"
	KeyTrainArgs      = "TRAIN_ARGS"
	KeyCommonArgs     = "COMMON_ARGS"
	KeySeed           = "SEED"
)

var requiredKeys = []string{
	KeyTaskName,
	KeyDataPath,
	KeySeqLength,
	KeyBatchSize,
	KeyEpochs,
	KeyLearningRate,
}

var integerKeys = []string{KeySeqLength, KeyBatchSize, KeyEpochs, KeySeed}

// RunConfig is the merged set of parameters for one training invocation.
// Values are kept as written so that unset fields reach the command line
// as empty arguments when validation is skipped.
type RunConfig struct {
	TaskName       string
	DataPath       string
	SavePath       string
	SeqLength      string
	BatchSize      string
	Epochs         string
	LearningRate   string
	PatternID      string
	ExperimentName string
	ModelArgs      string
	TrainArgs      string
	CommonArgs     string
	Seed           int
	// HasSeed is set only when SEED holds an integer.
	HasSeed bool

	Params  map[string]string
	Sources []string
}

func fromParams(params map[string]string) *RunConfig {
	rc := &RunConfig{
		TaskName:       params[KeyTaskName],
		DataPath:       params[KeyDataPath],
		SavePath:       params[KeySavePath],
		SeqLength:      params[KeySeqLength],
		BatchSize:      params[KeyBatchSize],
		Epochs:         params[KeyEpochs],
		LearningRate:   params[KeyLearningRate],
		PatternID:      params[KeyPatternID],
		ExperimentName: params[KeyExperimentName],
		ModelArgs:      params[KeyModelArgs],
		TrainArgs:      params[KeyTrainArgs],
		CommonArgs:     params[KeyCommonArgs],
		Params:         params,
	}
	if seed, err := strconv.Atoi(strings.TrimSpace(params[KeySeed])); err == nil {
		rc.Seed = seed
		rc.HasSeed = true
	}
	return rc
}

// TotalBatchSize parses BATCH_SIZE. ok is false when the value is unset.
func (rc *RunConfig) TotalBatchSize() (size int, ok bool, err error) {
	raw := strings.TrimSpace(rc.BatchSize)
	if raw == "" {
		return 0, false, nil
	}
	size, err = strconv.Atoi(raw)
	if err != nil {
		return 0, true, fmt.Errorf("invalid %s %q: %w", KeyBatchSize, rc.BatchSize, err)
	}
	return size, true, nil
}

// WithSeed returns a copy of the config bound to one seed.
func (rc *RunConfig) WithSeed(seed int) *RunConfig {
	clone := *rc
	clone.Params = make(map[string]string, len(rc.Params)+1)
	for k, v := range rc.Params {
		clone.Params[k] = v
	}
	clone.Params[KeySeed] = strconv.Itoa(seed)
	clone.Seed = seed
	clone.HasSeed = true
	clone.Sources = append([]string(nil), rc.Sources...)
	return &clone
}

// Validate reports every missing required field and every malformed
// integer field in a single joined error.
func (rc *RunConfig) Validate() error {
	var errs []error
	for _, key := range requiredKeys {
		if strings.TrimSpace(rc.Params[key]) == "" {
			errs = append(errs, fmt.Errorf("%w: %s", ErrMissingField, key))
		}
	}
	for _, key := range integerKeys {
		raw := strings.TrimSpace(rc.Params[key])
		if raw == "" {
			continue
		}
		if _, err := strconv.Atoi(raw); err != nil {
			errs = append(errs, fmt.Errorf("%s must be an integer, got %q", key, raw))
		}
	}
	if raw := strings.TrimSpace(rc.Params[KeyLearningRate]); raw != "" {
		if _, err := strconv.ParseFloat(raw, 64); err != nil {
			errs = append(errs, fmt.Errorf("%s must be a number, got %q", KeyLearningRate, raw))
		}
	}
	return errors.Join(errs...)
}

// Missing lists required fields with no value, in declaration order.
func (rc *RunConfig) Missing() []string {
	var missing []string
	for _, key := range requiredKeys {
		if strings.TrimSpace(rc.Params[key]) == "" {
			missing = append(missing, key)
		}
	}
	return missing
}
