package orchestrator

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/samogod/tunelaunch/pkg/database"
	"github.com/samogod/tunelaunch/pkg/runner"
)

// RunSummary is one line of the runs-<experiment>.jsonl file and the
// document indexed into Elasticsearch.
type RunSummary struct {
	ID         string             `json:"id"`
	Experiment string             `json:"experiment"`
	RunName    string             `json:"run_name"`
	Task       string             `json:"task"`
	Seed       *int               `json:"seed,omitempty"`
	Status     string             `json:"status"`
	ExitCode   int                `json:"exit_code"`
	Attempts   int                `json:"attempts"`
	Error      string             `json:"error,omitempty"`
	LogFile    string             `json:"log_file"`
	Port       int                `json:"port"`
	Command    string             `json:"command"`
	Epoch      *int               `json:"epoch,omitempty"`
	Scores     map[string]float64 `json:"scores,omitempty"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
	Seconds    float64            `json:"duration_seconds"`
}

func summarize(experiment, task string, r runner.Result) RunSummary {
	s := RunSummary{
		ID:         uuid.New().String(),
		Experiment: experiment,
		Task:       task,
		Status:     r.Status(),
		ExitCode:   r.ExitCode,
		Attempts:   r.Attempts,
		StartedAt:  r.StartTime,
		FinishedAt: r.EndTime,
		Seconds:    r.Duration.Seconds(),
	}
	if r.Err != nil {
		s.Error = r.Err.Error()
	}
	if cmd := r.Command; cmd != nil {
		s.RunName = cmd.ExperimentName
		s.LogFile = cmd.LogFile
		s.Port = cmd.Port
		s.Command = cmd.String()
		if cmd.HasSeed {
			seed := cmd.Seed
			s.Seed = &seed
		}
	}
	if r.Metrics != nil && r.Metrics.Final != nil {
		epoch := r.Metrics.Final.Epoch
		s.Epoch = &epoch
		s.Scores = r.Metrics.Final.Scores
	}
	// skipped runs never started
	if s.StartedAt.IsZero() {
		s.StartedAt = time.Now()
		s.FinishedAt = s.StartedAt
	}
	return s
}

func (s RunSummary) record() database.RunRecord {
	rec := database.RunRecord{
		ID:         s.ID,
		Experiment: s.Experiment,
		RunName:    s.RunName,
		Task:       s.Task,
		Status:     s.Status,
		ExitCode:   s.ExitCode,
		Attempts:   s.Attempts,
		LogFile:    s.LogFile,
		Port:       s.Port,
		Command:    s.Command,
		Metrics:    "{}",
		StartedAt:  s.StartedAt,
		FinishedAt: s.FinishedAt,
	}
	if s.Seed != nil {
		rec.Seed = sql.NullInt64{Int64: int64(*s.Seed), Valid: true}
	}
	if len(s.Scores) > 0 {
		if b, err := json.Marshal(s.Scores); err == nil {
			rec.Metrics = string(b)
		}
	}
	return rec
}

// SummaryPath is where the run summaries of experiment are written.
func SummaryPath(logDir, experiment string) string {
	name := strings.ReplaceAll(experiment, string(filepath.Separator), "_")
	return filepath.Join(logDir, "runs-"+name+".jsonl")
}

func writeSummaries(path string, summaries []RunSummary) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create summary file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, s := range summaries {
		line, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("failed to encode run %s: %w", s.RunName, err)
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Close()
}

// persist writes the summary file, then records the runs in the history
// database and the search index when they are configured. Failures are
// collected as warnings on result. Cancelling ctx does not stop it, so an
// interrupted launch is still recorded.
func (o *Orchestrator) persist(ctx context.Context, result *LaunchResult) {
	ctx = context.WithoutCancel(ctx)

	task := ""
	if result.Config != nil {
		task = result.Config.TaskName
	}

	summaries := make([]RunSummary, 0, len(result.Runs))
	for _, r := range result.Runs {
		summaries = append(summaries, summarize(result.ExperimentID, task, r))
	}

	path := SummaryPath(o.config.Paths.LogDir, result.ExperimentID)
	if err := writeSummaries(path, summaries); err != nil {
		o.logger.Warnf("Failed to write run summary: %v", err)
		result.Errors = append(result.Errors, err)
		path = ""
	} else {
		result.SummaryFile = path
		if DebugLog != nil {
			DebugLog("wrote %d run summaries to %s", len(summaries), path)
		}
	}

	if o.db != nil && o.db.IsEnabled() {
		records := make([]database.RunRecord, 0, len(summaries))
		for _, s := range summaries {
			records = append(records, s.record())
		}
		if err := o.db.RecordRuns(records); err != nil {
			o.logger.Warnf("Failed to record runs in database: %v", err)
			result.Errors = append(result.Errors, err)
		}
	}

	if o.es != nil && path != "" {
		failed, err := o.es.IndexJSONLinesFile(ctx, path)
		if err != nil {
			o.logger.Warnf("Failed to index runs into %s: %v", o.es.Index(), err)
			result.Errors = append(result.Errors, err)
		} else if failed > 0 {
			err := fmt.Errorf("%d of %d run(s) rejected by index %s", failed, len(summaries), o.es.Index())
			o.logger.Warnf("%v", err)
			result.Errors = append(result.Errors, err)
		}
	}
}
