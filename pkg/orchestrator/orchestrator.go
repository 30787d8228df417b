package orchestrator

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/samogod/tunelaunch/pkg/command"
	"github.com/samogod/tunelaunch/pkg/config"
	"github.com/samogod/tunelaunch/pkg/database"
	"github.com/samogod/tunelaunch/pkg/elastic"
	"github.com/samogod/tunelaunch/pkg/launch"
	"github.com/samogod/tunelaunch/pkg/metrics"
	"github.com/samogod/tunelaunch/pkg/runconfig"
	"github.com/samogod/tunelaunch/pkg/runner"
)

var DebugLog func(string, ...interface{})

type Orchestrator struct {
	config        *config.Config
	configManager *config.Manager
	logger        *logrus.Logger
	db            *database.DB
	dbErr         error
	es            runIndex
	executor      runner.Executor
	now           func() time.Time
	rand          *rand.Rand
}

// runIndex receives the JSONL run summaries; *elastic.Client in production.
type runIndex interface {
	Index() string
	IndexJSONLinesFile(ctx context.Context, filename string) (int, error)
}

type Option func(*Orchestrator)

func WithExecutor(e runner.Executor) Option {
	return func(o *Orchestrator) { o.executor = e }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func WithRand(r *rand.Rand) Option {
	return func(o *Orchestrator) { o.rand = r }
}

func WithLogger(l *logrus.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

type LaunchOptions struct {
	ModelConfig string
	TaskConfig  string
	PatternID   string

	MultiSeed bool
	// Seeds overrides the configured seed list and implies MultiSeed.
	Seeds []int

	// zero keeps the configured values
	Devices     int
	BatchPolicy string
	Retries     int
	Timeout     time.Duration

	AbortOnError bool
	AllowMissing bool
	DryRun       bool

	// Console receives the output of every run in addition to its log file.
	Console io.Writer
}

type LaunchResult struct {
	ExperimentID string
	Config       *runconfig.RunConfig
	Commands     []*command.Command
	Runs         []runner.Result
	Aggregate    map[string]metrics.Stat
	SummaryFile  string
	StartTime    time.Time
	EndTime      time.Time
	Duration     time.Duration
	DryRun       bool
	Success      bool
	// non-fatal problems while persisting results
	Errors []error
}

type customFormatter struct{}

func (f *customFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var levelText string
	switch entry.Level {
	case logrus.InfoLevel:
		levelText = "[INF]"
	case logrus.WarnLevel:
		levelText = "[WARN]"
	case logrus.ErrorLevel:
		levelText = "[ERR]"
	case logrus.DebugLevel:
		levelText = "[DBG]"
	default:
		levelText = "[???]"
	}
	return []byte(fmt.Sprintf("%s %s\n", levelText, entry.Message)), nil
}

func NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)
	logger.SetFormatter(&customFormatter{})
	return logger
}

// NewOrchestrator loads the launcher settings and connects the optional
// run history database and search index. Connection failures are logged
// and leave the corresponding store disabled.
func NewOrchestrator(configPath string, opts ...Option) (*Orchestrator, error) {
	configManager := config.NewManager(configPath)
	if err := configManager.LoadConfig(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	o := New(configManager.GetConfig(), opts...)
	o.configManager = configManager

	cfg := o.config

	db, err := database.New(&cfg.Database)
	if err != nil {
		o.logger.Warnf("Database initialization failed: %v", err)
		o.dbErr = err
	}
	o.db = db

	if cfg.Elastic.Enabled {
		es, err := elastic.New(elastic.Config{
			URL:      cfg.Elastic.URL,
			Username: cfg.Elastic.Username,
			Password: cfg.Elastic.Password,
			Index:    cfg.Elastic.Index,
		})
		if err != nil {
			o.logger.Warnf("Elasticsearch initialization failed: %v", err)
		} else {
			o.es = es
		}
	}

	return o, nil
}

// New builds an orchestrator over already loaded settings without
// connecting any store.
func New(cfg *config.Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		config:   cfg,
		logger:   NewLogger(),
		executor: runner.NewExecExecutor(),
		now:      time.Now,
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) GetConfig() *config.Config {
	return o.config
}

func (o *Orchestrator) GetDB() *database.DB {
	return o.db
}

// DBError is the error that left the run history database disabled, if any.
func (o *Orchestrator) DBError() error {
	return o.dbErr
}

func (o *Orchestrator) Logger() *logrus.Logger {
	return o.logger
}

func (o *Orchestrator) Close() error {
	if o.db != nil {
		return o.db.Close()
	}
	return nil
}

// Plan merges the configuration and assembles the commands of a launch
// without running anything.
func (o *Orchestrator) Plan(options LaunchOptions) (*LaunchResult, error) {
	cfg := o.config
	result := &LaunchResult{StartTime: o.now(), DryRun: options.DryRun}

	loader := runconfig.NewLoader(map[string]string{
		config.EnvDataRoot:       cfg.Paths.DataRoot,
		config.EnvCheckpointPath: cfg.Paths.CheckpointRoot,
		config.EnvSavePath:       cfg.Paths.SaveRoot,
	})

	rc, err := loader.Load(options.ModelConfig, options.TaskConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to load run config: %w", err)
	}

	if options.PatternID != "" {
		rc.PatternID = options.PatternID
		rc.Params[runconfig.KeyPatternID] = options.PatternID
	}

	if options.AllowMissing {
		if missing := rc.Missing(); len(missing) > 0 {
			o.logger.Warnf("Missing config values passed as empty flags: %v", missing)
		}
	} else if err := rc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid run config: %w", err)
	}
	result.Config = rc

	calc, err := o.calculator(options)
	if err != nil {
		return nil, err
	}

	if total, ok, err := rc.TotalBatchSize(); err == nil && ok && calc.Policy == launch.Truncate {
		if d := calc.DeviceCount(); d > 0 && total%d != 0 {
			o.logger.Warnf("Batch size %d is not divisible by %d devices, using %d per device", total, d, total/d)
		}
	}

	result.ExperimentID = calc.ExperimentID(rc.ExperimentName, rc.TaskName)

	port, err := calc.Port()
	if err != nil {
		return nil, err
	}

	assembler := command.NewAssembler(command.Settings{
		Python:            cfg.Launcher.Python,
		Module:            cfg.Launcher.Module,
		EntryPoint:        cfg.Launcher.EntryPoint,
		Nodes:             cfg.Launcher.Nodes,
		NodeRank:          cfg.Launcher.NodeRank,
		MasterAddr:        cfg.Launcher.MasterAddr,
		EvalBatchSize:     cfg.Launcher.EvalBatchSize,
		SaveEpoch:         cfg.Launcher.SaveEpoch,
		ModelParallelSize: cfg.Launcher.ModelParallelSize,
		SaveRoot:          cfg.Paths.SaveRoot,
		LogDir:            cfg.Paths.LogDir,
	}, calc)

	commands, err := assembler.BuildSeries(rc, result.ExperimentID, port, o.seeds(options))
	if err != nil {
		return nil, fmt.Errorf("failed to assemble command: %w", err)
	}
	result.Commands = commands

	if DebugLog != nil {
		DebugLog("experiment %s: %d command(s), port %d, %d device(s)",
			result.ExperimentID, len(commands), port, calc.DeviceCount())
	}

	return result, nil
}

// Launch runs the full pipeline: merge configs, derive parameters,
// assemble commands, run them in order and persist the outcomes. The
// returned error covers setup failures only; failed runs are reported in
// LaunchResult.Runs.
func (o *Orchestrator) Launch(ctx context.Context, options LaunchOptions) (*LaunchResult, error) {
	result, err := o.Plan(options)
	if err != nil {
		return nil, err
	}

	if options.DryRun {
		result.Success = true
		o.finish(result)
		return result, nil
	}

	policy := runner.Policy{
		AbortOnError: options.AbortOnError || o.config.Runs.AbortOnError,
		Retries:      o.config.Runs.Retries,
		Timeout:      time.Duration(o.config.Runs.Timeout) * time.Minute,
	}
	if options.Retries > 0 {
		policy.Retries = options.Retries
	}
	if options.Timeout > 0 {
		policy.Timeout = options.Timeout
	}

	r := runner.New(o.executor, policy, o.logger)
	r.Console = options.Console

	o.logger.Infof("Launching %s: %d run(s)", result.ExperimentID, len(result.Commands))

	result.Runs = r.RunSeries(ctx, result.Commands)

	summaries := make([]*metrics.Summary, 0, len(result.Runs))
	for i := range result.Runs {
		summaries = append(summaries, result.Runs[i].Metrics)
	}
	result.Aggregate = metrics.Aggregate(summaries)
	result.Success = runner.Succeeded(result.Runs)

	o.persist(ctx, result)
	o.finish(result)

	return result, nil
}

func (o *Orchestrator) finish(result *LaunchResult) {
	result.EndTime = o.now()
	result.Duration = result.EndTime.Sub(result.StartTime)
}

func (o *Orchestrator) calculator(options LaunchOptions) (*launch.Calculator, error) {
	cfg := o.config.Launcher

	devices := cfg.Devices
	if options.Devices > 0 {
		devices = options.Devices
	}
	policy := cfg.BatchPolicy
	if options.BatchPolicy != "" {
		policy = options.BatchPolicy
	}
	switch launch.BatchPolicy(policy) {
	case launch.Truncate, launch.Reject:
	default:
		return nil, fmt.Errorf("unknown batch policy %q (want %s or %s)", policy, launch.Truncate, launch.Reject)
	}

	calc := launch.NewCalculator(devices, launch.BatchPolicy(policy))
	calc.PortMin = cfg.PortMin
	calc.PortMax = cfg.PortMax
	calc.TimestampFormat = cfg.TimestampFormat
	calc.Now = o.now
	calc.Rand = o.rand
	return calc, nil
}

func (o *Orchestrator) seeds(options LaunchOptions) []int {
	if len(options.Seeds) > 0 {
		return options.Seeds
	}
	if !options.MultiSeed {
		return nil
	}
	if len(o.config.Seeds) > 0 {
		return o.config.Seeds
	}
	return config.DefaultSeeds
}
