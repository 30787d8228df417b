package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

var DebugLog func(string, ...interface{})

const (
	BatchPolicyTruncate = "truncate"
	BatchPolicyReject   = "reject"
)

// environment overrides applied after the settings file is read
const (
	EnvDataRoot       = "DATA_ROOT"
	EnvCheckpointPath = "CHECKPOINT_PATH"
	EnvSavePath       = "SAVE_PATH"
	EnvNumGPUs        = "NUM_GPUS"
)

var DefaultSeeds = []int{1234, 5678, 8942}

type Config struct {
	Paths    Paths    `yaml:"paths"`
	Launcher Launcher `yaml:"launcher"`
	Seeds    []int    `yaml:"seeds"`
	Runs     Runs     `yaml:"runs"`
	Database Database `yaml:"database"`
	Elastic  Elastic  `yaml:"elastic"`
}

type Paths struct {
	DataRoot       string `yaml:"data_root"`
	CheckpointRoot string `yaml:"checkpoint_root"`
	SaveRoot       string `yaml:"save_root"`
	LogDir         string `yaml:"log_dir"`
}

type Launcher struct {
	Python            string `yaml:"python"`
	Module            string `yaml:"module"`
	EntryPoint        string `yaml:"entry_point"`
	Devices           int    `yaml:"devices"`
	Nodes             int    `yaml:"nodes"`
	NodeRank          int    `yaml:"node_rank"`
	MasterAddr        string `yaml:"master_addr"`
	PortMin           int    `yaml:"port_min"`
	PortMax           int    `yaml:"port_max"`
	EvalBatchSize     int    `yaml:"eval_batch_size"`
	SaveEpoch         int    `yaml:"save_epoch"`
	ModelParallelSize int    `yaml:"model_parallel_size"`
	BatchPolicy       string `yaml:"batch_policy"`
	TimestampFormat   string `yaml:"timestamp_format"`
}

type Runs struct {
	AbortOnError bool `yaml:"abort_on_error"`
	Retries      int  `yaml:"retries"`
	// minutes, 0 disables the per-run deadline
	Timeout int `yaml:"timeout"`
}

type Database struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

type Elastic struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Index    string `yaml:"index"`
}

// Default returns the settings used when no settings file exists.
func Default() *Config {
	return &Config{
		Paths: Paths{
			DataRoot:       "/root/data/superglue",
			CheckpointRoot: "/root/data/checkpoints",
			SaveRoot:       "/root/data/finetune_checkpoints",
			LogDir:         "logs",
		},
		Launcher: Launcher{
			Python:            "python",
			Module:            "torch.distributed.launch",
			EntryPoint:        "finetune_glm.py",
			Devices:           4,
			Nodes:             1,
			NodeRank:          0,
			MasterAddr:        "localhost",
			PortMin:           10000,
			PortMax:           65535,
			EvalBatchSize:     16,
			SaveEpoch:         100000,
			ModelParallelSize: 1,
			BatchPolicy:       BatchPolicyTruncate,
			TimestampFormat:   "01-02-15-04",
		},
		Seeds: append([]int(nil), DefaultSeeds...),
		Database: Database{
			Host: "localhost",
			Port: 5432,
			User: "postgres",
		},
		Elastic: Elastic{
			Index: "tunelaunch_runs",
		},
	}
}

type Manager struct {
	config     *Config
	configPath string
	lookupEnv  func(string) (string, bool)
}

func NewManager(configPath string) *Manager {
	return &Manager{
		configPath: configPath,
		lookupEnv:  os.LookupEnv,
	}
}

// LoadConfig reads the settings file over the defaults and applies
// environment overrides. A missing file is an error only when the path
// was given explicitly.
func (m *Manager) LoadConfig() error {
	explicit := m.configPath != ""
	if !explicit {
		m.configPath = m.findConfigFile()
	}

	cfg := Default()

	_, statErr := os.Stat(m.configPath)
	switch {
	case statErr == nil:
		if DebugLog != nil {
			DebugLog("loading launcher settings from %s", m.configPath)
		}
		data, err := os.ReadFile(m.configPath)
		if err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse config file: %w", err)
		}
	case os.IsNotExist(statErr) && explicit:
		return fmt.Errorf("config file not found at %s", m.configPath)
	case os.IsNotExist(statErr):
		if DebugLog != nil {
			DebugLog("no launcher settings file found, using defaults")
		}
	default:
		return fmt.Errorf("failed to stat config file: %w", statErr)
	}

	if err := m.applyEnv(cfg); err != nil {
		return err
	}

	if err := m.validateConfig(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	m.config = cfg
	return nil
}

func (m *Manager) applyEnv(cfg *Config) error {
	if v, ok := m.lookupEnv(EnvDataRoot); ok && v != "" {
		cfg.Paths.DataRoot = v
	}
	if v, ok := m.lookupEnv(EnvCheckpointPath); ok && v != "" {
		cfg.Paths.CheckpointRoot = v
	}
	if v, ok := m.lookupEnv(EnvSavePath); ok && v != "" {
		cfg.Paths.SaveRoot = v
	}
	if v, ok := m.lookupEnv(EnvNumGPUs); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %s value %q: %w", EnvNumGPUs, v, err)
		}
		if DebugLog != nil {
			DebugLog("device count overridden by %s=%d", EnvNumGPUs, n)
		}
		cfg.Launcher.Devices = n
	}
	return nil
}

func (m *Manager) GetConfig() *Config {
	return m.config
}

func (m *Manager) ConfigPath() string {
	return m.configPath
}

func (m *Manager) findConfigFile() string {
	if _, err := os.Stat("tunelaunch.yaml"); err == nil {
		return "tunelaunch.yaml"
	}

	if _, err := os.Stat("config/tunelaunch.yaml"); err == nil {
		return "config/tunelaunch.yaml"
	}

	if configPath := GetDefaultConfigPath(); configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
	}

	return filepath.Join("config", "tunelaunch.yaml")
}

func (m *Manager) validateConfig(cfg *Config) error {
	var errs []error

	if cfg.Launcher.Devices <= 0 {
		errs = append(errs, fmt.Errorf("launcher.devices must be greater than 0"))
	}
	if cfg.Launcher.Nodes <= 0 {
		errs = append(errs, fmt.Errorf("launcher.nodes must be greater than 0"))
	}
	if cfg.Launcher.PortMin <= 0 || cfg.Launcher.PortMax > 65536 || cfg.Launcher.PortMin >= cfg.Launcher.PortMax {
		errs = append(errs, fmt.Errorf("invalid port range [%d, %d)", cfg.Launcher.PortMin, cfg.Launcher.PortMax))
	}
	if cfg.Launcher.EntryPoint == "" {
		errs = append(errs, fmt.Errorf("launcher.entry_point is required"))
	}
	switch cfg.Launcher.BatchPolicy {
	case BatchPolicyTruncate, BatchPolicyReject:
	default:
		errs = append(errs, fmt.Errorf("unknown batch policy: %s", cfg.Launcher.BatchPolicy))
	}
	if cfg.Runs.Retries < 0 {
		errs = append(errs, fmt.Errorf("runs.retries must not be negative"))
	}
	if cfg.Elastic.Enabled && cfg.Elastic.URL == "" {
		errs = append(errs, fmt.Errorf("elastic.url is required when elastic is enabled"))
	}

	return errors.Join(errs...)
}
