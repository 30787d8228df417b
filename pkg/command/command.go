package command

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mattn/go-shellwords"

	"github.com/samogod/tunelaunch/pkg/launch"
	"github.com/samogod/tunelaunch/pkg/runconfig"
)

var DebugLog func(string, ...interface{})

// Settings are the fixed parts of every launch.
type Settings struct {
	Python            string
	Module            string
	EntryPoint        string
	Nodes             int
	NodeRank          int
	MasterAddr        string
	EvalBatchSize     int
	SaveEpoch         int
	ModelParallelSize int
	SaveRoot          string
	LogDir            string
}

type Command struct {
	Program        string
	Args           []string
	ExperimentName string
	Seed           int
	HasSeed        bool
	LogFile        string
	Port           int
}

func (c *Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, shellQuote(c.Program))
	for _, arg := range c.Args {
		parts = append(parts, shellQuote(arg))
	}
	return strings.Join(parts, " ")
}

// Flag returns the values following the last occurrence of name.
func (c *Command) Flag(name string) ([]string, bool) {
	idx := -1
	for i, arg := range c.Args {
		if arg == name {
			idx = i
		}
	}
	if idx < 0 {
		return nil, false
	}
	var values []string
	for _, arg := range c.Args[idx+1:] {
		if strings.HasPrefix(arg, "--") {
			break
		}
		values = append(values, arg)
	}
	return values, true
}

type Assembler struct {
	Settings   Settings
	Calculator *launch.Calculator
}

func NewAssembler(settings Settings, calc *launch.Calculator) *Assembler {
	return &Assembler{Settings: settings, Calculator: calc}
}

// Build assembles the single-run command for rc.
func (a *Assembler) Build(rc *runconfig.RunConfig, experiment string, port int) (*Command, error) {
	cmd, err := a.build(rc, experiment, port)
	if err != nil {
		return nil, err
	}
	name := "log-" + experiment
	if cmd.HasSeed {
		name += "-" + strconv.Itoa(cmd.Seed)
	}
	cmd.LogFile = filepath.Join(a.Settings.LogDir, name+".txt")
	return cmd, nil
}

// BuildSeries assembles one command per seed. Runs share the experiment
// identifier and port; the seed goes into --seed, the experiment name and
// the log file name.
func (a *Assembler) BuildSeries(rc *runconfig.RunConfig, experiment string, port int, seeds []int) ([]*Command, error) {
	if len(seeds) == 0 {
		cmd, err := a.Build(rc, experiment, port)
		if err != nil {
			return nil, err
		}
		return []*Command{cmd}, nil
	}

	commands := make([]*Command, 0, len(seeds))
	seen := make(map[int]bool, len(seeds))
	for _, seed := range seeds {
		if seen[seed] {
			return nil, fmt.Errorf("duplicate seed %d", seed)
		}
		seen[seed] = true

		cmd, err := a.build(rc.WithSeed(seed), experiment+"/"+strconv.Itoa(seed), port)
		if err != nil {
			return nil, fmt.Errorf("seed %d: %w", seed, err)
		}
		cmd.LogFile = filepath.Join(a.Settings.LogDir, fmt.Sprintf("log-%s-%d.txt", experiment, seed))
		commands = append(commands, cmd)
	}
	return commands, nil
}

func (a *Assembler) build(rc *runconfig.RunConfig, experiment string, port int) (*Command, error) {
	s := a.Settings
	devices := a.Calculator.DeviceCount()

	batch := ""
	if total, ok, err := rc.TotalBatchSize(); err != nil {
		return nil, err
	} else if ok {
		perDevice, err := a.Calculator.PerDeviceBatch(total)
		if err != nil {
			return nil, err
		}
		batch = strconv.Itoa(perDevice)
	}

	savePath := rc.SavePath
	if savePath == "" {
		savePath = s.SaveRoot
	}

	var args []string
	if s.Module != "" {
		args = append(args, "-m", s.Module)
	}
	args = append(args,
		"--nproc_per_node", strconv.Itoa(devices),
		"--nnodes", strconv.Itoa(s.Nodes),
		"--node_rank", strconv.Itoa(s.NodeRank),
		"--master_addr", s.MasterAddr,
		"--master_port", strconv.Itoa(port),
		s.EntryPoint,
	)

	flags := &flagList{}
	flags.set("--finetune")
	flags.set("--cloze-eval")
	flags.set("--experiment-name", experiment)
	flags.set("--task", rc.TaskName)
	flags.set("--data-dir", rc.DataPath)
	flags.set("--save", savePath)
	flags.set("--seq-length", rc.SeqLength)
	flags.set("--checkpoint-activations")
	flags.set("--eval-batch-size", strconv.Itoa(s.EvalBatchSize))
	flags.set("--save-epoch", strconv.Itoa(s.SaveEpoch))

	for _, extra := range []struct{ key, value string }{
		{runconfig.KeyModelArgs, rc.ModelArgs},
		{runconfig.KeyTrainArgs, rc.TrainArgs},
		{runconfig.KeyCommonArgs, rc.CommonArgs},
	} {
		if err := flags.merge(extra.value); err != nil {
			return nil, fmt.Errorf("failed to split %s: %w", extra.key, err)
		}
	}

	flags.set("--batch-size", batch)
	flags.set("--epochs", rc.Epochs)
	flags.set("--lr", rc.LearningRate)
	if rc.PatternID != "" {
		flags.set("--pattern-id", rc.PatternID)
	}
	flags.set("--fp16")
	flags.set("--model-parallel-size", strconv.Itoa(s.ModelParallelSize))
	flags.set("--overwrite")

	hasSeed := rc.HasSeed
	if raw := strings.TrimSpace(rc.Params[runconfig.KeySeed]); raw != "" && !hasSeed {
		if DebugLog != nil {
			DebugLog("ignoring non-integer %s %q", runconfig.KeySeed, raw)
		}
	}
	if hasSeed {
		flags.set("--seed", strconv.Itoa(rc.Seed))
	}

	args = append(args, flags.args()...)

	cmd := &Command{
		Program:        s.Python,
		Args:           args,
		ExperimentName: experiment,
		Seed:           rc.Seed,
		HasSeed:        hasSeed,
		Port:           port,
	}

	if DebugLog != nil {
		DebugLog("assembled command: %s", cmd.String())
	}

	return cmd, nil
}

type flag struct {
	name   string
	values []string
}

// flagList keeps flags in insertion order; setting a flag again replaces
// its values where it first appeared.
type flagList struct {
	flags []flag
}

func (l *flagList) set(name string, values ...string) {
	for i := range l.flags {
		if l.flags[i].name == name {
			l.flags[i].values = values
			return
		}
	}
	l.flags = append(l.flags, flag{name: name, values: values})
}

func (l *flagList) merge(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	words, err := shellwords.Parse(raw)
	if err != nil {
		return err
	}

	var current *flag
	flush := func() {
		if current != nil {
			l.set(current.name, current.values...)
			current = nil
		}
	}
	for _, word := range words {
		if strings.HasPrefix(word, "--") {
			flush()
			current = &flag{name: word}
			continue
		}
		if current == nil {
			l.flags = append(l.flags, flag{values: []string{word}})
			continue
		}
		current.values = append(current.values, word)
	}
	flush()
	return nil
}

func (l *flagList) args() []string {
	var out []string
	for _, f := range l.flags {
		if f.name != "" {
			out = append(out, f.name)
		}
		out = append(out, f.values...)
	}
	return out
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.ContainsAny(s, " \t\n'\"\\$`*?;&|<>()") {
		return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
	}
	return s
}
