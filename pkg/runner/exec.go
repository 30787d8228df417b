package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/samogod/tunelaunch/pkg/command"
)

const DefaultGracePeriod = 10 * time.Second

// Executor starts one command and blocks until it exits.
type Executor interface {
	Execute(ctx context.Context, cmd *command.Command, out io.Writer) (exitCode int, err error)
}

// ExecExecutor runs commands as local processes. stdout and stderr share
// out. When ctx ends the process receives SIGTERM and is killed after
// GracePeriod.
type ExecExecutor struct {
	Dir         string
	Env         []string
	GracePeriod time.Duration
}

func NewExecExecutor() *ExecExecutor {
	return &ExecExecutor{GracePeriod: DefaultGracePeriod}
}

func (e *ExecExecutor) Execute(ctx context.Context, c *command.Command, out io.Writer) (int, error) {
	if c.Program == "" {
		return -1, fmt.Errorf("command program is required")
	}

	path, err := exec.LookPath(c.Program)
	if err != nil {
		return -1, fmt.Errorf("%s executable not found: %w", c.Program, err)
	}

	cmd := exec.CommandContext(ctx, path, c.Args...)
	cmd.Dir = e.Dir
	cmd.Env = append(os.Environ(), e.Env...)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = e.GracePeriod
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultGracePeriod
	}

	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("failed to start process: %w", err)
	}

	err = cmd.Wait()
	if err == nil {
		return 0, nil
	}

	if ctx.Err() != nil {
		return -1, ctx.Err()
	}

	// non-zero exit is a result, not an error
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}

	return -1, err
}
