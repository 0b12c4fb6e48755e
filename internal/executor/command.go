package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// CommandRunner runs external commands. Tests substitute a fake.
type CommandRunner interface {
	// Run executes a command and returns combined stdout/stderr output.
	// The working directory is set to workDir if non-empty.
	Run(ctx context.Context, workDir string, stdin []byte, name string, args ...string) ([]byte, error)
}

// ExecRunner implements CommandRunner using os/exec.
type ExecRunner struct{}

// Run executes a command and returns combined stdout/stderr output.
func (ExecRunner) Run(ctx context.Context, workDir string, stdin []byte, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if workDir != "" {
		cmd.Dir = workDir
	}
	if len(stdin) > 0 {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	return cmd.CombinedOutput()
}

// CommandExecutor runs params["command"] through "sh -c". The request
// payload is piped to stdin. Exit code 2 is reported as a permanent
// failure (explicit rejection); everything else is transient.
type CommandExecutor struct {
	Runner  CommandRunner
	WorkDir string
}

// NewCommandExecutor creates a CommandExecutor running in workDir.
func NewCommandExecutor(workDir string) *CommandExecutor {
	return &CommandExecutor{Runner: ExecRunner{}, WorkDir: workDir}
}

// Execute implements Executor.
func (c *CommandExecutor) Execute(ctx context.Context, req Request) (Result, error) {
	command := strings.TrimSpace(req.Params["command"])
	if command == "" {
		return Result{}, Validationf("command", "task %s has no command parameter", req.TaskID)
	}

	ctx, cancel := WithDeadline(ctx, req)
	defer cancel()

	out, err := c.Runner.Run(ctx, c.WorkDir, req.Payload, "sh", "-c", command)
	if err == nil {
		return Result{Output: out}, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Result{Output: out}, Transient(fmt.Errorf("command %q: %w", command, ctxErr))
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 2 {
		return Result{Output: out}, Permanent(fmt.Errorf("command %q rejected: %w", command, err))
	}
	return Result{Output: out}, Transient(fmt.Errorf("command %q: %w", command, err))
}

var (
	_ CommandRunner = ExecRunner{}
	_ Executor      = (*CommandExecutor)(nil)
)
