package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/cybersharkvin/llmitm-v2-sub002/internal/graph"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/types"
)

// ShellExecutor executes shell_command nodes with a context-aware os/exec
// wrapper. A non-zero exit code is an outcome carried in the result, not an
// error; only execution failures (binary not found, permission denied,
// timeout) return an error.
type ShellExecutor struct {
	logger  *slog.Logger
	workDir string
}

// ShellOption configures a ShellExecutor.
type ShellOption func(*ShellExecutor)

// WithShellLogger sets the logger.
func WithShellLogger(logger *slog.Logger) ShellOption {
	return func(e *ShellExecutor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithWorkDir sets the working directory for executed commands.
func WithWorkDir(dir string) ShellOption {
	return func(e *ShellExecutor) {
		e.workDir = dir
	}
}

// NewShellExecutor creates an executor for shell_command nodes.
func NewShellExecutor(opts ...ShellOption) *ShellExecutor {
	e := &ShellExecutor{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs the node's command with output-reference expansion applied
// to each argument. Stdout becomes the node output for downstream labels.
func (e *ShellExecutor) Execute(ctx context.Context, node *graph.Node, execCtx *ExecContext) (*Result, error) {
	action := node.Action

	if _, err := exec.LookPath(action.Command); err != nil {
		return nil, types.WrapError(types.EXECUTION_FAILED, fmt.Sprintf("command %q not found in PATH", action.Command), err)
	}

	args := make([]string, len(action.Args))
	for i, arg := range action.Args {
		args[i] = execCtx.Expand(arg)
	}

	cmd := exec.CommandContext(ctx, action.Command, args...)
	if e.workDir != "" {
		cmd.Dir = e.workDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	result := &Result{
		NodeID:   node.ID,
		Success:  true,
		Output:   stdout.String(),
		Stderr:   stderr.String(),
		Detail:   "exit 0",
		Duration: duration,
	}

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, types.WrapRetryableError(types.EXECUTION_TIMEOUT, fmt.Sprintf("command %q timed out", action.Command), err)
		}
		if ctx.Err() == context.Canceled {
			return nil, types.WrapError(types.EXECUTION_FAILED, fmt.Sprintf("command %q cancelled", action.Command), err)
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// The command ran to completion and refused; that outcome
			// belongs to the repair loop, not the retry policy.
			result.Success = false
			result.ExitCode = exitErr.ExitCode()
			result.Detail = fmt.Sprintf("exit %d", result.ExitCode)

			e.logger.Debug("shell command failed",
				"run_id", execCtx.RunID,
				"node_id", node.ID,
				"command", action.Command,
				"exit_code", result.ExitCode,
				"duration", duration)
			return result, nil
		}

		return nil, types.WrapError(types.EXECUTION_FAILED, fmt.Sprintf("command %q failed to execute", action.Command), err)
	}

	e.logger.Debug("shell command executed",
		"run_id", execCtx.RunID,
		"node_id", node.ID,
		"command", action.Command,
		"duration", duration)

	return result, nil
}

var _ Executor = (*ShellExecutor)(nil)
