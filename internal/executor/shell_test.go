package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybersharkvin/llmitm-v2-sub002/internal/graph"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/types"
)

func TestShellExecutor_Execute(t *testing.T) {
	e := NewShellExecutor()
	node := testNode("n1", graph.Action{
		Type:    graph.NodeTypeShellCommand,
		Command: "echo",
		Args:    []string{"hello", "world"},
	})

	result, err := e.Execute(context.Background(), node, NewExecContext("run-1", nil))
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "hello world\n", result.Output)
	assert.Equal(t, "exit 0", result.Detail)
	assert.Greater(t, result.Duration, time.Duration(0))
}

func TestShellExecutor_Execute_NonZeroExitIsFailedResult(t *testing.T) {
	e := NewShellExecutor()
	node := testNode("n1", graph.Action{
		Type:    graph.NodeTypeShellCommand,
		Command: "sh",
		Args:    []string{"-c", "echo denied >&2; exit 3"},
	})

	result, err := e.Execute(context.Background(), node, NewExecContext("run-1", nil))
	require.NoError(t, err, "a non-zero exit is a result, not an error")
	assert.False(t, result.Success)
	assert.Equal(t, 3, result.ExitCode)
	assert.Contains(t, result.Stderr, "denied")
	assert.Equal(t, "exit 3", result.Detail)
}

func TestShellExecutor_Execute_BinaryNotFound(t *testing.T) {
	e := NewShellExecutor()
	node := testNode("n1", graph.Action{
		Type:    graph.NodeTypeShellCommand,
		Command: "no-such-binary-zxqv",
	})

	_, err := e.Execute(context.Background(), node, NewExecContext("run-1", nil))
	require.Error(t, err)
	assert.Equal(t, types.EXECUTION_FAILED, types.CodeOf(err))
	assert.False(t, types.IsRetryable(err))
	assert.Contains(t, err.Error(), "not found in PATH")
}

func TestShellExecutor_Execute_Timeout(t *testing.T) {
	e := NewShellExecutor()
	node := testNode("n1", graph.Action{
		Type:    graph.NodeTypeShellCommand,
		Command: "sleep",
		Args:    []string{"5"},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := e.Execute(ctx, node, NewExecContext("run-1", nil))
	require.Error(t, err)
	assert.Equal(t, types.EXECUTION_TIMEOUT, types.CodeOf(err))
	assert.True(t, types.IsRetryable(err))
}

func TestShellExecutor_Execute_ExpandsOutputReferences(t *testing.T) {
	e := NewShellExecutor()
	node := testNode("n1", graph.Action{
		Type:    graph.NodeTypeShellCommand,
		Command: "echo",
		Args:    []string{"output:session_token"},
	})

	execCtx := NewExecContext("run-1", nil)
	execCtx.SetOutput("session_token", "tok-123")

	result, err := e.Execute(context.Background(), node, execCtx)
	require.NoError(t, err)
	assert.Equal(t, "tok-123\n", result.Output)
}

func TestShellExecutor_Execute_WorkDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "marker.txt"), []byte("x"), 0o644))

	e := NewShellExecutor(WithWorkDir(dir))
	node := testNode("n1", graph.Action{
		Type:    graph.NodeTypeShellCommand,
		Command: "ls",
	})

	result, err := e.Execute(context.Background(), node, NewExecContext("run-1", nil))
	require.NoError(t, err)
	assert.Contains(t, result.Output, "marker.txt")
}
