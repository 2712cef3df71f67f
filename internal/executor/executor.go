// Package executor dispatches attack graph nodes to their capability
// backends: HTTP requests against the target, shell commands, and regex
// matches over captured traffic or upstream node output.
//
// An executor distinguishes two failure shapes. An error return means the
// capability itself failed (network unreachable, binary missing, invalid
// pattern) and carries a types.CoreError with retryability. A Result with
// Success=false means the action ran but did not achieve its goal (HTTP
// 4xx/5xx, non-zero exit, no regex match); that outcome feeds the repair
// loop rather than the retry policy.
package executor

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cybersharkvin/llmitm-v2-sub002/internal/capture"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/graph"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/plan"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/types"
)

// Executor executes a single graph node and reports its outcome.
type Executor interface {
	Execute(ctx context.Context, node *graph.Node, execCtx *ExecContext) (*Result, error)
}

// Result is the outcome of executing one graph node.
type Result struct {
	NodeID string `json:"node_id"`

	// Success reports whether the action achieved its goal: an HTTP
	// response below 400, a zero exit code, a regex match.
	Success bool `json:"success"`

	// Output is the value downstream nodes consume under this node's
	// produces labels: the response body, stdout, or the first capture
	// group of the match.
	Output string `json:"output,omitempty"`

	// Detail is a short human-readable summary of the outcome, also used
	// as the node's error message when Success is false.
	Detail string `json:"detail,omitempty"`

	HTTPStatus int           `json:"http_status,omitempty"`
	ExitCode   int           `json:"exit_code,omitempty"`
	Stderr     string        `json:"stderr,omitempty"`
	Matches    []string      `json:"matches,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// ExecContext carries the data available to a node at dispatch time: the
// run's captured traffic and the outputs of already-completed nodes keyed
// by their produces labels. Output access is safe for concurrent node
// dispatch.
type ExecContext struct {
	RunID   string
	Capture *capture.Capture

	mu      sync.RWMutex
	outputs map[string]string
}

// NewExecContext creates an execution context for one run.
func NewExecContext(runID string, doc *capture.Capture) *ExecContext {
	return &ExecContext{
		RunID:   runID,
		Capture: doc,
		outputs: make(map[string]string),
	}
}

// SetOutput records a completed node's output under a produces label.
func (c *ExecContext) SetOutput(label, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outputs[label] = value
}

// Output returns the recorded output for a produces label.
func (c *ExecContext) Output(label string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	value, ok := c.outputs[label]
	return value, ok
}

// Expand replaces every output:<label> reference in s with the recorded
// output for that label. Longer labels expand first so overlapping label
// names resolve deterministically. Unrecorded references are left intact
// for the executor to surface as a failure.
func (c *ExecContext) Expand(s string) string {
	if !strings.Contains(s, plan.OutputRefPrefix) {
		return s
	}

	c.mu.RLock()
	labels := make([]string, 0, len(c.outputs))
	for label := range c.outputs {
		labels = append(labels, label)
	}
	c.mu.RUnlock()

	sort.Slice(labels, func(i, j int) bool {
		if len(labels[i]) != len(labels[j]) {
			return len(labels[i]) > len(labels[j])
		}
		return labels[i] < labels[j]
	})

	for _, label := range labels {
		value, _ := c.Output(label)
		s = strings.ReplaceAll(s, plan.OutputRefPrefix+label, value)
	}
	return s
}

// Dispatcher routes nodes to the executor matching their type. It is the
// Executor implementation the run controller holds.
type Dispatcher struct {
	httpExec  Executor
	shellExec Executor
	regexExec Executor
	logger    *slog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger sets the logger for the dispatcher and its default executors.
func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithHTTPExecutor replaces the http_request executor.
func WithHTTPExecutor(exec Executor) DispatcherOption {
	return func(d *Dispatcher) {
		if exec != nil {
			d.httpExec = exec
		}
	}
}

// WithShellExecutor replaces the shell_command executor.
func WithShellExecutor(exec Executor) DispatcherOption {
	return func(d *Dispatcher) {
		if exec != nil {
			d.shellExec = exec
		}
	}
}

// WithRegexExecutor replaces the regex_match executor.
func WithRegexExecutor(exec Executor) DispatcherOption {
	return func(d *Dispatcher) {
		if exec != nil {
			d.regexExec = exec
		}
	}
}

// NewDispatcher creates a Dispatcher with default executors for the three
// node types.
func NewDispatcher(opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.httpExec == nil {
		d.httpExec = NewHTTPExecutor(WithHTTPLogger(d.logger))
	}
	if d.shellExec == nil {
		d.shellExec = NewShellExecutor(WithShellLogger(d.logger))
	}
	if d.regexExec == nil {
		d.regexExec = NewRegexExecutor(WithRegexLogger(d.logger))
	}
	return d
}

// Execute routes the node to the executor for its type.
func (d *Dispatcher) Execute(ctx context.Context, node *graph.Node, execCtx *ExecContext) (*Result, error) {
	if err := node.Action.Validate(); err != nil {
		return nil, types.WrapError(types.EXECUTION_FAILED, "node carries no executable action", err)
	}

	d.logger.Debug("dispatching node",
		"run_id", execCtx.RunID,
		"node_id", node.ID,
		"type", node.Type)

	switch node.Type {
	case graph.NodeTypeHTTPRequest:
		return d.httpExec.Execute(ctx, node, execCtx)
	case graph.NodeTypeShellCommand:
		return d.shellExec.Execute(ctx, node, execCtx)
	case graph.NodeTypeRegexMatch:
		return d.regexExec.Execute(ctx, node, execCtx)
	default:
		return nil, types.NewError(types.EXECUTION_FAILED, "no executor for node type "+node.Type.String())
	}
}

var _ Executor = (*Dispatcher)(nil)
