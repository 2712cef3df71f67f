package executor

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/cybersharkvin/llmitm-v2-sub002/internal/graph"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/plan"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/types"
)

// RegexExecutor executes regex_match nodes. The scope selects what the
// pattern runs against: an output:<label> reference matches a prior node's
// recorded output, anything else matches the run's captured traffic entry
// by entry. A pattern that matches nothing is a failed result, not an
// error.
type RegexExecutor struct {
	logger *slog.Logger
}

// RegexOption configures a RegexExecutor.
type RegexOption func(*RegexExecutor)

// WithRegexLogger sets the logger.
func WithRegexLogger(logger *slog.Logger) RegexOption {
	return func(e *RegexExecutor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewRegexExecutor creates an executor for regex_match nodes.
func NewRegexExecutor(opts ...RegexOption) *RegexExecutor {
	e := &RegexExecutor{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute compiles the node's pattern and matches it against the scoped
// text. On a match the first capture group (or the whole match when the
// pattern has no groups) becomes the node output.
func (e *RegexExecutor) Execute(ctx context.Context, node *graph.Node, execCtx *ExecContext) (*Result, error) {
	action := node.Action

	re, err := regexp.Compile(action.Pattern)
	if err != nil {
		return nil, types.WrapError(types.EXECUTION_FAILED, fmt.Sprintf("invalid pattern %q", action.Pattern), err)
	}

	start := time.Now()

	texts, failure, err := e.scopeTexts(action.Scope, execCtx)
	if err != nil {
		return nil, err
	}
	if failure != "" {
		return &Result{
			NodeID:   node.ID,
			Success:  false,
			Detail:   failure,
			Duration: time.Since(start),
		}, nil
	}

	for _, text := range texts {
		submatches := re.FindStringSubmatch(text)
		if submatches == nil {
			continue
		}

		output := submatches[0]
		if len(submatches) > 1 {
			output = submatches[1]
		}

		e.logger.Debug("regex matched",
			"run_id", execCtx.RunID,
			"node_id", node.ID,
			"pattern", action.Pattern,
			"groups", len(submatches)-1)

		return &Result{
			NodeID:   node.ID,
			Success:  true,
			Output:   output,
			Detail:   fmt.Sprintf("matched (%d groups)", len(submatches)-1),
			Matches:  submatches,
			Duration: time.Since(start),
		}, nil
	}

	return &Result{
		NodeID:   node.ID,
		Success:  false,
		Detail:   fmt.Sprintf("pattern %q matched nothing", action.Pattern),
		Duration: time.Since(start),
	}, nil
}

// scopeTexts resolves the match scope into candidate texts. A non-empty
// failure string means the scope itself could not be satisfied and the
// node should fail rather than error.
func (e *RegexExecutor) scopeTexts(scope string, execCtx *ExecContext) ([]string, string, error) {
	if label, ok := plan.ParseOutputRef(scope); ok {
		output, recorded := execCtx.Output(label)
		if !recorded {
			return nil, fmt.Sprintf("no output recorded for label %q", label), nil
		}
		return []string{output}, "", nil
	}

	if execCtx.Capture == nil || len(execCtx.Capture.Entries) == 0 {
		return nil, "", types.NewError(types.EXECUTION_FAILED, "no captured traffic to match against")
	}

	texts := make([]string, len(execCtx.Capture.Entries))
	for i, entry := range execCtx.Capture.Entries {
		texts[i] = entry.Text()
	}
	return texts, "", nil
}

var _ Executor = (*RegexExecutor)(nil)
