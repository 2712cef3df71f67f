package run

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/cybersharkvin/llmitm-v2-sub002/internal/graph"
)

// Approver decides whether a destructive node may execute in live mode.
// Approve returns false to refuse; an error means the decision could not
// be obtained at all, not that it was negative. Implementations must
// honor ctx cancellation since the controller bounds the wait with the
// configured approval timeout.
type Approver interface {
	Approve(ctx context.Context, node *graph.Node) (bool, error)
}

// ApproverFunc adapts a function to the Approver interface.
type ApproverFunc func(ctx context.Context, node *graph.Node) (bool, error)

// Approve calls f.
func (f ApproverFunc) Approve(ctx context.Context, node *graph.Node) (bool, error) {
	return f(ctx, node)
}

// denyAllApprover refuses every request. It is the default when no
// approver is wired in, so a live run can never execute destructive
// actions without someone explicitly granting that authority.
type denyAllApprover struct{}

func (denyAllApprover) Approve(context.Context, *graph.Node) (bool, error) {
	return false, nil
}

// TerminalApprover asks a human on the controlling terminal. The answer
// goroutine may outlive an expired context; a stale line typed after
// timeout is discarded, never applied to a later prompt.
type TerminalApprover struct {
	In  io.Reader
	Out io.Writer
}

// NewTerminalApprover prompts on stderr and reads from stdin.
func NewTerminalApprover() *TerminalApprover {
	return &TerminalApprover{In: os.Stdin, Out: os.Stderr}
}

// Approve prompts for a y/N answer and blocks until a line arrives or
// ctx expires.
func (a *TerminalApprover) Approve(ctx context.Context, node *graph.Node) (bool, error) {
	if f, ok := a.In.(*os.File); ok && !term.IsTerminal(int(f.Fd())) {
		return false, fmt.Errorf("approval prompt requires a terminal, stdin is not one")
	}

	fmt.Fprintf(a.Out, "Destructive action %q requires approval:\n  %s\nProceed? [y/N]: ",
		node.Name, describeAction(node.Action))

	type answer struct {
		line string
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		line, err := bufio.NewReader(a.In).ReadString('\n')
		ch <- answer{line: line, err: err}
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(a.Out)
		return false, ctx.Err()
	case ans := <-ch:
		if ans.err != nil && ans.err != io.EOF {
			return false, fmt.Errorf("failed to read approval response: %w", ans.err)
		}
		switch strings.ToLower(strings.TrimSpace(ans.line)) {
		case "y", "yes":
			return true, nil
		default:
			return false, nil
		}
	}
}

// describeAction renders a one-line summary of what the node would do.
func describeAction(action graph.Action) string {
	switch action.Type {
	case graph.NodeTypeShellCommand:
		if len(action.Args) > 0 {
			return fmt.Sprintf("shell: %s %s", action.Command, strings.Join(action.Args, " "))
		}
		return fmt.Sprintf("shell: %s", action.Command)
	case graph.NodeTypeHTTPRequest:
		return fmt.Sprintf("http: %s %s", action.Method, action.URL)
	case graph.NodeTypeRegexMatch:
		return fmt.Sprintf("regex: %s against %s", action.Pattern, action.Scope)
	default:
		return string(action.Type)
	}
}
