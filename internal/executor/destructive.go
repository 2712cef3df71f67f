package executor

import (
	"path/filepath"
	"strings"

	"github.com/cybersharkvin/llmitm-v2-sub002/internal/graph"
)

// destructiveMethods are the HTTP methods that mutate target state.
var destructiveMethods = map[string]bool{
	"POST":   true,
	"PUT":    true,
	"PATCH":  true,
	"DELETE": true,
}

// Destructive reports whether dispatching the node against a live target
// requires a standing approval. Any shell command is destructive unless
// its bare command name appears in the allowlist; an HTTP request is
// destructive when its method mutates state. Regex matches never touch
// the target. The controller applies this classification in live capture
// mode only.
func Destructive(node *graph.Node, allowedCommands []string) bool {
	switch node.Type {
	case graph.NodeTypeShellCommand:
		name := filepath.Base(node.Action.Command)
		for _, allowed := range allowedCommands {
			if name == allowed {
				return false
			}
		}
		return true
	case graph.NodeTypeHTTPRequest:
		return destructiveMethods[strings.ToUpper(node.Action.Method)]
	default:
		return false
	}
}
