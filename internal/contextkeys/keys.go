// Package contextkeys provides shared context key definitions used across
// packages. It exists to avoid circular imports between packages that need
// to read and write context values (e.g., the run controller tagging a
// context the compiler's iteration hook later reads).
package contextkeys

import "context"

// Key is the type for all context keys in this module.
type Key string

const (
	// RunID stores the identifier of the run an operation belongs to.
	// The controller sets it before driving a phase so hooks and
	// capability calls can scope their events and logs to the run.
	RunID Key = "llmitm.run_id"

	// Phase stores the plan phase (recon, critic, repair) currently
	// being compiled or executed.
	Phase Key = "llmitm.phase"
)

// WithRunID returns a new context with the run ID set.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunID, runID)
}

// GetRunID retrieves the run ID from context.
// Returns empty string if not set.
func GetRunID(ctx context.Context) string {
	if v := ctx.Value(RunID); v != nil {
		return v.(string)
	}
	return ""
}

// WithPhase returns a new context with the phase set.
func WithPhase(ctx context.Context, phase string) context.Context {
	return context.WithValue(ctx, Phase, phase)
}

// GetPhase retrieves the phase from context.
// Returns empty string if not set.
func GetPhase(ctx context.Context) string {
	if v := ctx.Value(Phase); v != nil {
		return v.(string)
	}
	return ""
}
