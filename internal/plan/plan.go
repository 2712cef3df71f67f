// Package plan defines the attack plan model produced by the reasoning
// capability: ordered attack opportunities, their structured exploit
// actions, and the stable content-derived node ids that make graph
// materialization idempotent. Opportunities are immutable once validated;
// a refinement is always a new opportunity linked to its predecessor.
package plan

import (
	"fmt"
	"strings"

	"github.com/cybersharkvin/llmitm-v2-sub002/internal/graph"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/types"
)

// Phase identifies which compilation pass produced a plan. Nodes carry
// the phase as their display group.
type Phase string

const (
	// PhaseRecon is the initial pass over captured traffic.
	PhaseRecon Phase = "recon"

	// PhaseCritic is the refinement pass over the recon plan.
	PhaseCritic Phase = "critic"

	// PhaseRepair is the targeted pass over a single failed node.
	PhaseRepair Phase = "repair"
)

// String returns the string representation of the phase.
func (p Phase) String() string {
	return string(p)
}

// IsValid checks if the Phase is a valid value.
func (p Phase) IsValid() bool {
	switch p {
	case PhaseRecon, PhaseCritic, PhaseRepair:
		return true
	default:
		return false
	}
}

// OutputRefPrefix marks an exploit target as a reference to another
// opportunity's produced output rather than a literal target.
const OutputRefPrefix = "output:"

// ExploitAction is the structured, executable form of a recommended
// exploit. It is the same shape the graph persists on nodes, so the
// synchronizer copies it through without a lossy mapping.
type ExploitAction = graph.Action

// AttackOpportunity is the unit of reasoning output: one observed
// weakness and the concrete action recommended to probe it. The free-text
// fields preserve the reasoning trail for audit; Action is what the
// executor actually runs.
type AttackOpportunity struct {
	// Observation is what the reasoning capability saw in the captured
	// traffic that prompted this opportunity.
	Observation string `json:"observation"`

	// SuspectedGap names the weakness the observation suggests.
	SuspectedGap string `json:"suspected_gap"`

	// Exploit is the human-readable recommended exploit.
	Exploit string `json:"exploit"`

	// Target is what the exploit acts on: a URL, host, or an
	// "output:<label>" reference to another opportunity's output.
	Target string `json:"target"`

	// Reasoning explains why the exploit should work.
	Reasoning string `json:"reasoning"`

	// ReconTool names the capture source or tool that surfaced the
	// underlying observation.
	ReconTool string `json:"recon_tool"`

	// Action is the structured executable form of the exploit.
	Action ExploitAction `json:"action"`

	// Produces lists output labels this action yields, referenced by
	// other opportunities through "output:<label>" targets.
	Produces []string `json:"produces,omitempty"`

	// Revises optionally names the node id of the predecessor
	// opportunity this one refines. Set by critic and repair output;
	// materialized as a feedback edge.
	Revises string `json:"revises,omitempty"`
}

// Validate checks that all required fields are present and the action
// is well formed.
func (o AttackOpportunity) Validate() error {
	if strings.TrimSpace(o.Observation) == "" {
		return types.NewError(types.VALIDATION_SCHEMA_MISMATCH, "opportunity missing observation")
	}
	if strings.TrimSpace(o.SuspectedGap) == "" {
		return types.NewError(types.VALIDATION_SCHEMA_MISMATCH, "opportunity missing suspected_gap")
	}
	if strings.TrimSpace(o.Exploit) == "" {
		return types.NewError(types.VALIDATION_SCHEMA_MISMATCH, "opportunity missing exploit")
	}
	if strings.TrimSpace(o.Target) == "" {
		return types.NewError(types.VALIDATION_SCHEMA_MISMATCH, "opportunity missing target")
	}
	if strings.TrimSpace(o.Reasoning) == "" {
		return types.NewError(types.VALIDATION_SCHEMA_MISMATCH, "opportunity missing reasoning")
	}
	if strings.TrimSpace(o.ReconTool) == "" {
		return types.NewError(types.VALIDATION_SCHEMA_MISMATCH, "opportunity missing recon_tool")
	}
	if err := o.Action.Validate(); err != nil {
		return types.WrapError(types.VALIDATION_SCHEMA_MISMATCH, "opportunity action invalid", err)
	}
	return nil
}

// ParseOutputRef returns the referenced label and true when s is an
// "output:<label>" reference to another opportunity's output.
func ParseOutputRef(s string) (string, bool) {
	if !strings.HasPrefix(s, OutputRefPrefix) {
		return "", false
	}
	label := strings.TrimSpace(strings.TrimPrefix(s, OutputRefPrefix))
	return label, label != ""
}

// TargetRef returns the referenced output label and true when Target is
// an "output:<label>" reference to another opportunity's output.
func (o AttackOpportunity) TargetRef() (string, bool) {
	return ParseOutputRef(o.Target)
}

// DisplayName returns a short human-readable name for the node this
// opportunity materializes into.
func (o AttackOpportunity) DisplayName() string {
	switch o.Action.Type {
	case graph.NodeTypeHTTPRequest:
		return fmt.Sprintf("%s %s", strings.ToUpper(o.Action.Method), o.Action.URL)
	case graph.NodeTypeShellCommand:
		if len(o.Action.Args) > 0 {
			return fmt.Sprintf("%s %s", o.Action.Command, strings.Join(o.Action.Args, " "))
		}
		return o.Action.Command
	case graph.NodeTypeRegexMatch:
		return fmt.Sprintf("match %s", o.Action.Pattern)
	default:
		return o.Exploit
	}
}

// AttackPlan is the validated output of one reasoning phase invocation:
// an ordered list of attack opportunities.
type AttackPlan struct {
	Opportunities []AttackOpportunity `json:"opportunities"`
}

// Validate checks that the plan is non-empty and every opportunity is
// well formed. The index of the first invalid opportunity is included
// in the error message so corrective retries can point at it.
func (p *AttackPlan) Validate() error {
	if len(p.Opportunities) == 0 {
		return types.NewError(types.VALIDATION_EMPTY_PLAN, "plan contains no opportunities")
	}
	for i, opp := range p.Opportunities {
		if err := opp.Validate(); err != nil {
			return types.WrapError(types.VALIDATION_SCHEMA_MISMATCH,
				fmt.Sprintf("opportunity %d invalid", i), err)
		}
	}
	return nil
}

// ProducersByLabel indexes the plan's opportunities by produced output
// label. Later producers of a duplicate label win, matching upsert order.
func (p *AttackPlan) ProducersByLabel() map[string]AttackOpportunity {
	producers := make(map[string]AttackOpportunity)
	for _, opp := range p.Opportunities {
		for _, label := range opp.Produces {
			producers[label] = opp
		}
	}
	return producers
}
