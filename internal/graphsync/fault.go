package graphsync

import (
	"context"
	"fmt"
	"time"

	"github.com/cybersharkvin/llmitm-v2-sub002/internal/graph"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/types"
)

// corruptedValue is what a property fault writes over the field the
// action depends on. It parses as no usable URL, resolves to no binary,
// and (with the bracket suffix) compiles as no regex, so execution of
// the broken node fails deterministically.
const corruptedValue = "fault-injected"

// FaultKind selects what Break damages.
type FaultKind string

const (
	// FaultKindEdge removes an edge from the graph.
	FaultKindEdge FaultKind = "edge"

	// FaultKindProperty corrupts the field a node's action type depends
	// on (URL, command, or pattern).
	FaultKindProperty FaultKind = "property"

	// FaultKindNode clears a node's action and display fields.
	FaultKindNode FaultKind = "node"
)

// String returns the string representation of the fault kind.
func (k FaultKind) String() string {
	return string(k)
}

// IsValid checks if the FaultKind is a valid value.
func (k FaultKind) IsValid() bool {
	switch k {
	case FaultKindEdge, FaultKindProperty, FaultKindNode:
		return true
	default:
		return false
	}
}

// FaultSpec names the deliberate damage Break applies.
type FaultSpec struct {
	// Kind selects the damage.
	Kind FaultKind `json:"kind"`

	// NodeID targets a specific node. Required for property and node
	// faults; for edge faults it narrows the search to edges touching
	// the node.
	NodeID string `json:"node_id,omitempty"`

	// EdgeType narrows an edge fault to one edge type.
	EdgeType graph.EdgeType `json:"edge_type,omitempty"`
}

// Validate checks the spec names an applicable fault.
func (f FaultSpec) Validate() error {
	if !f.Kind.IsValid() {
		return fmt.Errorf("unknown fault kind: %s", f.Kind)
	}
	if f.Kind != FaultKindEdge && f.NodeID == "" {
		return fmt.Errorf("%s fault requires a node id", f.Kind)
	}
	if f.EdgeType != "" && !f.EdgeType.IsValid() {
		return fmt.Errorf("unknown edge type: %s", f.EdgeType)
	}
	return nil
}

// ActiveFault describes the currently injected fault.
type ActiveFault struct {
	Spec       FaultSpec       `json:"spec"`
	Code       types.ErrorCode `json:"code"`
	Detail     string          `json:"detail"`
	InjectedAt time.Time       `json:"injected_at"`
}

// Break deliberately damages the graph per spec, keeping a full
// pre-fault snapshot for Fix. Stacked breaks keep the snapshot from
// before the first fault so Fix always restores the last consistent
// shape. Safe against a running or idle graph; the store serializes
// every operation.
func (s *Synchronizer) Break(ctx context.Context, spec FaultSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.store.Export(ctx)
	if err != nil {
		return err
	}

	var detail string
	switch spec.Kind {
	case FaultKindEdge:
		detail, err = s.breakEdge(ctx, spec)
	case FaultKindProperty:
		detail, err = s.breakProperty(ctx, spec)
	case FaultKindNode:
		detail, err = s.breakNode(ctx, spec)
	}
	if err != nil {
		return err
	}

	if s.preFault == nil {
		s.preFault = snap
	}
	s.fault = &ActiveFault{
		Spec:       spec,
		Code:       types.FAULT_INJECTED,
		Detail:     detail,
		InjectedAt: time.Now().UTC(),
	}

	s.logger.Warn("fault injected", "kind", spec.Kind.String(), "detail", detail)
	return nil
}

// Fix restores the graph to its pre-fault snapshot.
func (s *Synchronizer) Fix(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.preFault == nil {
		return types.NewError(types.FAULT_NOT_ACTIVE, "no fault is active")
	}

	if err := s.store.Import(ctx, s.preFault); err != nil {
		return err
	}

	s.logger.Info("fault fixed, graph restored",
		"kind", s.fault.Spec.Kind.String(),
		"nodes", len(s.preFault.Nodes),
		"edges", len(s.preFault.Edges))
	s.preFault = nil
	s.fault = nil
	return nil
}

// ActiveFault returns the currently injected fault, or nil when the
// graph is unbroken.
func (s *Synchronizer) ActiveFault() *ActiveFault {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fault
}

// breakEdge removes the first edge matching the spec. ListEdges returns
// a deterministic order, so repeated breaks walk the edge set stably.
func (s *Synchronizer) breakEdge(ctx context.Context, spec FaultSpec) (string, error) {
	edges, err := s.store.ListEdges(ctx)
	if err != nil {
		return "", err
	}

	for _, edge := range edges {
		if spec.EdgeType != "" && edge.Type != spec.EdgeType {
			continue
		}
		if spec.NodeID != "" && edge.Source != spec.NodeID && edge.Target != spec.NodeID {
			continue
		}
		if err := s.store.DeleteEdge(ctx, edge); err != nil {
			return "", err
		}
		return fmt.Sprintf("removed %s edge %s -> %s", edge.Type, edge.Source, edge.Target), nil
	}

	return "", fmt.Errorf("no edge matches the fault spec")
}

// breakProperty corrupts the field the node's action type depends on so
// executing the node fails.
func (s *Synchronizer) breakProperty(ctx context.Context, spec FaultSpec) (string, error) {
	node, err := s.store.GetNode(ctx, spec.NodeID)
	if err != nil {
		return "", err
	}

	corrupted := *node
	switch corrupted.Type {
	case graph.NodeTypeHTTPRequest:
		corrupted.Action.URL = corruptedValue
	case graph.NodeTypeShellCommand:
		corrupted.Action.Command = corruptedValue
	case graph.NodeTypeRegexMatch:
		corrupted.Action.Pattern = corruptedValue + "["
	}
	if _, err := s.store.UpsertNode(ctx, corrupted); err != nil {
		return "", err
	}

	return fmt.Sprintf("corrupted %s action on node %s", corrupted.Type, corrupted.ID), nil
}

// breakNode clears the node's action and display fields. The dispatcher
// rejects actionless nodes, so the next execution of this node fails.
func (s *Synchronizer) breakNode(ctx context.Context, spec FaultSpec) (string, error) {
	node, err := s.store.GetNode(ctx, spec.NodeID)
	if err != nil {
		return "", err
	}

	cleared := *node
	cleared.Name = ""
	cleared.Action = graph.Action{}
	cleared.Produces = nil
	if _, err := s.store.UpsertNode(ctx, cleared); err != nil {
		return "", err
	}

	return "cleared node " + cleared.ID, nil
}
