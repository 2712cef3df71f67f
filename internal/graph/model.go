// Package graph defines the attack graph read model and the Store interface
// over its persistent property-graph backends. Nodes carry a content-derived
// stable id so recompiling the same traffic upserts rather than duplicates;
// node status is owned by execution and moves monotonically.
package graph

import (
	"encoding/json"
	"fmt"
	"time"
)

// NodeType classifies the atomic action a graph node represents.
type NodeType string

const (
	NodeTypeHTTPRequest  NodeType = "http_request"
	NodeTypeShellCommand NodeType = "shell_command"
	NodeTypeRegexMatch   NodeType = "regex_match"
)

// String returns the string representation of NodeType.
func (nt NodeType) String() string {
	return string(nt)
}

// IsValid checks if the NodeType is a valid value.
func (nt NodeType) IsValid() bool {
	switch nt {
	case NodeTypeHTTPRequest, NodeTypeShellCommand, NodeTypeRegexMatch:
		return true
	default:
		return false
	}
}

// NodeStatus represents the execution state of a graph node.
// Transitions are monotonic: idle -> active -> completed|error, with
// error -> active as the only permitted backward move (repair retry).
type NodeStatus string

const (
	NodeStatusIdle      NodeStatus = "idle"
	NodeStatusActive    NodeStatus = "active"
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusError     NodeStatus = "error"
)

// String returns the string representation of NodeStatus.
func (ns NodeStatus) String() string {
	return string(ns)
}

// IsValid checks if the NodeStatus is a valid value.
func (ns NodeStatus) IsValid() bool {
	switch ns {
	case NodeStatusIdle, NodeStatusActive, NodeStatusCompleted, NodeStatusError:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status is a final execution outcome.
func (ns NodeStatus) IsTerminal() bool {
	return ns == NodeStatusCompleted || ns == NodeStatusError
}

// CanTransitionTo reports whether moving from ns to target is a legal
// status transition. Setting the same status again is always allowed so
// idempotent writes are not rejected.
func (ns NodeStatus) CanTransitionTo(target NodeStatus) bool {
	if ns == target {
		return true
	}
	switch ns {
	case NodeStatusIdle:
		return target == NodeStatusActive || target == NodeStatusCompleted || target == NodeStatusError
	case NodeStatusActive:
		return target == NodeStatusCompleted || target == NodeStatusError
	case NodeStatusCompleted:
		// Completed never regresses.
		return false
	case NodeStatusError:
		return target == NodeStatusActive
	default:
		return false
	}
}

// MarshalJSON implements json.Marshaler.
func (ns NodeStatus) MarshalJSON() ([]byte, error) {
	if !ns.IsValid() {
		return nil, fmt.Errorf("invalid node status: %s", string(ns))
	}
	return json.Marshal(string(ns))
}

// UnmarshalJSON implements json.Unmarshaler.
func (ns *NodeStatus) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	status := NodeStatus(s)
	if !status.IsValid() {
		return fmt.Errorf("invalid node status: %s", s)
	}
	*ns = status
	return nil
}

// EdgeType classifies a directed relation between two nodes.
type EdgeType string

const (
	// EdgeTypeDataFlow links a node whose output feeds another node's input.
	EdgeTypeDataFlow EdgeType = "data_flow"
	// EdgeTypeFeedback links a critic-phase refinement to the node it revises.
	EdgeTypeFeedback EdgeType = "feedback"
)

// String returns the string representation of EdgeType.
func (et EdgeType) String() string {
	return string(et)
}

// IsValid checks if the EdgeType is a valid value.
func (et EdgeType) IsValid() bool {
	switch et {
	case EdgeTypeDataFlow, EdgeTypeFeedback:
		return true
	default:
		return false
	}
}

// Action holds the typed parameters a node needs at execution time.
// Type selects which parameter group applies; the unused groups stay
// empty. Persisting the action on the node lets a resumed run execute
// without re-deriving the plan.
type Action struct {
	Type NodeType `json:"type"`

	// http_request fields
	Method  string            `json:"method,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`

	// shell_command fields
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`

	// regex_match fields
	Pattern string `json:"pattern,omitempty"`
	Scope   string `json:"scope,omitempty"`
}

// Validate checks that the action type is known and the parameters
// required by that type are present.
func (a Action) Validate() error {
	if !a.Type.IsValid() {
		return fmt.Errorf("unknown action type: %s", a.Type)
	}
	switch a.Type {
	case NodeTypeHTTPRequest:
		if a.Method == "" || a.URL == "" {
			return fmt.Errorf("http_request action requires method and url")
		}
	case NodeTypeShellCommand:
		if a.Command == "" {
			return fmt.Errorf("shell_command action requires command")
		}
	case NodeTypeRegexMatch:
		if a.Pattern == "" {
			return fmt.Errorf("regex_match action requires pattern")
		}
	}
	return nil
}

// Node is one atomic planned or executed action in the attack graph.
// The ID is derived from opportunity content, not randomly generated, so
// the same logical opportunity always maps to the same node. Produces
// lists the output labels other opportunities may reference through
// data_flow edges.
type Node struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Type      NodeType   `json:"type"`
	Group     string     `json:"group"`
	Status    NodeStatus `json:"status"`
	ErrorMsg  string     `json:"error_msg,omitempty"`
	Action    Action     `json:"action"`
	Produces  []string   `json:"produces,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Validate checks structural validity of the node.
func (n *Node) Validate() error {
	if n.ID == "" {
		return fmt.Errorf("node id cannot be empty")
	}
	if !n.Type.IsValid() {
		return fmt.Errorf("invalid node type: %s", n.Type)
	}
	if !n.Status.IsValid() {
		return fmt.Errorf("invalid node status: %s", n.Status)
	}
	if n.Action.Type != "" && n.Action.Type != n.Type {
		return fmt.Errorf("action type %s does not match node type %s", n.Action.Type, n.Type)
	}
	return nil
}

// Edge is a directed, typed relation between two nodes. Both endpoints
// must already exist in the store; dangling edges are rejected.
type Edge struct {
	Source string   `json:"source"`
	Target string   `json:"target"`
	Type   EdgeType `json:"type"`
}

// Key returns a unique string key for the edge, used for map storage
// and deduplication.
func (e Edge) Key() string {
	return e.Source + "->" + e.Target + ":" + string(e.Type)
}

// Validate checks structural validity of the edge.
func (e Edge) Validate() error {
	if e.Source == "" || e.Target == "" {
		return fmt.Errorf("edge endpoints cannot be empty")
	}
	if !e.Type.IsValid() {
		return fmt.Errorf("invalid edge type: %s", e.Type)
	}
	return nil
}

// Stats summarizes the current shape of the graph store.
type Stats struct {
	Nodes         int                `json:"nodes"`
	Edges         int                `json:"edges"`
	NodesByStatus map[NodeStatus]int `json:"nodes_by_status"`
	EdgesByType   map[EdgeType]int   `json:"edges_by_type"`
}
