package events

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of a run lifecycle event.
type EventType string

const (
	// EventConnected is the synthetic marker a new subscriber receives
	// before any replayed or live events. It carries sequence 0 and is
	// never written to the durable log.
	EventConnected EventType = "connected"

	EventRunStart     EventType = "run_start"
	EventStepStart    EventType = "step_start"
	EventStepResult   EventType = "step_result"
	EventCompileIter  EventType = "compile_iter"
	EventReconResult  EventType = "recon_result"
	EventCriticResult EventType = "critic_result"
	EventFailure      EventType = "failure"
	EventRepairStart  EventType = "repair_start"
	EventRunEnd       EventType = "run_end"
)

// String returns the string representation of the event type.
func (t EventType) String() string {
	return string(t)
}

// Event is one entry in a run's ordered event stream.
type Event struct {
	RunID     string          `json:"run_id"`
	Sequence  int64           `json:"sequence"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// DecodePayload unmarshals the event payload into v.
func (e Event) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// RunStartPayload announces a run entering its first phase.
type RunStartPayload struct {
	Target string `json:"target"`
	Mode   string `json:"mode"`
	Resume bool   `json:"resume,omitempty"`
}

// StepStartPayload marks the beginning of a phase.
type StepStartPayload struct {
	Phase string `json:"phase"`
}

// CompileIterPayload reports one reasoning attempt within a phase,
// including the corrective retry after a validation failure.
type CompileIterPayload struct {
	Phase      string `json:"phase"`
	Attempt    int    `json:"attempt"`
	Corrective bool   `json:"corrective,omitempty"`
}

// PhaseResultPayload summarizes a compiled plan after graph
// synchronization. It backs both recon_result and critic_result.
type PhaseResultPayload struct {
	Phase         string `json:"phase"`
	Opportunities int    `json:"opportunities"`
	Created       int    `json:"created"`
	Updated       int    `json:"updated"`
	Edges         int    `json:"edges"`
	Skipped       int    `json:"skipped,omitempty"`
}

// StepResultPayload reports one executed node.
type StepResultPayload struct {
	NodeID     string `json:"node_id"`
	Name       string `json:"name"`
	Success    bool   `json:"success"`
	Detail     string `json:"detail,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// FailurePayload reports a caught error, scoped to a phase or a node.
type FailurePayload struct {
	Phase   string `json:"phase,omitempty"`
	NodeID  string `json:"node_id,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RepairStartPayload announces a repair attempt for a failed node.
type RepairStartPayload struct {
	NodeID  string `json:"node_id"`
	Attempt int    `json:"attempt"`
}

// RunEndPayload closes a run's event stream with its terminal status.
type RunEndPayload struct {
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}
