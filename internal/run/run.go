// Package run implements the orchestration state machine that drives a
// run through its phases: recon compilation over captured traffic, critic
// refinement, dependency-ordered execution of the materialized graph, and
// bounded repair of failed nodes. One Controller instance drives one run;
// the run row in SQLite is the durable record a stopped run resumes from.
package run

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cybersharkvin/llmitm-v2-sub002/internal/capture"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/plan"
)

// Status represents the lifecycle state of a run.
type Status string

const (
	StatusPending      Status = "pending"
	StatusReconRunning Status = "recon_running"
	StatusCriticRunning Status = "critic_running"
	StatusExecuting    Status = "executing"
	StatusRepairing    Status = "repairing"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusStopped      Status = "stopped"
)

// String returns the string representation of Status.
func (s Status) String() string {
	return string(s)
}

// IsValid checks if the Status is a valid value.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusReconRunning, StatusCriticRunning,
		StatusExecuting, StatusRepairing, StatusCompleted, StatusFailed, StatusStopped:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status is final. A stopped run is not
// terminal: it resumes from its last consistent phase. A failed run does
// not resume.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsPhase reports whether the status names an in-flight phase the
// controller records for resume.
func (s Status) IsPhase() bool {
	switch s {
	case StatusReconRunning, StatusCriticRunning, StatusExecuting, StatusRepairing:
		return true
	default:
		return false
	}
}

// CanStart reports whether Start may pick the run up: fresh runs and
// stopped runs only. In-flight states belong to a live controller and
// must be reset before another Start.
func (s Status) CanStart() bool {
	return s == StatusPending || s == StatusStopped
}

// CanTransitionTo reports whether moving from s to target is a legal
// lifecycle transition. Setting the same status again is always allowed
// so idempotent writes are not rejected.
func (s Status) CanTransitionTo(target Status) bool {
	if s == target {
		return true
	}
	switch s {
	case StatusPending:
		return target == StatusReconRunning || target == StatusFailed || target == StatusStopped
	case StatusReconRunning:
		return target == StatusCriticRunning || target == StatusFailed || target == StatusStopped
	case StatusCriticRunning:
		return target == StatusExecuting || target == StatusFailed || target == StatusStopped
	case StatusExecuting:
		return target == StatusRepairing || target == StatusCompleted ||
			target == StatusFailed || target == StatusStopped
	case StatusRepairing:
		return target == StatusExecuting || target == StatusCompleted ||
			target == StatusFailed || target == StatusStopped
	case StatusStopped:
		// Resume re-enters the phase the graph and run row indicate.
		return target == StatusReconRunning || target == StatusCriticRunning ||
			target == StatusExecuting || target == StatusFailed
	case StatusCompleted, StatusFailed:
		return false
	default:
		return false
	}
}

// Run is one orchestration run against a target profile. The row is
// durable; its checkpoint carries the merged plan and repair attempt
// counts a stopped run needs to resume mid-execution.
type Run struct {
	ID            string       `json:"id"`
	TargetProfile string       `json:"target_profile"`
	CaptureMode   capture.Mode `json:"capture_mode"`
	Status        Status       `json:"status"`

	// Phase records the last phase state the controller entered, so a
	// stopped run knows where to pick up. Empty until the first start.
	Phase Status `json:"phase,omitempty"`

	// Error holds the terminal error message for failed runs and the
	// stop cause for stopped runs.
	Error string `json:"error,omitempty"`

	// RepairLimit bounds repair attempts per node lineage; RepairsUsed
	// counts attempts across the whole run for observability.
	RepairLimit int `json:"repair_limit"`
	RepairsUsed int `json:"repairs_used"`

	// StopRequested is the cooperative stop flag, polled by the
	// controller at phase boundaries and before each node dispatch.
	StopRequested bool `json:"stop_requested,omitempty"`

	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// NewRun creates a pending run for the profile in the given capture mode.
func NewRun(profile string, mode capture.Mode) *Run {
	now := time.Now().UTC()
	return &Run{
		ID:            uuid.NewString(),
		TargetProfile: profile,
		CaptureMode:   mode,
		Status:        StatusPending,
		RepairLimit:   2,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Checkpoint is the execution state saved after every successful graph
// apply and repair episode. Node IDs are content-derived, so a resumed
// run must carry the exact plan the LLM last produced rather than
// reconstruct one; a rebuilt plan would hash to different IDs and
// orphan the graph.
type Checkpoint struct {
	Plan *plan.AttackPlan `json:"plan"`

	// Attempts maps node ID to repair attempts consumed by that node's
	// lineage. A revision inherits the count of the node it supersedes.
	Attempts map[string]int `json:"attempts,omitempty"`
}

// Encode serializes the checkpoint for the run row.
func (c *Checkpoint) Encode() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	return data, nil
}

// DecodeCheckpoint parses a checkpoint payload saved by Encode.
func DecodeCheckpoint(data []byte) (*Checkpoint, error) {
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	if c.Plan == nil {
		return nil, fmt.Errorf("checkpoint has no plan")
	}
	return &c, nil
}

// Validate checks that all required fields are set correctly.
func (r *Run) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("run id cannot be empty")
	}
	if r.TargetProfile == "" {
		return fmt.Errorf("run target profile cannot be empty")
	}
	if !r.CaptureMode.IsValid() {
		return fmt.Errorf("invalid capture mode: %s", r.CaptureMode)
	}
	if !r.Status.IsValid() {
		return fmt.Errorf("invalid run status: %s", r.Status)
	}
	if r.RepairLimit < 0 {
		return fmt.Errorf("repair limit cannot be negative, got %d", r.RepairLimit)
	}
	return nil
}
