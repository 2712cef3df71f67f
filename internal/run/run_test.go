package run

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybersharkvin/llmitm-v2-sub002/internal/capture"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/graph"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/plan"
)

func TestStatusIsValid(t *testing.T) {
	valid := []Status{
		StatusPending, StatusReconRunning, StatusCriticRunning,
		StatusExecuting, StatusRepairing, StatusCompleted, StatusFailed, StatusStopped,
	}
	for _, s := range valid {
		assert.True(t, s.IsValid(), "expected %s to be valid", s)
	}
	assert.False(t, Status("paused").IsValid())
	assert.False(t, Status("").IsValid())
}

func TestStatusIsTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())

	// Stopped resumes, so it is not terminal.
	assert.False(t, StatusStopped.IsTerminal())
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusExecuting.IsTerminal())
}

func TestStatusCanStart(t *testing.T) {
	assert.True(t, StatusPending.CanStart())
	assert.True(t, StatusStopped.CanStart())

	for _, s := range []Status{
		StatusReconRunning, StatusCriticRunning, StatusExecuting,
		StatusRepairing, StatusCompleted, StatusFailed,
	} {
		assert.False(t, s.CanStart(), "expected %s not to be startable", s)
	}
}

func TestStatusCanTransitionTo(t *testing.T) {
	tests := []struct {
		from    Status
		to      Status
		allowed bool
	}{
		{StatusPending, StatusReconRunning, true},
		{StatusPending, StatusStopped, true},
		{StatusPending, StatusExecuting, false},
		{StatusReconRunning, StatusCriticRunning, true},
		{StatusReconRunning, StatusFailed, true},
		{StatusReconRunning, StatusExecuting, false},
		{StatusCriticRunning, StatusExecuting, true},
		{StatusCriticRunning, StatusCompleted, false},
		{StatusExecuting, StatusRepairing, true},
		{StatusExecuting, StatusCompleted, true},
		{StatusExecuting, StatusStopped, true},
		{StatusRepairing, StatusExecuting, true},
		{StatusRepairing, StatusCompleted, true},
		{StatusRepairing, StatusCriticRunning, false},
		{StatusStopped, StatusReconRunning, true},
		{StatusStopped, StatusExecuting, true},
		{StatusStopped, StatusCompleted, false},
		{StatusCompleted, StatusExecuting, false},
		{StatusCompleted, StatusStopped, false},
		{StatusFailed, StatusReconRunning, false},
	}

	for _, tt := range tests {
		got := tt.from.CanTransitionTo(tt.to)
		assert.Equal(t, tt.allowed, got, "%s -> %s", tt.from, tt.to)
	}
}

func TestStatusCanTransitionToSameStatus(t *testing.T) {
	for _, s := range []Status{
		StatusPending, StatusReconRunning, StatusExecuting, StatusCompleted,
	} {
		assert.True(t, s.CanTransitionTo(s), "idempotent write of %s rejected", s)
	}
}

func TestNewRunDefaults(t *testing.T) {
	r := NewRun("juice_shop", capture.ModeReplay)

	assert.NotEmpty(t, r.ID)
	assert.Equal(t, "juice_shop", r.TargetProfile)
	assert.Equal(t, capture.ModeReplay, r.CaptureMode)
	assert.Equal(t, StatusPending, r.Status)
	assert.Equal(t, 2, r.RepairLimit)
	assert.Zero(t, r.RepairsUsed)
	assert.Nil(t, r.StartedAt)
	assert.Nil(t, r.EndedAt)
	assert.False(t, r.CreatedAt.IsZero())

	require.NoError(t, r.Validate())

	other := NewRun("juice_shop", capture.ModeReplay)
	assert.NotEqual(t, r.ID, other.ID)
}

func TestRunValidate(t *testing.T) {
	base := func() *Run { return NewRun("juice_shop", capture.ModeReplay) }

	r := base()
	r.ID = ""
	assert.Error(t, r.Validate())

	r = base()
	r.TargetProfile = ""
	assert.Error(t, r.Validate())

	r = base()
	r.CaptureMode = capture.Mode("passive")
	assert.Error(t, r.Validate())

	r = base()
	r.Status = Status("bogus")
	assert.Error(t, r.Validate())

	r = base()
	r.RepairLimit = -1
	assert.Error(t, r.Validate())
}

func TestCheckpointEncodeDecode(t *testing.T) {
	cp := &Checkpoint{
		Plan: &plan.AttackPlan{
			Opportunities: []plan.AttackOpportunity{{
				Observation:  "login echoes SQL errors",
				SuspectedGap: "unsanitized SQL",
				Exploit:      "boolean-based injection",
				Target:       "http://localhost:3000/rest/user/login",
				Reasoning:    "input reaches the query engine",
				ReconTool:    "mitm_capture",
				Action: plan.ExploitAction{
					Type:   graph.NodeTypeHTTPRequest,
					Method: "POST",
					URL:    "http://localhost:3000/rest/user/login",
				},
				Produces: []string{"login_response"},
			}},
		},
		Attempts: map[string]int{"http_request:abc": 1},
	}

	data, err := cp.Encode()
	require.NoError(t, err)

	decoded, err := DecodeCheckpoint(data)
	require.NoError(t, err)
	require.Len(t, decoded.Plan.Opportunities, 1)

	// The checkpoint must preserve node identity exactly; a drifted id
	// would orphan the persisted graph on resume.
	assert.Equal(t, cp.Plan.Opportunities[0].NodeID(), decoded.Plan.Opportunities[0].NodeID())
	assert.Equal(t, cp.Attempts, decoded.Attempts)
}

func TestDecodeCheckpointRejectsGarbage(t *testing.T) {
	_, err := DecodeCheckpoint([]byte("not json"))
	assert.Error(t, err)

	_, err = DecodeCheckpoint([]byte(`{"attempts":{}}`))
	assert.Error(t, err, "checkpoint without a plan must be rejected")
}
