package run

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybersharkvin/llmitm-v2-sub002/internal/capture"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/events"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/graph"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/plan"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/types"
)

// secondRevisionProbe revises an earlier revision, for exercising repair
// lineages deeper than one hop.
func secondRevisionProbe(revises string) plan.AttackOpportunity {
	o := loginProbe()
	o.Observation = "the comment-terminated payload still returned a 500"
	o.Exploit = "bypass authentication with a UNION-based SQL injection"
	o.Reasoning = "a union select sidesteps the boolean clause the previous payloads broke"
	o.Action.Body = `{"email":"' UNION SELECT * FROM Users;--","password":"x"}`
	o.Revises = revises
	return o
}

func TestControllerRepairSupersession(t *testing.T) {
	failing := loginProbe()
	failingID := failing.NodeID()
	revision := revisedLoginProbe(failingID)
	revisionID := revision.NodeID()
	require.NotEqual(t, failingID, revisionID, "a changed payload must change the node id")

	rig := newControllerRig(t, []string{
		planJSON(t, failing),
		planJSON(t, failing),
		planJSON(t, revision),
	})
	rig.dispatcher.fail(failingID, "HTTP 500 (12 bytes)")
	run := rig.newRun(t, capture.ModeReplay)

	got, err := rig.controller.Start(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 1, got.RepairsUsed)
	assert.Empty(t, got.Error)

	evts := rig.events(t, run.ID)
	require.Equal(t, []string{
		"run_start",
		"step_start", "compile_iter", "recon_result",
		"step_start", "compile_iter", "critic_result",
		"step_result",
		"repair_start", "compile_iter",
		"step_result",
		"run_end",
	}, eventTypes(evts))

	var failedStep events.StepResultPayload
	require.NoError(t, evts[7].DecodePayload(&failedStep))
	assert.Equal(t, failingID, failedStep.NodeID)
	assert.False(t, failedStep.Success)
	assert.Equal(t, "HTTP 500 (12 bytes)", failedStep.Detail)

	var repair events.RepairStartPayload
	require.NoError(t, evts[8].DecodePayload(&repair))
	assert.Equal(t, events.RepairStartPayload{NodeID: failingID, Attempt: 1}, repair)

	var iter events.CompileIterPayload
	require.NoError(t, evts[9].DecodePayload(&iter))
	assert.Equal(t, events.CompileIterPayload{Phase: "repair", Attempt: 1}, iter)

	var repairedStep events.StepResultPayload
	require.NoError(t, evts[10].DecodePayload(&repairedStep))
	assert.Equal(t, revisionID, repairedStep.NodeID)
	assert.True(t, repairedStep.Success)

	// The failed node keeps its error state as lineage history; only the
	// revision executed to completion.
	failedNode := rig.node(t, failingID)
	assert.Equal(t, graph.NodeStatusError, failedNode.Status)
	assert.Equal(t, "HTTP 500 (12 bytes)", failedNode.ErrorMsg)

	revisedNode := rig.node(t, revisionID)
	assert.Equal(t, graph.NodeStatusCompleted, revisedNode.Status)
	assert.Equal(t, "repair", revisedNode.Group)

	edges, err := rig.graph.ListEdges(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []graph.Edge{
		{Source: revisionID, Target: failingID, Type: graph.EdgeTypeFeedback},
	}, edges)

	assert.Equal(t, []string{failingID, revisionID}, rig.dispatcher.order())

	// The checkpoint carries the merged plan, so a later resume would
	// execute the revision rather than the superseded original.
	data, err := rig.runs.LoadCheckpoint(context.Background(), run.ID)
	require.NoError(t, err)
	cp, err := DecodeCheckpoint(data)
	require.NoError(t, err)
	require.Len(t, cp.Plan.Opportunities, 1)
	assert.Equal(t, revisionID, cp.Plan.Opportunities[0].NodeID())
	assert.Equal(t, 1, cp.Attempts[revisionID])
}

func TestControllerRepairBudgetExhaustionBlocksDownstream(t *testing.T) {
	failing := loginProbe()
	downstream := tokenExtract()
	failingID := failing.NodeID()
	downstreamID := downstream.NodeID()

	first := revisedLoginProbe(failingID)
	firstID := first.NodeID()
	second := secondRevisionProbe(firstID)
	secondID := second.NodeID()

	rig := newControllerRig(t, []string{
		planJSON(t, failing, downstream),
		planJSON(t, failing, downstream),
		planJSON(t, first),
		planJSON(t, second),
	})
	for _, id := range []string{failingID, firstID, secondID} {
		rig.dispatcher.fail(id, "HTTP 500 (12 bytes)")
	}
	run := rig.newRun(t, capture.ModeReplay)

	got, err := rig.controller.Start(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status,
		"an exhausted lineage retires its nodes without failing the run")
	assert.Equal(t, 2, got.RepairsUsed)

	evts := rig.events(t, run.ID)
	require.Equal(t, []string{
		"run_start",
		"step_start", "compile_iter", "recon_result",
		"step_start", "compile_iter", "critic_result",
		"step_result",
		"repair_start", "compile_iter",
		"step_result",
		"repair_start", "compile_iter",
		"step_result",
		"failure", "failure",
		"run_end",
	}, eventTypes(evts))

	// A revision inherits the attempts its predecessor consumed, so the
	// second repair announces attempt 2 against the first revision.
	var firstRepair, secondRepair events.RepairStartPayload
	require.NoError(t, evts[8].DecodePayload(&firstRepair))
	require.NoError(t, evts[11].DecodePayload(&secondRepair))
	assert.Equal(t, events.RepairStartPayload{NodeID: failingID, Attempt: 1}, firstRepair)
	assert.Equal(t, events.RepairStartPayload{NodeID: firstID, Attempt: 2}, secondRepair)

	var exhausted events.FailurePayload
	require.NoError(t, evts[14].DecodePayload(&exhausted))
	assert.Equal(t, secondID, exhausted.NodeID)
	assert.Equal(t, string(types.EXECUTION_FAILED), exhausted.Code)
	assert.Contains(t, exhausted.Message, "repair attempts exhausted after 2 attempts")
	assert.Contains(t, exhausted.Message, "HTTP 500 (12 bytes)")

	var blocked events.FailurePayload
	require.NoError(t, evts[15].DecodePayload(&blocked))
	assert.Equal(t, downstreamID, blocked.NodeID)
	assert.Contains(t, blocked.Message, "upstream node "+secondID+" failed")

	assert.Equal(t, []string{failingID, firstID, secondID}, rig.dispatcher.order(),
		"the blocked consumer never dispatches")

	// Each supersession rewires the consumer onto the newest revision.
	edges, err := rig.graph.ListEdges(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []graph.Edge{
		{Source: firstID, Target: failingID, Type: graph.EdgeTypeFeedback},
		{Source: secondID, Target: firstID, Type: graph.EdgeTypeFeedback},
		{Source: secondID, Target: downstreamID, Type: graph.EdgeTypeDataFlow},
	}, edges)

	for _, id := range []string{failingID, firstID, secondID, downstreamID} {
		assert.Equal(t, graph.NodeStatusError, rig.node(t, id).Status)
	}

	data, err := rig.runs.LoadCheckpoint(context.Background(), run.ID)
	require.NoError(t, err)
	cp, err := DecodeCheckpoint(data)
	require.NoError(t, err)
	require.Len(t, cp.Plan.Opportunities, 2)
	assert.Equal(t, secondID, cp.Plan.Opportunities[0].NodeID())
	assert.Equal(t, downstreamID, cp.Plan.Opportunities[1].NodeID())
	assert.Equal(t, 2, cp.Attempts[secondID])
}

func TestControllerRepairCompileFailureConsumesBudget(t *testing.T) {
	failing := loginProbe()
	failingID := failing.NodeID()

	rig := newControllerRig(t, []string{
		planJSON(t, failing),
		planJSON(t, failing),
	})
	rig.mock.FailCall(2, errors.New("model unavailable"))
	rig.mock.FailCall(3, errors.New("model unavailable"))
	rig.dispatcher.fail(failingID, "HTTP 500 (12 bytes)")
	run := rig.newRun(t, capture.ModeReplay)

	got, err := rig.controller.Start(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 2, got.RepairsUsed, "failed compilations still consume the budget")
	assert.Len(t, rig.mock.Calls(), 4)

	evts := rig.events(t, run.ID)
	require.Equal(t, []string{
		"run_start",
		"step_start", "compile_iter", "recon_result",
		"step_start", "compile_iter", "critic_result",
		"step_result",
		"repair_start", "compile_iter", "failure",
		"repair_start", "compile_iter", "failure",
		"failure",
		"run_end",
	}, eventTypes(evts))

	for _, i := range []int{10, 13} {
		var failure events.FailurePayload
		require.NoError(t, evts[i].DecodePayload(&failure))
		assert.Equal(t, "repair", failure.Phase)
		assert.Equal(t, failingID, failure.NodeID)
		assert.Equal(t, string(types.REASONING_FAILED), failure.Code)
	}

	var exhausted events.FailurePayload
	require.NoError(t, evts[14].DecodePayload(&exhausted))
	assert.Equal(t, failingID, exhausted.NodeID)
	assert.Contains(t, exhausted.Message, "repair attempts exhausted after 2 attempts")

	assert.Equal(t, []string{failingID}, rig.dispatcher.order(),
		"a node with no usable revision is not blindly re-run")
}

func TestMergePlans(t *testing.T) {
	base := loginProbe()
	other := robotsProbe()
	revision := revisedLoginProbe(base.NodeID())

	current := &plan.AttackPlan{Opportunities: []plan.AttackOpportunity{base, other}}

	t.Run("revision replaces in place", func(t *testing.T) {
		merged := mergePlans(current, &plan.AttackPlan{
			Opportunities: []plan.AttackOpportunity{revision},
		})
		require.Len(t, merged.Opportunities, 2)
		assert.Equal(t, revision.NodeID(), merged.Opportunities[0].NodeID())
		assert.Equal(t, other.NodeID(), merged.Opportunities[1].NodeID())
	})

	t.Run("new opportunity appends", func(t *testing.T) {
		extra := tokenExtract()
		merged := mergePlans(current, &plan.AttackPlan{
			Opportunities: []plan.AttackOpportunity{revision, extra},
		})
		require.Len(t, merged.Opportunities, 3)
		assert.Equal(t, revision.NodeID(), merged.Opportunities[0].NodeID())
		assert.Equal(t, other.NodeID(), merged.Opportunities[1].NodeID())
		assert.Equal(t, extra.NodeID(), merged.Opportunities[2].NodeID())
	})

	t.Run("restatement does not duplicate", func(t *testing.T) {
		merged := mergePlans(current, &plan.AttackPlan{
			Opportunities: []plan.AttackOpportunity{base},
		})
		require.Len(t, merged.Opportunities, 2)
		assert.Equal(t, base.NodeID(), merged.Opportunities[0].NodeID())
		assert.Equal(t, other.NodeID(), merged.Opportunities[1].NodeID())
	})
}
