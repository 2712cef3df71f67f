package graphsync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybersharkvin/llmitm-v2-sub002/internal/graph"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/plan"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/types"
)

func newTestSync() (*Synchronizer, *graph.MemoryStore) {
	store := graph.NewMemoryStore()
	return NewSynchronizer(store), store
}

func httpOpp(url string, produces ...string) plan.AttackOpportunity {
	return plan.AttackOpportunity{
		Observation:  "observed " + url + " in captured traffic",
		SuspectedGap: "injectable parameter",
		Exploit:      "probe " + url,
		Target:       url,
		Reasoning:    "the endpoint reflects attacker input",
		ReconTool:    "mitm_capture",
		Action: plan.ExploitAction{
			Type:   graph.NodeTypeHTTPRequest,
			Method: "POST",
			URL:    url,
			Body:   `{"probe":true}`,
		},
		Produces: produces,
	}
}

func regexOpp(pattern, target string, produces ...string) plan.AttackOpportunity {
	return plan.AttackOpportunity{
		Observation:  "response body carries structured data",
		SuspectedGap: "sensitive value exposed in response",
		Exploit:      "extract value matching " + pattern,
		Target:       target,
		Reasoning:    "the value authenticates follow-up requests",
		ReconTool:    "mitm_capture",
		Action: plan.ExploitAction{
			Type:    graph.NodeTypeRegexMatch,
			Pattern: pattern,
			Scope:   target,
		},
		Produces: produces,
	}
}

// juiceShopPlan chains login -> token extraction -> authenticated
// request through output references.
func juiceShopPlan() *plan.AttackPlan {
	basket := httpOpp("http://localhost:3000/rest/basket/1")
	basket.Target = "output:session_token"
	basket.Action.Method = "GET"
	basket.Action.Body = ""
	basket.Action.Headers = map[string]string{"Authorization": "Bearer output:session_token"}

	return &plan.AttackPlan{
		Opportunities: []plan.AttackOpportunity{
			httpOpp("http://localhost:3000/rest/user/login", "login_response"),
			regexOpp(`"token":"([^"]+)"`, "output:login_response", "session_token"),
			basket,
		},
	}
}

func TestSynchronizer_ApplyCreatesNodesAndEdges(t *testing.T) {
	s, store := newTestSync()
	p := juiceShopPlan()

	result, err := s.Apply(context.Background(), p, plan.PhaseRecon)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Created)
	assert.Equal(t, 0, result.Updated)
	assert.Equal(t, 2, result.Edges)
	assert.Empty(t, result.Skipped)

	nodes, err := store.ListNodes(context.Background())
	require.NoError(t, err)
	require.Len(t, nodes, 3)
	for _, node := range nodes {
		assert.Equal(t, graph.NodeStatusIdle, node.Status)
		assert.Equal(t, "recon", node.Group)
	}

	loginID := p.Opportunities[0].NodeID()
	extractID := p.Opportunities[1].NodeID()
	basketID := p.Opportunities[2].NodeID()

	edges, err := store.ListEdges(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []graph.Edge{
		{Source: loginID, Target: extractID, Type: graph.EdgeTypeDataFlow},
		{Source: extractID, Target: basketID, Type: graph.EdgeTypeDataFlow},
	}, edges)
}

func TestSynchronizer_ApplyIsIdempotent(t *testing.T) {
	s, store := newTestSync()
	p := juiceShopPlan()

	first, err := s.Apply(context.Background(), p, plan.PhaseRecon)
	require.NoError(t, err)
	require.Equal(t, 3, first.Created)

	firstNodes, err := store.ListNodes(context.Background())
	require.NoError(t, err)

	second, err := s.Apply(context.Background(), p, plan.PhaseRecon)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Created)
	assert.Equal(t, 3, second.Updated)
	assert.Equal(t, 2, second.Edges)

	secondNodes, err := store.ListNodes(context.Background())
	require.NoError(t, err)
	require.Len(t, secondNodes, len(firstNodes))
	for i := range firstNodes {
		assert.Equal(t, firstNodes[i].ID, secondNodes[i].ID)
		assert.Equal(t, graph.NodeStatusIdle, secondNodes[i].Status)
	}
}

func TestSynchronizer_ApplyPreservesExecutionStatus(t *testing.T) {
	s, store := newTestSync()
	p := juiceShopPlan()
	loginID := p.Opportunities[0].NodeID()

	_, err := s.Apply(context.Background(), p, plan.PhaseRecon)
	require.NoError(t, err)

	require.NoError(t, store.UpdateNodeStatus(context.Background(), loginID, graph.NodeStatusActive, ""))
	require.NoError(t, store.UpdateNodeStatus(context.Background(), loginID, graph.NodeStatusCompleted, ""))

	// A recompile of the same traffic must not erase execution progress.
	_, err = s.Apply(context.Background(), p, plan.PhaseCritic)
	require.NoError(t, err)

	node, err := store.GetNode(context.Background(), loginID)
	require.NoError(t, err)
	assert.Equal(t, graph.NodeStatusCompleted, node.Status)
	assert.Equal(t, "critic", node.Group, "display fields still update on recompile")
}

func TestSynchronizer_FeedbackEdges(t *testing.T) {
	s, store := newTestSync()
	recon := juiceShopPlan()
	loginID := recon.Opportunities[0].NodeID()

	_, err := s.Apply(context.Background(), recon, plan.PhaseRecon)
	require.NoError(t, err)

	revision := httpOpp("http://localhost:3000/rest/user/login?sharpened=1")
	revision.Revises = loginID

	result, err := s.Apply(context.Background(), &plan.AttackPlan{
		Opportunities: []plan.AttackOpportunity{revision},
	}, plan.PhaseCritic)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Created)
	assert.Equal(t, 1, result.Edges)

	edges, err := store.ListEdges(context.Background())
	require.NoError(t, err)
	assert.Contains(t, edges, graph.Edge{
		Source: revision.NodeID(),
		Target: loginID,
		Type:   graph.EdgeTypeFeedback,
	})
}

func TestSynchronizer_UnresolvedReferenceSkipsOpportunity(t *testing.T) {
	s, store := newTestSync()
	consumer := regexOpp(`token=(\w+)`, "output:never_produced")
	p := &plan.AttackPlan{
		Opportunities: []plan.AttackOpportunity{
			httpOpp("http://localhost:3000/rest/products/search"),
			consumer,
		},
	}

	result, err := s.Apply(context.Background(), p, plan.PhaseRecon)
	require.NoError(t, err, "one bad reference must not abort the batch")
	assert.Equal(t, 2, result.Created, "the skipped opportunity's node is still created")
	assert.Equal(t, 0, result.Edges)
	require.Len(t, result.Skipped, 1)
	assert.Equal(t, consumer.NodeID(), result.Skipped[0].NodeID)
	assert.Contains(t, result.Skipped[0].Reason, "never_produced")

	node, err := store.GetNode(context.Background(), consumer.NodeID())
	require.NoError(t, err)
	assert.Equal(t, graph.NodeStatusError, node.Status)
	assert.Contains(t, node.ErrorMsg, "no producer")

	healthy, err := store.GetNode(context.Background(), p.Opportunities[0].NodeID())
	require.NoError(t, err)
	assert.Equal(t, graph.NodeStatusIdle, healthy.Status)
}

func TestSynchronizer_UnknownRevisesSkipsOpportunity(t *testing.T) {
	s, store := newTestSync()
	revision := httpOpp("http://localhost:3000/rest/user/login")
	revision.Revises = "http_request:does-not-exist"

	result, err := s.Apply(context.Background(), &plan.AttackPlan{
		Opportunities: []plan.AttackOpportunity{revision},
	}, plan.PhaseRepair)
	require.NoError(t, err)
	require.Len(t, result.Skipped, 1)
	assert.Contains(t, result.Skipped[0].Reason, "does-not-exist")
	assert.Equal(t, 0, result.Edges)

	node, err := store.GetNode(context.Background(), revision.NodeID())
	require.NoError(t, err)
	assert.Equal(t, graph.NodeStatusError, node.Status)
}

func TestSynchronizer_SelfReferenceSkipsOpportunity(t *testing.T) {
	s, _ := newTestSync()
	selfConsumer := regexOpp(`(\w+)`, "output:loop", "loop")

	result, err := s.Apply(context.Background(), &plan.AttackPlan{
		Opportunities: []plan.AttackOpportunity{selfConsumer},
	}, plan.PhaseRecon)
	require.NoError(t, err)
	require.Len(t, result.Skipped, 1)
	assert.Contains(t, result.Skipped[0].Reason, "its own output")
	assert.Equal(t, 0, result.Edges, "a self data_flow edge would deadlock dependency ordering")
}

func TestSynchronizer_ResolvesPersistedProducers(t *testing.T) {
	s, store := newTestSync()

	// A node from an earlier phase already produces the label.
	_, err := store.UpsertNode(context.Background(), graph.Node{
		ID:     "http_request:earlier",
		Name:   "POST /rest/user/login",
		Type:   graph.NodeTypeHTTPRequest,
		Status: graph.NodeStatusCompleted,
		Action: graph.Action{
			Type:   graph.NodeTypeHTTPRequest,
			Method: "POST",
			URL:    "http://localhost:3000/rest/user/login",
		},
		Produces: []string{"login_response"},
	})
	require.NoError(t, err)

	consumer := regexOpp(`"token":"([^"]+)"`, "output:login_response")
	result, err := s.Apply(context.Background(), &plan.AttackPlan{
		Opportunities: []plan.AttackOpportunity{consumer},
	}, plan.PhaseRepair)
	require.NoError(t, err)
	assert.Empty(t, result.Skipped)
	assert.Equal(t, 1, result.Edges)

	edges, err := store.ListEdges(context.Background())
	require.NoError(t, err)
	assert.Contains(t, edges, graph.Edge{
		Source: "http_request:earlier",
		Target: consumer.NodeID(),
		Type:   graph.EdgeTypeDataFlow,
	})
}

func TestSynchronizer_IDCollisionSkipsOpportunity(t *testing.T) {
	s, store := newTestSync()
	opp := httpOpp("http://localhost:3000/rest/user/login")

	// Seed a node occupying the opportunity's id with a different type.
	_, err := store.UpsertNode(context.Background(), graph.Node{
		ID:     opp.NodeID(),
		Name:   "whoami",
		Type:   graph.NodeTypeShellCommand,
		Status: graph.NodeStatusIdle,
		Action: graph.Action{Type: graph.NodeTypeShellCommand, Command: "whoami"},
	})
	require.NoError(t, err)

	result, err := s.Apply(context.Background(), &plan.AttackPlan{
		Opportunities: []plan.AttackOpportunity{opp},
	}, plan.PhaseRecon)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Created)
	assert.Equal(t, 0, result.Updated)
	require.Len(t, result.Skipped, 1)
	assert.Contains(t, result.Skipped[0].Reason, "already exists")

	// The occupying node is untouched.
	node, err := store.GetNode(context.Background(), opp.NodeID())
	require.NoError(t, err)
	assert.Equal(t, graph.NodeTypeShellCommand, node.Type)
}

func TestSynchronizer_ApplyEmptyPlan(t *testing.T) {
	s, _ := newTestSync()

	_, err := s.Apply(context.Background(), nil, plan.PhaseRecon)
	require.Error(t, err)
	assert.Equal(t, types.VALIDATION_EMPTY_PLAN, types.CodeOf(err))

	_, err = s.Apply(context.Background(), &plan.AttackPlan{}, plan.PhaseRecon)
	require.Error(t, err)
	assert.Equal(t, types.VALIDATION_EMPTY_PLAN, types.CodeOf(err))
}
