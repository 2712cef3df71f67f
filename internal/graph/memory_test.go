package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybersharkvin/llmitm-v2-sub002/internal/types"
)

func testNode(id string, nodeType NodeType) Node {
	return Node{
		ID:     id,
		Name:   "node " + id,
		Type:   nodeType,
		Group:  "recon",
		Status: NodeStatusIdle,
	}
}

func TestMemoryStore_UpsertNode(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	created, err := store.UpsertNode(ctx, testNode("n1", NodeTypeHTTPRequest))
	require.NoError(t, err)
	assert.True(t, created)

	// Second upsert with the same id updates instead of duplicating.
	update := testNode("n1", NodeTypeHTTPRequest)
	update.Name = "renamed"
	update.Produces = []string{"session_token"}
	created, err = store.UpsertNode(ctx, update)
	require.NoError(t, err)
	assert.False(t, created)

	node, err := store.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", node.Name)
	assert.Equal(t, []string{"session_token"}, node.Produces)
	assert.Equal(t, NodeStatusIdle, node.Status)

	nodes, err := store.ListNodes(ctx)
	require.NoError(t, err)
	assert.Len(t, nodes, 1)
}

func TestMemoryStore_UpsertNodePreservesStatus(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.UpsertNode(ctx, testNode("n1", NodeTypeShellCommand))
	require.NoError(t, err)

	require.NoError(t, store.UpdateNodeStatus(ctx, "n1", NodeStatusActive, ""))
	require.NoError(t, store.UpdateNodeStatus(ctx, "n1", NodeStatusCompleted, ""))

	// A recompile upserts the same node; execution progress must survive.
	_, err = store.UpsertNode(ctx, testNode("n1", NodeTypeShellCommand))
	require.NoError(t, err)

	node, err := store.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, NodeStatusCompleted, node.Status)
}

func TestMemoryStore_UpsertNodeTypeCollision(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.UpsertNode(ctx, testNode("n1", NodeTypeHTTPRequest))
	require.NoError(t, err)

	_, err = store.UpsertNode(ctx, testNode("n1", NodeTypeShellCommand))
	require.Error(t, err)
	assert.Equal(t, types.GRAPH_ID_COLLISION, types.CodeOf(err))
}

func TestMemoryStore_GetNodeNotFound(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.GetNode(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, types.GRAPH_NODE_NOT_FOUND, types.CodeOf(err))
}

func TestMemoryStore_UpdateNodeStatus(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.UpsertNode(ctx, testNode("n1", NodeTypeRegexMatch))
	require.NoError(t, err)

	require.NoError(t, store.UpdateNodeStatus(ctx, "n1", NodeStatusActive, ""))
	require.NoError(t, store.UpdateNodeStatus(ctx, "n1", NodeStatusError, "connection refused"))

	node, err := store.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, NodeStatusError, node.Status)
	assert.Equal(t, "connection refused", node.ErrorMsg)

	// Repair retry: error back to active clears the message.
	require.NoError(t, store.UpdateNodeStatus(ctx, "n1", NodeStatusActive, ""))
	node, err = store.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.Empty(t, node.ErrorMsg)
}

func TestMemoryStore_UpdateNodeStatusRegression(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.UpsertNode(ctx, testNode("n1", NodeTypeHTTPRequest))
	require.NoError(t, err)

	require.NoError(t, store.UpdateNodeStatus(ctx, "n1", NodeStatusActive, ""))
	require.NoError(t, store.UpdateNodeStatus(ctx, "n1", NodeStatusCompleted, ""))

	// Completed never regresses.
	err = store.UpdateNodeStatus(ctx, "n1", NodeStatusActive, "")
	require.Error(t, err)
	assert.Equal(t, types.GRAPH_STATUS_REGRESSION, types.CodeOf(err))

	err = store.UpdateNodeStatus(ctx, "n1", NodeStatusIdle, "")
	require.Error(t, err)
	assert.Equal(t, types.GRAPH_STATUS_REGRESSION, types.CodeOf(err))

	node, err := store.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, NodeStatusCompleted, node.Status)
}

func TestMemoryStore_UpsertEdge(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.UpsertNode(ctx, testNode("n1", NodeTypeHTTPRequest))
	require.NoError(t, err)
	_, err = store.UpsertNode(ctx, testNode("n2", NodeTypeRegexMatch))
	require.NoError(t, err)

	edge := Edge{Source: "n1", Target: "n2", Type: EdgeTypeDataFlow}
	require.NoError(t, store.UpsertEdge(ctx, edge))

	// Upserting the same edge twice is idempotent.
	require.NoError(t, store.UpsertEdge(ctx, edge))

	edges, err := store.ListEdges(ctx)
	require.NoError(t, err)
	assert.Len(t, edges, 1)

	incoming, err := store.IncomingEdges(ctx, "n2")
	require.NoError(t, err)
	require.Len(t, incoming, 1)
	assert.Equal(t, "n1", incoming[0].Source)
}

func TestMemoryStore_UpsertEdgeDangling(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.UpsertNode(ctx, testNode("n1", NodeTypeHTTPRequest))
	require.NoError(t, err)

	err = store.UpsertEdge(ctx, Edge{Source: "n1", Target: "ghost", Type: EdgeTypeDataFlow})
	require.Error(t, err)
	assert.Equal(t, types.GRAPH_DANGLING_REFERENCE, types.CodeOf(err))

	err = store.UpsertEdge(ctx, Edge{Source: "ghost", Target: "n1", Type: EdgeTypeFeedback})
	require.Error(t, err)
	assert.Equal(t, types.GRAPH_DANGLING_REFERENCE, types.CodeOf(err))
}

func TestMemoryStore_DeleteEdge(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.UpsertNode(ctx, testNode("n1", NodeTypeHTTPRequest))
	require.NoError(t, err)
	_, err = store.UpsertNode(ctx, testNode("n2", NodeTypeRegexMatch))
	require.NoError(t, err)

	edge := Edge{Source: "n1", Target: "n2", Type: EdgeTypeDataFlow}
	require.NoError(t, store.UpsertEdge(ctx, edge))
	require.NoError(t, store.DeleteEdge(ctx, edge))

	edges, err := store.ListEdges(ctx)
	require.NoError(t, err)
	assert.Empty(t, edges)

	// Deleting an absent edge is not an error.
	require.NoError(t, store.DeleteEdge(ctx, edge))
}

func TestMemoryStore_ExportImport(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.UpsertNode(ctx, testNode("n1", NodeTypeHTTPRequest))
	require.NoError(t, err)
	_, err = store.UpsertNode(ctx, testNode("n2", NodeTypeShellCommand))
	require.NoError(t, err)
	require.NoError(t, store.UpsertEdge(ctx, Edge{Source: "n1", Target: "n2", Type: EdgeTypeDataFlow}))
	require.NoError(t, store.UpdateNodeStatus(ctx, "n1", NodeStatusActive, ""))

	snap, err := store.Export(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Nodes, 2)
	assert.Len(t, snap.Edges, 1)

	// Mutate, then restore to the snapshot.
	require.NoError(t, store.UpdateNodeStatus(ctx, "n1", NodeStatusCompleted, ""))
	require.NoError(t, store.DeleteEdge(ctx, Edge{Source: "n1", Target: "n2", Type: EdgeTypeDataFlow}))

	other := NewMemoryStore()
	require.NoError(t, other.Import(ctx, snap))

	node, err := other.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, NodeStatusActive, node.Status)

	edges, err := other.ListEdges(ctx)
	require.NoError(t, err)
	assert.Len(t, edges, 1)
}

func TestMemoryStore_ImportRejectsDanglingEdges(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	snap := &Snapshot{
		Nodes: []Node{testNode("n1", NodeTypeHTTPRequest)},
		Edges: []Edge{{Source: "n1", Target: "ghost", Type: EdgeTypeDataFlow}},
	}

	err := store.Import(ctx, snap)
	require.Error(t, err)
	assert.Equal(t, types.GRAPH_DANGLING_REFERENCE, types.CodeOf(err))
}

func TestMemoryStore_Reset(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.UpsertNode(ctx, testNode("n1", NodeTypeHTTPRequest))
	require.NoError(t, err)
	_, err = store.UpsertNode(ctx, testNode("n2", NodeTypeRegexMatch))
	require.NoError(t, err)
	require.NoError(t, store.UpsertEdge(ctx, Edge{Source: "n1", Target: "n2", Type: EdgeTypeDataFlow}))

	require.NoError(t, store.Reset(ctx))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Nodes)
	assert.Zero(t, stats.Edges)
}

func TestMemoryStore_Stats(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.UpsertNode(ctx, testNode("n1", NodeTypeHTTPRequest))
	require.NoError(t, err)
	_, err = store.UpsertNode(ctx, testNode("n2", NodeTypeShellCommand))
	require.NoError(t, err)
	_, err = store.UpsertNode(ctx, testNode("n3", NodeTypeRegexMatch))
	require.NoError(t, err)
	require.NoError(t, store.UpdateNodeStatus(ctx, "n1", NodeStatusActive, ""))
	require.NoError(t, store.UpsertEdge(ctx, Edge{Source: "n1", Target: "n2", Type: EdgeTypeDataFlow}))
	require.NoError(t, store.UpsertEdge(ctx, Edge{Source: "n3", Target: "n2", Type: EdgeTypeFeedback}))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Nodes)
	assert.Equal(t, 2, stats.Edges)
	assert.Equal(t, 2, stats.NodesByStatus[NodeStatusIdle])
	assert.Equal(t, 1, stats.NodesByStatus[NodeStatusActive])
	assert.Equal(t, 1, stats.EdgesByType[EdgeTypeDataFlow])
	assert.Equal(t, 1, stats.EdgesByType[EdgeTypeFeedback])
}
