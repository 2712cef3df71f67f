package graph

import (
	"context"

	"github.com/cybersharkvin/llmitm-v2-sub002/internal/types"
)

// Store provides access to the persistent attack graph.
// Implementations must be safe for concurrent use and must serialize
// conflicting writes per node id so concurrent repair attempts on the
// same node cannot interleave into a half-applied update.
type Store interface {
	// Connect establishes a connection to the backing graph database.
	// In-memory implementations treat this as a no-op.
	Connect(ctx context.Context) error

	// Close releases all resources held by the store.
	Close(ctx context.Context) error

	// Health returns the current health status of the store.
	Health(ctx context.Context) types.HealthStatus

	// UpsertNode creates the node if its id is absent, or updates the
	// compilation-owned fields (name, group, produces) if present. Status
	// and error message are never overwritten on update; execution owns
	// those via UpdateNodeStatus. Returns true when a new node was created.
	UpsertNode(ctx context.Context, node Node) (bool, error)

	// GetNode returns the node with the given id, or a
	// GRAPH_NODE_NOT_FOUND error if absent.
	GetNode(ctx context.Context, id string) (*Node, error)

	// ListNodes returns all nodes in the store.
	ListNodes(ctx context.Context) ([]Node, error)

	// UpdateNodeStatus transitions the node's status, enforcing
	// monotonicity. An illegal transition (any move out of completed,
	// or error to anything but active) returns GRAPH_STATUS_REGRESSION
	// and leaves the node untouched. errorMsg is stored when status is
	// error and cleared otherwise.
	UpdateNodeStatus(ctx context.Context, id string, status NodeStatus, errorMsg string) error

	// UpsertEdge creates the edge if absent. Both endpoints must exist;
	// a missing endpoint returns GRAPH_DANGLING_REFERENCE.
	UpsertEdge(ctx context.Context, edge Edge) error

	// ListEdges returns all edges in the store.
	ListEdges(ctx context.Context) ([]Edge, error)

	// DeleteEdge removes the edge if present. Deleting an absent edge is
	// not an error.
	DeleteEdge(ctx context.Context, edge Edge) error

	// IncomingEdges returns all edges whose target is the given node id.
	IncomingEdges(ctx context.Context, id string) ([]Edge, error)

	// Reset removes all nodes and edges from the store.
	Reset(ctx context.Context) error

	// Export returns a point-in-time snapshot of the entire graph.
	Export(ctx context.Context) (*Snapshot, error)

	// Import replaces the store contents with the snapshot.
	Import(ctx context.Context, snap *Snapshot) error

	// Stats returns node and edge counts grouped by status and type.
	Stats(ctx context.Context) (Stats, error)
}
