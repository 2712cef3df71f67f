package graph

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cybersharkvin/llmitm-v2-sub002/internal/types"
)

// MemoryStore is an in-memory Store implementation. It is the default
// backend for replay runs and tests, and doubles as the reference
// semantics for the Neo4j backend. A single mutex serializes writes,
// which trivially satisfies the per-id write ordering contract.
type MemoryStore struct {
	mu    sync.RWMutex
	nodes map[string]Node
	edges map[string]Edge
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory graph store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes: make(map[string]Node),
		edges: make(map[string]Edge),
	}
}

// Connect is a no-op for the in-memory store.
func (s *MemoryStore) Connect(ctx context.Context) error {
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close(ctx context.Context) error {
	return nil
}

// Health always reports healthy.
func (s *MemoryStore) Health(ctx context.Context) types.HealthStatus {
	return types.Healthy(0)
}

// UpsertNode creates or updates a node by id. Compilation-owned fields
// are updated on match; status and error message are preserved so a
// recompile cannot erase execution progress.
func (s *MemoryStore) UpsertNode(ctx context.Context, node Node) (bool, error) {
	if node.Status == "" {
		node.Status = NodeStatusIdle
	}
	if err := node.Validate(); err != nil {
		return false, types.WrapError(types.GRAPH_STORE_FAILED, "invalid node", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	existing, ok := s.nodes[node.ID]
	if !ok {
		node.CreatedAt = now
		node.UpdatedAt = now
		s.nodes[node.ID] = node
		return true, nil
	}

	if existing.Type != node.Type {
		return false, types.NewError(types.GRAPH_ID_COLLISION,
			"node id "+node.ID+" already exists with type "+existing.Type.String())
	}

	existing.Name = node.Name
	existing.Group = node.Group
	existing.Action = node.Action
	existing.Produces = node.Produces
	existing.UpdatedAt = now
	s.nodes[node.ID] = existing
	return false, nil
}

// GetNode returns a copy of the node with the given id.
func (s *MemoryStore) GetNode(ctx context.Context, id string) (*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	node, ok := s.nodes[id]
	if !ok {
		return nil, types.NewError(types.GRAPH_NODE_NOT_FOUND, "node not found: "+id)
	}
	return &node, nil
}

// ListNodes returns all nodes sorted by id for deterministic iteration.
func (s *MemoryStore) ListNodes(ctx context.Context) ([]Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	nodes := make([]Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

// UpdateNodeStatus transitions a node's status, enforcing monotonicity.
func (s *MemoryStore) UpdateNodeStatus(ctx context.Context, id string, status NodeStatus, errorMsg string) error {
	if !status.IsValid() {
		return types.NewError(types.GRAPH_STORE_FAILED, "invalid node status: "+status.String())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[id]
	if !ok {
		return types.NewError(types.GRAPH_NODE_NOT_FOUND, "node not found: "+id)
	}

	if !node.Status.CanTransitionTo(status) {
		return types.NewError(types.GRAPH_STATUS_REGRESSION,
			"illegal status transition "+node.Status.String()+" -> "+status.String()+" for node "+id)
	}

	node.Status = status
	if status == NodeStatusError {
		node.ErrorMsg = errorMsg
	} else {
		node.ErrorMsg = ""
	}
	node.UpdatedAt = time.Now().UTC()
	s.nodes[id] = node
	return nil
}

// UpsertEdge creates the edge if absent. Both endpoints must exist.
func (s *MemoryStore) UpsertEdge(ctx context.Context, edge Edge) error {
	if err := edge.Validate(); err != nil {
		return types.WrapError(types.GRAPH_STORE_FAILED, "invalid edge", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[edge.Source]; !ok {
		return types.NewError(types.GRAPH_DANGLING_REFERENCE, "edge source not found: "+edge.Source)
	}
	if _, ok := s.nodes[edge.Target]; !ok {
		return types.NewError(types.GRAPH_DANGLING_REFERENCE, "edge target not found: "+edge.Target)
	}

	s.edges[edge.Key()] = edge
	return nil
}

// ListEdges returns all edges sorted by key for deterministic iteration.
func (s *MemoryStore) ListEdges(ctx context.Context) ([]Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	edges := make([]Edge, 0, len(s.edges))
	for _, e := range s.edges {
		edges = append(edges, e)
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].Key() < edges[j].Key() })
	return edges, nil
}

// DeleteEdge removes the edge if present.
func (s *MemoryStore) DeleteEdge(ctx context.Context, edge Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.edges, edge.Key())
	return nil
}

// IncomingEdges returns all edges targeting the given node id.
func (s *MemoryStore) IncomingEdges(ctx context.Context, id string) ([]Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var edges []Edge
	for _, e := range s.edges {
		if e.Target == id {
			edges = append(edges, e)
		}
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].Key() < edges[j].Key() })
	return edges, nil
}

// Reset removes all nodes and edges.
func (s *MemoryStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nodes = make(map[string]Node)
	s.edges = make(map[string]Edge)
	return nil
}

// Export returns a snapshot of the full graph.
func (s *MemoryStore) Export(ctx context.Context) (*Snapshot, error) {
	nodes, err := s.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	edges, err := s.ListEdges(ctx)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		CreatedAt: time.Now().UTC(),
		Nodes:     nodes,
		Edges:     edges,
	}, nil
}

// Import replaces the store contents with the snapshot.
func (s *MemoryStore) Import(ctx context.Context, snap *Snapshot) error {
	if snap == nil {
		return types.NewError(types.GRAPH_STORE_FAILED, "nil snapshot")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	nodes := make(map[string]Node, len(snap.Nodes))
	for _, n := range snap.Nodes {
		if err := n.Validate(); err != nil {
			return types.WrapError(types.GRAPH_STORE_FAILED, "invalid node in snapshot", err)
		}
		nodes[n.ID] = n
	}

	edges := make(map[string]Edge, len(snap.Edges))
	for _, e := range snap.Edges {
		if err := e.Validate(); err != nil {
			return types.WrapError(types.GRAPH_STORE_FAILED, "invalid edge in snapshot", err)
		}
		if _, ok := nodes[e.Source]; !ok {
			return types.NewError(types.GRAPH_DANGLING_REFERENCE, "snapshot edge source not found: "+e.Source)
		}
		if _, ok := nodes[e.Target]; !ok {
			return types.NewError(types.GRAPH_DANGLING_REFERENCE, "snapshot edge target not found: "+e.Target)
		}
		edges[e.Key()] = e
	}

	s.nodes = nodes
	s.edges = edges
	return nil
}

// Stats returns node and edge counts grouped by status and type.
func (s *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		Nodes:         len(s.nodes),
		Edges:         len(s.edges),
		NodesByStatus: make(map[NodeStatus]int),
		EdgesByType:   make(map[EdgeType]int),
	}
	for _, n := range s.nodes {
		stats.NodesByStatus[n.Status]++
	}
	for _, e := range s.edges {
		stats.EdgesByType[e.Type]++
	}
	return stats, nil
}
