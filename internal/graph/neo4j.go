package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/cybersharkvin/llmitm-v2-sub002/internal/types"
)

// Neo4jConfig contains connection options for the Neo4j-backed store.
type Neo4jConfig struct {
	// URI is the connection URI. Use "bolt://host:port" for unencrypted
	// connections, "bolt+s://" or "neo4j+s://" for TLS.
	URI string

	// Username for authentication.
	Username string

	// Password for authentication.
	Password string

	// Database name to connect to. Empty string uses the default database.
	Database string

	// MaxConnectionPoolSize limits the number of pooled connections.
	// Zero or negative values use the driver default.
	MaxConnectionPoolSize int

	// ConnectionTimeout is the maximum time to wait for a connection.
	ConnectionTimeout time.Duration

	// MaxTransactionRetryTime is the maximum time to retry failed transactions.
	MaxTransactionRetryTime time.Duration
}

// DefaultNeo4jConfig returns a Neo4jConfig with sensible defaults.
func DefaultNeo4jConfig() Neo4jConfig {
	return Neo4jConfig{
		URI:                     "bolt://localhost:7687",
		Username:                "neo4j",
		Password:                "password",
		Database:                "",
		MaxConnectionPoolSize:   50,
		ConnectionTimeout:       30 * time.Second,
		MaxTransactionRetryTime: 30 * time.Second,
	}
}

// Validate checks if the configuration is valid.
func (c Neo4jConfig) Validate() error {
	if c.URI == "" {
		return types.NewError(types.GRAPH_STORE_FAILED, "URI cannot be empty")
	}
	if c.Username == "" {
		return types.NewError(types.GRAPH_STORE_FAILED, "Username cannot be empty")
	}
	if c.Password == "" {
		return types.NewError(types.GRAPH_STORE_FAILED, "Password cannot be empty")
	}
	if c.ConnectionTimeout <= 0 {
		return types.NewError(types.GRAPH_STORE_FAILED, "ConnectionTimeout must be positive")
	}
	return nil
}

// Neo4jStore implements Store against a Neo4j database. Nodes are stored
// with the AttackNode label keyed by the content-derived id; edges map to
// DATA_FLOW and FEEDBACK relationships. Managed write transactions give
// the per-id write serialization the Store contract requires.
type Neo4jStore struct {
	config Neo4jConfig
	driver neo4j.DriverWithContext
}

var _ Store = (*Neo4jStore)(nil)

// NewNeo4jStore creates a Neo4j-backed store with the given configuration.
// The store must be connected via Connect() before use.
func NewNeo4jStore(config Neo4jConfig) (*Neo4jStore, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Neo4jStore{config: config}, nil
}

// Connect establishes a connection to Neo4j with exponential backoff,
// then ensures the uniqueness constraint on node ids exists.
func (s *Neo4jStore) Connect(ctx context.Context) error {
	auth := neo4j.BasicAuth(s.config.Username, s.config.Password, "")

	driverConfig := func(config *neo4j.Config) {
		config.MaxConnectionPoolSize = s.config.MaxConnectionPoolSize
		config.ConnectionAcquisitionTimeout = s.config.ConnectionTimeout
		config.MaxTransactionRetryTime = s.config.MaxTransactionRetryTime
	}

	var driver neo4j.DriverWithContext
	var lastErr error
	maxRetries := 5
	baseDelay := 100 * time.Millisecond

	for attempt := 0; attempt < maxRetries; attempt++ {
		var err error
		driver, err = neo4j.NewDriverWithContext(s.config.URI, auth, driverConfig)
		if err == nil {
			err = driver.VerifyConnectivity(ctx)
			if err == nil {
				s.driver = driver
				return s.ensureSchema(ctx)
			}
		}

		lastErr = err

		if ctx.Err() != nil {
			return types.WrapError(types.GRAPH_STORE_FAILED,
				"connection attempt cancelled", ctx.Err())
		}

		delay := baseDelay * time.Duration(math.Pow(2, float64(attempt)))
		if delay > s.config.ConnectionTimeout {
			delay = s.config.ConnectionTimeout
		}

		select {
		case <-time.After(delay):
			continue
		case <-ctx.Done():
			return types.WrapError(types.GRAPH_STORE_FAILED,
				"connection attempt cancelled", ctx.Err())
		}
	}

	return types.WrapError(types.GRAPH_STORE_FAILED,
		fmt.Sprintf("failed to connect after %d attempts", maxRetries), lastErr)
}

// ensureSchema creates the uniqueness constraint the upsert semantics
// depend on. Safe to call repeatedly.
func (s *Neo4jStore) ensureSchema(ctx context.Context) error {
	cypher := "CREATE CONSTRAINT attack_node_id IF NOT EXISTS FOR (n:AttackNode) REQUIRE n.id IS UNIQUE"
	_, err := s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, cypher, nil)
		return nil, err
	})
	if err != nil {
		slog.Warn("failed to ensure graph schema constraint", "error", err)
	}
	return nil
}

// Close releases all resources and closes the database connection.
func (s *Neo4jStore) Close(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}
	if err := s.driver.Close(ctx); err != nil {
		return types.WrapError(types.GRAPH_STORE_FAILED, "failed to close driver", err)
	}
	s.driver = nil
	return nil
}

// Health returns the current health status of the Neo4j connection.
func (s *Neo4jStore) Health(ctx context.Context) types.HealthStatus {
	if s.driver == nil {
		return types.Unhealthy("driver not initialized")
	}

	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	if err := s.driver.VerifyConnectivity(healthCtx); err != nil {
		return types.Unhealthy(fmt.Sprintf("connectivity check failed: %v", err))
	}
	return types.Healthy(time.Since(start))
}

// UpsertNode creates or updates a node by id within one write transaction.
func (s *Neo4jStore) UpsertNode(ctx context.Context, node Node) (bool, error) {
	if node.Status == "" {
		node.Status = NodeStatusIdle
	}
	if err := node.Validate(); err != nil {
		return false, types.WrapError(types.GRAPH_STORE_FAILED, "invalid node", err)
	}

	result, err := s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		existing, err := tx.Run(ctx,
			"MATCH (n:AttackNode {id: $id}) RETURN n.type AS type", map[string]any{
				"id": node.ID,
			})
		if err != nil {
			return nil, err
		}

		records, err := existing.Collect(ctx)
		if err != nil {
			return nil, err
		}

		now := time.Now().UTC().Unix()

		if len(records) == 0 {
			_, err := tx.Run(ctx, `
				CREATE (n:AttackNode {id: $id})
				SET n.name = $name,
				    n.type = $type,
				    n.group = $group,
				    n.status = $status,
				    n.error_msg = '',
				    n.action = $action,
				    n.produces = $produces,
				    n.created_at = $now,
				    n.updated_at = $now
			`, map[string]any{
				"id":       node.ID,
				"name":     node.Name,
				"type":     node.Type.String(),
				"group":    node.Group,
				"status":   node.Status.String(),
				"action":   actionParam(node.Action),
				"produces": producesParam(node.Produces),
				"now":      now,
			})
			if err != nil {
				return nil, err
			}
			return true, nil
		}

		existingType, _ := records[0].Get("type")
		if typeStr, ok := existingType.(string); ok && typeStr != node.Type.String() {
			return nil, types.NewError(types.GRAPH_ID_COLLISION,
				"node id "+node.ID+" already exists with type "+typeStr)
		}

		_, err = tx.Run(ctx, `
			MATCH (n:AttackNode {id: $id})
			SET n.name = $name,
			    n.group = $group,
			    n.action = $action,
			    n.produces = $produces,
			    n.updated_at = $now
		`, map[string]any{
			"id":       node.ID,
			"name":     node.Name,
			"group":    node.Group,
			"action":   actionParam(node.Action),
			"produces": producesParam(node.Produces),
			"now":      now,
		})
		if err != nil {
			return nil, err
		}
		return false, nil
	})
	if err != nil {
		if types.CodeOf(err) == types.GRAPH_ID_COLLISION {
			return false, err
		}
		return false, types.WrapError(types.GRAPH_STORE_FAILED, "node upsert failed", err)
	}

	return result.(bool), nil
}

// GetNode returns the node with the given id.
func (s *Neo4jStore) GetNode(ctx context.Context, id string) (*Node, error) {
	result, err := s.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx,
			"MATCH (n:AttackNode {id: $id}) RETURN properties(n) AS props", map[string]any{
				"id": id,
			})
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, types.WrapError(types.GRAPH_STORE_FAILED, "node lookup failed", err)
	}

	records := result.([]*neo4j.Record)
	if len(records) == 0 {
		return nil, types.NewError(types.GRAPH_NODE_NOT_FOUND, "node not found: "+id)
	}

	props, _ := records[0].Get("props")
	node := nodeFromProps(props.(map[string]any))
	return &node, nil
}

// ListNodes returns all nodes ordered by id.
func (s *Neo4jStore) ListNodes(ctx context.Context) ([]Node, error) {
	result, err := s.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx,
			"MATCH (n:AttackNode) RETURN properties(n) AS props ORDER BY n.id", nil)
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, types.WrapError(types.GRAPH_STORE_FAILED, "node listing failed", err)
	}

	records := result.([]*neo4j.Record)
	nodes := make([]Node, 0, len(records))
	for _, record := range records {
		props, _ := record.Get("props")
		nodes = append(nodes, nodeFromProps(props.(map[string]any)))
	}
	return nodes, nil
}

// UpdateNodeStatus transitions a node's status, enforcing monotonicity.
// The read-check-write runs inside one managed transaction.
func (s *Neo4jStore) UpdateNodeStatus(ctx context.Context, id string, status NodeStatus, errorMsg string) error {
	if !status.IsValid() {
		return types.NewError(types.GRAPH_STORE_FAILED, "invalid node status: "+status.String())
	}
	if status != NodeStatusError {
		errorMsg = ""
	}

	_, err := s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx,
			"MATCH (n:AttackNode {id: $id}) RETURN n.status AS status", map[string]any{
				"id": id,
			})
		if err != nil {
			return nil, err
		}
		records, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		if len(records) == 0 {
			return nil, types.NewError(types.GRAPH_NODE_NOT_FOUND, "node not found: "+id)
		}

		current, _ := records[0].Get("status")
		currentStatus := NodeStatus(current.(string))
		if !currentStatus.CanTransitionTo(status) {
			return nil, types.NewError(types.GRAPH_STATUS_REGRESSION,
				"illegal status transition "+currentStatus.String()+" -> "+status.String()+" for node "+id)
		}

		_, err = tx.Run(ctx, `
			MATCH (n:AttackNode {id: $id})
			SET n.status = $status,
			    n.error_msg = $error_msg,
			    n.updated_at = $now
		`, map[string]any{
			"id":        id,
			"status":    status.String(),
			"error_msg": errorMsg,
			"now":       time.Now().UTC().Unix(),
		})
		return nil, err
	})
	if err != nil {
		switch types.CodeOf(err) {
		case types.GRAPH_NODE_NOT_FOUND, types.GRAPH_STATUS_REGRESSION:
			return err
		}
		return types.WrapError(types.GRAPH_STORE_FAILED, "status update failed", err)
	}
	return nil
}

// UpsertEdge creates the edge if absent. Both endpoints must exist.
func (s *Neo4jStore) UpsertEdge(ctx context.Context, edge Edge) error {
	if err := edge.Validate(); err != nil {
		return types.WrapError(types.GRAPH_STORE_FAILED, "invalid edge", err)
	}

	_, err := s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			MATCH (n:AttackNode)
			WHERE n.id IN [$source, $target]
			RETURN n.id AS id
		`, map[string]any{
			"source": edge.Source,
			"target": edge.Target,
		})
		if err != nil {
			return nil, err
		}
		records, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}

		found := make(map[string]bool, 2)
		for _, record := range records {
			id, _ := record.Get("id")
			found[id.(string)] = true
		}
		if !found[edge.Source] {
			return nil, types.NewError(types.GRAPH_DANGLING_REFERENCE, "edge source not found: "+edge.Source)
		}
		if !found[edge.Target] {
			return nil, types.NewError(types.GRAPH_DANGLING_REFERENCE, "edge target not found: "+edge.Target)
		}

		// Relationship type cannot be parameterized in Cypher.
		merge := fmt.Sprintf(`
			MATCH (s:AttackNode {id: $source}), (t:AttackNode {id: $target})
			MERGE (s)-[:%s]->(t)
		`, relTypeFor(edge.Type))
		_, err = tx.Run(ctx, merge, map[string]any{
			"source": edge.Source,
			"target": edge.Target,
		})
		return nil, err
	})
	if err != nil {
		if types.CodeOf(err) == types.GRAPH_DANGLING_REFERENCE {
			return err
		}
		return types.WrapError(types.GRAPH_STORE_FAILED, "edge upsert failed", err)
	}
	return nil
}

// ListEdges returns all edges ordered by source, target, and type.
func (s *Neo4jStore) ListEdges(ctx context.Context) ([]Edge, error) {
	result, err := s.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			MATCH (s:AttackNode)-[r]->(t:AttackNode)
			RETURN s.id AS source, t.id AS target, type(r) AS rel_type
			ORDER BY source, target, rel_type
		`, nil)
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, types.WrapError(types.GRAPH_STORE_FAILED, "edge listing failed", err)
	}

	records := result.([]*neo4j.Record)
	edges := make([]Edge, 0, len(records))
	for _, record := range records {
		edges = append(edges, edgeFromRecord(record))
	}
	return edges, nil
}

// DeleteEdge removes the edge if present.
func (s *Neo4jStore) DeleteEdge(ctx context.Context, edge Edge) error {
	cypher := fmt.Sprintf(`
		MATCH (s:AttackNode {id: $source})-[r:%s]->(t:AttackNode {id: $target})
		DELETE r
	`, relTypeFor(edge.Type))

	_, err := s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, cypher, map[string]any{
			"source": edge.Source,
			"target": edge.Target,
		})
		return nil, err
	})
	if err != nil {
		return types.WrapError(types.GRAPH_STORE_FAILED, "edge delete failed", err)
	}
	return nil
}

// IncomingEdges returns all edges targeting the given node id.
func (s *Neo4jStore) IncomingEdges(ctx context.Context, id string) ([]Edge, error) {
	result, err := s.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			MATCH (s:AttackNode)-[r]->(t:AttackNode {id: $id})
			RETURN s.id AS source, t.id AS target, type(r) AS rel_type
			ORDER BY source, rel_type
		`, map[string]any{"id": id})
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, types.WrapError(types.GRAPH_STORE_FAILED, "incoming edge listing failed", err)
	}

	records := result.([]*neo4j.Record)
	edges := make([]Edge, 0, len(records))
	for _, record := range records {
		edges = append(edges, edgeFromRecord(record))
	}
	return edges, nil
}

// Reset removes all attack graph nodes and their relationships.
func (s *Neo4jStore) Reset(ctx context.Context) error {
	_, err := s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, "MATCH (n:AttackNode) DETACH DELETE n", nil)
		return nil, err
	})
	if err != nil {
		return types.WrapError(types.GRAPH_STORE_FAILED, "graph reset failed", err)
	}
	return nil
}

// Export returns a snapshot of the full graph.
func (s *Neo4jStore) Export(ctx context.Context) (*Snapshot, error) {
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

// Import replaces the store contents with the snapshot in a single
// write transaction.
func (s *Neo4jStore) Import(ctx context.Context, snap *Snapshot) error {
	if snap == nil {
		return types.NewError(types.GRAPH_STORE_FAILED, "nil snapshot")
	}

	nodeParams := make([]map[string]any, 0, len(snap.Nodes))
	for _, n := range snap.Nodes {
		if err := n.Validate(); err != nil {
			return types.WrapError(types.GRAPH_STORE_FAILED, "invalid node in snapshot", err)
		}
		nodeParams = append(nodeParams, map[string]any{
			"id":         n.ID,
			"name":       n.Name,
			"type":       n.Type.String(),
			"group":      n.Group,
			"status":     n.Status.String(),
			"error_msg":  n.ErrorMsg,
			"action":     actionParam(n.Action),
			"produces":   producesParam(n.Produces),
			"created_at": n.CreatedAt.Unix(),
			"updated_at": n.UpdatedAt.Unix(),
		})
	}

	edgesByType := make(map[EdgeType][]map[string]any)
	for _, e := range snap.Edges {
		if err := e.Validate(); err != nil {
			return types.WrapError(types.GRAPH_STORE_FAILED, "invalid edge in snapshot", err)
		}
		edgesByType[e.Type] = append(edgesByType[e.Type], map[string]any{
			"source": e.Source,
			"target": e.Target,
		})
	}

	_, err := s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, "MATCH (n:AttackNode) DETACH DELETE n", nil); err != nil {
			return nil, err
		}

		if _, err := tx.Run(ctx, `
			UNWIND $nodes AS node
			CREATE (n:AttackNode)
			SET n = node
		`, map[string]any{"nodes": nodeParams}); err != nil {
			return nil, err
		}

		for edgeType, params := range edgesByType {
			cypher := fmt.Sprintf(`
				UNWIND $edges AS edge
				MATCH (s:AttackNode {id: edge.source}), (t:AttackNode {id: edge.target})
				MERGE (s)-[:%s]->(t)
			`, relTypeFor(edgeType))
			if _, err := tx.Run(ctx, cypher, map[string]any{"edges": params}); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return types.WrapError(types.GRAPH_STORE_FAILED, "snapshot import failed", err)
	}
	return nil
}

// Stats returns node and edge counts grouped by status and type.
func (s *Neo4jStore) Stats(ctx context.Context) (Stats, error) {
	nodes, err := s.ListNodes(ctx)
	if err != nil {
		return Stats{}, err
	}
	edges, err := s.ListEdges(ctx)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{
		Nodes:         len(nodes),
		Edges:         len(edges),
		NodesByStatus: make(map[NodeStatus]int),
		EdgesByType:   make(map[EdgeType]int),
	}
	for _, n := range nodes {
		stats.NodesByStatus[n.Status]++
	}
	for _, e := range edges {
		stats.EdgesByType[e.Type]++
	}
	return stats, nil
}

// write executes fn inside a managed write transaction on a fresh session.
func (s *Neo4jStore) write(ctx context.Context, fn neo4j.ManagedTransactionWork) (any, error) {
	if s.driver == nil {
		return nil, types.NewError(types.GRAPH_STORE_FAILED, "driver not connected")
	}
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.config.Database})
	defer session.Close(ctx)
	return session.ExecuteWrite(ctx, fn)
}

// read executes fn inside a managed read transaction on a fresh session.
func (s *Neo4jStore) read(ctx context.Context, fn neo4j.ManagedTransactionWork) (any, error) {
	if s.driver == nil {
		return nil, types.NewError(types.GRAPH_STORE_FAILED, "driver not connected")
	}
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.config.Database})
	defer session.Close(ctx)
	return session.ExecuteRead(ctx, fn)
}

// relTypeFor maps an edge type to its Cypher relationship name.
func relTypeFor(et EdgeType) string {
	switch et {
	case EdgeTypeFeedback:
		return "FEEDBACK"
	default:
		return "DATA_FLOW"
	}
}

// edgeTypeFor maps a Cypher relationship name back to an edge type.
func edgeTypeFor(relType string) EdgeType {
	if relType == "FEEDBACK" {
		return EdgeTypeFeedback
	}
	return EdgeTypeDataFlow
}

// edgeFromRecord converts a source/target/rel_type record into an Edge.
func edgeFromRecord(record *neo4j.Record) Edge {
	source, _ := record.Get("source")
	target, _ := record.Get("target")
	relType, _ := record.Get("rel_type")
	return Edge{
		Source: source.(string),
		Target: target.(string),
		Type:   edgeTypeFor(relType.(string)),
	}
}

// nodeFromProps converts a Neo4j property map into a Node.
func nodeFromProps(props map[string]any) Node {
	node := Node{
		ID:       stringProp(props, "id"),
		Name:     stringProp(props, "name"),
		Type:     NodeType(stringProp(props, "type")),
		Group:    stringProp(props, "group"),
		Status:   NodeStatus(stringProp(props, "status")),
		ErrorMsg: stringProp(props, "error_msg"),
	}
	if created, ok := props["created_at"].(int64); ok {
		node.CreatedAt = time.Unix(created, 0).UTC()
	}
	if updated, ok := props["updated_at"].(int64); ok {
		node.UpdatedAt = time.Unix(updated, 0).UTC()
	}
	if raw := stringProp(props, "action"); raw != "" {
		_ = json.Unmarshal([]byte(raw), &node.Action)
	}
	if produces, ok := props["produces"].([]any); ok {
		for _, p := range produces {
			if label, ok := p.(string); ok {
				node.Produces = append(node.Produces, label)
			}
		}
	}
	return node
}

// stringProp extracts a string property, returning "" when absent.
func stringProp(props map[string]any, key string) string {
	if v, ok := props[key].(string); ok {
		return v
	}
	return ""
}

// producesParam converts a label slice into a Cypher list parameter.
// A nil slice becomes an empty list so the property is always present.
func producesParam(produces []string) []any {
	list := make([]any, 0, len(produces))
	for _, p := range produces {
		list = append(list, p)
	}
	return list
}

// actionParam serializes the action as a JSON string property. Neo4j
// properties cannot hold nested maps, so the action travels opaque.
func actionParam(action Action) string {
	data, err := json.Marshal(action)
	if err != nil {
		return "{}"
	}
	return string(data)
}
