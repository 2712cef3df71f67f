// Package graphsync materializes validated attack plans into the graph
// store as idempotent mutations: nodes upserted by stable content-derived
// id, feedback edges from revision references, data_flow edges from
// output references. Consistency violations are skip-and-report, one
// opportunity never blocks the rest of its batch.
//
// One Synchronizer serves one run and is that run's single logical
// writer. Break and Fix are maintenance operations for resilience
// testing; they are safe to invoke while a run is applying because every
// store operation is serialized by the store itself.
package graphsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/cybersharkvin/llmitm-v2-sub002/internal/graph"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/plan"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/types"
)

// SkippedOpportunity reports one opportunity dropped from a batch for a
// consistency violation. Its node exists in the graph, marked error with
// the reason, so observers can see what was skipped and why.
type SkippedOpportunity struct {
	NodeID string `json:"node_id"`
	Reason string `json:"reason"`
}

// SyncResult summarizes one Apply batch.
type SyncResult struct {
	Created int                  `json:"created"`
	Updated int                  `json:"updated"`
	Edges   int                  `json:"edges"`
	Skipped []SkippedOpportunity `json:"skipped,omitempty"`
}

// Synchronizer converts validated attack plans into graph mutations and
// owns the break/fix fault-injection surface.
type Synchronizer struct {
	store  graph.Store
	logger *slog.Logger
	tracer trace.Tracer

	mu       sync.Mutex
	preFault *graph.Snapshot
	fault    *ActiveFault
}

// SynchronizerOption configures a Synchronizer.
type SynchronizerOption func(*Synchronizer)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) SynchronizerOption {
	return func(s *Synchronizer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTracer sets the OpenTelemetry tracer for plan applies.
func WithTracer(tracer trace.Tracer) SynchronizerOption {
	return func(s *Synchronizer) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// NewSynchronizer creates a synchronizer writing to the given store.
func NewSynchronizer(store graph.Store, opts ...SynchronizerOption) *Synchronizer {
	s := &Synchronizer{
		store:  store,
		logger: slog.Default(),
		tracer: noop.NewTracerProvider().Tracer("graphsync"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Apply upserts every opportunity in the plan as a graph node, then
// materializes feedback edges from revises references and data_flow
// edges from output references. Nodes are upserted before any edge so
// endpoint existence never depends on opportunity order.
//
// An opportunity whose references cannot be resolved is skipped: its
// node is created and marked error with the consistency message, the
// rest of the batch proceeds. Store failures abort the batch.
func (s *Synchronizer) Apply(ctx context.Context, p *plan.AttackPlan, phase plan.Phase) (*SyncResult, error) {
	ctx, span := s.tracer.Start(ctx, "graphsync.Apply")
	defer span.End()

	if p == nil || len(p.Opportunities) == 0 {
		return nil, types.NewError(types.VALIDATION_EMPTY_PLAN, "cannot apply an empty plan")
	}

	result := &SyncResult{}
	producers := p.ProducersByLabel()

	ids := make([]string, len(p.Opportunities))
	skipped := make([]bool, len(p.Opportunities))

	for i, opp := range p.Opportunities {
		id := opp.NodeID()
		ids[i] = id

		created, err := s.store.UpsertNode(ctx, graph.Node{
			ID:       id,
			Name:     opp.DisplayName(),
			Type:     opp.Action.Type,
			Group:    phase.String(),
			Status:   graph.NodeStatusIdle,
			Action:   opp.Action,
			Produces: opp.Produces,
		})
		if err != nil {
			if types.CodeOf(err) == types.GRAPH_ID_COLLISION {
				// The existing node belongs to a different action
				// type; leave it untouched and skip this opportunity.
				skipped[i] = true
				result.Skipped = append(result.Skipped, SkippedOpportunity{NodeID: id, Reason: err.Error()})
				continue
			}
			return nil, err
		}
		if created {
			result.Created++
		} else {
			result.Updated++
		}
	}

	for i, opp := range p.Opportunities {
		if skipped[i] {
			continue
		}
		id := ids[i]

		// An opportunity restated unchanged sometimes names itself as the
		// revision target; that is not lineage, so no edge.
		if opp.Revises != "" && opp.Revises != id {
			edge := graph.Edge{Source: id, Target: opp.Revises, Type: graph.EdgeTypeFeedback}
			if err := s.store.UpsertEdge(ctx, edge); err != nil {
				if types.CodeOf(err) == types.GRAPH_DANGLING_REFERENCE {
					s.skip(ctx, result, id, fmt.Sprintf("revises unknown node %s", opp.Revises))
					continue
				}
				return nil, err
			}
			result.Edges++
		}

		label, ok := opp.TargetRef()
		if !ok {
			continue
		}

		sourceID, found := s.resolveProducer(ctx, label, producers)
		if !found {
			s.skip(ctx, result, id, fmt.Sprintf("no producer for output label %q", label))
			continue
		}
		if sourceID == id {
			s.skip(ctx, result, id, fmt.Sprintf("opportunity consumes its own output %q", label))
			continue
		}

		edge := graph.Edge{Source: sourceID, Target: id, Type: graph.EdgeTypeDataFlow}
		if err := s.store.UpsertEdge(ctx, edge); err != nil {
			return nil, err
		}
		result.Edges++
	}

	s.logger.Info("plan applied",
		"phase", phase.String(),
		"created", result.Created,
		"updated", result.Updated,
		"edges", result.Edges,
		"skipped", len(result.Skipped))
	return result, nil
}

// skip marks the opportunity's node error with the consistency message
// and records it in the result.
func (s *Synchronizer) skip(ctx context.Context, result *SyncResult, nodeID, reason string) {
	if err := s.store.UpdateNodeStatus(ctx, nodeID, graph.NodeStatusError, reason); err != nil {
		// A node that already completed cannot regress to error; the
		// skip is still reported.
		s.logger.Warn("could not mark skipped node", "node_id", nodeID, "error", err)
	}
	result.Skipped = append(result.Skipped, SkippedOpportunity{NodeID: nodeID, Reason: reason})
	s.logger.Warn("opportunity skipped", "node_id", nodeID, "reason", reason)
}

// resolveProducer maps an output label to the node id producing it. The
// current plan is checked first, then nodes persisted by earlier phases,
// so a repair plan can consume outputs the recon plan declared.
func (s *Synchronizer) resolveProducer(ctx context.Context, label string, producers map[string]plan.AttackOpportunity) (string, bool) {
	if producer, ok := producers[label]; ok {
		return producer.NodeID(), true
	}

	nodes, err := s.store.ListNodes(ctx)
	if err != nil {
		s.logger.Warn("producer lookup failed", "label", label, "error", err)
		return "", false
	}
	for _, node := range nodes {
		for _, produced := range node.Produces {
			if produced == label {
				return node.ID, true
			}
		}
	}

	return "", false
}
