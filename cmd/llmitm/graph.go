package main

import (
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cybersharkvin/llmitm-v2-sub002/internal/graph"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/graphsync"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/types"
)

var (
	faultKindFlag     string
	faultNodeFlag     string
	faultEdgeTypeFlag string
)

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Inspect and fault the attack graph",
	Long: `Inspect and fault the attack graph.

With the default in-memory backend the graph lives only as long as one
process, so these commands mostly pair with graph.backend: neo4j, where
the graph persists across commands.`,
}

var graphStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show node and edge counts",
	Args:  cobra.NoArgs,
	RunE:  runGraphStats,
}

var graphNodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "List graph nodes",
	Args:  cobra.NoArgs,
	RunE:  runGraphNodes,
}

var graphBreakCmd = &cobra.Command{
	Use:   "break",
	Short: "Inject a deliberate fault into the graph",
	Long: `Inject a deliberate fault into the graph.

Break damages the graph in a controlled way so repair behavior can be
exercised on demand: remove an edge, corrupt the property a node's
action depends on, or clear a node's action entirely. The pre-fault
state is kept so 'graph fix' can restore it.`,
	Args: cobra.NoArgs,
	RunE: runGraphBreak,
}

var graphFixCmd = &cobra.Command{
	Use:   "fix",
	Short: "Restore the graph to its pre-fault state",
	Args:  cobra.NoArgs,
	RunE:  runGraphFix,
}

var graphFaultCmd = &cobra.Command{
	Use:   "fault",
	Short: "Show the currently injected fault",
	Args:  cobra.NoArgs,
	RunE:  runGraphFault,
}

func init() {
	graphCmd.AddCommand(graphStatsCmd)
	graphCmd.AddCommand(graphNodesCmd)
	graphCmd.AddCommand(graphBreakCmd)
	graphCmd.AddCommand(graphFixCmd)
	graphCmd.AddCommand(graphFaultCmd)

	graphBreakCmd.Flags().StringVar(&faultKindFlag, "kind", "", "Fault kind: edge, property, or node (required)")
	graphBreakCmd.Flags().StringVar(&faultNodeFlag, "node", "", "Target node ID")
	graphBreakCmd.Flags().StringVar(&faultEdgeTypeFlag, "edge-type", "", "Narrow an edge fault to one edge type (data_flow, feedback)")
	graphBreakCmd.MarkFlagRequired("kind")
}

func runGraphStats(cmd *cobra.Command, args []string) error {
	app, err := buildAppContext(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	stats, err := app.graph.Stats(cmd.Context())
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintf(tw, "NODES:\t%d\n", stats.Nodes)
	for _, status := range []graph.NodeStatus{graph.NodeStatusIdle, graph.NodeStatusActive, graph.NodeStatusCompleted, graph.NodeStatusError} {
		if n := stats.NodesByStatus[status]; n > 0 {
			fmt.Fprintf(tw, "  %s:\t%d\n", status, n)
		}
	}
	fmt.Fprintf(tw, "EDGES:\t%d\n", stats.Edges)
	for _, edgeType := range []graph.EdgeType{graph.EdgeTypeDataFlow, graph.EdgeTypeFeedback} {
		if n := stats.EdgesByType[edgeType]; n > 0 {
			fmt.Fprintf(tw, "  %s:\t%d\n", edgeType, n)
		}
	}
	return nil
}

func runGraphNodes(cmd *cobra.Command, args []string) error {
	app, err := buildAppContext(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	nodes, err := app.graph.ListNodes(cmd.Context())
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Graph is empty")
		return nil
	}

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "ID\tNAME\tTYPE\tGROUP\tSTATUS\tERROR")
	for _, n := range nodes {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			n.ID, n.Name, n.Type, n.Group, n.Status, n.ErrorMsg)
	}
	return nil
}

// preFaultSnapshot names the snapshot break saves so fix can restore
// across processes, where the synchronizer's in-memory fault state is
// gone.
const preFaultSnapshot = "pre-fault"

func runGraphBreak(cmd *cobra.Command, args []string) error {
	app, err := buildAppContext(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx := cmd.Context()
	if _, err := app.snapshots.Save(ctx, app.graph, preFaultSnapshot); err != nil {
		return err
	}

	spec := graphsync.FaultSpec{
		Kind:     graphsync.FaultKind(faultKindFlag),
		NodeID:   faultNodeFlag,
		EdgeType: graph.EdgeType(faultEdgeTypeFlag),
	}
	if err := app.sync.Break(ctx, spec); err != nil {
		return err
	}

	fault := app.sync.ActiveFault()
	fmt.Fprintf(cmd.OutOrStdout(), "Fault injected: %s\n", fault.Detail)
	fmt.Fprintf(cmd.OutOrStdout(), "Restore with 'llmitm graph fix' (pre-fault state saved as snapshot %q)\n", preFaultSnapshot)
	return nil
}

func runGraphFix(cmd *cobra.Command, args []string) error {
	app, err := buildAppContext(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx := cmd.Context()
	err = app.sync.Fix(ctx)
	if err == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "Graph restored to pre-fault state")
		return nil
	}
	if types.CodeOf(err) != types.FAULT_NOT_ACTIVE {
		return err
	}

	// The break happened in another process. Fall back to the snapshot
	// it saved.
	snap, restoreErr := app.snapshots.Restore(ctx, app.graph, preFaultSnapshot)
	if restoreErr != nil {
		if types.CodeOf(restoreErr) == types.SNAPSHOT_NOT_FOUND {
			return err
		}
		return restoreErr
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Graph restored from snapshot %q (%d nodes, %d edges)\n",
		preFaultSnapshot, len(snap.Nodes), len(snap.Edges))
	return nil
}

func runGraphFault(cmd *cobra.Command, args []string) error {
	app, err := buildAppContext(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	fault := app.sync.ActiveFault()
	if fault == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "No active fault")
		return nil
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintf(tw, "KIND:\t%s\n", fault.Spec.Kind)
	if fault.Spec.NodeID != "" {
		fmt.Fprintf(tw, "NODE:\t%s\n", fault.Spec.NodeID)
	}
	if fault.Spec.EdgeType != "" {
		fmt.Fprintf(tw, "EDGE TYPE:\t%s\n", fault.Spec.EdgeType)
	}
	fmt.Fprintf(tw, "CODE:\t%s\n", fault.Code)
	fmt.Fprintf(tw, "DETAIL:\t%s\n", fault.Detail)
	fmt.Fprintf(tw, "INJECTED:\t%s\n", fault.InjectedAt.Format(time.RFC3339))
	return nil
}
