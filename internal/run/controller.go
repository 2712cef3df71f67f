package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/cybersharkvin/llmitm-v2-sub002/internal/capture"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/compiler"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/config"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/contextkeys"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/events"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/executor"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/graph"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/graphsync"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/plan"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/types"
)

// Controller drives runs through the pipeline: fetch capture, compile
// recon, refine with critic, execute the materialized graph in
// dependency order, and repair failed nodes within the repair budget.
type Controller interface {
	// Start picks up a pending or stopped run and drives it to a final
	// state. Run-level failures land in the returned row, not the error;
	// the error covers runs that could not be picked up at all.
	Start(ctx context.Context, runID string) (*Run, error)

	// Stop requests a cooperative stop. The controller observes the flag
	// at phase boundaries and before each node dispatch.
	Stop(ctx context.Context, runID string) error

	// Reset rewinds the run to pending, clears the graph, and deletes
	// the run's event log.
	Reset(ctx context.Context, runID string) error

	// Status returns the run's current row.
	Status(ctx context.Context, runID string) (*Run, error)

	// List returns all runs, newest first.
	List(ctx context.Context) ([]*Run, error)
}

// DefaultController implements Controller over the SQLite run store, the
// attack graph, the phase compiler, and the node dispatcher.
type DefaultController struct {
	runs       Store
	graph      graph.Store
	emitter    *events.Emitter
	compiler   *compiler.Compiler
	sync       *graphsync.Synchronizer
	dispatcher executor.Executor
	providers  map[capture.Mode]capture.Provider
	approver   Approver
	policy     config.RunConfig
	targets    map[string]config.TargetConfig
	logger     *slog.Logger
	tracer     trace.Tracer
}

// ControllerOption is a functional option for configuring the controller.
type ControllerOption func(*DefaultController)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) ControllerOption {
	return func(c *DefaultController) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTracer sets the OpenTelemetry tracer for the controller.
func WithTracer(tracer trace.Tracer) ControllerOption {
	return func(c *DefaultController) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// WithCaptureProvider registers a capture provider under its mode.
func WithCaptureProvider(provider capture.Provider) ControllerOption {
	return func(c *DefaultController) {
		if provider != nil {
			c.providers[provider.Mode()] = provider
		}
	}
}

// WithApprover sets the approver consulted before destructive node
// dispatch in live mode. Without one, every destructive action is
// refused.
func WithApprover(approver Approver) ControllerOption {
	return func(c *DefaultController) {
		if approver != nil {
			c.approver = approver
		}
	}
}

// WithPolicy sets the execution policy knobs.
func WithPolicy(policy config.RunConfig) ControllerOption {
	return func(c *DefaultController) {
		c.policy = policy
	}
}

// WithTargets sets the target profile registry.
func WithTargets(targets map[string]config.TargetConfig) ControllerOption {
	return func(c *DefaultController) {
		c.targets = targets
	}
}

// NewController creates a controller with the provided dependencies.
func NewController(
	runs Store,
	graphStore graph.Store,
	emitter *events.Emitter,
	comp *compiler.Compiler,
	synchronizer *graphsync.Synchronizer,
	dispatcher executor.Executor,
	opts ...ControllerOption,
) *DefaultController {
	c := &DefaultController{
		runs:       runs,
		graph:      graphStore,
		emitter:    emitter,
		compiler:   comp,
		sync:       synchronizer,
		dispatcher: dispatcher,
		providers:  make(map[capture.Mode]capture.Provider),
		approver:   denyAllApprover{},
		policy:     config.DefaultConfig().Run,
		logger:     slog.Default(),
		tracer:     noop.NewTracerProvider().Tracer("run-controller"),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// CompileIterHook returns a compiler iteration hook that publishes
// compile_iter events for the run tagged in the context. Wire it into
// the compiler the controller is constructed with so reasoning retries
// surface on the run's event stream.
func CompileIterHook(emitter *events.Emitter) compiler.IterHook {
	return func(ctx context.Context, phase plan.Phase, attempt int, corrective bool) {
		runID := contextkeys.GetRunID(ctx)
		if runID == "" {
			return
		}
		payload := events.CompileIterPayload{
			Phase:      phase.String(),
			Attempt:    attempt,
			Corrective: corrective,
		}
		if err := emitter.Publish(ctx, runID, events.EventCompileIter, payload); err != nil {
			slog.Warn("Failed to publish compile iteration event",
				"run_id", runID, "phase", phase, "error", err)
		}
	}
}

// session carries the in-memory state of one Start invocation. The
// execution set holds the node ids eligible to execute this session:
// critic output seeds it, repair output mutates it, recon-only nodes
// never enter it.
type session struct {
	run     *Run
	target  config.TargetConfig
	capture *capture.Capture
	execCtx *executor.ExecContext
	started time.Time
	resume  bool

	// plan is the current merged plan, the prior plan for repair
	// compilation and the payload of every checkpoint.
	plan *plan.AttackPlan

	execSet    map[string]bool
	done       map[string]bool
	failed     map[string]bool
	permanent  map[string]bool
	superseded map[string]bool

	// attempts counts repair attempts per node lineage; a revision
	// inherits the count of the node it supersedes.
	attempts map[string]int

	// failCodes remembers the error code of each node failure for the
	// exhaustion report.
	failCodes map[string]types.ErrorCode
}

func newSession(r *Run, target config.TargetConfig) *session {
	return &session{
		run:        r,
		target:     target,
		started:    time.Now(),
		resume:     r.Status == StatusStopped,
		execSet:    make(map[string]bool),
		done:       make(map[string]bool),
		failed:     make(map[string]bool),
		permanent:  make(map[string]bool),
		superseded: make(map[string]bool),
		attempts:   make(map[string]int),
		failCodes:  make(map[string]types.ErrorCode),
	}
}

// undone counts execution-set nodes that still need a terminal outcome.
func (s *session) undone() int {
	n := 0
	for id := range s.execSet {
		if !s.done[id] && !s.permanent[id] {
			n++
		}
	}
	return n
}

// Start picks up a pending or stopped run and drives it to a final state.
func (c *DefaultController) Start(ctx context.Context, runID string) (*Run, error) {
	r, err := c.runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !r.Status.CanStart() {
		if r.Status.IsTerminal() {
			return nil, types.NewError(types.RUN_ALREADY_TERMINAL,
				fmt.Sprintf("run %s is already %s", runID, r.Status))
		}
		return nil, types.NewError(types.RUN_INVALID_TRANSITION,
			fmt.Sprintf("run %s is %s and cannot be started", runID, r.Status))
	}

	if err := c.runs.ClearStop(ctx, runID); err != nil {
		return nil, fmt.Errorf("failed to clear stop flag: %w", err)
	}

	ctx = contextkeys.WithRunID(ctx, runID)
	ctx, span := c.tracer.Start(ctx, "Controller.Start")
	defer span.End()

	s := newSession(r, c.targets[r.TargetProfile])

	c.logger.Info("Starting run",
		"run_id", r.ID,
		"target", r.TargetProfile,
		"mode", r.CaptureMode,
		"resume", s.resume)

	c.emit(ctx, r.ID, events.EventRunStart, events.RunStartPayload{
		Target: r.TargetProfile,
		Mode:   r.CaptureMode.String(),
		Resume: s.resume,
	})

	// Capture is fetched every session; a resumed run re-reads the
	// traffic its plan was grounded in.
	doc, err := c.fetchCapture(ctx, r)
	if err != nil {
		c.logger.Error("Capture acquisition failed", "run_id", r.ID, "error", err)
		return c.failRun(ctx, s, "capture", err), nil
	}
	s.capture = doc
	s.execCtx = executor.NewExecContext(r.ID, doc)

	entry := c.entryPhase(ctx, s)

	if entry != StatusExecuting {
		reconPlan, err := c.compilePhase(ctx, s, plan.PhaseRecon, nil)
		if err != nil {
			return c.compileFailure(ctx, s, plan.PhaseRecon, err), nil
		}
		s.plan = reconPlan

		if stopped, run := c.checkStop(ctx, s); stopped {
			return run, nil
		}

		criticPlan, err := c.compilePhase(ctx, s, plan.PhaseCritic, reconPlan)
		if err != nil {
			return c.compileFailure(ctx, s, plan.PhaseCritic, err), nil
		}
		s.plan = criticPlan
	}

	if stopped, run := c.checkStop(ctx, s); stopped {
		return run, nil
	}

	return c.executePlan(ctx, s), nil
}

// Stop requests a cooperative stop.
func (c *DefaultController) Stop(ctx context.Context, runID string) error {
	if err := c.runs.RequestStop(ctx, runID); err != nil {
		return err
	}
	c.logger.Info("Stop requested", "run_id", runID)
	return nil
}

// Reset rewinds the run to pending, clears the graph, and deletes the
// run's event log so the next start begins from sequence 1.
func (c *DefaultController) Reset(ctx context.Context, runID string) error {
	if err := c.runs.Reset(ctx, runID); err != nil {
		return err
	}
	if err := c.graph.Reset(ctx); err != nil {
		return fmt.Errorf("failed to reset graph: %w", err)
	}
	c.emitter.ResetRun(runID)
	c.logger.Info("Run reset", "run_id", runID)
	return nil
}

// Status returns the run's current row.
func (c *DefaultController) Status(ctx context.Context, runID string) (*Run, error) {
	return c.runs.Get(ctx, runID)
}

// List returns all runs, newest first.
func (c *DefaultController) List(ctx context.Context) ([]*Run, error) {
	return c.runs.List(ctx)
}

// fetchCapture resolves the run's capture provider and validates the
// returned document before any reasoning is spent on it.
func (c *DefaultController) fetchCapture(ctx context.Context, r *Run) (*capture.Capture, error) {
	provider, ok := c.providers[r.CaptureMode]
	if !ok {
		return nil, types.NewError(types.CAPTURE_FAILED,
			fmt.Sprintf("no capture provider registered for mode %s", r.CaptureMode))
	}

	doc, err := provider.Fetch(ctx, r.TargetProfile)
	if err != nil {
		return nil, err
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}

	c.logger.Debug("Capture acquired",
		"run_id", r.ID,
		"profile", doc.Profile,
		"entries", len(doc.Entries))

	return doc, nil
}

// entryPhase decides where a session begins. A stopped run that was
// executing resumes there when its checkpoint still decodes; everything
// else restarts from recon, which is safe because recompiling the same
// capture converges onto the same node ids.
func (c *DefaultController) entryPhase(ctx context.Context, s *session) Status {
	if !s.resume {
		return StatusReconRunning
	}
	if s.run.Phase != StatusExecuting && s.run.Phase != StatusRepairing {
		return StatusReconRunning
	}

	data, err := c.runs.LoadCheckpoint(ctx, s.run.ID)
	if err != nil || data == nil {
		c.logger.Warn("Resume without checkpoint, restarting from recon",
			"run_id", s.run.ID, "error", err)
		return StatusReconRunning
	}
	cp, err := DecodeCheckpoint(data)
	if err != nil {
		c.logger.Warn("Checkpoint unreadable, restarting from recon",
			"run_id", s.run.ID, "error", err)
		return StatusReconRunning
	}

	s.plan = cp.Plan
	if cp.Attempts != nil {
		s.attempts = cp.Attempts
	}

	c.logger.Info("Resuming execution from checkpoint",
		"run_id", s.run.ID,
		"opportunities", len(cp.Plan.Opportunities))

	return StatusExecuting
}

// compilePhase runs one recon or critic pass: transition, announce the
// step, compile, apply to the graph, report, checkpoint.
func (c *DefaultController) compilePhase(ctx context.Context, s *session, phase plan.Phase, prior *plan.AttackPlan) (*plan.AttackPlan, error) {
	ctx, span := c.tracer.Start(ctx, "controller.compilePhase")
	defer span.End()

	var status Status
	var resultEvent events.EventType
	switch phase {
	case plan.PhaseRecon:
		status, resultEvent = StatusReconRunning, events.EventReconResult
	case plan.PhaseCritic:
		status, resultEvent = StatusCriticRunning, events.EventCriticResult
	default:
		return nil, fmt.Errorf("unexpected pipeline phase %q", phase)
	}

	if err := c.transition(ctx, s, status, ""); err != nil {
		return nil, err
	}
	c.emit(ctx, s.run.ID, events.EventStepStart, events.StepStartPayload{Phase: phase.String()})

	c.logger.Info("Compiling phase", "run_id", s.run.ID, "phase", phase)

	pctx := compiler.PhaseContext{
		Target:    s.run.TargetProfile,
		BaseURL:   s.target.BaseURL,
		Capture:   s.capture,
		PriorPlan: prior,
	}
	compiled, err := c.compiler.Compile(ctx, phase, pctx)
	if err != nil {
		return nil, err
	}

	result, err := c.sync.Apply(ctx, compiled, phase)
	if err != nil {
		return nil, err
	}

	c.logger.Info("Phase applied to graph",
		"run_id", s.run.ID,
		"phase", phase,
		"opportunities", len(compiled.Opportunities),
		"created", result.Created,
		"updated", result.Updated,
		"skipped", len(result.Skipped))

	c.emit(ctx, s.run.ID, resultEvent, events.PhaseResultPayload{
		Phase:         phase.String(),
		Opportunities: len(compiled.Opportunities),
		Created:       result.Created,
		Updated:       result.Updated,
		Edges:         result.Edges,
		Skipped:       len(result.Skipped),
	})

	c.saveCheckpoint(ctx, s, compiled)

	return compiled, nil
}

// compileFailure finalizes a run whose recon or critic pass failed. A
// cancelled context means someone tore the process down, which finalizes
// as stopped rather than failed.
func (c *DefaultController) compileFailure(ctx context.Context, s *session, phase plan.Phase, err error) *Run {
	if errors.Is(err, context.Canceled) {
		return c.stopRun(ctx, s,
			types.NewError(types.RUN_STOP_REQUESTED, fmt.Sprintf("%s phase interrupted", phase)))
	}
	c.logger.Error("Phase compilation failed",
		"run_id", s.run.ID, "phase", phase, "error", err)
	return c.failRun(ctx, s, phase.String(), err)
}

// executePlan drives the execution set through dependency-ordered waves
// until every node is terminal, interleaving repair passes for failures.
func (c *DefaultController) executePlan(ctx context.Context, s *session) *Run {
	ctx, span := c.tracer.Start(ctx, "controller.executePlan")
	defer span.End()

	if err := c.transition(ctx, s, StatusExecuting, ""); err != nil {
		return c.failRun(ctx, s, "execute", err)
	}
	if err := c.buildExecSet(ctx, s); err != nil {
		return c.failRun(ctx, s, "execute", err)
	}

	c.logger.Info("Executing attack graph",
		"run_id", s.run.ID,
		"nodes", len(s.execSet),
		"max_concurrent", c.policy.MaxConcurrentNodes)

	for {
		if stopped, run := c.checkStop(ctx, s); stopped {
			return run
		}

		ready, blocked, err := c.readyNodes(ctx, s)
		if err != nil {
			return c.failRun(ctx, s, "execute", err)
		}

		if len(blocked) > 0 {
			if err := c.markBlocked(ctx, s, blocked); err != nil {
				return c.failRun(ctx, s, "execute", err)
			}
			continue
		}

		if len(ready) == 0 {
			if len(s.failed) > 0 {
				cause, err := c.repairPass(ctx, s)
				if err != nil {
					return c.failRun(ctx, s, "repair", err)
				}
				if cause != nil {
					return c.stopRun(ctx, s, cause)
				}
				continue
			}
			if s.undone() == 0 {
				break
			}
			if err := c.markUnsatisfiable(ctx, s); err != nil {
				return c.failRun(ctx, s, "execute", err)
			}
			continue
		}

		cause, err := c.dispatchWave(ctx, s, ready)
		if err != nil {
			return c.failRun(ctx, s, "execute", err)
		}
		if cause != nil {
			return c.stopRun(ctx, s, cause)
		}
	}

	return c.completeRun(ctx, s)
}

// buildExecSet seeds the execution set from the current plan. Plan
// opportunities the synchronizer skipped have no graph node and are left
// out; graph nodes already in error state re-enter as repair candidates.
func (c *DefaultController) buildExecSet(ctx context.Context, s *session) error {
	nodes, err := c.graph.ListNodes(ctx)
	if err != nil {
		return fmt.Errorf("failed to list graph nodes: %w", err)
	}
	byID := make(map[string]graph.Node, len(nodes))
	for _, node := range nodes {
		byID[node.ID] = node
	}

	for _, opp := range s.plan.Opportunities {
		id := opp.NodeID()
		if _, ok := byID[id]; !ok {
			c.logger.Warn("Plan opportunity has no graph node, excluding from execution",
				"run_id", s.run.ID, "node_id", id)
			continue
		}
		s.execSet[id] = true
	}

	for id := range s.execSet {
		if byID[id].Status == graph.NodeStatusError {
			s.failed[id] = true
			if s.failCodes[id] == "" {
				s.failCodes[id] = types.EXECUTION_FAILED
			}
		}
	}

	return nil
}

// readyNodes selects execution-set nodes whose in-set upstream producers
// all finished successfully this session. Edges are re-read every wave
// so mid-run graph mutations are honored. A node whose upstream failed
// permanently is returned as blocked instead.
func (c *DefaultController) readyNodes(ctx context.Context, s *session) ([]graph.Node, []blockedNode, error) {
	nodes, err := c.graph.ListNodes(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list graph nodes: %w", err)
	}
	edges, err := c.graph.ListEdges(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list graph edges: %w", err)
	}

	byID := make(map[string]graph.Node, len(nodes))
	for _, node := range nodes {
		byID[node.ID] = node
	}

	deps := make(map[string][]string)
	for _, edge := range edges {
		if edge.Type != graph.EdgeTypeDataFlow {
			continue
		}
		if !s.execSet[edge.Source] || !s.execSet[edge.Target] {
			continue
		}
		deps[edge.Target] = append(deps[edge.Target], edge.Source)
	}

	ids := make([]string, 0, len(s.execSet))
	for id := range s.execSet {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var ready []graph.Node
	var blocked []blockedNode
	for _, id := range ids {
		if s.done[id] || s.failed[id] || s.permanent[id] {
			continue
		}
		node, ok := byID[id]
		if !ok {
			c.logger.Warn("Execution set node missing from graph",
				"run_id", s.run.ID, "node_id", id)
			s.permanent[id] = true
			continue
		}

		eligible := true
		for _, src := range deps[id] {
			if s.done[src] {
				continue
			}
			if s.permanent[src] {
				blocked = append(blocked, blockedNode{node: node, upstream: src})
				eligible = false
				break
			}
			// Upstream still pending or awaiting repair; wait.
			eligible = false
			break
		}
		if eligible {
			ready = append(ready, node)
		}
	}

	return ready, blocked, nil
}

type blockedNode struct {
	node     graph.Node
	upstream string
}

// markBlocked finalizes nodes whose upstream failed permanently. They
// get no dispatch, no repair, and no step_result; the failure event is
// their record.
func (c *DefaultController) markBlocked(ctx context.Context, s *session, blocked []blockedNode) error {
	for _, b := range blocked {
		detail := fmt.Sprintf("upstream node %s failed", b.upstream)
		if b.node.Status != graph.NodeStatusCompleted {
			if err := c.graph.UpdateNodeStatus(ctx, b.node.ID, graph.NodeStatusError, detail); err != nil {
				return fmt.Errorf("failed to mark blocked node: %w", err)
			}
		}
		s.permanent[b.node.ID] = true

		c.logger.Warn("Node blocked by failed upstream",
			"run_id", s.run.ID, "node_id", b.node.ID, "upstream", b.upstream)

		c.emit(ctx, s.run.ID, events.EventFailure, events.FailurePayload{
			NodeID:  b.node.ID,
			Code:    string(types.EXECUTION_FAILED),
			Message: detail,
		})
	}
	return nil
}

// markUnsatisfiable finalizes nodes that can never become ready, which
// only happens when the plan wired a dependency cycle.
func (c *DefaultController) markUnsatisfiable(ctx context.Context, s *session) error {
	ids := make([]string, 0, len(s.execSet))
	for id := range s.execSet {
		if !s.done[id] && !s.permanent[id] && !s.failed[id] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	for _, id := range ids {
		detail := "unsatisfiable dependencies, plan wired a cycle"
		node, err := c.graph.GetNode(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to load stuck node: %w", err)
		}
		if node.Status != graph.NodeStatusCompleted {
			if err := c.graph.UpdateNodeStatus(ctx, id, graph.NodeStatusError, detail); err != nil {
				return fmt.Errorf("failed to mark unsatisfiable node: %w", err)
			}
		}
		s.permanent[id] = true

		c.logger.Error("Node dependencies unsatisfiable",
			"run_id", s.run.ID, "node_id", id)

		c.emit(ctx, s.run.ID, events.EventFailure, events.FailurePayload{
			NodeID:  id,
			Code:    string(types.EXECUTION_FAILED),
			Message: detail,
		})
	}
	return nil
}

// waveOutcome is one node's dispatch result, applied serially after the
// wave so session state never sees concurrent writes.
type waveOutcome struct {
	node   graph.Node
	result *executor.Result
	err    error
}

// dispatchWave executes one batch of ready nodes. The stop flag and the
// approval gate are checked serially before each dispatch; a stop or a
// refused approval lets in-flight nodes finish, then reports the cause.
func (c *DefaultController) dispatchWave(ctx context.Context, s *session, ready []graph.Node) (*types.CoreError, error) {
	outcomes := make([]*waveOutcome, len(ready))

	g, gctx := errgroup.WithContext(ctx)
	limit := c.policy.MaxConcurrentNodes
	if limit <= 0 {
		limit = 1
	}
	g.SetLimit(limit)

	var cause *types.CoreError
	for i := range ready {
		node := ready[i]

		flagged, err := c.runs.StopRequested(ctx, s.run.ID)
		if err != nil {
			c.logger.Warn("Failed to read stop flag", "run_id", s.run.ID, "error", err)
		}
		if flagged {
			cause = types.NewError(types.RUN_STOP_REQUESTED, "stop requested")
			break
		}

		if s.run.CaptureMode == capture.ModeLive && executor.Destructive(&node, s.target.AllowedCommands) {
			approved, aerr := c.requestApproval(ctx, &node)
			if aerr != nil {
				if errors.Is(aerr, context.DeadlineExceeded) {
					cause = types.NewError(types.APPROVAL_TIMEOUT,
						fmt.Sprintf("approval timed out for node %s", node.ID))
				} else {
					cause = types.NewError(types.APPROVAL_DENIED,
						fmt.Sprintf("approval failed for node %s: %v", node.ID, aerr))
				}
				break
			}
			if !approved {
				cause = types.NewError(types.APPROVAL_DENIED,
					fmt.Sprintf("approval denied for node %s", node.ID))
				break
			}
		}

		idx := i
		target := node
		g.Go(func() error {
			outcomes[idx] = c.dispatchNode(gctx, s, target)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, outcome := range outcomes {
		if outcome == nil {
			continue
		}
		if err := c.applyOutcome(ctx, s, outcome); err != nil {
			return nil, err
		}
	}

	return cause, nil
}

// requestApproval consults the approver under the configured timeout.
func (c *DefaultController) requestApproval(ctx context.Context, node *graph.Node) (bool, error) {
	c.logger.Info("Destructive node requires approval",
		"node_id", node.ID, "name", node.Name)

	actx := ctx
	if c.policy.ApprovalTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, c.policy.ApprovalTimeout)
		defer cancel()
	}
	return c.approver.Approve(actx, node)
}

// dispatchNode executes one node under the per-node timeout. Nodes
// already completed from a previous session re-execute to rebuild their
// outputs without touching their status.
func (c *DefaultController) dispatchNode(ctx context.Context, s *session, node graph.Node) *waveOutcome {
	ctx, span := c.tracer.Start(ctx, "controller.dispatchNode")
	defer span.End()

	if node.Status != graph.NodeStatusCompleted {
		if err := c.graph.UpdateNodeStatus(ctx, node.ID, graph.NodeStatusActive, ""); err != nil {
			return &waveOutcome{node: node, err: err}
		}
	}

	nctx := ctx
	if c.policy.NodeTimeout > 0 {
		var cancel context.CancelFunc
		nctx, cancel = context.WithTimeout(ctx, c.policy.NodeTimeout)
		defer cancel()
	}

	c.logger.Debug("Dispatching node",
		"run_id", s.run.ID, "node_id", node.ID, "type", node.Type)

	result, err := c.dispatcher.Execute(nctx, &node, s.execCtx)
	return &waveOutcome{node: node, result: result, err: err}
}

// applyOutcome folds one dispatch result into the session, the graph,
// and the event stream.
func (c *DefaultController) applyOutcome(ctx context.Context, s *session, outcome *waveOutcome) error {
	node := outcome.node
	redispatch := node.Status == graph.NodeStatusCompleted

	var durationMS int64
	detail := ""
	if outcome.result != nil {
		durationMS = outcome.result.Duration.Milliseconds()
		detail = outcome.result.Detail
	}
	if outcome.err != nil && detail == "" {
		detail = outcome.err.Error()
	}

	succeeded := outcome.err == nil && outcome.result != nil && outcome.result.Success
	if succeeded {
		if !redispatch {
			if err := c.graph.UpdateNodeStatus(ctx, node.ID, graph.NodeStatusCompleted, ""); err != nil {
				return fmt.Errorf("failed to mark node completed: %w", err)
			}
		}
		for _, label := range node.Produces {
			s.execCtx.SetOutput(label, outcome.result.Output)
		}
		s.done[node.ID] = true

		c.logger.Info("Node completed",
			"run_id", s.run.ID, "node_id", node.ID, "duration_ms", durationMS)

		c.emit(ctx, s.run.ID, events.EventStepResult, events.StepResultPayload{
			NodeID:     node.ID,
			Name:       node.Name,
			Success:    true,
			Detail:     detail,
			DurationMS: durationMS,
		})
		return nil
	}

	if redispatch {
		// A completed node that fails on re-execution keeps its status;
		// downstream nodes surface the missing outputs themselves.
		c.logger.Warn("Completed node failed on re-execution",
			"run_id", s.run.ID, "node_id", node.ID, "detail", detail)
		s.done[node.ID] = true
		return nil
	}

	if err := c.graph.UpdateNodeStatus(ctx, node.ID, graph.NodeStatusError, detail); err != nil {
		return fmt.Errorf("failed to mark node error: %w", err)
	}
	s.failed[node.ID] = true

	code := types.CodeOf(outcome.err)
	if code == "" {
		code = types.EXECUTION_FAILED
	}
	s.failCodes[node.ID] = code

	c.logger.Warn("Node failed",
		"run_id", s.run.ID, "node_id", node.ID, "detail", detail)

	c.emit(ctx, s.run.ID, events.EventStepResult, events.StepResultPayload{
		NodeID:     node.ID,
		Name:       node.Name,
		Success:    false,
		Detail:     detail,
		DurationMS: durationMS,
	})
	return nil
}

// repairPass runs one targeted repair compilation per failed node. Each
// iteration either revises the node, consumes an attempt, or retires the
// node permanently, so the execute loop always makes progress.
func (c *DefaultController) repairPass(ctx context.Context, s *session) (*types.CoreError, error) {
	ctx, span := c.tracer.Start(ctx, "controller.repairPass")
	defer span.End()

	ids := make([]string, 0, len(s.failed))
	for id := range s.failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	repairing := false
	defer func() {
		if repairing {
			if err := c.transition(ctx, s, StatusExecuting, ""); err != nil {
				c.logger.Warn("Failed to leave repairing state",
					"run_id", s.run.ID, "error", err)
			}
		}
	}()

	for _, id := range ids {
		flagged, err := c.runs.StopRequested(ctx, s.run.ID)
		if err != nil {
			c.logger.Warn("Failed to read stop flag", "run_id", s.run.ID, "error", err)
		}
		if flagged {
			return types.NewError(types.RUN_STOP_REQUESTED, "stop requested"), nil
		}

		if s.attempts[id] >= s.run.RepairLimit {
			if err := c.retireNode(ctx, s, id); err != nil {
				return nil, err
			}
			continue
		}

		node, err := c.graph.GetNode(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to load failed node: %w", err)
		}

		if !repairing {
			if err := c.transition(ctx, s, StatusRepairing, ""); err != nil {
				return nil, err
			}
			repairing = true
		}

		attempt := s.attempts[id] + 1
		c.emit(ctx, s.run.ID, events.EventRepairStart, events.RepairStartPayload{
			NodeID:  id,
			Attempt: attempt,
		})
		if err := c.runs.IncrementRepairs(ctx, s.run.ID); err != nil {
			c.logger.Warn("Failed to count repair attempt", "run_id", s.run.ID, "error", err)
		}
		s.attempts[id] = attempt

		c.logger.Info("Repairing node",
			"run_id", s.run.ID,
			"node_id", id,
			"attempt", attempt,
			"limit", s.run.RepairLimit)

		pctx := compiler.PhaseContext{
			Target:    s.run.TargetProfile,
			BaseURL:   s.target.BaseURL,
			Capture:   s.capture,
			PriorPlan: s.plan,
			Failures: []compiler.NodeFailure{{
				NodeID: id,
				Name:   node.Name,
				Detail: node.ErrorMsg,
			}},
		}

		repairPlan, err := c.compiler.Compile(ctx, plan.PhaseRepair, pctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return types.NewError(types.RUN_STOP_REQUESTED, "repair phase interrupted"), nil
			}
			c.reportRepairFailure(ctx, s, id, err)
			continue
		}

		if _, err := c.sync.Apply(ctx, repairPlan, plan.PhaseRepair); err != nil {
			c.reportRepairFailure(ctx, s, id, err)
			continue
		}

		if err := c.integrateRepair(ctx, s, repairPlan); err != nil {
			return nil, err
		}
		c.saveCheckpoint(ctx, s, s.plan)
	}

	return nil, nil
}

// retireNode marks a failed node permanently error once its lineage has
// exhausted the repair budget.
func (c *DefaultController) retireNode(ctx context.Context, s *session, id string) error {
	node, err := c.graph.GetNode(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load failed node: %w", err)
	}

	code := s.failCodes[id]
	if code == "" {
		code = types.EXECUTION_FAILED
	}
	message := fmt.Sprintf("repair attempts exhausted after %d attempts", s.attempts[id])
	if node.ErrorMsg != "" {
		message = fmt.Sprintf("%s: %s", message, node.ErrorMsg)
	}

	s.permanent[id] = true
	delete(s.failed, id)

	c.logger.Error("Node repair budget exhausted",
		"run_id", s.run.ID, "node_id", id, "attempts", s.attempts[id])

	c.emit(ctx, s.run.ID, events.EventFailure, events.FailurePayload{
		NodeID:  id,
		Code:    string(code),
		Message: message,
	})
	return nil
}

// reportRepairFailure records a repair compilation that produced nothing
// usable. The attempt is already consumed; the node stays failed and the
// next pass may retry while budget remains.
func (c *DefaultController) reportRepairFailure(ctx context.Context, s *session, id string, err error) {
	c.logger.Error("Repair compilation failed",
		"run_id", s.run.ID, "node_id", id, "error", err)

	code := types.CodeOf(err)
	if code == "" {
		code = types.REASONING_FAILED
	}
	c.emit(ctx, s.run.ID, events.EventFailure, events.FailurePayload{
		Phase:   plan.PhaseRepair.String(),
		NodeID:  id,
		Code:    string(code),
		Message: err.Error(),
	})
}

// integrateRepair folds a repair plan into the session: revisions join
// the execution set, superseded nodes leave it with their attempt count
// inherited, and restated nodes become dispatchable again.
func (c *DefaultController) integrateRepair(ctx context.Context, s *session, repairPlan *plan.AttackPlan) error {
	nodes, err := c.graph.ListNodes(ctx)
	if err != nil {
		return fmt.Errorf("failed to list graph nodes: %w", err)
	}
	present := make(map[string]bool, len(nodes))
	for _, node := range nodes {
		present[node.ID] = true
	}

	for _, opp := range repairPlan.Opportunities {
		id := opp.NodeID()

		if opp.Revises != "" && opp.Revises != id && s.execSet[opp.Revises] {
			old := opp.Revises
			delete(s.execSet, old)
			delete(s.failed, old)
			delete(s.done, old)
			s.superseded[old] = true
			if s.attempts[old] > s.attempts[id] {
				s.attempts[id] = s.attempts[old]
			}
			if err := c.rewireSuperseded(ctx, old, id); err != nil {
				return err
			}

			c.logger.Info("Node superseded by revision",
				"run_id", s.run.ID, "node_id", old, "revision", id)
		}

		if !present[id] {
			c.logger.Warn("Repair opportunity has no graph node, excluding from execution",
				"run_id", s.run.ID, "node_id", id)
			continue
		}

		s.execSet[id] = true
		delete(s.done, id)
		delete(s.failed, id)
	}

	s.plan = mergePlans(s.plan, repairPlan)
	return nil
}

// rewireSuperseded moves the superseded node's outbound data flow onto
// its revision so downstream consumers wait for the replacement. The
// feedback edge written at apply time keeps the lineage visible.
func (c *DefaultController) rewireSuperseded(ctx context.Context, old, revision string) error {
	edges, err := c.graph.ListEdges(ctx)
	if err != nil {
		return fmt.Errorf("failed to list graph edges: %w", err)
	}

	for _, edge := range edges {
		if edge.Type != graph.EdgeTypeDataFlow || edge.Source != old {
			continue
		}
		moved := graph.Edge{Source: revision, Target: edge.Target, Type: graph.EdgeTypeDataFlow}
		if err := c.graph.UpsertEdge(ctx, moved); err != nil {
			return fmt.Errorf("failed to rewire data flow edge: %w", err)
		}
		if err := c.graph.DeleteEdge(ctx, edge); err != nil {
			return fmt.Errorf("failed to drop superseded data flow edge: %w", err)
		}
	}
	return nil
}

// mergePlans folds a repair plan into the current plan: opportunities
// named by a revision's revises field are replaced in place, everything
// new is appended, and restatements keep their original copy.
func mergePlans(current, repairPlan *plan.AttackPlan) *plan.AttackPlan {
	replacements := make(map[string]int)
	for i, opp := range repairPlan.Opportunities {
		if opp.Revises != "" && opp.Revises != opp.NodeID() {
			replacements[opp.Revises] = i
		}
	}

	merged := &plan.AttackPlan{}
	seen := make(map[string]bool)
	consumed := make(map[int]bool)

	for _, opp := range current.Opportunities {
		id := opp.NodeID()
		if i, ok := replacements[id]; ok {
			replacement := repairPlan.Opportunities[i]
			rid := replacement.NodeID()
			if !seen[rid] {
				merged.Opportunities = append(merged.Opportunities, replacement)
				seen[rid] = true
			}
			consumed[i] = true
			continue
		}
		if !seen[id] {
			merged.Opportunities = append(merged.Opportunities, opp)
			seen[id] = true
		}
	}

	for i, opp := range repairPlan.Opportunities {
		if consumed[i] {
			continue
		}
		id := opp.NodeID()
		if !seen[id] {
			merged.Opportunities = append(merged.Opportunities, opp)
			seen[id] = true
		}
	}

	return merged
}

// checkStop polls the cooperative stop flag and the context. When either
// fired, the run is finalized as stopped and the final row returned.
func (c *DefaultController) checkStop(ctx context.Context, s *session) (bool, *Run) {
	if err := ctx.Err(); err != nil {
		return true, c.stopRun(ctx, s,
			types.NewError(types.RUN_STOP_REQUESTED, "run context cancelled"))
	}

	flagged, err := c.runs.StopRequested(ctx, s.run.ID)
	if err != nil {
		c.logger.Warn("Failed to read stop flag", "run_id", s.run.ID, "error", err)
		return false, nil
	}
	if flagged {
		return true, c.stopRun(ctx, s,
			types.NewError(types.RUN_STOP_REQUESTED, "stop requested"))
	}
	return false, nil
}

// transition moves the run's durable status and mirrors it locally.
func (c *DefaultController) transition(ctx context.Context, s *session, to Status, errMsg string) error {
	if err := c.runs.UpdateStatus(ctx, s.run.ID, to, errMsg); err != nil {
		return err
	}
	s.run.Status = to
	if to.IsPhase() {
		s.run.Phase = to
	}
	return nil
}

// saveCheckpoint persists the given plan and the session's attempt
// counts. Failures are logged, not fatal; the run can finish without a
// checkpoint, it just resumes from recon instead.
func (c *DefaultController) saveCheckpoint(ctx context.Context, s *session, p *plan.AttackPlan) {
	if p == nil {
		return
	}
	cp := &Checkpoint{Plan: p}
	if len(s.attempts) > 0 {
		cp.Attempts = s.attempts
	}
	data, err := cp.Encode()
	if err != nil {
		c.logger.Warn("Failed to encode checkpoint", "run_id", s.run.ID, "error", err)
		return
	}
	if err := c.runs.SaveCheckpoint(ctx, s.run.ID, data); err != nil {
		c.logger.Warn("Failed to save checkpoint", "run_id", s.run.ID, "error", err)
	}
}

// completeRun finalizes a run whose execution set is fully terminal.
func (c *DefaultController) completeRun(ctx context.Context, s *session) *Run {
	ctx = context.WithoutCancel(ctx)

	c.saveCheckpoint(ctx, s, s.plan)
	if err := c.transition(ctx, s, StatusCompleted, ""); err != nil {
		c.logger.Error("Failed to finalize run", "run_id", s.run.ID, "error", err)
		return c.failRun(ctx, s, "finalize", err)
	}

	durationMS := time.Since(s.started).Milliseconds()
	c.logger.Info("Run completed",
		"run_id", s.run.ID,
		"duration_ms", durationMS,
		"nodes", len(s.execSet),
		"permanent_failures", len(s.permanent))

	c.emit(ctx, s.run.ID, events.EventRunEnd, events.RunEndPayload{
		Status:     StatusCompleted.String(),
		DurationMS: durationMS,
	})

	return c.refresh(ctx, s)
}

// stopRun finalizes a cooperative stop with its cause in the run row.
func (c *DefaultController) stopRun(ctx context.Context, s *session, cause *types.CoreError) *Run {
	ctx = context.WithoutCancel(ctx)

	c.saveCheckpoint(ctx, s, s.plan)
	if err := c.runs.UpdateStatus(ctx, s.run.ID, StatusStopped, cause.Error()); err != nil {
		c.logger.Error("Failed to mark run stopped", "run_id", s.run.ID, "error", err)
	} else {
		s.run.Status = StatusStopped
	}

	durationMS := time.Since(s.started).Milliseconds()
	c.logger.Info("Run stopped",
		"run_id", s.run.ID, "cause", cause.Code, "duration_ms", durationMS)

	c.emit(ctx, s.run.ID, events.EventRunEnd, events.RunEndPayload{
		Status:     StatusStopped.String(),
		Error:      cause.Error(),
		DurationMS: durationMS,
	})

	return c.refresh(ctx, s)
}

// failRun finalizes a failed run: failure event, terminal row, run_end.
func (c *DefaultController) failRun(ctx context.Context, s *session, phase string, cause error) *Run {
	ctx = context.WithoutCancel(ctx)

	code := types.CodeOf(cause)
	if code == "" {
		code = types.EXECUTION_FAILED
	}

	c.emit(ctx, s.run.ID, events.EventFailure, events.FailurePayload{
		Phase:   phase,
		Code:    string(code),
		Message: cause.Error(),
	})

	if err := c.runs.UpdateStatus(ctx, s.run.ID, StatusFailed, cause.Error()); err != nil {
		c.logger.Error("Failed to mark run failed", "run_id", s.run.ID, "error", err)
	} else {
		s.run.Status = StatusFailed
	}

	durationMS := time.Since(s.started).Milliseconds()
	c.logger.Error("Run failed",
		"run_id", s.run.ID, "phase", phase, "error", cause, "duration_ms", durationMS)

	c.emit(ctx, s.run.ID, events.EventRunEnd, events.RunEndPayload{
		Status:     StatusFailed.String(),
		Error:      cause.Error(),
		DurationMS: durationMS,
	})

	return c.refresh(ctx, s)
}

// refresh re-reads the run row, falling back to the local copy when the
// read fails.
func (c *DefaultController) refresh(ctx context.Context, s *session) *Run {
	r, err := c.runs.Get(ctx, s.run.ID)
	if err != nil {
		c.logger.Warn("Failed to re-read run row", "run_id", s.run.ID, "error", err)
		return s.run
	}
	return r
}

// emit publishes an event, logging and continuing on failure so a broken
// event sink never takes the run down with it.
func (c *DefaultController) emit(ctx context.Context, runID string, t events.EventType, payload any) {
	if err := c.emitter.Publish(ctx, runID, t, payload); err != nil {
		c.logger.Warn("Failed to publish event",
			"run_id", runID, "type", t, "error", err)
	}
}

// Ensure DefaultController implements Controller at compile time.
var _ Controller = (*DefaultController)(nil)
