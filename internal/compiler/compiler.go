// Package compiler turns phase context into validated attack plans by
// driving the reasoning provider through a compile/validate/correct loop.
//
// Reasoning output is never trusted: each reply must survive JSON
// extraction, schema validation, and plan-level validation before it
// becomes an AttackPlan. A reply that fails validation earns exactly one
// corrective retry carrying the violation back into the conversation; a
// second failure is terminal for the phase invocation. The compiler never
// writes to the attack graph, that is the synchronizer's job.
package compiler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/cybersharkvin/llmitm-v2-sub002/internal/capture"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/llm"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/plan"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/schema"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/types"
)

const (
	// defaultTimeout bounds each reasoning call independently of the
	// run-level context.
	defaultTimeout = 120 * time.Second

	// maxAttempts allows exactly one corrective retry after a
	// validation failure.
	maxAttempts = 2

	// completionTemperature stays low so recompiling the same context
	// tends to reproduce the same plan.
	completionTemperature = 0.2

	completionMaxTokens = 4000
)

// IterHook observes each reasoning attempt. The controller wires it to
// the event emitter so observers can watch retries as they happen;
// corrective is true on the retry attempt.
type IterHook func(ctx context.Context, phase plan.Phase, attempt int, corrective bool)

// NodeFailure carries what the repair phase needs to know about one
// failed node: the stable id a revision must reference through revises,
// the display name, and the failure detail from execution.
type NodeFailure struct {
	NodeID string
	Name   string
	Detail string
}

// PhaseContext bundles everything one compilation pass reasons over.
// Recon consumes captured traffic; critic consumes the recon plan plus
// the traffic it was derived from; repair consumes the current plan plus
// the failed nodes to revise.
type PhaseContext struct {
	// Target names the capture profile under test.
	Target string

	// BaseURL is the target's base URL when the profile defines one.
	BaseURL string

	// Capture is the traffic the plan must be grounded in.
	Capture *capture.Capture

	// PriorPlan is the plan a critic or repair pass starts from.
	PriorPlan *plan.AttackPlan

	// Failures lists the nodes a repair pass must revise.
	Failures []NodeFailure
}

// Validate checks that the context carries what the phase needs. An
// empty context fails here, before any reasoning call is spent on it.
func (p PhaseContext) Validate(phase plan.Phase) error {
	switch phase {
	case plan.PhaseRecon:
		if p.Capture == nil || len(p.Capture.Entries) == 0 {
			return types.NewError(types.VALIDATION_EMPTY_CONTEXT,
				"recon compilation requires captured traffic")
		}
	case plan.PhaseCritic:
		if p.PriorPlan == nil || len(p.PriorPlan.Opportunities) == 0 {
			return types.NewError(types.VALIDATION_EMPTY_CONTEXT,
				"critic compilation requires a prior plan")
		}
	case plan.PhaseRepair:
		if p.PriorPlan == nil || len(p.PriorPlan.Opportunities) == 0 {
			return types.NewError(types.VALIDATION_EMPTY_CONTEXT,
				"repair compilation requires a prior plan")
		}
		if len(p.Failures) == 0 {
			return types.NewError(types.VALIDATION_EMPTY_CONTEXT,
				"repair compilation requires at least one failed node")
		}
	default:
		return types.NewError(types.VALIDATION_EMPTY_CONTEXT,
			fmt.Sprintf("unknown compilation phase %q", phase))
	}
	return nil
}

// Compiler drives one reasoning provider through the phase compilation
// loop. It is safe for concurrent use; each Compile call carries its own
// conversation.
type Compiler struct {
	provider  llm.Provider
	model     string
	validator *schema.DefaultValidator
	logger    *slog.Logger
	tracer    trace.Tracer
	timeout   time.Duration
	iterHook  IterHook
}

// CompilerOption configures a Compiler.
type CompilerOption func(*Compiler)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) CompilerOption {
	return func(c *Compiler) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithModel overrides the provider's default model.
func WithModel(model string) CompilerOption {
	return func(c *Compiler) {
		c.model = model
	}
}

// WithTimeout bounds each reasoning call. Zero or negative keeps the
// default.
func WithTimeout(timeout time.Duration) CompilerOption {
	return func(c *Compiler) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithIterHook registers a hook invoked once per reasoning attempt.
func WithIterHook(hook IterHook) CompilerOption {
	return func(c *Compiler) {
		c.iterHook = hook
	}
}

// WithTracer sets the OpenTelemetry tracer for reasoning attempts.
func WithTracer(tracer trace.Tracer) CompilerOption {
	return func(c *Compiler) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// NewCompiler creates a compiler backed by the given reasoning provider.
func NewCompiler(provider llm.Provider, opts ...CompilerOption) *Compiler {
	c := &Compiler{
		provider:  provider,
		validator: schema.NewValidator(),
		logger:    slog.Default(),
		tracer:    noop.NewTracerProvider().Tracer("compiler"),
		timeout:   defaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compile runs one phase compilation: build the phase prompt, invoke the
// provider, and validate the reply into an AttackPlan. A validation
// failure triggers one corrective retry with the assistant's raw reply
// and the violation appended to the conversation; a second failure
// returns the validation error. Capability errors (provider failures,
// call timeouts) bubble immediately without consuming the retry.
func (c *Compiler) Compile(ctx context.Context, phase plan.Phase, pctx PhaseContext) (*plan.AttackPlan, error) {
	if err := pctx.Validate(phase); err != nil {
		return nil, err
	}

	messages := []llm.Message{
		llm.NewSystemMessage(systemPrompt()),
		llm.NewUserMessage(userPrompt(phase, pctx)),
	}

	var lastViolation error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		corrective := attempt > 1
		if c.iterHook != nil {
			c.iterHook(ctx, phase, attempt, corrective)
		}

		c.logger.Debug("compiling attack plan",
			"phase", phase.String(),
			"attempt", attempt,
			"corrective", corrective)

		reply, err := c.complete(ctx, messages)
		if err != nil {
			return nil, err
		}

		compiled, violation := c.decodePlan(reply)
		if violation == nil {
			c.logger.Info("attack plan compiled",
				"phase", phase.String(),
				"attempt", attempt,
				"opportunities", len(compiled.Opportunities))
			return compiled, nil
		}

		lastViolation = violation
		c.logger.Warn("reasoning output failed validation",
			"phase", phase.String(),
			"attempt", attempt,
			"error", violation)

		// Carry the malformed reply and the violation back into the
		// conversation so the retry can see what it got wrong.
		messages = append(messages,
			llm.NewAssistantMessage(reply),
			llm.NewUserMessage(correctivePrompt(violation)),
		)
	}

	return nil, lastViolation
}

// complete performs one bounded reasoning call and classifies transport
// failures as capability errors.
func (c *Compiler) complete(ctx context.Context, messages []llm.Message) (string, error) {
	ctx, span := c.tracer.Start(ctx, "compiler.complete")
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.provider.Complete(callCtx, llm.CompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: completionTemperature,
		MaxTokens:   completionMaxTokens,
	})
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return "", types.WrapRetryableError(types.REASONING_TIMEOUT,
				fmt.Sprintf("reasoning call exceeded %s", c.timeout), err)
		}
		var coreErr *types.CoreError
		if errors.As(err, &coreErr) {
			return "", err
		}
		return "", types.WrapRetryableError(types.REASONING_FAILED,
			"reasoning call failed", err)
	}

	return resp.Message.Content, nil
}

// decodePlan extracts, schema-validates, and decodes one reasoning
// reply. Every failure mode comes back as a validation error phrased for
// a corrective follow-up.
func (c *Compiler) decodePlan(reply string) (*plan.AttackPlan, error) {
	doc, err := llm.ExtractJSON(reply)
	if err != nil {
		return nil, types.WrapError(types.VALIDATION_SCHEMA_MISMATCH,
			"reply contains no JSON document", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(doc), &decoded); err != nil {
		return nil, types.WrapError(types.VALIDATION_SCHEMA_MISMATCH,
			"reply is not a JSON object", err)
	}

	if errs := c.validator.Validate(plan.Schema(), decoded); len(errs) > 0 {
		return nil, types.NewError(types.VALIDATION_SCHEMA_MISMATCH,
			schema.FormatErrors(errs))
	}

	var compiled plan.AttackPlan
	if err := json.Unmarshal([]byte(doc), &compiled); err != nil {
		return nil, types.WrapError(types.VALIDATION_SCHEMA_MISMATCH,
			"reply does not decode into a plan", err)
	}

	if err := compiled.Validate(); err != nil {
		return nil, err
	}

	return &compiled, nil
}
