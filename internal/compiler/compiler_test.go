package compiler

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybersharkvin/llmitm-v2-sub002/internal/capture"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/graph"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/llm"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/llm/providers"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/plan"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/types"
)

const validPlanJSON = `{
  "opportunities": [
    {
      "observation": "POST /rest/user/login echoes SQL error text when the email field contains a single quote",
      "suspected_gap": "unsanitized SQL in the login query",
      "exploit": "bypass authentication with a boolean-based SQL injection in the email field",
      "target": "http://localhost:3000/rest/user/login",
      "reasoning": "the error names SQLITE_ERROR, so input reaches the query engine unescaped",
      "recon_tool": "mitm_capture",
      "action": {
        "type": "http_request",
        "method": "POST",
        "url": "http://localhost:3000/rest/user/login",
        "body": "{\"email\":\"' OR 1=1--\",\"password\":\"x\"}"
      },
      "produces": ["login_response"]
    },
    {
      "observation": "successful logins return a bearer token in the authentication JSON",
      "suspected_gap": "session token exposed in the response body",
      "exploit": "extract the bearer token from the login response for reuse",
      "target": "output:login_response",
      "reasoning": "the token authenticates subsequent API calls",
      "recon_tool": "mitm_capture",
      "action": {
        "type": "regex_match",
        "pattern": "\"token\":\"([^\"]+)\"",
        "scope": "output:login_response"
      },
      "produces": ["session_token"]
    }
  ]
}`

func testCapture() *capture.Capture {
	return &capture.Capture{
		Profile: "juice_shop",
		Entries: []capture.Entry{
			{
				Method:       "POST",
				URL:          "http://localhost:3000/rest/user/login",
				RequestBody:  `{"email":"a@b.c","password":"wrong"}`,
				Status:       401,
				ResponseBody: "Invalid email or password.",
			},
			{
				Method:       "GET",
				URL:          "http://localhost:3000/rest/products/search?q=apple",
				Status:       200,
				ResponseBody: `{"status":"success","data":[]}`,
			},
		},
	}
}

func testPriorPlan() *plan.AttackPlan {
	return &plan.AttackPlan{
		Opportunities: []plan.AttackOpportunity{
			{
				Observation:  "login error text echoes SQL syntax details",
				SuspectedGap: "unsanitized SQL in the login query",
				Exploit:      "boolean-based SQL injection in the email field",
				Target:       "http://localhost:3000/rest/user/login",
				Reasoning:    "the error names SQLITE_ERROR, so input reaches the query engine",
				ReconTool:    "mitm_capture",
				Action: plan.ExploitAction{
					Type:   graph.NodeTypeHTTPRequest,
					Method: "POST",
					URL:    "http://localhost:3000/rest/user/login",
					Body:   `{"email":"' OR 1=1--","password":"x"}`,
				},
				Produces: []string{"login_response"},
			},
		},
	}
}

func reconContext() PhaseContext {
	return PhaseContext{
		Target:  "juice_shop",
		BaseURL: "http://localhost:3000",
		Capture: testCapture(),
	}
}

func TestCompiler_CompileRecon(t *testing.T) {
	mock := providers.NewMockProvider([]string{validPlanJSON})
	c := NewCompiler(mock)

	compiled, err := c.Compile(context.Background(), plan.PhaseRecon, reconContext())
	require.NoError(t, err)
	require.Len(t, compiled.Opportunities, 2)
	assert.Equal(t, []string{"login_response"}, compiled.Opportunities[0].Produces)

	calls := mock.Calls()
	require.Len(t, calls, 1)
	messages := calls[0].Request.Messages
	require.Len(t, messages, 2)

	assert.Equal(t, llm.RoleSystem, messages[0].Role)
	assert.Contains(t, messages[0].Content, `"opportunities"`,
		"system prompt should embed the plan schema")
	assert.Contains(t, messages[0].Content, "output:<label>")

	assert.Equal(t, llm.RoleUser, messages[1].Role)
	assert.Contains(t, messages[1].Content, "POST http://localhost:3000/rest/user/login",
		"user prompt should carry the captured traffic")
	assert.Contains(t, messages[1].Content, "juice_shop")
}

func TestCompiler_CompileAcceptsFencedReply(t *testing.T) {
	fenced := "Here is the plan:\n\n```json\n" + validPlanJSON + "\n```\n"
	mock := providers.NewMockProvider([]string{fenced})
	c := NewCompiler(mock)

	compiled, err := c.Compile(context.Background(), plan.PhaseRecon, reconContext())
	require.NoError(t, err)
	assert.Len(t, compiled.Opportunities, 2)
}

func TestCompiler_CorrectiveRetry(t *testing.T) {
	garbage := "I could not find any obvious weaknesses, sorry."
	mock := providers.NewMockProvider([]string{garbage, validPlanJSON})
	c := NewCompiler(mock)

	compiled, err := c.Compile(context.Background(), plan.PhaseRecon, reconContext())
	require.NoError(t, err)
	assert.Len(t, compiled.Opportunities, 2)

	calls := mock.Calls()
	require.Len(t, calls, 2)

	// The retry conversation carries the malformed reply and the
	// corrective instruction.
	retry := calls[1].Request.Messages
	require.Len(t, retry, 4)
	assert.Equal(t, llm.RoleAssistant, retry[2].Role)
	assert.Equal(t, garbage, retry[2].Content)
	assert.Equal(t, llm.RoleUser, retry[3].Role)
	assert.Contains(t, retry[3].Content, "failed validation")
	assert.Contains(t, retry[3].Content, "no JSON document")
}

func TestCompiler_SecondViolationTerminal(t *testing.T) {
	mock := providers.NewMockProvider([]string{
		`{"opportunities": "not an array"}`,
		`{"wrong_key": []}`,
	})
	c := NewCompiler(mock)

	_, err := c.Compile(context.Background(), plan.PhaseRecon, reconContext())
	require.Error(t, err)
	assert.Equal(t, types.VALIDATION_SCHEMA_MISMATCH, types.CodeOf(err))
	assert.Len(t, mock.Calls(), 2, "exactly one corrective retry")
}

func TestCompiler_EmptyOpportunityListRejected(t *testing.T) {
	mock := providers.NewMockProvider([]string{
		`{"opportunities": []}`,
		validPlanJSON,
	})
	c := NewCompiler(mock)

	compiled, err := c.Compile(context.Background(), plan.PhaseRecon, reconContext())
	require.NoError(t, err, "empty list should trigger the corrective retry, not a terminal error")
	assert.Len(t, compiled.Opportunities, 2)

	retry := mock.Calls()[1].Request.Messages
	assert.Contains(t, retry[3].Content, "at least 1")
}

func TestCompiler_EmptyContext(t *testing.T) {
	tests := []struct {
		name  string
		phase plan.Phase
		pctx  PhaseContext
	}{
		{
			name:  "recon without capture",
			phase: plan.PhaseRecon,
			pctx:  PhaseContext{Target: "juice_shop"},
		},
		{
			name:  "recon with empty capture",
			phase: plan.PhaseRecon,
			pctx:  PhaseContext{Target: "juice_shop", Capture: &capture.Capture{Profile: "juice_shop"}},
		},
		{
			name:  "critic without prior plan",
			phase: plan.PhaseCritic,
			pctx:  PhaseContext{Target: "juice_shop", Capture: testCapture()},
		},
		{
			name:  "repair without failures",
			phase: plan.PhaseRepair,
			pctx:  PhaseContext{Target: "juice_shop", PriorPlan: testPriorPlan()},
		},
		{
			name:  "unknown phase",
			phase: plan.Phase("exfiltrate"),
			pctx:  reconContext(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := providers.NewMockProvider(nil)
			c := NewCompiler(mock)

			_, err := c.Compile(context.Background(), tt.phase, tt.pctx)
			require.Error(t, err)
			assert.Equal(t, types.VALIDATION_EMPTY_CONTEXT, types.CodeOf(err))
			assert.Empty(t, mock.Calls(), "empty context must fail before any reasoning call")
		})
	}
}

func TestCompiler_IterHook(t *testing.T) {
	type iter struct {
		attempt    int
		corrective bool
	}
	var iters []iter

	mock := providers.NewMockProvider([]string{"not json", validPlanJSON})
	c := NewCompiler(mock, WithIterHook(func(_ context.Context, phase plan.Phase, attempt int, corrective bool) {
		assert.Equal(t, plan.PhaseRecon, phase)
		iters = append(iters, iter{attempt, corrective})
	}))

	_, err := c.Compile(context.Background(), plan.PhaseRecon, reconContext())
	require.NoError(t, err)
	assert.Equal(t, []iter{{1, false}, {2, true}}, iters)
}

func TestCompiler_Timeout(t *testing.T) {
	mock := providers.NewMockProvider(nil)
	mock.CompleteFunc = func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	c := NewCompiler(mock, WithTimeout(50*time.Millisecond))

	_, err := c.Compile(context.Background(), plan.PhaseRecon, reconContext())
	require.Error(t, err)
	assert.Equal(t, types.REASONING_TIMEOUT, types.CodeOf(err))
	assert.True(t, types.IsRetryable(err))
}

func TestCompiler_ProviderCoreErrorPassesThrough(t *testing.T) {
	rateLimited := types.NewRetryableError(llm.ErrProviderRateLimited, "provider rate limited")
	mock := providers.NewMockProvider(nil)
	mock.FailCall(0, rateLimited)
	c := NewCompiler(mock)

	_, err := c.Compile(context.Background(), plan.PhaseRecon, reconContext())
	require.Error(t, err)
	assert.Equal(t, llm.ErrProviderRateLimited, types.CodeOf(err),
		"typed provider errors keep their code")
	assert.True(t, types.IsRetryable(err))
	assert.Len(t, mock.Calls(), 1, "capability errors must not consume the corrective retry")
}

func TestCompiler_ProviderErrorWrapped(t *testing.T) {
	mock := providers.NewMockProvider(nil)
	mock.FailCall(0, errors.New("connection reset"))
	c := NewCompiler(mock)

	_, err := c.Compile(context.Background(), plan.PhaseRecon, reconContext())
	require.Error(t, err)
	assert.Equal(t, types.REASONING_FAILED, types.CodeOf(err))
	assert.True(t, types.IsRetryable(err))
}

func TestCompiler_CriticPromptCarriesNodeIDs(t *testing.T) {
	prior := testPriorPlan()
	mock := providers.NewMockProvider([]string{validPlanJSON})
	c := NewCompiler(mock)

	_, err := c.Compile(context.Background(), plan.PhaseCritic, PhaseContext{
		Target:    "juice_shop",
		Capture:   testCapture(),
		PriorPlan: prior,
	})
	require.NoError(t, err)

	user := mock.Calls()[0].Request.Messages[1].Content
	assert.Contains(t, user, "Prior Plan")
	assert.Contains(t, user, prior.Opportunities[0].NodeID(),
		"critic prompt must name the stable node id revises should reference")
	assert.Contains(t, user, "Captured Traffic")
}

func TestCompiler_RepairPromptCarriesFailures(t *testing.T) {
	prior := testPriorPlan()
	failedID := prior.Opportunities[0].NodeID()
	mock := providers.NewMockProvider([]string{validPlanJSON})
	c := NewCompiler(mock)

	_, err := c.Compile(context.Background(), plan.PhaseRepair, PhaseContext{
		Target:    "juice_shop",
		PriorPlan: prior,
		Failures: []NodeFailure{
			{NodeID: failedID, Name: "POST http://localhost:3000/rest/user/login", Detail: "HTTP 401 (35 bytes)"},
		},
	})
	require.NoError(t, err)

	user := mock.Calls()[0].Request.Messages[1].Content
	assert.Contains(t, user, "Failed Nodes")
	assert.Contains(t, user, failedID)
	assert.Contains(t, user, "HTTP 401")
	assert.True(t, strings.Contains(user, "revises"),
		"repair prompt must instruct linking revisions to the failed node")
}

func TestCompiler_InvalidActionRejected(t *testing.T) {
	// Schema-valid but semantically broken: http_request without a url.
	missingURL := `{
  "opportunities": [
    {
      "observation": "login endpoint observed",
      "suspected_gap": "weak auth",
      "exploit": "credential stuffing",
      "target": "http://localhost:3000/rest/user/login",
      "reasoning": "login accepts unlimited attempts",
      "recon_tool": "mitm_capture",
      "action": {"type": "http_request", "method": "POST"}
    }
  ]
}`
	mock := providers.NewMockProvider([]string{missingURL, validPlanJSON})
	c := NewCompiler(mock)

	compiled, err := c.Compile(context.Background(), plan.PhaseRecon, reconContext())
	require.NoError(t, err)
	assert.Len(t, compiled.Opportunities, 2)

	retry := mock.Calls()[1].Request.Messages
	assert.Contains(t, retry[3].Content, "method and url")
}
