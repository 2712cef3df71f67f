package providers

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/cybersharkvin/llmitm-v2-sub002/internal/llm"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/types"
)

// MockCall records one request made against the mock provider.
type MockCall struct {
	Request llm.CompletionRequest
}

// MockProvider implements llm.Provider with scripted responses. It backs
// both unit tests and the offline demo mode: with no responses configured
// it answers every call with a canned empty plan so a run terminates
// cleanly without network access.
type MockProvider struct {
	mu        sync.Mutex
	responses []string
	index     int
	errs      map[int]error
	calls     []MockCall

	// CompleteFunc, when set, replaces the scripted behavior entirely.
	CompleteFunc func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
}

// NewMockProvider creates a mock that replays responses in order,
// repeating the last one once the script is exhausted.
func NewMockProvider(responses []string) *MockProvider {
	return &MockProvider{
		responses: responses,
		errs:      make(map[int]error),
	}
}

// Name returns the provider name
func (p *MockProvider) Name() string {
	return "mock"
}

// FailCall makes the nth call (0-based) return err instead of a response.
func (p *MockProvider) FailCall(n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs[n] = err
}

// Calls returns a copy of every recorded request.
func (p *MockProvider) Calls() []MockCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]MockCall, len(p.calls))
	copy(out, p.calls)
	return out
}

// Complete replays the next scripted response.
func (p *MockProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if p.CompleteFunc != nil {
		return p.CompleteFunc(ctx, req)
	}

	if err := ctx.Err(); err != nil {
		return nil, llm.TranslateError("mock", err)
	}

	p.mu.Lock()
	callIndex := len(p.calls)
	p.calls = append(p.calls, MockCall{Request: req})

	if err, ok := p.errs[callIndex]; ok {
		p.mu.Unlock()
		return nil, err
	}

	response := `{"opportunities": []}`
	if len(p.responses) > 0 {
		i := p.index
		if i >= len(p.responses) {
			i = len(p.responses) - 1
		}
		response = p.responses[i]
		p.index++
	}
	p.mu.Unlock()

	return &llm.CompletionResponse{
		ID:           uuid.New().String(),
		Model:        req.Model,
		Message:      llm.NewAssistantMessage(response),
		FinishReason: llm.FinishReasonStop,
		Usage: llm.TokenUsage{
			PromptTokens:     10,
			CompletionTokens: len(response) / 4,
			TotalTokens:      10 + len(response)/4,
		},
	}, nil
}

// Health always reports healthy.
func (p *MockProvider) Health(ctx context.Context) types.HealthStatus {
	return types.Healthy(0)
}

var _ llm.Provider = (*MockProvider)(nil)
