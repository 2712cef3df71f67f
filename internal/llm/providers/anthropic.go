package providers

import (
	"context"
	"os"
	"time"

	"github.com/tmc/langchaingo/llms/anthropic"

	"github.com/cybersharkvin/llmitm-v2-sub002/internal/llm"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/types"
)

// AnthropicProvider implements llm.Provider for Anthropic's Claude models
type AnthropicProvider struct {
	client *anthropic.LLM
	config llm.ProviderConfig
}

// NewAnthropicProvider creates a new Anthropic provider
func NewAnthropicProvider(cfg llm.ProviderConfig) (*AnthropicProvider, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, llm.NewAuthError("anthropic", nil)
	}

	opts := []anthropic.Option{
		anthropic.WithToken(apiKey),
	}
	if cfg.Model != "" {
		opts = append(opts, anthropic.WithModel(cfg.Model))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
	}

	client, err := anthropic.New(opts...)
	if err != nil {
		return nil, llm.TranslateError("anthropic", err)
	}

	return &AnthropicProvider{client: client, config: cfg}, nil
}

// Name returns the provider name
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Complete sends a completion request
func (p *AnthropicProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if req.Model == "" {
		req.Model = p.config.Model
	}

	resp, err := p.client.GenerateContent(ctx, toLangchainMessages(req.Messages), buildCallOptions(req)...)
	if err != nil {
		return nil, llm.TranslateError("anthropic", err)
	}

	return fromLangchainResponse(resp, req.Model), nil
}

// Health checks connectivity with a minimal completion
func (p *AnthropicProvider) Health(ctx context.Context) types.HealthStatus {
	start := time.Now()
	_, err := p.Complete(ctx, llm.CompletionRequest{
		Messages:  []llm.Message{llm.NewUserMessage("ping")},
		MaxTokens: 1,
	})
	if err != nil {
		return types.Unhealthy(err.Error())
	}
	return types.Healthy(time.Since(start))
}

var _ llm.Provider = (*AnthropicProvider)(nil)
