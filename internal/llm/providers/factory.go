package providers

import (
	"fmt"

	"github.com/cybersharkvin/llmitm-v2-sub002/internal/llm"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/types"
)

// NewProvider creates a reasoning provider from configuration, wrapped
// with rate limiting when a requests-per-minute budget is set.
func NewProvider(cfg llm.ProviderConfig) (llm.Provider, error) {
	var (
		provider llm.Provider
		err      error
	)

	switch cfg.Type {
	case "anthropic":
		provider, err = NewAnthropicProvider(cfg)
	case "openai":
		provider, err = NewOpenAIProvider(cfg)
	case "ollama":
		provider, err = NewOllamaProvider(cfg)
	case "mock":
		// The mock ignores rate limits and answers instantly.
		return NewMockProvider(nil), nil
	default:
		return nil, types.NewError(llm.ErrProviderUnknown,
			fmt.Sprintf("unknown provider type: %s", cfg.Type))
	}

	if err != nil {
		return nil, err
	}

	return llm.NewRateLimited(provider, cfg.RequestsPerMinute), nil
}
