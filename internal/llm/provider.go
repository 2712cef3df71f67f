// Package llm abstracts the reasoning capability behind a narrow provider
// interface. The orchestrator treats reasoning as opaque: it sends a
// conversation plus an output schema embedded in the prompt and gets back
// raw text that must survive JSON extraction and schema validation before
// anything downstream trusts it.
package llm

import (
	"context"

	"github.com/cybersharkvin/llmitm-v2-sub002/internal/types"
)

// Provider defines the interface all reasoning providers implement.
// Implementations exist for Anthropic, OpenAI, and local Ollama models via
// langchaingo, plus a deterministic mock for tests and offline runs.
type Provider interface {
	// Name returns the provider name (e.g., "anthropic", "openai", "mock")
	Name() string

	// Complete sends a completion request and returns the full response.
	// This is a blocking call; callers bound it with a context timeout.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Health checks the health status of the provider and its connectivity
	Health(ctx context.Context) types.HealthStatus
}

// ProviderConfig carries the settings a provider needs at construction.
type ProviderConfig struct {
	// Type selects the backend: anthropic, openai, ollama, or mock.
	Type string

	// Model is the default model identifier. Empty lets the backend pick
	// its own default.
	Model string

	// APIKey authenticates against hosted providers. Ollama and mock
	// ignore it.
	APIKey string

	// BaseURL overrides the provider endpoint (Ollama server, OpenAI
	// compatible proxies).
	BaseURL string

	// RequestsPerMinute throttles completion calls. Zero disables
	// throttling.
	RequestsPerMinute int
}
