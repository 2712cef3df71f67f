package llm

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/cybersharkvin/llmitm-v2-sub002/internal/types"
)

// RateLimitedProvider wraps a Provider with a token-bucket limiter so the
// orchestrator cannot hammer a hosted API during repair loops. The wait
// respects the caller's context, so a stop request or call timeout still
// fires while blocked on the limiter.
type RateLimitedProvider struct {
	inner   Provider
	limiter *rate.Limiter
}

// NewRateLimited wraps provider with a requests-per-minute budget.
// A non-positive rpm returns the provider unwrapped.
func NewRateLimited(provider Provider, rpm int) Provider {
	if rpm <= 0 {
		return provider
	}

	// Burst of 1 keeps calls evenly spaced rather than front-loaded.
	perSecond := float64(rpm) / 60.0
	return &RateLimitedProvider{
		inner:   provider,
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
	}
}

// Name returns the wrapped provider's name.
func (p *RateLimitedProvider) Name() string {
	return p.inner.Name()
}

// Complete waits for limiter capacity, then delegates.
func (p *RateLimitedProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, TranslateError(p.inner.Name(), err)
	}
	return p.inner.Complete(ctx, req)
}

// Health delegates without consuming limiter capacity.
func (p *RateLimitedProvider) Health(ctx context.Context) types.HealthStatus {
	return p.inner.Health(ctx)
}

var _ Provider = (*RateLimitedProvider)(nil)
