package llm

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cybersharkvin/llmitm-v2-sub002/internal/types"
)

// Reasoning provider error codes
const (
	ErrProviderInitFailed   types.ErrorCode = "LLM_PROVIDER_INIT_FAILED"
	ErrProviderUnknown      types.ErrorCode = "LLM_PROVIDER_UNKNOWN"
	ErrProviderUnauthorized types.ErrorCode = "LLM_PROVIDER_UNAUTHORIZED"
	ErrProviderRateLimited  types.ErrorCode = "LLM_PROVIDER_RATE_LIMITED"
	ErrProviderUnavailable  types.ErrorCode = "LLM_PROVIDER_UNAVAILABLE"
	ErrCompletionFailed     types.ErrorCode = "LLM_COMPLETION_FAILED"
	ErrTimeoutExceeded      types.ErrorCode = "LLM_TIMEOUT_EXCEEDED"
	ErrNetworkFailed        types.ErrorCode = "LLM_NETWORK_FAILED"
	ErrNoJSONFound          types.ErrorCode = "LLM_NO_JSON_FOUND"
)

// NewAuthError creates an error for a provider missing credentials.
func NewAuthError(provider string, cause error) *types.CoreError {
	return &types.CoreError{
		Code:    ErrProviderUnauthorized,
		Message: fmt.Sprintf("provider %q authentication failed (set the API key)", provider),
		Cause:   cause,
	}
}

// TranslateError maps an arbitrary provider/transport error into a typed
// CoreError, marking transient failures retryable so the controller's
// retry policy can act on them.
func TranslateError(provider string, err error) error {
	if err == nil {
		return nil
	}

	var coreErr *types.CoreError
	if errors.As(err, &coreErr) {
		return err
	}

	lowerMsg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(lowerMsg, "unauthorized"),
		strings.Contains(lowerMsg, "authentication"),
		strings.Contains(lowerMsg, "api key"):
		return NewAuthError(provider, err)

	case strings.Contains(lowerMsg, "rate limit"),
		strings.Contains(lowerMsg, "too many requests"):
		return &types.CoreError{
			Code:      ErrProviderRateLimited,
			Message:   fmt.Sprintf("provider %q rate limited", provider),
			Retryable: true,
			Cause:     err,
		}

	case strings.Contains(lowerMsg, "timeout"),
		strings.Contains(lowerMsg, "deadline"):
		return &types.CoreError{
			Code:      ErrTimeoutExceeded,
			Message:   fmt.Sprintf("provider %q call timed out", provider),
			Retryable: true,
			Cause:     err,
		}

	case strings.Contains(lowerMsg, "connection"),
		strings.Contains(lowerMsg, "network"),
		strings.Contains(lowerMsg, "no such host"):
		return &types.CoreError{
			Code:      ErrNetworkFailed,
			Message:   fmt.Sprintf("provider %q unreachable", provider),
			Retryable: true,
			Cause:     err,
		}

	default:
		return &types.CoreError{
			Code:    ErrCompletionFailed,
			Message: fmt.Sprintf("provider %q completion failed", provider),
			Cause:   err,
		}
	}
}
