package executor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cybersharkvin/llmitm-v2-sub002/internal/graph"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/types"
)

const (
	// maxResponseBytes bounds how much of a target response is read into
	// a result. Responses past the cap are truncated, not failed.
	maxResponseBytes = 1 << 20

	defaultHostRate  = rate.Limit(8)
	defaultHostBurst = 4
)

// HTTPExecutor executes http_request nodes against the target application.
// Requests are throttled per host so a burst of ready nodes cannot flood a
// live target.
type HTTPExecutor struct {
	client *http.Client
	logger *slog.Logger

	hostRate  rate.Limit
	hostBurst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// HTTPOption configures an HTTPExecutor.
type HTTPOption func(*HTTPExecutor)

// WithHTTPLogger sets the logger.
func WithHTTPLogger(logger *slog.Logger) HTTPOption {
	return func(e *HTTPExecutor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(e *HTTPExecutor) {
		if client != nil {
			e.client = client
		}
	}
}

// WithHostRate sets the per-host request rate and burst.
func WithHostRate(perSecond float64, burst int) HTTPOption {
	return func(e *HTTPExecutor) {
		if perSecond > 0 {
			e.hostRate = rate.Limit(perSecond)
		}
		if burst > 0 {
			e.hostBurst = burst
		}
	}
}

// NewHTTPExecutor creates an executor for http_request nodes.
func NewHTTPExecutor(opts ...HTTPOption) *HTTPExecutor {
	e := &HTTPExecutor{
		client:    &http.Client{Timeout: 30 * time.Second},
		logger:    slog.Default(),
		hostRate:  defaultHostRate,
		hostBurst: defaultHostBurst,
		limiters:  make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute sends the node's HTTP request and reports the exchange. Any
// received response is a result; statuses of 400 and above mark it failed
// so the repair loop can react to the target's refusal. Only transport
// failures return an error, and those are retryable.
func (e *HTTPExecutor) Execute(ctx context.Context, node *graph.Node, execCtx *ExecContext) (*Result, error) {
	action := node.Action

	rawURL := execCtx.Expand(action.URL)
	target, err := url.Parse(rawURL)
	if err != nil || target.Host == "" {
		return nil, types.WrapError(types.EXECUTION_FAILED, fmt.Sprintf("invalid request url %q", rawURL), err)
	}

	if err := e.limiterFor(target.Host).Wait(ctx); err != nil {
		return nil, types.WrapError(types.EXECUTION_FAILED, "rate limit wait interrupted", err)
	}

	var body io.Reader
	if action.Body != "" {
		body = strings.NewReader(execCtx.Expand(action.Body))
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(action.Method), target.String(), body)
	if err != nil {
		return nil, types.WrapError(types.EXECUTION_FAILED, "failed to build request", err)
	}
	for name, value := range action.Headers {
		req.Header.Set(name, execCtx.Expand(value))
	}

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, types.WrapRetryableError(types.EXECUTION_TIMEOUT, fmt.Sprintf("request to %s timed out", target.Host), err)
		}
		return nil, types.WrapRetryableError(types.EXECUTION_FAILED, fmt.Sprintf("request to %s failed", target.Host), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, types.WrapRetryableError(types.EXECUTION_FAILED, "failed to read response body", err)
	}

	result := &Result{
		NodeID:     node.ID,
		Success:    resp.StatusCode < 400,
		Output:     string(data),
		Detail:     fmt.Sprintf("HTTP %d (%d bytes)", resp.StatusCode, len(data)),
		HTTPStatus: resp.StatusCode,
		Duration:   time.Since(start),
	}

	e.logger.Debug("http request executed",
		"run_id", execCtx.RunID,
		"node_id", node.ID,
		"method", req.Method,
		"url", target.String(),
		"status", resp.StatusCode,
		"duration", result.Duration)

	return result, nil
}

// limiterFor returns the rate limiter for a host, creating it on first use.
func (e *HTTPExecutor) limiterFor(host string) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()

	limiter, ok := e.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(e.hostRate, e.hostBurst)
		e.limiters[host] = limiter
	}
	return limiter
}

var _ Executor = (*HTTPExecutor)(nil)
