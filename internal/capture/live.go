package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cybersharkvin/llmitm-v2-sub002/internal/types"
)

// maxCaptureBytes bounds how much of the capture endpoint's response is
// read. Capture documents carry excerpts, not raw traffic, so anything
// larger indicates a misconfigured endpoint.
const maxCaptureBytes = 8 << 20

// LiveProvider pulls the current capture document for a profile from the
// external capture tool's HTTP endpoint. The endpoint serves the same
// JSON document shape the replay fixtures use, at GET {endpoint}/{profile}.
type LiveProvider struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

var _ Provider = (*LiveProvider)(nil)

// LiveOption is a functional option for configuring the LiveProvider.
type LiveOption func(*LiveProvider)

// WithLiveTimeout bounds each pull from the capture endpoint.
// Default: 30s.
func WithLiveTimeout(d time.Duration) LiveOption {
	return func(p *LiveProvider) {
		if d > 0 {
			p.client.Timeout = d
		}
	}
}

// WithLiveHTTPClient replaces the HTTP client, mainly for tests.
func WithLiveHTTPClient(client *http.Client) LiveOption {
	return func(p *LiveProvider) {
		if client != nil {
			p.client = client
		}
	}
}

// WithLiveLogger sets the logger for live fetches.
func WithLiveLogger(logger *slog.Logger) LiveOption {
	return func(p *LiveProvider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewLiveProvider creates a provider pulling from the given endpoint.
func NewLiveProvider(endpoint string, options ...LiveOption) *LiveProvider {
	p := &LiveProvider{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Mode reports that this provider serves live captures.
func (p *LiveProvider) Mode() Mode {
	return ModeLive
}

// Fetch pulls the capture document for the profile. Network failures are
// retryable; an empty or malformed document is not.
func (p *LiveProvider) Fetch(ctx context.Context, profile string) (*Capture, error) {
	if p.endpoint == "" {
		return nil, types.NewError(types.CAPTURE_FAILED, "live capture endpoint not configured")
	}

	fetchURL, err := url.JoinPath(p.endpoint, profile)
	if err != nil {
		return nil, types.WrapError(types.CAPTURE_FAILED,
			fmt.Sprintf("invalid capture endpoint %q", p.endpoint), err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
	if err != nil {
		return nil, types.WrapError(types.CAPTURE_FAILED, "failed to build capture request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, types.WrapRetryableError(types.CAPTURE_FAILED,
			fmt.Sprintf("capture endpoint unreachable at %s", fetchURL), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, types.NewError(types.CAPTURE_FAILED,
			fmt.Sprintf("capture endpoint has no capture for profile %q", profile))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, types.NewRetryableError(types.CAPTURE_FAILED,
			fmt.Sprintf("capture endpoint returned HTTP %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCaptureBytes))
	if err != nil {
		return nil, types.WrapRetryableError(types.CAPTURE_FAILED, "failed to read capture response", err)
	}

	var doc Capture
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, types.WrapError(types.CAPTURE_FAILED, "capture endpoint returned invalid JSON", err)
	}

	doc.Profile = profile
	doc.Mode = ModeLive
	if doc.CapturedAt.IsZero() {
		doc.CapturedAt = time.Now().UTC()
	}

	if err := doc.Validate(); err != nil {
		return nil, err
	}

	p.logger.Debug("pulled live capture",
		"profile", profile,
		"entries", len(doc.Entries),
		"endpoint", fetchURL)

	return &doc, nil
}
