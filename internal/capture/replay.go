package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cybersharkvin/llmitm-v2-sub002/internal/types"
)

// ReplayProvider serves recorded capture fixtures from a directory, one
// JSON document per target profile named <profile>.json. Replay runs are
// fully deterministic, which is what makes recompilation idempotence
// testable end to end.
type ReplayProvider struct {
	dir    string
	logger *slog.Logger
}

var _ Provider = (*ReplayProvider)(nil)

// ReplayOption is a functional option for configuring the ReplayProvider.
type ReplayOption func(*ReplayProvider)

// WithReplayLogger sets the logger for replay fetches.
func WithReplayLogger(logger *slog.Logger) ReplayOption {
	return func(p *ReplayProvider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewReplayProvider creates a provider reading fixtures from dir.
func NewReplayProvider(dir string, options ...ReplayOption) *ReplayProvider {
	p := &ReplayProvider{
		dir:    dir,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Mode reports that this provider serves replay captures.
func (p *ReplayProvider) Mode() Mode {
	return ModeReplay
}

// Fetch reads and validates the fixture for the profile.
func (p *ReplayProvider) Fetch(ctx context.Context, profile string) (*Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.WrapError(types.CAPTURE_FAILED, "capture fetch cancelled", err)
	}

	path := filepath.Join(p.dir, profile+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.WrapError(types.CAPTURE_FAILED,
				fmt.Sprintf("no capture fixture for profile %q at %s", profile, path), err)
		}
		return nil, types.WrapError(types.CAPTURE_FAILED,
			fmt.Sprintf("failed to read capture fixture %s", path), err)
	}

	var doc Capture
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, types.WrapError(types.CAPTURE_FAILED,
			fmt.Sprintf("capture fixture %s is not valid JSON", path), err)
	}

	// The fixture names its own profile; trust the filename over a stale
	// or copied document field.
	doc.Profile = profile
	doc.Mode = ModeReplay

	if err := doc.Validate(); err != nil {
		return nil, err
	}

	p.logger.Debug("loaded replay capture",
		"profile", profile,
		"entries", len(doc.Entries),
		"path", path)

	return &doc, nil
}
