// Package capture supplies the traffic the reasoning pipeline compiles
// against. The capture mechanism itself is external; this package defines
// the capture document model and the providers that fetch it, either from
// replay fixtures on disk or from a live capture tool's HTTP endpoint.
package capture

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cybersharkvin/llmitm-v2-sub002/internal/types"
)

// Mode selects where captured traffic comes from.
type Mode string

const (
	// ModeReplay reads a recorded capture fixture from disk.
	ModeReplay Mode = "replay"

	// ModeLive pulls the current capture document from the external
	// capture tool.
	ModeLive Mode = "live"
)

// String returns the string representation of the mode.
func (m Mode) String() string {
	return string(m)
}

// IsValid checks if the Mode is a valid value.
func (m Mode) IsValid() bool {
	return m == ModeReplay || m == ModeLive
}

// Entry is one captured request/response pair. Headers carry only the
// subset the capture tool considered interesting; bodies are excerpts,
// not full payloads.
type Entry struct {
	Method          string            `json:"method"`
	URL             string            `json:"url"`
	RequestHeaders  map[string]string `json:"request_headers,omitempty"`
	RequestBody     string            `json:"request_body,omitempty"`
	Status          int               `json:"status"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
	ResponseBody    string            `json:"response_body,omitempty"`
}

// Text renders the entry as plain text, the form the reasoning prompts
// and regex matching consume. Headers render in sorted order so identical
// captures always produce identical text.
func (e Entry) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", e.Method, e.URL)
	for _, name := range sortedKeys(e.RequestHeaders) {
		fmt.Fprintf(&b, "%s: %s\n", name, e.RequestHeaders[name])
	}
	if e.RequestBody != "" {
		b.WriteString(e.RequestBody)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "HTTP %d\n", e.Status)
	for _, name := range sortedKeys(e.ResponseHeaders) {
		fmt.Fprintf(&b, "%s: %s\n", name, e.ResponseHeaders[name])
	}
	if e.ResponseBody != "" {
		b.WriteString(e.ResponseBody)
		b.WriteString("\n")
	}
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Capture is one traffic capture document for a target profile.
type Capture struct {
	Profile    string    `json:"profile"`
	Mode       Mode      `json:"mode,omitempty"`
	CapturedAt time.Time `json:"captured_at,omitempty"`
	Entries    []Entry   `json:"entries"`
}

// Text renders the whole capture as numbered plain-text entries.
func (c *Capture) Text() string {
	var b strings.Builder
	for i, entry := range c.Entries {
		fmt.Fprintf(&b, "--- entry %d ---\n", i+1)
		b.WriteString(entry.Text())
	}
	return b.String()
}

// Validate checks that the capture is usable as reasoning input. An
// empty capture is rejected here rather than surfacing later as an
// empty-context failure deep in the compiler.
func (c *Capture) Validate() error {
	if c.Profile == "" {
		return types.NewError(types.CAPTURE_FAILED, "capture document missing profile")
	}
	if len(c.Entries) == 0 {
		return types.NewError(types.CAPTURE_EMPTY, "capture contains no traffic entries")
	}
	return nil
}

// Provider fetches captured traffic for a target profile.
type Provider interface {
	// Mode reports which capture mode the provider serves.
	Mode() Mode

	// Fetch returns the capture document for the profile. Empty or
	// missing captures are errors, never a nil-and-nil return.
	Fetch(ctx context.Context, profile string) (*Capture, error)
}
