package capture

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybersharkvin/llmitm-v2-sub002/internal/types"
)

func writeFixture(t *testing.T, dir, profile, content string) {
	t.Helper()
	path := filepath.Join(dir, profile+".json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestReplayProvider_Fetch(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "juice_shop", `{
		"profile": "juice_shop",
		"captured_at": "2025-06-01T12:00:00Z",
		"entries": [
			{"method": "GET", "url": "http://localhost:3000/rest/products/search?q=apple", "status": 200,
			 "response_body": "{\"data\":[{\"id\":1,\"name\":\"Apple Juice\"}]}"},
			{"method": "POST", "url": "http://localhost:3000/rest/user/login", "status": 401,
			 "request_body": "{\"email\":\"test\",\"password\":\"test\"}"}
		]
	}`)

	p := NewReplayProvider(dir)
	doc, err := p.Fetch(context.Background(), "juice_shop")
	require.NoError(t, err)

	assert.Equal(t, "juice_shop", doc.Profile)
	assert.Equal(t, ModeReplay, doc.Mode)
	assert.Len(t, doc.Entries, 2)
	assert.Equal(t, "GET", doc.Entries[0].Method)
	assert.Equal(t, 401, doc.Entries[1].Status)
}

func TestReplayProvider_FetchStampsProfileFromFilename(t *testing.T) {
	dir := t.TempDir()
	// Document carries a stale profile name copied from another target.
	writeFixture(t, dir, "dvwa", `{"profile": "juice_shop", "entries": [{"method": "GET", "url": "http://localhost:8080/", "status": 200}]}`)

	p := NewReplayProvider(dir)
	doc, err := p.Fetch(context.Background(), "dvwa")
	require.NoError(t, err)
	assert.Equal(t, "dvwa", doc.Profile)
}

func TestReplayProvider_FetchMissingFixture(t *testing.T) {
	p := NewReplayProvider(t.TempDir())
	_, err := p.Fetch(context.Background(), "juice_shop")
	require.Error(t, err)
	assert.Equal(t, types.CAPTURE_FAILED, types.CodeOf(err))
	assert.False(t, types.IsRetryable(err))
}

func TestReplayProvider_FetchInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "juice_shop", `{"entries": [`)

	p := NewReplayProvider(dir)
	_, err := p.Fetch(context.Background(), "juice_shop")
	require.Error(t, err)
	assert.Equal(t, types.CAPTURE_FAILED, types.CodeOf(err))
}

func TestReplayProvider_FetchEmptyCapture(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "juice_shop", `{"profile": "juice_shop", "entries": []}`)

	p := NewReplayProvider(dir)
	_, err := p.Fetch(context.Background(), "juice_shop")
	require.Error(t, err)
	assert.Equal(t, types.CAPTURE_EMPTY, types.CodeOf(err))
}

func TestReplayProvider_FetchCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewReplayProvider(t.TempDir())
	_, err := p.Fetch(ctx, "juice_shop")
	require.Error(t, err)
	assert.Equal(t, types.CAPTURE_FAILED, types.CodeOf(err))
}

func TestReplayProvider_Mode(t *testing.T) {
	assert.Equal(t, ModeReplay, NewReplayProvider(t.TempDir()).Mode())
}
