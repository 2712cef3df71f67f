package executor

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybersharkvin/llmitm-v2-sub002/internal/graph"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/types"
)

func TestHTTPExecutor_Execute(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "GET", r.Method)
		assert.Equal(t, "/rest/products/search", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"success"}`))
	}))
	defer server.Close()

	e := NewHTTPExecutor()
	node := testNode("n1", graph.Action{
		Type:   graph.NodeTypeHTTPRequest,
		Method: "GET",
		URL:    server.URL + "/rest/products/search",
	})

	result, err := e.Execute(context.Background(), node, NewExecContext("run-1", nil))
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, http.StatusOK, result.HTTPStatus)
	assert.Equal(t, `{"status":"success"}`, result.Output)
	assert.Contains(t, result.Detail, "HTTP 200")
	assert.Greater(t, result.Duration, time.Duration(0))
}

func TestHTTPExecutor_Execute_TargetRefusalIsFailedResult(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer server.Close()

	e := NewHTTPExecutor()
	node := testNode("n1", graph.Action{
		Type:   graph.NodeTypeHTTPRequest,
		Method: "GET",
		URL:    server.URL + "/rest/basket/1",
	})

	result, err := e.Execute(context.Background(), node, NewExecContext("run-1", nil))
	require.NoError(t, err, "a refused request is a result, not an error")
	assert.False(t, result.Success)
	assert.Equal(t, http.StatusUnauthorized, result.HTTPStatus)
	assert.Contains(t, result.Detail, "HTTP 401")
}

func TestHTTPExecutor_Execute_ExpandsOutputReferences(t *testing.T) {
	var gotAuth, gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		data, _ := io.ReadAll(r.Body)
		gotBody = string(data)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	e := NewHTTPExecutor()
	node := testNode("n1", graph.Action{
		Type:    graph.NodeTypeHTTPRequest,
		Method:  "POST",
		URL:     server.URL + "/rest/basket/checkout",
		Headers: map[string]string{"Authorization": "Bearer output:session_token"},
		Body:    `{"token":"output:session_token"}`,
	})

	execCtx := NewExecContext("run-1", nil)
	execCtx.SetOutput("session_token", "tok-123")

	result, err := e.Execute(context.Background(), node, execCtx)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "Bearer tok-123", gotAuth)
	assert.Equal(t, `{"token":"tok-123"}`, gotBody)
}

func TestHTTPExecutor_Execute_UnreachableIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	e := NewHTTPExecutor()
	node := testNode("n1", graph.Action{
		Type:   graph.NodeTypeHTTPRequest,
		Method: "GET",
		URL:    server.URL + "/",
	})

	_, err := e.Execute(context.Background(), node, NewExecContext("run-1", nil))
	require.Error(t, err)
	assert.Equal(t, types.EXECUTION_FAILED, types.CodeOf(err))
	assert.True(t, types.IsRetryable(err), "transport failures should be retryable")
}

func TestHTTPExecutor_Execute_InvalidURL(t *testing.T) {
	e := NewHTTPExecutor()
	node := testNode("n1", graph.Action{
		Type:   graph.NodeTypeHTTPRequest,
		Method: "GET",
		URL:    "not-a-url",
	})

	_, err := e.Execute(context.Background(), node, NewExecContext("run-1", nil))
	require.Error(t, err)
	assert.Equal(t, types.EXECUTION_FAILED, types.CodeOf(err))
	assert.False(t, types.IsRetryable(err))
}

func TestHTTPExecutor_Execute_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	e := NewHTTPExecutor()
	node := testNode("n1", graph.Action{
		Type:   graph.NodeTypeHTTPRequest,
		Method: "GET",
		URL:    server.URL + "/slow",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := e.Execute(ctx, node, NewExecContext("run-1", nil))
	require.Error(t, err)
	assert.Equal(t, types.EXECUTION_TIMEOUT, types.CodeOf(err))
	assert.True(t, types.IsRetryable(err))
}

func TestHTTPExecutor_LimiterPerHost(t *testing.T) {
	e := NewHTTPExecutor()

	first := e.limiterFor("localhost:3000")
	second := e.limiterFor("localhost:3000")
	other := e.limiterFor("localhost:4000")

	assert.Same(t, first, second)
	assert.NotSame(t, first, other)
}
