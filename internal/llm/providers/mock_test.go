package providers

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybersharkvin/llmitm-v2-sub002/internal/llm"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/types"
)

func TestMockProvider_ReplaysScriptInOrder(t *testing.T) {
	mock := NewMockProvider([]string{`{"a": 1}`, `{"b": 2}`})

	first, err := mock.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{llm.NewUserMessage("recon")},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a": 1}`, first.Message.Content)

	second, err := mock.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{llm.NewUserMessage("critic")},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"b": 2}`, second.Message.Content)

	// Script exhausted: the last response repeats.
	third, err := mock.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{llm.NewUserMessage("repair")},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"b": 2}`, third.Message.Content)
}

func TestMockProvider_RecordsCalls(t *testing.T) {
	mock := NewMockProvider([]string{"{}"})

	_, err := mock.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{llm.NewSystemMessage("sys"), llm.NewUserMessage("ctx")},
	})
	require.NoError(t, err)

	calls := mock.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "sys", calls[0].Request.Messages[0].Content)
}

func TestMockProvider_FailCall(t *testing.T) {
	mock := NewMockProvider([]string{"{}"})
	boom := types.NewRetryableError(llm.ErrNetworkFailed, "injected")
	mock.FailCall(0, boom)

	_, err := mock.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{llm.NewUserMessage("x")},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))

	// Next call succeeds and still consumes the script from the start.
	resp, err := mock.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{llm.NewUserMessage("y")},
	})
	require.NoError(t, err)
	assert.Equal(t, "{}", resp.Message.Content)
}

func TestMockProvider_UnscriptedDefaultsToEmptyPlan(t *testing.T) {
	mock := NewMockProvider(nil)

	resp, err := mock.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{llm.NewUserMessage("anything")},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"opportunities": []}`, resp.Message.Content)
}

func TestNewProvider_Factory(t *testing.T) {
	tests := []struct {
		name    string
		cfg     llm.ProviderConfig
		wantErr types.ErrorCode
	}{
		{
			name: "mock",
			cfg:  llm.ProviderConfig{Type: "mock"},
		},
		{
			name:    "unknown type",
			cfg:     llm.ProviderConfig{Type: "carrier-pigeon"},
			wantErr: llm.ErrProviderUnknown,
		},
		{
			name:    "anthropic without key",
			cfg:     llm.ProviderConfig{Type: "anthropic"},
			wantErr: llm.ErrProviderUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.name == "anthropic without key" {
				t.Setenv("ANTHROPIC_API_KEY", "")
			}

			p, err := NewProvider(tt.cfg)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantErr, types.CodeOf(err))
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, p)
		})
	}
}
