package providers

import (
	"github.com/google/uuid"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"

	"github.com/cybersharkvin/llmitm-v2-sub002/internal/llm"
)

// toLangchainMessages converts orchestrator messages to langchaingo MessageContent
func toLangchainMessages(messages []llm.Message) []llms.MessageContent {
	result := make([]llms.MessageContent, 0, len(messages))

	for _, msg := range messages {
		var role schema.ChatMessageType
		switch msg.Role {
		case llm.RoleSystem:
			role = schema.ChatMessageTypeSystem
		case llm.RoleAssistant:
			role = schema.ChatMessageTypeAI
		default:
			role = schema.ChatMessageTypeHuman
		}

		result = append(result, llms.MessageContent{
			Role:  role,
			Parts: []llms.ContentPart{llms.TextPart(msg.Content)},
		})
	}

	return result
}

// buildCallOptions maps request parameters onto langchaingo call options
func buildCallOptions(req llm.CompletionRequest) []llms.CallOption {
	callOpts := make([]llms.CallOption, 0, 3)

	if req.Temperature > 0 {
		callOpts = append(callOpts, llms.WithTemperature(req.Temperature))
	}
	if req.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(req.MaxTokens))
	}
	if req.Model != "" {
		callOpts = append(callOpts, llms.WithModel(req.Model))
	}

	return callOpts
}

// fromLangchainResponse converts a langchaingo response into ours
func fromLangchainResponse(resp *llms.ContentResponse, model string) *llm.CompletionResponse {
	out := &llm.CompletionResponse{
		ID:           uuid.New().String(),
		Model:        model,
		FinishReason: llm.FinishReasonStop,
	}

	if resp == nil || len(resp.Choices) == 0 {
		out.FinishReason = llm.FinishReasonError
		return out
	}

	choice := resp.Choices[0]
	out.Message = llm.NewAssistantMessage(choice.Content)

	if choice.StopReason == "length" || choice.StopReason == "max_tokens" {
		out.FinishReason = llm.FinishReasonLength
	}

	// Token counts live in GenerationInfo under provider-specific keys.
	if choice.GenerationInfo != nil {
		out.Usage = llm.TokenUsage{
			PromptTokens:     intFromInfo(choice.GenerationInfo, "PromptTokens", "input_tokens"),
			CompletionTokens: intFromInfo(choice.GenerationInfo, "CompletionTokens", "output_tokens"),
			TotalTokens:      intFromInfo(choice.GenerationInfo, "TotalTokens", "total_tokens"),
		}
	}

	return out
}

func intFromInfo(info map[string]any, keys ...string) int {
	for _, key := range keys {
		switch v := info[key].(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
	}
	return 0
}
