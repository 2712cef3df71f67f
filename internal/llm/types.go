package llm

import (
	"encoding/json"
	"fmt"
)

// Role represents the role of a message in a conversation
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// String returns the string representation of the Role
func (r Role) String() string {
	return string(r)
}

// IsValid checks if the role is a valid value
func (r Role) IsValid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	default:
		return false
	}
}

// MarshalJSON implements json.Marshaler
func (r Role) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(r))
}

// UnmarshalJSON implements json.Unmarshaler
func (r *Role) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}

	role := Role(str)
	if !role.IsValid() {
		return fmt.Errorf("invalid role: %s", str)
	}

	*r = role
	return nil
}

// Message represents a single message in a conversation with a reasoning
// provider. The corrective-retry flow appends the assistant's malformed
// reply followed by a user correction, so the conversation carries its own
// repair history.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// NewSystemMessage creates a new system message
func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// NewUserMessage creates a new user message
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// NewAssistantMessage creates a new assistant message
func NewAssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// Validate checks if the message is valid
func (m Message) Validate() error {
	if !m.Role.IsValid() {
		return fmt.Errorf("invalid role: %s", m.Role)
	}
	if m.Content == "" {
		return fmt.Errorf("%s message must have content", m.Role)
	}
	return nil
}

// CompletionRequest represents a request to generate a completion
type CompletionRequest struct {
	Model       string    `json:"model,omitempty"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// Validate checks if the completion request is valid
func (r CompletionRequest) Validate() error {
	if len(r.Messages) == 0 {
		return fmt.Errorf("at least one message is required")
	}

	for i, msg := range r.Messages {
		if err := msg.Validate(); err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
	}

	if r.Temperature < 0 || r.Temperature > 1 {
		return fmt.Errorf("temperature must be between 0 and 1, got %f", r.Temperature)
	}

	if r.MaxTokens < 0 {
		return fmt.Errorf("max_tokens must be non-negative, got %d", r.MaxTokens)
	}

	return nil
}

// CompletionResponse represents the response from a completion request
type CompletionResponse struct {
	// ID is a unique identifier for this completion
	ID string `json:"id"`

	// Model is the model that generated this response
	Model string `json:"model"`

	// Message is the assistant's response message
	Message Message `json:"message"`

	// FinishReason indicates why generation stopped
	FinishReason FinishReason `json:"finish_reason"`

	// Usage contains token usage statistics when the provider reports them
	Usage TokenUsage `json:"usage"`
}

// FinishReason indicates why generation stopped
type FinishReason string

const (
	FinishReasonStop   FinishReason = "stop"
	FinishReasonLength FinishReason = "length"
	FinishReasonError  FinishReason = "error"
)

// String returns the string representation of FinishReason
func (f FinishReason) String() string {
	return string(f)
}

// TokenUsage contains token counts for one completion
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
