// Package reply generates outbound replies for the intake assistant. The
// worker hands it conversation context and flow state; it returns either a
// reply to send or nil to stay silent.
package reply

import "context"

// ChatRole identifies the author of a chat message.
type ChatRole string

const (
	ChatRoleSystem    ChatRole = "system"
	ChatRoleUser      ChatRole = "user"
	ChatRoleAssistant ChatRole = "assistant"
)

// ChatMessage is one turn of model input.
type ChatMessage struct {
	Role    ChatRole
	Content string
}

// LLMRequest is a provider-agnostic completion request.
type LLMRequest struct {
	Model       string
	System      []string
	Messages    []ChatMessage
	MaxTokens   int32
	Temperature float32
	TopP        float32
}

// TokenUsage reports token counts when the provider exposes them.
type TokenUsage struct {
	InputTokens  int32
	OutputTokens int32
	TotalTokens  int32
}

// LLMResponse is the completed model output.
type LLMResponse struct {
	Text       string
	StopReason string
	Usage      TokenUsage
}

// LLMClient is the minimal completion surface the generator needs.
type LLMClient interface {
	Complete(ctx context.Context, req LLMRequest) (LLMResponse, error)
}
