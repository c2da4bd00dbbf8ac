package llm

import "context"

// Message roles shared across providers.
const (
	RoleUser      = "user"
	RoleDeveloper = "developer"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Provider defines the interface for tool-calling LLM providers.
// All providers MUST surface function calls as structured ToolCall values
// so agents never have to parse tool invocations out of free text.
type Provider interface {
	// Turn runs one conversation turn. When callback is non-nil the
	// request streams and reasoning/text deltas are forwarded as they
	// arrive; the returned TurnResponse is the same either way.
	Turn(ctx context.Context, request *TurnRequest, callback StreamCallback) (*TurnResponse, error)

	// Name returns the provider name (e.g., "openai", "gemini")
	Name() string
}

// ToolDef describes one callable tool offered to the model.
type ToolDef struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON Schema object
}

// Message is one transcript entry. Assistant entries carrying a CallID
// replay a tool call the model made on an earlier turn (Content holds the
// argument JSON); tool entries carrying a CallID replay its result.
type Message struct {
	Role    string `json:"role"`
	Name    string `json:"name,omitempty"`
	CallID  string `json:"call_id,omitempty"`
	Content string `json:"content"`
}

// TurnRequest contains all parameters needed for one turn
type TurnRequest struct {
	Model         string
	SystemPrompt  string
	ReasoningMode string
	Messages      []Message
	Tools         []ToolDef
}

// ToolCall is one function call requested by the model.
type ToolCall struct {
	CallID string
	Name   string
	Args   map[string]any
}

// Usage aggregates token counts for one turn.
type Usage struct {
	InputTokens     int64 `json:"inputTokens"`
	OutputTokens    int64 `json:"outputTokens"`
	ReasoningTokens int64 `json:"reasoningTokens"`
	TotalTokens     int64 `json:"totalTokens"`
}

// TurnResponse contains the result from the LLM
type TurnResponse struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
}

// StreamCallback is called for each streaming event
type StreamCallback func(event StreamEvent) error

// StreamEvent represents a provider-side event during streaming
type StreamEvent struct {
	Type    string         `json:"type"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}
