// Package fastpath answers simple requests with a direct model call instead
// of a full sandbox boot. It only ever sees an allowlisted tool surface; any
// failure falls back to the sandbox, never to the user.
package fastpath

import "context"

type Message struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	ToolCallID string `json:"tool_call_id,omitempty"`

	// ToolCalls are the tool_use blocks of an assistant turn. They must be
	// replayed verbatim; the API rejects a tool result whose id has no
	// matching tool_use in the preceding assistant message.
	ToolCalls []*ToolCall `json:"tool_calls,omitempty"`
}

type ToolDef struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type ToolCall struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name"`
	Input string `json:"input"`
}

type CompletionRequest struct {
	Model     string    `json:"model"`
	System    string    `json:"system,omitempty"`
	MaxTokens int64     `json:"max_tokens"`
	Messages  []Message `json:"messages"`
	Tools     []ToolDef `json:"tools,omitempty"`
}

type CompletionResponse struct {
	Content      string      `json:"content"`
	ToolCalls    []*ToolCall `json:"tool_calls,omitempty"`
	InputTokens  int         `json:"input_tokens"`
	OutputTokens int         `json:"output_tokens"`
}

// Model is the completion backend. Tests substitute a scripted fake.
type Model interface {
	Generate(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
