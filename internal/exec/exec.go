// Package exec holds the execution contract shared by the sandbox runner and
// the fast path executor. Both produce the same Result shape so the
// orchestrator can treat them interchangeably.
package exec

// Status of a finished execution.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Request describes one assistant invocation for a tenant.
type Request struct {
	Prompt          string `json:"prompt"`
	SessionToken    string `json:"session_token,omitempty"`
	MediaPath       string `json:"media_path,omitempty"`
	SystemPrompt    string `json:"system_prompt,omitempty"`
	ChatJID         string `json:"chat_jid,omitempty"`
	EnableWebSearch bool   `json:"enable_web_search,omitempty"`

	// FreshSession forces a run without the tenant's continuation token and
	// keeps any token the run produces from replacing it. Used by isolated
	// scheduled tasks.
	FreshSession bool `json:"fresh_session,omitempty"`
}

// HasAttachment reports whether the request carries a media reference.
func (r Request) HasAttachment() bool {
	return r.MediaPath != ""
}

// Result is the structured outcome of a sandbox or fast-path execution.
type Result struct {
	Status          string `json:"status"`
	Result          string `json:"result,omitempty"`
	NewSessionToken string `json:"new_session_token,omitempty"`
	InputTokens     int    `json:"input_tokens,omitempty"`
	OutputTokens    int    `json:"output_tokens,omitempty"`
	Error           string `json:"error,omitempty"`
}

// OK reports whether the execution succeeded.
func (r *Result) OK() bool {
	return r != nil && r.Status == StatusSuccess
}

// ProgressEvent types.
const (
	ProgressToolUse = "tool_use"
	ProgressMessage = "message"
)

// ProgressEvent is a transient notification emitted while an execution is in
// flight. Events are never persisted; intermediate ones are best-effort.
type ProgressEvent struct {
	Type       string `json:"type"`
	ToolName   string `json:"tool_name,omitempty"`
	Content    string `json:"content,omitempty"`
	IsComplete bool   `json:"is_complete,omitempty"`
}

// Sink receives progress events during an execution. Implementations must be
// non-blocking; slow consumers drop intermediate events rather than stall the
// execution.
type Sink interface {
	Progress(ev ProgressEvent)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ev ProgressEvent)

func (f SinkFunc) Progress(ev ProgressEvent) {
	if f != nil {
		f(ev)
	}
}

// DiscardSink swallows all progress events.
var DiscardSink Sink = SinkFunc(nil)
