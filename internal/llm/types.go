// Package llm defines the canonical request/event contract every Provider
// Adapter translates its wire protocol into. The Session Loop only ever
// sees these types, never a provider-specific shape.
package llm

import "encoding/json"

// Role identifies a message's place in the conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentKind enumerates the content-block kinds carried in a Message.
type ContentKind string

const (
	ContentText     ContentKind = "text"
	ContentImageRef ContentKind = "image-ref"
	ContentPDFRef   ContentKind = "pdf-ref"
	ContentToolUse  ContentKind = "tool-use"
	ContentToolRes  ContentKind = "tool-result"
	ContentReasoning ContentKind = "reasoning"
)

// ContentBlock is one immutable piece of a Message.
type ContentBlock struct {
	Kind       ContentKind     `json:"kind"`
	Text       string          `json:"text,omitempty"`
	RefURI     string          `json:"ref_uri,omitempty"`
	ToolUseID  string          `json:"tool_use_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolArgs   json.RawMessage `json:"tool_args,omitempty"`
	ToolResult string          `json:"tool_result,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
}

// Message is one canonical turn in the conversation sent to a provider.
type Message struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`
}

// ToolSchema describes one callable tool for the provider's function-calling
// surface.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// SamplingParams carries model sampling knobs.
type SamplingParams struct {
	Temperature     float64
	MaxOutputTokens int
	ReasoningEffort string
}

// Request is the canonical request a Provider Adapter streams against a
// model. It is rebuilt fresh every iteration (see "Re-reading the brain").
type Request struct {
	Model    string
	System   string
	Messages []Message
	Tools    []ToolSchema
	Sampling SamplingParams
}

// Usage reports token accounting for one request.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// EventKind enumerates the canonical streaming event kinds emitted by every
// Provider Adapter regardless of wire family.
type EventKind string

const (
	EventTextDelta    EventKind = "text-delta"
	EventReasonDelta  EventKind = "reasoning-delta"
	EventToolUseStart EventKind = "tool-use-start"
	EventToolArgDelta EventKind = "tool-use-arg-delta"
	EventToolUseEnd   EventKind = "tool-use-end"
	EventUsage        EventKind = "usage"
	EventStop         EventKind = "stop"

	// EventError reports a classified mid-stream failure the adapter can
	// name precisely (ErrContextTooLong, ErrMalformedStream, ...), as
	// opposed to a transport drop the adapter cannot explain. An adapter
	// that sends EventError always closes the channel immediately after
	// without an EventStop; one that closes without ever sending
	// EventError or EventStop signals a plain llm.ErrDroppedStream.
	EventError EventKind = "error"
)

// Event is one normalized streaming event.
type Event struct {
	Kind EventKind

	// text-delta / reasoning-delta
	Text string

	// tool-use-start / tool-use-arg-delta / tool-use-end
	ToolCallID   string // provider-assigned id, see StreamingAccumulator
	ToolName     string
	ArgsFragment string // for tool-use-arg-delta
	ArgsFinal    string // for tool-use-end, full accumulated JSON string

	// usage
	Usage Usage

	// stop
	StopReason string // "stop" | "tool_calls" | "length" | ...

	// error
	Err error
}
