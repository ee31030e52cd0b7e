package models

// StreamEventType identifies a streaming envelope event.
type StreamEventType string

const (
	// StreamAssistantChunk carries incremental assistant text.
	StreamAssistantChunk StreamEventType = "assistant_chunk"
	// StreamToolStart signals that a tool execution has begun.
	StreamToolStart StreamEventType = "tool_start"
	// StreamToolChunk carries incremental output from a streaming tool.
	StreamToolChunk StreamEventType = "tool_chunk"
	// StreamToolResult carries the final result of one tool call.
	StreamToolResult StreamEventType = "tool_result"
	// StreamError carries a categorized, non-sensitive error message.
	StreamError StreamEventType = "error"
	// StreamAssistantDone terminates a turn. Exactly one per turn.
	StreamAssistantDone StreamEventType = "assistant_done"
)

// StreamEvent is the structured envelope delivered to streaming-capable
// clients. One event marshals to one JSON object on the wire.
type StreamEvent struct {
	Type               StreamEventType `json:"type"`
	Content            string          `json:"content,omitempty"`
	ToolName           string          `json:"tool_name,omitempty"`
	InReplyToMessageID string          `json:"in_reply_to_message_id,omitempty"`
}

// Terminal reports whether the event closes a turn.
func (e *StreamEvent) Terminal() bool {
	return e.Type == StreamAssistantDone
}
