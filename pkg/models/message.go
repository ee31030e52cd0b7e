// Package models defines the shared domain types exchanged between the
// session router, the agent runtime, and channel adapters.
package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Role indicates the author of a chat turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// SessionState tracks the lifecycle of a session.
type SessionState string

const (
	SessionActive     SessionState = "active"
	SessionIdle       SessionState = "idle"
	SessionCompacting SessionState = "compacting"
	SessionClosed     SessionState = "closed"
)

// SessionKeySeparator joins channel and sender ids into a session id.
// Sender ids must not contain it; BuildSessionKey strips it.
const SessionKeySeparator = ":"

// BuildSessionKey returns the canonical session id for a channel/sender pair.
func BuildSessionKey(channelID, senderID string) string {
	senderID = strings.ReplaceAll(senderID, SessionKeySeparator, "_")
	return channelID + SessionKeySeparator + senderID
}

// SplitSessionKey splits a canonical session id into channel and sender ids.
// The sender id may itself be empty; the first separator wins.
func SplitSessionKey(key string) (channelID, senderID string, ok bool) {
	idx := strings.Index(key, SessionKeySeparator)
	if idx < 0 {
		return "", "", false
	}
	return key[:idx], key[idx+len(SessionKeySeparator):], true
}

// ToolUsePlaceholder is the content of an assistant turn that requested
// tool use instead of answering.
const ToolUsePlaceholder = "[tool_use]"

// ToolCall represents an LLM's request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult represents the output of a tool execution.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// ChatTurn is a single entry in a session's history.
//
// Assistant turns that requested tool use carry the ToolCalls slice and the
// placeholder content "[tool_use]"; the matching tool turns each carry the
// ToolCallID and ToolName of the call that produced them.
type ChatTurn struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
	// Transient turns are injected per-request (note recall) and are never
	// persisted with the session.
	Transient bool `json:"-"`
}

// Session is the per-(channel, sender) conversational state.
type Session struct {
	ID                string         `json:"id"`
	ChannelID         string         `json:"channel_id"`
	SenderID          string         `json:"sender_id"`
	State             SessionState   `json:"state"`
	CreatedAt         time.Time      `json:"created_at"`
	LastActivityAt    time.Time      `json:"last_activity_at"`
	History           []ChatTurn     `json:"history"`
	TotalInputTokens  int64          `json:"total_input_tokens"`
	TotalOutputTokens int64          `json:"total_output_tokens"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// NewSession creates an active session for the given channel/sender pair.
func NewSession(channelID, senderID string) *Session {
	now := time.Now()
	return &Session{
		ID:             BuildSessionKey(channelID, senderID),
		ChannelID:      channelID,
		SenderID:       senderID,
		State:          SessionActive,
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

// Touch updates the session's last-activity timestamp.
func (s *Session) Touch() {
	s.LastActivityAt = time.Now()
}

// AddUsage accumulates token usage onto the session. Counts are monotonic;
// negative deltas are ignored.
func (s *Session) AddUsage(inputTokens, outputTokens int64) {
	if inputTokens > 0 {
		s.TotalInputTokens += inputTokens
	}
	if outputTokens > 0 {
		s.TotalOutputTokens += outputTokens
	}
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	clone := *s
	clone.History = CloneHistory(s.History)
	if s.Metadata != nil {
		clone.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

// CloneHistory deep-copies a history slice, including tool call payloads.
func CloneHistory(history []ChatTurn) []ChatTurn {
	if history == nil {
		return nil
	}
	out := make([]ChatTurn, len(history))
	copy(out, history)
	for i, turn := range history {
		if len(turn.ToolCalls) > 0 {
			calls := make([]ToolCall, len(turn.ToolCalls))
			copy(calls, turn.ToolCalls)
			for j, call := range turn.ToolCalls {
				if call.Input != nil {
					calls[j].Input = append(json.RawMessage(nil), call.Input...)
				}
			}
			out[i].ToolCalls = calls
		}
	}
	return out
}

// PersistentHistory filters out transient turns before a session is saved.
func PersistentHistory(history []ChatTurn) []ChatTurn {
	out := make([]ChatTurn, 0, len(history))
	for _, turn := range history {
		if turn.Transient {
			continue
		}
		out = append(out, turn)
	}
	return out
}
