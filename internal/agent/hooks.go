package agent

import (
	"context"
	"encoding/json"
	"time"
)

// HookContext carries the identity of the turn a tool call belongs to.
type HookContext struct {
	SessionID     string
	ChannelID     string
	SenderID      string
	CorrelationID string
	IsStreaming   bool
}

// Hook observes tool executions. Implement BeforeHook and/or AfterHook on
// top of it; either side is optional.
type Hook interface {
	Name() string
}

// BeforeHook runs before a tool executes. A non-nil error vetoes the call;
// the tool is skipped and a "hook denied" result is recorded.
type BeforeHook interface {
	Hook
	BeforeToolCall(ctx context.Context, toolName string, args json.RawMessage, hctx HookContext) error
}

// AfterHook runs after a tool finishes. Errors from after hooks are logged
// and never mutate the result.
type AfterHook interface {
	Hook
	AfterToolCall(ctx context.Context, toolName, result string, duration time.Duration, failed bool, hctx HookContext) error
}
