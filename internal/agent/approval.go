package agent

import (
	"context"
	"encoding/json"
	"strings"
)

// ApprovalCallback decides whether a gated tool call may run. It is
// supplied per turn by the channel that can actually ask the user.
type ApprovalCallback func(ctx context.Context, toolName string, args json.RawMessage) (bool, error)

// ApprovalPolicy configures which tools need an explicit approval before
// they execute.
type ApprovalPolicy struct {
	// Require turns the gate on; when false no tool needs approval.
	Require bool

	// Tools lists the tool names that need approval.
	Tools []string

	// Aliases maps alternative names to registered tool names, so a policy
	// written against an alias still gates the real tool.
	Aliases map[string]string
}

// RequiresApproval reports whether the named tool is gated by this policy.
func (p ApprovalPolicy) RequiresApproval(toolName string) bool {
	if !p.Require {
		return false
	}
	for _, gated := range p.Tools {
		if gated == toolName {
			return true
		}
		if canonical, ok := p.Aliases[gated]; ok && canonical == toolName {
			return true
		}
	}
	return false
}

// Normalize trims blank entries so config typos do not silently gate
// nothing.
func (p ApprovalPolicy) Normalize() ApprovalPolicy {
	cleaned := make([]string, 0, len(p.Tools))
	for _, name := range p.Tools {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	p.Tools = cleaned
	return p
}
