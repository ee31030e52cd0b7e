package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/invopop/jsonschema"

	"github.com/haasonsaas/relay/pkg/models"
)

// DelegateToolName is the built-in tool that spawns a child agent.
const DelegateToolName = "delegate_agent"

// DelegateProfile scopes a child agent: its persona, its tool subset, and
// its loop budgets. Zero budgets inherit the parent runtime's values.
type DelegateProfile struct {
	SystemPrompt    string
	AllowedTools    []string
	MaxHistoryTurns int
	MaxIterations   int
}

// DelegationConfig enables the delegate_agent tool.
type DelegationConfig struct {
	Enabled bool

	// MaxDepth caps the delegation chain; a call at the cap fails without
	// spawning a child.
	MaxDepth int

	Profiles map[string]DelegateProfile
}

type delegateArgs struct {
	Profile string `json:"profile" jsonschema:"description=Name of the delegate profile to run"`
	Task    string `json:"task" jsonschema:"description=Task for the child agent to perform"`
}

// delegateParameterSchema derives the tool's parameter schema from the
// argument struct.
func delegateParameterSchema() (json.RawMessage, error) {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		AllowAdditionalProperties: false,
	}
	schema := r.Reflect(&delegateArgs{})
	return json.Marshal(schema)
}

// RegisterDelegation adds the delegate_agent tool to the runtime's
// registry. Each invocation runs a child runtime over an ephemeral session
// with the profile's tool subset; the child's final assistant text becomes
// the tool result.
func (r *Runtime) RegisterDelegation(cfg DelegationConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 2
	}

	schema, err := delegateParameterSchema()
	if err != nil {
		return fmt.Errorf("delegate schema: %w", err)
	}

	return r.registry.Register(&ToolRegistration{
		Name:            DelegateToolName,
		Description:     "Delegate a task to a specialized child agent. Returns the child's final answer.",
		ParameterSchema: schema,
		Executor: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args delegateArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", fmt.Errorf("invalid delegate arguments: %w", err)
			}
			return r.delegate(ctx, cfg, args)
		},
	})
}

func (r *Runtime) delegate(ctx context.Context, cfg DelegationConfig, args delegateArgs) (string, error) {
	if strings.TrimSpace(args.Task) == "" {
		return "", fmt.Errorf("delegate task is empty")
	}
	profile, ok := cfg.Profiles[args.Profile]
	if !ok {
		return "", fmt.Errorf("unknown delegate profile %q", args.Profile)
	}

	depth := r.config.Depth + 1
	if depth > cfg.MaxDepth {
		return "", fmt.Errorf("delegation depth limit reached (%d)", cfg.MaxDepth)
	}

	child := r.childRuntime(cfg, profile, depth)

	// The child's history is ephemeral: a fresh session that is never
	// admitted to the session manager or persisted.
	session := models.NewSession("delegate", args.Profile)
	session.ID = fmt.Sprintf("delegate:%s:%s", args.Profile, uuid.NewString())

	r.logger.Info("delegating task",
		"profile", args.Profile,
		"depth", depth,
		"child_session_id", session.ID)

	text, err := child.Run(ctx, session, args.Task, RunOptions{})
	if err != nil {
		return "", fmt.Errorf("delegate %s: %w", args.Profile, err)
	}
	return text, nil
}

// childRuntime builds the runtime a delegate call runs on. The tool subset
// comes from the profile's allow list; delegate_agent itself is excluded
// once no further depth remains, which breaks delegation cycles.
func (r *Runtime) childRuntime(cfg DelegationConfig, profile DelegateProfile, depth int) *Runtime {
	allowed := profile.AllowedTools
	if len(allowed) == 0 {
		allowed = r.registry.Names()
	}
	if depth >= cfg.MaxDepth {
		filtered := make([]string, 0, len(allowed))
		for _, name := range allowed {
			if name != DelegateToolName {
				filtered = append(filtered, name)
			}
		}
		allowed = filtered
	}
	registry := r.registry.Subset(allowed)

	childConfig := r.config
	childConfig.Depth = depth
	childConfig.Recall.Enabled = false
	childConfig.Compaction.Enabled = false
	if profile.SystemPrompt != "" {
		childConfig.SystemPrompt = profile.SystemPrompt
	}
	if profile.MaxIterations > 0 {
		childConfig.MaxIterations = profile.MaxIterations
	}
	if profile.MaxHistoryTurns > 0 {
		childConfig.MaxHistoryTurns = profile.MaxHistoryTurns
	}

	dispatcher := NewDispatcher(registry, r.dispatcher.config, r.dispatcher.hooks, r.logger)
	return NewRuntime(r.client, registry, dispatcher, r.store, childConfig, r.logger)
}
