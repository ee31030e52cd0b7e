// Package agent implements the orchestration core: the tool registry and
// dispatcher, the think-act-observe runtime loop, history compaction, note
// recall, and delegation to child agents.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/relay/internal/llm"
)

// ToolExecutor runs one tool call. Arguments arrive as the raw JSON the
// model produced; validation beyond schema shape is the tool's job. The
// returned string is the tool result; an error is captured as an
// "Error: ..." tool result rather than aborting the turn.
type ToolExecutor func(ctx context.Context, args json.RawMessage) (string, error)

// StreamingToolExecutor additionally emits incremental chunks while
// running. The dispatcher forwards chunks as tool_chunk stream events and
// uses their concatenation as the final result.
type StreamingToolExecutor func(ctx context.Context, args json.RawMessage, onChunk func(string)) error

// ToolRegistration describes one tool the model may call.
type ToolRegistration struct {
	// Name is unique within a registry; ASCII letters, digits, hyphen,
	// underscore.
	Name string

	// Description is shown to the model.
	Description string

	// ParameterSchema is a JSON Schema document for the arguments. It must
	// compile; a tool with a broken schema is refused at registration.
	ParameterSchema json.RawMessage

	// Optional tools are skipped silently when their backing capability is
	// missing instead of failing startup.
	Optional bool

	Executor          ToolExecutor
	StreamingExecutor StreamingToolExecutor
}

var toolNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Registry holds the tools available to one runtime. Safe for concurrent
// use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*ToolRegistration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*ToolRegistration)}
}

// Register validates and adds a tool. The name must be unique and the
// parameter schema must compile.
func (r *Registry) Register(reg *ToolRegistration) error {
	if !toolNamePattern.MatchString(reg.Name) {
		return fmt.Errorf("agent: invalid tool name %q", reg.Name)
	}
	if reg.Executor == nil && reg.StreamingExecutor == nil {
		return fmt.Errorf("agent: tool %q has no executor", reg.Name)
	}
	if len(reg.ParameterSchema) == 0 {
		reg.ParameterSchema = json.RawMessage(`{"type":"object"}`)
	}
	if err := compileSchema(reg.Name, reg.ParameterSchema); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[reg.Name]; exists {
		return fmt.Errorf("agent: tool %q already registered", reg.Name)
	}
	r.tools[reg.Name] = reg
	return nil
}

func compileSchema(name string, schema json.RawMessage) error {
	compiler := jsonschema.NewCompiler()
	url := name + ".schema.json"
	if err := compiler.AddResource(url, bytes.NewReader(schema)); err != nil {
		return fmt.Errorf("agent: tool %q schema: %w", name, err)
	}
	if _, err := compiler.Compile(url); err != nil {
		return fmt.Errorf("agent: tool %q schema does not compile: %w", name, err)
	}
	return nil
}

// Get resolves a tool by name.
func (r *Registry) Get(name string) (*ToolRegistration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	return reg, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Specs renders the registry as provider-neutral tool declarations.
func (r *Registry) Specs() []llm.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	specs := make([]llm.ToolSpec, 0, len(names))
	for _, name := range names {
		reg := r.tools[name]
		specs = append(specs, llm.ToolSpec{
			Name:        reg.Name,
			Description: reg.Description,
			Parameters:  reg.ParameterSchema,
		})
	}
	return specs
}

// Subset builds a registry containing only the named tools. Unknown names
// are skipped; the result shares registrations with the parent.
func (r *Registry) Subset(names []string) *Registry {
	sub := NewRegistry()
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range names {
		if reg, ok := r.tools[name]; ok {
			sub.tools[name] = reg
		}
	}
	return sub
}
