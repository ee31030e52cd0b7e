// Package llm defines the provider abstraction the agent runtime talks to
// and wraps concrete providers with the resilience layer (timeout, retry,
// circuit breaker).
package llm

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/haasonsaas/relay/pkg/models"
)

// Message is one turn of provider-facing conversation. Tool calls and tool
// results are carried as plain data so providers stay interchangeable.
type Message struct {
	Role        string
	Content     string
	ToolCalls   []models.ToolCall
	ToolResults []models.ToolResult
}

// ToolSpec describes one tool advertised to the model. Parameters is a raw
// JSON Schema document.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// CompletionRequest is a single chat completion call.
type CompletionRequest struct {
	Model    string
	System   string
	Messages []Message
	Tools    []ToolSpec

	MaxTokens   int
	Temperature float64

	// ResponseSchema, when set, asks the model to produce JSON conforming
	// to this schema.
	ResponseSchema json.RawMessage
}

// Chunk is one streamed fragment of a completion. Exactly one of Text,
// ToolCall, Done, or Err is meaningful per chunk; usage counts arrive on the
// Done chunk when the provider reports them.
type Chunk struct {
	Text     string
	ToolCall *models.ToolCall
	Done     bool

	InputTokens  int
	OutputTokens int

	Err error
}

// Completion is the aggregated result of one completion call.
type Completion struct {
	Text         string
	ToolCalls    []models.ToolCall
	InputTokens  int
	OutputTokens int
}

// Provider is the capability set of an LLM backend. Implementations must be
// safe for concurrent use; each Stream call owns an independent goroutine
// that closes the returned channel when the stream ends.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *CompletionRequest) (*Completion, error)
	Stream(ctx context.Context, req *CompletionRequest) (<-chan *Chunk, error)
}

// collect drains a chunk stream into a single Completion. Used by providers
// to implement Complete on top of their streaming path.
func collect(ctx context.Context, chunks <-chan *Chunk) (*Completion, error) {
	var text strings.Builder
	result := &Completion{}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				result.Text = text.String()
				return result, nil
			}
			if chunk.Err != nil {
				return nil, chunk.Err
			}
			if chunk.Text != "" {
				text.WriteString(chunk.Text)
			}
			if chunk.ToolCall != nil {
				result.ToolCalls = append(result.ToolCalls, *chunk.ToolCall)
			}
			if chunk.Done {
				result.InputTokens = chunk.InputTokens
				result.OutputTokens = chunk.OutputTokens
			}
		}
	}
}

// EstimateTokens approximates the token count of a request using the usual
// chars/4 heuristic. Providers that do not report usage fall back to this.
func EstimateTokens(req *CompletionRequest) int {
	total := len(req.System) / 4
	for _, msg := range req.Messages {
		total += len(msg.Content) / 4
		for _, tc := range msg.ToolCalls {
			total += (len(tc.Name) + len(tc.Input)) / 4
		}
		for _, tr := range msg.ToolResults {
			total += len(tr.Content) / 4
		}
	}
	for _, tool := range req.Tools {
		total += (len(tool.Name) + len(tool.Description) + len(tool.Parameters)) / 4
	}
	return total
}

// EstimateTextTokens approximates the token count of a block of text.
func EstimateTextTokens(text string) int {
	return len(text) / 4
}
