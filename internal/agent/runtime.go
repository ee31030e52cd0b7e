package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/relay/internal/llm"
	"github.com/haasonsaas/relay/internal/memstore"
	"github.com/haasonsaas/relay/pkg/models"
)

// LLMClient is the slice of the resilience layer the runtime drives.
type LLMClient interface {
	Name() string
	Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.Completion, error)
	Stream(ctx context.Context, req *llm.CompletionRequest) (<-chan *llm.Chunk, error)
}

// CompactionConfig controls history compaction.
type CompactionConfig struct {
	Enabled    bool
	Threshold  int
	KeepRecent int
}

// RecallConfig controls transient note recall before each turn.
type RecallConfig struct {
	Enabled  bool
	MaxNotes int
	MaxChars int
}

// RuntimeConfig tunes one agent runtime.
type RuntimeConfig struct {
	SystemPrompt string
	Model        string
	MaxTokens    int
	Temperature  float64

	// MaxIterations caps think-act-observe rounds per user message.
	MaxIterations int

	// MaxHistoryTurns trims the request to the most recent turns; a leading
	// summary turn survives the trim. 0 = unlimited.
	MaxHistoryTurns int

	Compaction CompactionConfig
	Recall     RecallConfig

	// Depth is this runtime's delegation depth; 0 for the root agent.
	Depth int
}

func (c RuntimeConfig) withDefaults() RuntimeConfig {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 10
	}
	return c
}

// Runtime drives the think-act-observe loop for one agent persona: it
// assembles requests from session history, calls the LLM through the
// resilience layer, dispatches tool calls, and commits turns back onto the
// session.
type Runtime struct {
	client     LLMClient
	registry   *Registry
	dispatcher *Dispatcher
	store      memstore.Store
	config     RuntimeConfig
	logger     *slog.Logger
}

// NewRuntime wires a runtime. store may be nil when note recall is off.
func NewRuntime(client LLMClient, registry *Registry, dispatcher *Dispatcher, store memstore.Store, config RuntimeConfig, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		client:     client,
		registry:   registry,
		dispatcher: dispatcher,
		store:      store,
		config:     config.withDefaults(),
		logger:     logger,
	}
}

// Registry returns the runtime's tool registry.
func (r *Runtime) Registry() *Registry {
	return r.registry
}

// RunOptions carries per-turn collaborators.
type RunOptions struct {
	// Approval answers approval-gated tool calls. Nil denies them.
	Approval ApprovalCallback

	// ResponseSchema asks the model for JSON conforming to this schema.
	ResponseSchema json.RawMessage

	// CorrelationID ties log lines and hook invocations to one turn.
	CorrelationID string
}

// Run executes one full turn and returns the final assistant text. The
// caller must hold the session's turn slot.
func (r *Runtime) Run(ctx context.Context, session *models.Session, userText string, opts RunOptions) (string, error) {
	r.prelude(ctx, session, userText)
	hctx := r.hookContext(session, opts, false)

	for iteration := 0; iteration < r.config.MaxIterations; iteration++ {
		req := r.buildRequest(session, opts.ResponseSchema)
		completion, err := r.client.Complete(ctx, req)
		if err != nil {
			return r.finishWithError(ctx, session, err)
		}
		r.accountUsage(session, req, completion.InputTokens, completion.OutputTokens, completion.Text)

		if len(completion.ToolCalls) == 0 {
			appendAssistantTurn(session, completion.Text)
			return completion.Text, nil
		}

		appendToolUseTurn(session, completion.ToolCalls)
		outcomes := r.dispatcher.ExecuteAll(ctx, completion.ToolCalls, hctx, opts.Approval, nil)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		appendToolTurns(session, outcomes)
	}

	appendAssistantTurn(session, maxIterationsMessage)
	return maxIterationsMessage, nil
}

// RunStreaming executes one turn, emitting stream events as they occur.
// The sequence is: tool and text events interleaved as produced, then one
// error event on failure, then exactly one terminal assistant_done. The
// channel closes after the terminal event. The caller must hold the
// session's turn slot.
func (r *Runtime) RunStreaming(ctx context.Context, session *models.Session, userText string, opts RunOptions) <-chan *models.StreamEvent {
	events := make(chan *models.StreamEvent, 16)

	go func() {
		defer close(events)

		emit := func(event *models.StreamEvent) {
			select {
			case events <- event:
			case <-ctx.Done():
			}
		}
		done := func() {
			emit(&models.StreamEvent{Type: models.StreamAssistantDone})
		}

		r.prelude(ctx, session, userText)
		hctx := r.hookContext(session, opts, true)

		for iteration := 0; iteration < r.config.MaxIterations; iteration++ {
			req := r.buildRequest(session, opts.ResponseSchema)
			chunks, err := r.client.Stream(ctx, req)
			if err != nil {
				r.streamFail(ctx, session, err, emit)
				done()
				return
			}

			var text strings.Builder
			var toolCalls []models.ToolCall
			var inputTokens, outputTokens int
			var streamErr error

			for chunk := range chunks {
				if chunk.Err != nil {
					streamErr = chunk.Err
					break
				}
				if chunk.Text != "" {
					text.WriteString(chunk.Text)
					emit(&models.StreamEvent{Type: models.StreamAssistantChunk, Content: chunk.Text})
				}
				if chunk.ToolCall != nil {
					toolCalls = append(toolCalls, *chunk.ToolCall)
				}
				if chunk.Done {
					inputTokens = chunk.InputTokens
					outputTokens = chunk.OutputTokens
				}
			}
			if streamErr != nil {
				r.streamFail(ctx, session, streamErr, emit)
				done()
				return
			}
			if ctx.Err() != nil {
				// Canceled mid-turn: no final assistant turn is committed.
				done()
				return
			}

			r.accountUsage(session, req, inputTokens, outputTokens, text.String())

			if len(toolCalls) == 0 {
				appendAssistantTurn(session, text.String())
				done()
				return
			}

			appendToolUseTurn(session, toolCalls)
			outcomes := r.dispatcher.ExecuteAll(ctx, toolCalls, hctx, opts.Approval, emit)
			if ctx.Err() != nil {
				done()
				return
			}
			appendToolTurns(session, outcomes)
		}

		appendAssistantTurn(session, maxIterationsMessage)
		emit(&models.StreamEvent{Type: models.StreamAssistantChunk, Content: maxIterationsMessage})
		done()
	}()

	return events
}

// prelude appends the user turn and, when enabled, a transient system turn
// carrying recalled notes.
func (r *Runtime) prelude(ctx context.Context, session *models.Session, userText string) {
	dropTransientTurns(session)
	if userText != "" {
		session.History = append(session.History, models.ChatTurn{
			Role:      models.RoleUser,
			Content:   userText,
			Timestamp: time.Now().UTC(),
		})
	}
	session.Touch()
	r.injectRecall(ctx, session, userText)
}

// finishWithError ends a turn that died in the LLM call. Cancellation ends
// the turn with no final assistant turn; everything else is surfaced as a
// short categorized assistant message.
func (r *Runtime) finishWithError(ctx context.Context, session *models.Session, err error) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if !isFinalizable(err) {
		return "", err
	}
	r.logger.Error("llm call failed", "session_id", session.ID, "error", err)
	message := UserFacingMessage(err)
	appendAssistantTurn(session, message)
	return message, nil
}

func (r *Runtime) streamFail(ctx context.Context, session *models.Session, err error, emit func(*models.StreamEvent)) {
	if ctx.Err() != nil || !isFinalizable(err) {
		return
	}
	r.logger.Error("llm stream failed", "session_id", session.ID, "error", err)
	message := UserFacingMessage(err)
	appendAssistantTurn(session, message)
	emit(&models.StreamEvent{Type: models.StreamError, Content: message})
}

// accountUsage advances the session's token counters, falling back to the
// chars/4 estimate when the provider reported nothing.
func (r *Runtime) accountUsage(session *models.Session, req *llm.CompletionRequest, inputTokens, outputTokens int, text string) {
	if inputTokens == 0 && outputTokens == 0 {
		inputTokens = llm.EstimateTokens(req)
		outputTokens = llm.EstimateTextTokens(text)
	}
	session.AddUsage(int64(inputTokens), int64(outputTokens))
}

// buildRequest assembles the provider request from the session's trimmed
// history, the system prompt, and the tool declarations.
func (r *Runtime) buildRequest(session *models.Session, responseSchema json.RawMessage) *llm.CompletionRequest {
	history := trimHistory(session.History, r.config.MaxHistoryTurns)

	messages := make([]llm.Message, 0, len(history))
	for _, turn := range history {
		messages = append(messages, turnToMessage(turn))
	}

	return &llm.CompletionRequest{
		Model:          r.config.Model,
		System:         r.config.SystemPrompt,
		Messages:       messages,
		Tools:          r.registry.Specs(),
		MaxTokens:      r.config.MaxTokens,
		Temperature:    r.config.Temperature,
		ResponseSchema: responseSchema,
	}
}

func (r *Runtime) hookContext(session *models.Session, opts RunOptions, streaming bool) HookContext {
	return HookContext{
		SessionID:     session.ID,
		ChannelID:     session.ChannelID,
		SenderID:      session.SenderID,
		CorrelationID: opts.CorrelationID,
		IsStreaming:   streaming,
	}
}

func turnToMessage(turn models.ChatTurn) llm.Message {
	msg := llm.Message{Role: string(turn.Role)}
	switch turn.Role {
	case models.RoleTool:
		msg.ToolResults = []models.ToolResult{{
			ToolCallID: turn.ToolCallID,
			Content:    turn.Content,
		}}
	case models.RoleAssistant:
		if len(turn.ToolCalls) > 0 {
			msg.ToolCalls = turn.ToolCalls
		} else {
			msg.Content = turn.Content
		}
	default:
		msg.Content = turn.Content
	}
	return msg
}

// trimHistory keeps the most recent maxTurns turns. A leading system
// summary turn survives, and the window never starts on an orphaned tool
// turn.
func trimHistory(history []models.ChatTurn, maxTurns int) []models.ChatTurn {
	if maxTurns <= 0 || len(history) <= maxTurns {
		return history
	}

	var head []models.ChatTurn
	rest := history
	if history[0].Role == models.RoleSystem && !history[0].Transient {
		head = history[:1]
		rest = history[1:]
		maxTurns--
		if maxTurns <= 0 {
			return head
		}
	}

	start := len(rest) - maxTurns
	if start < 0 {
		start = 0
	}
	for start > 0 && rest[start].Role == models.RoleTool {
		start--
	}
	return append(append([]models.ChatTurn{}, head...), rest[start:]...)
}

func appendAssistantTurn(session *models.Session, text string) {
	session.History = append(session.History, models.ChatTurn{
		Role:      models.RoleAssistant,
		Content:   text,
		Timestamp: time.Now().UTC(),
	})
	session.Touch()
}

func appendToolUseTurn(session *models.Session, calls []models.ToolCall) {
	session.History = append(session.History, models.ChatTurn{
		Role:      models.RoleAssistant,
		Content:   models.ToolUsePlaceholder,
		ToolCalls: append([]models.ToolCall(nil), calls...),
		Timestamp: time.Now().UTC(),
	})
}

func appendToolTurns(session *models.Session, outcomes []ToolOutcome) {
	for _, outcome := range outcomes {
		session.History = append(session.History, models.ChatTurn{
			Role:       models.RoleTool,
			Content:    outcome.Content,
			ToolCallID: outcome.Call.ID,
			ToolName:   outcome.Call.Name,
			Timestamp:  time.Now().UTC(),
		})
	}
}

func dropTransientTurns(session *models.Session) {
	session.History = models.PersistentHistory(session.History)
}

// storeSearcher probes the memory store for the optional search
// capability.
func (r *Runtime) storeSearcher() (memstore.Searcher, bool) {
	if r.store == nil {
		return nil, false
	}
	searcher, ok := r.store.(memstore.Searcher)
	return searcher, ok
}
