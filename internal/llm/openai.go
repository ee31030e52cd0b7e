package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/relay/pkg/models"
)

const defaultOpenAIModel = "gpt-4o"

// OpenAIProvider implements Provider against the OpenAI Chat Completions
// API (and compatible endpoints via BaseURL).
type OpenAIProvider struct {
	client       *openai.Client
	defaultModel string
}

// OpenAIConfig configures an OpenAIProvider.
type OpenAIConfig struct {
	// APIKey is required.
	APIKey string
	// BaseURL overrides the API base URL, for compatible gateways and tests.
	BaseURL string
	// DefaultModel is used when the request does not name a model.
	DefaultModel string
}

// NewOpenAIProvider creates a provider backed by go-openai.
func NewOpenAIProvider(config OpenAIConfig) (*OpenAIProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = defaultOpenAIModel
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if strings.TrimSpace(config.BaseURL) != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(clientConfig),
		defaultModel: config.DefaultModel,
	}, nil
}

func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Complete runs one completion and aggregates the stream into a single
// result.
func (p *OpenAIProvider) Complete(ctx context.Context, req *CompletionRequest) (*Completion, error) {
	chunks, err := p.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	return collect(ctx, chunks)
}

// Stream starts a streaming completion. The returned channel is closed when
// the stream ends; errors are delivered as a final chunk with Err set.
func (p *OpenAIProvider) Stream(ctx context.Context, req *CompletionRequest) (<-chan *Chunk, error) {
	model := p.model(req.Model)

	apiReq := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  p.convertMessages(req),
		MaxTokens: maxTokensOrDefault(req.MaxTokens),
		Stream:    true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if req.Temperature > 0 {
		apiReq.Temperature = float32(req.Temperature)
	}
	if len(req.Tools) > 0 {
		apiReq.Tools = p.convertTools(req.Tools)
	}
	if len(req.ResponseSchema) > 0 {
		apiReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   "response",
				Schema: json.RawMessage(req.ResponseSchema),
				Strict: true,
			},
		}
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, apiReq)
	if err != nil {
		return nil, p.wrapError(err, model)
	}

	chunks := make(chan *Chunk)
	go func() {
		defer close(chunks)
		defer stream.Close()
		p.processStream(ctx, stream, chunks, model)
	}()
	return chunks, nil
}

func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *Chunk, model string) {
	// Tool calls arrive fragmented across deltas, keyed by index.
	var pendingCalls []*models.ToolCall
	var pendingArgs []strings.Builder

	var inputTokens int
	var outputTokens int

	send := func(chunk *Chunk) bool {
		select {
		case chunks <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	flushCalls := func() bool {
		for i, call := range pendingCalls {
			if call == nil {
				continue
			}
			args := pendingArgs[i].String()
			if args == "" {
				args = "{}"
			}
			call.Input = json.RawMessage(args)
			if !send(&Chunk{ToolCall: call}) {
				return false
			}
			pendingCalls[i] = nil
		}
		return true
	}

	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			if !flushCalls() {
				return
			}
			send(&Chunk{
				Done:         true,
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
			})
			return
		}
		if err != nil {
			send(&Chunk{Err: p.wrapError(err, model)})
			return
		}

		if response.Usage != nil {
			inputTokens = response.Usage.PromptTokens
			outputTokens = response.Usage.CompletionTokens
		}

		for _, choice := range response.Choices {
			if choice.Delta.Content != "" {
				if !send(&Chunk{Text: choice.Delta.Content}) {
					return
				}
			}

			for _, tc := range choice.Delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				for idx >= len(pendingCalls) {
					pendingCalls = append(pendingCalls, nil)
					pendingArgs = append(pendingArgs, strings.Builder{})
				}
				if pendingCalls[idx] == nil {
					pendingCalls[idx] = &models.ToolCall{}
				}
				if tc.ID != "" {
					pendingCalls[idx].ID = tc.ID
				}
				if tc.Function.Name != "" {
					pendingCalls[idx].Name = tc.Function.Name
				}
				if tc.Function.Arguments != "" {
					pendingArgs[idx].WriteString(tc.Function.Arguments)
				}
			}

			if choice.FinishReason == openai.FinishReasonToolCalls {
				if !flushCalls() {
					return
				}
			}
		}
	}
}

// convertMessages translates the provider-neutral history into OpenAI chat
// messages. The system prompt becomes the first message; tool results map
// to role "tool" messages keyed by tool call id.
func (p *OpenAIProvider) convertMessages(req *CompletionRequest) []openai.ChatCompletionMessage {
	var result []openai.ChatCompletionMessage

	if req.System != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}

	for _, msg := range req.Messages {
		if len(msg.ToolResults) > 0 {
			for _, tr := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}
			continue
		}

		apiMsg := openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
		if msg.Role == "assistant" && len(msg.ToolCalls) > 0 {
			apiMsg.Content = ""
			for _, tc := range msg.ToolCalls {
				apiMsg.ToolCalls = append(apiMsg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Input),
					},
				})
			}
		}
		result = append(result, apiMsg)
	}

	return result
}

func (p *OpenAIProvider) convertTools(tools []ToolSpec) []openai.Tool {
	result := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		result = append(result, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  json.RawMessage(tool.Parameters),
			},
		})
	}
	return result
}

func (p *OpenAIProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		providerErr := &ProviderError{
			Provider: "openai",
			Model:    model,
			Cause:    err,
			Reason:   ReasonUnknown,
			Message:  apiErr.Message,
		}
		providerErr = providerErr.WithStatus(apiErr.HTTPStatusCode)
		if apiErr.Type != "" {
			providerErr = providerErr.WithCode(apiErr.Type)
		}
		return providerErr
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		providerErr := NewProviderError("openai", model, err)
		return providerErr.WithStatus(reqErr.HTTPStatusCode)
	}

	return NewProviderError("openai", model, err)
}

func (p *OpenAIProvider) model(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}
