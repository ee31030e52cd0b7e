package agent

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/pkg/models"
)

// Canned tool results for calls that never reach an executor.
const (
	resultUnknownTool      = "unknown tool"
	resultHookDenied       = "hook denied"
	resultRequiresApproval = "requires approval"
)

// DispatcherConfig tunes tool execution.
type DispatcherConfig struct {
	// Parallel enables concurrent execution when one assistant response
	// carries multiple calls.
	Parallel bool

	// MaxConcurrency bounds parallel execution. Default 5.
	MaxConcurrency int

	// ToolTimeout bounds each tool execution. 0 = unlimited.
	ToolTimeout time.Duration

	// Approval gates configured tools behind a callback.
	Approval ApprovalPolicy

	// Metrics, when set, receives tool execution counters and timings.
	Metrics *observability.Metrics
}

// Dispatcher resolves and executes the tool calls of one assistant
// response, running hooks and the approval gate around each call.
type Dispatcher struct {
	registry *Registry
	config   DispatcherConfig
	hooks    []Hook
	logger   *slog.Logger
	sem      chan struct{}
}

// NewDispatcher creates a dispatcher over the given registry.
func NewDispatcher(registry *Registry, config DispatcherConfig, hooks []Hook, logger *slog.Logger) *Dispatcher {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	config.Approval = config.Approval.Normalize()
	return &Dispatcher{
		registry: registry,
		config:   config,
		hooks:    hooks,
		logger:   logger,
		sem:      make(chan struct{}, config.MaxConcurrency),
	}
}

// ToolOutcome is the result of one dispatched call, in the order the call
// appeared in the assistant response.
type ToolOutcome struct {
	Call     models.ToolCall
	Content  string
	IsError  bool
	Duration time.Duration
}

// Result renders the outcome as the tool-turn payload.
func (o ToolOutcome) Result() models.ToolResult {
	return models.ToolResult{
		ToolCallID: o.Call.ID,
		Content:    o.Content,
		IsError:    o.IsError,
	}
}

// StreamEmitter receives tool stream events as execution progresses. A nil
// emitter disables streaming.
type StreamEmitter func(event *models.StreamEvent)

// ExecuteAll runs every call of one assistant response. When parallel mode
// is on and there is more than one call, calls run concurrently; outcomes
// are always returned in call order regardless of completion order. A
// failing call never cancels its siblings.
func (d *Dispatcher) ExecuteAll(ctx context.Context, calls []models.ToolCall, hctx HookContext, approve ApprovalCallback, emit StreamEmitter) []ToolOutcome {
	if len(calls) == 0 {
		return nil
	}

	outcomes := make([]ToolOutcome, len(calls))

	if !d.config.Parallel || len(calls) == 1 {
		for i, call := range calls {
			outcomes[i] = d.execute(ctx, call, hctx, approve, emit)
		}
		return outcomes
	}

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(idx int, tc models.ToolCall) {
			defer wg.Done()
			outcomes[idx] = d.execute(ctx, tc, hctx, approve, emit)
		}(i, call)
	}
	wg.Wait()
	return outcomes
}

// execute runs one call through resolution, before hooks, the approval
// gate, the executor, and after hooks.
func (d *Dispatcher) execute(ctx context.Context, call models.ToolCall, hctx HookContext, approve ApprovalCallback, emit StreamEmitter) ToolOutcome {
	start := time.Now()
	outcome := ToolOutcome{Call: call}

	finish := func(content string, isError bool) ToolOutcome {
		outcome.Content = content
		outcome.IsError = isError
		outcome.Duration = time.Since(start)
		if d.config.Metrics != nil {
			status := "success"
			if isError {
				status = "error"
			}
			d.config.Metrics.ToolExecutionCounter.WithLabelValues(call.Name, status).Inc()
			d.config.Metrics.ToolExecutionDuration.WithLabelValues(call.Name).Observe(outcome.Duration.Seconds())
		}
		d.runAfterHooks(ctx, call, outcome, hctx)
		if emit != nil {
			emit(&models.StreamEvent{
				Type:     models.StreamToolResult,
				ToolName: call.Name,
				Content:  content,
			})
		}
		return outcome
	}

	if emit != nil {
		emit(&models.StreamEvent{Type: models.StreamToolStart, ToolName: call.Name})
	}

	reg, ok := d.registry.Get(call.Name)
	if !ok {
		d.logger.Warn("tool call for unregistered tool", "tool", call.Name)
		return finish(fmt.Sprintf("%s: %s", resultUnknownTool, call.Name), true)
	}

	if err := d.runBeforeHooks(ctx, call, hctx); err != nil {
		d.logger.Info("tool call vetoed by hook", "tool", call.Name, "error", err)
		return finish(fmt.Sprintf("%s: %s", resultHookDenied, err.Error()), true)
	}

	if d.config.Approval.RequiresApproval(call.Name) {
		if approve == nil {
			return finish(resultRequiresApproval, true)
		}
		granted, err := approve(ctx, call.Name, call.Input)
		if err != nil {
			d.logger.Warn("approval callback failed", "tool", call.Name, "error", err)
			return finish(resultRequiresApproval, true)
		}
		if !granted {
			return finish(resultRequiresApproval, true)
		}
	}

	content, err := d.runExecutor(ctx, reg, call, emit)
	if err != nil {
		return finish("Error: "+err.Error(), true)
	}
	return finish(content, false)
}

// runExecutor invokes the tool under the semaphore, the tool timeout, and
// a panic guard. Streaming executors emit chunks through emit and the
// concatenation becomes the result.
func (d *Dispatcher) runExecutor(ctx context.Context, reg *ToolRegistration, call models.ToolCall, emit StreamEmitter) (string, error) {
	select {
	case d.sem <- struct{}{}:
		defer func() { <-d.sem }()
	case <-ctx.Done():
		return "", ctx.Err()
	}

	execCtx := ctx
	cancel := func() {}
	if d.config.ToolTimeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, d.config.ToolTimeout)
	}
	defer cancel()

	type execResult struct {
		content string
		err     error
	}
	resultCh := make(chan execResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("tool panicked", "tool", call.Name, "panic", r, "stack", string(debug.Stack()))
				resultCh <- execResult{err: fmt.Errorf("tool %s panicked", call.Name)}
			}
		}()

		if reg.StreamingExecutor != nil {
			var chunks []byte
			onChunk := func(chunk string) {
				chunks = append(chunks, chunk...)
				if emit != nil {
					emit(&models.StreamEvent{
						Type:     models.StreamToolChunk,
						ToolName: call.Name,
						Content:  chunk,
					})
				}
			}
			err := reg.StreamingExecutor(execCtx, call.Input, onChunk)
			resultCh <- execResult{content: string(chunks), err: err}
			return
		}

		content, err := reg.Executor(execCtx, call.Input)
		resultCh <- execResult{content: content, err: err}
	}()

	select {
	case res := <-resultCh:
		return res.content, res.err
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("tool %s timed out after %s", call.Name, d.config.ToolTimeout)
	}
}

func (d *Dispatcher) runBeforeHooks(ctx context.Context, call models.ToolCall, hctx HookContext) error {
	for _, hook := range d.hooks {
		before, ok := hook.(BeforeHook)
		if !ok {
			continue
		}
		if err := before.BeforeToolCall(ctx, call.Name, call.Input, hctx); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) runAfterHooks(ctx context.Context, call models.ToolCall, outcome ToolOutcome, hctx HookContext) {
	for _, hook := range d.hooks {
		after, ok := hook.(AfterHook)
		if !ok {
			continue
		}
		if err := after.AfterToolCall(ctx, call.Name, outcome.Content, outcome.Duration, outcome.IsError, hctx); err != nil {
			d.logger.Warn("after hook failed", "hook", hook.Name(), "tool", call.Name, "error", err)
		}
	}
}
