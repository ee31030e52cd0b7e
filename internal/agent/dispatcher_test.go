package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/pkg/models"
)

func mustRegister(t *testing.T, registry *Registry, reg *ToolRegistration) {
	t.Helper()
	if err := registry.Register(reg); err != nil {
		t.Fatalf("register %s: %v", reg.Name, err)
	}
}

func TestRegistryRejectsBadRegistrations(t *testing.T) {
	registry := NewRegistry()
	noop := func(ctx context.Context, args json.RawMessage) (string, error) { return "", nil }

	tests := []struct {
		name string
		reg  *ToolRegistration
	}{
		{"invalid name", &ToolRegistration{Name: "bad name!", Executor: noop}},
		{"no executor", &ToolRegistration{Name: "lazy"}},
		{"broken schema", &ToolRegistration{
			Name:            "broken",
			ParameterSchema: json.RawMessage(`{"type": 42}`),
			Executor:        noop,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := registry.Register(tt.reg); err == nil {
				t.Errorf("Register accepted %s", tt.name)
			}
		})
	}

	mustRegister(t, registry, &ToolRegistration{Name: "ok", Executor: noop})
	if err := registry.Register(&ToolRegistration{Name: "ok", Executor: noop}); err == nil {
		t.Error("Register accepted a duplicate name")
	}
}

func TestDispatcherUnknownTool(t *testing.T) {
	d := NewDispatcher(NewRegistry(), DispatcherConfig{}, nil, nil)
	outcomes := d.ExecuteAll(context.Background(), []models.ToolCall{
		{ID: "1", Name: "ghost", Input: json.RawMessage(`{}`)},
	}, HookContext{}, nil, nil)

	if len(outcomes) != 1 {
		t.Fatalf("outcomes = %d, want 1", len(outcomes))
	}
	if !outcomes[0].IsError || !strings.Contains(outcomes[0].Content, resultUnknownTool) {
		t.Errorf("outcome = %+v, want unknown tool error", outcomes[0])
	}
}

func TestDispatcherRecordsToolMetrics(t *testing.T) {
	metrics := observability.NewMetrics()
	registry := NewRegistry()
	mustRegister(t, registry, &ToolRegistration{
		Name: "echo",
		Executor: func(ctx context.Context, args json.RawMessage) (string, error) {
			return "ok", nil
		},
	})
	mustRegister(t, registry, &ToolRegistration{
		Name: "broken",
		Executor: func(ctx context.Context, args json.RawMessage) (string, error) {
			return "", errors.New("nope")
		},
	})
	d := NewDispatcher(registry, DispatcherConfig{Metrics: metrics}, nil, nil)

	d.ExecuteAll(context.Background(), []models.ToolCall{
		{ID: "1", Name: "echo", Input: json.RawMessage(`{}`)},
		{ID: "2", Name: "broken", Input: json.RawMessage(`{}`)},
	}, HookContext{}, nil, nil)

	if got := testutil.ToFloat64(metrics.ToolExecutionCounter.WithLabelValues("echo", "success")); got != 1 {
		t.Errorf("echo successes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.ToolExecutionCounter.WithLabelValues("broken", "error")); got != 1 {
		t.Errorf("broken errors = %v, want 1", got)
	}
}

// vetoHook denies every tool whose name matches.
type vetoHook struct {
	deny string
}

func (h *vetoHook) Name() string { return "veto" }

func (h *vetoHook) BeforeToolCall(ctx context.Context, toolName string, args json.RawMessage, hctx HookContext) error {
	if toolName == h.deny {
		return errors.New("not allowed here")
	}
	return nil
}

// recordHook captures after-hook invocations.
type recordHook struct {
	mu    sync.Mutex
	calls []string
	fail  []bool
}

func (h *recordHook) Name() string { return "record" }

func (h *recordHook) AfterToolCall(ctx context.Context, toolName, result string, duration time.Duration, failed bool, hctx HookContext) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, toolName)
	h.fail = append(h.fail, failed)
	return nil
}

func TestDispatcherHookVeto(t *testing.T) {
	registry := NewRegistry()
	executed := false
	mustRegister(t, registry, &ToolRegistration{
		Name: "guarded",
		Executor: func(ctx context.Context, args json.RawMessage) (string, error) {
			executed = true
			return "ran", nil
		},
	})

	after := &recordHook{}
	d := NewDispatcher(registry, DispatcherConfig{}, []Hook{&vetoHook{deny: "guarded"}, after}, nil)
	outcomes := d.ExecuteAll(context.Background(), []models.ToolCall{
		{ID: "1", Name: "guarded", Input: json.RawMessage(`{}`)},
	}, HookContext{}, nil, nil)

	if executed {
		t.Error("vetoed tool still executed")
	}
	if !outcomes[0].IsError || !strings.Contains(outcomes[0].Content, resultHookDenied) {
		t.Errorf("outcome = %+v, want hook denied", outcomes[0])
	}
	if len(after.calls) != 1 || !after.fail[0] {
		t.Errorf("after hook saw %v/%v, want one failed call", after.calls, after.fail)
	}
}

func TestDispatcherApprovalGate(t *testing.T) {
	registry := NewRegistry()
	mustRegister(t, registry, &ToolRegistration{
		Name: "dangerous",
		Executor: func(ctx context.Context, args json.RawMessage) (string, error) {
			return "did it", nil
		},
	})
	cfg := DispatcherConfig{Approval: ApprovalPolicy{Require: true, Tools: []string{"dangerous"}}}
	call := []models.ToolCall{{ID: "1", Name: "dangerous", Input: json.RawMessage(`{}`)}}

	tests := []struct {
		name        string
		approve     ApprovalCallback
		wantContent string
		wantError   bool
	}{
		{"no callback", nil, resultRequiresApproval, true},
		{"denied", func(ctx context.Context, tool string, args json.RawMessage) (bool, error) {
			return false, nil
		}, resultRequiresApproval, true},
		{"callback error", func(ctx context.Context, tool string, args json.RawMessage) (bool, error) {
			return false, errors.New("channel gone")
		}, resultRequiresApproval, true},
		{"granted", func(ctx context.Context, tool string, args json.RawMessage) (bool, error) {
			return true, nil
		}, "did it", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDispatcher(registry, cfg, nil, nil)
			outcomes := d.ExecuteAll(context.Background(), call, HookContext{}, tt.approve, nil)
			if outcomes[0].IsError != tt.wantError || outcomes[0].Content != tt.wantContent {
				t.Errorf("outcome = %+v, want %q error=%v", outcomes[0], tt.wantContent, tt.wantError)
			}
		})
	}
}

func TestApprovalPolicyAliases(t *testing.T) {
	policy := ApprovalPolicy{
		Require: true,
		Tools:   []string{"shell"},
		Aliases: map[string]string{"shell": "run_command"},
	}
	if !policy.RequiresApproval("run_command") {
		t.Error("alias target not gated")
	}
	if !policy.RequiresApproval("shell") {
		t.Error("direct name not gated")
	}
	if policy.RequiresApproval("echo") {
		t.Error("unrelated tool gated")
	}
}

func TestDispatcherToolTimeout(t *testing.T) {
	registry := NewRegistry()
	mustRegister(t, registry, &ToolRegistration{
		Name: "sleepy",
		Executor: func(ctx context.Context, args json.RawMessage) (string, error) {
			select {
			case <-time.After(5 * time.Second):
				return "slept", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		},
	})
	d := NewDispatcher(registry, DispatcherConfig{ToolTimeout: 20 * time.Millisecond}, nil, nil)

	start := time.Now()
	outcomes := d.ExecuteAll(context.Background(), []models.ToolCall{
		{ID: "1", Name: "sleepy", Input: json.RawMessage(`{}`)},
	}, HookContext{}, nil, nil)

	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("timeout not enforced, took %s", elapsed)
	}
	if !outcomes[0].IsError || !strings.Contains(outcomes[0].Content, "timed out") {
		t.Errorf("outcome = %+v, want timeout error", outcomes[0])
	}
}

func TestDispatcherPanicRecovery(t *testing.T) {
	registry := NewRegistry()
	mustRegister(t, registry, &ToolRegistration{
		Name: "bomb",
		Executor: func(ctx context.Context, args json.RawMessage) (string, error) {
			panic("kaboom")
		},
	})
	d := NewDispatcher(registry, DispatcherConfig{}, nil, nil)
	outcomes := d.ExecuteAll(context.Background(), []models.ToolCall{
		{ID: "1", Name: "bomb", Input: json.RawMessage(`{}`)},
	}, HookContext{}, nil, nil)

	if !outcomes[0].IsError || !strings.Contains(outcomes[0].Content, "panicked") {
		t.Errorf("outcome = %+v, want panic captured", outcomes[0])
	}
}

func TestDispatcherParallelFailureIsolation(t *testing.T) {
	registry := NewRegistry()
	mustRegister(t, registry, &ToolRegistration{
		Name: "fails",
		Executor: func(ctx context.Context, args json.RawMessage) (string, error) {
			return "", errors.New("nope")
		},
	})
	mustRegister(t, registry, &ToolRegistration{
		Name: "works",
		Executor: func(ctx context.Context, args json.RawMessage) (string, error) {
			time.Sleep(10 * time.Millisecond)
			return "fine", nil
		},
	})
	d := NewDispatcher(registry, DispatcherConfig{Parallel: true}, nil, nil)

	outcomes := d.ExecuteAll(context.Background(), []models.ToolCall{
		{ID: "a", Name: "fails", Input: json.RawMessage(`{}`)},
		{ID: "b", Name: "works", Input: json.RawMessage(`{}`)},
	}, HookContext{}, nil, nil)

	if !outcomes[0].IsError || !strings.HasPrefix(outcomes[0].Content, "Error: ") {
		t.Errorf("outcome[0] = %+v, want Error: prefixed", outcomes[0])
	}
	if outcomes[1].IsError || outcomes[1].Content != "fine" {
		t.Errorf("outcome[1] = %+v, sibling affected by failure", outcomes[1])
	}
}

func TestDispatcherStreamingToolChunks(t *testing.T) {
	registry := NewRegistry()
	mustRegister(t, registry, &ToolRegistration{
		Name: "streamer",
		StreamingExecutor: func(ctx context.Context, args json.RawMessage, onChunk func(string)) error {
			onChunk("part1 ")
			onChunk("part2")
			return nil
		},
	})
	d := NewDispatcher(registry, DispatcherConfig{}, nil, nil)

	var mu sync.Mutex
	var events []*models.StreamEvent
	emit := func(event *models.StreamEvent) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	}

	outcomes := d.ExecuteAll(context.Background(), []models.ToolCall{
		{ID: "1", Name: "streamer", Input: json.RawMessage(`{}`)},
	}, HookContext{}, nil, emit)

	if outcomes[0].Content != "part1 part2" {
		t.Errorf("result = %q, want concatenated chunks", outcomes[0].Content)
	}

	var chunkContents []string
	sawStart, sawResult := false, false
	for _, event := range events {
		switch event.Type {
		case models.StreamToolStart:
			sawStart = true
		case models.StreamToolChunk:
			chunkContents = append(chunkContents, event.Content)
		case models.StreamToolResult:
			sawResult = true
		}
	}
	if !sawStart || !sawResult {
		t.Errorf("missing lifecycle events: start=%v result=%v", sawStart, sawResult)
	}
	if len(chunkContents) != 2 || chunkContents[0] != "part1 " || chunkContents[1] != "part2" {
		t.Errorf("chunks = %v", chunkContents)
	}
}

func TestRegistrySubset(t *testing.T) {
	registry := NewRegistry()
	noop := func(ctx context.Context, args json.RawMessage) (string, error) { return "", nil }
	for _, name := range []string{"alpha", "beta", "gamma"} {
		mustRegister(t, registry, &ToolRegistration{Name: name, Executor: noop})
	}

	sub := registry.Subset([]string{"beta", "missing"})
	if names := sub.Names(); len(names) != 1 || names[0] != "beta" {
		t.Errorf("subset names = %v, want [beta]", names)
	}
	specs := registry.Specs()
	if len(specs) != 3 || specs[0].Name != "alpha" {
		t.Errorf("specs = %+v, want 3 sorted", specs)
	}
}
