package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/relay/internal/infra"
	"github.com/haasonsaas/relay/internal/llm"
	"github.com/haasonsaas/relay/internal/memstore"
	"github.com/haasonsaas/relay/pkg/models"
)

type scriptedReply struct {
	text      string
	toolCalls []models.ToolCall
	err       error
}

// scriptedClient replays canned completions. Once the script runs out the
// last reply repeats.
type scriptedClient struct {
	mu       sync.Mutex
	script   []scriptedReply
	requests []*llm.CompletionRequest
}

func (c *scriptedClient) Name() string { return "scripted" }

func (c *scriptedClient) next(req *llm.CompletionRequest) scriptedReply {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := len(c.requests)
	c.requests = append(c.requests, req)
	if idx >= len(c.script) {
		idx = len(c.script) - 1
	}
	return c.script[idx]
}

func (c *scriptedClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func (c *scriptedClient) request(i int) *llm.CompletionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[i]
}

func (c *scriptedClient) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.Completion, error) {
	reply := c.next(req)
	if reply.err != nil {
		return nil, reply.err
	}
	return &llm.Completion{
		Text:         reply.text,
		ToolCalls:    reply.toolCalls,
		InputTokens:  10,
		OutputTokens: 5,
	}, nil
}

func (c *scriptedClient) Stream(ctx context.Context, req *llm.CompletionRequest) (<-chan *llm.Chunk, error) {
	reply := c.next(req)
	out := make(chan *llm.Chunk, 16)
	go func() {
		defer close(out)
		if reply.err != nil {
			out <- &llm.Chunk{Err: reply.err}
			return
		}
		for _, word := range strings.SplitAfter(reply.text, " ") {
			if word != "" {
				out <- &llm.Chunk{Text: word}
			}
		}
		for i := range reply.toolCalls {
			call := reply.toolCalls[i]
			out <- &llm.Chunk{ToolCall: &call}
		}
		out <- &llm.Chunk{Done: true, InputTokens: 10, OutputTokens: 5}
	}()
	return out, nil
}

func newTestRuntime(t *testing.T, client LLMClient, registry *Registry, dcfg DispatcherConfig, rcfg RuntimeConfig) *Runtime {
	t.Helper()
	if registry == nil {
		registry = NewRegistry()
	}
	dispatcher := NewDispatcher(registry, dcfg, nil, nil)
	return NewRuntime(client, registry, dispatcher, nil, rcfg, nil)
}

func registerEcho(t *testing.T, registry *Registry) {
	t.Helper()
	err := registry.Register(&ToolRegistration{
		Name:        "echo",
		Description: "echoes its input",
		Executor: func(ctx context.Context, args json.RawMessage) (string, error) {
			var in struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", err
			}
			return "echoed:" + in.Text, nil
		},
	})
	if err != nil {
		t.Fatalf("register echo: %v", err)
	}
}

func TestRunSimpleTurn(t *testing.T) {
	client := &scriptedClient{script: []scriptedReply{{text: "hi there"}}}
	rt := newTestRuntime(t, client, nil, DispatcherConfig{}, RuntimeConfig{})
	session := models.NewSession("test", "alice")

	text, err := rt.Run(context.Background(), session, "hello", RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if text != "hi there" {
		t.Errorf("text = %q, want %q", text, "hi there")
	}
	if len(session.History) != 2 {
		t.Fatalf("history length = %d, want 2", len(session.History))
	}
	if session.History[0].Role != models.RoleUser || session.History[0].Content != "hello" {
		t.Errorf("turn 0 = %+v, want user hello", session.History[0])
	}
	if session.History[1].Role != models.RoleAssistant || session.History[1].Content != "hi there" {
		t.Errorf("turn 1 = %+v, want assistant reply", session.History[1])
	}
	if session.TotalInputTokens != 10 || session.TotalOutputTokens != 5 {
		t.Errorf("usage = %d/%d, want 10/5", session.TotalInputTokens, session.TotalOutputTokens)
	}
}

func TestRunToolLoop(t *testing.T) {
	call := models.ToolCall{ID: "tc-1", Name: "echo", Input: json.RawMessage(`{"text":"ping"}`)}
	client := &scriptedClient{script: []scriptedReply{
		{toolCalls: []models.ToolCall{call}},
		{text: "done"},
	}}
	registry := NewRegistry()
	registerEcho(t, registry)
	rt := newTestRuntime(t, client, registry, DispatcherConfig{}, RuntimeConfig{})
	session := models.NewSession("test", "alice")

	text, err := rt.Run(context.Background(), session, "use echo", RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if text != "done" {
		t.Errorf("text = %q, want done", text)
	}

	// user, assistant [tool_use], tool, assistant
	if len(session.History) != 4 {
		t.Fatalf("history length = %d, want 4", len(session.History))
	}
	use := session.History[1]
	if use.Role != models.RoleAssistant || use.Content != models.ToolUsePlaceholder || len(use.ToolCalls) != 1 {
		t.Errorf("tool-use turn = %+v", use)
	}
	result := session.History[2]
	if result.Role != models.RoleTool || result.ToolCallID != "tc-1" || result.ToolName != "echo" {
		t.Errorf("tool turn = %+v", result)
	}
	if result.Content != "echoed:ping" {
		t.Errorf("tool result = %q, want echoed:ping", result.Content)
	}

	// The second request must carry the tool result back to the model.
	second := client.request(1)
	found := false
	for _, msg := range second.Messages {
		for _, tr := range msg.ToolResults {
			if tr.ToolCallID == "tc-1" && tr.Content == "echoed:ping" {
				found = true
			}
		}
	}
	if !found {
		t.Error("second request missing the tool result")
	}
	if len(second.Tools) != 1 || second.Tools[0].Name != "echo" {
		t.Errorf("second request tools = %+v, want echo", second.Tools)
	}
}

func TestRunIterationCap(t *testing.T) {
	call := models.ToolCall{ID: "tc-1", Name: "echo", Input: json.RawMessage(`{"text":"again"}`)}
	client := &scriptedClient{script: []scriptedReply{
		{toolCalls: []models.ToolCall{call}},
	}}
	registry := NewRegistry()
	registerEcho(t, registry)
	rt := newTestRuntime(t, client, registry, DispatcherConfig{}, RuntimeConfig{MaxIterations: 3})
	session := models.NewSession("test", "alice")

	text, err := rt.Run(context.Background(), session, "loop forever", RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if text != maxIterationsMessage {
		t.Errorf("text = %q, want cap message", text)
	}
	if got := client.callCount(); got != 3 {
		t.Errorf("LLM calls = %d, want 3", got)
	}
	last := session.History[len(session.History)-1]
	if last.Role != models.RoleAssistant || last.Content != maxIterationsMessage {
		t.Errorf("final turn = %+v, want cap message", last)
	}
}

func TestRunParallelToolOrderMatchesCallOrder(t *testing.T) {
	registry := NewRegistry()
	for _, tool := range []struct {
		name  string
		delay time.Duration
	}{
		{"slow", 50 * time.Millisecond},
		{"fast", 0},
	} {
		tool := tool
		err := registry.Register(&ToolRegistration{
			Name: tool.name,
			Executor: func(ctx context.Context, args json.RawMessage) (string, error) {
				if tool.delay > 0 {
					time.Sleep(tool.delay)
				}
				return tool.name + " result", nil
			},
		})
		if err != nil {
			t.Fatalf("register %s: %v", tool.name, err)
		}
	}

	client := &scriptedClient{script: []scriptedReply{
		{toolCalls: []models.ToolCall{
			{ID: "a", Name: "slow", Input: json.RawMessage(`{}`)},
			{ID: "b", Name: "fast", Input: json.RawMessage(`{}`)},
		}},
		{text: "done"},
	}}
	rt := newTestRuntime(t, client, registry, DispatcherConfig{Parallel: true}, RuntimeConfig{})
	session := models.NewSession("test", "alice")

	if _, err := rt.Run(context.Background(), session, "run both", RunOptions{}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Even though "fast" finishes first, the slow call's turn comes first
	// because it appeared first in the assistant response.
	if session.History[2].ToolCallID != "a" || session.History[3].ToolCallID != "b" {
		t.Errorf("tool turn order = %s, %s; want a, b",
			session.History[2].ToolCallID, session.History[3].ToolCallID)
	}
}

func TestRunCircuitOpenSurfacesCannedMessage(t *testing.T) {
	client := &scriptedClient{script: []scriptedReply{
		{err: &infra.CircuitOpenError{RetryAfter: 5 * time.Second}},
	}}
	rt := newTestRuntime(t, client, nil, DispatcherConfig{}, RuntimeConfig{})
	session := models.NewSession("test", "alice")

	text, err := rt.Run(context.Background(), session, "hello", RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(text, "temporarily unavailable") || !strings.Contains(text, "5s") {
		t.Errorf("text = %q, want canned circuit-open message", text)
	}
	last := session.History[len(session.History)-1]
	if last.Role != models.RoleAssistant || last.Content != text {
		t.Errorf("final turn = %+v, want canned message", last)
	}
}

func TestRunCancellationEndsWithoutFinalTurn(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	client := &scriptedClient{script: []scriptedReply{{err: context.Canceled}}}
	rt := newTestRuntime(t, client, nil, DispatcherConfig{}, RuntimeConfig{})
	session := models.NewSession("test", "alice")

	_, err := rt.Run(ctx, session, "hello", RunOptions{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	for _, turn := range session.History {
		if turn.Role == models.RoleAssistant {
			t.Errorf("unexpected assistant turn after cancellation: %+v", turn)
		}
	}
}

func TestRunStreamingEventSequence(t *testing.T) {
	call := models.ToolCall{ID: "tc-1", Name: "echo", Input: json.RawMessage(`{"text":"ping"}`)}
	client := &scriptedClient{script: []scriptedReply{
		{toolCalls: []models.ToolCall{call}},
		{text: "all done"},
	}}
	registry := NewRegistry()
	registerEcho(t, registry)
	rt := newTestRuntime(t, client, registry, DispatcherConfig{}, RuntimeConfig{})
	session := models.NewSession("test", "alice")

	var events []*models.StreamEvent
	for event := range rt.RunStreaming(context.Background(), session, "use echo", RunOptions{}) {
		events = append(events, event)
	}
	if len(events) == 0 {
		t.Fatal("no events")
	}

	last := events[len(events)-1]
	if last.Type != models.StreamAssistantDone {
		t.Fatalf("last event = %s, want assistant_done", last.Type)
	}
	doneCount := 0
	var text strings.Builder
	sawToolStart, sawToolResult := false, false
	for _, event := range events {
		switch event.Type {
		case models.StreamAssistantDone:
			doneCount++
		case models.StreamAssistantChunk:
			text.WriteString(event.Content)
		case models.StreamToolStart:
			sawToolStart = true
		case models.StreamToolResult:
			sawToolResult = true
		}
	}
	if doneCount != 1 {
		t.Errorf("assistant_done count = %d, want 1", doneCount)
	}
	if !sawToolStart || !sawToolResult {
		t.Errorf("tool events missing: start=%v result=%v", sawToolStart, sawToolResult)
	}
	if text.String() != "all done" {
		t.Errorf("aggregated text = %q, want %q", text.String(), "all done")
	}

	final := session.History[len(session.History)-1]
	if final.Role != models.RoleAssistant || final.Content != "all done" {
		t.Errorf("final turn = %+v, want committed aggregate", final)
	}
}

func TestRunStreamingErrorEventThenDone(t *testing.T) {
	client := &scriptedClient{script: []scriptedReply{
		{err: llm.NewProviderError("scripted", "m", errors.New("boom")).WithStatus(500)},
	}}
	rt := newTestRuntime(t, client, nil, DispatcherConfig{}, RuntimeConfig{})
	session := models.NewSession("test", "alice")

	var events []*models.StreamEvent
	for event := range rt.RunStreaming(context.Background(), session, "hello", RunOptions{}) {
		events = append(events, event)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want error + done", len(events))
	}
	if events[0].Type != models.StreamError {
		t.Errorf("first event = %s, want error", events[0].Type)
	}
	if strings.Contains(events[0].Content, "boom") {
		t.Errorf("error event leaked raw provider text: %q", events[0].Content)
	}
	if events[1].Type != models.StreamAssistantDone {
		t.Errorf("second event = %s, want assistant_done", events[1].Type)
	}
}

func TestTrimHistoryKeepsSummaryTurn(t *testing.T) {
	history := []models.ChatTurn{
		{Role: models.RoleSystem, Content: "Conversation summary: earlier"},
	}
	for i := 0; i < 10; i++ {
		history = append(history,
			models.ChatTurn{Role: models.RoleUser, Content: "q"},
			models.ChatTurn{Role: models.RoleAssistant, Content: "a"},
		)
	}

	trimmed := trimHistory(history, 5)
	if len(trimmed) != 5 {
		t.Fatalf("trimmed length = %d, want 5", len(trimmed))
	}
	if trimmed[0].Role != models.RoleSystem {
		t.Errorf("summary turn dropped by trim")
	}
	for _, turn := range trimmed {
		if turn.Role == models.RoleTool {
			t.Errorf("trim stranded a tool turn")
		}
	}
}

func TestTrimHistoryNeverStartsOnToolTurn(t *testing.T) {
	history := []models.ChatTurn{
		{Role: models.RoleUser, Content: "q1"},
		{Role: models.RoleAssistant, Content: models.ToolUsePlaceholder, ToolCalls: []models.ToolCall{{ID: "x", Name: "echo"}}},
		{Role: models.RoleTool, ToolCallID: "x", Content: "r"},
		{Role: models.RoleAssistant, Content: "a1"},
		{Role: models.RoleUser, Content: "q2"},
	}
	trimmed := trimHistory(history, 3)
	if trimmed[0].Role == models.RoleTool {
		t.Errorf("trimmed window starts on an orphaned tool turn")
	}
}

// searchStore stubs the store with a fixed search result set. The embedded
// interface is nil; only SearchNotes is ever called during recall.
type searchStore struct {
	memstore.Store
	matches []models.NoteMatch
	queries []string
}

func (s *searchStore) SearchNotes(ctx context.Context, query, prefix string, limit int) ([]models.NoteMatch, error) {
	s.queries = append(s.queries, query)
	return s.matches, nil
}

func TestRecallInjectsTransientTurn(t *testing.T) {
	store := &searchStore{matches: []models.NoteMatch{
		{Key: "prefs/editor", Snippet: "prefers vim"},
	}}
	client := &scriptedClient{script: []scriptedReply{{text: "noted"}}}
	registry := NewRegistry()
	dispatcher := NewDispatcher(registry, DispatcherConfig{}, nil, nil)
	rt := NewRuntime(client, registry, dispatcher, store, RuntimeConfig{
		Recall: RecallConfig{Enabled: true},
	}, nil)
	session := models.NewSession("test", "alice")

	if _, err := rt.Run(context.Background(), session, "what editor do I like?", RunOptions{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(store.queries) != 1 {
		t.Fatalf("search calls = %d, want 1", len(store.queries))
	}

	recall := session.History[0]
	if recall.Role != models.RoleSystem || !recall.Transient {
		t.Fatalf("turn 0 = %+v, want transient system turn", recall)
	}
	if !strings.Contains(recall.Content, "prefs/editor") || !strings.Contains(recall.Content, "prefers vim") {
		t.Errorf("recall content = %q", recall.Content)
	}
	if session.History[1].Role != models.RoleUser {
		t.Errorf("recall turn not inserted ahead of the user turn")
	}

	// The transient turn never survives persistence.
	for _, turn := range models.PersistentHistory(session.History) {
		if turn.Transient {
			t.Errorf("transient turn leaked into persistent history")
		}
	}
}

func TestRecallDegradesWithoutSearcher(t *testing.T) {
	client := &scriptedClient{script: []scriptedReply{{text: "ok"}}}
	rt := newTestRuntime(t, client, nil, DispatcherConfig{}, RuntimeConfig{
		Recall: RecallConfig{Enabled: true},
	})
	session := models.NewSession("test", "alice")

	if _, err := rt.Run(context.Background(), session, "hello", RunOptions{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if session.History[0].Role != models.RoleUser {
		t.Errorf("unexpected injected turn without a searcher: %+v", session.History[0])
	}
}

func TestCompactHistoryFoldsPrefix(t *testing.T) {
	client := &scriptedClient{script: []scriptedReply{{text: "they discussed many things"}}}
	rt := newTestRuntime(t, client, nil, DispatcherConfig{}, RuntimeConfig{
		Compaction: CompactionConfig{Enabled: true, Threshold: 10, KeepRecent: 4},
	})
	session := models.NewSession("test", "alice")
	for i := 0; i < 6; i++ {
		session.History = append(session.History,
			models.ChatTurn{Role: models.RoleUser, Content: "q"},
			models.ChatTurn{Role: models.RoleAssistant, Content: "a"},
		)
	}

	if !rt.NeedsCompaction(session) {
		t.Fatal("NeedsCompaction = false above threshold")
	}
	if err := rt.CompactHistory(context.Background(), session); err != nil {
		t.Fatalf("CompactHistory: %v", err)
	}

	if len(session.History) != 5 {
		t.Fatalf("history length = %d, want summary + 4 kept", len(session.History))
	}
	summary := session.History[0]
	if summary.Role != models.RoleSystem || !strings.HasPrefix(summary.Content, summaryPrefix) {
		t.Errorf("turn 0 = %+v, want summary system turn", summary)
	}
	if !strings.Contains(summary.Content, "they discussed many things") {
		t.Errorf("summary content = %q", summary.Content)
	}
	if session.State != models.SessionActive {
		t.Errorf("state = %s, want active restored", session.State)
	}
}

func TestCompactHistoryLeavesShortHistories(t *testing.T) {
	client := &scriptedClient{script: []scriptedReply{{text: "unused"}}}
	rt := newTestRuntime(t, client, nil, DispatcherConfig{}, RuntimeConfig{
		Compaction: CompactionConfig{Enabled: true, Threshold: 10, KeepRecent: 4},
	})
	session := models.NewSession("test", "alice")
	session.History = []models.ChatTurn{
		{Role: models.RoleUser, Content: "q"},
		{Role: models.RoleAssistant, Content: "a"},
	}

	if err := rt.CompactHistory(context.Background(), session); err != nil {
		t.Fatalf("CompactHistory: %v", err)
	}
	if len(session.History) != 2 {
		t.Errorf("history mutated below threshold")
	}
	if client.callCount() != 0 {
		t.Errorf("summarizer called below threshold")
	}
}

func TestCompactHistorySurvivesSummarizerFailure(t *testing.T) {
	client := &scriptedClient{script: []scriptedReply{
		{err: llm.NewProviderError("scripted", "m", errors.New("down")).WithStatus(500)},
	}}
	rt := newTestRuntime(t, client, nil, DispatcherConfig{}, RuntimeConfig{
		Compaction: CompactionConfig{Enabled: true, Threshold: 4, KeepRecent: 2},
	})
	session := models.NewSession("test", "alice")
	for i := 0; i < 4; i++ {
		session.History = append(session.History, models.ChatTurn{Role: models.RoleUser, Content: "q"})
	}

	if err := rt.CompactHistory(context.Background(), session); err == nil {
		t.Fatal("CompactHistory succeeded with a failing summarizer")
	}
	if len(session.History) != 4 {
		t.Errorf("history mutated after failed compaction")
	}
	if session.State != models.SessionActive {
		t.Errorf("state = %s, want active restored", session.State)
	}
}

func TestDelegateRunsChildWithScopedTools(t *testing.T) {
	// Script: parent asks to delegate; the child answers directly; the
	// parent then produces the final text.
	client := &scriptedClient{script: []scriptedReply{
		{toolCalls: []models.ToolCall{{
			ID:    "tc-1",
			Name:  DelegateToolName,
			Input: json.RawMessage(`{"profile":"researcher","task":"find facts"}`),
		}}},
		{text: "child answer"},
		{text: "parent final"},
	}}
	registry := NewRegistry()
	registerEcho(t, registry)
	dispatcher := NewDispatcher(registry, DispatcherConfig{}, nil, nil)
	rt := NewRuntime(client, registry, dispatcher, nil, RuntimeConfig{}, nil)

	err := rt.RegisterDelegation(DelegationConfig{
		Enabled:  true,
		MaxDepth: 1,
		Profiles: map[string]DelegateProfile{
			"researcher": {SystemPrompt: "You research.", AllowedTools: []string{"echo"}},
		},
	})
	if err != nil {
		t.Fatalf("RegisterDelegation: %v", err)
	}

	session := models.NewSession("test", "alice")
	text, err := rt.Run(context.Background(), session, "delegate this", RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if text != "parent final" {
		t.Errorf("text = %q, want parent final", text)
	}

	toolTurn := session.History[2]
	if toolTurn.Role != models.RoleTool || toolTurn.Content != "child answer" {
		t.Errorf("tool turn = %+v, want child answer", toolTurn)
	}

	// Child request: scoped tools (echo only, no delegate_agent at depth
	// cap) and the profile persona.
	childReq := client.request(1)
	if childReq.System != "You research." {
		t.Errorf("child system prompt = %q", childReq.System)
	}
	for _, spec := range childReq.Tools {
		if spec.Name == DelegateToolName {
			t.Errorf("child toolset includes %s at the depth cap", DelegateToolName)
		}
	}
	if len(childReq.Tools) != 1 || childReq.Tools[0].Name != "echo" {
		t.Errorf("child tools = %+v, want echo only", childReq.Tools)
	}
}

func TestDelegateDepthCap(t *testing.T) {
	client := &scriptedClient{script: []scriptedReply{{text: "unused"}}}
	registry := NewRegistry()
	dispatcher := NewDispatcher(registry, DispatcherConfig{}, nil, nil)
	rt := NewRuntime(client, registry, dispatcher, nil, RuntimeConfig{Depth: 1}, nil)

	cfg := DelegationConfig{
		Enabled:  true,
		MaxDepth: 1,
		Profiles: map[string]DelegateProfile{"researcher": {}},
	}
	if err := rt.RegisterDelegation(cfg); err != nil {
		t.Fatalf("RegisterDelegation: %v", err)
	}

	_, err := rt.delegate(context.Background(), cfg, delegateArgs{Profile: "researcher", Task: "go deeper"})
	if err == nil {
		t.Fatal("delegate succeeded past the depth cap")
	}
	if client.callCount() != 0 {
		t.Errorf("child runtime invoked despite the depth cap")
	}
}

func TestDelegateUnknownProfile(t *testing.T) {
	client := &scriptedClient{script: []scriptedReply{{text: "unused"}}}
	registry := NewRegistry()
	dispatcher := NewDispatcher(registry, DispatcherConfig{}, nil, nil)
	rt := NewRuntime(client, registry, dispatcher, nil, RuntimeConfig{}, nil)

	cfg := DelegationConfig{Enabled: true, MaxDepth: 2, Profiles: map[string]DelegateProfile{}}
	if _, err := rt.delegate(context.Background(), cfg, delegateArgs{Profile: "nope", Task: "x"}); err == nil {
		t.Fatal("delegate succeeded with an unknown profile")
	}
}
