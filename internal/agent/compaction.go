package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/relay/internal/llm"
	"github.com/haasonsaas/relay/pkg/models"
)

const (
	defaultCompactionThreshold  = 60
	defaultCompactionKeepRecent = 20

	compactionSystemPrompt = "You summarize conversations. Produce a compact third-person summary " +
		"of the conversation so far: the user's goals, decisions made, facts established, " +
		"and any unresolved threads. Plain prose, no preamble."

	summaryPrefix = "Conversation summary: "
)

// NeedsCompaction reports whether the session history has grown past the
// compaction threshold.
func (r *Runtime) NeedsCompaction(session *models.Session) bool {
	if !r.config.Compaction.Enabled {
		return false
	}
	threshold := r.config.Compaction.Threshold
	if threshold <= 0 {
		threshold = defaultCompactionThreshold
	}
	return len(session.History) >= threshold
}

// CompactHistory replaces the oldest turns of the session with a single
// system summary turn, keeping the most recent turns verbatim. It runs
// synchronously between turns; the caller must hold the session's turn
// slot. On any failure the history is left untouched.
func (r *Runtime) CompactHistory(ctx context.Context, session *models.Session) error {
	if !r.NeedsCompaction(session) {
		return nil
	}

	keep := r.config.Compaction.KeepRecent
	if keep <= 0 {
		keep = defaultCompactionKeepRecent
	}
	history := models.PersistentHistory(session.History)
	if len(history) <= keep {
		return nil
	}

	cut := len(history) - keep
	// Never strand tool turns from the assistant turn that requested them.
	for cut > 0 && history[cut].Role == models.RoleTool {
		cut--
	}
	if cut <= 0 {
		return nil
	}

	prior := session.State
	session.State = models.SessionCompacting
	defer func() { session.State = prior }()

	summary, err := r.summarize(ctx, history[:cut])
	if err != nil {
		return fmt.Errorf("compact session %s: %w", session.ID, err)
	}

	compacted := make([]models.ChatTurn, 0, keep+1)
	compacted = append(compacted, models.ChatTurn{
		Role:      models.RoleSystem,
		Content:   summaryPrefix + summary,
		Timestamp: time.Now().UTC(),
	})
	compacted = append(compacted, history[cut:]...)
	session.History = compacted

	r.logger.Info("compacted session history",
		"session_id", session.ID,
		"summarized_turns", cut,
		"kept_turns", len(compacted))
	return nil
}

// summarize runs a dedicated LLM call over the turns being folded away.
// Tool turns are rendered inline so the summary can reference what the
// tools returned.
func (r *Runtime) summarize(ctx context.Context, turns []models.ChatTurn) (string, error) {
	var transcript strings.Builder
	for _, turn := range turns {
		switch turn.Role {
		case models.RoleTool:
			fmt.Fprintf(&transcript, "[tool %s]: %s\n", turn.ToolName, turn.Content)
		case models.RoleAssistant:
			if len(turn.ToolCalls) > 0 {
				names := make([]string, len(turn.ToolCalls))
				for i, call := range turn.ToolCalls {
					names[i] = call.Name
				}
				fmt.Fprintf(&transcript, "assistant: (called tools: %s)\n", strings.Join(names, ", "))
				continue
			}
			fmt.Fprintf(&transcript, "assistant: %s\n", turn.Content)
		default:
			fmt.Fprintf(&transcript, "%s: %s\n", turn.Role, turn.Content)
		}
	}

	req := &llm.CompletionRequest{
		Model:  r.config.Model,
		System: compactionSystemPrompt,
		Messages: []llm.Message{{
			Role:    string(models.RoleUser),
			Content: transcript.String(),
		}},
		MaxTokens: 1024,
	}

	completion, err := r.client.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	summary := strings.TrimSpace(completion.Text)
	if summary == "" {
		return "", fmt.Errorf("summarizer returned empty text")
	}
	return summary, nil
}
