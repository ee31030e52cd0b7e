package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

const (
	defaultRecallMaxNotes = 5
	defaultRecallMaxChars = 2000
)

// injectRecall searches the note index with the user's message and inserts
// the best matches as a transient system turn ahead of the user turn. The
// turn lives only for this request; it is never persisted. Recall degrades
// to a no-op when the store has no search capability or the search fails.
func (r *Runtime) injectRecall(ctx context.Context, session *models.Session, userText string) {
	if !r.config.Recall.Enabled || strings.TrimSpace(userText) == "" {
		return
	}
	searcher, ok := r.storeSearcher()
	if !ok {
		return
	}

	maxNotes := r.config.Recall.MaxNotes
	if maxNotes <= 0 {
		maxNotes = defaultRecallMaxNotes
	}
	maxChars := r.config.Recall.MaxChars
	if maxChars <= 0 {
		maxChars = defaultRecallMaxChars
	}

	matches, err := searcher.SearchNotes(ctx, userText, "", maxNotes)
	if err != nil {
		r.logger.Warn("note recall failed", "session_id", session.ID, "error", err)
		return
	}
	if len(matches) == 0 {
		return
	}

	content := formatRecall(matches, maxChars)
	if content == "" {
		return
	}

	turn := models.ChatTurn{
		Role:      models.RoleSystem,
		Content:   content,
		Timestamp: time.Now().UTC(),
		Transient: true,
	}

	// Insert ahead of the user turn appended by the prelude so the model
	// reads the notes before the question.
	history := session.History
	if n := len(history); n > 0 && history[n-1].Role == models.RoleUser {
		history = append(history[:n-1], turn, history[n-1])
	} else {
		history = append(history, turn)
	}
	session.History = history
}

// formatRecall renders matches into the transient turn body, stopping once
// the character budget is spent.
func formatRecall(matches []models.NoteMatch, maxChars int) string {
	var b strings.Builder
	b.WriteString("Relevant notes from memory:\n")
	wrote := false
	for _, match := range matches {
		line := fmt.Sprintf("- %s: %s\n", match.Key, match.Snippet)
		if b.Len()+len(line) > maxChars {
			break
		}
		b.WriteString(line)
		wrote = true
	}
	if !wrote {
		return ""
	}
	return strings.TrimRight(b.String(), "\n")
}
