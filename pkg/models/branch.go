package models

import (
	"time"

	"github.com/google/uuid"
)

// Branch is an immutable snapshot of a session's history.
//
// Restoring a branch replaces the live session's history with a copy of the
// branch history; the branch itself is never mutated after creation.
type Branch struct {
	BranchID  string     `json:"branch_id"`
	SessionID string     `json:"session_id"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"created_at"`
	History   []ChatTurn `json:"history"`
}

// NewBranch snapshots the given session history under a fresh branch id.
func NewBranch(sessionID, name string, history []ChatTurn) *Branch {
	return &Branch{
		BranchID:  uuid.NewString(),
		SessionID: sessionID,
		Name:      name,
		CreatedAt: time.Now(),
		History:   CloneHistory(PersistentHistory(history)),
	}
}

// Clone returns a deep copy of the branch.
func (b *Branch) Clone() *Branch {
	if b == nil {
		return nil
	}
	clone := *b
	clone.History = CloneHistory(b.History)
	return &clone
}
