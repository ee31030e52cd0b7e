package sessions

import (
	"context"

	"github.com/haasonsaas/relay/internal/memstore"
	"github.com/haasonsaas/relay/pkg/models"
)

// Branch snapshots the session's current history under a name and persists
// it. The snapshot is deep-copied; later turns do not leak into it.
func (m *Manager) Branch(ctx context.Context, session *models.Session, name string) (string, error) {
	branch := models.NewBranch(session.ID, name, session.History)
	if err := m.store.SaveBranch(ctx, branch); err != nil {
		return "", err
	}
	return branch.BranchID, nil
}

// RestoreBranch replaces the session's history with a copy of the branch's
// snapshot. Returns false when the branch is unknown. The branch itself is
// immutable; restoring twice yields the same history.
func (m *Manager) RestoreBranch(ctx context.Context, session *models.Session, branchID string) (bool, error) {
	branch, err := m.store.LoadBranch(ctx, branchID)
	if err == memstore.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	session.History = models.CloneHistory(branch.History)
	session.Touch()
	return true, nil
}

// ListBranches returns the persisted branches of a session.
func (m *Manager) ListBranches(ctx context.Context, sessionID string) ([]*models.Branch, error) {
	return m.store.ListBranches(ctx, sessionID)
}

// DeleteBranch removes one branch.
func (m *Manager) DeleteBranch(ctx context.Context, branchID string) error {
	return m.store.DeleteBranch(ctx, branchID)
}
