// Package memstore persists sessions, notes, and branches. The primary
// implementation is a file store with atomic writes; an optional sqlite
// index adds full-text note search.
package memstore

import (
	"context"
	"errors"

	"github.com/haasonsaas/relay/pkg/models"
)

// ErrNotFound is returned when the requested entity does not exist.
var ErrNotFound = errors.New("memstore: not found")

// ErrInvalidKey is returned when a note key contains path-traversal
// characters.
var ErrInvalidKey = errors.New("memstore: invalid key")

// Store is the persistence contract. All writes are atomic (temp file plus
// rename); concurrent writers to the same key are last-writer-wins.
type Store interface {
	// Sessions
	GetSession(ctx context.Context, id string) (*models.Session, error)
	SaveSession(ctx context.Context, session *models.Session) error
	DeleteSession(ctx context.Context, id string) error

	// Notes
	LoadNote(ctx context.Context, key string) (*models.Note, error)
	SaveNote(ctx context.Context, key, content string) error
	DeleteNote(ctx context.Context, key string) error
	ListNotesWithPrefix(ctx context.Context, prefix string) ([]string, error)

	// Branches
	SaveBranch(ctx context.Context, branch *models.Branch) error
	LoadBranch(ctx context.Context, branchID string) (*models.Branch, error)
	ListBranches(ctx context.Context, sessionID string) ([]*models.Branch, error)
	DeleteBranch(ctx context.Context, branchID string) error
	// DeleteSessionBranches removes every branch belonging to a session.
	DeleteSessionBranches(ctx context.Context, sessionID string) error
}

// Searcher is the optional full-text search capability. Callers probe for
// it with a type assertion; stores without it degrade gracefully.
type Searcher interface {
	SearchNotes(ctx context.Context, query, prefix string, limit int) ([]models.NoteMatch, error)
}
