package memstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/haasonsaas/relay/pkg/models"
)

// NoteIndex is a sqlite FTS5 index over note content. It backs the optional
// SearchNotes capability; the file store remains the source of truth and
// the index can be rebuilt from it at any time.
type NoteIndex struct {
	db *sql.DB
}

// OpenNoteIndex opens (or creates) the index database. Pass ":memory:" for
// an ephemeral index.
func OpenNoteIndex(path string) (*NoteIndex, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("memstore: open note index: %w", err)
	}
	// The index is written from at most a handful of goroutines; a single
	// connection sidesteps sqlite's writer contention.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`CREATE VIRTUAL TABLE IF NOT EXISTS notes_fts USING fts5(key UNINDEXED, content)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("memstore: create fts table: %w", err)
	}
	return &NoteIndex{db: db}, nil
}

// Close releases the underlying database.
func (ix *NoteIndex) Close() error {
	return ix.db.Close()
}

// Index upserts one note.
func (ix *NoteIndex) Index(ctx context.Context, key, content string) error {
	if _, err := ix.db.ExecContext(ctx, `DELETE FROM notes_fts WHERE key = ?`, key); err != nil {
		return fmt.Errorf("memstore: index note: %w", err)
	}
	if _, err := ix.db.ExecContext(ctx, `INSERT INTO notes_fts (key, content) VALUES (?, ?)`, key, content); err != nil {
		return fmt.Errorf("memstore: index note: %w", err)
	}
	return nil
}

// Remove drops one note from the index.
func (ix *NoteIndex) Remove(ctx context.Context, key string) error {
	if _, err := ix.db.ExecContext(ctx, `DELETE FROM notes_fts WHERE key = ?`, key); err != nil {
		return fmt.Errorf("memstore: remove note: %w", err)
	}
	return nil
}

// Search runs a ranked full-text query, optionally restricted to a key
// prefix.
func (ix *NoteIndex) Search(ctx context.Context, query, prefix string, limit int) ([]models.NoteMatch, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	sqlQuery := `SELECT key, snippet(notes_fts, 1, '', '', '...', 16), bm25(notes_fts)
		FROM notes_fts WHERE notes_fts MATCH ?`
	args := []any{match}
	if prefix != "" {
		sqlQuery += ` AND key LIKE ? ESCAPE '\'`
		args = append(args, likePrefix(prefix))
	}
	sqlQuery += ` ORDER BY bm25(notes_fts) LIMIT ?`
	args = append(args, limit)

	rows, err := ix.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("memstore: search notes: %w", err)
	}
	defer rows.Close()

	var matches []models.NoteMatch
	for rows.Next() {
		var m models.NoteMatch
		var rank float64
		if err := rows.Scan(&m.Key, &m.Snippet, &rank); err != nil {
			return nil, fmt.Errorf("memstore: search notes: %w", err)
		}
		// bm25 returns lower-is-better; flip it so higher score wins.
		m.Score = -rank
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// ftsQuery turns free text into an FTS5 MATCH expression, quoting each term
// so user input cannot inject query syntax.
func ftsQuery(query string) string {
	terms := strings.Fields(query)
	if len(terms) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(terms))
	for _, term := range terms {
		term = strings.ReplaceAll(term, `"`, `""`)
		quoted = append(quoted, `"`+term+`"`)
	}
	return strings.Join(quoted, " ")
}

func likePrefix(prefix string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(prefix) + "%"
}

// IndexedStore is a FileStore with the search capability attached. Note
// writes update the index best-effort; an index failure never fails the
// note write.
type IndexedStore struct {
	*FileStore
	index *NoteIndex
}

// NewIndexedStore attaches a note index to a file store.
func NewIndexedStore(files *FileStore, index *NoteIndex) *IndexedStore {
	return &IndexedStore{FileStore: files, index: index}
}

func (s *IndexedStore) SaveNote(ctx context.Context, key, content string) error {
	if err := s.FileStore.SaveNote(ctx, key, content); err != nil {
		return err
	}
	if err := s.index.Index(ctx, key, content); err != nil {
		s.logger.Warn("note index update failed", "key", key, "error", err)
	}
	return nil
}

func (s *IndexedStore) DeleteNote(ctx context.Context, key string) error {
	if err := s.FileStore.DeleteNote(ctx, key); err != nil {
		return err
	}
	if err := s.index.Remove(ctx, key); err != nil {
		s.logger.Warn("note index removal failed", "key", key, "error", err)
	}
	return nil
}

// SearchNotes implements the optional Searcher capability.
func (s *IndexedStore) SearchNotes(ctx context.Context, query, prefix string, limit int) ([]models.NoteMatch, error) {
	return s.index.Search(ctx, query, prefix, limit)
}

// Reindex rebuilds the index from the file store's current notes.
func (s *IndexedStore) Reindex(ctx context.Context) error {
	keys, err := s.ListNotesWithPrefix(ctx, "")
	if err != nil {
		return err
	}
	for _, key := range keys {
		note, err := s.LoadNote(ctx, key)
		if err != nil {
			s.logger.Warn("reindex skipping note", "key", key, "error", err)
			continue
		}
		if err := s.index.Index(ctx, note.Key, note.Content); err != nil {
			return err
		}
	}
	return nil
}
