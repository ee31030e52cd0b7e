package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

const (
	sessionsDir = "sessions"
	notesDir    = "notes"
	branchesDir = "branches"

	fileExt = ".json"
)

// FileStore persists each entity as one JSON file under the base directory.
// Writes go through a temp file and rename, so readers never observe a
// partial file and concurrent writers are last-writer-wins.
type FileStore struct {
	baseDir string
	logger  *slog.Logger
}

// NewFileStore creates the store and its subdirectories.
func NewFileStore(baseDir string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, sub := range []string{sessionsDir, notesDir, branchesDir} {
		if err := os.MkdirAll(filepath.Join(baseDir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("memstore: create %s dir: %w", sub, err)
		}
	}
	return &FileStore{baseDir: baseDir, logger: logger}, nil
}

// BaseDir returns the store's base directory.
func (s *FileStore) BaseDir() string {
	return s.baseDir
}

func (s *FileStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var session models.Session
	if err := s.readEntity(sessionsDir, id, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *FileStore) SaveSession(ctx context.Context, session *models.Session) error {
	return s.writeEntity(sessionsDir, session.ID, session)
}

func (s *FileStore) DeleteSession(ctx context.Context, id string) error {
	return s.deleteEntity(sessionsDir, id)
}

func (s *FileStore) LoadNote(ctx context.Context, key string) (*models.Note, error) {
	if !validNoteKey(key) {
		return nil, ErrInvalidKey
	}
	var note models.Note
	if err := s.readEntity(notesDir, key, &note); err != nil {
		return nil, err
	}
	return &note, nil
}

func (s *FileStore) SaveNote(ctx context.Context, key, content string) error {
	if !validNoteKey(key) {
		return ErrInvalidKey
	}
	note := models.Note{
		Key:       key,
		Content:   content,
		UpdatedAt: time.Now().UTC(),
	}
	return s.writeEntity(notesDir, key, &note)
}

func (s *FileStore) DeleteNote(ctx context.Context, key string) error {
	if !validNoteKey(key) {
		return ErrInvalidKey
	}
	return s.deleteEntity(notesDir, key)
}

func (s *FileStore) ListNotesWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.baseDir, notesDir))
	if err != nil {
		return nil, fmt.Errorf("memstore: list notes: %w", err)
	}

	var keys []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), fileExt) {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), fileExt)
		key, err := decodeID(name)
		if err != nil {
			// Legacy unencoded filename; the raw name is the key.
			key = name
		}
		if prefix == "" || strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (s *FileStore) SaveBranch(ctx context.Context, branch *models.Branch) error {
	return s.writeEntity(branchesDir, branch.BranchID, branch)
}

func (s *FileStore) LoadBranch(ctx context.Context, branchID string) (*models.Branch, error) {
	var branch models.Branch
	if err := s.readEntity(branchesDir, branchID, &branch); err != nil {
		return nil, err
	}
	return &branch, nil
}

func (s *FileStore) ListBranches(ctx context.Context, sessionID string) ([]*models.Branch, error) {
	entries, err := os.ReadDir(filepath.Join(s.baseDir, branchesDir))
	if err != nil {
		return nil, fmt.Errorf("memstore: list branches: %w", err)
	}

	var branches []*models.Branch
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), fileExt) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.baseDir, branchesDir, entry.Name()))
		if err != nil {
			s.logger.Warn("skipping unreadable branch file", "file", entry.Name(), "error", err)
			continue
		}
		var branch models.Branch
		if err := json.Unmarshal(data, &branch); err != nil {
			s.logger.Warn("skipping corrupt branch file", "file", entry.Name(), "error", err)
			continue
		}
		if branch.SessionID == sessionID {
			branches = append(branches, &branch)
		}
	}
	return branches, nil
}

func (s *FileStore) DeleteBranch(ctx context.Context, branchID string) error {
	return s.deleteEntity(branchesDir, branchID)
}

func (s *FileStore) DeleteSessionBranches(ctx context.Context, sessionID string) error {
	branches, err := s.ListBranches(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, branch := range branches {
		if err := s.DeleteBranch(ctx, branch.BranchID); err != nil && err != ErrNotFound {
			return err
		}
	}
	return nil
}

func (s *FileStore) entityPath(sub, id string) string {
	return filepath.Join(s.baseDir, sub, encodeID(id)+fileExt)
}

func (s *FileStore) writeEntity(sub, id string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("memstore: marshal %s/%s: %w", sub, id, err)
	}
	if err := writeFileAtomic(s.entityPath(sub, id), data, 0o644); err != nil {
		return fmt.Errorf("memstore: write %s/%s: %w", sub, id, err)
	}
	return nil
}

// readEntity loads an entity, falling back to its legacy unencoded filename
// and migrating it to the encoded name on the way.
func (s *FileStore) readEntity(sub, id string, v any) error {
	path := s.entityPath(sub, id)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		data, err = s.readLegacy(sub, id, path)
	}
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("memstore: read %s/%s: %w", sub, id, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("memstore: decode %s/%s: %w", sub, id, err)
	}
	return nil
}

func (s *FileStore) readLegacy(sub, id, encodedPath string) ([]byte, error) {
	if !legacyNameSafe(id) || encodeID(id) == id {
		return nil, os.ErrNotExist
	}
	legacyPath := filepath.Join(s.baseDir, sub, id+fileExt)
	data, err := os.ReadFile(legacyPath)
	if err != nil {
		return nil, err
	}
	// Migrate to the encoded name, then drop the legacy file.
	if err := writeFileAtomic(encodedPath, data, 0o644); err != nil {
		s.logger.Warn("legacy migration write failed", "path", legacyPath, "error", err)
		return data, nil
	}
	if err := os.Remove(legacyPath); err != nil {
		s.logger.Warn("legacy file removal failed", "path", legacyPath, "error", err)
	}
	return data, nil
}

func (s *FileStore) deleteEntity(sub, id string) error {
	err := os.Remove(s.entityPath(sub, id))
	if os.IsNotExist(err) {
		// Legacy name may still exist.
		if legacyNameSafe(id) && encodeID(id) != id {
			legacyErr := os.Remove(filepath.Join(s.baseDir, sub, id+fileExt))
			if legacyErr == nil {
				return nil
			}
			if os.IsNotExist(legacyErr) {
				return ErrNotFound
			}
			return legacyErr
		}
		return ErrNotFound
	}
	return err
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
