package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/opencode-ai/turnstream/pkg/types"
)

// FileStore keeps one JSON file per turn under basePath/turn/<id>.json and a
// per-scope index directory basePath/scope/<scope>/<id>.json.
type FileStore struct {
	basePath string
	locks    *lockTable
}

// NewFileStore creates a file store rooted at basePath.
func NewFileStore(basePath string) *FileStore {
	return &FileStore{
		basePath: basePath,
		locks:    newLockTable(),
	}
}

func (s *FileStore) turnPath(id string) string {
	return filepath.Join(s.basePath, "turn", url.PathEscape(id)+".json")
}

func (s *FileStore) scopeDir(scope string) string {
	return filepath.Join(s.basePath, "scope", url.PathEscape(scope))
}

// UpsertTurn writes the record atomically under an exclusive file lock.
func (s *FileStore) UpsertTurn(ctx context.Context, rec types.TurnRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	path := s.turnPath(rec.ID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	unlock, err := s.locks.lock(path)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer unlock()

	var existing types.TurnRecord
	if err := readJSON(path, &existing); err == nil && !existing.CreatedAt.IsZero() {
		rec.CreatedAt = existing.CreatedAt
	}

	if err := writeJSON(path, rec); err != nil {
		return err
	}

	if rec.ConversationScope != "" {
		dir := s.scopeDir(rec.ConversationScope)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create scope index: %w", err)
		}
		marker := filepath.Join(dir, url.PathEscape(rec.ID)+".json")
		if _, err := os.Stat(marker); os.IsNotExist(err) {
			if err := os.WriteFile(marker, []byte("{}"), 0644); err != nil {
				return fmt.Errorf("failed to write scope index: %w", err)
			}
		}
	}
	return nil
}

// GetTurn reads a single record.
func (s *FileStore) GetTurn(ctx context.Context, id string) (types.TurnRecord, error) {
	var rec types.TurnRecord
	if err := readJSON(s.turnPath(id), &rec); err != nil {
		return types.TurnRecord{}, err
	}
	return rec, nil
}

// ListTurns reads every record indexed under scope.
func (s *FileStore) ListTurns(ctx context.Context, scope string) ([]types.TurnRecord, error) {
	entries, err := os.ReadDir(s.scopeDir(scope))
	if err != nil {
		if os.IsNotExist(err) {
			return []types.TurnRecord{}, nil
		}
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	records := make([]types.TurnRecord, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id, err := url.PathUnescape(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		rec, err := s.GetTurn(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error { return nil }

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to read file: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal: %w", err)
	}
	return nil
}

// writeJSON writes to a temp file first, then renames it into place.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}
