// Package storage keeps artifact bytes on disk so entities only carry a key.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"studio/pkg/datauri"
)

// ErrNotExist is returned by Read for keys that were never written or were deleted.
var ErrNotExist = errors.New("storage: object does not exist")

// FileStore persists artifacts onto the local filesystem.
type FileStore struct {
	basePath string
}

// NewFileStore initializes a FileStore rooted at basePath.
func NewFileStore(basePath string) (*FileStore, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, errors.New("storage: base path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure base path: %w", err)
	}
	return &FileStore{basePath: basePath}, nil
}

// BasePath returns the configured root directory.
func (s *FileStore) BasePath() string {
	if s == nil {
		return ""
	}
	return s.basePath
}

// ArtifactKey is the key one version of an entity's output is stored under.
// All versions of an entity share the ArtifactPrefix.
func ArtifactKey(entityID, version, mime string) string {
	return ArtifactPrefix(entityID) + "/" + version + datauri.Extension(mime)
}

// ArtifactPrefix groups the stored outputs of one entity.
func ArtifactPrefix(entityID string) string {
	return "artifacts/" + entityID
}

// Write persists data at key and returns the canonical key. The file is
// written to a temporary name first so readers never see a partial artifact.
func (s *FileStore) Write(ctx context.Context, key string, data []byte) (string, error) {
	fullPath, cleanKey, err := s.locate(ctx, key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return "", fmt.Errorf("storage: ensure directory: %w", err)
	}
	tmp := fullPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("storage: write file: %w", err)
	}
	if err := os.Rename(tmp, fullPath); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("storage: commit file: %w", err)
	}
	return cleanKey, nil
}

// Read returns the bytes stored at key.
func (s *FileStore) Read(ctx context.Context, key string) ([]byte, error) {
	fullPath, _, err := s.locate(ctx, key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(fullPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read file: %w", err)
	}
	return data, nil
}

// Delete removes the object at key. Deleting a missing key is not an error.
// The parent directory goes too once it is empty.
func (s *FileStore) Delete(ctx context.Context, key string) error {
	fullPath, _, err := s.locate(ctx, key)
	if err != nil {
		return err
	}
	if err := os.Remove(fullPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("storage: delete: %w", err)
	}
	if dir := filepath.Dir(fullPath); dir != filepath.Clean(s.basePath) {
		_ = os.Remove(dir)
	}
	return nil
}

// Prune removes the objects directly under prefix that are not newer than
// keep, leaving keep itself. Objects written after keep belong to a later
// attempt and stay. It returns how many objects were removed.
func (s *FileStore) Prune(ctx context.Context, prefix, keep string) (int, error) {
	dir, _, err := s.locate(ctx, prefix)
	if err != nil {
		return 0, err
	}
	keepPath, _, err := s.locate(ctx, keep)
	if err != nil {
		return 0, err
	}
	keepInfo, err := os.Stat(keepPath)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("storage: stat: %w", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("storage: list: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || strings.HasSuffix(entry.Name(), ".tmp") {
			continue
		}
		fullPath := filepath.Join(dir, entry.Name())
		if fullPath == keepPath {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(keepInfo.ModTime()) {
			continue
		}
		if err := os.Remove(fullPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, fmt.Errorf("storage: prune: %w", err)
		}
		removed++
	}
	return removed, nil
}

// DeletePrefix removes every object under prefix, e.g. all artifacts of an entity.
func (s *FileStore) DeletePrefix(ctx context.Context, prefix string) error {
	fullPath, _, err := s.locate(ctx, prefix)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(fullPath); err != nil {
		return fmt.Errorf("storage: delete: %w", err)
	}
	return nil
}

func (s *FileStore) locate(ctx context.Context, key string) (fullPath, cleanKey string, err error) {
	if s == nil {
		return "", "", errors.New("storage: no store configured")
	}
	if err := ctx.Err(); err != nil {
		return "", "", err
	}
	cleanKey, err = sanitizeKey(key)
	if err != nil {
		return "", "", err
	}
	return filepath.Join(s.basePath, filepath.FromSlash(cleanKey)), cleanKey, nil
}

// sanitizeKey normalizes a key and prevents escaping the storage root.
func sanitizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("storage: key is required")
	}
	key = strings.ReplaceAll(key, "\\", "/")
	key = strings.TrimPrefix(key, "./")
	key = strings.TrimLeft(key, "/")
	cleaned := filepath.ToSlash(filepath.Clean(key))
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", errors.New("storage: invalid key")
	}
	return cleaned, nil
}
