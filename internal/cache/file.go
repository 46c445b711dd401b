package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStore keeps one JSON file per fingerprint under a root directory.
// Writes go through a temp file and an atomic rename, so a crash between
// compute and persist never corrupts an existing valid entry.
type FileStore struct {
	mu   sync.Mutex
	root string
}

func NewFileStore(root string) (*FileStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("cache: root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) Lookup(_ context.Context, fingerprint string) (Entry, bool, error) {
	if s == nil {
		return Entry{}, false, fmt.Errorf("cache: store is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(fingerprint)
}

func (s *FileStore) Put(_ context.Context, entry Entry) (Entry, error) {
	if s == nil {
		return Entry{}, fmt.Errorf("cache: store is nil")
	}
	if strings.TrimSpace(entry.Fingerprint) == "" {
		return Entry{}, fmt.Errorf("cache: entry fingerprint is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok, err := s.readLocked(entry.Fingerprint)
	if err != nil {
		return Entry{}, err
	}
	if ok {
		winner, replaced := merge(current, entry)
		if !replaced {
			return winner, nil
		}
		entry = winner
	}

	raw, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return Entry{}, err
	}
	path := s.path(entry.Fingerprint)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return Entry{}, err
	}
	if err := os.Rename(tmp, path); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) readLocked(fingerprint string) (Entry, bool, error) {
	raw, err := os.ReadFile(s.path(fingerprint))
	if err != nil {
		if os.IsNotExist(err) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("cache: corrupt entry for %s: %w", fingerprint, err)
	}
	return entry, true, nil
}

func (s *FileStore) path(fingerprint string) string {
	return filepath.Join(s.root, fingerprint+".json")
}
