package chatstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

const chatsFile = "chats.json"

// FileStore keeps the whole history in <dataDir>/chats.json. Every Append
// does load, append, save under the mutex, so concurrent batch completions
// never clobber each other.
type FileStore struct {
	mu   sync.Mutex
	path string
	log  *slog.Logger
}

// NewFileStore creates a FileStore rooted at dataDir.
func NewFileStore(dataDir string, log *slog.Logger) *FileStore {
	if log == nil {
		log = slog.Default()
	}
	return &FileStore{path: filepath.Join(dataDir, chatsFile), log: log}
}

func (s *FileStore) Append(_ context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.loadLocked()
	existing = append(existing, entries...)

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("chatstore: mkdir: %w", err)
	}
	data, err := json.MarshalIndent(existing, "", "  ")
	if err != nil {
		return fmt.Errorf("chatstore: marshal: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("chatstore: write: %w", err)
	}
	return nil
}

func (s *FileStore) List(_ context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(), nil
}

func (s *FileStore) Close() error { return nil }

// loadLocked reads the history file. A missing file is an empty history; a
// corrupt file is logged and treated as empty rather than failing reads.
func (s *FileStore) loadLocked() []Entry {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("chat history read failed", slog.String("path", s.path), slog.String("error", err.Error()))
		}
		return nil
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		s.log.Warn("chat history corrupt, starting empty", slog.String("path", s.path), slog.String("error", err.Error()))
		return nil
	}
	return entries
}
