package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileStore keeps the conversation log in a single JSON file. Writes go to
// a temp file first and are renamed into place so a crash never leaves a
// half-written store.
type FileStore struct {
	path   string
	limits Limits

	mu    sync.RWMutex
	turns History
}

type fileFormat struct {
	Messages    History   `json:"messages"`
	LastUpdated time.Time `json:"last_updated"`
}

// NewFileStore loads the file once at construction. An absent or malformed
// file is logged and treated as empty history, never fatal.
func NewFileStore(path string, limits Limits) *FileStore {
	s := &FileStore{path: path, limits: limits}

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Printf("memory: read %s: %v (starting empty)", path, err)
		}
		return s
	}
	var parsed fileFormat
	if err := json.Unmarshal(data, &parsed); err != nil {
		log.Printf("memory: malformed %s: %v (starting empty)", path, err)
		return s
	}
	s.turns = evict(parsed.Messages, limits, time.Now().UTC())
	log.Printf("memory: loaded %d turns from %s", len(s.turns), path)
	return s
}

func (s *FileStore) Load(_ context.Context) (History, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(History, len(s.turns))
	copy(out, s.turns)
	return out, nil
}

func (s *FileStore) Append(_ context.Context, turn Turn) error {
	if emptyText(turn.Text) {
		return nil
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, turn)
	s.turns = evict(s.turns, s.limits, time.Now().UTC())
	return s.save()
}

func (s *FileStore) Snapshot(_ context.Context, maxChars int) (History, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	trimmed := trimToCharBudget(evict(s.turns, s.limits, time.Now().UTC()), maxChars)
	out := make(History, len(trimmed))
	copy(out, trimmed)
	return out, nil
}

func (s *FileStore) Stats(_ context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return statsFor(s.turns, time.Now().UTC()), nil
}

func (s *FileStore) Close() error { return nil }

// save writes the full log through atomically. Caller holds the lock.
func (s *FileStore) save() error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create memory dir: %w", err)
		}
	}

	data, err := json.MarshalIndent(fileFormat{Messages: s.turns, LastUpdated: time.Now().UTC()}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode memory: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write memory temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace memory file: %w", err)
	}
	return nil
}
