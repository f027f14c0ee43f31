// Package persistence provides debounced, atomic JSON file persistence
// shared by SessionBinding and SessionMonitor's state files.
package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/beastoin/ccbot/internal/logging"
)

// SaveDelay is the debounce window collapsing multiple schedule_save
// calls into one write.
const SaveDelay = 500 * time.Millisecond

// Store is a debounced, atomic JSON file writer for a single state file.
// Multiple calls to ScheduleSave within SaveDelay collapse into one write.
type Store struct {
	path      string
	serialize func() any
	log       *logging.Logger

	mu     sync.Mutex
	dirty  bool
	timer  *time.Timer
	stopCh chan struct{}
}

// New creates a Store writing to path. serialize is called at write time
// to obtain the current state to persist.
func New(path string, log *logging.Logger, serialize func() any) *Store {
	return &Store{path: path, serialize: serialize, log: log}
}

// ScheduleSave marks the state dirty and arms a debounced save timer,
// resetting it if one is already armed.
func (s *Store) ScheduleSave() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dirty = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(SaveDelay, s.doSave)
}

func (s *Store) doSave() {
	s.mu.Lock()
	s.timer = nil
	dirty := s.dirty
	s.mu.Unlock()

	if !dirty {
		return
	}
	if err := s.writeNow(); err != nil {
		if s.log != nil {
			s.log.Error("failed to save state", "path", s.path, "err", err.Error())
		}
		return
	}
	s.mu.Lock()
	s.dirty = false
	s.mu.Unlock()
}

func (s *Store) writeNow() error {
	state := s.serialize()
	return WriteJSONAtomic(s.path, state)
}

// Flush cancels any pending debounce timer and writes immediately if dirty.
func (s *Store) Flush() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	dirty := s.dirty
	s.mu.Unlock()

	if !dirty {
		return
	}
	if err := s.writeNow(); err != nil {
		if s.log != nil {
			s.log.Error("failed to flush state", "path", s.path, "err", err.Error())
		}
		return
	}
	s.mu.Lock()
	s.dirty = false
	s.mu.Unlock()
}

// Load reads the JSON file at path into out. Missing or invalid files are
// treated as empty: out is left unmodified and no error is returned.
func Load(path string, log *logging.Logger, out any) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	if err := json.Unmarshal(data, out); err != nil {
		if log != nil {
			log.Warn("failed to load state, starting fresh", "path", path, "err", err.Error())
		}
	}
}

// WriteJSONAtomic marshals v as indented JSON and writes it to path via a
// sibling temp file + fsync + atomic rename, matching the teacher's and
// the original's atomic_write_json pattern.
func WriteJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
