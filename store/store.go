// Package store keeps the durable run state: resolved identifiers, fetched
// URLs, and backend health. The file on disk is plain JSON so operators can
// inspect and edit it between runs.
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pwr-usr/argos-scraper/backoff"
)

// Outcome is the terminal resolution of an identifier.
type Outcome string

const (
	OutcomeFound    Outcome = "found"
	OutcomeNotFound Outcome = "not_found"
)

// Resolution records the final outcome for one identifier.
type Resolution struct {
	Outcome    Outcome   `json:"outcome"`
	URL        string    `json:"url,omitempty"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// State is the aggregate persisted between runs.
type State struct {
	Resolved map[string]Resolution     `json:"resolved"`
	SeenURLs map[string]bool           `json:"seen_urls"`
	Backends map[string]backoff.Health `json:"backends"`
}

func newState() *State {
	return &State{
		Resolved: make(map[string]Resolution),
		SeenURLs: make(map[string]bool),
		Backends: make(map[string]backoff.Health),
	}
}

// Store owns the State. All mutation goes through its methods.
type Store struct {
	path string

	mu    sync.Mutex
	state *State
}

// Open loads the state file at path. A missing or corrupted file yields a
// fresh empty state with a logged warning; it never fails the run.
func Open(path string) *Store {
	s := &Store{path: path, state: newState()}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("state file unreadable, starting fresh",
				slog.String("path", path),
				slog.Any("error", err),
			)
		}
		return s
	}

	loaded := newState()
	if err := json.Unmarshal(data, loaded); err != nil {
		slog.Warn("state file corrupted, starting fresh",
			slog.String("path", path),
			slog.Any("error", err),
		)
		return s
	}
	if loaded.Resolved == nil {
		loaded.Resolved = make(map[string]Resolution)
	}
	if loaded.SeenURLs == nil {
		loaded.SeenURLs = make(map[string]bool)
	}
	if loaded.Backends == nil {
		loaded.Backends = make(map[string]backoff.Health)
	}
	s.state = loaded

	slog.Info("state loaded",
		slog.String("path", path),
		slog.Int("resolved", len(loaded.Resolved)),
		slog.Int("seen_urls", len(loaded.SeenURLs)),
	)
	return s
}

// Save writes the state atomically: a temporary file in the same directory is
// renamed over the previous one, so a crash mid-write cannot corrupt it.
func (s *Store) Save() error {
	s.mu.Lock()
	data, err := json.MarshalIndent(s.state, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state directory: %w", err)
		}
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// IsResolved reports whether id already has a terminal outcome.
func (s *Store) IsResolved(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.state.Resolved[id]
	return ok
}

// Resolution returns the recorded outcome for id.
func (s *Store) Resolution(id string) (Resolution, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.state.Resolved[id]
	return r, ok
}

// MarkFound records a successful resolution.
func (s *Store) MarkFound(id, url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Resolved[id] = Resolution{
		Outcome:    OutcomeFound,
		URL:        url,
		ResolvedAt: time.Now().UTC(),
	}
}

// MarkNotFound records a confirmed-absent resolution.
func (s *Store) MarkNotFound(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Resolved[id] = Resolution{
		Outcome:    OutcomeNotFound,
		ResolvedAt: time.Now().UTC(),
	}
}

// RecordSeenURL marks url as fetched. The set is append-only.
func (s *Store) RecordSeenURL(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.SeenURLs[url] = true
}

// HasSeenURL reports whether url was fetched in any run.
func (s *Store) HasSeenURL(url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.SeenURLs[url]
}

// Backends copies the persisted backend health table.
func (s *Store) Backends() map[string]backoff.Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]backoff.Health, len(s.state.Backends))
	for name, h := range s.state.Backends {
		out[name] = h
	}
	return out
}

// SetBackends replaces the persisted backend health table.
func (s *Store) SetBackends(healths map[string]backoff.Health) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Backends = make(map[string]backoff.Health, len(healths))
	for name, h := range healths {
		s.state.Backends[name] = h
	}
}

// Counts returns the number of resolved identifiers and seen URLs.
func (s *Store) Counts() (resolved, seen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.Resolved), len(s.state.SeenURLs)
}
