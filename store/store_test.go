package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pwr-usr/argos-scraper/backoff"
)

func TestOpenMissingFileStartsFresh(t *testing.T) {
	s := Open(filepath.Join(t.TempDir(), "state.json"))
	resolved, seen := s.Counts()
	if resolved != 0 || seen != 0 {
		t.Fatalf("fresh state should be empty, got resolved=%d seen=%d", resolved, seen)
	}
}

func TestOpenCorruptFileStartsFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}

	s := Open(path)
	resolved, _ := s.Counts()
	if resolved != 0 {
		t.Fatalf("corrupt state should yield fresh store, got resolved=%d", resolved)
	}

	// A corrupt file must not block subsequent saves.
	if err := s.Save(); err != nil {
		t.Fatalf("save over corrupt file: %v", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	s := Open(path)
	s.MarkFound("5028965808078", "https://www.argos.co.uk/product/9505051")
	s.MarkNotFound("0000000000000")
	s.RecordSeenURL("https://www.argos.co.uk/product/9505051")
	s.SetBackends(map[string]backoff.Health{
		"google": {
			CooldownUntil:       time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
			ConsecutiveFailures: 2,
		},
	})
	if err := s.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded := Open(path)
	res, ok := loaded.Resolution("5028965808078")
	if !ok || res.Outcome != OutcomeFound {
		t.Fatalf("resolution = %+v ok=%t, want found", res, ok)
	}
	if res.URL != "https://www.argos.co.uk/product/9505051" {
		t.Fatalf("url = %q", res.URL)
	}
	if res, ok := loaded.Resolution("0000000000000"); !ok || res.Outcome != OutcomeNotFound {
		t.Fatalf("not-found resolution lost: %+v ok=%t", res, ok)
	}
	if !loaded.HasSeenURL("https://www.argos.co.uk/product/9505051") {
		t.Fatalf("seen URL lost on reload")
	}
	h := loaded.Backends()["google"]
	if h.ConsecutiveFailures != 2 || h.CooldownUntil.IsZero() {
		t.Fatalf("backend health lost on reload: %+v", h)
	}
}

func TestSaveIsAtomicOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	s := Open(path)
	s.MarkFound("a", "https://example.com/product/1")
	if err := s.Save(); err != nil {
		t.Fatalf("first save: %v", err)
	}
	s.MarkFound("b", "https://example.com/product/2")
	if err := s.Save(); err != nil {
		t.Fatalf("second save: %v", err)
	}

	// No stray temp files left behind.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "state.json" {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("unexpected files: %v", names)
	}

	loaded := Open(path)
	if resolved, _ := loaded.Counts(); resolved != 2 {
		t.Fatalf("resolved = %d, want 2", resolved)
	}
}

func TestSaveCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deep", "state.json")
	s := Open(path)
	s.RecordSeenURL("https://example.com/product/1")
	if err := s.Save(); err != nil {
		t.Fatalf("save into missing directory: %v", err)
	}
	if !Open(path).HasSeenURL("https://example.com/product/1") {
		t.Fatalf("state not persisted")
	}
}

func TestIsResolved(t *testing.T) {
	s := Open(filepath.Join(t.TempDir(), "state.json"))
	if s.IsResolved("x") {
		t.Fatalf("unknown identifier should not be resolved")
	}
	s.MarkNotFound("x")
	if !s.IsResolved("x") {
		t.Fatalf("marked identifier should be resolved")
	}
}
