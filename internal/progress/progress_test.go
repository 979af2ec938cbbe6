package progress_test

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/shardvault/ingestor/internal/progress"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newStore(t *testing.T) (*progress.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ingest-progress.json")
	return progress.Load(path, testLogger()), path
}

func TestLoad_MissingFileStartsEmpty(t *testing.T) {
	s, _ := newStore(t)
	if s.Done("/in/a.txt") {
		t.Error("Done on empty store = true")
	}
	if snap := s.Snapshot(); len(snap) != 0 {
		t.Errorf("Snapshot = %v, want empty", snap)
	}
}

func TestLoad_MalformedFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ingest-progress.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	s := progress.Load(path, testLogger())
	if snap := s.Snapshot(); len(snap) != 0 {
		t.Errorf("Snapshot after malformed load = %v, want empty", snap)
	}

	// The store must still be writable after discarding the bad document.
	if err := s.MarkDone("/in/a.txt"); err != nil {
		t.Fatalf("MarkDone after malformed load: %v", err)
	}
}

func TestTransitions_PersistAndReload(t *testing.T) {
	s, path := newStore(t)

	if err := s.Register([]string{"/in/a.txt", "/in/b.txt"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.MarkInProgress("/in/a.txt"); err != nil {
		t.Fatalf("MarkInProgress: %v", err)
	}
	if err := s.MarkDone("/in/a.txt"); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}

	// A fresh Store reading the same document sees the final states.
	reloaded := progress.Load(path, testLogger())
	if !reloaded.Done("/in/a.txt") {
		t.Error("reloaded store lost done state for /in/a.txt")
	}
	if reloaded.Done("/in/b.txt") {
		t.Error("reloaded store promoted /in/b.txt to done")
	}

	pending, inProgress, done := reloaded.Counts()
	if pending != 1 || inProgress != 0 || done != 1 {
		t.Errorf("Counts = (%d,%d,%d), want (1,0,1)", pending, inProgress, done)
	}
}

func TestRegister_KeepsExistingStates(t *testing.T) {
	s, _ := newStore(t)

	if err := s.MarkDone("/in/a.txt"); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}
	if err := s.Register([]string{"/in/a.txt", "/in/b.txt"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if !s.Done("/in/a.txt") {
		t.Error("Register demoted a done file to pending")
	}
	if s.Snapshot()["/in/b.txt"] != progress.StatePending {
		t.Error("Register did not record /in/b.txt as pending")
	}
}

// Every transition leaves a complete, parseable document — no partially
// written state, no stray temp file.
func TestPersist_AtomicDocument(t *testing.T) {
	s, path := newStore(t)

	for _, p := range []string{"/in/a.txt", "/in/b.txt", "/in/c.txt"} {
		if err := s.MarkInProgress(p); err != nil {
			t.Fatalf("MarkInProgress(%s): %v", p, err)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("ReadFile: %v", err)
		}
		var m map[string]progress.State
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("document not parseable after transition: %v", err)
		}
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp file left behind: %v", err)
	}
}
