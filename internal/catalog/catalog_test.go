package catalog_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shardvault/ingestor/internal/catalog"
)

func openMemCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.New(":memory:")
	if err != nil {
		t.Fatalf("catalog.New(:memory:): %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func result(runID, path string, outcome catalog.Outcome) catalog.FileResult {
	return catalog.FileResult{
		RunID:             runID,
		Path:              path,
		Outcome:           outcome,
		Accepted:          100,
		SkippedEmpty:      3,
		SkippedFieldCount: 2,
		SkippedNoEmail:    1,
		SkippedOversize:   1,
		Duration:          1500 * time.Millisecond,
	}
}

func TestNew_FileDB_CreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	c, err := catalog.New(path)
	if err != nil {
		t.Fatalf("catalog.New(%q): %v", path, err)
	}
	_ = c.Close()
}

func TestRecordFile_AndRecent(t *testing.T) {
	c := openMemCatalog(t)
	ctx := context.Background()

	if err := c.RecordFile(ctx, result("run-1", "/in/a.txt", catalog.OutcomeDone)); err != nil {
		t.Fatalf("RecordFile: %v", err)
	}
	failed := result("run-1", "/in/b.txt", catalog.OutcomeFailed)
	failed.Error = "open: permission denied"
	if err := c.RecordFile(ctx, failed); err != nil {
		t.Fatalf("RecordFile: %v", err)
	}

	rows, err := c.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("Recent returned %d rows, want 2", len(rows))
	}

	// Newest first.
	if rows[0].Path != "/in/b.txt" || rows[1].Path != "/in/a.txt" {
		t.Errorf("order = [%s, %s], want newest first", rows[0].Path, rows[1].Path)
	}
	if rows[0].Outcome != catalog.OutcomeFailed || rows[0].Error == "" {
		t.Errorf("failed row lost outcome/error: %+v", rows[0])
	}
	if rows[1].Accepted != 100 || rows[1].Duration != 1500*time.Millisecond {
		t.Errorf("done row lost counters: %+v", rows[1])
	}
	if rows[1].FinishedAt.IsZero() {
		t.Error("FinishedAt not round-tripped")
	}
}

func TestRecent_ZeroLimit(t *testing.T) {
	c := openMemCatalog(t)
	rows, err := c.Recent(context.Background(), 0)
	if err != nil || rows != nil {
		t.Errorf("Recent(0) = (%v, %v), want (nil, nil)", rows, err)
	}
}

func TestRunTotals(t *testing.T) {
	c := openMemCatalog(t)
	ctx := context.Background()

	for _, p := range []string{"/in/a.txt", "/in/b.txt"} {
		if err := c.RecordFile(ctx, result("run-1", p, catalog.OutcomeDone)); err != nil {
			t.Fatalf("RecordFile: %v", err)
		}
	}
	failed := result("run-1", "/in/c.txt", catalog.OutcomeFailed)
	if err := c.RecordFile(ctx, failed); err != nil {
		t.Fatalf("RecordFile: %v", err)
	}
	// A different run must not leak into run-1's totals.
	if err := c.RecordFile(ctx, result("run-2", "/in/z.txt", catalog.OutcomeDone)); err != nil {
		t.Fatalf("RecordFile: %v", err)
	}

	totals, err := c.RunTotals(ctx, "run-1")
	if err != nil {
		t.Fatalf("RunTotals: %v", err)
	}
	want := catalog.Totals{FilesDone: 2, FilesFailed: 1, Accepted: 300, Skipped: 21}
	if totals != want {
		t.Errorf("RunTotals = %+v, want %+v", totals, want)
	}
}

func TestRunTotals_EmptyRun(t *testing.T) {
	c := openMemCatalog(t)
	totals, err := c.RunTotals(context.Background(), "missing")
	if err != nil {
		t.Fatalf("RunTotals: %v", err)
	}
	if (totals != catalog.Totals{}) {
		t.Errorf("RunTotals(missing) = %+v, want zero", totals)
	}
}
