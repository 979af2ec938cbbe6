// Package auditlog holds the ingester's append-only side logs: plain line
// logs for schema anomalies and skipped files, and a SHA-256 hash-chained
// run audit log for the run lifecycle itself.
package auditlog

import (
	"fmt"
	"os"
	"sync"
)

// LineLog is an append-only text log, one entry per line. Entries recorded
// through Once are deduplicated in memory for the lifetime of the process,
// which is how the multi-field log records each offending source file at
// most once per run.
type LineLog struct {
	mu   sync.Mutex
	file *os.File
	seen map[string]struct{}
}

// OpenLineLog opens (or creates) the log at path for appending.
func OpenLineLog(path string) (*LineLog, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("auditlog: open %q: %w", path, err)
	}
	return &LineLog{file: f, seen: make(map[string]struct{})}, nil
}

// Record appends one line.
func (l *LineLog) Record(line string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := fmt.Fprintln(l.file, line); err != nil {
		return fmt.Errorf("auditlog: append: %w", err)
	}
	return nil
}

// Once appends line unless an entry with the same key was already recorded
// by this process. It reports whether the line was written.
func (l *LineLog) Once(key, line string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, dup := l.seen[key]; dup {
		return false, nil
	}
	if _, err := fmt.Fprintln(l.file, line); err != nil {
		return false, fmt.Errorf("auditlog: append: %w", err)
	}
	l.seen[key] = struct{}{}
	return true, nil
}

// Close syncs and closes the underlying file.
func (l *LineLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_ = l.file.Sync()
	return l.file.Close()
}
