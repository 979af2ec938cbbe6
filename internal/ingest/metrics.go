package ingest

import (
	"sync/atomic"
	"time"
)

// Metrics holds the run's operational counters. All fields are updated
// atomically so the status server can read them concurrently with the
// workers without any additional lock.
type Metrics struct {
	FilesDone      atomic.Int64
	FilesFailed    atomic.Int64
	FilesResumed   atomic.Int64 // skipped because an earlier run finished them
	FilesRemaining atomic.Int64

	RecordsAccepted   atomic.Int64
	SkippedEmpty      atomic.Int64
	SkippedFieldCount atomic.Int64
	SkippedNoEmail    atomic.Int64
	SkippedOversize   atomic.Int64

	startTime time.Time
}

// NewMetrics returns a Metrics with the uptime clock started.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// addCounters folds one file's counters into the run totals.
func (m *Metrics) addCounters(c Counters) {
	m.RecordsAccepted.Add(c.Accepted)
	m.SkippedEmpty.Add(c.SkippedEmpty)
	m.SkippedFieldCount.Add(c.SkippedFieldCount)
	m.SkippedNoEmail.Add(c.SkippedNoEmail)
	m.SkippedOversize.Add(c.SkippedOversize)
}

// Snapshot is a point-in-time copy of the counters, shaped for JSON.
type Snapshot struct {
	UptimeS        float64 `json:"uptime_s"`
	FilesDone      int64   `json:"files_done"`
	FilesFailed    int64   `json:"files_failed"`
	FilesResumed   int64   `json:"files_resumed"`
	FilesRemaining int64   `json:"files_remaining"`

	RecordsAccepted   int64 `json:"records_accepted"`
	SkippedEmpty      int64 `json:"skipped_empty"`
	SkippedFieldCount int64 `json:"skipped_field_count"`
	SkippedNoEmail    int64 `json:"skipped_no_email"`
	SkippedOversize   int64 `json:"skipped_oversize"`

	OpenWriters     int   `json:"open_writers"`
	WriterCreations int64 `json:"writer_creations"`
	WriterEvictions int64 `json:"writer_evictions"`
}

// Snapshot captures the current counter values. openWriters, creations and
// evictions come from the stream cache, which owns those numbers.
func (m *Metrics) Snapshot(openWriters int, creations, evictions int64) Snapshot {
	return Snapshot{
		UptimeS:        time.Since(m.startTime).Seconds(),
		FilesDone:      m.FilesDone.Load(),
		FilesFailed:    m.FilesFailed.Load(),
		FilesResumed:   m.FilesResumed.Load(),
		FilesRemaining: m.FilesRemaining.Load(),

		RecordsAccepted:   m.RecordsAccepted.Load(),
		SkippedEmpty:      m.SkippedEmpty.Load(),
		SkippedFieldCount: m.SkippedFieldCount.Load(),
		SkippedNoEmail:    m.SkippedNoEmail.Load(),
		SkippedOversize:   m.SkippedOversize.Load(),

		OpenWriters:     openWriters,
		WriterCreations: creations,
		WriterEvictions: evictions,
	}
}
