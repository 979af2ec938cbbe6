package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shardvault/ingestor/internal/auditlog"
	"github.com/shardvault/ingestor/internal/catalog"
	"github.com/shardvault/ingestor/internal/progress"
	"github.com/shardvault/ingestor/internal/shard"
)

// SentinelName is the file whose presence in the working directory requests
// a graceful stop, equivalent to SIGINT/SIGTERM. It is removed on clean
// exit.
const SentinelName = "STOP_INGESTION"

// RunState is the orchestrator lifecycle position.
type RunState int32

const (
	// StateRunning: workers are claiming and processing files.
	StateRunning RunState = iota
	// StateDraining: no new claims; in-flight files run to completion.
	StateDraining
	// StateClosed: all writers closed; the run is over.
	StateClosed
)

// String returns the lowercase state name used in logs and the status API.
func (s RunState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Ingestor walks the input root, hands files to a bounded worker pool, and
// coordinates progress, shutdown, and the run's side logs.
type Ingestor struct {
	logger  *slog.Logger
	proc    *Processor
	cache   *shard.Cache
	store   *progress.Store
	metrics *Metrics

	runID       string
	concurrency int
	sentinel    string

	skipped *auditlog.LineLog
	catalog *catalog.Catalog
	chain   *auditlog.Chain

	state atomic.Int32
}

// Option configures optional Ingestor collaborators.
type Option func(*Ingestor)

// WithSkippedLog records failed input files with their reason.
func WithSkippedLog(l *auditlog.LineLog) Option {
	return func(i *Ingestor) { i.skipped = l }
}

// WithCatalog records per-file outcomes in the SQLite run catalog.
func WithCatalog(c *catalog.Catalog) Option {
	return func(i *Ingestor) { i.catalog = c }
}

// WithChain appends run lifecycle events to the hash-chained audit log.
func WithChain(c *auditlog.Chain) Option {
	return func(i *Ingestor) { i.chain = c }
}

// WithSentinelPath overrides the stop-sentinel location (tests).
func WithSentinelPath(path string) Option {
	return func(i *Ingestor) { i.sentinel = path }
}

// New assembles an Ingestor. runID tags this run's catalog rows and audit
// entries; concurrency is the worker count.
func New(runID string, concurrency int, proc *Processor, cache *shard.Cache,
	store *progress.Store, metrics *Metrics, logger *slog.Logger, opts ...Option) *Ingestor {
	i := &Ingestor{
		logger:      logger,
		proc:        proc,
		cache:       cache,
		store:       store,
		metrics:     metrics,
		runID:       runID,
		concurrency: concurrency,
		sentinel:    SentinelName,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// State returns the current lifecycle state.
func (i *Ingestor) State() RunState {
	return RunState(i.state.Load())
}

// Run executes one ingestion pass over inputRoot and blocks until every
// file is done or a graceful stop drains the workers. It returns an error
// only for fatal conditions (an unwalkable input root, or writers that
// could not be closed); per-file failures are logged and skipped.
func (i *Ingestor) Run(ctx context.Context, inputRoot string) error {
	files, err := Discover(inputRoot)
	if err != nil {
		return err
	}

	if err := i.store.Register(files); err != nil {
		i.logger.Warn("persisting discovered files", slog.Any("error", err))
	}

	remaining := 0
	for _, f := range files {
		if !i.store.Done(f) {
			remaining++
		}
	}
	i.metrics.FilesRemaining.Store(int64(remaining))

	i.audit(auditlog.EventRunStart, "", map[string]any{
		"files_total":     len(files),
		"files_remaining": remaining,
	})
	i.logger.Info("ingestion run starting",
		slog.String("run_id", i.runID),
		slog.Int("files_total", len(files)),
		slog.Int("files_remaining", remaining),
		slog.Int("concurrency", i.concurrency),
	)

	var next atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < i.concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if i.stopRequested(ctx) {
					return
				}
				idx := next.Add(1) - 1
				if idx >= int64(len(files)) {
					return
				}
				i.processOne(files[idx])
			}
		}()
	}
	wg.Wait()

	i.state.Store(int32(StateDraining))
	closeErr := i.cache.CloseAll()
	if closeErr != nil {
		i.logger.Error("closing shard writers", slog.Any("error", closeErr))
	}
	i.state.Store(int32(StateClosed))

	i.summarize(ctx, len(files))

	// A clean exit consumes the stop sentinel so the next run starts
	// normally.
	if err := os.Remove(i.sentinel); err != nil && !errors.Is(err, fs.ErrNotExist) {
		i.logger.Warn("removing stop sentinel", slog.Any("error", err))
	}

	return closeErr
}

// processOne runs the full lifecycle of a single input file: claim, parse,
// route, and the progress transition. Failures leave the file in-progress
// so the next run retries it.
func (i *Ingestor) processOne(path string) {
	if i.store.Done(path) {
		// Done files were excluded from the remaining count at startup.
		i.metrics.FilesResumed.Add(1)
		i.logger.Debug("skipping completed file", slog.String("source", path))
		return
	}

	if err := i.store.MarkInProgress(path); err != nil {
		i.logger.Warn("persisting in-progress state",
			slog.String("source", path),
			slog.Any("error", err),
		)
	}
	i.logger.Info("file starting", slog.String("source", path))

	start := time.Now()
	counters, err := i.proc.File(path)
	elapsed := time.Since(start)

	if err != nil {
		i.metrics.FilesFailed.Add(1)
		i.logger.Error("file failed",
			slog.String("source", path),
			slog.Any("error", err),
		)
		if i.skipped != nil {
			if lerr := i.skipped.Record(fmt.Sprintf("%s – %v", path, err)); lerr != nil {
				i.logger.Warn("appending skipped log", slog.Any("error", lerr))
			}
		}
		i.record(path, catalog.OutcomeFailed, err.Error(), counters, elapsed)
		i.audit(auditlog.EventFileFailed, path, map[string]any{"error": err.Error()})
		return
	}

	if err := i.store.MarkDone(path); err != nil {
		i.logger.Warn("persisting done state",
			slog.String("source", path),
			slog.Any("error", err),
		)
	}

	i.metrics.FilesDone.Add(1)
	i.metrics.FilesRemaining.Add(-1)
	i.metrics.addCounters(counters)
	i.record(path, catalog.OutcomeDone, "", counters, elapsed)
	i.audit(auditlog.EventFileDone, path, map[string]any{
		"accepted": counters.Accepted,
		"skipped":  counters.Skipped(),
	})

	i.logger.Info("file done",
		slog.String("source", path),
		slog.Int64("accepted", counters.Accepted),
		slog.Int64("skipped_empty", counters.SkippedEmpty),
		slog.Int64("skipped_field_count", counters.SkippedFieldCount),
		slog.Int64("skipped_no_email", counters.SkippedNoEmail),
		slog.Int64("skipped_oversize", counters.SkippedOversize),
		slog.Duration("elapsed", elapsed),
	)
}

// stopRequested reports whether the run should stop claiming files: the
// context was cancelled (signal) or the stop sentinel exists. Observing a
// stop moves the state to Draining.
func (i *Ingestor) stopRequested(ctx context.Context) bool {
	stop := ctx.Err() != nil
	if !stop {
		if _, err := os.Stat(i.sentinel); err == nil {
			stop = true
		}
	}
	if stop && i.state.CompareAndSwap(int32(StateRunning), int32(StateDraining)) {
		i.logger.Info("graceful stop requested, draining workers")
	}
	return stop
}

// summarize logs the final run report and writes the audit summary entry.
func (i *Ingestor) summarize(ctx context.Context, totalFiles int) {
	pending, inProgress, done := i.store.Counts()
	snap := i.metrics.Snapshot(i.cache.Open(), i.cache.Creations(), i.cache.Evictions())

	i.audit(auditlog.EventRunSummary, "", map[string]any{
		"files_done":       done,
		"files_pending":    pending,
		"files_inprogress": inProgress,
		"accepted":         snap.RecordsAccepted,
		"evictions":        snap.WriterEvictions,
	})

	if i.catalog != nil {
		if totals, err := i.catalog.RunTotals(ctx, i.runID); err == nil {
			i.logger.Debug("catalog run totals",
				slog.Int64("files_done", totals.FilesDone),
				slog.Int64("files_failed", totals.FilesFailed),
			)
		}
	}

	i.logger.Info("ingestion run finished",
		slog.String("run_id", i.runID),
		slog.Int("files_total", totalFiles),
		slog.Int("files_done", done),
		slog.Int("files_pending", pending),
		slog.Int("files_inprogress", inProgress),
		slog.Int64("records_accepted", snap.RecordsAccepted),
		slog.Int64("skipped_empty", snap.SkippedEmpty),
		slog.Int64("skipped_field_count", snap.SkippedFieldCount),
		slog.Int64("skipped_no_email", snap.SkippedNoEmail),
		slog.Int64("skipped_oversize", snap.SkippedOversize),
		slog.Int64("writer_creations", snap.WriterCreations),
		slog.Int64("writer_evictions", snap.WriterEvictions),
	)
}

// record writes one catalog row, when the catalog is enabled.
func (i *Ingestor) record(path string, outcome catalog.Outcome, errMsg string, c Counters, d time.Duration) {
	if i.catalog == nil {
		return
	}
	row := catalog.FileResult{
		RunID:             i.runID,
		Path:              path,
		Outcome:           outcome,
		Error:             errMsg,
		Accepted:          c.Accepted,
		SkippedEmpty:      c.SkippedEmpty,
		SkippedFieldCount: c.SkippedFieldCount,
		SkippedNoEmail:    c.SkippedNoEmail,
		SkippedOversize:   c.SkippedOversize,
		Duration:          d,
	}
	if err := i.catalog.RecordFile(context.Background(), row); err != nil {
		i.logger.Warn("recording catalog row",
			slog.String("source", path),
			slog.Any("error", err),
		)
	}
}

// audit appends one chain entry, when the audit chain is enabled.
func (i *Ingestor) audit(event auditlog.Event, file string, detail map[string]any) {
	if i.chain == nil {
		return
	}
	if _, err := i.chain.Append(i.runID, event, file, detail); err != nil {
		i.logger.Warn("appending audit chain",
			slog.String("event", string(event)),
			slog.Any("error", err),
		)
	}
}

// Discover enumerates the .txt input files under root (case-insensitive
// extension), returning absolute paths in sorted order.
func Discover(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !strings.EqualFold(filepath.Ext(d.Name()), ".txt") {
			return nil
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return fmt.Errorf("ingest: resolving %q: %w", path, err)
		}
		files = append(files, abs)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ingest: walking %q: %w", root, err)
	}
	sort.Strings(files)
	return files, nil
}
