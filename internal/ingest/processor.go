// Package ingest drives the ingestion run: per-file processing (parse,
// hash, classify, route) and the orchestrator that feeds files to a small
// pool of workers with crash-safe progress tracking.
package ingest

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"

	"github.com/shardvault/ingestor/internal/auditlog"
	"github.com/shardvault/ingestor/internal/classify"
	"github.com/shardvault/ingestor/internal/normalize"
	"github.com/shardvault/ingestor/internal/parse"
	"github.com/shardvault/ingestor/internal/shard"
)

// readBufSize is the buffered-reader block size for sequential input scans.
const readBufSize = 64 * 1024

// maxLineBytes bounds a single input line. Lines beyond this are corrupt
// binary blobs, not credential records; hitting one aborts the file as an
// input I/O error.
const maxLineBytes = 1024 * 1024

// Counters reports what happened to the lines of one input file.
type Counters struct {
	Accepted          int64
	SkippedEmpty      int64
	SkippedFieldCount int64
	SkippedNoEmail    int64
	SkippedOversize   int64
}

// Skipped is the sum of all skip reasons.
func (c Counters) Skipped() int64 {
	return c.SkippedEmpty + c.SkippedFieldCount + c.SkippedNoEmail + c.SkippedOversize
}

// Processor runs the single-file pipeline: parser → hasher → classifier →
// shard router. One Processor serves all workers; it holds no per-file
// state.
type Processor struct {
	hasher     *normalize.Hasher
	cache      *shard.Cache
	multiField *auditlog.LineLog
	logger     *slog.Logger

	emitEmail  bool
	skipHeader bool
	salvage    bool
}

// NewProcessor wires the per-file pipeline. multiField may be nil to
// disable the schema-anomaly log.
func NewProcessor(hasher *normalize.Hasher, cache *shard.Cache, multiField *auditlog.LineLog,
	emitEmail, skipHeader, salvage bool, logger *slog.Logger) *Processor {
	return &Processor{
		hasher:     hasher,
		cache:      cache,
		multiField: multiField,
		logger:     logger,
		emitEmail:  emitEmail,
		skipHeader: skipHeader,
		salvage:    salvage,
	}
}

// File ingests one input file. Per-line problems are counted and skipped;
// the returned error is non-nil only for source I/O failures or an
// unrecoverable shard write, in which cases the file must not be marked
// done. Before returning successfully, every shard batch the file touched
// is flushed.
func (p *Processor) File(path string) (Counters, error) {
	var counters Counters

	f, err := os.Open(path)
	if err != nil {
		return counters, fmt.Errorf("ingest: open %q: %w", path, err)
	}
	defer f.Close()

	parser := parse.New(path, p.salvage)
	touched := make(map[string]struct{})

	scanner := bufio.NewScanner(bufio.NewReaderSize(f, readBufSize))
	scanner.Buffer(make([]byte, 0, readBufSize), maxLineBytes)

	first := true
	for scanner.Scan() {
		line := scanner.Text()
		if first {
			first = false
			if p.skipHeader {
				continue
			}
		}

		pair, verdict := parser.Line(line)
		if pair.MultiField && p.multiField != nil {
			if wrote, err := p.multiField.Once(path, path); err != nil {
				p.logger.Warn("multi-field audit append failed",
					slog.String("source", path),
					slog.Any("error", err),
				)
			} else if wrote {
				p.logger.Info("source has multi-field lines",
					slog.String("source", path),
				)
			}
		}

		switch verdict {
		case parse.Accepted:
			// fall through to routing below
		case parse.SkippedEmpty:
			counters.SkippedEmpty++
			continue
		case parse.SkippedFieldCount:
			counters.SkippedFieldCount++
			continue
		case parse.SkippedNoEmail:
			counters.SkippedNoEmail++
			continue
		case parse.SkippedOversize:
			counters.SkippedOversize++
			continue
		}

		emailNorm, ok := normalize.NormalizeEmail(pair.Email)
		if !ok {
			counters.SkippedNoEmail++
			continue
		}

		isHash, hashType := classify.Credential(pair.Password)

		rec := shard.Record{
			EmailHash: p.hasher.Hash(emailNorm),
			Password:  pair.Password,
			IsHash:    isHash,
			HashType:  string(hashType),
			Source:    path,
		}
		if p.emitEmail {
			rec.Email = emailNorm
		}

		encoded, err := rec.Encode()
		if err != nil {
			// Cannot happen for these field types; counted, not fatal.
			counters.SkippedFieldCount++
			continue
		}

		prefix := rec.Prefix()
		if err := p.cache.Append(prefix, encoded); err != nil {
			return counters, fmt.Errorf("ingest: shard append for %q: %w", path, err)
		}
		touched[prefix] = struct{}{}
		counters.Accepted++
	}
	if err := scanner.Err(); err != nil {
		return counters, fmt.Errorf("ingest: read %q: %w", path, err)
	}

	// Drain this file's batches so the done state never gets ahead of the
	// shards on disk.
	for prefix := range touched {
		if err := p.cache.Flush(prefix); err != nil {
			return counters, fmt.Errorf("ingest: flush %q after %q: %w", prefix, path, err)
		}
	}

	return counters, nil
}
