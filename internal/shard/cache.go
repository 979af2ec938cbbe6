package shard

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// ErrCacheClosed is returned by Append after CloseAll.
var ErrCacheClosed = errors.New("shard: stream cache closed")

// Cache is the bounded LRU of open shard writers. It is the sole owner of
// every open writer: creation, eviction, and shutdown closure all happen
// here. Creation and eviction run under one mutex; CloseAll seals the cache
// under that mutex and then closes the writers it removed. At no instant
// are more than the configured number of shard files open.
//
// Append holds the cache mutex across the buffered write. That serialises
// producers through the cache, which is the intended backpressure: the FD
// bound and the per-prefix routing invariant hold by construction, and a
// full batch flush inside Append throttles fast producers.
type Cache struct {
	root     string
	limit    int
	batch    int
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	lru    *simplelru.LRU[string, *Writer]
	closed bool

	creations atomic.Int64
	evictions atomic.Int64
}

// NewCache returns a Cache rooted at root holding at most limit open
// writers. Writers are created with the given batch size and flush interval.
func NewCache(root string, limit, batchSize int, interval time.Duration, logger *slog.Logger) (*Cache, error) {
	c := &Cache{
		root:     root,
		limit:    limit,
		batch:    batchSize,
		interval: interval,
		logger:   logger,
	}

	lru, err := simplelru.NewLRU[string, *Writer](limit, c.onEvict)
	if err != nil {
		return nil, fmt.Errorf("shard: lru size %d: %w", limit, err)
	}
	c.lru = lru
	return c, nil
}

// Append routes one encoded record line to the shard for prefix, opening or
// reviving the writer as needed. When the writer's first append fails it is
// closed, dropped from the cache, and reopened once; a second failure aborts
// the caller's file.
func (c *Cache) Append(prefix string, line []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrCacheClosed
	}

	w, ok := c.lru.Get(prefix)
	if !ok {
		var err error
		if w, err = c.open(prefix); err != nil {
			return err
		}
	}

	err := w.Append(line)
	if err == nil {
		return nil
	}

	// The writer is wedged (full-batch flush hit an I/O error). Drop it and
	// try once more on a fresh handle.
	c.logger.Warn("shard append failed, reopening writer",
		slog.String("prefix", prefix),
		slog.Any("error", err),
	)
	c.lru.Remove(prefix)

	w, rerr := c.open(prefix)
	if rerr != nil {
		return errors.Join(err, rerr)
	}
	if rerr := w.Append(line); rerr != nil {
		c.lru.Remove(prefix)
		return errors.Join(err, rerr)
	}
	return nil
}

// Flush forces out the buffered batch of the writer for prefix, if one is
// open. An absent writer was evicted, which already flushed it. The LRU
// order is not disturbed: flushing is maintenance, not use.
func (c *Cache) Flush(prefix string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrCacheClosed
	}
	w, ok := c.lru.Peek(prefix)
	if !ok {
		return nil
	}
	return w.Flush()
}

// CloseAll closes every open writer concurrently and seals the cache.
// Subsequent Append calls fail with ErrCacheClosed. Safe to call once;
// further calls are no-ops.
func (c *Cache) CloseAll() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true

	writers := make([]*Writer, 0, c.lru.Len())
	for _, prefix := range c.lru.Keys() {
		if w, ok := c.lru.Peek(prefix); ok {
			writers = append(writers, w)
		}
	}
	// Clear without firing onEvict: the writers are closed below, and the
	// eviction counter should not count shutdown closure.
	c.lru, _ = simplelru.NewLRU[string, *Writer](c.limit, c.onEvict)
	c.mu.Unlock()

	errCh := make(chan error, len(writers))
	var wg sync.WaitGroup
	for _, w := range writers {
		wg.Add(1)
		go func(w *Writer) {
			defer wg.Done()
			if err := w.Close(); err != nil {
				errCh <- fmt.Errorf("shard: close %q: %w", w.Path(), err)
			}
		}(w)
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Open returns the number of currently open writers.
func (c *Cache) Open() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Creations returns the number of writers opened over the cache's lifetime,
// re-opens after eviction included.
func (c *Cache) Creations() int64 { return c.creations.Load() }

// Evictions returns the number of writers closed by onEvict: LRU evictions
// plus writers that Append dropped after a failed write.
func (c *Cache) Evictions() int64 { return c.evictions.Load() }

// open creates the shard subdirectory if needed, opens a fresh writer for
// prefix, and inserts it as MRU. Inserting at capacity evicts (closes) the
// least-recently-used writer via onEvict. Caller holds c.mu.
func (c *Cache) open(prefix string) (*Writer, error) {
	dir := filepath.Join(c.root, prefix[:2])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("shard: mkdir %q: %w", dir, err)
	}

	path := filepath.Join(dir, prefix+".jsonl")
	w, err := NewWriter(path, c.batch, c.interval, c.logger)
	if err != nil {
		return nil, err
	}

	c.creations.Add(1)
	c.lru.Add(prefix, w)
	return w, nil
}

// onEvict closes a writer leaving the cache: the least-recently-used one
// when the cache is full, or one that Append removes after a failed write.
// Closure flushes and fsyncs; errors are logged, not propagated — the
// records were accepted and the shard file keeps whatever made it out.
func (c *Cache) onEvict(prefix string, w *Writer) {
	c.evictions.Add(1)
	c.logger.Debug("shard writer evicted",
		slog.String("prefix", prefix),
		slog.Int("open", c.lru.Len()),
	)
	if err := w.Close(); err != nil {
		c.logger.Warn("closing evicted shard writer",
			slog.String("prefix", prefix),
			slog.Any("error", err),
		)
	}
}
