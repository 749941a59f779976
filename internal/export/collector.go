// Package export persists audit records outside the sandbox's in-memory ring.
package export

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alecgard/tollbooth/internal/audit"
)

// BatchInserter is the interface used by Collector to persist records.
// It exists to allow testing without a real database.
type BatchInserter interface {
	BatchInsert(ctx context.Context, recs []audit.Record) error
}

// Collector buffers audit records in memory and flushes them to the store in
// batches, when the buffer reaches batchSize or every flushInterval. Record
// never performs I/O; flushes happen on the Start goroutine.
//
// When the store falls behind and the buffer reaches maxBuffered, the oldest
// buffered records are dropped.
type Collector struct {
	store         BatchInserter
	mu            sync.Mutex
	buffer        []audit.Record
	batchSize     int
	maxBuffered   int
	flushInterval time.Duration
	dropped       int64

	flushCh  chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewCollector creates a Collector. maxBuffered below batchSize is raised to
// ten batches.
func NewCollector(store BatchInserter, batchSize, maxBuffered int, flushInterval time.Duration) *Collector {
	if batchSize < 1 {
		batchSize = 100
	}
	if maxBuffered < batchSize {
		maxBuffered = batchSize * 10
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	return &Collector{
		store:         store,
		buffer:        make([]audit.Record, 0, batchSize),
		batchSize:     batchSize,
		maxBuffered:   maxBuffered,
		flushInterval: flushInterval,
		flushCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

// Start flushes buffered records on a timer and whenever a batch fills up. It
// blocks until Stop is called or the context is cancelled, flushing once more
// before returning.
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.flush()
		case <-c.flushCh:
			c.flush()
		case <-ctx.Done():
			c.flush()
			return
		case <-c.done:
			c.flush()
			return
		}
	}
}

// Record adds a record to the buffer.
func (c *Collector) Record(rec audit.Record) {
	c.mu.Lock()
	if len(c.buffer) >= c.maxBuffered {
		c.buffer = c.buffer[1:]
		c.dropped++
	}
	c.buffer = append(c.buffer, rec)
	full := len(c.buffer) >= c.batchSize
	c.mu.Unlock()

	if full {
		select {
		case c.flushCh <- struct{}{}:
		default:
		}
	}
}

// Pending returns the number of buffered records.
func (c *Collector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer)
}

// Dropped returns how many records were discarded because the buffer was
// full.
func (c *Collector) Dropped() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// flush drains the buffer in batches. Errors are logged and the failed batch
// is discarded so a broken store cannot grow memory without bound.
func (c *Collector) flush() {
	c.mu.Lock()
	if len(c.buffer) == 0 {
		c.mu.Unlock()
		return
	}
	pending := c.buffer
	c.buffer = make([]audit.Record, 0, c.batchSize)
	c.mu.Unlock()

	for start := 0; start < len(pending); start += c.batchSize {
		end := min(start+c.batchSize, len(pending))
		batch := pending[start:end]

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.store.BatchInsert(ctx, batch)
		cancel()
		if err != nil {
			slog.Error("failed to export audit records", "count", len(batch), "error", err)
		}
	}
}

// Stop signals Start to exit after a final flush. It is safe to call more
// than once.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
}
