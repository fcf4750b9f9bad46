package streaming

import (
	"context"
	"sync"
	"time"

	"github.com/meridianhq/meridian/internal/logger"
)

// WriteFunc persists one state snapshot.
type WriteFunc func(ctx context.Context, snapshot []byte) error

// ThrottledWriter bounds persistence write volume during streaming: at most
// one write per interval, always carrying the latest snapshot. An update
// arriving while a write is in flight, or before the interval has elapsed,
// is suppressed rather than queued; the next due write picks up the newest
// state. Writes are never reordered because only one is ever in flight.
type ThrottledWriter struct {
	write    WriteFunc
	interval time.Duration
	logger   *logger.Logger
	now      func() time.Time

	mu        sync.Mutex
	lastWrite time.Time
	inFlight  bool
	latest    []byte
	dirty     bool
	writes    int
}

// NewThrottledWriter creates a writer with the given minimum interval
// between writes.
func NewThrottledWriter(write WriteFunc, interval time.Duration, log *logger.Logger) *ThrottledWriter {
	return &ThrottledWriter{
		write:    write,
		interval: interval,
		logger:   log.WithComponent("persist-writer"),
		now:      time.Now,
	}
}

// WithClock injects a clock for tests.
func (w *ThrottledWriter) WithClock(now func() time.Time) *ThrottledWriter {
	w.now = now
	return w
}

// Update records the latest snapshot and writes it if a write is due.
func (w *ThrottledWriter) Update(ctx context.Context, snapshot []byte) {
	w.mu.Lock()
	w.latest = snapshot
	w.dirty = true
	if w.inFlight || w.now().Sub(w.lastWrite) < w.interval {
		w.mu.Unlock()
		return
	}
	w.flushLocked(ctx)
}

// Flush writes the latest snapshot immediately if one is pending, ignoring
// the interval. Call once at run completion so the final state is durable.
func (w *ThrottledWriter) Flush(ctx context.Context) {
	w.mu.Lock()
	if !w.dirty || w.inFlight {
		w.mu.Unlock()
		return
	}
	w.flushLocked(ctx)
}

// Writes returns how many writes have been issued.
func (w *ThrottledWriter) Writes() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writes
}

// flushLocked performs one write. Caller holds the lock; it is released
// around the I/O and re-acquired to clear the in-flight marker.
func (w *ThrottledWriter) flushLocked(ctx context.Context) {
	w.inFlight = true
	w.dirty = false
	w.writes++
	snapshot := w.latest
	w.mu.Unlock()

	err := w.write(ctx, snapshot)

	w.mu.Lock()
	w.inFlight = false
	w.lastWrite = w.now()
	w.mu.Unlock()

	if err != nil {
		w.logger.Error("Persistence write failed", "error", err)
	}
}
