package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultSweepInterval is how often idle buckets are looked for.
	DefaultSweepInterval = time.Minute
	// DefaultIdleTimeout is how long a bucket may go unused before eviction.
	DefaultIdleTimeout = 5 * time.Minute
)

// Limiter owns a keyed set of multi-window buckets (e.g. "tenant:tool"). The
// map lock only guards membership; consuming from a bucket takes that bucket's
// own lock, so different keys never wait on each other.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*Bucket

	sweepInterval time.Duration
	idleTimeout   time.Duration
	now           func() time.Time // injectable clock for testing
	onSweep       func(evicted, remaining int)

	done     chan struct{}
	stopOnce sync.Once
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithSweepInterval overrides DefaultSweepInterval.
func WithSweepInterval(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.sweepInterval = d
		}
	}
}

// WithIdleTimeout overrides DefaultIdleTimeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.idleTimeout = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithSweepHook registers fn to be called after every sweep.
func WithSweepHook(fn func(evicted, remaining int)) Option {
	return func(l *Limiter) { l.onSweep = fn }
}

// New creates an empty Limiter. Call Start to run the idle sweep.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		buckets:       make(map[string]*Bucket),
		sweepInterval: DefaultSweepInterval,
		idleTimeout:   DefaultIdleTimeout,
		now:           time.Now,
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check consumes one token from the bucket for key, creating the bucket from
// policy if the key has not been seen (or was evicted).
func (l *Limiter) Check(key string, policy Policy) Decision {
	for {
		b := l.getBucket(key, policy)

		b.mu.Lock()
		if b.evicted {
			// Lost a race with the sweep; the key now maps to a new bucket.
			b.mu.Unlock()
			continue
		}
		d := b.consumeLocked(l.now())
		b.mu.Unlock()
		return d
	}
}

// getBucket returns the live bucket for key, creating one if needed.
func (l *Limiter) getBucket(key string, policy Policy) *Bucket {
	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[key]; ok {
		return b
	}
	b = NewBucket(policy, l.now())
	l.buckets[key] = b
	return b
}

// Status returns the remaining counters for key without consuming.
func (l *Limiter) Status(key string) (minute, hour, day int, ok bool) {
	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()
	if !ok {
		return 0, 0, 0, false
	}
	minute, hour, day = b.Remaining()
	return minute, hour, day, true
}

// Len returns the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}

// Sweep evicts every bucket whose last refill is older than the idle timeout
// and returns how many were removed. Each bucket is locked while it is
// inspected so a concurrent Check either finishes first or sees it evicted.
func (l *Limiter) Sweep() int {
	cutoff := l.now().Add(-l.idleTimeout)

	l.mu.Lock()
	evicted := 0
	for key, b := range l.buckets {
		b.mu.Lock()
		if b.lastRefill.Before(cutoff) {
			b.evicted = true
			delete(l.buckets, key)
			evicted++
		}
		b.mu.Unlock()
	}
	remaining := len(l.buckets)
	l.mu.Unlock()

	if l.onSweep != nil {
		l.onSweep(evicted, remaining)
	}
	return evicted
}

// Forget evicts every bucket whose key ends in suffix and returns how many
// were removed. Like Sweep, it marks each bucket evicted under the bucket's
// lock, so a Check racing with it retries against a fresh bucket.
func (l *Limiter) Forget(suffix string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for key, b := range l.buckets {
		if !strings.HasSuffix(key, suffix) {
			continue
		}
		b.mu.Lock()
		b.evicted = true
		delete(l.buckets, key)
		b.mu.Unlock()
		n++
	}
	return n
}

// Start runs the idle sweep on a ticker. It blocks until Stop is called or
// the context is cancelled.
func (l *Limiter) Start(ctx context.Context) {
	ticker := time.NewTicker(l.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Sweep()
		case <-ctx.Done():
			return
		case <-l.done:
			return
		}
	}
}

// Stop ends a running Start loop. It is safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.done) })
}
