package ratelimit

import (
	"sync"
	"time"
)

// Policy holds the per-window ceilings for a bucket. A ceiling of zero or less
// disables that window.
type Policy struct {
	PerMinute int
	PerHour   int
	PerDay    int
}

// Decision is the outcome of a single Consume call. RetryAfter is only set
// when Allowed is false.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	// Window names the exhausted window ("day", "hour" or "minute") on rejection.
	Window string
}

// RetryAfterMs returns RetryAfter in whole milliseconds, rounded up.
func (d Decision) RetryAfterMs() int64 {
	ms := d.RetryAfter.Milliseconds()
	if d.RetryAfter%time.Millisecond != 0 {
		ms++
	}
	return ms
}

// window is one nested counter of a Bucket.
type window struct {
	remaining int
	ceiling   int
}

func (w *window) enabled() bool { return w.ceiling > 0 }

func (w *window) exhausted() bool { return w.enabled() && w.remaining <= 0 }

// restore adds periods full windows of tokens, capped at the ceiling.
func (w *window) restore(periods int64) {
	if !w.enabled() || periods <= 0 {
		return
	}
	add := periods * int64(w.ceiling)
	if int64(w.remaining)+add >= int64(w.ceiling) {
		w.remaining = w.ceiling
		return
	}
	w.remaining += int(add)
}

func (w *window) take() {
	if w.enabled() && w.remaining > 0 {
		w.remaining--
	}
}

// Bucket tracks minute, hour and day allotments for a single key. The minute
// and hour windows refill once a full period has elapsed since the last call;
// the day window never refills and acts as a hard cap for the bucket's life.
type Bucket struct {
	mu         sync.Mutex
	minute     window
	hour       window
	day        window
	lastRefill time.Time
	evicted    bool
}

// NewBucket creates a full bucket for the given policy.
func NewBucket(p Policy, now time.Time) *Bucket {
	return &Bucket{
		minute:     window{remaining: p.PerMinute, ceiling: p.PerMinute},
		hour:       window{remaining: p.PerHour, ceiling: p.PerHour},
		day:        window{remaining: p.PerDay, ceiling: p.PerDay},
		lastRefill: now,
	}
}

// Consume refills the bucket for the time elapsed since the previous call and
// then tries to take one token from every window.
func (b *Bucket) Consume(now time.Time) Decision {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consumeLocked(now)
}

// consumeLocked must be called with b.mu held.
func (b *Bucket) consumeLocked(now time.Time) Decision {
	b.refillLocked(now)

	switch {
	case b.day.exhausted():
		return Decision{RetryAfter: untilNextDay(now), Window: "day"}
	case b.hour.exhausted():
		return Decision{RetryAfter: untilNextHour(now), Window: "hour"}
	case b.minute.exhausted():
		return Decision{RetryAfter: untilNextMinute(now), Window: "minute"}
	}

	b.day.take()
	b.hour.take()
	b.minute.take()
	return Decision{Allowed: true}
}

// refillLocked must be called with b.mu held. lastRefill always moves to now,
// whether or not a window was restored.
func (b *Bucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed >= time.Minute {
		b.minute.restore(int64(elapsed / time.Minute))
	}
	if elapsed >= time.Hour {
		b.hour.restore(int64(elapsed / time.Hour))
	}
	b.lastRefill = now
}

// Peek refills the bucket as of now and returns the counters without taking a
// token.
func (b *Bucket) Peek(now time.Time) (minute, hour, day int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(now)
	return b.minute.remaining, b.hour.remaining, b.day.remaining
}

// Remaining returns the current counters without refilling.
func (b *Bucket) Remaining() (minute, hour, day int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.minute.remaining, b.hour.remaining, b.day.remaining
}

// LastRefill returns the time of the most recent Consume.
func (b *Bucket) LastRefill() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastRefill
}

func untilNextMinute(now time.Time) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), now.Minute()+1, 0, 0, now.Location())
	return next.Sub(now)
}

func untilNextHour(now time.Time) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), now.Hour()+1, 0, 0, 0, now.Location())
	return next.Sub(now)
}

// untilNextDay returns the time until the next midnight in now's location.
func untilNextDay(now time.Time) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())
	return next.Sub(now)
}
