package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeClock is a controllable time source for deterministic tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// start is 12:00:30 UTC so window boundaries are easy to reason about.
var start = time.Date(2026, 3, 10, 12, 0, 30, 0, time.UTC)

func TestBucketMinuteWindow(t *testing.T) {
	b := NewBucket(Policy{PerMinute: 2, PerHour: 100, PerDay: 100}, start)

	for i := 0; i < 2; i++ {
		if d := b.Consume(start); !d.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	d := b.Consume(start)
	if d.Allowed {
		t.Fatal("3rd request should be denied")
	}
	if d.Window != "minute" {
		t.Errorf("expected minute window, got %q", d.Window)
	}
	if d.RetryAfter != 30*time.Second {
		t.Errorf("expected retry after 30s, got %v", d.RetryAfter)
	}
	if d.RetryAfterMs() > 60000 {
		t.Errorf("retry after should be at most 60000ms, got %d", d.RetryAfterMs())
	}
}

func TestBucketNeverNegative(t *testing.T) {
	clock := newFakeClock(start)
	b := NewBucket(Policy{PerMinute: 3, PerHour: 5, PerDay: 7}, clock.Now())

	for i := 0; i < 200; i++ {
		b.Consume(clock.Now())
		m, h, d := b.Remaining()
		if m < 0 || h < 0 || d < 0 {
			t.Fatalf("counter went negative after call %d: minute=%d hour=%d day=%d", i+1, m, h, d)
		}
		clock.Advance(17 * time.Second)
	}
}

func TestBucketRefillAfterOnePeriod(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		period  time.Duration
		pick    func(m, h, d int) int
		ceiling int
	}{
		{
			name:    "minute",
			policy:  Policy{PerMinute: 5, PerHour: 100, PerDay: 100},
			period:  time.Minute,
			pick:    func(m, _, _ int) int { return m },
			ceiling: 5,
		},
		{
			name:    "hour",
			policy:  Policy{PerMinute: 100, PerHour: 4, PerDay: 100},
			period:  time.Hour,
			pick:    func(_, h, _ int) int { return h },
			ceiling: 4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock(start)
			b := NewBucket(tt.policy, clock.Now())
			for i := 0; i < tt.ceiling; i++ {
				b.Consume(clock.Now())
			}

			clock.Advance(tt.period)
			got := tt.pick(b.Peek(clock.Now()))
			if got != tt.ceiling {
				t.Fatalf("expected counter back at ceiling %d, got %d", tt.ceiling, got)
			}
		})
	}
}

func TestBucketRefillCap(t *testing.T) {
	clock := newFakeClock(start)
	b := NewBucket(Policy{PerMinute: 5, PerHour: 100, PerDay: 100}, clock.Now())

	b.Consume(clock.Now())
	b.Consume(clock.Now())

	clock.Advance(10 * time.Minute)
	m, _, _ := b.Peek(clock.Now())
	if m != 5 {
		t.Fatalf("minute counter should cap at 5, got %d", m)
	}
}

func TestBucketHourWindow(t *testing.T) {
	clock := newFakeClock(start)
	b := NewBucket(Policy{PerMinute: 100, PerHour: 3, PerDay: 100}, clock.Now())

	for i := 0; i < 3; i++ {
		if !b.Consume(clock.Now()).Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	d := b.Consume(clock.Now())
	if d.Allowed || d.Window != "hour" {
		t.Fatalf("expected hour rejection, got %+v", d)
	}
	if want := 59*time.Minute + 30*time.Second; d.RetryAfter != want {
		t.Errorf("expected retry after %v, got %v", want, d.RetryAfter)
	}

	clock.Advance(time.Hour)
	if !b.Consume(clock.Now()).Allowed {
		t.Fatal("request should be allowed after an hour")
	}
}

func TestBucketDayNeverRefills(t *testing.T) {
	clock := newFakeClock(start)
	b := NewBucket(Policy{PerMinute: 100, PerHour: 100, PerDay: 2}, clock.Now())

	b.Consume(clock.Now())
	b.Consume(clock.Now())

	clock.Advance(25 * time.Hour)
	d := b.Consume(clock.Now())
	if d.Allowed {
		t.Fatal("day allotment must not refill")
	}
	if d.Window != "day" {
		t.Errorf("expected day window, got %q", d.Window)
	}
	// 2026-03-11 13:00:30 -> midnight is 10h59m30s away.
	if want := 10*time.Hour + 59*time.Minute + 30*time.Second; d.RetryAfter != want {
		t.Errorf("expected retry after %v, got %v", want, d.RetryAfter)
	}
}

func TestBucketChecksMostRestrictiveWindowFirst(t *testing.T) {
	b := NewBucket(Policy{PerMinute: 1, PerHour: 1, PerDay: 1}, start)
	b.Consume(start)

	d := b.Consume(start)
	if d.Allowed {
		t.Fatal("second request should be denied")
	}
	if d.Window != "day" {
		t.Fatalf("expected the day window to win, got %q", d.Window)
	}
}

func TestBucketRefillMeasuredFromLastCall(t *testing.T) {
	clock := newFakeClock(start)
	b := NewBucket(Policy{PerMinute: 1, PerHour: 100, PerDay: 100}, clock.Now())
	b.Consume(clock.Now())

	// Each rejected call still moves lastRefill forward, so two calls 50s
	// apart never accumulate a full minute.
	clock.Advance(50 * time.Second)
	if b.Consume(clock.Now()).Allowed {
		t.Fatal("should be denied 50s after exhausting")
	}
	clock.Advance(50 * time.Second)
	if b.Consume(clock.Now()).Allowed {
		t.Fatal("should still be denied: only 50s since the previous call")
	}

	clock.Advance(time.Minute)
	if !b.Consume(clock.Now()).Allowed {
		t.Fatal("should be allowed after a quiet minute")
	}
}

func TestBucketDisabledWindows(t *testing.T) {
	b := NewBucket(Policy{PerDay: 2}, start)
	for i := 0; i < 2; i++ {
		if !b.Consume(start).Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if d := b.Consume(start); d.Allowed || d.Window != "day" {
		t.Fatalf("expected day rejection, got %+v", d)
	}
}

func TestRetryAfterMsRoundsUp(t *testing.T) {
	d := Decision{RetryAfter: 1500 * time.Microsecond}
	if got := d.RetryAfterMs(); got != 2 {
		t.Fatalf("expected 2ms, got %d", got)
	}
}

// newTestLimiter creates a Limiter wired to the given fake clock.
func newTestLimiter(clock *fakeClock, opts ...Option) *Limiter {
	return New(append([]Option{WithClock(clock.Now)}, opts...)...)
}

func TestLimiterDifferentKeys(t *testing.T) {
	clock := newFakeClock(start)
	l := newTestLimiter(clock)
	p := Policy{PerMinute: 1, PerHour: 10, PerDay: 10}

	if !l.Check("t1:search", p).Allowed {
		t.Fatal("first request for t1 should be allowed")
	}
	if l.Check("t1:search", p).Allowed {
		t.Fatal("second request for t1 should be denied")
	}
	if !l.Check("t2:search", p).Allowed {
		t.Fatal("first request for t2 should be allowed")
	}
	if l.Len() != 2 {
		t.Fatalf("expected 2 buckets, got %d", l.Len())
	}
}

func TestLimiterConcurrentAccess(t *testing.T) {
	clock := newFakeClock(start)
	l := newTestLimiter(clock)
	p := Policy{PerMinute: 100, PerHour: 1000, PerDay: 1000}

	var wg sync.WaitGroup
	allowed := make(chan bool, 200)

	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			allowed <- l.Check("concurrent", p).Allowed
		}()
	}

	wg.Wait()
	close(allowed)

	count := 0
	for ok := range allowed {
		if ok {
			count++
		}
	}
	if count != 100 {
		t.Fatalf("expected exactly 100 allowed, got %d", count)
	}
}

func TestLimiterSweep(t *testing.T) {
	clock := newFakeClock(start)
	var hookEvicted, hookRemaining int
	l := newTestLimiter(clock, WithIdleTimeout(5*time.Minute), WithSweepHook(func(e, r int) {
		hookEvicted, hookRemaining = e, r
	}))
	p := Policy{PerMinute: 1, PerHour: 10, PerDay: 10}

	l.Check("idle", p)
	clock.Advance(4 * time.Minute)
	l.Check("fresh", p)
	clock.Advance(2 * time.Minute)

	if n := l.Sweep(); n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}
	if hookEvicted != 1 || hookRemaining != 1 {
		t.Errorf("hook saw evicted=%d remaining=%d", hookEvicted, hookRemaining)
	}
	if _, _, _, ok := l.Status("idle"); ok {
		t.Fatal("idle bucket should be gone")
	}
	if _, _, _, ok := l.Status("fresh"); !ok {
		t.Fatal("fresh bucket should survive")
	}

	// An evicted key starts over with a full bucket.
	if !l.Check("idle", p).Allowed {
		t.Fatal("recreated bucket should allow")
	}
}

func TestLimiterStatus(t *testing.T) {
	clock := newFakeClock(start)
	l := newTestLimiter(clock)

	if _, _, _, ok := l.Status("missing"); ok {
		t.Fatal("unknown key should report ok=false")
	}

	l.Check("s", Policy{PerMinute: 10, PerHour: 20, PerDay: 30})
	m, h, d, ok := l.Status("s")
	if !ok || m != 9 || h != 19 || d != 29 {
		t.Fatalf("unexpected status: %d %d %d %v", m, h, d, ok)
	}
}

func TestLimiterStartStop(t *testing.T) {
	l := New(WithSweepInterval(time.Millisecond))

	done := make(chan struct{})
	go func() {
		l.Start(context.Background())
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	l.Stop()
	l.Stop() // second call is a no-op

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}
}

func TestLimiterStartContextCancel(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		l.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after context cancel")
	}
}

func TestLimiterForget(t *testing.T) {
	clock := newFakeClock(start)
	l := newTestLimiter(clock)
	old := Policy{PerMinute: 100, PerHour: 100, PerDay: 100}

	for _, key := range []string{"acme:search", "globex:search", "acme:other", "acme:research"} {
		l.Check(key, old)
	}

	if n := l.Forget(":search"); n != 2 {
		t.Fatalf("expected 2 buckets forgotten, got %d", n)
	}
	if l.Len() != 2 {
		t.Fatalf("expected 2 buckets left, got %d", l.Len())
	}
	if _, _, _, ok := l.Status("acme:research"); !ok {
		t.Error("a key that merely contains the suffix text should survive")
	}

	// The next check builds the bucket from the policy it is given.
	tight := Policy{PerMinute: 1, PerHour: 1, PerDay: 1}
	if !l.Check("acme:search", tight).Allowed {
		t.Fatal("first call on the new bucket should be allowed")
	}
	if l.Check("acme:search", tight).Allowed {
		t.Fatal("second call should hit the new ceiling")
	}
}

func TestLimiterSweepRacesCheck(t *testing.T) {
	const (
		keys        = 8
		callsPerKey = 20
		ceiling     = 3
	)
	clock := newFakeClock(start)
	l := newTestLimiter(clock, WithIdleTimeout(5*time.Minute))
	p := Policy{PerMinute: ceiling, PerHour: 100, PerDay: 100}

	names := make([]string, keys)
	for i := range names {
		names[i] = "tenant-" + string(rune('a'+i)) + ":tool"
		for j := 0; j < ceiling; j++ {
			l.Check(names[i], p)
		}
	}

	// Every bucket is now idle. Whether a key keeps its refilled old bucket
	// or gets a fresh one, it has exactly ceiling tokens to hand out.
	clock.Advance(10 * time.Minute)

	stop := make(chan struct{})
	var sweeps sync.WaitGroup
	sweeps.Add(1)
	go func() {
		defer sweeps.Done()
		for {
			select {
			case <-stop:
				return
			default:
				l.Sweep()
			}
		}
	}()

	var wg sync.WaitGroup
	allowed := make(chan string, keys*callsPerKey)
	for _, key := range names {
		for i := 0; i < callsPerKey; i++ {
			wg.Add(1)
			go func(key string) {
				defer wg.Done()
				if l.Check(key, p).Allowed {
					allowed <- key
				}
			}(key)
		}
	}
	wg.Wait()
	close(stop)
	sweeps.Wait()
	close(allowed)

	perKey := make(map[string]int)
	for key := range allowed {
		perKey[key]++
	}
	for _, key := range names {
		if perKey[key] != ceiling {
			t.Errorf("%s: expected %d allowed, got %d", key, ceiling, perKey[key])
		}
	}
	if l.Len() != keys {
		t.Errorf("expected %d live buckets, got %d", keys, l.Len())
	}
}
