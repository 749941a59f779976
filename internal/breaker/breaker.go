// Package breaker implements a per-tool circuit breaker.
//
// A breaker starts closed. Reaching FailureThreshold consecutive failures opens
// it. Once ResetTimeout has passed since the last failure, the next read of the
// state moves it to half-open, where at most HalfOpenMaxCalls probes are let
// through. SuccessThreshold successes in half-open close it again.
package breaker

import (
	"sync"
	"time"
)

// State is the breaker's current mode.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// DefaultHalfOpenMaxCalls is used when Config.HalfOpenMaxCalls is not set.
const DefaultHalfOpenMaxCalls = 3

// Config holds a breaker's thresholds.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	ResetTimeout     time.Duration
	HalfOpenMaxCalls int
}

// ConfigFor derives thresholds from a tool's own retry and timeout budget:
// failures = 2×maxRetries, successes = maxRetries, reset = 2×timeout.
func ConfigFor(maxRetries int, timeout time.Duration, halfOpenMaxCalls int) Config {
	return Config{
		FailureThreshold: 2 * maxRetries,
		SuccessThreshold: maxRetries,
		ResetTimeout:     2 * timeout,
		HalfOpenMaxCalls: halfOpenMaxCalls,
	}
}

// normalize floors every threshold at a usable value. HalfOpenMaxCalls is
// raised to SuccessThreshold so a half-open breaker can always gather enough
// successes to close.
func (c Config) normalize() Config {
	if c.FailureThreshold < 1 {
		c.FailureThreshold = 1
	}
	if c.SuccessThreshold < 1 {
		c.SuccessThreshold = 1
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = time.Second
	}
	if c.HalfOpenMaxCalls < 1 {
		c.HalfOpenMaxCalls = DefaultHalfOpenMaxCalls
	}
	if c.HalfOpenMaxCalls < c.SuccessThreshold {
		c.HalfOpenMaxCalls = c.SuccessThreshold
	}
	return c
}

// Snapshot is a point-in-time copy of a breaker's counters.
type Snapshot struct {
	State       State     `json:"state"`
	Failures    int       `json:"failures"`
	Successes   int       `json:"successes"`
	InFlight    int       `json:"in_flight"`
	LastFailure time.Time `json:"last_failure,omitempty"`
}

// Breaker is safe for concurrent use. Every method, including State, takes
// the breaker's exclusive lock because reads can move open to half-open.
type Breaker struct {
	mu          sync.Mutex
	cfg         Config
	state       State
	failures    int
	successes   int
	inFlight    int // half-open probes admitted by Allow and not yet recorded
	lastFailure time.Time

	now          func() time.Time
	onTransition func(from, to State)
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithTransitionHook registers fn to be called, outside the lock, on every
// state change.
func WithTransitionHook(fn func(from, to State)) Option {
	return func(b *Breaker) { b.onTransition = fn }
}

// New creates a closed breaker.
func New(cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		cfg:   cfg.normalize(),
		state: Closed,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Config returns the normalized thresholds.
func (b *Breaker) Config() Config {
	return b.cfg
}

// State returns the current state. This may move an open breaker to
// half-open when the reset timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	from, to := b.advanceLocked()
	state := b.state
	b.mu.Unlock()

	b.notify(from, to)
	return state
}

// CanExecute reports whether a call would currently be let through, without
// reserving a probe slot.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	from, to := b.advanceLocked()
	ok := b.admitsLocked(false)
	b.mu.Unlock()

	b.notify(from, to)
	return ok
}

// Allow is CanExecute plus, in half-open, a reservation of one probe slot.
// The slot is returned by RecordSuccess, RecordFailure or Release.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	from, to := b.advanceLocked()
	ok := b.admitsLocked(true)
	if ok && b.state == HalfOpen {
		b.inFlight++
	}
	b.mu.Unlock()

	b.notify(from, to)
	return ok
}

// Release returns a probe slot reserved by Allow for a call that ended up not
// running.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.releaseLocked()
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	b.releaseLocked()
	var from, to State
	switch b.state {
	case Closed:
		b.failures = 0
	case HalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			from, to = b.transitionLocked(Closed)
		}
	}
	b.mu.Unlock()

	b.notify(from, to)
}

// RecordFailure records a failed call. In half-open the failure adds to the
// cumulative count and re-opens the breaker only once it reaches the
// threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	b.releaseLocked()
	b.failures++
	b.lastFailure = b.now()
	var from, to State
	if b.state != Open && b.failures >= b.cfg.FailureThreshold {
		from, to = b.transitionLocked(Open)
	}
	b.mu.Unlock()

	b.notify(from, to)
}

// Snapshot returns the current counters, applying any time-based transition
// first.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	from, to := b.advanceLocked()
	s := Snapshot{
		State:       b.state,
		Failures:    b.failures,
		Successes:   b.successes,
		InFlight:    b.inFlight,
		LastFailure: b.lastFailure,
	}
	b.mu.Unlock()

	b.notify(from, to)
	return s
}

// advanceLocked must be called with b.mu held.
func (b *Breaker) advanceLocked() (from, to State) {
	if b.state == Open && b.now().Sub(b.lastFailure) >= b.cfg.ResetTimeout {
		return b.transitionLocked(HalfOpen)
	}
	return "", ""
}

// admitsLocked must be called with b.mu held. Reserving callers also count
// probes still in flight.
func (b *Breaker) admitsLocked(reserving bool) bool {
	switch b.state {
	case Closed:
		return true
	case HalfOpen:
		used := b.successes
		if reserving {
			used += b.inFlight
		}
		return used < b.cfg.HalfOpenMaxCalls
	default:
		return false
	}
}

// releaseLocked must be called with b.mu held.
func (b *Breaker) releaseLocked() {
	if b.inFlight > 0 {
		b.inFlight--
	}
}

// transitionLocked must be called with b.mu held.
func (b *Breaker) transitionLocked(to State) (State, State) {
	from := b.state
	b.state = to
	b.inFlight = 0
	switch to {
	case HalfOpen:
		b.successes = 0
	case Closed:
		b.failures = 0
		b.successes = 0
	}
	return from, to
}

func (b *Breaker) notify(from, to State) {
	if to != "" && b.onTransition != nil {
		b.onTransition(from, to)
	}
}
