// Package audit keeps a bounded, in-memory trail of tool invocations.
//
// The log is a fixed-capacity ring: once full, each append silently drops the
// oldest record. Durable storage is the caller's job (see internal/export).
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultCapacity is used when New is given a capacity below one.
const DefaultCapacity = 1000

// Record describes the outcome of one invocation.
type Record struct {
	ID           string        `json:"id"`
	TenantID     string        `json:"tenant_id"`
	RunID        string        `json:"run_id"`
	UserID       string        `json:"user_id"`
	ToolID       string        `json:"tool_id"`
	ToolName     string        `json:"tool_name"`
	InvocationID string        `json:"invocation_id"`
	InputHash    string        `json:"input_hash"`
	OutputHash   string        `json:"output_hash,omitempty"`
	Status       string        `json:"status"`
	Error        string        `json:"error,omitempty"`
	Scopes       []string      `json:"scopes"`
	Elapsed      time.Duration `json:"elapsed_ns"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Fingerprint returns the hex SHA-256 of data, or "" when data is empty.
func Fingerprint(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Log is safe for concurrent use.
type Log struct {
	mu    sync.RWMutex
	ring  []Record
	next  int // slot the next append writes to
	count int
	now   func() time.Time
}

// New creates an empty log holding at most capacity records.
func New(capacity int) *Log {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Log{
		ring: make([]Record, capacity),
		now:  time.Now,
	}
}

// Capacity returns the maximum number of records kept.
func (l *Log) Capacity() int {
	return len(l.ring)
}

// Len returns the number of records currently held.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}

// Append stores rec, filling in ID and CreatedAt when they are empty, and
// returns the stored copy.
func (l *Log) Append(rec Record) Record {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = l.now().UTC()
	}
	if rec.Scopes != nil {
		rec.Scopes = append([]string(nil), rec.Scopes...)
	}

	l.mu.Lock()
	l.ring[l.next] = rec
	l.next = (l.next + 1) % len(l.ring)
	if l.count < len(l.ring) {
		l.count++
	}
	l.mu.Unlock()

	return rec
}

// List returns up to limit records, most recent first. An empty tenantID
// matches every record; limit <= 0 means no limit.
func (l *Log) List(tenantID string, limit int) []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Record, 0, min(l.count, max(limit, 0)))
	for i := 0; i < l.count; i++ {
		rec := l.ring[l.index(i)]
		if tenantID != "" && rec.TenantID != tenantID {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Clear removes records created before the given time, or every record when
// before is zero. It returns the number removed.
func (l *Log) Clear(before time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if before.IsZero() {
		removed := l.count
		clear(l.ring)
		l.next, l.count = 0, 0
		return removed
	}

	// Keep survivors in insertion order, oldest first.
	kept := make([]Record, 0, l.count)
	for i := l.count - 1; i >= 0; i-- {
		rec := l.ring[l.index(i)]
		if !rec.CreatedAt.Before(before) {
			kept = append(kept, rec)
		}
	}

	removed := l.count - len(kept)
	clear(l.ring)
	copy(l.ring, kept)
	l.count = len(kept)
	l.next = l.count % len(l.ring)
	return removed
}

// index maps the i-th most recent record to its ring slot. Must be called
// with l.mu held.
func (l *Log) index(i int) int {
	return (l.next - 1 - i + 2*len(l.ring)) % len(l.ring)
}
