package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrTimeout is returned by RunWithTimeout when the deadline passes before
// the callable returns.
var ErrTimeout = errors.New("tool execution timed out")

// RunWithTimeout runs fn under a deadline derived from ctx. On expiry it
// cancels fn's context and returns ErrTimeout without waiting; whatever fn
// returns later is discarded. A callable that ignores its context keeps its
// goroutine (and any resources it holds) until it returns on its own, so
// "timed out" means the caller stopped waiting, not that the work stopped.
//
// A non-positive timeout runs fn with ctx's own deadline, if any. Panics in fn
// are returned as errors.
func RunWithTimeout(ctx context.Context, fn Callable, input json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	type outcome struct {
		out json.RawMessage
		err error
	}
	// Buffered so a late callable can always deliver and exit.
	done := make(chan outcome, 1)
	go func() {
		out, err := safeCall(runCtx, fn, input)
		done <- outcome{out: out, err: err}
	}()

	select {
	case o := <-done:
		// Both channels may be ready at once; a result after the deadline
		// is still a timeout.
		if timedOut(ctx, runCtx) {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		return o.out, o.err
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
}

// timedOut reports whether runCtx hit its own deadline while the parent was
// still live.
func timedOut(parent, runCtx context.Context) bool {
	return parent.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded)
}

func safeCall(ctx context.Context, fn Callable, input json.RawMessage) (out json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	return fn(ctx, input)
}

type usageKey struct{}

type usageSlot struct {
	mu sync.Mutex
	u  ResourceUsage
}

func withUsage(ctx context.Context, slot *usageSlot) context.Context {
	return context.WithValue(ctx, usageKey{}, slot)
}

// ReportUsage adds u to the resource counters of the invocation running under
// ctx. It is a no-op outside Execute.
func ReportUsage(ctx context.Context, u ResourceUsage) {
	slot, ok := ctx.Value(usageKey{}).(*usageSlot)
	if !ok {
		return
	}
	slot.mu.Lock()
	slot.u.MemoryBytes += u.MemoryBytes
	slot.u.CPUTime += u.CPUTime
	slot.u.NetworkBytes += u.NetworkBytes
	slot.u.DiskBytes += u.DiskBytes
	slot.mu.Unlock()
}

func (s *usageSlot) snapshot() ResourceUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.u
}
