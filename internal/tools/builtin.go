// Package tools provides the callables the catalog can bind a tool to.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/alecgard/tollbooth/internal/sandbox"
)

// Echo returns its input unchanged. Empty input echoes as {}.
func Echo() sandbox.Callable {
	return func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		if len(input) == 0 {
			return json.RawMessage(`{}`), nil
		}
		out := make(json.RawMessage, len(input))
		copy(out, input)
		return out, nil
	}
}

// Sleep waits for d (or for the input's "ms" field, when set) and then
// returns {"slept_ms": n}. It stops early when ctx is done.
func Sleep(d time.Duration) sandbox.Callable {
	return func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		wait := d
		if len(input) > 0 {
			var req struct {
				Ms *int64 `json:"ms"`
			}
			if err := json.Unmarshal(input, &req); err == nil && req.Ms != nil && *req.Ms >= 0 {
				wait = time.Duration(*req.Ms) * time.Millisecond
			}
		}

		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return json.Marshal(map[string]int64{"slept_ms": wait.Milliseconds()})
	}
}

// Fail always returns an error with the given message. Useful for exercising
// the circuit breaker.
func Fail(message string) sandbox.Callable {
	if message == "" {
		message = "tool failed"
	}
	err := errors.New(message)
	return func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		return nil, err
	}
}
