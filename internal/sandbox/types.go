package sandbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/alecgard/tollbooth/internal/ratelimit"
)

// Callable is the tool's implementation. It should return promptly once ctx
// is done; a callable that ignores ctx keeps running after a timeout.
type Callable func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// RateLimitPolicy caps invocations per (tenant, tool) pair. Burst, when
// positive, replaces the per-minute ceiling.
type RateLimitPolicy struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	RequestsPerHour   int `json:"requests_per_hour" yaml:"requests_per_hour"`
	RequestsPerDay    int `json:"requests_per_day" yaml:"requests_per_day"`
	Burst             int `json:"burst,omitempty" yaml:"burst"`
}

func (p RateLimitPolicy) bucketPolicy() ratelimit.Policy {
	perMinute := p.RequestsPerMinute
	if p.Burst > 0 {
		perMinute = p.Burst
	}
	return ratelimit.Policy{
		PerMinute: perMinute,
		PerHour:   p.RequestsPerHour,
		PerDay:    p.RequestsPerDay,
	}
}

// ToolDefinition is immutable once registered. Registering the same ID again
// replaces the whole definition.
type ToolDefinition struct {
	ID                  string           `json:"id"`
	Name                string           `json:"name"`
	Description         string           `json:"description,omitempty"`
	RequiredPermissions []string         `json:"required_permissions"`
	Timeout             time.Duration    `json:"timeout"`
	MaxRetries          int              `json:"max_retries"`
	RateLimit           *RateLimitPolicy `json:"rate_limit,omitempty"`
	Dangerous           bool             `json:"dangerous"`
	InputSchema         map[string]any   `json:"input_schema,omitempty"`
	Func                Callable         `json:"-"`
}

// DisplayName returns Name, falling back to ID.
func (d ToolDefinition) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}

// Invocation is one request to run a tool. ID is the audit correlation key
// and should be unique; Execute generates one when it is empty.
type Invocation struct {
	ID        string          `json:"id"`
	ToolID    string          `json:"tool_id"`
	TenantID  string          `json:"tenant_id"`
	RunID     string          `json:"run_id"`
	UserID    string          `json:"user_id"`
	Input     json.RawMessage `json:"input,omitempty"`
	Scopes    []string        `json:"scopes"`
	Timeout   time.Duration   `json:"timeout,omitempty"` // overrides the tool's timeout when positive
	Timestamp time.Time       `json:"timestamp"`
}

// Status is the terminal state of an invocation.
type Status string

const (
	StatusPending          Status = "pending"
	StatusRunning          Status = "running"
	StatusSuccess          Status = "success"
	StatusError            Status = "error"
	StatusTimeout          Status = "timeout"
	StatusRateLimited      Status = "rate_limited"
	StatusPermissionDenied Status = "permission_denied"
	StatusCircuitOpen      Status = "circuit_open"
)

// Error codes carried in ErrorInfo.Code.
const (
	CodeToolNotFound     = "TOOL_NOT_FOUND"
	CodeCircuitOpen      = "CIRCUIT_OPEN"
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeRateLimited      = "RATE_LIMITED"
	CodeInvalidInput     = "INVALID_INPUT"
	CodeTimeout          = "TIMEOUT"
	CodeExecutionError   = "EXECUTION_ERROR"
	CodeCanceled         = "CANCELED"
)

// ErrorInfo describes why an invocation did not succeed. Recoverable tells
// the caller whether retrying (with backoff) is reasonable.
type ErrorInfo struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	Detail       string `json:"detail,omitempty"`
	Recoverable  bool   `json:"recoverable"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
}

// ResourceUsage is reported by the callable through ReportUsage. Fields stay
// zero when nothing was reported.
type ResourceUsage struct {
	MemoryBytes  int64         `json:"memory_bytes"`
	CPUTime      time.Duration `json:"cpu_time"`
	NetworkBytes int64         `json:"network_bytes"`
	DiskBytes    int64         `json:"disk_bytes"`
}

// Result is the only value Execute returns.
type Result struct {
	InvocationID string          `json:"invocation_id"`
	ToolID       string          `json:"tool_id"`
	ToolName     string          `json:"tool_name"`
	Status       Status          `json:"status"`
	Output       json.RawMessage `json:"output,omitempty"`
	Error        *ErrorInfo      `json:"error,omitempty"`
	Elapsed      time.Duration   `json:"elapsed"`
	Usage        ResourceUsage   `json:"usage"`
	Timestamp    time.Time       `json:"timestamp"`
}
