// Package sandbox runs registered tools on behalf of tenants under policy and
// resource enforcement: a per-tool circuit breaker, a permission gate, a
// multi-window rate limit per (tenant, tool), a deadline, and an audit trail.
//
// "Sandbox" here means policy enforcement, not process isolation: callables
// run in-process on their own goroutine.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/alecgard/tollbooth/internal/audit"
	"github.com/alecgard/tollbooth/internal/breaker"
	"github.com/alecgard/tollbooth/internal/ratelimit"
)

// Registration errors.
var (
	ErrIDRequired      = errors.New("tool id is required")
	ErrCallableMissing = errors.New("tool callable is required")
	ErrInvalidTimeout  = errors.New("tool timeout must not be negative")
	ErrInvalidRetries  = errors.New("tool max_retries must not be negative")
	ErrInvalidSchema   = errors.New("tool input schema is invalid")
)

// DefaultTimeout applies when neither the invocation nor the tool sets one.
const DefaultTimeout = 30 * time.Second

// MetricsRecorder receives execution metrics. Implemented by internal/metrics.
type MetricsRecorder interface {
	ObserveExecution(toolID, status string, seconds float64)
	IncRejection(toolID, reason string)
	IncActive(toolID string)
	DecActive(toolID string)
	SetBreakerState(toolID, state string)
	SetAuditRecords(n int)
	SetRateLimitBuckets(n int)
}

// AuditRecorder is notified after every audit append, e.g. to persist records
// outside the in-memory ring.
type AuditRecorder interface {
	Record(rec audit.Record)
}

// Options configures a Sandbox. Zero values take the package defaults.
type Options struct {
	AuditCapacity    int
	HalfOpenMaxCalls int
	SweepInterval    time.Duration
	IdleTimeout      time.Duration
	DefaultTimeout   time.Duration
	Logger           *slog.Logger
	Tracer           trace.Tracer
	Clock            func() time.Time
}

type registeredTool struct {
	def     ToolDefinition
	breaker *breaker.Breaker
	schema  *jsonschema.Schema
}

// bucketKeySep joins tenant and tool ID into a rate-limit bucket key.
const bucketKeySep = ":"

// Sandbox is safe for concurrent use. Tool definitions are read-only after
// registration; the shared mutable state is the breakers, the rate-limit
// buckets and the audit log, each with its own locking.
type Sandbox struct {
	mu    sync.RWMutex
	tools map[string]*registeredTool

	limiter          *ratelimit.Limiter
	audit            *audit.Log
	halfOpenMaxCalls int
	defaultTimeout   time.Duration
	now              func() time.Time
	logger           *slog.Logger
	tracer           trace.Tracer

	metrics  MetricsRecorder
	recorder AuditRecorder
}

// New creates a Sandbox with no tools. Call Start to run the rate limiter's
// idle sweep.
func New(opts Options) *Sandbox {
	s := &Sandbox{
		tools:            make(map[string]*registeredTool),
		audit:            audit.New(opts.AuditCapacity),
		halfOpenMaxCalls: opts.HalfOpenMaxCalls,
		defaultTimeout:   opts.DefaultTimeout,
		now:              opts.Clock,
		logger:           opts.Logger,
		tracer:           opts.Tracer,
	}
	if s.defaultTimeout <= 0 {
		s.defaultTimeout = DefaultTimeout
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.tracer == nil {
		s.tracer = noop.NewTracerProvider().Tracer("tollbooth/sandbox")
	}

	s.limiter = ratelimit.New(
		ratelimit.WithSweepInterval(opts.SweepInterval),
		ratelimit.WithIdleTimeout(opts.IdleTimeout),
		ratelimit.WithClock(s.now),
		ratelimit.WithSweepHook(func(evicted, remaining int) {
			if evicted > 0 {
				s.logger.Debug("evicted idle rate limit buckets", "evicted", evicted, "remaining", remaining)
			}
			if s.metrics != nil {
				s.metrics.SetRateLimitBuckets(remaining)
			}
		}),
	)
	return s
}

// SetMetrics sets the optional metrics recorder. Call before serving traffic.
func (s *Sandbox) SetMetrics(m MetricsRecorder) {
	s.metrics = m
}

// SetRecorder sets the optional audit recorder. Call before serving traffic.
func (s *Sandbox) SetRecorder(r AuditRecorder) {
	s.recorder = r
}

// Start runs background maintenance until Stop is called or ctx is done.
func (s *Sandbox) Start(ctx context.Context) {
	s.limiter.Start(ctx)
}

// Stop ends a running Start.
func (s *Sandbox) Stop() {
	s.limiter.Stop()
}

// RegisterTool adds or fully replaces a tool and gives it a fresh breaker
// with thresholds derived from its retry and timeout budget. Replacing a tool
// also drops its rate-limit buckets, so the new policy applies to the next
// call of every tenant.
func (s *Sandbox) RegisterTool(def ToolDefinition) error {
	if strings.TrimSpace(def.ID) == "" {
		return ErrIDRequired
	}
	if def.Func == nil {
		return ErrCallableMissing
	}
	if def.Timeout < 0 {
		return ErrInvalidTimeout
	}
	if def.MaxRetries < 0 {
		return ErrInvalidRetries
	}

	rt := &registeredTool{def: def}
	if len(def.InputSchema) > 0 {
		sch, err := compileSchema(def.InputSchema)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidSchema, def.ID, err)
		}
		rt.schema = sch
	}

	timeout := def.Timeout
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}
	toolID := def.ID
	rt.breaker = breaker.New(
		breaker.ConfigFor(def.MaxRetries, timeout, s.halfOpenMaxCalls),
		breaker.WithClock(s.now),
		breaker.WithTransitionHook(func(from, to breaker.State) {
			s.logger.Warn("circuit breaker transition", "tool_id", toolID, "from", from, "to", to)
			if s.metrics != nil {
				s.metrics.SetBreakerState(toolID, string(to))
			}
		}),
	)

	s.mu.Lock()
	_, replaced := s.tools[def.ID]
	s.tools[def.ID] = rt
	s.mu.Unlock()

	if replaced {
		s.forgetBuckets(def.ID)
	}

	if s.metrics != nil {
		s.metrics.SetBreakerState(def.ID, string(breaker.Closed))
	}
	s.logger.Info("tool registered", "tool_id", def.ID, "replaced", replaced, "dangerous", def.Dangerous)
	return nil
}

// UnregisterTool removes a tool with its breaker and rate-limit buckets.
// Invocations already past the existence check finish normally. It reports
// whether the tool existed.
func (s *Sandbox) UnregisterTool(id string) bool {
	s.mu.Lock()
	_, ok := s.tools[id]
	delete(s.tools, id)
	s.mu.Unlock()

	if ok {
		s.forgetBuckets(id)
		s.logger.Info("tool unregistered", "tool_id", id)
	}
	return ok
}

// forgetBuckets drops every tenant bucket of the tool so the next call starts
// from the current definition's policy.
func (s *Sandbox) forgetBuckets(toolID string) {
	s.limiter.Forget(bucketKeySep + toolID)
	if s.metrics != nil {
		s.metrics.SetRateLimitBuckets(s.limiter.Len())
	}
}

// Tool returns the definition registered under id.
func (s *Sandbox) Tool(id string) (ToolDefinition, bool) {
	rt, ok := s.lookup(id)
	if !ok {
		return ToolDefinition{}, false
	}
	return rt.def, true
}

// Tools returns every registered definition ordered by ID.
func (s *Sandbox) Tools() []ToolDefinition {
	s.mu.RLock()
	defs := make([]ToolDefinition, 0, len(s.tools))
	for _, rt := range s.tools {
		defs = append(defs, rt.def)
	}
	s.mu.RUnlock()

	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs
}

// BreakerState returns a snapshot of the tool's breaker. Reading it can move
// an open breaker to half-open.
func (s *Sandbox) BreakerState(id string) (breaker.Snapshot, bool) {
	rt, ok := s.lookup(id)
	if !ok {
		return breaker.Snapshot{}, false
	}
	return rt.breaker.Snapshot(), true
}

// Logs returns up to limit audit records, most recent first, optionally
// filtered by tenant.
func (s *Sandbox) Logs(tenantID string, limit int) []audit.Record {
	return s.audit.List(tenantID, limit)
}

// ClearLogs purges audit records created before the given time, or all of
// them when before is zero. It returns the number removed.
func (s *Sandbox) ClearLogs(before time.Time) int {
	n := s.audit.Clear(before)
	if s.metrics != nil {
		s.metrics.SetAuditRecords(s.audit.Len())
	}
	return n
}

func (s *Sandbox) lookup(id string) (*registeredTool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rt, ok := s.tools[id]
	return rt, ok
}

// Execute runs one invocation through the gates in order: existence, circuit
// breaker, permissions, rate limit, input schema, then the callable under its
// deadline. Every outcome is audited and returned as a Result; Execute never
// returns an error.
func (s *Sandbox) Execute(ctx context.Context, inv Invocation) Result {
	started := time.Now()
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}

	ctx, span := s.tracer.Start(ctx, "sandbox.execute", trace.WithAttributes(
		attribute.String("tool.id", inv.ToolID),
		attribute.String("tenant.id", inv.TenantID),
		attribute.String("invocation.id", inv.ID),
	))
	defer span.End()

	rt, ok := s.lookup(inv.ToolID)
	if !ok {
		return s.finish(span, inv, nil, outcome{
			status: StatusError,
			err: &ErrorInfo{
				Code:    CodeToolNotFound,
				Message: fmt.Sprintf("tool %q is not registered", inv.ToolID),
			},
		}, started)
	}
	def := rt.def

	if !rt.breaker.Allow() {
		reset := rt.breaker.Config().ResetTimeout
		return s.finish(span, inv, &def, outcome{
			status: StatusCircuitOpen,
			err: &ErrorInfo{
				Code:         CodeCircuitOpen,
				Message:      fmt.Sprintf("circuit breaker for %q is open", def.ID),
				Recoverable:  true,
				RetryAfterMs: reset.Milliseconds(),
			},
		}, started)
	}

	if !CheckPermissions(inv.Scopes, def.RequiredPermissions) {
		rt.breaker.Release()
		return s.finish(span, inv, &def, outcome{
			status: StatusPermissionDenied,
			err: &ErrorInfo{
				Code:    CodePermissionDenied,
				Message: fmt.Sprintf("missing required permissions for %q", def.ID),
				Detail:  "missing: " + strings.Join(missingPermissions(inv.Scopes, def.RequiredPermissions), ", "),
			},
		}, started)
	}

	if def.RateLimit != nil {
		d := s.limiter.Check(inv.TenantID+bucketKeySep+def.ID, def.RateLimit.bucketPolicy())
		if !d.Allowed {
			rt.breaker.Release()
			return s.finish(span, inv, &def, outcome{
				status: StatusRateLimited,
				err: &ErrorInfo{
					Code:         CodeRateLimited,
					Message:      fmt.Sprintf("rate limit exceeded (%s window), retry after %dms", d.Window, d.RetryAfterMs()),
					Recoverable:  true,
					RetryAfterMs: d.RetryAfterMs(),
				},
			}, started)
		}
	}

	if rt.schema != nil {
		if err := validateInput(rt.schema, inv.Input); err != nil {
			rt.breaker.Release()
			return s.finish(span, inv, &def, outcome{
				status: StatusError,
				err: &ErrorInfo{
					Code:    CodeInvalidInput,
					Message: "input does not match the tool's schema",
					Detail:  err.Error(),
				},
			}, started)
		}
	}

	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = def.Timeout
	}
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}

	slot := &usageSlot{}
	if s.metrics != nil {
		s.metrics.IncActive(def.ID)
	}
	out, err := RunWithTimeout(withUsage(ctx, slot), def.Func, inv.Input, timeout)
	if s.metrics != nil {
		s.metrics.DecActive(def.ID)
	}

	res := outcome{usage: slot.snapshot()}
	switch {
	case err == nil:
		rt.breaker.RecordSuccess()
		res.status = StatusSuccess
		res.output = out

	case errors.Is(err, ErrTimeout):
		rt.breaker.RecordFailure()
		s.logger.Warn("tool execution timed out", "tool_id", def.ID, "invocation_id", inv.ID, "timeout", timeout)
		res.status = StatusTimeout
		res.err = &ErrorInfo{
			Code:    CodeTimeout,
			Message: fmt.Sprintf("tool %q exceeded its %s deadline", def.ID, timeout),
		}

	case ctx.Err() != nil:
		// The caller gave up; that says nothing about the tool's health.
		rt.breaker.Release()
		res.status = StatusError
		res.err = &ErrorInfo{
			Code:        CodeCanceled,
			Message:     "invocation canceled by caller",
			Detail:      err.Error(),
			Recoverable: true,
		}

	default:
		rt.breaker.RecordFailure()
		res.status = StatusError
		res.err = &ErrorInfo{
			Code:        CodeExecutionError,
			Message:     "tool execution failed",
			Detail:      err.Error(),
			Recoverable: true,
		}
	}

	return s.finish(span, inv, &def, res, started)
}

// outcome is the pipeline's verdict before it becomes a Result.
type outcome struct {
	status Status
	output []byte
	err    *ErrorInfo
	usage  ResourceUsage
}

// finish audits the outcome, records metrics and builds the Result.
func (s *Sandbox) finish(span trace.Span, inv Invocation, def *ToolDefinition, o outcome, started time.Time) Result {
	elapsed := time.Since(started)
	now := s.now().UTC()

	toolName := inv.ToolID
	if def != nil {
		toolName = def.DisplayName()
	}

	rec := audit.Record{
		TenantID:     inv.TenantID,
		RunID:        inv.RunID,
		UserID:       inv.UserID,
		ToolID:       inv.ToolID,
		ToolName:     toolName,
		InvocationID: inv.ID,
		InputHash:    audit.Fingerprint(inv.Input),
		OutputHash:   audit.Fingerprint(o.output),
		Status:       string(o.status),
		Scopes:       inv.Scopes,
		Elapsed:      elapsed,
		CreatedAt:    now,
	}
	if o.err != nil {
		rec.Error = o.err.Code + ": " + o.err.Message
		if o.err.Detail != "" {
			rec.Error += " (" + o.err.Detail + ")"
		}
	}
	rec = s.audit.Append(rec)
	if s.recorder != nil {
		s.recorder.Record(rec)
	}

	if s.metrics != nil {
		s.metrics.ObserveExecution(inv.ToolID, string(o.status), elapsed.Seconds())
		if o.status != StatusSuccess && o.err != nil {
			s.metrics.IncRejection(inv.ToolID, strings.ToLower(o.err.Code))
		}
		s.metrics.SetAuditRecords(s.audit.Len())
	}

	span.SetAttributes(attribute.String("sandbox.status", string(o.status)))
	if o.status == StatusSuccess {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, string(o.status))
	}

	if o.status != StatusSuccess {
		s.logger.Debug("tool invocation not successful",
			"tool_id", inv.ToolID,
			"tenant_id", inv.TenantID,
			"invocation_id", inv.ID,
			"status", o.status,
		)
	}

	return Result{
		InvocationID: inv.ID,
		ToolID:       inv.ToolID,
		ToolName:     toolName,
		Status:       o.status,
		Output:       o.output,
		Error:        o.err,
		Elapsed:      elapsed,
		Usage:        o.usage,
		Timestamp:    now,
	}
}
