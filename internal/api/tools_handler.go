package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/alecgard/tollbooth/internal/auth"
	"github.com/alecgard/tollbooth/internal/breaker"
	"github.com/alecgard/tollbooth/internal/sandbox"
)

const (
	// statusClientClosedRequest is reported when the caller went away mid-call.
	statusClientClosedRequest = 499

	maxInvokeTimeout = time.Hour
)

// toolsHandler groups tool listing and invocation handlers.
type toolsHandler struct {
	sandbox *sandbox.Sandbox
	maxBody int64
}

func newToolsHandler(sb *sandbox.Sandbox, maxBody int64) *toolsHandler {
	return &toolsHandler{sandbox: sb, maxBody: maxBody}
}

type toolView struct {
	ID                  string                   `json:"id"`
	Name                string                   `json:"name"`
	Description         string                   `json:"description,omitempty"`
	RequiredPermissions []string                 `json:"required_permissions"`
	TimeoutMs           int64                    `json:"timeout_ms"`
	MaxRetries          int                      `json:"max_retries"`
	RateLimit           *sandbox.RateLimitPolicy `json:"rate_limit,omitempty"`
	Dangerous           bool                     `json:"dangerous"`
	InputSchema         map[string]any           `json:"input_schema,omitempty"`
	Breaker             breaker.State            `json:"breaker"`
}

func (h *toolsHandler) view(def sandbox.ToolDefinition) toolView {
	perms := def.RequiredPermissions
	if perms == nil {
		perms = []string{}
	}
	v := toolView{
		ID:                  def.ID,
		Name:                def.DisplayName(),
		Description:         def.Description,
		RequiredPermissions: perms,
		TimeoutMs:           def.Timeout.Milliseconds(),
		MaxRetries:          def.MaxRetries,
		RateLimit:           def.RateLimit,
		Dangerous:           def.Dangerous,
		InputSchema:         def.InputSchema,
	}
	if snap, ok := h.sandbox.BreakerState(def.ID); ok {
		v.Breaker = snap.State
	}
	return v
}

// ListTools handles GET /api/v1/tools.
func (h *toolsHandler) ListTools(w http.ResponseWriter, r *http.Request) {
	defs := h.sandbox.Tools()
	views := make([]toolView, len(defs))
	for i, def := range defs {
		views[i] = h.view(def)
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": views})
}

// GetTool handles GET /api/v1/tools/{toolID}.
func (h *toolsHandler) GetTool(w http.ResponseWriter, r *http.Request) {
	def, ok := h.sandbox.Tool(chi.URLParam(r, "toolID"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "tool not found")
		return
	}
	writeJSON(w, http.StatusOK, h.view(def))
}

type invokeRequest struct {
	InvocationID string          `json:"invocation_id"`
	RunID        string          `json:"run_id"`
	Input        json.RawMessage `json:"input"`
	TimeoutMs    int64           `json:"timeout_ms"`
}

type invokeResponse struct {
	sandbox.Result
	ElapsedMs int64 `json:"elapsed_ms"`
}

// Invoke handles POST /api/v1/tools/{toolID}/invoke. Tenant, user and
// scopes come from the authenticated caller, never from the body.
func (h *toolsHandler) Invoke(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFromContext(r.Context())
	if caller == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "caller not authenticated")
		return
	}

	var req invokeRequest
	if err := readJSON(r, &req, h.maxBody); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	if req.TimeoutMs < 0 || req.TimeoutMs > maxInvokeTimeout.Milliseconds() {
		writeError(w, http.StatusBadRequest, "invalid_body",
			fmt.Sprintf("timeout_ms must be between 0 and %d", maxInvokeTimeout.Milliseconds()))
		return
	}

	res := h.sandbox.Execute(r.Context(), sandbox.Invocation{
		ID:        req.InvocationID,
		ToolID:    chi.URLParam(r, "toolID"),
		TenantID:  caller.TenantID,
		RunID:     req.RunID,
		UserID:    caller.UserID,
		Input:     req.Input,
		Scopes:    caller.Scopes,
		Timeout:   time.Duration(req.TimeoutMs) * time.Millisecond,
		Timestamp: time.Now().UTC(),
	})

	if res.Error != nil && res.Error.RetryAfterMs > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(retryAfterSeconds(res.Error.RetryAfterMs), 10))
	}
	writeJSON(w, httpStatus(res), invokeResponse{Result: res, ElapsedMs: res.Elapsed.Milliseconds()})
}

// httpStatus maps a sandbox result onto an HTTP status code.
func httpStatus(res sandbox.Result) int {
	switch res.Status {
	case sandbox.StatusSuccess:
		return http.StatusOK
	case sandbox.StatusTimeout:
		return http.StatusGatewayTimeout
	case sandbox.StatusRateLimited:
		return http.StatusTooManyRequests
	case sandbox.StatusPermissionDenied:
		return http.StatusForbidden
	case sandbox.StatusCircuitOpen:
		return http.StatusServiceUnavailable
	}

	if res.Error != nil {
		switch res.Error.Code {
		case sandbox.CodeToolNotFound:
			return http.StatusNotFound
		case sandbox.CodeInvalidInput:
			return http.StatusBadRequest
		case sandbox.CodeCanceled:
			return statusClientClosedRequest
		}
	}
	return http.StatusBadGateway
}

// retryAfterSeconds rounds a millisecond hint up to whole seconds, minimum 1.
func retryAfterSeconds(ms int64) int64 {
	s := (ms + 999) / 1000
	if s < 1 {
		s = 1
	}
	return s
}
