package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alecgard/tollbooth/internal/audit"
	"github.com/alecgard/tollbooth/internal/auth"
	"github.com/alecgard/tollbooth/internal/export"
	"github.com/alecgard/tollbooth/internal/sandbox"
)

const (
	defaultLogLimit = 100
	maxLogLimit     = 1000
)

// AuditArchive reads audit records persisted outside the in-memory log.
type AuditArchive interface {
	List(ctx context.Context, q export.Query) ([]audit.Record, string, error)
}

type auditHandler struct {
	sandbox *sandbox.Sandbox
	archive AuditArchive
}

func newAuditHandler(sb *sandbox.Sandbox, archive AuditArchive) *auditHandler {
	return &auditHandler{sandbox: sb, archive: archive}
}

// ListOwnLogs handles GET /api/v1/logs. Callers only see their own tenant.
func (h *auditHandler) ListOwnLogs(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFromContext(r.Context())
	if caller == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "caller not authenticated")
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": h.sandbox.Logs(caller.TenantID, limit)})
}

// ListLogs handles GET /api/v1/admin/audit.
func (h *auditHandler) ListLogs(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	tenant := r.URL.Query().Get("tenant_id")
	writeJSON(w, http.StatusOK, map[string]any{"records": h.sandbox.Logs(tenant, limit)})
}

// ClearLogs handles DELETE /api/v1/admin/audit. Without "before" every record
// is removed.
func (h *auditHandler) ClearLogs(w http.ResponseWriter, r *http.Request) {
	var before time.Time
	if v := r.URL.Query().Get("before"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_param", "before must be an RFC 3339 timestamp")
			return
		}
		before = t
	}

	n := h.sandbox.ClearLogs(before)
	adminLog(r, "clear", "audit", "", "removed", n)
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

// ListArchived handles GET /api/v1/admin/audit/export.
func (h *auditHandler) ListArchived(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := export.Query{
		TenantID: q.Get("tenant_id"),
		ToolID:   q.Get("tool_id"),
		Status:   q.Get("status"),
		Cursor:   q.Get("cursor"),
	}

	for name, dst := range map[string]*time.Time{"from": &query.From, "to": &query.To} {
		if v := q.Get(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_param", name+" must be an RFC 3339 timestamp")
				return
			}
			*dst = t
		}
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	query.Limit = limit

	records, next, err := h.archive.List(r.Context(), query)
	if err != nil {
		slog.Error("listing archived audit records", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list audit records")
		return
	}
	if records == nil {
		records = []audit.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records, "next_cursor": next})
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultLogLimit, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		writeError(w, http.StatusBadRequest, "invalid_param", "limit must be a positive integer")
		return 0, false
	}
	if n > maxLogLimit {
		n = maxLogLimit
	}
	return n, true
}

// adminLog emits a structured log entry for an admin action.
func adminLog(r *http.Request, action, resourceType, resourceID string, detail ...any) {
	attrs := []any{
		"action", action,
		"resource_type", resourceType,
		"resource_id", resourceID,
		"ip", clientIP(r),
		"request_id", RequestIDFromContext(r.Context()),
	}
	attrs = append(attrs, detail...)
	slog.Info("admin action", attrs...)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}
