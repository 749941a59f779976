package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/alecgard/tollbooth/internal/sandbox"
)

// DefaultMaxResponseSize caps how much of an upstream body an HTTP tool reads.
const DefaultMaxResponseSize int64 = 10 << 20

// ErrResponseTooLarge is returned when the upstream body exceeds the cap.
var ErrResponseTooLarge = errors.New("upstream response too large")

// UpstreamMetrics is an optional recorder for upstream call metrics.
type UpstreamMetrics interface {
	ObserveUpstreamDuration(toolID string, seconds float64)
	IncUpstreamError(errorType, toolID string)
}

// Auth describes how credentials are injected into upstream requests.
// Type is one of none, bearer, header, query.
type Auth struct {
	Type       string
	Key        string
	HeaderName string
	ParamName  string
}

// HTTPTool forwards the invocation input as a JSON POST body to an upstream
// endpoint and returns the response body as the tool output.
type HTTPTool struct {
	toolID          string
	endpoint        string
	headers         map[string]string
	auth            Auth
	client          *http.Client
	maxResponseSize int64
	metrics         UpstreamMetrics
}

// NewHTTPTool creates an HTTP tool. The client carries no timeout of its own;
// the sandbox deadline reaches the request through its context.
func NewHTTPTool(toolID, endpoint string, headers map[string]string, auth Auth) *HTTPTool {
	return &HTTPTool{
		toolID:          toolID,
		endpoint:        endpoint,
		headers:         headers,
		auth:            auth,
		client:          &http.Client{},
		maxResponseSize: DefaultMaxResponseSize,
	}
}

// SetClient replaces the HTTP client.
func (h *HTTPTool) SetClient(c *http.Client) {
	h.client = c
}

// SetMaxResponseSize sets the response body cap.
func (h *HTTPTool) SetMaxResponseSize(n int64) {
	if n > 0 {
		h.maxResponseSize = n
	}
}

// SetMetrics sets the optional metrics recorder.
func (h *HTTPTool) SetMetrics(m UpstreamMetrics) {
	h.metrics = m
}

// Callable returns the tool's sandbox callable.
func (h *HTTPTool) Callable() sandbox.Callable {
	return h.call
}

func (h *HTTPTool) call(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(input))
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}
	h.injectAuth(req)

	start := time.Now()
	resp, err := h.client.Do(req)
	if h.metrics != nil {
		h.metrics.ObserveUpstreamDuration(h.toolID, time.Since(start).Seconds())
	}
	if err != nil {
		kind := classifyUpstreamError(err)
		if h.metrics != nil {
			h.metrics.IncUpstreamError(kind, h.toolID)
		}
		return nil, fmt.Errorf("upstream request failed (%s): %w", kind, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, h.maxResponseSize+1))
	sandbox.ReportUsage(ctx, sandbox.ResourceUsage{NetworkBytes: int64(len(input) + len(body))})
	if err != nil {
		if h.metrics != nil {
			h.metrics.IncUpstreamError(classifyUpstreamError(err), h.toolID)
		}
		return nil, fmt.Errorf("reading upstream response: %w", err)
	}
	if int64(len(body)) > h.maxResponseSize {
		return nil, ErrResponseTooLarge
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if h.metrics != nil {
			h.metrics.IncUpstreamError("status", h.toolID)
		}
		return nil, fmt.Errorf("upstream returned status %d: %s", resp.StatusCode, truncate(body, 256))
	}

	if len(body) == 0 {
		return json.RawMessage(`null`), nil
	}
	if json.Valid(body) {
		return json.RawMessage(body), nil
	}
	// Non-JSON bodies are returned as a JSON string.
	return json.Marshal(string(body))
}

func (h *HTTPTool) injectAuth(req *http.Request) {
	switch h.auth.Type {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+h.auth.Key)
	case "header":
		if h.auth.HeaderName != "" {
			req.Header.Set(h.auth.HeaderName, h.auth.Key)
		}
	case "query":
		param := h.auth.ParamName
		if param == "" {
			param = "api_key"
		}
		q := req.URL.Query()
		q.Set(param, h.auth.Key)
		req.URL.RawQuery = q.Encode()
	}
}

// classifyUpstreamError categorizes an upstream HTTP client error.
func classifyUpstreamError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		if netErr.Op == "dial" {
			return "connection_refused"
		}
		return "network"
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns"
	}
	return "other"
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
