package api

import (
	"encoding/json"
	"io"
	"net/http"
)

// defaultMaxBodySize is the request body limit used when none is configured (1 MB).
const defaultMaxBodySize = 1 << 20

// errorEnvelope is the standard error response shape.
type errorEnvelope struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError writes a JSON error response with the given status code.
func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorEnvelope{
		Error: errorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// writeJSON writes a JSON response with the given status code and data.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// readJSON decodes the request body into v, enforcing a size limit. An empty
// body leaves v untouched.
func readJSON(r *http.Request, v interface{}, limit int64) error {
	if limit <= 0 {
		limit = defaultMaxBodySize
	}
	lr := io.LimitReader(r.Body, limit)
	err := json.NewDecoder(lr).Decode(v)
	if err == io.EOF {
		return nil
	}
	return err
}
