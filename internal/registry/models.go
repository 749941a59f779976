package registry

import (
	"time"

	"github.com/alecgard/tollbooth/internal/sandbox"
)

// Tool kinds a catalog entry can bind to.
const (
	KindEcho  = "echo"
	KindSleep = "sleep"
	KindFail  = "fail"
	KindHTTP  = "http"
)

// Catalog is the operator-written tool catalog file.
type Catalog struct {
	Tools []Entry `yaml:"tools"`
}

// Entry describes one tool in the catalog.
type Entry struct {
	ID                  string                   `yaml:"id"`
	Name                string                   `yaml:"name"`
	Description         string                   `yaml:"description"`
	Kind                string                   `yaml:"kind"`
	RequiredPermissions []string                 `yaml:"required_permissions"`
	Timeout             time.Duration            `yaml:"timeout"`
	MaxRetries          int                      `yaml:"max_retries"`
	RateLimit           *sandbox.RateLimitPolicy `yaml:"rate_limit"`
	Dangerous           bool                     `yaml:"dangerous"`
	InputSchema         map[string]any           `yaml:"input_schema"`

	// http
	Endpoint        string            `yaml:"endpoint"`
	Variables       map[string]string `yaml:"variables"`
	Headers         map[string]string `yaml:"headers"`
	Auth            AuthEntry         `yaml:"auth"`
	MaxResponseSize int64             `yaml:"max_response_size"`

	// sleep
	Sleep time.Duration `yaml:"sleep"`

	// fail
	Message string `yaml:"message"`
}

// AuthEntry configures upstream credentials for http tools. Key and header
// values may be stored encrypted with the "enc:" prefix.
type AuthEntry struct {
	Type       string `yaml:"type"`
	Key        string `yaml:"key"`
	HeaderName string `yaml:"header_name"`
	ParamName  string `yaml:"param_name"`
}
