package registry

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Validation errors returned by Validate.
var (
	ErrIDRequired       = errors.New("id is required")
	ErrIDInvalid        = errors.New("id may only contain letters, digits, '.', '_' and '-'")
	ErrIDDuplicate      = errors.New("id is declared more than once")
	ErrKindInvalid      = errors.New("kind must be one of: echo, sleep, fail, http")
	ErrEndpointInvalid  = errors.New("endpoint must be a valid http(s) URL")
	ErrAuthTypeInvalid  = errors.New("auth.type must be one of: none, bearer, header, query")
	ErrAuthIncomplete   = errors.New("auth is missing key or header_name")
	ErrVariablesMissing = errors.New("variables do not satisfy all endpoint placeholders")
	ErrTimeoutInvalid   = errors.New("timeout must not be negative")
	ErrRetriesInvalid   = errors.New("max_retries must not be negative")
	ErrRateLimitInvalid = errors.New("rate_limit values must not be negative")
	ErrSleepInvalid     = errors.New("sleep must not be negative")
)

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,128}$`)

var validKinds = map[string]bool{
	KindEcho:  true,
	KindSleep: true,
	KindFail:  true,
	KindHTTP:  true,
}

var validAuthTypes = map[string]bool{
	"none":   true,
	"bearer": true,
	"header": true,
	"query":  true,
}

// ValidationError ties a validation failure to the catalog entry it came from.
type ValidationError struct {
	Index int
	ID    string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("tools[%d] (%s): %v", e.Index, e.ID, e.Err)
	}
	return fmt.Sprintf("tools[%d]: %v", e.Index, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Validate checks every entry and reports the first problem found.
func (c *Catalog) Validate() error {
	seen := make(map[string]bool, len(c.Tools))
	for i := range c.Tools {
		e := &c.Tools[i]
		if err := validateEntry(e); err != nil {
			return &ValidationError{Index: i, ID: e.ID, Err: err}
		}
		if seen[e.ID] {
			return &ValidationError{Index: i, ID: e.ID, Err: ErrIDDuplicate}
		}
		seen[e.ID] = true
	}
	return nil
}

// applyDefaults fills in optional fields.
func (e *Entry) applyDefaults() {
	if e.Kind == "" {
		e.Kind = KindEcho
	}
	if e.Auth.Type == "" {
		e.Auth.Type = "none"
	}
	if e.Name == "" {
		e.Name = e.ID
	}
}

func validateEntry(e *Entry) error {
	if strings.TrimSpace(e.ID) == "" {
		return ErrIDRequired
	}
	if !idPattern.MatchString(e.ID) {
		return ErrIDInvalid
	}
	if !validKinds[e.Kind] {
		return ErrKindInvalid
	}
	if e.Timeout < 0 {
		return ErrTimeoutInvalid
	}
	if e.MaxRetries < 0 {
		return ErrRetriesInvalid
	}
	if rl := e.RateLimit; rl != nil {
		if rl.RequestsPerMinute < 0 || rl.RequestsPerHour < 0 || rl.RequestsPerDay < 0 || rl.Burst < 0 {
			return ErrRateLimitInvalid
		}
	}

	switch e.Kind {
	case KindHTTP:
		if err := validateHTTPEndpoint(e.Endpoint, e.Variables); err != nil {
			return err
		}
		if !validAuthTypes[e.Auth.Type] {
			return ErrAuthTypeInvalid
		}
		if e.Auth.Type != "none" && e.Auth.Key == "" {
			return ErrAuthIncomplete
		}
		if e.Auth.Type == "header" && e.Auth.HeaderName == "" {
			return ErrAuthIncomplete
		}
	case KindSleep:
		if e.Sleep < 0 {
			return ErrSleepInvalid
		}
	}
	return nil
}

// validateHTTPEndpoint resolves the endpoint template and checks the result.
func validateHTTPEndpoint(endpoint string, variables map[string]string) error {
	if strings.TrimSpace(endpoint) == "" {
		return ErrEndpointInvalid
	}
	resolved, err := ResolveTemplate(endpoint, variables)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVariablesMissing, err)
	}
	u, err := url.Parse(resolved)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return ErrEndpointInvalid
	}
	return nil
}
