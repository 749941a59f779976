// Package registry loads the operator-written tool catalog and turns it into
// sandbox tool definitions.
package registry

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/alecgard/tollbooth/internal/crypto"
	"github.com/alecgard/tollbooth/internal/sandbox"
	"github.com/alecgard/tollbooth/internal/tools"
)

// Load reads a catalog file, expanding ${VAR} references from the
// environment, and validates it.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog file: %w", err)
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse decodes and validates catalog YAML. Unknown fields are rejected.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}

	for i := range c.Tools {
		c.Tools[i].applyDefaults()
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Builder binds catalog entries to callables.
type Builder struct {
	cipher  *crypto.Cipher
	client  *http.Client
	metrics tools.UpstreamMetrics
}

// NewBuilder creates a Builder. cipher may be nil when the catalog holds no
// sealed values.
func NewBuilder(cipher *crypto.Cipher) *Builder {
	return &Builder{cipher: cipher}
}

// SetHTTPClient sets the client shared by http tools.
func (b *Builder) SetHTTPClient(c *http.Client) {
	b.client = c
}

// SetMetrics sets the upstream metrics recorder for http tools.
func (b *Builder) SetMetrics(m tools.UpstreamMetrics) {
	b.metrics = m
}

// Build returns the sandbox definition for one entry.
func (b *Builder) Build(e Entry) (sandbox.ToolDefinition, error) {
	def := sandbox.ToolDefinition{
		ID:                  e.ID,
		Name:                e.Name,
		Description:         e.Description,
		RequiredPermissions: e.RequiredPermissions,
		Timeout:             e.Timeout,
		MaxRetries:          e.MaxRetries,
		RateLimit:           e.RateLimit,
		Dangerous:           e.Dangerous,
		InputSchema:         e.InputSchema,
	}

	switch e.Kind {
	case KindEcho:
		def.Func = tools.Echo()
	case KindSleep:
		def.Func = tools.Sleep(e.Sleep)
	case KindFail:
		def.Func = tools.Fail(e.Message)
	case KindHTTP:
		fn, err := b.buildHTTP(e)
		if err != nil {
			return sandbox.ToolDefinition{}, fmt.Errorf("tool %s: %w", e.ID, err)
		}
		def.Func = fn
	default:
		return sandbox.ToolDefinition{}, fmt.Errorf("tool %s: %w", e.ID, ErrKindInvalid)
	}
	return def, nil
}

func (b *Builder) buildHTTP(e Entry) (sandbox.Callable, error) {
	endpoint, err := ResolveTemplate(e.Endpoint, e.Variables)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVariablesMissing, err)
	}
	headers, err := b.cipher.OpenAll(e.Headers)
	if err != nil {
		return nil, fmt.Errorf("opening headers: %w", err)
	}
	key, err := b.cipher.Open(e.Auth.Key)
	if err != nil {
		return nil, fmt.Errorf("opening auth key: %w", err)
	}

	t := tools.NewHTTPTool(e.ID, endpoint, headers, tools.Auth{
		Type:       e.Auth.Type,
		Key:        key,
		HeaderName: e.Auth.HeaderName,
		ParamName:  e.Auth.ParamName,
	})
	if b.client != nil {
		t.SetClient(b.client)
	}
	if e.MaxResponseSize > 0 {
		t.SetMaxResponseSize(e.MaxResponseSize)
	}
	if b.metrics != nil {
		t.SetMetrics(b.metrics)
	}
	return t.Callable(), nil
}

// Registrar is the part of the sandbox the catalog is applied to.
type Registrar interface {
	RegisterTool(def sandbox.ToolDefinition) error
}

// Apply builds every catalog entry and registers it. Nothing is registered
// when any entry fails to build.
func (b *Builder) Apply(c *Catalog, reg Registrar) error {
	defs := make([]sandbox.ToolDefinition, 0, len(c.Tools))
	for _, e := range c.Tools {
		def, err := b.Build(e)
		if err != nil {
			return err
		}
		defs = append(defs, def)
	}

	for _, def := range defs {
		if err := reg.RegisterTool(def); err != nil {
			return fmt.Errorf("registering %s: %w", def.ID, err)
		}
	}
	slog.Info("tool catalog applied", "tools", len(defs))
	return nil
}
