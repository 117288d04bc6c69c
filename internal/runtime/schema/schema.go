// Package schema holds the event schema registry. Payloads are validated
// against JSON-Schema documents before publishing.
package schema

import (
	"fmt"
	"sync"
	"time"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/flowbus/flowbus/internal/runtime/errors"
	"github.com/flowbus/flowbus/internal/runtime/jsoncodec"
)

// DefaultVersion applies when a schema or publish call does not name one.
const DefaultVersion = "1"

// Schema describes one event type+version: its validation document and the
// delivery defaults the publisher uses.
type Schema struct {
	EventType  string
	Version    string
	Definition []byte
	Exchange   string
	RoutingKey string
	TTL        time.Duration
	Priority   int
	Persistent bool
	Active     bool

	compiled *openapi3.Schema
}

type schemaKey struct {
	eventType string
	version   string
}

// Registry is the in-memory schema registry, keyed by (event type, version).
type Registry struct {
	mu      sync.RWMutex
	schemas map[schemaKey]*Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[schemaKey]*Schema)}
}

// Register compiles and stores a schema. Re-registering the same
// (event type, version) replaces the previous document.
func (r *Registry) Register(s Schema) error {
	if s.EventType == "" {
		return errors.ErrEventTypeRequired
	}
	if s.Version == "" {
		s.Version = DefaultVersion
	}

	if len(s.Definition) > 0 {
		compiled := &openapi3.Schema{}
		if err := compiled.UnmarshalJSON(s.Definition); err != nil {
			return fmt.Errorf("flowbus: invalid schema for %s v%s: %w", s.EventType, s.Version, err)
		}
		s.compiled = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[schemaKey{eventType: s.EventType, version: s.Version}] = &s
	return nil
}

// MustRegister registers a schema built from a plain map definition and
// panics on error. Intended for process-startup wiring.
func (r *Registry) MustRegister(eventType, version string, definition map[string]any) {
	raw, err := jsoncodec.Marshal(definition)
	if err != nil {
		panic(err)
	}
	if err := r.Register(Schema{
		EventType:  eventType,
		Version:    version,
		Definition: raw,
		Active:     true,
	}); err != nil {
		panic(err)
	}
}

// Lookup returns the active schema for (eventType, version), if registered.
func (r *Registry) Lookup(eventType, version string) (*Schema, bool) {
	if version == "" {
		version = DefaultVersion
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.schemas[schemaKey{eventType: eventType, version: version}]
	if !ok || !s.Active {
		return nil, false
	}
	return s, true
}

// Validate checks data against the registered schema. With enforce set, a
// missing schema is a SchemaNotFoundError; otherwise missing schemas pass.
// Payloads failing the document yield a ValidationError.
func (r *Registry) Validate(eventType, version string, data map[string]any, enforce bool) error {
	s, ok := r.Lookup(eventType, version)
	if !ok {
		if enforce {
			return &errors.SchemaNotFoundError{EventType: eventType, Version: version}
		}
		return nil
	}
	return s.ValidateData(data)
}

// ValidateData checks a payload against this schema's document.
func (s *Schema) ValidateData(data map[string]any) error {
	if s.compiled == nil {
		return nil
	}
	// VisitJSON wants generic JSON values, so round-trip the payload.
	raw, err := jsoncodec.Marshal(data)
	if err != nil {
		return &errors.ValidationError{EventType: s.EventType, Cause: err}
	}
	var value any
	if err := jsoncodec.Unmarshal(raw, &value); err != nil {
		return &errors.ValidationError{EventType: s.EventType, Cause: err}
	}
	if err := s.compiled.VisitJSON(value); err != nil {
		return &errors.ValidationError{EventType: s.EventType, Cause: err}
	}
	return nil
}
