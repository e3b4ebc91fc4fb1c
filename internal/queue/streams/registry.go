package streams

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// schemaKey identifies one payload contract: an event type at a version.
type schemaKey struct {
	eventType string
	version   string
}

func (k schemaKey) resource() string {
	return k.eventType + "@" + k.version + ".json"
}

// SchemaRegistry holds the compiled payload schemas for every event the wire
// carries. Producers validate before publishing, consumers after decoding, so
// a payload that drifts from its contract is caught on both sides.
type SchemaRegistry struct {
	mu       sync.RWMutex
	compiled map[schemaKey]*jsonschema.Schema
}

// NewSchemaRegistry constructs an empty registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{compiled: make(map[schemaKey]*jsonschema.Schema)}
}

// Register compiles raw schema bytes and binds them to the event type at the
// given version, replacing any schema already bound there.
func (r *SchemaRegistry) Register(eventType, version string, raw []byte) error {
	switch {
	case eventType == "":
		return fmt.Errorf("register schema: event type is required")
	case version == "":
		return fmt.Errorf("register schema: version is required")
	case len(raw) == 0:
		return fmt.Errorf("register schema %s/%s: schema bytes are empty", eventType, version)
	}

	key := schemaKey{eventType: eventType, version: version}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(key.resource(), bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("add schema resource %s: %w", key.resource(), err)
	}
	compiled, err := compiler.Compile(key.resource())
	if err != nil {
		return fmt.Errorf("compile schema %s: %w", key.resource(), err)
	}

	r.mu.Lock()
	r.compiled[key] = compiled
	r.mu.Unlock()
	return nil
}

// Known reports whether a schema is registered for the event type at the
// given version.
func (r *SchemaRegistry) Known(eventType, version string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.compiled[schemaKey{eventType: eventType, version: version}]
	return ok
}

// Validate checks payload bytes against the schema registered for the event
// type at the given version. An unregistered pair is an error: unvalidated
// payloads never pass silently.
func (r *SchemaRegistry) Validate(eventType, version string, payload []byte) error {
	r.mu.RLock()
	schema, ok := r.compiled[schemaKey{eventType: eventType, version: version}]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no schema registered for %s/%s", eventType, version)
	}
	if len(payload) == 0 {
		return fmt.Errorf("validate %s/%s: payload is empty", eventType, version)
	}

	var doc interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("validate %s/%s: decode payload: %w", eventType, version, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("payload %s/%s rejected: %w", eventType, version, err)
	}
	return nil
}
