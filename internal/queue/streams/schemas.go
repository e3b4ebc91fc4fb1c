package streams

import "fmt"

// Definition describes a schema entry managed by the registry.
type Definition struct {
	EventType string
	Version   string
	Schema    []byte
}

var baseDefinitions = []Definition{
	{
		EventType: "discovery.enqueued",
		Version:   "v1",
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["plexus_id", "trigger"],
  "properties": {
    "run_id": {"type": "string"},
    "plexus_id": {"type": "string", "minLength": 1},
    "trigger": {"type": "string", "enum": ["manual", "schedule", "recovery"]},
    "requested_at": {"type": "string", "format": "date-time"}
  },
  "additionalProperties": true
}`),
	},
	{
		EventType: "discovery.cancel",
		Version:   "v1",
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["run_id"],
  "properties": {
    "run_id": {"type": "string", "minLength": 1},
    "plexus_id": {"type": "string"},
    "reason": {"type": "string"}
  },
  "additionalProperties": true
}`),
	},
	{
		EventType: "discovery.completed",
		Version:   "v1",
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["run_id", "plexus_id", "status"],
  "properties": {
    "run_id": {"type": "string"},
    "plexus_id": {"type": "string"},
    "status": {"type": "string", "enum": ["completed", "failed", "cancelled"]},
    "repo_pairs_total": {"type": "integer", "minimum": 0},
    "repo_pairs_checked": {"type": "integer", "minimum": 0},
    "weaves_found": {"type": "integer", "minimum": 0},
    "pairs_skipped": {"type": "integer", "minimum": 0}
  },
  "additionalProperties": true
}`),
	},
}

// BaseDefinitions returns the built-in schema definitions.
func BaseDefinitions() []Definition {
	defs := make([]Definition, len(baseDefinitions))
	copy(defs, baseDefinitions)
	return defs
}

// RegisterBaseSchemas loads the baseline event schemas into the provided registry.
func RegisterBaseSchemas(reg *SchemaRegistry) error {
	if reg == nil {
		return fmt.Errorf("registry is nil")
	}
	for _, def := range baseDefinitions {
		if err := reg.Register(def.EventType, def.Version, def.Schema); err != nil {
			return fmt.Errorf("register %s %s: %w", def.EventType, def.Version, err)
		}
	}
	return nil
}
