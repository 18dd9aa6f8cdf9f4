package persistence

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// DefaultTenantSettingsName is the schema registered by default for the
// tenants.settings document.
const DefaultTenantSettingsName = "tenant-settings"

// defaultTenantSettingsSchema bounds what operators may put into the
// settings document. Additional keys are allowed; known keys are typed.
const defaultTenantSettingsSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "branding": {
      "type": "object",
      "properties": {
        "primary_color": {"type": "string", "pattern": "^#[0-9a-fA-F]{6}$"},
        "logo_url": {"type": "string"}
      }
    },
    "locale": {"type": "string", "minLength": 2},
    "timezone": {"type": "string"},
    "features": {
      "type": "object",
      "additionalProperties": {"type": "boolean"}
    },
    "max_guests": {"type": "integer", "minimum": 0}
  }
}`

// SettingsValidator validates tenant settings documents against JSON Schemas
// compiled via santhosh-tekuri/jsonschema. Compiled schemas are cached per
// registered name.
type SettingsValidator struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
	defs  map[string][]byte
}

// NewSettingsValidator returns a validator with the default tenant settings
// schema already registered.
func NewSettingsValidator() *SettingsValidator {
	v := &SettingsValidator{
		cache: make(map[string]*jsonschema.Schema),
		defs:  make(map[string][]byte),
	}
	v.defs[DefaultTenantSettingsName] = []byte(defaultTenantSettingsSchema)
	return v
}

// Register adds or replaces a named schema definition. The definition is
// compiled lazily on first Validate.
func (v *SettingsValidator) Register(name string, definition []byte) error {
	if name == "" {
		return fmt.Errorf("schema name is required")
	}
	if !json.Valid(definition) {
		return fmt.Errorf("schema %s: definition is not valid json", name)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.defs[name] = definition
	delete(v.cache, name)
	return nil
}

// Validate ensures the payload matches the named schema.
func (v *SettingsValidator) Validate(name string, payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("payload is required for validation")
	}

	compiled, err := v.getOrCompile(name)
	if err != nil {
		return err
	}

	var document any
	if err := json.Unmarshal(payload, &document); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}

	if err := compiled.Validate(document); err != nil {
		return fmt.Errorf("settings validation: %w", err)
	}

	return nil
}

func (v *SettingsValidator) getOrCompile(name string) (*jsonschema.Schema, error) {
	v.mu.RLock()
	compiled, ok := v.cache[name]
	v.mu.RUnlock()
	if ok {
		return compiled, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	// another goroutine may have populated the cache while we were waiting
	if compiled, ok = v.cache[name]; ok {
		return compiled, nil
	}

	definition, ok := v.defs[name]
	if !ok {
		return nil, fmt.Errorf("schema %s is not registered", name)
	}

	key := "memory://settings/" + name
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(key, bytes.NewReader(definition)); err != nil {
		return nil, fmt.Errorf("register schema %s: %w", name, err)
	}

	newCompiled, err := compiler.Compile(key)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}

	v.cache[name] = newCompiled
	return newCompiled, nil
}
