package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Factory describes how to construct one adapter type. ConfigSchema is a JSON
// Schema document the adapter's Settings must satisfy; an empty schema accepts
// any settings document.
type Factory struct {
	New          func() Adapter
	ConfigSchema []byte
}

// Registry maps provider type tags to adapter factories. It is explicitly
// constructed and injected; nothing in this package holds package-level state.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	schemas   map[string]*jsonschema.Schema
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		schemas:   make(map[string]*jsonschema.Schema),
	}
}

// Register adds a factory under the given type tag, compiling its config
// schema eagerly so misconfigured adapters fail at wiring time, not mid-run.
func (r *Registry) Register(typeTag string, f Factory) error {
	if typeTag == "" {
		return fmt.Errorf("provider type tag is required")
	}
	if f.New == nil {
		return fmt.Errorf("provider %s: constructor is required", typeTag)
	}

	var compiled *jsonschema.Schema
	if len(f.ConfigSchema) > 0 {
		compiler := jsonschema.NewCompiler()
		resource := typeTag + "-config.json"
		if err := compiler.AddResource(resource, bytes.NewReader(f.ConfigSchema)); err != nil {
			return fmt.Errorf("provider %s: register config schema: %w", typeTag, err)
		}
		var err error
		compiled, err = compiler.Compile(resource)
		if err != nil {
			return fmt.Errorf("provider %s: compile config schema: %w", typeTag, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[typeTag]; exists {
		return fmt.Errorf("provider %s: already registered", typeTag)
	}
	r.factories[typeTag] = f
	if compiled != nil {
		r.schemas[typeTag] = compiled
	}
	return nil
}

// New constructs an uninitialized adapter for the type tag after validating
// the settings document against the registered config schema.
func (r *Registry) New(typeTag string, settings json.RawMessage) (Adapter, error) {
	r.mu.RLock()
	f, ok := r.factories[typeTag]
	schema := r.schemas[typeTag]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unsupported provider type: %s", typeTag)
	}

	if schema != nil {
		var document any
		if len(settings) == 0 {
			settings = []byte("{}")
		}
		if err := json.Unmarshal(settings, &document); err != nil {
			return nil, fmt.Errorf("provider %s: decode settings: %w", typeTag, err)
		}
		if err := schema.Validate(document); err != nil {
			return nil, fmt.Errorf("provider %s: invalid settings: %w", typeTag, err)
		}
	}

	return f.New(), nil
}

// Has reports whether a type tag is registered.
func (r *Registry) Has(typeTag string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[typeTag]
	return ok
}

// Types returns the registered type tags sorted for stable output.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.factories))
	for tag := range r.factories {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}
