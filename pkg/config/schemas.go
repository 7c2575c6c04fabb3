package config

import (
	"embed"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

//go:embed schemas/*.cue
var schemaFS embed.FS

// Built-in schema definitions.
const (
	SchemaPlan     = "#PlanSpec"
	SchemaDelivery = "#DeliverySpec"
)

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a schema registry holding every definition of
// the embedded schema files.
func NewSchemaRegistry(ctx *cue.Context) (*SchemaRegistry, error) {
	if ctx == nil {
		ctx = cuecontext.New()
	}
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}

	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, fmt.Errorf("failed to read built-in schemas: %w", err)
	}
	for _, entry := range entries {
		name := path.Join("schemas", entry.Name())
		src, err := schemaFS.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("failed to read schema %s: %w", name, err)
		}
		if err := sr.RegisterSchemas(name, string(src)); err != nil {
			return nil, err
		}
	}
	return sr, nil
}

// RegisterSchemas compiles CUE source and registers each of its top-level
// definitions under its name, e.g. "#PlanSpec".
func (sr *SchemaRegistry) RegisterSchemas(filename, src string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(src, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", filename, err)
	}

	iter, err := val.Fields(cue.Definitions(true))
	if err != nil {
		return fmt.Errorf("failed to list definitions of %s: %w", filename, err)
	}
	for iter.Next() {
		label := iter.Selector().String()
		if strings.HasPrefix(label, "#") {
			sr.schemas[label] = iter.Value()
		}
	}
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Validate unifies a CUE value with the named schema and returns the
// result, or every violation found.
func (sr *SchemaRegistry) Validate(schemaName string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", schemaName)
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}
	return unified, nil
}

// ValidateData encodes Go data, such as a decoded YAML document, and
// validates it against the named schema.
func (sr *SchemaRegistry) ValidateData(schemaName string, data interface{}) (cue.Value, error) {
	val := sr.ctx.Encode(data)
	if err := val.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("failed to encode data: %w", err)
	}
	return sr.Validate(schemaName, val)
}

// ListSchemas returns all registered schema names in order.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
