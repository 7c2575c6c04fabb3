package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/preservo/preservo/pkg/engine"
)

// SpecParser reads plan and delivery spec files. YAML and JSON documents
// are checked against the built-in CUE schemas, .cue files are unified
// with them, and the decoded spec is then checked by its struct tags.
type SpecParser struct {
	ctx       *cue.Context
	schemas   *SchemaRegistry
	validator *validator.Validate
}

// NewSpecParser creates a parser with the built-in schemas.
func NewSpecParser() (*SpecParser, error) {
	ctx := cuecontext.New()
	schemas, err := NewSchemaRegistry(ctx)
	if err != nil {
		return nil, err
	}
	return &SpecParser{
		ctx:       ctx,
		schemas:   schemas,
		validator: validator.New(validator.WithRequiredStructEnabled()),
	}, nil
}

// Schemas returns the schema registry.
func (sp *SpecParser) Schemas() *SchemaRegistry {
	return sp.schemas
}

// LoadPlanSpec reads a migration plan spec file.
func (sp *SpecParser) LoadPlanSpec(path string) (*engine.PlanSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return sp.ParsePlanSpec(path, data)
}

// ParsePlanSpec parses a migration plan spec. The filename extension picks
// the syntax.
func (sp *SpecParser) ParsePlanSpec(filename string, data []byte) (*engine.PlanSpec, error) {
	var spec engine.PlanSpec
	if err := sp.parse(filename, data, SchemaPlan, &spec); err != nil {
		return nil, err
	}
	return &spec, nil
}

// LoadDeliverySpec reads a delivery spec file.
func (sp *SpecParser) LoadDeliverySpec(path string) (*engine.DeliverySpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return sp.ParseDeliverySpec(path, data)
}

// ParseDeliverySpec parses a delivery spec.
func (sp *SpecParser) ParseDeliverySpec(filename string, data []byte) (*engine.DeliverySpec, error) {
	var spec engine.DeliverySpec
	if err := sp.parse(filename, data, SchemaDelivery, &spec); err != nil {
		return nil, err
	}
	return &spec, nil
}

func (sp *SpecParser) parse(filename string, data []byte, schema string, out interface{}) error {
	val, err := sp.compile(filename, data)
	if err != nil {
		return err
	}

	unified, err := sp.schemas.Validate(schema, val)
	if err != nil {
		return err
	}

	if err := unified.Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", filename, err)
	}
	if err := sp.validator.Struct(out); err != nil {
		return fmt.Errorf("%s: validation failed: %w", filename, err)
	}
	return nil
}

// compile turns a spec document into a CUE value.
func (sp *SpecParser) compile(filename string, data []byte) (cue.Value, error) {
	switch filepath.Ext(filename) {
	case ".cue":
		val := sp.ctx.CompileBytes(data, cue.Filename(filename))
		if err := val.Err(); err != nil {
			return cue.Value{}, convertCUEErrors(err)
		}
		return val, nil

	case ".yaml", ".yml", ".json", "":
		var doc map[string]interface{}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&doc); err != nil {
			return cue.Value{}, fmt.Errorf("failed to parse %s: %w", filename, err)
		}
		val := sp.ctx.Encode(doc)
		if err := val.Err(); err != nil {
			return cue.Value{}, fmt.Errorf("failed to encode %s: %w", filename, err)
		}
		return val, nil

	default:
		return cue.Value{}, fmt.Errorf("unsupported spec file type: %s", filename)
	}
}

// convertCUEErrors converts CUE errors to ValidationErrors.
func convertCUEErrors(err error) ValidationErrors {
	var out ValidationErrors
	for _, e := range errors.Errors(err) {
		ve := ValidationError{Message: e.Error()}
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		ve.Path = strings.Join(e.Path(), ".")
		out = append(out, ve)
	}
	return out
}
