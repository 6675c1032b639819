package events

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Validator checks events against the embedded contracts, one schema per
// event type.
type Validator struct {
	schemas map[Type]*jsonschema.Schema
}

// NewValidator compiles every embedded schema.
func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true

	files, err := fs.Glob(schemaFS, "schemas/*.json")
	if err != nil {
		return nil, fmt.Errorf("list schemas: %w", err)
	}
	for _, name := range files {
		f, err := schemaFS.Open(name)
		if err != nil {
			return nil, fmt.Errorf("open schema %s: %w", name, err)
		}
		err = compiler.AddResource(name, f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
	}

	v := &Validator{schemas: make(map[Type]*jsonschema.Schema, len(files))}
	for _, name := range files {
		schema, err := compiler.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		v.schemas[Type(strings.TrimSuffix(path.Base(name), ".json"))] = schema
	}
	return v, nil
}

// Validate round-trips e through JSON and checks it against its type's
// schema.
func (v *Validator) Validate(e Event) error {
	schema, ok := v.schemas[e.Type]
	if !ok {
		return fmt.Errorf("no schema for event type %q", e.Type)
	}
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("unmarshal event: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("event %s failed schema validation: %w", e.Type, err)
	}
	return nil
}
