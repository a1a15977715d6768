package schema

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// ValidationError reports why a row failed its contract. Quarantined
// rows carry this in the validation_errors audit table.
type ValidationError struct {
	Mode       Mode
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("schema validation (%s mode): %s", e.Mode, strings.Join(e.Violations, "; "))
}

var compiled sync.Map // *Contract -> *gojsonschema.Schema

// Validate checks a row against the contract. Fixed and observed
// contracts reject undeclared fields; flexible passes them through;
// dynamic accepts everything.
func (c *Contract) Validate(row map[string]any) error {
	if c.Mode == ModeDynamic {
		return nil
	}

	schema, err := c.compiledSchema()
	if err != nil {
		return err
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(row))
	if err != nil {
		return fmt.Errorf("validating row: %w", err)
	}

	if result.Valid() {
		return nil
	}

	violations := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		violations = append(violations, desc.String())
	}

	sort.Strings(violations)

	return &ValidationError{Mode: c.Mode, Violations: violations}
}

func (c *Contract) compiledSchema() (*gojsonschema.Schema, error) {
	if cached, ok := compiled.Load(c); ok {
		return cached.(*gojsonschema.Schema), nil
	}

	doc := c.jsonSchemaDoc()

	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("compiling contract schema: %w", err)
	}

	compiled.Store(c, schema)

	return schema, nil
}

func (c *Contract) jsonSchemaDoc() map[string]any {
	properties := make(map[string]any, len(c.Fields))
	required := make([]string, 0, len(c.Fields))

	for _, f := range c.Fields {
		properties[f.Name] = fieldSchema(f)

		if f.Required {
			required = append(required, f.Name)
		}
	}

	sort.Strings(required)

	doc := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": c.AllowsExtraFields(),
	}

	if len(required) > 0 {
		doc["required"] = required
	}

	return doc
}

func fieldSchema(f Field) map[string]any {
	var jsonType string

	switch f.Type {
	case TypeString:
		jsonType = "string"
	case TypeInt:
		jsonType = "integer"
	case TypeFloat:
		jsonType = "number"
	case TypeBool:
		jsonType = "boolean"
	case TypeAny:
		return map[string]any{}
	}

	if !f.Required {
		// Optional fields may be explicitly null.
		return map[string]any{"type": []string{jsonType, "null"}}
	}

	return map[string]any{"type": jsonType}
}
