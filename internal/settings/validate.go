package settings

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Field describes one settings-schema entry from an extension manifest.
type Field struct {
	Type        string
	Default     interface{}
	Description string
}

// ValidationError reports settings values rejected by the schema.
type ValidationError struct {
	Extension string
	Problems  []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid settings for %q: %s",
		e.Extension, strings.Join(e.Problems, "; "))
}

// Validate checks candidate values against the extension's declared schema.
// Unknown keys and type mismatches are rejected; missing keys are fine (the
// defaults cover them).
func Validate(extension string, schema map[string]Field, values map[string]interface{}) error {
	if len(schema) == 0 {
		if len(values) == 0 {
			return nil
		}
		return &ValidationError{
			Extension: extension,
			Problems:  []string{"extension declares no settings"},
		}
	}

	doc, err := schemaDocument(schema)
	if err != nil {
		return fmt.Errorf("compiling settings schema for %q: %w", extension, err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(doc),
		gojsonschema.NewGoLoader(values),
	)
	if err != nil {
		return fmt.Errorf("validating settings for %q: %w", extension, err)
	}
	if result.Valid() {
		return nil
	}

	verr := &ValidationError{Extension: extension}
	for _, desc := range result.Errors() {
		verr.Problems = append(verr.Problems, desc.String())
	}
	return verr
}

// Defaults extracts the default values declared by a schema.
func Defaults(schema map[string]Field) map[string]interface{} {
	defaults := make(map[string]interface{})
	for key, field := range schema {
		if field.Default != nil {
			defaults[key] = field.Default
		}
	}
	return defaults
}

// schemaDocument renders the manifest schema as a JSON Schema object.
func schemaDocument(schema map[string]Field) ([]byte, error) {
	properties := make(map[string]interface{}, len(schema))
	for key, field := range schema {
		prop := map[string]interface{}{"type": field.Type}
		if field.Description != "" {
			prop["description"] = field.Description
		}
		properties[key] = prop
	}
	return json.Marshal(map[string]interface{}{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	})
}
