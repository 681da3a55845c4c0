// Package jsonschema validates JSON documents against a JSON Schema.
package jsonschema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ValidationErrors represents a collection of validation errors
type ValidationErrors []error

// Error implements the error interface for ValidationErrors
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return ""
	}

	var sb strings.Builder
	for i, err := range ve {
		if i > 0 {
			sb.WriteString("; ")
		}
		sb.WriteString(err.Error())
	}
	return sb.String()
}

// LeafError is a single schema violation at a JSON pointer location.
type LeafError struct {
	// Location is the JSON pointer of the offending value ("" for the root)
	Location string
	Message  string
}

func (e *LeafError) Error() string {
	loc := e.Location
	if loc == "" {
		loc = "/"
	}
	return fmt.Sprintf("validation error at %s: %s", loc, e.Message)
}

// Schema is a compiled JSON Schema. It is safe for concurrent use.
type Schema struct {
	name   string
	schema *jsonschema.Schema
}

// Compile compiles schema under the given resource name.
func Compile(name string, schema []byte) (*Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	if err := compiler.AddResource(name, bytes.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	compiled, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	return &Schema{name: name, schema: compiled}, nil
}

// MustCompile is like Compile but panics on error. It is meant for embedded
// schemas.
func MustCompile(name string, schema []byte) *Schema {
	s, err := Compile(name, schema)
	if err != nil {
		panic(err)
	}
	return s
}

// Validate checks a decoded document (as produced by encoding/json or
// ToJSONCompatible) and returns every leaf error, or nil when it is valid.
func (s *Schema) Validate(doc any) ValidationErrors {
	err := s.schema.Validate(doc)
	if err == nil {
		return nil
	}

	var verr *jsonschema.ValidationError
	if errors.As(err, &verr) {
		return extractValidationErrors(verr)
	}
	return ValidationErrors{err}
}

// ValidateJSON decodes data and validates it.
func (s *Schema) ValidateJSON(data []byte) ValidationErrors {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return ValidationErrors{fmt.Errorf("invalid JSON: %w", err)}
	}
	return s.Validate(doc)
}

// Validate validates a JSON string against a JSON Schema.
// It returns an error only when the schema or the JSON cannot be parsed.
func Validate(jsonStr, schemaStr string) (bool, error) {
	schema, err := Compile("schema.json", []byte(schemaStr))
	if err != nil {
		return false, err
	}

	var doc any
	if err := json.Unmarshal([]byte(jsonStr), &doc); err != nil {
		return false, fmt.Errorf("invalid JSON: %w", err)
	}
	return schema.Validate(doc) == nil, nil
}

// ToJSONCompatible converts a YAML-decoded value into the shapes
// encoding/json produces: map[string]any objects and float64 numbers.
func ToJSONCompatible(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = ToJSONCompatible(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = ToJSONCompatible(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = ToJSONCompatible(val)
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case uint64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}

// extractValidationErrors flattens a jsonschema.ValidationError into its
// leaf errors, sorted by instance location.
func extractValidationErrors(err *jsonschema.ValidationError) ValidationErrors {
	var leaves []*jsonschema.ValidationError
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			leaves = append(leaves, e)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(err)

	sort.SliceStable(leaves, func(i, j int) bool {
		return leaves[i].InstanceLocation < leaves[j].InstanceLocation
	})

	out := make(ValidationErrors, 0, len(leaves))
	for _, l := range leaves {
		out = append(out, &LeafError{Location: l.InstanceLocation, Message: l.Message})
	}
	return out
}
