// Package jsonpath extracts values from JSON response bodies.
package jsonpath

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	// ErrNotFound is returned when the path matches nothing.
	ErrNotFound = errors.New("path not found")

	// ErrInvalidJSON is returned when the body is not valid JSON.
	ErrInvalidJSON = errors.New("invalid JSON")
)

// Extract returns the value at path as a Go value: string, float64, bool,
// nil for JSON null, or map[string]any / []any for objects and arrays.
//
// Paths may be JSONPath ($.assigned_reviewers[0]) or gjson syntax
// (assigned_reviewers.0).
func Extract(body []byte, path string) (any, error) {
	res, err := lookup(body, path)
	if err != nil {
		return nil, err
	}
	return res.Value(), nil
}

func lookup(body []byte, path string) (gjson.Result, error) {
	if len(body) == 0 {
		return gjson.Result{}, fmt.Errorf("%w: empty body", ErrInvalidJSON)
	}
	if path == "" {
		return gjson.Result{}, fmt.Errorf("empty path")
	}
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, ErrInvalidJSON
	}

	res := gjson.GetBytes(body, ToGjsonPath(path))
	if !res.Exists() {
		return gjson.Result{}, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return res, nil
}

// ToGjsonPath converts a JSONPath expression to gjson syntax. Paths already
// in gjson syntax pass through unchanged.
func ToGjsonPath(path string) string {
	if !strings.HasPrefix(path, "$") {
		return path
	}

	path = strings.TrimPrefix(path, "$")
	if path == "" {
		return "@this"
	}
	path = strings.TrimPrefix(path, ".")

	// $['name'] and $["name"]
	for _, quote := range []string{"'", "\""} {
		path = strings.ReplaceAll(path, "["+quote, ".")
		path = strings.ReplaceAll(path, quote+"]", "")
	}

	// [n] → .n
	path = strings.ReplaceAll(path, "[", ".")
	path = strings.ReplaceAll(path, "]", "")
	return strings.TrimPrefix(path, ".")
}
