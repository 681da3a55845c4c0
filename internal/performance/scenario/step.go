// Package scenario describes the scripted steps a VU runs per iteration and
// executes them against the target.
package scenario

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// ErrInvalidStep is returned for malformed step descriptors.
var ErrInvalidStep = errors.New("invalid step")

// placeholderPattern matches {{name}} with optional inner whitespace.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)

// Vars is the iteration-local variable store a step reads from and writes to.
// *performance.VirtualUser implements it.
type Vars interface {
	SetData(key string, value any)
	GetData(key string) (any, bool)
}

// StatusSet is a list of accepted HTTP status codes.
type StatusSet []int

// Contains reports whether code is in the set.
func (s StatusSet) Contains(code int) bool {
	for _, c := range s {
		if c == code {
			return true
		}
	}
	return false
}

// RequestTemplate describes the HTTP request of a step.
//
// Path placeholders are replaced with the query-escaped string form of the
// variable. Body placeholders are replaced with the JSON encoding of the
// variable, or null when it is absent, so a body template is written with
// bare placeholders: {"pull_request_id":{{pr_id}}}.
type RequestTemplate struct {
	Method string
	Path   string
	Body   string
}

// Extraction captures a value from a response body into a variable.
type Extraction struct {
	// Var receives the extracted value
	Var string

	// Path is a gjson path (or a $-rooted JSONPath) into the body
	Path string

	// OnStatus limits extraction to these statuses (empty = the accepted set)
	OnStatus StatusSet
}

// LocalFunc is the body of a step that sends no request.
type LocalFunc func(vars Vars) error

// Step is one entry of a scenario. Exactly one of Local and Request is set.
type Step struct {
	Name    string
	Local   LocalFunc
	Request *RequestTemplate
	Accept  StatusSet
	Extract *Extraction

	// Check names the checks sample recorded for this step
	Check string
}

// IsLocal reports whether the step runs without a request.
func (s Step) IsLocal() bool {
	return s.Local != nil
}

// Validate checks the descriptor is complete and its body template renders
// to valid JSON.
func (s Step) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidStep)
	}
	if s.Check == "" {
		return fmt.Errorf("%w: step %q: check name is required", ErrInvalidStep, s.Name)
	}
	if (s.Local == nil) == (s.Request == nil) {
		return fmt.Errorf("%w: step %q: exactly one of local or request must be set", ErrInvalidStep, s.Name)
	}
	if s.IsLocal() {
		if s.Extract != nil {
			return fmt.Errorf("%w: step %q: local steps cannot extract", ErrInvalidStep, s.Name)
		}
		return nil
	}

	switch s.Request.Method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return fmt.Errorf("%w: step %q: unsupported method %q", ErrInvalidStep, s.Name, s.Request.Method)
	}
	if !strings.HasPrefix(s.Request.Path, "/") {
		return fmt.Errorf("%w: step %q: path must start with /", ErrInvalidStep, s.Name)
	}
	if len(s.Accept) == 0 {
		return fmt.Errorf("%w: step %q: accepted statuses are required", ErrInvalidStep, s.Name)
	}
	if s.Request.Body != "" {
		body, err := RenderBody(s.Request.Body, func(string) (any, bool) { return "x", true })
		if err != nil {
			return fmt.Errorf("%w: step %q: %v", ErrInvalidStep, s.Name, err)
		}
		if !json.Valid(body) {
			return fmt.Errorf("%w: step %q: body template is not valid JSON", ErrInvalidStep, s.Name)
		}
	}
	if s.Extract != nil && (s.Extract.Var == "" || s.Extract.Path == "") {
		return fmt.Errorf("%w: step %q: extraction needs var and path", ErrInvalidStep, s.Name)
	}
	return nil
}

// Lookup resolves a template variable.
type Lookup func(name string) (any, bool)

// LookupVars adapts a Vars store to a Lookup.
func LookupVars(v Vars) Lookup {
	return v.GetData
}

// RenderPath substitutes placeholders in a path template. Absent variables
// render as an empty string.
func RenderPath(tmpl string, lookup Lookup) string {
	return placeholderPattern.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := placeholderPattern.FindStringSubmatch(m)[1]
		v, ok := lookup(name)
		if !ok || v == nil {
			return ""
		}
		return url.QueryEscape(fmt.Sprint(v))
	})
}

// RenderBody substitutes placeholders in a JSON body template. Absent
// variables render as null.
func RenderBody(tmpl string, lookup Lookup) ([]byte, error) {
	var renderErr error
	out := placeholderPattern.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := placeholderPattern.FindStringSubmatch(m)[1]
		v, ok := lookup(name)
		if !ok {
			return "null"
		}
		b, err := json.Marshal(v)
		if err != nil {
			if renderErr == nil {
				renderErr = fmt.Errorf("render %s: %w", name, err)
			}
			return "null"
		}
		return string(b)
	})
	if renderErr != nil {
		return nil, renderErr
	}
	return []byte(out), nil
}
