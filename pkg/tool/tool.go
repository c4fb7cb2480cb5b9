// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tool defines the executable tool abstraction used by LLM
// phases and deterministic phases: the Tool interface, the registry, the
// validating executor, and declarative tool shapes (shell, http, func,
// composite).
package tool

import (
	"context"
	"encoding/json"
)

// Tool is the interface for invocable tools. Tools are the primary
// mechanism for agents to act on the world; each one encapsulates a
// single capability.
type Tool interface {
	// Name returns the tool's unique identifier
	Name() string

	// Description returns a human-readable description for model context
	Description() string

	// InputSchema returns the JSON Schema for tool arguments
	InputSchema() *JSONSchema

	// Execute runs the tool with validated arguments
	Execute(ctx context.Context, args map[string]interface{}) (*Result, error)
}

// ContextParamTool is implemented by tools that want runtime context
// parameters (names prefixed "_") injected into their arguments. Only
// declared names are supplied, and never overwrite caller-set values.
type ContextParamTool interface {
	Tool

	// ContextParams returns the context parameter names the tool accepts,
	// e.g. "_session_id", "_phase_name", "_outputs", "_state", "_trace_id".
	ContextParams() []string
}

// Result represents the outcome of tool execution. Reserved keys in a
// handler's returned map are lifted into the corresponding fields.
type Result struct {
	// Content is the JSON-compatible result payload
	Content interface{} `json:"content,omitempty"`

	// Images lists file paths of images produced by the tool
	Images []string `json:"images,omitempty"`

	// Route carries the "_route" routing sentinel, when present. It must
	// match one of the current phase's handoffs.
	Route string `json:"_route,omitempty"`

	// Status carries the "status" key used by deterministic routing maps
	Status string `json:"status,omitempty"`

	// Error holds structured failure information
	Error *Error `json:"error,omitempty"`

	// Metadata contains tool-specific metadata
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// DurationMs is the execution time in milliseconds
	DurationMs int64 `json:"duration_ms,omitempty"`
}

// OK reports whether the tool executed successfully.
func (r *Result) OK() bool { return r != nil && r.Error == nil }

// Error represents a tool execution error with structured information.
type Error struct {
	// Code is a machine-readable error code
	Code string `json:"code"`

	// Message is a human-readable error message
	Message string `json:"message"`

	// Retryable indicates if the operation can be retried
	Retryable bool `json:"retryable,omitempty"`

	// Suggestion provides a hint for fixing the error
	Suggestion string `json:"suggestion,omitempty"`
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

// Normalize converts a handler's raw return value into a Result,
// honoring the reserved keys of the tool invocation contract: "content",
// "images", "_route", "status".
func Normalize(v interface{}) *Result {
	m, ok := v.(map[string]interface{})
	if !ok {
		return &Result{Content: v}
	}

	res := &Result{}
	rest := make(map[string]interface{}, len(m))
	for k, val := range m {
		switch k {
		case "content":
			res.Content = val
		case "images":
			res.Images = toStringList(val)
		case "_route":
			if s, ok := val.(string); ok {
				res.Route = s
			}
		case "status":
			if s, ok := val.(string); ok {
				res.Status = s
			}
		default:
			rest[k] = val
		}
	}
	switch {
	case res.Content == nil && len(rest) > 0:
		res.Content = rest
	case res.Content == nil:
		res.Content = map[string]interface{}{}
	}
	return res
}

func toStringList(v interface{}) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// JSONSchema represents a JSON Schema for tool arguments.
type JSONSchema struct {
	Type        string                 `json:"type"`
	Description string                 `json:"description,omitempty"`
	Properties  map[string]*JSONSchema `json:"properties,omitempty"`
	Required    []string               `json:"required,omitempty"`
	Items       *JSONSchema            `json:"items,omitempty"`
	Enum        []interface{}          `json:"enum,omitempty"`
	Default     interface{}            `json:"default,omitempty"`
	Format      string                 `json:"format,omitempty"`
	Pattern     string                 `json:"pattern,omitempty"`
	Minimum     *float64               `json:"minimum,omitempty"`
	Maximum     *float64               `json:"maximum,omitempty"`
}

// ToMap converts the schema to its generic JSON form, as consumed by
// model clients.
func (s *JSONSchema) ToMap() (map[string]interface{}, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// NewObjectSchema creates an object schema with the given properties.
func NewObjectSchema(description string, properties map[string]*JSONSchema, required []string) *JSONSchema {
	if properties == nil {
		properties = make(map[string]*JSONSchema)
	}
	return &JSONSchema{
		Type:        "object",
		Description: description,
		Properties:  properties,
		Required:    required,
	}
}

// NewStringSchema creates a string schema.
func NewStringSchema(description string) *JSONSchema {
	return &JSONSchema{Type: "string", Description: description}
}

// NewEnumSchema creates a string schema constrained to the given values.
func NewEnumSchema(description string, values []string) *JSONSchema {
	enum := make([]interface{}, len(values))
	for i, v := range values {
		enum[i] = v
	}
	return &JSONSchema{Type: "string", Description: description, Enum: enum}
}
