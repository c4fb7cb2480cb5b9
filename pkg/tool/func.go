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

package tool

import (
	"context"
)

// FuncTool adapts a plain Go function into a Tool. The schema is written
// by hand next to the handler; the runtime does not introspect untyped
// closures.
type FuncTool struct {
	name          string
	description   string
	schema        *JSONSchema
	handler       Func
	contextParams []string
}

// NewFuncTool wraps handler as a registered tool.
func NewFuncTool(name, description string, schema *JSONSchema, handler Func) *FuncTool {
	if schema == nil {
		schema = NewObjectSchema("", nil, nil)
	}
	return &FuncTool{
		name:        name,
		description: description,
		schema:      schema,
		handler:     handler,
	}
}

// WithContextParams declares the "_"-prefixed runtime parameters the
// handler accepts (e.g. "_session_id", "_state").
func (t *FuncTool) WithContextParams(names ...string) *FuncTool {
	t.contextParams = names
	return t
}

func (t *FuncTool) Name() string             { return t.name }
func (t *FuncTool) Description() string      { return t.description }
func (t *FuncTool) InputSchema() *JSONSchema { return t.schema }
func (t *FuncTool) ContextParams() []string  { return t.contextParams }

// Execute invokes the handler and normalizes its return value.
func (t *FuncTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	v, err := t.handler(ctx, args)
	if err != nil {
		return nil, err
	}
	return Normalize(v), nil
}
