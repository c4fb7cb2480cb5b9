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
	"fmt"
)

// NewRouteTool returns the route_to tool an LLM phase uses to pick its
// successor. The destination enum is restricted to the phase's declared
// handoffs, so the model cannot route to an arbitrary phase.
func NewRouteTool(handoffs []string) *FuncTool {
	schema := NewObjectSchema("Route control flow to a named next phase",
		map[string]*JSONSchema{
			"destination": NewEnumSchema("Name of the phase to hand off to", handoffs),
			"reason":      NewStringSchema("Short justification for the routing choice"),
		},
		[]string{"destination"},
	)
	return NewFuncTool("route_to", "Select which phase runs next", schema,
		func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			dest, _ := args["destination"].(string)
			if dest == "" {
				return nil, &Error{Code: "bad_arguments", Message: "destination is required"}
			}
			return map[string]interface{}{
				"_route":  dest,
				"content": fmt.Sprintf("routing to %s", dest),
			}, nil
		})
}

// NewSetStateTool returns the set_state tool, letting a model write a
// single key into the cascade's mutable state. The setter is supplied by
// the runner so state mutations go through the echo.
func NewSetStateTool(setter func(key string, value interface{}) error) *FuncTool {
	schema := NewObjectSchema("Write a value into cascade state",
		map[string]*JSONSchema{
			"key":   NewStringSchema("State key to set"),
			"value": {Description: "Value to store (any JSON type)"},
		},
		[]string{"key", "value"},
	)
	return NewFuncTool("set_state", "Store a value in shared cascade state", schema,
		func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			key, _ := args["key"].(string)
			if key == "" {
				return nil, &Error{Code: "bad_arguments", Message: "key is required"}
			}
			if err := setter(key, args["value"]); err != nil {
				return nil, err
			}
			return map[string]interface{}{"content": fmt.Sprintf("state[%s] set", key)}, nil
		})
}
