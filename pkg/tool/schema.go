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
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ValidateArgs checks args against the tool's input schema. Context
// parameters (names prefixed "_") are stripped before validation since
// they are injected by the runtime, not supplied by the model.
func ValidateArgs(schema *JSONSchema, args map[string]interface{}) error {
	if schema == nil {
		return nil
	}
	visible := make(map[string]interface{}, len(args))
	for k, v := range args {
		if strings.HasPrefix(k, "_") {
			continue
		}
		visible[k] = v
	}

	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("failed to marshal schema: %w", err)
	}
	docJSON, err := json.Marshal(visible)
	if err != nil {
		return fmt.Errorf("failed to marshal arguments: %w", err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schemaJSON),
		gojsonschema.NewBytesLoader(docJSON),
	)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return fmt.Errorf("invalid arguments: %s", strings.Join(msgs, "; "))
	}
	return nil
}

// ValidateDocument checks an arbitrary JSON-compatible value against a
// generic JSON-Schema document. Used by output_schema wards and signal
// payload validation.
func ValidateDocument(schema map[string]interface{}, doc interface{}) (bool, []string, error) {
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return false, nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	docJSON, err := json.Marshal(doc)
	if err != nil {
		return false, nil, fmt.Errorf("failed to marshal document: %w", err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schemaJSON),
		gojsonschema.NewBytesLoader(docJSON),
	)
	if err != nil {
		return false, nil, fmt.Errorf("schema validation failed: %w", err)
	}
	if result.Valid() {
		return true, nil, nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		msgs = append(msgs, desc.String())
	}
	return false, msgs, nil
}
