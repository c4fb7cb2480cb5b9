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

package cascade

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/teradata-labs/cascade/pkg/types"
)

// Load parses and validates a cascade from YAML. Unknown fields are
// rejected so typos in phase configuration fail at load time rather
// than silently changing behavior.
func Load(r io.Reader) (*Cascade, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var c Cascade
	if err := dec.Decode(&c); err != nil {
		return nil, types.Wrap(types.ErrConfig, "", fmt.Errorf("failed to parse cascade: %w", err))
	}
	if err := Validate(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadBytes parses and validates a cascade from a YAML document.
func LoadBytes(data []byte) (*Cascade, error) {
	return Load(bytes.NewReader(data))
}

// LoadFile parses and validates a cascade file.
func LoadFile(path string) (*Cascade, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, types.Wrap(types.ErrConfig, "", fmt.Errorf("failed to open cascade file: %w", err))
	}
	defer f.Close()

	c, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}
