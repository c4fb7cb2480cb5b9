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

// Package template implements the restricted rendering engine used for
// phase instructions, deterministic inputs and honing prompts. Only plain
// {{dotted.path}} lookups into the variable context are allowed; anything
// resembling an expression, call, or filesystem access is rejected at
// render time. Rendering is deterministic: identical context yields
// identical output.
package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/teradata-labs/cascade/pkg/types"
)

var (
	placeholderRe = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)
	pathRe        = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z0-9_-]+|\[[0-9]+\])*$`)
)

// forbiddenMarkers reject template constructs that smuggle in expression
// evaluation: calls, pipes/filters, dunder access.
var forbiddenMarkers = []string{"(", ")", "|", "__", "{", "}"}

// forbiddenSegments reject path segments that name host-access builtins.
var forbiddenSegments = map[string]bool{
	"exec": true, "eval": true, "import": true, "open": true,
	"globals": true, "locals": true, "subprocess": true,
}

// Vars is the variable context available to templates. Standard keys set
// by the runner: input, state, outputs, lineage, history, turn, max_turns,
// and sounding_index / sounding_total during soundings.
type Vars map[string]interface{}

// Render substitutes every {{path}} placeholder in s with the value found
// in vars. An unresolved path or a forbidden construct is a TemplateError.
func Render(s string, vars Vars) (string, error) {
	var firstErr error
	out := placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}
		body := strings.TrimSpace(placeholderRe.FindStringSubmatch(match)[1])
		value, err := resolve(body, vars)
		if err != nil {
			firstErr = err
			return match
		}
		return stringify(value)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// RenderValue renders a YAML-shaped value recursively: strings are
// rendered, maps and slices are walked, everything else passes through.
// A string that is exactly one placeholder preserves the referenced
// value's type instead of stringifying it.
func RenderValue(v interface{}, vars Vars) (interface{}, error) {
	switch t := v.(type) {
	case string:
		if m := placeholderRe.FindStringSubmatch(t); m != nil && placeholderRe.FindString(t) == t {
			return resolveChecked(strings.TrimSpace(m[1]), vars)
		}
		return Render(t, vars)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			rendered, err := RenderValue(val, vars)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			rendered, err := RenderValue(val, vars)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return v, nil
	}
}

func resolveChecked(path string, vars Vars) (interface{}, error) {
	return resolve(path, vars)
}

func resolve(body string, vars Vars) (interface{}, error) {
	lower := strings.ToLower(body)
	for _, marker := range forbiddenMarkers {
		if strings.Contains(lower, marker) {
			return nil, types.E(types.ErrTemplate, "", "forbidden operation in template: %q", body)
		}
	}
	if !pathRe.MatchString(body) {
		return nil, types.E(types.ErrTemplate, "", "invalid template path: %q", body)
	}

	// Split "a.b[2].c" into segments.
	segments := splitPath(body)
	for _, seg := range segments {
		if forbiddenSegments[strings.ToLower(seg.raw)] {
			return nil, types.E(types.ErrTemplate, "", "forbidden operation in template: %q", body)
		}
	}
	var current interface{} = map[string]interface{}(vars)
	for _, seg := range segments {
		if idx, isIndex := seg.index(); isIndex {
			list, ok := toSlice(current)
			if !ok {
				return nil, types.E(types.ErrTemplate, "", "cannot index non-list at %q in %q", seg.raw, body)
			}
			if idx < 0 || idx >= len(list) {
				return nil, types.E(types.ErrTemplate, "", "index %d out of range at %q in %q", idx, seg.raw, body)
			}
			current = list[idx]
			continue
		}
		m, ok := toMap(current)
		if !ok {
			return nil, types.E(types.ErrTemplate, "", "cannot descend into non-map at %q in %q", seg.raw, body)
		}
		value, ok := m[seg.raw]
		if !ok {
			return nil, types.E(types.ErrTemplate, "", "undefined template variable: %q", body)
		}
		current = value
	}
	return current, nil
}

type segment struct{ raw string }

func (s segment) index() (int, bool) {
	if strings.HasPrefix(s.raw, "[") && strings.HasSuffix(s.raw, "]") {
		n, err := strconv.Atoi(s.raw[1 : len(s.raw)-1])
		if err == nil {
			return n, true
		}
	}
	return 0, false
}

func splitPath(path string) []segment {
	var segs []segment
	for _, part := range strings.Split(path, ".") {
		for {
			open := strings.Index(part, "[")
			if open < 0 {
				if part != "" {
					segs = append(segs, segment{raw: part})
				}
				break
			}
			if open > 0 {
				segs = append(segs, segment{raw: part[:open]})
			}
			closeIdx := strings.Index(part, "]")
			segs = append(segs, segment{raw: part[open : closeIdx+1]})
			part = part[closeIdx+1:]
		}
	}
	return segs
}

func toMap(v interface{}) (map[string]interface{}, bool) {
	switch t := v.(type) {
	case map[string]interface{}:
		return t, true
	case Vars:
		return t, true
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = val
		}
		return out, true
	default:
		return nil, false
	}
}

func toSlice(v interface{}) ([]interface{}, bool) {
	switch t := v.(type) {
	case []interface{}:
		return t, true
	case []string:
		out := make([]interface{}, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, true
	default:
		return nil, false
	}
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(raw)
	}
}
