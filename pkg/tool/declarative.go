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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/teradata-labs/cascade/pkg/template"
)

// DeclarativeSpec is the YAML shape of a tool defined in a cascade file
// rather than in Go code. Exactly one of Shell, HTTP, Func, or Steps must
// be set.
type DeclarativeSpec struct {
	Name        string                 `yaml:"name"`
	Description string                 `yaml:"description"`
	Inputs      map[string]InputSpec   `yaml:"inputs,omitempty"`
	Shell       string                 `yaml:"shell,omitempty"`
	Timeout     string                 `yaml:"timeout,omitempty"`
	HTTP        *HTTPSpec              `yaml:"http,omitempty"`
	Func        string                 `yaml:"func,omitempty"`
	Steps       []CompositeStep        `yaml:"steps,omitempty"`
	Defaults    map[string]interface{} `yaml:"defaults,omitempty"`
}

// InputSpec declares one declarative tool input.
type InputSpec struct {
	Type        string      `yaml:"type"`
	Description string      `yaml:"description,omitempty"`
	Required    bool        `yaml:"required,omitempty"`
	Default     interface{} `yaml:"default,omitempty"`
	Enum        []string    `yaml:"enum,omitempty"`
}

// HTTPSpec declares a declarative HTTP call. URL, header values, and
// body are templates rendered against the tool arguments.
type HTTPSpec struct {
	URL     string            `yaml:"url"`
	Method  string            `yaml:"method,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Body    interface{}       `yaml:"body,omitempty"`
	Timeout string            `yaml:"timeout,omitempty"`

	// ResponseJQ projects the decoded JSON response with a jq-style
	// path (".data.items[0].id") before the result is normalized.
	// Empty keeps the whole body.
	ResponseJQ string `yaml:"response_jq,omitempty"`
}

// CompositeStep is one step of a composite declarative tool. Steps run
// sequentially; step k's templates may reference earlier results as
// {{steps.j.result}} and {{steps.j.result.field}}.
type CompositeStep struct {
	Name      string                 `yaml:"name"`
	Tool      string                 `yaml:"tool"`
	Args      map[string]interface{} `yaml:"args,omitempty"`
	Condition string                 `yaml:"condition,omitempty"`
}

// Validate checks that the spec names exactly one execution shape.
func (s *DeclarativeSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("declarative tool missing name")
	}
	n := 0
	if s.Shell != "" {
		n++
	}
	if s.HTTP != nil {
		n++
	}
	if s.Func != "" {
		n++
	}
	if len(s.Steps) > 0 {
		n++
	}
	if n != 1 {
		return fmt.Errorf("tool %s: exactly one of shell, http, func, steps must be set (got %d)", s.Name, n)
	}
	return nil
}

// BuildDeclarative compiles a declarative spec into a Tool. The registry
// is consulted at execution time for "func" handlers and composite step
// tools, so declaration order does not matter.
func BuildDeclarative(spec *DeclarativeSpec, registry *Registry) (Tool, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	schema := schemaFromInputs(spec.Description, spec.Inputs)
	d := &declarativeTool{spec: spec, schema: schema, registry: registry}
	return d, nil
}

type declarativeTool struct {
	spec     *DeclarativeSpec
	schema   *JSONSchema
	registry *Registry
}

func (d *declarativeTool) Name() string             { return d.spec.Name }
func (d *declarativeTool) Description() string      { return d.spec.Description }
func (d *declarativeTool) InputSchema() *JSONSchema { return d.schema }

func (d *declarativeTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	vars := template.Vars{}
	for k, v := range d.spec.Defaults {
		vars[k] = v
	}
	for name, in := range d.spec.Inputs {
		if in.Default != nil {
			if _, set := args[name]; !set {
				vars[name] = in.Default
			}
		}
	}
	for k, v := range args {
		vars[k] = v
	}

	switch {
	case d.spec.Shell != "":
		return d.execShell(ctx, vars)
	case d.spec.HTTP != nil:
		return d.execHTTP(ctx, vars)
	case d.spec.Func != "":
		return d.execFunc(ctx, vars)
	default:
		return d.execComposite(ctx, vars)
	}
}

func (d *declarativeTool) execShell(ctx context.Context, vars template.Vars) (*Result, error) {
	cmdline, err := template.Render(d.spec.Shell, vars)
	if err != nil {
		return nil, &Error{Code: "bad_arguments", Message: err.Error()}
	}

	timeout := 60 * time.Second
	if d.spec.Timeout != "" {
		timeout, err = template.ParseTimeout(d.spec.Timeout)
		if err != nil {
			return nil, &Error{Code: "bad_arguments", Message: err.Error()}
		}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", cmdline)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return nil, &Error{Code: "timeout", Message: fmt.Sprintf("command exceeded %s", timeout), Retryable: true}
	}
	if err != nil {
		return nil, &Error{
			Code:      "io",
			Message:   fmt.Sprintf("command failed: %v: %s", err, strings.TrimSpace(stderr.String())),
			Retryable: true,
		}
	}

	out := strings.TrimSpace(stdout.String())
	// If the command printed JSON, surface it structured.
	var parsed interface{}
	if json.Unmarshal([]byte(out), &parsed) == nil {
		return Normalize(parsed), nil
	}
	return &Result{Content: out}, nil
}

func (d *declarativeTool) execHTTP(ctx context.Context, vars template.Vars) (*Result, error) {
	spec := d.spec.HTTP
	url, err := template.Render(spec.URL, vars)
	if err != nil {
		return nil, &Error{Code: "bad_arguments", Message: err.Error()}
	}
	method := spec.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if spec.Body != nil {
		rendered, err := template.RenderValue(spec.Body, vars)
		if err != nil {
			return nil, &Error{Code: "bad_arguments", Message: err.Error()}
		}
		raw, err := json.Marshal(rendered)
		if err != nil {
			return nil, &Error{Code: "bad_arguments", Message: fmt.Sprintf("failed to encode body: %v", err)}
		}
		body = bytes.NewReader(raw)
	}

	timeout := 30 * time.Second
	if spec.Timeout != "" {
		timeout, err = template.ParseTimeout(spec.Timeout)
		if err != nil {
			return nil, &Error{Code: "bad_arguments", Message: err.Error()}
		}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, &Error{Code: "bad_arguments", Message: err.Error()}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range spec.Headers {
		hv, err := template.Render(v, vars)
		if err != nil {
			return nil, &Error{Code: "bad_arguments", Message: err.Error()}
		}
		req.Header.Set(k, hv)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &Error{Code: "timeout", Message: fmt.Sprintf("request exceeded %s", timeout), Retryable: true}
		}
		return nil, &Error{Code: "io", Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, &Error{Code: "io", Message: err.Error(), Retryable: true}
	}
	if resp.StatusCode >= 400 {
		return nil, &Error{
			Code:      "io",
			Message:   fmt.Sprintf("HTTP %d: %s", resp.StatusCode, truncate(string(raw), 512)),
			Retryable: resp.StatusCode >= 500,
		}
	}

	var parsed interface{}
	if json.Unmarshal(raw, &parsed) == nil {
		if spec.ResponseJQ != "" {
			parsed, err = jqPath(parsed, spec.ResponseJQ)
			if err != nil {
				return nil, &Error{Code: "bad_arguments", Message: err.Error()}
			}
		}
		res := Normalize(parsed)
		res.Metadata = map[string]interface{}{"status_code": resp.StatusCode}
		return res, nil
	}
	if spec.ResponseJQ != "" {
		return nil, &Error{Code: "io", Message: "response_jq set but response body is not JSON"}
	}
	return &Result{
		Content:  string(raw),
		Metadata: map[string]interface{}{"status_code": resp.StatusCode},
	}, nil
}

// jqPath resolves a jq-style path against decoded JSON. Field access
// and numeric indexing are supported (".data.items[0].id"); anything
// fancier belongs in a func tool.
func jqPath(v interface{}, path string) (interface{}, error) {
	expr := strings.TrimPrefix(path, ".")
	if expr == "" {
		return v, nil
	}
	for _, seg := range strings.Split(expr, ".") {
		name := seg
		var indexes []int
		for strings.HasSuffix(name, "]") {
			open := strings.LastIndex(name, "[")
			if open < 0 {
				return nil, fmt.Errorf("response_jq %s: malformed segment %q", path, seg)
			}
			n, err := strconv.Atoi(name[open+1 : len(name)-1])
			if err != nil {
				return nil, fmt.Errorf("response_jq %s: malformed index in %q", path, seg)
			}
			indexes = append([]int{n}, indexes...)
			name = name[:open]
		}
		if name != "" {
			m, ok := v.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("response_jq %s: %q selects into a non-object", path, name)
			}
			v, ok = m[name]
			if !ok {
				return nil, fmt.Errorf("response_jq %s: key %q not found", path, name)
			}
		}
		for _, n := range indexes {
			arr, ok := v.([]interface{})
			if !ok {
				return nil, fmt.Errorf("response_jq %s: indexing a non-array", path)
			}
			if n < 0 || n >= len(arr) {
				return nil, fmt.Errorf("response_jq %s: index %d out of range", path, n)
			}
			v = arr[n]
		}
	}
	return v, nil
}

func (d *declarativeTool) execFunc(ctx context.Context, vars template.Vars) (*Result, error) {
	fn, ok := d.registry.GetFunc(d.spec.Func)
	if !ok {
		return nil, &Error{Code: "bad_arguments", Message: fmt.Sprintf("unknown func: %s", d.spec.Func)}
	}
	v, err := fn(ctx, map[string]interface{}(vars))
	if err != nil {
		return nil, err
	}
	return Normalize(v), nil
}

func (d *declarativeTool) execComposite(ctx context.Context, vars template.Vars) (*Result, error) {
	steps := map[string]interface{}{}
	vars["steps"] = steps

	var last *Result
	for i, step := range d.spec.Steps {
		name := step.Name
		if name == "" {
			name = strconv.Itoa(i)
		}

		if step.Condition != "" {
			rendered, err := template.Render(step.Condition, vars)
			if err != nil {
				return nil, &Error{Code: "bad_arguments", Message: fmt.Sprintf("step %s condition: %v", name, err)}
			}
			if !truthy(rendered) {
				steps[name] = map[string]interface{}{"skipped": true}
				continue
			}
		}

		st, ok := d.registry.Get(step.Tool)
		if !ok {
			return nil, &Error{Code: "bad_arguments", Message: fmt.Sprintf("step %s: unknown tool %s", name, step.Tool)}
		}

		stepArgs := map[string]interface{}{}
		for k, v := range step.Args {
			rendered, err := template.RenderValue(v, vars)
			if err != nil {
				return nil, &Error{Code: "bad_arguments", Message: fmt.Sprintf("step %s arg %s: %v", name, k, err)}
			}
			stepArgs[k] = rendered
		}

		res, err := st.Execute(ctx, stepArgs)
		if err != nil {
			return nil, fmt.Errorf("step %s (%s): %w", name, step.Tool, err)
		}
		steps[name] = map[string]interface{}{"result": res.Content}
		last = res
	}

	if last == nil {
		return &Result{Content: map[string]interface{}{}}, nil
	}
	return last, nil
}

func schemaFromInputs(description string, inputs map[string]InputSpec) *JSONSchema {
	props := make(map[string]*JSONSchema, len(inputs))
	var required []string
	for name, in := range inputs {
		p := &JSONSchema{Type: in.Type, Description: in.Description, Default: in.Default}
		if p.Type == "" {
			p.Type = "string"
		}
		if len(in.Enum) > 0 {
			for _, v := range in.Enum {
				p.Enum = append(p.Enum, v)
			}
		}
		props[name] = p
		if in.Required {
			required = append(required, name)
		}
	}
	return NewObjectSchema(description, props, required)
}

func truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "false", "0", "no", "null", "none", "<nil>", "[]", "{}":
		return false
	default:
		return true
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
