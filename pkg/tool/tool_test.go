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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/cascade/pkg/types"
)

func TestNormalizeReservedKeys(t *testing.T) {
	res := Normalize(map[string]interface{}{
		"content": "hello",
		"images":  []interface{}{"a.png", "b.png"},
		"_route":  "triage",
		"status":  "ok",
		"extra":   42,
	})
	assert.Equal(t, "hello", res.Content)
	assert.Equal(t, []string{"a.png", "b.png"}, res.Images)
	assert.Equal(t, "triage", res.Route)
	assert.Equal(t, "ok", res.Status)
}

func TestNormalizeBareValue(t *testing.T) {
	res := Normalize("just a string")
	assert.Equal(t, "just a string", res.Content)
	assert.Empty(t, res.Route)
}

func TestNormalizeMapWithoutContent(t *testing.T) {
	res := Normalize(map[string]interface{}{"rows": 3, "status": "ok"})
	content, ok := res.Content.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 3, content["rows"])
	assert.Equal(t, "ok", res.Status)
}

func TestRegistryResolveManifest(t *testing.T) {
	r := NewRegistry()
	r.Register(NewFuncTool("alpha", "", nil, echoHandler))
	r.Register(NewFuncTool("beta", "", nil, echoHandler))

	tools, err := r.Resolve([]string{"manifest"})
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "alpha", tools[0].Name())
	assert.Equal(t, "beta", tools[1].Name())

	_, err = r.Resolve([]string{"gamma"})
	assert.Error(t, err)
}

func TestExecutorInjectsContextParams(t *testing.T) {
	var seen map[string]interface{}
	tl := NewFuncTool("probe", "", nil, func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		seen = args
		return "ok", nil
	}).WithContextParams("_session_id", "_state")

	r := NewRegistry()
	r.Register(tl)
	ex := NewExecutor(r, nil)

	_, err := ex.Execute(context.Background(), "probe",
		map[string]interface{}{"_session_id": "caller-set"},
		map[string]interface{}{
			"_session_id": "ses_abc",
			"_state":      map[string]interface{}{"k": "v"},
			"_trace_id":   "trc_undeclared",
		})
	require.NoError(t, err)

	// Caller value wins; undeclared params are not injected.
	assert.Equal(t, "caller-set", seen["_session_id"])
	assert.NotNil(t, seen["_state"])
	assert.NotContains(t, seen, "_trace_id")
}

func TestExecutorValidatesArguments(t *testing.T) {
	schema := NewObjectSchema("", map[string]*JSONSchema{
		"query": NewStringSchema("the query"),
	}, []string{"query"})
	r := NewRegistry()
	r.Register(NewFuncTool("search", "", schema, echoHandler))
	ex := NewExecutor(r, nil)

	_, err := ex.Execute(context.Background(), "search", map[string]interface{}{}, nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrToolUsage, types.KindOf(err))

	res, err := ex.Execute(context.Background(), "search", map[string]interface{}{"query": "hi"}, nil)
	require.NoError(t, err)
	assert.True(t, res.OK())
}

func TestExecutorContextParamsSkipValidation(t *testing.T) {
	schema := NewObjectSchema("", map[string]*JSONSchema{
		"query": NewStringSchema(""),
	}, []string{"query"})
	r := NewRegistry()
	r.Register(NewFuncTool("search", "", schema, echoHandler).WithContextParams("_session_id"))
	ex := NewExecutor(r, nil)

	_, err := ex.Execute(context.Background(), "search",
		map[string]interface{}{"query": "hi"},
		map[string]interface{}{"_session_id": "ses_x"})
	require.NoError(t, err)
}

func TestExecutorClassifiesErrors(t *testing.T) {
	r := NewRegistry()
	r.Register(NewFuncTool("flaky", "", nil, func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		return nil, &Error{Code: "timeout", Message: "took too long", Retryable: true}
	}))
	r.Register(NewFuncTool("broken", "", nil, func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		return nil, errors.New("boom")
	}))
	ex := NewExecutor(r, nil)

	_, err := ex.Execute(context.Background(), "flaky", nil, nil)
	assert.Equal(t, types.ErrToolTimeout, types.KindOf(err))
	assert.True(t, types.Retryable(err))

	_, err = ex.Execute(context.Background(), "broken", nil, nil)
	assert.Equal(t, types.ErrTool, types.KindOf(err))

	_, err = ex.Execute(context.Background(), "missing", nil, nil)
	assert.Equal(t, types.ErrTool, types.KindOf(err))
}

func TestExecutorRecoversPanic(t *testing.T) {
	r := NewRegistry()
	r.Register(NewFuncTool("panicky", "", nil, func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		panic("oops")
	}))
	ex := NewExecutor(r, nil)

	_, err := ex.Execute(context.Background(), "panicky", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}

func TestRouteTool(t *testing.T) {
	rt := NewRouteTool([]string{"triage", "resolve"})
	res, err := rt.Execute(context.Background(), map[string]interface{}{"destination": "resolve"})
	require.NoError(t, err)
	assert.Equal(t, "resolve", res.Route)

	_, err = rt.Execute(context.Background(), map[string]interface{}{})
	assert.Error(t, err)

	// Enum restricts destinations to declared handoffs.
	require.NoError(t, ValidateArgs(rt.InputSchema(), map[string]interface{}{"destination": "triage"}))
	assert.Error(t, ValidateArgs(rt.InputSchema(), map[string]interface{}{"destination": "elsewhere"}))
}

func TestSetStateTool(t *testing.T) {
	state := map[string]interface{}{}
	st := NewSetStateTool(func(key string, value interface{}) error {
		state[key] = value
		return nil
	})
	_, err := st.Execute(context.Background(), map[string]interface{}{"key": "verdict", "value": "approved"})
	require.NoError(t, err)
	assert.Equal(t, "approved", state["verdict"])
}

func echoHandler(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{"content": args}, nil
}
