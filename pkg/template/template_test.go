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

package template

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/cascade/pkg/types"
)

func testVars() Vars {
	return Vars{
		"input": map[string]interface{}{"topic": "tides", "depth": 3},
		"state": map[string]interface{}{"stage": "draft"},
		"outputs": map[string]interface{}{
			"research": map[string]interface{}{"summary": "strong currents"},
		},
		"lineage":   []string{"research", "draft"},
		"turn":      2,
		"max_turns": 5,
	}
}

func TestRender_SimplePaths(t *testing.T) {
	out, err := Render("Write about {{input.topic}} (turn {{turn}}/{{max_turns}})", testVars())
	require.NoError(t, err)
	assert.Equal(t, "Write about tides (turn 2/5)", out)
}

func TestRender_NestedAndIndexed(t *testing.T) {
	out, err := Render("prev={{outputs.research.summary}} first={{lineage[0]}}", testVars())
	require.NoError(t, err)
	assert.Equal(t, "prev=strong currents first=research", out)
}

func TestRender_UndefinedVariable(t *testing.T) {
	_, err := Render("{{outputs.missing.value}}", testVars())
	require.Error(t, err)
	assert.Equal(t, types.ErrTemplate, types.KindOf(err))
}

func TestRender_ForbiddenOperations(t *testing.T) {
	for _, tmpl := range []string{
		"{{__import__.os}}",
		"{{open('/etc/passwd')}}",
		"{{input.topic | upper}}",
		"{{exec}}",
	} {
		_, err := Render(tmpl, testVars())
		require.Error(t, err, "template %q should be rejected", tmpl)
		assert.Equal(t, types.ErrTemplate, types.KindOf(err))
	}
}

func TestRender_Deterministic(t *testing.T) {
	vars := testVars()
	a, err := Render("{{input.topic}}-{{state.stage}}", vars)
	require.NoError(t, err)
	b, err := Render("{{input.topic}}-{{state.stage}}", vars)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestRenderValue_PreservesTypes(t *testing.T) {
	v, err := RenderValue("{{input.depth}}", testVars())
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	m, err := RenderValue(map[string]interface{}{
		"topic": "{{input.topic}}",
		"label": "about {{input.topic}}",
		"count": 7,
	}, testVars())
	require.NoError(t, err)
	rendered := m.(map[string]interface{})
	assert.Equal(t, "tides", rendered["topic"])
	assert.Equal(t, "about tides", rendered["label"])
	assert.Equal(t, 7, rendered["count"])
}

func TestRenderValue_UnresolvedInMap(t *testing.T) {
	_, err := RenderValue(map[string]interface{}{"x": "{{nope}}"}, testVars())
	require.Error(t, err)
}

func TestParseTimeout(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"300", 300 * time.Second},
		{"45s", 45 * time.Second},
		{"10m", 10 * time.Minute},
		{"1h30m", 90 * time.Minute},
		{"2h", 2 * time.Hour},
		{"1h2m3s", time.Hour + 2*time.Minute + 3*time.Second},
	}
	for _, tc := range cases {
		got, err := ParseTimeout(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestParseTimeout_Invalid(t *testing.T) {
	for _, in := range []string{"", "abc", "-5", "5x", "m30"} {
		_, err := ParseTimeout(in)
		assert.Error(t, err, in)
	}
}
