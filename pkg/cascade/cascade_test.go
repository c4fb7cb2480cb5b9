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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/cascade/pkg/types"
)

const sampleCascade = `
cascade_id: support_flow
description: classify and answer a support ticket
phases:
  - name: classify
    instructions: "Classify the ticket: {{input.text}}"
    model: claude-sonnet
    handoffs: [positive, negative]
    rules:
      max_turns: 3
  - name: positive
    run: "func:send_thanks"
    inputs:
      text: "{{outputs.classify}}"
  - name: negative
    await: manager_approval
    on_signal:
      approve: positive
    on_timeout: abort
    timeout_seconds: 60
signals:
  manager_approval:
    type: human
`

func TestLoadSample(t *testing.T) {
	c, err := LoadBytes([]byte(sampleCascade))
	require.NoError(t, err)
	assert.Equal(t, "support_flow", c.CascadeID)
	require.Len(t, c.Phases, 3)

	assert.Equal(t, KindLLM, c.Phases[0].Kind())
	assert.Equal(t, KindDeterministic, c.Phases[1].Kind())
	assert.Equal(t, KindSignal, c.Phases[2].Kind())
	assert.Equal(t, 3, c.Phases[0].Rules.EffectiveMaxTurns())
	assert.Equal(t, "classify", c.EntryPhase().Name)
}

func TestLoadCarriesAnnotationKeys(t *testing.T) {
	c, err := LoadBytes([]byte(`
cascade_id: annotated
internal: true
triggers:
  - type: cron
    schedule: "0 9 * * *"
memory:
  scope: project
narrator:
  voice: terse
manifest:
  owner: support-team
phases:
  - name: only
    instructions: do the thing
`))
	require.NoError(t, err)
	assert.True(t, c.Internal)
	require.Len(t, c.Triggers, 1)
	assert.Equal(t, "cron", c.Triggers[0]["type"])
	assert.Equal(t, "project", c.Memory["scope"])
	assert.Equal(t, "terse", c.Narrator["voice"])
	assert.Equal(t, "support-team", c.Manifest["owner"])
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := LoadBytes([]byte(`
cascade_id: bad
phases:
  - name: a
    instructions: hi
    max_turnz: 3
`))
	require.Error(t, err)
	assert.Equal(t, types.ErrConfig, types.KindOf(err))
}

func TestValidateUnknownHandoff(t *testing.T) {
	_, err := LoadBytes([]byte(`
cascade_id: bad
phases:
  - name: a
    instructions: hi
    handoffs: [nowhere]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown phase: nowhere")
}

func TestValidateExactlyOneBody(t *testing.T) {
	_, err := LoadBytes([]byte(`
cascade_id: bad
phases:
  - name: a
    instructions: hi
    run: some_tool
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly one of")

	_, err = LoadBytes([]byte(`
cascade_id: bad
phases:
  - name: a
`))
	require.Error(t, err)
}

func TestValidateUndefinedSignal(t *testing.T) {
	_, err := LoadBytes([]byte(`
cascade_id: bad
phases:
  - name: a
    await: ghost
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "undefined signal")
}

func TestValidateSoundings(t *testing.T) {
	_, err := LoadBytes([]byte(`
cascade_id: bad
phases:
  - name: a
    instructions: hi
    soundings:
      factor: 0
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "factor must be >= 1")

	c, err := LoadBytes([]byte(`
cascade_id: ok
phases:
  - name: a
    instructions: hi
    soundings:
      factor: 4
      max_parallel: 8
      evaluator:
        type: cost_aware
        normalization: min_max
`))
	require.NoError(t, err)
	assert.Equal(t, 4, c.Phases[0].Soundings.EffectiveMaxParallel())
}

func TestValidateCompositeSignal(t *testing.T) {
	_, err := LoadBytes([]byte(`
cascade_id: bad
phases:
  - name: a
    instructions: hi
signals:
  both:
    type: composite
    mode: all
    of: [both]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "references itself")
}

func TestRunKind(t *testing.T) {
	kind, target := RunKind("func:math.normalize")
	assert.Equal(t, "func", kind)
	assert.Equal(t, "math.normalize", target)

	kind, target = RunKind("sql:queries/report.sql")
	assert.Equal(t, "sql", kind)
	assert.Equal(t, "queries/report.sql", target)

	kind, target = RunKind("shell:bin/cleanup.sh")
	assert.Equal(t, "shell", kind)

	kind, target = RunKind("send_email")
	assert.Equal(t, "tool", kind)
	assert.Equal(t, "send_email", target)
}

func TestLibraryLoadsDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "flow.yaml"), []byte(sampleCascade), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("not: [valid"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	lib, err := NewLibrary(dir, nil)
	require.NoError(t, err)
	defer lib.Close()

	assert.Equal(t, []string{"support_flow"}, lib.IDs())
	c, ok := lib.Get("support_flow")
	require.True(t, ok)
	assert.Len(t, c.Phases, 3)
}
