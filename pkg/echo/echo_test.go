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

package echo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/cascade/pkg/types"
)

func TestStateOutputsLineage(t *testing.T) {
	e := New("ses_1", map[string]interface{}{"topic": "x"})

	e.SetState("k", "v")
	v, ok := e.GetState("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	e.SetOutput("draft", "hello")
	e.CompletePhase("draft")
	out, ok := e.Output("draft")
	require.True(t, ok)
	assert.Equal(t, "hello", out)
	assert.Equal(t, []string{"draft"}, e.Lineage())
}

func TestPhaseHistory(t *testing.T) {
	e := New("ses_1", nil)
	e.AppendMessage(types.Message{Role: "user", Content: "a", PhaseName: "one"})
	e.AppendMessage(types.Message{Role: "assistant", Content: "b", PhaseName: "one"})
	e.AppendMessage(types.Message{Role: "assistant", Content: "c", PhaseName: "two"})

	assert.Len(t, e.PhaseHistory("one"), 2)
	assert.Len(t, e.PhaseHistory("two"), 1)
	assert.Len(t, e.History(), 3)
}

func TestBranchIsolation(t *testing.T) {
	e := New("ses_1", nil)
	e.SetState("shared", map[string]interface{}{"n": 1})
	e.SetOutput("draft", "original")

	b := e.Branch("ses_1_sounding0")
	assert.Equal(t, "ses_1_sounding0", b.SessionID())
	assert.Equal(t, "ses_1", b.ParentSessionID())

	// Mutating the branch, including nested values, must not touch the
	// parent.
	b.SetState("extra", true)
	nested, _ := b.GetState("shared")
	nested.(map[string]interface{})["n"] = 99
	b.SetOutput("draft", "branched")
	b.CompletePhase("draft")

	_, ok := e.GetState("extra")
	assert.False(t, ok)
	parentNested, _ := e.GetState("shared")
	assert.Equal(t, 1, int(asFloat(parentNested.(map[string]interface{})["n"])))
	out, _ := e.Output("draft")
	assert.Equal(t, "original", out)
	assert.Empty(t, e.Lineage())
}

func TestMergeWinner(t *testing.T) {
	e := New("ses_1", nil)
	e.SetState("keep", "old")

	w := e.Branch("ses_1_sounding2")
	w.SetState("keep", "new")
	w.SetOutput("draft", "winner text")
	w.AppendMessage(types.Message{Role: "assistant", Content: "winner text", PhaseName: "draft"})
	w.CompletePhase("draft")
	w.AddImage("draft", "images/ses_1_sounding2/draft/image_0.png")

	loser := e.Branch("ses_1_sounding0")
	loser.SetState("keep", "loser")

	e.MergeWinner(w)

	v, _ := e.GetState("keep")
	assert.Equal(t, "new", v)
	out, _ := e.Output("draft")
	assert.Equal(t, "winner text", out)
	assert.Equal(t, []string{"draft"}, e.Lineage())
	assert.Len(t, e.History(), 1)
	assert.Equal(t, []string{"images/ses_1_sounding2/draft/image_0.png"}, e.Images("draft"))
}

func asFloat(v interface{}) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case float64:
		return n
	default:
		return -1
	}
}
