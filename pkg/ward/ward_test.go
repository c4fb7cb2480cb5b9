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

package ward

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/cascade/pkg/cascade"
	"github.com/teradata-labs/cascade/pkg/sink"
	"github.com/teradata-labs/cascade/pkg/types"
)

func lengthValidator(min int) *Func {
	return NewFunc("min_length", func(ctx context.Context, in Input) (Verdict, error) {
		s, _ := in.Output.(string)
		if len(s) < min {
			return Fail("output too short: %d chars, need %d", len(s), min), nil
		}
		return Pass(), nil
	})
}

func newTestRunner(t *testing.T) (*Runner, *Registry, *sink.MemorySink) {
	t.Helper()
	reg := NewRegistry()
	ms := sink.NewMemorySink()
	return NewRunner(reg, ms, nil), reg, ms
}

func rootTrace(t *testing.T, ms *sink.MemorySink) Trace {
	t.Helper()
	root := &sink.Event{
		SessionID: "ses_w",
		TraceID:   "trc_root",
		NodeType:  sink.NodePhaseStart,
	}
	require.NoError(t, ms.Append(context.Background(), root))
	return Trace{SessionID: "ses_w", ParentID: "trc_root", CascadeID: "c"}
}

func TestRegistryResolve(t *testing.T) {
	reg := NewRegistry()
	reg.Register(lengthValidator(10))

	v, err := reg.Resolve("min_length")
	require.NoError(t, err)
	assert.Equal(t, "min_length", v.Name())

	v, err = reg.Resolve("func:min_length")
	require.NoError(t, err)
	assert.Equal(t, "min_length", v.Name())

	_, err = reg.Resolve("ghost")
	assert.Error(t, err)

	_, err = reg.Resolve("cascade:checker")
	assert.Error(t, err)

	reg.SetSubCascadeValidator(func(ctx context.Context, id string, in Input) (Verdict, error) {
		assert.Equal(t, "checker", id)
		return Pass(), nil
	})
	v, err = reg.Resolve("cascade:checker")
	require.NoError(t, err)
	verdict, err := v.Validate(context.Background(), Input{})
	require.NoError(t, err)
	assert.True(t, verdict.Valid)
}

func TestRunBlockingFailureAborts(t *testing.T) {
	r, reg, ms := newTestRunner(t)
	reg.Register(lengthValidator(100))
	tr := rootTrace(t, ms)

	defs := []*cascade.WardDef{{Validator: "min_length", Mode: cascade.WardBlocking}}
	disp, _, err := r.Run(context.Background(), defs, Input{Output: "short", Phase: "draft"}, tr)
	assert.Equal(t, Abort, disp)
	require.Error(t, err)
	assert.Equal(t, types.ErrValidation, types.KindOf(err))

	events, err := ms.Query(context.Background(), sink.Query{NodeTypes: []sink.NodeType{sink.NodeWard}})
	require.NoError(t, err)
	require.Len(t, events, 1)
	verdict := events[0].Content.(Verdict)
	assert.False(t, verdict.Valid)
	assert.Contains(t, verdict.Reason, "too short")
}

func TestRunRetryThenExhaust(t *testing.T) {
	r, reg, ms := newTestRunner(t)
	reg.Register(lengthValidator(100))
	tr := rootTrace(t, ms)

	defs := []*cascade.WardDef{{Validator: "min_length", Mode: cascade.WardRetry, MaxAttempts: 2}}

	disp, reason, err := r.Run(context.Background(), defs, Input{Output: "short", Phase: "draft", Attempt: 0}, tr)
	require.NoError(t, err)
	assert.Equal(t, Retry, disp)
	assert.Contains(t, reason, "too short")

	disp, _, err = r.Run(context.Background(), defs, Input{Output: "short", Phase: "draft", Attempt: 1}, tr)
	assert.Equal(t, Abort, disp)
	require.Error(t, err)
}

func TestRunAdvisoryContinues(t *testing.T) {
	r, reg, ms := newTestRunner(t)
	reg.Register(lengthValidator(100))
	tr := rootTrace(t, ms)

	defs := []*cascade.WardDef{{Validator: "min_length", Mode: cascade.WardAdvisory}}
	disp, _, err := r.Run(context.Background(), defs, Input{Output: "short"}, tr)
	require.NoError(t, err)
	assert.Equal(t, Proceed, disp)
}

func TestValidatorCrashEscalates(t *testing.T) {
	r, reg, ms := newTestRunner(t)
	reg.Register(NewFunc("crasher", func(ctx context.Context, in Input) (Verdict, error) {
		return Verdict{}, fmt.Errorf("db unreachable")
	}))
	tr := rootTrace(t, ms)

	defs := []*cascade.WardDef{{Validator: "crasher"}}
	disp, _, err := r.Run(context.Background(), defs, Input{}, tr)
	assert.Equal(t, Abort, disp)
	require.Error(t, err)
	assert.Equal(t, types.ErrTool, types.KindOf(err))
}

func TestCheckLoopUntil(t *testing.T) {
	r, reg, ms := newTestRunner(t)
	reg.Register(NewFunc("has_question", func(ctx context.Context, in Input) (Verdict, error) {
		s, _ := in.Output.(string)
		for _, c := range s {
			if c == '?' {
				return Pass(), nil
			}
		}
		return Fail("no question found"), nil
	}))
	tr := rootTrace(t, ms)

	lu := &cascade.LoopUntil{Validator: "has_question", Silent: true}
	verdict, err := r.CheckLoopUntil(context.Background(), lu, Input{Output: "Why?", Phase: "p"}, tr)
	require.NoError(t, err)
	assert.True(t, verdict.Valid)

	events, err := ms.Query(context.Background(), sink.Query{NodeTypes: []sink.NodeType{sink.NodeLoopUntilCheck}})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestCheckOutputSchema(t *testing.T) {
	r, _, ms := newTestRunner(t)
	tr := rootTrace(t, ms)

	schema := map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"summary"},
		"properties": map[string]interface{}{
			"summary": map[string]interface{}{"type": "string"},
		},
	}

	verdict, err := r.CheckOutputSchema(context.Background(), schema, Input{Output: map[string]interface{}{"summary": "hi"}}, tr)
	require.NoError(t, err)
	assert.True(t, verdict.Valid)

	verdict, err = r.CheckOutputSchema(context.Background(), schema, Input{Output: map[string]interface{}{}}, tr)
	require.NoError(t, err)
	assert.False(t, verdict.Valid)
	assert.Contains(t, verdict.Reason, "schema")
}
