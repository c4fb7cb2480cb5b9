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

package soundings

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/cascade/pkg/cascade"
	"github.com/teradata-labs/cascade/pkg/echo"
	"github.com/teradata-labs/cascade/pkg/llm"
	"github.com/teradata-labs/cascade/pkg/scheduler"
	"github.com/teradata-labs/cascade/pkg/sink"
	"github.com/teradata-labs/cascade/pkg/types"
	"github.com/teradata-labs/cascade/pkg/ward"
)

func newRound(t *testing.T, ms *sink.MemorySink, cfg *cascade.SoundingsConfig) Round {
	t.Helper()
	e := echo.New("ses_snd", map[string]interface{}{"task": "answer"})
	root := &sink.Event{SessionID: "ses_snd", TraceID: "trc_root", NodeType: sink.NodePhaseStart, PhaseName: "solve"}
	require.NoError(t, ms.Append(context.Background(), root))
	return Round{
		Config:       cfg,
		CascadeID:    "demo",
		Phase:        "solve",
		ParentEcho:   e,
		ParentTrace:  "trc_root",
		Instructions: "solve the task",
	}
}

func TestSingleCandidateSkipsEvaluator(t *testing.T) {
	ms := sink.NewMemorySink()
	round := newRound(t, ms, &cascade.SoundingsConfig{Factor: 1})

	// A nil client would make any evaluator call fail loudly.
	r := NewRunner(scheduler.NewPool(2, nil), ms, nil, nil, nil)
	result, err := r.Execute(context.Background(), round, func(ctx context.Context, a *Attempt) (interface{}, types.Usage, error) {
		assert.Equal(t, "ses_snd_sounding0", a.SessionID)
		return "only answer", types.Usage{CostUSD: 0.01}, nil
	})
	require.NoError(t, err)
	require.NotNil(t, result.Winner)
	assert.Equal(t, 0, result.Winner.Index)
	assert.Equal(t, "only answer", result.Output())
	assert.Equal(t, "single candidate", result.Rationale)

	winners, err := ms.Query(context.Background(), sink.Query{NodeTypes: []sink.NodeType{sink.NodeSoundingWinner}})
	require.NoError(t, err)
	require.Len(t, winners, 1)
	assert.True(t, winners[0].IsWinner)
	assert.Equal(t, 0, *winners[0].SoundingIndex)
}

func TestPreValidatorFiltersBeforeEvaluation(t *testing.T) {
	ms := sink.NewMemorySink()
	round := newRound(t, ms, &cascade.SoundingsConfig{
		Factor:       4,
		PreValidator: "is_json",
		Evaluator:    &cascade.EvaluatorConfig{Instructions: "pick the shortest"},
	})

	validators := ward.NewRegistry()
	validators.Register(ward.NewFunc("is_json", func(ctx context.Context, in ward.Input) (ward.Verdict, error) {
		var v interface{}
		if err := json.Unmarshal([]byte(in.Output.(string)), &v); err != nil {
			return ward.Fail("not json"), nil
		}
		return ward.Pass(), nil
	}))

	var menu string
	client := llm.NewMockHandler(func(req types.ModelRequest) (*types.ModelResponse, error) {
		menu = req.Messages[0].Content
		return llm.Text("2\nit is the shortest valid candidate"), nil
	})

	outputs := map[int]string{
		0: `{"answer": "a fairly long json answer"}`,
		1: "free text, not json at all",
		2: `{"a": 1}`,
		3: "also free text",
	}

	r := NewRunner(scheduler.NewPool(4, nil), ms, client, validators, nil)
	result, err := r.Execute(context.Background(), round, func(ctx context.Context, a *Attempt) (interface{}, types.Usage, error) {
		return outputs[a.Index], types.Usage{}, nil
	})
	require.NoError(t, err)

	// The evaluator saw only the two JSON candidates.
	assert.Contains(t, menu, "--- candidate 0 ")
	assert.Contains(t, menu, "--- candidate 2 ")
	assert.NotContains(t, menu, "--- candidate 1 ")
	assert.NotContains(t, menu, "--- candidate 3 ")

	require.NotNil(t, result.Winner)
	assert.Equal(t, 2, result.Winner.Index)

	attempts, err := ms.Query(context.Background(), sink.Query{NodeTypes: []sink.NodeType{sink.NodeSoundingAttempt}})
	require.NoError(t, err)
	require.Len(t, attempts, 4)
	valid := 0
	for _, e := range attempts {
		assert.False(t, e.IsWinner)
		if e.Metadata["valid"] == true {
			valid++
		}
	}
	assert.Equal(t, 2, valid)

	winners, err := ms.Query(context.Background(), sink.Query{NodeTypes: []sink.NodeType{sink.NodeSoundingWinner}})
	require.NoError(t, err)
	require.Len(t, winners, 1)
	assert.Equal(t, 2, *winners[0].SoundingIndex)
	assert.True(t, winners[0].IsWinner)
}

func TestPreValidatorFallbackWhenAllRejected(t *testing.T) {
	ms := sink.NewMemorySink()
	round := newRound(t, ms, &cascade.SoundingsConfig{
		Factor:       2,
		PreValidator: "never",
	})

	validators := ward.NewRegistry()
	validators.Register(ward.NewFunc("never", func(ctx context.Context, in ward.Input) (ward.Verdict, error) {
		return ward.Fail("nope"), nil
	}))

	client := llm.NewMockHandler(func(req types.ModelRequest) (*types.ModelResponse, error) {
		return llm.Text("0\nfirst is fine"), nil
	})

	r := NewRunner(scheduler.NewPool(2, nil), ms, client, validators, nil)
	result, err := r.Execute(context.Background(), round, func(ctx context.Context, a *Attempt) (interface{}, types.Usage, error) {
		return fmt.Sprintf("answer %d", a.Index), types.Usage{}, nil
	})
	require.NoError(t, err)
	require.NotNil(t, result.Winner)

	wards, err := ms.Query(context.Background(), sink.Query{NodeTypes: []sink.NodeType{sink.NodeWard}})
	require.NoError(t, err)
	require.Len(t, wards, 1)
	content := wards[0].Content.(map[string]interface{})
	assert.Equal(t, true, content["pre_filter_fallback"])
}

func TestAllCandidatesFailed(t *testing.T) {
	ms := sink.NewMemorySink()
	round := newRound(t, ms, &cascade.SoundingsConfig{Factor: 2})

	r := NewRunner(scheduler.NewPool(2, nil), ms, nil, nil, nil)
	_, err := r.Execute(context.Background(), round, func(ctx context.Context, a *Attempt) (interface{}, types.Usage, error) {
		return nil, types.Usage{}, types.E(types.ErrModel, "solve", "boom")
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrValidation, types.KindOf(err))
}

func TestRoundRobinModelAssignment(t *testing.T) {
	ms := sink.NewMemorySink()
	round := newRound(t, ms, &cascade.SoundingsConfig{
		Factor: 4,
		Models: []string{"small", "large"},
		Evaluator: &cascade.EvaluatorConfig{
			Type:       "cost_aware",
			CostWeight: 1,
		},
	})

	models := make([]string, 4)
	r := NewRunner(scheduler.NewPool(4, nil), ms, nil, nil, nil)
	result, err := r.Execute(context.Background(), round, func(ctx context.Context, a *Attempt) (interface{}, types.Usage, error) {
		models[a.Index] = a.Model
		return "x", types.Usage{CostUSD: float64(a.Index) * 0.01}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"small", "large", "small", "large"}, models)

	// No client means uniform quality; pure cost weighting picks the
	// cheapest candidate.
	assert.Equal(t, 0, result.Winner.Index)
}

func TestParetoPreferQuality(t *testing.T) {
	cands := []*Candidate{
		{Index: 0, Quality: 0.9, Usage: types.Usage{CostUSD: 0.10}},
		{Index: 1, Quality: 0.5, Usage: types.Usage{CostUSD: 0.01}},
		{Index: 2, Quality: 0.4, Usage: types.Usage{CostUSD: 0.05}}, // dominated by 1
	}
	front := paretoFront(cands)
	require.Len(t, front, 2)
	assert.Equal(t, 0, front[0].Index)
	assert.Equal(t, 1, front[1].Index)
}

func TestAggregateMode(t *testing.T) {
	ms := sink.NewMemorySink()
	round := newRound(t, ms, &cascade.SoundingsConfig{
		Factor:    2,
		Evaluator: &cascade.EvaluatorConfig{Type: "aggregate"},
	})

	client := llm.NewMockHandler(func(req types.ModelRequest) (*types.ModelResponse, error) {
		return llm.Text("combined answer"), nil
	})

	r := NewRunner(scheduler.NewPool(2, nil), ms, client, nil, nil)
	result, err := r.Execute(context.Background(), round, func(ctx context.Context, a *Attempt) (interface{}, types.Usage, error) {
		return fmt.Sprintf("part %d", a.Index), types.Usage{}, nil
	})
	require.NoError(t, err)
	assert.Nil(t, result.Winner)
	assert.Equal(t, "combined answer", result.Aggregate)
	assert.Equal(t, "combined answer", result.Output())

	// Aggregate mode writes no winner event.
	winners, err := ms.Query(context.Background(), sink.Query{NodeTypes: []sink.NodeType{sink.NodeSoundingWinner}})
	require.NoError(t, err)
	assert.Empty(t, winners)
}

func TestAugmentMutation(t *testing.T) {
	ms := sink.NewMemorySink()
	round := newRound(t, ms, &cascade.SoundingsConfig{
		Factor:   3,
		Mutation: &cascade.MutationConfig{Mode: "augment"},
		Evaluator: &cascade.EvaluatorConfig{
			Type:       "cost_aware",
			CostWeight: 1,
		},
	})

	prompts := make([]string, 3)
	r := NewRunner(scheduler.NewPool(3, nil), ms, nil, nil, nil)
	_, err := r.Execute(context.Background(), round, func(ctx context.Context, a *Attempt) (interface{}, types.Usage, error) {
		prompts[a.Index] = a.Instructions
		return "x", types.Usage{CostUSD: float64(a.Index)}, nil
	})
	require.NoError(t, err)

	assert.Equal(t, "solve the task", prompts[0])
	assert.True(t, strings.HasSuffix(prompts[1], "solve the task"))
	assert.NotEqual(t, prompts[0], prompts[1])
	assert.NotEqual(t, prompts[1], prompts[2])
}

func TestReforgeRefinesWinner(t *testing.T) {
	ms := sink.NewMemorySink()
	round := newRound(t, ms, &cascade.SoundingsConfig{
		Factor: 1,
		Reforge: &cascade.ReforgeConfig{
			Steps:         1,
			FactorPerStep: 1,
		},
	})

	var sessions []string
	r := NewRunner(scheduler.NewPool(2, nil), ms, nil, nil, nil)
	result, err := r.Execute(context.Background(), round, func(ctx context.Context, a *Attempt) (interface{}, types.Usage, error) {
		sessions = append(sessions, a.SessionID)
		if strings.Contains(a.SessionID, "reforge") {
			// Refinement attempts see the current winner.
			assert.Contains(t, a.Instructions, "Current best")
			assert.Contains(t, a.Instructions, "draft answer")
			return "refined answer", types.Usage{}, nil
		}
		return "draft answer", types.Usage{}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"ses_snd_sounding0", "ses_snd_reforge1_0"}, sessions)
	assert.Equal(t, "refined answer", result.Output())

	steps, err := ms.Query(context.Background(), sink.Query{NodeTypes: []sink.NodeType{sink.NodeReforgeStep}})
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, 1, steps[0].ReforgeStep)

	// One winner event per round: the initial round and the reforge step.
	winners, err := ms.Query(context.Background(), sink.Query{NodeTypes: []sink.NodeType{sink.NodeSoundingWinner}})
	require.NoError(t, err)
	assert.Len(t, winners, 2)
}

func TestReforgeEarlyStop(t *testing.T) {
	ms := sink.NewMemorySink()
	round := newRound(t, ms, &cascade.SoundingsConfig{
		Factor: 1,
		Reforge: &cascade.ReforgeConfig{
			Steps:     3,
			EarlyStop: "good_enough",
		},
	})

	validators := ward.NewRegistry()
	validators.Register(ward.NewFunc("good_enough", func(ctx context.Context, in ward.Input) (ward.Verdict, error) {
		return ward.Pass(), nil
	}))

	calls := 0
	r := NewRunner(scheduler.NewPool(2, nil), ms, nil, validators, nil)
	_, err := r.Execute(context.Background(), round, func(ctx context.Context, a *Attempt) (interface{}, types.Usage, error) {
		calls++
		return "fine", types.Usage{}, nil
	})
	require.NoError(t, err)

	// The first winner already passes, so no refinement round runs.
	assert.Equal(t, 1, calls)
}

func TestNestedRoundsComplete(t *testing.T) {
	ms := sink.NewMemorySink()
	costPick := &cascade.EvaluatorConfig{Type: "cost_aware", CostWeight: 1}
	outer := newRound(t, ms, &cascade.SoundingsConfig{Factor: 2, Evaluator: costPick})

	// Both outer candidates fan out again on the same runner, the way a
	// cascade-level round wraps phases that carry their own soundings.
	// The shared limit of 2 is fully held by the outer candidates, so
	// the inner rounds only finish if they do not run on the same pool.
	r := NewRunner(scheduler.NewPool(2, nil), ms, nil, nil, nil)

	done := make(chan error, 1)
	go func() {
		result, err := r.Execute(context.Background(), outer, func(ctx context.Context, a *Attempt) (interface{}, types.Usage, error) {
			inner := Round{
				Config:      &cascade.SoundingsConfig{Factor: 2, Evaluator: costPick},
				CascadeID:   "demo",
				Phase:       "inner",
				ParentEcho:  a.Echo,
				ParentTrace: a.TraceID,
			}
			innerResult, err := r.Execute(ctx, inner, func(ctx context.Context, ia *Attempt) (interface{}, types.Usage, error) {
				return fmt.Sprintf("inner %d", ia.Index), types.Usage{CostUSD: float64(ia.Index)}, nil
			})
			if err != nil {
				return nil, types.Usage{}, err
			}
			return innerResult.Output(), types.Usage{CostUSD: float64(a.Index)}, nil
		})
		if err == nil && result.Output() != "inner 0" {
			err = fmt.Errorf("unexpected output %v", result.Output())
		}
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("nested soundings rounds never completed")
	}
}

func TestBranchIsolationAcrossCandidates(t *testing.T) {
	ms := sink.NewMemorySink()
	round := newRound(t, ms, &cascade.SoundingsConfig{
		Factor: 2,
		Evaluator: &cascade.EvaluatorConfig{
			Type:       "cost_aware",
			CostWeight: 1,
		},
	})

	r := NewRunner(scheduler.NewPool(2, nil), ms, nil, nil, nil)
	_, err := r.Execute(context.Background(), round, func(ctx context.Context, a *Attempt) (interface{}, types.Usage, error) {
		a.Echo.SetState(fmt.Sprintf("candidate_%d", a.Index), true)
		return "x", types.Usage{CostUSD: float64(a.Index)}, nil
	})
	require.NoError(t, err)

	// Candidate branches never leak into the parent echo.
	assert.Empty(t, round.ParentEcho.State())
}
