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
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/cascade/pkg/sink"
	"github.com/teradata-labs/cascade/pkg/template"
	"github.com/teradata-labs/cascade/pkg/types"
	"github.com/teradata-labs/cascade/pkg/ward"
)

const defaultFactorPerStep = 2

const defaultHoningPrompt = "Improve on the current best answer. Keep what works, fix what doesn't.\n\nCurrent best:\n{{winner.output}}"

// reforge refines result.Winner through cfg.Reforge.Steps additional
// rounds. Each step runs a smaller soundings round whose candidates see
// the current winner through the rendered honing prompt, then selects a
// new winner. The early-stop validator ends refinement once the winner
// passes.
func (r *Runner) reforge(ctx context.Context, round Round, body Body, result *Result) error {
	cfg := round.Config.Reforge
	factor := cfg.FactorPerStep
	if factor <= 0 {
		factor = defaultFactorPerStep
	}
	parentSession := round.ParentEcho.SessionID()

	for step := 1; step <= cfg.Steps; step++ {
		if err := ctx.Err(); err != nil {
			return types.Wrap(types.ErrCancelled, round.Phase, err)
		}
		if r.earlyStop(ctx, round, cfg.EarlyStop, result.Winner) {
			r.logger.Info("reforge stopped early, winner passes validator",
				zap.String("phase", round.Phase),
				zap.Int("step", step-1))
			return nil
		}

		winnerVars := map[string]interface{}{
			"output": outputString(result.Winner.Output),
			"index":  result.Winner.Index,
			"model":  result.Winner.Model,
			"cost":   result.Winner.Usage.CostUSD,
		}
		vars := template.Vars{
			"winner":       winnerVars,
			"reforge_step": step,
			"input":        round.ParentEcho.Input(),
			"state":        round.ParentEcho.State(),
		}
		honingPrompt := cfg.HoningPrompt
		if honingPrompt == "" {
			honingPrompt = defaultHoningPrompt
		}
		rendered, err := template.Render(honingPrompt, vars)
		if err != nil {
			return err
		}

		stepTrace := r.emitReforgeStep(ctx, round, step, result.Winner)

		subCfg := *round.Config
		subCfg.Factor = factor
		subCfg.Mutation = nil
		subCfg.Reforge = nil
		if cfg.EvaluatorOverride != nil {
			subCfg.Evaluator = cfg.EvaluatorOverride
		}

		k := step
		subRound := round
		subRound.Config = &subCfg
		subRound.ParentTrace = stepTrace
		subRound.Instructions = round.Instructions + "\n\n" + rendered
		subRound.SessionFor = func(i int) string {
			return sink.ReforgeSessionID(parentSession, k, i)
		}
		subRound.Vars = mergeVars(round.Vars, map[string]interface{}{
			"winner":       winnerVars,
			"reforge_step": step,
		})

		stepResult, err := r.runRound(ctx, subRound, body)
		if err != nil {
			return err
		}
		result.Usage.Add(stepResult.Usage)
		if stepResult.Winner != nil {
			result.Winner = stepResult.Winner
			result.Rationale = stepResult.Rationale
		}
	}
	return nil
}

// earlyStop reports whether the current winner already passes the
// configured validator. Resolution or validation errors keep refining.
func (r *Runner) earlyStop(ctx context.Context, round Round, validator string, winner *Candidate) bool {
	if validator == "" || r.validators == nil {
		return false
	}
	v, err := r.validators.Resolve(validator)
	if err != nil {
		r.logger.Warn("early-stop validator unresolved", zap.Error(err))
		return false
	}
	verdict, err := v.Validate(ctx, ward.Input{
		Output:  winner.Output,
		Phase:   round.Phase,
		State:   winner.Echo.State(),
		Outputs: winner.Echo.Outputs(),
	})
	return err == nil && verdict.Valid
}

// emitReforgeStep records the step boundary and returns its trace id,
// under which the step's candidate attempts hang.
func (r *Runner) emitReforgeStep(ctx context.Context, round Round, step int, winner *Candidate) string {
	traceID := sink.NewTraceID()
	e := &sink.Event{
		Timestamp:     time.Now().UTC(),
		SessionID:     round.ParentEcho.SessionID(),
		TraceID:       traceID,
		ParentID:      round.ParentTrace,
		NodeType:      sink.NodeReforgeStep,
		CascadeID:     round.CascadeID,
		PhaseName:     round.Phase,
		Depth:         round.Depth + 1,
		ReforgeStep:   step,
		SoundingIndex: sink.Sounding(winner.Index),
		Content: map[string]interface{}{
			"refining_index":   winner.Index,
			"refining_session": winner.SessionID,
		},
	}
	if err := r.events.Append(ctx, e); err != nil {
		r.logger.Warn("failed to record reforge step", zap.Error(err))
	}
	return traceID
}

func mergeVars(base, extra map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
