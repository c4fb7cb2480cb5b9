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

package runner

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/cascade/pkg/cascade"
	"github.com/teradata-labs/cascade/pkg/echo"
	"github.com/teradata-labs/cascade/pkg/sink"
	"github.com/teradata-labs/cascade/pkg/soundings"
	"github.com/teradata-labs/cascade/pkg/template"
	"github.com/teradata-labs/cascade/pkg/types"
	"github.com/teradata-labs/cascade/pkg/ward"
)

// phaseEnv is the execution context of one phase dispatch. Soundings
// attempts run with branch-specific overrides.
type phaseEnv struct {
	cascade     *cascade.Cascade
	phase       *cascade.Phase
	echo        *echo.Echo
	parentTrace string
	depth       int
	usage       *types.Usage

	// Sounding attempt overrides.
	instructions  string
	model         string
	vars          map[string]interface{}
	soundingIndex *int

	// Retry feedback from a rejected prior attempt.
	feedback string
}

// defaultSchemaAttempts bounds output_schema retries when the phase
// declares no max_attempts.
const defaultSchemaAttempts = 2

// executePhase runs one phase to acceptance: pre-wards, body (possibly
// a soundings round), post-wards, output-schema check, with retry
// semantics driven by ward dispositions.
func (r *CascadeRunner) executePhase(ctx context.Context, env phaseEnv) (interface{}, string, error) {
	phase := env.phase
	wards := ward.NewRunner(r.rc.Validators, r.rc.Events, r.rc.Logger)

	schemaMax := defaultSchemaAttempts
	if phase.Rules != nil && phase.Rules.MaxAttempts > 0 {
		schemaMax = phase.Rules.MaxAttempts
	}

	for attempt := 0; ; attempt++ {
		phaseTrace, err := r.emitPhaseStart(ctx, env, attempt)
		if err != nil {
			return nil, "", err
		}
		tr := ward.Trace{
			SessionID: env.echo.SessionID(),
			ParentID:  phaseTrace,
			CascadeID: env.cascade.CascadeID,
			Depth:     env.depth + 1,
		}

		if phase.Wards != nil && len(phase.Wards.Pre) > 0 {
			disp, reason, err := wards.Run(ctx, phase.Wards.Pre, ward.Input{
				CascadeInput: env.echo.Input(),
				State:        env.echo.State(),
				Outputs:      env.echo.Outputs(),
				Phase:        phase.Name,
				Attempt:      attempt,
			}, tr)
			if err != nil {
				return nil, "", err
			}
			if disp != ward.Proceed {
				return nil, "", types.E(types.ErrValidation, phase.Name, "pre-ward rejected phase: %s", reason)
			}
		}

		var output interface{}
		var next string
		var attemptUsage types.Usage
		if phase.Soundings != nil && env.soundingIndex == nil {
			output, next, attemptUsage, err = r.runPhaseSoundings(ctx, env, phaseTrace)
		} else {
			output, next, attemptUsage, err = r.runBody(ctx, env, phaseTrace)
		}
		env.usage.Add(attemptUsage)
		if err != nil {
			return nil, "", err
		}

		in := ward.Input{
			Output:       output,
			CascadeInput: env.echo.Input(),
			State:        env.echo.State(),
			Outputs:      env.echo.Outputs(),
			Phase:        phase.Name,
			Attempt:      attempt,
		}

		if phase.Wards != nil && len(phase.Wards.Post) > 0 {
			disp, reason, err := wards.Run(ctx, phase.Wards.Post, in, tr)
			if err != nil {
				return nil, "", err
			}
			if disp == ward.Retry {
				r.emitPhaseComplete(ctx, env, phaseTrace, attempt, output, attemptUsage, false)
				env.feedback = reason
				continue
			}
		}

		if len(phase.OutputSchema) > 0 {
			verdict, err := wards.CheckOutputSchema(ctx, phase.OutputSchema, in, tr)
			if err != nil {
				return nil, "", err
			}
			if !verdict.Valid {
				if attempt+1 < schemaMax {
					r.emitPhaseComplete(ctx, env, phaseTrace, attempt, output, attemptUsage, false)
					env.feedback = verdict.Reason
					continue
				}
				return nil, "", types.E(types.ErrValidation, phase.Name, "output schema not satisfied: %s", verdict.Reason)
			}
		}

		r.emitPhaseComplete(ctx, env, phaseTrace, attempt, output, attemptUsage, true)
		return output, next, nil
	}
}

// runBody dispatches to the phase variant's executor.
func (r *CascadeRunner) runBody(ctx context.Context, env phaseEnv, phaseTrace string) (interface{}, string, types.Usage, error) {
	switch env.phase.Kind() {
	case cascade.KindDeterministic:
		return r.runDeterministic(ctx, env, phaseTrace)
	case cascade.KindSignal:
		out, next, err := r.runSignalPhase(ctx, env, phaseTrace)
		return out, next, types.Usage{}, err
	default:
		return r.runTurnLoop(ctx, env, phaseTrace)
	}
}

// runPhaseSoundings executes the phase body as a soundings round. Each
// candidate runs against a branch echo under a branch session id; the
// winner's echo merges back and its routing hint becomes the phase's.
func (r *CascadeRunner) runPhaseSoundings(ctx context.Context, env phaseEnv, phaseTrace string) (interface{}, string, types.Usage, error) {
	phase := env.phase

	instructions := ""
	if phase.Kind() == cascade.KindLLM {
		rendered, err := r.renderInstructions(env, 0)
		if err != nil {
			return nil, "", types.Usage{}, err
		}
		instructions = rendered
	}

	// Indexed by candidate so parallel bodies never share an element.
	hints := make([]string, phase.Soundings.Factor)
	sr := soundings.NewRunner(r.rc.Pool, r.rc.Events, r.rc.Clients.Default(), r.rc.Validators, r.rc.Logger)
	round := soundings.Round{
		Config:       phase.Soundings,
		CascadeID:    env.cascade.CascadeID,
		Phase:        phase.Name,
		ParentEcho:   env.echo,
		ParentTrace:  phaseTrace,
		Depth:        env.depth + 1,
		Instructions: instructions,
	}
	result, err := sr.Execute(ctx, round, func(ctx context.Context, a *soundings.Attempt) (interface{}, types.Usage, error) {
		sub := env
		sub.echo = a.Echo
		sub.parentTrace = a.TraceID
		sub.instructions = a.Instructions
		sub.model = a.Model
		sub.vars = mergeVars(env.vars, a.Vars)
		sub.soundingIndex = &a.Index

		out, next, usage, err := r.runBody(ctx, sub, a.TraceID)
		if err == nil && next != "" && a.Index < len(hints) {
			hints[a.Index] = next
		}
		return out, usage, err
	})
	if err != nil {
		return nil, "", types.Usage{}, err
	}

	var next string
	if result.Winner != nil {
		env.echo.MergeWinner(result.Winner.Echo)
		next = hints[result.Winner.Index]
	}
	return result.Output(), next, result.Usage, nil
}

func mergeVars(base, extra map[string]interface{}) map[string]interface{} {
	if len(base) == 0 {
		return extra
	}
	if len(extra) == 0 {
		return base
	}
	out := make(map[string]interface{}, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// templateVars assembles the standard variable context for phase
// templates.
func (env phaseEnv) templateVars(turn int) template.Vars {
	vars := template.Vars{
		"input":     env.echo.Input(),
		"state":     env.echo.State(),
		"outputs":   env.echo.Outputs(),
		"lineage":   env.echo.Lineage(),
		"turn":      turn,
		"max_turns": env.phase.Rules.EffectiveMaxTurns(),
	}
	if env.soundingIndex != nil {
		vars["sounding_index"] = *env.soundingIndex
		if env.phase.Soundings != nil {
			vars["sounding_total"] = env.phase.Soundings.Factor
		}
	}
	for k, v := range env.vars {
		vars[k] = v
	}
	return vars
}

func (r *CascadeRunner) emitPhaseStart(ctx context.Context, env phaseEnv, attempt int) (string, error) {
	traceID := sink.NewTraceID()
	ev := &sink.Event{
		Timestamp:     time.Now().UTC(),
		SessionID:     env.echo.SessionID(),
		TraceID:       traceID,
		ParentID:      env.parentTrace,
		NodeType:      sink.NodePhaseStart,
		CascadeID:     env.cascade.CascadeID,
		PhaseName:     env.phase.Name,
		Depth:         env.depth + 1,
		AttemptNumber: attempt,
		SoundingIndex: env.soundingIndex,
	}
	if err := r.rc.Events.Append(ctx, ev); err != nil {
		return "", types.Wrap(types.ErrConfig, env.phase.Name, err)
	}
	return traceID, nil
}

func (r *CascadeRunner) emitPhaseComplete(ctx context.Context, env phaseEnv, phaseTrace string, attempt int, output interface{}, usage types.Usage, accepted bool) {
	ev := &sink.Event{
		Timestamp:     time.Now().UTC(),
		SessionID:     env.echo.SessionID(),
		TraceID:       sink.NewTraceID(),
		ParentID:      phaseTrace,
		NodeType:      sink.NodePhaseComplete,
		CascadeID:     env.cascade.CascadeID,
		PhaseName:     env.phase.Name,
		Depth:         env.depth + 1,
		AttemptNumber: attempt,
		SoundingIndex: env.soundingIndex,
		TokensIn:      usage.InputTokens,
		TokensOut:     usage.OutputTokens,
		Cost:          usage.CostUSD,
		Content:       output,
	}
	if !accepted {
		ev.SetMeta("accepted", false)
	}
	if err := r.rc.Events.Append(ctx, ev); err != nil {
		r.rc.Logger.Warn("failed to record phase completion",
			zap.String("phase", env.phase.Name), zap.Error(err))
	}
}
