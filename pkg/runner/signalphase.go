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

	"github.com/teradata-labs/cascade/pkg/cascade"
	"github.com/teradata-labs/cascade/pkg/signal"
	"github.com/teradata-labs/cascade/pkg/template"
	"github.com/teradata-labs/cascade/pkg/types"
)

// runSignalPhase blocks on a named durable condition. The resolution
// payload becomes the phase output; on_signal maps the response to a
// successor, and on_timeout decides between abort, skip, and an
// escalation phase.
func (r *CascadeRunner) runSignalPhase(ctx context.Context, env phaseEnv, phaseTrace string) (interface{}, string, error) {
	phase := env.phase
	def, ok := env.cascade.Signals[phase.Await]
	if !ok {
		return nil, "", types.E(types.ErrConfig, phase.Name, "await references unknown signal: %s", phase.Await)
	}

	var checkpoint *signal.Checkpoint
	if phase.Prompt != "" || def.Type == cascade.SignalHuman {
		cp, err := r.buildCheckpoint(env)
		if err != nil {
			return nil, "", err
		}
		checkpoint = cp
	}

	res, err := r.rc.Signals.Await(ctx, signal.AwaitRequest{
		CascadeID:   env.cascade.CascadeID,
		SessionID:   env.echo.SessionID(),
		Phase:       phase.Name,
		Name:        phase.Await,
		Def:         def,
		Signals:     env.cascade.Signals,
		Timeout:     phase.TimeoutSeconds,
		ParentTrace: phaseTrace,
		Depth:       env.depth + 1,
		Checkpoint:  checkpoint,
	})
	if err != nil {
		return nil, "", err
	}

	if res.TimedOut {
		switch phase.OnTimeout {
		case "", "abort":
			return nil, "", types.E(types.ErrSignal, phase.Name, "signal %s timed out", phase.Await)
		case "skip":
			return map[string]interface{}{"timed_out": true}, stopRouting, nil
		default:
			return map[string]interface{}{"timed_out": true}, phase.OnTimeout, nil
		}
	}

	next := ""
	if len(phase.OnSignal) > 0 {
		next = phase.OnSignal[res.Response()]
	}
	return res.Value, next, nil
}

// buildCheckpoint derives the human-facing prompt for a signal phase.
// The on_signal responses become the option set so the external UI can
// present exactly the accepted values.
func (r *CascadeRunner) buildCheckpoint(env phaseEnv) (*signal.Checkpoint, error) {
	phase := env.phase
	question := phase.Prompt
	if question != "" {
		rendered, err := template.Render(question, env.templateVars(0))
		if err != nil {
			return nil, types.Wrap(types.ErrTemplate, phase.Name, err)
		}
		question = rendered
	}
	if question == "" {
		question = "Waiting on " + phase.Await
	}

	var options []signal.Option
	for response, target := range phase.OnSignal {
		options = append(options, signal.Option{Label: response, Value: response, RouteTo: target})
	}
	return &signal.Checkpoint{Question: question, Options: options}, nil
}
