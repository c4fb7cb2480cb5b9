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
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/cascade/pkg/cascade"
	"github.com/teradata-labs/cascade/pkg/echo"
	"github.com/teradata-labs/cascade/pkg/sink"
	"github.com/teradata-labs/cascade/pkg/soundings"
	"github.com/teradata-labs/cascade/pkg/tool"
	"github.com/teradata-labs/cascade/pkg/types"
	"github.com/teradata-labs/cascade/pkg/ward"
)

// Options configures one run.
type Options struct {
	// SessionID overrides the generated session id.
	SessionID string

	// ParentSessionID and Depth are set for sub-cascade spawns.
	ParentSessionID string
	Depth           int
}

// Result is the outcome of a cascade run.
type Result struct {
	Output    interface{}
	SessionID string
	Lineage   []string
	Outputs   map[string]interface{}
	Usage     types.Usage
}

// CascadeRunner executes cascades against one RunContext. One runner
// instance may serve many runs; each run owns its session and echo.
type CascadeRunner struct {
	rc *RunContext

	// replay, when set, answers model and tool invocations from a
	// recorded event log instead of executing them.
	replay *replaySource
}

// New creates a cascade runner and wires the run context's
// cross-package hooks (sub-cascade validators).
func New(rc *RunContext) *CascadeRunner {
	rc.normalize()
	r := &CascadeRunner{rc: rc}
	rc.Validators.SetSubCascadeValidator(r.validateWithCascade)
	return r
}

// Run executes the cascade to completion.
func (r *CascadeRunner) Run(ctx context.Context, c *cascade.Cascade, input map[string]interface{}, opts Options) (*Result, error) {
	if err := cascade.Validate(c); err != nil {
		return nil, err
	}
	if len(c.InputsSchema) > 0 {
		valid, problems, err := tool.ValidateDocument(c.InputsSchema, input)
		if err != nil {
			return nil, types.Wrap(types.ErrConfig, "", err)
		}
		if !valid {
			return nil, types.E(types.ErrValidation, "", "input rejected by schema: %s", problems[0])
		}
	}
	for _, spec := range c.Tools {
		if _, err := tool.BuildDeclarative(spec, r.rc.Registry); err != nil {
			return nil, err
		}
	}

	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = sink.NewSessionID()
	}
	var e *echo.Echo
	if opts.ParentSessionID != "" {
		e = echo.NewChild(sessionID, opts.ParentSessionID, opts.Depth, input)
	} else {
		e = echo.New(sessionID, input)
	}

	result := &Result{SessionID: sessionID}
	rootTrace, err := r.emitCascadeStart(ctx, c, e, opts)
	if err != nil {
		return nil, err
	}

	var output interface{}
	if c.Soundings != nil && c.Soundings.Factor > 1 {
		output, err = r.runCascadeSoundings(ctx, c, e, rootTrace, opts.Depth, &result.Usage)
	} else {
		output, err = r.runPhases(ctx, c, e, rootTrace, opts.Depth, &result.Usage)
	}

	result.Output = output
	result.Lineage = e.Lineage()
	result.Outputs = e.Outputs()

	if err != nil {
		nodeType := sink.NodeCascadeError
		if types.KindOf(err) == types.ErrCancelled {
			nodeType = sink.NodeCascadeCancelled
		}
		r.emitTerminal(ctx, c, e, rootTrace, nodeType, err, output, result.Usage)
		return result, err
	}

	r.emitComplete(ctx, c, e, rootTrace, output, result.Usage)
	return result, nil
}

// runPhases iterates phases from the entry phase, honoring routing.
func (r *CascadeRunner) runPhases(ctx context.Context, c *cascade.Cascade, e *echo.Echo, parentTrace string, depth int, usage *types.Usage) (interface{}, error) {
	phase := c.EntryPhase()
	var lastOutput interface{}

	for phase != nil {
		if err := ctx.Err(); err != nil {
			return lastOutput, types.Wrap(types.ErrCancelled, phase.Name, err)
		}

		env := phaseEnv{
			cascade:     c,
			phase:       phase,
			echo:        e,
			parentTrace: parentTrace,
			depth:       depth,
			usage:       usage,
		}
		output, next, err := r.executePhase(ctx, env)
		if err != nil {
			return lastOutput, err
		}
		e.SetOutput(phase.Name, output)
		e.CompletePhase(phase.Name)
		lastOutput = output

		name, err := nextPhaseName(phase, next)
		if err != nil {
			return lastOutput, err
		}
		if name == "" {
			break
		}
		p, ok := c.PhaseByName(name)
		if !ok {
			return lastOutput, types.E(types.ErrRouting, phase.Name, "route target %q is not a phase", name)
		}
		phase = p
	}
	return lastOutput, nil
}

// nextPhaseName resolves the successor: an explicit hint wins, a single
// handoff follows implicitly, no handoffs terminates, and multiple
// handoffs without a hint is a routing error.
func nextPhaseName(phase *cascade.Phase, hint string) (string, error) {
	if hint == stopRouting {
		return "", nil
	}
	if hint != "" {
		return hint, nil
	}
	switch len(phase.Handoffs) {
	case 0:
		return "", nil
	case 1:
		return phase.Handoffs[0], nil
	default:
		return "", types.E(types.ErrRouting, phase.Name,
			"ambiguous routing: %d handoffs and no route decision", len(phase.Handoffs))
	}
}

// stopRouting is the sentinel hint for "terminate here even though
// handoffs exist" (signal skip, decision option without a route).
const stopRouting = "\x00stop"

// runCascadeSoundings wraps the whole phase loop in a soundings round:
// the cascade executes factor times in parallel branch sessions, the
// evaluator picks the winning execution, and its echo merges back.
func (r *CascadeRunner) runCascadeSoundings(ctx context.Context, c *cascade.Cascade, e *echo.Echo, rootTrace string, depth int, usage *types.Usage) (interface{}, error) {
	sr := soundings.NewRunner(r.rc.Pool, r.rc.Events, r.rc.Clients.Default(), r.rc.Validators, r.rc.Logger)
	round := soundings.Round{
		Config:      c.Soundings,
		CascadeID:   c.CascadeID,
		Phase:       "",
		ParentEcho:  e,
		ParentTrace: rootTrace,
		Depth:       depth,
	}
	result, err := sr.Execute(ctx, round, func(ctx context.Context, a *soundings.Attempt) (interface{}, types.Usage, error) {
		var attemptUsage types.Usage
		output, err := r.runPhases(ctx, c, a.Echo, a.TraceID, depth+1, &attemptUsage)
		return output, attemptUsage, err
	})
	if err != nil {
		return nil, err
	}
	usage.Add(result.Usage)
	if result.Winner != nil {
		e.MergeWinner(result.Winner.Echo)
	}
	return result.Output(), nil
}

// validateWithCascade runs a sub-cascade as a ward validator: the
// candidate output becomes the sub-cascade's input, and the final
// output's valid/reason keys become the verdict.
func (r *CascadeRunner) validateWithCascade(ctx context.Context, cascadeID string, in ward.Input) (ward.Verdict, error) {
	if r.rc.Library == nil {
		return ward.Verdict{}, types.E(types.ErrConfig, in.Phase, "no cascade library for validator cascade %q", cascadeID)
	}
	c, ok := r.rc.Library(cascadeID)
	if !ok {
		return ward.Verdict{}, types.E(types.ErrConfig, in.Phase, "unknown validator cascade %q", cascadeID)
	}
	res, err := r.Run(ctx, c, map[string]interface{}{
		"output": in.Output,
		"phase":  in.Phase,
		"state":  in.State,
	}, Options{Depth: 1})
	if err != nil {
		return ward.Verdict{}, err
	}
	if m, ok := res.Output.(map[string]interface{}); ok {
		valid, _ := m["valid"].(bool)
		reason, _ := m["reason"].(string)
		return ward.Verdict{Valid: valid, Reason: reason}, nil
	}
	return ward.Verdict{}, types.E(types.ErrValidation, in.Phase,
		"validator cascade %q returned no valid/reason object", cascadeID)
}

// Spawn runs another cascade as a child of the given session, one
// nesting level deeper. The depth ceiling guards against recursive
// definitions.
func (r *CascadeRunner) Spawn(ctx context.Context, cascadeID string, input map[string]interface{}, parent *echo.Echo) (*Result, error) {
	if parent.Depth()+1 >= r.rc.MaxDepth {
		return nil, types.E(types.ErrConfig, "", "sub-cascade depth limit %d reached spawning %q", r.rc.MaxDepth, cascadeID)
	}
	if r.rc.Library == nil {
		return nil, types.E(types.ErrConfig, "", "no cascade library to spawn %q", cascadeID)
	}
	c, ok := r.rc.Library(cascadeID)
	if !ok {
		return nil, types.E(types.ErrConfig, "", "unknown cascade %q", cascadeID)
	}
	return r.Run(ctx, c, input, Options{
		ParentSessionID: parent.SessionID(),
		Depth:           parent.Depth() + 1,
	})
}

// event emission

func (r *CascadeRunner) emitCascadeStart(ctx context.Context, c *cascade.Cascade, e *echo.Echo, opts Options) (string, error) {
	traceID := sink.NewTraceID()
	ev := &sink.Event{
		Timestamp:       time.Now().UTC(),
		SessionID:       e.SessionID(),
		TraceID:         traceID,
		NodeType:        sink.NodeCascadeStart,
		CascadeID:       c.CascadeID,
		ParentSessionID: opts.ParentSessionID,
		Depth:           opts.Depth,
		Content:         e.Input(),
	}
	if err := r.rc.Events.Append(ctx, ev); err != nil {
		return "", types.Wrap(types.ErrConfig, "", err)
	}
	return traceID, nil
}

func (r *CascadeRunner) emitComplete(ctx context.Context, c *cascade.Cascade, e *echo.Echo, rootTrace string, output interface{}, usage types.Usage) {
	ev := &sink.Event{
		Timestamp: time.Now().UTC(),
		SessionID: e.SessionID(),
		TraceID:   sink.NewTraceID(),
		ParentID:  rootTrace,
		NodeType:  sink.NodeCascadeComplete,
		CascadeID: c.CascadeID,
		TokensIn:  usage.InputTokens,
		TokensOut: usage.OutputTokens,
		Cost:      usage.CostUSD,
		Content:   output,
	}
	ev.SetMeta("lineage", e.Lineage())
	if err := r.rc.Events.Append(ctx, ev); err != nil {
		r.rc.Logger.Warn("failed to record cascade completion", zap.Error(err))
	}
	if err := r.rc.Events.Flush(ctx); err != nil {
		r.rc.Logger.Warn("failed to flush sink", zap.Error(err))
	}
}

func (r *CascadeRunner) emitTerminal(ctx context.Context, c *cascade.Cascade, e *echo.Echo, rootTrace string, nodeType sink.NodeType, runErr error, partial interface{}, usage types.Usage) {
	ev := &sink.Event{
		Timestamp: time.Now().UTC(),
		SessionID: e.SessionID(),
		TraceID:   sink.NewTraceID(),
		ParentID:  rootTrace,
		NodeType:  nodeType,
		CascadeID: c.CascadeID,
		TokensIn:  usage.InputTokens,
		TokensOut: usage.OutputTokens,
		Cost:      usage.CostUSD,
		Content:   runErr.Error(),
	}
	ev.SetMeta("error_kind", string(types.KindOf(runErr)))
	var te *types.Error
	if errors.As(runErr, &te) && te.Phase != "" {
		ev.SetMeta("phase", te.Phase)
	}
	if lineage := e.Lineage(); len(lineage) > 0 {
		ev.SetMeta("last_completed", lineage[len(lineage)-1])
	}
	if partial != nil {
		ev.SetMeta("partial_output", partial)
	}
	// Cancellation and error paths still flush: partial traces must be
	// durable for resume and replay.
	if err := r.rc.Events.Append(context.WithoutCancel(ctx), ev); err != nil {
		r.rc.Logger.Warn("failed to record cascade terminal event", zap.Error(err))
	}
	if err := r.rc.Events.Flush(context.WithoutCancel(ctx)); err != nil {
		r.rc.Logger.Warn("failed to flush sink", zap.Error(err))
	}
}
