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
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/cascade/pkg/cascade"
	"github.com/teradata-labs/cascade/pkg/sink"
	"github.com/teradata-labs/cascade/pkg/tool"
	"github.com/teradata-labs/cascade/pkg/types"
)

// Disposition is the runner's aggregate decision over a ward list.
type Disposition int

const (
	// Proceed means every ward passed (or failures were advisory).
	Proceed Disposition = iota

	// Retry means a retry-mode ward failed with attempts remaining; the
	// phase body re-executes with the reason as feedback.
	Retry

	// Abort means a blocking ward failed, or a retry ward exhausted its
	// attempts.
	Abort
)

// Trace identifies where ward events hang in the trace tree.
type Trace struct {
	SessionID string
	ParentID  string
	CascadeID string
	Depth     int
}

// Runner executes ward lists and records one ward event per verdict.
type Runner struct {
	registry *Registry
	events   sink.EventSink
	logger   *zap.Logger
}

// NewRunner creates a ward runner.
func NewRunner(registry *Registry, events sink.EventSink, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{registry: registry, events: events, logger: logger}
}

// Run evaluates the ward list in order and folds the verdicts into a
// single disposition. The first non-advisory failure decides: blocking
// wards abort, retry wards request a retry until the attempt budget
// (in.Attempt vs. max_attempts) is spent, then abort.
func (r *Runner) Run(ctx context.Context, defs []*cascade.WardDef, in Input, tr Trace) (Disposition, string, error) {
	for _, def := range defs {
		verdict, err := r.evalOne(ctx, def, in, tr)
		if err != nil {
			return Abort, "", err
		}
		if verdict.Valid {
			continue
		}

		switch def.EffectiveMode() {
		case cascade.WardAdvisory:
			r.logger.Info("advisory ward failed",
				zap.String("ward", def.Label()),
				zap.String("phase", in.Phase),
				zap.String("reason", verdict.Reason))
		case cascade.WardRetry:
			if in.Attempt+1 < maxAttempts(def) {
				return Retry, verdict.Reason, nil
			}
			return Abort, verdict.Reason, types.E(types.ErrValidation, in.Phase,
				"ward %s failed after %d attempts: %s", def.Label(), in.Attempt+1, verdict.Reason)
		default: // blocking
			return Abort, verdict.Reason, types.E(types.ErrValidation, in.Phase,
				"ward %s failed: %s", def.Label(), verdict.Reason)
		}
	}
	return Proceed, "", nil
}

func (r *Runner) evalOne(ctx context.Context, def *cascade.WardDef, in Input, tr Trace) (Verdict, error) {
	v, err := r.registry.Resolve(def.Validator)
	if err != nil {
		return Verdict{}, types.Wrap(types.ErrConfig, in.Phase, err)
	}

	verdict, err := v.Validate(ctx, in)
	if err != nil {
		return Verdict{}, types.Wrap(types.ErrTool, in.Phase, err)
	}

	r.emit(ctx, sink.NodeWard, def.Label(), verdict, in, tr)
	return verdict, nil
}

// CheckLoopUntil evaluates a loop_until validator against the turn's
// assistant content and records a loop_until_check event.
func (r *Runner) CheckLoopUntil(ctx context.Context, lu *cascade.LoopUntil, in Input, tr Trace) (Verdict, error) {
	v, err := r.registry.Resolve(lu.Validator)
	if err != nil {
		return Verdict{}, types.Wrap(types.ErrConfig, in.Phase, err)
	}
	verdict, err := v.Validate(ctx, in)
	if err != nil {
		return Verdict{}, types.Wrap(types.ErrTool, in.Phase, err)
	}
	r.emit(ctx, sink.NodeLoopUntilCheck, lu.Validator, verdict, in, tr)
	return verdict, nil
}

// CheckOutputSchema validates a phase's final output against its
// declared JSON schema. Behaves like a retry ward from the caller's
// perspective; this only produces the verdict and event.
func (r *Runner) CheckOutputSchema(ctx context.Context, schema map[string]interface{}, in Input, tr Trace) (Verdict, error) {
	valid, msgs, err := tool.ValidateDocument(schema, in.Output)
	if err != nil {
		return Verdict{}, types.Wrap(types.ErrValidation, in.Phase, err)
	}
	verdict := Verdict{Valid: valid}
	if !valid {
		verdict.Reason = "output does not match schema: " + joinMsgs(msgs)
	}
	r.emit(ctx, sink.NodeWard, "output_schema", verdict, in, tr)
	return verdict, nil
}

func (r *Runner) emit(ctx context.Context, nodeType sink.NodeType, label string, verdict Verdict, in Input, tr Trace) {
	if r.events == nil {
		return
	}
	e := &sink.Event{
		Timestamp:     time.Now().UTC(),
		SessionID:     tr.SessionID,
		TraceID:       sink.NewTraceID(),
		ParentID:      tr.ParentID,
		NodeType:      nodeType,
		CascadeID:     tr.CascadeID,
		PhaseName:     in.Phase,
		Depth:         tr.Depth,
		TurnNumber:    in.Turn,
		AttemptNumber: in.Attempt,
		Content:       verdict,
	}
	e.SetMeta("ward", label)
	if err := r.events.Append(ctx, e); err != nil {
		r.logger.Warn("failed to record ward event", zap.Error(err))
	}
}

func maxAttempts(def *cascade.WardDef) int {
	if def.MaxAttempts <= 0 {
		return 2
	}
	return def.MaxAttempts
}

func joinMsgs(msgs []string) string {
	out := ""
	for i, m := range msgs {
		if i > 0 {
			out += "; "
		}
		out += m
	}
	return out
}
