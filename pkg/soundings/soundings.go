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

// Package soundings runs parallel exploratory candidates for a phase
// (or a whole cascade), selects a winner through a configurable
// evaluator, and optionally refines the winner through reforge rounds.
package soundings

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/cascade/pkg/cascade"
	"github.com/teradata-labs/cascade/pkg/echo"
	"github.com/teradata-labs/cascade/pkg/scheduler"
	"github.com/teradata-labs/cascade/pkg/sink"
	"github.com/teradata-labs/cascade/pkg/types"
	"github.com/teradata-labs/cascade/pkg/ward"
)

// Attempt is one candidate execution handed to the body function.
type Attempt struct {
	// Index is the sounding index, assigned before dispatch so events
	// stay attributable regardless of completion order.
	Index int

	// SessionID is the derived branch session id.
	SessionID string

	// TraceID is the trace node the body parents its events under (the
	// phase's dispatching node). The sounding_attempt record itself is
	// written on completion, carrying the pre-filter verdict.
	TraceID string

	// Echo is the candidate's isolated branch.
	Echo *echo.Echo

	// Model is the assigned model identifier (may equal the phase's).
	Model string

	// Instructions carries the (possibly mutated) phase instructions.
	// Empty for deterministic bodies.
	Instructions string

	// Vars carries extra template variables, e.g. the current winner
	// during reforge.
	Vars map[string]interface{}
}

// Body executes one candidate and returns its output.
type Body func(ctx context.Context, a *Attempt) (interface{}, types.Usage, error)

// Candidate is a completed attempt.
type Candidate struct {
	Index     int
	SessionID string
	TraceID   string
	Echo      *echo.Echo
	Model     string
	Output    interface{}
	Usage     types.Usage
	Err       error

	// Valid is false when the pre-filter rejected the candidate.
	Valid bool

	// Quality is filled by scoring evaluators.
	Quality float64
}

// Result of a soundings round.
type Result struct {
	// Winner is nil in aggregate mode.
	Winner *Candidate

	// Aggregate is the combined output in aggregate mode.
	Aggregate interface{}

	// Candidates holds every attempt, indexed by sounding index.
	Candidates []*Candidate

	// Rationale is the evaluator's stated reason.
	Rationale string

	// Usage sums candidate and evaluator usage.
	Usage types.Usage
}

// Output returns the round's effective output (winner or aggregate).
func (r *Result) Output() interface{} {
	if r.Winner != nil {
		return r.Winner.Output
	}
	return r.Aggregate
}

// Round describes one soundings execution.
type Round struct {
	Config       *cascade.SoundingsConfig
	CascadeID    string
	Phase        string
	ParentEcho   *echo.Echo
	ParentTrace  string
	Depth        int
	Instructions string

	// SessionFor overrides branch session id derivation (reforge rounds
	// install their own). Nil means the standard sounding suffix.
	SessionFor func(i int) string

	// Vars is merged into every attempt's Vars.
	Vars map[string]interface{}
}

// HumanSelector resolves human/hybrid evaluator selection through a
// checkpoint. Installed by the runner; returns the winning index.
type HumanSelector func(ctx context.Context, round Round, candidates []*Candidate) (int, error)

// Runner executes soundings rounds.
type Runner struct {
	pool       *scheduler.Pool
	events     sink.EventSink
	client     types.ModelClient // evaluator + rewrite mutations
	validators *ward.Registry
	human      HumanSelector
	logger     *zap.Logger
}

// NewRunner creates a soundings runner. pool caps per-round
// parallelism; rounds never run on it directly, so nested rounds
// cannot deadlock each other. client may be nil when no LLM evaluator
// or rewrite mutation is configured.
func NewRunner(pool *scheduler.Pool, events sink.EventSink, client types.ModelClient, validators *ward.Registry, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		pool:       pool,
		events:     events,
		client:     client,
		validators: validators,
		logger:     logger,
	}
}

// SetHumanSelector installs checkpoint-based selection.
func (r *Runner) SetHumanSelector(h HumanSelector) { r.human = h }

// Execute runs one soundings round: dispatch factor candidates with
// bounded parallelism, pre-filter, evaluate, tag the winner, then run
// reforge rounds when configured.
func (r *Runner) Execute(ctx context.Context, round Round, body Body) (*Result, error) {
	cfg := round.Config

	result, err := r.runRound(ctx, round, body)
	if err != nil {
		return nil, err
	}

	if cfg.Reforge != nil && result.Winner != nil {
		if err := r.reforge(ctx, round, body, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (r *Runner) runRound(ctx context.Context, round Round, body Body) (*Result, error) {
	cfg := round.Config
	factor := cfg.Factor

	mutations, err := r.prepareMutations(ctx, round, factor)
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(seed(cfg)))
	attempts := make([]*Attempt, factor)
	for i := range attempts {
		a := &Attempt{
			Index:        i,
			SessionID:    r.sessionFor(round, i),
			TraceID:      round.ParentTrace,
			Model:        assignModel(cfg, i, rng),
			Instructions: mutations[i],
			Vars:         round.Vars,
		}
		a.Echo = round.ParentEcho.Branch(a.SessionID)
		attempts[i] = a
	}

	// Each round fans out on its own pool. Sharing the runner's pool
	// across nesting levels would deadlock: an outer candidate's Wait
	// counts the task it is running inside, and nested Submits can
	// starve on slots held by their callers. The runner's pool only
	// caps the round's limit.
	limit := cfg.EffectiveMaxParallel()
	if r.pool != nil && r.pool.Limit() < limit {
		limit = r.pool.Limit()
	}
	pool := scheduler.NewPool(limit, r.logger)

	candidates, errs := scheduler.Map(ctx, pool, factor, func(ctx context.Context, i int) (*Candidate, error) {
		a := attempts[i]
		output, usage, err := body(ctx, a)
		return &Candidate{
			Index:     i,
			SessionID: a.SessionID,
			Echo:      a.Echo,
			Model:     a.Model,
			Output:    output,
			Usage:     usage,
			Err:       err,
			Valid:     err == nil,
		}, nil
	})
	if len(errs) > 0 {
		r.emitCancelled(ctx, round)
		return nil, types.Wrap(types.ErrCancelled, round.Phase, errs[0])
	}
	if err := ctx.Err(); err != nil {
		r.emitCancelled(ctx, round)
		return nil, types.Wrap(types.ErrCancelled, round.Phase, err)
	}

	result := &Result{Candidates: candidates}
	for _, c := range candidates {
		result.Usage.Add(c.Usage)
	}

	r.preFilter(ctx, round, candidates)
	for _, c := range candidates {
		r.emitAttempt(ctx, round, c)
	}

	survivors := surviving(candidates)
	if len(survivors) == 0 {
		return nil, types.E(types.ErrValidation, round.Phase, "all %d sounding candidates failed", len(candidates))
	}

	// A single survivor (or factor 1) needs no evaluator.
	if len(survivors) == 1 {
		result.Winner = survivors[0]
		result.Rationale = "single candidate"
	} else {
		if err := r.evaluate(ctx, round, survivors, result); err != nil {
			return nil, err
		}
	}

	if result.Winner != nil {
		r.emitWinner(ctx, round, result)
	}
	return result, nil
}

func (r *Runner) sessionFor(round Round, i int) string {
	if round.SessionFor != nil {
		return round.SessionFor(i)
	}
	return sink.SoundingSessionID(round.ParentEcho.SessionID(), i)
}

// preFilter runs the configured validator over succeeded candidates.
// If every candidate fails the filter, all are re-included and the
// fallback is recorded, so the round still selects something.
func (r *Runner) preFilter(ctx context.Context, round Round, candidates []*Candidate) {
	cfg := round.Config
	if cfg.PreValidator == "" || r.validators == nil {
		return
	}
	v, err := r.validators.Resolve(cfg.PreValidator)
	if err != nil {
		r.logger.Warn("pre-validator unresolved, skipping filter", zap.Error(err))
		return
	}

	anyValid := false
	for _, c := range candidates {
		if c.Err != nil {
			continue
		}
		verdict, err := v.Validate(ctx, ward.Input{
			Output:  c.Output,
			Phase:   round.Phase,
			State:   c.Echo.State(),
			Outputs: c.Echo.Outputs(),
		})
		c.Valid = err == nil && verdict.Valid
		if c.Valid {
			anyValid = true
		}
	}

	if !anyValid {
		for _, c := range candidates {
			if c.Err == nil {
				c.Valid = true
			}
		}
		r.emitFilterFallback(ctx, round)
	}
}

func surviving(candidates []*Candidate) []*Candidate {
	var out []*Candidate
	for _, c := range candidates {
		if c.Err == nil && c.Valid {
			out = append(out, c)
		}
	}
	return out
}

func assignModel(cfg *cascade.SoundingsConfig, i int, rng *rand.Rand) string {
	if len(cfg.Models) == 0 {
		return ""
	}
	if cfg.Assignment == "random" {
		return cfg.Models[rng.Intn(len(cfg.Models))]
	}
	return cfg.Models[i%len(cfg.Models)]
}

func seed(cfg *cascade.SoundingsConfig) int64 {
	if cfg.Seed != 0 {
		return cfg.Seed
	}
	return time.Now().UnixNano()
}

// event helpers

// emitAttempt writes the candidate's sounding_attempt record, carrying
// its output, usage, and pre-filter verdict. The record doubles as the
// trace node the winner event hangs under.
func (r *Runner) emitAttempt(ctx context.Context, round Round, c *Candidate) {
	c.TraceID = sink.NewTraceID()
	e := &sink.Event{
		Timestamp:     time.Now().UTC(),
		SessionID:     c.SessionID,
		TraceID:       c.TraceID,
		ParentID:      round.ParentTrace,
		NodeType:      sink.NodeSoundingAttempt,
		CascadeID:     round.CascadeID,
		PhaseName:     round.Phase,
		Depth:         round.Depth + 1,
		SoundingIndex: sink.Sounding(c.Index),
		Model:         c.Model,
		TokensIn:      c.Usage.InputTokens,
		TokensOut:     c.Usage.OutputTokens,
		Cost:          c.Usage.CostUSD,
		Content:       c.Output,
	}
	e.SetMeta("parent_session", round.ParentEcho.SessionID())
	e.SetMeta("valid", c.Valid)
	if c.Err != nil {
		e.SetMeta("error", c.Err.Error())
	}
	if err := r.events.Append(ctx, e); err != nil {
		r.logger.Warn("failed to record sounding attempt", zap.Error(err))
	}
}

// emitWinner tags the winning index with a dedicated event; prior
// records are never mutated.
func (r *Runner) emitWinner(ctx context.Context, round Round, result *Result) {
	w := result.Winner
	e := &sink.Event{
		Timestamp:     time.Now().UTC(),
		SessionID:     w.SessionID,
		TraceID:       sink.NewTraceID(),
		ParentID:      w.TraceID,
		NodeType:      sink.NodeSoundingWinner,
		CascadeID:     round.CascadeID,
		PhaseName:     round.Phase,
		Depth:         round.Depth + 1,
		SoundingIndex: sink.Sounding(w.Index),
		IsWinner:      true,
		Content:       result.Rationale,
	}
	if err := r.events.Append(ctx, e); err != nil {
		r.logger.Warn("failed to record sounding winner", zap.Error(err))
	}
}

// emitCancelled records the round's cancellation: started candidates
// ran to completion, unstarted ones were discarded. Written once per
// round, on a detached context so the record survives the cancel.
func (r *Runner) emitCancelled(ctx context.Context, round Round) {
	e := &sink.Event{
		Timestamp: time.Now().UTC(),
		SessionID: round.ParentEcho.SessionID(),
		TraceID:   sink.NewTraceID(),
		ParentID:  round.ParentTrace,
		NodeType:  sink.NodeCancelled,
		CascadeID: round.CascadeID,
		PhaseName: round.Phase,
		Depth:     round.Depth + 1,
	}
	if err := r.events.Append(context.WithoutCancel(ctx), e); err != nil {
		r.logger.Warn("failed to record cancellation", zap.Error(err))
	}
}

func (r *Runner) emitFilterFallback(ctx context.Context, round Round) {
	e := &sink.Event{
		Timestamp: time.Now().UTC(),
		SessionID: round.ParentEcho.SessionID(),
		TraceID:   sink.NewTraceID(),
		ParentID:  round.ParentTrace,
		NodeType:  sink.NodeWard,
		CascadeID: round.CascadeID,
		PhaseName: round.Phase,
		Depth:     round.Depth + 1,
		Content: map[string]interface{}{
			"pre_filter_fallback": true,
			"validator":           round.Config.PreValidator,
		},
	}
	if err := r.events.Append(ctx, e); err != nil {
		r.logger.Warn("failed to record pre-filter fallback", zap.Error(err))
	}
}
