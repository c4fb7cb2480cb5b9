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
	"math"
	"regexp"
	"strings"

	"github.com/teradata-labs/cascade/pkg/cascade"
	"github.com/teradata-labs/cascade/pkg/types"
)

const (
	defaultQualityWeight = 0.7
	defaultCostWeight    = 0.3
)

// evaluate selects the round's winner (or aggregate) among surviving
// candidates and fills result.Winner, result.Aggregate and
// result.Rationale. An evaluator failure aborts the round; there is no
// silent fallback to an arbitrary candidate.
func (r *Runner) evaluate(ctx context.Context, round Round, survivors []*Candidate, result *Result) error {
	return r.evaluateWith(ctx, round, round.Config.Evaluator, survivors, result)
}

func (r *Runner) evaluateWith(ctx context.Context, round Round, cfg *cascade.EvaluatorConfig, survivors []*Candidate, result *Result) error {
	switch cfg.EffectiveType() {
	case "llm":
		return r.evaluateLLM(ctx, round, cfg, survivors, result)
	case "cost_aware":
		return r.evaluateCostAware(ctx, round, cfg, survivors, result)
	case "pareto":
		return r.evaluatePareto(ctx, round, cfg, survivors, result)
	case "aggregate":
		return r.evaluateAggregate(ctx, round, cfg, survivors, result)
	case "human":
		return r.evaluateHuman(ctx, round, survivors, result)
	default:
		return types.E(types.ErrConfig, round.Phase, "unknown evaluator type %q", cfg.Type)
	}
}

var winnerRe = regexp.MustCompile(`-?\d+`)

// evaluateLLM shows every surviving output to the model and asks for the
// winning index plus a short rationale.
func (r *Runner) evaluateLLM(ctx context.Context, round Round, cfg *cascade.EvaluatorConfig, survivors []*Candidate, result *Result) error {
	if r.client == nil {
		return types.E(types.ErrConfig, round.Phase, "llm evaluator requires a model client")
	}

	var b strings.Builder
	b.WriteString("Select the best candidate below.\n")
	if cfg != nil && cfg.Instructions != "" {
		b.WriteString("Selection criteria: " + cfg.Instructions + "\n")
	}
	b.WriteString("\n")
	for _, c := range survivors {
		fmt.Fprintf(&b, "--- candidate %d (model %s, cost $%.4f) ---\n%s\n\n",
			c.Index, orUnknown(c.Model), c.Usage.CostUSD, outputString(c.Output))
	}
	b.WriteString("Reply with the winning candidate number on the first line, then a one-sentence rationale.")

	var model string
	if cfg != nil {
		model = cfg.Model
	}
	resp, err := r.client.Complete(ctx, types.ModelRequest{
		Model:    model,
		Messages: []types.Message{{Role: "user", Content: b.String()}},
	})
	if err != nil {
		return types.Wrap(types.ErrModel, round.Phase, err)
	}
	result.Usage.Add(resp.Usage)

	match := winnerRe.FindString(resp.Content)
	if match == "" {
		return types.E(types.ErrModel, round.Phase, "evaluator returned no candidate index: %q", truncateForErr(resp.Content))
	}
	var idx int
	fmt.Sscanf(match, "%d", &idx)
	winner := byIndex(survivors, idx)
	if winner == nil {
		return types.E(types.ErrModel, round.Phase, "evaluator selected index %d, not among surviving candidates", idx)
	}
	result.Winner = winner
	result.Rationale = strings.TrimSpace(resp.Content)
	return nil
}

// evaluateCostAware scores quality_weight*q + cost_weight*(1-normalized
// cost). Quality comes from an LLM scoring pass when a client is
// available, otherwise all candidates share quality 1 and cost decides.
func (r *Runner) evaluateCostAware(ctx context.Context, round Round, cfg *cascade.EvaluatorConfig, survivors []*Candidate, result *Result) error {
	if err := r.scoreQuality(ctx, round, cfg, survivors, result); err != nil {
		return err
	}

	qw, cw := cfg.QualityWeight, cfg.CostWeight
	if qw == 0 && cw == 0 {
		qw, cw = defaultQualityWeight, defaultCostWeight
	}
	normalized := normalizeCosts(survivors, cfg.Normalization)

	best := survivors[0]
	bestScore := math.Inf(-1)
	for i, c := range survivors {
		score := qw*c.Quality + cw*(1-normalized[i])
		// Ties break on the lowest sounding index; survivors are already
		// index-ordered, so strict improvement is enough.
		if score > bestScore {
			best, bestScore = c, score
		}
	}
	result.Winner = best
	result.Rationale = fmt.Sprintf("cost-aware score %.3f (quality %.2f, cost $%.4f)",
		bestScore, best.Quality, best.Usage.CostUSD)
	return nil
}

// evaluatePareto keeps the non-dominated set over (quality, cost) and
// picks from it by policy.
func (r *Runner) evaluatePareto(ctx context.Context, round Round, cfg *cascade.EvaluatorConfig, survivors []*Candidate, result *Result) error {
	if err := r.scoreQuality(ctx, round, cfg, survivors, result); err != nil {
		return err
	}

	frontier := paretoFront(survivors)
	best := frontier[0]
	switch cfg.Policy {
	case "prefer_cheap":
		for _, c := range frontier[1:] {
			if c.Usage.CostUSD < best.Usage.CostUSD {
				best = c
			}
		}
	case "prefer_quality":
		for _, c := range frontier[1:] {
			if c.Quality > best.Quality {
				best = c
			}
		}
	default: // balanced: maximize quality per dollar
		for _, c := range frontier[1:] {
			if ratio(c) > ratio(best) {
				best = c
			}
		}
	}
	result.Winner = best
	result.Rationale = fmt.Sprintf("pareto %s from %d non-dominated of %d",
		policyName(cfg.Policy), len(frontier), len(survivors))
	return nil
}

// evaluateAggregate combines every surviving output into one; no winner
// is declared and no is_winner event is written.
func (r *Runner) evaluateAggregate(ctx context.Context, round Round, cfg *cascade.EvaluatorConfig, survivors []*Candidate, result *Result) error {
	if r.client == nil {
		return types.E(types.ErrConfig, round.Phase, "aggregate evaluator requires a model client")
	}

	var b strings.Builder
	b.WriteString("Combine the candidate answers below into a single best answer.\n")
	if cfg != nil && cfg.Instructions != "" {
		b.WriteString(cfg.Instructions + "\n")
	}
	b.WriteString("\n")
	for _, c := range survivors {
		fmt.Fprintf(&b, "--- candidate %d ---\n%s\n\n", c.Index, outputString(c.Output))
	}

	var model string
	if cfg != nil {
		model = cfg.Model
	}
	resp, err := r.client.Complete(ctx, types.ModelRequest{
		Model:    model,
		Messages: []types.Message{{Role: "user", Content: b.String()}},
	})
	if err != nil {
		return types.Wrap(types.ErrModel, round.Phase, err)
	}
	result.Usage.Add(resp.Usage)
	result.Aggregate = resp.Content
	result.Rationale = fmt.Sprintf("aggregated %d candidates", len(survivors))
	return nil
}

func (r *Runner) evaluateHuman(ctx context.Context, round Round, survivors []*Candidate, result *Result) error {
	if r.human == nil {
		return types.E(types.ErrConfig, round.Phase, "human evaluator configured but no selector installed")
	}
	idx, err := r.human(ctx, round, survivors)
	if err != nil {
		return err
	}
	winner := byIndex(survivors, idx)
	if winner == nil {
		return types.E(types.ErrSignal, round.Phase, "human selection %d is not a surviving candidate", idx)
	}
	result.Winner = winner
	result.Rationale = "human selection"
	return nil
}

// scoreQuality fills Candidate.Quality in [0,1] via one LLM scoring
// call. Without a client every candidate scores 1 and selection reduces
// to cost.
func (r *Runner) scoreQuality(ctx context.Context, round Round, cfg *cascade.EvaluatorConfig, survivors []*Candidate, result *Result) error {
	if r.client == nil {
		for _, c := range survivors {
			c.Quality = 1
		}
		return nil
	}

	var b strings.Builder
	b.WriteString("Score each candidate answer from 0 to 10 for quality.\n")
	if cfg != nil && cfg.Instructions != "" {
		b.WriteString("Criteria: " + cfg.Instructions + "\n")
	}
	b.WriteString("\n")
	for _, c := range survivors {
		fmt.Fprintf(&b, "--- candidate %d ---\n%s\n\n", c.Index, outputString(c.Output))
	}
	b.WriteString(`Reply with a JSON object mapping candidate number to score, e.g. {"0": 7, "2": 9}.`)

	var model string
	if cfg != nil {
		model = cfg.Model
	}
	resp, err := r.client.Complete(ctx, types.ModelRequest{
		Model:    model,
		Messages: []types.Message{{Role: "user", Content: b.String()}},
	})
	if err != nil {
		return types.Wrap(types.ErrModel, round.Phase, err)
	}
	result.Usage.Add(resp.Usage)

	scores := map[string]float64{}
	raw := resp.Content
	if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			raw = raw[start : end+1]
		}
	}
	if err := json.Unmarshal([]byte(raw), &scores); err != nil {
		return types.E(types.ErrModel, round.Phase, "unparseable quality scores: %q", truncateForErr(resp.Content))
	}
	for _, c := range survivors {
		c.Quality = scores[fmt.Sprintf("%d", c.Index)] / 10
	}
	return nil
}

// paretoFront returns candidates not dominated on (quality up, cost
// down). Input order (sounding index) is preserved.
func paretoFront(survivors []*Candidate) []*Candidate {
	var out []*Candidate
	for _, c := range survivors {
		dominated := false
		for _, other := range survivors {
			if other == c {
				continue
			}
			if other.Quality >= c.Quality && other.Usage.CostUSD <= c.Usage.CostUSD &&
				(other.Quality > c.Quality || other.Usage.CostUSD < c.Usage.CostUSD) {
				dominated = true
				break
			}
		}
		if !dominated {
			out = append(out, c)
		}
	}
	return out
}

func normalizeCosts(survivors []*Candidate, mode string) []float64 {
	costs := make([]float64, len(survivors))
	for i, c := range survivors {
		costs[i] = c.Usage.CostUSD
	}
	switch mode {
	case "z_score":
		mean, std := meanStd(costs)
		out := make([]float64, len(costs))
		for i, c := range costs {
			z := 0.0
			if std > 0 {
				z = (c - mean) / std
			}
			out[i] = 1 / (1 + math.Exp(-z)) // squash to (0,1)
		}
		return out
	case "log_scale":
		logged := make([]float64, len(costs))
		for i, c := range costs {
			logged[i] = math.Log1p(c)
		}
		return minMax(logged)
	default: // min_max
		return minMax(costs)
	}
}

func minMax(vals []float64) []float64 {
	lo, hi := vals[0], vals[0]
	for _, v := range vals[1:] {
		lo, hi = math.Min(lo, v), math.Max(hi, v)
	}
	out := make([]float64, len(vals))
	if hi == lo {
		return out
	}
	for i, v := range vals {
		out[i] = (v - lo) / (hi - lo)
	}
	return out
}

func meanStd(vals []float64) (float64, float64) {
	var sum float64
	for _, v := range vals {
		sum += v
	}
	mean := sum / float64(len(vals))
	var sq float64
	for _, v := range vals {
		sq += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(sq / float64(len(vals)))
}

func ratio(c *Candidate) float64 {
	if c.Usage.CostUSD <= 0 {
		return math.Inf(1)
	}
	return c.Quality / c.Usage.CostUSD
}

func policyName(p string) string {
	if p == "" {
		return "balanced"
	}
	return p
}

func byIndex(survivors []*Candidate, idx int) *Candidate {
	for _, c := range survivors {
		if c.Index == idx {
			return c
		}
	}
	return nil
}

func outputString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return "(no output)"
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(raw)
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "default"
	}
	return s
}

func truncateForErr(s string) string {
	if len(s) > 120 {
		return s[:120] + "…"
	}
	return s
}
