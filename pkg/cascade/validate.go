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

package cascade

import (
	"github.com/teradata-labs/cascade/pkg/types"
)

// Validate checks structural correctness of a cascade: unique phase
// names, resolvable handoffs and routing targets, exactly one body
// shape per phase, and well-formed soundings, ward, and signal
// configuration. Tool and validator name resolution happens at run
// time against the registry.
func Validate(c *Cascade) error {
	if c.CascadeID == "" {
		return configErr("", "cascade_id is required")
	}
	if len(c.Phases) == 0 {
		return configErr("", "cascade %s has no phases", c.CascadeID)
	}

	names := make(map[string]bool, len(c.Phases))
	for _, p := range c.Phases {
		if p.Name == "" {
			return configErr("", "cascade %s: phase missing name", c.CascadeID)
		}
		if names[p.Name] {
			return configErr(p.Name, "duplicate phase name: %s", p.Name)
		}
		names[p.Name] = true
	}

	for _, p := range c.Phases {
		if err := validatePhase(c, p, names); err != nil {
			return err
		}
	}

	if c.Soundings != nil {
		if err := validateSoundings(c.Soundings, ""); err != nil {
			return err
		}
	}
	for name, sig := range c.Signals {
		if err := validateSignal(c, name, sig); err != nil {
			return err
		}
	}
	for _, spec := range c.Tools {
		if err := spec.Validate(); err != nil {
			return types.Wrap(types.ErrConfig, "", err)
		}
	}
	return nil
}

func validatePhase(c *Cascade, p *Phase, names map[string]bool) error {
	for _, h := range p.Handoffs {
		if !names[h] {
			return configErr(p.Name, "handoff to unknown phase: %s", h)
		}
	}

	bodies := 0
	if p.Instructions != "" {
		bodies++
	}
	if p.Run != "" {
		bodies++
	}
	if p.Await != "" {
		bodies++
	}
	if bodies != 1 {
		return configErr(p.Name, "phase must set exactly one of instructions, run, await (got %d)", bodies)
	}

	switch p.Kind() {
	case KindDeterministic:
		for _, target := range p.Routing {
			if !names[target] {
				return configErr(p.Name, "routing to unknown phase: %s", target)
			}
		}
		if p.OnError != "" && p.OnError != "abort" && !names[p.OnError] {
			return configErr(p.Name, "on_error references unknown phase: %s", p.OnError)
		}
	case KindSignal:
		if _, ok := c.Signals[p.Await]; !ok {
			return configErr(p.Name, "await references undefined signal: %s", p.Await)
		}
		for _, target := range p.OnSignal {
			if !names[target] {
				return configErr(p.Name, "on_signal routes to unknown phase: %s", target)
			}
		}
		if p.OnTimeout != "" && p.OnTimeout != "abort" && p.OnTimeout != "skip" && !names[p.OnTimeout] {
			return configErr(p.Name, "on_timeout must be abort, skip, or a phase name: %s", p.OnTimeout)
		}
	case KindLLM:
		if p.Rules != nil && p.Rules.MaxTurns != nil && *p.Rules.MaxTurns < 0 {
			return configErr(p.Name, "max_turns must be >= 0")
		}
	}

	if p.Wards != nil {
		for _, group := range [][]*WardDef{p.Wards.Pre, p.Wards.Post, p.Wards.Turn} {
			for _, w := range group {
				if w.Validator == "" {
					return configErr(p.Name, "ward %s missing validator", w.Label())
				}
				switch w.EffectiveMode() {
				case WardBlocking, WardRetry, WardAdvisory:
				default:
					return configErr(p.Name, "ward %s has invalid mode: %s", w.Label(), w.Mode)
				}
			}
		}
	}

	if p.Soundings != nil {
		if err := validateSoundings(p.Soundings, p.Name); err != nil {
			return err
		}
	}
	if p.Context != nil {
		if err := validateContext(p.Context, p.Name); err != nil {
			return err
		}
	}
	return nil
}

func validateSoundings(s *SoundingsConfig, phase string) error {
	if s.Factor < 1 {
		return configErr(phase, "soundings factor must be >= 1 (got %d)", s.Factor)
	}
	switch s.Assignment {
	case "", "round_robin", "random":
	default:
		return configErr(phase, "soundings assignment must be round_robin or random: %s", s.Assignment)
	}
	if s.Mutation != nil {
		switch s.Mutation.Mode {
		case "rewrite", "augment", "approach":
		default:
			return configErr(phase, "mutation mode must be rewrite, augment, or approach: %s", s.Mutation.Mode)
		}
	}
	if s.Evaluator != nil {
		switch s.Evaluator.EffectiveType() {
		case "llm", "cost_aware", "pareto", "aggregate", "human", "hybrid":
		default:
			return configErr(phase, "unknown evaluator type: %s", s.Evaluator.Type)
		}
		switch s.Evaluator.Normalization {
		case "", "min_max", "z_score", "log_scale":
		default:
			return configErr(phase, "unknown cost normalization: %s", s.Evaluator.Normalization)
		}
		switch s.Evaluator.Policy {
		case "", "prefer_cheap", "prefer_quality", "balanced":
		default:
			return configErr(phase, "unknown pareto policy: %s", s.Evaluator.Policy)
		}
	}
	if s.Reforge != nil {
		if s.Reforge.Steps < 1 {
			return configErr(phase, "reforge steps must be >= 1 (got %d)", s.Reforge.Steps)
		}
		if s.Reforge.FactorPerStep < 0 {
			return configErr(phase, "reforge factor_per_step must be >= 0")
		}
	}
	return nil
}

func validateContext(cc *ContextConfig, phase string) error {
	switch cc.Strategy {
	case "", "heuristic", "semantic", "llm", "hybrid":
	default:
		return configErr(phase, "unknown context strategy: %s", cc.Strategy)
	}
	if len(cc.Explicit) > 0 && len(cc.From) > 0 {
		return configErr(phase, "context may set from or explicit, not both")
	}
	return nil
}

func validateSignal(c *Cascade, name string, sig *SignalDef) error {
	switch sig.Type {
	case SignalHuman, SignalWebhook:
	case SignalTime:
		if sig.Schedule == "" {
			return configErr("", "time signal %s requires schedule", name)
		}
	case SignalSensor:
		if sig.Poll == nil || sig.Poll.Tool == "" {
			return configErr("", "sensor signal %s requires poll.tool", name)
		}
	case SignalComposite:
		if len(sig.Of) == 0 {
			return configErr("", "composite signal %s requires of", name)
		}
		if sig.Mode != "all" && sig.Mode != "any" {
			return configErr("", "composite signal %s mode must be all or any", name)
		}
		for _, child := range sig.Of {
			if child == name {
				return configErr("", "composite signal %s references itself", name)
			}
			if _, ok := c.Signals[child]; !ok {
				return configErr("", "composite signal %s references undefined signal: %s", name, child)
			}
		}
	default:
		return configErr("", "signal %s has unknown type: %s", name, sig.Type)
	}
	if sig.Auth != nil {
		switch sig.Auth.Type {
		case "hmac", "api_key", "none":
		default:
			return configErr("", "signal %s auth type must be hmac, api_key, or none", name)
		}
	}
	return nil
}

func configErr(phase, format string, args ...interface{}) error {
	return types.E(types.ErrConfig, phase, format, args...)
}
