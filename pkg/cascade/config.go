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

// Package cascade defines the declarative cascade configuration model
// and its loader: a cascade is a directed graph of phases (LLM
// turn-loop, deterministic, or signal-wait) described in YAML.
package cascade

import (
	"fmt"
	"strings"

	"github.com/teradata-labs/cascade/pkg/tool"
)

// Cascade is one immutable workflow configuration.
type Cascade struct {
	CascadeID    string                 `yaml:"cascade_id"`
	Description  string                 `yaml:"description,omitempty"`
	InputsSchema map[string]interface{} `yaml:"inputs_schema,omitempty"`

	// Phases execute in declaration order unless routing says otherwise.
	Phases []*Phase `yaml:"phases"`

	// Signals declares the named durable conditions phases may await.
	Signals map[string]*SignalDef `yaml:"signals,omitempty"`

	// Soundings, when set, wraps the whole cascade in a parallel
	// exploration round.
	Soundings *SoundingsConfig `yaml:"soundings,omitempty"`

	// AutoContext supplies inter-phase context defaults for phases that
	// do not declare their own.
	AutoContext *ContextConfig `yaml:"auto_context,omitempty"`

	// Tools defines declarative tools scoped to this cascade.
	Tools []*tool.DeclarativeSpec `yaml:"tools,omitempty"`

	// TokenBudget caps inter-phase context assembly, in tokens. Zero
	// means the builder default.
	TokenBudget int `yaml:"token_budget,omitempty"`

	// MaxParallel bounds the scheduler pool for this cascade. Zero means
	// the runner default.
	MaxParallel int `yaml:"max_parallel,omitempty"`

	// Triggers, Memory, Narrator, and Manifest are accepted from the
	// document and carried verbatim for external tooling. The execution
	// engine does not interpret them: runs start through the CLI and
	// HTTP surfaces, and long-term memory and narration live outside
	// the runtime.
	Triggers []map[string]interface{} `yaml:"triggers,omitempty"`
	Memory   map[string]interface{}   `yaml:"memory,omitempty"`
	Narrator map[string]interface{}   `yaml:"narrator,omitempty"`
	Manifest map[string]interface{}   `yaml:"manifest,omitempty"`

	// Internal marks a building-block cascade: loadable by the library
	// (sub-cascade spawns and validators may reference it) but excluded
	// from run-launch listings.
	Internal bool `yaml:"internal,omitempty"`
}

// PhaseKind discriminates the three phase variants.
type PhaseKind string

const (
	KindLLM           PhaseKind = "llm"
	KindDeterministic PhaseKind = "deterministic"
	KindSignal        PhaseKind = "signal"
)

// Phase is one named unit of work.
type Phase struct {
	Name     string   `yaml:"name"`
	Handoffs []string `yaml:"handoffs,omitempty"`

	Context      *ContextConfig         `yaml:"context,omitempty"`
	IntraContext *IntraContextConfig    `yaml:"intra_context,omitempty"`
	Wards        *WardSet               `yaml:"wards,omitempty"`
	OutputSchema map[string]interface{} `yaml:"output_schema,omitempty"`
	Soundings    *SoundingsConfig       `yaml:"soundings,omitempty"`

	// LLM phase fields.
	Instructions string   `yaml:"instructions,omitempty"`
	Model        string   `yaml:"model,omitempty"`
	Tools        []string `yaml:"tools,omitempty"`
	Rules        *Rules   `yaml:"rules,omitempty"`

	// Deterministic phase fields. Run is a registered tool name or a
	// prefixed reference: "func:name", "sql:path/query.sql",
	// "shell:path/script.sh".
	Run     string                 `yaml:"run,omitempty"`
	Inputs  map[string]interface{} `yaml:"inputs,omitempty"`
	Routing map[string]string      `yaml:"routing,omitempty"`
	Retry   *RetryConfig           `yaml:"retry,omitempty"`
	Timeout string                 `yaml:"timeout,omitempty"`
	OnError string                 `yaml:"on_error,omitempty"`

	// Signal phase fields.
	Await          string            `yaml:"await,omitempty"`
	OnSignal       map[string]string `yaml:"on_signal,omitempty"`
	OnTimeout      string            `yaml:"on_timeout,omitempty"`
	// TimeoutSeconds nil means wait indefinitely; an explicit zero
	// times out immediately.
	TimeoutSeconds *int   `yaml:"timeout_seconds,omitempty"`
	Prompt         string `yaml:"prompt,omitempty"`
}

// Kind reports the phase variant, inferred from which body fields are
// set. Validation guarantees exactly one variant applies.
func (p *Phase) Kind() PhaseKind {
	switch {
	case p.Run != "":
		return KindDeterministic
	case p.Await != "":
		return KindSignal
	default:
		return KindLLM
	}
}

// Rules bounds an LLM phase's turn loop.
type Rules struct {
	// MaxTurns nil means the default bound; an explicit zero forbids
	// agent turns entirely.
	MaxTurns    *int       `yaml:"max_turns,omitempty"`
	MaxAttempts int        `yaml:"max_attempts,omitempty"`
	LoopUntil   *LoopUntil `yaml:"loop_until,omitempty"`
	TurnPrompt  string     `yaml:"turn_prompt,omitempty"`

	// NativeTools selects the model's structured tool-call channel. When
	// false, tool schemas are injected textually and assistant output is
	// parsed for fenced tool-call JSON.
	NativeTools *bool `yaml:"native_tools,omitempty"`
}

// EffectiveMaxTurns applies the default turn bound.
func (r *Rules) EffectiveMaxTurns() int {
	if r == nil || r.MaxTurns == nil {
		return DefaultMaxTurns
	}
	return *r.MaxTurns
}

// EffectiveMaxAttempts applies the default attempt bound.
func (r *Rules) EffectiveMaxAttempts() int {
	if r == nil || r.MaxAttempts == 0 {
		return 1
	}
	return r.MaxAttempts
}

// Native reports whether native tool calling is enabled (the default).
func (r *Rules) Native() bool {
	if r == nil || r.NativeTools == nil {
		return true
	}
	return *r.NativeTools
}

// DefaultMaxTurns bounds an LLM phase that declares no max_turns.
const DefaultMaxTurns = 10

// LoopUntil is a per-turn acceptance validator with implicit retry
// semantics bounded by max_turns.
type LoopUntil struct {
	Validator string `yaml:"validator"`

	// Silent suppresses the acceptance-criterion footer appended to the
	// phase instructions.
	Silent bool `yaml:"silent,omitempty"`

	// Description is shown in the footer when not silent.
	Description string `yaml:"description,omitempty"`
}

// WardSet groups a phase's validators by placement.
type WardSet struct {
	Pre  []*WardDef `yaml:"pre,omitempty"`
	Post []*WardDef `yaml:"post,omitempty"`
	Turn []*WardDef `yaml:"turn,omitempty"`
}

// WardMode classifies ward failure handling.
type WardMode string

const (
	WardBlocking WardMode = "blocking"
	WardRetry    WardMode = "retry"
	WardAdvisory WardMode = "advisory"
)

// WardDef declares one validator. Validator is a registered validator
// name, "func:name", or "cascade:id" for sub-cascade validators.
type WardDef struct {
	Name        string   `yaml:"name,omitempty"`
	Validator   string   `yaml:"validator"`
	Mode        WardMode `yaml:"mode,omitempty"`
	MaxAttempts int      `yaml:"max_attempts,omitempty"`
}

// EffectiveMode applies the default ward mode.
func (w *WardDef) EffectiveMode() WardMode {
	if w.Mode == "" {
		return WardBlocking
	}
	return w.Mode
}

// Label returns the ward's display name.
func (w *WardDef) Label() string {
	if w.Name != "" {
		return w.Name
	}
	return w.Validator
}

// RetryConfig controls deterministic-phase retry.
type RetryConfig struct {
	MaxAttempts int    `yaml:"max_attempts,omitempty"`
	Backoff     string `yaml:"backoff,omitempty"` // "exponential" (default) or "linear"
	InitialWait string `yaml:"initial_wait,omitempty"`
	MaxDelay    string `yaml:"max_delay,omitempty"`
}

// ContextConfig controls inter-phase context selection.
type ContextConfig struct {
	// From names source phases, or the keywords "previous", "first",
	// "all".
	From    []string `yaml:"from,omitempty"`
	Exclude []string `yaml:"exclude,omitempty"`

	// Strategy is "heuristic" (default), "semantic", "llm", or "hybrid".
	Strategy  string  `yaml:"strategy,omitempty"`
	MaxTokens int     `yaml:"max_tokens,omitempty"`
	Threshold float64 `yaml:"threshold,omitempty"`

	// AnchorTurns is the number of trailing turns of the previous phase
	// always included.
	AnchorTurns int `yaml:"anchor_turns,omitempty"`

	// Model overrides the cheap model used by the llm/hybrid strategies.
	Model string `yaml:"model,omitempty"`

	// Explicit bypasses auto-selection: each entry fully specifies what
	// to take from one source phase.
	Explicit []*ExplicitSource `yaml:"explicit,omitempty"`
}

// ExplicitSource fully specifies the context taken from one phase.
type ExplicitSource struct {
	Phase    string `yaml:"phase"`
	Messages bool   `yaml:"messages,omitempty"`
	Output   bool   `yaml:"output,omitempty"`
	Images   bool   `yaml:"images,omitempty"`
	State    bool   `yaml:"state,omitempty"`
}

// IntraContextConfig controls within-phase turn compression.
type IntraContextConfig struct {
	// Window is the number of trailing turns kept at full fidelity.
	Window int `yaml:"window,omitempty"`

	// TruncateAt caps preserved assistant reasoning, in characters.
	TruncateAt int `yaml:"truncate_at,omitempty"`

	// RetryHistory is the number of prior attempts included when a
	// loop_until retry rebuilds context from scratch.
	RetryHistory int `yaml:"retry_history,omitempty"`
}

// SoundingsConfig configures a parallel exploration round.
type SoundingsConfig struct {
	Factor      int `yaml:"factor"`
	MaxParallel int `yaml:"max_parallel,omitempty"`

	// Models optionally assigns candidate models. Assignment is
	// "round_robin" (default) or "random".
	Models     []string `yaml:"models,omitempty"`
	Assignment string   `yaml:"assignment,omitempty"`
	Seed       int64    `yaml:"seed,omitempty"`

	Mutation     *MutationConfig  `yaml:"mutation,omitempty"`
	PreValidator string           `yaml:"pre_validator,omitempty"`
	Evaluator    *EvaluatorConfig `yaml:"evaluator,omitempty"`
	Reforge      *ReforgeConfig   `yaml:"reforge,omitempty"`
}

// EffectiveMaxParallel clamps max_parallel to factor.
func (s *SoundingsConfig) EffectiveMaxParallel() int {
	if s.MaxParallel <= 0 || s.MaxParallel > s.Factor {
		return s.Factor
	}
	return s.MaxParallel
}

// MutationConfig controls per-candidate prompt mutation. Mode is
// "rewrite", "augment", or "approach". Templates override the built-in
// catalog for the mode.
type MutationConfig struct {
	Mode      string   `yaml:"mode"`
	Templates []string `yaml:"templates,omitempty"`

	// Model used by rewrite mode; defaults to the phase model.
	Model string `yaml:"model,omitempty"`
}

// EvaluatorConfig selects the winner of a soundings round. Type is
// "llm" (default), "cost_aware", "pareto", "aggregate", or "human".
type EvaluatorConfig struct {
	Type         string `yaml:"type,omitempty"`
	Instructions string `yaml:"instructions,omitempty"`
	Model        string `yaml:"model,omitempty"`

	// cost_aware
	QualityWeight float64 `yaml:"quality_weight,omitempty"`
	CostWeight    float64 `yaml:"cost_weight,omitempty"`
	Normalization string  `yaml:"normalization,omitempty"` // min_max, z_score, log_scale

	// pareto
	Policy string `yaml:"policy,omitempty"` // prefer_cheap, prefer_quality, balanced

	// human: checkpoint signal name used for selection.
	Signal string `yaml:"signal,omitempty"`
}

// EffectiveType applies the default evaluator type.
func (e *EvaluatorConfig) EffectiveType() string {
	if e == nil || e.Type == "" {
		return "llm"
	}
	return e.Type
}

// ReforgeConfig iteratively refines a soundings winner.
type ReforgeConfig struct {
	Steps             int              `yaml:"steps"`
	FactorPerStep     int              `yaml:"factor_per_step,omitempty"`
	HoningPrompt      string           `yaml:"honing_prompt,omitempty"`
	EvaluatorOverride *EvaluatorConfig `yaml:"evaluator_override,omitempty"`
	EarlyStop         string           `yaml:"early_stop,omitempty"` // validator name
}

// SignalKind enumerates signal definitions.
type SignalKind string

const (
	SignalHuman     SignalKind = "human"
	SignalSensor    SignalKind = "sensor"
	SignalWebhook   SignalKind = "webhook"
	SignalTime      SignalKind = "time"
	SignalComposite SignalKind = "composite"
)

// SignalDef declares one named durable condition at cascade scope.
type SignalDef struct {
	Type   SignalKind             `yaml:"type"`
	Schema map[string]interface{} `yaml:"schema,omitempty"`

	// Webhook authentication.
	Auth *SignalAuth `yaml:"auth,omitempty"`

	// Time signals: cron schedule expression.
	Schedule string `yaml:"schedule,omitempty"`

	// Sensor signals: a registered tool polled on an interval; the
	// signal fires when the tool's status is "true"/"fired".
	Poll *SensorPoll `yaml:"poll,omitempty"`

	// Composite signals.
	Of   []string `yaml:"of,omitempty"`
	Mode string   `yaml:"mode,omitempty"` // "all" or "any"

	TimeoutSeconds *int `yaml:"timeout_seconds,omitempty"`
}

// SignalAuth configures webhook endpoint authentication. Type is
// "hmac", "api_key", or "none".
type SignalAuth struct {
	Type      string `yaml:"type"`
	SecretEnv string `yaml:"secret_env,omitempty"`
	Header    string `yaml:"header,omitempty"`
}

// SensorPoll configures sensor polling.
type SensorPoll struct {
	Tool     string                 `yaml:"tool"`
	Args     map[string]interface{} `yaml:"args,omitempty"`
	Interval string                 `yaml:"interval,omitempty"`
}

// PhaseByName returns the named phase.
func (c *Cascade) PhaseByName(name string) (*Phase, bool) {
	for _, p := range c.Phases {
		if p.Name == name {
			return p, true
		}
	}
	return nil, false
}

// EntryPhase returns the first phase.
func (c *Cascade) EntryPhase() *Phase {
	if len(c.Phases) == 0 {
		return nil
	}
	return c.Phases[0]
}

// RunKind classifies a deterministic run reference by prefix.
func RunKind(run string) (kind, target string) {
	for _, prefix := range []string{"func:", "sql:", "shell:"} {
		if strings.HasPrefix(run, prefix) {
			return strings.TrimSuffix(prefix, ":"), strings.TrimPrefix(run, prefix)
		}
	}
	return "tool", run
}

func (c *Cascade) String() string {
	names := make([]string, len(c.Phases))
	for i, p := range c.Phases {
		names[i] = p.Name
	}
	return fmt.Sprintf("cascade %s [%s]", c.CascadeID, strings.Join(names, " -> "))
}
