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

// Package echo holds the per-session mutable aggregate of a cascade
// run: key-value state, per-phase outputs, the full message history,
// the lineage of completed phases, and persisted image paths.
package echo

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/teradata-labs/cascade/pkg/types"
)

// Echo is the conversation/state aggregate owned by one cascade run.
// The main cascade progression is its only writer; parallel sounding
// candidates work on isolated branches created with Branch and merged
// back with MergeWinner.
type Echo struct {
	mu sync.RWMutex

	sessionID       string
	parentSessionID string
	depth           int

	input   map[string]interface{}
	state   map[string]interface{}
	outputs map[string]interface{}
	history []types.Message
	lineage []string

	// images maps phase name to the persisted image paths it produced,
	// in production order.
	images map[string][]string
}

// New creates an empty echo for a session.
func New(sessionID string, input map[string]interface{}) *Echo {
	return &Echo{
		sessionID: sessionID,
		input:     input,
		state:     make(map[string]interface{}),
		outputs:   make(map[string]interface{}),
		images:    make(map[string][]string),
	}
}

// NewChild creates an echo for a spawned sub-cascade.
func NewChild(sessionID, parentSessionID string, depth int, input map[string]interface{}) *Echo {
	e := New(sessionID, input)
	e.parentSessionID = parentSessionID
	e.depth = depth
	return e
}

func (e *Echo) SessionID() string       { return e.sessionID }
func (e *Echo) ParentSessionID() string { return e.parentSessionID }
func (e *Echo) Depth() int              { return e.depth }

// Input returns the cascade input.
func (e *Echo) Input() map[string]interface{} { return e.input }

// SetState writes one state key. Mutations are totally ordered by the
// caller: phase completion order across phases, turn order within one.
func (e *Echo) SetState(key string, value interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state[key] = value
}

// State returns a shallow copy of the state map.
func (e *Echo) State() map[string]interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]interface{}, len(e.state))
	for k, v := range e.state {
		out[k] = v
	}
	return out
}

// GetState reads one state key.
func (e *Echo) GetState(key string) (interface{}, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.state[key]
	return v, ok
}

// SetOutput records a phase's final output.
func (e *Echo) SetOutput(phase string, output interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.outputs[phase] = output
}

// Output returns the named phase's last output.
func (e *Echo) Output(phase string) (interface{}, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.outputs[phase]
	return v, ok
}

// Outputs returns a shallow copy of the outputs map.
func (e *Echo) Outputs() map[string]interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]interface{}, len(e.outputs))
	for k, v := range e.outputs {
		out[k] = v
	}
	return out
}

// AppendMessage appends to the session history.
func (e *Echo) AppendMessage(m types.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append(e.history, m)
}

// History returns a copy of the full message history.
func (e *Echo) History() []types.Message {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]types.Message, len(e.history))
	copy(out, e.history)
	return out
}

// PhaseHistory returns the messages tagged with the given phase.
func (e *Echo) PhaseHistory(phase string) []types.Message {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []types.Message
	for _, m := range e.history {
		if m.PhaseName == phase {
			out = append(out, m)
		}
	}
	return out
}

// CompletePhase appends to the lineage.
func (e *Echo) CompletePhase(phase string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lineage = append(e.lineage, phase)
}

// Lineage returns the ordered completed phase names.
func (e *Echo) Lineage() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, len(e.lineage))
	copy(out, e.lineage)
	return out
}

// AddImage records a persisted image path for a phase.
func (e *Echo) AddImage(phase, path string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.images[phase] = append(e.images[phase], path)
}

// Images returns the image paths recorded for a phase.
func (e *Echo) Images(phase string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, len(e.images[phase]))
	copy(out, e.images[phase])
	return out
}

// Branch creates an isolated deep copy for a sounding candidate,
// running under the derived session id. Branch state never leaks into
// the parent; MergeWinner copies the winner's view back.
func (e *Echo) Branch(sessionID string) *Echo {
	e.mu.RLock()
	defer e.mu.RUnlock()

	b := &Echo{
		sessionID:       sessionID,
		parentSessionID: e.sessionID,
		depth:           e.depth,
		input:           e.input,
		state:           deepCopyMap(e.state),
		outputs:         deepCopyMap(e.outputs),
		history:         make([]types.Message, len(e.history)),
		lineage:         make([]string, len(e.lineage)),
		images:          make(map[string][]string, len(e.images)),
	}
	copy(b.history, e.history)
	copy(b.lineage, e.lineage)
	for k, v := range e.images {
		paths := make([]string, len(v))
		copy(paths, v)
		b.images[k] = paths
	}
	return b
}

// MergeWinner replaces this echo's mutable view with the winning
// branch's. Only ever called with a branch created from this echo, on
// the main progression path, after all candidates have settled.
func (e *Echo) MergeWinner(winner *Echo) {
	winner.mu.RLock()
	state := deepCopyMap(winner.state)
	outputs := deepCopyMap(winner.outputs)
	history := make([]types.Message, len(winner.history))
	copy(history, winner.history)
	lineage := make([]string, len(winner.lineage))
	copy(lineage, winner.lineage)
	images := make(map[string][]string, len(winner.images))
	for k, v := range winner.images {
		paths := make([]string, len(v))
		copy(paths, v)
		images[k] = paths
	}
	winner.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = state
	e.outputs = outputs
	e.history = history
	e.lineage = lineage
	e.images = images
}

// Snapshot returns a JSON-compatible view of the echo for events and
// checkpoint records.
func (e *Echo) Snapshot() map[string]interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return map[string]interface{}{
		"session_id":        e.sessionID,
		"parent_session_id": e.parentSessionID,
		"depth":             e.depth,
		"state":             deepCopyMap(e.state),
		"outputs":           deepCopyMap(e.outputs),
		"lineage":           append([]string(nil), e.lineage...),
	}
}

// deepCopyMap copies through JSON so nested maps and slices are not
// shared between branches. Values that cannot round-trip (rare; state
// is JSON-compatible by contract) fall back to shallow copy.
func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v interface{}) interface{} {
	switch v.(type) {
	case nil, bool, string, int, int64, float64:
		return v
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var copied interface{}
	if err := json.Unmarshal(raw, &copied); err != nil {
		return v
	}
	return copied
}

// DescribeLineage renders the lineage for logs.
func (e *Echo) DescribeLineage() string {
	return fmt.Sprintf("%v", e.Lineage())
}
