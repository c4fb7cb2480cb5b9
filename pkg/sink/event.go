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

// Package sink provides the append-only structured event log that makes
// every cascade decision observable and replayable. Every meaningful act
// during execution writes exactly one record carrying a trace identifier
// and a parent pointer; records are never mutated after append.
package sink

import (
	"time"
)

// NodeType classifies an event record in the log.
type NodeType string

const (
	NodeCascadeStart     NodeType = "cascade_start"
	NodeCascadeComplete  NodeType = "cascade_complete"
	NodeCascadeError     NodeType = "cascade_error"
	NodeCascadeCancelled NodeType = "cascade_cancelled"
	NodePhaseStart       NodeType = "phase_start"
	NodePhaseComplete    NodeType = "phase_complete"
	NodeTurn             NodeType = "turn"
	NodeAgent            NodeType = "agent"
	NodeToolCall         NodeType = "tool_call"
	NodeToolResult       NodeType = "tool_result"
	NodeSoundingAttempt  NodeType = "sounding_attempt"
	NodeSoundingWinner   NodeType = "sounding_winner"
	NodeReforgeStep      NodeType = "reforge_step"
	NodeWard             NodeType = "ward"
	NodeLoopUntilCheck   NodeType = "loop_until_check"
	NodeContextSelection NodeType = "context_selection"
	NodeCheckpoint       NodeType = "checkpoint"
	NodeSignalWait       NodeType = "signal_wait"
	NodeSignalFired      NodeType = "signal_fired"
	NodeSignalTimeout    NodeType = "signal_timeout"
	NodeStateUpdate      NodeType = "state_update"
	NodeCostUpdate       NodeType = "cost_update"
	NodeCostUpdateError  NodeType = "cost_update_error"
	NodeCancelled        NodeType = "cancelled"
	NodeReplayMarker     NodeType = "replay_marker"
)

// Event is a single row in the event sink. Timestamp, SessionID, TraceID
// and NodeType are required; everything else is optional classification,
// execution context, model accounting, or content.
type Event struct {
	// Seq is the insertion sequence assigned by the sink on append.
	// Together with Timestamp it totally orders events per session.
	Seq int64 `json:"seq"`

	// Required identity.
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
	TraceID   string    `json:"trace_id"`
	NodeType  NodeType  `json:"node_type"`

	// Classification.
	ParentID        string `json:"parent_id,omitempty"`
	ParentSessionID string `json:"parent_session_id,omitempty"`
	Role            string `json:"role,omitempty"`
	Depth           int    `json:"depth,omitempty"`
	CascadeID       string `json:"cascade_id,omitempty"`
	PhaseName       string `json:"phase_name,omitempty"`

	// Execution context.
	SoundingIndex *int `json:"sounding_index,omitempty"`
	IsWinner      bool `json:"is_winner,omitempty"`
	ReforgeStep   int  `json:"reforge_step,omitempty"`
	AttemptNumber int  `json:"attempt_number,omitempty"`
	TurnNumber    int  `json:"turn_number,omitempty"`

	// Model accounting.
	Model             string  `json:"model,omitempty"`
	ProviderRequestID string  `json:"provider_request_id,omitempty"`
	TokensIn          int     `json:"tokens_in,omitempty"`
	TokensOut         int     `json:"tokens_out,omitempty"`
	Cost              float64 `json:"cost,omitempty"`
	DurationMs        int64   `json:"duration_ms,omitempty"`

	// Content payload: assistant message, tool call list, tool result,
	// validator verdict, and so on. JSON-compatible.
	Content     interface{} `json:"content,omitempty"`
	ContentHash string      `json:"content_hash,omitempty"`

	// Metadata is a free-form structured map. The "semantic_actor" key is
	// reserved for downstream filtering.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// SetMeta sets a metadata key, allocating the map on first use.
func (e *Event) SetMeta(key string, value interface{}) {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
}

// Sounding returns a pointer for the SoundingIndex field.
func Sounding(i int) *int { return &i }

// ContextCard is a session-scoped summary of one event, used by the
// context selector without fetching full originals.
type ContextCard struct {
	SessionID   string    `json:"session_id"`
	ContentHash string    `json:"content_hash"`
	Summary     string    `json:"summary"`
	Keywords    []string  `json:"keywords,omitempty"`
	Embedding   []float32 `json:"embedding,omitempty"`
	Tokens      int       `json:"tokens"`
	IsAnchor    bool      `json:"is_anchor,omitempty"`
	IsCallout   bool      `json:"is_callout,omitempty"`
	PhaseName   string    `json:"phase_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
