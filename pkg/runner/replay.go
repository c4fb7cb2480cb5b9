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
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/teradata-labs/cascade/pkg/cascade"
	"github.com/teradata-labs/cascade/pkg/sink"
	"github.com/teradata-labs/cascade/pkg/tool"
	"github.com/teradata-labs/cascade/pkg/types"
)

// replaySource holds per-session FIFO queues of recorded model
// responses and tool results, built from a frozen event log. During a
// replayed run the runner consumes these instead of calling providers
// or executing tools.
type replaySource struct {
	mu      sync.Mutex
	agents  map[string][]*types.ModelResponse
	tools   map[string][]*tool.Result
	input   map[string]interface{}
	started bool
}

// Replay re-executes a recorded session without model cost: model calls
// and tool executions are answered from the source log, and signal
// resolutions are seeded into the destination sink so awaits resume
// instantly. Lineage and final output match the original run.
func (r *CascadeRunner) Replay(ctx context.Context, c *cascade.Cascade, source sink.EventSink, sessionID string) (*Result, error) {
	events, err := source.Query(ctx, sink.Query{Predicate: func(e *sink.Event) bool {
		return e.SessionID == sessionID || strings.HasPrefix(e.SessionID, sessionID+"_")
	}})
	if err != nil {
		return nil, types.Wrap(types.ErrConfig, "", err)
	}
	if len(events) == 0 {
		return nil, types.E(types.ErrConfig, "", "no recorded events for session %s", sessionID)
	}

	src := buildReplaySource(events)
	if !src.started {
		return nil, types.E(types.ErrConfig, "", "session %s has no cascade_start record", sessionID)
	}

	if source != r.rc.Events {
		if err := r.seedResolutions(ctx, events); err != nil {
			return nil, err
		}
	}
	r.emitReplayMarker(ctx, c, sessionID, len(events))

	rr := &CascadeRunner{rc: r.rc, replay: src}
	return rr.Run(ctx, c, src.input, Options{SessionID: sessionID})
}

func buildReplaySource(events []*sink.Event) *replaySource {
	src := &replaySource{
		agents: make(map[string][]*types.ModelResponse),
		tools:  make(map[string][]*tool.Result),
	}
	for _, e := range events {
		switch e.NodeType {
		case sink.NodeCascadeStart:
			if !src.started {
				src.started = true
				if in, ok := e.Content.(map[string]interface{}); ok {
					src.input = in
				}
			}
		case sink.NodeAgent:
			content, _ := e.Content.(string)
			resp := &types.ModelResponse{
				Content:   content,
				ToolCalls: coerceToolCalls(e.Metadata["tool_calls"]),
				RequestID: e.ProviderRequestID,
				Usage: types.Usage{
					InputTokens:  e.TokensIn,
					OutputTokens: e.TokensOut,
					TotalTokens:  e.TokensIn + e.TokensOut,
					CostUSD:      e.Cost,
				},
			}
			src.agents[e.SessionID] = append(src.agents[e.SessionID], resp)
		case sink.NodeToolResult:
			name, _ := e.Metadata["tool"].(string)
			if name == "" {
				continue
			}
			res := &tool.Result{Content: e.Content, DurationMs: e.DurationMs}
			if route, ok := e.Metadata["route"].(string); ok {
				res.Route = route
			}
			if imgs, ok := e.Metadata["images"].([]string); ok {
				res.Images = imgs
			}
			if msg, ok := e.Metadata["error"].(string); ok {
				res.Error = &tool.Error{Code: "replayed_error", Message: msg}
			}
			key := toolKey(e.SessionID, name)
			src.tools[key] = append(src.tools[key], res)
		}
	}
	return src
}

func toolKey(sessionID, name string) string { return sessionID + "/" + name }

func (s *replaySource) popAgent(sessionID string) (*types.ModelResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.agents[sessionID]
	if len(q) == 0 {
		return nil, false
	}
	s.agents[sessionID] = q[1:]
	return q[0], true
}

func (s *replaySource) popTool(sessionID, name string) (*tool.Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := toolKey(sessionID, name)
	q := s.tools[key]
	if len(q) == 0 {
		return nil, false
	}
	s.tools[key] = q[1:]
	return q[0], true
}

// seedResolutions copies recorded signal outcomes into the destination
// sink so the signal manager finds them as prior resolutions.
func (r *CascadeRunner) seedResolutions(ctx context.Context, events []*sink.Event) error {
	for _, e := range events {
		if e.NodeType != sink.NodeSignalFired && e.NodeType != sink.NodeSignalTimeout {
			continue
		}
		copied := *e
		copied.Seq = 0
		// The original wait trace is not durable in the destination.
		copied.ParentID = ""
		if err := r.rc.Events.Append(ctx, &copied); err != nil {
			return types.Wrap(types.ErrConfig, "", err)
		}
	}
	return nil
}

func (r *CascadeRunner) emitReplayMarker(ctx context.Context, c *cascade.Cascade, sessionID string, sourceEvents int) {
	ev := &sink.Event{
		Timestamp: time.Now().UTC(),
		SessionID: sessionID,
		TraceID:   sink.NewTraceID(),
		NodeType:  sink.NodeReplayMarker,
		CascadeID: c.CascadeID,
	}
	ev.SetMeta("source_events", sourceEvents)
	if err := r.rc.Events.Append(ctx, ev); err != nil {
		r.rc.Logger.Warn("failed to record replay marker")
	}
}

// coerceToolCalls restores a tool-call list from event metadata, which
// may be the in-memory slice or a JSON-decoded generic value after a
// round trip through a persistent sink.
func coerceToolCalls(v interface{}) []types.ToolCall {
	switch calls := v.(type) {
	case nil:
		return nil
	case []types.ToolCall:
		return calls
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		var out []types.ToolCall
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil
		}
		return out
	}
}
