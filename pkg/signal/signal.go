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

// Package signal manages named durable conditions a cascade can wait
// on: human checkpoints, webhooks, sensor polls, timers, and composites
// over them. Pending and resolved records live in the event sink, so a
// wait survives process restarts: on resume the manager finds the
// resolved record and returns it without blocking.
package signal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/cascade/pkg/cascade"
	"github.com/teradata-labs/cascade/pkg/sink"
	"github.com/teradata-labs/cascade/pkg/tool"
	"github.com/teradata-labs/cascade/pkg/types"
)

// Resolution is the outcome of one signal wait.
type Resolution struct {
	Signal   string
	Value    interface{}
	TimedOut bool
	FiredAt  time.Time
}

// Response extracts the human response string from the payload, used to
// key on_signal routing. A bare string payload is the response; a map
// payload uses its "response" key.
func (r *Resolution) Response() string {
	switch v := r.Value.(type) {
	case string:
		return v
	case map[string]interface{}:
		if s, ok := v["response"].(string); ok {
			return s
		}
	}
	return ""
}

// Option is one permissible response of a checkpoint.
type Option struct {
	Label   string      `json:"label"`
	Value   interface{} `json:"value"`
	RouteTo string      `json:"route_to,omitempty"`
}

// Checkpoint is the UI specification shown to a human for a
// human-input signal.
type Checkpoint struct {
	Question string   `json:"question"`
	Options  []Option `json:"options,omitempty"`
	Prompt   string   `json:"prompt,omitempty"`
}

// AwaitRequest describes one wait.
type AwaitRequest struct {
	CascadeID   string
	SessionID   string
	Phase       string
	Name        string
	Def         *cascade.SignalDef
	ParentTrace string
	Depth       int

	// Signals holds the cascade's full definition map, needed to
	// resolve composite children.
	Signals map[string]*cascade.SignalDef

	// Timeout overrides the definition's timeout_seconds. Nil waits
	// indefinitely (unless the definition sets one); zero times out
	// immediately.
	Timeout *int

	// Checkpoint is the UI specification for human signals.
	Checkpoint *Checkpoint
}

// Manager owns pending waits. All durable state lives in the sink; the
// in-memory waiter table only wires a live Fire call to a live Await.
type Manager struct {
	events sink.EventSink
	tools  *tool.Executor // sensor polls; nil disables sensors
	logger *zap.Logger

	mu      sync.Mutex
	waiters map[string][]chan *Resolution
}

// NewManager creates a signal manager.
func NewManager(events sink.EventSink, tools *tool.Executor, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		events:  events,
		tools:   tools,
		logger:  logger,
		waiters: make(map[string][]chan *Resolution),
	}
}

func waiterKey(sessionID, name string) string { return sessionID + "/" + name }

// Await blocks until the named signal fires, times out, or the context
// is cancelled. If the sink already holds a resolution for this
// session and signal (a previous process run), it is returned
// immediately, making resumed sessions deterministic.
func (m *Manager) Await(ctx context.Context, req AwaitRequest) (*Resolution, error) {
	if req.Def == nil {
		return nil, types.E(types.ErrSignal, req.Phase, "undefined signal %q", req.Name)
	}

	if res, err := m.resolved(ctx, req.SessionID, req.Name); err != nil {
		return nil, err
	} else if res != nil {
		return res, nil
	}

	if req.Def.Type == cascade.SignalComposite {
		return m.awaitComposite(ctx, req)
	}

	if req.Def.Type == cascade.SignalHuman || req.Checkpoint != nil {
		m.emitCheckpoint(ctx, req)
	}
	waitTrace := m.emitWait(ctx, req)

	ch := m.subscribe(req.SessionID, req.Name)
	defer m.unsubscribe(req.SessionID, req.Name, ch)

	sourceCtx, stopSource := context.WithCancel(ctx)
	defer stopSource()
	switch req.Def.Type {
	case cascade.SignalTime:
		if err := m.armTimer(sourceCtx, req); err != nil {
			return nil, err
		}
	case cascade.SignalSensor:
		if err := m.startPolling(sourceCtx, req); err != nil {
			return nil, err
		}
	}

	var timeoutCh <-chan time.Time
	if d, ok := effectiveTimeout(req); ok {
		t := time.NewTimer(d)
		defer t.Stop()
		timeoutCh = t.C
	}

	select {
	case res := <-ch:
		return res, nil
	case <-timeoutCh:
		m.emitTimeout(ctx, req, waitTrace)
		return &Resolution{Signal: req.Name, TimedOut: true, FiredAt: time.Now().UTC()}, nil
	case <-ctx.Done():
		return nil, types.Wrap(types.ErrCancelled, req.Phase, ctx.Err())
	}
}

// Fire durably records the signal's resolution and wakes any live
// waiter. Firing a signal nobody waits on yet is valid; a later Await
// finds the record.
func (m *Manager) Fire(ctx context.Context, cascadeID, sessionID, name string, payload interface{}) error {
	now := time.Now().UTC()
	e := &sink.Event{
		Timestamp: now,
		SessionID: sessionID,
		TraceID:   sink.NewTraceID(),
		ParentID:  m.pendingTrace(ctx, sessionID, name),
		NodeType:  sink.NodeSignalFired,
		CascadeID: cascadeID,
		Content:   payload,
	}
	e.SetMeta("signal", name)
	if err := m.events.Append(ctx, e); err != nil {
		return types.Wrap(types.ErrSignal, "", err)
	}

	res := &Resolution{Signal: name, Value: payload, FiredAt: now}
	m.mu.Lock()
	chans := m.waiters[waiterKey(sessionID, name)]
	delete(m.waiters, waiterKey(sessionID, name))
	m.mu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- res:
		default:
		}
	}
	return nil
}

// resolved returns the sink's resolution for this session and signal,
// if one exists.
func (m *Manager) resolved(ctx context.Context, sessionID, name string) (*Resolution, error) {
	events, err := m.events.Query(ctx, sink.Query{
		SessionID: sessionID,
		NodeTypes: []sink.NodeType{sink.NodeSignalFired, sink.NodeSignalTimeout},
		Predicate: func(e *sink.Event) bool { return e.Metadata["signal"] == name },
		Limit:     1,
	})
	if err != nil {
		return nil, types.Wrap(types.ErrSignal, "", err)
	}
	if len(events) == 0 {
		return nil, nil
	}
	e := events[0]
	return &Resolution{
		Signal:   name,
		Value:    e.Content,
		TimedOut: e.NodeType == sink.NodeSignalTimeout,
		FiredAt:  e.Timestamp,
	}, nil
}

// pendingTrace finds the open signal_wait record to parent the
// resolution under.
func (m *Manager) pendingTrace(ctx context.Context, sessionID, name string) string {
	events, err := m.events.Query(ctx, sink.Query{
		SessionID: sessionID,
		NodeTypes: []sink.NodeType{sink.NodeSignalWait},
		Predicate: func(e *sink.Event) bool { return e.Metadata["signal"] == name },
	})
	if err != nil || len(events) == 0 {
		return ""
	}
	return events[len(events)-1].TraceID
}

func (m *Manager) subscribe(sessionID, name string) chan *Resolution {
	ch := make(chan *Resolution, 1)
	key := waiterKey(sessionID, name)
	m.mu.Lock()
	m.waiters[key] = append(m.waiters[key], ch)
	m.mu.Unlock()
	return ch
}

func (m *Manager) unsubscribe(sessionID, name string, ch chan *Resolution) {
	key := waiterKey(sessionID, name)
	m.mu.Lock()
	defer m.mu.Unlock()
	chans := m.waiters[key]
	for i, c := range chans {
		if c == ch {
			m.waiters[key] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(m.waiters[key]) == 0 {
		delete(m.waiters, key)
	}
}

// effectiveTimeout resolves the wait's timeout: the request override
// wins over the definition; absent both, the wait is unbounded.
func effectiveTimeout(req AwaitRequest) (time.Duration, bool) {
	if req.Timeout != nil {
		return time.Duration(*req.Timeout) * time.Second, true
	}
	if req.Def.TimeoutSeconds != nil {
		return time.Duration(*req.Def.TimeoutSeconds) * time.Second, true
	}
	return 0, false
}

func (m *Manager) emitCheckpoint(ctx context.Context, req AwaitRequest) {
	content := map[string]interface{}{"signal": req.Name}
	if cp := req.Checkpoint; cp != nil {
		content["question"] = cp.Question
		content["prompt"] = cp.Prompt
		if len(cp.Options) > 0 {
			opts := make([]interface{}, len(cp.Options))
			for i, o := range cp.Options {
				opts[i] = map[string]interface{}{"label": o.Label, "value": o.Value, "route_to": o.RouteTo}
			}
			content["options"] = opts
		}
	}
	if d, ok := effectiveTimeout(req); ok {
		content["timeout_seconds"] = int(d.Seconds())
	}
	e := &sink.Event{
		Timestamp: time.Now().UTC(),
		SessionID: req.SessionID,
		TraceID:   sink.NewTraceID(),
		ParentID:  req.ParentTrace,
		NodeType:  sink.NodeCheckpoint,
		CascadeID: req.CascadeID,
		PhaseName: req.Phase,
		Depth:     req.Depth,
		Content:   content,
	}
	e.SetMeta("signal", req.Name)
	if err := m.events.Append(ctx, e); err != nil {
		m.logger.Warn("failed to record checkpoint", zap.Error(err))
	}
}

func (m *Manager) emitWait(ctx context.Context, req AwaitRequest) string {
	traceID := sink.NewTraceID()
	e := &sink.Event{
		Timestamp: time.Now().UTC(),
		SessionID: req.SessionID,
		TraceID:   traceID,
		ParentID:  req.ParentTrace,
		NodeType:  sink.NodeSignalWait,
		CascadeID: req.CascadeID,
		PhaseName: req.Phase,
		Depth:     req.Depth,
		Content:   map[string]interface{}{"type": string(req.Def.Type)},
	}
	e.SetMeta("signal", req.Name)
	if err := m.events.Append(ctx, e); err != nil {
		m.logger.Warn("failed to record signal wait", zap.Error(err))
	}
	return traceID
}

func (m *Manager) emitTimeout(ctx context.Context, req AwaitRequest, waitTrace string) {
	e := &sink.Event{
		Timestamp: time.Now().UTC(),
		SessionID: req.SessionID,
		TraceID:   sink.NewTraceID(),
		ParentID:  waitTrace,
		NodeType:  sink.NodeSignalTimeout,
		CascadeID: req.CascadeID,
		PhaseName: req.Phase,
		Depth:     req.Depth,
	}
	e.SetMeta("signal", req.Name)
	if err := m.events.Append(ctx, e); err != nil {
		m.logger.Warn("failed to record signal timeout", zap.Error(err))
	}
}

func (m *Manager) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("signal.Manager{pending: %d}", len(m.waiters))
}
