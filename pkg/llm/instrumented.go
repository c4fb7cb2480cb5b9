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

package llm

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/cascade/pkg/sink"
	"github.com/teradata-labs/cascade/pkg/types"
)

type sessionKey struct{}

// WithSession tags ctx with the session a model call belongs to, so the
// instrumented client can attribute usage records in the event log.
func WithSession(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey{}, id)
}

// SessionFrom returns the session id set by WithSession, or "".
func SessionFrom(ctx context.Context) string {
	if v, ok := ctx.Value(sessionKey{}).(string); ok {
		return v
	}
	return ""
}

// InstrumentedClient wraps any ModelClient with structured logging and
// running usage totals. It is transparent: responses and errors pass
// through unchanged, with Duration filled in when the provider left it
// zero. With an event sink attached, each call's usage is additionally
// appended asynchronously as a cost_update record.
type InstrumentedClient struct {
	inner  types.ModelClient
	logger *zap.Logger
	events sink.EventSink

	mu    sync.Mutex
	total types.Usage
	calls int
}

// NewInstrumentedClient wraps inner.
func NewInstrumentedClient(inner types.ModelClient, logger *zap.Logger) *InstrumentedClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InstrumentedClient{inner: inner, logger: logger}
}

// EmitCostUpdates attaches the event log usage records are appended to.
// Call before the client is shared across goroutines.
func (c *InstrumentedClient) EmitCostUpdates(events sink.EventSink) {
	c.events = events
}

// Name returns the underlying client name.
func (c *InstrumentedClient) Name() string { return c.inner.Name() }

// Complete calls the underlying client and records usage.
func (c *InstrumentedClient) Complete(ctx context.Context, req types.ModelRequest) (*types.ModelResponse, error) {
	start := time.Now()
	resp, err := c.inner.Complete(ctx, req)
	duration := time.Since(start)

	if err != nil {
		c.logger.Warn("model call failed",
			zap.String("provider", c.inner.Name()),
			zap.String("model", req.Model),
			zap.Int("messages", len(req.Messages)),
			zap.Duration("duration", duration),
			zap.Error(err))
		return nil, err
	}

	if resp.Duration == 0 {
		resp.Duration = duration
	}
	c.mu.Lock()
	c.total.Add(resp.Usage)
	c.calls++
	c.mu.Unlock()

	if c.events != nil {
		if session := SessionFrom(ctx); session != "" {
			go c.emitCostUpdate(session, req.Model, resp)
		}
	}

	c.logger.Debug("model call completed",
		zap.String("provider", c.inner.Name()),
		zap.String("model", req.Model),
		zap.Int("messages", len(req.Messages)),
		zap.Int("tools", len(req.Tools)),
		zap.Int("tokens_in", resp.Usage.InputTokens),
		zap.Int("tokens_out", resp.Usage.OutputTokens),
		zap.Float64("cost_usd", resp.Usage.CostUSD),
		zap.String("request_id", resp.RequestID),
		zap.Duration("duration", duration))
	return resp, nil
}

// emitCostUpdate appends the call's usage as a cost_update record,
// correlated to the originating call by provider request id. Append
// failures degrade to a cost_update_error record and never surface to
// the caller.
func (c *InstrumentedClient) emitCostUpdate(session, model string, resp *types.ModelResponse) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ev := &sink.Event{
		Timestamp:         time.Now().UTC(),
		SessionID:         session,
		TraceID:           sink.NewTraceID(),
		NodeType:          sink.NodeCostUpdate,
		Model:             model,
		ProviderRequestID: resp.RequestID,
		TokensIn:          resp.Usage.InputTokens,
		TokensOut:         resp.Usage.OutputTokens,
		Cost:              resp.Usage.CostUSD,
	}
	err := c.events.Append(ctx, ev)
	if err == nil {
		return
	}
	c.logger.Warn("failed to record cost update",
		zap.String("session", session),
		zap.String("request_id", resp.RequestID),
		zap.Error(err))

	errEv := &sink.Event{
		Timestamp:         time.Now().UTC(),
		SessionID:         session,
		TraceID:           sink.NewTraceID(),
		NodeType:          sink.NodeCostUpdateError,
		Model:             model,
		ProviderRequestID: resp.RequestID,
	}
	errEv.SetMeta("error", err.Error())
	if err := c.events.Append(ctx, errEv); err != nil {
		c.logger.Warn("failed to record cost update error", zap.Error(err))
	}
}

// Totals returns the accumulated usage and call count.
func (c *InstrumentedClient) Totals() (types.Usage, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total, c.calls
}
