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

package signal

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/teradata-labs/cascade/pkg/template"
	"github.com/teradata-labs/cascade/pkg/types"
)

const defaultPollInterval = 30 * time.Second

// armTimer schedules a time signal's next cron occurrence. The schedule
// is validated synchronously; the firing itself runs in the background
// until the wait resolves or the context ends.
func (m *Manager) armTimer(ctx context.Context, req AwaitRequest) error {
	sched, err := cron.ParseStandard(req.Def.Schedule)
	if err != nil {
		return types.E(types.ErrConfig, req.Phase, "invalid schedule %q for signal %q: %v", req.Def.Schedule, req.Name, err)
	}
	next := sched.Next(time.Now())

	go func() {
		t := time.NewTimer(time.Until(next))
		defer t.Stop()
		select {
		case <-t.C:
			payload := map[string]interface{}{"fired_at": next.UTC().Format(time.RFC3339)}
			if err := m.Fire(ctx, req.CascadeID, req.SessionID, req.Name, payload); err != nil {
				m.logger.Warn("time signal failed to fire", zap.String("signal", req.Name), zap.Error(err))
			}
		case <-ctx.Done():
		}
	}()
	return nil
}

// startPolling launches the sensor poll loop: the configured tool runs
// on an interval, and a "true"/"fired" status resolves the signal with
// the tool's payload.
func (m *Manager) startPolling(ctx context.Context, req AwaitRequest) error {
	if m.tools == nil {
		return types.E(types.ErrConfig, req.Phase, "sensor signal %q requires a tool executor", req.Name)
	}
	poll := req.Def.Poll
	interval := defaultPollInterval
	if poll.Interval != "" {
		d, err := template.ParseTimeout(poll.Interval)
		if err != nil {
			return types.E(types.ErrConfig, req.Phase, "invalid poll interval for signal %q: %v", req.Name, err)
		}
		interval = d
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if m.pollOnce(ctx, req) {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// pollOnce runs the sensor tool and fires on a positive status. Poll
// errors are logged and retried on the next tick.
func (m *Manager) pollOnce(ctx context.Context, req AwaitRequest) bool {
	poll := req.Def.Poll
	result, err := m.tools.Execute(ctx, poll.Tool, poll.Args, map[string]interface{}{
		"session_id": req.SessionID,
		"cascade_id": req.CascadeID,
	})
	if err != nil {
		m.logger.Warn("sensor poll failed",
			zap.String("signal", req.Name),
			zap.String("tool", poll.Tool),
			zap.Error(err))
		return false
	}
	if result.Status != "true" && result.Status != "fired" {
		return false
	}
	if err := m.Fire(ctx, req.CascadeID, req.SessionID, req.Name, result.Content); err != nil {
		m.logger.Warn("sensor signal failed to fire", zap.String("signal", req.Name), zap.Error(err))
		return false
	}
	return true
}
