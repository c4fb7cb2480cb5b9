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

	"github.com/teradata-labs/cascade/pkg/types"
)

type childOutcome struct {
	name string
	res  *Resolution
	err  error
}

// awaitComposite waits on the children of an all-of/any-of signal.
// "all" resolves when every child fires, with a map of child payloads;
// any child timing out times out the composite. "any" resolves on the
// first firing and cancels the rest; it times out only when every
// child timed out.
func (m *Manager) awaitComposite(ctx context.Context, req AwaitRequest) (*Resolution, error) {
	waitTrace := m.emitWait(ctx, req)

	childCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	outcomes := make(chan childOutcome, len(req.Def.Of))
	for _, childName := range req.Def.Of {
		childName := childName
		childDef := req.Signals[childName]
		go func() {
			res, err := m.Await(childCtx, AwaitRequest{
				CascadeID:   req.CascadeID,
				SessionID:   req.SessionID,
				Phase:       req.Phase,
				Name:        childName,
				Def:         childDef,
				ParentTrace: waitTrace,
				Depth:       req.Depth + 1,
				Signals:     req.Signals,
			})
			outcomes <- childOutcome{name: childName, res: res, err: err}
		}()
	}

	var timeoutCh <-chan time.Time
	if d, ok := effectiveTimeout(req); ok {
		t := time.NewTimer(d)
		defer t.Stop()
		timeoutCh = t.C
	}

	values := make(map[string]interface{}, len(req.Def.Of))
	fired, timedOut := 0, 0
	for fired+timedOut < len(req.Def.Of) {
		select {
		case out := <-outcomes:
			if out.err != nil {
				if types.KindOf(out.err) == types.ErrCancelled && ctx.Err() == nil {
					// A sibling's cancellation after "any" resolved; not
					// reachable here since we return first, but a child
					// cancelled for another reason still fails the
					// composite.
					continue
				}
				return nil, types.Wrap(types.ErrSignal, req.Phase, out.err)
			}
			if out.res.TimedOut {
				timedOut++
				if req.Def.Mode == "any" {
					continue
				}
				m.emitTimeout(ctx, req, waitTrace)
				return &Resolution{Signal: req.Name, TimedOut: true, FiredAt: time.Now().UTC()}, nil
			}
			fired++
			values[out.name] = out.res.Value
			if req.Def.Mode == "any" {
				cancel()
				return m.resolveComposite(ctx, req, map[string]interface{}{out.name: out.res.Value})
			}
		case <-timeoutCh:
			m.emitTimeout(ctx, req, waitTrace)
			return &Resolution{Signal: req.Name, TimedOut: true, FiredAt: time.Now().UTC()}, nil
		case <-ctx.Done():
			return nil, types.Wrap(types.ErrCancelled, req.Phase, ctx.Err())
		}
	}

	if req.Def.Mode == "any" {
		// Every child timed out.
		m.emitTimeout(ctx, req, waitTrace)
		return &Resolution{Signal: req.Name, TimedOut: true, FiredAt: time.Now().UTC()}, nil
	}
	return m.resolveComposite(ctx, req, values)
}

// resolveComposite records the composite's own firing so a resumed
// session finds a single resolution record.
func (m *Manager) resolveComposite(ctx context.Context, req AwaitRequest, values map[string]interface{}) (*Resolution, error) {
	if err := m.Fire(ctx, req.CascadeID, req.SessionID, req.Name, values); err != nil {
		return nil, err
	}
	return &Resolution{Signal: req.Name, Value: values, FiredAt: time.Now().UTC()}, nil
}
