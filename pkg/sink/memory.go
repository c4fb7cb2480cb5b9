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

package sink

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/teradata-labs/cascade/internal/pubsub"
)

// MemorySink is an in-process event sink. Suitable for tests, development
// and as the backing store for short-lived cascades. Thread-safe.
type MemorySink struct {
	mu       sync.RWMutex
	events   []*Event
	defining map[string]*Event // trace id -> defining event
	cards    map[string][]*ContextCard
	nextSeq  int64
	broker   *pubsub.Broker[*Event]
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{
		defining: make(map[string]*Event),
		cards:    make(map[string][]*ContextCard),
		broker:   pubsub.NewBroker[*Event](),
	}
}

// Append records an event. The memory sink additionally enforces the
// parent-before-child invariant, which makes it a useful oracle in tests.
func (s *MemorySink) Append(ctx context.Context, e *Event) error {
	if e == nil {
		return fmt.Errorf("event cannot be nil")
	}
	if e.SessionID == "" || e.TraceID == "" || e.NodeType == "" {
		return fmt.Errorf("event requires session_id, trace_id and node_type")
	}

	s.mu.Lock()
	if e.ParentID != "" {
		if _, ok := s.defining[e.ParentID]; !ok {
			s.mu.Unlock()
			return fmt.Errorf("parent trace %s not durable before child %s", e.ParentID, e.TraceID)
		}
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Seq == 0 {
		s.nextSeq++
		e.Seq = s.nextSeq
	} else if e.Seq > s.nextSeq {
		// Upstream buffered sink already sequenced this event.
		s.nextSeq = e.Seq
	}
	s.events = append(s.events, e)
	if _, ok := s.defining[e.TraceID]; !ok {
		s.defining[e.TraceID] = e
	}
	s.mu.Unlock()

	s.broker.Publish(e)
	return nil
}

// Query returns matching events in append order.
func (s *MemorySink) Query(ctx context.Context, q Query) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Event
	for _, e := range s.events {
		if !matches(e, q) {
			continue
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

// Ancestors walks defining events from traceID to the root.
func (s *MemorySink) Ancestors(ctx context.Context, traceID string) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var chain []*Event
	for traceID != "" {
		e, ok := s.defining[traceID]
		if !ok {
			break
		}
		chain = append(chain, e)
		traceID = e.ParentID
	}
	return chain, nil
}

// Flush is a no-op; appends are immediately durable in memory.
func (s *MemorySink) Flush(ctx context.Context) error { return nil }

// Close shuts down subscriber streams.
func (s *MemorySink) Close() error {
	s.broker.Shutdown()
	return nil
}

// Subscribe streams appended events.
func (s *MemorySink) Subscribe(ctx context.Context) <-chan *Event {
	return s.broker.Subscribe(ctx)
}

// PutCard stores a context card.
func (s *MemorySink) PutCard(ctx context.Context, card *ContextCard) error {
	if card == nil || card.SessionID == "" || card.ContentHash == "" {
		return fmt.Errorf("card requires session_id and content_hash")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if card.CreatedAt.IsZero() {
		card.CreatedAt = time.Now()
	}
	s.cards[card.SessionID] = append(s.cards[card.SessionID], card)
	return nil
}

// CardsBySession returns all cards for a session in write order.
func (s *MemorySink) CardsBySession(ctx context.Context, sessionID string) ([]*ContextCard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cards := s.cards[sessionID]
	out := make([]*ContextCard, len(cards))
	copy(out, cards)
	return out, nil
}

// Len returns the number of stored events.
func (s *MemorySink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

func matches(e *Event, q Query) bool {
	if q.SessionID != "" && e.SessionID != q.SessionID {
		return false
	}
	if q.TraceID != "" && e.TraceID != q.TraceID {
		return false
	}
	if q.ParentID != "" && e.ParentID != q.ParentID {
		return false
	}
	if q.PhaseName != "" && e.PhaseName != q.PhaseName {
		return false
	}
	if q.ContentHash != "" && e.ContentHash != q.ContentHash {
		return false
	}
	if q.SinceSeq > 0 && e.Seq <= q.SinceSeq {
		return false
	}
	if len(q.NodeTypes) > 0 {
		found := false
		for _, nt := range q.NodeTypes {
			if e.NodeType == nt {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.Predicate != nil && !q.Predicate(e) {
		return false
	}
	return true
}
