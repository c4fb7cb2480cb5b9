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
)

// Query selects events from the sink. Zero-valued fields are ignored.
// Results are ordered by (Timestamp, Seq) ascending.
type Query struct {
	SessionID   string
	TraceID     string
	ParentID    string
	NodeTypes   []NodeType
	PhaseName   string
	ContentHash string
	SinceSeq    int64
	Limit       int

	// Predicate is an arbitrary relational filter applied after the
	// structured fields. Sinks backed by SQL evaluate structured fields
	// in the database and the predicate in process.
	Predicate func(*Event) bool
}

// EventSink is the append-only structured log consumed by the runtime.
// Implementations must be safe for concurrent use; queries must not block
// behind writes.
type EventSink interface {
	// Append durably records one event. The sink assigns Seq, and
	// Timestamp when unset. Records are immutable once appended.
	Append(ctx context.Context, e *Event) error

	// Query returns events matching q in total per-session order.
	Query(ctx context.Context, q Query) ([]*Event, error)

	// Ancestors returns the chain of defining events from the given trace
	// id up to the root, nearest first.
	Ancestors(ctx context.Context, traceID string) ([]*Event, error)

	// Flush forces buffered events to durable storage. No-op for
	// unbuffered sinks.
	Flush(ctx context.Context) error

	// Close flushes and releases resources.
	Close() error
}

// CardStore persists context cards. The execution path writes cards
// asynchronously and best-effort; the context selector only reads.
type CardStore interface {
	PutCard(ctx context.Context, card *ContextCard) error
	CardsBySession(ctx context.Context, sessionID string) ([]*ContextCard, error)
}

// Subscriber is implemented by sinks that can stream appended events to
// downstream consumers. Events are delivered after they are durable.
type Subscriber interface {
	Subscribe(ctx context.Context) <-chan *Event
}

// DefiningEvent returns the event that defined traceID, or nil. A trace
// id is written exactly once as its defining node event; later events
// reference it via ParentID.
func DefiningEvent(ctx context.Context, s EventSink, traceID string) (*Event, error) {
	events, err := s.Query(ctx, Query{TraceID: traceID, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	return events[0], nil
}
