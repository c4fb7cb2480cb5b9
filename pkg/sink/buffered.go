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

	"go.uber.org/zap"

	"github.com/teradata-labs/cascade/internal/pubsub"
)

const (
	// DefaultFlushEvents flushes the buffer once this many events are held.
	DefaultFlushEvents = 64
	// DefaultFlushInterval flushes the buffer at least this often.
	DefaultFlushInterval = 2 * time.Second
)

// BufferedSink batches appends to a slower durable sink, flushing every N
// events or T seconds, whichever comes first. Buffered events are flushed
// in append order, which preserves the parent-before-child invariant:
// a subordinate node's defining event can never reach durable storage
// ahead of its parent. Subscribers only see events after they are durable.
type BufferedSink struct {
	inner EventSink

	mu      sync.Mutex
	flushMu sync.Mutex // serializes flushes so batches stay ordered
	buf     []*Event
	seq     int64
	closed  bool

	flushEvents   int
	flushInterval time.Duration
	ticker        *time.Ticker
	stopCh        chan struct{}
	doneCh        chan struct{}

	broker *pubsub.Broker[*Event]
	logger *zap.Logger
}

// BufferedConfig configures a BufferedSink.
type BufferedConfig struct {
	FlushEvents   int           // default: DefaultFlushEvents
	FlushInterval time.Duration // default: DefaultFlushInterval
	Logger        *zap.Logger   // default: zap.NewNop()
}

// NewBufferedSink wraps inner with bounded buffering.
func NewBufferedSink(inner EventSink, config BufferedConfig) *BufferedSink {
	if config.FlushEvents <= 0 {
		config.FlushEvents = DefaultFlushEvents
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = DefaultFlushInterval
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	s := &BufferedSink{
		inner:         inner,
		flushEvents:   config.FlushEvents,
		flushInterval: config.FlushInterval,
		ticker:        time.NewTicker(config.FlushInterval),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
		broker:        pubsub.NewBroker[*Event](),
		logger:        config.Logger,
	}
	go s.flushLoop()
	return s
}

func (s *BufferedSink) flushLoop() {
	defer close(s.doneCh)
	for {
		select {
		case <-s.ticker.C:
			if err := s.Flush(context.Background()); err != nil {
				s.logger.Warn("periodic sink flush failed", zap.Error(err))
			}
		case <-s.stopCh:
			return
		}
	}
}

// Append buffers an event; triggers a flush when the buffer is full.
func (s *BufferedSink) Append(ctx context.Context, e *Event) error {
	if e == nil {
		return fmt.Errorf("event cannot be nil")
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("sink is closed")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	s.seq++
	e.Seq = s.seq
	s.buf = append(s.buf, e)
	full := len(s.buf) >= s.flushEvents
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush writes all buffered events to the inner sink in append order and
// publishes them to subscribers once durable.
func (s *BufferedSink) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	batch := s.buf
	s.buf = nil
	s.mu.Unlock()

	for i, e := range batch {
		if err := s.inner.Append(ctx, e); err != nil {
			// Re-queue the unwritten tail so ordering is preserved for
			// the next attempt.
			s.mu.Lock()
			s.buf = append(batch[i:], s.buf...)
			s.mu.Unlock()
			return fmt.Errorf("failed to flush event batch: %w", err)
		}
		s.broker.Publish(e)
	}
	if len(batch) > 0 {
		return s.inner.Flush(ctx)
	}
	return nil
}

// Query flushes pending events, then delegates to the inner sink.
func (s *BufferedSink) Query(ctx context.Context, q Query) ([]*Event, error) {
	if err := s.Flush(ctx); err != nil {
		return nil, err
	}
	return s.inner.Query(ctx, q)
}

// Ancestors flushes pending events, then delegates to the inner sink.
func (s *BufferedSink) Ancestors(ctx context.Context, traceID string) ([]*Event, error) {
	if err := s.Flush(ctx); err != nil {
		return nil, err
	}
	return s.inner.Ancestors(ctx, traceID)
}

// Subscribe streams events as they become durable.
func (s *BufferedSink) Subscribe(ctx context.Context) <-chan *Event {
	return s.broker.Subscribe(ctx)
}

// PutCard delegates to the inner sink when it stores cards.
func (s *BufferedSink) PutCard(ctx context.Context, card *ContextCard) error {
	if cs, ok := s.inner.(CardStore); ok {
		return cs.PutCard(ctx, card)
	}
	return fmt.Errorf("inner sink does not store context cards")
}

// CardsBySession delegates to the inner sink when it stores cards.
func (s *BufferedSink) CardsBySession(ctx context.Context, sessionID string) ([]*ContextCard, error) {
	if cs, ok := s.inner.(CardStore); ok {
		return cs.CardsBySession(ctx, sessionID)
	}
	return nil, fmt.Errorf("inner sink does not store context cards")
}

// Close flushes remaining events and shuts the sink down. Idempotent.
func (s *BufferedSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.ticker.Stop()
	close(s.stopCh)
	<-s.doneCh

	flushErr := s.Flush(context.Background())
	s.broker.Shutdown()
	if err := s.inner.Close(); err != nil {
		return err
	}
	return flushErr
}
