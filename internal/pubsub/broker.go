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

// Package pubsub provides a small generic broker used to fan events out
// to downstream subscribers (SSE streams, dashboards, tests).
package pubsub

import (
	"context"
	"sync"
)

const defaultChannelBuffer = 64

// Broker fans published items out to all active subscribers. Slow
// subscribers drop events rather than block the publisher; the event sink
// remains the durable record.
type Broker[T any] struct {
	mu       sync.RWMutex
	subs     map[chan T]struct{}
	done     bool
	capacity int
}

// NewBroker creates a broker with the default per-subscriber buffer.
func NewBroker[T any]() *Broker[T] {
	return &Broker[T]{
		subs:     make(map[chan T]struct{}),
		capacity: defaultChannelBuffer,
	}
}

// Subscribe registers a new subscriber. The channel closes when ctx is
// cancelled or the broker shuts down.
func (b *Broker[T]) Subscribe(ctx context.Context) <-chan T {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan T, b.capacity)
	if b.done {
		close(ch)
		return ch
	}
	b.subs[ch] = struct{}{}

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
	}()

	return ch
}

// Publish delivers an item to every subscriber that has buffer room.
func (b *Broker[T]) Publish(item T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.done {
		return
	}
	for ch := range b.subs {
		select {
		case ch <- item:
		default:
			// Subscriber is lagging; drop rather than block execution.
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Shutdown closes all subscriber channels. Idempotent.
func (b *Broker[T]) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return
	}
	b.done = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}
