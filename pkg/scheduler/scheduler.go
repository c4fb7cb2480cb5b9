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

// Package scheduler provides the bounded worker pool used for parallel
// sounding candidates, evaluator calls, and async-spawned sub-cascades.
// One pool belongs to one cascade run; its limit is the cascade's
// max_parallel.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// DefaultMaxParallel bounds a pool whose cascade declares no limit.
const DefaultMaxParallel = 4

// Pool is a bounded parallelism pool. Submitted tasks acquire a slot
// before running; submission blocks when the pool is saturated.
// Cancellation is cooperative: tasks receive the pool context and the
// pool never starts a task after cancellation.
type Pool struct {
	sem    chan struct{}
	logger *zap.Logger

	mu   sync.Mutex
	wg   sync.WaitGroup
	errs []error
}

// NewPool creates a pool with the given concurrency limit.
func NewPool(maxParallel int, logger *zap.Logger) *Pool {
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		sem:    make(chan struct{}, maxParallel),
		logger: logger,
	}
}

// Limit returns the pool's concurrency limit.
func (p *Pool) Limit() int { return cap(p.sem) }

// Submit schedules fn. It blocks until a slot is free or ctx is
// cancelled; a task scheduled but not yet started when ctx is cancelled
// is discarded. Task errors are collected for Wait.
func (p *Pool) Submit(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case p.sem <- struct{}{}:
	}

	// The slot is held; re-check cancellation so a task never starts
	// after cancel.
	if err := ctx.Err(); err != nil {
		<-p.sem
		return err
	}

	p.wg.Add(1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.record(fmt.Errorf("task %s panicked: %v", name, r))
				p.logger.Error("pool task panicked", zap.String("task", name), zap.Any("panic", r))
			}
			<-p.sem
			p.wg.Done()
		}()
		if err := fn(ctx); err != nil {
			p.record(fmt.Errorf("task %s: %w", name, err))
		}
	}()
	return nil
}

// Wait blocks until all started tasks finish and returns their errors.
// The error slice is reset so the pool can be reused for the next round.
func (p *Pool) Wait() []error {
	p.wg.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	errs := p.errs
	p.errs = nil
	return errs
}

func (p *Pool) record(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs = append(p.errs, err)
}

// Map runs fn for each index in [0, n) with bounded parallelism and
// waits for all of them. Results are ordered by index regardless of
// completion order. The first cancellation error aborts submission of
// remaining indexes; already started tasks run to completion.
func Map[T any](ctx context.Context, p *Pool, n int, fn func(ctx context.Context, i int) (T, error)) ([]T, []error) {
	results := make([]T, n)
	for i := 0; i < n; i++ {
		i := i
		if err := p.Submit(ctx, fmt.Sprintf("map[%d]", i), func(ctx context.Context) error {
			r, err := fn(ctx, i)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		}); err != nil {
			errs := p.Wait()
			return results, append(errs, err)
		}
	}
	return results, p.Wait()
}
