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

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolBoundsParallelism(t *testing.T) {
	p := NewPool(2, nil)
	var running, peak int32
	var mu sync.Mutex

	ctx := context.Background()
	for i := 0; i < 8; i++ {
		require.NoError(t, p.Submit(ctx, fmt.Sprintf("t%d", i), func(ctx context.Context) error {
			n := atomic.AddInt32(&running, 1)
			mu.Lock()
			if n > peak {
				peak = n
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return nil
		}))
	}
	errs := p.Wait()
	assert.Empty(t, errs)
	assert.LessOrEqual(t, peak, int32(2))
}

func TestPoolCollectsErrors(t *testing.T) {
	p := NewPool(4, nil)
	ctx := context.Background()
	require.NoError(t, p.Submit(ctx, "ok", func(ctx context.Context) error { return nil }))
	require.NoError(t, p.Submit(ctx, "bad", func(ctx context.Context) error { return errors.New("boom") }))
	require.NoError(t, p.Submit(ctx, "panicky", func(ctx context.Context) error { panic("eek") }))

	errs := p.Wait()
	assert.Len(t, errs, 2)

	// Errors reset after Wait so the pool is reusable.
	assert.Empty(t, p.Wait())
}

func TestPoolCancellationDiscardsUnstarted(t *testing.T) {
	p := NewPool(1, nil)
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, p.Submit(ctx, "holder", func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started
	cancel()

	err := p.Submit(ctx, "discarded", func(ctx context.Context) error {
		t.Error("task should not have started")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
	p.Wait()
}

func TestMapOrdersResults(t *testing.T) {
	p := NewPool(3, nil)
	results, errs := Map(context.Background(), p, 5, func(ctx context.Context, i int) (int, error) {
		time.Sleep(time.Duration(5-i) * time.Millisecond)
		return i * 10, nil
	})
	assert.Empty(t, errs)
	assert.Equal(t, []int{0, 10, 20, 30, 40}, results)
}

func TestMapCollectsTaskErrors(t *testing.T) {
	p := NewPool(2, nil)
	_, errs := Map(context.Background(), p, 4, func(ctx context.Context, i int) (string, error) {
		if i%2 == 1 {
			return "", fmt.Errorf("candidate %d failed", i)
		}
		return "ok", nil
	})
	assert.Len(t, errs, 2)
}
