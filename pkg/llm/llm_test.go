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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/cascade/pkg/types"
)

func TestMockClientReplaysInOrder(t *testing.T) {
	m := NewMockClient(Text("first"), CallTool("route_to", map[string]interface{}{"destination": "b"}))

	resp, err := m.Complete(context.Background(), types.ModelRequest{})
	require.NoError(t, err)
	assert.Equal(t, "first", resp.Content)

	resp, err = m.Complete(context.Background(), types.ModelRequest{})
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "route_to", resp.ToolCalls[0].Name)

	_, err = m.Complete(context.Background(), types.ModelRequest{})
	require.Error(t, err)
	assert.Equal(t, types.ErrModel, types.KindOf(err))
	assert.Equal(t, 3, m.CallCount())
}

func TestClientsFallback(t *testing.T) {
	def := NewMockClient(Text("default"))
	fast := NewMockClient(Text("fast"))

	clients := NewClients(def)
	clients.Register("haiku", fast)

	assert.Same(t, types.ModelClient(fast), clients.For("haiku"))
	assert.Same(t, types.ModelClient(def), clients.For("unknown-model"))
}

func TestRetryClientRetriesRetryable(t *testing.T) {
	attempts := 0
	inner := NewMockHandler(func(req types.ModelRequest) (*types.ModelResponse, error) {
		attempts++
		if attempts < 3 {
			return nil, types.E(types.ErrModel, "", "rate limited")
		}
		return Text("eventually"), nil
	})

	rc := NewRetryClient(inner, RetryConfig{
		MaxRetries:      5,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
	})
	resp, err := rc.Complete(context.Background(), types.ModelRequest{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "eventually", resp.Content)
	assert.Equal(t, 3, attempts)
}

func TestRetryClientStopsOnPermanent(t *testing.T) {
	attempts := 0
	inner := NewMockHandler(func(req types.ModelRequest) (*types.ModelResponse, error) {
		attempts++
		return nil, types.E(types.ErrConfig, "", "bad config")
	})
	rc := NewRetryClient(inner, RetryConfig{InitialInterval: time.Millisecond})

	_, err := rc.Complete(context.Background(), types.ModelRequest{})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestInstrumentedClientAccumulates(t *testing.T) {
	inner := NewMockClient(Text("aaaa"), Text("bbbbbbbb"))
	ic := NewInstrumentedClient(inner, nil)

	_, err := ic.Complete(context.Background(), types.ModelRequest{})
	require.NoError(t, err)
	_, err = ic.Complete(context.Background(), types.ModelRequest{})
	require.NoError(t, err)

	total, calls := ic.Totals()
	assert.Equal(t, 2, calls)
	assert.Equal(t, 20, total.InputTokens)
	assert.Equal(t, "mock", ic.Name())
}
