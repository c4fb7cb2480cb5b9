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
	"fmt"
	"sync"

	"github.com/teradata-labs/cascade/pkg/types"
)

// MockClient is a scripted ModelClient for tests and replay. Responses
// are returned in order; a handler may be installed instead for
// request-dependent behavior.
type MockClient struct {
	mu        sync.Mutex
	responses []*types.ModelResponse
	next      int
	handler   func(req types.ModelRequest) (*types.ModelResponse, error)
	requests  []types.ModelRequest
}

// NewMockClient creates a client that replays the given responses in
// order.
func NewMockClient(responses ...*types.ModelResponse) *MockClient {
	return &MockClient{responses: responses}
}

// NewMockHandler creates a client driven by a request handler.
func NewMockHandler(handler func(req types.ModelRequest) (*types.ModelResponse, error)) *MockClient {
	return &MockClient{handler: handler}
}

// Name implements ModelClient.
func (m *MockClient) Name() string { return "mock" }

// Complete implements ModelClient.
func (m *MockClient) Complete(ctx context.Context, req types.ModelRequest) (*types.ModelResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)

	if m.handler != nil {
		return m.handler(req)
	}
	if m.next >= len(m.responses) {
		return nil, types.E(types.ErrModel, "", "mock exhausted after %d responses", len(m.responses))
	}
	resp := m.responses[m.next]
	m.next++
	return resp, nil
}

// Requests returns the requests seen so far.
func (m *MockClient) Requests() []types.ModelRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.ModelRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// CallCount returns how many requests were made.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Text builds a plain assistant response, for scripting convenience.
func Text(content string) *types.ModelResponse {
	return &types.ModelResponse{
		Content:    content,
		StopReason: "end_turn",
		Usage:      types.Usage{InputTokens: 10, OutputTokens: len(content) / 4, TotalTokens: 10 + len(content)/4},
	}
}

// CallTool builds a response invoking one tool, for scripting
// convenience.
func CallTool(name string, input map[string]interface{}) *types.ModelResponse {
	return &types.ModelResponse{
		ToolCalls: []types.ToolCall{{
			ID:    fmt.Sprintf("call_%s", name),
			Name:  name,
			Input: input,
		}},
		StopReason: "tool_use",
		Usage:      types.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}
}
