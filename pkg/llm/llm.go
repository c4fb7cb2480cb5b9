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

// Package llm provides ModelClient implementations and decorators: a
// provider-backed HTTP client, retry with exponential backoff, call
// instrumentation, and a scripted mock for tests.
package llm

import (
	"sync"

	"github.com/teradata-labs/cascade/pkg/types"
)

// Clients routes model identifiers to clients. A cascade may name a
// different model per phase or per sounding candidate; unknown models
// fall back to the default client.
type Clients struct {
	mu       sync.RWMutex
	byModel  map[string]types.ModelClient
	fallback types.ModelClient
}

// NewClients creates a client set with the given default.
func NewClients(fallback types.ModelClient) *Clients {
	return &Clients{
		byModel:  make(map[string]types.ModelClient),
		fallback: fallback,
	}
}

// Register routes a model identifier to a client.
func (c *Clients) Register(model string, client types.ModelClient) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byModel[model] = client
}

// For returns the client for a model identifier, falling back to the
// default when the model has no dedicated client.
func (c *Clients) For(model string) types.ModelClient {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if client, ok := c.byModel[model]; ok {
		return client
	}
	return c.fallback
}

// Default returns the fallback client.
func (c *Clients) Default() types.ModelClient {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fallback
}
