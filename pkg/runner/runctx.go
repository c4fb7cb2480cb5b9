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

// Package runner drives a cascade from cascade_start to completion: it
// owns the session, iterates phases, resolves routing, and delegates
// each phase body to the LLM turn loop, the deterministic executor, or
// the signal manager.
package runner

import (
	"database/sql"

	"go.uber.org/zap"

	"github.com/teradata-labs/cascade/pkg/contextbuilder"
	"github.com/teradata-labs/cascade/pkg/llm"
	"github.com/teradata-labs/cascade/pkg/scheduler"
	"github.com/teradata-labs/cascade/pkg/signal"
	"github.com/teradata-labs/cascade/pkg/sink"
	"github.com/teradata-labs/cascade/pkg/tool"
	"github.com/teradata-labs/cascade/pkg/ward"
)

// DefaultMaxDepth bounds sub-cascade nesting.
const DefaultMaxDepth = 5

// RunContext carries every collaborator the execution path needs. It
// travels by reference through phases, soundings bodies, composite
// tools, and sub-cascades; there are no process-wide globals.
type RunContext struct {
	Registry   *tool.Registry
	Executor   *tool.Executor
	Events     sink.EventSink
	Cards      sink.CardStore
	Clients    *llm.Clients
	Pool       *scheduler.Pool
	Signals    *signal.Manager
	Validators *ward.Registry
	Builder    *contextbuilder.Builder

	// Library resolves cascade ids for sub-cascade spawns and
	// "cascade:" ward validators.
	Library signal.DefResolver

	// DB is the analytic engine behind "sql:" deterministic phases.
	DB *sql.DB

	// ImagesDir is the root of the persisted image tree.
	ImagesDir string

	// MaxDepth bounds sub-cascade nesting; zero means DefaultMaxDepth.
	MaxDepth int

	Logger *zap.Logger
}

// normalize fills optional collaborators with working defaults so a
// partially-populated context stays usable in tests and embedders.
func (rc *RunContext) normalize() {
	if rc.Logger == nil {
		rc.Logger = zap.NewNop()
	}
	if rc.Registry == nil {
		rc.Registry = tool.NewRegistry()
	}
	if rc.Executor == nil {
		rc.Executor = tool.NewExecutor(rc.Registry, rc.Logger)
	}
	if rc.Validators == nil {
		rc.Validators = ward.NewRegistry()
	}
	if rc.Pool == nil {
		rc.Pool = scheduler.NewPool(scheduler.DefaultMaxParallel, rc.Logger)
	}
	if rc.Signals == nil {
		rc.Signals = signal.NewManager(rc.Events, rc.Executor, rc.Logger)
	}
	if rc.Clients == nil {
		rc.Clients = llm.NewClients(nil)
	}
	if rc.Cards == nil {
		if cards, ok := rc.Events.(sink.CardStore); ok {
			rc.Cards = cards
		}
	}
	if rc.Builder == nil {
		rc.Builder = contextbuilder.NewBuilder(rc.Events, rc.Cards, rc.Clients.Default(), nil, rc.Logger)
	}
	if rc.MaxDepth == 0 {
		rc.MaxDepth = DefaultMaxDepth
	}
}
