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

package tool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/cascade/pkg/types"
)

// Executor executes tools with argument validation, context parameter
// injection, and structured error classification.
type Executor struct {
	registry *Registry
	logger   *zap.Logger
}

// NewExecutor creates a tool executor over the given registry.
func NewExecutor(registry *Registry, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{registry: registry, logger: logger}
}

// Execute runs the named tool. ctxParams supplies the runtime "_"
// parameters ("_session_id", "_phase_name", "_outputs", "_state",
// "_trace_id"); only parameters the tool declares are injected, and a
// caller-set value is never overwritten.
func (e *Executor) Execute(ctx context.Context, name string, args map[string]interface{}, ctxParams map[string]interface{}) (*Result, error) {
	t, ok := e.registry.Get(name)
	if !ok {
		return nil, types.E(types.ErrTool, "", "tool not found: %s", name)
	}

	if args == nil {
		args = make(map[string]interface{})
	}
	if cpt, ok := t.(ContextParamTool); ok {
		for _, param := range cpt.ContextParams() {
			if _, set := args[param]; set {
				continue
			}
			if v, ok := ctxParams[param]; ok {
				args[param] = v
			}
		}
	}

	if err := ValidateArgs(t.InputSchema(), args); err != nil {
		return nil, types.Wrap(types.ErrToolUsage, "", fmt.Errorf("tool %s: %w", name, err))
	}

	start := time.Now()
	result, err := e.invoke(ctx, t, args)
	elapsed := time.Since(start)

	if err != nil {
		e.logger.Warn("tool execution failed",
			zap.String("tool", name),
			zap.Duration("duration", elapsed),
			zap.Error(err))
		return nil, classify(name, err)
	}

	if result == nil {
		result = &Result{Content: map[string]interface{}{}}
	}
	result.DurationMs = elapsed.Milliseconds()

	e.logger.Debug("tool executed",
		zap.String("tool", name),
		zap.Duration("duration", elapsed))
	return result, nil
}

// invoke isolates handler panics so a misbehaving tool cannot take the
// cascade down.
func (e *Executor) invoke(ctx context.Context, t Tool, args map[string]interface{}) (result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	return t.Execute(ctx, args)
}

func classify(name string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return types.Wrap(types.ErrToolTimeout, "", fmt.Errorf("tool %s: %w", name, err))
	case errors.Is(err, context.Canceled):
		return types.Wrap(types.ErrCancelled, "", err)
	}
	var te *Error
	if errors.As(err, &te) {
		switch te.Code {
		case "timeout":
			return types.Wrap(types.ErrToolTimeout, "", err)
		case "bad_arguments":
			return types.Wrap(types.ErrToolUsage, "", err)
		case "io":
			return types.Wrap(types.ErrToolIO, "", err)
		}
	}
	return types.Wrap(types.ErrTool, "", fmt.Errorf("tool %s: %w", name, err))
}
