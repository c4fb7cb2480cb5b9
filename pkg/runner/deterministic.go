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

package runner

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/teradata-labs/cascade/pkg/cascade"
	"github.com/teradata-labs/cascade/pkg/template"
	"github.com/teradata-labs/cascade/pkg/tool"
	"github.com/teradata-labs/cascade/pkg/types"
)

// runDeterministic executes a deterministic phase: a registered tool, a
// "func:" callable, a "sql:" query file against the configured engine,
// or a "shell:" script. Inputs are template-rendered, execution is
// retried per the phase's retry config, and the result's routing keys
// pick the successor.
func (r *CascadeRunner) runDeterministic(ctx context.Context, env phaseEnv, phaseTrace string) (interface{}, string, types.Usage, error) {
	phase := env.phase
	kind, target := cascade.RunKind(phase.Run)

	vars := env.templateVars(0)
	rendered, err := template.RenderValue(phase.Inputs, vars)
	if err != nil {
		return nil, "", types.Usage{}, types.Wrap(types.ErrTemplate, phase.Name, err)
	}
	args, _ := rendered.(map[string]interface{})
	if args == nil {
		args = make(map[string]interface{})
	}

	var timeout time.Duration
	if phase.Timeout != "" {
		timeout, err = template.ParseTimeout(phase.Timeout)
		if err != nil {
			return nil, "", types.Usage{}, types.Wrap(types.ErrConfig, phase.Name, err)
		}
	}

	result, err := r.executeWithRetry(ctx, env, phaseTrace, kind, target, args, timeout)
	if err != nil {
		if types.KindOf(err) == types.ErrCancelled {
			return nil, "", types.Usage{}, err
		}
		if phase.OnError != "" {
			return map[string]interface{}{"error": err.Error()}, phase.OnError, types.Usage{}, nil
		}
		return nil, "", types.Usage{}, err
	}

	next := ""
	switch {
	case result.Route != "" && hasHandoff(phase.Handoffs, result.Route):
		next = result.Route
	case result.Status != "" && phase.Routing != nil:
		next = phase.Routing[result.Status]
	}
	return result.Content, next, types.Usage{}, nil
}

// executeWithRetry runs one deterministic target, retrying retryable
// failures with the configured backoff. Every attempt honors the full
// timeout and is recorded as a tool_call/tool_result pair.
func (r *CascadeRunner) executeWithRetry(ctx context.Context, env phaseEnv, phaseTrace, kind, target string, args map[string]interface{}, timeout time.Duration) (*tool.Result, error) {
	phase := env.phase
	attempt := 0

	if r.replay != nil {
		call := types.ToolCall{Name: phase.Run, Input: args}
		callTrace := r.emitToolCall(ctx, env, phaseTrace, 0, call)
		result, ok := r.replay.popTool(env.echo.SessionID(), phase.Run)
		if !ok {
			return nil, types.E(types.ErrTool, phase.Name, "no recorded result for %s", phase.Run)
		}
		r.emitToolResult(ctx, env, callTrace, 0, phase.Run, result, nil)
		if result.Error != nil {
			return nil, types.E(types.ErrTool, phase.Name, "%s", result.Error.Error())
		}
		return result, nil
	}

	operation := func() (*tool.Result, error) {
		call := types.ToolCall{Name: phase.Run, Input: args}
		callTrace := r.emitToolCall(ctx, env, phaseTrace, attempt, call)
		attempt++

		attemptCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		result, err := r.executeTarget(attemptCtx, env, callTrace, kind, target, args)
		r.emitToolResult(ctx, env, callTrace, attempt-1, phase.Run, result, err)
		if err != nil {
			if !types.Retryable(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		if result.Error != nil {
			err := types.E(types.ErrTool, phase.Name, "%s", result.Error.Error())
			if !result.Error.Retryable {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return result, nil
	}

	return backoff.RetryWithData(operation, backoff.WithContext(retryPolicy(phase.Retry), ctx))
}

// retryPolicy builds the backoff schedule for a deterministic phase. A
// nil config means a single attempt.
func retryPolicy(cfg *cascade.RetryConfig) backoff.BackOff {
	if cfg == nil || cfg.MaxAttempts <= 1 {
		return &backoff.StopBackOff{}
	}

	initial := 1 * time.Second
	if cfg.InitialWait != "" {
		if d, err := template.ParseTimeout(cfg.InitialWait); err == nil {
			initial = d
		}
	}
	maxDelay := 60 * time.Second
	if cfg.MaxDelay != "" {
		if d, err := template.ParseTimeout(cfg.MaxDelay); err == nil {
			maxDelay = d
		}
	}

	var policy backoff.BackOff
	if cfg.Backoff == "linear" {
		policy = &linearBackOff{step: initial, max: maxDelay}
	} else {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = initial
		exp.MaxInterval = maxDelay
		exp.MaxElapsedTime = 0
		policy = exp
	}
	return backoff.WithMaxRetries(policy, uint64(cfg.MaxAttempts-1))
}

// linearBackOff grows the delay by a fixed step per attempt, capped at
// max.
type linearBackOff struct {
	step, max time.Duration
	attempts  int
}

func (l *linearBackOff) NextBackOff() time.Duration {
	l.attempts++
	d := time.Duration(l.attempts) * l.step
	if d > l.max {
		return l.max
	}
	return d
}

func (l *linearBackOff) Reset() { l.attempts = 0 }

// executeTarget dispatches one attempt by run-reference kind.
func (r *CascadeRunner) executeTarget(ctx context.Context, env phaseEnv, callTrace, kind, target string, args map[string]interface{}) (*tool.Result, error) {
	phase := env.phase
	ctxParams := map[string]interface{}{
		"_session_id": env.echo.SessionID(),
		"_phase_name": phase.Name,
		"_trace_id":   callTrace,
		"_state":      env.echo.State(),
		"_outputs":    env.echo.Outputs(),
	}

	switch kind {
	case "tool":
		return r.rc.Executor.Execute(ctx, target, args, ctxParams)

	case "func":
		fn, ok := r.rc.Registry.GetFunc(target)
		if !ok {
			return nil, types.E(types.ErrConfig, phase.Name, "unknown function: %s", target)
		}
		merged := make(map[string]interface{}, len(args)+len(ctxParams))
		for k, v := range args {
			merged[k] = v
		}
		for k, v := range ctxParams {
			if _, set := merged[k]; !set {
				merged[k] = v
			}
		}
		raw, err := fn(ctx, merged)
		if err != nil {
			return nil, types.Wrap(types.ErrTool, phase.Name, err)
		}
		return tool.Normalize(raw), nil

	case "sql":
		return r.executeSQL(ctx, env, target, args, ctxParams)

	case "shell":
		return r.executeShell(ctx, env, target, args, ctxParams)

	default:
		return nil, types.E(types.ErrConfig, phase.Name, "unknown run kind: %s", kind)
	}
}

// executeSQL renders a query file and runs it against the configured
// analytic engine, returning rows as a list of column maps.
func (r *CascadeRunner) executeSQL(ctx context.Context, env phaseEnv, path string, args, ctxParams map[string]interface{}) (*tool.Result, error) {
	phase := env.phase
	if r.rc.DB == nil {
		return nil, types.E(types.ErrConfig, phase.Name, "sql run target %s but no database configured", path)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, types.Wrap(types.ErrToolIO, phase.Name, err)
	}
	query, err := template.Render(string(raw), sqlVars(args, ctxParams))
	if err != nil {
		return nil, types.Wrap(types.ErrTemplate, phase.Name, err)
	}

	start := time.Now()
	rows, err := r.rc.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, types.Wrap(types.ErrTool, phase.Name, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, types.Wrap(types.ErrTool, phase.Name, err)
	}
	var out []map[string]interface{}
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, types.Wrap(types.ErrTool, phase.Name, err)
		}
		row := make(map[string]interface{}, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, types.Wrap(types.ErrTool, phase.Name, err)
	}
	return &tool.Result{
		Content:    map[string]interface{}{"rows": out, "row_count": len(out)},
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}

func sqlVars(args, ctxParams map[string]interface{}) template.Vars {
	vars := make(template.Vars, len(args)+len(ctxParams))
	for k, v := range ctxParams {
		vars[strings.TrimPrefix(k, "_")] = v
	}
	for k, v := range args {
		vars[k] = v
	}
	return vars
}

// executeShell renders a script file and runs it through the shell. A
// JSON stdout becomes the structured result so routing keys apply;
// anything else is returned as text.
func (r *CascadeRunner) executeShell(ctx context.Context, env phaseEnv, path string, args, ctxParams map[string]interface{}) (*tool.Result, error) {
	phase := env.phase
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, types.Wrap(types.ErrToolIO, phase.Name, err)
	}
	script, err := template.Render(string(raw), sqlVars(args, ctxParams))
	if err != nil {
		return nil, types.Wrap(types.ErrTemplate, phase.Name, err)
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, "sh", "-c", script)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, types.E(types.ErrToolTimeout, phase.Name, "script %s timed out", path)
		}
		return nil, types.E(types.ErrTool, phase.Name, "script %s failed: %v: %s", path, err, strings.TrimSpace(stderr.String()))
	}

	result := parseShellOutput(strings.TrimSpace(stdout.String()))
	result.DurationMs = time.Since(start).Milliseconds()
	return result, nil
}

func parseShellOutput(out string) *tool.Result {
	if strings.HasPrefix(out, "{") {
		var m map[string]interface{}
		if err := json.Unmarshal([]byte(out), &m); err == nil {
			return tool.Normalize(m)
		}
	}
	return &tool.Result{Content: out}
}
