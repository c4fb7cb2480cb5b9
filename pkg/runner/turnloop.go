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
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/cascade/pkg/cascade"
	"github.com/teradata-labs/cascade/pkg/contextbuilder"
	"github.com/teradata-labs/cascade/pkg/llm"
	"github.com/teradata-labs/cascade/pkg/signal"
	"github.com/teradata-labs/cascade/pkg/sink"
	"github.com/teradata-labs/cascade/pkg/template"
	"github.com/teradata-labs/cascade/pkg/tool"
	"github.com/teradata-labs/cascade/pkg/types"
	"github.com/teradata-labs/cascade/pkg/ward"
)

// runTurnLoop executes an LLM phase: render instructions, assemble
// inter-phase context, then loop model calls and tool dispatch until a
// termination condition holds.
func (r *CascadeRunner) runTurnLoop(ctx context.Context, env phaseEnv, phaseTrace string) (interface{}, string, types.Usage, error) {
	phase := env.phase
	var usage types.Usage

	maxTurns := phase.Rules.EffectiveMaxTurns()
	var loopUntil *cascade.LoopUntil
	if phase.Rules != nil {
		loopUntil = phase.Rules.LoopUntil
	}
	if maxTurns == 0 {
		if loopUntil != nil {
			return nil, "", usage, types.E(types.ErrValidation, phase.Name, "loop_until not satisfied: no turns permitted")
		}
		return "", "", usage, nil
	}

	tools, err := r.rc.Registry.Resolve(phase.Tools)
	if err != nil {
		return nil, "", usage, types.Wrap(types.ErrConfig, phase.Name, err)
	}
	routeTool := (*tool.FuncTool)(nil)
	if len(phase.Handoffs) >= 2 {
		routeTool = tool.NewRouteTool(phase.Handoffs)
		tools = append(tools, routeTool)
	}
	stateTool := tool.NewSetStateTool(func(key string, value interface{}) error {
		env.echo.SetState(key, value)
		return nil
	})
	tools = append(tools, stateTool)

	model := env.model
	if model == "" {
		model = phase.Model
	}
	client := r.rc.Clients.For(model)
	if client == nil && r.replay == nil {
		return nil, "", usage, types.E(types.ErrModel, phase.Name, "no model client configured for %q", model)
	}

	instructions := env.instructions
	if instructions == "" {
		instructions, err = r.renderInstructions(env, 0)
		if err != nil {
			return nil, "", usage, err
		}
	}

	native := phase.Rules.Native()
	var specs []types.ToolSpec
	if native {
		specs, err = buildToolSpecs(tools)
		if err != nil {
			return nil, "", usage, types.Wrap(types.ErrConfig, phase.Name, err)
		}
	} else if len(tools) > 0 {
		instructions += "\n\n" + promptToolSection(tools)
	}

	ctxMsgs, err := r.rc.Builder.BuildInterPhase(ctx, contextbuilder.InterPhaseRequest{
		Config:    r.contextConfig(env),
		CascadeID: env.cascade.CascadeID,
		Phase:     phase.Name,
		TaskText:  instructions,
		Echo:      env.echo,
		Budget:    env.cascade.TokenBudget,
		ParentID:  phaseTrace,
		Depth:     env.depth + 1,
	})
	if err != nil {
		return nil, "", usage, err
	}

	msgs := []types.Message{{Role: "system", Content: instructions, PhaseName: phase.Name}}
	msgs = append(msgs, ctxMsgs...)
	if len(ctxMsgs) == 0 {
		msgs = append(msgs, types.Message{Role: "user", Content: "Input:\n" + stringifyContent(env.echo.Input()), PhaseName: phase.Name})
	}
	if env.feedback != "" {
		msgs = append(msgs, types.Message{
			Role:      "user",
			Content:   "A previous attempt was rejected: " + env.feedback + "\nAddress the problem and produce a corrected result.",
			PhaseName: phase.Name,
		})
	}

	wards := ward.NewRunner(r.rc.Validators, r.rc.Events, r.rc.Logger)
	var lastContent string
	var routeHint string
	imageCount := 0

	// loop_until retries rebuild context from this snapshot instead of
	// growing the transcript with every failed attempt.
	baseMsgs := make([]types.Message, len(msgs))
	copy(baseMsgs, msgs)
	var retryAttempts []contextbuilder.RetryAttempt

	for turn := 0; turn < maxTurns; turn++ {
		if err := ctx.Err(); err != nil {
			return nil, "", usage, types.Wrap(types.ErrCancelled, phase.Name, err)
		}

		if turn > 0 && phase.Rules != nil && phase.Rules.TurnPrompt != "" {
			prompt, err := template.Render(phase.Rules.TurnPrompt, env.templateVars(turn))
			if err != nil {
				return nil, "", usage, types.Wrap(types.ErrTemplate, phase.Name, err)
			}
			msgs = append(msgs, types.Message{Role: "user", Content: prompt, PhaseName: phase.Name, Turn: turn})
		}

		turnTrace := r.emitTurn(ctx, env, phaseTrace, turn)

		submit := contextbuilder.CompressIntraPhase(msgs, phase.IntraContext)
		req := types.ModelRequest{Model: model, Messages: submit}
		if native {
			req.Tools = specs
		}
		var resp *types.ModelResponse
		if r.replay != nil {
			recorded, ok := r.replay.popAgent(env.echo.SessionID())
			if !ok {
				return nil, "", usage, types.E(types.ErrModel, phase.Name, "no recorded response for session %s turn %d", env.echo.SessionID(), turn)
			}
			resp = recorded
		} else {
			resp, err = client.Complete(llm.WithSession(ctx, env.echo.SessionID()), req)
			if err != nil {
				return nil, "", usage, types.Wrap(types.ErrModel, phase.Name, err)
			}
		}
		usage.Add(resp.Usage)
		lastContent = resp.Content

		calls := resp.ToolCalls
		if !native {
			calls = parseFencedCalls(resp.Content)
		}
		agentTrace := r.emitAgent(ctx, env, turnTrace, turn, model, resp, calls)

		if cp, remainder, ok := signal.DetectDecision(resp.Content); ok {
			out, next, err := r.handleDecision(ctx, env, phaseTrace, cp, remainder)
			return out, next, usage, err
		}

		assistant := types.Message{
			Role: "assistant", Content: resp.Content, ToolCalls: calls,
			PhaseName: phase.Name, Turn: turn, TraceID: agentTrace, Timestamp: time.Now().UTC(),
		}
		msgs = append(msgs, assistant)
		env.echo.AppendMessage(assistant)

		var imageBlocks []types.ContentBlock
		routed := false
		for _, call := range calls {
			if routeTool != nil && call.Name == "route_to" {
				dest, err := r.dispatchRoute(ctx, env, agentTrace, turn, routeTool, call)
				if err != nil {
					msgs = append(msgs, types.Message{Role: "tool", Content: "error: " + err.Error(), ToolCallID: call.ID, PhaseName: phase.Name, Turn: turn})
					continue
				}
				routeHint = dest
				routed = true
				break
			}
			if call.Name == "set_state" {
				feedback := r.dispatchSetState(ctx, env, agentTrace, turn, stateTool, call)
				stateMsg := types.Message{Role: "tool", Content: feedback, ToolCallID: call.ID, PhaseName: phase.Name, Turn: turn, Timestamp: time.Now().UTC()}
				msgs = append(msgs, stateMsg)
				env.echo.AppendMessage(stateMsg)
				continue
			}
			result, resultText, err := r.dispatchTool(ctx, env, agentTrace, turn, call)
			if err != nil {
				return nil, "", usage, err
			}
			toolMsg := types.Message{Role: "tool", Content: resultText, ToolCallID: call.ID, PhaseName: phase.Name, Turn: turn, Timestamp: time.Now().UTC()}
			msgs = append(msgs, toolMsg)
			env.echo.AppendMessage(toolMsg)

			if result != nil {
				if result.Route != "" && hasHandoff(phase.Handoffs, result.Route) {
					routeHint = result.Route
				}
				if len(result.Images) > 0 {
					imageBlocks = append(imageBlocks, r.persistImages(env, result.Images, &imageCount)...)
				}
			}
		}
		if routed {
			return lastContent, routeHint, usage, nil
		}
		if len(imageBlocks) > 0 {
			msgs = append(msgs, types.Message{
				Role:          "user",
				Content:       "The tool produced the following images.",
				ContentBlocks: imageBlocks,
				PhaseName:     phase.Name,
				Turn:          turn,
			})
		}

		in := ward.Input{
			Output:       lastContent,
			CascadeInput: env.echo.Input(),
			State:        env.echo.State(),
			Outputs:      env.echo.Outputs(),
			Phase:        phase.Name,
			Turn:         turn,
		}
		tr := ward.Trace{SessionID: env.echo.SessionID(), ParentID: turnTrace, CascadeID: env.cascade.CascadeID, Depth: env.depth + 2}

		if phase.Wards != nil && len(phase.Wards.Turn) > 0 {
			disp, reason, err := wards.Run(ctx, phase.Wards.Turn, in, tr)
			if err != nil {
				return nil, "", usage, err
			}
			if disp == ward.Retry {
				msgs = append(msgs, types.Message{Role: "user", Content: "Output rejected: " + reason, PhaseName: phase.Name, Turn: turn})
				continue
			}
		}

		if loopUntil != nil {
			verdict, err := wards.CheckLoopUntil(ctx, loopUntil, in, tr)
			if err != nil {
				return nil, "", usage, err
			}
			if verdict.Valid {
				return lastContent, routeHint, usage, nil
			}
			if turn+1 >= maxTurns {
				return nil, "", usage, types.E(types.ErrValidation, phase.Name, "loop_until not satisfied after %d turns: %s", maxTurns, verdict.Reason)
			}
			retryAttempts = append(retryAttempts, contextbuilder.RetryAttempt{Content: lastContent, Reason: verdict.Reason})
			msgs = contextbuilder.BuildRetryContext(baseMsgs[0], baseMsgs[1:], retryAttempts, phase.IntraContext)
			continue
		}

		if len(calls) == 0 {
			return lastContent, routeHint, usage, nil
		}
	}

	return lastContent, routeHint, usage, nil
}

// renderInstructions renders the phase instruction template, appending
// the loop_until acceptance footer unless silenced.
func (r *CascadeRunner) renderInstructions(env phaseEnv, turn int) (string, error) {
	vars := env.templateVars(turn)
	vars["history"] = env.echo.History()
	rendered, err := template.Render(env.phase.Instructions, vars)
	if err != nil {
		return "", types.Wrap(types.ErrTemplate, env.phase.Name, err)
	}
	if rules := env.phase.Rules; rules != nil && rules.LoopUntil != nil && !rules.LoopUntil.Silent {
		criterion := rules.LoopUntil.Description
		if criterion == "" {
			criterion = rules.LoopUntil.Validator
		}
		rendered += "\n\nAcceptance criterion: " + criterion + ". Your output is checked after every turn; keep working until it passes."
	}
	return rendered, nil
}

func (r *CascadeRunner) contextConfig(env phaseEnv) *cascade.ContextConfig {
	if env.phase.Context != nil {
		return env.phase.Context
	}
	return env.cascade.AutoContext
}

// dispatchRoute handles the synthetic route_to tool inline; the
// destination enum already restricts targets to declared handoffs.
func (r *CascadeRunner) dispatchRoute(ctx context.Context, env phaseEnv, parentTrace string, turn int, routeTool *tool.FuncTool, call types.ToolCall) (string, error) {
	callTrace := r.emitToolCall(ctx, env, parentTrace, turn, call)
	if err := tool.ValidateArgs(routeTool.InputSchema(), call.Input); err != nil {
		r.emitToolResult(ctx, env, callTrace, turn, call.Name, nil, err)
		return "", err
	}
	result, err := routeTool.Execute(ctx, call.Input)
	r.emitToolResult(ctx, env, callTrace, turn, call.Name, result, err)
	if err != nil {
		return "", err
	}
	return result.Route, nil
}

// dispatchSetState handles the synthetic set_state tool inline. The
// mutation itself is recorded as a state_update event so state history
// can be reconstructed from the log alone.
func (r *CascadeRunner) dispatchSetState(ctx context.Context, env phaseEnv, parentTrace string, turn int, stateTool *tool.FuncTool, call types.ToolCall) string {
	callTrace := r.emitToolCall(ctx, env, parentTrace, turn, call)
	if err := tool.ValidateArgs(stateTool.InputSchema(), call.Input); err != nil {
		r.emitToolResult(ctx, env, callTrace, turn, call.Name, nil, err)
		return "error: " + err.Error()
	}
	result, err := stateTool.Execute(ctx, call.Input)
	r.emitToolResult(ctx, env, callTrace, turn, call.Name, result, err)
	if err != nil {
		return "error: " + err.Error()
	}

	ev := &sink.Event{
		Timestamp:     time.Now().UTC(),
		SessionID:     env.echo.SessionID(),
		TraceID:       sink.NewTraceID(),
		ParentID:      callTrace,
		NodeType:      sink.NodeStateUpdate,
		CascadeID:     env.cascade.CascadeID,
		PhaseName:     env.phase.Name,
		Depth:         env.depth + 5,
		TurnNumber:    turn,
		SoundingIndex: env.soundingIndex,
		Content:       call.Input,
	}
	if appendErr := r.rc.Events.Append(ctx, ev); appendErr != nil {
		r.rc.Logger.Warn("failed to record state update", zap.String("phase", env.phase.Name), zap.Error(appendErr))
	}
	return stringifyContent(result.Content)
}

// dispatchTool runs one model-requested tool call and returns the
// result plus the text fed back to the model. Tool failures are fed
// back rather than aborting the phase; only cancellation propagates.
func (r *CascadeRunner) dispatchTool(ctx context.Context, env phaseEnv, parentTrace string, turn int, call types.ToolCall) (*tool.Result, string, error) {
	callTrace := r.emitToolCall(ctx, env, parentTrace, turn, call)

	var result *tool.Result
	var err error
	if r.replay != nil {
		recorded, ok := r.replay.popTool(env.echo.SessionID(), call.Name)
		if !ok {
			err = types.E(types.ErrTool, env.phase.Name, "no recorded result for tool %s", call.Name)
		}
		result = recorded
	} else {
		result, err = r.rc.Executor.Execute(ctx, call.Name, call.Input, map[string]interface{}{
			"_session_id": env.echo.SessionID(),
			"_phase_name": env.phase.Name,
			"_trace_id":   callTrace,
			"_state":      env.echo.State(),
			"_outputs":    env.echo.Outputs(),
		})
	}
	r.emitToolResult(ctx, env, callTrace, turn, call.Name, result, err)
	if err != nil {
		if types.KindOf(err) == types.ErrCancelled {
			return nil, "", err
		}
		return nil, "error: " + err.Error(), nil
	}
	if result.Error != nil {
		return result, "error: " + result.Error.Error(), nil
	}
	return result, stringifyContent(result.Content), nil
}

// persistImages copies tool-produced images under the session image
// tree and returns content blocks referencing the copies.
func (r *CascadeRunner) persistImages(env phaseEnv, paths []string, counter *int) []types.ContentBlock {
	root := r.rc.ImagesDir
	if root == "" {
		root = "images"
	}
	dir := filepath.Join(root, env.echo.SessionID(), env.phase.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		r.rc.Logger.Warn("failed to create image directory", zap.String("dir", dir), zap.Error(err))
		return nil
	}

	var blocks []types.ContentBlock
	for _, src := range paths {
		data, err := os.ReadFile(src)
		if err != nil {
			r.rc.Logger.Warn("failed to read tool image", zap.String("path", src), zap.Error(err))
			continue
		}
		ext := filepath.Ext(src)
		if ext == "" {
			ext = ".png"
		}
		dst := filepath.Join(dir, fmt.Sprintf("image_%d%s", *counter, ext))
		*counter++
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			r.rc.Logger.Warn("failed to persist tool image", zap.String("path", dst), zap.Error(err))
			continue
		}
		env.echo.AddImage(env.phase.Name, dst)
		blocks = append(blocks, types.ContentBlock{Type: "image", ImagePath: dst, MediaType: imageMediaType(ext)})
	}
	return blocks
}

func imageMediaType(ext string) string {
	switch strings.ToLower(ext) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}

// handleDecision converts an embedded decision block into a human-input
// checkpoint. The chosen option's route_to, when set, becomes the
// phase's routing hint; otherwise declared handoffs apply.
func (r *CascadeRunner) handleDecision(ctx context.Context, env phaseEnv, phaseTrace string, cp *signal.Checkpoint, remainder string) (interface{}, string, error) {
	name := "decision_" + env.phase.Name
	res, err := r.rc.Signals.Await(ctx, signal.AwaitRequest{
		CascadeID:   env.cascade.CascadeID,
		SessionID:   env.echo.SessionID(),
		Phase:       env.phase.Name,
		Name:        name,
		Def:         &cascade.SignalDef{Type: cascade.SignalHuman},
		ParentTrace: phaseTrace,
		Depth:       env.depth + 1,
		Checkpoint:  cp,
	})
	if err != nil {
		return nil, "", err
	}
	response := res.Response()
	opt, ok := cp.OptionFor(response)
	if !ok {
		return nil, "", types.E(types.ErrSignal, env.phase.Name, "decision response %q matches no option", response)
	}
	env.echo.SetState(name, opt.Value)
	output := remainder
	if output == "" {
		output = response
	}
	return output, opt.RouteTo, nil
}

// buildToolSpecs converts tools to the wire shape of the native
// tool-call channel.
func buildToolSpecs(tools []tool.Tool) ([]types.ToolSpec, error) {
	specs := make([]types.ToolSpec, 0, len(tools))
	for _, t := range tools {
		var schema map[string]interface{}
		if s := t.InputSchema(); s != nil {
			m, err := s.ToMap()
			if err != nil {
				return nil, err
			}
			schema = m
		}
		specs = append(specs, types.ToolSpec{Name: t.Name(), Description: t.Description(), Schema: schema})
	}
	return specs, nil
}

// promptToolSection describes the tool set textually for models without
// a native tool-call channel, along with the canonical fence format.
func promptToolSection(tools []tool.Tool) string {
	var b strings.Builder
	b.WriteString("You can invoke the following tools. To call one, emit a fenced block:\n")
	b.WriteString("```tool\n{\"name\": \"<tool>\", \"arguments\": {...}}\n```\n\nAvailable tools:\n")
	for _, t := range tools {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name(), t.Description())
		if s := t.InputSchema(); s != nil {
			if m, err := s.ToMap(); err == nil {
				if raw, err := json.Marshal(m); err == nil {
					fmt.Fprintf(&b, "  schema: %s\n", raw)
				}
			}
		}
	}
	return b.String()
}

var toolFenceRe = regexp.MustCompile("(?s)```tool\\s*\\n(.*?)```")

// parseFencedCalls extracts tool calls from assistant text when native
// tool calling is disabled. Malformed blocks are treated as no call.
func parseFencedCalls(content string) []types.ToolCall {
	var calls []types.ToolCall
	for i, m := range toolFenceRe.FindAllStringSubmatch(content, -1) {
		var body struct {
			Name      string                 `json:"name"`
			Arguments map[string]interface{} `json:"arguments"`
		}
		if err := json.Unmarshal([]byte(m[1]), &body); err != nil || body.Name == "" {
			continue
		}
		calls = append(calls, types.ToolCall{
			ID:    fmt.Sprintf("fenced_%d", i),
			Name:  body.Name,
			Input: body.Arguments,
		})
	}
	return calls
}

func hasHandoff(handoffs []string, name string) bool {
	for _, h := range handoffs {
		if h == name {
			return true
		}
	}
	return false
}

func stringifyContent(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}

func (r *CascadeRunner) emitTurn(ctx context.Context, env phaseEnv, phaseTrace string, turn int) string {
	traceID := sink.NewTraceID()
	ev := &sink.Event{
		Timestamp:     time.Now().UTC(),
		SessionID:     env.echo.SessionID(),
		TraceID:       traceID,
		ParentID:      phaseTrace,
		NodeType:      sink.NodeTurn,
		CascadeID:     env.cascade.CascadeID,
		PhaseName:     env.phase.Name,
		Depth:         env.depth + 2,
		TurnNumber:    turn,
		SoundingIndex: env.soundingIndex,
	}
	if err := r.rc.Events.Append(ctx, ev); err != nil {
		r.rc.Logger.Warn("failed to record turn", zap.String("phase", env.phase.Name), zap.Error(err))
	}
	return traceID
}

func (r *CascadeRunner) emitAgent(ctx context.Context, env phaseEnv, turnTrace string, turn int, model string, resp *types.ModelResponse, calls []types.ToolCall) string {
	traceID := sink.NewTraceID()
	ev := &sink.Event{
		Timestamp:         time.Now().UTC(),
		SessionID:         env.echo.SessionID(),
		TraceID:           traceID,
		ParentID:          turnTrace,
		NodeType:          sink.NodeAgent,
		Role:              "assistant",
		CascadeID:         env.cascade.CascadeID,
		PhaseName:         env.phase.Name,
		Depth:             env.depth + 3,
		TurnNumber:        turn,
		SoundingIndex:     env.soundingIndex,
		Model:             model,
		ProviderRequestID: resp.RequestID,
		TokensIn:          resp.Usage.InputTokens,
		TokensOut:         resp.Usage.OutputTokens,
		Cost:              resp.Usage.CostUSD,
		DurationMs:        resp.Duration.Milliseconds(),
		Content:           resp.Content,
		ContentHash:       types.ContentHash("assistant", resp.Content),
	}
	if len(calls) > 0 {
		ev.SetMeta("tool_calls", calls)
	}
	if err := r.rc.Events.Append(ctx, ev); err != nil {
		r.rc.Logger.Warn("failed to record agent turn", zap.String("phase", env.phase.Name), zap.Error(err))
	}
	return traceID
}

func (r *CascadeRunner) emitToolCall(ctx context.Context, env phaseEnv, parentTrace string, turn int, call types.ToolCall) string {
	traceID := sink.NewTraceID()
	ev := &sink.Event{
		Timestamp:     time.Now().UTC(),
		SessionID:     env.echo.SessionID(),
		TraceID:       traceID,
		ParentID:      parentTrace,
		NodeType:      sink.NodeToolCall,
		CascadeID:     env.cascade.CascadeID,
		PhaseName:     env.phase.Name,
		Depth:         env.depth + 4,
		TurnNumber:    turn,
		SoundingIndex: env.soundingIndex,
		Content:       call.Input,
	}
	ev.SetMeta("tool", call.Name)
	if call.ID != "" {
		ev.SetMeta("call_id", call.ID)
	}
	if err := r.rc.Events.Append(ctx, ev); err != nil {
		r.rc.Logger.Warn("failed to record tool call", zap.String("tool", call.Name), zap.Error(err))
	}
	return traceID
}

func (r *CascadeRunner) emitToolResult(ctx context.Context, env phaseEnv, callTrace string, turn int, name string, result *tool.Result, execErr error) {
	ev := &sink.Event{
		Timestamp:     time.Now().UTC(),
		SessionID:     env.echo.SessionID(),
		TraceID:       sink.NewTraceID(),
		ParentID:      callTrace,
		NodeType:      sink.NodeToolResult,
		CascadeID:     env.cascade.CascadeID,
		PhaseName:     env.phase.Name,
		Depth:         env.depth + 5,
		TurnNumber:    turn,
		SoundingIndex: env.soundingIndex,
	}
	ev.SetMeta("tool", name)
	if result != nil {
		ev.Content = result.Content
		ev.DurationMs = result.DurationMs
		if len(result.Images) > 0 {
			ev.SetMeta("images", result.Images)
		}
		if result.Route != "" {
			ev.SetMeta("route", result.Route)
		}
		if result.Error != nil {
			ev.SetMeta("error", result.Error.Error())
		}
	}
	if execErr != nil {
		ev.SetMeta("error", execErr.Error())
	}
	if err := r.rc.Events.Append(ctx, ev); err != nil {
		r.rc.Logger.Warn("failed to record tool result", zap.String("tool", name), zap.Error(err))
	}
}
