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

package contextbuilder

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/cascade/pkg/cascade"
	"github.com/teradata-labs/cascade/pkg/echo"
	"github.com/teradata-labs/cascade/pkg/llm"
	"github.com/teradata-labs/cascade/pkg/sink"
	"github.com/teradata-labs/cascade/pkg/types"
)

func TestCountTokensFallback(t *testing.T) {
	n := CountTokens("hello world, this is a token count test")
	assert.Greater(t, n, 0)

	m := types.Message{Role: "user", Content: "hello"}
	assert.Greater(t, CountMessageTokens(m), CountTokens("hello"))
}

func TestBuildCard(t *testing.T) {
	m := types.Message{
		Role:      "assistant",
		Content:   "IMPORTANT: the database migration must run before deployment of the billing service",
		PhaseName: "plan",
	}
	card := BuildCard("ses_1", m, false)
	assert.Equal(t, "ses_1", card.SessionID)
	assert.Equal(t, types.HashMessage(m), card.ContentHash)
	assert.True(t, card.IsCallout)
	assert.Contains(t, card.Keywords, "migration")
	assert.NotEmpty(t, card.Summary)
	assert.Greater(t, card.Tokens, 0)
}

func TestExtractKeywordsSkipsStopwords(t *testing.T) {
	kws := ExtractKeywords("this would have been about the billing database billing", 5)
	assert.Contains(t, kws, "billing")
	assert.Contains(t, kws, "database")
	assert.NotContains(t, kws, "would")
	assert.NotContains(t, kws, "about")
}

// seedSession writes one phase of history into the echo, the sink, and
// the card store.
func seedSession(t *testing.T, ms *sink.MemorySink, e *echo.Echo, phase string, contents []string) {
	t.Helper()
	ctx := context.Background()
	root := &sink.Event{SessionID: e.SessionID(), TraceID: "trc_" + phase, NodeType: sink.NodePhaseStart, PhaseName: phase}
	require.NoError(t, ms.Append(ctx, root))

	for i, content := range contents {
		m := types.Message{Role: "assistant", Content: content, PhaseName: phase, Turn: i}
		e.AppendMessage(m)
		ev := &sink.Event{
			SessionID:   e.SessionID(),
			TraceID:     sink.NewTraceID(),
			ParentID:    root.TraceID,
			NodeType:    sink.NodeAgent,
			PhaseName:   phase,
			Role:        "assistant",
			Content:     content,
			ContentHash: types.HashMessage(m),
		}
		require.NoError(t, ms.Append(ctx, ev))
		require.NoError(t, ms.PutCard(ctx, BuildCard(e.SessionID(), m, false)))
	}
	e.CompletePhase(phase)
}

func TestInterPhaseHeuristicSelection(t *testing.T) {
	ms := sink.NewMemorySink()
	e := echo.New("ses_cb", map[string]interface{}{"topic": "billing"})

	seedSession(t, ms, e, "research", []string{
		"billing invoices reconcile monthly statements billing invoices",
		"weather yesterday sunny picnic unrelated chatter entirely",
	})
	seedSession(t, ms, e, "draft", []string{
		"draft ready for review",
	})

	b := NewBuilder(ms, ms, nil, nil, nil)
	msgs, err := b.BuildInterPhase(context.Background(), InterPhaseRequest{
		Config:    &cascade.ContextConfig{From: []string{"research"}, Strategy: "heuristic", MaxTokens: 25},
		CascadeID: "c",
		Phase:     "publish",
		TaskText:  "publish the billing invoices summary",
		Echo:      e,
		ParentID:  "trc_draft",
	})
	require.NoError(t, err)

	// Anchors: input + trailing turns of previous phase (draft).
	var anchored, hydrated []string
	for _, m := range msgs {
		if m.Anchor {
			anchored = append(anchored, m.Content)
		} else {
			hydrated = append(hydrated, m.Content)
		}
	}
	require.NotEmpty(t, anchored)
	assert.Contains(t, strings.Join(anchored, "\n"), "draft ready for review")

	// The budget fits only one research card; keyword overlap prefers
	// the billing one.
	require.Len(t, hydrated, 1)
	assert.Contains(t, hydrated[0], "billing")

	// Selection decision is recorded.
	events, err := ms.Query(context.Background(), sink.Query{NodeTypes: []sink.NodeType{sink.NodeContextSelection}})
	require.NoError(t, err)
	require.Len(t, events, 1)
	content := events[0].Content.(map[string]interface{})
	assert.Equal(t, "heuristic", content["strategy"])
	assert.Equal(t, 2, content["candidates"])
	assert.LessOrEqual(t, content["selected_tokens"].(int), 25)
}

func TestInterPhaseLLMSelection(t *testing.T) {
	ms := sink.NewMemorySink()
	e := echo.New("ses_llm", nil)
	seedSession(t, ms, e, "research", []string{
		"first finding about the schema",
		"second finding about the index",
	})
	seedSession(t, ms, e, "draft", []string{"draft done"})

	var menuSeen string
	client := llm.NewMockHandler(func(req types.ModelRequest) (*types.ModelResponse, error) {
		menuSeen = req.Messages[0].Content
		// Pick the first hash offered.
		hashes := parseHashes(menuSeen)
		require.NotEmpty(t, hashes)
		return llm.Text(hashes[0]), nil
	})

	b := NewBuilder(ms, ms, client, nil, nil)
	msgs, err := b.BuildInterPhase(context.Background(), InterPhaseRequest{
		Config:   &cascade.ContextConfig{From: []string{"research"}, Strategy: "llm"},
		Phase:    "write",
		TaskText: "write it up",
		Echo:     e,
	})
	require.NoError(t, err)
	assert.Contains(t, menuSeen, "finding")

	var hydrated []string
	for _, m := range msgs {
		if !m.Anchor {
			hydrated = append(hydrated, m.Content)
		}
	}
	require.Len(t, hydrated, 1)
}

func TestInterPhaseExplicitMode(t *testing.T) {
	ms := sink.NewMemorySink()
	e := echo.New("ses_ex", nil)
	e.SetOutput("analyze", map[string]interface{}{"rows": 12})
	e.SetState("mode", "fast")

	b := NewBuilder(ms, ms, nil, nil, nil)
	msgs, err := b.BuildInterPhase(context.Background(), InterPhaseRequest{
		Config: &cascade.ContextConfig{Explicit: []*cascade.ExplicitSource{
			{Phase: "analyze", Output: true, State: true},
		}},
		Phase: "report",
		Echo:  e,
	})
	require.NoError(t, err)

	joined := ""
	for _, m := range msgs {
		joined += m.Content + "\n"
	}
	assert.Contains(t, joined, `"rows":12`)
	assert.Contains(t, joined, `"mode":"fast"`)
}

func TestResolveSources(t *testing.T) {
	lineage := []string{"a", "b", "c"}
	cfg := &cascade.ContextConfig{From: []string{"previous", "first", "b"}, Exclude: []string{"b"}}
	assert.Equal(t, []string{"c", "a"}, resolveSources(cfg, lineage))

	cfg = &cascade.ContextConfig{From: []string{"all"}}
	assert.Equal(t, []string{"a", "b", "c"}, resolveSources(cfg, lineage))
}

func TestCompressIntraPhase(t *testing.T) {
	var messages []types.Message
	messages = append(messages, types.Message{Role: "system", Content: "instructions", Turn: 0})
	for turn := 0; turn < 8; turn++ {
		messages = append(messages,
			types.Message{Role: "assistant", Turn: turn, ToolCalls: []types.ToolCall{{ID: fmt.Sprintf("c%d", turn), Name: "search"}}},
			types.Message{Role: "tool", Turn: turn, ToolCallID: fmt.Sprintf("c%d", turn), Content: strings.Repeat("data ", 200)},
		)
	}

	out := CompressIntraPhase(messages, &cascade.IntraContextConfig{Window: 2})

	// System passes through.
	assert.Equal(t, "instructions", out[0].Content)

	// Old tool results are masked with size and hash preserved.
	oldTool := out[2]
	assert.Equal(t, "tool", oldTool.Role)
	assert.Contains(t, oldTool.Content, "masked")
	assert.Contains(t, oldTool.Content, "1000 bytes")
	assert.Equal(t, "c0", oldTool.ToolCallID)

	// Old assistant tool-call turns collapse to a name list.
	assert.Contains(t, out[1].Content, "[called tools: search]")

	// The last two turns are untouched.
	last := out[len(out)-1]
	assert.Equal(t, 7, last.Turn)
	assert.NotContains(t, last.Content, "masked")
}

func TestCompressPreservesErrors(t *testing.T) {
	messages := []types.Message{
		{Role: "tool", Turn: 0, Content: "Error: connection refused"},
		{Role: "assistant", Turn: 9, Content: "done"},
	}
	out := CompressIntraPhase(messages, &cascade.IntraContextConfig{Window: 2})
	assert.Equal(t, "Error: connection refused", out[0].Content)
}

func TestBuildRetryContext(t *testing.T) {
	system := types.Message{Role: "system", Content: "be rigorous"}
	task := []types.Message{{Role: "user", Content: "answer the question"}}
	attempts := []RetryAttempt{
		{Content: "try 1", Reason: "too vague"},
		{Content: "try 2", Reason: "missing citation"},
		{Content: "try 3", Reason: "wrong format"},
	}

	out := BuildRetryContext(system, task, attempts, nil)

	// Default keeps the last two attempts.
	assert.Len(t, out, 2+2*DefaultRetryHistory)
	assert.Equal(t, "be rigorous", out[0].Content)
	assert.Equal(t, "try 2", out[2].Content)
	assert.Contains(t, out[3].Content, "missing citation")
	assert.Contains(t, out[5].Content, "wrong format")
}
