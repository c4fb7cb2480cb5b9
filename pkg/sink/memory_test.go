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

package sink

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySink_AppendAndQuery(t *testing.T) {
	s := NewMemorySink()
	defer s.Close()
	ctx := context.Background()

	root := &Event{SessionID: "s1", TraceID: "t1", NodeType: NodeCascadeStart, CascadeID: "demo"}
	require.NoError(t, s.Append(ctx, root))

	child := &Event{SessionID: "s1", TraceID: "t2", ParentID: "t1", NodeType: NodePhaseStart, PhaseName: "draft"}
	require.NoError(t, s.Append(ctx, child))

	events, err := s.Query(ctx, Query{SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Less(t, events[0].Seq, events[1].Seq)

	byType, err := s.Query(ctx, Query{NodeTypes: []NodeType{NodePhaseStart}})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, "draft", byType[0].PhaseName)
}

func TestMemorySink_RejectsOrphanChild(t *testing.T) {
	s := NewMemorySink()
	defer s.Close()

	err := s.Append(context.Background(), &Event{
		SessionID: "s1", TraceID: "t2", ParentID: "missing", NodeType: NodePhaseStart,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not durable")
}

func TestMemorySink_RejectsIncompleteEvent(t *testing.T) {
	s := NewMemorySink()
	defer s.Close()

	err := s.Append(context.Background(), &Event{SessionID: "s1"})
	require.Error(t, err)
}

func TestMemorySink_Ancestors(t *testing.T) {
	s := NewMemorySink()
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, &Event{SessionID: "s1", TraceID: "root", NodeType: NodeCascadeStart}))
	require.NoError(t, s.Append(ctx, &Event{SessionID: "s1", TraceID: "phase", ParentID: "root", NodeType: NodePhaseStart}))
	require.NoError(t, s.Append(ctx, &Event{SessionID: "s1", TraceID: "turn", ParentID: "phase", NodeType: NodeTurn}))

	chain, err := s.Ancestors(ctx, "turn")
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, "turn", chain[0].TraceID)
	assert.Equal(t, "root", chain[2].TraceID)
}

func TestMemorySink_DefiningEventWrittenOnce(t *testing.T) {
	s := NewMemorySink()
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, &Event{SessionID: "s1", TraceID: "t1", NodeType: NodePhaseStart}))
	// A later event may reuse the trace id (e.g. phase_complete); the
	// defining event stays the first one.
	require.NoError(t, s.Append(ctx, &Event{SessionID: "s1", TraceID: "t1", NodeType: NodePhaseComplete}))

	def, err := DefiningEvent(ctx, s, "t1")
	require.NoError(t, err)
	require.NotNil(t, def)
	assert.Equal(t, NodePhaseStart, def.NodeType)
}

func TestMemorySink_Subscribe(t *testing.T) {
	s := NewMemorySink()
	defer s.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := s.Subscribe(ctx)
	require.NoError(t, s.Append(ctx, &Event{SessionID: "s1", TraceID: "t1", NodeType: NodeCascadeStart}))

	select {
	case e := <-ch:
		assert.Equal(t, "t1", e.TraceID)
	case <-time.After(time.Second):
		t.Fatal("expected streamed event")
	}
}

func TestMemorySink_Cards(t *testing.T) {
	s := NewMemorySink()
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.PutCard(ctx, &ContextCard{
		SessionID: "s1", ContentHash: "abcd1234abcd1234",
		Summary: "analysis of quarterly revenue", Keywords: []string{"revenue", "q3"}, Tokens: 120,
	}))

	cards, err := s.CardsBySession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, cards, 1)
	assert.Equal(t, 120, cards[0].Tokens)

	empty, err := s.CardsBySession(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, empty)
}
