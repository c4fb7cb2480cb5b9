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
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLiteSink(t *testing.T) *SQLiteSink {
	t.Helper()
	s, err := NewSQLiteSink(SQLiteConfig{Path: filepath.Join(t.TempDir(), "events.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteSink_AppendAndQuery(t *testing.T) {
	s := newTestSQLiteSink(t)
	ctx := context.Background()

	root := &Event{SessionID: "s1", TraceID: "t1", NodeType: NodeCascadeStart, CascadeID: "demo",
		Content: map[string]interface{}{"topic": "churn"}}
	require.NoError(t, s.Append(ctx, root))
	assert.NotZero(t, root.Seq)

	child := &Event{SessionID: "s1", TraceID: "t2", ParentID: "t1", NodeType: NodePhaseStart,
		PhaseName: "draft", TokensIn: 12, TokensOut: 40, Cost: 0.003}
	child.SetMeta("accepted", false)
	require.NoError(t, s.Append(ctx, child))

	events, err := s.Query(ctx, Query{SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Less(t, events[0].Seq, events[1].Seq)

	// Content and metadata survive the round trip as generic JSON.
	content, ok := events[0].Content.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "churn", content["topic"])
	assert.Equal(t, false, events[1].Metadata["accepted"])
	assert.Equal(t, 40, events[1].TokensOut)

	byType, err := s.Query(ctx, Query{NodeTypes: []NodeType{NodePhaseStart}})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, "draft", byType[0].PhaseName)
}

func TestSQLiteSink_RejectsIncompleteEvent(t *testing.T) {
	s := newTestSQLiteSink(t)

	err := s.Append(context.Background(), &Event{SessionID: "s1"})
	require.Error(t, err)
}

func TestSQLiteSink_CompressesLargeContent(t *testing.T) {
	s, err := NewSQLiteSink(SQLiteConfig{
		Path:              filepath.Join(t.TempDir(), "events.db"),
		CompressThreshold: 64,
	})
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	large := strings.Repeat("the quick brown fox ", 200)
	require.NoError(t, s.Append(ctx, &Event{
		SessionID: "s1", TraceID: "t1", NodeType: NodeAgent, Content: large,
	}))

	events, err := s.Query(ctx, Query{SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, large, events[0].Content)
}

func TestSQLiteSink_SoundingIndexRoundTrip(t *testing.T) {
	s := newTestSQLiteSink(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, &Event{
		SessionID: "s1", TraceID: "t1", NodeType: NodeSoundingAttempt,
		SoundingIndex: Sounding(2), IsWinner: true,
	}))
	require.NoError(t, s.Append(ctx, &Event{
		SessionID: "s1", TraceID: "t2", NodeType: NodePhaseStart,
	}))

	events, err := s.Query(ctx, Query{SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.NotNil(t, events[0].SoundingIndex)
	assert.Equal(t, 2, *events[0].SoundingIndex)
	assert.True(t, events[0].IsWinner)
	assert.Nil(t, events[1].SoundingIndex)
}

func TestSQLiteSink_Ancestors(t *testing.T) {
	s := newTestSQLiteSink(t)
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

func TestSQLiteSink_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	ctx := context.Background()

	s, err := NewSQLiteSink(SQLiteConfig{Path: path})
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, &Event{SessionID: "s1", TraceID: "t1", NodeType: NodeCascadeStart}))
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteSink(SQLiteConfig{Path: path})
	require.NoError(t, err)
	defer reopened.Close()

	events, err := reopened.Query(ctx, Query{SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, NodeCascadeStart, events[0].NodeType)
}

func TestSQLiteSink_Cards(t *testing.T) {
	s := newTestSQLiteSink(t)
	ctx := context.Background()

	require.NoError(t, s.PutCard(ctx, &ContextCard{
		SessionID: "s1", ContentHash: "abcd1234abcd1234",
		Summary: "analysis of quarterly revenue", Keywords: []string{"revenue", "q3"}, Tokens: 120,
	}))
	// Re-putting the same hash refreshes instead of duplicating.
	require.NoError(t, s.PutCard(ctx, &ContextCard{
		SessionID: "s1", ContentHash: "abcd1234abcd1234",
		Summary: "analysis of quarterly revenue", Tokens: 130,
	}))

	cards, err := s.CardsBySession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, cards, 1)
	assert.Equal(t, 130, cards[0].Tokens)

	empty, err := s.CardsBySession(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, empty)
}
