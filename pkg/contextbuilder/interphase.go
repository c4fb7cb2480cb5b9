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

// Package contextbuilder assembles the message lists submitted to the
// model: inter-phase selection (anchors plus scored context cards,
// hydrated from the event sink) and intra-phase compression (sliding
// window with observation masking).
package contextbuilder

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/cascade/pkg/cascade"
	"github.com/teradata-labs/cascade/pkg/echo"
	"github.com/teradata-labs/cascade/pkg/sink"
	"github.com/teradata-labs/cascade/pkg/types"
)

// DefaultTokenBudget caps inter-phase selection when neither the
// cascade nor the phase sets one.
const DefaultTokenBudget = 8000

// DefaultAnchorTurns is the number of trailing previous-phase turns
// always included.
const DefaultAnchorTurns = 2

// Builder performs inter-phase context selection.
type Builder struct {
	events   sink.EventSink
	cards    sink.CardStore
	client   types.ModelClient // cheap model for llm/hybrid strategies
	embedder Embedder          // for the semantic strategy
	logger   *zap.Logger
}

// NewBuilder creates a context builder. client and embedder may be nil;
// the llm and semantic strategies then degrade to heuristic.
func NewBuilder(events sink.EventSink, cards sink.CardStore, client types.ModelClient, embedder Embedder, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{events: events, cards: cards, client: client, embedder: embedder, logger: logger}
}

// InterPhaseRequest describes one selection.
type InterPhaseRequest struct {
	Config    *cascade.ContextConfig
	CascadeID string
	Phase     string
	// TaskText is the rendered instructions of the upcoming phase, used
	// for relevance scoring.
	TaskText string
	Echo     *echo.Echo
	Budget   int

	// Trace placement for the context_selection event.
	ParentID string
	Depth    int
}

// BuildInterPhase returns the context messages carried into a phase:
// anchors first, then selected history under the token budget. A nil
// config yields anchors only.
func (b *Builder) BuildInterPhase(ctx context.Context, req InterPhaseRequest) ([]types.Message, error) {
	anchors := b.buildAnchors(req)

	cfg := req.Config
	if cfg == nil {
		return anchors, nil
	}
	if len(cfg.Explicit) > 0 {
		return append(anchors, b.buildExplicit(req)...), nil
	}
	if len(cfg.From) == 0 {
		return anchors, nil
	}

	sources := resolveSources(cfg, req.Echo.Lineage())
	if len(sources) == 0 {
		return anchors, nil
	}

	budget := req.Budget
	if cfg.MaxTokens > 0 {
		budget = cfg.MaxTokens
	}
	if budget <= 0 {
		budget = DefaultTokenBudget
	}

	candidates, err := b.candidateCards(ctx, req.Echo.SessionID(), sources, anchors)
	if err != nil {
		return nil, err
	}

	strategy := cfg.Strategy
	if strategy == "" {
		strategy = "heuristic"
	}
	selected, err := b.selectCards(ctx, strategy, cfg, req.TaskText, candidates, budget)
	if err != nil {
		return nil, err
	}

	hydrated := b.hydrate(ctx, req.Echo.SessionID(), selected)
	b.emitSelection(ctx, req, strategy, candidates, selected, budget)
	return append(anchors, hydrated...), nil
}

// buildAnchors returns the always-included messages: the original
// cascade input plus the last K turns of the previous phase.
func (b *Builder) buildAnchors(req InterPhaseRequest) []types.Message {
	var anchors []types.Message

	if input := req.Echo.Input(); len(input) > 0 {
		raw, _ := json.Marshal(input)
		anchors = append(anchors, types.Message{
			Role:    "user",
			Content: fmt.Sprintf("Original task input:\n%s", string(raw)),
			Anchor:  true,
		})
	}

	lineage := req.Echo.Lineage()
	if len(lineage) == 0 {
		return anchors
	}
	prev := lineage[len(lineage)-1]

	turns := DefaultAnchorTurns
	if req.Config != nil && req.Config.AnchorTurns > 0 {
		turns = req.Config.AnchorTurns
	}

	history := req.Echo.PhaseHistory(prev)
	kept := trailingTurns(history, turns)
	for i := range kept {
		kept[i].Anchor = true
	}
	return append(anchors, kept...)
}

// trailingTurns keeps the messages of the last n turn numbers.
func trailingTurns(history []types.Message, n int) []types.Message {
	if len(history) == 0 {
		return nil
	}
	maxTurn := 0
	for _, m := range history {
		if m.Turn > maxTurn {
			maxTurn = m.Turn
		}
	}
	cutoff := maxTurn - n + 1
	var out []types.Message
	for _, m := range history {
		if m.Turn >= cutoff {
			out = append(out, m)
		}
	}
	return out
}

func (b *Builder) buildExplicit(req InterPhaseRequest) []types.Message {
	var out []types.Message
	for _, src := range req.Config.Explicit {
		if src.Messages {
			out = append(out, req.Echo.PhaseHistory(src.Phase)...)
		}
		if src.Output {
			if v, ok := req.Echo.Output(src.Phase); ok {
				out = append(out, types.Message{
					Role:    "user",
					Content: fmt.Sprintf("Output of phase %s:\n%s", src.Phase, stringifyOutput(v)),
				})
			}
		}
		if src.Images {
			var blocks []types.ContentBlock
			for _, path := range req.Echo.Images(src.Phase) {
				blocks = append(blocks, types.ContentBlock{
					Type:      "image",
					ImagePath: path,
					MediaType: mediaTypeOf(path),
				})
			}
			if len(blocks) > 0 {
				out = append(out, types.Message{Role: "user", ContentBlocks: blocks})
			}
		}
		if src.State {
			raw, _ := json.Marshal(req.Echo.State())
			out = append(out, types.Message{
				Role:    "user",
				Content: fmt.Sprintf("Current state:\n%s", string(raw)),
			})
		}
	}
	return out
}

// resolveSources expands the from keywords against the lineage.
func resolveSources(cfg *cascade.ContextConfig, lineage []string) []string {
	excluded := make(map[string]bool, len(cfg.Exclude))
	for _, e := range cfg.Exclude {
		excluded[e] = true
	}

	var names []string
	for _, from := range cfg.From {
		switch from {
		case "previous":
			if len(lineage) > 0 {
				names = append(names, lineage[len(lineage)-1])
			}
		case "first":
			if len(lineage) > 0 {
				names = append(names, lineage[0])
			}
		case "all":
			names = append(names, lineage...)
		default:
			names = append(names, from)
		}
	}

	seen := make(map[string]bool, len(names))
	var out []string
	for _, n := range names {
		if excluded[n] || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// candidateCards returns the non-anchor cards from the source phases.
func (b *Builder) candidateCards(ctx context.Context, sessionID string, sources []string, anchors []types.Message) ([]*sink.ContextCard, error) {
	if b.cards == nil {
		return nil, nil
	}
	all, err := b.cards.CardsBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load context cards: %w", err)
	}

	anchorHashes := make(map[string]bool, len(anchors))
	for _, m := range anchors {
		anchorHashes[types.HashMessage(m)] = true
	}
	inSource := make(map[string]bool, len(sources))
	for _, s := range sources {
		inSource[s] = true
	}

	var out []*sink.ContextCard
	for _, card := range all {
		if card.IsAnchor || anchorHashes[card.ContentHash] || !inSource[card.PhaseName] {
			continue
		}
		out = append(out, card)
	}
	return out, nil
}

func (b *Builder) selectCards(ctx context.Context, strategy string, cfg *cascade.ContextConfig, task string, candidates []*sink.ContextCard, budget int) ([]*sink.ContextCard, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	switch strategy {
	case "semantic":
		if b.embedder != nil {
			return b.selectSemantic(ctx, cfg, task, candidates, budget)
		}
		return selectHeuristic(task, candidates, budget), nil
	case "llm":
		if b.client != nil {
			return b.selectLLM(ctx, cfg, task, candidates, budget)
		}
		return selectHeuristic(task, candidates, budget), nil
	case "hybrid":
		pre := selectHeuristic(task, candidates, budget*2)
		if b.client == nil || len(pre) == 0 {
			return clampBudget(pre, budget), nil
		}
		return b.selectLLM(ctx, cfg, task, pre, budget)
	default:
		return selectHeuristic(task, candidates, budget), nil
	}
}

// selectHeuristic scores each card by keyword overlap with the task,
// recency, and a callout bonus, then takes greedily under the budget.
func selectHeuristic(task string, candidates []*sink.ContextCard, budget int) []*sink.ContextCard {
	taskWords := make(map[string]bool)
	for _, w := range ExtractKeywords(task, 64) {
		taskWords[w] = true
	}

	type scored struct {
		card  *sink.ContextCard
		score float64
	}
	items := make([]scored, len(candidates))
	for i, card := range candidates {
		overlap := 0.0
		if len(card.Keywords) > 0 {
			hits := 0
			for _, w := range card.Keywords {
				if taskWords[w] {
					hits++
				}
			}
			overlap = float64(hits) / float64(len(card.Keywords))
		}
		recency := float64(i+1) / float64(len(candidates))
		callout := 0.0
		if card.IsCallout {
			callout = 1.0
		}
		items[i] = scored{card, 0.5*overlap + 0.3*recency + 0.2*callout}
	}

	sort.SliceStable(items, func(i, j int) bool { return items[i].score > items[j].score })

	var out []*sink.ContextCard
	used := 0
	for _, it := range items {
		if used+it.card.Tokens > budget {
			continue
		}
		out = append(out, it.card)
		used += it.card.Tokens
	}
	return out
}

// selectSemantic ranks by cosine similarity of the task embedding
// against card embeddings, applying the threshold then the budget.
func (b *Builder) selectSemantic(ctx context.Context, cfg *cascade.ContextConfig, task string, candidates []*sink.ContextCard, budget int) ([]*sink.ContextCard, error) {
	taskVec, err := b.embedder.Embed(ctx, task)
	if err != nil {
		b.logger.Warn("task embedding failed, falling back to heuristic", zap.Error(err))
		return selectHeuristic(task, candidates, budget), nil
	}

	threshold := cfg.Threshold
	if threshold == 0 {
		threshold = 0.3
	}

	type scored struct {
		card *sink.ContextCard
		sim  float64
	}
	var items []scored
	for _, card := range candidates {
		if len(card.Embedding) == 0 {
			continue
		}
		sim := cosine(taskVec, card.Embedding)
		if sim >= threshold {
			items = append(items, scored{card, sim})
		}
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].sim > items[j].sim })

	var out []*sink.ContextCard
	used := 0
	for _, it := range items {
		if used+it.card.Tokens > budget {
			continue
		}
		out = append(out, it.card)
		used += it.card.Tokens
	}
	return out, nil
}

// selectLLM shows a cheap model a menu of card summaries keyed by short
// content hashes and keeps the hashes it returns.
func (b *Builder) selectLLM(ctx context.Context, cfg *cascade.ContextConfig, task string, candidates []*sink.ContextCard, budget int) ([]*sink.ContextCard, error) {
	var menu strings.Builder
	for _, card := range candidates {
		fmt.Fprintf(&menu, "%s [%s, %d tokens]: %s\n", card.ContentHash, card.PhaseName, card.Tokens, card.Summary)
	}

	prompt := fmt.Sprintf(
		"You select which prior conversation snippets are relevant to a task.\n\nTask:\n%s\n\nAvailable snippets (hash [phase, tokens]: summary):\n%s\nReply with the hashes of the relevant snippets, one per line, staying under %d total tokens. Reply NONE if nothing is relevant.",
		task, menu.String(), budget)

	resp, err := b.client.Complete(ctx, types.ModelRequest{
		Model:    cfg.Model,
		Messages: []types.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		b.logger.Warn("llm selection failed, falling back to heuristic", zap.Error(err))
		return selectHeuristic(task, candidates, budget), nil
	}

	chosen := parseHashes(resp.Content)
	byHash := make(map[string]*sink.ContextCard, len(candidates))
	for _, card := range candidates {
		byHash[card.ContentHash] = card
	}

	var out []*sink.ContextCard
	used := 0
	for _, h := range chosen {
		card, ok := byHash[h]
		if !ok || used+card.Tokens > budget {
			continue
		}
		out = append(out, card)
		used += card.Tokens
	}
	return out, nil
}

var hashRe = regexp.MustCompile(`\b[0-9a-f]{16}\b`)

func parseHashes(s string) []string {
	return hashRe.FindAllString(s, -1)
}

// hydrate fetches the full message records behind the selected cards
// from the sink by (session_id, content_hash). Cards whose records
// cannot be found are skipped.
func (b *Builder) hydrate(ctx context.Context, sessionID string, cards []*sink.ContextCard) []types.Message {
	var out []types.Message
	for _, card := range cards {
		events, err := b.events.Query(ctx, sink.Query{
			SessionID:   sessionID,
			ContentHash: card.ContentHash,
			Limit:       1,
		})
		if err != nil || len(events) == 0 {
			b.logger.Debug("could not hydrate card",
				zap.String("hash", card.ContentHash),
				zap.Error(err))
			continue
		}
		if m, ok := messageFromEvent(events[0]); ok {
			out = append(out, m)
		}
	}
	return out
}

// messageFromEvent reconstructs a context message from an event record.
func messageFromEvent(e *sink.Event) (types.Message, bool) {
	role := e.Role
	if role == "" {
		role = "user"
	}
	switch content := e.Content.(type) {
	case string:
		return types.Message{Role: role, Content: content, PhaseName: e.PhaseName, TraceID: e.TraceID}, true
	case types.Message:
		return content, true
	case map[string]interface{}:
		if s, ok := content["content"].(string); ok {
			return types.Message{Role: role, Content: s, PhaseName: e.PhaseName, TraceID: e.TraceID}, true
		}
		raw, err := json.Marshal(content)
		if err != nil {
			return types.Message{}, false
		}
		return types.Message{Role: role, Content: string(raw), PhaseName: e.PhaseName, TraceID: e.TraceID}, true
	default:
		return types.Message{}, false
	}
}

func (b *Builder) emitSelection(ctx context.Context, req InterPhaseRequest, strategy string, candidates, selected []*sink.ContextCard, budget int) {
	if b.events == nil {
		return
	}
	selectedHashes := make([]string, len(selected))
	selectedTokens := 0
	for i, card := range selected {
		selectedHashes[i] = card.ContentHash
		selectedTokens += card.Tokens
	}
	candidateTokens := 0
	for _, card := range candidates {
		candidateTokens += card.Tokens
	}

	e := &sink.Event{
		Timestamp: time.Now().UTC(),
		SessionID: req.Echo.SessionID(),
		TraceID:   sink.NewTraceID(),
		ParentID:  req.ParentID,
		NodeType:  sink.NodeContextSelection,
		CascadeID: req.CascadeID,
		PhaseName: req.Phase,
		Depth:     req.Depth,
		Content: map[string]interface{}{
			"strategy":        strategy,
			"candidates":      len(candidates),
			"selected_hashes": selectedHashes,
			"budget_tokens":   budget,
			"selected_tokens": selectedTokens,
			"tokens_saved":    candidateTokens - selectedTokens,
		},
	}
	if err := b.events.Append(ctx, e); err != nil {
		b.logger.Warn("failed to record context selection", zap.Error(err))
	}
}

func clampBudget(cards []*sink.ContextCard, budget int) []*sink.ContextCard {
	var out []*sink.ContextCard
	used := 0
	for _, card := range cards {
		if used+card.Tokens > budget {
			continue
		}
		out = append(out, card)
		used += card.Tokens
	}
	return out
}

func cosine(a []float32, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func stringifyOutput(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}

func mediaTypeOf(path string) string {
	switch {
	case strings.HasSuffix(path, ".jpg"), strings.HasSuffix(path, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(path, ".gif"):
		return "image/gif"
	case strings.HasSuffix(path, ".webp"):
		return "image/webp"
	default:
		return "image/png"
	}
}
