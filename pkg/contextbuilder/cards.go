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
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/cascade/pkg/sink"
	"github.com/teradata-labs/cascade/pkg/types"
)

// Embedder produces embedding vectors for semantic selection. The
// implementation (local model, provider API) lives outside the core.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// CardGenerator writes one context card per message, asynchronously and
// best-effort: a slow or failing card store never blocks the cascade's
// main path, it only makes later selection sparser.
type CardGenerator struct {
	store    sink.CardStore
	embedder Embedder // optional
	logger   *zap.Logger

	queue chan cardJob
	done  chan struct{}
}

type cardJob struct {
	sessionID string
	message   types.Message
	isAnchor  bool
}

// NewCardGenerator starts the background card writer.
func NewCardGenerator(store sink.CardStore, embedder Embedder, logger *zap.Logger) *CardGenerator {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &CardGenerator{
		store:    store,
		embedder: embedder,
		logger:   logger,
		queue:    make(chan cardJob, 256),
		done:     make(chan struct{}),
	}
	go g.run()
	return g
}

// Enqueue schedules card generation for a message. Drops on a full
// queue rather than blocking.
func (g *CardGenerator) Enqueue(sessionID string, m types.Message, isAnchor bool) {
	select {
	case g.queue <- cardJob{sessionID: sessionID, message: m, isAnchor: isAnchor}:
	default:
		g.logger.Debug("card queue full, dropping", zap.String("session", sessionID))
	}
}

// Close drains the queue and stops the writer.
func (g *CardGenerator) Close() {
	close(g.queue)
	<-g.done
}

func (g *CardGenerator) run() {
	defer close(g.done)
	for job := range g.queue {
		card := BuildCard(job.sessionID, job.message, job.isAnchor)
		if g.embedder != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if vec, err := g.embedder.Embed(ctx, card.Summary); err == nil {
				card.Embedding = vec
			}
			cancel()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := g.store.PutCard(ctx, card); err != nil {
			g.logger.Debug("failed to store context card", zap.Error(err))
		}
		cancel()
	}
}

// BuildCard summarizes one message into a context card.
func BuildCard(sessionID string, m types.Message, isAnchor bool) *sink.ContextCard {
	content := m.Content
	return &sink.ContextCard{
		SessionID:   sessionID,
		ContentHash: types.HashMessage(m),
		Summary:     summarize(content, 160),
		Keywords:    ExtractKeywords(content, 12),
		Tokens:      CountMessageTokens(m),
		IsAnchor:    isAnchor,
		IsCallout:   IsCallout(content),
		PhaseName:   m.PhaseName,
		CreatedAt:   time.Now().UTC(),
	}
}

func summarize(s string, limit int) string {
	s = strings.TrimSpace(strings.Join(strings.Fields(s), " "))
	if len(s) <= limit {
		return s
	}
	cut := s[:limit]
	if idx := strings.LastIndex(cut, " "); idx > limit/2 {
		cut = cut[:idx]
	}
	return cut + "…"
}

var wordRe = regexp.MustCompile(`[a-zA-Z_][a-zA-Z0-9_-]{3,}`)

var stopwords = map[string]bool{
	"this": true, "that": true, "with": true, "from": true, "have": true,
	"will": true, "your": true, "been": true, "were": true, "they": true,
	"their": true, "what": true, "when": true, "which": true, "would": true,
	"should": true, "could": true, "about": true, "there": true, "these": true,
	"then": true, "than": true, "them": true, "into": true, "only": true,
	"also": true, "some": true, "such": true, "must": true, "each": true,
}

// ExtractKeywords returns the most frequent non-stopword terms, longest
// first on ties so specific identifiers beat generic words.
func ExtractKeywords(s string, max int) []string {
	counts := make(map[string]int)
	for _, w := range wordRe.FindAllString(strings.ToLower(s), -1) {
		if stopwords[w] {
			continue
		}
		counts[w]++
	}
	words := make([]string, 0, len(counts))
	for w := range counts {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		if len(words[i]) != len(words[j]) {
			return len(words[i]) > len(words[j])
		}
		return words[i] < words[j]
	})
	if len(words) > max {
		words = words[:max]
	}
	return words
}

var calloutMarkers = []string{"IMPORTANT", "NOTE:", "WARNING", "CALLOUT", "TODO", "FIXME", "ERROR", "CRITICAL"}

// IsCallout reports whether a message carries an explicit emphasis
// marker worth boosting during selection.
func IsCallout(s string) bool {
	for _, marker := range calloutMarkers {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}

// errorMarkers flag messages that intra-phase compression must never
// mask.
var errorMarkers = []string{"error", "exception", "traceback", "failed", "failure", "panic"}

// HasErrorMarker reports whether a message mentions a failure.
func HasErrorMarker(s string) bool {
	lower := strings.ToLower(s)
	for _, marker := range errorMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
