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
	"fmt"
	"strings"

	"github.com/teradata-labs/cascade/pkg/cascade"
	"github.com/teradata-labs/cascade/pkg/types"
)

const (
	// DefaultWindow is the number of trailing turns kept at full
	// fidelity.
	DefaultWindow = 4

	// DefaultTruncateAt caps preserved assistant reasoning outside the
	// window, in characters.
	DefaultTruncateAt = 600

	// DefaultRetryHistory is the number of prior attempts shown when a
	// loop_until retry rebuilds context.
	DefaultRetryHistory = 2
)

// CompressIntraPhase applies the two-tier within-phase compression to a
// turn's message list. Messages inside the sliding window (the last W
// turn numbers) pass through untouched. Older messages are compressed:
// tool results are masked by a placeholder preserving identity and
// size, assistant tool-call turns collapse to a tool name list, and
// long assistant reasoning is truncated. Messages carrying error
// markers and anchors are always preserved. The sink keeps every
// original; only this turn's representation shrinks.
func CompressIntraPhase(messages []types.Message, cfg *cascade.IntraContextConfig) []types.Message {
	window := DefaultWindow
	truncateAt := DefaultTruncateAt
	if cfg != nil {
		if cfg.Window > 0 {
			window = cfg.Window
		}
		if cfg.TruncateAt > 0 {
			truncateAt = cfg.TruncateAt
		}
	}

	maxTurn := 0
	for _, m := range messages {
		if m.Turn > maxTurn {
			maxTurn = m.Turn
		}
	}
	cutoff := maxTurn - window + 1

	out := make([]types.Message, 0, len(messages))
	for _, m := range messages {
		if m.Turn >= cutoff || m.Anchor || m.Role == "system" {
			out = append(out, m)
			continue
		}
		if HasErrorMarker(m.Content) {
			out = append(out, m)
			continue
		}
		out = append(out, compressMessage(m, truncateAt))
	}
	return out
}

func compressMessage(m types.Message, truncateAt int) types.Message {
	switch m.Role {
	case "tool":
		size := len(m.Content)
		hash := types.HashMessage(m)
		m.Content = fmt.Sprintf("[tool result masked: %d bytes, hash %s]", size, hash)
		m.ContentBlocks = nil
		return m

	case "assistant":
		if len(m.ToolCalls) > 0 {
			names := make([]string, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				names[i] = tc.Name
			}
			m.Content = fmt.Sprintf("[called tools: %s]", strings.Join(names, ", "))
			return m
		}
		if len(m.Content) > truncateAt {
			m.Content = m.Content[:truncateAt] + fmt.Sprintf("\n[truncated %d chars]", len(m.Content)-truncateAt)
		}
		return m

	default:
		return m
	}
}

// RetryAttempt is one failed prior attempt shown to the model on a
// loop_until retry.
type RetryAttempt struct {
	Content string
	Reason  string
}

// BuildRetryContext rebuilds an LLM phase's context from scratch for a
// loop_until retry: system prompt, the original task, the last L failed
// attempts with their validator reasons, and the retry instruction.
func BuildRetryContext(system types.Message, task []types.Message, attempts []RetryAttempt, cfg *cascade.IntraContextConfig) []types.Message {
	keep := DefaultRetryHistory
	if cfg != nil && cfg.RetryHistory > 0 {
		keep = cfg.RetryHistory
	}
	if len(attempts) > keep {
		attempts = attempts[len(attempts)-keep:]
	}

	out := make([]types.Message, 0, len(task)+len(attempts)+2)
	out = append(out, system)
	out = append(out, task...)
	for i, attempt := range attempts {
		out = append(out, types.Message{
			Role:    "assistant",
			Content: attempt.Content,
		})
		out = append(out, types.Message{
			Role: "user",
			Content: fmt.Sprintf("Attempt %d was rejected: %s\nPlease address this and try again.",
				i+1, attempt.Reason),
		})
	}
	return out
}
