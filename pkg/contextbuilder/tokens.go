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
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/teradata-labs/cascade/pkg/types"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// CountTokens estimates the token count of a string. Uses the
// cl100k_base encoding when available and falls back to the len/4
// heuristic when the encoding cannot be loaded (offline environments).
func CountTokens(s string) int {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	if encoding == nil {
		return len(s) / 4
	}
	return len(encoding.Encode(s, nil, nil))
}

// CountMessageTokens estimates the tokens of a message including a
// small per-message framing overhead.
func CountMessageTokens(m types.Message) int {
	n := CountTokens(m.Content) + 4
	for _, cb := range m.ContentBlocks {
		if cb.Type == "text" {
			n += CountTokens(cb.Text)
		} else {
			// Images are charged a flat estimate.
			n += 1100
		}
	}
	for _, tc := range m.ToolCalls {
		n += CountTokens(tc.Name) + 10
	}
	return n
}

// CountAllTokens sums message token estimates.
func CountAllTokens(messages []types.Message) int {
	total := 0
	for _, m := range messages {
		total += CountMessageTokens(m)
	}
	return total
}
