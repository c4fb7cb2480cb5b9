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

package types

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// ContentHash computes the stable 16-hex identifier over a message's role
// and normalized content. Two messages with identical normalized content
// share a hash, which makes the hash usable as a join key between the
// event log and context cards.
func ContentHash(role, content string) string {
	h := sha256.New()
	h.Write([]byte(role))
	h.Write([]byte{0})
	h.Write([]byte(NormalizeContent(content)))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// NormalizeContent canonicalizes message content before hashing: CRLF is
// folded to LF and surrounding whitespace is stripped.
func NormalizeContent(content string) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	return strings.TrimSpace(content)
}

// HashMessage computes the content hash of a message, folding tool call
// names into the hashed content so that otherwise-empty assistant tool
// turns still hash distinctly.
func HashMessage(msg Message) string {
	content := msg.Content
	if len(msg.ToolCalls) > 0 {
		names := make([]string, 0, len(msg.ToolCalls))
		for _, tc := range msg.ToolCalls {
			names = append(names, tc.Name)
		}
		content += "\n[tools:" + strings.Join(names, ",") + "]"
	}
	return ContentHash(msg.Role, content)
}
