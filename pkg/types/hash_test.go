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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContentHash_Deterministic(t *testing.T) {
	a := ContentHash("assistant", "hello world")
	b := ContentHash("assistant", "hello world")
	assert.Equal(t, a, b)
	assert.Len(t, a, 16)
}

func TestContentHash_NormalizesWhitespace(t *testing.T) {
	a := ContentHash("user", "line one\r\nline two")
	b := ContentHash("user", "line one\nline two")
	assert.Equal(t, a, b)

	c := ContentHash("user", "  padded  ")
	d := ContentHash("user", "padded")
	assert.Equal(t, c, d)
}

func TestContentHash_RoleMatters(t *testing.T) {
	a := ContentHash("user", "same text")
	b := ContentHash("assistant", "same text")
	assert.NotEqual(t, a, b)
}

func TestHashMessage_ToolCallsDistinguish(t *testing.T) {
	plain := Message{Role: "assistant", Content: ""}
	withTool := Message{Role: "assistant", Content: "", ToolCalls: []ToolCall{{Name: "run_sql"}}}
	assert.NotEqual(t, HashMessage(plain), HashMessage(withTool))
}
