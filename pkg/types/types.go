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

// Package types contains shared types used across the cascade runtime.
// This package breaks import cycles by providing common types that the
// runner, tool, soundings, and sink packages all depend on.
package types

import (
	"context"
	"time"
)

// ToolCall represents a tool invocation requested by the model.
type ToolCall struct {
	// ID is a unique identifier for this tool call
	ID string `json:"id"`

	// Name is the tool name
	Name string `json:"name"`

	// Input contains the tool arguments
	Input map[string]interface{} `json:"input"`
}

// ContentBlock represents one piece of content in a multi-modal message.
type ContentBlock struct {
	// Type is the content type ("text" or "image")
	Type string `json:"type"`

	// Text contains text content (when Type is "text")
	Text string `json:"text,omitempty"`

	// ImagePath references a persisted image on disk (when Type is "image")
	ImagePath string `json:"image_path,omitempty"`

	// MediaType is the MIME type of the image ("image/png", "image/jpeg", ...)
	MediaType string `json:"media_type,omitempty"`
}

// Message represents a single message in a phase conversation.
type Message struct {
	// Role is the message sender: "system", "user", "assistant" or "tool"
	Role string `json:"role"`

	// Content is the message text (for text-only messages)
	Content string `json:"content"`

	// ContentBlocks contains multi-modal content. When present it takes
	// precedence over Content.
	ContentBlocks []ContentBlock `json:"content_blocks,omitempty"`

	// ToolCalls contains tool invocations (when Role is "assistant")
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID matches a tool result to the tool_use block that
	// requested it (when Role is "tool")
	ToolCallID string `json:"tool_call_id,omitempty"`

	// PhaseName tags the phase that produced this message
	PhaseName string `json:"phase_name,omitempty"`

	// Turn is the zero-based turn number within the phase
	Turn int `json:"turn,omitempty"`

	// TraceID links the message to its event in the sink
	TraceID string `json:"trace_id,omitempty"`

	// Anchor marks messages that the context builder must always keep
	Anchor bool `json:"anchor,omitempty"`

	// Timestamp when the message was created
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Usage tracks model token usage and cost for one request.
type Usage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalTokens  int     `json:"total_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Add accumulates usage from another request.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
	u.CostUSD += other.CostUSD
}

// ToolSpec describes one tool offered to the model on a request. The
// schema is an opaque JSON-Schema document owned by the tool package.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]interface{}
}

// ModelResponse represents a response from the model client.
type ModelResponse struct {
	// Content is the assistant text (if any)
	Content string

	// ToolCalls contains requested tool executions (native tool calling)
	ToolCalls []ToolCall

	// StopReason indicates why the model stopped
	StopReason string

	// Usage tracks token usage for this request
	Usage Usage

	// RequestID is the provider request id, when available
	RequestID string

	// Duration is the wall-clock time of the request
	Duration time.Duration
}

// ModelRequest is a single chat-completion request.
type ModelRequest struct {
	// Model is the model identifier
	Model string

	// Messages is the ordered conversation submitted to the provider
	Messages []Message

	// Tools offered for native tool calling (nil when prompt-based)
	Tools []ToolSpec
}

// ModelClient abstracts a chat-completion provider. Implementations live
// outside the core; the runner only depends on this interface.
type ModelClient interface {
	// Complete sends a conversation to the model and returns the response
	Complete(ctx context.Context, req ModelRequest) (*ModelResponse, error)

	// Name returns the provider name
	Name() string
}

// TokenCallback is called for each token chunk during streaming.
// Implementations should be lightweight and non-blocking.
type TokenCallback func(token string)

// StreamingModelClient extends ModelClient with token streaming support.
type StreamingModelClient interface {
	ModelClient

	// CompleteStream streams tokens as they are generated and returns the
	// complete response after the stream finishes.
	CompleteStream(ctx context.Context, req ModelRequest, cb TokenCallback) (*ModelResponse, error)
}

// SupportsStreaming reports whether a client implements StreamingModelClient.
func SupportsStreaming(client ModelClient) bool {
	_, ok := client.(StreamingModelClient)
	return ok
}
