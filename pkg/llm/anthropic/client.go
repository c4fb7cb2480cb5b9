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

// Package anthropic implements ModelClient against the Anthropic
// Messages API over plain HTTP.
package anthropic

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/teradata-labs/cascade/pkg/types"
)

const (
	// DefaultModel is used when a request names no model
	DefaultModel = "claude-sonnet-4-5-20250929"
	// DefaultEndpoint is the Messages API endpoint
	DefaultEndpoint = "https://api.anthropic.com/v1/messages"
	// DefaultMaxTokens caps the response length
	DefaultMaxTokens = 4096
	// DefaultTimeout bounds one HTTP request
	DefaultTimeout = 120 * time.Second

	apiVersion = "2023-06-01"
)

// Config configures the client.
type Config struct {
	// APIKey authenticates requests. Empty falls back to the
	// ANTHROPIC_API_KEY environment variable.
	APIKey string

	// Endpoint overrides the Messages API URL (for proxies and tests).
	Endpoint string

	// MaxTokens caps response length. Zero means DefaultMaxTokens.
	MaxTokens int

	// Timeout bounds one request. Zero means DefaultTimeout.
	Timeout time.Duration

	// HTTPClient overrides the transport.
	HTTPClient *http.Client
}

// Client implements types.ModelClient for the Anthropic Messages API.
type Client struct {
	apiKey     string
	endpoint   string
	maxTokens  int
	httpClient *http.Client
}

// New creates a client.
func New(cfg Config) (*Client, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic API key not set")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = DefaultMaxTokens
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		apiKey:     apiKey,
		endpoint:   endpoint,
		maxTokens:  maxTokens,
		httpClient: httpClient,
	}, nil
}

// Name implements ModelClient.
func (c *Client) Name() string { return "anthropic" }

// wire types for the Messages API

type apiRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	System    string        `json:"system,omitempty"`
	Messages  []apiMessage  `json:"messages"`
	Tools     []apiTool     `json:"tools,omitempty"`
}

type apiMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type apiTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

type apiContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string                 `json:"id,omitempty"`
	Name  string                 `json:"name,omitempty"`
	Input map[string]interface{} `json:"input,omitempty"`

	// tool_result
	ToolUseID string      `json:"tool_use_id,omitempty"`
	Content   interface{} `json:"content,omitempty"`

	// image
	Source *apiImageSource `json:"source,omitempty"`
}

type apiImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type apiResponse struct {
	ID         string            `json:"id"`
	Content    []apiContentBlock `json:"content"`
	StopReason string            `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete implements ModelClient.
func (c *Client) Complete(ctx context.Context, req types.ModelRequest) (*types.ModelResponse, error) {
	model := req.Model
	if model == "" {
		model = DefaultModel
	}

	system, messages, err := convertMessages(req.Messages)
	if err != nil {
		return nil, types.Wrap(types.ErrModel, "", err)
	}
	api := apiRequest{
		Model:     model,
		MaxTokens: c.maxTokens,
		System:    system,
		Messages:  messages,
	}
	for _, t := range req.Tools {
		api.Tools = append(api.Tools, apiTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Schema,
		})
	}

	body, err := json.Marshal(api)
	if err != nil {
		return nil, types.Wrap(types.ErrModel, "", fmt.Errorf("failed to encode request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, types.Wrap(types.ErrModel, "", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, types.Wrap(types.ErrCancelled, "", ctx.Err())
		}
		return nil, types.Wrap(types.ErrModel, "", fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 50<<20))
	if err != nil {
		return nil, types.Wrap(types.ErrModel, "", fmt.Errorf("failed to read response: %w", err))
	}

	var parsed apiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, types.Wrap(types.ErrModel, "", fmt.Errorf("failed to parse response (status %d): %w", resp.StatusCode, err))
	}
	if resp.StatusCode != http.StatusOK {
		msg := "provider error"
		if parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return nil, types.E(types.ErrModel, "", "anthropic API %d: %s", resp.StatusCode, msg)
	}

	out := &types.ModelResponse{
		StopReason: parsed.StopReason,
		RequestID:  firstNonEmpty(resp.Header.Get("request-id"), parsed.ID),
		Duration:   time.Since(start),
		Usage: types.Usage{
			InputTokens:  parsed.Usage.InputTokens,
			OutputTokens: parsed.Usage.OutputTokens,
			TotalTokens:  parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
			CostUSD:      estimateCost(model, parsed.Usage.InputTokens, parsed.Usage.OutputTokens),
		},
	}
	for _, block := range parsed.Content {
		switch block.Type {
		case "text":
			if out.Content != "" {
				out.Content += "\n"
			}
			out.Content += block.Text
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, types.ToolCall{
				ID:    block.ID,
				Name:  block.Name,
				Input: block.Input,
			})
		}
	}
	return out, nil
}

// convertMessages splits out the system prompt and maps the runtime
// message shapes onto Messages API content blocks. Tool results become
// user-role tool_result blocks; images are inlined base64.
func convertMessages(messages []types.Message) (string, []apiMessage, error) {
	var system string
	var out []apiMessage

	for _, m := range messages {
		switch m.Role {
		case "system":
			if system != "" {
				system += "\n\n"
			}
			system += m.Content

		case "tool":
			out = append(out, apiMessage{
				Role: "user",
				Content: []apiContentBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})

		case "assistant":
			blocks := []apiContentBlock{}
			if m.Content != "" {
				blocks = append(blocks, apiContentBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, apiContentBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: tc.Input,
				})
			}
			out = append(out, apiMessage{Role: "assistant", Content: blocks})

		case "user":
			if len(m.ContentBlocks) == 0 {
				out = append(out, apiMessage{Role: "user", Content: m.Content})
				continue
			}
			blocks := make([]apiContentBlock, 0, len(m.ContentBlocks))
			for _, cb := range m.ContentBlocks {
				switch cb.Type {
				case "text":
					blocks = append(blocks, apiContentBlock{Type: "text", Text: cb.Text})
				case "image":
					data, err := os.ReadFile(cb.ImagePath)
					if err != nil {
						return "", nil, fmt.Errorf("failed to read image %s: %w", cb.ImagePath, err)
					}
					blocks = append(blocks, apiContentBlock{
						Type: "image",
						Source: &apiImageSource{
							Type:      "base64",
							MediaType: cb.MediaType,
							Data:      base64.StdEncoding.EncodeToString(data),
						},
					})
				}
			}
			out = append(out, apiMessage{Role: "user", Content: blocks})

		default:
			return "", nil, fmt.Errorf("unsupported message role: %s", m.Role)
		}
	}
	return system, out, nil
}

// Per-million-token pricing. Unknown models estimate at Sonnet rates.
var pricing = map[string][2]float64{
	"claude-opus-4":   {15.0, 75.0},
	"claude-sonnet-4": {3.0, 15.0},
	"claude-haiku-4":  {0.8, 4.0},
}

func estimateCost(model string, in, out int) float64 {
	rates := [2]float64{3.0, 15.0}
	for prefix, r := range pricing {
		if len(model) >= len(prefix) && model[:len(prefix)] == prefix {
			rates = r
			break
		}
	}
	return float64(in)/1e6*rates[0] + float64(out)/1e6*rates[1]
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
