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

package llm

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/teradata-labs/cascade/pkg/types"
)

// RetryConfig controls the retry decorator.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Logger          *zap.Logger
}

// DefaultRetryConfig returns conservative defaults for provider 429s
// and transient network failures.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      5,
		InitialInterval: 2 * time.Second,
		MaxInterval:     60 * time.Second,
	}
}

// RetryClient wraps a ModelClient with exponential backoff on retryable
// provider errors. Config errors and cancellation pass through
// immediately.
type RetryClient struct {
	inner  types.ModelClient
	cfg    RetryConfig
	logger *zap.Logger
}

// NewRetryClient wraps inner with retry.
func NewRetryClient(inner types.ModelClient, cfg RetryConfig) *RetryClient {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultRetryConfig().MaxRetries
	}
	if cfg.InitialInterval == 0 {
		cfg.InitialInterval = DefaultRetryConfig().InitialInterval
	}
	if cfg.MaxInterval == 0 {
		cfg.MaxInterval = DefaultRetryConfig().MaxInterval
	}
	return &RetryClient{inner: inner, cfg: cfg, logger: logger}
}

// Name returns the underlying client name.
func (c *RetryClient) Name() string { return c.inner.Name() }

// Complete calls the underlying client, retrying retryable failures.
func (c *RetryClient) Complete(ctx context.Context, req types.ModelRequest) (*types.ModelResponse, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.InitialInterval
	bo.MaxInterval = c.cfg.MaxInterval
	bo.MaxElapsedTime = 0

	var resp *types.ModelResponse
	attempt := 0
	operation := func() error {
		var err error
		resp, err = c.inner.Complete(ctx, req)
		if err == nil {
			return nil
		}
		if types.KindOf(err) == types.ErrCancelled || !types.Retryable(err) {
			return backoff.Permanent(err)
		}
		attempt++
		c.logger.Warn("model call failed, retrying",
			zap.String("model", req.Model),
			zap.Int("attempt", attempt),
			zap.Error(err))
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.cfg.MaxRetries)), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return resp, nil
}
