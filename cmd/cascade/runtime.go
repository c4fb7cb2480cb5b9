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
package main

import (
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	// Drivers for the "sql:" deterministic phase engine.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/teradata-labs/cascade/internal/sqlitedriver"

	"github.com/teradata-labs/cascade/pkg/llm"
	"github.com/teradata-labs/cascade/pkg/llm/anthropic"
	"github.com/teradata-labs/cascade/pkg/runner"
	"github.com/teradata-labs/cascade/pkg/scheduler"
	"github.com/teradata-labs/cascade/pkg/signal"
	"github.com/teradata-labs/cascade/pkg/sink"
	"github.com/teradata-labs/cascade/pkg/types"
)

// newLogger builds the process logger from the logging config.
func newLogger(cfg *Config) (*zap.Logger, error) {
	var zapConfig zap.Config
	if cfg.Logging.Format == "json" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}

	logLevel := zap.InfoLevel
	if cfg.Logging.Level != "" {
		if err := logLevel.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Logging.Level, err)
		}
	}
	zapConfig.Level = zap.NewAtomicLevelAt(logLevel)

	if cfg.Logging.File != "" {
		zapConfig.OutputPaths = []string{cfg.Logging.File}
		zapConfig.ErrorOutputPaths = []string{cfg.Logging.File}
	}

	return zapConfig.Build(zap.AddStacktrace(zap.ErrorLevel))
}

// openEvents opens the configured event sink. A durable path gets a
// SQLite sink behind bounded buffering; otherwise events stay in
// memory. The returned cleanup flushes and closes the sink chain.
func openEvents(cfg *Config, logger *zap.Logger) (sink.EventSink, func(), error) {
	if cfg.Events.Path == "" {
		ms := sink.NewMemorySink()
		return ms, func() { _ = ms.Close() }, nil
	}

	durable, err := sink.NewSQLiteSink(sink.SQLiteConfig{
		Path:              cfg.Events.Path,
		CompressThreshold: cfg.Events.CompressThreshold,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open event log: %w", err)
	}

	buffered := sink.NewBufferedSink(durable, sink.BufferedConfig{
		FlushEvents:   cfg.Events.FlushEvents,
		FlushInterval: time.Duration(cfg.Events.FlushIntervalMs) * time.Millisecond,
		Logger:        logger,
	})
	cleanup := func() {
		_ = buffered.Close()
		_ = durable.Close()
	}
	return buffered, cleanup, nil
}

// newModelClient builds the provider client with retry and usage
// instrumentation layered on. Usage records land in the event log.
func newModelClient(cfg *Config, events sink.EventSink, logger *zap.Logger) (types.ModelClient, error) {
	switch cfg.LLM.Provider {
	case "anthropic":
		client, err := anthropic.New(anthropic.Config{
			APIKey:    cfg.LLM.AnthropicAPIKey,
			MaxTokens: cfg.LLM.MaxTokens,
			Timeout:   time.Duration(cfg.LLM.TimeoutSeconds) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		retried := llm.NewRetryClient(client, llm.RetryConfig{
			MaxRetries: cfg.LLM.MaxRetries,
			Logger:     logger,
		})
		instrumented := llm.NewInstrumentedClient(retried, logger)
		instrumented.EmitCostUpdates(events)
		return instrumented, nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.LLM.Provider)
	}
}

// openDB opens the analytic engine for "sql:" phases, or returns nil
// when no database is configured.
func openDB(cfg *Config) (*sql.DB, error) {
	if cfg.Database.Driver == "" {
		return nil, nil
	}
	driver := cfg.Database.Driver
	if driver == "sqlite" {
		driver = "sqlite3"
	}
	db, err := sql.Open(driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

// buildRunContext assembles the shared collaborators for run, serve,
// and replay.
func buildRunContext(cfg *Config, events sink.EventSink, client types.ModelClient, library signal.DefResolver, logger *zap.Logger) (*runner.RunContext, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	rc := &runner.RunContext{
		Events:    events,
		Clients:   llm.NewClients(client),
		Pool:      scheduler.NewPool(cfg.Runner.MaxParallel, logger),
		Library:   library,
		DB:        db,
		ImagesDir: cfg.Runner.ImagesDir,
		MaxDepth:  cfg.Runner.MaxDepth,
		Logger:    logger,
	}
	return rc, nil
}
