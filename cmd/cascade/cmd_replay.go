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
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"

	"github.com/teradata-labs/cascade/pkg/cascade"
	"github.com/teradata-labs/cascade/pkg/runner"
	"github.com/teradata-labs/cascade/pkg/sink"
)

var replayFrom string

var replayCmd = &cobra.Command{
	Use:   "replay [cascade-file] [session-id]",
	Short: "Re-execute a recorded session without model cost",
	Long: heredoc.Doc(`
		Replay a recorded session: model calls and tool executions are
		answered from the recorded event log instead of hitting
		providers, so the run costs nothing and reproduces the original
		lineage and output.

		The source log is the configured events db unless --from names
		a different one. New events are appended to the configured
		events db (or kept in memory if none is set).
	`),
	Example: heredoc.Doc(`
		cascade replay pipeline.yaml ses_01HV2K...
		cascade replay pipeline.yaml ses_01HV2K... --from archive.db --events-db fresh.db
	`),
	Args: cobra.ExactArgs(2),
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().StringVar(&replayFrom, "from", "", "source event log (default: the configured events db)")
	rootCmd.AddCommand(replayCmd)
}

func runReplay(cmd *cobra.Command, args []string) error {
	if err := config.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(config)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	c, err := cascade.LoadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to load cascade: %w", err)
	}
	sessionID := args[1]

	events, cleanup, err := openEvents(config, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	// The source defaults to the destination log; --from replays a
	// session recorded elsewhere into the configured log.
	source := events
	if replayFrom != "" {
		srcSink, err := sink.NewSQLiteSink(sink.SQLiteConfig{Path: replayFrom})
		if err != nil {
			return fmt.Errorf("failed to open source event log: %w", err)
		}
		defer srcSink.Close()
		source = srcSink
	}
	if replayFrom == "" && config.Events.Path == "" {
		return fmt.Errorf("replay needs a recorded event log: set --from or --events-db")
	}

	rc, err := buildRunContext(config, events, nil, nil, logger)
	if err != nil {
		return err
	}
	if rc.DB != nil {
		defer rc.DB.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, err := runner.New(rc).Replay(ctx, c, source, sessionID)
	if err != nil {
		return fmt.Errorf("replay failed: %w", err)
	}

	return printResult(result)
}
