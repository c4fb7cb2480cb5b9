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
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teradata-labs/cascade/pkg/cascade"
	"github.com/teradata-labs/cascade/pkg/runner"
)

var (
	runInput     string
	runInputFile string
	runSession   string
)

var runCmd = &cobra.Command{
	Use:   "run [cascade-file]",
	Short: "Run a cascade to completion",
	Long: heredoc.Doc(`
		Run a single cascade file and print the final output as JSON.

		Input is supplied as a JSON object via --input or --input-file
		and validated against the cascade's inputs_schema before the
		first phase starts. With --events-db the full event tree is
		persisted and the session can later be replayed.
	`),
	Example: heredoc.Doc(`
		cascade run pipeline.yaml --input '{"ticket": "refund request"}'
		cascade run pipeline.yaml --input-file ticket.json --events-db events.db
	`),
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runInput, "input", "", "input JSON object")
	runCmd.Flags().StringVar(&runInputFile, "input-file", "", "file holding the input JSON object")
	runCmd.Flags().StringVar(&runSession, "session", "", "session id override")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
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

	input, err := decodeInput(runInput, runInputFile)
	if err != nil {
		return err
	}

	events, cleanup, err := openEvents(config, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	client, err := newModelClient(config, events, logger)
	if err != nil {
		return err
	}

	// The library is optional for a one-shot run; only sub-cascade
	// spawns and "cascade:" wards need it.
	var resolver func(string) (*cascade.Cascade, bool)
	if library, err := cascade.NewLibrary(config.Cascades.Dir, logger); err == nil {
		defer library.Close()
		resolver = library.Get
	} else {
		logger.Debug("cascade library unavailable", zap.Error(err))
	}

	rc, err := buildRunContext(config, events, client, resolver, logger)
	if err != nil {
		return err
	}
	if rc.DB != nil {
		defer rc.DB.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, err := runner.New(rc).Run(ctx, c, input, runner.Options{SessionID: runSession})
	if err != nil {
		return fmt.Errorf("cascade failed: %w", err)
	}

	return printResult(result)
}

func decodeInput(inline, file string) (map[string]interface{}, error) {
	raw := []byte(inline)
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read input file: %w", err)
		}
		raw = data
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var input map[string]interface{}
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, fmt.Errorf("input is not a JSON object: %w", err)
	}
	return input, nil
}

func printResult(result *runner.Result) error {
	out, err := json.MarshalIndent(map[string]interface{}{
		"session_id": result.SessionID,
		"lineage":    result.Lineage,
		"output":     result.Output,
		"usage": map[string]interface{}{
			"input_tokens":  result.Usage.InputTokens,
			"output_tokens": result.Usage.OutputTokens,
			"cost_usd":      result.Usage.CostUSD,
		},
	}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
