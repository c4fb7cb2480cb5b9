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
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MakeNowJust/heredoc"
	"github.com/r3labs/sse/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teradata-labs/cascade/pkg/cascade"
	"github.com/teradata-labs/cascade/pkg/runner"
	cascadesignal "github.com/teradata-labs/cascade/pkg/signal"
	"github.com/teradata-labs/cascade/pkg/sink"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the cascade library over HTTP",
	Long: heredoc.Doc(`
		Start the HTTP server. The server loads every cascade in the
		library directory (hot-reloading on change), launches runs on
		request, accepts external signals on the webhook endpoint, and
		streams the event log over SSE.

		Endpoints:
		  GET  /cascades                                       list loaded cascade ids
		  POST /cascades/{cascade_id}/runs                     launch a run
		  POST /signals/{cascade_id}/{session_id}/{signal_name} fire a signal
		  GET  /events?stream={session_id}                     SSE event stream

		Press Ctrl+C to gracefully shutdown.
	`),
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// globalStream carries every event; per-session streams are created
// lazily as sessions appear.
const globalStream = "events"

func runServe(cmd *cobra.Command, args []string) error {
	if err := config.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(config)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting cascade server",
		zap.String("host", config.Server.Host),
		zap.Int("port", config.Server.Port),
		zap.String("cascades", config.Cascades.Dir))

	library, err := cascade.NewLibrary(config.Cascades.Dir, logger)
	if err != nil {
		return fmt.Errorf("failed to load cascade library: %w", err)
	}
	defer library.Close()
	if config.Cascades.HotReload {
		if err := library.Watch(); err != nil {
			logger.Warn("hot reload unavailable", zap.Error(err))
		}
	}
	logger.Info("Cascade library loaded", zap.Strings("ids", library.IDs()))

	events, cleanup, err := openEvents(config, logger)
	if err != nil {
		return err
	}
	defer cleanup()
	if config.Events.Path == "" {
		logger.Warn("no events db configured; sessions will not survive restart")
	}

	client, err := newModelClient(config, events, logger)
	if err != nil {
		return err
	}

	rc, err := buildRunContext(config, events, client, library.Get, logger)
	if err != nil {
		return err
	}
	if rc.DB != nil {
		defer rc.DB.Close()
	}
	r := runner.New(rc)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mux := http.NewServeMux()

	// Signal webhook.
	webhook := cascadesignal.NewWebhook(rc.Signals, library.Get, logger)
	webhook.Register(mux)

	// SSE event stream: the global stream carries everything, and each
	// session gets its own stream keyed by session id.
	sseServer := sse.New()
	sseServer.AutoReplay = false
	sseServer.CreateStream(globalStream)
	defer sseServer.Close()
	go pumpEvents(ctx, events, sseServer, logger)
	mux.HandleFunc("GET /events", sseServer.ServeHTTP)

	mux.HandleFunc("GET /cascades", func(w http.ResponseWriter, req *http.Request) {
		// Internal cascades stay loadable for sub-cascade spawns but
		// are not offered for direct launch.
		public := make([]string, 0)
		for _, id := range library.IDs() {
			if c, ok := library.Get(id); ok && !c.Internal {
				public = append(public, id)
			}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"cascades": public})
	})

	mux.HandleFunc("POST /cascades/{cascade_id}/runs", func(w http.ResponseWriter, req *http.Request) {
		handleLaunch(ctx, w, req, r, library.Get, logger)
	})

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// pumpEvents forwards appended events to the SSE server.
func pumpEvents(ctx context.Context, events sink.EventSink, sseServer *sse.Server, logger *zap.Logger) {
	sub, ok := events.(sink.Subscriber)
	if !ok {
		logger.Warn("event sink does not support streaming; /events will stay silent")
		return
	}
	for ev := range sub.Subscribe(ctx) {
		data, err := json.Marshal(ev)
		if err != nil {
			logger.Warn("failed to encode event for streaming", zap.Error(err))
			continue
		}
		msg := &sse.Event{Event: []byte(string(ev.NodeType)), Data: data}
		sseServer.Publish(globalStream, msg)
		if ev.SessionID != "" {
			if !sseServer.StreamExists(ev.SessionID) {
				sseServer.CreateStream(ev.SessionID)
			}
			sseServer.Publish(ev.SessionID, msg)
		}
	}
}

type launchRequest struct {
	Input     map[string]interface{} `json:"input"`
	SessionID string                 `json:"session_id"`
}

// handleLaunch starts a cascade run in the background and returns the
// session id; progress is observable on the SSE stream.
func handleLaunch(ctx context.Context, w http.ResponseWriter, req *http.Request, r *runner.CascadeRunner, resolve cascadesignal.DefResolver, logger *zap.Logger) {
	cascadeID := req.PathValue("cascade_id")
	c, ok := resolve(cascadeID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown cascade"})
		return
	}

	var launch launchRequest
	if req.Body != nil {
		if err := json.NewDecoder(req.Body).Decode(&launch); err != nil && err.Error() != "EOF" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body is not valid JSON"})
			return
		}
	}

	sessionID := launch.SessionID
	if sessionID == "" {
		sessionID = sink.NewSessionID()
	}

	go func() {
		result, err := r.Run(ctx, c, launch.Input, runner.Options{SessionID: sessionID})
		if err != nil {
			logger.Error("cascade run failed",
				zap.String("cascade", cascadeID),
				zap.String("session", sessionID),
				zap.Error(err))
			return
		}
		logger.Info("cascade run complete",
			zap.String("cascade", cascadeID),
			zap.String("session", result.SessionID),
			zap.Float64("cost_usd", result.Usage.CostUSD))
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":     "started",
		"cascade_id": cascadeID,
		"session_id": sessionID,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
}
