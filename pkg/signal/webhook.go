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

package signal

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/teradata-labs/cascade/pkg/cascade"
	"github.com/teradata-labs/cascade/pkg/tool"
)

const maxWebhookBody = 1 << 20 // 1 MiB

// DefResolver looks up a cascade definition by id, typically backed by
// the cascade library.
type DefResolver func(cascadeID string) (*cascade.Cascade, bool)

// Webhook exposes the per-session signal firing endpoint:
//
//	POST /signals/{cascade_id}/{session_id}/{signal_name}
//
// The body is validated against the signal's schema and authenticated
// per the signal's auth block before the signal fires.
type Webhook struct {
	mgr     *Manager
	resolve DefResolver
	logger  *zap.Logger
}

// NewWebhook creates the webhook handler.
func NewWebhook(mgr *Manager, resolve DefResolver, logger *zap.Logger) *Webhook {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Webhook{mgr: mgr, resolve: resolve, logger: logger}
}

// Register mounts the endpoint on a mux.
func (w *Webhook) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /signals/{cascade_id}/{session_id}/{signal_name}", w.handle)
}

func (w *Webhook) handle(rw http.ResponseWriter, r *http.Request) {
	cascadeID := r.PathValue("cascade_id")
	sessionID := r.PathValue("session_id")
	name := r.PathValue("signal_name")

	c, ok := w.resolve(cascadeID)
	if !ok {
		writeError(rw, http.StatusNotFound, "unknown cascade")
		return
	}
	def, ok := c.Signals[name]
	if !ok {
		writeError(rw, http.StatusNotFound, "unknown signal")
		return
	}
	if def.Type == cascade.SignalTime || def.Type == cascade.SignalSensor || def.Type == cascade.SignalComposite {
		writeError(rw, http.StatusConflict, "signal cannot be fired externally")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(rw, http.StatusBadRequest, "unreadable body")
		return
	}

	if !authenticate(def.Auth, r, body) {
		w.logger.Warn("webhook auth failure",
			zap.String("cascade", cascadeID),
			zap.String("signal", name))
		writeError(rw, http.StatusUnauthorized, "authentication failed")
		return
	}

	var payload interface{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			writeError(rw, http.StatusBadRequest, "body is not valid JSON")
			return
		}
	}

	if len(def.Schema) > 0 {
		valid, problems, err := tool.ValidateDocument(def.Schema, payload)
		if err != nil {
			writeError(rw, http.StatusInternalServerError, "schema validation failed")
			return
		}
		if !valid {
			writeError(rw, http.StatusUnprocessableEntity, strings.Join(problems, "; "))
			return
		}
	}

	if err := w.mgr.Fire(r.Context(), cascadeID, sessionID, name, payload); err != nil {
		w.logger.Error("failed to fire webhook signal",
			zap.String("cascade", cascadeID),
			zap.String("signal", name),
			zap.Error(err))
		writeError(rw, http.StatusInternalServerError, "failed to record signal")
		return
	}

	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusAccepted)
	json.NewEncoder(rw).Encode(map[string]string{"status": "accepted", "signal": name})
}

// authenticate checks the request against the signal's auth block. A
// nil block or type "none" accepts everything.
func authenticate(auth *cascade.SignalAuth, r *http.Request, body []byte) bool {
	if auth == nil || auth.Type == "" || auth.Type == "none" {
		return true
	}
	secret := os.Getenv(auth.SecretEnv)
	if secret == "" {
		return false
	}
	switch auth.Type {
	case "hmac":
		header := auth.Header
		if header == "" {
			header = "X-Signature"
		}
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		want := hex.EncodeToString(mac.Sum(nil))
		got := strings.TrimPrefix(r.Header.Get(header), "sha256=")
		return hmac.Equal([]byte(want), []byte(got))
	case "api_key":
		header := auth.Header
		if header == "" {
			header = "X-API-Key"
		}
		return subtle.ConstantTimeCompare([]byte(r.Header.Get(header)), []byte(secret)) == 1
	default:
		return false
	}
}

func writeError(rw http.ResponseWriter, status int, msg string) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(map[string]string{"error": msg})
}
