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

package sink

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// NewSessionID generates a fresh session identifier.
func NewSessionID() string {
	return "ses_" + uuid.NewString()[:12]
}

// NewTraceID generates a fresh trace node identifier.
func NewTraceID() string {
	return "trc_" + uuid.NewString()[:12]
}

// SoundingSessionID derives the namespaced session id for sounding
// attempt i of a phase running in the parent session.
func SoundingSessionID(parent string, i int) string {
	return fmt.Sprintf("%s_sounding%d", parent, i)
}

// ReforgeSessionID derives the namespaced session id for attempt i of
// reforge step k.
func ReforgeSessionID(parent string, step, i int) string {
	return fmt.Sprintf("%s_reforge%d_%d", parent, step, i)
}

// RootSessionID strips sounding/reforge suffixes, returning the session
// the branch belongs to. Branch suffixes never nest more than one level
// per derivation, but sub-cascades may stack them.
func RootSessionID(sessionID string) string {
	for {
		idx := strings.LastIndex(sessionID, "_sounding")
		if idx < 0 {
			idx = strings.LastIndex(sessionID, "_reforge")
		}
		if idx < 0 {
			return sessionID
		}
		sessionID = sessionID[:idx]
	}
}
