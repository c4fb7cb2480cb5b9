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
	"encoding/json"
	"regexp"
	"strings"
)

// A model turn can embed a decision block to hand control to a human:
//
//	```decision
//	{"question": "Ship now?",
//	 "options": [{"label": "Yes", "value": "ship", "route_to": "deploy"},
//	             {"label": "No", "value": "hold"}]}
//	```
//
// The runner detects the block after the turn and converts it into a
// human-input checkpoint; each option's value is a permissible
// response, optionally routed to a successor phase.
var decisionRe = regexp.MustCompile("(?s)```decision\\s*\\n(.*?)```")

// DetectDecision extracts a decision block from assistant output. The
// second return is the output with the block removed.
func DetectDecision(content string) (*Checkpoint, string, bool) {
	m := decisionRe.FindStringSubmatchIndex(content)
	if m == nil {
		return nil, content, false
	}
	raw := content[m[2]:m[3]]

	var cp Checkpoint
	if err := json.Unmarshal([]byte(raw), &cp); err != nil || cp.Question == "" || len(cp.Options) == 0 {
		return nil, content, false
	}
	remainder := strings.TrimSpace(content[:m[0]] + content[m[1]:])
	return &cp, remainder, true
}

// OptionFor matches a resolution response to a decision option.
func (c *Checkpoint) OptionFor(response string) (*Option, bool) {
	for i, o := range c.Options {
		if s, ok := o.Value.(string); ok && s == response {
			return &c.Options[i], true
		}
		if o.Label == response {
			return &c.Options[i], true
		}
	}
	return nil, false
}
