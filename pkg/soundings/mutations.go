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

package soundings

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/teradata-labs/cascade/pkg/types"
)

// Built-in mutation catalogs. Candidate 0 always runs the original
// instructions; candidates 1..n-1 cycle through the catalog for the
// configured mode. Custom templates replace the catalog wholesale.

var rewriteDirectives = []string{
	"Rephrase to be maximally concise and direct.",
	"Rephrase to emphasize edge cases and failure modes.",
	"Rephrase as a step-by-step procedure.",
	"Rephrase to stress correctness over speed.",
}

var augmentSnippets = []string{
	"Before answering, list the assumptions you are making.",
	"Consider at least two alternatives before committing to one.",
	"Prefer the simplest solution that satisfies every requirement.",
	"State explicitly what you are uncertain about.",
}

var approachHints = []string{
	"Work through this from first principles.",
	"Work backwards from the desired end state.",
	"Start with the riskiest part first.",
	"Solve a simplified version first, then generalize.",
}

// prepareMutations returns per-candidate instructions for the round.
// Without a mutation config every candidate runs the same instructions.
func (r *Runner) prepareMutations(ctx context.Context, round Round, factor int) ([]string, error) {
	out := make([]string, factor)
	for i := range out {
		out[i] = round.Instructions
	}
	cfg := round.Config.Mutation
	if cfg == nil || round.Instructions == "" {
		return out, nil
	}

	catalog := cfg.Templates
	if len(catalog) == 0 {
		switch cfg.Mode {
		case "rewrite":
			catalog = rewriteDirectives
		case "augment":
			catalog = augmentSnippets
		case "approach":
			catalog = approachHints
		default:
			return nil, types.E(types.ErrConfig, round.Phase, "unknown mutation mode %q", cfg.Mode)
		}
	}

	for i := 1; i < factor; i++ {
		entry := catalog[(i-1)%len(catalog)]
		switch cfg.Mode {
		case "rewrite":
			rewritten, err := r.rewrite(ctx, cfg.Model, entry, round.Instructions)
			if err != nil {
				// A failed rewrite degrades to the original prompt; the
				// candidate still runs.
				r.logger.Warn("prompt rewrite failed, using original",
					zap.String("phase", round.Phase),
					zap.Int("sounding_index", i),
					zap.Error(err))
				continue
			}
			out[i] = rewritten
		case "augment":
			out[i] = entry + "\n\n" + round.Instructions
		case "approach":
			out[i] = round.Instructions + "\n\n" + entry
		}
	}
	return out, nil
}

// rewrite asks the model to rephrase instructions under one directive.
func (r *Runner) rewrite(ctx context.Context, model, directive, instructions string) (string, error) {
	if r.client == nil {
		return "", types.E(types.ErrConfig, "", "rewrite mutation requires a model client")
	}
	prompt := fmt.Sprintf(
		"Rewrite the instructions below. %s Preserve every requirement and constraint. Reply with only the rewritten instructions.\n\n%s",
		directive, instructions)
	resp, err := r.client.Complete(ctx, types.ModelRequest{
		Model:    model,
		Messages: []types.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", err
	}
	if resp.Content == "" {
		return "", types.E(types.ErrModel, "", "empty rewrite response")
	}
	return resp.Content, nil
}
