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

// Package ward runs phase validators. A ward is a named validator plus
// a mode (blocking, retry, advisory); validators return a Verdict sum
// type rather than signalling failure through errors, so an invalid
// output and an unexpected validator crash stay distinguishable.
package ward

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Verdict is a validator's result. Invalid verdicts carry the reason
// that gets injected as retry feedback.
type Verdict struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// Pass returns a valid verdict.
func Pass() Verdict { return Verdict{Valid: true} }

// Fail returns an invalid verdict with a reason.
func Fail(format string, args ...interface{}) Verdict {
	return Verdict{Valid: false, Reason: fmt.Sprintf(format, args...)}
}

// Input is what a validator sees: the value under validation plus the
// session view it may need.
type Input struct {
	// Output is the value under validation (phase output, or the turn's
	// assistant content for turn wards and loop_until).
	Output interface{}

	// CascadeInput is the original cascade input.
	CascadeInput map[string]interface{}

	// State and Outputs are read-only snapshots of the echo.
	State   map[string]interface{}
	Outputs map[string]interface{}

	Phase   string
	Turn    int
	Attempt int
}

// Validator checks one input. Returning an error means the validator
// itself failed (escalates as a tool error); an invalid output is a
// Verdict with Valid=false.
type Validator interface {
	Name() string
	Validate(ctx context.Context, in Input) (Verdict, error)
}

// Func adapts a function into a Validator.
type Func struct {
	name string
	fn   func(ctx context.Context, in Input) (Verdict, error)
}

// NewFunc creates a function validator.
func NewFunc(name string, fn func(ctx context.Context, in Input) (Verdict, error)) *Func {
	return &Func{name: name, fn: fn}
}

func (f *Func) Name() string { return f.name }

func (f *Func) Validate(ctx context.Context, in Input) (Verdict, error) {
	return f.fn(ctx, in)
}

// SubCascadeValidator runs a sub-cascade as a validator; the runner
// package installs the implementation to avoid an import cycle.
type SubCascadeValidator func(ctx context.Context, cascadeID string, in Input) (Verdict, error)

// Registry resolves validator references: plain registered names,
// "func:name" (same namespace, explicit), and "cascade:id".
type Registry struct {
	mu         sync.RWMutex
	validators map[string]Validator
	subCascade SubCascadeValidator
}

// NewRegistry creates an empty validator registry.
func NewRegistry() *Registry {
	return &Registry{validators: make(map[string]Validator)}
}

// Register registers a validator under its name.
func (r *Registry) Register(v Validator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validators[v.Name()] = v
}

// SetSubCascadeValidator installs the "cascade:" resolver.
func (r *Registry) SetSubCascadeValidator(fn SubCascadeValidator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subCascade = fn
}

// Resolve returns the validator for a reference string.
func (r *Registry) Resolve(ref string) (Validator, error) {
	name := strings.TrimPrefix(ref, "func:")

	if strings.HasPrefix(ref, "cascade:") {
		r.mu.RLock()
		sub := r.subCascade
		r.mu.RUnlock()
		if sub == nil {
			return nil, fmt.Errorf("sub-cascade validators not available: %s", ref)
		}
		id := strings.TrimPrefix(ref, "cascade:")
		return NewFunc(ref, func(ctx context.Context, in Input) (Verdict, error) {
			return sub(ctx, id, in)
		}), nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.validators[name]
	if !ok {
		return nil, fmt.Errorf("unknown validator: %s", ref)
	}
	return v, nil
}
