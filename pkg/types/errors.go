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

package types

import (
	"context"
	"errors"
	"fmt"
)

// ErrKind classifies a cascade error for propagation decisions.
type ErrKind string

const (
	// ErrConfig indicates a malformed cascade, unknown handoff, unknown
	// tool, or a schema violation at load time. Fatal.
	ErrConfig ErrKind = "config"

	// ErrTemplate indicates an unresolved variable or a forbidden
	// operation during rendering. Fatal.
	ErrTemplate ErrKind = "template"

	// ErrTool indicates a tool handler failure. Retried per phase policy.
	ErrTool ErrKind = "tool"

	// ErrToolTimeout indicates a tool exceeded its timeout.
	ErrToolTimeout ErrKind = "tool_timeout"

	// ErrToolUsage indicates the model supplied invalid tool arguments.
	ErrToolUsage ErrKind = "tool_usage"

	// ErrToolIO indicates a tool I/O failure (subprocess, network, disk).
	ErrToolIO ErrKind = "tool_io"

	// ErrModel indicates a provider failure, context-window overflow, or
	// rate limit. Retried per phase policy.
	ErrModel ErrKind = "model"

	// ErrValidation indicates a ward failure, unsatisfied loop_until, or
	// output_schema mismatch.
	ErrValidation ErrKind = "validation"

	// ErrRouting indicates a missing or ambiguous handoff, or a _route
	// value not present in the phase handoffs. Fatal.
	ErrRouting ErrKind = "routing"

	// ErrSignal indicates a signal timeout with abort, a webhook auth
	// failure, or a composite constituent failure.
	ErrSignal ErrKind = "signal"

	// ErrCancelled indicates cooperative cancellation. Fatal.
	ErrCancelled ErrKind = "cancelled"
)

// Error is the structured error carried through cascade execution. Phase
// names the phase in flight when the error surfaced, if any.
type Error struct {
	Kind  ErrKind
	Phase string
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	s := string(e.Kind)
	if e.Phase != "" {
		s += " [" + e.Phase + "]"
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a structured cascade error.
func E(kind ErrKind, phase, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Phase: phase, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and phase to an underlying error. The underlying
// kind wins if err is already a *Error.
func Wrap(kind ErrKind, phase string, err error) *Error {
	var ce *Error
	if errors.As(err, &ce) {
		if ce.Phase == "" {
			ce.Phase = phase
		}
		return ce
	}
	return &Error{Kind: kind, Phase: phase, Err: err}
}

// KindOf extracts the error kind, or empty string for foreign errors.
func KindOf(err error) ErrKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrCancelled
	}
	return ""
}

// IsFatal reports whether the error kind aborts the cascade outright.
func IsFatal(err error) bool {
	switch KindOf(err) {
	case ErrConfig, ErrTemplate, ErrRouting, ErrCancelled:
		return true
	}
	return false
}

// Retryable reports whether the error may be retried per phase policy.
func Retryable(err error) bool {
	switch KindOf(err) {
	case ErrTool, ErrToolTimeout, ErrToolIO, ErrModel:
		return true
	}
	return false
}
