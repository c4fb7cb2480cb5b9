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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKinds(t *testing.T) {
	err := E(ErrRouting, "classify", "_route %q not in handoffs", "bogus")
	assert.Equal(t, ErrRouting, KindOf(err))
	assert.True(t, IsFatal(err))
	assert.Contains(t, err.Error(), "classify")
	assert.Contains(t, err.Error(), "bogus")
}

func TestWrap_PreservesInnerKind(t *testing.T) {
	inner := E(ErrToolTimeout, "", "query exceeded 30s")
	wrapped := Wrap(ErrTool, "extract", inner)
	assert.Equal(t, ErrToolTimeout, wrapped.Kind)
	assert.Equal(t, "extract", wrapped.Phase)
}

func TestWrap_ForeignError(t *testing.T) {
	err := Wrap(ErrModel, "draft", fmt.Errorf("rate limited"))
	assert.Equal(t, ErrModel, KindOf(err))
	assert.True(t, Retryable(err))
	assert.False(t, IsFatal(err))
}

func TestKindOf_ContextCancellation(t *testing.T) {
	assert.Equal(t, ErrCancelled, KindOf(context.Canceled))
	assert.Equal(t, ErrCancelled, KindOf(fmt.Errorf("call failed: %w", context.DeadlineExceeded)))
}

func TestUnwrap(t *testing.T) {
	base := errors.New("boom")
	err := Wrap(ErrToolIO, "load", base)
	assert.True(t, errors.Is(err, base))
}
