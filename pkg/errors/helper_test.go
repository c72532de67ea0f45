// Copyright 2022 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package errors

import (
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapError(t *testing.T) {
	t.Parallel()

	require.Nil(t, WrapError(ErrReadArtifact, nil, "a.jar"))
	err := WrapError(ErrReadArtifact, io.ErrUnexpectedEOF, "a.jar")
	require.True(t, Is(err, ErrReadArtifact))
	require.Equal(t, io.ErrUnexpectedEOF, Cause(err))
	require.Contains(t, err.Error(), "a.jar")
}

func TestIsCapacityError(t *testing.T) {
	t.Parallel()

	require.True(t, IsCapacityError(ErrClusterResourceNotEnough.GenWithStackByArgs(3, 1)))
	require.True(t, IsCapacityError(Trace(ErrClusterResourceNotEnough.GenWithStackByArgs(3, 1))))
	require.False(t, IsCapacityError(ErrMappingIncomplete.GenWithStackByArgs(1)))
	require.False(t, IsCapacityError(nil))
}

func TestIsFollowsWrapChain(t *testing.T) {
	t.Parallel()

	err := Annotate(ErrStreamNotFound.GenWithStackByArgs(7), "route tuple")
	require.True(t, Is(err, ErrStreamNotFound))
	require.False(t, Is(err, ErrReadArtifact))

	wrapped := fmt.Errorf("stop stage: %w", Trace(context.Canceled))
	require.True(t, Is(wrapped, context.Canceled))
	require.False(t, Is(nil, context.Canceled))
}
