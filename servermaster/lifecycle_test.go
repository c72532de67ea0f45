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

package servermaster

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pingcap/seepflow/pkg/errors"
)

var allStatus = []AppStatus{
	AppStatusUndefined,
	AppStatusQuerySubmitted,
	AppStatusQueryDeployed,
	AppStatusQueryRunning,
	AppStatusQueryStopped,
}

func TestLifecycleOnlySuccessor(t *testing.T) {
	t.Parallel()

	for i, from := range allStatus {
		for j, to := range allStatus {
			l := &Lifecycle{}
			l.status.Store(int32(from))
			expected := j == i+1
			require.Equal(t, expected, l.CanTransitTo(to), "%s -> %s", from, to)

			err := l.TransitTo(to)
			if expected {
				require.Nil(t, err)
				require.Equal(t, to, l.Status())
			} else {
				require.True(t, errors.Is(err, errors.ErrLifecycleViolation), "%s -> %s", from, to)
				require.Equal(t, from, l.Status())
			}
		}
	}
}

func TestLifecycleForward(t *testing.T) {
	t.Parallel()

	l := NewLifecycle()
	require.Equal(t, AppStatusUndefined, l.Status())
	for _, s := range allStatus[1:] {
		require.Nil(t, l.check(s))
		require.Nil(t, l.TransitTo(s))
	}
	require.Equal(t, AppStatusQueryStopped, l.Status())
	for _, s := range allStatus {
		require.False(t, l.CanTransitTo(s))
	}
	require.Equal(t, "AppStatus(9)", AppStatus(9).String())
}
