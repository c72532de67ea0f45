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

package cluster

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pingcap/seepflow/model"
	"github.com/pingcap/seepflow/pkg/errors"
)

func TestInfrastructureManager(t *testing.T) {
	t.Parallel()

	var available, leased int
	m := NewInfrastructureManager(nil)
	m.OnChange(func(a, l int) {
		available, leased = a, l
	})

	for _, id := range []int{3, 1, 2} {
		require.Nil(t, m.Register(model.EndPoint{ID: id, ControlAddr: "127.0.0.1:1"}))
	}
	require.True(t, errors.Is(m.Register(model.EndPoint{ID: 1}), errors.ErrExecutionUnitAlreadyExists))
	require.Equal(t, 3, m.AvailableUnitCount())
	require.Equal(t, 3, available)

	// first fit in registration order
	ep, err := m.LeaseUnit()
	require.Nil(t, err)
	require.Equal(t, 3, ep.ID)
	ep, err = m.LeaseUnit()
	require.Nil(t, err)
	require.Equal(t, 1, ep.ID)
	require.Equal(t, 1, m.AvailableUnitCount())
	require.Equal(t, 2, leased)

	require.Nil(t, m.Remove(2))
	require.True(t, errors.Is(m.Remove(2), errors.ErrExecutionUnitNotFound))
	_, err = m.LeaseUnit()
	require.True(t, errors.Is(err, errors.ErrNoAvailableExecutionUnit))

	m.Release(3, 42)
	require.Equal(t, 1, m.AvailableUnitCount())
	require.Equal(t, []int{3, 1}, []int{m.Units()[0].ID, m.Units()[1].ID})

	conns, err := m.ConnectionsTo([]int{1, 3, 1})
	require.Nil(t, err)
	require.Len(t, conns, 2)
	require.Equal(t, 1, conns[0].UnitID())
	require.Equal(t, 3, conns[1].UnitID())

	_, err = m.ConnectionsTo([]int{2})
	require.True(t, errors.Is(err, errors.ErrExecutionUnitNotFound))
}
