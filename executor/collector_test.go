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

package executor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pingcap/seepflow/executor/output"
	"github.com/pingcap/seepflow/model"
	"github.com/pingcap/seepflow/pkg/errors"
)

func TestCollectorRouting(t *testing.T) {
	t.Parallel()

	q := model.NewQuery("routing")
	for id := 1; id <= 4; id++ {
		_, err := q.AddOperator(id, "op", statelessTask{})
		require.Nil(t, err)
	}
	ds := model.NewDataStore(model.DataStoreNetwork, lineSchema, nil)
	require.Nil(t, q.Connect(1, 2, 5, model.ConnectionOneAtATime, ds))
	require.Nil(t, q.Connect(1, 3, 5, model.ConnectionOneAtATime, ds))
	require.Nil(t, q.Connect(1, 4, 6, model.ConnectionOneAtATime, ds))
	mapping := model.Mapping{}
	for id := 1; id <= 4; id++ {
		mapping[id] = &model.EndPoint{ID: id, DataAddr: "127.0.0.1:1"}
	}
	op, ok := q.Operator(1)
	require.True(t, ok)
	co, err := output.BuildCoreOutput(op, mapping, output.Options{})
	require.Nil(t, err)
	defer co.Close()

	api := newCollector(co)
	tuple := model.MustNewTuple(lineSchema, "x")
	require.Nil(t, api.Send(tuple))
	require.Nil(t, api.Send(tuple))
	require.Nil(t, api.SendKey(tuple, 3))
	require.Nil(t, api.SendAll(tuple))
	require.Nil(t, api.SendToStream(6, tuple))
	require.Nil(t, api.SendToStreamAll(5, tuple))
	require.True(t, errors.Is(api.SendToStream(9, tuple), errors.ErrStreamNotFound))
	require.True(t, errors.Is(api.SendToStreamAll(9, tuple), errors.ErrStreamNotFound))

	var pending []int
	for _, b := range co.Buffers(model.DataStoreNetwork) {
		pending = append(pending, b.Pending())
	}
	require.Equal(t, []int{3, 4, 2}, pending)

	sink, ok := q.Operator(4)
	require.True(t, ok)
	empty, err := output.BuildCoreOutput(sink, mapping, output.Options{})
	require.Nil(t, err)
	api = newCollector(empty)
	require.True(t, errors.Is(api.Send(tuple), errors.ErrStreamNotFound))
	require.True(t, errors.Is(api.SendKey(tuple, 1), errors.ErrStreamNotFound))
	require.Nil(t, api.SendAll(tuple))
}
