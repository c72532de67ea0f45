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

package registry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pingcap/seepflow/model"
	"github.com/pingcap/seepflow/pkg/errors"
)

func singleOp(args []string) (*model.Query, error) {
	q := model.NewQuery("single")
	if _, err := q.AddOperator(0, "op", model.BaseTask{}); err != nil {
		return nil, err
	}
	return q, nil
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.True(t, r.Register("single", singleOp))
	require.False(t, r.Register("single", singleOp))
	require.Panics(t, func() {
		r.MustRegister("single", singleOp)
	})
	r.MustRegister("empty", func([]string) (*model.Query, error) {
		return model.NewQuery("empty"), nil
	})
	require.Equal(t, []string{"empty", "single"}, r.Names())

	q, err := r.Compose("single", nil)
	require.Nil(t, err)
	require.Equal(t, 1, q.Len())

	q2, err := r.Compose("single", nil)
	require.Nil(t, err)
	require.NotSame(t, q, q2)

	_, err = r.Compose("empty", nil)
	require.True(t, errors.Is(err, errors.ErrQueryInvalid))
	_, err = r.Compose("missing", nil)
	require.True(t, errors.Is(err, errors.ErrQueryComposerNotFound))
}
