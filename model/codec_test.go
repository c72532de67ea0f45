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

package model

import (
	"testing"

	"github.com/pingcap/seepflow/pkg/errors"
	"github.com/stretchr/testify/require"
)

var allTypes = NewSchema(
	F("i", FieldInt),
	F("l", FieldLong),
	F("f", FieldFloat),
	F("s", FieldString),
	F("b", FieldBytes),
	F("ok", FieldBool),
)

func TestNewTuple(t *testing.T) {
	t.Parallel()

	tp, err := NewTuple(allTypes, 1, 2, 1.5, "x", []byte("y"), true)
	require.Nil(t, err)
	require.Equal(t, []interface{}{int32(1), int64(2), 1.5, "x", []byte("y"), true}, tp.Values())

	v, err := tp.GetLong("l")
	require.Nil(t, err)
	require.Equal(t, int64(2), v)
	_, err = tp.GetInt("s")
	require.True(t, errors.Is(err, errors.ErrTupleCodec))
	_, err = tp.Get("missing")
	require.True(t, errors.Is(err, errors.ErrFieldNotFound))

	_, err = NewTuple(allTypes, 1)
	require.True(t, errors.Is(err, errors.ErrTupleCodec))
	_, err = NewTuple(allTypes, "1", 2, 1.5, "x", []byte("y"), true)
	require.True(t, errors.Is(err, errors.ErrTupleCodec))
}

func TestBatchItem(t *testing.T) {
	t.Parallel()

	t1 := MustNewTuple(allTypes, 1, 2, 1.5, "x", []byte("y"), true)
	t2 := MustNewTuple(allTypes, -1, 1<<40, 0.0, "", []byte{}, false)
	data, err := EncodeBatch(allTypes, t1, t2)
	require.Nil(t, err)

	item := NewBatchItem(allTypes, data)
	got := item.Drain()
	require.NotNil(t, got)
	require.Equal(t, t1.Values(), got.Values())
	got = item.Drain()
	require.NotNil(t, got)
	require.Equal(t, int64(1<<40), got.Values()[1])
	require.Nil(t, item.Drain())
	require.Nil(t, item.Drain())
	require.Nil(t, item.Err())

	// truncated frame
	item = NewBatchItem(allTypes, data[:len(data)-3])
	require.NotNil(t, item.Drain())
	require.Nil(t, item.Drain())
	require.True(t, errors.Is(item.Err(), errors.ErrTupleCodec))

	other := MustNewTuple(testSchema, "w", 1)
	_, err = EncodeBatch(allTypes, other)
	require.True(t, errors.Is(err, errors.ErrTupleCodec))
}

func TestTextCodec(t *testing.T) {
	t.Parallel()

	tp := MustNewTuple(allTypes, 3, int64(1)<<53, 2.25, "hello", []byte{0, 1, 2}, true)
	line, err := EncodeText(tp)
	require.Nil(t, err)
	require.NotContains(t, string(line), "\n")

	got, err := DecodeText(allTypes, line)
	require.Nil(t, err)
	require.Equal(t, tp.Values(), got.Values())

	_, err = DecodeText(allTypes, []byte(`[1,2]`))
	require.True(t, errors.Is(err, errors.ErrSchemaMismatch))
	_, err = DecodeText(allTypes, []byte(`["a",2,1.0,"s","","true"]`))
	require.True(t, errors.Is(err, errors.ErrTupleCodec))
	_, err = DecodeText(allTypes, []byte(`not json`))
	require.True(t, errors.Is(err, errors.ErrTupleCodec))
}
