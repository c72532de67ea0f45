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
	"fmt"

	"github.com/pingcap/seepflow/pkg/errors"
)

// Tuple is a single record flowing through a stream.
type Tuple struct {
	schema *Schema
	values []interface{}
}

// NewTuple creates a tuple, values are checked against the schema and
// normalized to the canonical Go type of each field.
func NewTuple(schema *Schema, values ...interface{}) (*Tuple, error) {
	if len(values) != schema.Len() {
		return nil, errors.ErrTupleCodec.GenWithStackByArgs(
			fmt.Sprintf("expected %d values, got %d", schema.Len(), len(values)))
	}
	normalized := make([]interface{}, len(values))
	for i, v := range values {
		nv, ok := checkValue(schema.Fields[i].Type, v)
		if !ok {
			return nil, errors.ErrTupleCodec.GenWithStackByArgs(
				fmt.Sprintf("field %s expects %s, got %T", schema.Fields[i].Name, schema.Fields[i].Type, v))
		}
		normalized[i] = nv
	}
	return &Tuple{schema: schema, values: normalized}, nil
}

// MustNewTuple is like NewTuple but panics on error, for tests and examples.
func MustNewTuple(schema *Schema, values ...interface{}) *Tuple {
	t, err := NewTuple(schema, values...)
	if err != nil {
		panic(err)
	}
	return t
}

// Schema returns the schema of the tuple.
func (t *Tuple) Schema() *Schema {
	return t.schema
}

// Values returns the field values.
func (t *Tuple) Values() []interface{} {
	return t.values
}

// Get returns the value of the named field.
func (t *Tuple) Get(name string) (interface{}, error) {
	idx, err := t.schema.IndexOf(name)
	if err != nil {
		return nil, err
	}
	return t.values[idx], nil
}

// GetInt returns an INT field.
func (t *Tuple) GetInt(name string) (int32, error) {
	v, err := t.Get(name)
	if err != nil {
		return 0, err
	}
	x, ok := v.(int32)
	if !ok {
		return 0, errors.ErrTupleCodec.GenWithStackByArgs(fmt.Sprintf("field %s is not INT", name))
	}
	return x, nil
}

// GetLong returns a LONG field.
func (t *Tuple) GetLong(name string) (int64, error) {
	v, err := t.Get(name)
	if err != nil {
		return 0, err
	}
	x, ok := v.(int64)
	if !ok {
		return 0, errors.ErrTupleCodec.GenWithStackByArgs(fmt.Sprintf("field %s is not LONG", name))
	}
	return x, nil
}

// GetString returns a STRING field.
func (t *Tuple) GetString(name string) (string, error) {
	v, err := t.Get(name)
	if err != nil {
		return "", err
	}
	x, ok := v.(string)
	if !ok {
		return "", errors.ErrTupleCodec.GenWithStackByArgs(fmt.Sprintf("field %s is not STRING", name))
	}
	return x, nil
}

func (t *Tuple) String() string {
	return fmt.Sprintf("%v", t.values)
}

// DataItem is a lazily drained unit yielded by an input adapter. Drain
// returns nil once the item is exhausted; Err reports whether exhaustion was
// caused by a decoding failure.
type DataItem interface {
	Drain() *Tuple
	Err() error
}

// SliceDataItem is a DataItem over already decoded tuples.
type SliceDataItem struct {
	tuples []*Tuple
	pos    int
}

// NewSliceDataItem wraps tuples in a DataItem.
func NewSliceDataItem(tuples ...*Tuple) *SliceDataItem {
	return &SliceDataItem{tuples: tuples}
}

// Drain implements DataItem.
func (s *SliceDataItem) Drain() *Tuple {
	if s.pos >= len(s.tuples) {
		return nil
	}
	t := s.tuples[s.pos]
	s.pos++
	return t
}

// Err implements DataItem.
func (s *SliceDataItem) Err() error {
	return nil
}
