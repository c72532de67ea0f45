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
	"bytes"
	"encoding/base64"
	"fmt"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/pingcap/seepflow/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// EncodeBatch encodes tuples sharing one schema into a single frame. The
// schema itself is not written, the reader must know it.
func EncodeBatch(schema *Schema, tuples ...*Tuple) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.EncodeArrayLen(len(tuples)); err != nil {
		return nil, errors.WrapError(errors.ErrTupleCodec, err, "encode batch header")
	}
	for _, t := range tuples {
		if !schema.Equal(t.schema) {
			return nil, errors.ErrTupleCodec.GenWithStackByArgs(
				fmt.Sprintf("tuple %s does not match %s", t.schema, schema))
		}
		if err := encodeTuple(enc, schema, t); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func encodeTuple(enc *msgpack.Encoder, schema *Schema, t *Tuple) error {
	if err := enc.EncodeArrayLen(len(schema.Fields)); err != nil {
		return errors.WrapError(errors.ErrTupleCodec, err, "encode tuple header")
	}
	for i, f := range schema.Fields {
		var err error
		switch f.Type {
		case FieldInt:
			err = enc.EncodeInt32(t.values[i].(int32))
		case FieldLong:
			err = enc.EncodeInt64(t.values[i].(int64))
		case FieldFloat:
			err = enc.EncodeFloat64(t.values[i].(float64))
		case FieldString:
			err = enc.EncodeString(t.values[i].(string))
		case FieldBytes:
			err = enc.EncodeBytes(t.values[i].([]byte))
		case FieldBool:
			err = enc.EncodeBool(t.values[i].(bool))
		default:
			err = fmt.Errorf("unknown field type %s", f.Type)
		}
		if err != nil {
			return errors.WrapError(errors.ErrTupleCodec, err, "encode field "+f.Name)
		}
	}
	return nil
}

// BatchItem is a DataItem over an encoded batch. Tuples are decoded one at a
// time as the item is drained.
type BatchItem struct {
	schema    *Schema
	dec       *msgpack.Decoder
	remaining int
	started   bool
	err       error
}

// NewBatchItem returns a lazily decoded DataItem over data.
func NewBatchItem(schema *Schema, data []byte) *BatchItem {
	return &BatchItem{
		schema: schema,
		dec:    msgpack.NewDecoder(bytes.NewReader(data)),
	}
}

// Drain implements DataItem.
func (b *BatchItem) Drain() *Tuple {
	if b.err != nil {
		return nil
	}
	if !b.started {
		b.started = true
		n, err := b.dec.DecodeArrayLen()
		if err != nil {
			b.err = errors.WrapError(errors.ErrTupleCodec, err, "decode batch header")
			return nil
		}
		b.remaining = n
	}
	if b.remaining <= 0 {
		return nil
	}
	b.remaining--
	t, err := decodeTuple(b.dec, b.schema)
	if err != nil {
		b.err = err
		return nil
	}
	return t
}

// Err implements DataItem.
func (b *BatchItem) Err() error {
	return b.err
}

func decodeTuple(dec *msgpack.Decoder, schema *Schema) (*Tuple, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, errors.WrapError(errors.ErrTupleCodec, err, "decode tuple header")
	}
	if n != schema.Len() {
		return nil, errors.ErrSchemaMismatch.GenWithStackByArgs(-1,
			fmt.Sprintf("tuple has %d fields, %s expects %d", n, schema, schema.Len()))
	}
	values := make([]interface{}, n)
	for i, f := range schema.Fields {
		var v interface{}
		switch f.Type {
		case FieldInt:
			v, err = dec.DecodeInt32()
		case FieldLong:
			v, err = dec.DecodeInt64()
		case FieldFloat:
			v, err = dec.DecodeFloat64()
		case FieldString:
			v, err = dec.DecodeString()
		case FieldBytes:
			v, err = dec.DecodeBytes()
		case FieldBool:
			v, err = dec.DecodeBool()
		default:
			err = fmt.Errorf("unknown field type %s", f.Type)
		}
		if err != nil {
			return nil, errors.WrapError(errors.ErrTupleCodec, err, "decode field "+f.Name)
		}
		values[i] = v
	}
	return &Tuple{schema: schema, values: values}, nil
}

// EncodeText encodes a tuple as one JSON array line, without the trailing
// newline. BYTES fields are base64 encoded.
func EncodeText(t *Tuple) ([]byte, error) {
	out := make([]interface{}, len(t.values))
	for i, v := range t.values {
		if b, ok := v.([]byte); ok {
			out[i] = base64.StdEncoding.EncodeToString(b)
			continue
		}
		out[i] = v
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, errors.WrapError(errors.ErrTupleCodec, err, "encode text")
	}
	return data, nil
}

// DecodeText parses a line produced by EncodeText.
func DecodeText(schema *Schema, line []byte) (*Tuple, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	var raw []interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, errors.WrapError(errors.ErrTupleCodec, err, "decode text")
	}
	if len(raw) != schema.Len() {
		return nil, errors.ErrSchemaMismatch.GenWithStackByArgs(-1,
			fmt.Sprintf("line has %d fields, %s expects %d", len(raw), schema, schema.Len()))
	}
	values := make([]interface{}, len(raw))
	for i, f := range schema.Fields {
		v, err := fromText(f, raw[i])
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	return &Tuple{schema: schema, values: values}, nil
}

func fromText(f Field, raw interface{}) (interface{}, error) {
	bad := func() error {
		return errors.ErrTupleCodec.GenWithStackByArgs(
			fmt.Sprintf("field %s expects %s, got %v", f.Name, f.Type, raw))
	}
	switch f.Type {
	case FieldInt, FieldLong, FieldFloat:
		num, ok := raw.(json.Number)
		if !ok {
			return nil, bad()
		}
		if f.Type == FieldFloat {
			x, err := num.Float64()
			if err != nil {
				return nil, bad()
			}
			return x, nil
		}
		x, err := strconv.ParseInt(num.String(), 10, 64)
		if err != nil {
			return nil, bad()
		}
		if f.Type == FieldInt {
			return int32(x), nil
		}
		return x, nil
	case FieldString:
		s, ok := raw.(string)
		if !ok {
			return nil, bad()
		}
		return s, nil
	case FieldBytes:
		s, ok := raw.(string)
		if !ok {
			return nil, bad()
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, bad()
		}
		return b, nil
	case FieldBool:
		b, ok := raw.(bool)
		if !ok {
			return nil, bad()
		}
		return b, nil
	}
	return nil, bad()
}
