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
	"strings"

	"github.com/pingcap/seepflow/pkg/errors"
)

// FieldType is the type of a schema field.
type FieldType int8

// field types
const (
	FieldInt FieldType = iota
	FieldLong
	FieldFloat
	FieldString
	FieldBytes
	FieldBool
)

func (t FieldType) String() string {
	switch t {
	case FieldInt:
		return "INT"
	case FieldLong:
		return "LONG"
	case FieldFloat:
		return "FLOAT"
	case FieldString:
		return "STRING"
	case FieldBytes:
		return "BYTES"
	case FieldBool:
		return "BOOL"
	default:
		return fmt.Sprintf("FieldType(%d)", int8(t))
	}
}

// Field is a named, typed column of a schema.
type Field struct {
	Name string    `msgpack:"name"`
	Type FieldType `msgpack:"type"`
}

// Schema describes the fields of the tuples of a stream.
type Schema struct {
	Fields []Field `msgpack:"fields"`
}

// NewSchema builds a schema from the given fields.
func NewSchema(fields ...Field) *Schema {
	fs := make([]Field, len(fields))
	copy(fs, fields)
	return &Schema{Fields: fs}
}

// F is a shorthand to build a Field.
func F(name string, tp FieldType) Field {
	return Field{Name: name, Type: tp}
}

// Len returns the number of fields.
func (s *Schema) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Fields)
}

// IndexOf returns the index of the named field.
func (s *Schema) IndexOf(name string) (int, error) {
	for i, f := range s.Fields {
		if f.Name == name {
			return i, nil
		}
	}
	return -1, errors.ErrFieldNotFound.GenWithStackByArgs(name)
}

// Equal reports whether two schemas have the same fields in the same order.
func (s *Schema) Equal(other *Schema) bool {
	if s.Len() != other.Len() {
		return false
	}
	for i := range s.Fields {
		if s.Fields[i] != other.Fields[i] {
			return false
		}
	}
	return true
}

func (s *Schema) String() string {
	if s == nil {
		return "schema()"
	}
	parts := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		parts = append(parts, f.Name+":"+f.Type.String())
	}
	return "schema(" + strings.Join(parts, ", ") + ")"
}

// checkValue normalizes v to the Go type used for fields of type tp.
func checkValue(tp FieldType, v interface{}) (interface{}, bool) {
	switch tp {
	case FieldInt:
		switch x := v.(type) {
		case int32:
			return x, true
		case int:
			return int32(x), true
		case int64:
			return int32(x), true
		}
	case FieldLong:
		switch x := v.(type) {
		case int64:
			return x, true
		case int:
			return int64(x), true
		case int32:
			return int64(x), true
		}
	case FieldFloat:
		switch x := v.(type) {
		case float64:
			return x, true
		case float32:
			return float64(x), true
		}
	case FieldString:
		if x, ok := v.(string); ok {
			return x, true
		}
	case FieldBytes:
		if x, ok := v.([]byte); ok {
			return x, true
		}
	case FieldBool:
		if x, ok := v.(bool); ok {
			return x, true
		}
	}
	return nil, false
}
