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
	"sort"

	"github.com/pingcap/seepflow/pkg/errors"
)

// ExternalOperatorID is the peer id of connections to data stores living
// outside of the query, such as source files or sink topics.
const ExternalOperatorID = -1

// UpstreamConnection declares where an operator reads a stream from.
type UpstreamConnection struct {
	UpstreamOperatorID int
	StreamID           int
	ConnectionType     ConnectionType
	DataOrigin         DataStore
}

// DownstreamConnection declares where an operator writes a stream to.
type DownstreamConnection struct {
	DownstreamOperatorID int
	StreamID             int
	// ExpectedDataOrigin is the store type the downstream side reads from.
	ExpectedDataOrigin DataStore
}

// Operator is a node of the logical query graph.
type Operator struct {
	ID         int
	Name       string
	Stateful   bool
	State      State
	Task       Task
	Upstream   []UpstreamConnection
	Downstream []DownstreamConnection
}

// UpstreamStreamIDs returns the distinct upstream stream ids in declaration
// order.
func (o *Operator) UpstreamStreamIDs() []int {
	ids := make([]int, 0, len(o.Upstream))
	seen := make(map[int]struct{})
	for _, uc := range o.Upstream {
		if _, ok := seen[uc.StreamID]; ok {
			continue
		}
		seen[uc.StreamID] = struct{}{}
		ids = append(ids, uc.StreamID)
	}
	return ids
}

// UpstreamOf returns the upstream connections of a stream.
func (o *Operator) UpstreamOf(streamID int) []UpstreamConnection {
	var ret []UpstreamConnection
	for _, uc := range o.Upstream {
		if uc.StreamID == streamID {
			ret = append(ret, uc)
		}
	}
	return ret
}

func (o *Operator) String() string {
	return fmt.Sprintf("op-%d(%s)", o.ID, o.Name)
}

// Query is the logical dataflow graph. It is built with the methods below and
// sealed once deployment begins, after which every mutation fails.
type Query struct {
	Name string

	ops    map[int]*Operator
	sealed bool
}

// NewQuery creates an empty query.
func NewQuery(name string) *Query {
	return &Query{Name: name, ops: make(map[int]*Operator)}
}

// AddOperator adds a stateless operator.
func (q *Query) AddOperator(id int, name string, task Task) (*Operator, error) {
	if q.sealed {
		return nil, errors.ErrQuerySealed.GenWithStackByArgs()
	}
	if id == ExternalOperatorID {
		return nil, errors.ErrQueryInvalid.GenWithStackByArgs(fmt.Sprintf("operator id %d is reserved", id))
	}
	if _, ok := q.ops[id]; ok {
		return nil, errors.ErrQueryInvalid.GenWithStackByArgs(fmt.Sprintf("duplicate operator id %d", id))
	}
	if task == nil {
		return nil, errors.ErrQueryInvalid.GenWithStackByArgs(fmt.Sprintf("operator %d has no task", id))
	}
	op := &Operator{ID: id, Name: name, Task: task}
	q.ops[id] = op
	return op, nil
}

// WithState marks the operator stateful and attaches its state.
func (q *Query) WithState(id int, state State) error {
	if q.sealed {
		return errors.ErrQuerySealed.GenWithStackByArgs()
	}
	op, ok := q.ops[id]
	if !ok {
		return errors.ErrOperatorNotFound.GenWithStackByArgs(id)
	}
	op.Stateful = true
	op.State = state
	return nil
}

// Connect declares a stream from operator up to operator down.
func (q *Query) Connect(up, down, streamID int, connType ConnectionType, ds DataStore) error {
	if q.sealed {
		return errors.ErrQuerySealed.GenWithStackByArgs()
	}
	upOp, ok := q.ops[up]
	if !ok {
		return errors.ErrOperatorNotFound.GenWithStackByArgs(up)
	}
	downOp, ok := q.ops[down]
	if !ok {
		return errors.ErrOperatorNotFound.GenWithStackByArgs(down)
	}
	upOp.Downstream = append(upOp.Downstream, DownstreamConnection{
		DownstreamOperatorID: down,
		StreamID:             streamID,
		ExpectedDataOrigin:   ds,
	})
	downOp.Upstream = append(downOp.Upstream, UpstreamConnection{
		UpstreamOperatorID: up,
		StreamID:           streamID,
		ConnectionType:     connType,
		DataOrigin:         ds,
	})
	return nil
}

// ReadFrom declares an external data store as a source of the operator.
func (q *Query) ReadFrom(id, streamID int, ds DataStore) error {
	if q.sealed {
		return errors.ErrQuerySealed.GenWithStackByArgs()
	}
	op, ok := q.ops[id]
	if !ok {
		return errors.ErrOperatorNotFound.GenWithStackByArgs(id)
	}
	op.Upstream = append(op.Upstream, UpstreamConnection{
		UpstreamOperatorID: ExternalOperatorID,
		StreamID:           streamID,
		ConnectionType:     ConnectionOneAtATime,
		DataOrigin:         ds,
	})
	return nil
}

// WriteTo declares an external data store as a sink of the operator.
func (q *Query) WriteTo(id, streamID int, ds DataStore) error {
	if q.sealed {
		return errors.ErrQuerySealed.GenWithStackByArgs()
	}
	op, ok := q.ops[id]
	if !ok {
		return errors.ErrOperatorNotFound.GenWithStackByArgs(id)
	}
	op.Downstream = append(op.Downstream, DownstreamConnection{
		DownstreamOperatorID: ExternalOperatorID,
		StreamID:             streamID,
		ExpectedDataOrigin:   ds,
	})
	return nil
}

// Validate checks the query graph is well formed.
func (q *Query) Validate() error {
	if len(q.ops) == 0 {
		return errors.ErrQueryInvalid.GenWithStackByArgs("query has no operators")
	}
	for _, op := range q.Operators() {
		for _, uc := range op.Upstream {
			if err := validateEdge(op.ID, uc.UpstreamOperatorID, uc.DataOrigin); err != nil {
				return err
			}
		}
		for _, dc := range op.Downstream {
			if err := validateEdge(op.ID, dc.DownstreamOperatorID, dc.ExpectedDataOrigin); err != nil {
				return err
			}
		}
		// every connection of one stream must carry the same schema
		schemas := make(map[int]*Schema)
		for _, uc := range op.Upstream {
			if s, ok := schemas[uc.StreamID]; ok && !s.Equal(uc.DataOrigin.Schema) {
				return errors.ErrSchemaMismatch.GenWithStackByArgs(uc.StreamID,
					fmt.Sprintf("operator %d reads %s and %s", op.ID, s, uc.DataOrigin.Schema))
			}
			schemas[uc.StreamID] = uc.DataOrigin.Schema
		}
	}
	return nil
}

func validateEdge(opID, peer int, ds DataStore) error {
	if ds.Schema == nil {
		return errors.ErrQueryInvalid.GenWithStackByArgs(
			fmt.Sprintf("operator %d: connection to %d has no schema", opID, peer))
	}
	if peer == ExternalOperatorID && ds.Type == DataStoreNetwork {
		return errors.ErrQueryInvalid.GenWithStackByArgs(
			fmt.Sprintf("operator %d: network connection needs a peer operator", opID))
	}
	return nil
}

// Seal validates the query and forbids further mutation. Sealing a sealed
// query is a no-op.
func (q *Query) Seal() error {
	if q.sealed {
		return nil
	}
	if err := q.Validate(); err != nil {
		return err
	}
	q.sealed = true
	return nil
}

// Sealed reports whether the query was sealed.
func (q *Query) Sealed() bool {
	return q.sealed
}

// Len returns the number of operators.
func (q *Query) Len() int {
	return len(q.ops)
}

// Operator returns the operator with the given id.
func (q *Query) Operator(id int) (*Operator, bool) {
	op, ok := q.ops[id]
	return op, ok
}

// Operators returns the operators sorted by id.
func (q *Query) Operators() []*Operator {
	ret := make([]*Operator, 0, len(q.ops))
	for _, op := range q.ops {
		ret = append(ret, op)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].ID < ret[j].ID })
	return ret
}
