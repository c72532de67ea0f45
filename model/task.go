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

// State is the opaque persistent state of a stateful operator.
type State interface{}

// API is handed to every task invocation and routes emitted tuples to the
// output adapters of the operator. The processing engine never inspects what
// a task emits.
type API interface {
	// Send emits to the first downstream stream, choosing one member
	// connection in round robin order.
	Send(t *Tuple) error
	// SendAll emits to every member connection of every downstream stream.
	SendAll(t *Tuple) error
	// SendKey emits to the member connection of the first downstream stream
	// selected by key.
	SendKey(t *Tuple, key int) error
	// SendToStream is like Send, but on the given stream.
	SendToStream(streamID int, t *Tuple) error
	// SendToStreamAll emits to every member connection of the given stream.
	SendToStreamAll(streamID int, t *Tuple) error
}

// Task is the user logic of an operator.
//
// ProcessData is called once per tuple drained from ONE cardinality inputs,
// and once per loop iteration with a nil tuple for operators without inputs.
// ProcessDataGroup is called per tuple drained from MANY cardinality inputs.
type Task interface {
	SetUp() error
	ProcessData(data *Tuple, api API) error
	ProcessDataGroup(data *Tuple, api API) error
	Close() error
}

// StatefulTask is implemented by tasks of stateful operators. SetState is
// called before SetUp.
type StatefulTask interface {
	Task
	SetState(state State) error
}

// BaseTask implements every Task method as a no-op, embed it to implement
// only what is needed.
type BaseTask struct{}

// SetUp implements Task.
func (BaseTask) SetUp() error { return nil }

// ProcessData implements Task.
func (BaseTask) ProcessData(*Tuple, API) error { return nil }

// ProcessDataGroup implements Task.
func (BaseTask) ProcessDataGroup(*Tuple, API) error { return nil }

// Close implements Task.
func (BaseTask) Close() error { return nil }
