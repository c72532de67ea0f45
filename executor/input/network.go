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

package input

import (
	"time"

	"github.com/edwingeng/deque"

	"github.com/pingcap/seepflow/model"
	"github.com/pingcap/seepflow/pkg/clock"
)

// NetworkDataStream reads batches sent by one upstream operator.
type NetworkDataStream struct {
	streamID int
	buffer   *InputBuffer
	schema   *model.Schema
}

// NewNetworkDataStream creates a NetworkDataStream.
func NewNetworkDataStream(streamID int, buffer *InputBuffer, schema *model.Schema) *NetworkDataStream {
	return &NetworkDataStream{streamID: streamID, buffer: buffer, schema: schema}
}

// StreamID implements Adapter.StreamID
func (n *NetworkDataStream) StreamID() int { return n.streamID }

// Type implements Adapter.Type
func (n *NetworkDataStream) Type() model.DataStoreType { return model.DataStoreNetwork }

// Cardinality implements Adapter.Cardinality
func (n *NetworkDataStream) Cardinality() Cardinality { return ReturnOne }

// Buffers implements Adapter.Buffers
func (n *NetworkDataStream) Buffers() []*InputBuffer { return []*InputBuffer{n.buffer} }

// PullDataItem implements Adapter.PullDataItem
func (n *NetworkDataStream) PullDataItem(timeout time.Duration) model.DataItem {
	frame, ok := n.buffer.Pull(timeout)
	if !ok {
		return nil
	}
	return model.NewBatchItem(n.schema, frame)
}

// NetworkBarrier merges every upstream connection of a stream. A round is
// released only once every upstream has a pending frame, and it contains
// exactly one frame of each upstream. At most one frame per upstream is held
// outside its InputBuffer, so a fast upstream is throttled by the buffer
// capacity while a slow one catches up.
type NetworkBarrier struct {
	streamID int
	buffers  []*InputBuffer
	schema   *model.Schema
	clock    clock.Clock
	// pending frames per buffer, same index as buffers
	pending []deque.Deque
}

// NewNetworkBarrier creates a NetworkBarrier over buffers.
func NewNetworkBarrier(streamID int, buffers []*InputBuffer, schema *model.Schema) *NetworkBarrier {
	pending := make([]deque.Deque, len(buffers))
	for i := range pending {
		pending[i] = deque.NewDeque()
	}
	return &NetworkBarrier{
		streamID: streamID,
		buffers:  buffers,
		schema:   schema,
		clock:    clock.New(),
		pending:  pending,
	}
}

// StreamID implements Adapter.StreamID
func (n *NetworkBarrier) StreamID() int { return n.streamID }

// Type implements Adapter.Type
func (n *NetworkBarrier) Type() model.DataStoreType { return model.DataStoreNetwork }

// Cardinality implements Adapter.Cardinality
func (n *NetworkBarrier) Cardinality() Cardinality { return ReturnMany }

// Buffers implements Adapter.Buffers
func (n *NetworkBarrier) Buffers() []*InputBuffer { return n.buffers }

// PullDataItem implements Adapter.PullDataItem
func (n *NetworkBarrier) PullDataItem(timeout time.Duration) model.DataItem {
	deadline := n.clock.Mono() + clock.MonotonicTime(timeout)
	for {
		n.collect()
		missing := n.firstMissing()
		if missing < 0 {
			return n.release()
		}
		remaining := deadline.Sub(n.clock.Mono())
		if remaining <= 0 {
			return nil
		}
		frame, ok := n.buffers[missing].Pull(remaining)
		if !ok {
			return nil
		}
		n.pending[missing].PushBack(frame)
	}
}

// collect takes one queued frame from every upstream that has none pending.
func (n *NetworkBarrier) collect() {
	for i, b := range n.buffers {
		if !n.pending[i].Empty() {
			continue
		}
		if frame, ok := b.TryPull(); ok {
			n.pending[i].PushBack(frame)
		}
	}
}

func (n *NetworkBarrier) firstMissing() int {
	for i, q := range n.pending {
		if q.Empty() {
			return i
		}
	}
	return -1
}

func (n *NetworkBarrier) release() model.DataItem {
	items := make([]model.DataItem, 0, len(n.pending))
	for _, q := range n.pending {
		items = append(items, model.NewBatchItem(n.schema, q.PopFront().([]byte)))
	}
	return newGroupItem(items...)
}

// Pending returns the number of frames held back per upstream.
func (n *NetworkBarrier) Pending() []int {
	ret := make([]int, len(n.pending))
	for i, q := range n.pending {
		ret[i] = q.Len()
	}
	return ret
}
