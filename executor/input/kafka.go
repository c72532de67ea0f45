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

	"github.com/pingcap/seepflow/model"
)

// KafkaDataStream reads the batches stored in the messages of one topic
// partition.
type KafkaDataStream struct {
	streamID int
	buffer   *InputBuffer
	schema   *model.Schema
}

// NewKafkaDataStream creates a KafkaDataStream.
func NewKafkaDataStream(streamID int, buffer *InputBuffer, schema *model.Schema) *KafkaDataStream {
	return &KafkaDataStream{streamID: streamID, buffer: buffer, schema: schema}
}

// StreamID implements Adapter.StreamID
func (k *KafkaDataStream) StreamID() int { return k.streamID }

// Type implements Adapter.Type
func (k *KafkaDataStream) Type() model.DataStoreType { return model.DataStoreKafka }

// Cardinality implements Adapter.Cardinality
func (k *KafkaDataStream) Cardinality() Cardinality { return ReturnOne }

// Buffers implements Adapter.Buffers
func (k *KafkaDataStream) Buffers() []*InputBuffer { return []*InputBuffer{k.buffer} }

// PullDataItem implements Adapter.PullDataItem
func (k *KafkaDataStream) PullDataItem(timeout time.Duration) model.DataItem {
	value, ok := k.buffer.Pull(timeout)
	if !ok {
		return nil
	}
	return model.NewBatchItem(k.schema, value)
}
