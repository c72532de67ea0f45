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

package output

import (
	"go.uber.org/multierr"

	"github.com/pingcap/seepflow/model"
)

// Adapter writes one stream to every member connection of a
// (stream id, data store type) group.
type Adapter interface {
	StreamID() int
	Type() model.DataStoreType
	Buffers() []*OutputBuffer
	// Send writes to one member, chosen in round robin order.
	Send(t *model.Tuple) error
	// SendAll writes to every member.
	SendAll(t *model.Tuple) error
	// SendKey writes to the member selected by key.
	SendKey(t *model.Tuple, key int) error
	Flush() error
	Close()
}

type fanOut struct {
	streamID int
	tp       model.DataStoreType
	buffers  []*OutputBuffer
	next     int
}

func newFanOut(streamID int, tp model.DataStoreType, buffers []*OutputBuffer) *fanOut {
	return &fanOut{streamID: streamID, tp: tp, buffers: buffers}
}

func (f *fanOut) StreamID() int { return f.streamID }

func (f *fanOut) Type() model.DataStoreType { return f.tp }

func (f *fanOut) Buffers() []*OutputBuffer { return f.buffers }

func (f *fanOut) Send(t *model.Tuple) error {
	b := f.buffers[f.next]
	f.next = (f.next + 1) % len(f.buffers)
	return b.Write(t)
}

func (f *fanOut) SendAll(t *model.Tuple) error {
	for _, b := range f.buffers {
		if err := b.Write(t); err != nil {
			return err
		}
	}
	return nil
}

func (f *fanOut) SendKey(t *model.Tuple, key int) error {
	idx := key % len(f.buffers)
	if idx < 0 {
		idx = -idx
	}
	return f.buffers[idx].Write(t)
}

func (f *fanOut) Flush() error {
	var err error
	for _, b := range f.buffers {
		err = multierr.Append(err, b.Flush())
	}
	return err
}

func (f *fanOut) Close() {
	for _, b := range f.buffers {
		b.Close()
	}
}

// NetworkOutput sends msgpack batches to downstream operators.
type NetworkOutput struct{ *fanOut }

// NewNetworkOutput creates a NetworkOutput.
func NewNetworkOutput(streamID int, buffers []*OutputBuffer) *NetworkOutput {
	return &NetworkOutput{newFanOut(streamID, model.DataStoreNetwork, buffers)}
}

// FileOutput writes text lines to one file per member.
type FileOutput struct{ *fanOut }

// NewFileOutput creates a FileOutput.
func NewFileOutput(streamID int, buffers []*OutputBuffer) *FileOutput {
	return &FileOutput{newFanOut(streamID, model.DataStoreFile, buffers)}
}

// KafkaOutput produces msgpack batches to one topic per member.
type KafkaOutput struct{ *fanOut }

// NewKafkaOutput creates a KafkaOutput.
func NewKafkaOutput(streamID int, buffers []*OutputBuffer) *KafkaOutput {
	return &KafkaOutput{newFanOut(streamID, model.DataStoreKafka, buffers)}
}
