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
	"fmt"
	"sort"

	"github.com/pingcap/log"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/pingcap/seepflow/model"
	"github.com/pingcap/seepflow/pkg/errors"
)

// CoreOutput holds every output adapter of a materialized operator.
type CoreOutput struct {
	adapters []Adapter
	streams  map[int][]Adapter
	// stream ids in declaration order
	order []int
}

// Options configure the output buffers.
type Options struct {
	BatchSize int
	MaxFrames int
}

type outputKey struct {
	streamID int
	tp       model.DataStoreType
}

// BuildCoreOutput builds one adapter per (stream id, data store type) group
// of the downstream connections of op.
func BuildCoreOutput(op *model.Operator, mapping model.Mapping, opts Options) (*CoreOutput, error) {
	co := &CoreOutput{streams: make(map[int][]Adapter)}
	var keys []outputKey
	groups := make(map[outputKey][]model.DownstreamConnection)
	for _, dc := range op.Downstream {
		key := outputKey{streamID: dc.StreamID, tp: dc.ExpectedDataOrigin.Type}
		if _, ok := groups[key]; !ok {
			keys = append(keys, key)
		}
		if _, ok := co.streams[dc.StreamID]; !ok {
			co.streams[dc.StreamID] = nil
			co.order = append(co.order, dc.StreamID)
		}
		groups[key] = append(groups[key], dc)
	}
	for _, key := range keys {
		adapter, err := buildAdapter(key, groups[key], mapping, opts)
		if err != nil {
			co.Close()
			return nil, err
		}
		co.adapters = append(co.adapters, adapter)
		co.streams[key.streamID] = append(co.streams[key.streamID], adapter)
	}
	log.Info("core output built",
		zap.Stringer("operator", op),
		zap.Int("adapters", len(co.adapters)))
	return co, nil
}

func buildAdapter(
	key outputKey, conns []model.DownstreamConnection, mapping model.Mapping, opts Options,
) (Adapter, error) {
	schema := conns[0].ExpectedDataOrigin.Schema
	refs := make([]*model.DataReference, 0, len(conns))
	for i, dc := range conns {
		if !dc.ExpectedDataOrigin.Schema.Equal(schema) {
			return nil, errors.ErrSchemaMismatch.GenWithStackByArgs(key.streamID,
				fmt.Sprintf("downstream %d expects %s, adapter writes %s",
					dc.DownstreamOperatorID, dc.ExpectedDataOrigin.Schema, schema))
		}
		ref := &model.DataReference{ID: i, StreamID: key.streamID, DataStore: dc.ExpectedDataOrigin}
		switch key.tp {
		case model.DataStoreNetwork:
			ep, ok := mapping[dc.DownstreamOperatorID]
			if !ok {
				return nil, errors.ErrMappingIncomplete.GenWithStackByArgs(dc.DownstreamOperatorID)
			}
			ref.ID = dc.DownstreamOperatorID
			ref.EndPoint = ep
		case model.DataStoreFile:
			if _, ok := dc.ExpectedDataOrigin.Get(model.ConfigFilePath); !ok {
				return nil, errors.ErrDataStoreConfigMissing.GenWithStackByArgs(key.tp, model.ConfigFilePath)
			}
		case model.DataStoreKafka:
			if _, ok := dc.ExpectedDataOrigin.Get(model.ConfigKafkaTopic); !ok {
				return nil, errors.ErrDataStoreConfigMissing.GenWithStackByArgs(key.tp, model.ConfigKafkaTopic)
			}
			if len(dc.ExpectedDataOrigin.GetList(model.ConfigKafkaBrokers)) == 0 {
				return nil, errors.ErrDataStoreConfigMissing.GenWithStackByArgs(key.tp, model.ConfigKafkaBrokers)
			}
		}
		refs = append(refs, ref)
	}

	newBuffers := func(enc Encoder) []*OutputBuffer {
		ret := make([]*OutputBuffer, 0, len(refs))
		for _, ref := range refs {
			ret = append(ret, NewOutputBuffer(ref, enc, opts.BatchSize, opts.MaxFrames))
		}
		return ret
	}
	switch key.tp {
	case model.DataStoreNetwork:
		return NewNetworkOutput(key.streamID, newBuffers(BatchEncoder)), nil
	case model.DataStoreFile:
		return NewFileOutput(key.streamID, newBuffers(TextEncoder)), nil
	case model.DataStoreKafka:
		return NewKafkaOutput(key.streamID, newBuffers(BatchEncoder)), nil
	default:
		return nil, errors.ErrUnsupportedAdapter.GenWithStackByArgs(key.tp, model.ConnectionOneAtATime)
	}
}

// Adapters returns every adapter.
func (c *CoreOutput) Adapters() []Adapter {
	return c.adapters
}

// StreamIDs returns the downstream stream ids in declaration order.
func (c *CoreOutput) StreamIDs() []int {
	return c.order
}

// Stream returns the adapters of a stream.
func (c *CoreOutput) Stream(streamID int) ([]Adapter, error) {
	adapters, ok := c.streams[streamID]
	if !ok {
		return nil, errors.ErrStreamNotFound.GenWithStackByArgs(streamID)
	}
	return adapters, nil
}

// Buffers returns the buffers backed by the given data store type, sorted by
// stream id and reference id.
func (c *CoreOutput) Buffers(tp model.DataStoreType) []*OutputBuffer {
	var ret []*OutputBuffer
	for _, a := range c.adapters {
		if a.Type() == tp {
			ret = append(ret, a.Buffers()...)
		}
	}
	sort.SliceStable(ret, func(i, j int) bool {
		ri, rj := ret[i].Ref(), ret[j].Ref()
		if ri.StreamID != rj.StreamID {
			return ri.StreamID < rj.StreamID
		}
		return ri.ID < rj.ID
	})
	return ret
}

// AddEventHook registers h on every buffer.
func (c *CoreOutput) AddEventHook(h EventHook) {
	for _, a := range c.adapters {
		for _, b := range a.Buffers() {
			b.AddEventHook(h)
		}
	}
}

// Flush seals the pending tuples of every adapter.
func (c *CoreOutput) Flush() error {
	var err error
	for _, a := range c.adapters {
		err = multierr.Append(err, a.Flush())
	}
	return err
}

// Close closes every adapter.
func (c *CoreOutput) Close() {
	for _, a := range c.adapters {
		a.Close()
	}
}
