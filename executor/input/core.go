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
	"fmt"
	"strconv"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/pingcap/seepflow/model"
	"github.com/pingcap/seepflow/pkg/errors"
)

// CoreInput holds every input adapter of a materialized operator and the
// buffers the selectors fill.
type CoreInput struct {
	adapters []Adapter
	buffers  map[model.DataStoreType][]*InputBuffer
}

// Adapters returns the adapters in the order the engine polls them.
func (c *CoreInput) Adapters() []Adapter {
	return c.adapters
}

// Buffers returns the buffers backed by the given data store type.
func (c *CoreInput) Buffers(tp model.DataStoreType) []*InputBuffer {
	return c.buffers[tp]
}

// Types returns the data store types that have at least one buffer.
func (c *CoreInput) Types() []model.DataStoreType {
	ret := make([]model.DataStoreType, 0, len(c.buffers))
	for tp := model.DataStoreNetwork; tp <= model.DataStoreMemoryMappedByteBuffer; tp++ {
		if len(c.buffers[tp]) > 0 {
			ret = append(ret, tp)
		}
	}
	return ret
}

// Close closes every buffer, waking up pending pulls.
func (c *CoreInput) Close() {
	for _, bufs := range c.buffers {
		for _, b := range bufs {
			b.Close()
		}
	}
}

type groupKey struct {
	tp       model.DataStoreType
	connType model.ConnectionType
}

// BuildCoreInput builds the adapters of every upstream stream of op.
func BuildCoreInput(op *model.Operator, mapping model.Mapping, bufferCap int) (*CoreInput, error) {
	ci := &CoreInput{buffers: make(map[model.DataStoreType][]*InputBuffer)}
	for _, streamID := range op.UpstreamStreamIDs() {
		var keys []groupKey
		groups := make(map[groupKey][]model.UpstreamConnection)
		for _, uc := range op.UpstreamOf(streamID) {
			key := groupKey{tp: uc.DataOrigin.Type, connType: uc.ConnectionType}
			if _, ok := groups[key]; !ok {
				keys = append(keys, key)
			}
			groups[key] = append(groups[key], uc)
		}
		for _, key := range keys {
			adapters, err := ci.buildGroup(streamID, key, groups[key], mapping, bufferCap)
			if err != nil {
				ci.Close()
				return nil, err
			}
			ci.adapters = append(ci.adapters, adapters...)
		}
	}
	log.Info("core input built",
		zap.Stringer("operator", op),
		zap.Int("adapters", len(ci.adapters)))
	return ci, nil
}

func (c *CoreInput) buildGroup(
	streamID int, key groupKey, conns []model.UpstreamConnection,
	mapping model.Mapping, bufferCap int,
) ([]Adapter, error) {
	schema := conns[0].DataOrigin.Schema
	refs, err := expandRefs(streamID, key.tp, conns, mapping)
	if err != nil {
		return nil, err
	}
	buffers := make([]*InputBuffer, 0, len(refs))
	for _, ref := range refs {
		if !ref.Schema().Equal(schema) {
			return nil, errors.ErrSchemaMismatch.GenWithStackByArgs(streamID,
				fmt.Sprintf("%s expects %s, adapter expects %s", ref, ref.Schema(), schema))
		}
		buffers = append(buffers, NewInputBuffer(ref, bufferCap))
	}

	var adapters []Adapter
	switch {
	case key.tp == model.DataStoreNetwork && key.connType == model.ConnectionOneAtATime:
		for _, b := range buffers {
			adapters = append(adapters, NewNetworkDataStream(streamID, b, schema))
		}
	case key.tp == model.DataStoreNetwork && key.connType == model.ConnectionUpstreamSyncBarrier:
		adapters = append(adapters, NewNetworkBarrier(streamID, buffers, schema))
	case key.tp == model.DataStoreFile && key.connType == model.ConnectionOneAtATime:
		for _, b := range buffers {
			adapters = append(adapters, NewFileDataStream(streamID, b, schema))
		}
	case key.tp == model.DataStoreKafka && key.connType == model.ConnectionOneAtATime:
		for _, b := range buffers {
			adapters = append(adapters, NewKafkaDataStream(streamID, b, schema))
		}
	default:
		return nil, errors.ErrUnsupportedAdapter.GenWithStackByArgs(key.tp, key.connType)
	}
	c.buffers[key.tp] = append(c.buffers[key.tp], buffers...)
	return adapters, nil
}

// expandRefs turns upstream connections into one data reference per
// physical buffer.
func expandRefs(
	streamID int, tp model.DataStoreType, conns []model.UpstreamConnection, mapping model.Mapping,
) ([]*model.DataReference, error) {
	var refs []*model.DataReference
	switch tp {
	case model.DataStoreNetwork:
		for _, uc := range conns {
			ep, ok := mapping[uc.UpstreamOperatorID]
			if !ok {
				return nil, errors.ErrMappingIncomplete.GenWithStackByArgs(uc.UpstreamOperatorID)
			}
			refs = append(refs, &model.DataReference{
				ID:        uc.UpstreamOperatorID,
				StreamID:  streamID,
				DataStore: uc.DataOrigin,
				EndPoint:  ep,
			})
		}
	case model.DataStoreFile:
		for _, uc := range conns {
			paths := uc.DataOrigin.GetList(model.ConfigFilePath)
			if len(paths) == 0 {
				return nil, errors.ErrDataStoreConfigMissing.GenWithStackByArgs(tp, model.ConfigFilePath)
			}
			for _, p := range paths {
				refs = append(refs, &model.DataReference{
					ID:        len(refs),
					StreamID:  streamID,
					DataStore: uc.DataOrigin.With(model.ConfigFilePath, p),
				})
			}
		}
	case model.DataStoreKafka:
		for _, uc := range conns {
			if _, ok := uc.DataOrigin.Get(model.ConfigKafkaTopic); !ok {
				return nil, errors.ErrDataStoreConfigMissing.GenWithStackByArgs(tp, model.ConfigKafkaTopic)
			}
			if len(uc.DataOrigin.GetList(model.ConfigKafkaBrokers)) == 0 {
				return nil, errors.ErrDataStoreConfigMissing.GenWithStackByArgs(tp, model.ConfigKafkaBrokers)
			}
			partitions := uc.DataOrigin.GetList(model.ConfigKafkaPartitions)
			if len(partitions) == 0 {
				partitions = []string{"0"}
			}
			for _, p := range partitions {
				if _, err := strconv.Atoi(p); err != nil {
					return nil, errors.ErrInvalidArgument.GenWithStackByArgs(
						fmt.Sprintf("kafka partition %q", p))
				}
				refs = append(refs, &model.DataReference{
					ID:        len(refs),
					StreamID:  streamID,
					DataStore: uc.DataOrigin.With(model.ConfigKafkaPartition, p),
				})
			}
		}
	default:
		for _, uc := range conns {
			refs = append(refs, &model.DataReference{
				ID:        uc.UpstreamOperatorID,
				StreamID:  streamID,
				DataStore: uc.DataOrigin,
			})
		}
	}
	return refs, nil
}
