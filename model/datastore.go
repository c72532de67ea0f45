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
	"strings"
)

// DataStoreType tags the kind of store a DataReference points to.
type DataStoreType int16

// data store types
const (
	DataStoreNetwork DataStoreType = iota
	DataStoreFile
	DataStoreIPC
	DataStoreInMemory
	DataStoreKafka
	DataStoreHDFS
	DataStoreMemoryMappedByteBuffer
)

var dataStoreTypeNames = map[DataStoreType]string{
	DataStoreNetwork:                "NETWORK",
	DataStoreFile:                   "FILE",
	DataStoreIPC:                    "IPC",
	DataStoreInMemory:               "IN_MEMORY",
	DataStoreKafka:                  "KAFKA",
	DataStoreHDFS:                   "HDFS",
	DataStoreMemoryMappedByteBuffer: "MEMORYMAPPED_BYTEBUFFER",
}

func (t DataStoreType) String() string {
	if name, ok := dataStoreTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("DataStoreType(%d)", int16(t))
}

// ConnectionType describes how the upstream connections of one stream are
// presented to the downstream task.
type ConnectionType int16

// connection types
const (
	// ConnectionOneAtATime builds one input adapter per physical upstream
	// connection.
	ConnectionOneAtATime ConnectionType = iota
	// ConnectionUpstreamSyncBarrier builds a single adapter that only releases
	// data once every upstream connection contributed to the current round.
	ConnectionUpstreamSyncBarrier
)

func (t ConnectionType) String() string {
	switch t {
	case ConnectionOneAtATime:
		return "ONE_AT_A_TIME"
	case ConnectionUpstreamSyncBarrier:
		return "UPSTREAM_SYNC_BARRIER"
	default:
		return fmt.Sprintf("ConnectionType(%d)", int16(t))
	}
}

// well known data store config keys
const (
	ConfigFilePath        = "file.path"
	ConfigKafkaBrokers    = "kafka.brokers"
	ConfigKafkaTopic      = "kafka.topic"
	ConfigKafkaPartitions = "kafka.partitions"
	// ConfigKafkaPartition is set on per partition references.
	ConfigKafkaPartition = "kafka.partition"
)

// DataStore describes a concrete store together with the schema of the
// tuples it carries.
type DataStore struct {
	Type   DataStoreType     `msgpack:"type"`
	Schema *Schema           `msgpack:"schema"`
	Config map[string]string `msgpack:"config"`
}

// NewDataStore creates a DataStore, config is copied.
func NewDataStore(tp DataStoreType, schema *Schema, config map[string]string) DataStore {
	cfg := make(map[string]string, len(config))
	for k, v := range config {
		cfg[k] = v
	}
	return DataStore{Type: tp, Schema: schema, Config: cfg}
}

// Get returns the config value of key.
func (d DataStore) Get(key string) (string, bool) {
	v, ok := d.Config[key]
	return v, ok
}

// GetList returns a comma separated config value as a list.
func (d DataStore) GetList(key string) []string {
	v, ok := d.Config[key]
	if !ok || v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	ret := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			ret = append(ret, p)
		}
	}
	return ret
}

func (d DataStore) String() string {
	keys := make([]string, 0, len(d.Config))
	for k := range d.Config {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(d.Type.String())
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%s", k, d.Config[k])
	}
	return b.String()
}

// DataReference is a handle to a concrete data store. Adapters keep a
// reference to it and never copy the underlying data.
type DataReference struct {
	// ID identifies the reference, for network references it is the id of
	// the operator on the other side of the connection.
	ID        int       `msgpack:"id"`
	StreamID  int       `msgpack:"stream-id"`
	DataStore DataStore `msgpack:"data-store"`
	// EndPoint is set for network references only.
	EndPoint *EndPoint `msgpack:"end-point,omitempty"`
}

// Type returns the data store type of the reference.
func (r *DataReference) Type() DataStoreType {
	return r.DataStore.Type
}

// Schema returns the schema of the referenced data.
func (r *DataReference) Schema() *Schema {
	return r.DataStore.Schema
}

func (r *DataReference) String() string {
	if r.EndPoint != nil {
		return fmt.Sprintf("ref(%d, stream %d, %s, %s)", r.ID, r.StreamID, r.DataStore, r.EndPoint)
	}
	return fmt.Sprintf("ref(%d, stream %d, %s)", r.ID, r.StreamID, r.DataStore)
}

// With returns a copy of the data store with key set to value.
func (d DataStore) With(key, value string) DataStore {
	ret := NewDataStore(d.Type, d.Schema, d.Config)
	ret.Config[key] = value
	return ret
}
