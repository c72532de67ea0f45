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
	"time"

	"github.com/pingcap/seepflow/model"
)

// Cardinality tells the engine how items pulled from an adapter are handed
// to the task.
type Cardinality int8

const (
	// ReturnOne items are processed tuple by tuple with ProcessData.
	ReturnOne Cardinality = iota
	// ReturnMany items are processed with ProcessDataGroup.
	ReturnMany
)

func (c Cardinality) String() string {
	switch c {
	case ReturnOne:
		return "ONE"
	case ReturnMany:
		return "MANY"
	default:
		return fmt.Sprintf("Cardinality(%d)", int8(c))
	}
}

// Adapter presents one or more input buffers of a stream to the engine.
type Adapter interface {
	StreamID() int
	Type() model.DataStoreType
	Cardinality() Cardinality
	// PullDataItem waits at most timeout for data, nil means nothing
	// arrived in time.
	PullDataItem(timeout time.Duration) model.DataItem
	// Buffers returns the buffers the adapter reads from.
	Buffers() []*InputBuffer
}

// groupItem drains several items one after another.
type groupItem struct {
	items []model.DataItem
	pos   int
	err   error
}

func newGroupItem(items ...model.DataItem) *groupItem {
	return &groupItem{items: items}
}

func (g *groupItem) Drain() *model.Tuple {
	for g.pos < len(g.items) {
		item := g.items[g.pos]
		if t := item.Drain(); t != nil {
			return t
		}
		if err := item.Err(); err != nil && g.err == nil {
			g.err = err
		}
		g.pos++
	}
	return nil
}

func (g *groupItem) Err() error {
	return g.err
}
