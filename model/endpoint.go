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

import "fmt"

// EndPoint is the network identity of an execution unit.
type EndPoint struct {
	ID int `msgpack:"id"`
	// ControlAddr is where the unit accepts protocol commands.
	ControlAddr string `msgpack:"control-addr"`
	// DataAddr is where the unit accepts upstream network data.
	DataAddr string `msgpack:"data-addr"`
}

func (e *EndPoint) String() string {
	return fmt.Sprintf("unit-%d(control=%s, data=%s)", e.ID, e.ControlAddr, e.DataAddr)
}

// Mapping maps an operator id to the end point hosting it.
type Mapping map[int]*EndPoint

// UnitIDs returns the distinct execution unit ids referenced by the mapping.
func (m Mapping) UnitIDs() []int {
	seen := make(map[int]struct{}, len(m))
	ids := make([]int, 0, len(m))
	for _, ep := range m {
		if _, ok := seen[ep.ID]; ok {
			continue
		}
		seen[ep.ID] = struct{}{}
		ids = append(ids, ep.ID)
	}
	return ids
}

// OperatorOn returns the operator living on the given execution unit. The
// second return value is false if no operator is mapped to it. When more than
// one operator shares the unit, the smallest operator id is returned.
func (m Mapping) OperatorOn(unitID int) (int, bool) {
	found := false
	opID := 0
	for id, ep := range m {
		if ep.ID != unitID {
			continue
		}
		if !found || id < opID {
			opID = id
			found = true
		}
	}
	return opID, found
}
