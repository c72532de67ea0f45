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

package cluster

import (
	"sync"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/pingcap/seepflow/model"
	"github.com/pingcap/seepflow/pkg/errors"
	"github.com/pingcap/seepflow/pkg/protocol"
)

// Pool supplies execution units and connections to them. Availability
// bookkeeping is owned by the pool and only reachable through this interface.
type Pool interface {
	// Register is called when a worker bootstraps.
	Register(ep model.EndPoint) error
	// Remove is called when a worker is reported dead.
	Remove(unitID int) error
	// AvailableUnitCount returns the number of units that can be leased.
	AvailableUnitCount() int
	// LeaseUnit leases the first available unit in registration order.
	LeaseUnit() (*model.EndPoint, error)
	// Release returns leased units to the pool, unknown ids are ignored.
	Release(unitIDs ...int)
	// ConnectionsTo returns one connection per distinct unit id.
	ConnectionsTo(unitIDs []int) ([]protocol.Connection, error)
}

// ConnectionFactory creates the control connection of an execution unit.
type ConnectionFactory func(ep *model.EndPoint) protocol.Connection

// UnitStatus is the availability of an execution unit.
type UnitStatus int

// unit status
const (
	UnitAvailable UnitStatus = iota
	UnitLeased
)

func (s UnitStatus) String() string {
	if s == UnitLeased {
		return "leased"
	}
	return "available"
}

type executionUnit struct {
	ep     model.EndPoint
	status UnitStatus
}

// InfrastructureManager is an in memory Pool fed by worker bootstraps. Each
// unit hosts at most one operator.
type InfrastructureManager struct {
	mu    sync.Mutex
	order []int
	units map[int]*executionUnit

	connFactory ConnectionFactory
	onChange    func(available, leased int)
}

// NewInfrastructureManager creates an empty InfrastructureManager. A nil
// factory dials units over TCP.
func NewInfrastructureManager(factory ConnectionFactory) *InfrastructureManager {
	if factory == nil {
		factory = protocol.NewTCPConnection
	}
	return &InfrastructureManager{
		units:       make(map[int]*executionUnit),
		connFactory: factory,
	}
}

// OnChange registers a callback invoked with the unit counts after every
// change, it is called with the lock held and must not call back.
func (m *InfrastructureManager) OnChange(fn func(available, leased int)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
	m.notifyLocked()
}

func (m *InfrastructureManager) notifyLocked() {
	if m.onChange == nil {
		return
	}
	available, leased := 0, 0
	for _, u := range m.units {
		if u.status == UnitAvailable {
			available++
		} else {
			leased++
		}
	}
	m.onChange(available, leased)
}

// Register implements Pool.Register
func (m *InfrastructureManager) Register(ep model.EndPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.units[ep.ID]; ok {
		return errors.ErrExecutionUnitAlreadyExists.GenWithStackByArgs(ep.ID)
	}
	m.units[ep.ID] = &executionUnit{ep: ep}
	m.order = append(m.order, ep.ID)
	log.Info("execution unit registered", zap.Stringer("end-point", &ep))
	m.notifyLocked()
	return nil
}

// Remove implements Pool.Remove
func (m *InfrastructureManager) Remove(unitID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.units[unitID]; !ok {
		return errors.ErrExecutionUnitNotFound.GenWithStackByArgs(unitID)
	}
	delete(m.units, unitID)
	for i, id := range m.order {
		if id == unitID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	log.Info("execution unit removed", zap.Int("unit-id", unitID))
	m.notifyLocked()
	return nil
}

// AvailableUnitCount implements Pool.AvailableUnitCount
func (m *InfrastructureManager) AvailableUnitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, u := range m.units {
		if u.status == UnitAvailable {
			count++
		}
	}
	return count
}

// LeaseUnit implements Pool.LeaseUnit
func (m *InfrastructureManager) LeaseUnit() (*model.EndPoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.order {
		u := m.units[id]
		if u.status != UnitAvailable {
			continue
		}
		u.status = UnitLeased
		m.notifyLocked()
		ep := u.ep
		return &ep, nil
	}
	return nil, errors.ErrNoAvailableExecutionUnit.GenWithStackByArgs()
}

// Release implements Pool.Release
func (m *InfrastructureManager) Release(unitIDs ...int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range unitIDs {
		if u, ok := m.units[id]; ok {
			u.status = UnitAvailable
		}
	}
	m.notifyLocked()
}

// ConnectionsTo implements Pool.ConnectionsTo
func (m *InfrastructureManager) ConnectionsTo(unitIDs []int) ([]protocol.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[int]struct{}, len(unitIDs))
	conns := make([]protocol.Connection, 0, len(unitIDs))
	for _, id := range unitIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		u, ok := m.units[id]
		if !ok {
			return nil, errors.ErrExecutionUnitNotFound.GenWithStackByArgs(id)
		}
		ep := u.ep
		conns = append(conns, m.connFactory(&ep))
	}
	return conns, nil
}

// Units returns a snapshot of the registered units in registration order.
func (m *InfrastructureManager) Units() []model.EndPoint {
	m.mu.Lock()
	defer m.mu.Unlock()

	ret := make([]model.EndPoint, 0, len(m.order))
	for _, id := range m.order {
		ret = append(ret, m.units[id].ep)
	}
	return ret
}
