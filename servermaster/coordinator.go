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

package servermaster

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pingcap/seepflow/model"
	"github.com/pingcap/seepflow/pkg/errors"
	"github.com/pingcap/seepflow/pkg/logutil"
	"github.com/pingcap/seepflow/pkg/protocol"
	"github.com/pingcap/seepflow/pkg/registry"
	"github.com/pingcap/seepflow/servermaster/cluster"
)

const defaultBroadcastTimeout = 10 * time.Second

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithMapping supplies the operator to execution unit mapping instead of
// leasing units from the pool at deploy time.
func WithMapping(mapping model.Mapping) CoordinatorOption {
	return func(c *Coordinator) {
		c.mapping = mapping
		c.mappingProvided = true
	}
}

// WithRPCTimeout bounds every broadcast.
func WithRPCTimeout(timeout time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		c.rpcTimeout = timeout
	}
}

// WithRegistry sets the registry used by LoadQueryFromRegistry.
func WithRegistry(r registry.Registry) CoordinatorOption {
	return func(c *Coordinator) {
		c.registry = r
	}
}

type stageKey struct {
	stageID int
	unitID  int
}

// Coordinator owns the loaded query and drives its deployment and lifecycle.
// Query operations are expected from a single driver; stage statuses may be
// recorded concurrently by the command handlers.
type Coordinator struct {
	lifecycle  *Lifecycle
	pool       cluster.Pool
	registry   registry.Registry
	rpcTimeout time.Duration
	logger     *zap.Logger

	mu              sync.Mutex
	queryID         string
	query           *model.Query
	artifactPath    string
	args            []string
	requiredUnits   int
	mapping         model.Mapping
	mappingProvided bool
	leased          []int

	statusMu sync.RWMutex
	stages   map[stageKey]*protocol.StageStatus
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(pool cluster.Pool, lifecycle *Lifecycle, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		lifecycle:  lifecycle,
		pool:       pool,
		registry:   registry.GlobalRegistry,
		rpcTimeout: defaultBroadcastTimeout,
		logger:     logutil.NewLogger4Master(),
		stages:     make(map[stageKey]*protocol.StageStatus),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Status returns the application status.
func (c *Coordinator) Status() AppStatus {
	return c.lifecycle.Status()
}

// QueryID returns the id assigned to the loaded query.
func (c *Coordinator) QueryID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queryID
}

// Mapping returns a copy of the operator to execution unit mapping.
func (c *Coordinator) Mapping() model.Mapping {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := make(model.Mapping, len(c.mapping))
	for k, v := range c.mapping {
		m[k] = v
	}
	return m
}

// LoadQuery records the query, the deployable artifact path and the task
// arguments. The task identifier shipped to workers is the query name.
func (c *Coordinator) LoadQuery(q *model.Query, artifactPath string, args []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.lifecycle.check(AppStatusQuerySubmitted); err != nil {
		c.logger.Error("attempt to violate application lifecycle", zap.Error(err))
		return err
	}
	if err := q.Validate(); err != nil {
		return err
	}
	c.queryID = uuid.New().String()
	c.query = q
	c.artifactPath = artifactPath
	c.args = append([]string(nil), args...)
	c.requiredUnits = q.Len()
	c.logger = logutil.NewLogger4Query(c.queryID)
	c.logger.Info("query loaded",
		zap.String("name", q.Name),
		zap.Int("required-units", c.requiredUnits),
		zap.Strings("args", c.args))
	return c.lifecycle.TransitTo(AppStatusQuerySubmitted)
}

// LoadQueryFromRegistry composes the named query from the registry and loads
// it like LoadQuery.
func (c *Coordinator) LoadQueryFromRegistry(name, artifactPath string, args []string) error {
	if err := c.lifecycle.check(AppStatusQuerySubmitted); err != nil {
		c.logger.Error("attempt to violate application lifecycle", zap.Error(err))
		return err
	}
	q, err := c.registry.Compose(name, args)
	if err != nil {
		return err
	}
	return c.LoadQuery(q, artifactPath, args)
}

// DeployQuery maps every operator to an execution unit and ships the code
// and the mapping to all involved units. The capacity check happens before
// any unit is contacted.
func (c *Coordinator) DeployQuery(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.lifecycle.check(AppStatusQueryDeployed); err != nil {
		c.logger.Error("attempt to violate application lifecycle", zap.Error(err))
		return err
	}
	available := c.pool.AvailableUnitCount()
	if available < c.requiredUnits {
		c.logger.Warn("cannot deploy query, not enough execution units",
			zap.Int("required", c.requiredUnits), zap.Int("available", available))
		return errors.ErrClusterResourceNotEnough.GenWithStackByArgs(c.requiredUnits, available)
	}

	artifact, err := c.readArtifact()
	if err != nil {
		return err
	}
	code, err := protocol.NewCodeCommand(artifact, c.query.Name, c.args)
	if err != nil {
		return err
	}

	if c.mappingProvided {
		c.logger.Info("using provided mapping for query")
	} else {
		c.logger.Info("building mapping for query")
		if err := c.buildMapping(); err != nil {
			return err
		}
	}
	if err := c.checkMapping(); err != nil {
		c.rollbackMapping()
		return err
	}
	for opID, ep := range c.mapping {
		c.logger.Debug("operator mapped", zap.Int("operator-id", opID), zap.Stringer("end-point", ep))
	}
	// the query is never mutated once deployment begins
	if err := c.query.Seal(); err != nil {
		c.rollbackMapping()
		return err
	}

	conns, err := c.involvedConnections()
	if err != nil {
		c.rollbackMapping()
		return err
	}
	c.logger.Info("sending query code to execution units",
		zap.String("size", code.Code.ArtifactSize()), zap.Int("units", len(conns)))
	if err := c.broadcast(ctx, conns, code); err != nil {
		c.rollbackMapping()
		return err
	}
	c.logger.Info("sending materialize task command to execution units")
	if err := c.broadcast(ctx, conns, protocol.NewMaterializeTaskCommand(c.mapping)); err != nil {
		c.rollbackMapping()
		return err
	}
	return c.lifecycle.TransitTo(AppStatusQueryDeployed)
}

// StartQuery broadcasts StartQuery to every involved execution unit.
func (c *Coordinator) StartQuery(ctx context.Context) error {
	return c.broadcastAndTransit(ctx, AppStatusQueryRunning, protocol.NewStartQueryCommand())
}

// StopQuery broadcasts StopQuery to every involved execution unit and
// returns the leased units to the pool.
func (c *Coordinator) StopQuery(ctx context.Context) error {
	if err := c.broadcastAndTransit(ctx, AppStatusQueryStopped, protocol.NewStopQueryCommand()); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pool.Release(c.leased...)
	c.leased = nil
	return nil
}

func (c *Coordinator) broadcastAndTransit(ctx context.Context, target AppStatus, cmd *protocol.Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.lifecycle.check(target); err != nil {
		c.logger.Error("attempt to violate application lifecycle", zap.Error(err))
		return err
	}
	conns, err := c.involvedConnections()
	if err != nil {
		return err
	}
	if err := c.broadcast(ctx, conns, cmd); err != nil {
		return err
	}
	c.logger.Info("query status changed", zap.Stringer("status", target))
	return c.lifecycle.TransitTo(target)
}

// ScheduleStage asks one execution unit to run a stage. It is only allowed
// once the query is deployed.
func (c *Coordinator) ScheduleStage(
	ctx context.Context, unitID, stageID int, inputs, outputs map[int][]model.DataReference,
) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if status := c.lifecycle.Status(); status != AppStatusQueryDeployed && status != AppStatusQueryRunning {
		return errors.ErrLifecycleViolation.GenWithStackByArgs(status, AppStatusQueryRunning)
	}
	conns, err := c.pool.ConnectionsTo([]int{unitID})
	if err != nil {
		return err
	}
	return c.broadcast(ctx, conns, protocol.NewScheduleStageCommand(stageID, inputs, outputs))
}

// RecordStageStatus stores the last status reported for a stage by a unit.
func (c *Coordinator) RecordStageStatus(status *protocol.StageStatus) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	c.stages[stageKey{stageID: status.StageID, unitID: status.UnitID}] = status
	stageStatusCounter.WithLabelValues(status.Status.String()).Inc()
}

// StageStatuses returns the recorded stage statuses ordered by stage and
// unit id.
func (c *Coordinator) StageStatuses() []*protocol.StageStatus {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()

	ret := make([]*protocol.StageStatus, 0, len(c.stages))
	for _, s := range c.stages {
		ret = append(ret, s)
	}
	sort.Slice(ret, func(i, j int) bool {
		if ret[i].StageID != ret[j].StageID {
			return ret[i].StageID < ret[j].StageID
		}
		return ret[i].UnitID < ret[j].UnitID
	})
	return ret
}

func (c *Coordinator) readArtifact() ([]byte, error) {
	if c.artifactPath == "" {
		return nil, nil
	}
	data, err := os.ReadFile(c.artifactPath)
	if err != nil {
		return nil, errors.WrapError(errors.ErrReadArtifact, err, c.artifactPath)
	}
	return data, nil
}

// buildMapping leases one fresh unit per operator, in operator id order.
func (c *Coordinator) buildMapping() error {
	mapping := make(model.Mapping, c.requiredUnits)
	leased := make([]int, 0, c.requiredUnits)
	for _, op := range c.query.Operators() {
		ep, err := c.pool.LeaseUnit()
		if err != nil {
			c.pool.Release(leased...)
			return err
		}
		c.logger.Debug("operator will run on execution unit",
			zap.Int("operator-id", op.ID), zap.Int("unit-id", ep.ID), zap.String("addr", ep.ControlAddr))
		mapping[op.ID] = ep
		leased = append(leased, ep.ID)
	}
	c.mapping = mapping
	c.leased = leased
	return nil
}

// rollbackMapping returns the units leased by a failed deployment.
func (c *Coordinator) rollbackMapping() {
	if c.mappingProvided {
		return
	}
	c.pool.Release(c.leased...)
	c.leased = nil
	c.mapping = nil
}

func (c *Coordinator) checkMapping() error {
	for _, op := range c.query.Operators() {
		if _, ok := c.mapping[op.ID]; !ok {
			return errors.ErrMappingIncomplete.GenWithStackByArgs(op.ID)
		}
	}
	return nil
}

func (c *Coordinator) involvedConnections() ([]protocol.Connection, error) {
	ids := c.mapping.UnitIDs()
	sort.Ints(ids)
	return c.pool.ConnectionsTo(ids)
}

func (c *Coordinator) broadcast(ctx context.Context, conns []protocol.Connection, cmd *protocol.Command) error {
	if c.rpcTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.rpcTimeout)
		defer cancel()
	}
	res := protocol.Broadcast(ctx, conns, cmd)
	for id, err := range res {
		result := "ok"
		if err != nil {
			result = "fail"
			c.logger.Warn("command not acknowledged",
				zap.Stringer("command", cmd), zap.Int("unit-id", id), zap.Error(err))
		}
		broadcastCounter.WithLabelValues(cmd.Type.String(), result).Inc()
	}
	return res.Err(cmd.Type)
}
