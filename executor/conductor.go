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

package executor

import (
	"context"
	"net"
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/pingcap/seepflow/client"
	"github.com/pingcap/seepflow/executor/input"
	"github.com/pingcap/seepflow/executor/output"
	"github.com/pingcap/seepflow/executor/selector"
	"github.com/pingcap/seepflow/model"
	"github.com/pingcap/seepflow/pkg/errors"
	"github.com/pingcap/seepflow/pkg/logutil"
	"github.com/pingcap/seepflow/pkg/protocol"
	"github.com/pingcap/seepflow/pkg/registry"
)

// ConductorConfig carries the settings the conductor hands to the data
// plane.
type ConductorConfig struct {
	UnitID          int
	PollTimeout     time.Duration
	InputBufferSize int
	BatchSize       int
	MaxFrames       int
	MaxFrameSize    int
	IOTimeout       time.Duration
	DialTimeout     time.Duration
	// DataListener is used by the network selector when the operator has
	// network inputs.
	DataListener net.Listener
	KafkaReaders selector.ReaderFactory
	KafkaWriters selector.WriterFactory
}

// Conductor materializes the operator assigned to this execution unit and
// owns everything built for it: the task, the core input and output, the
// selectors and the processing engine.
type Conductor struct {
	cfg      ConductorConfig
	registry registry.Registry
	master   client.MasterClient
	logger   *zap.Logger

	mu       sync.Mutex
	artifact []byte
	query    *model.Query
	op       *model.Operator

	coreInput  *input.CoreInput
	coreOutput *output.CoreOutput
	selectors  []selector.Selector
	engine     *Engine
	started    bool

	// stopping is set once Stop begins, failures seen after it are not
	// reported
	stopping atomic.Bool
	// outputClosed is set once the core output was closed under the engine
	outputClosed atomic.Bool

	stages map[int]*protocol.ScheduleStage
}

// NewConductor creates a Conductor.
func NewConductor(cfg ConductorConfig, reg registry.Registry, master client.MasterClient) *Conductor {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	return &Conductor{
		cfg:      cfg,
		registry: reg,
		master:   master,
		logger:   logutil.NewLogger4Worker(cfg.UnitID),
		stages:   make(map[int]*protocol.ScheduleStage),
	}
}

// LoadCode composes the query named by the Code command. The query is
// sealed, it is only read from now on.
func (c *Conductor) LoadCode(code *protocol.Code) error {
	artifact, err := code.DecodeArtifact()
	if err != nil {
		return err
	}
	q, err := c.registry.Compose(code.TaskName, code.Args)
	if err != nil {
		return err
	}
	if err := q.Seal(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.op != nil {
		return errors.ErrAlreadyMaterialized.GenWithStackByArgs()
	}
	c.artifact = artifact
	c.query = q
	c.logger.Info("query code loaded",
		zap.String("task", code.TaskName),
		zap.Strings("args", code.Args),
		zap.String("artifact-size", code.ArtifactSize()),
		zap.Int("operators", q.Len()))
	return nil
}

// Artifact returns the deployable artifact received with the code.
func (c *Conductor) Artifact() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.artifact
}

// Operator returns the materialized operator, nil before materialization.
func (c *Conductor) Operator() *model.Operator {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.op
}

// Materialize binds the operator mapped to this unit to its adapters. A
// failure leaves nothing runnable behind and is reported to the master as a
// FAIL stage status.
func (c *Conductor) Materialize(ctx context.Context, mapping model.Mapping) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.query == nil {
		return errors.ErrNoQuery.GenWithStackByArgs()
	}
	if c.op != nil {
		return errors.ErrAlreadyMaterialized.GenWithStackByArgs()
	}

	opID, err := c.materializeLocked(ctx, mapping)
	if err != nil {
		c.logger.Error("materialize task failed", zap.Int("operator-id", opID), zap.Error(err))
		c.reportFailure(ctx, opID, err)
		return err
	}
	return nil
}

func (c *Conductor) materializeLocked(ctx context.Context, mapping model.Mapping) (opID int, err error) {
	opID, ok := mapping.OperatorOn(c.cfg.UnitID)
	if !ok {
		return model.ExternalOperatorID, errors.ErrOperatorNotMapped.GenWithStackByArgs(c.cfg.UnitID)
	}
	op, ok := c.query.Operator(opID)
	if !ok {
		return opID, errors.ErrOperatorNotFound.GenWithStackByArgs(opID)
	}
	logger := logutil.WithOperator(c.logger, opID)

	if op.Stateful {
		st, ok := op.Task.(model.StatefulTask)
		if !ok {
			return opID, errors.ErrStateNotSupported.GenWithStackByArgs(opID)
		}
		if err := st.SetState(op.State); err != nil {
			return opID, errors.Trace(err)
		}
	}

	ci, err := input.BuildCoreInput(op, mapping, c.cfg.InputBufferSize)
	if err != nil {
		return opID, err
	}
	co, err := output.BuildCoreOutput(op, mapping, output.Options{
		BatchSize: c.cfg.BatchSize,
		MaxFrames: c.cfg.MaxFrames,
	})
	if err != nil {
		ci.Close()
		return opID, err
	}
	selectors, err := selector.Build(ci, co, selector.Options{
		OperatorID:   opID,
		Listener:     c.cfg.DataListener,
		MaxFrameSize: c.cfg.MaxFrameSize,
		IOTimeout:    c.cfg.IOTimeout,
		DialTimeout:  c.cfg.DialTimeout,
		KafkaReaders: c.cfg.KafkaReaders,
		KafkaWriters: c.cfg.KafkaWriters,
		Logger:       logger,
	})
	if err != nil {
		ci.Close()
		co.Close()
		return opID, err
	}
	for _, s := range selectors {
		if hook, ok := s.(output.EventHook); ok {
			co.AddEventHook(hook)
		}
	}

	if err := op.Task.SetUp(); err != nil {
		ci.Close()
		co.Close()
		return opID, errors.Trace(err)
	}
	for i, s := range selectors {
		if err := s.Init(ctx); err != nil {
			for j := i; j >= 0; j-- {
				err = multierr.Append(err, selectors[j].Stop())
			}
			ci.Close()
			co.Close()
			err = multierr.Append(err, op.Task.Close())
			return opID, err
		}
	}

	c.op = op
	c.coreInput = ci
	c.coreOutput = co
	c.selectors = selectors
	c.stopping.Store(false)
	c.outputClosed.Store(false)
	c.engine = NewEngineForOutput(op.Task, ci.Adapters(), co,
		WithPollTimeout(c.cfg.PollTimeout), WithEngineLogger(logger))
	logger.Info("task materialized",
		zap.String("operator", op.Name),
		zap.Int("inputs", len(ci.Adapters())),
		zap.Int("outputs", len(co.Adapters())),
		zap.Int("selectors", len(selectors)))
	return opID, nil
}

func (c *Conductor) reportFailure(ctx context.Context, stageID int, cause error) {
	if c.master == nil {
		return
	}
	err := c.master.ReportStageStatus(ctx, stageID, c.cfg.UnitID, protocol.StageStatusFail, nil, cause.Error())
	if err != nil {
		c.logger.Warn("report stage status failed", logutil.ShortError(err))
	}
}

// Start starts the selectors and then the processing engine.
func (c *Conductor) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.op == nil {
		return errors.ErrNotMaterialized.GenWithStackByArgs()
	}
	if c.started {
		return nil
	}
	for _, s := range c.selectors {
		if err := s.Start(ctx); err != nil {
			return err
		}
	}
	if err := c.engine.Start(ctx); err != nil {
		return err
	}
	c.started = true

	go c.watch(ctx, c.engine, c.op.ID)
	for _, s := range c.selectors {
		go c.watchSelector(ctx, s, c.engine, c.coreOutput, c.op.ID)
	}
	return nil
}

// watch reports a task failure once the engine exits because of it.
func (c *Conductor) watch(ctx context.Context, engine *Engine, opID int) {
	if err := engine.Wait(); err != nil && !c.stopping.Load() {
		c.reportFailure(context.WithoutCancel(ctx), opID, err)
	}
}

// watchSelector stops the engine and reports the failure once a selector
// gives up moving data.
func (c *Conductor) watchSelector(
	ctx context.Context, s selector.Selector, engine *Engine, co *output.CoreOutput, opID int,
) {
	err := s.Wait()
	if err == nil || c.stopping.Load() || errors.Cause(err) == context.Canceled {
		return
	}
	c.logger.Error("selector failed",
		zap.Int("operator-id", opID), zap.Stringer("type", s.Type()), zap.Error(err))
	engine.Stop()
	c.outputClosed.Store(true)
	co.Close()
	c.reportFailure(context.WithoutCancel(ctx), opID, err)
}

// Engine returns the processing engine, nil before materialization.
func (c *Conductor) Engine() *Engine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine
}

// Stop stops the engine, flushes what the task emitted, then releases the
// selectors and the task in the reverse order of materialization. An engine
// blocked on a full output for longer than two poll timeouts gets its
// outputs closed under it, the tuples it held are lost.
func (c *Conductor) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.op == nil {
		return nil
	}
	c.stopping.Store(true)
	var err error
	if c.started {
		c.engine.Stop()
		grace := time.NewTimer(2 * c.cfg.PollTimeout)
		select {
		case <-c.engine.Done():
		case <-grace.C:
			c.logger.Warn("engine blocked on its outputs, closing them",
				zap.Int("operator-id", c.op.ID))
			c.outputClosed.Store(true)
			c.coreOutput.Close()
		}
		grace.Stop()
		if werr := c.engine.Wait(); werr != nil {
			c.logger.Warn("engine exited with error", logutil.ShortError(werr))
		}
	}
	if !c.outputClosed.Load() {
		err = multierr.Append(err, c.coreOutput.Flush())
	}
	for i := len(c.selectors) - 1; i >= 0; i-- {
		err = multierr.Append(err, c.selectors[i].Stop())
	}
	c.coreInput.Close()
	c.coreOutput.Close()
	err = multierr.Append(err, c.op.Task.Close())

	c.logger.Info("task stopped", zap.Int("operator-id", c.op.ID), zap.Error(err))
	c.op = nil
	c.coreInput = nil
	c.coreOutput = nil
	c.selectors = nil
	c.started = false
	return err
}

// ScheduleStage records a stage scheduled on this unit and acknowledges it
// to the master with an OK status carrying the stage outputs.
func (c *Conductor) ScheduleStage(ctx context.Context, stage *protocol.ScheduleStage) error {
	c.mu.Lock()
	if c.query == nil {
		c.mu.Unlock()
		return errors.ErrNoQuery.GenWithStackByArgs()
	}
	c.stages[stage.StageID] = stage
	c.mu.Unlock()

	c.logger.Info("stage scheduled",
		zap.Int("stage-id", stage.StageID),
		zap.Int("input-streams", len(stage.Inputs)),
		zap.Int("output-streams", len(stage.Outputs)))
	if c.master == nil {
		return nil
	}
	return c.master.ReportStageStatus(ctx, stage.StageID, c.cfg.UnitID, protocol.StageStatusOK, stage.Outputs, "")
}

// Stages returns the ids of the scheduled stages.
func (c *Conductor) Stages() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]int, 0, len(c.stages))
	for id := range c.stages {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
