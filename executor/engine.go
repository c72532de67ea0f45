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
	"sync"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pingcap/seepflow/executor/input"
	"github.com/pingcap/seepflow/executor/output"
	"github.com/pingcap/seepflow/model"
	"github.com/pingcap/seepflow/pkg/clock"
	"github.com/pingcap/seepflow/pkg/errors"
	"github.com/pingcap/seepflow/pkg/logutil"
)

// DefaultPollTimeout bounds how long the engine waits on one input adapter.
const DefaultPollTimeout = 500 * time.Millisecond

// Flusher seals the tuples emitted while handling one data item.
type Flusher interface {
	Flush() error
}

// Engine runs a materialized task on a single goroutine. It polls the input
// adapters in round robin order and hands every drained tuple to the task.
// Operators without inputs get ProcessData(nil) once per iteration.
type Engine struct {
	task        model.Task
	inputs      []input.Adapter
	api         model.API
	out         Flusher
	pollTimeout time.Duration
	clock       clock.Clock
	logger      *zap.Logger

	// cursor is only touched by the loop goroutine
	cursor int
	// dropLimiter throttles the warning about undecodable data
	dropLimiter *rate.Limiter

	running atomic.Bool
	started atomic.Bool
	wg      sync.WaitGroup
	done    chan struct{}
	err     error
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithPollTimeout sets the bounded wait of one poll.
func WithPollTimeout(timeout time.Duration) EngineOption {
	return func(e *Engine) {
		e.pollTimeout = timeout
	}
}

// WithClock replaces the clock used to account task time.
func WithClock(c clock.Clock) EngineOption {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithEngineLogger sets the logger.
func WithEngineLogger(logger *zap.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// NewEngine creates an Engine. out is flushed after every data item.
func NewEngine(task model.Task, inputs []input.Adapter, api model.API, out Flusher, opts ...EngineOption) *Engine {
	e := &Engine{
		task:        task,
		inputs:      inputs,
		api:         api,
		out:         out,
		pollTimeout: DefaultPollTimeout,
		clock:       clock.New(),
		logger:      log.L(),
		dropLimiter: rate.NewLimiter(rate.Every(time.Second), 1),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewEngineForOutput creates an Engine emitting to co.
func NewEngineForOutput(task model.Task, inputs []input.Adapter, co *output.CoreOutput, opts ...EngineOption) *Engine {
	return NewEngine(task, inputs, newCollector(co), co, opts...)
}

// Start spawns the loop goroutine. The loop ends when Stop is called, ctx
// is done or the task fails.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CAS(false, true) {
		return errors.ErrAlreadyMaterialized.GenWithStackByArgs()
	}
	e.running.Store(true)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(e.done)
		e.err = e.run(ctx)
		e.running.Store(false)
	}()
	return nil
}

// Stop asks the loop to exit, an in flight poll is not interrupted.
func (e *Engine) Stop() {
	e.running.Store(false)
}

// Running reports whether the loop goroutine is active.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// Done is closed once the loop goroutine has exited.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Wait blocks until the loop exits and returns the task failure, if any.
func (e *Engine) Wait() error {
	e.wg.Wait()
	return e.err
}

func (e *Engine) run(ctx context.Context) error {
	e.logger.Info("processing engine started",
		zap.Int("inputs", len(e.inputs)), zap.Duration("poll-timeout", e.pollTimeout))
	defer e.logger.Info("processing engine stopped")
	for e.running.Load() {
		if ctx.Err() != nil {
			return nil
		}
		if err := e.step(); err != nil {
			if !e.running.Load() {
				// outputs closed under a stopping loop
				e.logger.Info("processing engine interrupted", logutil.ShortError(err))
				return nil
			}
			e.logger.Error("task failed", zap.Error(err))
			return err
		}
	}
	return nil
}

// step runs one loop iteration.
func (e *Engine) step() error {
	if len(e.inputs) == 0 {
		start := e.clock.Mono()
		if err := e.task.ProcessData(nil, e.api); err != nil {
			return errors.Trace(err)
		}
		taskProcessDuration.Observe(e.clock.Mono().Sub(start).Seconds())
		return errors.Trace(e.out.Flush())
	}

	adapter := e.next()
	item := adapter.PullDataItem(e.pollTimeout)
	if item == nil {
		pollTimeoutCounter.Inc()
		return nil
	}
	start := e.clock.Mono()
	process := e.task.ProcessData
	label := input.ReturnOne.String()
	if adapter.Cardinality() == input.ReturnMany {
		process = e.task.ProcessDataGroup
		label = input.ReturnMany.String()
	}
	n := 0
	for t := item.Drain(); t != nil; t = item.Drain() {
		if err := process(t, e.api); err != nil {
			return errors.Trace(err)
		}
		n++
	}
	processedTupleCounter.WithLabelValues(label).Add(float64(n))
	taskProcessDuration.Observe(e.clock.Mono().Sub(start).Seconds())
	if err := item.Err(); err != nil {
		dataItemErrorCounter.Inc()
		if e.dropLimiter.Allow() {
			e.logger.Warn("drop undecodable data",
				zap.Int("stream-id", adapter.StreamID()), logutil.ShortError(err))
		}
	}
	return errors.Trace(e.out.Flush())
}

// next returns the adapter under the cursor and advances it, wrapping
// around at the end.
func (e *Engine) next() input.Adapter {
	a := e.inputs[e.cursor]
	e.cursor++
	if e.cursor == len(e.inputs) {
		e.cursor = 0
	}
	return a
}
