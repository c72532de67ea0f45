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

package selector

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pingcap/seepflow/executor/input"
	"github.com/pingcap/seepflow/executor/output"
	"github.com/pingcap/seepflow/model"
	"github.com/pingcap/seepflow/pkg/errors"
	"github.com/pingcap/seepflow/pkg/protocol"
)

// Selector drives the data store behind a set of input and output buffers.
// Init acquires the resources, Start spawns the goroutines moving data and
// Stop releases everything Init acquired. Wait returns once those goroutines
// have exited, with the failure that ended them.
type Selector interface {
	Type() model.DataStoreType
	Init(ctx context.Context) error
	Start(ctx context.Context) error
	Wait() error
	Stop() error
}

// Options are shared by every selector.
type Options struct {
	// OperatorID is the operator the selectors serve.
	OperatorID int
	// DataAddr is where the network selector listens, unless Listener is
	// set. A given Listener is left open by Stop.
	DataAddr     string
	Listener     net.Listener
	MaxFrameSize int
	IOTimeout    time.Duration
	// DialTimeout bounds the attempts to reach a downstream operator.
	DialTimeout time.Duration
	// KafkaReaders and KafkaWriters replace the kafka-go clients.
	KafkaReaders ReaderFactory
	KafkaWriters WriterFactory
	Logger       *zap.Logger
}

const (
	defaultIOTimeout   = 10 * time.Second
	defaultDialTimeout = 30 * time.Second
	linesPerChunk      = 128
)

func (o *Options) adjust() {
	if o.IOTimeout <= 0 {
		o.IOTimeout = defaultIOTimeout
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = defaultDialTimeout
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if o.Logger == nil {
		o.Logger = log.L()
	}
}

// Build returns one selector per data store type used by the buffers of ci
// and co.
func Build(ci *input.CoreInput, co *output.CoreOutput, opts Options) ([]Selector, error) {
	opts.adjust()
	var selectors []Selector
	for tp := model.DataStoreNetwork; tp <= model.DataStoreMemoryMappedByteBuffer; tp++ {
		ins, outs := ci.Buffers(tp), co.Buffers(tp)
		if len(ins) == 0 && len(outs) == 0 {
			continue
		}
		switch tp {
		case model.DataStoreNetwork:
			selectors = append(selectors, NewNetworkSelector(ins, outs, opts))
		case model.DataStoreFile:
			selectors = append(selectors, NewFileSelector(ins, outs, opts))
		case model.DataStoreKafka:
			selectors = append(selectors, NewKafkaSelector(ins, outs, opts))
		default:
			return nil, errors.ErrUnsupportedAdapter.GenWithStackByArgs(tp, model.ConnectionOneAtATime)
		}
	}
	return selectors, nil
}

// runner owns the goroutines of a selector and the write notifications of
// its output buffers.
type runner struct {
	logger *zap.Logger
	notify map[*model.DataReference]chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	eg     *errgroup.Group
}

func newRunner(outs []*output.OutputBuffer, logger *zap.Logger) *runner {
	notify := make(map[*model.DataReference]chan struct{}, len(outs))
	for _, b := range outs {
		notify[b.Ref()] = make(chan struct{}, 1)
	}
	return &runner{logger: logger, notify: notify}
}

// ReadyForWrite implements output.EventHook.
func (r *runner) ReadyForWrite(ref *model.DataReference) {
	ch, ok := r.notify[ref]
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (r *runner) start(ctx context.Context) (context.Context, *errgroup.Group) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctx, r.cancel = context.WithCancel(ctx)
	r.eg, ctx = errgroup.WithContext(ctx)
	return ctx, r.eg
}

// Wait implements Selector.Wait
func (r *runner) Wait() error {
	r.mu.Lock()
	eg := r.eg
	r.mu.Unlock()
	if eg == nil {
		return nil
	}
	return eg.Wait()
}

func (r *runner) stop() error {
	r.mu.Lock()
	cancel, eg := r.cancel, r.eg
	r.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	return eg.Wait()
}

// drain writes the frames of buf whenever it is notified, and a last time
// once ctx is done.
func (r *runner) drain(
	ctx context.Context, buf *output.OutputBuffer,
	write func(ctx context.Context, frame []byte) error,
) error {
	notify := r.notify[buf.Ref()]
	for {
		select {
		case <-ctx.Done():
			// frames sealed by the final flush are still delivered
			finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultIOTimeout)
			defer cancel()
			return writeAll(finalCtx, buf, write)
		case <-notify:
		}
		if err := writeAll(ctx, buf, write); err != nil {
			return err
		}
	}
}

func writeAll(
	ctx context.Context, buf *output.OutputBuffer,
	write func(ctx context.Context, frame []byte) error,
) error {
	for _, frame := range buf.TakeFrames() {
		if err := write(ctx, frame); err != nil {
			return err
		}
	}
	return nil
}
