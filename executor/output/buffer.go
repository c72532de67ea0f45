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
	"bytes"
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/pingcap/seepflow/model"
	"github.com/pingcap/seepflow/pkg/errors"
)

const (
	// DefaultBatchSize is the number of tuples sealed into one frame.
	DefaultBatchSize = 64
	// DefaultMaxFrames bounds the sealed frames waiting for a selector.
	DefaultMaxFrames = 16
)

// EventHook is implemented by selectors that want to know when an output
// buffer has a sealed frame to write.
type EventHook interface {
	ReadyForWrite(ref *model.DataReference)
}

// Encoder turns a batch of tuples into one frame.
type Encoder func(schema *model.Schema, tuples []*model.Tuple) ([]byte, error)

// BatchEncoder produces the msgpack batches read by network and kafka
// inputs.
func BatchEncoder(schema *model.Schema, tuples []*model.Tuple) ([]byte, error) {
	return model.EncodeBatch(schema, tuples...)
}

// TextEncoder produces one text line per tuple.
func TextEncoder(_ *model.Schema, tuples []*model.Tuple) ([]byte, error) {
	var buf bytes.Buffer
	for _, t := range tuples {
		line, err := model.EncodeText(t)
		if err != nil {
			return nil, err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// OutputBuffer batches the tuples written to one data reference. Sealed
// frames wait in the buffer until the owning selector takes them, Write
// blocks once maxFrames frames are waiting.
type OutputBuffer struct {
	ref       *model.DataReference
	encoder   Encoder
	batchSize int

	mu      sync.Mutex
	pending []*model.Tuple

	framesMu sync.Mutex
	frames   [][]byte
	slots    *semaphore.Weighted

	hookMu sync.RWMutex
	hooks  []EventHook

	ctx    context.Context
	cancel context.CancelFunc
}

// NewOutputBuffer creates an OutputBuffer.
func NewOutputBuffer(ref *model.DataReference, encoder Encoder, batchSize, maxFrames int) *OutputBuffer {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if maxFrames <= 0 {
		maxFrames = DefaultMaxFrames
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &OutputBuffer{
		ref:       ref,
		encoder:   encoder,
		batchSize: batchSize,
		slots:     semaphore.NewWeighted(int64(maxFrames)),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Ref returns the data reference of the buffer.
func (b *OutputBuffer) Ref() *model.DataReference {
	return b.ref
}

// AddEventHook registers h to be told about every sealed frame.
func (b *OutputBuffer) AddEventHook(h EventHook) {
	b.hookMu.Lock()
	defer b.hookMu.Unlock()
	b.hooks = append(b.hooks, h)
}

// Write appends a tuple, sealing a frame once the batch is full.
func (b *OutputBuffer) Write(t *model.Tuple) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ctx.Err(); err != nil {
		return errors.ErrBufferClosed.GenWithStackByArgs(b.ref.ID)
	}
	b.pending = append(b.pending, t)
	if len(b.pending) < b.batchSize {
		return nil
	}
	return b.sealLocked()
}

// Flush seals the pending tuples, if any.
func (b *OutputBuffer) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return nil
	}
	if err := b.ctx.Err(); err != nil {
		return errors.ErrBufferClosed.GenWithStackByArgs(b.ref.ID)
	}
	return b.sealLocked()
}

func (b *OutputBuffer) sealLocked() error {
	frame, err := b.encoder(b.ref.Schema(), b.pending)
	if err != nil {
		return err
	}
	b.pending = b.pending[:0]
	if err := b.slots.Acquire(b.ctx, 1); err != nil {
		return errors.ErrBufferClosed.GenWithStackByArgs(b.ref.ID)
	}
	b.framesMu.Lock()
	b.frames = append(b.frames, frame)
	b.framesMu.Unlock()

	b.hookMu.RLock()
	defer b.hookMu.RUnlock()
	for _, h := range b.hooks {
		h.ReadyForWrite(b.ref)
	}
	return nil
}

// TakeFrames removes and returns every sealed frame.
func (b *OutputBuffer) TakeFrames() [][]byte {
	b.framesMu.Lock()
	frames := b.frames
	b.frames = nil
	b.framesMu.Unlock()
	if len(frames) > 0 {
		b.slots.Release(int64(len(frames)))
	}
	return frames
}

// Pending returns the number of tuples not sealed yet.
func (b *OutputBuffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Close unblocks writers waiting for room and rejects further writes.
func (b *OutputBuffer) Close() {
	b.cancel()
}
