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
	"context"
	"sync"
	"time"

	"github.com/pingcap/seepflow/model"
	"github.com/pingcap/seepflow/pkg/errors"
)

// DefaultBufferCapacity is the number of frames an InputBuffer holds before
// Push blocks.
const DefaultBufferCapacity = 128

// InputBuffer queues raw frames received from one physical upstream
// connection until an adapter pulls them.
type InputBuffer struct {
	ref    *model.DataReference
	frames chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

// NewInputBuffer creates an InputBuffer for ref.
func NewInputBuffer(ref *model.DataReference, capacity int) *InputBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	return &InputBuffer{
		ref:    ref,
		frames: make(chan []byte, capacity),
		done:   make(chan struct{}),
	}
}

// Ref returns the data reference the buffer is fed from.
func (b *InputBuffer) Ref() *model.DataReference {
	return b.ref
}

// Push queues a frame, blocking while the buffer is full.
func (b *InputBuffer) Push(ctx context.Context, frame []byte) error {
	select {
	case <-b.done:
		return errors.ErrBufferClosed.GenWithStackByArgs(b.ref.ID)
	default:
	}
	select {
	case b.frames <- frame:
		return nil
	case <-b.done:
		return errors.ErrBufferClosed.GenWithStackByArgs(b.ref.ID)
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	}
}

// TryPull returns a queued frame without waiting.
func (b *InputBuffer) TryPull() ([]byte, bool) {
	select {
	case frame := <-b.frames:
		return frame, true
	default:
		return nil, false
	}
}

// Pull waits at most timeout for a frame.
func (b *InputBuffer) Pull(timeout time.Duration) ([]byte, bool) {
	if frame, ok := b.TryPull(); ok {
		return frame, true
	}
	if timeout <= 0 {
		return nil, false
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case frame := <-b.frames:
		return frame, true
	case <-timer.C:
		return nil, false
	case <-b.done:
		return nil, false
	}
}

// Len returns the number of queued frames.
func (b *InputBuffer) Len() int {
	return len(b.frames)
}

// Close rejects further pushes. Queued frames can still be pulled.
func (b *InputBuffer) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
	})
}
