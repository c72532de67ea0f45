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

package protocol

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/pingcap/seepflow/pkg/errors"
	"github.com/pingcap/seepflow/pkg/logutil"
)

// Handler handles one decoded command. A returned error is sent back to the
// remote side in a negative Ack.
type Handler func(ctx context.Context, cmd *Command) error

// ChannelOption configures a Channel.
type ChannelOption func(*Channel)

// WithConcurrent serves every accepted connection in its own goroutine.
// Handlers must then be safe for concurrent use.
func WithConcurrent() ChannelOption {
	return func(c *Channel) {
		c.concurrent = true
	}
}

// WithLogger sets the logger of the channel.
func WithLogger(logger *zap.Logger) ChannelOption {
	return func(c *Channel) {
		c.logger = logger
	}
}

// WithMaxFrameSize bounds the size of accepted command frames.
func WithMaxFrameSize(size int) ChannelOption {
	return func(c *Channel) {
		c.maxFrameSize = size
	}
}

// WithIOTimeout bounds the time spent reading a command and writing its Ack.
// Handler execution is not bounded.
func WithIOTimeout(timeout time.Duration) ChannelOption {
	return func(c *Channel) {
		c.ioTimeout = timeout
	}
}

// Channel accepts control connections and performs exactly one
// request/response cycle on each: read one command, check its family,
// dispatch it by type and write back an Ack. The connection is closed on
// every path. By default connections are served one at a time.
type Channel struct {
	family   Family
	listener net.Listener
	logger   *zap.Logger

	concurrent   bool
	maxFrameSize int
	ioTimeout    time.Duration

	mu       sync.RWMutex
	handlers map[Type]Handler

	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewChannel listens on addr for commands of the given family.
func NewChannel(addr string, family Family, opts ...ChannelOption) (*Channel, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Annotatef(err, "listen on %s", addr)
	}
	return NewChannelWithListener(l, family, opts...), nil
}

// NewChannelWithListener creates a Channel over an existing listener, the
// channel takes ownership of it.
func NewChannelWithListener(l net.Listener, family Family, opts ...ChannelOption) *Channel {
	c := &Channel{
		family:       family,
		listener:     l,
		logger:       log.L(),
		maxFrameSize: DefaultMaxFrameSize,
		handlers:     make(map[Type]Handler),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.Stringer("family", family), zap.String("addr", l.Addr().String()))
	return c
}

// Addr returns the address the channel listens on.
func (c *Channel) Addr() string {
	return c.listener.Addr().String()
}

// Register sets the handler of a command type.
func (c *Channel) Register(tp Type, h Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.handlers[tp]; ok {
		return errors.ErrHandlerAlreadyRegistered.GenWithStackByArgs(tp)
	}
	c.handlers[tp] = h
	return nil
}

func (c *Channel) handler(tp Type) (Handler, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.handlers[tp]
	return h, ok
}

// Run accepts connections until ctx is done or the channel is closed.
func (c *Channel) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		_ = c.listener.Close()
	})
	defer stop()
	defer c.wg.Wait()

	c.logger.Info("protocol channel started", zap.Bool("concurrent", c.concurrent))
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return errors.Trace(ctx.Err())
			}
			if c.closed.Load() {
				return errors.ErrProtocolChannelClosed.GenWithStackByArgs()
			}
			return errors.Trace(err)
		}
		if !c.concurrent {
			c.serve(ctx, conn)
			continue
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.serve(ctx, conn)
		}()
	}
}

// Close stops accepting connections.
func (c *Channel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := c.listener.Close()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return errors.Trace(err)
	}
	return nil
}

func (c *Channel) serve(ctx context.Context, conn net.Conn) {
	logger := c.logger.With(zap.String("remote", conn.RemoteAddr().String()))
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Debug("close connection failed", logutil.ShortError(err))
		}
	}()

	if c.ioTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.ioTimeout))
	}
	cmd, err := ReadCommand(conn, c.maxFrameSize)
	if err != nil {
		logger.Warn("read command failed, drop connection", zap.Error(err))
		return
	}
	if cmd.Family != c.family {
		logger.Error("unexpected command family, drop connection",
			zap.Error(errors.ErrProtocolFamilyMismatch.GenWithStackByArgs(c.family, cmd.Family)))
		return
	}
	if err := cmd.Validate(); err != nil {
		logger.Error("invalid command, drop connection", zap.Error(err))
		return
	}
	h, ok := c.handler(cmd.Type)
	if !ok {
		logger.Error("no handler for command, drop connection",
			zap.Error(errors.ErrProtocolUnknownCommand.GenWithStackByArgs(cmd.Type, cmd.Family)))
		return
	}

	ack := &Ack{OK: true}
	if err := h(ctx, cmd); err != nil {
		logger.Warn("handle command failed", zap.Stringer("command", cmd), zap.Error(err))
		ack = &Ack{Error: err.Error()}
	}
	if c.ioTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.ioTimeout))
	}
	if err := writeAck(conn, ack); err != nil {
		logger.Warn("write ack failed", zap.Stringer("command", cmd), zap.Error(err))
	}
}
