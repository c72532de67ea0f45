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
	"io"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/pingcap/seepflow/executor/input"
	"github.com/pingcap/seepflow/executor/output"
	"github.com/pingcap/seepflow/model"
	"github.com/pingcap/seepflow/pkg/errors"
	"github.com/pingcap/seepflow/pkg/logutil"
	"github.com/pingcap/seepflow/pkg/protocol"
)

type upstreamKey struct {
	opID     int
	streamID int
}

// NetworkSelector moves frames between operators over TCP. Upstream
// operators dial the data address of this unit, send a handshake naming
// themselves and then stream length delimited frames.
type NetworkSelector struct {
	*runner
	opts     Options
	inputs   map[upstreamKey]*input.InputBuffer
	outputs  []*output.OutputBuffer
	listener net.Listener
	// shared is true when the listener is owned by the caller
	shared bool
	// warnLimiter throttles the warnings about broken upstream connections
	warnLimiter *rate.Limiter
}

// NewNetworkSelector creates a NetworkSelector.
func NewNetworkSelector(ins []*input.InputBuffer, outs []*output.OutputBuffer, opts Options) *NetworkSelector {
	opts.adjust()
	inputs := make(map[upstreamKey]*input.InputBuffer, len(ins))
	for _, b := range ins {
		inputs[upstreamKey{opID: b.Ref().ID, streamID: b.Ref().StreamID}] = b
	}
	return &NetworkSelector{
		runner:      newRunner(outs, opts.Logger.With(zap.String("selector", "network"))),
		opts:        opts,
		inputs:      inputs,
		outputs:     outs,
		warnLimiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

// Type implements Selector.Type
func (s *NetworkSelector) Type() model.DataStoreType {
	return model.DataStoreNetwork
}

// Init implements Selector.Init
func (s *NetworkSelector) Init(_ context.Context) error {
	if len(s.inputs) == 0 {
		return nil
	}
	if s.opts.Listener != nil {
		s.listener, s.shared = s.opts.Listener, true
		return nil
	}
	l, err := net.Listen("tcp", s.opts.DataAddr)
	if err != nil {
		return errors.ErrDataStoreUnreachable.GenWithStackByArgs(model.DataStoreNetwork, err.Error())
	}
	s.listener = l
	s.logger.Info("data listener started", zap.String("addr", l.Addr().String()))
	return nil
}

// Addr returns the address the selector listens on, empty if it has no
// inputs.
func (s *NetworkSelector) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start implements Selector.Start
func (s *NetworkSelector) Start(ctx context.Context) error {
	ctx, eg := s.start(ctx)
	if s.listener != nil {
		l := s.listener
		context.AfterFunc(ctx, func() { s.closeListener(time.Now()) })
		eg.Go(func() error {
			return s.accept(ctx, eg, l)
		})
	}
	for _, buf := range s.outputs {
		buf := buf
		eg.Go(func() error {
			return s.send(ctx, buf)
		})
	}
	return nil
}

// Stop implements Selector.Stop
func (s *NetworkSelector) Stop() error {
	err := s.stop()
	if s.listener != nil {
		s.closeListener(time.Time{})
	}
	return err
}

// closeListener closes an owned listener. A shared one only gets its
// accept deadline set so that it can serve the next task.
func (s *NetworkSelector) closeListener(deadline time.Time) {
	if !s.shared {
		_ = s.listener.Close()
		return
	}
	if d, ok := s.listener.(interface{ SetDeadline(time.Time) error }); ok {
		_ = d.SetDeadline(deadline)
	}
}

func (s *NetworkSelector) accept(ctx context.Context, eg *errgroup.Group, l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Trace(err)
		}
		eg.Go(func() error {
			s.serve(ctx, conn)
			return nil
		})
	}
}

// serve reads one upstream connection until it is closed. A broken
// connection only affects its own buffer.
func (s *NetworkSelector) serve(ctx context.Context, conn net.Conn) {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		stop()
		_ = conn.Close()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(s.opts.IOTimeout))
	cmd, err := protocol.ReadCommand(conn, s.opts.MaxFrameSize)
	if err == nil {
		err = cmd.Validate()
	}
	if err == nil && cmd.Type != protocol.TypeHandshake {
		err = errors.ErrProtocolUnknownCommand.GenWithStackByArgs(cmd.Type, cmd.Family)
	}
	if err != nil {
		s.warn("drop data connection", zap.Stringer("remote", conn.RemoteAddr()), logutil.ShortError(err))
		return
	}
	hs := cmd.Handshake
	buf, ok := s.inputs[upstreamKey{opID: hs.OperatorID, streamID: hs.StreamID}]
	if !ok {
		err := errors.ErrUnknownUpstream.GenWithStackByArgs(hs.OperatorID, hs.StreamID)
		s.warn("drop data connection", logutil.ShortError(err))
		return
	}
	_ = conn.SetReadDeadline(time.Time{})
	s.logger.Info("upstream connected",
		zap.Int("upstream", hs.OperatorID), zap.Int("stream-id", hs.StreamID))

	for {
		frame, err := protocol.ReadFrame(conn, s.opts.MaxFrameSize)
		if err != nil {
			if ctx.Err() == nil && errors.Cause(err) != io.EOF {
				s.warn("read upstream frame failed",
					zap.Int("upstream", hs.OperatorID), logutil.ShortError(err))
			}
			return
		}
		if err := buf.Push(ctx, frame); err != nil {
			return
		}
	}
}

func (s *NetworkSelector) warn(msg string, fields ...zap.Field) {
	if s.warnLimiter.Allow() {
		s.logger.Warn(msg, fields...)
	}
}

// send dials the downstream operator of buf and writes its frames.
func (s *NetworkSelector) send(ctx context.Context, buf *output.OutputBuffer) error {
	ref := buf.Ref()
	conn, err := s.dial(ctx, ref)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer conn.Close()

	_ = conn.SetWriteDeadline(time.Now().Add(s.opts.IOTimeout))
	if err := protocol.WriteCommand(conn, protocol.NewHandshakeCommand(s.opts.OperatorID, ref.StreamID)); err != nil {
		return errors.ErrDataStoreUnreachable.GenWithStackByArgs(model.DataStoreNetwork, err.Error())
	}
	s.logger.Info("downstream connected", zap.Stringer("ref", ref))
	return s.drain(ctx, buf, func(_ context.Context, frame []byte) error {
		_ = conn.SetWriteDeadline(time.Now().Add(s.opts.IOTimeout))
		return protocol.WriteFrame(conn, frame)
	})
}

func (s *NetworkSelector) dial(ctx context.Context, ref *model.DataReference) (net.Conn, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = time.Second
	bo.MaxElapsedTime = s.opts.DialTimeout

	var conn net.Conn
	dialer := net.Dialer{Timeout: s.opts.IOTimeout}
	err := backoff.Retry(func() error {
		var err error
		conn, err = dialer.DialContext(ctx, "tcp", ref.EndPoint.DataAddr)
		return err
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return nil, errors.ErrDataStoreUnreachable.GenWithStackByArgs(ref.DataStore, err.Error())
	}
	return conn, nil
}
