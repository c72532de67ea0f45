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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pingcap/seepflow/model"
	"github.com/pingcap/seepflow/pkg/errors"
)

type recorder struct {
	mu   sync.Mutex
	cmds []*Command
}

func (r *recorder) handle(_ context.Context, cmd *Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds = append(r.cmds, cmd)
	return nil
}

func (r *recorder) received() []*Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Command(nil), r.cmds...)
}

func startChannel(t *testing.T, opts ...ChannelOption) (*Channel, func()) {
	ch, err := NewChannel("127.0.0.1:0", FamilyMasterWorker, opts...)
	require.Nil(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := ch.Run(ctx)
		require.Error(t, err)
	}()
	return ch, func() {
		cancel()
		wg.Wait()
	}
}

func TestChannelDispatchStageStatusFail(t *testing.T) {
	t.Parallel()

	ch, stop := startChannel(t)
	defer stop()
	rec := &recorder{}
	require.Nil(t, ch.Register(TypeStageStatus, rec.handle))
	require.True(t, errors.Is(ch.Register(TypeStageStatus, rec.handle), errors.ErrHandlerAlreadyRegistered))

	schema := model.NewSchema(model.F("w", model.FieldString))
	outputs := map[int][]model.DataReference{
		0: {
			{ID: 1, StreamID: 0, DataStore: model.NewDataStore(model.DataStoreFile, schema, nil)},
			{ID: 2, StreamID: 0, DataStore: model.NewDataStore(model.DataStoreFile, schema, nil)},
		},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := SendSync(ctx, ch.Addr(), NewStageStatusCommand(3, 9, StageStatusFail, outputs, "task failed"))
	require.Nil(t, err)

	cmds := rec.received()
	require.Len(t, cmds, 1)
	status := cmds[0].StageStatus
	require.Equal(t, 3, status.StageID)
	require.Equal(t, 9, status.UnitID)
	require.Equal(t, StageStatusFail, status.Status)
	require.Equal(t, "task failed", status.Message)
	require.Len(t, status.Outputs[0], 2)
	require.Equal(t, 1, status.Outputs[0][0].ID)
	require.Equal(t, 2, status.Outputs[0][1].ID)
}

func TestChannelDropsUnexpected(t *testing.T) {
	t.Parallel()

	ch, stop := startChannel(t)
	defer stop()
	rec := &recorder{}
	require.Nil(t, ch.Register(TypeHandshake, rec.handle))
	require.Nil(t, ch.Register(TypeBootstrap, func(context.Context, *Command) error {
		return errors.ErrExecutionUnitAlreadyExists.GenWithStackByArgs(1)
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// wrong family: no ack, the connection is just closed
	err := SendSync(ctx, ch.Addr(), NewHandshakeCommand(1, 0))
	require.Error(t, err)
	require.False(t, errors.Is(err, errors.ErrProtocolRejected))
	require.Empty(t, rec.received())

	// no handler
	err = SendSync(ctx, ch.Addr(), NewStartQueryCommand())
	require.Error(t, err)

	// garbage
	conn, err := net.Dial("tcp", ch.Addr())
	require.Nil(t, err)
	require.Nil(t, WriteFrame(conn, []byte{0xc1}))
	_, err = readAck(conn)
	require.Error(t, err)
	require.Nil(t, conn.Close())

	// handler error is reported back
	err = SendSync(ctx, ch.Addr(), NewBootstrapCommand(model.EndPoint{ID: 1}))
	require.True(t, errors.Is(err, errors.ErrProtocolRejected))
	require.Contains(t, err.Error(), "already exists")
}

func TestChannelConcurrent(t *testing.T) {
	t.Parallel()

	ch, stop := startChannel(t, WithConcurrent(), WithIOTimeout(5*time.Second))
	defer stop()

	release := make(chan struct{})
	entered := make(chan struct{}, 2)
	require.Nil(t, ch.Register(TypeStartQuery, func(context.Context, *Command) error {
		entered <- struct{}{}
		<-release
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.Nil(t, SendSync(ctx, ch.Addr(), NewStartQueryCommand()))
		}()
	}
	// both handlers run at the same time
	<-entered
	<-entered
	close(release)
	wg.Wait()
}

func TestChannelClose(t *testing.T) {
	t.Parallel()

	ch, err := NewChannel("127.0.0.1:0", FamilyMasterWorker)
	require.Nil(t, err)
	errCh := make(chan error, 1)
	go func() {
		errCh <- ch.Run(context.Background())
	}()
	require.Nil(t, ch.Close())
	require.Nil(t, ch.Close())
	err = <-errCh
	require.True(t, errors.Is(err, errors.ErrProtocolChannelClosed))
}

type fakeConn struct {
	id  int
	err error

	mu   sync.Mutex
	sent []*Command
}

func (c *fakeConn) UnitID() int { return c.id }

func (c *fakeConn) Send(_ context.Context, cmd *Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, cmd)
	return c.err
}

func TestBroadcast(t *testing.T) {
	t.Parallel()

	ok := &fakeConn{id: 1}
	bad := &fakeConn{id: 2, err: errors.New("connection reset")}
	res := Broadcast(context.Background(), []Connection{ok, bad}, NewStopQueryCommand())
	require.Len(t, res, 2)
	require.Nil(t, res[1])
	require.Equal(t, []int{2}, res.Failed())
	err := res.Err(TypeStopQuery)
	require.True(t, errors.Is(err, errors.ErrBroadcastFailed))
	require.Contains(t, err.Error(), "connection reset")
	require.Len(t, ok.sent, 1)
	require.Len(t, bad.sent, 1)

	res = Broadcast(context.Background(), []Connection{ok}, NewStartQueryCommand())
	require.Nil(t, res.Err(TypeStartQuery))
}

func TestTCPConnection(t *testing.T) {
	t.Parallel()

	ch, stop := startChannel(t)
	defer stop()
	rec := &recorder{}
	require.Nil(t, ch.Register(TypeStartQuery, rec.handle))

	conn := NewTCPConnection(&model.EndPoint{ID: 5, ControlAddr: ch.Addr()})
	require.Equal(t, 5, conn.UnitID())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res := Broadcast(ctx, []Connection{conn}, NewStartQueryCommand())
	require.Nil(t, res.Err(TypeStartQuery))
	require.Len(t, rec.received(), 1)

	// nobody listens here anymore
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.Nil(t, err)
	addr := l.Addr().String()
	require.Nil(t, l.Close())
	dead := NewTCPConnection(&model.EndPoint{ID: 6, ControlAddr: addr})
	res = Broadcast(ctx, []Connection{conn, dead}, NewStartQueryCommand())
	require.Equal(t, []int{6}, res.Failed())
}
