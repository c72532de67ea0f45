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

package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pingcap/seepflow/model"
	"github.com/pingcap/seepflow/pkg/errors"
	"github.com/pingcap/seepflow/pkg/protocol"
)

func TestBootstrapRetries(t *testing.T) {
	t.Parallel()

	c := NewMasterClient("master:3500", time.Second, 5*time.Second)
	var (
		mu    sync.Mutex
		calls int
	)
	c.send = func(_ context.Context, addr string, cmd *protocol.Command) error {
		mu.Lock()
		defer mu.Unlock()
		require.Equal(t, "master:3500", addr)
		require.Equal(t, protocol.TypeBootstrap, cmd.Type)
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	}
	require.Nil(t, c.Bootstrap(context.Background(), model.EndPoint{ID: 1}))
	require.Equal(t, 3, calls)
}

func TestBootstrapRejected(t *testing.T) {
	t.Parallel()

	c := NewMasterClient("master:3500", time.Second, 5*time.Second)
	calls := 0
	c.send = func(context.Context, string, *protocol.Command) error {
		calls++
		return errors.ErrProtocolRejected.GenWithStackByArgs("unit exists")
	}
	err := c.Bootstrap(context.Background(), model.EndPoint{ID: 1})
	require.True(t, errors.Is(err, errors.ErrProtocolRejected))
	require.Equal(t, 1, calls)
}

func TestBootstrapCanceled(t *testing.T) {
	t.Parallel()

	c := NewMasterClient("master:3500", time.Second, time.Minute)
	c.send = func(context.Context, string, *protocol.Command) error {
		return errors.New("connection refused")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	require.Error(t, c.Bootstrap(ctx, model.EndPoint{ID: 1}))
}

func TestReportStageStatus(t *testing.T) {
	t.Parallel()

	ch, err := protocol.NewChannel("127.0.0.1:0", protocol.FamilyMasterWorker)
	require.Nil(t, err)
	received := make(chan *protocol.StageStatus, 1)
	require.Nil(t, ch.Register(protocol.TypeStageStatus, func(_ context.Context, cmd *protocol.Command) error {
		received <- cmd.StageStatus
		return nil
	}))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ch.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	c := NewMasterClient(ch.Addr(), 0, 0)
	require.Equal(t, ch.Addr(), c.MasterAddr())
	require.Nil(t, c.ReportStageStatus(context.Background(), 2, 5, protocol.StageStatusOK, nil, ""))
	status := <-received
	require.Equal(t, 2, status.StageID)
	require.Equal(t, 5, status.UnitID)

	// no crash handler on this channel, the command is dropped
	require.Error(t, c.ReportCrash(context.Background(), 5, "boom"))
}
