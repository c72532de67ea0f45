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
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/pingcap/seepflow/model"
	"github.com/pingcap/seepflow/pkg/errors"
	"github.com/pingcap/seepflow/pkg/protocol"
)

func newTestServer(t *testing.T, metrics bool) (*Server, func()) {
	cfg := GetDefaultMasterConfig()
	cfg.MasterAddr = "127.0.0.1:0"
	if metrics {
		cfg.MetricsAddr = "127.0.0.1:0"
	}
	require.Nil(t, cfg.Adjust())
	s, err := NewServer(cfg)
	require.Nil(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		require.Nil(t, s.Run(ctx))
	}()
	return s, func() {
		cancel()
		wg.Wait()
	}
}

func TestServerHandlers(t *testing.T) {
	t.Parallel()

	s, stop := newTestServer(t, false)
	defer stop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ep := model.EndPoint{ID: 1, ControlAddr: "127.0.0.1:7001", DataAddr: "127.0.0.1:7002"}
	require.Nil(t, protocol.SendSync(ctx, s.Addr(), protocol.NewBootstrapCommand(ep)))
	require.Nil(t, protocol.SendSync(ctx, s.Addr(), protocol.NewBootstrapCommand(ep)))
	other := ep
	other.ControlAddr = "127.0.0.1:9999"
	err := protocol.SendSync(ctx, s.Addr(), protocol.NewBootstrapCommand(other))
	require.True(t, errors.Is(err, errors.ErrProtocolRejected))
	require.Equal(t, 1, s.Pool().AvailableUnitCount())

	schema := model.NewSchema(model.F("w", model.FieldString))
	outputs := map[int][]model.DataReference{
		0: {{ID: 1, DataStore: model.NewDataStore(model.DataStoreFile, schema, nil)}},
	}
	status := protocol.NewStageStatusCommand(4, 1, protocol.StageStatusFail, outputs, "materialization failed")
	require.Nil(t, protocol.SendSync(ctx, s.Addr(), status))
	statuses := s.Coordinator().StageStatuses()
	require.Len(t, statuses, 1)
	require.Equal(t, protocol.StageStatusFail, statuses[0].Status)
	require.Equal(t, "materialization failed", statuses[0].Message)
	require.Len(t, statuses[0].Outputs[0], 1)

	require.Nil(t, protocol.SendSync(ctx, s.Addr(), protocol.NewCrashCommand(1, "panic")))
	require.Equal(t, 1, s.Pool().AvailableUnitCount())

	require.Nil(t, protocol.SendSync(ctx, s.Addr(), protocol.NewDeadWorkerCommand(1, "heartbeat lost")))
	require.Equal(t, 0, s.Pool().AvailableUnitCount())
	err = protocol.SendSync(ctx, s.Addr(), protocol.NewDeadWorkerCommand(1, "again"))
	require.True(t, errors.Is(err, errors.ErrProtocolRejected))
}

func TestServerStatusEndpoint(t *testing.T) {
	t.Parallel()

	s, stop := newTestServer(t, true)
	defer stop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ep := model.EndPoint{ID: 3, ControlAddr: "127.0.0.1:7001"}
	require.Nil(t, protocol.SendSync(ctx, s.Addr(), protocol.NewBootstrapCommand(ep)))

	resp, err := http.Get("http://" + s.metricsListener.Addr().String() + "/status")
	require.Nil(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.Nil(t, err)

	var status statusResponse
	require.Nil(t, json.Unmarshal(body, &status))
	require.Equal(t, "UNDEFINED", status.Status)
	require.Len(t, status.Units, 1)
	require.Equal(t, 3, status.Units[0].ID)

	resp2, err := http.Get("http://" + s.metricsListener.Addr().String() + "/metrics")
	require.Nil(t, err)
	defer resp2.Body.Close()
	body, err = io.ReadAll(resp2.Body)
	require.Nil(t, err)
	require.Contains(t, string(body), "seepflow_server_master_execution_unit_num")
}
