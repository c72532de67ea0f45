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
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pingcap/seepflow/model"
	"github.com/pingcap/seepflow/pkg/errors"
	"github.com/pingcap/seepflow/pkg/protocol"
)

type bootstrapRecorder struct {
	fakeMaster
	eps chan model.EndPoint
}

func (b *bootstrapRecorder) Bootstrap(_ context.Context, ep model.EndPoint) error {
	b.eps <- ep
	return nil
}

func newTestWorker(t *testing.T, dir string) (*Server, *bootstrapRecorder, func()) {
	cfg := GetDefaultWorkerConfig()
	cfg.UnitID = 7
	cfg.WorkerAddr = "127.0.0.1:0"
	cfg.DataAddr = "127.0.0.1:0"
	cfg.MetricsAddr = "127.0.0.1:0"
	cfg.PollTimeoutStr = "10ms"
	require.Nil(t, cfg.Adjust())

	master := &bootstrapRecorder{eps: make(chan model.EndPoint, 1)}
	s, err := NewServer(cfg, WithQueryRegistry(newTestRegistry(t, dir)), WithMasterClient(master))
	require.Nil(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		require.Nil(t, s.Run(ctx))
	}()
	return s, master, func() {
		cancel()
		wg.Wait()
		s.Stop()
	}
}

func TestWorkerServerLifecycle(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "in.txt")
	writeLines(t, src, "x", "y")
	s, master, stop := newTestWorker(t, dir)
	defer stop()

	var ep model.EndPoint
	select {
	case ep = <-master.eps:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not bootstrap")
	}
	require.Equal(t, 7, ep.ID)
	require.Equal(t, s.EndPoint(), ep)
	require.NotContains(t, ep.ControlAddr, ":0")
	require.NotContains(t, ep.DataAddr, ":0")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	send := func(cmd *protocol.Command) error {
		return protocol.SendSync(ctx, ep.ControlAddr, cmd)
	}

	err := send(protocol.NewMaterializeTaskCommand(model.Mapping{1: &ep}))
	require.True(t, errors.Is(err, errors.ErrProtocolRejected))
	code, err := protocol.NewCodeCommand([]byte("jar"), "upper", []string{src})
	require.Nil(t, err)
	require.Nil(t, send(code))
	require.Nil(t, send(protocol.NewMaterializeTaskCommand(model.Mapping{1: &ep})))
	require.Nil(t, send(protocol.NewStartQueryCommand()))

	out := filepath.Join(dir, "out-0")
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(out)
		return err == nil && string(data) == "[\"X\"]\n[\"Y\"]\n"
	}, 5*time.Second, 10*time.Millisecond)

	require.Nil(t, send(protocol.NewScheduleStageCommand(2, nil, nil)))
	require.Equal(t, []int{2}, s.Conductor().Stages())
	require.Nil(t, send(protocol.NewStopQueryCommand()))
	require.False(t, s.Conductor().Engine().Running())
}

func TestWorkerDebugEndpoints(t *testing.T) {
	t.Parallel()

	s, _, stop := newTestWorker(t, t.TempDir())
	defer stop()

	addr := "http://" + s.metricsListener.Addr().String()
	cli := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	for _, path := range []string{"/metrics", "/debug/pprof/", "/debug/pprof/cmdline", "/debug/pprof/symbol"} {
		resp, err := cli.Get(addr + path)
		require.Nil(t, err, path)
		_, err = io.ReadAll(resp.Body)
		require.Nil(t, err)
		require.Nil(t, resp.Body.Close())
		require.Equal(t, http.StatusOK, resp.StatusCode, fmt.Sprintf("path %s", path))
	}
}
