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
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/pingcap/seepflow/model"
	"github.com/pingcap/seepflow/pkg/errors"
	"github.com/pingcap/seepflow/pkg/protocol"
	"github.com/pingcap/seepflow/pkg/registry"
)

var lineSchema = model.NewSchema(model.F("line", model.FieldString))

type report struct {
	stageID int
	unitID  int
	status  protocol.StageStatusCode
	outputs map[int][]model.DataReference
	msg     string
}

type fakeMaster struct {
	mu      sync.Mutex
	reports []report
}

func (m *fakeMaster) Bootstrap(context.Context, model.EndPoint) error { return nil }

func (m *fakeMaster) ReportStageStatus(
	_ context.Context, stageID, unitID int, status protocol.StageStatusCode,
	outputs map[int][]model.DataReference, msg string,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, report{stageID, unitID, status, outputs, msg})
	return nil
}

func (m *fakeMaster) ReportCrash(context.Context, int, string) error { return nil }

func (m *fakeMaster) MasterAddr() string { return "" }

func (m *fakeMaster) get() []report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]report(nil), m.reports...)
}

// upper writes every line upper cased, failing on "boom".
type upper struct {
	model.BaseTask
	setUp  bool
	closed bool
}

func (u *upper) SetUp() error {
	u.setUp = true
	return nil
}

func (u *upper) ProcessData(data *model.Tuple, api model.API) error {
	line, err := data.GetString("line")
	if err != nil {
		return err
	}
	if line == "boom" {
		return errors.New("boom")
	}
	return api.Send(model.MustNewTuple(lineSchema, strings.ToUpper(line)))
}

func (u *upper) Close() error {
	u.closed = true
	return nil
}

type statelessTask struct {
	model.BaseTask
}

func newTestRegistry(t *testing.T, dir string) registry.Registry {
	r := registry.NewRegistry()
	r.MustRegister("upper", func(args []string) (*model.Query, error) {
		q := model.NewQuery("upper")
		if _, err := q.AddOperator(1, "upper", &upper{}); err != nil {
			return nil, err
		}
		if err := q.ReadFrom(1, 1, model.NewDataStore(model.DataStoreFile, lineSchema,
			map[string]string{model.ConfigFilePath: args[0]})); err != nil {
			return nil, err
		}
		err := q.WriteTo(1, 2, model.NewDataStore(model.DataStoreFile, lineSchema,
			map[string]string{model.ConfigFilePath: filepath.Join(dir, "out-")}))
		return q, err
	})
	r.MustRegister("stateful", func([]string) (*model.Query, error) {
		q := model.NewQuery("stateful")
		if _, err := q.AddOperator(1, "op", statelessTask{}); err != nil {
			return nil, err
		}
		return q, q.WithState(1, 42)
	})
	return r
}

func newTestConductor(t *testing.T, task string, args ...string) (*Conductor, *fakeMaster, string) {
	dir := t.TempDir()
	master := &fakeMaster{}
	c := NewConductor(ConductorConfig{UnitID: 7, PollTimeout: 10 * time.Millisecond}, newTestRegistry(t, dir), master)
	cmd, err := protocol.NewCodeCommand([]byte("artifact"), task, args)
	require.Nil(t, err)
	require.Nil(t, c.LoadCode(cmd.Code))
	require.Equal(t, []byte("artifact"), c.Artifact())
	return c, master, dir
}

func writeLines(t *testing.T, path string, lines ...string) {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(`["` + l + `"]` + "\n")
	}
	require.Nil(t, os.WriteFile(path, []byte(b.String()), 0o644))
}

func TestMaterializeAndRun(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "in.txt")
	writeLines(t, src, "a", "b", "c")
	c, master, outDir := newTestConductor(t, "upper", src)
	ctx := context.Background()

	require.True(t, errors.Is(c.Start(ctx), errors.ErrNotMaterialized))
	require.Nil(t, c.Materialize(ctx, model.Mapping{1: {ID: 7}}))
	require.True(t, errors.Is(c.Materialize(ctx, model.Mapping{1: {ID: 7}}), errors.ErrAlreadyMaterialized))
	op := c.Operator()
	require.NotNil(t, op)
	require.True(t, op.Task.(*upper).setUp)

	require.Nil(t, c.Start(ctx))
	out := filepath.Join(outDir, "out-0")
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(out)
		return err == nil && string(data) == "[\"A\"]\n[\"B\"]\n[\"C\"]\n"
	}, 5*time.Second, 10*time.Millisecond)
	require.Nil(t, c.Stop())
	require.True(t, op.Task.(*upper).closed)
	require.Empty(t, master.get())
}

func TestMaterializeFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	c := NewConductor(ConductorConfig{UnitID: 7}, registry.NewRegistry(), &fakeMaster{})
	require.True(t, errors.Is(c.Materialize(ctx, model.Mapping{}), errors.ErrNoQuery))
	cmd, err := protocol.NewCodeCommand(nil, "missing", nil)
	require.Nil(t, err)
	require.True(t, errors.Is(c.LoadCode(cmd.Code), errors.ErrQueryComposerNotFound))

	// this unit hosts no operator
	c, master, _ := newTestConductor(t, "upper", "in")
	err = c.Materialize(ctx, model.Mapping{1: {ID: 8}})
	require.True(t, errors.Is(err, errors.ErrOperatorNotMapped))
	reports := master.get()
	require.Len(t, reports, 1)
	require.Equal(t, protocol.StageStatusFail, reports[0].status)
	require.Equal(t, 7, reports[0].unitID)
	require.Equal(t, model.ExternalOperatorID, reports[0].stageID)
	require.Nil(t, c.Operator())

	// source file does not exist
	err = c.Materialize(ctx, model.Mapping{1: {ID: 7}})
	require.True(t, errors.Is(err, errors.ErrDataStoreUnreachable))
	reports = master.get()
	require.Len(t, reports, 2)
	require.Equal(t, 1, reports[1].stageID)
	require.Nil(t, c.Operator())
	require.Nil(t, c.Stop())

	c, master, _ = newTestConductor(t, "stateful")
	err = c.Materialize(ctx, model.Mapping{1: {ID: 7}})
	require.True(t, errors.Is(err, errors.ErrStateNotSupported))
	require.Len(t, master.get(), 1)
}

func TestTaskFailureIsReported(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "in.txt")
	writeLines(t, src, "a", "boom")
	c, master, _ := newTestConductor(t, "upper", src)
	ctx := context.Background()
	require.Nil(t, c.Materialize(ctx, model.Mapping{1: {ID: 7}}))
	require.Nil(t, c.Start(ctx))
	require.Eventually(t, func() bool {
		return len(master.get()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	r := master.get()[0]
	require.Equal(t, protocol.StageStatusFail, r.status)
	require.Contains(t, r.msg, "boom")
	require.False(t, c.Engine().Running())
	require.Nil(t, c.Stop())
}

// pump emits a line on every call, it has no inputs.
type pump struct {
	model.BaseTask
	calls atomic.Int64
}

func (p *pump) ProcessData(_ *model.Tuple, api model.API) error {
	p.calls.Inc()
	return api.Send(model.MustNewTuple(lineSchema, "x"))
}

// newPumpConductor materializes a pump whose only downstream operator
// listens on an address nothing accepts on.
func newPumpConductor(t *testing.T, dialTimeout time.Duration) (*Conductor, *fakeMaster, *pump) {
	p := &pump{}
	r := registry.NewRegistry()
	r.MustRegister("pump", func([]string) (*model.Query, error) {
		q := model.NewQuery("pump")
		if _, err := q.AddOperator(1, "pump", p); err != nil {
			return nil, err
		}
		if _, err := q.AddOperator(2, "sink", statelessTask{}); err != nil {
			return nil, err
		}
		return q, q.Connect(1, 2, 1, model.ConnectionOneAtATime,
			model.NewDataStore(model.DataStoreNetwork, lineSchema, nil))
	})
	master := &fakeMaster{}
	c := NewConductor(ConductorConfig{
		UnitID:      7,
		PollTimeout: 10 * time.Millisecond,
		BatchSize:   1,
		MaxFrames:   1,
		DialTimeout: dialTimeout,
	}, r, master)
	cmd, err := protocol.NewCodeCommand(nil, "pump", nil)
	require.Nil(t, err)
	require.Nil(t, c.LoadCode(cmd.Code))
	mapping := model.Mapping{
		1: {ID: 7},
		2: {ID: 8, DataAddr: "127.0.0.1:1"},
	}
	require.Nil(t, c.Materialize(context.Background(), mapping))
	return c, master, p
}

func TestStopWithBlockedOutput(t *testing.T) {
	t.Parallel()

	c, master, p := newPumpConductor(t, time.Minute)
	ctx := context.Background()
	require.Nil(t, c.Start(ctx))
	// the second frame waits for room that never comes
	require.Eventually(t, func() bool {
		return p.calls.Load() >= 2
	}, 5*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int64(2), p.calls.Load())

	stopped := make(chan error, 1)
	go func() {
		stopped <- c.Stop()
	}()
	select {
	case err := <-stopped:
		require.Nil(t, err)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "stop blocked on a full output")
	}
	require.False(t, c.Engine().Running())
	require.Empty(t, master.get())

	// the unit can be materialized again
	require.Nil(t, c.Operator())
	require.True(t, errors.Is(c.Start(ctx), errors.ErrNotMaterialized))
	require.Nil(t, c.Stop())
}

func TestSelectorFailureIsReported(t *testing.T) {
	t.Parallel()

	c, master, _ := newPumpConductor(t, 100*time.Millisecond)
	require.Nil(t, c.Start(context.Background()))
	require.Eventually(t, func() bool {
		return len(master.get()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	r := master.get()[0]
	require.Equal(t, protocol.StageStatusFail, r.status)
	require.Equal(t, 1, r.stageID)
	require.Equal(t, 7, r.unitID)
	require.Eventually(t, func() bool {
		return !c.Engine().Running()
	}, 5*time.Second, 10*time.Millisecond)

	err := c.Stop()
	require.True(t, errors.Is(err, errors.ErrDataStoreUnreachable))
	require.Len(t, master.get(), 1)
}

func TestScheduleStage(t *testing.T) {
	t.Parallel()

	c := NewConductor(ConductorConfig{UnitID: 7}, registry.NewRegistry(), &fakeMaster{})
	require.True(t, errors.Is(c.ScheduleStage(context.Background(), &protocol.ScheduleStage{}), errors.ErrNoQuery))

	c, master, _ := newTestConductor(t, "upper", "in")
	outputs := map[int][]model.DataReference{
		2: {{ID: 0, StreamID: 2, DataStore: model.NewDataStore(model.DataStoreFile, lineSchema, nil)}},
	}
	require.Nil(t, c.ScheduleStage(context.Background(), &protocol.ScheduleStage{StageID: 3, Outputs: outputs}))
	require.Nil(t, c.ScheduleStage(context.Background(), &protocol.ScheduleStage{StageID: 1}))
	require.Equal(t, []int{1, 3}, c.Stages())
	reports := master.get()
	require.Len(t, reports, 2)
	require.Equal(t, protocol.StageStatusOK, reports[0].status)
	require.Equal(t, outputs, reports[0].outputs)
}
