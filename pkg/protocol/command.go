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
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zstd"

	"github.com/pingcap/seepflow/model"
	"github.com/pingcap/seepflow/pkg/errors"
)

// Family groups the commands understood by one side of a connection.
type Family int8

// command families
const (
	FamilyUnknown Family = iota
	// FamilyMasterWorker covers control traffic between master and workers,
	// in both directions.
	FamilyMasterWorker
	// FamilyWorkerWorker covers the data plane handshake between workers.
	FamilyWorkerWorker
)

func (f Family) String() string {
	switch f {
	case FamilyMasterWorker:
		return "MASTER_WORKER"
	case FamilyWorkerWorker:
		return "WORKER_WORKER"
	default:
		return fmt.Sprintf("Family(%d)", int8(f))
	}
}

// Type identifies a command within its family.
type Type int8

// command types
const (
	TypeUnknown Type = iota
	TypeBootstrap
	TypeCode
	TypeMaterializeTask
	TypeStartQuery
	TypeStopQuery
	TypeScheduleStage
	TypeStageStatus
	TypeCrash
	TypeDeadWorker
	TypeHandshake
)

var typeNames = map[Type]string{
	TypeBootstrap:       "BOOTSTRAP",
	TypeCode:            "CODE",
	TypeMaterializeTask: "MATERIALIZE_TASK",
	TypeStartQuery:      "START_QUERY",
	TypeStopQuery:       "STOP_QUERY",
	TypeScheduleStage:   "SCHEDULE_STAGE",
	TypeStageStatus:     "STAGE_STATUS",
	TypeCrash:           "CRASH",
	TypeDeadWorker:      "DEADWORKER",
	TypeHandshake:       "HANDSHAKE",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Type(%d)", int8(t))
}

// familyOf is the family every known type belongs to.
var familyOf = map[Type]Family{
	TypeBootstrap:       FamilyMasterWorker,
	TypeCode:            FamilyMasterWorker,
	TypeMaterializeTask: FamilyMasterWorker,
	TypeStartQuery:      FamilyMasterWorker,
	TypeStopQuery:       FamilyMasterWorker,
	TypeScheduleStage:   FamilyMasterWorker,
	TypeStageStatus:     FamilyMasterWorker,
	TypeCrash:           FamilyMasterWorker,
	TypeDeadWorker:      FamilyMasterWorker,
	TypeHandshake:       FamilyWorkerWorker,
}

// StageStatusCode is the outcome reported for a stage.
type StageStatusCode int8

// stage status codes
const (
	StageStatusOK StageStatusCode = iota
	StageStatusFail
)

func (s StageStatusCode) String() string {
	switch s {
	case StageStatusOK:
		return "OK"
	case StageStatusFail:
		return "FAIL"
	default:
		return fmt.Sprintf("StageStatusCode(%d)", int8(s))
	}
}

// Bootstrap registers a worker execution unit with the master.
type Bootstrap struct {
	EndPoint model.EndPoint `msgpack:"end-point"`
}

// Code ships the deployable artifact and identifies the query to compose.
// Artifact is zstd compressed.
type Code struct {
	Artifact []byte   `msgpack:"artifact"`
	RawSize  int      `msgpack:"raw-size"`
	TaskName string   `msgpack:"task-name"`
	Args     []string `msgpack:"args"`
}

// MaterializeTask carries the full operator to execution unit mapping.
type MaterializeTask struct {
	Mapping model.Mapping `msgpack:"mapping"`
}

// ScheduleStage asks a worker to run a stage over the given references,
// keyed by stream id.
type ScheduleStage struct {
	StageID int                           `msgpack:"stage-id"`
	Inputs  map[int][]model.DataReference `msgpack:"inputs"`
	Outputs map[int][]model.DataReference `msgpack:"outputs"`
}

// StageStatus reports the outcome of a stage or of a materialization.
type StageStatus struct {
	StageID int             `msgpack:"stage-id"`
	UnitID  int             `msgpack:"unit-id"`
	Status  StageStatusCode `msgpack:"status"`
	// Outputs are the references produced by the stage, keyed by stream id.
	Outputs map[int][]model.DataReference `msgpack:"outputs"`
	Message string                        `msgpack:"message"`
}

// Crash informs the master that a worker hit an unrecoverable error.
type Crash struct {
	UnitID int    `msgpack:"unit-id"`
	Reason string `msgpack:"reason"`
}

// DeadWorker reports an execution unit as failed.
type DeadWorker struct {
	UnitID int    `msgpack:"unit-id"`
	Reason string `msgpack:"reason"`
}

// Handshake opens a data connection between two workers.
type Handshake struct {
	OperatorID int `msgpack:"operator-id"`
	StreamID   int `msgpack:"stream-id"`
}

// Command is the envelope of every control message. Exactly the payload
// matching Type is set. Commands are not modified once built.
type Command struct {
	Family Family `msgpack:"family"`
	Type   Type   `msgpack:"type"`

	Bootstrap       *Bootstrap       `msgpack:"bootstrap,omitempty"`
	Code            *Code            `msgpack:"code,omitempty"`
	MaterializeTask *MaterializeTask `msgpack:"materialize-task,omitempty"`
	ScheduleStage   *ScheduleStage   `msgpack:"schedule-stage,omitempty"`
	StageStatus     *StageStatus     `msgpack:"stage-status,omitempty"`
	Crash           *Crash           `msgpack:"crash,omitempty"`
	DeadWorker      *DeadWorker      `msgpack:"dead-worker,omitempty"`
	Handshake       *Handshake       `msgpack:"handshake,omitempty"`
}

func newCommand(tp Type) *Command {
	return &Command{Family: familyOf[tp], Type: tp}
}

// NewBootstrapCommand builds a Bootstrap command.
func NewBootstrapCommand(ep model.EndPoint) *Command {
	cmd := newCommand(TypeBootstrap)
	cmd.Bootstrap = &Bootstrap{EndPoint: ep}
	return cmd
}

// NewCodeCommand builds a Code command, the artifact is compressed.
func NewCodeCommand(artifact []byte, taskName string, args []string) (*Command, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer enc.Close()

	cmd := newCommand(TypeCode)
	cmd.Code = &Code{
		Artifact: enc.EncodeAll(artifact, nil),
		RawSize:  len(artifact),
		TaskName: taskName,
		Args:     append([]string(nil), args...),
	}
	return cmd, nil
}

// DecodeArtifact returns the uncompressed artifact.
func (c *Code) DecodeArtifact() ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer dec.Close()

	raw, err := dec.DecodeAll(c.Artifact, make([]byte, 0, c.RawSize))
	if err != nil {
		return nil, errors.WrapError(errors.ErrProtocolMalformedCommand, err, "artifact")
	}
	return raw, nil
}

// ArtifactSize returns the human readable raw and compressed sizes.
func (c *Code) ArtifactSize() string {
	return fmt.Sprintf("%s (%s compressed)",
		humanize.Bytes(uint64(c.RawSize)), humanize.Bytes(uint64(len(c.Artifact))))
}

// NewMaterializeTaskCommand builds a MaterializeTask command.
func NewMaterializeTaskCommand(mapping model.Mapping) *Command {
	cmd := newCommand(TypeMaterializeTask)
	m := make(model.Mapping, len(mapping))
	for k, v := range mapping {
		m[k] = v
	}
	cmd.MaterializeTask = &MaterializeTask{Mapping: m}
	return cmd
}

// NewStartQueryCommand builds a StartQuery command.
func NewStartQueryCommand() *Command {
	return newCommand(TypeStartQuery)
}

// NewStopQueryCommand builds a StopQuery command.
func NewStopQueryCommand() *Command {
	return newCommand(TypeStopQuery)
}

// NewScheduleStageCommand builds a ScheduleStage command.
func NewScheduleStageCommand(stageID int, inputs, outputs map[int][]model.DataReference) *Command {
	cmd := newCommand(TypeScheduleStage)
	cmd.ScheduleStage = &ScheduleStage{StageID: stageID, Inputs: inputs, Outputs: outputs}
	return cmd
}

// NewStageStatusCommand builds a StageStatus command.
func NewStageStatusCommand(
	stageID, unitID int, status StageStatusCode, outputs map[int][]model.DataReference, msg string,
) *Command {
	cmd := newCommand(TypeStageStatus)
	cmd.StageStatus = &StageStatus{
		StageID: stageID,
		UnitID:  unitID,
		Status:  status,
		Outputs: outputs,
		Message: msg,
	}
	return cmd
}

// NewCrashCommand builds a Crash command.
func NewCrashCommand(unitID int, reason string) *Command {
	cmd := newCommand(TypeCrash)
	cmd.Crash = &Crash{UnitID: unitID, Reason: reason}
	return cmd
}

// NewDeadWorkerCommand builds a DeadWorker command.
func NewDeadWorkerCommand(unitID int, reason string) *Command {
	cmd := newCommand(TypeDeadWorker)
	cmd.DeadWorker = &DeadWorker{UnitID: unitID, Reason: reason}
	return cmd
}

// NewHandshakeCommand builds a Handshake command.
func NewHandshakeCommand(opID, streamID int) *Command {
	cmd := newCommand(TypeHandshake)
	cmd.Handshake = &Handshake{OperatorID: opID, StreamID: streamID}
	return cmd
}

// Validate checks the type belongs to the family and the matching payload is
// present.
func (c *Command) Validate() error {
	family, ok := familyOf[c.Type]
	if !ok || family != c.Family {
		return errors.ErrProtocolUnknownCommand.GenWithStackByArgs(c.Type, c.Family)
	}
	var present bool
	switch c.Type {
	case TypeBootstrap:
		present = c.Bootstrap != nil
	case TypeCode:
		present = c.Code != nil
	case TypeMaterializeTask:
		present = c.MaterializeTask != nil
	case TypeScheduleStage:
		present = c.ScheduleStage != nil
	case TypeStageStatus:
		present = c.StageStatus != nil
	case TypeCrash:
		present = c.Crash != nil
	case TypeDeadWorker:
		present = c.DeadWorker != nil
	case TypeHandshake:
		present = c.Handshake != nil
	case TypeStartQuery, TypeStopQuery:
		present = true
	}
	if !present {
		return errors.ErrProtocolMalformedCommand.GenWithStackByArgs(
			fmt.Sprintf("%s command without payload", c.Type))
	}
	return nil
}

func (c *Command) String() string {
	return fmt.Sprintf("%s/%s", c.Family, c.Type)
}

// Ack is the response written back for every handled command.
type Ack struct {
	OK    bool   `msgpack:"ok"`
	Error string `msgpack:"error,omitempty"`
}
