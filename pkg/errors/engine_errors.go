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

package errors

import (
	"github.com/pingcap/errors"
)

// all stream runtime errors
var (
	// general errors
	ErrUnknown = errors.Normalize(
		"unknown error",
		errors.RFCCodeText("DFLOW:ErrUnknown"),
	)
	ErrInvalidArgument = errors.Normalize(
		"invalid argument: %s",
		errors.RFCCodeText("DFLOW:ErrInvalidArgument"),
	)

	// ErrClusterResourceNotEnough is the capacity error returned by deploy,
	// it is retryable once more execution units have joined.
	ErrClusterResourceNotEnough = errors.Normalize(
		"cluster resource is not enough, required %d execution units, available %d",
		errors.RFCCodeText("DFLOW:ErrClusterResourceNotEnough"),
	)

	// query lifecycle related errors
	ErrLifecycleViolation = errors.Normalize(
		"attempt to violate application lifecycle: current %s, target %s",
		errors.RFCCodeText("DFLOW:ErrLifecycleViolation"),
	)
	ErrQueryInvalid = errors.Normalize(
		"invalid query: %s",
		errors.RFCCodeText("DFLOW:ErrQueryInvalid"),
	)
	ErrQuerySealed = errors.Normalize(
		"query is sealed and can not be modified",
		errors.RFCCodeText("DFLOW:ErrQuerySealed"),
	)
	ErrQueryComposerNotFound = errors.Normalize(
		"query composer is not found: %s",
		errors.RFCCodeText("DFLOW:ErrQueryComposerNotFound"),
	)
	ErrMappingIncomplete = errors.Normalize(
		"operator %d has no execution unit in mapping",
		errors.RFCCodeText("DFLOW:ErrMappingIncomplete"),
	)
	ErrBroadcastFailed = errors.Normalize(
		"broadcast of %s failed on %d of %d execution units",
		errors.RFCCodeText("DFLOW:ErrBroadcastFailed"),
	)
	ErrReadArtifact = errors.Normalize(
		"read deployable artifact failed: %s",
		errors.RFCCodeText("DFLOW:ErrReadArtifact"),
	)

	// execution unit pool related errors
	ErrExecutionUnitNotFound = errors.Normalize(
		"execution unit %d not found",
		errors.RFCCodeText("DFLOW:ErrExecutionUnitNotFound"),
	)
	ErrExecutionUnitAlreadyExists = errors.Normalize(
		"execution unit %d already exists",
		errors.RFCCodeText("DFLOW:ErrExecutionUnitAlreadyExists"),
	)
	ErrNoAvailableExecutionUnit = errors.Normalize(
		"no available execution unit to lease",
		errors.RFCCodeText("DFLOW:ErrNoAvailableExecutionUnit"),
	)

	// protocol related errors
	ErrProtocolFamilyMismatch = errors.Normalize(
		"unexpected command family: expected %s, got %s",
		errors.RFCCodeText("DFLOW:ErrProtocolFamilyMismatch"),
	)
	ErrProtocolUnknownCommand = errors.Normalize(
		"unknown command type %s in family %s",
		errors.RFCCodeText("DFLOW:ErrProtocolUnknownCommand"),
	)
	ErrProtocolMalformedCommand = errors.Normalize(
		"malformed command: %s",
		errors.RFCCodeText("DFLOW:ErrProtocolMalformedCommand"),
	)
	ErrProtocolFrameTooLarge = errors.Normalize(
		"frame of %d bytes exceeds limit of %d bytes",
		errors.RFCCodeText("DFLOW:ErrProtocolFrameTooLarge"),
	)
	ErrProtocolRejected = errors.Normalize(
		"command rejected by remote: %s",
		errors.RFCCodeText("DFLOW:ErrProtocolRejected"),
	)
	ErrProtocolChannelClosed = errors.Normalize(
		"protocol channel is closed",
		errors.RFCCodeText("DFLOW:ErrProtocolChannelClosed"),
	)
	ErrHandlerAlreadyRegistered = errors.Normalize(
		"handler for command type %s already registered",
		errors.RFCCodeText("DFLOW:ErrHandlerAlreadyRegistered"),
	)

	// materialization related errors
	ErrOperatorNotMapped = errors.Normalize(
		"no operator is mapped to execution unit %d",
		errors.RFCCodeText("DFLOW:ErrOperatorNotMapped"),
	)
	ErrOperatorNotFound = errors.Normalize(
		"operator %d not found in query",
		errors.RFCCodeText("DFLOW:ErrOperatorNotFound"),
	)
	ErrStateNotSupported = errors.Normalize(
		"operator %d is stateful but its task does not accept state",
		errors.RFCCodeText("DFLOW:ErrStateNotSupported"),
	)
	ErrSchemaMismatch = errors.Normalize(
		"schema mismatch on stream %d: %s",
		errors.RFCCodeText("DFLOW:ErrSchemaMismatch"),
	)
	ErrDataStoreUnreachable = errors.Normalize(
		"data store %s unreachable: %s",
		errors.RFCCodeText("DFLOW:ErrDataStoreUnreachable"),
	)
	ErrUnsupportedAdapter = errors.Normalize(
		"no adapter for data store type %s with connection type %s",
		errors.RFCCodeText("DFLOW:ErrUnsupportedAdapter"),
	)
	ErrDataStoreConfigMissing = errors.Normalize(
		"data store %s config is missing key %s",
		errors.RFCCodeText("DFLOW:ErrDataStoreConfigMissing"),
	)
	ErrNotMaterialized = errors.Normalize(
		"task has not been materialized",
		errors.RFCCodeText("DFLOW:ErrNotMaterialized"),
	)
	ErrAlreadyMaterialized = errors.Normalize(
		"task has already been materialized",
		errors.RFCCodeText("DFLOW:ErrAlreadyMaterialized"),
	)
	ErrNoQuery = errors.Normalize(
		"worker has not received any query code",
		errors.RFCCodeText("DFLOW:ErrNoQuery"),
	)

	// data plane related errors
	ErrTupleCodec = errors.Normalize(
		"tuple codec failed: %s",
		errors.RFCCodeText("DFLOW:ErrTupleCodec"),
	)
	ErrFieldNotFound = errors.Normalize(
		"field %s not found in schema",
		errors.RFCCodeText("DFLOW:ErrFieldNotFound"),
	)
	ErrStreamNotFound = errors.Normalize(
		"no output adapter for stream %d",
		errors.RFCCodeText("DFLOW:ErrStreamNotFound"),
	)
	ErrBufferClosed = errors.Normalize(
		"buffer %d is closed",
		errors.RFCCodeText("DFLOW:ErrBufferClosed"),
	)
	ErrUnknownUpstream = errors.Normalize(
		"unknown upstream operator %d on stream %d",
		errors.RFCCodeText("DFLOW:ErrUnknownUpstream"),
	)

	// config related errors
	ErrMasterDecodeConfigFile = errors.Normalize(
		"decode config file failed",
		errors.RFCCodeText("DFLOW:ErrMasterDecodeConfigFile"),
	)
	ErrMasterConfigUnknownItem = errors.Normalize(
		"master config contains unknown configuration options: %s",
		errors.RFCCodeText("DFLOW:ErrMasterConfigUnknownItem"),
	)
	ErrWorkerDecodeConfigFile = errors.Normalize(
		"decode config file failed",
		errors.RFCCodeText("DFLOW:ErrWorkerDecodeConfigFile"),
	)
	ErrWorkerConfigUnknownItem = errors.Normalize(
		"worker config contains unknown configuration options: %s",
		errors.RFCCodeText("DFLOW:ErrWorkerConfigUnknownItem"),
	)
)
