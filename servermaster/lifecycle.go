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
	"fmt"

	"go.uber.org/atomic"

	"github.com/pingcap/seepflow/pkg/errors"
)

// AppStatus is the application wide state of the master.
type AppStatus int32

// Application states in their only allowed order.
const (
	AppStatusUndefined AppStatus = iota
	AppStatusQuerySubmitted
	AppStatusQueryDeployed
	AppStatusQueryRunning
	AppStatusQueryStopped
)

var appStatusNames = map[AppStatus]string{
	AppStatusUndefined:      "UNDEFINED",
	AppStatusQuerySubmitted: "QUERY_SUBMITTED",
	AppStatusQueryDeployed:  "QUERY_DEPLOYED",
	AppStatusQueryRunning:   "QUERY_RUNNING",
	AppStatusQueryStopped:   "QUERY_STOPPED",
}

func (s AppStatus) String() string {
	if name, ok := appStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("AppStatus(%d)", int32(s))
}

// Lifecycle tracks the application status.
//
//	UNDEFINED -> QUERY_SUBMITTED -> QUERY_DEPLOYED -> QUERY_RUNNING -> QUERY_STOPPED
//
// A state may only move to its immediate successor, QUERY_STOPPED is
// terminal. There is a single writer, the Coordinator; readers such as status
// reporting may call Status concurrently.
type Lifecycle struct {
	status atomic.Int32
}

// NewLifecycle creates a Lifecycle in AppStatusUndefined.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{}
}

// Status returns the current status.
func (l *Lifecycle) Status() AppStatus {
	return AppStatus(l.status.Load())
}

// CanTransitTo reports whether target is the immediate successor of the
// current status.
func (l *Lifecycle) CanTransitTo(target AppStatus) bool {
	return canTransit(l.Status(), target)
}

func canTransit(from, to AppStatus) bool {
	return from < AppStatusQueryStopped && to == from+1
}

// TransitTo moves to target, or returns ErrLifecycleViolation and leaves the
// status unchanged.
func (l *Lifecycle) TransitTo(target AppStatus) error {
	current := l.Status()
	if !canTransit(current, target) {
		return errors.ErrLifecycleViolation.GenWithStackByArgs(current, target)
	}
	if !l.status.CompareAndSwap(int32(current), int32(target)) {
		return errors.ErrLifecycleViolation.GenWithStackByArgs(l.Status(), target)
	}
	onStatusChange(target)
	return nil
}

// check returns ErrLifecycleViolation if target can not be reached now.
func (l *Lifecycle) check(target AppStatus) error {
	if current := l.Status(); !canTransit(current, target) {
		return errors.ErrLifecycleViolation.GenWithStackByArgs(current, target)
	}
	return nil
}
