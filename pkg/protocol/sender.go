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
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/pingcap/seepflow/model"
	"github.com/pingcap/seepflow/pkg/errors"
)

// Connection is a control channel to one execution unit.
type Connection interface {
	UnitID() int
	// Send delivers cmd and waits for its Ack.
	Send(ctx context.Context, cmd *Command) error
}

type tcpConnection struct {
	ep *model.EndPoint
}

// NewTCPConnection returns a Connection dialing the control address of ep
// for every command.
func NewTCPConnection(ep *model.EndPoint) Connection {
	return &tcpConnection{ep: ep}
}

func (c *tcpConnection) UnitID() int {
	return c.ep.ID
}

func (c *tcpConnection) Send(ctx context.Context, cmd *Command) error {
	return SendSync(ctx, c.ep.ControlAddr, cmd)
}

// SendSync dials addr, sends cmd and waits for the Ack. The whole exchange
// is bounded by ctx.
func SendSync(ctx context.Context, addr string, cmd *Command) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return errors.Annotatef(err, "dial %s", addr)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	if err := WriteCommand(conn, cmd); err != nil {
		return errors.Annotatef(err, "send %s to %s", cmd, addr)
	}
	ack, err := readAck(conn)
	if err != nil {
		if ctx.Err() != nil {
			return errors.Trace(ctx.Err())
		}
		return errors.Annotatef(err, "wait ack of %s from %s", cmd, addr)
	}
	if !ack.OK {
		return errors.ErrProtocolRejected.GenWithStackByArgs(ack.Error)
	}
	return nil
}

// BroadcastResult holds the outcome of a broadcast per execution unit id, a
// nil value means the unit acknowledged the command.
type BroadcastResult map[int]error

// Failed returns the sorted ids of the units that did not acknowledge.
func (r BroadcastResult) Failed() []int {
	var ids []int
	for id, err := range r {
		if err != nil {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}

// Err returns nil if every unit acknowledged, otherwise an
// ErrBroadcastFailed error annotated with the first failure.
func (r BroadcastResult) Err(tp Type) error {
	failed := r.Failed()
	if len(failed) == 0 {
		return nil
	}
	return errors.Annotatef(errors.ErrBroadcastFailed.GenWithStackByArgs(tp, len(failed), len(r)),
		"unit %d: %v", failed[0], r[failed[0]])
}

// Broadcast sends cmd to every connection concurrently and waits for all of
// them to answer or for ctx to be done.
func Broadcast(ctx context.Context, conns []Connection, cmd *Command) BroadcastResult {
	var (
		mu     sync.Mutex
		result = make(BroadcastResult, len(conns))
		eg     errgroup.Group
	)
	for _, conn := range conns {
		conn := conn
		eg.Go(func() error {
			err := conn.Send(ctx, cmd)
			mu.Lock()
			result[conn.UnitID()] = err
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()
	return result
}
