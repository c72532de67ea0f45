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
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/pingcap/seepflow/model"
	"github.com/pingcap/seepflow/pkg/errors"
	"github.com/pingcap/seepflow/pkg/protocol"
)

const (
	defaultRPCTimeout       = 5 * time.Second
	defaultBootstrapTimeout = 60 * time.Second
	bootstrapRetryInterval  = 200 * time.Millisecond
)

// MasterClient is used by a worker to talk to the master.
type MasterClient interface {
	// Bootstrap registers the worker, retrying until the master answers or
	// the bootstrap timeout elapses.
	Bootstrap(ctx context.Context, ep model.EndPoint) error
	ReportStageStatus(
		ctx context.Context,
		stageID, unitID int,
		status protocol.StageStatusCode,
		outputs map[int][]model.DataReference,
		msg string,
	) error
	ReportCrash(ctx context.Context, unitID int, reason string) error
	MasterAddr() string
}

// MasterClientImpl sends commands to the master control channel.
type MasterClientImpl struct {
	addr             string
	rpcTimeout       time.Duration
	bootstrapTimeout time.Duration
	send             func(ctx context.Context, addr string, cmd *protocol.Command) error
}

// NewMasterClient creates a MasterClientImpl. Zero timeouts fall back to the
// defaults.
func NewMasterClient(addr string, rpcTimeout, bootstrapTimeout time.Duration) *MasterClientImpl {
	if rpcTimeout <= 0 {
		rpcTimeout = defaultRPCTimeout
	}
	if bootstrapTimeout <= 0 {
		bootstrapTimeout = defaultBootstrapTimeout
	}
	return &MasterClientImpl{
		addr:             addr,
		rpcTimeout:       rpcTimeout,
		bootstrapTimeout: bootstrapTimeout,
		send:             protocol.SendSync,
	}
}

// MasterAddr implements MasterClient.MasterAddr
func (c *MasterClientImpl) MasterAddr() string {
	return c.addr
}

func (c *MasterClientImpl) sendOnce(ctx context.Context, cmd *protocol.Command) error {
	ctx, cancel := context.WithTimeout(ctx, c.rpcTimeout)
	defer cancel()
	return c.send(ctx, c.addr, cmd)
}

// Bootstrap implements MasterClient.Bootstrap
func (c *MasterClientImpl) Bootstrap(ctx context.Context, ep model.EndPoint) error {
	cmd := protocol.NewBootstrapCommand(ep)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = bootstrapRetryInterval
	b.MaxElapsedTime = c.bootstrapTimeout

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := c.sendOnce(ctx, cmd)
		if errors.Is(err, errors.ErrProtocolRejected) {
			return backoff.Permanent(err)
		}
		if err != nil {
			log.Info("bootstrap to master failed, will retry",
				zap.String("master", c.addr), zap.Int("attempt", attempt), zap.Error(err))
		}
		return err
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return errors.Annotatef(err, "bootstrap to master %s", c.addr)
	}
	log.Info("bootstrapped to master", zap.String("master", c.addr), zap.Stringer("end-point", &ep))
	return nil
}

// ReportStageStatus implements MasterClient.ReportStageStatus
func (c *MasterClientImpl) ReportStageStatus(
	ctx context.Context,
	stageID, unitID int,
	status protocol.StageStatusCode,
	outputs map[int][]model.DataReference,
	msg string,
) error {
	return c.sendOnce(ctx, protocol.NewStageStatusCommand(stageID, unitID, status, outputs, msg))
}

// ReportCrash implements MasterClient.ReportCrash
func (c *MasterClientImpl) ReportCrash(ctx context.Context, unitID int, reason string) error {
	return c.sendOnce(ctx, protocol.NewCrashCommand(unitID, reason))
}
