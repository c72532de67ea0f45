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

	"go.uber.org/zap"

	"github.com/pingcap/seepflow/pkg/errors"
	"github.com/pingcap/seepflow/pkg/protocol"
)

func (s *Server) registerHandlers() error {
	handlers := map[protocol.Type]protocol.Handler{
		protocol.TypeBootstrap:   s.handleBootstrap,
		protocol.TypeStageStatus: s.handleStageStatus,
		protocol.TypeDeadWorker:  s.handleDeadWorker,
		protocol.TypeCrash:       s.handleCrash,
	}
	for tp, h := range handlers {
		if err := s.channel.Register(tp, h); err != nil {
			return err
		}
	}
	return nil
}

// handleBootstrap registers the execution unit of a new worker. A worker
// bootstrapping again with the same addresses is accepted.
func (s *Server) handleBootstrap(_ context.Context, cmd *protocol.Command) error {
	ep := cmd.Bootstrap.EndPoint
	err := s.pool.Register(ep)
	if err == nil {
		s.logger.Info("worker bootstrapped", zap.Stringer("end-point", &ep))
		return nil
	}
	if errors.Is(err, errors.ErrExecutionUnitAlreadyExists) {
		for _, known := range s.pool.Units() {
			if known == ep {
				s.logger.Info("worker bootstrapped again", zap.Stringer("end-point", &ep))
				return nil
			}
		}
	}
	return err
}

func (s *Server) handleStageStatus(_ context.Context, cmd *protocol.Command) error {
	status := cmd.StageStatus
	fields := []zap.Field{
		zap.Int("stage-id", status.StageID),
		zap.Int("unit-id", status.UnitID),
		zap.Stringer("status", status.Status),
		zap.Int("output-streams", len(status.Outputs)),
	}
	if status.Status == protocol.StageStatusOK {
		s.logger.Info("stage status reported", fields...)
	} else {
		s.logger.Warn("stage status reported", append(fields, zap.String("message", status.Message))...)
	}
	s.coordinator.RecordStageStatus(status)
	return nil
}

func (s *Server) handleDeadWorker(_ context.Context, cmd *protocol.Command) error {
	dead := cmd.DeadWorker
	s.logger.Warn("worker reported dead",
		zap.Int("unit-id", dead.UnitID), zap.String("reason", dead.Reason))
	return s.pool.Remove(dead.UnitID)
}

func (s *Server) handleCrash(_ context.Context, cmd *protocol.Command) error {
	s.logger.Warn("worker crashed",
		zap.Int("unit-id", cmd.Crash.UnitID), zap.String("reason", cmd.Crash.Reason))
	return nil
}
