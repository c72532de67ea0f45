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
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pingcap/seepflow/model"
	"github.com/pingcap/seepflow/pkg/errors"
	"github.com/pingcap/seepflow/pkg/logutil"
	"github.com/pingcap/seepflow/pkg/protocol"
	"github.com/pingcap/seepflow/servermaster/cluster"
)

const deployRetryInterval = 500 * time.Millisecond

// Server is the master process: it owns the execution unit pool, the
// coordinator and the control channel workers talk to.
type Server struct {
	cfg         *Config
	logger      *zap.Logger
	lifecycle   *Lifecycle
	pool        *cluster.InfrastructureManager
	coordinator *Coordinator
	channel     *protocol.Channel
	registry    *prometheus.Registry

	metricsListener net.Listener
}

// NewServer creates a master server listening on cfg.MasterAddr.
func NewServer(cfg *Config, opts ...CoordinatorOption) (*Server, error) {
	logger := logutil.NewLogger4Master()

	chOpts := []protocol.ChannelOption{
		protocol.WithLogger(logger),
		protocol.WithMaxFrameSize(cfg.MaxFrameSize),
		protocol.WithIOTimeout(cfg.IOTimeout),
	}
	if cfg.ConcurrentChannel {
		chOpts = append(chOpts, protocol.WithConcurrent())
	}
	channel, err := protocol.NewChannel(cfg.MasterAddr, protocol.FamilyMasterWorker, chOpts...)
	if err != nil {
		return nil, err
	}

	pool := cluster.NewInfrastructureManager(nil)
	pool.OnChange(onUnitsChange)
	lifecycle := NewLifecycle()
	opts = append([]CoordinatorOption{WithRPCTimeout(cfg.RPCTimeout)}, opts...)

	s := &Server{
		cfg:         cfg,
		logger:      logger,
		lifecycle:   lifecycle,
		pool:        pool,
		coordinator: NewCoordinator(pool, lifecycle, opts...),
		channel:     channel,
		registry:    prometheus.NewRegistry(),
	}
	if err := s.registerHandlers(); err != nil {
		_ = channel.Close()
		return nil, err
	}
	InitServerMetrics(s.registry)

	if cfg.MetricsAddr != "" {
		s.metricsListener, err = net.Listen("tcp", cfg.MetricsAddr)
		if err != nil {
			_ = channel.Close()
			return nil, errors.Annotatef(err, "listen on %s", cfg.MetricsAddr)
		}
	}
	return s, nil
}

// Addr returns the address of the control channel.
func (s *Server) Addr() string {
	return s.channel.Addr()
}

// Coordinator returns the query coordinator.
func (s *Server) Coordinator() *Coordinator {
	return s.coordinator
}

// Pool returns the execution unit pool.
func (s *Server) Pool() cluster.Pool {
	return s.pool
}

// Run serves until ctx is canceled. If a query is configured it is loaded,
// deployed once enough workers joined, started, and stopped on exit.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("master server started", zap.String("addr", s.Addr()), zap.Stringer("config", s.cfg))
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return s.channel.Run(ctx)
	})
	if s.metricsListener != nil {
		eg.Go(func() error {
			return s.serveHTTP(ctx)
		})
	}
	if s.cfg.Query.Name != "" {
		eg.Go(func() error {
			return s.driveQuery(ctx)
		})
	}
	err := eg.Wait()
	if errors.Cause(err) == context.Canceled {
		return nil
	}
	return err
}

// Stop closes the control channel.
func (s *Server) Stop() {
	if err := s.channel.Close(); err != nil {
		s.logger.Warn("close protocol channel failed", zap.Error(err))
	}
}

func (s *Server) driveQuery(ctx context.Context) error {
	q := s.cfg.Query
	if err := s.coordinator.LoadQueryFromRegistry(q.Name, q.Artifact, q.Args); err != nil {
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = deployRetryInterval
	b.MaxElapsedTime = s.cfg.DeployWait
	err := backoff.Retry(func() error {
		err := s.coordinator.DeployQuery(ctx)
		if err != nil && !errors.IsCapacityError(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return err
	}
	if err := s.coordinator.StartQuery(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.RPCTimeout)
	defer cancel()
	if err := s.coordinator.StopQuery(stopCtx); err != nil {
		s.logger.Warn("stop query failed", zap.Error(err))
	}
	return nil
}

type statusResponse struct {
	QueryID string                  `json:"query-id"`
	Status  string                  `json:"status"`
	Mapping model.Mapping           `json:"mapping"`
	Stages  []*protocol.StageStatus `json:"stages"`
	Units   []model.EndPoint        `json:"units"`
}

func (s *Server) statusHandler(w http.ResponseWriter, _ *http.Request) {
	resp := &statusResponse{
		QueryID: s.coordinator.QueryID(),
		Status:  s.coordinator.Status().String(),
		Mapping: s.coordinator.Mapping(),
		Stages:  s.coordinator.StageStatuses(),
		Units:   s.pool.Units(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("write status failed", logutil.ShortError(err))
	}
}

func (s *Server) serveHTTP(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/status", s.statusHandler)

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	stop := context.AfterFunc(ctx, func() {
		_ = srv.Close()
	})
	defer stop()
	err := srv.Serve(s.metricsListener)
	if err != nil && err != http.ErrServerClosed {
		s.logger.Error("http server returned", logutil.ShortError(err))
		return errors.Trace(err)
	}
	return nil
}
