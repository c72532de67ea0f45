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
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pingcap/seepflow/client"
	"github.com/pingcap/seepflow/model"
	"github.com/pingcap/seepflow/pkg/errors"
	"github.com/pingcap/seepflow/pkg/logutil"
	"github.com/pingcap/seepflow/pkg/protocol"
	"github.com/pingcap/seepflow/pkg/registry"
)

// Server is the worker process. It hosts one execution unit: it bootstraps
// to the master, then materializes and runs whatever operator the master
// maps to it.
type Server struct {
	cfg       *Config
	logger    *zap.Logger
	channel   *protocol.Channel
	conductor *Conductor
	master    client.MasterClient
	registry  *prometheus.Registry

	dataListener    net.Listener
	metricsListener net.Listener
}

// ServerOption configures a worker Server.
type ServerOption func(*serverOptions)

type serverOptions struct {
	registry     registry.Registry
	master       client.MasterClient
	conductorCfg func(*ConductorConfig)
}

// WithQueryRegistry sets the registry queries are composed from.
func WithQueryRegistry(r registry.Registry) ServerOption {
	return func(o *serverOptions) {
		o.registry = r
	}
}

// WithMasterClient replaces the client talking to the master.
func WithMasterClient(c client.MasterClient) ServerOption {
	return func(o *serverOptions) {
		o.master = c
	}
}

// WithConductorConfig adjusts the conductor settings derived from Config.
func WithConductorConfig(fn func(*ConductorConfig)) ServerOption {
	return func(o *serverOptions) {
		o.conductorCfg = fn
	}
}

// NewServer creates a worker server. The control and data addresses are
// bound right away so that the advertised end point is known before the
// worker bootstraps.
func NewServer(cfg *Config, opts ...ServerOption) (*Server, error) {
	o := &serverOptions{registry: registry.GlobalRegistry}
	for _, opt := range opts {
		opt(o)
	}
	logger := logutil.NewLogger4Worker(cfg.UnitID)

	channel, err := protocol.NewChannel(cfg.WorkerAddr, protocol.FamilyMasterWorker,
		protocol.WithLogger(logger),
		protocol.WithMaxFrameSize(cfg.MaxFrameSize),
	)
	if err != nil {
		return nil, err
	}
	dataListener, err := net.Listen("tcp", cfg.DataAddr)
	if err != nil {
		_ = channel.Close()
		return nil, errors.ErrDataStoreUnreachable.GenWithStackByArgs(model.DataStoreNetwork, err.Error())
	}
	var metricsListener net.Listener
	if cfg.MetricsAddr != "" {
		metricsListener, err = net.Listen("tcp", cfg.MetricsAddr)
		if err != nil {
			_ = channel.Close()
			_ = dataListener.Close()
			return nil, errors.Annotatef(err, "listen on %s", cfg.MetricsAddr)
		}
	}

	master := o.master
	if master == nil {
		master = client.NewMasterClient(cfg.MasterAddr, cfg.RPCTimeout, cfg.BootstrapTimeout)
	}
	ccfg := ConductorConfig{
		UnitID:          cfg.UnitID,
		PollTimeout:     cfg.PollTimeout,
		InputBufferSize: cfg.InputBufferSize,
		BatchSize:       cfg.BatchSize,
		MaxFrames:       cfg.MaxFrames,
		MaxFrameSize:    cfg.MaxFrameSize,
		IOTimeout:       cfg.IOTimeout,
		DialTimeout:     cfg.DialTimeout,
		DataListener:    dataListener,
	}
	if o.conductorCfg != nil {
		o.conductorCfg(&ccfg)
	}

	s := &Server{
		cfg:             cfg,
		logger:          logger,
		channel:         channel,
		conductor:       NewConductor(ccfg, o.registry, master),
		master:          master,
		registry:        prometheus.NewRegistry(),
		dataListener:    dataListener,
		metricsListener: metricsListener,
	}
	InitExecutorMetrics(s.registry)
	if err := s.registerHandlers(); err != nil {
		_ = s.closeListeners()
		return nil, err
	}
	return s, nil
}

// EndPoint returns the end point advertised to the master.
func (s *Server) EndPoint() model.EndPoint {
	ep := model.EndPoint{
		ID:          s.cfg.UnitID,
		ControlAddr: s.cfg.AdvertiseAddr,
		DataAddr:    s.cfg.AdvertiseDataAddr,
	}
	if ep.ControlAddr == "" || isUnspecifiedPort(ep.ControlAddr) {
		ep.ControlAddr = s.channel.Addr()
	}
	if ep.DataAddr == "" || isUnspecifiedPort(ep.DataAddr) {
		ep.DataAddr = s.dataListener.Addr().String()
	}
	return ep
}

func isUnspecifiedPort(addr string) bool {
	_, port, err := net.SplitHostPort(addr)
	return err != nil || port == "0"
}

// Conductor returns the task conductor.
func (s *Server) Conductor() *Conductor {
	return s.conductor
}

func (s *Server) registerHandlers() error {
	handlers := map[protocol.Type]protocol.Handler{
		protocol.TypeCode: func(_ context.Context, cmd *protocol.Command) error {
			return s.conductor.LoadCode(cmd.Code)
		},
		protocol.TypeMaterializeTask: func(ctx context.Context, cmd *protocol.Command) error {
			return s.conductor.Materialize(ctx, cmd.MaterializeTask.Mapping)
		},
		protocol.TypeStartQuery: func(ctx context.Context, _ *protocol.Command) error {
			return s.conductor.Start(ctx)
		},
		protocol.TypeStopQuery: func(context.Context, *protocol.Command) error {
			return s.conductor.Stop()
		},
		protocol.TypeScheduleStage: func(ctx context.Context, cmd *protocol.Command) error {
			return s.conductor.ScheduleStage(ctx, cmd.ScheduleStage)
		},
	}
	for tp, h := range handlers {
		if err := s.channel.Register(tp, h); err != nil {
			return err
		}
	}
	return nil
}

// Run bootstraps to the master and serves commands until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	ep := s.EndPoint()
	s.logger.Info("worker server started", zap.Stringer("end-point", &ep), zap.Stringer("config", s.cfg))
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return s.channel.Run(ctx)
	})
	eg.Go(func() error {
		return s.master.Bootstrap(ctx, ep)
	})
	if s.metricsListener != nil {
		eg.Go(func() error {
			return s.serveHTTP(ctx)
		})
	}
	err := eg.Wait()
	if stopErr := s.conductor.Stop(); stopErr != nil {
		s.logger.Warn("stop task failed", logutil.ShortError(stopErr))
	}
	if errors.Cause(err) == context.Canceled {
		return nil
	}
	return err
}

// Stop closes the listeners of the worker.
func (s *Server) Stop() {
	if err := s.closeListeners(); err != nil {
		s.logger.Warn("close listeners failed", zap.Error(err))
	}
}

func (s *Server) closeListeners() error {
	err := s.channel.Close()
	if cerr := s.dataListener.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
		err = multierr.Append(err, cerr)
	}
	if s.metricsListener != nil {
		if cerr := s.metricsListener.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}
	return err
}

func (s *Server) serveHTTP(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

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
		s.logger.Error("debug server returned", logutil.ShortError(err))
		return errors.Trace(err)
	}
	return nil
}
