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

package worker

import (
	"context"

	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/pingcap/seepflow/executor"
	"github.com/pingcap/seepflow/pkg/cmd/util"
	"github.com/pingcap/seepflow/pkg/errors"
	"github.com/pingcap/seepflow/pkg/version"
)

// options defines flags for the `worker` command.
type options struct {
	workerConfig         *executor.Config
	workerConfigFilePath string
}

func newOptions() *options {
	return &options{
		workerConfig: executor.GetDefaultWorkerConfig(),
	}
}

func (o *options) addFlags(cmd *cobra.Command) {
	cmd.Flags().IntVar(&o.workerConfig.UnitID, "unit-id", o.workerConfig.UnitID, "Id of the execution unit, unique in the cluster")
	cmd.Flags().StringVar(&o.workerConfig.WorkerAddr, "worker-addr", o.workerConfig.WorkerAddr, "Set the listening address for control commands")
	cmd.Flags().StringVar(&o.workerConfig.AdvertiseAddr, "advertise-addr", o.workerConfig.AdvertiseAddr, "Set the control address told to the master")
	cmd.Flags().StringVar(&o.workerConfig.DataAddr, "data-addr", o.workerConfig.DataAddr, "Set the listening address for upstream data")
	cmd.Flags().StringVar(&o.workerConfig.AdvertiseDataAddr, "advertise-data-addr", o.workerConfig.AdvertiseDataAddr, "Set the data address told to the master")
	cmd.Flags().StringVar(&o.workerConfig.MasterAddr, "master-addr", o.workerConfig.MasterAddr, "Address of the master to join")
	cmd.Flags().StringVar(&o.workerConfig.MetricsAddr, "metrics-addr", o.workerConfig.MetricsAddr, "Set the address serving metrics and pprof, empty disables it")

	cmd.Flags().StringVar(&o.workerConfigFilePath, "config", "", "Path of the configuration file")
	cmd.Flags().StringVar(&o.workerConfig.LogConf.File, "log-file", o.workerConfig.LogConf.File, "log file path")
	cmd.Flags().StringVar(&o.workerConfig.LogConf.Level, "log-level", o.workerConfig.LogConf.Level, "log level (etc: debug|info|warn|error)")
}

func (o *options) run(cmd *cobra.Command) error {
	ctx, cancel := util.InitCmd(cmd, &o.workerConfig.LogConf)
	defer cancel()
	version.LogVersionInfo("Seepflow Worker")

	server, err := executor.NewServer(o.workerConfig)
	if err != nil {
		return errors.Trace(err)
	}
	defer server.Stop()

	err = server.Run(ctx)
	if err != nil && errors.Cause(err) != context.Canceled {
		log.Error("run worker with error", zap.Error(err))
		return errors.Trace(err)
	}
	log.Info("worker exits successfully")
	return nil
}

// complete merges the config file and the flags set on the command line,
// flags taking precedence.
func (o *options) complete(cmd *cobra.Command) error {
	cfg := executor.GetDefaultWorkerConfig()

	if len(o.workerConfigFilePath) > 0 {
		if err := cfg.ConfigFromFile(o.workerConfigFilePath); err != nil {
			return err
		}
	}

	cmd.Flags().Visit(func(flag *pflag.Flag) {
		switch flag.Name {
		case "unit-id":
			cfg.UnitID = o.workerConfig.UnitID
		case "worker-addr":
			cfg.WorkerAddr = o.workerConfig.WorkerAddr
		case "advertise-addr":
			cfg.AdvertiseAddr = o.workerConfig.AdvertiseAddr
		case "data-addr":
			cfg.DataAddr = o.workerConfig.DataAddr
		case "advertise-data-addr":
			cfg.AdvertiseDataAddr = o.workerConfig.AdvertiseDataAddr
		case "master-addr":
			cfg.MasterAddr = o.workerConfig.MasterAddr
		case "metrics-addr":
			cfg.MetricsAddr = o.workerConfig.MetricsAddr
		case "config":
			// do nothing
		case "log-file":
			cfg.LogConf.File = o.workerConfig.LogConf.File
		case "log-level":
			cfg.LogConf.Level = o.workerConfig.LogConf.Level
		default:
			log.Panic("unknown flag, please report a bug", zap.String("flagName", flag.Name))
		}
	})

	if err := cfg.Adjust(); err != nil {
		return errors.Trace(err)
	}
	o.workerConfig = cfg
	return nil
}

// NewCmdWorker creates the `worker` command.
func NewCmdWorker() *cobra.Command {
	o := newOptions()

	command := &cobra.Command{
		Use:   "worker",
		Short: "Start a seepflow worker hosting one operator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.complete(cmd); err != nil {
				return err
			}
			return o.run(cmd)
		},
	}

	o.addFlags(command)

	return command
}
