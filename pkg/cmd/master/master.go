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

package master

import (
	"context"

	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/pingcap/seepflow/pkg/cmd/util"
	"github.com/pingcap/seepflow/pkg/errors"
	"github.com/pingcap/seepflow/pkg/version"
	"github.com/pingcap/seepflow/servermaster"
)

// options defines flags for the `master` command.
type options struct {
	masterConfig         *servermaster.Config
	masterConfigFilePath string
}

// newOptions creates new options for the `master` command.
func newOptions() *options {
	return &options{
		masterConfig: servermaster.GetDefaultMasterConfig(),
	}
}

// addFlags receives a *cobra.Command reference and binds
// flags related to template printing to it.
func (o *options) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.masterConfig.MasterAddr, "master-addr", o.masterConfig.MasterAddr, "Set the listening address for workers")
	cmd.Flags().StringVar(&o.masterConfig.MetricsAddr, "metrics-addr", o.masterConfig.MetricsAddr, "Set the address serving metrics and query status, empty disables it")
	cmd.Flags().StringVar(&o.masterConfig.DeployWaitStr, "deploy-wait", o.masterConfig.DeployWaitStr, "How long to wait for enough workers before giving up")

	cmd.Flags().StringVar(&o.masterConfig.Query.Name, "query", o.masterConfig.Query.Name, "Name of the registered query to run")
	cmd.Flags().StringVar(&o.masterConfig.Query.Artifact, "artifact", o.masterConfig.Query.Artifact, "Path of the artifact shipped to workers")
	cmd.Flags().StringSliceVar(&o.masterConfig.Query.Args, "args", o.masterConfig.Query.Args, "Arguments passed to the query")

	cmd.Flags().StringVar(&o.masterConfigFilePath, "config", "", "Path of the configuration file")
	cmd.Flags().StringVar(&o.masterConfig.LogConf.File, "log-file", o.masterConfig.LogConf.File, "log file path")
	cmd.Flags().StringVar(&o.masterConfig.LogConf.Level, "log-level", o.masterConfig.LogConf.Level, "log level (etc: debug|info|warn|error)")
}

// run runs the master cmd.
func (o *options) run(cmd *cobra.Command) error {
	ctx, cancel := util.InitCmd(cmd, &o.masterConfig.LogConf)
	defer cancel()
	version.LogVersionInfo("Seepflow Master")

	server, err := servermaster.NewServer(o.masterConfig)
	if err != nil {
		return errors.Trace(err)
	}
	defer server.Stop()

	err = server.Run(ctx)
	if err != nil && errors.Cause(err) != context.Canceled {
		log.Error("run master with error", zap.Error(err))
		return errors.Trace(err)
	}
	log.Info("master exits successfully")
	return nil
}

// complete adapts from the command line args and config file to the data required.
func (o *options) complete(cmd *cobra.Command) error {
	cfg := servermaster.GetDefaultMasterConfig()

	if len(o.masterConfigFilePath) > 0 {
		if err := cfg.ConfigFromFile(o.masterConfigFilePath); err != nil {
			return err
		}
	}

	cmd.Flags().Visit(func(flag *pflag.Flag) {
		switch flag.Name {
		case "master-addr":
			cfg.MasterAddr = o.masterConfig.MasterAddr
		case "metrics-addr":
			cfg.MetricsAddr = o.masterConfig.MetricsAddr
		case "deploy-wait":
			cfg.DeployWaitStr = o.masterConfig.DeployWaitStr
		case "query":
			cfg.Query.Name = o.masterConfig.Query.Name
		case "artifact":
			cfg.Query.Artifact = o.masterConfig.Query.Artifact
		case "args":
			cfg.Query.Args = o.masterConfig.Query.Args
		case "config":
			// do nothing
		case "log-file":
			cfg.LogConf.File = o.masterConfig.LogConf.File
		case "log-level":
			cfg.LogConf.Level = o.masterConfig.LogConf.Level
		default:
			log.Panic("unknown flag, please report a bug", zap.String("flagName", flag.Name))
		}
	})

	if err := cfg.Adjust(); err != nil {
		return errors.Trace(err)
	}
	o.masterConfig = cfg
	return nil
}

// NewCmdMaster creates the `master` command.
func NewCmdMaster() *cobra.Command {
	o := newOptions()

	command := &cobra.Command{
		Use:   "master",
		Short: "Start a seepflow master",
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
