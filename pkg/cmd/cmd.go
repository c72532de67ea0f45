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

package cmd

import (
	"os"

	"github.com/spf13/cobra"

	// queries shipped with the binary
	_ "github.com/pingcap/seepflow/examples/wordcount"
	"github.com/pingcap/seepflow/pkg/cmd/master"
	"github.com/pingcap/seepflow/pkg/cmd/version"
	"github.com/pingcap/seepflow/pkg/cmd/worker"
)

// NewCmd creates the root command.
func NewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seepflow",
		Short: "Distributed stream processing with stateful operators",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage: true,
	}
}

// AddCommands registers the sub commands to the root command.
func AddCommands(cmd *cobra.Command) {
	cmd.AddCommand(master.NewCmdMaster())
	cmd.AddCommand(worker.NewCmdWorker())
	cmd.AddCommand(version.NewCmdVersion())
}

// Run runs the root command.
func Run() {
	cmd := NewCmd()
	AddCommands(cmd)
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
