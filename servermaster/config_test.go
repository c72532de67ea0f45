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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pingcap/seepflow/pkg/errors"
)

func TestMasterConfig(t *testing.T) {
	t.Parallel()

	cfg := GetDefaultMasterConfig()
	err := cfg.configFromString(`
master-addr = "127.0.0.1:4500"
rpc-timeout = "3s"
concurrent-channel = true

[log]
level = "debug"

[query]
name = "wordcount"
args = ["--words", "10"]
`)
	require.Nil(t, err)
	require.Nil(t, cfg.Adjust())
	require.Equal(t, "127.0.0.1:4500", cfg.MasterAddr)
	require.Equal(t, 3*time.Second, cfg.RPCTimeout)
	require.Equal(t, 60*time.Second, cfg.DeployWait)
	require.True(t, cfg.ConcurrentChannel)
	require.Equal(t, "debug", cfg.LogConf.Level)
	require.Equal(t, []string{"--words", "10"}, cfg.Query.Args)
	require.Contains(t, cfg.String(), `"master-addr":"127.0.0.1:4500"`)
	out, err := cfg.Toml()
	require.Nil(t, err)
	require.Contains(t, out, `name = "wordcount"`)

	cfg = GetDefaultMasterConfig()
	err = cfg.configFromString(`unknown-key = 1`)
	require.True(t, errors.Is(err, errors.ErrMasterConfigUnknownItem))

	cfg = GetDefaultMasterConfig()
	cfg.RPCTimeoutStr = "soon"
	require.True(t, errors.Is(cfg.Adjust(), errors.ErrInvalidArgument))
}

func TestMasterConfigFromFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "master.toml")
	require.Nil(t, os.WriteFile(path, []byte(`metrics-addr = "127.0.0.1:0"`), 0o644))
	cfg := GetDefaultMasterConfig()
	require.Nil(t, cfg.ConfigFromFile(path))
	require.Equal(t, "127.0.0.1:0", cfg.MetricsAddr)

	require.Nil(t, os.WriteFile(path, []byte(`master-addr = `), 0o644))
	require.True(t, errors.Is(cfg.ConfigFromFile(path), errors.ErrMasterDecodeConfigFile))
}
