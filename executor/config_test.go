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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pingcap/seepflow/executor/output"
	"github.com/pingcap/seepflow/pkg/errors"
)

func TestWorkerConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := GetDefaultWorkerConfig()
	require.Nil(t, cfg.Adjust())
	require.Equal(t, "0.0.0.0:3600", cfg.AdvertiseAddr)
	require.Equal(t, "0.0.0.0:3700", cfg.AdvertiseDataAddr)
	require.Equal(t, 10*time.Second, cfg.RPCTimeout)
	require.Equal(t, time.Minute, cfg.BootstrapTimeout)
	require.Equal(t, 500*time.Millisecond, cfg.PollTimeout)
	require.Equal(t, 30*time.Second, cfg.DialTimeout)
	require.Equal(t, output.DefaultBatchSize, cfg.BatchSize)
}

func TestWorkerConfigFromString(t *testing.T) {
	t.Parallel()

	cfg := GetDefaultWorkerConfig()
	err := cfg.configFromString(`
unit-id = 3
worker-addr = "127.0.0.1:3601"
advertise-data-addr = "10.0.0.3:3701"
batch-size = 0
poll-timeout = "20ms"

[log]
level = "warn"
`)
	require.Nil(t, err)
	require.Nil(t, cfg.Adjust())
	require.Equal(t, 3, cfg.UnitID)
	require.Equal(t, "127.0.0.1:3601", cfg.AdvertiseAddr)
	require.Equal(t, "10.0.0.3:3701", cfg.AdvertiseDataAddr)
	require.Equal(t, output.DefaultBatchSize, cfg.BatchSize)
	require.Equal(t, 20*time.Millisecond, cfg.PollTimeout)
	require.Equal(t, "warn", cfg.LogConf.Level)
	require.Contains(t, cfg.String(), `"unit-id":3`)
	out, err := cfg.Toml()
	require.Nil(t, err)
	require.Contains(t, out, `worker-addr = "127.0.0.1:3601"`)

	cfg = GetDefaultWorkerConfig()
	err = cfg.configFromString("[kafka]\nbrokers = 1")
	require.True(t, errors.Is(err, errors.ErrWorkerConfigUnknownItem))
}

func TestWorkerConfigAdjustErrors(t *testing.T) {
	t.Parallel()

	cases := []func(*Config){
		func(c *Config) { c.UnitID = -1 },
		func(c *Config) { c.IOTimeoutStr = "1 minute" },
		func(c *Config) { c.PollTimeoutStr = "0s" },
	}
	for _, mutate := range cases {
		cfg := GetDefaultWorkerConfig()
		mutate(cfg)
		require.True(t, errors.Is(cfg.Adjust(), errors.ErrInvalidArgument))
	}
}

func TestWorkerConfigFromFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "worker.toml")
	require.Nil(t, os.WriteFile(path, []byte(`master-addr = "10.0.0.1:3500"`), 0o644))
	cfg := GetDefaultWorkerConfig()
	require.Nil(t, cfg.ConfigFromFile(path))
	require.Equal(t, "10.0.0.1:3500", cfg.MasterAddr)

	require.Nil(t, os.WriteFile(path, []byte(`unit-id = "x`), 0o644))
	require.True(t, errors.Is(cfg.ConfigFromFile(path), errors.ErrWorkerDecodeConfigFile))
}
