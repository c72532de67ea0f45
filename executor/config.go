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
	"bytes"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/goccy/go-json"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/pingcap/seepflow/executor/input"
	"github.com/pingcap/seepflow/executor/output"
	"github.com/pingcap/seepflow/pkg/errors"
	"github.com/pingcap/seepflow/pkg/logutil"
	"github.com/pingcap/seepflow/pkg/protocol"
)

const (
	defaultWorkerAddr       = "0.0.0.0:3600"
	defaultDataAddr         = "0.0.0.0:3700"
	defaultMasterAddr       = "127.0.0.1:3500"
	defaultRPCTimeout       = "10s"
	defaultBootstrapTimeout = "60s"
	defaultIOTimeout        = "10s"
	defaultDialTimeout      = "30s"
	defaultPollTimeout      = "500ms"
)

// Config is the configuration for a worker.
type Config struct {
	LogConf logutil.Config `toml:"log" json:"log"`

	// UnitID identifies the execution unit, unique in the cluster.
	UnitID int `toml:"unit-id" json:"unit-id"`
	// WorkerAddr is where the worker accepts control commands.
	WorkerAddr string `toml:"worker-addr" json:"worker-addr"`
	// AdvertiseAddr is the control address told to the master, WorkerAddr
	// if empty.
	AdvertiseAddr string `toml:"advertise-addr" json:"advertise-addr"`
	// DataAddr is where upstream operators connect to.
	DataAddr          string `toml:"data-addr" json:"data-addr"`
	AdvertiseDataAddr string `toml:"advertise-data-addr" json:"advertise-data-addr"`
	MasterAddr        string `toml:"master-addr" json:"master-addr"`
	MetricsAddr       string `toml:"metrics-addr" json:"metrics-addr"`

	MaxFrameSize    int `toml:"max-frame-size" json:"max-frame-size"`
	InputBufferSize int `toml:"input-buffer-size" json:"input-buffer-size"`
	BatchSize       int `toml:"batch-size" json:"batch-size"`
	MaxFrames       int `toml:"max-frames" json:"max-frames"`

	RPCTimeoutStr       string `toml:"rpc-timeout" json:"rpc-timeout"`
	BootstrapTimeoutStr string `toml:"bootstrap-timeout" json:"bootstrap-timeout"`
	IOTimeoutStr        string `toml:"io-timeout" json:"io-timeout"`
	DialTimeoutStr      string `toml:"dial-timeout" json:"dial-timeout"`
	PollTimeoutStr      string `toml:"poll-timeout" json:"poll-timeout"`

	RPCTimeout       time.Duration `toml:"-" json:"-"`
	BootstrapTimeout time.Duration `toml:"-" json:"-"`
	IOTimeout        time.Duration `toml:"-" json:"-"`
	DialTimeout      time.Duration `toml:"-" json:"-"`
	PollTimeout      time.Duration `toml:"-" json:"-"`
}

func (c *Config) String() string {
	cfg, err := json.Marshal(c)
	if err != nil {
		log.L().Error("marshal to json", zap.Reflect("worker config", c), logutil.ShortError(err))
	}
	return string(cfg)
}

// Toml returns TOML format representation of config.
func (c *Config) Toml() (string, error) {
	var b bytes.Buffer
	if err := toml.NewEncoder(&b).Encode(c); err != nil {
		return "", errors.Trace(err)
	}
	return b.String(), nil
}

// Adjust adjusts the worker configuration
func (c *Config) Adjust() (err error) {
	c.LogConf.Adjust()
	if c.UnitID < 0 {
		return errors.ErrInvalidArgument.GenWithStackByArgs("unit-id must not be negative")
	}
	if c.AdvertiseAddr == "" {
		c.AdvertiseAddr = c.WorkerAddr
	}
	if c.AdvertiseDataAddr == "" {
		c.AdvertiseDataAddr = c.DataAddr
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if c.InputBufferSize <= 0 {
		c.InputBufferSize = input.DefaultBufferCapacity
	}
	if c.BatchSize <= 0 {
		c.BatchSize = output.DefaultBatchSize
	}
	if c.MaxFrames <= 0 {
		c.MaxFrames = output.DefaultMaxFrames
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"rpc-timeout", c.RPCTimeoutStr, &c.RPCTimeout},
		{"bootstrap-timeout", c.BootstrapTimeoutStr, &c.BootstrapTimeout},
		{"io-timeout", c.IOTimeoutStr, &c.IOTimeout},
		{"dial-timeout", c.DialTimeoutStr, &c.DialTimeout},
		{"poll-timeout", c.PollTimeoutStr, &c.PollTimeout},
	}
	for _, d := range durations {
		*d.dst, err = time.ParseDuration(d.raw)
		if err != nil {
			return errors.WrapError(errors.ErrInvalidArgument, err, d.name)
		}
	}
	if c.PollTimeout <= 0 {
		return errors.ErrInvalidArgument.GenWithStackByArgs("poll-timeout must be positive")
	}
	return nil
}

// ConfigFromFile loads config from file and merges items into Config.
func (c *Config) ConfigFromFile(path string) error {
	metaData, err := toml.DecodeFile(path, c)
	if err != nil {
		return errors.WrapError(errors.ErrWorkerDecodeConfigFile, err)
	}
	return checkUndecodedItems(metaData)
}

func (c *Config) configFromString(data string) error {
	metaData, err := toml.Decode(data, c)
	if err != nil {
		return errors.WrapError(errors.ErrWorkerDecodeConfigFile, err)
	}
	return checkUndecodedItems(metaData)
}

// GetDefaultWorkerConfig returns a default worker config
func GetDefaultWorkerConfig() *Config {
	return &Config{
		LogConf: logutil.Config{
			Level: "info",
		},
		WorkerAddr:          defaultWorkerAddr,
		DataAddr:            defaultDataAddr,
		MasterAddr:          defaultMasterAddr,
		MaxFrameSize:        protocol.DefaultMaxFrameSize,
		InputBufferSize:     input.DefaultBufferCapacity,
		BatchSize:           output.DefaultBatchSize,
		MaxFrames:           output.DefaultMaxFrames,
		RPCTimeoutStr:       defaultRPCTimeout,
		BootstrapTimeoutStr: defaultBootstrapTimeout,
		IOTimeoutStr:        defaultIOTimeout,
		DialTimeoutStr:      defaultDialTimeout,
		PollTimeoutStr:      defaultPollTimeout,
	}
}

func checkUndecodedItems(metaData toml.MetaData) error {
	undecoded := metaData.Undecoded()
	if len(undecoded) > 0 {
		var items []string
		for _, item := range undecoded {
			items = append(items, item.String())
		}
		return errors.ErrWorkerConfigUnknownItem.GenWithStackByArgs(strings.Join(items, ","))
	}
	return nil
}
