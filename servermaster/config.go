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
	"bytes"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/goccy/go-json"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/pingcap/seepflow/pkg/errors"
	"github.com/pingcap/seepflow/pkg/logutil"
	"github.com/pingcap/seepflow/pkg/protocol"
)

const (
	defaultMasterAddr   = "0.0.0.0:3500"
	defaultRPCTimeout   = "10s"
	defaultDeployWait   = "60s"
	defaultIOTimeout    = "5s"
	defaultMaxFrameSize = protocol.DefaultMaxFrameSize
)

// QueryConfig describes the query the master drives after start up.
type QueryConfig struct {
	// Name of the query in the registry, empty means no query is driven.
	Name string `toml:"name" json:"name"`
	// Artifact is the path of the deployable artifact shipped to workers.
	Artifact string   `toml:"artifact" json:"artifact"`
	Args     []string `toml:"args" json:"args"`
}

// Config is the configuration for the master.
type Config struct {
	LogConf logutil.Config `toml:"log" json:"log"`

	MasterAddr  string `toml:"master-addr" json:"master-addr"`
	MetricsAddr string `toml:"metrics-addr" json:"metrics-addr"`

	ConfigFile string `toml:"config-file" json:"config-file"`

	// ConcurrentChannel serves control connections in parallel.
	ConcurrentChannel bool `toml:"concurrent-channel" json:"concurrent-channel"`
	MaxFrameSize      int  `toml:"max-frame-size" json:"max-frame-size"`

	RPCTimeoutStr string `toml:"rpc-timeout" json:"rpc-timeout"`
	IOTimeoutStr  string `toml:"io-timeout" json:"io-timeout"`
	// time to wait for enough execution units before giving up deployment
	DeployWaitStr string `toml:"deploy-wait" json:"deploy-wait"`

	RPCTimeout time.Duration `toml:"-" json:"-"`
	IOTimeout  time.Duration `toml:"-" json:"-"`
	DeployWait time.Duration `toml:"-" json:"-"`

	Query QueryConfig `toml:"query" json:"query"`
}

func (c *Config) String() string {
	cfg, err := json.Marshal(c)
	if err != nil {
		log.L().Error("marshal to json", zap.Reflect("master config", c), logutil.ShortError(err))
	}
	return string(cfg)
}

// Toml returns TOML format representation of config.
func (c *Config) Toml() (string, error) {
	var b bytes.Buffer

	err := toml.NewEncoder(&b).Encode(c)
	if err != nil {
		log.L().Error("fail to marshal config to toml", logutil.ShortError(err))
	}

	return b.String(), nil
}

// Adjust adjusts the master configuration
func (c *Config) Adjust() (err error) {
	c.LogConf.Adjust()
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = defaultMaxFrameSize
	}

	c.RPCTimeout, err = time.ParseDuration(c.RPCTimeoutStr)
	if err != nil {
		return errors.WrapError(errors.ErrInvalidArgument, err, "rpc-timeout")
	}

	c.IOTimeout, err = time.ParseDuration(c.IOTimeoutStr)
	if err != nil {
		return errors.WrapError(errors.ErrInvalidArgument, err, "io-timeout")
	}

	c.DeployWait, err = time.ParseDuration(c.DeployWaitStr)
	if err != nil {
		return errors.WrapError(errors.ErrInvalidArgument, err, "deploy-wait")
	}
	return nil
}

// ConfigFromFile loads config from file and merges items into Config.
func (c *Config) ConfigFromFile(path string) error {
	metaData, err := toml.DecodeFile(path, c)
	if err != nil {
		return errors.WrapError(errors.ErrMasterDecodeConfigFile, err)
	}
	return checkUndecodedItems(metaData)
}

func (c *Config) configFromString(data string) error {
	metaData, err := toml.Decode(data, c)
	if err != nil {
		return errors.WrapError(errors.ErrMasterDecodeConfigFile, err)
	}
	return checkUndecodedItems(metaData)
}

// GetDefaultMasterConfig returns a default master config
func GetDefaultMasterConfig() *Config {
	return &Config{
		LogConf: logutil.Config{
			Level: "info",
			File:  "",
		},
		MasterAddr:    defaultMasterAddr,
		MaxFrameSize:  defaultMaxFrameSize,
		RPCTimeoutStr: defaultRPCTimeout,
		IOTimeoutStr:  defaultIOTimeout,
		DeployWaitStr: defaultDeployWait,
	}
}

func checkUndecodedItems(metaData toml.MetaData) error {
	undecoded := metaData.Undecoded()
	if len(undecoded) > 0 {
		var undecodedItems []string
		for _, item := range undecoded {
			undecodedItems = append(undecodedItems, item.String())
		}
		return errors.ErrMasterConfigUnknownItem.GenWithStackByArgs(strings.Join(undecodedItems, ","))
	}
	return nil
}
