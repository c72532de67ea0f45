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
	"github.com/pingcap/seepflow/executor/output"
	"github.com/pingcap/seepflow/model"
	"github.com/pingcap/seepflow/pkg/errors"
)

// collector routes the tuples emitted by a task to the output adapters.
type collector struct {
	out *output.CoreOutput
}

var _ model.API = (*collector)(nil)

func newCollector(out *output.CoreOutput) *collector {
	return &collector{out: out}
}

func (c *collector) firstStream() ([]output.Adapter, error) {
	ids := c.out.StreamIDs()
	if len(ids) == 0 {
		return nil, errors.ErrStreamNotFound.GenWithStackByArgs(-1)
	}
	return c.out.Stream(ids[0])
}

func (c *collector) Send(t *model.Tuple) error {
	adapters, err := c.firstStream()
	if err != nil {
		return err
	}
	for _, a := range adapters {
		if err := a.Send(t); err != nil {
			return err
		}
	}
	return nil
}

func (c *collector) SendAll(t *model.Tuple) error {
	for _, a := range c.out.Adapters() {
		if err := a.SendAll(t); err != nil {
			return err
		}
	}
	return nil
}

func (c *collector) SendKey(t *model.Tuple, key int) error {
	adapters, err := c.firstStream()
	if err != nil {
		return err
	}
	for _, a := range adapters {
		if err := a.SendKey(t, key); err != nil {
			return err
		}
	}
	return nil
}

func (c *collector) SendToStream(streamID int, t *model.Tuple) error {
	adapters, err := c.out.Stream(streamID)
	if err != nil {
		return err
	}
	for _, a := range adapters {
		if err := a.Send(t); err != nil {
			return err
		}
	}
	return nil
}

func (c *collector) SendToStreamAll(streamID int, t *model.Tuple) error {
	adapters, err := c.out.Stream(streamID)
	if err != nil {
		return err
	}
	for _, a := range adapters {
		if err := a.SendAll(t); err != nil {
			return err
		}
	}
	return nil
}
