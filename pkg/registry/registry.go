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

package registry

import (
	"sort"
	"sync"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/pingcap/seepflow/model"
	"github.com/pingcap/seepflow/pkg/errors"
)

// Composer builds a fresh query instance from the task arguments shipped in
// the Code command. Master and workers compose the same query independently,
// so a composer must be deterministic in its arguments.
type Composer func(args []string) (*model.Query, error)

// Registry maps a task identifier to the composer of its query.
type Registry interface {
	MustRegister(name string, composer Composer)
	Register(name string, composer Composer) (ok bool)
	Compose(name string, args []string) (*model.Query, error)
	Names() []string
}

type registryImpl struct {
	mu        sync.RWMutex
	composers map[string]Composer
}

// NewRegistry creates a new registryImpl instance
func NewRegistry() Registry {
	return &registryImpl{
		composers: make(map[string]Composer),
	}
}

// GlobalRegistry is the registry used by the binaries, example queries
// register themselves here in init.
var GlobalRegistry = NewRegistry()

// MustRegister implements Registry.MustRegister
func (r *registryImpl) MustRegister(name string, composer Composer) {
	if ok := r.Register(name, composer); !ok {
		log.Panic("duplicate query composer", zap.String("name", name))
	}
	log.Info("register query composer", zap.String("name", name))
}

// Register implements Registry.Register
func (r *registryImpl) Register(name string, composer Composer) (ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.composers[name]; exists {
		return false
	}
	r.composers[name] = composer
	return true
}

// Compose implements Registry.Compose
func (r *registryImpl) Compose(name string, args []string) (*model.Query, error) {
	r.mu.RLock()
	composer, ok := r.composers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.ErrQueryComposerNotFound.GenWithStackByArgs(name)
	}

	q, err := composer(args)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := q.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return q, nil
}

// Names implements Registry.Names
func (r *registryImpl) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.composers))
	for name := range r.composers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
