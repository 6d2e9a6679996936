// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config holds the execution settings of the multiexec command.
package config

import (
	"fmt"
	"runtime"

	"github.com/spf13/pflag"

	"github.com/multigres/multiexec/go/multiexec/foreman"
	"github.com/multigres/multiexec/go/tools/viperutil"
)

// Config holds the execution settings, each bound to a flag, an MX_* env
// var and a config file key.
type Config struct {
	numWorkers           viperutil.Value[int]
	numNUMANodes         viperutil.Value[int]
	minLoadPerWorker     viperutil.Value[int]
	preferSingleNUMANode viperutil.Value[bool]
	blockCapacity        viperutil.Value[int]
	planFile             viperutil.Value[string]
}

func New(reg *viperutil.Registry) *Config {
	return &Config{
		numWorkers: viperutil.Configure(reg, "execution.num-workers", viperutil.Options[int]{
			Default:  runtime.GOMAXPROCS(0),
			FlagName: "num-workers",
			EnvVars:  []string{"MX_NUM_WORKERS"},
		}),
		numNUMANodes: viperutil.Configure(reg, "execution.num-numa-nodes", viperutil.Options[int]{
			Default:  1,
			FlagName: "num-numa-nodes",
			EnvVars:  []string{"MX_NUM_NUMA_NODES"},
		}),
		minLoadPerWorker: viperutil.Configure(reg, "execution.min-load-per-worker", viperutil.Options[int]{
			Default:  2,
			FlagName: "min-load-per-worker",
			EnvVars:  []string{"MX_MIN_LOAD_PER_WORKER"},
		}),
		preferSingleNUMANode: viperutil.Configure(reg, "execution.prefer-single-numa-node", viperutil.Options[bool]{
			Default:  true,
			FlagName: "prefer-single-numa-node",
			EnvVars:  []string{"MX_PREFER_SINGLE_NUMA_NODE"},
		}),
		blockCapacity: viperutil.Configure(reg, "storage.block-capacity", viperutil.Options[int]{
			Default:  1024,
			FlagName: "block-capacity",
			EnvVars:  []string{"MX_BLOCK_CAPACITY"},
		}),
		planFile: viperutil.Configure(reg, "plan-file", viperutil.Options[string]{
			FlagName: "plan-file",
			EnvVars:  []string{"MX_PLAN_FILE"},
		}),
	}
}

// RegisterFlags registers the execution flags on fs and binds them.
func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.Int("num-workers", c.numWorkers.Default(), "Number of worker goroutines executing work orders")
	fs.Int("num-numa-nodes", c.numNUMANodes.Default(), "Number of NUMA nodes workers and blocks are spread over")
	fs.Int("min-load-per-worker", c.minLoadPerWorker.Default(), "Work orders queued per worker before the foreman stops dispatching to it")
	fs.Bool("prefer-single-numa-node", c.preferSingleNUMANode.Default(), "When no NUMA-agnostic work order is left, prefer work orders bound to a single node over those listing several nodes")
	fs.Int("block-capacity", c.blockCapacity.Default(), "Tuples per storage block")
	fs.String("plan-file", c.planFile.Default(), "Path of the YAML plan to execute")
	viperutil.BindFlags(fs,
		c.numWorkers,
		c.numNUMANodes,
		c.minLoadPerWorker,
		c.preferSingleNUMANode,
		c.blockCapacity,
		c.planFile,
	)
}

func (c *Config) NumWorkers() int            { return c.numWorkers.Get() }
func (c *Config) NumNUMANodes() int          { return c.numNUMANodes.Get() }
func (c *Config) MinLoadPerWorker() int      { return c.minLoadPerWorker.Get() }
func (c *Config) PreferSingleNUMANode() bool { return c.preferSingleNUMANode.Get() }
func (c *Config) BlockCapacity() int         { return c.blockCapacity.Get() }
func (c *Config) PlanFile() string           { return c.planFile.Get() }

// Validate checks the settings that have no sensible fallback.
func (c *Config) Validate() error {
	if n := c.NumWorkers(); n <= 0 {
		return fmt.Errorf("num-workers must be positive, got %d", n)
	}
	if n := c.NumNUMANodes(); n <= 0 {
		return fmt.Errorf("num-numa-nodes must be positive, got %d", n)
	}
	if n := c.MinLoadPerWorker(); n <= 0 {
		return fmt.Errorf("min-load-per-worker must be positive, got %d", n)
	}
	if n := c.BlockCapacity(); n <= 0 {
		return fmt.Errorf("block-capacity must be positive, got %d", n)
	}
	return nil
}

// ForemanConfig returns the foreman settings.
func (c *Config) ForemanConfig() foreman.Config {
	return foreman.Config{
		NumWorkers:           c.NumWorkers(),
		NumNUMANodes:         c.NumNUMANodes(),
		MinLoadPerWorker:     c.MinLoadPerWorker(),
		PreferSingleNUMANode: c.PreferSingleNUMANode(),
	}
}
