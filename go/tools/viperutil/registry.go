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

package viperutil

import (
	"sync"

	"github.com/spf13/viper"
)

// Registry holds the static and dynamic viper instances for configuration.
// Each command builds its own registry, so values never leak between
// commands or between tests.
//
// Static registry values never change after LoadConfig is called.
// Dynamic registry values may be changed at runtime through Value.Set and are
// read under a lock.
type Registry struct {
	static *viper.Viper

	dynamicMu sync.RWMutex
	dynamic   *viper.Viper
}

// NewRegistry creates a new isolated configuration registry.
//
// Example usage:
//
//	reg := viperutil.NewRegistry()
//	workers := viperutil.Configure(reg, "num-workers", viperutil.Options[int]{
//	    Default:  4,
//	    FlagName: "num-workers",
//	})
func NewRegistry() *Registry {
	return &Registry{
		static:  viper.New(),
		dynamic: viper.New(),
	}
}

// Combined returns a viper instance combining the static and dynamic registries.
func (reg *Registry) Combined() *viper.Viper {
	v := viper.New()
	_ = v.MergeConfigMap(reg.static.AllSettings())

	reg.dynamicMu.RLock()
	_ = v.MergeConfigMap(reg.dynamic.AllSettings())
	reg.dynamicMu.RUnlock()

	v.SetConfigFile(reg.static.ConfigFileUsed())
	return v
}
