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
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Options configures a value created by Configure.
type Options[T any] struct {
	// Default is returned when no flag, env var or config file sets the key.
	Default T
	// FlagName binds the value to the pflag of that name in BindFlags.
	FlagName string
	// EnvVars are checked, in order, after flags and before the config file.
	EnvVars []string
	// Dynamic values live in the dynamic registry and may change at runtime.
	Dynamic bool
	// GetFunc overrides how the value is decoded from viper. It is needed for
	// types viper has no typed getter for.
	GetFunc func(v *viper.Viper) func(key string) T
}

// Value is a typed view over a single viper key.
type Value[T any] interface {
	Key() string
	Default() T
	Get() T
	Set(v T)
	Registerable
}

// Registerable is the untyped part of a Value, used to bind flags.
type Registerable interface {
	Key() string
	FlagName() string
	bindFlag(f *pflag.Flag) error
}

type value[T any] struct {
	reg        *Registry
	key        string
	flagName   string
	defaultVal T
	dynamic    bool
	get        func(key string) T
}

// Configure registers key in reg and returns a typed accessor for it.
func Configure[T any](reg *Registry, key string, opts Options[T]) Value[T] {
	v := reg.static
	if opts.Dynamic {
		v = reg.dynamic
	}

	v.SetDefault(key, opts.Default)
	if len(opts.EnvVars) > 0 {
		_ = v.BindEnv(append([]string{key}, opts.EnvVars...)...)
	}

	getFunc := opts.GetFunc
	if getFunc == nil {
		getFunc = defaultGetFunc[T]
	}

	return &value[T]{
		reg:        reg,
		key:        key,
		flagName:   opts.FlagName,
		defaultVal: opts.Default,
		dynamic:    opts.Dynamic,
		get:        getFunc(v),
	}
}

func (val *value[T]) Key() string      { return val.key }
func (val *value[T]) FlagName() string { return val.flagName }
func (val *value[T]) Default() T       { return val.defaultVal }

func (val *value[T]) Get() T {
	if val.dynamic {
		val.reg.dynamicMu.RLock()
		defer val.reg.dynamicMu.RUnlock()
	}
	return val.get(val.key)
}

func (val *value[T]) Set(v T) {
	if val.dynamic {
		val.reg.dynamicMu.Lock()
		defer val.reg.dynamicMu.Unlock()
		val.reg.dynamic.Set(val.key, v)
		return
	}
	val.reg.static.Set(val.key, v)
}

func (val *value[T]) bindFlag(f *pflag.Flag) error {
	if val.dynamic {
		val.reg.dynamicMu.Lock()
		defer val.reg.dynamicMu.Unlock()
		return val.reg.dynamic.BindPFlag(val.key, f)
	}
	return val.reg.static.BindPFlag(val.key, f)
}

// BindFlags binds each value to the flag in fs named by its FlagName. Values
// without a flag name, or whose flag is not defined in fs, are skipped.
func BindFlags(fs *pflag.FlagSet, values ...Registerable) {
	for _, v := range values {
		if v.FlagName() == "" {
			continue
		}
		f := fs.Lookup(v.FlagName())
		if f == nil {
			continue
		}
		if err := v.bindFlag(f); err != nil {
			panic(fmt.Sprintf("viperutil: failed to bind flag %q to key %q: %v", v.FlagName(), v.Key(), err))
		}
	}
}

func defaultGetFunc[T any](v *viper.Viper) func(key string) T {
	var zero T
	var get any
	switch any(zero).(type) {
	case string:
		get = v.GetString
	case bool:
		get = v.GetBool
	case int:
		get = v.GetInt
	case int64:
		get = v.GetInt64
	case uint64:
		get = v.GetUint64
	case float64:
		get = v.GetFloat64
	case time.Duration:
		get = v.GetDuration
	case []string:
		get = v.GetStringSlice
	default:
		return func(key string) T {
			var out T
			if err := v.UnmarshalKey(key, &out); err != nil {
				return zero
			}
			return out
		}
	}
	return get.(func(string) T)
}
