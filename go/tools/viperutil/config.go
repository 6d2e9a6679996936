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
	"errors"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"slices"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ErrConfigFileNotFound is returned by LoadConfig when no config file could be
// found and the not-found handling is "error" or "exit".
var ErrConfigFileNotFound = errors.New("config file not found")

// ViperConfig holds the values that control where LoadConfig looks for a
// config file.
type ViperConfig struct {
	configPaths                Value[[]string]
	configType                 Value[string]
	configName                 Value[string]
	configFile                 Value[string]
	configFileNotFoundHandling Value[ConfigFileNotFoundHandling]
}

func NewViperConfig(reg *Registry) *ViperConfig {
	defaultPath := "."
	if cur, err := os.Getwd(); err == nil {
		defaultPath = cur
	} else {
		slog.Warn("failed to get working directory", "err", err)
	}

	return &ViperConfig{
		configPaths: Configure(
			reg,
			"config.paths",
			Options[[]string]{
				Default:  []string{defaultPath},
				EnvVars:  []string{"MX_CONFIG_PATH"},
				FlagName: "config-path",
			},
		),
		configType: Configure(
			reg,
			"config.type",
			Options[string]{
				EnvVars:  []string{"MX_CONFIG_TYPE"},
				FlagName: "config-type",
			},
		),
		configName: Configure(
			reg,
			"config.name",
			Options[string]{
				Default:  "mxconfig",
				EnvVars:  []string{"MX_CONFIG_NAME"},
				FlagName: "config-name",
			},
		),
		configFile: Configure(
			reg,
			"config.file",
			Options[string]{
				EnvVars:  []string{"MX_CONFIG_FILE"},
				FlagName: "config-file",
			},
		),
		configFileNotFoundHandling: Configure(
			reg,
			"config.notfound.handling",
			Options[ConfigFileNotFoundHandling]{
				Default:  WarnOnConfigFileNotFound,
				GetFunc:  getHandlingValue,
				FlagName: "config-file-not-found-handling",
			},
		),
	}
}

// RegisterFlags installs the flags that control config loading.
func (vc *ViperConfig) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringSlice("config-path", vc.configPaths.Default(), "Paths to search for config files in.")
	fs.String("config-type", vc.configType.Default(), "Config file type (omit to infer config type from file extension).")
	fs.String("config-name", vc.configName.Default(), "Name of the config file (without extension) to search for.")
	fs.String("config-file", vc.configFile.Default(), "Full path of the config file (with extension) to use. If set, --config-path, --config-type, and --config-name are ignored.")

	h := vc.configFileNotFoundHandling.Default()
	fs.Var(&h, "config-file-not-found-handling", fmt.Sprintf("Behavior when a config file is not found. (Options: %s)", strings.Join(handlingNames, ", ")))

	BindFlags(fs, vc.configPaths, vc.configType, vc.configName, vc.configFile, vc.configFileNotFoundHandling)
}

// LoadConfig finds and reads the config file into the static registry, then
// copies its settings into the dynamic registry so dynamic values see them.
//
// --config-file, when set, is used to the exclusion of the search flags.
// Otherwise viper searches --config-path for a file named --config-name.
// When nothing is found, --config-file-not-found-handling decides whether
// that is silent, logged, or an error.
func (vc *ViperConfig) LoadConfig(reg *Registry) error {
	var err error
	switch file := vc.configFile.Get(); file {
	case "":
		if name := vc.configName.Get(); name != "" {
			reg.static.SetConfigName(name)
			for _, path := range vc.configPaths.Get() {
				reg.static.AddConfigPath(path)
			}
			if cfgType := vc.configType.Get(); cfgType != "" {
				reg.static.SetConfigType(cfgType)
			}
			err = reg.static.ReadInConfig()
		}
	default:
		reg.static.SetConfigFile(file)
		err = reg.static.ReadInConfig()
	}

	if err != nil {
		if !isConfigFileNotFoundError(err) {
			return fmt.Errorf("reading config %s: %w", reg.static.ConfigFileUsed(), err)
		}
		switch vc.configFileNotFoundHandling.Get() {
		case IgnoreConfigFileNotFound:
			return nil
		case WarnOnConfigFileNotFound:
			slog.Warn("config file not found, using defaults, flags and environment", "file", reg.static.ConfigFileUsed(), "err", err)
			return nil
		default:
			slog.Error("config file not found", "file", reg.static.ConfigFileUsed(), "err", err)
			return fmt.Errorf("%w: %w", ErrConfigFileNotFound, err)
		}
	}

	reg.dynamicMu.Lock()
	defer reg.dynamicMu.Unlock()
	if err := reg.dynamic.MergeConfigMap(reg.static.AllSettings()); err != nil {
		return fmt.Errorf("merging config into dynamic registry: %w", err)
	}
	return nil
}

func isConfigFileNotFoundError(err error) bool {
	if errors.As(err, &viper.ConfigFileNotFoundError{}) {
		return true
	}
	return errors.Is(err, os.ErrNotExist)
}

// ConfigFileNotFoundHandling controls how LoadConfig treats a missing config file.
type ConfigFileNotFoundHandling int

const (
	// IgnoreConfigFileNotFound ignores the missing file without logging.
	IgnoreConfigFileNotFound ConfigFileNotFoundHandling = iota
	// WarnOnConfigFileNotFound logs a warning and continues with defaults,
	// environment variables and flags.
	WarnOnConfigFileNotFound
	// ErrorOnConfigFileNotFound logs and returns ErrConfigFileNotFound.
	ErrorOnConfigFileNotFound
	// ExitOnConfigFileNotFound logs and returns ErrConfigFileNotFound; the
	// command exits on it.
	ExitOnConfigFileNotFound
)

var handlingNamesToValues = map[string]ConfigFileNotFoundHandling{
	"ignore": IgnoreConfigFileNotFound,
	"warn":   WarnOnConfigFileNotFound,
	"error":  ErrorOnConfigFileNotFound,
	"exit":   ExitOnConfigFileNotFound,
}

var handlingNames = func() []string {
	names := make([]string, 0, len(handlingNamesToValues))
	for name := range handlingNamesToValues {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}()

func getHandlingValue(v *viper.Viper) func(key string) ConfigFileNotFoundHandling {
	return func(key string) (h ConfigFileNotFoundHandling) {
		if err := v.UnmarshalKey(key, &h, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(decodeHandlingValue))); err != nil {
			h = IgnoreConfigFileNotFound
			slog.Warn("failed to decode config file handling, defaulting", "key", key, "err", err, "default", h.String())
		}
		return h
	}
}

func decodeHandlingValue(from, to reflect.Type, data any) (any, error) {
	var h ConfigFileNotFoundHandling
	if to != reflect.TypeOf(h) {
		return data, nil
	}

	switch {
	case from == reflect.TypeOf(h):
		return data, nil
	case from.Kind() == reflect.Int:
		return ConfigFileNotFoundHandling(data.(int)), nil
	case from.Kind() == reflect.String:
		if err := h.Set(data.(string)); err != nil {
			return h, err
		}
		return h, nil
	}
	return data, fmt.Errorf("invalid value for ConfigFileNotFoundHandling: %v", data)
}

func (h *ConfigFileNotFoundHandling) Set(arg string) error {
	if v, ok := handlingNamesToValues[strings.ToLower(arg)]; ok {
		*h = v
		return nil
	}
	return fmt.Errorf("unknown handling name %s", arg)
}

func (h *ConfigFileNotFoundHandling) String() string {
	for name, v := range handlingNamesToValues {
		if v == *h {
			return name
		}
	}
	return "<UNKNOWN>"
}

func (h *ConfigFileNotFoundHandling) Type() string { return "ConfigFileNotFoundHandling" }
