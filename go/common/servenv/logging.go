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

// Package servenv holds the process-level setup shared by multiexec binaries.
package servenv

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/spf13/pflag"

	"github.com/multigres/multiexec/go/tools/telemetry"
	"github.com/multigres/multiexec/go/tools/viperutil"
)

// Logger owns the log-level, log-format and log-output settings and the
// slog logger built from them.
type Logger struct {
	logLevel  viperutil.Value[string]
	logFormat viperutil.Value[string]
	logOutput viperutil.Value[string]

	telemetry *telemetry.Telemetry

	once   sync.Once
	mu     sync.Mutex
	logger *slog.Logger
	closer io.Closer

	setupHooks []func(*slog.Logger)
}

// NewLogger registers the logging settings in reg. When tel is non-nil the
// handler built by Setup tags records with the active trace and span ids.
func NewLogger(reg *viperutil.Registry, tel *telemetry.Telemetry) *Logger {
	return &Logger{
		telemetry: tel,
		logLevel: viperutil.Configure(reg, "log-level", viperutil.Options[string]{
			Default:  "info",
			FlagName: "log-level",
			EnvVars:  []string{"MX_LOG_LEVEL"},
		}),
		logFormat: viperutil.Configure(reg, "log-format", viperutil.Options[string]{
			Default:  "json",
			FlagName: "log-format",
			EnvVars:  []string{"MX_LOG_FORMAT"},
		}),
		logOutput: viperutil.Configure(reg, "log-output", viperutil.Options[string]{
			Default:  "stdout",
			FlagName: "log-output",
			EnvVars:  []string{"MX_LOG_OUTPUT"},
		}),
	}
}

// RegisterFlags registers logging-related command line flags.
func (lg *Logger) RegisterFlags(fs *pflag.FlagSet) {
	fs.String("log-level", lg.logLevel.Default(), "Log level (debug, info, warn, error)")
	fs.String("log-format", lg.logFormat.Default(), "Log format (json, text)")
	fs.String("log-output", lg.logOutput.Default(), "Log output (stdout, stderr, or file path)")
	viperutil.BindFlags(fs, lg.logLevel, lg.logFormat, lg.logOutput)
}

// OnSetup registers f to run once the logger has been created.
func (lg *Logger) OnSetup(f func(*slog.Logger)) {
	lg.mu.Lock()
	defer lg.mu.Unlock()
	lg.setupHooks = append(lg.setupHooks, f)
}

// Setup builds the logger from the configured values and installs it as the
// slog default. Later calls return the same logger.
func (lg *Logger) Setup() *slog.Logger {
	lg.once.Do(func() {
		levelStr := lg.logLevel.Get()
		formatStr := lg.logFormat.Get()
		outputStr := lg.logOutput.Get()

		var output io.Writer
		switch strings.ToLower(outputStr) {
		case "", "stdout":
			output = os.Stdout
		case "stderr":
			output = os.Stderr
		default:
			file, err := os.OpenFile(outputStr, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				slog.Warn("failed to open log output, using stdout", "path", outputStr, "err", err)
				output = os.Stdout
			} else {
				output = file
				lg.closer = file
			}
		}

		handler := newHandler(output, formatStr, ParseLevel(levelStr))
		if lg.telemetry != nil {
			handler = lg.telemetry.WrapSlogHandler(handler)
		}
		newLogger := slog.New(handler)
		slog.SetDefault(newLogger)

		lg.mu.Lock()
		lg.logger = newLogger
		hooks := append([]func(*slog.Logger){}, lg.setupHooks...)
		lg.mu.Unlock()

		for _, h := range hooks {
			h(newLogger)
		}

		newLogger.Debug("logging initialized", "level", levelStr, "format", formatStr, "output", outputStr)
	})
	return lg.Get()
}

// Get returns the configured logger, or slog.Default before Setup.
func (lg *Logger) Get() *slog.Logger {
	lg.mu.Lock()
	defer lg.mu.Unlock()
	if lg.logger == nil {
		return slog.Default()
	}
	return lg.logger
}

// Close releases the log file, if one was opened.
func (lg *Logger) Close() error {
	lg.mu.Lock()
	defer lg.mu.Unlock()
	if lg.closer == nil {
		return nil
	}
	err := lg.closer.Close()
	lg.closer = nil
	return err
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}
