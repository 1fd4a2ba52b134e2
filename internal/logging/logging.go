// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logging provides the engine's structured logger: a
// log/slog wrapper with a custom five-level severity set (TRACE,
// DEBUG, INFO, WARNING, ERROR) and a choice of text or JSON output.
// Every package in this engine logs through here rather than calling
// the log package or fmt.Println directly.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Custom severity levels, spaced like slog's builtin levels so they
// interleave correctly (slog.LevelInfo == 0, slog.LevelWarn == 4,
// slog.LevelError == 8).
const (
	LevelTrace slog.Level = -8
	LevelDebug slog.Level = -4
	LevelInfo  slog.Level = 0
	LevelWarn  slog.Level = 4
	LevelError slog.Level = 8
)

var levelNames = map[slog.Leveler]string{
	LevelTrace: "TRACE",
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARNING",
	LevelError: "ERROR",
}

// ParseLevel maps a case-insensitive severity name to its slog.Level,
// defaulting to INFO for an unrecognized name.
func ParseLevel(name string) slog.Level {
	switch strings.ToUpper(name) {
	case "TRACE":
		return LevelTrace
	case "DEBUG":
		return LevelDebug
	case "WARNING", "WARN":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

var (
	programLevel  = new(slog.LevelVar)
	defaultLogger = slog.New(newHandler(os.Stdout, programLevel, "text"))
)

// Configure rebuilds the package-level default logger against the
// given level and format ("text" or "json"), writing to w. cmd/root.go
// calls this once at startup from cfg.Config.Logging.
func Configure(w io.Writer, level slog.Level, format string) {
	programLevel.Set(level)
	defaultLogger = slog.New(newHandler(w, programLevel, format))
}

func newHandler(w io.Writer, level slog.Leveler, format string) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			switch a.Key {
			case slog.LevelKey:
				l := a.Value.Any().(slog.Level)
				name, ok := levelNames[l]
				if !ok {
					name = l.String()
				}
				a.Key = "severity"
				a.Value = slog.StringValue(name)
			case slog.MessageKey:
				a.Key = "message"
			case slog.TimeKey:
				a.Key = "timestamp"
			}
			return a
		},
	}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	// slog's builtin text handler renders `timestamp=... severity=LEVEL
	// message="..."` once the keys are substituted above.
	return slog.NewTextHandler(w, opts)
}

// Default returns the package's shared logger.
func Default() *slog.Logger { return defaultLogger }

// With returns a child logger carrying the given key/value pairs on
// every record, e.g. logging.With("sr", srUUID).
func With(args ...any) *slog.Logger { return defaultLogger.With(args...) }

func log(ctx context.Context, level slog.Level, format string, args ...any) {
	if !defaultLogger.Enabled(ctx, level) {
		return
	}
	defaultLogger.Log(ctx, level, fmt.Sprintf(format, args...))
}

// Tracef logs at TRACE, the engine's most verbose level (per-child
// relink/refresh bookkeeping).
func Tracef(format string, args ...any) { log(context.Background(), LevelTrace, format, args...) }

// Debugf logs at DEBUG (candidate-selection reasoning, journal
// read/write detail).
func Debugf(format string, args ...any) { log(context.Background(), LevelDebug, format, args...) }

// Infof logs at INFO (one line per coalesce/leaf-coalesce started and
// finished).
func Infof(format string, args ...any) { log(context.Background(), LevelInfo, format, args...) }

// Warnf logs at WARNING (a candidate skipped for ENOSPC, a slave
// notification retried).
func Warnf(format string, args ...any) { log(context.Background(), LevelWarn, format, args...) }

// Errorf logs at ERROR (a run-aborting structural failure, a fatal
// lock-state error).
func Errorf(format string, args ...any) { log(context.Background(), LevelError, format, args...) }
