// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"io"
	"log/slog"
	"os"

	"golang.org/x/term"
)

// DebugEnvironmentVariable forces debug logging when set to a
// non-empty value.
const DebugEnvironmentVariable = "CONCATFS_DEBUG"

// NewCommandLogger creates the logger for a command. When stderr is a
// terminal it writes text; otherwise JSON, for log collectors.
func NewCommandLogger(level slog.Level) *slog.Logger {
	return newLogger(os.Stderr, term.IsTerminal(int(os.Stderr.Fd())), level)
}

func newLogger(w io.Writer, text bool, level slog.Level) *slog.Logger {
	if os.Getenv(DebugEnvironmentVariable) != "" {
		level = slog.LevelDebug
	}
	options := &slog.HandlerOptions{Level: level}
	if text {
		return slog.New(slog.NewTextHandler(w, options))
	}
	return slog.New(slog.NewJSONHandler(w, options))
}
