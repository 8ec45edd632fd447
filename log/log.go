// Copyright (c) 2024 The aa-bundler developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package log fronts go-ethereum's slog-based logger with package-scoped
// contextual loggers and the legacy 0-9 verbosity scale.
package log

import (
	"io"
	"log/slog"

	ethlog "github.com/ethereum/go-ethereum/log"
)

// Logger is the structured key-value logger used throughout the repo.
type Logger = ethlog.Logger

// Legacy verbosity levels accepted by the --verbosity flag.
const (
	LegacyLevelCrit = iota
	LegacyLevelError
	LegacyLevelWarn
	LegacyLevelInfo
	LegacyLevelDebug
	LegacyLevelTrace
)

// WithContext creates a logger carrying the given key-value context.
// Packages declare their logger once:
//
//	var logger = log.WithContext("pkg", "mempool")
func WithContext(ctx ...interface{}) Logger {
	return ethlog.Root().New(ctx...)
}

// Root returns the process-wide root logger.
func Root() Logger { return ethlog.Root() }

// SetDefault replaces the root logger.
func SetDefault(l Logger) { ethlog.SetDefault(l) }

// FromLegacyLevel converts a legacy verbosity (0-9) to a slog level.
func FromLegacyLevel(lvl int) slog.Level {
	return ethlog.FromLegacyLevel(lvl)
}

// InitTerminalLogger installs a terminal handler on the root logger.
func InitTerminalLogger(w io.Writer, verbosity int, useColor bool) {
	handler := ethlog.NewTerminalHandlerWithLevel(w, FromLegacyLevel(verbosity), useColor)
	ethlog.SetDefault(ethlog.NewLogger(handler))
}

// InitJSONLogger installs a JSON handler on the root logger.
func InitJSONLogger(w io.Writer, verbosity int) {
	handler := ethlog.JSONHandlerWithLevel(w, FromLegacyLevel(verbosity))
	ethlog.SetDefault(ethlog.NewLogger(handler))
}

// JSONHandler creates a JSON slog handler writing to w. Tests use it to
// capture log output.
func JSONHandler(w io.Writer) slog.Handler { return ethlog.JSONHandler(w) }

// DiscardHandler returns a handler that drops every record.
func DiscardHandler() slog.Handler { return ethlog.DiscardHandler() }

func Trace(msg string, ctx ...interface{}) { ethlog.Root().Trace(msg, ctx...) }
func Debug(msg string, ctx ...interface{}) { ethlog.Root().Debug(msg, ctx...) }
func Info(msg string, ctx ...interface{})  { ethlog.Root().Info(msg, ctx...) }
func Warn(msg string, ctx ...interface{})  { ethlog.Root().Warn(msg, ctx...) }
func Error(msg string, ctx ...interface{}) { ethlog.Root().Error(msg, ctx...) }
func Crit(msg string, ctx ...interface{})  { ethlog.Root().Crit(msg, ctx...) }
