// Copyright (c) 2024 Barnacle's authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package log is a thin leveled facade over zerolog with printf-style
// helpers. Both daemons are single-threaded packet loops, so the hot-path
// calls (V, D) must be cheap when the level is off; zerolog's level gate
// makes them a single atomic load plus a branch.
package log

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level mirrors the severity ladder used throughout the tree.
type Level int

const (
	VERBOSE Level = iota
	DEBUG
	INFO
	WARN
	ERROR
	NONE
)

var l = zerolog.New(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: time.RFC3339,
}).With().Timestamp().Logger()

// SetLevel sets the global threshold; messages below it are discarded.
func SetLevel(level Level) {
	switch level {
	case VERBOSE:
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case DEBUG:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case INFO:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case WARN:
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case ERROR:
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.Disabled)
	}
}

// SetJSON switches output to machine-readable JSON on stderr.
func SetJSON(json bool) {
	var w io.Writer = os.Stderr
	if !json {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	l = zerolog.New(w).With().Timestamp().Logger()
}

// V logs at verbose (trace) level.
func V(format string, args ...any) {
	if e := l.Trace(); e.Enabled() {
		e.Msg(fmt.Sprintf(format, args...))
	}
}

// D logs at debug level.
func D(format string, args ...any) {
	if e := l.Debug(); e.Enabled() {
		e.Msg(fmt.Sprintf(format, args...))
	}
}

// I logs at info level.
func I(format string, args ...any) {
	if e := l.Info(); e.Enabled() {
		e.Msg(fmt.Sprintf(format, args...))
	}
}

// W logs at warn level.
func W(format string, args ...any) {
	if e := l.Warn(); e.Enabled() {
		e.Msg(fmt.Sprintf(format, args...))
	}
}

// E logs at error level.
func E(format string, args ...any) {
	if e := l.Error(); e.Enabled() {
		e.Msg(fmt.Sprintf(format, args...))
	}
}
