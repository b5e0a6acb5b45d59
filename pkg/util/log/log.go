// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present The sandtrace authors.

// Package log provides the logging facade used across the agent. It wraps
// seelog behind a process-wide logger so stages can log without carrying a
// logger around.
package log

import (
	"fmt"
	"os"
	"sync"

	"github.com/cihub/seelog"
)

var (
	mu     sync.RWMutex
	logger seelog.LoggerInterface
	level  seelog.LogLevel = seelog.InfoLvl
)

// SetupLogger configures the process-wide logger with the given seelog
// backend and minimum level. Unknown levels fall back to "info".
func SetupLogger(l seelog.LoggerInterface, lvl string) {
	mu.Lock()
	defer mu.Unlock()

	logger = l
	if parsed, ok := seelog.LogLevelFromString(lvl); ok {
		level = parsed
	} else {
		level = seelog.InfoLvl
	}
	// The exported helpers add one stack frame between the caller and seelog.
	logger.SetAdditionalStackDepth(1) //nolint:errcheck
}

// SetupConsoleLogger points the process-wide logger at stderr with a compact
// format suitable for one-shot CLI invocations.
func SetupConsoleLogger(lvl string) error {
	l, err := seelog.LoggerFromWriterWithMinLevelAndFormat(os.Stderr, seelog.TraceLvl,
		"%Date(2006-01-02 15:04:05 MST) | %LEVEL | %Msg%n")
	if err != nil {
		return fmt.Errorf("cannot create logger: %w", err)
	}
	SetupLogger(l, lvl)
	return nil
}

func shouldLog(lvl seelog.LogLevel) bool {
	return logger != nil && lvl >= level
}

// Tracef logs at the trace level with a format.
func Tracef(format string, params ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	if shouldLog(seelog.TraceLvl) {
		logger.Tracef(format, params...)
	}
}

// Debugf logs at the debug level with a format.
func Debugf(format string, params ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	if shouldLog(seelog.DebugLvl) {
		logger.Debugf(format, params...)
	}
}

// Infof logs at the info level with a format.
func Infof(format string, params ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	if shouldLog(seelog.InfoLvl) {
		logger.Infof(format, params...)
	}
}

// Warnf logs at the warn level with a format and returns the message as an
// error so call sites can both log and propagate.
func Warnf(format string, params ...interface{}) error {
	err := fmt.Errorf(format, params...)
	mu.RLock()
	defer mu.RUnlock()
	if shouldLog(seelog.WarnLvl) {
		logger.Warn(err.Error()) //nolint:errcheck
	}
	return err
}

// Errorf logs at the error level with a format and returns the message as an
// error.
func Errorf(format string, params ...interface{}) error {
	err := fmt.Errorf(format, params...)
	mu.RLock()
	defer mu.RUnlock()
	if shouldLog(seelog.ErrorLvl) {
		logger.Error(err.Error()) //nolint:errcheck
	}
	return err
}

// Info logs its arguments at the info level.
func Info(v ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	if shouldLog(seelog.InfoLvl) {
		logger.Info(v...)
	}
}

// Warn logs its arguments at the warn level.
func Warn(v ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	if shouldLog(seelog.WarnLvl) {
		logger.Warn(v...) //nolint:errcheck
	}
}

// Error logs its arguments at the error level.
func Error(v ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	if shouldLog(seelog.ErrorLvl) {
		logger.Error(v...) //nolint:errcheck
	}
}

// Flush flushes any buffered log entries.
func Flush() {
	mu.RLock()
	defer mu.RUnlock()
	if logger != nil {
		logger.Flush()
	}
}
