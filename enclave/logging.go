// Copyright 2023 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only

package enclave

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// bridge log levels
const (
	logLevelError   = 1
	logLevelWarning = 2
	logLevelInfo    = 3
	logLevelDebug   = 4
)

// handleLog forwards a log line emitted by the TEE bridge or a module
func handleLog(level uint32, msg string) {
	var zapLevel zapcore.Level
	switch level {
	case logLevelError:
		zapLevel = zapcore.ErrorLevel
	case logLevelWarning:
		zapLevel = zapcore.WarnLevel
	case logLevelInfo:
		zapLevel = zapcore.InfoLevel
	case logLevelDebug:
		zapLevel = zapcore.DebugLevel
	default:
		zapLevel = zapcore.ErrorLevel
	}
	zap.L().Log(zapLevel, msg, zap.String("source", "enclave"))
}
