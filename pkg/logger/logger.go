// Package logger builds the zap.Logger used throughout the matching
// engine. Logs go to stderr: stdout is reserved for the line-delimited
// JSON protocol responses the engine writes to its caller.
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger aliases zap.Logger so callers don't need to import zap
// directly just to hold a reference.
type Logger = *zap.Logger

var levelsByName = map[string]zapcore.Level{
	"debug": zapcore.DebugLevel,
	"info":  zapcore.InfoLevel,
	"warn":  zapcore.WarnLevel,
	"error": zapcore.ErrorLevel,
}

// NewLogger builds a JSON-encoding zap.Logger at the given level
// (debug, info, warn or error; anything else falls back to info).
// Callers must never write log output to stdout: it belongs entirely
// to the protocol channel this engine speaks over stdin/stdout.
func NewLogger(level string) (*zap.Logger, error) {
	zapLevel, ok := levelsByName[level]
	if !ok {
		zapLevel = zapcore.InfoLevel
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(os.Stderr),
		zapLevel,
	)

	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}
