// Package logger provides the process-wide structured logger. The
// call-site API is intentionally printf-shaped (Debug/Info/Warn/Error
// taking a format string and args) so the rest of the module reads the
// way a hand-rolled logger would, while the output underneath is
// zap's structured JSON/console encoding.
package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var sugar *zap.SugaredLogger

// Init configures the global logger from LOG_LEVEL ("debug", "info",
// "warn", "error"; default "info") and LOG_FORMAT ("console" or
// "json"; default "console"). It must be called once before any
// logging call site runs.
func Init() {
	level := parseLevel(os.Getenv("LOG_LEVEL"))

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	var encoder zapcore.Encoder
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level)
	sugar = zap.New(core, zap.AddCaller()).Sugar()
}

func parseLevel(levelStr string) zapcore.Level {
	switch strings.ToLower(levelStr) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func logger() *zap.SugaredLogger {
	if sugar == nil {
		Init()
	}
	return sugar
}

func Debug(format string, v ...interface{}) { logger().Debugf(format, v...) }
func Info(format string, v ...interface{})  { logger().Infof(format, v...) }
func Warn(format string, v ...interface{})  { logger().Warnf(format, v...) }
func Error(format string, v ...interface{}) { logger().Errorf(format, v...) }

// Sync flushes buffered log entries; call during graceful shutdown.
func Sync() {
	if sugar != nil {
		_ = sugar.Sync()
	}
}

// With returns a child logger (as a SugaredLogger) carrying the given
// structured key/value pairs, for call sites that want fields attached
// to every subsequent line rather than interpolated into the message.
func With(kv ...interface{}) *zap.SugaredLogger {
	return logger().With(kv...)
}
