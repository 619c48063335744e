// Package logging wires a zap core under the standard library slog front end.
// Call sites across the codebase use slog; this package decides where those
// records actually go.
package logging

import (
	"log/slog"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"
)

// Setup builds the process logger and installs it as the slog default.
// When debug is true the logger emits human-readable console output at
// debug level, otherwise JSON at info level. The returned function
// flushes buffered records and should be deferred by main.
func Setup(debug bool) func() {
	var core zapcore.Core
	if debug {
		encoderCfg := zap.NewDevelopmentEncoderConfig()
		encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		core = zapcore.NewCore(
			zapcore.NewConsoleEncoder(encoderCfg),
			zapcore.Lock(os.Stderr),
			zapcore.DebugLevel,
		)
	} else {
		core = zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			zapcore.Lock(os.Stderr),
			zapcore.InfoLevel,
		)
	}

	zl := zap.New(core)
	slog.SetDefault(slog.New(zapslog.NewHandler(zl.Core())))

	return func() {
		_ = zl.Sync()
	}
}
