/*
Process-wide structured logger.

Every background component (deadlock detector, checkpointer, vacuum,
walsender, replayer) logs through here. The default logger writes to stderr
at info level; Init replaces it from configuration, optionally with a
rotating file.
*/
package log

import (
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

var global = newDefault()

func newDefault() *zap.Logger {
	enc := zap.NewProductionEncoderConfig()
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.Lock(os.Stderr), zapcore.InfoLevel)
	return zap.New(core)
}

// Init builds the global logger from configuration.
// when file is non-empty the output rotates via lumberjack.
func Init(level, file string) error {
	lv, err := zapcore.ParseLevel(level)
	if err != nil {
		return errors.Wrapf(err, "unknown log level %q", level)
	}
	var sink zapcore.WriteSyncer
	if file != "" {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   file,
			MaxSize:    300, // MB
			MaxBackups: 3,
		})
	} else {
		sink = zapcore.Lock(os.Stderr)
	}
	enc := zap.NewProductionEncoderConfig()
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	global = zap.New(zapcore.NewCore(zapcore.NewConsoleEncoder(enc), sink, lv))
	return nil
}

// L returns the global logger
func L() *zap.Logger {
	return global
}

// With returns a child logger carrying the given fields
func With(fields ...zap.Field) *zap.Logger {
	return global.With(fields...)
}
