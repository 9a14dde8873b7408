// Package logging builds the run logger: human-readable lines to stdout and
// a rotated JSON file under the run directory.
package logging

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls logger construction.
type Options struct {
	// Dir receives the rotated log file; empty disables the file sink.
	Dir     string
	Verbose bool
	Quiet   bool
}

// New constructs the run logger.
func New(opts Options) *zap.SugaredLogger {
	level := zapcore.InfoLevel
	if opts.Verbose {
		level = zapcore.DebugLevel
	}
	if opts.Quiet {
		level = zapcore.WarnLevel
	}

	consoleCfg := zap.NewDevelopmentEncoderConfig()
	consoleCfg.TimeKey = ""
	consoleCfg.CallerKey = ""
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), zapcore.Lock(os.Stdout), level),
	}

	if opts.Dir != "" {
		fileSink := &lumberjack.Logger{
			Filename:   filepath.Join(opts.Dir, "orgmigrate.log"),
			MaxSize:    20, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
		}
		fileCfg := zap.NewProductionEncoderConfig()
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(fileCfg),
			zapcore.AddSync(fileSink),
			zapcore.DebugLevel,
		))
	}

	return zap.New(zapcore.NewTee(cores...)).Sugar()
}

// Nop returns a logger that discards everything; used by tests.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
