// Package logging builds the process logger: readable output on stderr
// and the same stream in a rotated log file, like the original tool's
// simultaneous console and file handlers.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// New builds the logger. Both cores log at info, or debug when verbose is
// set. An empty logFile disables the file core. The returned func flushes
// buffered entries and should run before exit.
func New(verbose bool, logFile string) (*zap.Logger, func()) {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}

	consoleEnc := zap.NewDevelopmentEncoderConfig()
	consoleEnc.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	consoleEnc.EncodeLevel = zapcore.CapitalLevelEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleEnc), zapcore.Lock(os.Stderr), level),
	}

	if logFile != "" {
		fileEnc := zap.NewDevelopmentEncoderConfig()
		fileEnc.EncodeTime = zapcore.ISO8601TimeEncoder
		fileEnc.EncodeLevel = zapcore.CapitalLevelEncoder
		sink := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(fileEnc), zapcore.AddSync(sink), level))
	}

	log := zap.New(zapcore.NewTee(cores...))
	return log, func() { _ = log.Sync() }
}
