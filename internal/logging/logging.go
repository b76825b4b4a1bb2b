// Package logging builds the process logger.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options selects the verbosity of the root logger.
type Options struct {
	// Verbose logs at debug level.
	Verbose bool
	// Quiet only logs errors. It wins over Verbose.
	Quiet bool
	// LogSource annotates entries with the calling file and line.
	LogSource bool
	// JSON switches from the console encoder to JSON lines.
	JSON bool
}

// Level returns the minimum level for o.
func (o Options) Level() zapcore.Level {
	switch {
	case o.Quiet:
		return zapcore.ErrorLevel
	case o.Verbose:
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}

// New builds a logger writing to stderr.
func New(o Options) *zap.Logger {
	return NewWithSink(o, zapcore.Lock(os.Stderr))
}

// NewWithSink builds a logger writing to ws.
func NewWithSink(o Options, ws zapcore.WriteSyncer) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if o.JSON {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}
	core := zapcore.NewCore(enc, ws, zap.NewAtomicLevelAt(o.Level()))
	opts := []zap.Option{zap.AddStacktrace(zapcore.FatalLevel)}
	if o.LogSource {
		opts = append(opts, zap.AddCaller())
	}
	return zap.New(core, opts...)
}
