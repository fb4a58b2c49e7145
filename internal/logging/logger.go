// Package logging builds the zap logger shared by every component.
package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options selects level, encoding and the optional log file.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // console or json
	File   string // full log destination; stderr only receives warnings when set
}

// New returns a logger writing to File at Level and to stderr at warn and above.
// Without a File, stderr receives everything at Level.
func New(opts Options) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(orDefault(opts.Level, "info"))
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}

	stderrLevel := level
	var cores []zapcore.Core
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir %s: %w", filepath.Dir(opts.File), err)
		}
		f, err := os.OpenFile(opts.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		cores = append(cores, zapcore.NewCore(newEncoder("json"), zapcore.AddSync(f), level))
		if stderrLevel < zapcore.WarnLevel {
			stderrLevel = zapcore.WarnLevel
		}
	}
	cores = append(cores, zapcore.NewCore(newEncoder(opts.Format), zapcore.Lock(os.Stderr), stderrLevel))

	return zap.New(zapcore.NewTee(cores...)), nil
}

// newEncoder creates JSON or console encoder.
func newEncoder(format string) zapcore.Encoder {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	if format == "console" {
		encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		return zapcore.NewConsoleEncoder(encoderCfg)
	}
	return zapcore.NewJSONEncoder(encoderCfg)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
