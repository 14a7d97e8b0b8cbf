// Package logging builds the daemon's zap logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures New.
type Options struct {
	// Path is the JSON log file. Its directory is created if needed.
	Path    string
	Session string
	Level   zapcore.Level
	// Console, when set, receives a human-readable copy of every entry.
	Console io.Writer
}

// New returns a logger writing JSON lines to o.Path, tagged with the
// session name and PID.
func New(o Options) (*zap.Logger, error) {
	if err := os.MkdirAll(filepath.Dir(o.Path), 0700); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	file, err := os.OpenFile(o.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "ts"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.AddSync(file), o.Level),
	}
	if o.Console != nil {
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.AddSync(o.Console), o.Level))
	}

	return zap.New(zapcore.NewTee(cores...), zap.Fields(
		zap.String("session", o.Session),
		zap.Int("pid", os.Getpid()),
	)), nil
}
