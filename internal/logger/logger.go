package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/amerfu/budgetd/internal/config"
)

// Initialize builds the process logger. Every entry carries the binary name
// under "service" so server, worker and CLI output can share a sink.
func Initialize(cfg config.LoggingConfig, service string) (*zap.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var zc zap.Config
	switch cfg.Format {
	case "json":
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.TimeKey = "ts"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	case "", "console":
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	if out := cfg.OutputPath; out != "" && out != "stdout" {
		zc.OutputPaths = []string{out}
		zc.ErrorOutputPaths = []string{out}
	}

	l, err := zc.Build()
	if err != nil {
		return nil, err
	}
	if service != "" {
		l = l.With(zap.String("service", service))
	}
	return l, nil
}

// ParseLevel accepts zap level names plus "warning". Empty means info.
func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return zap.InfoLevel, nil
	case "warning":
		return zap.WarnLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return l, fmt.Errorf("unknown log level %q", level)
	}
	return l, nil
}

// GormWriter routes gorm's query log into zap at debug level.
type GormWriter struct {
	log *zap.SugaredLogger
}

func NewGormWriter(l *zap.Logger) *GormWriter {
	return &GormWriter{log: l.WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

func (w *GormWriter) Printf(format string, args ...interface{}) {
	w.log.Debugf(format, args...)
}
