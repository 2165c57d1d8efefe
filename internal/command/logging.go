package command

import (
	"fmt"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/appkins-org/rdkb-lab/internal/config"
)

// newLogger builds a zap-backed logr.Logger. zapr maps V(n) to zap level
// -n. A positive verbosity overrides the level, so every message from
// error down to V(verbosity) is emitted.
func newLogger(cfg config.LoggingConfig) (logr.Logger, func(), error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return logr.Logger{}, nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	if cfg.Verbosity > 0 {
		level = zapcore.Level(-cfg.Verbosity)
	}

	var zc zap.Config
	switch cfg.Format {
	case "json":
		zc = zap.NewProductionConfig()
	case "", "text":
		zc = zap.NewDevelopmentConfig()
	default:
		return logr.Logger{}, nil, fmt.Errorf("unsupported log format %q", cfg.Format)
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	zapLogger, err := zc.Build()
	if err != nil {
		return logr.Logger{}, nil, err
	}

	return zapr.NewLogger(zapLogger), func() { _ = zapLogger.Sync() }, nil
}
